package smoke

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"entangle/cmd/internal/app"
	"entangle/cmd/internal/protocol"
)

func TestRun_AgainstLiveServer(t *testing.T) {
	t.Setenv("ENTANGLE_WS_WATCH_INTERVAL", "20ms")

	cfg := app.LoadConfig()
	cfg.DatabaseURL = ""
	cfg.SweepInterval = 0

	a, err := app.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	res, err := Run(ctx, Config{
		BaseURL: srv.URL,
		Origin:  "http://127.0.0.1",
		Timeout: 3 * time.Second,
		Secrets: protocol.DefaultConfig(),
		Out:     &out,
		Verbose: true,
	})
	if err != nil {
		t.Fatalf("Run: %v\n%s", err, out.String())
	}

	want := protocol.DefaultConfig().Secret()
	if res.Secret != want {
		t.Fatalf("secret=%q want %q", res.Secret, want)
	}
	if len(res.EntanglementID) != 64 {
		t.Fatalf("unexpected id %q", res.EntanglementID)
	}
	if res.Frames < 2 {
		t.Fatalf("expected at least status and gone frames, got %d", res.Frames)
	}
	if !strings.Contains(out.String(), "replay rejected: invalid_token") {
		t.Fatalf("missing replay line in %q", out.String())
	}
}

func TestRun_RejectsBadURLs(t *testing.T) {
	t.Parallel()

	cases := []Config{
		{BaseURL: "ftp://example.com"},
		{BaseURL: "http://"},
		{BaseURL: "http://127.0.0.1:1", Origin: "ws://x"},
	}
	for _, cfg := range cases {
		if _, err := Run(context.Background(), cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestWSURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"http://127.0.0.1:8080":  "ws://127.0.0.1:8080",
		"https://entangle.local": "wss://entangle.local",
	}
	for in, want := range cases {
		if got := wsURL(in); got != want {
			t.Fatalf("wsURL(%q)=%q want %q", in, got, want)
		}
	}
}

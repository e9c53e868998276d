package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"entangle/cmd/internal/protocol"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type countingWatchers struct {
	open atomic.Int64
}

func (c *countingWatchers) WatcherOpened() { c.open.Add(1) }
func (c *countingWatchers) WatcherClosed() { c.open.Add(-1) }

type failingSource struct{}

func (failingSource) Status(context.Context, string) (protocol.Snapshot, error) {
	return protocol.Snapshot{}, errors.New("boom")
}

func newWatchServer(t *testing.T, src StatusSource, cfg WatchConfig, opts ...WatchOption) *httptest.Server {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	g, err := NewWatchGateway(log, src, cfg, opts...)
	if err != nil {
		t.Fatalf("NewWatchGateway: %v", err)
	}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return srv
}

func testWatchConfig() WatchConfig {
	return WatchConfig{
		Interval:       20 * time.Millisecond,
		WriteTimeout:   time.Second,
		OriginRequired: true,
		AllowedOrigins: []string{"http://127.0.0.1"},
	}
}

func dialWatch(t *testing.T, ctx context.Context, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/watch?entanglement_id=" + id
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   http.Header{"Origin": []string{"http://127.0.0.1"}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) Frame {
	t.Helper()

	var f Frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func newEngine(t *testing.T) *protocol.Engine {
	t.Helper()

	e, err := protocol.NewEngine(protocol.DefaultConfig(), protocol.NewStore())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestWatch_StreamsUntilConsumed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e := newEngine(t)
	cfg := protocol.DefaultConfig()
	watchers := &countingWatchers{}
	srv := newWatchServer(t, e, testWatchConfig(), WithWatchObserver(watchers))

	a, err := e.Transmit(ctx, protocol.TransmitInput{To: "bob", Message: cfg.AlicePhrase})
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}

	conn := dialWatch(t, ctx, srv, a.SessionID)

	f := readFrame(t, ctx, conn)
	if f.Type != TypeStatus || f.EntanglementID != a.SessionID || !f.Stage1Done || f.Stage2Done {
		t.Fatalf("unexpected first frame: %+v", f)
	}
	if f.State != string(protocol.StateQubitTransmitted) {
		t.Fatalf("unexpected state: %q", f.State)
	}
	if watchers.open.Load() != 1 {
		t.Fatalf("expected 1 open watcher, got %d", watchers.open.Load())
	}

	if _, err := e.Swap(ctx, protocol.SwapInput{To: "charlie", Message: cfg.BobPhrase, SessionID: a.SessionID}); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	for {
		f = readFrame(t, ctx, conn)
		if f.Stage2Done {
			break
		}
	}
	if f.State != string(protocol.StateEntanglementSwapped) {
		t.Fatalf("unexpected state after swap: %q", f.State)
	}

	if _, err := e.Collapse(ctx, protocol.CollapseInput{ResponseType: "proof", Message: cfg.CharliePhrase, SessionID: a.SessionID}); err != nil {
		t.Fatalf("Collapse: %v", err)
	}
	for f.Type != TypeGone {
		f = readFrame(t, ctx, conn)
	}
	if f.Code != "invalid_token" {
		t.Fatalf("unexpected gone code: %q", f.Code)
	}

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for watchers.open.Load() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if watchers.open.Load() != 0 {
		t.Fatalf("watcher gauge did not return to 0")
	}
}

func TestWatch_UnknownSessionIsGoneImmediately(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := newWatchServer(t, newEngine(t), testWatchConfig())
	conn := dialWatch(t, ctx, srv, "does-not-exist")

	if f := readFrame(t, ctx, conn); f.Type != TypeGone {
		t.Fatalf("expected gone frame, got %+v", f)
	}
}

func TestWatch_RefreshPushesImmediately(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e := newEngine(t)
	cfg := testWatchConfig()
	cfg.Interval = time.Hour
	srv := newWatchServer(t, e, cfg)

	a, err := e.Transmit(ctx, protocol.TransmitInput{To: "bob", Message: protocol.DefaultConfig().AlicePhrase})
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	conn := dialWatch(t, ctx, srv, a.SessionID)
	_ = readFrame(t, ctx, conn)

	if err := wsjson.Write(ctx, conn, Frame{Type: TypeRefresh}); err != nil {
		t.Fatalf("write refresh: %v", err)
	}
	if f := readFrame(t, ctx, conn); f.Type != TypeStatus {
		t.Fatalf("expected status after refresh, got %+v", f)
	}
}

func TestWatch_RefreshFloodIsRateLimited(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e := newEngine(t)
	cfg := testWatchConfig()
	cfg.Interval = time.Hour
	cfg.RefreshEvents = 2
	cfg.RefreshWindow = time.Minute
	srv := newWatchServer(t, e, cfg)

	a, err := e.Transmit(ctx, protocol.TransmitInput{To: "bob", Message: protocol.DefaultConfig().AlicePhrase})
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	conn := dialWatch(t, ctx, srv, a.SessionID)

	for i := 0; i < 3; i++ {
		if err := wsjson.Write(ctx, conn, Frame{Type: TypeRefresh}); err != nil {
			break
		}
	}

	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
			t.Fatalf("expected policy violation close, got %v (%v)", got, err)
		}
		return
	}
}

func TestWatch_SourceFailureSendsError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := newWatchServer(t, failingSource{}, testWatchConfig())
	conn := dialWatch(t, ctx, srv, "abc")

	if f := readFrame(t, ctx, conn); f.Type != TypeError || f.Code != "internal_error" {
		t.Fatalf("expected internal error frame, got %+v", f)
	}
}

func TestWatch_RejectsBeforeUpgrade(t *testing.T) {
	t.Parallel()

	srv := newWatchServer(t, newEngine(t), testWatchConfig())

	cases := []struct {
		name   string
		query  string
		origin string
		want   int
	}{
		{name: "missing id", query: "", origin: "http://127.0.0.1", want: http.StatusBadRequest},
		{name: "missing origin", query: "?entanglement_id=x", origin: "", want: http.StatusForbidden},
		{name: "foreign origin", query: "?entanglement_id=x", origin: "https://evil.example", want: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws/watch"+tc.query, nil)
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status=%d want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	got := originPatterns([]string{"http://LocalHost:5173", "*", "http://127.0.0.1", ""})
	want := []string{"127.0.0.1", "127.0.0.1:*", "localhost", "localhost:*"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	base := time.Unix(1_700_000_000, 0)

	if !rl.Allow(base) || !rl.Allow(base.Add(100*time.Millisecond)) {
		t.Fatalf("first two events must pass")
	}
	if rl.Allow(base.Add(200 * time.Millisecond)) {
		t.Fatalf("third event inside window must be rejected")
	}
	if !rl.Allow(base.Add(1100 * time.Millisecond)) {
		t.Fatalf("event after the first left the window must pass")
	}
}

func TestLoadWatchConfigFromEnv(t *testing.T) {
	t.Setenv("ENTANGLE_WS_WATCH_INTERVAL", "250ms")
	t.Setenv("ENTANGLE_WS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("ENTANGLE_WS_ORIGIN_REQUIRED", "false")

	cfg := LoadWatchConfigFromEnv()
	if cfg.Interval != 250*time.Millisecond {
		t.Fatalf("interval=%v", cfg.Interval)
	}
	if cfg.OriginRequired {
		t.Fatalf("expected origin not required")
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("allowed origins=%v", cfg.AllowedOrigins)
	}
}

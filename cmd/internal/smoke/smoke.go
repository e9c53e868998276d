// Package smoke drives one full entanglement run against a live server.
//
// It validates:
//   - alice issues an entanglement id and fragment A
//   - bob swaps it and releases fragment B
//   - the status watch reports stage 2 over WebSocket
//   - charlie collapses it, releases fragment C, and the watch sees it go
//   - replaying charlie is rejected as an invalid token
package smoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"entangle/cmd/internal/protocol"
	"entangle/cmd/internal/realtime"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const maxReadBytes = 64 << 10

// Config controls a smoke run.
type Config struct {
	BaseURL string
	Origin  string
	Timeout time.Duration

	// Phrases must match the server's configuration.
	Secrets protocol.Config

	HTTPClient *http.Client
	Out        io.Writer
	Verbose    bool
}

// Result is what a successful run observed.
type Result struct {
	EntanglementID string
	Secret         string
	Frames         int
}

type stageReply struct {
	Status          string `json:"status"`
	EntanglementID  string `json:"entanglement_id"`
	DecodedFragment string `json:"decoded_fragment"`
	State           string `json:"state"`
	Code            string `json:"code"`
	Hint            string `json:"hint"`
}

// Run performs the walk and returns the assembled secret.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if err := validateBaseURL(cfg.BaseURL); err != nil {
		return Result{}, fmt.Errorf("invalid base url: %w", err)
	}
	if err := validateOrigin(cfg.Origin); err != nil {
		return Result{}, fmt.Errorf("invalid origin: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	s := cfg.Secrets

	a, err := post(ctx, cfg, base+"/agent/alice", map[string]string{
		"to":      "bob",
		"message": s.AlicePhrase,
	}, http.StatusOK)
	if err != nil {
		return Result{}, fmt.Errorf("alice: %w", err)
	}
	id := a.EntanglementID
	if id == "" {
		return Result{}, errors.New("alice: missing entanglement_id")
	}
	cfg.logf("alice ok: state=%s", a.State)

	b, err := post(ctx, cfg, base+"/agent/bob", map[string]string{
		"to":              "charlie",
		"message":         s.BobPhrase,
		"entanglement_id": id,
	}, http.StatusOK)
	if err != nil {
		return Result{}, fmt.Errorf("bob: %w", err)
	}
	cfg.logf("bob ok: state=%s", b.State)

	conn, err := dialWatch(ctx, cfg, base, id)
	if err != nil {
		return Result{}, fmt.Errorf("watch: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()

	frames := 0
	first, err := readFrame(ctx, cfg, conn)
	if err != nil {
		return Result{}, fmt.Errorf("watch: %w", err)
	}
	frames++
	if first.Type != realtime.TypeStatus || !first.Stage2Done {
		return Result{}, fmt.Errorf("watch: expected stage 2 status, got %+v", first)
	}
	cfg.logf("watch ok: remaining=%ds", first.RemainingSeconds)

	c, err := post(ctx, cfg, base+"/agent/charlie", map[string]string{
		"response_type":   "proof",
		"message":         s.CharliePhrase,
		"entanglement_id": id,
	}, http.StatusOK)
	if err != nil {
		return Result{}, fmt.Errorf("charlie: %w", err)
	}
	cfg.logf("charlie ok: state=%s", c.State)

	for {
		f, err := readFrame(ctx, cfg, conn)
		if err != nil {
			return Result{}, fmt.Errorf("watch after collapse: %w", err)
		}
		frames++
		if f.Type == realtime.TypeGone {
			break
		}
	}
	cfg.logf("watch ok: gone after %d frames", frames)

	replay, err := post(ctx, cfg, base+"/agent/charlie", map[string]string{
		"response_type":   "proof",
		"message":         s.CharliePhrase,
		"entanglement_id": id,
	}, http.StatusNotFound)
	if err != nil {
		return Result{}, fmt.Errorf("replay: %w", err)
	}
	if replay.Code != "invalid_token" {
		return Result{}, fmt.Errorf("replay: expected invalid_token, got %q", replay.Code)
	}
	cfg.logf("replay rejected: %s", replay.Code)

	return Result{
		EntanglementID: id,
		Secret:         a.DecodedFragment + b.DecodedFragment + c.DecodedFragment,
		Frames:         frames,
	}, nil
}

func post(parent context.Context, cfg Config, target string, body any, wantStatus int) (stageReply, error) {
	ctx, cancel := context.WithTimeout(parent, cfg.Timeout)
	defer cancel()

	b, err := json.Marshal(body)
	if err != nil {
		return stageReply{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(b))
	if err != nil {
		return stageReply{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Origin != "" {
		req.Header.Set("Origin", cfg.Origin)
	}

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return stageReply{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out stageReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReadBytes)).Decode(&out); err != nil {
		return stageReply{}, fmt.Errorf("decode (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != wantStatus {
		return out, fmt.Errorf("status %d (code=%q hint=%q), want %d", resp.StatusCode, out.Code, out.Hint, wantStatus)
	}
	return out, nil
}

func dialWatch(parent context.Context, cfg Config, base, id string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(parent, cfg.Timeout)
	defer cancel()

	h := http.Header{}
	if cfg.Origin != "" {
		h.Set("Origin", cfg.Origin)
	}

	u := wsURL(base) + "/ws/watch?entanglement_id=" + url.QueryEscape(id)
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: []string{realtime.Subprotocol},
		HTTPHeader:   h,
		HTTPClient:   cfg.HTTPClient,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if got := conn.Subprotocol(); got != realtime.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol mismatch")
		return nil, fmt.Errorf("subprotocol %q, want %q", got, realtime.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)
	return conn, nil
}

func readFrame(parent context.Context, cfg Config, conn *websocket.Conn) (realtime.Frame, error) {
	ctx, cancel := context.WithTimeout(parent, cfg.Timeout)
	defer cancel()

	var f realtime.Frame
	err := wsjson.Read(ctx, conn, &f)
	return f, err
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func (c Config) logf(format string, args ...any) {
	if !c.Verbose {
		return
	}
	_, _ = fmt.Fprintf(c.Out, format+"\n", args...)
}

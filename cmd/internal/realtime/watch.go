package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"entangle/cmd/internal/protocol"
	"entangle/cmd/security/token"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Subprotocol is the only subprotocol the watch gateway speaks.
const Subprotocol = "entangle.watch.v1"

// Frame types.
const (
	TypeStatus  = "status"
	TypeGone    = "gone"
	TypeError   = "error"
	TypeRefresh = "refresh"
)

// Frame is one server-to-client (or client-to-server refresh) message.
type Frame struct {
	Type string `json:"type"`

	EntanglementID   string `json:"entanglement_id,omitempty"`
	Stage1Done       bool   `json:"stage1_done"`
	Stage2Done       bool   `json:"stage2_done"`
	Stage3Done       bool   `json:"stage3_done"`
	State            string `json:"state,omitempty"`
	RemainingSeconds int64  `json:"remaining_seconds,omitempty"`

	Code string `json:"code,omitempty"`
}

// StatusSource resolves the read-only view of a session.
type StatusSource interface {
	Status(ctx context.Context, sessionID string) (protocol.Snapshot, error)
}

// WatchObserver tracks open watchers.
type WatchObserver interface {
	WatcherOpened()
	WatcherClosed()
}

type nopWatchObserver struct{}

func (nopWatchObserver) WatcherOpened() {}
func (nopWatchObserver) WatcherClosed() {}

// WatchGateway upgrades /ws/watch requests and streams status frames.
type WatchGateway struct {
	log      *slog.Logger
	src      StatusSource
	obs      WatchObserver
	cfg      WatchConfig
	patterns []string
}

// WatchOption configures optional gateway dependencies.
type WatchOption func(*WatchGateway)

// WithWatchObserver sets the watcher observer (default: no-op).
func WithWatchObserver(obs WatchObserver) WatchOption {
	return func(g *WatchGateway) {
		if obs != nil {
			g.obs = obs
		}
	}
}

// NewWatchGateway constructs a gateway reading status from src.
func NewWatchGateway(log *slog.Logger, src StatusSource, cfg WatchConfig, opts ...WatchOption) (*WatchGateway, error) {
	if src == nil {
		return nil, errors.New("realtime: status source is required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()

	g := &WatchGateway{
		log:      log,
		src:      src,
		obs:      nopWatchObserver{},
		cfg:      cfg,
		patterns: originPatterns(cfg.AllowedOrigins),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(g)
	}
	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WatchGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWatch(w, r)
}

// HandleWatch upgrades the request and runs the watch loop until the session
// is gone, the client disconnects, or the server shuts down.
func (g *WatchGateway) HandleWatch(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("entanglement_id"))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("session_id"))
	}
	if id == "" {
		http.Error(w, "entanglement_id required", http.StatusBadRequest)
		return
	}

	if err := g.checkOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: g.patterns,
	})
	if err != nil {
		g.log.Info("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	g.obs.WatcherOpened()
	defer g.obs.WatcherClosed()

	session := token.HashSessionID(id)
	g.log.Info("ws.watch.open", "session", session)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	refresh := make(chan struct{}, 1)
	var (
		closeOnce   sync.Once
		closeCode   = websocket.StatusNormalClosure
		closeReason = "bye"
	)
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			closeCode, closeReason = code, reason
			cancel()
		})
	}

	// The reader outlives ctx: cancelling a pending Read closes the connection,
	// and the close frame below must go out first.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		g.readLoop(r.Context(), conn, refresh, shutdown)
	}()

	t := time.NewTicker(g.cfg.Interval)
	defer t.Stop()

watchLoop:
	for {
		done, err := g.push(ctx, conn, id)
		if err != nil {
			if ctx.Err() == nil {
				g.log.Info("ws.write.fail", "session", session, "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
			}
			break watchLoop
		}
		if done {
			shutdown(websocket.StatusNormalClosure, "watch done")
			break watchLoop
		}

		select {
		case <-ctx.Done():
			break watchLoop
		case <-t.C:
		case <-refresh:
		}
	}

	// Seal the close reason; a later shutdown from the reader is a no-op.
	closeOnce.Do(func() {})
	_ = conn.Close(closeCode, closeReason)
	cancel()
	g.log.Info("ws.watch.close", "session", session, "reason", closeReason)

	select {
	case <-readerDone:
	case <-time.After(watchCloseGrace):
	}
}

// push writes one frame for id. done reports that the session no longer exists
// and a final "gone" frame was sent.
func (g *WatchGateway) push(ctx context.Context, conn *websocket.Conn, id string) (done bool, err error) {
	snap, err := g.src.Status(ctx, id)
	switch {
	case err == nil:
		return false, g.write(ctx, conn, statusFrame(snap))
	case errors.Is(err, protocol.ErrSessionNotFound):
		return true, g.write(ctx, conn, Frame{Type: TypeGone, EntanglementID: id, Code: protocol.Code(err)})
	case ctx.Err() != nil:
		return false, ctx.Err()
	default:
		g.log.Error("ws.watch.status.fail", "err", err)
		_ = g.write(ctx, conn, Frame{Type: TypeError, Code: "internal_error"})
		return true, nil
	}
}

func (g *WatchGateway) write(parent context.Context, conn *websocket.Conn, f Frame) error {
	ctx, cancel := context.WithTimeout(parent, g.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}

// readLoop accepts refresh frames; anything else is ignored. Clients that refresh
// faster than the limiter allows are disconnected.
func (g *WatchGateway) readLoop(ctx context.Context, conn *websocket.Conn, refresh chan<- struct{}, shutdown func(websocket.StatusCode, string)) {
	rl := NewRateLimiter(g.cfg.RefreshEvents, g.cfg.RefreshWindow)
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if websocket.CloseStatus(err) != -1 {
				shutdown(websocket.StatusNormalClosure, "peer closed")
				return
			}
			if ctx.Err() != nil {
				return
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				shutdown(websocket.StatusNormalClosure, "peer closed")
				return
			}
			// Undecodable frames are dropped; the connection stays open.
			if isDecodeErr(err) {
				continue
			}
			shutdown(websocket.StatusAbnormalClosure, "read failed")
			return
		}

		if f.Type != TypeRefresh {
			continue
		}
		if !rl.Allow(time.Now()) {
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}
		select {
		case refresh <- struct{}{}:
		default:
		}
	}
}

func isDecodeErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "failed to unmarshal JSON") ||
		strings.Contains(s, "invalid character") ||
		strings.Contains(s, "cannot unmarshal")
}

func statusFrame(s protocol.Snapshot) Frame {
	return Frame{
		Type:             TypeStatus,
		EntanglementID:   s.ID,
		Stage1Done:       s.Stage1Done,
		Stage2Done:       s.Stage2Done,
		Stage3Done:       s.Stage3Done,
		State:            string(s.State),
		RemainingSeconds: int64(s.Remaining / time.Second),
	}
}

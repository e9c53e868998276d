// Package api exposes the entanglement protocol over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"entangle/cmd/internal/audit"
	"entangle/cmd/internal/ids"
	"entangle/cmd/internal/protocol"
	"entangle/cmd/security/token"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "entangle/protocol/api"

// Handler serves the three agent endpoints and the status lookup.
type Handler struct {
	log    *slog.Logger
	cfg    Config
	engine *protocol.Engine
	audit  audit.Sink
	tracer trace.Tracer
	now    func() time.Time
}

// HandlerOption configures optional Handler dependencies.
type HandlerOption func(*Handler)

// WithAuditSink records every stage attempt to sink.
func WithAuditSink(sink audit.Sink) HandlerOption {
	return func(h *Handler) {
		if sink != nil {
			h.audit = sink
		}
	}
}

// WithTracer overrides the tracer (default: the global provider's tracer).
func WithTracer(t trace.Tracer) HandlerOption {
	return func(h *Handler) {
		if t != nil {
			h.tracer = t
		}
	}
}

// WithTracerProvider takes the stage tracer from tp.
func WithTracerProvider(tp trace.TracerProvider) HandlerOption {
	return func(h *Handler) {
		if tp != nil {
			h.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewHandler constructs a Handler bound to engine.
func NewHandler(log *slog.Logger, engine *protocol.Engine, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("api: engine is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}

	h := &Handler{
		log:    log,
		cfg:    cfg,
		engine: engine,
		audit:  audit.NopSink{},
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register attaches the protocol routes to r.
func (h *Handler) Register(r chi.Router) {
	if h == nil || r == nil {
		return
	}
	r.Post("/agent/alice", h.handleAlice)
	r.Post("/agent/bob", h.handleBob)
	r.Post("/agent/charlie", h.handleCharlie)
	r.Get("/entanglement/{id}", h.handleStatus)
	r.Get("/health", h.handleHealth)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "online"})
}

func (h *Handler) handleAlice(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, protocol.StageAlice)
	defer span.End()

	var req stageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		h.rejectBody(ctx, w, r, span, protocol.StageAlice, err)
		return
	}

	res, err := h.engine.Transmit(ctx, protocol.TransmitInput{
		Message: req.Message,
		To:      req.recipient(),
	})
	if err != nil {
		h.fail(ctx, w, r, span, protocol.StageAlice, "", err)
		return
	}
	h.succeed(ctx, r, span, protocol.StageAlice, res.SessionID)

	writeJSON(w, http.StatusOK, stageResponse{
		Status:          "success",
		Node:            protocol.StageAlice.String(),
		Action:          "qubit_transmitted",
		EntanglementID:  res.SessionID,
		DecodedFragment: res.Fragment,
		State:           string(res.State),
	})
}

func (h *Handler) handleBob(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, protocol.StageBob)
	defer span.End()

	var req stageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		h.rejectBody(ctx, w, r, span, protocol.StageBob, err)
		return
	}

	id := req.sessionID()
	res, err := h.engine.Swap(ctx, protocol.SwapInput{
		Message:   req.Message,
		To:        req.recipient(),
		SessionID: id,
	})
	if err != nil {
		h.fail(ctx, w, r, span, protocol.StageBob, id, err)
		return
	}
	h.succeed(ctx, r, span, protocol.StageBob, res.SessionID)

	transitioned := res.Transitioned
	writeJSON(w, http.StatusOK, stageResponse{
		Status:          "success",
		Node:            protocol.StageBob.String(),
		Action:          "entanglement_swapped",
		EntanglementID:  res.SessionID,
		DecodedFragment: res.Fragment,
		State:           string(res.State),
		Transitioned:    &transitioned,
	})
}

func (h *Handler) handleCharlie(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, protocol.StageCharlie)
	defer span.End()

	var req stageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		h.rejectBody(ctx, w, r, span, protocol.StageCharlie, err)
		return
	}

	id := req.sessionID()
	res, err := h.engine.Collapse(ctx, protocol.CollapseInput{
		Message:      req.Message,
		ResponseType: req.responseType(),
		SessionID:    id,
	})
	if err != nil {
		h.fail(ctx, w, r, span, protocol.StageCharlie, id, err)
		return
	}
	h.succeed(ctx, r, span, protocol.StageCharlie, id)

	writeJSON(w, http.StatusOK, stageResponse{
		Status:          "success",
		Node:            protocol.StageCharlie.String(),
		Action:          "wavefunction_collapsed",
		DecodedFragment: res.Fragment,
		State:           string(res.State),
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	snap, err := h.engine.Status(r.Context(), id)
	if err != nil {
		status, code, msg := statusFor(err)
		writeError(w, status, code, msg, protocol.HintOf(err))
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		EntanglementID:   snap.ID,
		Stage1Done:       snap.Stage1Done,
		Stage2Done:       snap.Stage2Done,
		Stage3Done:       snap.Stage3Done,
		State:            string(snap.State),
		RemainingSeconds: int64(snap.Remaining / time.Second),
	})
}

func (h *Handler) startSpan(r *http.Request, stage protocol.Stage) (context.Context, trace.Span) {
	ctx, span := h.tracer.Start(r.Context(), "stage."+stage.String(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("entangle.stage", stage.String()),
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		),
	)
	if rid := ids.RequestIDFrom(r.Context()); rid != "" {
		span.SetAttributes(attribute.String("entangle.request_id", rid))
	}
	return ctx, span
}

func (h *Handler) rejectBody(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span, stage protocol.Stage, err error) {
	span.SetAttributes(attribute.String("entangle.code", "invalid_json"))
	span.SetStatus(codes.Error, "invalid json")

	h.log.Info("stage.rejected",
		slog.String("stage", stage.String()),
		slog.String("code", "invalid_json"),
		slog.String("err", err.Error()),
	)
	h.record(ctx, r, stage, "rejected", "invalid_json", "")
	writeError(w, http.StatusBadRequest, "invalid_json", "invalid json body", "")
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span, stage protocol.Stage, sessionID string, err error) {
	status, code, msg := statusFor(err)
	span.SetAttributes(
		attribute.String("entangle.code", code),
		attribute.Int("http.status_code", status),
	)
	if status >= http.StatusInternalServerError {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
	} else {
		span.SetStatus(codes.Error, code)
	}

	h.log.Info("stage.rejected",
		slog.String("stage", stage.String()),
		slog.String("code", code),
		slog.Int("status", status),
		slog.String("session", token.HashSessionID(sessionID)),
	)
	h.record(ctx, r, stage, "rejected", code, sessionID)
	writeError(w, status, code, msg, protocol.HintOf(err))
}

func (h *Handler) succeed(ctx context.Context, r *http.Request, span trace.Span, stage protocol.Stage, sessionID string) {
	span.SetAttributes(attribute.String("entangle.code", "ok"))
	span.SetStatus(codes.Ok, "")

	h.log.Info("stage.ok",
		slog.String("stage", stage.String()),
		slog.String("session", token.HashSessionID(sessionID)),
	)
	h.record(ctx, r, stage, "ok", "ok", sessionID)
}

func (h *Handler) record(ctx context.Context, r *http.Request, stage protocol.Stage, outcome, code, sessionID string) {
	evID, err := ids.NewEventID(h.now())
	if err != nil {
		h.log.Error("audit.event_id.failed", slog.String("err", err.Error()))
		return
	}
	ev := audit.Event{
		ID:          evID,
		Action:      "stage." + stage.String() + "." + outcome,
		Stage:       stage.String(),
		Code:        code,
		SessionHash: token.HashSessionID(sessionID),
		RequestID:   ids.RequestIDFrom(r.Context()),
		IP:          clientIP(r, h.cfg.TrustProxy),
		UserAgent:   strings.TrimSpace(r.UserAgent()),
		CreatedAt:   h.now().UTC(),
	}
	// Audit must never fail a stage that already ran.
	if err := h.audit.Record(ctx, ev); err != nil {
		h.log.Warn("audit.record.failed",
			slog.String("action", ev.Action),
			slog.String("err", err.Error()),
		)
	}
}

// statusFor maps a protocol error to an HTTP status, error code, and message.
// Internal failures get a generic message.
func statusFor(err error) (int, string, string) {
	code := protocol.Code(err)
	switch {
	case errors.Is(err, protocol.ErrInternal):
		return http.StatusInternalServerError, code, "internal error"
	case errors.Is(err, protocol.ErrInvalidToken), errors.Is(err, protocol.ErrSessionNotFound):
		return http.StatusNotFound, code, "invalid or expired entanglement"
	case errors.Is(err, protocol.ErrOutOfOrder):
		return http.StatusConflict, code, "stage out of order"
	case errors.Is(err, protocol.ErrMissingToken):
		return http.StatusBadRequest, code, "missing entanglement id"
	case errors.Is(err, protocol.ErrRecipientMismatch):
		return http.StatusBadRequest, code, "wrong recipient"
	case errors.Is(err, protocol.ErrMissingInstruction):
		return http.StatusBadRequest, code, "missing instruction"
	case errors.Is(err, protocol.ErrInstructionMismatch):
		return http.StatusBadRequest, code, "instruction not recognised"
	case errors.Is(err, protocol.ErrInvalidResponseType):
		return http.StatusBadRequest, code, "invalid response type"
	case errors.Is(err, protocol.ErrValidation):
		return http.StatusBadRequest, code, "invalid request"
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		for _, p := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
			if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
				return ip
			}
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	hintAliceRecipient   = "Alice only talks to Bob."
	hintBobRecipient     = "Bob only talks to Charlie."
	hintResponseType     = "Charlie only responds to mathematical proofs."
	hintMissingMessage   = "Send the secret instruction in the message field."
	hintAliceMismatch    = "Alice does not recognise that instruction."
	hintBobMismatch      = "Bob does not recognise that instruction."
	hintCharlieMismatch  = "Charlie accepts only the exact proof statement."
	hintMissingToken     = "Include the entanglement_id issued by Alice."
	hintInvalidToken     = "The entanglement has decohered. Start again with Alice."
	hintAliceNotDetected = "Alice not detected"
	hintBobNotDetected   = "Bob not detected"
)

// Engine orchestrates the three stage transitions against a Store.
//
// Each operation is an ordered chain of guards that returns the first failure.
// A failed call leaves the session exactly as it was.
type Engine struct {
	log   *slog.Logger
	cfg   Config
	v     Validator
	store *Store
	obs   Observer
}

// EngineOption configures optional Engine dependencies.
type EngineOption func(*Engine)

// WithLogger sets the engine logger (default: slog.Default()).
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithStageObserver attaches an Observer that sees every stage outcome.
func WithStageObserver(obs Observer) EngineOption {
	return func(e *Engine) {
		if obs != nil {
			e.obs = obs
		}
	}
}

// TransmitInput is the stage 1 (Alice) request.
type TransmitInput struct {
	Message string
	To      string
}

// TransmitResult carries fragment A and the id of the new session.
type TransmitResult struct {
	SessionID string
	Fragment  string
	State     State
}

// SwapInput is the stage 2 (Bob) request.
type SwapInput struct {
	Message   string
	To        string
	SessionID string
}

// SwapResult carries fragment B. Transitioned is false when stage 2 had
// already been completed for this session by an earlier call.
type SwapResult struct {
	SessionID    string
	Fragment     string
	State        State
	Transitioned bool
}

// CollapseInput is the stage 3 (Charlie) request.
type CollapseInput struct {
	Message      string
	ResponseType string
	SessionID    string
}

// CollapseResult carries fragment C. The session no longer exists once it is returned.
type CollapseResult struct {
	Fragment string
	State    State
}

// NewEngine constructs an Engine. A nil store gets a fresh in-memory Store.
func NewEngine(cfg Config, store *Store, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		store = NewStore()
	}

	e := &Engine{
		log:   slog.Default(),
		cfg:   cfg,
		v:     NewValidator(cfg),
		store: store,
		obs:   NopObserver{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(e)
	}
	return e, nil
}

// Store returns the backing session store.
func (e *Engine) Store() *Store { return e.store }

// Transmit runs stage 1: it validates recipient and instruction, then creates a
// new session with stage 1 complete. Every successful call creates a new session.
func (e *Engine) Transmit(ctx context.Context, in TransmitInput) (res TransmitResult, err error) {
	defer func() { e.obs.StageObserved(StageAlice, Code(err)) }()
	defer e.recoverStage(StageAlice, &err, func() { res = TransmitResult{} })

	if err := ctx.Err(); err != nil {
		return TransmitResult{}, e.cancelled(StageAlice, err)
	}

	if r := e.v.ValidateAlice(in.To, in.Message); !r.OK() {
		return TransmitResult{}, reject(StageAlice, r.Err(), hintFor(StageAlice, r))
	}

	sess, err := e.store.Create(func(s *Session) { s.Stage1Done = true })
	if err != nil {
		return TransmitResult{}, e.internal(StageAlice, err)
	}

	return TransmitResult{
		SessionID: sess.ID,
		Fragment:  e.cfg.FragmentA,
		State:     sess.State,
	}, nil
}

// Swap runs stage 2 on an existing session.
//
// Guard order: missing id, unknown/expired id, stage 1 not done, recipient and
// instruction. Repeating a successful swap succeeds again without a new transition.
func (e *Engine) Swap(ctx context.Context, in SwapInput) (res SwapResult, err error) {
	defer func() { e.obs.StageObserved(StageBob, Code(err)) }()
	defer e.recoverStage(StageBob, &err, func() { res = SwapResult{} })

	if err := ctx.Err(); err != nil {
		return SwapResult{}, e.cancelled(StageBob, err)
	}

	id := strings.TrimSpace(in.SessionID)
	if id == "" {
		return SwapResult{}, reject(StageBob, ErrMissingToken, hintMissingToken)
	}

	transitioned := false
	sess, err := e.store.Update(id, func(s *Session) (bool, error) {
		if !s.Stage1Done {
			return false, reject(StageBob, ErrOutOfOrder, hintAliceNotDetected)
		}
		if r := e.v.ValidateBob(in.To, in.Message); !r.OK() {
			return false, reject(StageBob, r.Err(), hintFor(StageBob, r))
		}
		transitioned = !s.Stage2Done
		s.Stage2Done = true
		return false, nil
	})
	if err != nil {
		return SwapResult{}, e.fail(StageBob, err)
	}

	return SwapResult{
		SessionID:    sess.ID,
		Fragment:     e.cfg.FragmentB,
		State:        sess.State,
		Transitioned: transitioned,
	}, nil
}

// Collapse runs stage 3 and consumes the session.
//
// Guard order: response type (before the session is touched), missing id,
// unknown/expired id, stage 1 not done, stage 2 not done, exact instruction.
func (e *Engine) Collapse(ctx context.Context, in CollapseInput) (res CollapseResult, err error) {
	defer func() { e.obs.StageObserved(StageCharlie, Code(err)) }()
	defer e.recoverStage(StageCharlie, &err, func() { res = CollapseResult{} })

	if err := ctx.Err(); err != nil {
		return CollapseResult{}, e.cancelled(StageCharlie, err)
	}

	if r := e.v.ValidateResponseType(in.ResponseType); !r.OK() {
		return CollapseResult{}, reject(StageCharlie, r.Err(), hintFor(StageCharlie, r))
	}

	id := strings.TrimSpace(in.SessionID)
	if id == "" {
		return CollapseResult{}, reject(StageCharlie, ErrMissingToken, hintMissingToken)
	}

	sess, err := e.store.Update(id, func(s *Session) (bool, error) {
		if !s.Stage1Done {
			return false, reject(StageCharlie, ErrOutOfOrder, hintAliceNotDetected)
		}
		if !s.Stage2Done {
			return false, reject(StageCharlie, ErrOutOfOrder, hintBobNotDetected)
		}
		if r := e.v.ValidateCharlie(in.Message); !r.OK() {
			return false, reject(StageCharlie, r.Err(), hintFor(StageCharlie, r))
		}
		s.Stage3Done = true
		return true, nil
	})
	if err != nil {
		return CollapseResult{}, e.fail(StageCharlie, err)
	}

	return CollapseResult{
		Fragment: e.cfg.FragmentC,
		State:    sess.State,
	}, nil
}

// Status returns the read-only view of a live session. It never mutates flags
// and never reveals fragments. Unknown, expired and consumed ids yield ErrSessionNotFound.
func (e *Engine) Status(ctx context.Context, sessionID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return Snapshot{}, ErrSessionNotFound
	}
	return e.store.Snapshot(id)
}

// fail converts an Update error into the stage error returned to callers.
func (e *Engine) fail(stage Stage, err error) error {
	var se *StageError
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, ErrSessionNotFound):
		return reject(stage, ErrInvalidToken, hintInvalidToken)
	default:
		return e.internal(stage, err)
	}
}

func (e *Engine) internal(stage Stage, cause error) error {
	e.log.Error("protocol.stage.internal", "stage", stage.String(), "err", cause)
	return reject(stage, ErrInternal, "")
}

// cancelled reports a request that went away before the stage ran.
func (e *Engine) cancelled(stage Stage, cause error) error {
	e.log.Warn("protocol.stage.cancelled", "stage", stage.String(), "err", cause)
	return reject(stage, ErrInternal, "")
}

// recoverStage turns a panic inside a stage into ErrInternal. reset zeroes the
// partially built result so nothing leaks to the caller.
func (e *Engine) recoverStage(stage Stage, err *error, reset func()) {
	r := recover()
	if r == nil {
		return
	}
	reset()
	*err = e.internal(stage, fmt.Errorf("panic: %v", r))
}

func hintFor(stage Stage, r Reason) string {
	switch r {
	case ReasonRecipientMismatch:
		if stage == StageAlice {
			return hintAliceRecipient
		}
		return hintBobRecipient
	case ReasonInvalidResponseType:
		return hintResponseType
	case ReasonMissingInstruction:
		return hintMissingMessage
	case ReasonInstructionMismatch:
		switch stage {
		case StageAlice:
			return hintAliceMismatch
		case StageBob:
			return hintBobMismatch
		default:
			return hintCharlieMismatch
		}
	default:
		return ""
	}
}

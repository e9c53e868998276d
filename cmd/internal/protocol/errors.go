package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed input that never reached a stage guard.
	ErrValidation = errors.New("invalid request")

	// ErrRecipientMismatch is returned when the declared recipient is not the next node.
	ErrRecipientMismatch = errors.New("recipient mismatch")

	// ErrMissingInstruction is returned when the instruction text is empty.
	ErrMissingInstruction = errors.New("missing instruction")

	// ErrInstructionMismatch is returned when the instruction does not match the stage phrase.
	ErrInstructionMismatch = errors.New("instruction mismatch")

	// ErrMissingToken is returned when a stage 2/3 call carries no entanglement id.
	ErrMissingToken = errors.New("missing entanglement id")

	// ErrInvalidToken is returned when the entanglement id is unknown, expired or consumed.
	ErrInvalidToken = errors.New("invalid or expired entanglement id")

	// ErrOutOfOrder is returned when a stage is attempted before its predecessor completed.
	ErrOutOfOrder = errors.New("stage out of order")

	// ErrInvalidResponseType is returned when stage 3 is called without response type "proof".
	ErrInvalidResponseType = errors.New("invalid response type")

	// ErrInternal wraps any unexpected failure inside a stage operation.
	ErrInternal = errors.New("internal error")

	// ErrSessionNotFound is returned by the Store for unknown, expired or deleted sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// StageError is the structured failure of a stage operation.
type StageError struct {
	Stage Stage
	Kind  error
	Hint  string
}

func (e *StageError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Stage, e.Kind, e.Hint)
}

func (e *StageError) Unwrap() error { return e.Kind }

func reject(stage Stage, kind error, hint string) *StageError {
	return &StageError{Stage: stage, Kind: kind, Hint: hint}
}

// Code returns the stable wire code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "invalid_request"
	case errors.Is(err, ErrRecipientMismatch):
		return "recipient_mismatch"
	case errors.Is(err, ErrMissingInstruction):
		return "missing_instruction"
	case errors.Is(err, ErrInstructionMismatch):
		return "instruction_mismatch"
	case errors.Is(err, ErrMissingToken):
		return "missing_token"
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrSessionNotFound):
		return "invalid_token"
	case errors.Is(err, ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, ErrInvalidResponseType):
		return "invalid_response_type"
	default:
		return "internal_error"
	}
}

// HintOf returns the caller-facing hint carried by err, if any.
func HintOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Hint
	}
	return ""
}

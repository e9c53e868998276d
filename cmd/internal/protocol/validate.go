package protocol

import "strings"

// Reason is the outcome of a stage check. ReasonNone means the check passed.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonRecipientMismatch   Reason = "recipient_mismatch"
	ReasonMissingInstruction  Reason = "missing_instruction"
	ReasonInstructionMismatch Reason = "instruction_mismatch"
	ReasonInvalidResponseType Reason = "invalid_response_type"
)

const (
	aliceRecipient      = "bob"
	bobRecipient        = "charlie"
	charlieResponseType = "proof"
)

// OK reports whether the check passed.
func (r Reason) OK() bool { return r == ReasonNone }

// Err maps the reason to its sentinel error (nil for ReasonNone).
func (r Reason) Err() error {
	switch r {
	case ReasonNone:
		return nil
	case ReasonRecipientMismatch:
		return ErrRecipientMismatch
	case ReasonMissingInstruction:
		return ErrMissingInstruction
	case ReasonInstructionMismatch:
		return ErrInstructionMismatch
	case ReasonInvalidResponseType:
		return ErrInvalidResponseType
	default:
		return ErrValidation
	}
}

// Validator holds the phrases each stage is checked against.
type Validator struct {
	alice   string
	bob     string
	charlie string
}

// NewValidator builds a Validator from cfg.
func NewValidator(cfg Config) Validator {
	return Validator{
		alice:   strings.TrimSpace(cfg.AlicePhrase),
		bob:     strings.TrimSpace(cfg.BobPhrase),
		charlie: cfg.CharliePhrase,
	}
}

// ValidateAlice checks stage 1: recipient first, then instruction.
func (v Validator) ValidateAlice(to, message string) Reason {
	return lenientStage(to, aliceRecipient, message, v.alice)
}

// ValidateBob checks stage 2: recipient first, then instruction.
func (v Validator) ValidateBob(to, message string) Reason {
	return lenientStage(to, bobRecipient, message, v.bob)
}

// ValidateResponseType checks the stage 3 response type.
func (v Validator) ValidateResponseType(responseType string) Reason {
	if !strings.EqualFold(responseType, charlieResponseType) {
		return ReasonInvalidResponseType
	}
	return ReasonNone
}

// ValidateCharlie checks the stage 3 instruction. Unlike stages 1 and 2 the
// comparison is exact: case matters and surrounding whitespace is not trimmed.
func (v Validator) ValidateCharlie(message string) Reason {
	if message == "" {
		return ReasonMissingInstruction
	}
	if message != v.charlie {
		return ReasonInstructionMismatch
	}
	return ReasonNone
}

func lenientStage(to, wantTo, message, phrase string) Reason {
	if !strings.EqualFold(to, wantTo) {
		return ReasonRecipientMismatch
	}
	msg := strings.TrimSpace(message)
	if msg == "" {
		return ReasonMissingInstruction
	}
	if !strings.EqualFold(msg, phrase) {
		return ReasonInstructionMismatch
	}
	return ReasonNone
}

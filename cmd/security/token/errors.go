package token

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyMissing  = errors.New("audit hash key missing")
	ErrKeyTooShort = errors.New("audit hash key too short")
	ErrKeyTooLong  = errors.New("audit hash key too long")
)

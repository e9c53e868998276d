// Package ids provides ULID primitives used for request and audit event ids.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps audit rows and logs ordered.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewRequestID returns a ULID for the X-Request-ID header.
func NewRequestID(now time.Time) (string, error) {
	return NewULID(now)
}

// NewEventID returns a ULID used as audit event id.
func NewEventID(now time.Time) (string, error) {
	return NewULID(now)
}

// IsULID reports whether s parses as a ULID.
func IsULID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

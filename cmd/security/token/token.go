package token

import (
	"encoding/hex"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// KeyEnvKey is the env var name for the digest key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	KeyEnvKey = "ENTANGLE_AUDIT_HASH_KEY"

	// maxKeyBytes is the BLAKE2b key size limit.
	maxKeyBytes = blake2b.Size
)

// HashHex returns the unkeyed BLAKE2b-256 hex digest of s.
func HashHex(s string) string {
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashKeyedHex returns the keyed BLAKE2b-256 hex digest of s.
func HashKeyedHex(s string, key []byte) (string, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return "", err
	}
	_, _ = h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// KeyFromEnv returns the configured key bytes (trimmed), enforcing a minimum byte length.
// If the env var is missing/blank -> ErrKeyMissing.
// If too short -> ErrKeyTooShort; longer than 64 bytes -> ErrKeyTooLong.
func KeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(KeyEnvKey))
	if raw == "" {
		return nil, ErrKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrKeyTooShort
	}
	if len(b) > maxKeyBytes {
		return nil, ErrKeyTooLong
	}
	return b, nil
}

// KeyEnabled reports whether the env key is present (non-empty after trim).
// Note: This does not enforce length. Use KeyFromEnv for policy checks.
func KeyEnabled() bool {
	return strings.TrimSpace(os.Getenv(KeyEnvKey)) != ""
}

// HashSessionID digests a session id for logs and audit rows.
// Behavior:
//   - If ENTANGLE_AUDIT_HASH_KEY holds a usable key, uses keyed BLAKE2b.
//   - Otherwise falls back to unkeyed BLAKE2b for dev.
func HashSessionID(id string) string {
	if id == "" {
		return ""
	}
	key, err := KeyFromEnv(0)
	if err != nil {
		return HashHex(id)
	}
	out, err := HashKeyedHex(id, key)
	if err != nil {
		return HashHex(id)
	}
	return out
}

package protocol

import (
	"crypto/rand"
	"encoding/hex"
)

// sessionIDBytes is the entropy of a session id (hex doubles the length).
const sessionIDBytes = 32

// newRandomHex returns a cryptographically secure random hex string of length 2*nBytes.
// If nBytes <= 0, it defaults to 16 bytes.
func newRandomHex(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

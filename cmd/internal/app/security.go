package app

import (
	"errors"

	"entangle/cmd/security/token"
)

// ValidateSecurityConfig enforces the audit-key policy at startup.
// Fail-fast: under the policy, an unkeyed digest of session ids is not acceptable.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireAuditKey {
		return nil
	}

	if _, err := token.KeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, token.ErrKeyMissing):
			return errors.New("security policy: ENTANGLE_REQUIRE_AUDIT_KEY=true but ENTANGLE_AUDIT_HASH_KEY is missing")
		case errors.Is(err, token.ErrKeyTooShort):
			return errors.New("security policy: ENTANGLE_REQUIRE_AUDIT_KEY=true but ENTANGLE_AUDIT_HASH_KEY is too short (min 32 bytes)")
		case errors.Is(err, token.ErrKeyTooLong):
			return errors.New("security policy: ENTANGLE_AUDIT_HASH_KEY is too long (max 64 bytes)")
		default:
			return err
		}
	}

	if !token.KeyEnabled() {
		return errors.New("security policy: ENTANGLE_REQUIRE_AUDIT_KEY=true but session digests are not keyed")
	}
	return nil
}

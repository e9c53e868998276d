// Package token provides digest primitives for session ids.
//
// Live session ids are bearer secrets: anyone holding one can advance the
// session. Logs and audit rows therefore carry a BLAKE2b-256 digest of the id
// instead of the id itself.
//
// Environment:
//   - ENTANGLE_AUDIT_HASH_KEY: when set, digests are keyed (BLAKE2b MAC mode).
//
// Policy:
//   - If RequireAuditKey=true, callers MUST enforce a key of 32..64 bytes and
//     MUST NOT fall back to the unkeyed digest.
package token

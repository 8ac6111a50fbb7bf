package core

// Error taxonomy for the Noosphere core. Every failure surfaced by this
// package wraps exactly one of the sentinel kinds below, so callers can
// branch with errors.Is regardless of how much context was layered on top.

import "errors"

var (
	// ErrNotFound marks a missing block, key or sphere version.
	ErrNotFound = errors.New("not found")
	// ErrDecode marks a malformed block or a block read under the wrong codec.
	ErrDecode = errors.New("decode failure")
	// ErrSignature marks an invalid signature or proof chain.
	ErrSignature = errors.New("signature invalid")
	// ErrAuthorization marks a valid chain with insufficient capability.
	ErrAuthorization = errors.New("insufficient authorization")
	// ErrRevoked marks a proof chain containing a revoked token.
	ErrRevoked = errors.New("authorization revoked")
	// ErrConflict marks a push whose precondition failed; the caller should
	// fetch, rebase and retry.
	ErrConflict = errors.New("history conflict")
	// ErrMissingHistory marks a push or fetch base unknown to the other side.
	ErrMissingHistory = errors.New("missing history")
	// ErrNetwork marks a transport failure or timeout.
	ErrNetwork = errors.New("network failure")
	// ErrStorage marks an I/O failure in a backing store.
	ErrStorage = errors.New("storage failure")
	// ErrInternal marks an invariant violation.
	ErrInternal = errors.New("internal invariant violation")
)

// IsRetryable reports whether the sync engine may retry after err. Signature
// and authorization failures are never retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

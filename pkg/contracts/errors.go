package contracts

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by core operations. All failures are explicit return
// values; callers discriminate with errors.Is.
var (
	// ErrValidation marks a malformed request (caller's fault).
	ErrValidation = errors.New("validation")
	// ErrBadCredentials marks a wallet decryption failure.
	ErrBadCredentials = errors.New("bad_credentials")
	// ErrNotFound marks an unknown wallet, rule or approval id.
	ErrNotFound = errors.New("not_found")
	// ErrDeniedByRule marks a rule engine denial.
	ErrDeniedByRule = errors.New("denied_by_rule")
	// ErrAwaitingApproval marks a submission held for human review.
	ErrAwaitingApproval = errors.New("awaiting_approval")
	// ErrTransport marks a retriable broadcast failure; the record stays in
	// its current state for the reconciler.
	ErrTransport = errors.New("transport")
	// ErrConflict marks a unique-key collision, e.g. re-inserting a known
	// transaction hash. The caller retries with the correct state.
	ErrConflict = errors.New("conflict")
	// ErrInvariant marks a state-machine or schema violation. It is a
	// programming error and must never be swallowed or downgraded to a
	// normal denial.
	ErrInvariant = errors.New("invariant")
	// ErrExpired marks an approval consumed past its expiry.
	ErrExpired = errors.New("expired")
)

// Errorf wraps a kind with a formatted detail message.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kind returns the error-kind name for a wrapped core error, or "internal"
// when the error carries no known kind.
func Kind(err error) string {
	for _, k := range []error{
		ErrValidation, ErrBadCredentials, ErrNotFound, ErrDeniedByRule,
		ErrAwaitingApproval, ErrTransport, ErrConflict, ErrInvariant, ErrExpired,
	} {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "internal"
}

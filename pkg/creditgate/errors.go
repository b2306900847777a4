package creditgate

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTier is returned for an unknown tier or an invalid tier table
	ErrInvalidTier = errors.New("invalid tier")

	// ErrInvalidAmount is returned for negative or non-finite amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientCredits is returned when a debit would drive credits negative.
	// Reaching it after a passing decision is a programming error.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInsufficientExports is returned when an export debit would drive exports negative
	ErrInsufficientExports = errors.New("insufficient exports")

	// ErrNoActiveSets is returned when archiving with no active sets
	ErrNoActiveSets = errors.New("no active sets")

	// ErrNotAdmitted is returned when applying a decision that did not allow the request
	ErrNotAdmitted = errors.New("request not admitted")

	// ErrAccountNotFound is returned when storage has no account for a user
	ErrAccountNotFound = errors.New("account not found")

	// ErrBudgetNotFound is returned when storage has no budget record
	ErrBudgetNotFound = errors.New("budget not found")

	// ErrDuplicateRequest is returned when a request id was already committed
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrFallbackUnavailable is returned when no fallback data exists
	ErrFallbackUnavailable = errors.New("fallback unavailable")

	// ErrStaleCache is returned when cached data is older than the allowed staleness
	ErrStaleCache = errors.New("cached data too stale")

	// ErrStaleTierChange is returned for a tier change event older than the
	// account's last applied one
	ErrStaleTierChange = errors.New("stale tier change")

	// ErrValidation matches every *ValidationError
	ErrValidation = errors.New("invalid request")
)

// ValidationError reports a malformed request. It is returned before any
// admission logic runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// isBusinessError reports errors that describe data, not a failing backend.
// Fallbacks never trigger on these.
func isBusinessError(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrBudgetNotFound) ||
		errors.Is(err, ErrDuplicateRequest) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrStaleTierChange)
}

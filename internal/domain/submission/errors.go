package submission

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced by the lifecycle engine. Callers classify failures with
// errors.Is; the wrapped message carries the diagnostic detail.
var (
	ErrNotFound          = errors.New("submission not found")
	ErrAlreadySent       = errors.New("submission already marked as sent")
	ErrNotYetSent        = errors.New("submission has not been sent")
	ErrInvalidTransition = errors.New("illegal status transition")
	ErrDuplicateProtocol = errors.New("protocol already assigned to another submission")
	ErrUnknownErrorCode  = errors.New("error code not present in catalog")

	// Coordinator misuse. These indicate a programming error in the caller.
	ErrTransactionAlreadyActive = errors.New("transaction already active")
	ErrNoActiveTransaction      = errors.New("no active transaction")
)

// ValidationError is returned when a submission breaks one or more entity rules.
// It lists every violated rule, not just the first.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "submission validation failed: " + strings.Join(e.Violations, "; ")
}

// IsValidationFailed reports whether err carries a *ValidationError.
func IsValidationFailed(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundError wraps ErrNotFound with the key that was looked up.
func NotFoundError(key string, value any) error {
	return fmt.Errorf("%w: %s=%v", ErrNotFound, key, value)
}

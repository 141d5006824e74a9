package app

import (
	"context"
	"errors"

	"uci_middleware/internal/domain/correspondent"
	"uci_middleware/internal/domain/submission"
)

// Metrics receives operational counters from the services. Implemented by
// internal/infra/metrics.
type Metrics interface {
	StatusTransition(from, to string)
	OperationFailed(operation, kind string)
	Relocation(outcome string)
	PendingResponses(n int)
	OpenCleanups(n int)
}

type nopMetrics struct{}

func (nopMetrics) StatusTransition(string, string) {}
func (nopMetrics) OperationFailed(string, string)  {}
func (nopMetrics) Relocation(string)               {}
func (nopMetrics) PendingResponses(int)            {}
func (nopMetrics) OpenCleanups(int)                {}

// errorKind maps an error to the label used in failure counters.
func errorKind(err error) string {
	switch {
	case submission.IsValidationFailed(err):
		return "validation_failed"
	case errors.Is(err, submission.ErrNotFound), errors.Is(err, correspondent.ErrNotFound):
		return "not_found"
	case errors.Is(err, submission.ErrAlreadySent):
		return "already_sent"
	case errors.Is(err, submission.ErrNotYetSent):
		return "not_yet_sent"
	case errors.Is(err, submission.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, submission.ErrDuplicateProtocol):
		return "duplicate_protocol"
	case errors.Is(err, submission.ErrUnknownErrorCode):
		return "unknown_error_code"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "persistence"
	}
}

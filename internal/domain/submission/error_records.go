// internal/domain/submission/error_records.go
package submission

import (
	"database/sql"

	"github.com/google/uuid"
)

// ErrorType is an entry of the stable error-code catalog.
type ErrorType struct {
	Code    string
	Summary string
}

// FlowError is a flow-level error attached to a submission.
type FlowError struct {
	ID           int64
	SubmissionID uuid.UUID
	ErrorCode    string
	Message      sql.NullString
}

// ClaimError groups the detail errors reported for one claim of a submission.
type ClaimError struct {
	ID           int64
	SubmissionID uuid.UUID
	ClaimCode    string
	Details      []ClaimErrorDetail
}

// ClaimErrorDetail is a single error reported against a claim.
type ClaimErrorDetail struct {
	ID        int64
	ClaimID   int64
	ErrorCode string
	XPath     string
	Message   sql.NullString
}

// ErrorReport is what a validation or exchange step hands back when a submission
// fails it. The engine stores it; it does not interpret it.
type ErrorReport struct {
	Summary     string
	FlowErrors  []FlowError
	ClaimErrors []ClaimError
}

// Codes returns every error code referenced by the report, deduplicated.
func (r ErrorReport) Codes() []string {
	seen := make(map[string]struct{})
	var codes []string
	add := func(c string) {
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		codes = append(codes, c)
	}
	for _, fe := range r.FlowErrors {
		add(fe.ErrorCode)
	}
	for _, ce := range r.ClaimErrors {
		for _, d := range ce.Details {
			add(d.ErrorCode)
		}
	}
	return codes
}

// WithErrors is a submission loaded together with its owned error records.
type WithErrors struct {
	Submission  *Submission
	FlowErrors  []FlowError
	ClaimErrors []ClaimError
}

// internal/domain/submission/submission.go
package submission

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Submission is a unit of work tracked from upload to the counterpart's response.
// Corresponds to the 'claims_submissions' table.
//
// Fields are mutated only by the lifecycle service; repositories persist what
// they are handed.
type Submission struct {
	ID                      uuid.UUID
	InputFileName           string         `validate:"notblank,max=255"`
	InputFileFullPath       string         `validate:"notblank,max=1024"`
	OutputFileName          sql.NullString `validate:"omitempty,max=255"`
	OutputFileFullPath      sql.NullString `validate:"omitempty,max=1024"`
	Protocol                sql.NullString `validate:"omitempty,max=20"`
	ValidationError         sql.NullString `validate:"omitempty,max=4000"`
	Status                  Status
	UploadDate              time.Time
	SendDate                sql.NullTime
	LastResponseAttemptDate sql.NullTime
	ResponseDate            sql.NullTime
	CorrespondentID         uuid.NullUUID
}

// New builds a submission in the Uploaded status with a fresh identity.
func New(inputFileName, inputFileFullPath string, correspondentID uuid.NullUUID, now time.Time) *Submission {
	return &Submission{
		ID:                uuid.New(),
		InputFileName:     inputFileName,
		InputFileFullPath: inputFileFullPath,
		Status:            StatusUploaded,
		UploadDate:        now.UTC(),
		CorrespondentID:   correspondentID,
	}
}

// IsSent reports whether a send date has been recorded.
func (s *Submission) IsSent() bool {
	return s.SendDate.Valid
}

// HasResponse reports whether a response has been recorded.
func (s *Submission) HasResponse() bool {
	return s.ResponseDate.Valid
}

// Clone returns a copy that shares no mutable state with s.
func (s *Submission) Clone() *Submission {
	c := *s
	return &c
}

// internal/domain/submission/status.go
package submission

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a submission. The numeric values match the
// rows of the submission_statuses lookup table.
type Status int

const (
	StatusUploaded        Status = 1
	StatusSizeValidated   Status = 2
	StatusSchemaValidated Status = 3
	StatusUciValidated    Status = 4
	StatusSent            Status = 5
	StatusCompleted       Status = 6
)

var statusNames = map[Status]string{
	StatusUploaded:        "Uploaded",
	StatusSizeValidated:   "SizeValidated",
	StatusSchemaValidated: "SchemaValidated",
	StatusUciValidated:    "UciValidated",
	StatusSent:            "Sent",
	StatusCompleted:       "Completed",
}

// AllStatuses returns the statuses in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusUploaded,
		StatusSizeValidated,
		StatusSchemaValidated,
		StatusUciValidated,
		StatusSent,
		StatusCompleted,
	}
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// IsValid reports whether s is one of the six defined statuses.
func (s Status) IsValid() bool {
	_, ok := statusNames[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// Next returns the single legal successor of s. ok is false for the terminal
// status and for undefined values.
func (s Status) Next() (next Status, ok bool) {
	if !s.IsValid() || s.IsTerminal() {
		return 0, false
	}
	return s + 1, true
}

// CanAdvanceTo reports whether target is the legal successor of s.
func (s Status) CanAdvanceTo(target Status) bool {
	next, ok := s.Next()
	return ok && next == target
}

// Precedes reports whether target lies strictly after s in the lifecycle order.
// Operations that jump several stages at once (marking a submission sent, for
// example) use this instead of CanAdvanceTo; backward moves are never allowed.
func (s Status) Precedes(target Status) bool {
	return s.IsValid() && target.IsValid() && s < target
}

// ParseStatus accepts a status name (case-insensitive) or its numeric id.
func ParseStatus(v string) (Status, error) {
	v = strings.TrimSpace(v)
	for s, name := range statusNames {
		if strings.EqualFold(name, v) || fmt.Sprint(int(s)) == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown submission status %q", v)
}

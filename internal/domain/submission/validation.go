package submission

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// UploadDateTolerance is how far in the future an upload date may lie before it
// is rejected as clock skew.
const UploadDateTolerance = 5 * time.Minute

// ValidationResult lists every rule a submission violates.
type ValidationResult struct {
	Violations []string
}

// IsValid reports whether no rule was violated.
func (r ValidationResult) IsValid() bool {
	return len(r.Violations) == 0
}

// Err returns a *ValidationError when the result is not valid, nil otherwise.
func (r ValidationResult) Err() error {
	if r.IsValid() {
		return nil
	}
	return &ValidationError{Violations: append([]string(nil), r.Violations...)}
}

// Validator checks submissions against the entity rules. It is safe for
// concurrent use.
type Validator struct {
	v   *validator.Validate
	now func() time.Time
}

// NewValidator returns a Validator that measures clock skew against now.
func NewValidator(now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(valuerValue, sql.NullString{})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return &Validator{v: v, now: now}
}

func valuerValue(field reflect.Value) interface{} {
	if valuer, ok := field.Interface().(driver.Valuer); ok {
		val, err := valuer.Value()
		if err == nil && val != nil {
			return val
		}
	}
	return ""
}

// Validate is a pure function over the submission's current field values.
func (v *Validator) Validate(s *Submission) ValidationResult {
	var violations []string

	if err := v.v.Struct(s); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				violations = append(violations, describeFieldError(fe))
			}
		} else {
			violations = append(violations, err.Error())
		}
	}

	if s.UploadDate.IsZero() {
		violations = append(violations, "upload date is required")
	} else if s.UploadDate.After(v.now().Add(UploadDateTolerance)) {
		violations = append(violations, "upload date cannot be in the future")
	}

	if !s.Status.IsValid() {
		violations = append(violations, fmt.Sprintf("status %d is not a defined submission status", int(s.Status)))
	}

	sentOrDone := s.Status == StatusSent || s.Status == StatusCompleted
	if sentOrDone && !s.SendDate.Valid {
		violations = append(violations, fmt.Sprintf("send date is required in status %s", s.Status))
	}
	if s.SendDate.Valid && !sentOrDone {
		violations = append(violations, fmt.Sprintf("send date must not be set in status %s", s.Status))
	}
	if s.ResponseDate.Valid {
		if !s.SendDate.Valid {
			violations = append(violations, "response date requires a send date")
		} else if s.ResponseDate.Time.Before(s.SendDate.Time) {
			violations = append(violations, "response date cannot precede send date")
		}
	}
	if s.Status == StatusSent || s.Status == StatusCompleted {
		if !s.Protocol.Valid || strings.TrimSpace(s.Protocol.String) == "" {
			violations = append(violations, fmt.Sprintf("protocol is required in status %s", s.Status))
		}
	}

	return ValidationResult{Violations: violations}
}

func describeFieldError(fe validator.FieldError) string {
	field := fieldLabels[fe.Field()]
	if field == "" {
		field = fe.Field()
	}
	switch fe.Tag() {
	case "notblank", "required":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s cannot exceed %s characters", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %q", field, fe.Tag())
	}
}

var fieldLabels = map[string]string{
	"InputFileName":      "input file name",
	"InputFileFullPath":  "input file path",
	"OutputFileName":     "output file name",
	"OutputFileFullPath": "output file path",
	"Protocol":           "protocol",
	"ValidationError":    "validation error summary",
}

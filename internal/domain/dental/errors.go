package dental

import (
	"errors"
	"fmt"
)

// Errors returned by the dental engine. Handlers map them to HTTP status codes.
var (
	ErrNotFound        = errors.New("record not found")
	ErrAlreadyApplied  = errors.New("treatment plan has already been applied")
	ErrArchivedPlan    = errors.New("treatment plan is archived")
	ErrVersionConflict = errors.New("record was modified concurrently")
	ErrTreatmentVoided = errors.New("treatment has been voided")
)

// ValidationError reports malformed input. It is always raised before any store write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func required(field string) *ValidationError {
	return &ValidationError{Field: field, Reason: "is required"}
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

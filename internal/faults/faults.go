package faults

import (
	"errors"
	"fmt"
)

// Failure categories. Configuration and integrity faults abort the run;
// date parse, file access and validation faults are counted and survived.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrDateParse     = errors.New("date parse failure")
	ErrFileAccess    = errors.New("file access error")
	ErrIntegrity     = errors.New("integrity error")
	ErrValidation    = errors.New("validation failure")
)

// Fault represents an engine error with category and context.
// Messages never carry original field values.
type Fault struct {
	Err     error  `json:"-"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Path    string `json:"path,omitempty"`
}

func (f *Fault) Error() string {
	if f.Path != "" {
		return fmt.Sprintf("%s: %s", f.Path, f.Message)
	}
	return f.Message
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Configuration creates a fatal configuration fault
func Configuration(format string, args ...interface{}) *Fault {
	return &Fault{
		Err:     ErrConfiguration,
		Message: fmt.Sprintf(format, args...),
		Code:    "CONFIGURATION",
	}
}

// DateParse creates a recoverable per-field date parse fault
func DateParse(field string) *Fault {
	return &Fault{
		Err:     ErrDateParse,
		Message: fmt.Sprintf("field %q does not match any configured date format", field),
		Code:    "DATE_PARSE",
	}
}

// FileAccess creates a per-file fault that the run counts and survives
func FileAccess(path string, err error) *Fault {
	msg := "file access failed"
	if err != nil {
		msg = err.Error()
	}
	return &Fault{
		Err:     ErrFileAccess,
		Message: msg,
		Code:    "FILE_ACCESS",
		Path:    path,
	}
}

// Integrity creates a fatal mapping store integrity fault
func Integrity(message string, err error) *Fault {
	if err != nil {
		message = fmt.Sprintf("%s: %v", message, err)
	}
	return &Fault{
		Err:     ErrIntegrity,
		Message: message,
		Code:    "INTEGRITY",
	}
}

// Validation creates a non-fatal fault reporting residual identifiers
// found in already-written output
func Validation(residuals int) *Fault {
	return &Fault{
		Err:     ErrValidation,
		Message: fmt.Sprintf("validation detected %d residual identifier(s) in output", residuals),
		Code:    "VALIDATION",
	}
}

// IsFatal reports whether the fault must abort the run
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrIntegrity)
}

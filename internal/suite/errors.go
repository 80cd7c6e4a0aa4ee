package suite

import (
	"errors"
	"fmt"

	"github.com/roach88/tracebed/internal/trace"
)

// ErrorCode categorizes configuration errors found before any process runs.
type ErrorCode string

const (
	// ErrCodeUnknownComponent indicates a trace key outside the registered components.
	ErrCodeUnknownComponent ErrorCode = "UNKNOWN_COMPONENT"

	// ErrCodeInvalidLevel indicates a negative or non-integral trace level.
	ErrCodeInvalidLevel ErrorCode = "INVALID_LEVEL"

	// ErrCodeUnsupportedVariant indicates a case kind no topology builder handles.
	ErrCodeUnsupportedVariant ErrorCode = "UNSUPPORTED_VARIANT"

	// ErrCodeInvalidSuite indicates a malformed suite description.
	ErrCodeInvalidSuite ErrorCode = "INVALID_SUITE"
)

// ConfigError is a fatal suite description error. It aborts the run before
// any process launches.
type ConfigError struct {
	Code ErrorCode

	// Case is the offending case name, empty for suite-level errors.
	Case string

	// Field locates the offending value, e.g. "trace" or "expect.lines[2]".
	Field string

	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	where := ""
	switch {
	case e.Case != "" && e.Field != "":
		where = fmt.Sprintf(" (case %q, %s)", e.Case, e.Field)
	case e.Case != "":
		where = fmt.Sprintf(" (case %q)", e.Case)
	case e.Field != "":
		where = fmt.Sprintf(" (%s)", e.Field)
	}
	return fmt.Sprintf("%s: %s%s", e.Code, e.Message, where)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// invalid builds an INVALID_SUITE error.
func invalid(caseName, field, format string, args ...any) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidSuite,
		Case:    caseName,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

// Unsupported builds an UNSUPPORTED_VARIANT error for kind.
func Unsupported(caseName string, kind Kind) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeUnsupportedVariant,
		Case:    caseName,
		Field:   "kind",
		Message: fmt.Sprintf("unsupported case kind %q", kind),
	}
}

// fromTrace converts a trace validation error into a ConfigError.
func fromTrace(caseName string, err error) *ConfigError {
	var te *trace.Error
	if !errors.As(err, &te) {
		return &ConfigError{Code: ErrCodeInvalidSuite, Case: caseName, Field: "trace", Message: err.Error(), Err: err}
	}

	code := ErrCodeInvalidLevel
	if te.Code == trace.ErrCodeUnknownComponent {
		code = ErrCodeUnknownComponent
	}
	return &ConfigError{
		Code:    code,
		Case:    caseName,
		Field:   "trace." + te.Component,
		Message: te.Message,
		Err:     err,
	}
}

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// CodeOf returns the code of the ConfigError inside err, or "".
func CodeOf(err error) ErrorCode {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

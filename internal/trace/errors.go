package trace

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes trace configuration errors.
type ErrorCode string

const (
	// ErrCodeUnknownComponent indicates a key outside the registered component set.
	ErrCodeUnknownComponent ErrorCode = "UNKNOWN_COMPONENT"

	// ErrCodeInvalidLevel indicates a negative, non-integral or non-numeric level.
	ErrCodeInvalidLevel ErrorCode = "INVALID_LEVEL"
)

// Error is returned by Validate.
type Error struct {
	Code      ErrorCode
	Component string
	Message   string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsUnknownComponent reports whether err is, or wraps, an unknown component error.
func IsUnknownComponent(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == ErrCodeUnknownComponent
	}
	return false
}

// IsInvalidLevel reports whether err is, or wraps, an invalid level error.
func IsInvalidLevel(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == ErrCodeInvalidLevel
	}
	return false
}

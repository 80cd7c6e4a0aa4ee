package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrNoExecutable is returned when a process spec has no command.
	ErrNoExecutable = errors.New("no executable configured")

	// ErrReadyTimeout is returned when readiness is not observed in time.
	ErrReadyTimeout = errors.New("readiness not observed before timeout")

	// ErrExitedBeforeReady is returned when a process ends before signalling readiness.
	ErrExitedBeforeReady = errors.New("process exited before signalling readiness")
)

// LaunchError reports a process that could not be started.
type LaunchError struct {
	Process string
	Command string
	Err     error
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("launch %s: %v", e.Process, e.Err)
	}
	return fmt.Sprintf("launch %s (%s): %v", e.Process, e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *LaunchError) Unwrap() error {
	return e.Err
}

// IsLaunchError reports whether err is, or wraps, a *LaunchError.
func IsLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

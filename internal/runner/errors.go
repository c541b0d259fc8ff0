package runner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout matches every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("runner: timeout")

// TimeoutError is returned when a process exceeds its timeout.
// The process is terminated in the background after the error is returned.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %dms", e.Name, e.Timeout.Milliseconds())
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ExitError is returned when a process exits with a non-zero code.
// Code is -1 when the process was killed by a signal.
type ExitError struct {
	Name string
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("task %s exited with code %d", e.Name, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// LaunchError is returned when a process could not be started.
type LaunchError struct {
	Name string
	Err  error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("task %s: launch failed: %v", e.Name, e.Err) }

func (e *LaunchError) Unwrap() error { return e.Err }

// Kind classifies a Run error for event metadata.
func Kind(err error) string {
	var (
		ee *ExitError
		le *LaunchError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &ee):
		return "exit"
	case errors.As(err, &le):
		return "launch"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}

// ExitCode extracts the exit code from a Run error, or -1.
func ExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}

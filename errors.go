package testfleet

import (
	"errors"
	"fmt"

	"github.com/testfleet/testfleet/exitcodes"
)

// RuntimeError represents an operational fault of the engine itself,
// mapped to the unknown-exception exit code. Examples include
// configuration errors, unreadable test plans, broker outages.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError
func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// OutcomeError carries the exit code derived from a finished run's
// statistics when that code is non-zero.
type OutcomeError struct {
	Code    int
	Message string
}

func (e *OutcomeError) Error() string {
	return fmt.Sprintf("run finished with exit code %d: %s", e.Code, e.Message)
}

// NewOutcomeError creates a new OutcomeError
func NewOutcomeError(code int, message string) *OutcomeError {
	return &OutcomeError{Code: code, Message: message}
}

// ExitCodeForError maps any error returned by the app to a process exit
// code: outcome errors carry their own code, everything else is an
// engine fault.
func ExitCodeForError(err error) int {
	if err == nil {
		return exitcodes.OK
	}
	var outcome *OutcomeError
	if errors.As(err, &outcome) {
		return outcome.Code
	}
	return exitcodes.UnknownException
}

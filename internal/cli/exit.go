package cli

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	ExitSuccess           = 0
	ExitPipelineFailure   = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// InvocationError carries the exit code a command failure maps to.
type InvocationError struct {
	ExitCode int
	Message  string
	Err      error
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *InvocationError) Unwrap() error { return e.Err }

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

func withCode(code int, msg string, err error) error {
	return &InvocationError{ExitCode: code, Message: msg, Err: err}
}

// ExitCode maps err to a process exit code. Errors that carry no code are
// internal errors.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	return ExitInternalError
}

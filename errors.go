package lazypp

import (
	"errors"
	"fmt"

	"github.com/gen740/lazypp/internal/shell"
)

var (
	// ErrOutsideBase is returned when an entry destination escapes its base
	// directory.
	ErrOutsideBase = errors.New("path is outside base directory")

	// ErrExists is returned when copying an entry onto an existing path
	// without overwrite.
	ErrExists = errors.New("destination already exists")

	// ErrInvalidInput is returned when a task input cannot be canonicalized.
	ErrInvalidInput = errors.New("invalid task input")

	// ErrInvalidOutput is returned when a task output cannot be cached.
	ErrInvalidOutput = errors.New("invalid task output")

	// ErrReusableMissing is returned when a lease that owns a reusable file
	// is closed before the file was created.
	ErrReusableMissing = errors.New("reusable file was not created")

	// ErrNotCached is returned by Cached when no output is stored for a task.
	ErrNotCached = errors.New("task output not cached")
)

// ExitError reports a shell command that exited non-zero.
type ExitError = shell.ExitError

// RetryError asks for the body to be run again. Return it through Retry.
type RetryError struct {
	Err error
}

func (e *RetryError) Error() string {
	if e.Err == nil {
		return "retry requested"
	}
	return "retry requested: " + e.Err.Error()
}

func (e *RetryError) Unwrap() error { return e.Err }

// Retry marks err as transient. A task configured WithRetries runs its
// body again when the body returns a retry error.
func Retry(err error) error {
	return &RetryError{Err: err}
}

// DependencyError reports that a task could not run because one of its
// dependencies failed.
type DependencyError struct {
	Task string
	Hash string
	Err  error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %s (%s) failed: %v", e.Task, shortHash(e.Hash), e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// Root returns the innermost DependencyError in the chain, naming the task
// whose own body or setup failed.
func (e *DependencyError) Root() *DependencyError {
	root := e
	for {
		var next *DependencyError
		if !errors.As(root.Err, &next) {
			return root
		}
		root = next
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. A program that fails, times out
// or runs out of memory is not an error: it is reported through RunResult.
var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrInfrastructure      = errors.New("sandbox infrastructure unavailable")
	ErrRunnerProtocol      = errors.New("runner protocol violation")
	ErrInvalidRequest      = errors.New("invalid execution request")
	ErrCanceled            = errors.New("execution canceled")
)

// RunError wraps errors with execution context.
type RunError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *RunError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// IsInfrastructure reports whether the sandbox environment itself failed.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrInfrastructure)
}

// IsRunnerProtocol reports whether the runner image produced an unusable payload.
func IsRunnerProtocol(err error) bool {
	return errors.Is(err, ErrRunnerProtocol)
}

// IsCanceled reports whether the run was stopped by its caller.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

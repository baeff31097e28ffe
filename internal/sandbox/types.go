package sandbox

import (
	"context"
	"time"
)

const (
	// DefaultDeadline is the wall-clock budget of a single run.
	DefaultDeadline = 30 * time.Second

	// TimeoutMessage is the stderr of a run that hit its deadline.
	TimeoutMessage = "Execution timed out"

	// OOMMessage is the stderr of a run the kernel killed for exceeding its
	// memory cap before the runner could report.
	OOMMessage = "Execution killed: memory limit exceeded"

	// ContainerPrefix names every runner container, for orphan sweeps.
	ContainerPrefix = "polyglot-run-"

	// MaxCodeBytes bounds the program delivered on stdin.
	MaxCodeBytes = 1 << 20

	// maxPayloadBytes bounds what is read from a runner's stdout.
	maxPayloadBytes = 8 << 20
)

// RunRequest is one program to execute.
type RunRequest struct {
	// ExecID correlates logs with the execution record. Optional.
	ExecID   string
	Language string
	Code     string
	// Deadline overrides the runner's configured deadline when positive.
	Deadline time.Duration
}

// RunResult is the normalized outcome of a run. OK comes from the runner's
// own success flag, never from the process exit code. TimedOut is set only
// when the backend enforced the deadline.
type RunResult struct {
	OK       bool
	TimedOut bool
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// TimedOut returns the result of a run that exceeded deadline.
func TimedOut(deadline time.Duration) RunResult {
	return RunResult{OK: false, TimedOut: true, Stderr: TimeoutMessage, Elapsed: deadline}
}

// Backend runs programs in single-use isolated containers.
type Backend interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
	Healthy(ctx context.Context) error
	ActiveCount() int64
	Close() error
}

package service

import (
	"errors"

	"polyglot-exec/internal/execution"
	"polyglot-exec/internal/sandbox"
	"polyglot-exec/internal/storage"
)

var (
	// ErrValidation reports a malformed submission. No record exists.
	ErrValidation = errors.New("validation failed")

	ErrUnsupportedLanguage = sandbox.ErrUnsupportedLanguage
	ErrNotFound            = storage.ErrNotFound

	// ErrBusy means no sandbox slot freed up within the admission timeout.
	ErrBusy = errors.New("sandbox capacity exhausted, try again later")

	// ErrInFlight is returned when rerunning a record that is still running.
	ErrInFlight = errors.New("execution is still running")

	// ErrInvalidTransition is returned when a record's stored status does not
	// allow the requested change.
	ErrInvalidTransition = execution.ErrInvalidTransition

	// ErrKilled is the cancellation cause of a run stopped by an admin.
	ErrKilled = errors.New("killed by admin")

	// ErrShuttingDown is the cancellation cause of runs aborted by Close.
	ErrShuttingDown = errors.New("server shutting down")
)

// Messages stored on records that failed for reasons other than the program.
const (
	InternalErrorMessage = "Execution failed: internal error"
	ShutdownMessage      = "Execution aborted: server shutting down"
)

package execution

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of an execution record.
type Status string

const (
	// StatusQueued is reserved for admission-controlled designs; submissions
	// currently start at StatusRunning.
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
	StatusKilled  Status = "killed"
)

// KilledMessage is stored as stderr when an admin kills an execution.
const KilledMessage = "Execution killed by admin"

// ErrInvalidTransition is returned when a record may not move between two
// statuses.
var ErrInvalidTransition = errors.New("invalid status transition")

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSuccess, StatusError, StatusTimeout, StatusKilled:
		return true
	}
	return false
}

// IsTerminal reports whether s ends an execution.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout, StatusKilled:
		return true
	}
	return false
}

// ParseStatus converts a stored string into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown execution status %q", v)
	}
	return s, nil
}

// CanTransition reports whether the facade may move a record from one status
// to another.
//
//	queued   -> running | killed
//	running  -> success | error | timeout | killed
//	terminal -> running (rerun) | killed
//
// Runner classification never yields killed, and a terminal record only
// leaves its status through an explicit rerun or kill.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == StatusKilled {
		return true
	}
	switch from {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to.IsTerminal()
	default:
		return to == StatusRunning
	}
}

// CheckTransition is CanTransition as an error wrapping ErrInvalidTransition.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Classify maps a sandbox outcome onto a terminal status. Only the sandbox
// decides that a run hit its deadline; whatever the program wrote to stderr
// is never consulted.
func Classify(ok, timedOut bool) Status {
	switch {
	case ok:
		return StatusSuccess
	case timedOut:
		return StatusTimeout
	default:
		return StatusError
	}
}

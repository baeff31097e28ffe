package execution

import (
	"time"
)

// Record is the persisted unit of work and its outcome. Code, UserID and
// Language never change after creation.
type Record struct {
	ID         string     `json:"id"`
	SnippetID  *string    `json:"snippet_id"`
	UserID     string     `json:"user_id"`
	Language   string     `json:"language"`
	Code       string     `json:"code"`
	Status     Status     `json:"status"`
	Stdout     string     `json:"stdout"`
	Stderr     string     `json:"stderr"`
	DurationMs int64      `json:"duration_ms"`
	ExecutedAt *time.Time `json:"executed_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Summary is the list view of a record, without code or output bodies.
type Summary struct {
	ID         string     `json:"id"`
	SnippetID  *string    `json:"snippet_id"`
	UserID     string     `json:"user_id"`
	Language   string     `json:"language"`
	Status     Status     `json:"status"`
	DurationMs int64      `json:"duration_ms"`
	ExecutedAt *time.Time `json:"executed_at"`
}

// Summary returns the list view of r.
func (r Record) Summary() Summary {
	return Summary{
		ID:         r.ID,
		SnippetID:  r.SnippetID,
		UserID:     r.UserID,
		Language:   r.Language,
		Status:     r.Status,
		DurationMs: r.DurationMs,
		ExecutedAt: r.ExecutedAt,
	}
}

// NewRecord carries the immutable fields of a submission. ID may be preset by
// the caller; the store generates one when it is empty.
type NewRecord struct {
	ID        string
	SnippetID *string
	UserID    string
	Language  string
	Code      string
	Status    Status
}

// Outcome is the mutable part of a record written by Update. ExecutedAt is
// stamped by the store when Status is terminal.
type Outcome struct {
	Status     Status
	Stdout     string
	Stderr     string
	DurationMs int64
}

// EventName is the wire name of status notifications.
const EventName = "execution_status"

// StatusEvent is an ephemeral notification of a status transition.
type StatusEvent struct {
	UserID      string    `json:"userId"`
	ExecutionID string    `json:"executionId,omitempty"`
	Language    string    `json:"language"`
	Status      Status    `json:"status"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// RunningEvent announces that rec has entered StatusRunning.
func RunningEvent(rec Record, now time.Time) StatusEvent {
	return StatusEvent{
		UserID:      rec.UserID,
		ExecutionID: rec.ID,
		Language:    rec.Language,
		Status:      StatusRunning,
		Timestamp:   now,
	}
}

// TerminalEvent announces rec's terminal status. Successful runs carry stdout
// as output, everything else carries stderr as error.
func TerminalEvent(rec Record, now time.Time) StatusEvent {
	ev := StatusEvent{
		UserID:      rec.UserID,
		ExecutionID: rec.ID,
		Language:    rec.Language,
		Status:      rec.Status,
		Timestamp:   now,
	}
	if rec.Status == StatusSuccess {
		ev.Output = rec.Stdout
	} else {
		ev.Error = rec.Stderr
	}
	return ev
}

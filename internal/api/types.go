package api

import (
	"time"

	"polyglot-exec/internal/execution"
)

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	Language  string  `json:"language"`
	Code      string  `json:"code"`
	SnippetID *string `json:"snippet_id,omitempty"`
}

// ExecuteResponse is returned when the program succeeded.
type ExecuteResponse struct {
	Output      string `json:"output"`
	Status      string `json:"status"`
	ExecutionID string `json:"executionId"`
}

// ExecuteFailure is returned with 400 when the program failed, timed out or
// was killed.
type ExecuteFailure struct {
	Message     string `json:"message"`
	Status      string `json:"status"`
	ExecutionID string `json:"executionId"`
}

// AdminResponse is returned by the rerun and kill endpoints.
type AdminResponse struct {
	Message   string           `json:"message"`
	Execution execution.Record `json:"execution"`
}

// MessageResponse is returned for API errors.
type MessageResponse struct {
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status      string   `json:"status"`
	Sandbox     bool     `json:"sandbox"`
	Database    bool     `json:"database"`
	ActiveRuns  int64    `json:"active_runs"`
	InFlight    int      `json:"in_flight"`
	Subscribers int      `json:"subscribers"`
	Uptime      Duration `json:"uptime"`
}

// Frame is the envelope of every notification pushed to observers.
type Frame struct {
	Event string                `json:"event"`
	Data  execution.StatusEvent `json:"data"`
}

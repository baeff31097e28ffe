package sandbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// payload is the single JSON object a runner image prints on stdout.
// Pointers distinguish a missing field from a zero value.
type payload struct {
	Success       *bool    `json:"success"`
	Stdout        *string  `json:"stdout"`
	Stderr        *string  `json:"stderr"`
	ExecutionTime *float64 `json:"execution_time"` // milliseconds
}

// decodePayload parses runner output strictly: exactly one object, all four
// fields present, nothing unknown and nothing trailing.
func decodePayload(raw []byte) (RunResult, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return RunResult{}, errors.New("empty runner output")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var p payload
	if err := dec.Decode(&p); err != nil {
		return RunResult{}, fmt.Errorf("decoding payload: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return RunResult{}, errors.New("trailing data after payload")
	}

	var missing []string
	if p.Success == nil {
		missing = append(missing, "success")
	}
	if p.Stdout == nil {
		missing = append(missing, "stdout")
	}
	if p.Stderr == nil {
		missing = append(missing, "stderr")
	}
	if p.ExecutionTime == nil {
		missing = append(missing, "execution_time")
	}
	if len(missing) > 0 {
		return RunResult{}, fmt.Errorf("payload missing fields %v", missing)
	}
	if *p.ExecutionTime < 0 || math.IsNaN(*p.ExecutionTime) {
		return RunResult{}, fmt.Errorf("payload execution_time %v is invalid", *p.ExecutionTime)
	}

	return RunResult{
		OK:      *p.Success,
		Stdout:  *p.Stdout,
		Stderr:  *p.Stderr,
		Elapsed: time.Duration(*p.ExecutionTime * float64(time.Millisecond)),
	}, nil
}

package job

import (
	"encoding/json"
	"time"
)

// Result is the outcome of a processor invocation. A processor either
// succeeds with optional data or fails with an error message; exceptions are
// not part of the contract.
type Result struct {
	// JobID is filled in by the executor before the result is stored
	JobID string `json:"job_id"`
	// Success reports whether the processor completed its work
	Success bool `json:"success"`
	// Data is an optional result payload
	Data json.RawMessage `json:"data,omitempty"`
	// Error is the failure message when Success is false
	Error string `json:"error,omitempty"`
	// CompletedAt is when the processor returned
	CompletedAt time.Time `json:"completed_at"`
	// Duration is the wall-clock processing time
	Duration time.Duration `json:"duration"`
}

// Ok builds a successful result carrying optional data.
func Ok(data json.RawMessage) Result {
	return Result{Success: true, Data: data}
}

// Failed builds a failed result with the given message.
func Failed(msg string) Result {
	return Result{Success: false, Error: msg}
}

// Package scheduler fires cron-driven job submissions into the queues. Entry
// definitions are durable in Redis and rebuilt on startup; an in-process
// concurrency gate caps how many scheduled jobs may be in flight at once.
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/autoweave/autoweave/internal/job"
)

// Entry is a cron-driven job template. Each firing stamps out a fresh job
// from the template and submits it to the target queue.
type Entry struct {
	// ID is a stable caller-supplied identifier (alphanumeric, _ and -)
	ID string `json:"id"`
	// Cron is a standard 5-field cron expression
	Cron string `json:"cron"`
	// Queue is the target queue name
	Queue string `json:"queue"`
	// Kind selects the processor for the stamped jobs
	Kind job.Kind `json:"kind"`
	// Payload is the template payload, validated against Kind at registration
	Payload json.RawMessage `json:"payload"`
	// Options are the job options applied to every firing
	Options job.Options `json:"options"`
	// Timezone is an IANA zone name; empty means UTC
	Timezone string `json:"timezone,omitempty"`
	// Enabled gates whether the tick loop fires this entry
	Enabled bool `json:"enabled"`
	// Description is free-form operator documentation
	Description string `json:"description,omitempty"`
}

// Marshal serializes the entry for the durable entries hash.
func (e *Entry) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEntry deserializes an entry from the durable entries hash.
func UnmarshalEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// EntryState is the per-entry execution history, persisted in Redis so that
// restarts and other scheduler instances see the same picture.
type EntryState struct {
	ID           string    `json:"id"`
	LastRun      time.Time `json:"last_run"`
	NextRun      time.Time `json:"next_run"`
	LastSuccess  time.Time `json:"last_success"`
	RunCount     int64     `json:"run_count"`
	FailureCount int64     `json:"failure_count"`
	SkippedCount int64     `json:"skipped_count"`
	LastError    string    `json:"last_error,omitempty"`
}

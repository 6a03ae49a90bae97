package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/autoweave/autoweave/internal/serialization"
)

// RecordVersion is stamped into every job record's metadata. Readers must
// reject records whose major version they do not understand.
const RecordVersion = "1.0.0"

// Status represents the current status of a job
type Status string

const (
	// StatusWaiting indicates the job is ready to be claimed by a worker
	StatusWaiting Status = "waiting"
	// StatusDelayed indicates the job becomes eligible at a future due time
	StatusDelayed Status = "delayed"
	// StatusActive indicates the job is claimed and owned by exactly one worker
	StatusActive Status = "active"
	// StatusCompleted indicates the job finished successfully (terminal)
	StatusCompleted Status = "completed"
	// StatusFailed indicates the job exhausted its attempts (terminal)
	StatusFailed Status = "failed"
	// StatusCancelled indicates the job was cancelled before completion (terminal)
	StatusCancelled Status = "cancelled"
	// StatusDeadLettered indicates the job was copied to the dead-letter set (terminal)
	StatusDeadLettered Status = "dead-lettered"
)

// Terminal reports whether the status is one of the four terminal states.
// Once terminal, fields other than retention metadata never mutate.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusDeadLettered:
		return true
	}
	return false
}

// Source identifies where a submission originated.
type Source string

const (
	SourceUSBDaemon    Source = "usb-daemon"
	SourcePluginLoader Source = "plugin-loader"
	SourceManual       Source = "manual"
	SourceScheduled    Source = "scheduled"
	SourceWebhook      Source = "webhook"
)

// Valid reports whether s is a recognized submission source.
func (s Source) Valid() bool {
	switch s {
	case SourceUSBDaemon, SourcePluginLoader, SourceManual, SourceScheduled, SourceWebhook:
		return true
	}
	return false
}

// BackoffType selects the delay policy between failing attempts.
type BackoffType string

const (
	// BackoffFixed inserts a constant delay between attempts
	BackoffFixed BackoffType = "fixed"
	// BackoffExponential doubles the base delay per attempt, capped at MaxBackoffDelay
	BackoffExponential BackoffType = "exponential"
)

// MaxBackoffDelay caps exponential backoff growth.
const MaxBackoffDelay = 30 * time.Second

// Limits and defaults for execution options.
const (
	MinPriority        = 0
	MaxPriority        = 100
	DefaultPriority    = 5
	DefaultMaxAttempts = 3
	DefaultTimeout     = 30 * time.Second
	DefaultBackoffBase = time.Second

	// MaxLogEntries bounds the per-job log kept in the record.
	MaxLogEntries = 50
)

// Backoff describes the retry delay policy for a job.
type Backoff struct {
	// Type is fixed or exponential
	Type BackoffType `json:"type"`
	// BaseDelay is the constant delay (fixed) or the first-retry delay (exponential)
	BaseDelay time.Duration `json:"base_delay"`
}

// Delay returns the requeue delay before the given attempt (1-based count of
// failures so far). Exponential growth is capped at MaxBackoffDelay.
func (b Backoff) Delay(attempts int) time.Duration {
	base := b.BaseDelay
	if base <= 0 {
		base = DefaultBackoffBase
	}
	switch b.Type {
	case BackoffExponential:
		d := base
		for i := 1; i < attempts; i++ {
			d *= 2
			if d >= MaxBackoffDelay {
				return MaxBackoffDelay
			}
		}
		if d > MaxBackoffDelay {
			d = MaxBackoffDelay
		}
		return d
	default:
		return base
	}
}

// Options holds the execution parameters of a job.
type Options struct {
	// Priority in [0,100]; higher runs first. Out-of-range values are clamped.
	Priority int `json:"priority"`
	// Delay postpones eligibility; zero is indistinguishable from no delay
	Delay time.Duration `json:"delay,omitempty"`
	// MaxAttempts is the total attempt budget (>= 1)
	MaxAttempts int `json:"max_attempts"`
	// Backoff is the delay policy between failing attempts
	Backoff Backoff `json:"backoff"`
	// Timeout bounds a single processor invocation
	Timeout time.Duration `json:"timeout"`
}

// DefaultOptions returns the option set applied when a submitter leaves a
// field zero-valued.
func DefaultOptions() Options {
	return Options{
		Priority:    DefaultPriority,
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     Backoff{Type: BackoffExponential, BaseDelay: DefaultBackoffBase},
		Timeout:     DefaultTimeout,
	}
}

// Metadata carries provenance for a job record.
type Metadata struct {
	// Source is where the submission originated
	Source Source `json:"source"`
	// SubmittedAt is stamped at enqueue time
	SubmittedAt time.Time `json:"submitted_at"`
	// Version is the record schema version (semver)
	Version string `json:"version"`

	TenantID      string `json:"tenant_id,omitempty"`
	PluginID      string `json:"plugin_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	SpanID        string `json:"span_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Progress is a 0-100 percentage with optional structured detail.
type Progress struct {
	Percent int             `json:"percent"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// LogEntry is a single processor-emitted log line persisted with the job.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Error captures the last failure of a job. Previous attempts' errors are
// summarized in AttemptHistory, not retained verbatim.
type Error struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Attempt int    `json:"attempt"`
	Trace   string `json:"trace,omitempty"`
}

// Job represents a unit of work flowing through the queue. Its canonical
// state lives in Redis; in-process values are caches.
type Job struct {
	// ID is the unique identifier assigned at submit
	ID string `json:"id"`
	// Kind selects the processor and binds the payload shape
	Kind Kind `json:"kind"`
	// Payload contains kind-specific data, validated before acceptance
	Payload json.RawMessage `json:"payload"`
	// Queue is the name of the owning queue
	Queue string `json:"queue"`
	// Metadata carries provenance
	Metadata Metadata `json:"metadata"`
	// Options are the execution parameters
	Options Options `json:"options"`

	// Status is the current lifecycle state
	Status Status `json:"status"`
	// Attempts is the number of attempts consumed; always <= Options.MaxAttempts
	Attempts int `json:"attempts"`
	// Progress is the last reported progress
	Progress Progress `json:"progress"`
	// Result holds the processor result payload on completion
	Result json.RawMessage `json:"result,omitempty"`
	// LastError holds the most recent failure
	LastError *Error `json:"last_error,omitempty"`
	// AttemptHistory summarizes prior failed attempts (one line each)
	AttemptHistory []string `json:"attempt_history,omitempty"`
	// Logs are processor-emitted entries, capped at MaxLogEntries
	Logs []LogEntry `json:"logs,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// ValidationError is returned for submissions rejected before reaching Redis.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job: %s: %s", e.Field, e.Reason)
}

// New builds a job of the given kind, validates the payload against the
// kind's schema, normalizes options and metadata, and assigns a UUID.
// Submitters that pass zero-valued options get the defaults; an out-of-range
// priority is clamped rather than rejected. Format-prefixed payloads, such as
// the protobuf-encoded ones the hot-plug bridge produces, are decoded to
// their JSON form before validation and storage.
func New(kind Kind, payload json.RawMessage, meta Metadata, opts Options) (*Job, error) {
	if len(payload) > 0 {
		decoded, err := DecodePayload(payload)
		if err != nil {
			return nil, &ValidationError{Field: "payload", Reason: err.Error()}
		}
		payload = decoded
	}
	if err := ValidatePayload(kind, payload); err != nil {
		return nil, err
	}
	normalized, err := normalizeOptions(opts)
	if err != nil {
		return nil, err
	}
	if meta.Source == "" {
		meta.Source = SourceManual
	}
	if !meta.Source.Valid() {
		return nil, &ValidationError{Field: "metadata.source", Reason: fmt.Sprintf("unknown source %q", meta.Source)}
	}

	now := time.Now().UTC()
	meta.SubmittedAt = now
	meta.Version = RecordVersion

	status := StatusWaiting
	if normalized.Delay > 0 {
		status = StatusDelayed
	}

	return &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Payload:   payload,
		Metadata:  meta,
		Options:   normalized,
		Status:    status,
		Attempts:  0,
		CreatedAt: now,
	}, nil
}

// normalizeOptions fills defaults, clamps priority, and rejects values that
// cannot be repaired by clamping.
func normalizeOptions(opts Options) (Options, error) {
	out := opts

	if out.Priority < MinPriority {
		out.Priority = MinPriority
	}
	if out.Priority > MaxPriority {
		out.Priority = MaxPriority
	}

	if out.Delay < 0 {
		return out, &ValidationError{Field: "options.delay", Reason: "delay cannot be negative"}
	}

	if out.MaxAttempts == 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.MaxAttempts < 1 {
		return out, &ValidationError{Field: "options.max_attempts", Reason: "max attempts must be at least 1"}
	}

	if out.Backoff.Type == "" {
		out.Backoff.Type = BackoffExponential
	}
	if out.Backoff.Type != BackoffFixed && out.Backoff.Type != BackoffExponential {
		return out, &ValidationError{Field: "options.backoff.type", Reason: fmt.Sprintf("unknown backoff type %q", out.Backoff.Type)}
	}
	if out.Backoff.BaseDelay == 0 {
		out.Backoff.BaseDelay = DefaultBackoffBase
	}
	if out.Backoff.BaseDelay < 0 {
		return out, &ValidationError{Field: "options.backoff.base_delay", Reason: "base delay cannot be negative"}
	}

	if out.Timeout == 0 {
		out.Timeout = DefaultTimeout
	}
	if out.Timeout < 0 {
		return out, &ValidationError{Field: "options.timeout", Reason: "timeout must be positive"}
	}

	return out, nil
}

// AppendLog appends a log entry, evicting the oldest once the cap is hit.
func (j *Job) AppendLog(level, message string) {
	entry := LogEntry{Time: time.Now().UTC(), Level: level, Message: message}
	j.Logs = append(j.Logs, entry)
	if len(j.Logs) > MaxLogEntries {
		j.Logs = j.Logs[len(j.Logs)-MaxLogEntries:]
	}
}

// RecordFailure stamps the last error and pushes a one-line summary of the
// attempt into the history.
func (j *Job) RecordFailure(errMsg, errType, trace string) {
	j.LastError = &Error{
		Message: errMsg,
		Type:    errType,
		Attempt: j.Attempts,
		Trace:   trace,
	}
	summary := fmt.Sprintf("attempt %d: %s", j.Attempts, truncate(errMsg, 200))
	j.AttemptHistory = append(j.AttemptHistory, summary)
	now := time.Now().UTC()
	j.FailedAt = &now
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// recordCodec encodes job records with a format prefix so stored records
// self-describe their encoding. payloadCodec normalizes submitted payloads,
// which producers may ship either as bare JSON or protobuf encoded.
var (
	recordCodec  = serialization.NewJSONCodec()
	payloadCodec = serialization.NewJSONCodec()
)

// DecodePayload returns the JSON form of a submitted payload regardless of
// the format it was encoded in. Bare JSON passes through unchanged.
func DecodePayload(payload []byte) (json.RawMessage, error) {
	data, err := payloadCodec.DecodeToJSON(payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// Marshal serializes the job record.
func (j *Job) Marshal() ([]byte, error) {
	data, err := recordCodec.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job %s: %w", j.ID, err)
	}
	return data, nil
}

// Unmarshal deserializes a job record, enforcing the major-version gate:
// records with an unknown major version are rejected, not silently dropped.
// Bare JSON records from older writers are accepted.
func Unmarshal(data []byte) (*Job, error) {
	var j Job
	if err := recordCodec.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job record: %w", err)
	}
	if err := CheckVersion(j.Metadata.Version); err != nil {
		return nil, err
	}
	return &j, nil
}

// ErrVersionMismatch is wrapped by CheckVersion failures.
var ErrVersionMismatch = fmt.Errorf("job record version not understood")

// CheckVersion rejects record versions whose major component differs from
// the one this reader understands.
func CheckVersion(version string) error {
	if version == "" {
		return fmt.Errorf("%w: missing version", ErrVersionMismatch)
	}
	var major, minor, patch int
	if _, err := fmt.Sscanf(version, "%d.%d.%d", &major, &minor, &patch); err != nil {
		return fmt.Errorf("%w: malformed version %q", ErrVersionMismatch, version)
	}
	var wantMajor int
	fmt.Sscanf(RecordVersion, "%d.", &wantMajor)
	if major != wantMajor {
		return fmt.Errorf("%w: record major version %d, reader supports %d", ErrVersionMismatch, major, wantMajor)
	}
	return nil
}

// Package logger provides the multi-tier structured logger used across the
// queue core: an async console tier and an optional rotating-file tier.
package logger

import (
	"context"
	"fmt"
	"sync"
)

// ctxKey is the private type for context-carried log fields.
type ctxKey string

const (
	ctxKeyJobID    ctxKey = "job_id"
	ctxKeyWorkerID ctxKey = "worker_id"
	ctxKeyQueue    ctxKey = "queue"
)

// WithJobID returns a context whose log entries carry the job ID.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, ctxKeyJobID, jobID)
}

// WithWorkerID returns a context whose log entries carry the worker ID.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, ctxKeyWorkerID, workerID)
}

// WithQueue returns a context whose log entries carry the queue name.
func WithQueue(ctx context.Context, queue string) context.Context {
	return context.WithValue(ctx, ctxKeyQueue, queue)
}

// Logger is the main interface for logging throughout the application
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})

	DebugContext(ctx context.Context, msg string, args ...interface{})
	InfoContext(ctx context.Context, msg string, args ...interface{})
	WarnContext(ctx context.Context, msg string, args ...interface{})
	ErrorContext(ctx context.Context, msg string, args ...interface{})

	// WithFields returns a logger with additional fields
	WithFields(fields map[string]interface{}) Logger

	// WithComponent returns a logger tagged with a component
	WithComponent(component Component) Logger

	// Close flushes and closes all log destinations
	Close() error
}

// Entry represents a single log entry with all metadata
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	Component Component              `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// MultiLogger implements Logger by dispatching to the enabled tiers
type MultiLogger struct {
	config     *Config
	console    *ConsoleLogger
	file       *FileLogger
	baseFields map[string]interface{}
	component  Component
	mu         sync.RWMutex
}

// New creates a multi-tier logger based on configuration
func New(config *Config) (*MultiLogger, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logger config: %w", err)
	}

	ml := &MultiLogger{
		config:     config,
		baseFields: make(map[string]interface{}),
	}

	if config.Console.Enabled {
		console, err := NewConsoleLogger(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create console logger: %w", err)
		}
		ml.console = console
	}

	if config.File.Enabled {
		file, err := NewFileLogger(config)
		if err != nil {
			// File logging is optional; degrade to console only.
			if ml.console != nil {
				ml.console.log(LevelWarn, fmt.Sprintf("file logger disabled: %v", err), ComponentManager, nil)
			}
		} else {
			ml.file = file
		}
	}

	return ml, nil
}

func (ml *MultiLogger) Debug(msg string, args ...interface{}) {
	ml.DebugContext(context.Background(), msg, args...)
}

func (ml *MultiLogger) Info(msg string, args ...interface{}) {
	ml.InfoContext(context.Background(), msg, args...)
}

func (ml *MultiLogger) Warn(msg string, args ...interface{}) {
	ml.WarnContext(context.Background(), msg, args...)
}

func (ml *MultiLogger) Error(msg string, args ...interface{}) {
	ml.ErrorContext(context.Background(), msg, args...)
}

func (ml *MultiLogger) DebugContext(ctx context.Context, msg string, args ...interface{}) {
	if ml.shouldLog(LevelDebug) {
		ml.log(ctx, LevelDebug, msg, args...)
	}
}

func (ml *MultiLogger) InfoContext(ctx context.Context, msg string, args ...interface{}) {
	if ml.shouldLog(LevelInfo) {
		ml.log(ctx, LevelInfo, msg, args...)
	}
}

func (ml *MultiLogger) WarnContext(ctx context.Context, msg string, args ...interface{}) {
	if ml.shouldLog(LevelWarn) {
		ml.log(ctx, LevelWarn, msg, args...)
	}
}

func (ml *MultiLogger) ErrorContext(ctx context.Context, msg string, args ...interface{}) {
	if ml.shouldLog(LevelError) {
		ml.log(ctx, LevelError, msg, args...)
	}
}

// WithFields returns a new logger with additional fields
func (ml *MultiLogger) WithFields(fields map[string]interface{}) Logger {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	newFields := make(map[string]interface{}, len(ml.baseFields)+len(fields))
	for k, v := range ml.baseFields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &MultiLogger{
		config:     ml.config,
		console:    ml.console,
		file:       ml.file,
		baseFields: newFields,
		component:  ml.component,
	}
}

// WithComponent returns a new logger tagged with a component
func (ml *MultiLogger) WithComponent(component Component) Logger {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	return &MultiLogger{
		config:     ml.config,
		console:    ml.console,
		file:       ml.file,
		baseFields: ml.baseFields,
		component:  component,
	}
}

// Close flushes and closes all log destinations
func (ml *MultiLogger) Close() error {
	var errs []error

	if ml.console != nil {
		if err := ml.console.Close(); err != nil {
			errs = append(errs, fmt.Errorf("console close: %w", err))
		}
	}
	if ml.file != nil {
		if err := ml.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("file close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing logger: %v", errs)
	}
	return nil
}

func (ml *MultiLogger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[ml.config.Level]
}

// log assembles the field set and dispatches to the enabled tiers
func (ml *MultiLogger) log(ctx context.Context, level Level, msg string, args ...interface{}) {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	fields := make(map[string]interface{}, len(ml.baseFields)+len(args)/2+3)
	for k, v := range ml.baseFields {
		fields[k] = v
	}

	// Variadic args are key-value pairs.
	for i := 0; i+1 < len(args); i += 2 {
		key := fmt.Sprintf("%v", args[i])
		fields[key] = args[i+1]
	}

	if ctx != nil {
		if jobID := ctx.Value(ctxKeyJobID); jobID != nil {
			fields["job_id"] = jobID
		}
		if workerID := ctx.Value(ctxKeyWorkerID); workerID != nil {
			fields["worker_id"] = workerID
		}
		if queueName := ctx.Value(ctxKeyQueue); queueName != nil {
			fields["queue"] = queueName
		}
	}

	if ml.console != nil {
		ml.console.log(level, msg, ml.component, fields)
	}
	if ml.file != nil {
		ml.file.log(level, msg, ml.component, fields)
	}
}

// NoOp is a logger that does nothing (for tests)
type NoOp struct{}

func (n *NoOp) Debug(msg string, args ...interface{})                             {}
func (n *NoOp) Info(msg string, args ...interface{})                              {}
func (n *NoOp) Warn(msg string, args ...interface{})                              {}
func (n *NoOp) Error(msg string, args ...interface{})                             {}
func (n *NoOp) DebugContext(ctx context.Context, msg string, args ...interface{}) {}
func (n *NoOp) InfoContext(ctx context.Context, msg string, args ...interface{})  {}
func (n *NoOp) WarnContext(ctx context.Context, msg string, args ...interface{})  {}
func (n *NoOp) ErrorContext(ctx context.Context, msg string, args ...interface{}) {}
func (n *NoOp) WithFields(fields map[string]interface{}) Logger                   { return n }
func (n *NoOp) WithComponent(component Component) Logger                          { return n }
func (n *NoOp) Close() error                                                      { return nil }

var _ Logger = (*NoOp)(nil)
var _ Logger = (*MultiLogger)(nil)

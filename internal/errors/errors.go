// Package errors defines the error taxonomy shared by the queue, worker
// pool and scheduler, plus panic recovery helpers.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors returned by queue and manager operations.
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrQueueNotFound   = errors.New("queue not found")
	ErrQueueExists     = errors.New("queue already exists")
	ErrQueuePaused     = errors.New("queue is paused")
	ErrQueueDraining   = errors.New("queue is draining")
	ErrShuttingDown    = errors.New("manager is shutting down")
	ErrJobNotRetryable = errors.New("job is not in a retryable state")
	ErrJobNotActive    = errors.New("job is not active")
)

// Type classifies a processing failure for retry decisions and reporting.
type Type string

const (
	// TypeTransient failures are retried with backoff until attempts are
	// exhausted.
	TypeTransient Type = "transient"
	// TypePermanent failures skip remaining retries and go straight to the
	// dead-letter set.
	TypePermanent Type = "permanent"
	// TypeTimeout marks jobs that exceeded their per-job timeout.
	TypeTimeout Type = "timeout"
	// TypePanic marks jobs whose processor panicked.
	TypePanic Type = "panic"
	// TypeCancelled marks jobs cancelled by the caller.
	TypeCancelled Type = "cancelled"
)

// ProcessingError wraps a processor failure with its classification.
type ProcessingError struct {
	Kind Type
	Err  error
}

// Error implements the error interface
func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ProcessingError{Kind: TypeTransient, Err: err}
}

// Permanent marks err as non-retryable; the job is dead-lettered on the
// next failure regardless of remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ProcessingError{Kind: TypePermanent, Err: err}
}

// Classify maps an arbitrary processor error to its Type. Unclassified
// errors default to transient so they get the configured retries.
func Classify(err error) Type {
	if err == nil {
		return ""
	}

	var perr *PanicError
	if errors.As(err, &perr) {
		return TypePanic
	}

	var procErr *ProcessingError
	if errors.As(err, &procErr) {
		return procErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return TypeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return TypeCancelled
	}

	return TypeTransient
}

// Retryable reports whether a failure with this classification should be
// retried when attempts remain.
func Retryable(t Type) bool {
	switch t {
	case TypePermanent, TypeCancelled:
		return false
	default:
		return true
	}
}

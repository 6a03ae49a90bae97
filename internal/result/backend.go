// Package result stores processor outcomes out-of-band so callers can fetch
// or await a job's result without polling the job record.
package result

import (
	"context"
	"time"

	"github.com/autoweave/autoweave/internal/job"
)

// Backend stores and retrieves job results. The canonical job record still
// carries the result inline; a backend adds TTL-bounded retention and
// blocking waits on top.
type Backend interface {
	// Store persists a result. Failed results may be retained longer than
	// successful ones for debugging.
	Store(ctx context.Context, res *job.Result) error

	// Get retrieves a result by job ID. It returns nil with no error when
	// the result does not exist yet or has expired.
	Get(ctx context.Context, jobID string) (*job.Result, error)

	// Wait blocks until a result is available or the timeout elapses. A nil
	// result with no error means the timeout was reached.
	Wait(ctx context.Context, jobID string, timeout time.Duration) (*job.Result, error)

	// Delete removes a result. Deleting a missing result is not an error.
	Delete(ctx context.Context, jobID string) error
}

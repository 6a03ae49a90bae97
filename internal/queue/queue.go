// Package queue implements the Redis-backed priority job queue. Each named
// queue is a family of keys: a waiting sorted set ordered by priority class
// and submission order, a delayed sorted set ordered by due time, an active
// hash carrying per-job heartbeats, and one terminal sorted set per final
// state.
package queue

import (
	"context"
	"time"

	"github.com/autoweave/autoweave/internal/job"
)

// Stats is a point-in-time snapshot of one queue's depths.
type Stats struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Delayed   int64  `json:"delayed"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Cancelled int64  `json:"cancelled"`
	Dead      int64  `json:"dead"`
	Paused    bool   `json:"paused"`
}

// Backlog is the number of jobs that still need a worker.
func (s Stats) Backlog() int64 {
	return s.Waiting + s.Delayed
}

// Reader is the read-only view of a queue used by metrics and health.
type Reader interface {
	GetJob(ctx context.Context, queue, jobID string) (*job.Job, error)
	ListJobs(ctx context.Context, queue string, status job.Status, offset, count int64) ([]*job.Job, error)
	QueueStats(ctx context.Context, queue string) (*Stats, error)
	Ping(ctx context.Context) error
}

// Queue is the full queue contract consumed by the worker pool, scheduler
// and manager.
type Queue interface {
	Reader

	Enqueue(ctx context.Context, j *job.Job) error
	EnqueueBulk(ctx context.Context, jobs []*job.Job) error
	Claim(ctx context.Context, queue string) (*job.Job, error)
	Complete(ctx context.Context, j *job.Job, result []byte) error
	Fail(ctx context.Context, j *job.Job, failure error) error
	Cancel(ctx context.Context, queue, jobID string) error
	CancelRequested(ctx context.Context, queue, jobID string) (bool, error)
	RetryJob(ctx context.Context, queue, jobID string) error
	SaveJob(ctx context.Context, j *job.Job) error
	Heartbeat(ctx context.Context, queue, jobID string) error
	ReclaimStalled(ctx context.Context, queue string, threshold time.Duration) ([]string, error)
	PromoteDelayed(ctx context.Context, queue string, limit int) (int, error)
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	IsPaused(ctx context.Context, queue string) (bool, error)
	Drain(ctx context.Context, queue string) (int, error)
	Clean(ctx context.Context, queue string, status job.Status, olderThan time.Duration) (int, error)

	Close() error
}

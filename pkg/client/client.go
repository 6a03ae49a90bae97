// Package client is the public producer API: it submits and inspects jobs
// over Redis without running workers. Producers in other processes use it to
// feed queues a worker deployment drains.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/autoweave/autoweave/internal/job"
	"github.com/autoweave/autoweave/internal/logger"
	"github.com/autoweave/autoweave/internal/queue"
	"github.com/autoweave/autoweave/internal/result"
)

// Client submits jobs to and inspects jobs in a queue deployment. It shares
// the deployment's namespace but runs no workers; kinds are only checked
// against the processor registry on the worker side at claim time, so a
// client can submit kinds it cannot process itself.
type Client struct {
	queue   *queue.RedisQueue
	results result.Backend
}

// Options configures a client connection.
type Options struct {
	// RedisURL is the connection URL, e.g. redis://localhost:6379
	RedisURL string
	// Namespace must match the worker deployment's namespace
	Namespace string
	// PoolSize is the go-redis connection pool size; 0 uses the driver default
	PoolSize int
	// ResultTTLSuccess and ResultTTLFailure must match the deployment's
	// result backend settings for Wait semantics to line up
	ResultTTLSuccess time.Duration
	ResultTTLFailure time.Duration
	// Logger receives connection-level logs; nil discards them
	Logger logger.Logger
}

// New connects a client to Redis.
func New(opts Options) (*Client, error) {
	if opts.Namespace == "" {
		opts.Namespace = "aw"
	}
	log := opts.Logger
	if log == nil {
		log = &logger.NoOp{}
	}

	q, err := queue.NewRedisQueue(opts.RedisURL, opts.Namespace, opts.PoolSize, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newClient(q, opts), nil
}

// NewWithClient builds a client over an existing Redis connection.
func NewWithClient(rc *redis.Client, opts Options) *Client {
	if opts.Namespace == "" {
		opts.Namespace = "aw"
	}
	log := opts.Logger
	if log == nil {
		log = &logger.NoOp{}
	}
	return newClient(queue.NewRedisQueueWithClient(rc, opts.Namespace, log), opts)
}

func newClient(q *queue.RedisQueue, opts Options) *Client {
	successTTL := opts.ResultTTLSuccess
	if successTTL <= 0 {
		successTTL = time.Hour
	}
	failureTTL := opts.ResultTTLFailure
	if failureTTL <= 0 {
		failureTTL = 24 * time.Hour
	}
	return &Client{
		queue:   q,
		results: result.NewRedisBackend(q.Client(), opts.Namespace, successTTL, failureTTL),
	}
}

// Submit marshals the payload, validates it against the kind's schema, and
// enqueues the job. Returns the accepted job with its assigned ID.
func (c *Client) Submit(ctx context.Context, queueName string, kind job.Kind, payload interface{}, opts job.Options) (*job.Job, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	j, err := job.New(kind, raw, job.Metadata{Source: job.SourceManual}, opts)
	if err != nil {
		return nil, err
	}
	j.Queue = queueName

	if err := c.queue.Enqueue(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return j, nil
}

// SubmitDelayed enqueues a job that becomes eligible after the delay.
func (c *Client) SubmitDelayed(ctx context.Context, queueName string, kind job.Kind, payload interface{}, delay time.Duration, opts job.Options) (*job.Job, error) {
	opts.Delay = delay
	return c.Submit(ctx, queueName, kind, payload, opts)
}

// BulkEntry is one job of a bulk submission.
type BulkEntry struct {
	Kind    job.Kind
	Payload interface{}
	Options job.Options
}

// SubmitBulk enqueues a batch atomically: one invalid entry rejects the
// whole batch. An empty batch returns an empty slice.
func (c *Client) SubmitBulk(ctx context.Context, queueName string, entries []BulkEntry) ([]*job.Job, error) {
	if len(entries) == 0 {
		return []*job.Job{}, nil
	}

	jobs := make([]*job.Job, 0, len(entries))
	for i, entry := range entries {
		raw, err := marshalPayload(entry.Payload)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		j, err := job.New(entry.Kind, raw, job.Metadata{Source: job.SourceManual}, entry.Options)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		j.Queue = queueName
		jobs = append(jobs, j)
	}

	if err := c.queue.EnqueueBulk(ctx, jobs); err != nil {
		return nil, fmt.Errorf("failed to enqueue batch: %w", err)
	}
	return jobs, nil
}

// GetJob fetches a job record.
func (c *Client) GetJob(ctx context.Context, queueName, jobID string) (*job.Job, error) {
	return c.queue.GetJob(ctx, queueName, jobID)
}

// Cancel cancels a waiting or delayed job immediately, or requests
// cooperative cancellation of an active one.
func (c *Client) Cancel(ctx context.Context, queueName, jobID string) error {
	return c.queue.Cancel(ctx, queueName, jobID)
}

// Retry returns a terminal failed, cancelled, or dead-lettered job to
// waiting with a fresh attempt budget.
func (c *Client) Retry(ctx context.Context, queueName, jobID string) error {
	return c.queue.RetryJob(ctx, queueName, jobID)
}

// Result fetches a stored result, or nil when none exists yet.
func (c *Client) Result(ctx context.Context, jobID string) (*job.Result, error) {
	return c.results.Get(ctx, jobID)
}

// WaitResult blocks until the job's result is stored or the timeout
// elapses. Returns nil without error on timeout.
func (c *Client) WaitResult(ctx context.Context, jobID string, timeout time.Duration) (*job.Result, error) {
	return c.results.Wait(ctx, jobID, timeout)
}

// Ping checks connectivity to the backend.
func (c *Client) Ping(ctx context.Context) error {
	return c.queue.Ping(ctx)
}

// QueueStats snapshots one queue's depths.
func (c *Client) QueueStats(ctx context.Context, queueName string) (*queue.Stats, error) {
	return c.queue.QueueStats(ctx, queueName)
}

// Close releases the Redis connection.
func (c *Client) Close() error {
	return c.queue.Close()
}

// marshalPayload accepts pre-encoded JSON as-is and marshals anything else.
func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return raw, nil
	}
}

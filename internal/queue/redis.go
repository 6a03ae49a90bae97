package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	awerrors "github.com/autoweave/autoweave/internal/errors"
	"github.com/autoweave/autoweave/internal/job"
	"github.com/autoweave/autoweave/internal/logger"
	"github.com/redis/go-redis/v9"
)

// priorityBand separates priority classes in the waiting set score. Scores
// are (MaxPriority - priority) * priorityBand + sequence, so a higher
// priority always sorts ahead and submission order breaks ties within a
// class. The band leaves float64 integer precision intact up to ~9e15.
const priorityBand = 1e13

// cleanBatchLimit caps how many terminal records one Clean call removes.
const cleanBatchLimit = 100

// RedisQueue implements Queue on top of a single Redis instance.
type RedisQueue struct {
	client    *redis.Client
	namespace string
	log       logger.Logger

	mu       sync.RWMutex
	keyCache map[string]keys
}

// NewRedisQueue connects to Redis and returns a queue rooted at the given
// key namespace.
func NewRedisQueue(redisURL, namespace string, poolSize int, log logger.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisQueueWithClient(client, namespace, log), nil
}

// NewRedisQueueWithClient wraps an existing client. The caller keeps
// ownership of the client's lifecycle when constructed this way only if it
// never calls Close.
func NewRedisQueueWithClient(client *redis.Client, namespace string, log logger.Logger) *RedisQueue {
	if log == nil {
		log = &logger.NoOp{}
	}
	return &RedisQueue{
		client:    client,
		namespace: namespace,
		log:       log.WithComponent(logger.ComponentQueue),
		keyCache:  make(map[string]keys),
	}
}

// Client exposes the underlying connection for components that share it
// (result backend, scheduler lock, stream bridge).
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) keysFor(queue string) keys {
	q.mu.RLock()
	k, ok := q.keyCache[queue]
	q.mu.RUnlock()
	if ok {
		return k
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if k, ok := q.keyCache[queue]; ok {
		return k
	}
	k = newKeys(q.namespace, queue)
	q.keyCache[queue] = k
	return k
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// waitingScore computes the waiting-set score for a job using the next
// submission sequence number.
func (q *RedisQueue) waitingScore(ctx context.Context, k keys, priority int) (float64, error) {
	seq, err := q.client.Incr(ctx, k.seq).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance submission sequence: %w", err)
	}
	return float64(job.MaxPriority-priority)*priorityBand + float64(seq), nil
}

// Enqueue adds a validated job to its queue's waiting or delayed set.
func (q *RedisQueue) Enqueue(ctx context.Context, j *job.Job) error {
	if j.Queue == "" {
		return fmt.Errorf("job %s has no queue assigned", j.ID)
	}
	k := q.keysFor(j.Queue)

	score, err := q.waitingScore(ctx, k, j.Options.Priority)
	if err != nil {
		return err
	}

	data, err := j.Marshal()
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, k.job(j.ID), data, 0)
	if j.Status == job.StatusDelayed {
		due := j.CreatedAt.Add(j.Options.Delay)
		pipe.ZAdd(ctx, k.delayed, redis.Z{Score: float64(due.UnixMilli()), Member: j.ID})
		pipe.HSet(ctx, k.scores, j.ID, score)
	} else {
		pipe.ZAdd(ctx, k.waiting, redis.Z{Score: score, Member: j.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", j.ID, err)
	}

	q.log.DebugContext(ctx, "enqueued job",
		"job_id", j.ID, "queue", j.Queue, "kind", j.Kind, "priority", j.Options.Priority, "status", j.Status)
	return nil
}

// EnqueueBulk enqueues a batch in one transaction. The batch is rejected as
// a whole if any job has no queue; per-job payload validation happens at
// submit, before jobs reach here.
func (q *RedisQueue) EnqueueBulk(ctx context.Context, jobs []*job.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	for _, j := range jobs {
		if j.Queue == "" {
			return fmt.Errorf("job %s has no queue assigned", j.ID)
		}
	}

	pipe := q.client.TxPipeline()
	for _, j := range jobs {
		k := q.keysFor(j.Queue)
		score, err := q.waitingScore(ctx, k, j.Options.Priority)
		if err != nil {
			return err
		}
		data, err := j.Marshal()
		if err != nil {
			return err
		}
		pipe.Set(ctx, k.job(j.ID), data, 0)
		if j.Status == job.StatusDelayed {
			due := j.CreatedAt.Add(j.Options.Delay)
			pipe.ZAdd(ctx, k.delayed, redis.Z{Score: float64(due.UnixMilli()), Member: j.ID})
			pipe.HSet(ctx, k.scores, j.ID, score)
		} else {
			pipe.ZAdd(ctx, k.waiting, redis.Z{Score: score, Member: j.ID})
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue batch of %d jobs: %w", len(jobs), err)
	}

	q.log.DebugContext(ctx, "enqueued job batch", "count", len(jobs))
	return nil
}

// Claim atomically pops the best waiting job, marks it active with an
// initial heartbeat, and consumes one attempt. Returns (nil, nil) when the
// queue is empty or paused.
func (q *RedisQueue) Claim(ctx context.Context, queue string) (*job.Job, error) {
	k := q.keysFor(queue)

	res, err := claimScript.Run(ctx, q.client,
		[]string{k.waiting, k.active, k.pause}, nowMillis()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim from queue %s: %w", queue, err)
	}

	jobID, ok := res.(string)
	if !ok || jobID == "" {
		return nil, nil
	}

	j, err := q.GetJob(ctx, queue, jobID)
	if err != nil {
		// Orphaned waiting entry; release ownership and surface the error.
		q.client.HDel(ctx, k.active, jobID)
		return nil, fmt.Errorf("claimed job %s has no record: %w", jobID, err)
	}

	now := time.Now().UTC()
	j.Status = job.StatusActive
	j.Attempts++
	j.ProcessedAt = &now
	if err := q.SaveJob(ctx, j); err != nil {
		return nil, err
	}

	q.log.DebugContext(ctx, "claimed job",
		"job_id", j.ID, "queue", queue, "kind", j.Kind, "attempt", j.Attempts)
	return j, nil
}

// Complete finishes an active job successfully. If the job was reclaimed as
// stalled in the meantime, the result is discarded and ErrJobNotActive is
// returned.
func (q *RedisQueue) Complete(ctx context.Context, j *job.Job, result []byte) error {
	k := q.keysFor(j.Queue)

	removed, err := releaseScript.Run(ctx, q.client, []string{k.active}, j.ID).Int()
	if err != nil {
		return fmt.Errorf("failed to release job %s: %w", j.ID, err)
	}
	if removed == 0 {
		q.log.WarnContext(ctx, "discarding result of reclaimed job", "job_id", j.ID, "queue", j.Queue)
		return awerrors.ErrJobNotActive
	}

	now := time.Now().UTC()
	j.Status = job.StatusCompleted
	j.Result = result
	j.Progress = job.Progress{Percent: 100}
	j.FinishedAt = &now

	data, err := j.Marshal()
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, k.job(j.ID), data, 0)
	pipe.ZAdd(ctx, k.completed, redis.Z{Score: float64(now.UnixMilli()), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", j.ID, err)
	}

	q.log.InfoContext(ctx, "job completed", "job_id", j.ID, "queue", j.Queue, "kind", j.Kind)
	return nil
}

// Fail records a failed attempt for an active job. Transient failures with
// attempts remaining are requeued into the delayed set with backoff;
// permanent failures are dead-lettered immediately; exhausted jobs land in
// the failed set. Returns ErrJobNotActive when the job was reclaimed.
func (q *RedisQueue) Fail(ctx context.Context, j *job.Job, failure error) error {
	k := q.keysFor(j.Queue)

	removed, err := releaseScript.Run(ctx, q.client, []string{k.active}, j.ID).Int()
	if err != nil {
		return fmt.Errorf("failed to release job %s: %w", j.ID, err)
	}
	if removed == 0 {
		q.log.WarnContext(ctx, "discarding failure of reclaimed job", "job_id", j.ID, "queue", j.Queue)
		return awerrors.ErrJobNotActive
	}

	errType := awerrors.Classify(failure)
	trace := ""
	var perr *awerrors.PanicError
	if errors.As(failure, &perr) {
		trace = perr.Stacktrace
	}
	j.RecordFailure(failure.Error(), string(errType), trace)

	return q.settleFailure(ctx, k, j, errType)
}

// settleFailure routes a failed job to the delayed set for retry or to its
// terminal set. The caller has already removed the job from the active hash.
func (q *RedisQueue) settleFailure(ctx context.Context, k keys, j *job.Job, errType awerrors.Type) error {
	now := time.Now().UTC()

	if awerrors.Retryable(errType) && j.Attempts < j.Options.MaxAttempts {
		delay := j.Options.Backoff.Delay(j.Attempts)
		due := now.Add(delay)
		j.Status = job.StatusDelayed

		score, err := q.waitingScore(ctx, k, j.Options.Priority)
		if err != nil {
			return err
		}
		data, err := j.Marshal()
		if err != nil {
			return err
		}

		pipe := q.client.TxPipeline()
		pipe.Set(ctx, k.job(j.ID), data, 0)
		pipe.ZAdd(ctx, k.delayed, redis.Z{Score: float64(due.UnixMilli()), Member: j.ID})
		pipe.HSet(ctx, k.scores, j.ID, score)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to schedule retry for job %s: %w", j.ID, err)
		}

		q.log.WarnContext(ctx, "job failed, retry scheduled",
			"job_id", j.ID, "queue", j.Queue, "attempt", j.Attempts,
			"max_attempts", j.Options.MaxAttempts, "retry_in", delay.String(), "error_type", string(errType))
		return nil
	}

	var terminalSet string
	switch errType {
	case awerrors.TypeCancelled:
		j.Status = job.StatusCancelled
		terminalSet = k.cancelled
	case awerrors.TypePermanent:
		j.Status = job.StatusDeadLettered
		terminalSet = k.dead
	default:
		j.Status = job.StatusFailed
		terminalSet = k.failed
	}
	j.FinishedAt = &now

	data, err := j.Marshal()
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, k.job(j.ID), data, 0)
	pipe.ZAdd(ctx, terminalSet, redis.Z{Score: float64(now.UnixMilli()), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to settle job %s: %w", j.ID, err)
	}

	q.log.ErrorContext(ctx, "job reached terminal failure state",
		"job_id", j.ID, "queue", j.Queue, "status", j.Status,
		"attempts", j.Attempts, "error_type", string(errType))
	return nil
}

// Cancel removes a waiting or delayed job, or requests cooperative
// cancellation of an active one. Cancelling a terminal job is an error.
func (q *RedisQueue) Cancel(ctx context.Context, queue, jobID string) error {
	k := q.keysFor(queue)

	where, err := removeWaitingScript.Run(ctx, q.client,
		[]string{k.waiting, k.delayed, k.scores}, jobID).Int()
	if err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}

	if where > 0 {
		j, err := q.GetJob(ctx, queue, jobID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		j.Status = job.StatusCancelled
		j.FinishedAt = &now

		data, err := j.Marshal()
		if err != nil {
			return err
		}
		pipe := q.client.TxPipeline()
		pipe.Set(ctx, k.job(jobID), data, 0)
		pipe.ZAdd(ctx, k.cancelled, redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to record cancellation of job %s: %w", jobID, err)
		}
		q.log.InfoContext(ctx, "cancelled queued job", "job_id", jobID, "queue", queue)
		return nil
	}

	active, err := q.client.HExists(ctx, k.active, jobID).Result()
	if err != nil {
		return fmt.Errorf("failed to check active set: %w", err)
	}
	if active {
		// The marker outlives any plausible attempt so a slow executor
		// still observes it.
		ttl := 2 * job.DefaultTimeout
		if err := q.client.Set(ctx, k.cancel(jobID), "1", ttl).Err(); err != nil {
			return fmt.Errorf("failed to request cancellation of job %s: %w", jobID, err)
		}
		q.log.InfoContext(ctx, "requested cancellation of active job", "job_id", jobID, "queue", queue)
		return nil
	}

	j, err := q.GetJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("cannot cancel job %s: already %s", jobID, j.Status)
}

// CancelRequested reports whether cooperative cancellation was requested
// for an active job.
func (q *RedisQueue) CancelRequested(ctx context.Context, queue, jobID string) (bool, error) {
	k := q.keysFor(queue)
	n, err := q.client.Exists(ctx, k.cancel(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cancel marker: %w", err)
	}
	return n > 0, nil
}

// RetryJob re-enqueues a terminal job with a fresh attempt budget.
func (q *RedisQueue) RetryJob(ctx context.Context, queue, jobID string) error {
	k := q.keysFor(queue)

	j, err := q.GetJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if !j.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", awerrors.ErrJobNotRetryable, jobID, j.Status)
	}

	var terminalSet string
	switch j.Status {
	case job.StatusCompleted:
		return fmt.Errorf("%w: job %s already completed", awerrors.ErrJobNotRetryable, jobID)
	case job.StatusFailed:
		terminalSet = k.failed
	case job.StatusCancelled:
		terminalSet = k.cancelled
	case job.StatusDeadLettered:
		terminalSet = k.dead
	}

	j.Status = job.StatusWaiting
	j.Attempts = 0
	j.Progress = job.Progress{}
	j.Result = nil
	j.LastError = nil
	j.FinishedAt = nil
	j.FailedAt = nil

	score, err := q.waitingScore(ctx, k, j.Options.Priority)
	if err != nil {
		return err
	}
	data, err := j.Marshal()
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, terminalSet, jobID)
	pipe.Set(ctx, k.job(jobID), data, 0)
	pipe.ZAdd(ctx, k.waiting, redis.Z{Score: score, Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to retry job %s: %w", jobID, err)
	}

	q.log.InfoContext(ctx, "manually retried job", "job_id", jobID, "queue", queue)
	return nil
}

// SaveJob persists the job record without touching any state set. Used for
// progress and log updates on active jobs.
func (q *RedisQueue) SaveJob(ctx context.Context, j *job.Job) error {
	data, err := j.Marshal()
	if err != nil {
		return err
	}
	k := q.keysFor(j.Queue)
	if err := q.client.Set(ctx, k.job(j.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save job %s: %w", j.ID, err)
	}
	return nil
}

// Heartbeat refreshes an active job's liveness. Returns ErrJobNotActive
// when the job is no longer owned, which tells the worker to abandon it.
func (q *RedisQueue) Heartbeat(ctx context.Context, queue, jobID string) error {
	k := q.keysFor(queue)
	ok, err := heartbeatScript.Run(ctx, q.client, []string{k.active}, jobID, nowMillis()).Int()
	if err != nil {
		return fmt.Errorf("failed to heartbeat job %s: %w", jobID, err)
	}
	if ok == 0 {
		return awerrors.ErrJobNotActive
	}
	return nil
}

// ReclaimStalled moves active jobs whose heartbeat is older than threshold
// back through the retry path, consuming no extra attempt beyond the one
// already spent. Returns the reclaimed job IDs.
func (q *RedisQueue) ReclaimStalled(ctx context.Context, queue string, threshold time.Duration) ([]string, error) {
	k := q.keysFor(queue)
	cutoff := time.Now().Add(-threshold).UnixMilli()

	res, err := reclaimScript.Run(ctx, q.client, []string{k.active}, cutoff).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to scan for stalled jobs: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	for _, jobID := range res {
		j, err := q.GetJob(ctx, queue, jobID)
		if err != nil {
			q.log.ErrorContext(ctx, "stalled job has no record", "job_id", jobID, "queue", queue, "error", err.Error())
			continue
		}
		j.RecordFailure("heartbeat expired; job reclaimed from worker", "stalled", "")
		if err := q.settleFailure(ctx, k, j, awerrors.TypeTransient); err != nil {
			q.log.ErrorContext(ctx, "failed to requeue stalled job", "job_id", jobID, "queue", queue, "error", err.Error())
		}
	}

	q.log.WarnContext(ctx, "reclaimed stalled jobs", "queue", queue, "count", len(res))
	return res, nil
}

// PromoteDelayed moves up to limit due delayed jobs into the waiting set.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, queue string, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	k := q.keysFor(queue)

	n, err := promoteScript.Run(ctx, q.client,
		[]string{k.delayed, k.waiting, k.scores}, nowMillis(), limit).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	if n > 0 {
		// Promoted records still say delayed; flip them to waiting.
		q.refreshPromoted(ctx, k, queue)
		q.log.DebugContext(ctx, "promoted delayed jobs", "queue", queue, "count", n)
	}
	return n, nil
}

// refreshPromoted rewrites the status of records sitting in the waiting set
// that still carry a delayed status. Promotion itself is atomic; the record
// rewrite is cosmetic and safe to repeat.
func (q *RedisQueue) refreshPromoted(ctx context.Context, k keys, queue string) {
	ids, err := q.client.ZRange(ctx, k.waiting, 0, -1).Result()
	if err != nil {
		return
	}
	for _, id := range ids {
		j, err := q.GetJob(ctx, queue, id)
		if err != nil || j.Status != job.StatusDelayed {
			continue
		}
		j.Status = job.StatusWaiting
		_ = q.SaveJob(ctx, j)
	}
}

// Pause stops Claim from handing out jobs; Enqueue still accepts work.
func (q *RedisQueue) Pause(ctx context.Context, queue string) error {
	k := q.keysFor(queue)
	if err := q.client.Set(ctx, k.pause, "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to pause queue %s: %w", queue, err)
	}
	q.log.InfoContext(ctx, "queue paused", "queue", queue)
	return nil
}

// Resume lifts a pause.
func (q *RedisQueue) Resume(ctx context.Context, queue string) error {
	k := q.keysFor(queue)
	if err := q.client.Del(ctx, k.pause).Err(); err != nil {
		return fmt.Errorf("failed to resume queue %s: %w", queue, err)
	}
	q.log.InfoContext(ctx, "queue resumed", "queue", queue)
	return nil
}

// IsPaused reports the pause flag.
func (q *RedisQueue) IsPaused(ctx context.Context, queue string) (bool, error) {
	k := q.keysFor(queue)
	n, err := q.client.Exists(ctx, k.pause).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check pause flag: %w", err)
	}
	return n > 0, nil
}

// Drain discards all waiting and delayed jobs and their records. Active
// jobs are left to finish.
func (q *RedisQueue) Drain(ctx context.Context, queue string) (int, error) {
	k := q.keysFor(queue)

	waiting, err := q.client.ZRange(ctx, k.waiting, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list waiting jobs: %w", err)
	}
	delayed, err := q.client.ZRange(ctx, k.delayed, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list delayed jobs: %w", err)
	}

	ids := append(waiting, delayed...)
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, k.job(id))
	}
	pipe.Del(ctx, k.waiting, k.delayed, k.scores)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to drain queue %s: %w", queue, err)
	}

	q.log.InfoContext(ctx, "drained queue", "queue", queue, "removed", len(ids))
	return len(ids), nil
}

// Clean removes terminal job records of the given status older than
// olderThan, at most cleanBatchLimit per call.
func (q *RedisQueue) Clean(ctx context.Context, queue string, status job.Status, olderThan time.Duration) (int, error) {
	k := q.keysFor(queue)

	var set string
	switch status {
	case job.StatusCompleted:
		set = k.completed
	case job.StatusFailed:
		set = k.failed
	case job.StatusCancelled:
		set = k.cancelled
	case job.StatusDeadLettered:
		set = k.dead
	default:
		return 0, fmt.Errorf("cannot clean non-terminal status %q", status)
	}

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", cutoff),
		Count: cleanBatchLimit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list cleanable jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, set, id)
		pipe.Del(ctx, k.job(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to clean queue %s: %w", queue, err)
	}

	q.log.InfoContext(ctx, "cleaned terminal jobs", "queue", queue, "status", status, "removed", len(ids))
	return len(ids), nil
}

// GetJob loads a job record by ID.
func (q *RedisQueue) GetJob(ctx context.Context, queue, jobID string) (*job.Job, error) {
	k := q.keysFor(queue)
	data, err := q.client.Get(ctx, k.job(jobID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", awerrors.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return job.Unmarshal(data)
}

// ListJobs returns jobs in the given state, ordered by their set position.
func (q *RedisQueue) ListJobs(ctx context.Context, queue string, status job.Status, offset, count int64) ([]*job.Job, error) {
	k := q.keysFor(queue)
	if count <= 0 {
		count = 50
	}

	var ids []string
	var err error
	switch status {
	case job.StatusWaiting:
		ids, err = q.client.ZRange(ctx, k.waiting, offset, offset+count-1).Result()
	case job.StatusDelayed:
		ids, err = q.client.ZRange(ctx, k.delayed, offset, offset+count-1).Result()
	case job.StatusActive:
		ids, err = q.client.HKeys(ctx, k.active).Result()
		if err == nil {
			if offset >= int64(len(ids)) {
				ids = nil
			} else {
				end := offset + count
				if end > int64(len(ids)) {
					end = int64(len(ids))
				}
				ids = ids[offset:end]
			}
		}
	case job.StatusCompleted:
		ids, err = q.client.ZRevRange(ctx, k.completed, offset, offset+count-1).Result()
	case job.StatusFailed:
		ids, err = q.client.ZRevRange(ctx, k.failed, offset, offset+count-1).Result()
	case job.StatusCancelled:
		ids, err = q.client.ZRevRange(ctx, k.cancelled, offset, offset+count-1).Result()
	case job.StatusDeadLettered:
		ids, err = q.client.ZRevRange(ctx, k.dead, offset, offset+count-1).Result()
	default:
		return nil, fmt.Errorf("unknown job status %q", status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", status, err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := q.GetJob(ctx, queue, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// QueueStats snapshots the queue's depths and pause flag.
func (q *RedisQueue) QueueStats(ctx context.Context, queue string) (*Stats, error) {
	k := q.keysFor(queue)

	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, k.waiting)
	delayed := pipe.ZCard(ctx, k.delayed)
	active := pipe.HLen(ctx, k.active)
	completed := pipe.ZCard(ctx, k.completed)
	failed := pipe.ZCard(ctx, k.failed)
	cancelled := pipe.ZCard(ctx, k.cancelled)
	dead := pipe.ZCard(ctx, k.dead)
	paused := pipe.Exists(ctx, k.pause)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to collect stats for queue %s: %w", queue, err)
	}

	return &Stats{
		Queue:     queue,
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Cancelled: cancelled.Val(),
		Dead:      dead.Val(),
		Paused:    paused.Val() > 0,
	}, nil
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}
	return nil
}

var _ Queue = (*RedisQueue)(nil)

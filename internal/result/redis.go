package result

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/autoweave/autoweave/internal/job"
)

// RedisBackend keeps results in per-job hashes with status-dependent TTLs
// and announces arrivals over pub/sub so waiters do not poll. The Redis
// client is shared with the rest of the process and not owned here.
type RedisBackend struct {
	client     *redis.Client
	keyPrefix  string
	successTTL time.Duration
	failureTTL time.Duration
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend creates a result backend over an existing client.
func NewRedisBackend(client *redis.Client, namespace string, successTTL, failureTTL time.Duration) *RedisBackend {
	if namespace == "" {
		namespace = "aw"
	}
	return &RedisBackend{
		client:     client,
		keyPrefix:  namespace + ":result:",
		successTTL: successTTL,
		failureTTL: failureTTL,
	}
}

func (r *RedisBackend) key(jobID string) string {
	return r.keyPrefix + jobID
}

func (r *RedisBackend) notifyChannel(jobID string) string {
	return r.keyPrefix + "notify:" + jobID
}

// Store persists the result and wakes any waiters.
func (r *RedisBackend) Store(ctx context.Context, res *job.Result) error {
	if res.JobID == "" {
		return fmt.Errorf("result has no job ID")
	}

	fields := map[string]interface{}{
		"success":      strconv.FormatBool(res.Success),
		"completed_at": strconv.FormatInt(res.CompletedAt.UnixMilli(), 10),
		"duration_ms":  res.Duration.Milliseconds(),
	}
	if res.Success && len(res.Data) > 0 {
		fields["data"] = string(res.Data)
	}
	if !res.Success && res.Error != "" {
		fields["error"] = res.Error
	}

	ttl := r.successTTL
	if !res.Success {
		ttl = r.failureTTL
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, r.key(res.JobID), fields)
	pipe.Expire(ctx, r.key(res.JobID), ttl)
	pipe.Publish(ctx, r.notifyChannel(res.JobID), "ready")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

// Get retrieves a stored result, or nil if none exists.
func (r *RedisBackend) Get(ctx context.Context, jobID string) (*job.Result, error) {
	fields, err := r.client.HGetAll(ctx, r.key(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	res := &job.Result{JobID: jobID}
	res.Success, _ = strconv.ParseBool(fields["success"])
	if raw := fields["completed_at"]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			res.CompletedAt = time.UnixMilli(ms)
		}
	}
	if raw := fields["duration_ms"]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			res.Duration = time.Duration(ms) * time.Millisecond
		}
	}
	if data, ok := fields["data"]; ok {
		res.Data = json.RawMessage(data)
	}
	res.Error = fields["error"]
	return res, nil
}

// Wait blocks until the result lands or the timeout elapses. Arrival is
// signalled over pub/sub; a final read covers the race where the result was
// stored between the existence check and the subscription.
func (r *RedisBackend) Wait(ctx context.Context, jobID string, timeout time.Duration) (*job.Result, error) {
	res, err := r.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pubsub := r.client.Subscribe(waitCtx, r.notifyChannel(jobID))
	defer pubsub.Close()

	// The result may have been stored before the subscription took effect.
	res, err = r.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}

	select {
	case <-waitCtx.Done():
		return r.Get(ctx, jobID)
	case msg := <-pubsub.Channel():
		if msg != nil {
			return r.Get(ctx, jobID)
		}
	}
	return nil, nil
}

// Delete removes a stored result.
func (r *RedisBackend) Delete(ctx context.Context, jobID string) error {
	if err := r.client.Del(ctx, r.key(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to delete result: %w", err)
	}
	return nil
}

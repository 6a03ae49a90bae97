package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Release and extend must only act on a lock this instance still owns, so
// both check the stored token before touching the key.
var (
	releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	extendLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// FiringLock is a Redis-based lock held around one entry firing so that
// concurrent scheduler instances do not stamp out duplicate jobs. The lock
// is best-effort across processes; the in-process gate is what guarantees
// the single-process concurrency cap.
type FiringLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// AcquireFiringLock attempts to take the lock. It returns nil (and no error)
// when another instance already holds it.
func AcquireFiringLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*FiringLock, error) {
	token := uuid.New().String()

	acquired, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire firing lock: %w", err)
	}
	if !acquired {
		return nil, nil
	}

	return &FiringLock{client: client, key: key, token: token, ttl: ttl}, nil
}

// Release deletes the lock if this instance still owns it.
func (l *FiringLock) Release(ctx context.Context) error {
	_, err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.token).Result()
	return err
}

// Extend pushes the lock expiry out for a long-running firing. It fails if
// the lock has expired and been taken by another instance.
func (l *FiringLock) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := extendLockScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("firing lock no longer owned by this instance")
	}
	l.ttl = ttl
	return nil
}

// Key returns the Redis key for this lock.
func (l *FiringLock) Key() string {
	return l.key
}

// Token returns the fencing token stored under the key.
func (l *FiringLock) Token() string {
	return l.token
}

// TTL returns the lock time-to-live.
func (l *FiringLock) TTL() time.Duration {
	return l.ttl
}

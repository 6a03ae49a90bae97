package scheduler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/autoweave/autoweave/internal/config"
	awerrors "github.com/autoweave/autoweave/internal/errors"
	"github.com/autoweave/autoweave/internal/job"
	"github.com/autoweave/autoweave/internal/logger"
	"github.com/autoweave/autoweave/internal/queue"
)

func newSchedBackend(t *testing.T) (*queue.RedisQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.NewRedisQueueWithClient(client, "aw", &logger.NoOp{}), client
}

func testSchedConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Enabled:           true,
		Interval:          10 * time.Millisecond,
		MaxConcurrentJobs: 4,
		RetryDelay:        20 * time.Millisecond,
	}
}

func newTestScheduler(q JobQueue, client *redis.Client, cfg config.SchedulerConfig) *CronScheduler {
	return NewCronScheduler(cfg, NewRegistry(), q, client, "aw", &logger.NoOp{})
}

// seedDue backdates an entry's next-run time so the tick loop fires it.
func seedDue(t *testing.T, client *redis.Client, entryID string) {
	t.Helper()
	past := strconv.FormatInt(time.Now().Add(-time.Second).UnixMilli(), 10)
	if err := client.HSet(context.Background(), "aw:sched:state:"+entryID, "next_run", past).Err(); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestScheduler_ScheduleAndRunNow(t *testing.T) {
	q, client := newSchedBackend(t)
	s := newTestScheduler(q, client, testSchedConfig())
	ctx := context.Background()

	if err := s.Schedule(ctx, validEntry("health-check")); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	exists, err := client.HExists(ctx, "aw:sched:entries", "health-check").Result()
	if err != nil || !exists {
		t.Fatalf("entry not persisted: exists=%v err=%v", exists, err)
	}

	jobID, err := s.RunNow(ctx, "health-check")
	if err != nil {
		t.Fatalf("run now failed: %v", err)
	}

	j, err := q.GetJob(ctx, "system-maintenance", jobID)
	if err != nil {
		t.Fatalf("fired job not found: %v", err)
	}
	if j.Metadata.Source != job.SourceScheduled {
		t.Errorf("source = %s, want scheduled", j.Metadata.Source)
	}
	if !strings.HasPrefix(j.Metadata.CorrelationID, "health-check-") {
		t.Errorf("correlation id = %q", j.Metadata.CorrelationID)
	}

	state, err := s.State(ctx, "health-check")
	if err != nil {
		t.Fatal(err)
	}
	if state.RunCount != 1 {
		t.Errorf("run count = %d", state.RunCount)
	}
	if state.LastSuccess.IsZero() {
		t.Error("last success not recorded")
	}
}

func TestScheduler_RunNowUnknownEntry(t *testing.T) {
	q, client := newSchedBackend(t)
	s := newTestScheduler(q, client, testSchedConfig())

	if _, err := s.RunNow(context.Background(), "no-such-entry"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("err = %v, want ErrEntryNotFound", err)
	}
}

func TestScheduler_ConcurrencyCapGatesRunNow(t *testing.T) {
	q, client := newSchedBackend(t)
	cfg := testSchedConfig()
	cfg.MaxConcurrentJobs = 1
	s := newTestScheduler(q, client, cfg)
	ctx := context.Background()

	if err := s.Schedule(ctx, validEntry("health-check")); err != nil {
		t.Fatal(err)
	}

	jobID, err := s.RunNow(ctx, "health-check")
	if err != nil {
		t.Fatalf("first firing failed: %v", err)
	}

	// The first job is still unsettled, so a second firing is refused.
	if _, err := s.RunNow(ctx, "health-check"); !errors.Is(err, ErrConcurrencyLimited) {
		t.Fatalf("err = %v, want ErrConcurrencyLimited", err)
	}

	// Settling the job frees the slot.
	claimed, err := q.Claim(ctx, "system-maintenance")
	if err != nil || claimed == nil || claimed.ID != jobID {
		t.Fatalf("claim failed: job=%v err=%v", claimed, err)
	}
	if err := q.Complete(ctx, claimed, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RunNow(ctx, "health-check"); err != nil {
		t.Errorf("firing after settle failed: %v", err)
	}
}

func TestScheduler_TickFiresDueEntry(t *testing.T) {
	q, client := newSchedBackend(t)
	s := newTestScheduler(q, client, testSchedConfig())
	ctx := context.Background()

	if err := s.Schedule(ctx, validEntry("health-check")); err != nil {
		t.Fatal(err)
	}
	seedDue(t, client, "health-check")

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	waitFor(t, "due entry to fire", func() bool {
		stats, err := q.QueueStats(ctx, "system-maintenance")
		return err == nil && stats.Waiting == 1
	})

	state, err := s.State(ctx, "health-check")
	if err != nil {
		t.Fatal(err)
	}
	if state.RunCount != 1 {
		t.Errorf("run count = %d", state.RunCount)
	}
	if !state.NextRun.After(time.Now()) {
		t.Errorf("next run = %v, want future", state.NextRun)
	}
}

func TestScheduler_FirstSightingArmsWithoutFiring(t *testing.T) {
	q, client := newSchedBackend(t)
	s := newTestScheduler(q, client, testSchedConfig())
	ctx := context.Background()

	if err := s.Schedule(ctx, validEntry("health-check")); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, "entry to be armed", func() bool {
		state, err := s.State(ctx, "health-check")
		return err == nil && !state.NextRun.IsZero()
	})

	stats, err := q.QueueStats(ctx, "system-maintenance")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 0 {
		t.Errorf("waiting = %d, arming must not fire", stats.Waiting)
	}
}

func TestScheduler_DisabledEntryNeverFires(t *testing.T) {
	q, client := newSchedBackend(t)
	s := newTestScheduler(q, client, testSchedConfig())
	ctx := context.Background()

	e := validEntry("paused-report")
	e.Enabled = false
	if err := s.Schedule(ctx, e); err != nil {
		t.Fatal(err)
	}
	seedDue(t, client, "paused-report")

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	s.Stop()

	stats, err := q.QueueStats(ctx, "system-maintenance")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 0 {
		t.Errorf("waiting = %d, disabled entry fired", stats.Waiting)
	}
}

func TestScheduler_SkipsWhenSaturated(t *testing.T) {
	q, client := newSchedBackend(t)
	cfg := testSchedConfig()
	cfg.MaxConcurrentJobs = 1
	s := newTestScheduler(q, client, cfg)
	ctx := context.Background()

	if err := s.Schedule(ctx, validEntry("health-check")); err != nil {
		t.Fatal(err)
	}
	// Occupy the only slot, then make the entry due.
	if _, err := s.RunNow(ctx, "health-check"); err != nil {
		t.Fatal(err)
	}
	seedDue(t, client, "health-check")

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, "over-limit firing to be skipped", func() bool {
		state, err := s.State(ctx, "health-check")
		return err == nil && state.SkippedCount >= 1
	})

	// Skipped means skipped: the occurrence was not queued for later.
	stats, err := q.QueueStats(ctx, "system-maintenance")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 1 {
		t.Errorf("waiting = %d, want only the original job", stats.Waiting)
	}
	state, _ := s.State(ctx, "health-check")
	if !state.NextRun.After(time.Now()) {
		t.Error("skip must advance the timetable")
	}
}

func TestScheduler_Unschedule(t *testing.T) {
	q, client := newSchedBackend(t)
	s := newTestScheduler(q, client, testSchedConfig())
	ctx := context.Background()

	if err := s.Schedule(ctx, validEntry("short-lived")); err != nil {
		t.Fatal(err)
	}
	if err := s.Unschedule(ctx, "short-lived"); err != nil {
		t.Fatalf("unschedule failed: %v", err)
	}

	exists, err := client.HExists(ctx, "aw:sched:entries", "short-lived").Result()
	if err != nil || exists {
		t.Errorf("entry still persisted: exists=%v err=%v", exists, err)
	}
	if err := s.Unschedule(ctx, "short-lived"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("err = %v, want ErrEntryNotFound", err)
	}
}

func TestScheduler_RebuildsEntriesFromRedis(t *testing.T) {
	q, client := newSchedBackend(t)
	ctx := context.Background()

	first := newTestScheduler(q, client, testSchedConfig())
	if err := first.Schedule(ctx, validEntry("durable-entry")); err != nil {
		t.Fatal(err)
	}

	// A fresh process starts with an empty registry and rebuilds it from
	// the durable hash.
	second := newTestScheduler(q, client, testSchedConfig())
	if err := second.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer second.Stop()

	if _, ok := second.registry.Get("durable-entry"); !ok {
		t.Error("persisted entry was not rebuilt on start")
	}
}

// flakyQueue fails a configured number of enqueues before accepting.
type flakyQueue struct {
	mu       sync.Mutex
	failures int
	jobs     map[string]*job.Job
}

func (f *flakyQueue) Enqueue(ctx context.Context, j *job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("redis connection refused")
	}
	if f.jobs == nil {
		f.jobs = make(map[string]*job.Job)
	}
	f.jobs[j.ID] = j
	return nil
}

func (f *flakyQueue) GetJob(ctx context.Context, queueName, jobID string) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, awerrors.ErrJobNotFound
	}
	return j, nil
}

func (f *flakyQueue) accepted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func TestScheduler_RunNowWhileLockHeld(t *testing.T) {
	q, client := newSchedBackend(t)
	s := newTestScheduler(q, client, testSchedConfig())
	ctx := context.Background()

	if err := s.Schedule(ctx, validEntry("health-check")); err != nil {
		t.Fatal(err)
	}

	// Another instance is mid-firing on this entry.
	lock, err := AcquireFiringLock(ctx, client, "aw:sched:lock:health-check", time.Minute)
	if err != nil || lock == nil {
		t.Fatalf("lock setup failed: lock=%v err=%v", lock, err)
	}
	defer lock.Release(ctx)

	if _, err := s.RunNow(ctx, "health-check"); !errors.Is(err, ErrFiringInProgress) {
		t.Errorf("err = %v, want ErrFiringInProgress", err)
	}

	stats, err := q.QueueStats(ctx, "system-maintenance")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 0 {
		t.Errorf("waiting = %d, contested firing must not enqueue", stats.Waiting)
	}

	// Releasing the lock frees the entry again.
	if err := lock.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RunNow(ctx, "health-check"); err != nil {
		t.Errorf("firing after release failed: %v", err)
	}
}

func TestScheduler_RetriesFailedEnqueue(t *testing.T) {
	_, client := newSchedBackend(t)
	fq := &flakyQueue{failures: 1}

	cfg := testSchedConfig()
	cfg.RetryFailedEnqueues = true
	s := newTestScheduler(fq, client, cfg)
	ctx := context.Background()

	if err := s.Schedule(ctx, validEntry("flaky-target")); err != nil {
		t.Fatal(err)
	}
	seedDue(t, client, "flaky-target")

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, "retried enqueue to land", func() bool {
		return fq.accepted() == 1
	})

	state, err := s.State(ctx, "flaky-target")
	if err != nil {
		t.Fatal(err)
	}
	if state.FailureCount != 1 {
		t.Errorf("failure count = %d", state.FailureCount)
	}
	if state.RunCount < 1 {
		t.Errorf("run count = %d", state.RunCount)
	}
	if state.LastError != "" {
		t.Errorf("last error = %q, success must clear it", state.LastError)
	}
}

func TestScheduler_EnqueueRetryBudgetExhausts(t *testing.T) {
	_, client := newSchedBackend(t)
	fq := &flakyQueue{failures: 100}

	cfg := testSchedConfig()
	cfg.RetryFailedEnqueues = true
	s := newTestScheduler(fq, client, cfg)
	ctx := context.Background()

	if err := s.Schedule(ctx, validEntry("dead-target")); err != nil {
		t.Fatal(err)
	}
	// The entry has already burned its enqueue-retry budget.
	if err := client.HSet(ctx, "aw:sched:state:dead-target", "failure_count", "10").Err(); err != nil {
		t.Fatal(err)
	}
	seedDue(t, client, "dead-target")

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, "due firing to fail", func() bool {
		state, err := s.State(ctx, "dead-target")
		return err == nil && state.FailureCount >= 11
	})

	// Past the retry delay no further retry may have fired.
	time.Sleep(3 * cfg.RetryDelay)
	state, err := s.State(ctx, "dead-target")
	if err != nil {
		t.Fatal(err)
	}
	if state.FailureCount != 11 {
		t.Errorf("failure count = %d, want 11 with retries stopped", state.FailureCount)
	}
	if fq.accepted() != 0 {
		t.Errorf("accepted = %d, nothing should land", fq.accepted())
	}
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/autoweave/autoweave/internal/config"
	awerrors "github.com/autoweave/autoweave/internal/errors"
	"github.com/autoweave/autoweave/internal/job"
	"github.com/autoweave/autoweave/internal/logger"
)

var (
	// ErrConcurrencyLimited reports a firing skipped by the in-flight cap.
	ErrConcurrencyLimited = errors.New("scheduler concurrency limit reached")
	// ErrEntryNotFound reports an unknown schedule entry ID.
	ErrEntryNotFound = errors.New("schedule entry not found")
	// ErrFiringInProgress reports that another instance holds the firing lock
	// for the entry.
	ErrFiringInProgress = errors.New("entry firing already in progress")
)

// maxEnqueueRetries caps how many accumulated enqueue failures an entry may
// have before delayed retries stop being armed for it.
const maxEnqueueRetries = 3

// JobQueue is the slice of the queue surface the scheduler needs: submit a
// stamped job and check whether an earlier one has settled.
type JobQueue interface {
	Enqueue(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, queue, jobID string) (*job.Job, error)
}

// CronScheduler fires due entries on a fixed tick. Entry definitions and
// per-entry state are durable in Redis; the in-process cache is rebuilt from
// Redis on Start. A scheduler-wide cap bounds how many scheduled jobs may be
// unsettled at once; over-limit firings are skipped and logged, never queued.
type CronScheduler struct {
	cfg      config.SchedulerConfig
	registry *Registry
	queue    JobQueue
	client   *redis.Client
	log      logger.Logger

	entriesKey  string
	inflightKey string
	keyPrefix   string

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewCronScheduler creates a scheduler over the given registry and queue.
func NewCronScheduler(cfg config.SchedulerConfig, registry *Registry, q JobQueue, client *redis.Client, namespace string, log logger.Logger) *CronScheduler {
	if log == nil {
		log = &logger.NoOp{}
	}
	if namespace == "" {
		namespace = "aw"
	}
	prefix := namespace + ":sched:"
	return &CronScheduler{
		cfg:         cfg,
		registry:    registry,
		queue:       q,
		client:      client,
		log:         log.WithComponent(logger.ComponentScheduler),
		entriesKey:  prefix + "entries",
		inflightKey: prefix + "inflight",
		keyPrefix:   prefix,
	}
}

// Schedule validates, registers, and durably persists an entry.
func (s *CronScheduler) Schedule(ctx context.Context, entry *Entry) error {
	if err := s.registry.Register(entry); err != nil {
		return err
	}
	data, err := entry.Marshal()
	if err != nil {
		s.registry.Unregister(entry.ID)
		return fmt.Errorf("failed to serialize schedule entry: %w", err)
	}
	if err := s.client.HSet(ctx, s.entriesKey, entry.ID, data).Err(); err != nil {
		s.registry.Unregister(entry.ID)
		return fmt.Errorf("failed to persist schedule entry: %w", err)
	}
	s.log.InfoContext(ctx, "schedule entry registered",
		"entry_id", entry.ID, "cron", entry.Cron, "queue", entry.Queue, "kind", string(entry.Kind))
	return nil
}

// Unschedule removes an entry and its state. History counters are discarded
// with it.
func (s *CronScheduler) Unschedule(ctx context.Context, id string) error {
	if _, ok := s.registry.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	s.registry.Unregister(id)
	if err := s.client.HDel(ctx, s.entriesKey, id).Err(); err != nil {
		return fmt.Errorf("failed to remove schedule entry: %w", err)
	}
	if err := s.client.Del(ctx, s.stateKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove schedule state: %w", err)
	}
	s.log.InfoContext(ctx, "schedule entry removed", "entry_id", id)
	return nil
}

// Start rebuilds the entry cache from Redis and begins the tick loop.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	if err := s.loadEntries(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	awerrors.Go(func() {
		defer s.wg.Done()
		s.run(ctx)
	}, func(perr *awerrors.PanicError) {
		s.log.Error("scheduler loop crashed", "panic", awerrors.FormatPanicForLog(perr))
	})

	s.log.Info("scheduler started",
		"entries", s.registry.Count(), "interval", s.cfg.Interval.String(),
		"max_concurrent", s.cfg.MaxConcurrentJobs)
	return nil
}

// Stop halts the tick loop and waits for in-progress firings and pending
// enqueue retries to finish.
func (s *CronScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// RunNow fires an entry immediately, bypassing its cron timetable. The
// concurrency cap still applies, and ErrFiringInProgress is returned when
// another instance is mid-firing on the entry.
func (s *CronScheduler) RunNow(ctx context.Context, id string) (string, error) {
	entry, ok := s.registry.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	jobID, err := s.fire(ctx, entry, true)
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// State returns the persisted execution history for an entry.
func (s *CronScheduler) State(ctx context.Context, id string) (*EntryState, error) {
	if _, ok := s.registry.Get(id); !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return s.loadState(ctx, id)
}

// loadEntries rebuilds the in-process cache from the durable entries hash.
// Entries registered before Start that are not yet in Redis are persisted.
func (s *CronScheduler) loadEntries(ctx context.Context) error {
	stored, err := s.client.HGetAll(ctx, s.entriesKey).Result()
	if err != nil {
		return fmt.Errorf("failed to load schedule entries: %w", err)
	}

	for id, raw := range stored {
		if _, ok := s.registry.Get(id); ok {
			continue
		}
		entry, err := UnmarshalEntry([]byte(raw))
		if err != nil {
			s.log.Warn("skipping corrupt schedule entry", "entry_id", id, "error", err.Error())
			continue
		}
		if err := s.registry.Register(entry); err != nil {
			s.log.Warn("skipping invalid persisted schedule entry", "entry_id", id, "error", err.Error())
		}
	}

	for _, entry := range s.registry.List() {
		if _, ok := stored[entry.ID]; ok {
			continue
		}
		data, err := entry.Marshal()
		if err != nil {
			return fmt.Errorf("failed to serialize schedule entry %s: %w", entry.ID, err)
		}
		if err := s.client.HSet(ctx, s.entriesKey, entry.ID, data).Err(); err != nil {
			return fmt.Errorf("failed to persist schedule entry %s: %w", entry.ID, err)
		}
	}
	return nil
}

func (s *CronScheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled entry whose next-run time has arrived.
func (s *CronScheduler) tick(ctx context.Context) {
	now := time.Now()
	for _, entry := range s.registry.List() {
		if !entry.Enabled {
			continue
		}

		state, err := s.loadState(ctx, entry.ID)
		if err != nil {
			s.log.Warn("failed to load schedule state", "entry_id", entry.ID, "error", err.Error())
			continue
		}

		// First sighting arms the entry without firing it.
		if state.NextRun.IsZero() {
			next, err := s.registry.NextRun(entry, now)
			if err != nil {
				s.log.Warn("failed to compute next run", "entry_id", entry.ID, "error", err.Error())
				continue
			}
			s.saveNextRun(ctx, entry.ID, next)
			continue
		}

		if now.Before(state.NextRun) {
			continue
		}

		if _, err := s.fire(ctx, entry, false); err != nil {
			switch {
			case errors.Is(err, ErrConcurrencyLimited):
				// Skip this occurrence entirely; it is not queued for later.
				s.recordSkip(ctx, entry, now)
			case errors.Is(err, ErrFiringInProgress):
				// Another instance owns this occurrence.
			default:
				s.log.Warn("schedule firing failed", "entry_id", entry.ID, "error", err.Error())
			}
		}
	}
}

// fire stamps a job from the entry template and submits it. The manual flag
// marks RunNow firings, which leave the cron timetable untouched.
func (s *CronScheduler) fire(ctx context.Context, entry *Entry, manual bool) (string, error) {
	running, err := s.runningCount(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to count in-flight scheduled jobs: %w", err)
	}
	if running >= s.cfg.MaxConcurrentJobs {
		return "", fmt.Errorf("%w: %d in flight", ErrConcurrencyLimited, running)
	}

	// Best-effort cross-process guard; another instance holding the lock is
	// already firing this occurrence.
	lock, err := AcquireFiringLock(ctx, s.client, s.lockKey(entry.ID), s.lockTTL())
	if err != nil {
		return "", err
	}
	if lock == nil {
		s.log.Debug("firing lock held by another instance", "entry_id", entry.ID)
		return "", fmt.Errorf("%w: %s", ErrFiringInProgress, entry.ID)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			s.log.Warn("failed to release firing lock", "entry_id", entry.ID, "error", err.Error())
		}
	}()

	now := time.Now()
	jobID, err := s.enqueue(ctx, entry, now)
	if err != nil {
		s.recordFailure(ctx, entry, now, err)
		if s.cfg.RetryFailedEnqueues && !manual {
			s.maybeRetryLater(ctx, entry)
		}
		return "", err
	}

	s.recordSuccess(ctx, entry, now, manual)
	s.log.InfoContext(ctx, "schedule entry fired",
		"entry_id", entry.ID, "job_id", jobID, "queue", entry.Queue, "manual", manual)
	return jobID, nil
}

// enqueue builds the job from the template and submits it.
func (s *CronScheduler) enqueue(ctx context.Context, entry *Entry, now time.Time) (string, error) {
	meta := job.Metadata{
		Source:        job.SourceScheduled,
		CorrelationID: fmt.Sprintf("%s-%d", entry.ID, now.UnixMilli()),
	}
	j, err := job.New(entry.Kind, entry.Payload, meta, entry.Options)
	if err != nil {
		return "", fmt.Errorf("failed to build scheduled job: %w", err)
	}
	j.Queue = entry.Queue

	if err := s.queue.Enqueue(ctx, j); err != nil {
		return "", fmt.Errorf("failed to enqueue scheduled job: %w", err)
	}

	if err := s.client.SAdd(ctx, s.inflightKey, inflightMember(entry.Queue, j.ID)).Err(); err != nil {
		s.log.Warn("failed to track in-flight scheduled job", "job_id", j.ID, "error", err.Error())
	}
	return j.ID, nil
}

// maybeRetryLater arms a delayed enqueue retry unless the entry has already
// burned its retry budget.
func (s *CronScheduler) maybeRetryLater(ctx context.Context, entry *Entry) {
	state, err := s.loadState(ctx, entry.ID)
	if err != nil {
		s.log.Warn("failed to load schedule state", "entry_id", entry.ID, "error", err.Error())
		return
	}
	if state.FailureCount > maxEnqueueRetries {
		s.log.Warn("enqueue retry budget exhausted",
			"entry_id", entry.ID, "failure_count", state.FailureCount)
		return
	}
	s.retryLater(ctx, entry)
}

// retryLater arms a single delayed retry of a failed enqueue. The retry goes
// back through fire, so the concurrency cap applies to it as well.
func (s *CronScheduler) retryLater(ctx context.Context, entry *Entry) {
	s.wg.Add(1)
	awerrors.Go(func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.cfg.RetryDelay)
		defer timer.Stop()
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if _, err := s.fire(ctx, entry, true); err != nil {
			s.log.Warn("schedule retry failed", "entry_id", entry.ID, "error", err.Error())
		}
	}, func(perr *awerrors.PanicError) {
		s.log.Error("schedule retry crashed", "entry_id", entry.ID, "panic", awerrors.FormatPanicForLog(perr))
	})
}

// runningCount prunes settled jobs from the in-flight set and returns how
// many scheduled jobs are still unsettled.
func (s *CronScheduler) runningCount(ctx context.Context) (int, error) {
	members, err := s.client.SMembers(ctx, s.inflightKey).Result()
	if err != nil {
		return 0, err
	}

	running := 0
	for _, member := range members {
		queueName, jobID, ok := splitInflightMember(member)
		if !ok {
			s.client.SRem(ctx, s.inflightKey, member)
			continue
		}
		j, err := s.queue.GetJob(ctx, queueName, jobID)
		if err != nil {
			if errors.Is(err, awerrors.ErrJobNotFound) {
				s.client.SRem(ctx, s.inflightKey, member)
				continue
			}
			return 0, err
		}
		if j.Status.Terminal() {
			s.client.SRem(ctx, s.inflightKey, member)
			continue
		}
		running++
	}
	return running, nil
}

func inflightMember(queueName, jobID string) string {
	return queueName + "/" + jobID
}

func splitInflightMember(member string) (queueName, jobID string, ok bool) {
	idx := strings.IndexByte(member, '/')
	if idx <= 0 || idx == len(member)-1 {
		return "", "", false
	}
	return member[:idx], member[idx+1:], true
}

// State persistence. Each entry's history lives in a small Redis hash so
// that restarts and sibling instances share it.

func (s *CronScheduler) stateKey(id string) string {
	return s.keyPrefix + "state:" + id
}

func (s *CronScheduler) lockKey(id string) string {
	return s.keyPrefix + "lock:" + id
}

// lockTTL covers one firing generously without pinning the entry for long
// after a crashed instance.
func (s *CronScheduler) lockTTL() time.Duration {
	ttl := 2 * s.cfg.Interval
	if ttl < 2*time.Second {
		ttl = 2 * time.Second
	}
	return ttl
}

func (s *CronScheduler) loadState(ctx context.Context, id string) (*EntryState, error) {
	fields, err := s.client.HGetAll(ctx, s.stateKey(id)).Result()
	if err != nil {
		return nil, err
	}

	state := &EntryState{ID: id}
	state.LastRun = parseStateTime(fields["last_run"])
	state.NextRun = parseStateTime(fields["next_run"])
	state.LastSuccess = parseStateTime(fields["last_success"])
	state.RunCount = parseStateCount(fields["run_count"])
	state.FailureCount = parseStateCount(fields["failure_count"])
	state.SkippedCount = parseStateCount(fields["skipped_count"])
	state.LastError = fields["last_error"]
	return state, nil
}

func (s *CronScheduler) recordSuccess(ctx context.Context, entry *Entry, now time.Time, manual bool) {
	key := s.stateKey(entry.ID)
	fields := map[string]interface{}{
		"last_run":     formatStateTime(now),
		"last_success": formatStateTime(now),
		"last_error":   "",
	}
	if !manual {
		next, err := s.registry.NextRun(entry, now)
		if err == nil {
			fields["next_run"] = formatStateTime(next)
		}
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		s.log.Warn("failed to persist schedule state", "entry_id", entry.ID, "error", err.Error())
		return
	}
	s.client.HIncrBy(ctx, key, "run_count", 1)
}

func (s *CronScheduler) recordFailure(ctx context.Context, entry *Entry, now time.Time, cause error) {
	key := s.stateKey(entry.ID)
	fields := map[string]interface{}{
		"last_run":   formatStateTime(now),
		"last_error": cause.Error(),
	}
	if next, err := s.registry.NextRun(entry, now); err == nil {
		fields["next_run"] = formatStateTime(next)
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		s.log.Warn("failed to persist schedule state", "entry_id", entry.ID, "error", err.Error())
		return
	}
	s.client.HIncrBy(ctx, key, "failure_count", 1)
}

// recordSkip advances the timetable past a skipped occurrence.
func (s *CronScheduler) recordSkip(ctx context.Context, entry *Entry, now time.Time) {
	key := s.stateKey(entry.ID)
	fields := map[string]interface{}{}
	if next, err := s.registry.NextRun(entry, now); err == nil {
		fields["next_run"] = formatStateTime(next)
	}
	if len(fields) > 0 {
		if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
			s.log.Warn("failed to persist schedule state", "entry_id", entry.ID, "error", err.Error())
			return
		}
	}
	s.client.HIncrBy(ctx, key, "skipped_count", 1)
	s.log.Warn("schedule firing skipped, concurrency limit reached",
		"entry_id", entry.ID, "max_concurrent", s.cfg.MaxConcurrentJobs)
}

func (s *CronScheduler) saveNextRun(ctx context.Context, id string, next time.Time) {
	if err := s.client.HSet(ctx, s.stateKey(id), "next_run", formatStateTime(next)).Err(); err != nil {
		s.log.Warn("failed to persist schedule state", "entry_id", id, "error", err.Error())
	}
}

func formatStateTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseStateTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func parseStateCount(raw string) int64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

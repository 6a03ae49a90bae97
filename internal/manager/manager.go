// Package manager composes the queue core: it owns the Redis connection and
// queue registry, wires the worker pool, scheduler, stream bridge, metrics,
// and health checks, and coordinates graceful shutdown.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/autoweave/autoweave/internal/bridge"
	"github.com/autoweave/autoweave/internal/config"
	awerrors "github.com/autoweave/autoweave/internal/errors"
	"github.com/autoweave/autoweave/internal/events"
	"github.com/autoweave/autoweave/internal/job"
	"github.com/autoweave/autoweave/internal/logger"
	"github.com/autoweave/autoweave/internal/metrics"
	"github.com/autoweave/autoweave/internal/queue"
	"github.com/autoweave/autoweave/internal/result"
	"github.com/autoweave/autoweave/internal/scheduler"
	"github.com/autoweave/autoweave/internal/worker"
)

// Manager is the process-wide entry point. It is constructed explicitly and
// threaded through callers; there is no hidden default instance.
type Manager struct {
	cfg      *config.Config
	backend  *queue.RedisQueue
	registry *worker.Registry
	bus      *events.Bus
	log      logger.Logger

	executor  *worker.Executor
	pool      *worker.Pool
	scheduler *scheduler.CronScheduler
	bridge    *bridge.Bridge
	collector *metrics.Collector
	health    *metrics.HealthChecker
	results   result.Backend

	mu           sync.Mutex
	queues       map[string]struct{}
	ready        bool
	shuttingDown bool

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	shutdownErr  error

	resultSub *events.Subscription
	resultWG  sync.WaitGroup
}

// New connects to Redis and builds an uninitialized manager.
func New(cfg *config.Config, registry *worker.Registry, log logger.Logger) (*Manager, error) {
	if log == nil {
		log = &logger.NoOp{}
	}
	backend, err := queue.NewRedisQueue(cfg.RedisURL, cfg.Namespace, cfg.RedisPoolSize, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect queue backend: %w", err)
	}
	return newManager(cfg, registry, backend, log), nil
}

// NewWithClient builds a manager over an existing Redis client. Used by
// tests and by embedders that manage the connection themselves.
func NewWithClient(cfg *config.Config, registry *worker.Registry, client *redis.Client, log logger.Logger) *Manager {
	if log == nil {
		log = &logger.NoOp{}
	}
	backend := queue.NewRedisQueueWithClient(client, cfg.Namespace, log)
	return newManager(cfg, registry, backend, log)
}

func newManager(cfg *config.Config, registry *worker.Registry, backend *queue.RedisQueue, log logger.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		backend:      backend,
		registry:     registry,
		bus:          events.New(),
		log:          log.WithComponent(logger.ComponentManager),
		queues:       make(map[string]struct{}),
		shutdownDone: make(chan struct{}),
	}
}

// Bus exposes the event bus for observers.
func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// Scheduler returns the cron scheduler, or nil when disabled.
func (m *Manager) Scheduler() *scheduler.CronScheduler {
	return m.scheduler
}

// Initialize creates the configured queues and starts every enabled
// subsystem. It must be called once before submissions.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.backend.Ping(ctx); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	m.mu.Lock()
	if m.ready {
		m.mu.Unlock()
		return fmt.Errorf("manager already initialized")
	}
	for _, name := range m.cfg.Queues {
		m.queues[name] = struct{}{}
	}
	m.mu.Unlock()

	poolCfg := m.cfg.Pool
	if len(poolCfg.Queues) == 0 {
		poolCfg.Queues = m.cfg.Queues
	}

	m.executor = worker.NewExecutor(m.backend, m.registry, m.bus, m.log, poolCfg.HeartbeatInterval)
	pool, err := worker.NewPool(poolCfg, m.backend, m.executor, m.bus, m.log)
	if err != nil {
		return err
	}
	m.pool = pool
	if err := m.pool.Start(ctx); err != nil {
		return err
	}

	if m.cfg.Scheduler.Enabled {
		m.scheduler = scheduler.NewCronScheduler(m.cfg.Scheduler, scheduler.NewRegistry(), m.backend, m.backend.Client(), m.cfg.Namespace, m.log)
		if err := m.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	if m.cfg.Bridge.Enabled {
		m.bridge = bridge.New(m.cfg.Bridge, m.backend, m.backend.Client(), m.cfg.Namespace, m.bus, m.log)
		if err := m.bridge.Start(ctx); err != nil {
			return err
		}
	}

	if m.cfg.Monitoring.MetricsEnabled {
		m.collector = metrics.NewCollector(m.cfg.Monitoring, m.backend, m.cfg.Queues, m.pool, m.log)
		m.collector.Start(ctx)
		m.health = metrics.NewHealthChecker(m.cfg.Monitoring, m.backend, m.pool, m.log)
		m.health.Start(ctx)
	}

	if m.cfg.ResultBackendEnabled {
		m.results = result.NewRedisBackend(m.backend.Client(), m.cfg.Namespace, m.cfg.ResultTTLSuccess, m.cfg.ResultTTLFailure)
		m.startResultLoop(ctx)
	}

	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()

	m.log.Info("manager initialized",
		"queues", fmt.Sprintf("%v", m.cfg.Queues),
		"scheduler", m.cfg.Scheduler.Enabled, "bridge", m.cfg.Bridge.Enabled)
	return nil
}

// CreateQueue registers an additional queue. Workers only drain queues the
// pool was started with; late-created queues serve submit/inspect traffic.
func (m *Manager) CreateQueue(name string) error {
	if name == "" {
		return fmt.Errorf("queue name cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queues[name]; exists {
		return fmt.Errorf("%w: %s", awerrors.ErrQueueExists, name)
	}
	m.queues[name] = struct{}{}
	return nil
}

// Submit validates and enqueues one job, returning it with its assigned ID.
func (m *Manager) Submit(ctx context.Context, queueName string, kind job.Kind, payload []byte, meta job.Metadata, opts job.Options) (*job.Job, error) {
	if err := m.submittable(queueName, kind); err != nil {
		return nil, err
	}

	j, err := job.New(kind, payload, meta, opts)
	if err != nil {
		return nil, err
	}
	j.Queue = queueName

	if err := m.backend.Enqueue(ctx, j); err != nil {
		return nil, err
	}
	m.bus.Publish(events.Event{Type: events.JobAdded, Queue: queueName, JobID: j.ID})
	return j, nil
}

// SubmitBulk enqueues a batch atomically: either every job is accepted or
// none are. An empty batch is accepted and returns an empty slice.
func (m *Manager) SubmitBulk(ctx context.Context, queueName string, reqs []BulkRequest) ([]*job.Job, error) {
	if len(reqs) == 0 {
		return []*job.Job{}, nil
	}

	jobs := make([]*job.Job, 0, len(reqs))
	for i, req := range reqs {
		if err := m.submittable(queueName, req.Kind); err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		j, err := job.New(req.Kind, req.Payload, req.Metadata, req.Options)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		j.Queue = queueName
		jobs = append(jobs, j)
	}

	if err := m.backend.EnqueueBulk(ctx, jobs); err != nil {
		return nil, err
	}
	for _, j := range jobs {
		m.bus.Publish(events.Event{Type: events.JobAdded, Queue: queueName, JobID: j.ID})
	}
	return jobs, nil
}

// BulkRequest is one entry of a bulk submission.
type BulkRequest struct {
	Kind     job.Kind
	Payload  []byte
	Metadata job.Metadata
	Options  job.Options
}

func (m *Manager) submittable(queueName string, kind job.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown {
		return awerrors.ErrShuttingDown
	}
	if _, exists := m.queues[queueName]; !exists {
		return fmt.Errorf("%w: %s", awerrors.ErrQueueNotFound, queueName)
	}
	if !m.registry.Has(kind) {
		return fmt.Errorf("no processor registered for kind %q", kind)
	}
	return nil
}

// GetJob fetches a job record.
func (m *Manager) GetJob(ctx context.Context, queueName, jobID string) (*job.Job, error) {
	return m.backend.GetJob(ctx, queueName, jobID)
}

// CancelJob cancels a waiting or delayed job immediately, or requests
// cooperative cancellation of an active one.
func (m *Manager) CancelJob(ctx context.Context, queueName, jobID string) error {
	return m.backend.Cancel(ctx, queueName, jobID)
}

// RetryJob returns a terminal failed, cancelled, or dead-lettered job to
// waiting with a fresh attempt budget.
func (m *Manager) RetryJob(ctx context.Context, queueName, jobID string) error {
	return m.backend.RetryJob(ctx, queueName, jobID)
}

// PauseQueue stops workers from claiming; active jobs run to completion.
func (m *Manager) PauseQueue(ctx context.Context, queueName string) error {
	if err := m.queueKnown(queueName); err != nil {
		return err
	}
	if err := m.backend.Pause(ctx, queueName); err != nil {
		return err
	}
	m.bus.Publish(events.Event{Type: events.QueuePaused, Queue: queueName})
	return nil
}

// ResumeQueue reverses PauseQueue.
func (m *Manager) ResumeQueue(ctx context.Context, queueName string) error {
	if err := m.queueKnown(queueName); err != nil {
		return err
	}
	if err := m.backend.Resume(ctx, queueName); err != nil {
		return err
	}
	m.bus.Publish(events.Event{Type: events.QueueResumed, Queue: queueName})
	return nil
}

// DrainQueue removes all waiting and delayed jobs.
func (m *Manager) DrainQueue(ctx context.Context, queueName string) (int, error) {
	if err := m.queueKnown(queueName); err != nil {
		return 0, err
	}
	return m.backend.Drain(ctx, queueName)
}

// CleanQueue removes terminal jobs older than the grace period, bounded per
// terminal class per call.
func (m *Manager) CleanQueue(ctx context.Context, queueName string, olderThan time.Duration) (int, error) {
	if err := m.queueKnown(queueName); err != nil {
		return 0, err
	}
	total := 0
	for _, status := range []job.Status{job.StatusCompleted, job.StatusFailed, job.StatusCancelled, job.StatusDeadLettered} {
		n, err := m.backend.Clean(ctx, queueName, status, olderThan)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// QueueStats snapshots one queue's depths.
func (m *Manager) QueueStats(ctx context.Context, queueName string) (*queue.Stats, error) {
	if err := m.queueKnown(queueName); err != nil {
		return nil, err
	}
	return m.backend.QueueStats(ctx, queueName)
}

// Result fetches a stored out-of-band result, or nil when absent.
func (m *Manager) Result(ctx context.Context, jobID string) (*job.Result, error) {
	if m.results == nil {
		return nil, fmt.Errorf("result backend disabled")
	}
	return m.results.Get(ctx, jobID)
}

// WaitResult blocks for a result up to the timeout.
func (m *Manager) WaitResult(ctx context.Context, jobID string, timeout time.Duration) (*job.Result, error) {
	if m.results == nil {
		return nil, fmt.Errorf("result backend disabled")
	}
	return m.results.Wait(ctx, jobID, timeout)
}

// HealthSnapshot returns the latest health probe, or a fresh one when the
// monitoring loop is disabled.
func (m *Manager) HealthSnapshot(ctx context.Context) metrics.Health {
	if m.health != nil {
		return m.health.Latest()
	}
	checker := metrics.NewHealthChecker(m.cfg.Monitoring, m.backend, m.pool, m.log)
	return checker.Check(ctx)
}

// MetricsSnapshot returns the latest metrics pass, or nil when disabled.
func (m *Manager) MetricsSnapshot() *metrics.Snapshot {
	if m.collector == nil {
		return nil
	}
	return m.collector.Latest()
}

func (m *Manager) queueKnown(queueName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queues[queueName]; !exists {
		return fmt.Errorf("%w: %s", awerrors.ErrQueueNotFound, queueName)
	}
	return nil
}

// startResultLoop mirrors settled jobs into the result backend.
func (m *Manager) startResultLoop(ctx context.Context) {
	m.resultSub = m.bus.Subscribe(events.JobCompleted, events.JobFailed)
	m.resultWG.Add(1)
	awerrors.Go(func() {
		defer m.resultWG.Done()
		for ev := range m.resultSub.C {
			m.storeResult(ctx, ev)
		}
	}, func(perr *awerrors.PanicError) {
		m.log.Error("result loop crashed", "panic", awerrors.FormatPanicForLog(perr))
	})
}

func (m *Manager) storeResult(ctx context.Context, ev events.Event) {
	j, err := m.backend.GetJob(ctx, ev.Queue, ev.JobID)
	if err != nil {
		m.log.Warn("result loop could not load job", "job_id", ev.JobID, "error", err.Error())
		return
	}
	// Retriable failures also publish JobFailed; only settle terminal ones.
	if !j.Status.Terminal() {
		return
	}

	res := &job.Result{JobID: j.ID, Success: j.Status == job.StatusCompleted}
	if res.Success {
		res.Data = j.Result
	} else if j.LastError != nil {
		res.Error = j.LastError.Message
	}
	if j.FinishedAt != nil {
		res.CompletedAt = *j.FinishedAt
		if j.ProcessedAt != nil {
			res.Duration = j.FinishedAt.Sub(*j.ProcessedAt)
		}
	} else if j.FailedAt != nil {
		res.CompletedAt = *j.FailedAt
	}

	if err := m.results.Store(ctx, res); err != nil {
		m.log.Warn("failed to store job result", "job_id", j.ID, "error", err.Error())
	}
}

// GracefulShutdown stops ingress, drains the pool up to the timeout, and
// closes Redis. Concurrent calls share one shutdown pass and its outcome.
// If the timeout elapses, in-flight jobs stay active in Redis for the next
// instance's stalled recovery.
func (m *Manager) GracefulShutdown(timeout time.Duration) error {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.shuttingDown = true
		m.mu.Unlock()

		m.bus.Publish(events.Event{Type: events.ShutdownStarted})
		m.log.Info("graceful shutdown started", "timeout", timeout.String())

		// Stop ingress before the pool so nothing new lands mid-drain.
		if m.scheduler != nil {
			m.scheduler.Stop()
		}
		if m.bridge != nil {
			m.bridge.Stop()
		}

		if m.pool != nil {
			m.shutdownErr = m.pool.Stop(timeout)
		}

		if m.collector != nil {
			m.collector.Stop()
		}
		if m.health != nil {
			m.health.Stop()
		}

		if m.resultSub != nil {
			m.resultSub.Unsubscribe()
			m.resultWG.Wait()
		}

		m.bus.Close()
		if err := m.backend.Close(); err != nil && m.shutdownErr == nil {
			m.shutdownErr = err
		}

		if m.shutdownErr != nil {
			m.log.Warn("graceful shutdown finished with error", "error", m.shutdownErr.Error())
		} else {
			m.log.Info("graceful shutdown complete")
		}
		close(m.shutdownDone)
	})

	<-m.shutdownDone
	return m.shutdownErr
}

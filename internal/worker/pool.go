// Package worker implements the elastic worker pool that drains the job
// queues: per-worker claim loops, an autoscaler bounded by a min/max range,
// heartbeat-backed stalled-job recovery, and delayed-job promotion.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autoweave/autoweave/internal/config"
	awerrors "github.com/autoweave/autoweave/internal/errors"
	"github.com/autoweave/autoweave/internal/events"
	"github.com/autoweave/autoweave/internal/logger"
	"github.com/autoweave/autoweave/internal/queue"
)

// promotionInterval is how often due delayed jobs are promoted to waiting.
const promotionInterval = 500 * time.Millisecond

// Pool runs a variable number of worker goroutines against a set of queues.
type Pool struct {
	cfg      *config.PoolConfig
	queue    queue.Queue
	executor *Executor
	bus      *events.Bus
	log      logger.Logger

	mu       sync.Mutex
	workers  map[int]chan struct{} // workerID -> stop channel
	nextID   int
	started  bool
	lastUp   time.Time
	lastDown time.Time

	busy    atomic.Int64
	wg      sync.WaitGroup
	loopWG  sync.WaitGroup
	stopAll chan struct{}
}

// NewPool creates a worker pool over the configured queues.
func NewPool(cfg *config.PoolConfig, q queue.Queue, executor *Executor, bus *events.Bus, log logger.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("pool has no queues to drain")
	}
	if log == nil {
		log = &logger.NoOp{}
	}
	return &Pool{
		cfg:      cfg,
		queue:    q,
		executor: executor,
		bus:      bus,
		log:      log.WithComponent(logger.ComponentWorker),
		workers:  make(map[int]chan struct{}),
		stopAll:  make(chan struct{}),
	}, nil
}

// Start launches the minimum worker set and the background loops.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool already started")
	}
	p.started = true
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnLocked(ctx)
	}
	p.mu.Unlock()

	p.loopWG.Add(2)
	awerrors.Go(func() {
		defer p.loopWG.Done()
		p.promotionLoop(ctx)
	}, p.onLoopPanic("promotion"))
	awerrors.Go(func() {
		defer p.loopWG.Done()
		p.reclaimLoop(ctx)
	}, p.onLoopPanic("stalled-reclaim"))

	if p.cfg.AutoscaleEnabled {
		p.loopWG.Add(1)
		awerrors.Go(func() {
			defer p.loopWG.Done()
			p.autoscaleLoop(ctx)
		}, p.onLoopPanic("autoscaler"))
	}

	p.log.Info("worker pool started",
		"workers", p.WorkerCount(), "min", p.cfg.MinWorkers, "max", p.cfg.MaxWorkers,
		"queues", fmt.Sprintf("%v", p.cfg.Queues))
	return nil
}

func (p *Pool) onLoopPanic(name string) func(*awerrors.PanicError) {
	return func(perr *awerrors.PanicError) {
		p.log.Error("pool loop crashed", "loop", name, "panic", awerrors.FormatPanicForLog(perr))
	}
}

// Stop drains the pool: workers finish their current job, background loops
// exit, and Stop returns once everything is down or the timeout passes.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	close(p.stopAll)
	for id, stop := range p.workers {
		close(stop)
		delete(p.workers, id)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.loopWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
		return nil
	case <-time.After(timeout):
		p.log.Warn("worker pool shutdown timed out", "timeout", timeout.String(), "busy", p.busy.Load())
		return fmt.Errorf("pool shutdown timed out after %v with %d jobs in flight", timeout, p.busy.Load())
	}
}

// WorkerCount returns the current number of worker goroutines.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// BusyCount returns the number of jobs currently executing. With per-worker
// concurrency above 1 this can exceed WorkerCount.
func (p *Pool) BusyCount() int64 {
	return p.busy.Load()
}

// spawnLocked starts one worker goroutine. Caller holds p.mu.
func (p *Pool) spawnLocked(ctx context.Context) {
	p.nextID++
	id := p.nextID
	stop := make(chan struct{})
	p.workers[id] = stop

	p.wg.Add(1)
	go p.workerLoop(ctx, id, stop)
}

// scaleUp adds one worker, rolling the registration back if the pool is
// already at its ceiling.
func (p *Pool) scaleUp(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || len(p.workers) >= p.cfg.MaxWorkers {
		return false
	}
	p.spawnLocked(ctx)
	p.lastUp = time.Now()
	p.log.Info("scaled up", "workers", len(p.workers))
	return true
}

// scaleDown stops one worker.
func (p *Pool) scaleDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || len(p.workers) <= p.cfg.MinWorkers {
		return false
	}
	for id, stop := range p.workers {
		close(stop)
		delete(p.workers, id)
		break
	}
	p.lastDown = time.Now()
	p.log.Info("scaled down", "workers", len(p.workers))
	return true
}

// concurrency returns how many jobs each worker runs at once.
func (p *Pool) concurrency() int {
	if p.cfg.Concurrency < 1 {
		return 1
	}
	return p.cfg.Concurrency
}

// workerLoop claims jobs from the configured queues in order, idling on
// PollInterval when everything is empty. Each worker holds a fixed number of
// execution slots; claimed jobs run in their own goroutine so a worker with
// more than one slot keeps claiming while earlier jobs are still running.
func (p *Pool) workerLoop(ctx context.Context, id int, stop <-chan struct{}) {
	defer p.wg.Done()
	workerID := fmt.Sprintf("worker-%d", id)
	p.log.Debug("worker started", "worker_id", workerID)

	slots := make(chan struct{}, p.concurrency())
	for i := 0; i < cap(slots); i++ {
		slots <- struct{}{}
	}
	var inflight sync.WaitGroup
	defer inflight.Wait()

	failures := 0
	for {
		select {
		case <-stop:
			p.log.Debug("worker stopping", "worker_id", workerID)
			return
		case <-ctx.Done():
			return
		case <-slots:
		}

		claimed := false
		for _, queueName := range p.cfg.Queues {
			j, err := p.queue.Claim(ctx, queueName)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				backoff := claimBackoff(failures)
				if failures <= 3 || failures%10 == 0 {
					p.log.Warn("claim failed, backing off",
						"worker_id", workerID, "queue", queueName,
						"consecutive_failures", failures, "backoff", backoff.String(), "error", err.Error())
				}
				p.sleep(stop, backoff)
				break
			}
			if failures > 0 {
				p.log.Info("redis connection recovered", "worker_id", workerID, "after_failures", failures)
				failures = 0
			}
			if j == nil {
				continue
			}

			claimed = true
			p.busy.Add(1)
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				p.executor.Execute(ctx, workerID, j)
				p.busy.Add(-1)
				slots <- struct{}{}
			}()
			break
		}

		if !claimed {
			slots <- struct{}{}
			if failures == 0 {
				p.sleep(stop, p.cfg.PollInterval)
			}
		}
	}
}

// claimBackoff grows exponentially with consecutive Redis failures, capped
// at 30 seconds.
func claimBackoff(failures int) time.Duration {
	if failures > 5 {
		return 30 * time.Second
	}
	return time.Duration(1<<uint(failures-1)) * time.Second
}

func (p *Pool) sleep(stop <-chan struct{}, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
	case <-p.stopAll:
	case <-timer.C:
	}
}

// autoscaleLoop grows the pool when the backlog per worker exceeds the
// threshold and shrinks it when enough of the pool sits idle, each
// direction on its own cooldown.
func (p *Pool) autoscaleLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.AutoscaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopAll:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evaluateScale(ctx)
		}
	}
}

func (p *Pool) evaluateScale(ctx context.Context) {
	var backlog int64
	for _, queueName := range p.cfg.Queues {
		stats, err := p.queue.QueueStats(ctx, queueName)
		if err != nil {
			p.log.Warn("autoscaler could not read queue stats", "queue", queueName, "error", err.Error())
			return
		}
		backlog += stats.Waiting
	}

	p.mu.Lock()
	workers := len(p.workers)
	sinceUp := time.Since(p.lastUp)
	sinceDown := time.Since(p.lastDown)
	p.mu.Unlock()
	if workers == 0 {
		return
	}

	if backlog > int64(workers*p.cfg.ScaleUpBacklogPerWorker) && sinceUp >= p.cfg.ScaleUpCooldown {
		if p.scaleUp(ctx) {
			return
		}
	}

	idle := float64(int64(workers)-p.busy.Load()) / float64(workers)
	if backlog == 0 && idle >= p.cfg.ScaleDownIdlePct && sinceDown >= p.cfg.ScaleDownCooldown {
		p.scaleDown()
	}
}

// promotionLoop moves due delayed jobs into the waiting sets.
func (p *Pool) promotionLoop(ctx context.Context) {
	ticker := time.NewTicker(promotionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopAll:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, queueName := range p.cfg.Queues {
				if _, err := p.queue.PromoteDelayed(ctx, queueName, 100); err != nil && ctx.Err() == nil {
					p.log.Warn("delayed promotion failed", "queue", queueName, "error", err.Error())
				}
			}
		}
	}
}

// reclaimLoop recovers jobs whose workers stopped heartbeating.
func (p *Pool) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopAll:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, queueName := range p.cfg.Queues {
				reclaimed, err := p.queue.ReclaimStalled(ctx, queueName, p.cfg.StalledThreshold)
				if err != nil {
					if ctx.Err() == nil {
						p.log.Warn("stalled reclaim failed", "queue", queueName, "error", err.Error())
					}
					continue
				}
				for _, jobID := range reclaimed {
					if p.bus != nil {
						p.bus.Publish(events.Event{Type: events.JobStalled, Queue: queueName, JobID: jobID})
					}
				}
			}
		}
	}
}

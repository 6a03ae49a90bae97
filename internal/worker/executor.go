package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	awerrors "github.com/autoweave/autoweave/internal/errors"
	"github.com/autoweave/autoweave/internal/events"
	"github.com/autoweave/autoweave/internal/job"
	"github.com/autoweave/autoweave/internal/logger"
	"github.com/autoweave/autoweave/internal/queue"
)

// Executor runs a claimed job through its processor: timeout enforcement,
// heartbeating, cooperative cancellation, panic containment, and settling
// the outcome back into the queue.
type Executor struct {
	queue             queue.Queue
	registry          *Registry
	bus               *events.Bus
	log               logger.Logger
	heartbeatInterval time.Duration
	cancelPoll        time.Duration
}

// NewExecutor creates an executor bound to a queue and processor registry
func NewExecutor(q queue.Queue, registry *Registry, bus *events.Bus, log logger.Logger, heartbeatInterval time.Duration) *Executor {
	if log == nil {
		log = &logger.NoOp{}
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 10 * time.Second
	}
	return &Executor{
		queue:             q,
		registry:          registry,
		bus:               bus,
		log:               log.WithComponent(logger.ComponentWorker),
		heartbeatInterval: heartbeatInterval,
		cancelPoll:        500 * time.Millisecond,
	}
}

// Execute runs one job to a settled outcome. It never returns an error to
// the worker loop; every failure path is recorded against the job itself.
func (e *Executor) Execute(ctx context.Context, workerID string, j *job.Job) {
	jobCtx := logger.WithJobID(logger.WithWorkerID(logger.WithQueue(ctx, j.Queue), workerID), j.ID)

	proc, ok := e.registry.Get(j.Kind)
	if !ok {
		e.settleFailure(jobCtx, j, awerrors.Permanent(fmt.Errorf("no processor registered for kind %q", j.Kind)))
		return
	}

	runCtx, cancel := context.WithTimeout(jobCtx, j.Options.Timeout)
	defer cancel()

	// Heartbeat and cancel watcher run until the processor returns.
	watchDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.watch(runCtx, cancel, j, watchDone)
	}()

	e.log.InfoContext(jobCtx, "processing job", "kind", j.Kind, "attempt", j.Attempts)
	start := time.Now()
	result, err := e.run(runCtx, proc, j, workerID)
	duration := time.Since(start)

	close(watchDone)
	wg.Wait()

	if err != nil {
		// Attribute timeout and cancellation to the context so the
		// failure is classified correctly.
		if ctxErr := runCtx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%v: %w", err, ctxErr)
		}
		e.log.WarnContext(jobCtx, "job attempt failed",
			"kind", j.Kind, "attempt", j.Attempts, "duration", duration.String(), "error", err.Error())
		e.settleFailure(jobCtx, j, err)
		return
	}

	if err := e.queue.Complete(jobCtx, j, result); err != nil {
		if errors.Is(err, awerrors.ErrJobNotActive) {
			// Reclaimed while running; another attempt owns it now.
			return
		}
		e.log.ErrorContext(jobCtx, "failed to record job completion", "error", err.Error())
		return
	}

	e.log.InfoContext(jobCtx, "job completed", "kind", j.Kind, "duration", duration.String())
	e.publish(events.Event{Type: events.JobCompleted, Queue: j.Queue, JobID: j.ID})
}

// run invokes the processor with panic containment.
func (e *Executor) run(ctx context.Context, proc ProcessorFunc, j *job.Job, workerID string) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &awerrors.PanicError{Value: r, Stacktrace: string(debug.Stack())}
			e.log.ErrorContext(ctx, "processor panicked",
				"job_id", j.ID, "worker_id", workerID, "panic_value", fmt.Sprintf("%v", r))
		}
	}()
	return proc(ctx, j, &jobReporter{executor: e, job: j})
}

// watch refreshes the job heartbeat and polls for cooperative cancellation
// until done closes. Losing the heartbeat (job reclaimed) or seeing a
// cancel request both cancel the processor's context.
func (e *Executor) watch(ctx context.Context, cancel context.CancelFunc, j *job.Job, done <-chan struct{}) {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	// Cancel requests should be observed faster than the heartbeat cadence.
	cancelPoll := time.NewTicker(e.cancelPoll)
	defer cancelPoll.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.queue.Heartbeat(ctx, j.Queue, j.ID); err != nil {
				if errors.Is(err, awerrors.ErrJobNotActive) {
					e.log.WarnContext(ctx, "job reclaimed while running, abandoning attempt", "job_id", j.ID)
					cancel()
					return
				}
				e.log.WarnContext(ctx, "heartbeat failed", "job_id", j.ID, "error", err.Error())
			}
		case <-cancelPoll.C:
			requested, err := e.queue.CancelRequested(ctx, j.Queue, j.ID)
			if err == nil && requested {
				e.log.InfoContext(ctx, "cancel requested, stopping processor", "job_id", j.ID)
				cancel()
				return
			}
		}
	}
}

// settleFailure records a failed attempt and publishes the matching event.
func (e *Executor) settleFailure(ctx context.Context, j *job.Job, failure error) {
	if err := e.queue.Fail(ctx, j, failure); err != nil {
		if errors.Is(err, awerrors.ErrJobNotActive) {
			return
		}
		e.log.ErrorContext(ctx, "failed to record job failure", "error", err.Error())
		return
	}
	e.publish(events.Event{Type: events.JobFailed, Queue: j.Queue, JobID: j.ID})
}

func (e *Executor) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// jobReporter persists progress and log lines against the running job.
type jobReporter struct {
	executor *Executor
	job      *job.Job
}

// Progress implements Reporter
func (r *jobReporter) Progress(ctx context.Context, percent int, detail json.RawMessage) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	r.job.Progress = job.Progress{Percent: percent, Detail: detail}
	if err := r.executor.queue.SaveJob(ctx, r.job); err != nil {
		return err
	}
	r.executor.publish(events.Event{
		Type:    events.JobProgress,
		Queue:   r.job.Queue,
		JobID:   r.job.ID,
		Payload: detail,
	})
	return nil
}

// Log implements Reporter
func (r *jobReporter) Log(ctx context.Context, level, message string) error {
	r.job.AppendLog(level, message)
	return r.executor.queue.SaveJob(ctx, r.job)
}

package worker

import (
	"context"
	"fmt"
	"time"

	awerrors "github.com/autoweave/autoweave/internal/errors"
	"github.com/autoweave/autoweave/internal/job"
	"github.com/autoweave/autoweave/internal/logger"
)

// Middleware wraps a processor with cross-cutting behavior. Decorators
// compose in order: Chain(fn, A, B) runs A outermost.
type Middleware func(ProcessorFunc) ProcessorFunc

// Chain applies middlewares to a processor, first argument outermost.
func Chain(fn ProcessorFunc, mws ...Middleware) ProcessorFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		fn = mws[i](fn)
	}
	return fn
}

// WithLogging logs processor start and settle with timing.
func WithLogging(log logger.Logger) Middleware {
	if log == nil {
		log = &logger.NoOp{}
	}
	return func(next ProcessorFunc) ProcessorFunc {
		return func(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error) {
			start := time.Now()
			log.DebugContext(ctx, "processor starting", "kind", string(j.Kind))
			data, err := next(ctx, j, rep)
			elapsed := time.Since(start)
			if err != nil {
				log.WarnContext(ctx, "processor failed", "kind", string(j.Kind), "duration", elapsed.String(), "error", err.Error())
			} else {
				log.DebugContext(ctx, "processor finished", "kind", string(j.Kind), "duration", elapsed.String())
			}
			return data, err
		}
	}
}

// WithRetry retries the processor locally up to max extra attempts. These
// retries are invisible to the queue's attempt budget; permanent errors and
// context cancellation stop them early.
func WithRetry(max int) Middleware {
	return func(next ProcessorFunc) ProcessorFunc {
		return func(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error) {
			var data []byte
			var err error
			for attempt := 0; attempt <= max; attempt++ {
				data, err = next(ctx, j, rep)
				if err == nil {
					return data, nil
				}
				if !awerrors.Retryable(awerrors.Classify(err)) {
					return nil, err
				}
				if ctx.Err() != nil {
					return nil, err
				}
			}
			return nil, err
		}
	}
}

// WithTimeout races the processor against its own timer, independent of the
// job-level timeout the executor enforces.
func WithTimeout(d time.Duration) Middleware {
	return func(next ProcessorFunc) ProcessorFunc {
		return func(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error) {
			runCtx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type outcome struct {
				data []byte
				err  error
			}
			done := make(chan outcome, 1)
			awerrors.Go(func() {
				data, err := next(runCtx, j, rep)
				done <- outcome{data, err}
			}, func(perr *awerrors.PanicError) {
				done <- outcome{nil, perr}
			})

			select {
			case out := <-done:
				return out.data, out.err
			case <-runCtx.Done():
				return nil, fmt.Errorf("processor exceeded %v: %w", d, runCtx.Err())
			}
		}
	}
}

// Dispatcher returns a processor that dispatches on the job's kind. The
// executor uses the registry directly; the dispatcher form exists for
// embedders that want a single entry point with decorators around the whole
// table, e.g. Chain(registry.Dispatcher(), WithLogging(log)).
func (r *Registry) Dispatcher() ProcessorFunc {
	return func(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error) {
		fn, ok := r.Get(j.Kind)
		if !ok {
			return nil, awerrors.Permanent(fmt.Errorf("no processor registered for kind %q", j.Kind))
		}
		return fn(ctx, j, rep)
	}
}

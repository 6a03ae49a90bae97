package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	awerrors "github.com/autoweave/autoweave/internal/errors"
	"github.com/autoweave/autoweave/internal/job"
	"github.com/autoweave/autoweave/internal/logger"
)

func middlewareJob(t *testing.T) *job.Job {
	t.Helper()
	j, err := job.New(job.KindPluginExecute, json.RawMessage(`{"plugin_id":"p1"}`), job.Metadata{Source: job.SourceManual}, job.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next ProcessorFunc) ProcessorFunc {
			return func(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error) {
				order = append(order, name)
				return next(ctx, j, rep)
			}
		}
	}

	fn := Chain(func(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error) {
		order = append(order, "processor")
		return nil, nil
	}, mark("outer"), mark("inner"))

	if _, err := fn(context.Background(), middlewareJob(t), nil); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(order, ","); got != "outer,inner,processor" {
		t.Errorf("order = %s", got)
	}
}

func TestWithRetry_RetriesTransient(t *testing.T) {
	calls := 0
	fn := Chain(func(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("flaky backend")
		}
		return []byte(`{}`), nil
	}, WithRetry(3))

	data, err := fn(context.Background(), middlewareJob(t), nil)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if data == nil {
		t.Error("expected data from final attempt")
	}
}

func TestWithRetry_StopsOnPermanent(t *testing.T) {
	calls := 0
	fn := Chain(func(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error) {
		calls++
		return nil, awerrors.Permanent(errors.New("bad input"))
	}, WithRetry(5))

	if _, err := fn(context.Background(), middlewareJob(t), nil); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 for permanent error", calls)
	}
}

func TestWithRetry_Exhausts(t *testing.T) {
	calls := 0
	fn := Chain(func(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error) {
		calls++
		return nil, errors.New("always down")
	}, WithRetry(2))

	if _, err := fn(context.Background(), middlewareJob(t), nil); err == nil {
		t.Fatal("expected error after exhausting local retries")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
}

func TestWithTimeout_CutsOffSlowProcessor(t *testing.T) {
	fn := Chain(func(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error) {
		select {
		case <-time.After(time.Second):
			return []byte(`{}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := fn(context.Background(), middlewareJob(t), nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestWithTimeout_PassesFastProcessor(t *testing.T) {
	fn := Chain(func(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error) {
		return []byte(`{"fast":true}`), nil
	}, WithTimeout(time.Second))

	data, err := fn(context.Background(), middlewareJob(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"fast":true}` {
		t.Errorf("data = %s", data)
	}
}

func TestWithLogging_PassesThrough(t *testing.T) {
	fn := Chain(func(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error) {
		return []byte(`{}`), nil
	}, WithLogging(&logger.NoOp{}))

	if _, err := fn(context.Background(), middlewareJob(t), nil); err != nil {
		t.Fatal(err)
	}
}

func TestDispatcher(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(job.KindPluginExecute, func(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error) {
		return []byte(`{"ran":true}`), nil
	}); err != nil {
		t.Fatal(err)
	}

	dispatch := registry.Dispatcher()
	data, err := dispatch(context.Background(), middlewareJob(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"ran":true}` {
		t.Errorf("data = %s", data)
	}

	// Unregistered kind routes to a permanent failure.
	j, err := job.New(job.KindSystemHealth, json.RawMessage(`{}`), job.Metadata{Source: job.SourceManual}, job.Options{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = dispatch(context.Background(), j, nil)
	if err == nil {
		t.Fatal("expected error for unregistered kind")
	}
	if awerrors.Retryable(awerrors.Classify(err)) {
		t.Error("missing processor should not be retryable")
	}
}

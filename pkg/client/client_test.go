package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	awerrors "github.com/autoweave/autoweave/internal/errors"
	"github.com/autoweave/autoweave/internal/job"
	"github.com/autoweave/autoweave/internal/result"
)

func newTestClient(t *testing.T) (*Client, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	return NewWithClient(rc, Options{Namespace: "aw"}), rc
}

func TestSubmit(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	j, err := c.Submit(ctx, "plugin-jobs", job.KindPluginExecute,
		map[string]string{"plugin_id": "weather"}, job.Options{Priority: 80})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if j.ID == "" {
		t.Fatal("job has no ID")
	}
	if j.Queue != "plugin-jobs" {
		t.Errorf("queue = %s", j.Queue)
	}

	got, err := c.GetJob(ctx, "plugin-jobs", j.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != job.StatusWaiting {
		t.Errorf("status = %s", got.Status)
	}
	if got.Options.Priority != 80 {
		t.Errorf("priority = %d", got.Options.Priority)
	}

	var p job.PluginPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.PluginID != "weather" {
		t.Errorf("plugin_id = %s", p.PluginID)
	}
}

func TestSubmitAcceptsRawJSON(t *testing.T) {
	c, _ := newTestClient(t)

	j, err := c.Submit(context.Background(), "plugin-jobs", job.KindPluginExecute,
		json.RawMessage(`{"plugin_id":"weather"}`), job.Options{})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if string(j.Payload) != `{"plugin_id":"weather"}` {
		t.Errorf("payload = %s", j.Payload)
	}
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	c, _ := newTestClient(t)

	// plugin kinds require plugin_id
	_, err := c.Submit(context.Background(), "plugin-jobs", job.KindPluginExecute,
		map[string]string{}, job.Options{})
	if err == nil {
		t.Error("expected validation error")
	}

	_, err = c.Submit(context.Background(), "plugin-jobs", job.Kind("no.such.kind"),
		map[string]string{}, job.Options{})
	if err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestSubmitDelayed(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	j, err := c.SubmitDelayed(ctx, "plugin-jobs", job.KindPluginExecute,
		map[string]string{"plugin_id": "weather"}, time.Hour, job.Options{})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	got, err := c.GetJob(ctx, "plugin-jobs", j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusDelayed {
		t.Errorf("status = %s, want delayed", got.Status)
	}

	stats, err := c.QueueStats(ctx, "plugin-jobs")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Delayed != 1 || stats.Waiting != 0 {
		t.Errorf("stats = delayed %d waiting %d", stats.Delayed, stats.Waiting)
	}
}

func TestSubmitBulkAtomic(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	entries := []BulkEntry{
		{Kind: job.KindMemoryIndex, Payload: map[string]string{"namespace": "notes"}},
		{Kind: job.KindMemoryIndex, Payload: map[string]string{"namespace": "docs"}},
	}
	jobs, err := c.SubmitBulk(ctx, "memory-ops", entries)
	if err != nil {
		t.Fatalf("bulk failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("accepted %d jobs", len(jobs))
	}

	// A batch with one invalid entry enqueues nothing.
	entries = append(entries, BulkEntry{Kind: job.KindMemoryIndex, Payload: map[string]string{}})
	if _, err := c.SubmitBulk(ctx, "memory-ops", entries); err == nil {
		t.Error("expected rejection of batch with invalid entry")
	}

	stats, err := c.QueueStats(ctx, "memory-ops")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 2 {
		t.Errorf("waiting = %d, want 2", stats.Waiting)
	}
}

func TestCancelWaitingJob(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	j, err := c.Submit(ctx, "plugin-jobs", job.KindPluginExecute,
		map[string]string{"plugin_id": "weather"}, job.Options{})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Cancel(ctx, "plugin-jobs", j.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	got, err := c.GetJob(ctx, "plugin-jobs", j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// Cancelled jobs can be resubmitted.
	if err := c.Retry(ctx, "plugin-jobs", j.ID); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	got, err = c.GetJob(ctx, "plugin-jobs", j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusWaiting {
		t.Errorf("status = %s, want waiting after retry", got.Status)
	}
}

func TestGetJobMissing(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.GetJob(context.Background(), "plugin-jobs", "no-such-job")
	if !errors.Is(err, awerrors.ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestWaitResultSeesWorkerStore(t *testing.T) {
	c, rc := newTestClient(t)
	ctx := context.Background()

	j, err := c.Submit(ctx, "plugin-jobs", job.KindPluginExecute,
		map[string]string{"plugin_id": "weather"}, job.Options{})
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the worker side settling the job.
	backend := result.NewRedisBackend(rc, "aw", time.Hour, 24*time.Hour)
	go func() {
		time.Sleep(50 * time.Millisecond)
		backend.Store(ctx, &job.Result{
			JobID:       j.ID,
			Success:     true,
			Data:        json.RawMessage(`{"temp":21}`),
			CompletedAt: time.Now(),
		})
	}()

	res, err := c.WaitResult(ctx, j.ID, 2*time.Second)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if res == nil || !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if string(res.Data) != `{"temp":21}` {
		t.Errorf("data = %s", res.Data)
	}
}

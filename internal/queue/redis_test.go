package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	awerrors "github.com/autoweave/autoweave/internal/errors"
	"github.com/autoweave/autoweave/internal/job"
	"github.com/autoweave/autoweave/internal/logger"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueueWithClient(client, "aw", &logger.NoOp{})
	t.Cleanup(func() { client.Close() })
	return q, mr
}

func newTestJob(t *testing.T, queue string, opts job.Options) *job.Job {
	t.Helper()
	payload := json.RawMessage(`{"plugin_id":"p1","action":"load"}`)
	j, err := job.New(job.KindPluginLoad, payload, job.Metadata{Source: job.SourceManual}, opts)
	if err != nil {
		t.Fatalf("failed to build job: %v", err)
	}
	j.Queue = queue
	return j
}

func TestEnqueueAndStats(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := newTestJob(t, "plugin-jobs", job.Options{})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	stats, err := q.QueueStats(ctx, "plugin-jobs")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Waiting != 1 || stats.Active != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Backlog() != 1 {
		t.Errorf("backlog = %d", stats.Backlog())
	}
}

func TestEnqueue_RequiresQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	j := newTestJob(t, "", job.Options{})
	if err := q.Enqueue(context.Background(), j); err == nil {
		t.Error("expected error for job without queue")
	}
}

func TestClaim_PriorityOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	low := newTestJob(t, "plugin-jobs", job.Options{Priority: 1})
	high := newTestJob(t, "plugin-jobs", job.Options{Priority: 90})
	mid := newTestJob(t, "plugin-jobs", job.Options{Priority: 50})
	for _, j := range []*job.Job{low, high, mid} {
		if err := q.Enqueue(ctx, j); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	want := []string{high.ID, mid.ID, low.ID}
	for i, expected := range want {
		j, err := q.Claim(ctx, "plugin-jobs")
		if err != nil {
			t.Fatalf("claim %d failed: %v", i, err)
		}
		if j == nil || j.ID != expected {
			t.Fatalf("claim %d: got %v, want %s", i, j, expected)
		}
	}
}

func TestClaim_FIFOWithinPriorityClass(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := newTestJob(t, "plugin-jobs", job.Options{Priority: 10})
	second := newTestJob(t, "plugin-jobs", job.Options{Priority: 10})
	if err := q.Enqueue(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, second); err != nil {
		t.Fatal(err)
	}

	j, err := q.Claim(ctx, "plugin-jobs")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if j.ID != first.ID {
		t.Errorf("expected submission order within class, got %s first", j.ID)
	}
}

func TestClaim_MarksActiveAndConsumesAttempt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := newTestJob(t, "plugin-jobs", job.Options{})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	claimed, err := q.Claim(ctx, "plugin-jobs")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if claimed.Status != job.StatusActive {
		t.Errorf("status = %s", claimed.Status)
	}
	if claimed.Attempts != 1 {
		t.Errorf("attempts = %d", claimed.Attempts)
	}
	if claimed.ProcessedAt == nil {
		t.Error("processed_at not stamped")
	}

	stats, _ := q.QueueStats(ctx, "plugin-jobs")
	if stats.Active != 1 || stats.Waiting != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestClaim_EmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	j, err := q.Claim(context.Background(), "plugin-jobs")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if j != nil {
		t.Errorf("expected nil job, got %v", j)
	}
}

func TestClaim_PausedQueueHandsOutNothing(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, newTestJob(t, "plugin-jobs", job.Options{})); err != nil {
		t.Fatal(err)
	}
	if err := q.Pause(ctx, "plugin-jobs"); err != nil {
		t.Fatal(err)
	}

	j, err := q.Claim(ctx, "plugin-jobs")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if j != nil {
		t.Error("claim should return nothing while paused")
	}

	paused, err := q.IsPaused(ctx, "plugin-jobs")
	if err != nil || !paused {
		t.Errorf("paused = %v, err = %v", paused, err)
	}

	// Enqueue still accepts work while paused.
	if err := q.Enqueue(ctx, newTestJob(t, "plugin-jobs", job.Options{})); err != nil {
		t.Errorf("enqueue during pause failed: %v", err)
	}

	if err := q.Resume(ctx, "plugin-jobs"); err != nil {
		t.Fatal(err)
	}
	j, err = q.Claim(ctx, "plugin-jobs")
	if err != nil || j == nil {
		t.Errorf("claim after resume: job=%v err=%v", j, err)
	}
}

func TestDelayedJob_PromotedWhenDue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := newTestJob(t, "plugin-jobs", job.Options{Delay: 30 * time.Millisecond, Priority: 80})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	// Not yet due.
	n, err := q.PromoteDelayed(ctx, "plugin-jobs", 10)
	if err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if n != 0 {
		t.Errorf("promoted %d jobs before due time", n)
	}
	if claimed, _ := q.Claim(ctx, "plugin-jobs"); claimed != nil {
		t.Error("delayed job must not be claimable before promotion")
	}

	time.Sleep(40 * time.Millisecond)
	n, err = q.PromoteDelayed(ctx, "plugin-jobs", 10)
	if err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if n != 1 {
		t.Errorf("promoted = %d, want 1", n)
	}

	claimed, err := q.Claim(ctx, "plugin-jobs")
	if err != nil || claimed == nil {
		t.Fatalf("claim after promotion: job=%v err=%v", claimed, err)
	}
	if claimed.ID != j.ID {
		t.Errorf("claimed %s, want %s", claimed.ID, j.ID)
	}
}

func TestComplete(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, newTestJob(t, "plugin-jobs", job.Options{})); err != nil {
		t.Fatal(err)
	}
	claimed, _ := q.Claim(ctx, "plugin-jobs")

	result := []byte(`{"loaded":true}`)
	if err := q.Complete(ctx, claimed, result); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	got, err := q.GetJob(ctx, "plugin-jobs", claimed.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
	if string(got.Result) != `{"loaded":true}` {
		t.Errorf("result = %s", got.Result)
	}
	if got.Progress.Percent != 100 {
		t.Errorf("progress = %d", got.Progress.Percent)
	}

	stats, _ := q.QueueStats(ctx, "plugin-jobs")
	if stats.Active != 0 || stats.Completed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestComplete_DiscardsResultOfReclaimedJob(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, newTestJob(t, "plugin-jobs", job.Options{})); err != nil {
		t.Fatal(err)
	}
	claimed, _ := q.Claim(ctx, "plugin-jobs")

	// Simulate the stalled-job scanner taking ownership away.
	mr.HDel("aw:q:plugin-jobs:active", claimed.ID)

	err := q.Complete(ctx, claimed, []byte(`{}`))
	if !errors.Is(err, awerrors.ErrJobNotActive) {
		t.Errorf("expected ErrJobNotActive, got %v", err)
	}

	got, _ := q.GetJob(ctx, "plugin-jobs", claimed.ID)
	if got.Status == job.StatusCompleted {
		t.Error("reclaimed job must not be marked completed by its old worker")
	}
}

func TestFail_TransientRetriesWithBackoff(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := newTestJob(t, "plugin-jobs", job.Options{MaxAttempts: 3})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	claimed, _ := q.Claim(ctx, "plugin-jobs")

	if err := q.Fail(ctx, claimed, errors.New("connection refused")); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	got, _ := q.GetJob(ctx, "plugin-jobs", claimed.ID)
	if got.Status != job.StatusDelayed {
		t.Errorf("status = %s, want delayed", got.Status)
	}
	if got.LastError == nil || got.LastError.Message != "connection refused" {
		t.Errorf("last error = %+v", got.LastError)
	}
	if len(got.AttemptHistory) != 1 {
		t.Errorf("attempt history = %v", got.AttemptHistory)
	}

	stats, _ := q.QueueStats(ctx, "plugin-jobs")
	if stats.Delayed != 1 || stats.Active != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFail_ExhaustedAttemptsLandInFailedSet(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := newTestJob(t, "plugin-jobs", job.Options{MaxAttempts: 1})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	claimed, _ := q.Claim(ctx, "plugin-jobs")

	if err := q.Fail(ctx, claimed, errors.New("still broken")); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	got, _ := q.GetJob(ctx, "plugin-jobs", claimed.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Attempts != got.Options.MaxAttempts {
		t.Errorf("attempts = %d, max = %d", got.Attempts, got.Options.MaxAttempts)
	}

	stats, _ := q.QueueStats(ctx, "plugin-jobs")
	if stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFail_PermanentErrorSkipsRetries(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := newTestJob(t, "plugin-jobs", job.Options{MaxAttempts: 5})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	claimed, _ := q.Claim(ctx, "plugin-jobs")

	if err := q.Fail(ctx, claimed, awerrors.Permanent(errors.New("malformed payload"))); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	got, _ := q.GetJob(ctx, "plugin-jobs", claimed.ID)
	if got.Status != job.StatusDeadLettered {
		t.Errorf("status = %s, want dead-lettered", got.Status)
	}
	if got.LastError.Type != string(awerrors.TypePermanent) {
		t.Errorf("error type = %s", got.LastError.Type)
	}

	stats, _ := q.QueueStats(ctx, "plugin-jobs")
	if stats.Dead != 1 || stats.Delayed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHeartbeat(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, newTestJob(t, "plugin-jobs", job.Options{})); err != nil {
		t.Fatal(err)
	}
	claimed, _ := q.Claim(ctx, "plugin-jobs")

	if err := q.Heartbeat(ctx, "plugin-jobs", claimed.ID); err != nil {
		t.Errorf("heartbeat failed: %v", err)
	}

	mr.HDel("aw:q:plugin-jobs:active", claimed.ID)
	if err := q.Heartbeat(ctx, "plugin-jobs", claimed.ID); !errors.Is(err, awerrors.ErrJobNotActive) {
		t.Errorf("expected ErrJobNotActive, got %v", err)
	}
}

func TestReclaimStalled(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := newTestJob(t, "plugin-jobs", job.Options{MaxAttempts: 3})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(ctx, "plugin-jobs"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)
	reclaimed, err := q.ReclaimStalled(ctx, "plugin-jobs", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != j.ID {
		t.Fatalf("reclaimed = %v", reclaimed)
	}

	got, _ := q.GetJob(ctx, "plugin-jobs", j.ID)
	if got.Status != job.StatusDelayed {
		t.Errorf("status = %s, want delayed (retry scheduled)", got.Status)
	}
	if got.LastError == nil || got.LastError.Type != "stalled" {
		t.Errorf("last error = %+v", got.LastError)
	}

	stats, _ := q.QueueStats(ctx, "plugin-jobs")
	if stats.Active != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReclaimStalled_FreshJobsUntouched(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, newTestJob(t, "plugin-jobs", job.Options{})); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(ctx, "plugin-jobs"); err != nil {
		t.Fatal(err)
	}

	reclaimed, err := q.ReclaimStalled(ctx, "plugin-jobs", time.Minute)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Errorf("reclaimed fresh jobs: %v", reclaimed)
	}
}

func TestCancel_WaitingJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := newTestJob(t, "plugin-jobs", job.Options{})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	if err := q.Cancel(ctx, "plugin-jobs", j.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	got, _ := q.GetJob(ctx, "plugin-jobs", j.ID)
	if got.Status != job.StatusCancelled {
		t.Errorf("status = %s", got.Status)
	}
	if claimed, _ := q.Claim(ctx, "plugin-jobs"); claimed != nil {
		t.Error("cancelled job must not be claimable")
	}
}

func TestCancel_ActiveJobSetsMarker(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := newTestJob(t, "plugin-jobs", job.Options{})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	claimed, _ := q.Claim(ctx, "plugin-jobs")

	if err := q.Cancel(ctx, "plugin-jobs", claimed.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	requested, err := q.CancelRequested(ctx, "plugin-jobs", claimed.ID)
	if err != nil || !requested {
		t.Errorf("cancel requested = %v, err = %v", requested, err)
	}

	// The job stays active until the worker observes the marker.
	stats, _ := q.QueueStats(ctx, "plugin-jobs")
	if stats.Active != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCancel_TerminalJobIsError(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := newTestJob(t, "plugin-jobs", job.Options{})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	claimed, _ := q.Claim(ctx, "plugin-jobs")
	if err := q.Complete(ctx, claimed, nil); err != nil {
		t.Fatal(err)
	}

	if err := q.Cancel(ctx, "plugin-jobs", j.ID); err == nil {
		t.Error("expected error cancelling a completed job")
	}
}

func TestRetryJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := newTestJob(t, "plugin-jobs", job.Options{MaxAttempts: 1})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	claimed, _ := q.Claim(ctx, "plugin-jobs")
	if err := q.Fail(ctx, claimed, errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	if err := q.RetryJob(ctx, "plugin-jobs", j.ID); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	got, _ := q.GetJob(ctx, "plugin-jobs", j.ID)
	if got.Status != job.StatusWaiting {
		t.Errorf("status = %s", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 after manual retry", got.Attempts)
	}
	if got.LastError != nil {
		t.Errorf("last error = %+v, want cleared after manual retry", got.LastError)
	}
	if len(got.AttemptHistory) == 0 {
		t.Error("attempt history should survive a manual retry")
	}

	stats, _ := q.QueueStats(ctx, "plugin-jobs")
	if stats.Waiting != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRetryJob_RejectsNonTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := newTestJob(t, "plugin-jobs", job.Options{})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	if err := q.RetryJob(ctx, "plugin-jobs", j.ID); !errors.Is(err, awerrors.ErrJobNotRetryable) {
		t.Errorf("expected ErrJobNotRetryable, got %v", err)
	}
}

func TestRetryJob_RejectsCompleted(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := newTestJob(t, "plugin-jobs", job.Options{})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	claimed, _ := q.Claim(ctx, "plugin-jobs")
	if err := q.Complete(ctx, claimed, nil); err != nil {
		t.Fatal(err)
	}

	if err := q.RetryJob(ctx, "plugin-jobs", j.ID); !errors.Is(err, awerrors.ErrJobNotRetryable) {
		t.Errorf("expected ErrJobNotRetryable, got %v", err)
	}
}

func TestDrain(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	waiting := newTestJob(t, "plugin-jobs", job.Options{})
	delayed := newTestJob(t, "plugin-jobs", job.Options{Delay: time.Hour})
	active := newTestJob(t, "plugin-jobs", job.Options{})
	for _, j := range []*job.Job{waiting, delayed, active} {
		if err := q.Enqueue(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	claimed, _ := q.Claim(ctx, "plugin-jobs")

	n, err := q.Drain(ctx, "plugin-jobs")
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if n != 2 {
		t.Errorf("drained %d, want 2", n)
	}

	stats, _ := q.QueueStats(ctx, "plugin-jobs")
	if stats.Waiting != 0 || stats.Delayed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Active != 1 {
		t.Error("drain must leave active jobs alone")
	}
	if _, err := q.GetJob(ctx, "plugin-jobs", claimed.ID); err != nil {
		t.Errorf("active job record lost: %v", err)
	}
}

func TestClean(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := newTestJob(t, "plugin-jobs", job.Options{})
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	claimed, _ := q.Claim(ctx, "plugin-jobs")
	if err := q.Complete(ctx, claimed, nil); err != nil {
		t.Fatal(err)
	}

	// Not old enough yet.
	n, err := q.Clean(ctx, "plugin-jobs", job.StatusCompleted, time.Hour)
	if err != nil {
		t.Fatalf("clean failed: %v", err)
	}
	if n != 0 {
		t.Errorf("cleaned %d fresh jobs", n)
	}

	time.Sleep(5 * time.Millisecond)
	n, err = q.Clean(ctx, "plugin-jobs", job.StatusCompleted, time.Millisecond)
	if err != nil {
		t.Fatalf("clean failed: %v", err)
	}
	if n != 1 {
		t.Errorf("cleaned = %d, want 1", n)
	}

	if _, err := q.GetJob(ctx, "plugin-jobs", j.ID); !errors.Is(err, awerrors.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound after clean, got %v", err)
	}
}

func TestClean_RejectsNonTerminalStatus(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.Clean(context.Background(), "plugin-jobs", job.StatusWaiting, time.Hour); err == nil {
		t.Error("expected error cleaning a non-terminal status")
	}
}

func TestEnqueueBulk(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobs := []*job.Job{
		newTestJob(t, "plugin-jobs", job.Options{}),
		newTestJob(t, "plugin-jobs", job.Options{Delay: time.Hour}),
		newTestJob(t, "usb-events", job.Options{}),
	}
	if err := q.EnqueueBulk(ctx, jobs); err != nil {
		t.Fatalf("bulk enqueue failed: %v", err)
	}

	pluginStats, _ := q.QueueStats(ctx, "plugin-jobs")
	usbStats, _ := q.QueueStats(ctx, "usb-events")
	if pluginStats.Waiting != 1 || pluginStats.Delayed != 1 {
		t.Errorf("plugin stats = %+v", pluginStats)
	}
	if usbStats.Waiting != 1 {
		t.Errorf("usb stats = %+v", usbStats)
	}
}

func TestEnqueueBulk_RejectsWholeBatchOnMissingQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobs := []*job.Job{
		newTestJob(t, "plugin-jobs", job.Options{}),
		newTestJob(t, "", job.Options{}),
	}
	if err := q.EnqueueBulk(ctx, jobs); err == nil {
		t.Fatal("expected error for batch with unassigned queue")
	}

	stats, _ := q.QueueStats(ctx, "plugin-jobs")
	if stats.Waiting != 0 {
		t.Error("rejected batch must not partially enqueue")
	}
}

func TestListJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, newTestJob(t, "plugin-jobs", job.Options{})); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := q.ListJobs(ctx, "plugin-jobs", job.StatusWaiting, 0, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(jobs) != 3 {
		t.Errorf("listed %d jobs, want 3", len(jobs))
	}

	jobs, err = q.ListJobs(ctx, "plugin-jobs", job.StatusWaiting, 1, 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("paginated list = %d jobs, want 1", len(jobs))
	}
}

func TestGetJob_NotFound(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.GetJob(context.Background(), "plugin-jobs", "missing")
	if !errors.Is(err, awerrors.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestGetJob_RejectsUnknownMajorVersion(t *testing.T) {
	q, mr := newTestQueue(t)

	record := `{"id":"x","kind":"plugin.load","queue":"plugin-jobs","metadata":{"source":"manual","version":"2.0.0"},"status":"waiting"}`
	mr.Set("aw:q:plugin-jobs:job:x", record)

	_, err := q.GetJob(context.Background(), "plugin-jobs", "x")
	if !errors.Is(err, job.ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch, got %v", err)
	}
}

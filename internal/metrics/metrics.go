// Package metrics periodically snapshots per-queue depth, throughput, and
// latency figures and raises threshold alerts. Snapshots are in-process
// values; exporting them is a collaborator's job.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/autoweave/autoweave/internal/config"
	awerrors "github.com/autoweave/autoweave/internal/errors"
	"github.com/autoweave/autoweave/internal/job"
	"github.com/autoweave/autoweave/internal/logger"
	"github.com/autoweave/autoweave/internal/queue"
)

// emaAlpha weights the newest throughput sample in the moving average.
const emaAlpha = 0.3

// latencySampleSize bounds how many recent terminal jobs feed the latency
// averages per tick.
const latencySampleSize = 20

// PoolStats is the slice of the worker pool the collector reads.
type PoolStats interface {
	WorkerCount() int
	BusyCount() int64
}

// QueueSnapshot is one queue's figures at a collection instant.
type QueueSnapshot struct {
	Queue           string  `json:"queue"`
	Waiting         int64   `json:"waiting"`
	Delayed         int64   `json:"delayed"`
	Active          int64   `json:"active"`
	Completed       int64   `json:"completed"`
	Failed          int64   `json:"failed"`
	Cancelled       int64   `json:"cancelled"`
	Dead            int64   `json:"dead"`
	Paused          bool    `json:"paused"`
	Throughput      float64 `json:"throughput_per_sec"`
	AvgProcessingMs float64 `json:"avg_processing_ms"`
	AvgWaitMs       float64 `json:"avg_wait_ms"`
	ErrorRate       float64 `json:"error_rate"`
}

// WorkerSnapshot summarizes the worker pool.
type WorkerSnapshot struct {
	Total int64 `json:"total"`
	Busy  int64 `json:"busy"`
	Idle  int64 `json:"idle"`
}

// Alert flags a metric that crossed its configured threshold.
type Alert struct {
	Queue   string `json:"queue"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

const (
	AlertKindBacklog        = "backlog"
	AlertKindErrorRate      = "error_rate"
	AlertKindProcessingTime = "processing_time"
	AlertKindMemory         = "memory"
)

// Snapshot is a full collection pass.
type Snapshot struct {
	Queues      map[string]QueueSnapshot `json:"queues"`
	Workers     WorkerSnapshot           `json:"workers"`
	Alerts      []Alert                  `json:"alerts,omitempty"`
	Uptime      time.Duration            `json:"uptime"`
	CollectedAt time.Time                `json:"collected_at"`
}

// Collector samples queue stats on a fixed cadence. Throughput is an
// exponential moving average over settled-job deltas between ticks.
type Collector struct {
	cfg    config.MonitoringConfig
	reader queue.Reader
	queues []string
	pool   PoolStats
	log    logger.Logger

	mu          sync.Mutex
	prevSettled map[string]int64
	ema         map[string]float64
	lastTick    time.Time
	latest      *Snapshot
	startTime   time.Time
	started     bool
	stop        chan struct{}
	wg          sync.WaitGroup
}

// NewCollector creates a collector over the given queues.
func NewCollector(cfg config.MonitoringConfig, reader queue.Reader, queues []string, pool PoolStats, log logger.Logger) *Collector {
	if log == nil {
		log = &logger.NoOp{}
	}
	return &Collector{
		cfg:         cfg,
		reader:      reader,
		queues:      queues,
		pool:        pool,
		log:         log.WithComponent(logger.ComponentMetrics),
		prevSettled: make(map[string]int64),
		ema:         make(map[string]float64),
		startTime:   time.Now(),
	}
}

// Start launches the collection loop.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.stop = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	awerrors.Go(func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.MetricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Collect(ctx)
			}
		}
	}, func(perr *awerrors.PanicError) {
		c.log.Error("metrics loop crashed", "panic", awerrors.FormatPanicForLog(perr))
	})
}

// Stop halts the collection loop.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.stop)
	c.mu.Unlock()
	c.wg.Wait()
}

// Latest returns the most recent snapshot, or nil before the first pass.
func (c *Collector) Latest() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Collect runs one collection pass and returns the snapshot.
func (c *Collector) Collect(ctx context.Context) *Snapshot {
	now := time.Now()
	snap := &Snapshot{
		Queues:      make(map[string]QueueSnapshot, len(c.queues)),
		Uptime:      now.Sub(c.startTime),
		CollectedAt: now,
	}

	c.mu.Lock()
	elapsed := now.Sub(c.lastTick)
	c.lastTick = now
	c.mu.Unlock()

	for _, queueName := range c.queues {
		stats, err := c.reader.QueueStats(ctx, queueName)
		if err != nil {
			c.log.Warn("metrics pass could not read queue stats", "queue", queueName, "error", err.Error())
			continue
		}

		qs := QueueSnapshot{
			Queue:     queueName,
			Waiting:   stats.Waiting,
			Delayed:   stats.Delayed,
			Active:    stats.Active,
			Completed: stats.Completed,
			Failed:    stats.Failed,
			Cancelled: stats.Cancelled,
			Dead:      stats.Dead,
			Paused:    stats.Paused,
		}

		settled := stats.Completed + stats.Failed + stats.Dead
		if total := settled; total > 0 {
			qs.ErrorRate = float64(stats.Failed+stats.Dead) / float64(total)
		}
		qs.Throughput = c.updateThroughput(queueName, settled, elapsed)
		qs.AvgProcessingMs, qs.AvgWaitMs = c.sampleLatencies(ctx, queueName)

		snap.Queues[queueName] = qs
		c.checkThresholds(snap, qs)
	}

	if c.pool != nil {
		total := int64(c.pool.WorkerCount())
		busy := c.pool.BusyCount()
		idle := total - busy
		if idle < 0 {
			// Per-worker concurrency lets in-flight jobs exceed worker count.
			idle = 0
		}
		snap.Workers = WorkerSnapshot{Total: total, Busy: busy, Idle: idle}
	}
	c.checkMemory(snap)

	c.mu.Lock()
	c.latest = snap
	c.mu.Unlock()
	return snap
}

// updateThroughput folds this tick's settled-job delta into the queue's EMA.
func (c *Collector) updateThroughput(queueName string, settled int64, elapsed time.Duration) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, seen := c.prevSettled[queueName]
	c.prevSettled[queueName] = settled
	if !seen || elapsed <= 0 {
		return c.ema[queueName]
	}

	delta := settled - prev
	if delta < 0 {
		// Terminal sets were cleaned between ticks.
		delta = 0
	}
	sample := float64(delta) / elapsed.Seconds()
	c.ema[queueName] = emaAlpha*sample + (1-emaAlpha)*c.ema[queueName]
	return c.ema[queueName]
}

// sampleLatencies averages processing and wait time over the most recently
// completed jobs.
func (c *Collector) sampleLatencies(ctx context.Context, queueName string) (procMs, waitMs float64) {
	jobs, err := c.reader.ListJobs(ctx, queueName, job.StatusCompleted, 0, latencySampleSize)
	if err != nil || len(jobs) == 0 {
		return 0, 0
	}

	var procTotal, waitTotal float64
	var procN, waitN int
	for _, j := range jobs {
		if j.ProcessedAt != nil && j.FinishedAt != nil {
			procTotal += float64(j.FinishedAt.Sub(*j.ProcessedAt).Milliseconds())
			procN++
		}
		if j.ProcessedAt != nil {
			waitTotal += float64(j.ProcessedAt.Sub(j.CreatedAt).Milliseconds())
			waitN++
		}
	}
	if procN > 0 {
		procMs = procTotal / float64(procN)
	}
	if waitN > 0 {
		waitMs = waitTotal / float64(waitN)
	}
	return procMs, waitMs
}

func (c *Collector) checkThresholds(snap *Snapshot, qs QueueSnapshot) {
	if c.cfg.AlertBacklog > 0 && qs.Waiting > c.cfg.AlertBacklog {
		alert := Alert{
			Queue:   qs.Queue,
			Kind:    AlertKindBacklog,
			Message: "waiting backlog above threshold",
		}
		snap.Alerts = append(snap.Alerts, alert)
		c.log.Warn("backlog alert", "queue", qs.Queue, "waiting", qs.Waiting, "threshold", c.cfg.AlertBacklog)
	}
	if c.cfg.AlertErrorRate > 0 && qs.ErrorRate > c.cfg.AlertErrorRate {
		alert := Alert{
			Queue:   qs.Queue,
			Kind:    AlertKindErrorRate,
			Message: "failure ratio above threshold",
		}
		snap.Alerts = append(snap.Alerts, alert)
		c.log.Warn("error-rate alert", "queue", qs.Queue, "error_rate", qs.ErrorRate, "threshold", c.cfg.AlertErrorRate)
	}
	if c.cfg.AlertProcessingTime > 0 && qs.AvgProcessingMs > float64(c.cfg.AlertProcessingTime.Milliseconds()) {
		alert := Alert{
			Queue:   qs.Queue,
			Kind:    AlertKindProcessingTime,
			Message: "average processing time above threshold",
		}
		snap.Alerts = append(snap.Alerts, alert)
		c.log.Warn("processing-time alert", "queue", qs.Queue, "avg_ms", qs.AvgProcessingMs, "threshold", c.cfg.AlertProcessingTime.String())
	}
}

// checkMemory flags the process heap crossing the configured ceiling.
func (c *Collector) checkMemory(snap *Snapshot) {
	if c.cfg.AlertMemoryMB <= 0 {
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := int64(ms.HeapAlloc / (1 << 20))
	if heapMB > c.cfg.AlertMemoryMB {
		snap.Alerts = append(snap.Alerts, Alert{
			Kind:    AlertKindMemory,
			Message: "process heap above threshold",
		})
		c.log.Warn("memory alert", "heap_mb", heapMB, "threshold_mb", c.cfg.AlertMemoryMB)
	}
}

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/autoweave/autoweave/internal/config"
	awerrors "github.com/autoweave/autoweave/internal/errors"
	"github.com/autoweave/autoweave/internal/logger"
)

// HealthStatus is the coarse system condition.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Health is one check result: unhealthy when Redis is unreachable, degraded
// when Redis is fine but the worker pool is empty, healthy otherwise.
type Health struct {
	Status    HealthStatus `json:"status"`
	RedisOK   bool         `json:"redis_ok"`
	Workers   int          `json:"workers"`
	Detail    string       `json:"detail,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// Pinger is the connectivity probe the checker runs against Redis.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker probes Redis and the worker pool on a fixed cadence.
type HealthChecker struct {
	cfg    config.MonitoringConfig
	pinger Pinger
	pool   PoolStats
	log    logger.Logger

	mu      sync.Mutex
	latest  Health
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewHealthChecker creates a checker over the shared Redis connection and
// worker pool.
func NewHealthChecker(cfg config.MonitoringConfig, pinger Pinger, pool PoolStats, log logger.Logger) *HealthChecker {
	if log == nil {
		log = &logger.NoOp{}
	}
	return &HealthChecker{
		cfg:    cfg,
		pinger: pinger,
		pool:   pool,
		log:    log.WithComponent(logger.ComponentHealth),
	}
}

// Start launches the check loop.
func (h *HealthChecker) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.stop = make(chan struct{})
	h.mu.Unlock()

	h.wg.Add(1)
	awerrors.Go(func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Check(ctx)
			}
		}
	}, func(perr *awerrors.PanicError) {
		h.log.Error("health loop crashed", "panic", awerrors.FormatPanicForLog(perr))
	})
}

// Stop halts the check loop.
func (h *HealthChecker) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	close(h.stop)
	h.mu.Unlock()
	h.wg.Wait()
}

// Latest returns the most recent check result.
func (h *HealthChecker) Latest() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Check runs one probe and returns the result.
func (h *HealthChecker) Check(ctx context.Context) Health {
	health := Health{CheckedAt: time.Now()}

	if err := h.pinger.Ping(ctx); err != nil {
		health.Status = StatusUnhealthy
		health.Detail = "redis unreachable: " + err.Error()
	} else {
		health.RedisOK = true
		if h.pool != nil {
			health.Workers = h.pool.WorkerCount()
		}
		switch {
		case h.pool != nil && health.Workers == 0:
			health.Status = StatusDegraded
			health.Detail = "no live workers"
		default:
			health.Status = StatusHealthy
		}
	}

	h.mu.Lock()
	prev := h.latest.Status
	h.latest = health
	h.mu.Unlock()

	if prev != "" && prev != health.Status {
		h.log.Warn("health status changed", "from", string(prev), "to", string(health.Status), "detail", health.Detail)
	}
	return health
}

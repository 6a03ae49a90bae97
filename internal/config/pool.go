package config

import (
	"fmt"
	"time"
)

// PoolConfig holds the elastic worker pool configuration
type PoolConfig struct {
	// Queues are the queue names this pool drains, in priority order
	Queues []string

	// MinWorkers is the floor the autoscaler never goes below
	MinWorkers int
	// MaxWorkers is the ceiling the autoscaler never exceeds
	MaxWorkers int
	// Concurrency is how many jobs a single worker runs at once; zero means 1
	Concurrency int

	// PollInterval is how long an idle worker waits between claim attempts
	PollInterval time.Duration

	// AutoscaleEnabled turns the autoscaler loop on
	AutoscaleEnabled bool
	// AutoscaleInterval is how often the autoscaler evaluates backlog
	AutoscaleInterval time.Duration
	// ScaleUpBacklogPerWorker adds a worker when waiting jobs per worker
	// exceed this value
	ScaleUpBacklogPerWorker int
	// ScaleDownIdlePct removes a worker when the idle fraction of the pool
	// exceeds this value and the backlog is empty
	ScaleDownIdlePct float64
	// ScaleUpCooldown is the minimum time between scale-up steps
	ScaleUpCooldown time.Duration
	// ScaleDownCooldown is the minimum time between scale-down steps
	ScaleDownCooldown time.Duration

	// HeartbeatInterval is how often active workers refresh their job heartbeat
	HeartbeatInterval time.Duration
	// StalledInterval is how often the pool scans for stalled jobs
	StalledInterval time.Duration
	// StalledThreshold is the heartbeat age after which an active job is
	// considered stalled and reclaimed
	StalledThreshold time.Duration
}

// LoadPoolConfig loads the worker pool configuration from environment variables
func LoadPoolConfig() *PoolConfig {
	return &PoolConfig{
		Queues:                  getEnvAsStringSlice("POOL_QUEUES", nil),
		MinWorkers:              getEnvAsInt("POOL_MIN_WORKERS", 2),
		MaxWorkers:              getEnvAsInt("POOL_MAX_WORKERS", 10),
		Concurrency:             getEnvAsInt("POOL_WORKER_CONCURRENCY", 1),
		PollInterval:            getEnvAsDuration("POOL_POLL_INTERVAL", 250*time.Millisecond),
		AutoscaleEnabled:        getEnvAsBool("POOL_AUTOSCALE_ENABLED", true),
		AutoscaleInterval:       getEnvAsDuration("POOL_AUTOSCALE_INTERVAL", 5*time.Second),
		ScaleUpBacklogPerWorker: getEnvAsInt("POOL_SCALE_UP_BACKLOG", 10),
		ScaleDownIdlePct:        getEnvAsFloat("POOL_SCALE_DOWN_IDLE_PCT", 0.5),
		ScaleUpCooldown:         getEnvAsDuration("POOL_SCALE_UP_COOLDOWN", 15*time.Second),
		ScaleDownCooldown:       getEnvAsDuration("POOL_SCALE_DOWN_COOLDOWN", 60*time.Second),
		HeartbeatInterval:       getEnvAsDuration("POOL_HEARTBEAT_INTERVAL", 10*time.Second),
		StalledInterval:         getEnvAsDuration("POOL_STALLED_INTERVAL", 15*time.Second),
		StalledThreshold:        getEnvAsDuration("POOL_STALLED_THRESHOLD", 30*time.Second),
	}
}

// Validate checks the pool configuration
func (c *PoolConfig) Validate() error {
	if c.MinWorkers < 0 {
		return fmt.Errorf("min workers cannot be negative (got %d)", c.MinWorkers)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be at least 1 (got %d)", c.MaxWorkers)
	}
	if c.MaxWorkers > 1000 {
		return fmt.Errorf("max workers too high: %d (maximum 1000)", c.MaxWorkers)
	}
	if c.MinWorkers > c.MaxWorkers {
		return fmt.Errorf("min workers (%d) exceeds max workers (%d)", c.MinWorkers, c.MaxWorkers)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("worker concurrency cannot be negative (got %d)", c.Concurrency)
	}
	if c.Concurrency > 100 {
		return fmt.Errorf("worker concurrency too high: %d (maximum 100)", c.Concurrency)
	}
	if c.ScaleUpBacklogPerWorker < 1 {
		return fmt.Errorf("scale-up backlog per worker must be at least 1")
	}
	if c.ScaleDownIdlePct <= 0 || c.ScaleDownIdlePct > 1 {
		return fmt.Errorf("scale-down idle fraction must be in (0, 1] (got %v)", c.ScaleDownIdlePct)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.StalledThreshold < 2*c.HeartbeatInterval {
		return fmt.Errorf("stalled threshold (%v) must be at least twice the heartbeat interval (%v)",
			c.StalledThreshold, c.HeartbeatInterval)
	}
	return nil
}

// String returns a human-readable description of the pool config
func (c *PoolConfig) String() string {
	autoscale := "disabled"
	if c.AutoscaleEnabled {
		autoscale = fmt.Sprintf("enabled (every %v, +1 per %d backlog, -1 at %.0f%% idle)",
			c.AutoscaleInterval, c.ScaleUpBacklogPerWorker, c.ScaleDownIdlePct*100)
	}
	concurrency := c.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return fmt.Sprintf("PoolConfig{workers=%d..%d x%d, autoscale=%s}", c.MinWorkers, c.MaxWorkers, concurrency, autoscale)
}

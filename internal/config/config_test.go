package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.RedisURL != "redis://localhost:6379" {
		t.Errorf("redis url = %s", cfg.RedisURL)
	}
	if cfg.Namespace != "aw" {
		t.Errorf("namespace = %s", cfg.Namespace)
	}
	if len(cfg.Queues) != 5 {
		t.Errorf("expected 5 default queues, got %v", cfg.Queues)
	}
	if !cfg.Scheduler.Enabled {
		t.Error("scheduler should default to enabled")
	}
	if cfg.Bridge.Enabled {
		t.Error("bridge should default to disabled")
	}
	if cfg.Bridge.DebounceWindow != 50*time.Millisecond {
		t.Errorf("debounce window = %v", cfg.Bridge.DebounceWindow)
	}
	if cfg.ResultTTLSuccess != time.Hour || cfg.ResultTTLFailure != 24*time.Hour {
		t.Errorf("result ttls = %v / %v", cfg.ResultTTLSuccess, cfg.ResultTTLFailure)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6380")
	t.Setenv("QUEUES", "usb-events, plugin-jobs")
	t.Setenv("POOL_MAX_WORKERS", "20")
	t.Setenv("USB_BRIDGE_ENABLED", "true")
	t.Setenv("USB_BRIDGE_RATE", "250")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.RedisURL != "redis://cache:6380" {
		t.Errorf("redis url = %s", cfg.RedisURL)
	}
	if len(cfg.Queues) != 2 || cfg.Queues[1] != "plugin-jobs" {
		t.Errorf("queues = %v", cfg.Queues)
	}
	if cfg.Pool.MaxWorkers != 20 {
		t.Errorf("max workers = %d", cfg.Pool.MaxWorkers)
	}
	if !cfg.Bridge.Enabled || cfg.Bridge.RatePerSecond != 250 {
		t.Errorf("bridge = %+v", cfg.Bridge)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("POOL_MIN_WORKERS", "not-a-number")
	t.Setenv("SCHEDULER_INTERVAL", "soon")
	t.Setenv("METRICS_ENABLED", "perhaps")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Pool.MinWorkers != 2 {
		t.Errorf("min workers = %d, want default 2", cfg.Pool.MinWorkers)
	}
	if cfg.Scheduler.Interval != time.Second {
		t.Errorf("scheduler interval = %v, want default 1s", cfg.Scheduler.Interval)
	}
	if !cfg.Monitoring.MetricsEnabled {
		t.Error("metrics enabled should fall back to default true")
	}
}

func TestLoad_RejectsShortSchedulerInterval(t *testing.T) {
	t.Setenv("SCHEDULER_INTERVAL", "10ms")
	if _, err := Load(); err == nil {
		t.Error("expected error for 10ms scheduler interval")
	}
}

func TestLoad_RejectsBadBridgeRate(t *testing.T) {
	t.Setenv("USB_BRIDGE_ENABLED", "true")
	t.Setenv("USB_BRIDGE_RATE", "0")
	if _, err := Load(); err == nil {
		t.Error("expected error for zero bridge rate")
	}
}

func TestPoolConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PoolConfig)
		wantErr bool
	}{
		{"defaults are valid", func(c *PoolConfig) {}, false},
		{"negative min", func(c *PoolConfig) { c.MinWorkers = -1 }, true},
		{"zero max", func(c *PoolConfig) { c.MaxWorkers = 0 }, true},
		{"min above max", func(c *PoolConfig) { c.MinWorkers = 20; c.MaxWorkers = 5 }, true},
		{"negative concurrency", func(c *PoolConfig) { c.Concurrency = -1 }, true},
		{"excessive concurrency", func(c *PoolConfig) { c.Concurrency = 500 }, true},
		{"unset concurrency defaults", func(c *PoolConfig) { c.Concurrency = 0 }, false},
		{"excessive max", func(c *PoolConfig) { c.MaxWorkers = 5000 }, true},
		{"zero backlog threshold", func(c *PoolConfig) { c.ScaleUpBacklogPerWorker = 0 }, true},
		{"idle pct above 1", func(c *PoolConfig) { c.ScaleDownIdlePct = 1.5 }, true},
		{"stalled threshold below 2x heartbeat", func(c *PoolConfig) {
			c.HeartbeatInterval = 10 * time.Second
			c.StalledThreshold = 15 * time.Second
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadPoolConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnvAsStringSlice_TrimsAndSkipsEmpty(t *testing.T) {
	t.Setenv("TEST_SLICE", " a ,, b ,")
	got := getEnvAsStringSlice("TEST_SLICE", nil)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("slice = %v", got)
	}
}

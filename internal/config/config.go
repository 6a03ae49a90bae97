// Package config loads the AutoWeave queue-core configuration from
// environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/autoweave/autoweave/internal/logger"
)

// Config holds all configuration for the AutoWeave job-queue core
type Config struct {
	// RedisURL is the connection URL for Redis
	RedisURL string
	// RedisPoolSize is the go-redis connection pool size
	RedisPoolSize int
	// Namespace prefixes every Redis key written by this deployment
	Namespace string

	// Queues are the queues created at startup (comma-separated names)
	Queues []string

	// Pool is the default elastic worker pool configuration
	Pool *PoolConfig

	// Scheduler configures the cron scheduler
	Scheduler SchedulerConfig

	// Bridge configures the USB hot-plug stream bridge
	Bridge BridgeConfig

	// Monitoring configures metrics collection and health checks
	Monitoring MonitoringConfig

	// ResultBackendEnabled enables storing job results out-of-band
	ResultBackendEnabled bool
	// ResultTTLSuccess is the TTL for successful job results
	ResultTTLSuccess time.Duration
	// ResultTTLFailure is the TTL for failed job results
	ResultTTLFailure time.Duration

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration

	// Logging configuration
	Logging *logger.Config
}

// SchedulerConfig configures the cron scheduler
type SchedulerConfig struct {
	// Enabled turns the scheduler loop on
	Enabled bool
	// Interval is how often due entries are checked
	Interval time.Duration
	// MaxConcurrentJobs caps scheduled jobs in flight across the scheduler
	MaxConcurrentJobs int
	// RetryFailedEnqueues retries an entry once after a failed enqueue
	RetryFailedEnqueues bool
	// RetryDelay is how long to wait before that retry
	RetryDelay time.Duration
}

// BridgeConfig configures the USB hot-plug stream-to-queue bridge
type BridgeConfig struct {
	// Enabled turns the bridge consumer on
	Enabled bool
	// StreamKey is the Redis stream carrying raw hot-plug events
	StreamKey string
	// ConsumerGroup is the stream consumer group name
	ConsumerGroup string
	// Consumer is this process's consumer name within the group
	Consumer string
	// TargetQueue receives the translated device jobs
	TargetQueue string
	// DebounceWindow suppresses duplicate attach/detach flapping
	DebounceWindow time.Duration
	// RatePerSecond caps enqueues per second; excess goes to the overflow list
	RatePerSecond int
	// RateBurst is the limiter burst size
	RateBurst int
	// BlockTimeout is the XREADGROUP block duration
	BlockTimeout time.Duration
	// ClaimMinIdle is the pending-entry idle time before reclaim
	ClaimMinIdle time.Duration
	// BatchSize is the maximum messages per stream read
	BatchSize int
	// AllowedVendors restricts attach events to these vendor IDs (hex,
	// e.g. "1d6b"); empty means all vendors pass
	AllowedVendors []string
}

// MonitoringConfig configures metrics collection and health checking
type MonitoringConfig struct {
	// MetricsEnabled turns the per-queue metrics collector on
	MetricsEnabled bool
	// MetricsInterval is the collection cadence
	MetricsInterval time.Duration
	// HealthInterval is the health-check cadence
	HealthInterval time.Duration
	// AlertBacklog is the waiting-jobs threshold for a backlog alert
	AlertBacklog int64
	// AlertErrorRate is the failure-ratio threshold for an error alert
	AlertErrorRate float64
	// AlertProcessingTime is the average-processing-time threshold; zero
	// disables the alert
	AlertProcessingTime time.Duration
	// AlertMemoryMB is the process heap threshold in MiB; zero disables
	// the alert
	AlertMemoryMB int64
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		Namespace:     getEnv("QUEUE_NAMESPACE", "aw"),
		Queues:        getEnvAsStringSlice("QUEUES", []string{"usb-events", "plugin-jobs", "llm-batch", "system-maintenance", "memory-ops"}),
		Pool:          LoadPoolConfig(),
		Scheduler: SchedulerConfig{
			Enabled:             getEnvAsBool("SCHEDULER_ENABLED", true),
			Interval:            getEnvAsDuration("SCHEDULER_INTERVAL", 1*time.Second),
			MaxConcurrentJobs:   getEnvAsInt("SCHEDULER_MAX_CONCURRENT_JOBS", 4),
			RetryFailedEnqueues: getEnvAsBool("SCHEDULER_RETRY_FAILED", true),
			RetryDelay:          getEnvAsDuration("SCHEDULER_RETRY_DELAY", 5*time.Second),
		},
		Bridge: BridgeConfig{
			Enabled:        getEnvAsBool("USB_BRIDGE_ENABLED", false),
			StreamKey:      getEnv("USB_BRIDGE_STREAM", "aw:hotplug"),
			ConsumerGroup:  getEnv("USB_BRIDGE_GROUP", "autoweave-bridge"),
			Consumer:       getEnv("USB_BRIDGE_CONSUMER", defaultConsumerName()),
			TargetQueue:    getEnv("USB_BRIDGE_QUEUE", "usb-events"),
			DebounceWindow: getEnvAsDuration("USB_BRIDGE_DEBOUNCE", 50*time.Millisecond),
			RatePerSecond:  getEnvAsInt("USB_BRIDGE_RATE", 100),
			RateBurst:      getEnvAsInt("USB_BRIDGE_BURST", 200),
			BlockTimeout:   getEnvAsDuration("USB_BRIDGE_BLOCK_TIMEOUT", 5*time.Second),
			ClaimMinIdle:   getEnvAsDuration("USB_BRIDGE_CLAIM_MIN_IDLE", 30*time.Second),
			BatchSize:      getEnvAsInt("USB_BRIDGE_BATCH", 16),
			AllowedVendors: getEnvAsStringSlice("USB_BRIDGE_ALLOWED_VENDORS", nil),
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:      getEnvAsBool("METRICS_ENABLED", true),
			MetricsInterval:     getEnvAsDuration("METRICS_INTERVAL", 10*time.Second),
			HealthInterval:      getEnvAsDuration("HEALTH_INTERVAL", 15*time.Second),
			AlertBacklog:        int64(getEnvAsInt("ALERT_BACKLOG_THRESHOLD", 1000)),
			AlertErrorRate:      getEnvAsFloat("ALERT_ERROR_RATE", 0.25),
			AlertProcessingTime: getEnvAsDuration("ALERT_PROCESSING_TIME", 30*time.Second),
			AlertMemoryMB:       int64(getEnvAsInt("ALERT_MEMORY_MB", 0)),
		},
		ResultBackendEnabled: getEnvAsBool("RESULT_BACKEND_ENABLED", true),
		ResultTTLSuccess:     getEnvAsDuration("RESULT_TTL_SUCCESS", 1*time.Hour),
		ResultTTLFailure:     getEnvAsDuration("RESULT_TTL_FAILURE", 24*time.Hour),
		ShutdownTimeout:      getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		Logging:              loadLoggingConfig(),
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL cannot be empty")
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("QUEUE_NAMESPACE cannot be empty")
	}
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("QUEUES must name at least one queue")
	}
	if err := cfg.Pool.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if cfg.Scheduler.Enabled {
		if cfg.Scheduler.Interval < 100*time.Millisecond {
			return nil, fmt.Errorf("scheduler interval too short: %v (minimum 100ms)", cfg.Scheduler.Interval)
		}
		if cfg.Scheduler.MaxConcurrentJobs < 1 {
			return nil, fmt.Errorf("SCHEDULER_MAX_CONCURRENT_JOBS must be at least 1")
		}
	}
	if cfg.Bridge.Enabled {
		if cfg.Bridge.StreamKey == "" || cfg.Bridge.ConsumerGroup == "" {
			return nil, fmt.Errorf("bridge requires USB_BRIDGE_STREAM and USB_BRIDGE_GROUP")
		}
		if cfg.Bridge.RatePerSecond < 1 {
			return nil, fmt.Errorf("USB_BRIDGE_RATE must be at least 1")
		}
		if cfg.Bridge.BatchSize < 1 {
			return nil, fmt.Errorf("USB_BRIDGE_BATCH must be at least 1")
		}
	}
	if err := cfg.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	return cfg, nil
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "bridge-1"
	}
	return "bridge-" + host
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat retrieves an environment variable as a float or returns a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsStringSlice retrieves an environment variable as a comma-separated list
func getEnvAsStringSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.Level(level)
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.Format(format)
	}

	// Tier 1: Console
	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)
	cfg.Console.BufferSize = getEnvAsInt("LOG_CONSOLE_BUFFER_SIZE", 65536)
	cfg.Console.FlushInterval = getEnvAsDuration("LOG_CONSOLE_FLUSH_INTERVAL", 100*time.Millisecond)

	// Tier 2: File
	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", "/var/log/autoweave/autoweave.log")
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", 100)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", 5)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", 30)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", true)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", 10000)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", 100)
	cfg.File.BatchInterval = getEnvAsDuration("LOG_FILE_BATCH_INTERVAL", 100*time.Millisecond)

	return cfg
}

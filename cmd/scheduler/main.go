// The scheduler binary runs the cron timetable and delayed-job promotion
// without a worker pool, for deployments that keep scheduling on a
// dedicated node. Durable entries are loaded from Redis; the firing lock
// keeps concurrent scheduler processes from double-firing an entry.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/autoweave/autoweave/internal/config"
	"github.com/autoweave/autoweave/internal/logger"
	"github.com/autoweave/autoweave/internal/queue"
	"github.com/autoweave/autoweave/internal/scheduler"
)

const promoteBatch = 100

// connectWithRetry attempts to connect to Redis with exponential backoff
func connectWithRetry(cfg *config.Config, maxRetries int, lg logger.Logger) (*queue.RedisQueue, error) {
	var backend *queue.RedisQueue
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		backend, err = queue.NewRedisQueue(cfg.RedisURL, cfg.Namespace, cfg.RedisPoolSize, lg)
		if err == nil {
			return backend, nil
		}

		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
		lg.Warn("failed to connect to Redis, retrying",
			"attempt", attempt+1, "max_attempts", maxRetries,
			"error", err.Error(), "retry_in", delay.String())
		time.Sleep(delay)
	}
	return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.Scheduler.Enabled {
		log.Fatal("SCHEDULER_ENABLED must be true for the scheduler binary")
	}

	lg, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Close()
	schedLog := lg.WithComponent(logger.ComponentScheduler)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6062"
	}
	go func() {
		if err := http.ListenAndServe(":"+pprofPort, nil); err != nil {
			schedLog.Warn("pprof server failed", "error", err.Error())
		}
	}()

	backend, err := connectWithRetry(cfg, 5, schedLog)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.NewCronScheduler(cfg.Scheduler, scheduler.NewRegistry(), backend, backend.Client(), cfg.Namespace, lg)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// Promote due delayed jobs so worker-less deployments still surface them.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, queueName := range cfg.Queues {
					n, err := backend.PromoteDelayed(ctx, queueName, promoteBatch)
					if err != nil {
						schedLog.Error("failed to promote delayed jobs", "queue", queueName, "error", err.Error())
						continue
					}
					if n > 0 {
						schedLog.Info("promoted delayed jobs", "queue", queueName, "count", n)
					}
				}
			}
		}
	}()

	schedLog.Info("scheduler ready", "interval", cfg.Scheduler.Interval.String(),
		"max_concurrent", cfg.Scheduler.MaxConcurrentJobs, "pprof_port", pprofPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	schedLog.Info("shutdown signal received", "signal", sig.String())

	cancel()
	sched.Stop()
	schedLog.Info("scheduler shut down cleanly")
}

package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/autoweave/autoweave/internal/config"
	"github.com/autoweave/autoweave/internal/job"
	"github.com/autoweave/autoweave/internal/logger"
	"github.com/autoweave/autoweave/internal/manager"
	"github.com/autoweave/autoweave/internal/scheduler"
	"github.com/autoweave/autoweave/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Close()

	// pprof on a side port for profiling
	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6061"
	}
	go func() {
		if err := http.ListenAndServe(":"+pprofPort, nil); err != nil {
			lg.Warn("pprof server failed", "error", err.Error())
		}
	}()

	// Built-in processors cover the kinds the system produces itself.
	// Deployments register processors for plugin, LLM, and memory kinds.
	registry := worker.NewRegistry()
	mustRegister(registry, job.KindSystemHealth, worker.HandleSystemHealth)
	mustRegister(registry, job.KindUSBDeviceAttached, worker.HandleUSBDeviceAttached)
	mustRegister(registry, job.KindUSBDeviceDetached, worker.HandleUSBDeviceDetached)

	mgr, err := manager.New(cfg, registry, lg)
	if err != nil {
		log.Fatalf("Failed to create manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize manager: %v", err)
	}

	if sched := mgr.Scheduler(); sched != nil {
		scheduleBuiltins(ctx, sched, lg)
	}

	lg.Info("worker started",
		"queues", strings.Join(cfg.Queues, ","),
		"workers", cfg.Pool.String(),
		"pprof_port", pprofPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	lg.Info("shutdown signal received", "signal", sig.String())

	cancel()
	if err := mgr.GracefulShutdown(cfg.ShutdownTimeout); err != nil {
		lg.Warn("shutdown incomplete", "error", err.Error())
		os.Exit(1)
	}
	lg.Info("worker shut down cleanly")
}

func mustRegister(registry *worker.Registry, kind job.Kind, fn worker.ProcessorFunc) {
	if err := registry.Register(kind, fn); err != nil {
		log.Fatalf("Failed to register processor: %v", err)
	}
}

// scheduleBuiltins installs the default maintenance timetable. Entries
// already present in Redis from a previous run are left as they are.
func scheduleBuiltins(ctx context.Context, sched *scheduler.CronScheduler, lg logger.Logger) {
	entries := []*scheduler.Entry{
		{
			ID:          "system-health",
			Cron:        "*/15 * * * *",
			Queue:       "system-maintenance",
			Kind:        job.KindSystemHealth,
			Payload:     json.RawMessage(`{"target":"redis"}`),
			Enabled:     true,
			Description: "periodic backend health probe",
		},
	}
	for _, entry := range entries {
		if err := sched.Schedule(ctx, entry); err != nil {
			// Duplicate registration after a restart is expected.
			lg.Debug("builtin schedule not installed", "entry", entry.ID, "reason", err.Error())
		}
	}
}

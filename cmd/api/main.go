// The api binary is an HTTP front for remote producers: it submits and
// inspects jobs over Redis but runs no workers. Processing happens in
// worker processes sharing the same namespace.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/autoweave/autoweave/internal/config"
	awerrors "github.com/autoweave/autoweave/internal/errors"
	"github.com/autoweave/autoweave/internal/job"
	"github.com/autoweave/autoweave/internal/logger"
	"github.com/autoweave/autoweave/pkg/client"
)

type server struct {
	client *client.Client
	log    logger.Logger
}

type submitRequest struct {
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority,omitempty"`
	DelayMs     int64           `json:"delay_ms,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	TimeoutMs   int64           `json:"timeout_ms,omitempty"`
}

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
	apiLog := lg.WithComponent(logger.ComponentManager)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6060"
	}
	go func() {
		if err := http.ListenAndServe(":"+pprofPort, nil); err != nil {
			apiLog.Warn("pprof server failed", "error", err.Error())
		}
	}()

	c, err := client.New(client.Options{
		RedisURL:         cfg.RedisURL,
		Namespace:        cfg.Namespace,
		PoolSize:         cfg.RedisPoolSize,
		ResultTTLSuccess: cfg.ResultTTLSuccess,
		ResultTTLFailure: cfg.ResultTTLFailure,
		Logger:           lg,
	})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	s := &server{client: c, log: apiLog}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/v1/queues/{queue}/jobs", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/queues/{queue}/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/v1/queues/{queue}/jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/v1/queues/{queue}/jobs/{id}/retry", s.handleRetry)
	mux.HandleFunc("GET /api/v1/queues/{queue}/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/jobs/{id}/result", s.handleResult)

	port := os.Getenv("API_PORT")
	if port == "" {
		port = "8080"
	}
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		apiLog.Info("api server listening", "address", httpServer.Addr, "pprof_port", pprofPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	apiLog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		apiLog.Warn("http shutdown incomplete", "error", err.Error())
	}
	apiLog.Info("api server shut down cleanly")
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed request body: %w", err))
		return
	}

	opts := job.Options{
		Priority:    req.Priority,
		Delay:       time.Duration(req.DelayMs) * time.Millisecond,
		MaxAttempts: req.MaxAttempts,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
	}
	j, err := s.client.Submit(r.Context(), r.PathValue("queue"), job.Kind(req.Kind), req.Payload, opts)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.client.GetJob(r.Context(), r.PathValue("queue"), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Cancel(r.Context(), r.PathValue("queue"), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Retry(r.Context(), r.PathValue("queue"), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.client.QueueStats(r.Context(), r.PathValue("queue"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.client.Result(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no result for job %s", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, awerrors.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, awerrors.ErrJobNotRetryable), errors.Is(err, awerrors.ErrJobNotActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

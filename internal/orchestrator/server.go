package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/grantradar/grantradar/pkg/model"
	"github.com/grantradar/grantradar/pkg/pipeline"
)

// Server exposes the orchestrator's observability surface: /healthz for
// probes, /status for humans and the CLI, /metrics for Prometheus.
type Server struct {
	addr    string
	health  *HealthChecker
	metrics *Collector
	queues  *QueueManager
	tracker *pipeline.Tracker
	logger  *zap.Logger

	srv *http.Server
}

// NewServer builds the HTTP server.
func NewServer(addr string, health *HealthChecker, metrics *Collector, queues *QueueManager,
	tracker *pipeline.Tracker, logger *zap.Logger) *Server {
	return &Server{
		addr:    addr,
		health:  health,
		metrics: metrics,
		queues:  queues,
		tracker: tracker,
		logger:  logger.Named("server"),
	}
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	Healthy    bool                  `json:"healthy"`
	Components []ComponentStatus     `json:"components"`
	Metrics    MetricsSnapshot       `json:"metrics"`
	Workers    map[string]int        `json:"desired_workers"`
	Pipelines  []*model.PipelineState `json:"pipelines"`
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown failed", zap.Error(err))
	}
	return ctx.Err()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := s.health.Healthy()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":    healthy,
		"components": s.health.Status(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.tracker.All(r.Context())
	if err != nil {
		s.logger.Error("failed to list pipeline states", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Healthy:    s.health.Healthy(),
		Components: s.health.Status(),
		Metrics:    s.metrics.Snapshot(),
		Workers:    s.queues.Desired(),
		Pipelines:  pipelines,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

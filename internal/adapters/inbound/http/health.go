package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/tims-exe/dex-order-engine/internal/ports/inbound"
)

// DependencyCheck probes one backing service, e.g. the order store.
type DependencyCheck func(ctx context.Context) error

// HealthServerConfig holds configuration for the health server.
type HealthServerConfig struct {
	// Addr is the address to listen on (e.g., ":8080").
	Addr string

	// Dependencies are probed on /health and reported by name.
	Dependencies map[string]DependencyCheck

	// CheckTimeout bounds each dependency probe.
	CheckTimeout time.Duration

	// Logger for the health server.
	Logger *slog.Logger

	// ReadTimeout for HTTP requests.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses.
	WriteTimeout time.Duration
}

// HealthServerConfigDefaults returns a config with default values.
func HealthServerConfigDefaults() HealthServerConfig {
	return HealthServerConfig{
		Addr:         ":8080",
		CheckTimeout: 2 * time.Second,
		Logger:       slog.Default(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// HealthServer serves readiness and liveness probes for the worker.
//
// Endpoints:
//   - /health/ready  - 200 once the worker is polling the queue
//   - /health/live   - 200 while polls succeed
//   - /health        - combined status plus dependency probes
//
// All endpoints return 503 once shuttingDown is set, so the orchestrator
// stops routing to a draining process.
type HealthServer struct {
	server       *http.Server
	checker      inbound.HealthChecker
	dependencies map[string]DependencyCheck
	checkTimeout time.Duration
	shuttingDown *atomic.Bool
	logger       *slog.Logger
}

// NewHealthServer creates a new health server.
func NewHealthServer(config HealthServerConfig, checker inbound.HealthChecker, shuttingDown *atomic.Bool) *HealthServer {
	defaults := HealthServerConfigDefaults()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.CheckTimeout == 0 {
		config.CheckTimeout = defaults.CheckTimeout
	}
	if shuttingDown == nil {
		shuttingDown = &atomic.Bool{}
	}

	hs := &HealthServer{
		checker:      checker,
		dependencies: config.Dependencies,
		checkTimeout: config.CheckTimeout,
		shuttingDown: shuttingDown,
		logger:       config.Logger.With("component", "health-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health/ready", hs.handleReady)
	mux.HandleFunc("/health/live", hs.handleLive)
	mux.HandleFunc("/health", hs.handleHealth)

	hs.server = &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return hs
}

// Start begins listening for health check requests in a goroutine.
func (hs *HealthServer) Start() {
	go func() {
		hs.logger.Info("starting health server", "addr", hs.server.Addr)
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			hs.logger.Error("health server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the health server.
func (hs *HealthServer) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return hs.server.Shutdown(ctx)
}

func (hs *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if hs.shuttingDown.Load() {
		respondJSON(w, hs.logger, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	if hs.checker.IsReady() {
		respondJSON(w, hs.logger, http.StatusOK, map[string]string{"status": "ready"})
	} else {
		respondJSON(w, hs.logger, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
	}
}

func (hs *HealthServer) handleLive(w http.ResponseWriter, r *http.Request) {
	if hs.shuttingDown.Load() {
		respondJSON(w, hs.logger, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	if hs.checker.IsHealthy() {
		respondJSON(w, hs.logger, http.StatusOK, map[string]string{"status": "healthy"})
	} else {
		respondJSON(w, hs.logger, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

type healthResponse struct {
	Status       string            `json:"status"`
	Ready        bool              `json:"ready"`
	Healthy      bool              `json:"healthy"`
	ShuttingDown bool              `json:"shuttingDown"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if hs.shuttingDown.Load() {
		respondJSON(w, hs.logger, http.StatusServiceUnavailable, healthResponse{Status: "shutting_down", ShuttingDown: true})
		return
	}

	resp := healthResponse{
		Status:  "ok",
		Ready:   hs.checker.IsReady(),
		Healthy: hs.checker.IsHealthy(),
	}
	degraded := !resp.Ready || !resp.Healthy

	if len(hs.dependencies) > 0 {
		resp.Dependencies = make(map[string]string, len(hs.dependencies))
		names := make([]string, 0, len(hs.dependencies))
		for name := range hs.dependencies {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), hs.checkTimeout)
			err := hs.dependencies[name](ctx)
			cancel()
			if err != nil {
				hs.logger.Warn("dependency check failed", "dependency", name, "error", err)
				resp.Dependencies[name] = "down"
				degraded = true
				continue
			}
			resp.Dependencies[name] = "up"
		}
	}

	statusCode := http.StatusOK
	if degraded {
		resp.Status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}
	respondJSON(w, hs.logger, statusCode, resp)
}

func respondJSON(w http.ResponseWriter, logger *slog.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dyluth/muster/internal/backpressure"
	"github.com/dyluth/muster/internal/metrics"
	"github.com/dyluth/muster/internal/resource"
	"github.com/dyluth/muster/internal/routing"
)

// HealthServer provides the daemon's HTTP endpoints:
//
//	GET /healthz  liveness: Redis reachable and not draining
//	GET /health   routing health, admission and resource state
//	GET /metrics  Prometheus metrics
type HealthServer struct {
	engine *Engine
	addr   string
	server *http.Server
}

// NewHealthServer creates a server for e listening on addr.
func NewHealthServer(e *Engine, addr string) *HealthServer {
	h := &HealthServer{engine: e, addr: addr}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	mux.HandleFunc("/health", h.healthReportHandler)
	mux.Handle("/metrics", metrics.Handler(e.registry))

	h.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return h
}

// Handler returns the server's routes.
func (h *HealthServer) Handler() http.Handler {
	return h.server.Handler
}

// Serve listens until ctx is cancelled, then shuts the server down.
func (h *HealthServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Serve(ln)
	}()

	h.engine.logEvent("http_listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return h.server.Shutdown(shutdownCtx)
	}
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status   string `json:"status"`
	Redis    string `json:"redis,omitempty"`
	Draining bool   `json:"draining"`
	Error    string `json:"error,omitempty"`
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if Redis is accessible and the engine is not draining,
// 503 Service Unavailable otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Check Redis connectivity with timeout
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:   "healthy",
		Redis:    "connected",
		Draining: h.engine.Draining(),
	}
	code := http.StatusOK

	if err := h.engine.store.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()
		code = http.StatusServiceUnavailable
	} else if response.Draining {
		response.Status = "draining"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, response)
}

// HealthReport is the body of GET /health.
type HealthReport struct {
	Instance     string             `json:"instance"`
	Destinations []routing.Snapshot `json:"destinations"`
	Unrouted     int                `json:"unrouted"`
	Admission    backpressure.Stats `json:"admission"`
	Resources    *resource.Sample   `json:"resources,omitempty"`
	Running      []string           `json:"running_executions"`
	Plans        []string           `json:"plans"`
}

func (h *HealthServer) healthReportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Report())
}

// Report collects the current health of every component.
func (e *Engine) Report() *HealthReport {
	report := &HealthReport{
		Instance:     e.cfg.Instance,
		Destinations: e.health.Snapshots(),
		Unrouted:     e.health.Unrouted(),
		Admission:    e.guard.Stats(),
		Running:      e.executor.Running(),
	}
	if s, ok := e.resources.Latest(); ok {
		report.Resources = &s
	}
	for _, p := range e.plans.List() {
		report.Plans = append(report.Plans, p.Name)
	}
	return report
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

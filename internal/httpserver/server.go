package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync/atomic"
	"time"

	"github.com/skobkin/gputelemetry-web/internal/api"
	"github.com/skobkin/gputelemetry-web/internal/config"
	"github.com/skobkin/gputelemetry-web/internal/gpu"
	"github.com/skobkin/gputelemetry-web/internal/hostinfo"
	"github.com/skobkin/gputelemetry-web/internal/metrics"
	"github.com/skobkin/gputelemetry-web/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	serviceName       = "gputelemetry-web"
)

// Collector runs one full GPU collection.
type Collector interface {
	Collect(ctx context.Context) (gpu.Report, error)
}

// SystemInfo provides the host snapshot served by /api/system.
type SystemInfo interface {
	Snapshot(ctx context.Context) (hostinfo.Snapshot, error)
}

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	collector  Collector
	system     SystemInfo
	metrics    *metrics.Metrics

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers. system and m may be nil; the
// system endpoint then answers 503 and /metrics uses a private registry.
func New(cfg config.Config, logger *slog.Logger, collector Collector, system SystemInfo, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		system:    system,
		metrics:   m,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api", s.handleAPIIndex)
	mux.HandleFunc("/api/", s.handleAPIIndex)
	mux.HandleFunc("/api/gpu", s.handleGPU)
	mux.HandleFunc("/api/gpu/", s.handleGPU)
	mux.HandleFunc("/api/system", s.handleSystem)
	mux.HandleFunc("/ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withRequestLogging(s.withCORS(mux))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Handler exposes the fully wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type endpoint struct {
	Path        string `json:"path"`
	Description string `json:"description"`
}

type indexResponse struct {
	Service   string       `json:"service"`
	Version   version.Info `json:"version"`
	Endpoints []endpoint   `json:"endpoints"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, healthResponse{
		Status:  "healthy",
		Message: "GPU telemetry API is running",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleAPIIndex(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if r.URL.Path != "/api" && r.URL.Path != "/api/" {
		s.writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	endpoints := []endpoint{
		{Path: "/api/gpu", Description: "Full GPU report"},
	}
	for _, view := range api.Views {
		endpoints = append(endpoints, endpoint{
			Path:        "/api/gpu/" + string(view),
			Description: viewDescriptions[view],
		})
	}
	endpoints = append(endpoints,
		endpoint{Path: "/api/system", Description: "Host snapshot"},
		endpoint{Path: "/api/health", Description: "Liveness check"},
		endpoint{Path: "/api/version", Description: "Build metadata"},
		endpoint{Path: "/ws", Description: "WebSocket, send {\"type\":\"collect\"} for a fresh report"},
	)
	if s.cfg.EnablePrometheus {
		endpoints = append(endpoints, endpoint{Path: "/metrics", Description: "Prometheus metrics"})
	}

	s.writeJSON(w, r, http.StatusOK, indexResponse{
		Service:   serviceName,
		Version:   version.Current(),
		Endpoints: endpoints,
	})
}

var viewDescriptions = map[api.View]string{
	api.ViewNVIDIA:      "NVIDIA devices",
	api.ViewAMD:         "AMD devices",
	api.ViewIntegrated:  "Integrated GPUs",
	api.ViewRaspberryPi: "Raspberry Pi VideoCore",
	api.ViewGeneral:     "Hardware listing",
	api.ViewOpenGL:      "OpenGL renderer info",
	api.ViewMessages:    "Diagnostics and summary",
}

func (s *Server) handleGPU(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/gpu")
	name = strings.Trim(name, "/")
	if strings.Contains(name, "/") {
		s.writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	view, err := api.ParseView(name)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, err.Error())
		return
	}

	logger := s.loggerFromContext(r.Context())

	// The batch runs to completion even if the client goes away.
	report, err := s.collector.Collect(context.WithoutCancel(r.Context()))
	if err != nil {
		logger.Error("gpu collection failed", "err", err)
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	data, err := api.Render(report, view)
	if err != nil {
		logger.Error("failed to render view", "view", view, "err", err)
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, r, http.StatusOK, data)
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.system == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "system info unavailable")
		return
	}

	snapshot, err := s.system.Snapshot(r.Context())
	if err != nil {
		s.loggerFromContext(r.Context()).Error("host snapshot failed", "err", err)
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, r, http.StatusOK, snapshot)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.loggerFromContext(r.Context()).Warn("failed to write response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, r, status, errorResponse{Error: msg})
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

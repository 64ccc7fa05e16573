// Package monitoring serves Prometheus metrics and a JSON health report for
// a running inference process.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/llamadrama/internal/logger"
)

// EngineStatus is the part of the health report supplied by the caller.
type EngineStatus struct {
	ModelLoaded   bool   `json:"model_loaded"`
	ModelPath     string `json:"model_path,omitempty"`
	Config        string `json:"config,omitempty"`
	ContextLength int    `json:"context_length"`
	Position      int    `json:"position"`
	KVCacheBytes  int64  `json:"kv_cache_bytes"`
}

// KVCacheUsagePct is the share of context positions in use.
func (s EngineStatus) KVCacheUsagePct() float64 {
	if s.ContextLength == 0 {
		return 0
	}
	return float64(s.Position) / float64(s.ContextLength) * 100
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Engine    EngineStatus  `json:"engine"`
	KVUsage   float64       `json:"kv_cache_usage_pct"`
}

// Server exposes /metrics, /health and /healthz.
type Server struct {
	start    time.Time
	statusFn func() EngineStatus
	server   *http.Server
	ln       net.Listener
}

// NewServer prepares a server on addr. statusFn is called on every health
// request and may be nil.
func NewServer(addr string, statusFn func() EngineStatus) *Server {
	s := &Server{start: time.Now(), statusFn: statusFn}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routing table, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	logger.Log.Info("monitoring server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("monitoring server stopped", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.server.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) status() HealthStatus {
	var eng EngineStatus
	if s.statusFn != nil {
		eng = s.statusFn()
	}
	status := "healthy"
	if !eng.ModelLoaded {
		status = "starting"
	}
	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.start),
		System:    systemInfo(),
		Engine:    eng,
		KVUsage:   eng.KVCacheUsagePct(),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		logger.Log.Debug("failed to write health response", "error", err)
	}
}

// Package admin exposes the engine's read-only introspection HTTP surface:
// process status, live connection counts, backend reachability, and the
// Prometheus metrics endpoint. It carries no tenant CRUD or pause/resume
// routes — this engine fronts exactly one backend.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/protoengine/frontend/internal/config"
	"github.com/protoengine/frontend/internal/metrics"
)

// ConnectionTracker reports live connection counts for /connections.
// internal/dispatch's listener increments/decrements it per connection.
type ConnectionTracker interface {
	ActiveConnections() int
	InDumpOrRestore() int
}

// BackendPinger reports whether the backend pool can currently reach the
// database, for /healthz.
type BackendPinger interface {
	Ping(ctx context.Context) error
}

// Server is the admin/introspection HTTP server.
type Server struct {
	conns      ConnectionTracker
	backend    BackendPinger
	metrics    *metrics.Collector
	listenCfg  config.ListenConfig
	protocol   config.ProtocolConfig
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new admin server.
func NewServer(conns ConnectionTracker, backend BackendPinger, m *metrics.Collector, lc config.ListenConfig, pc config.ProtocolConfig) *Server {
	return &Server{
		conns:     conns,
		backend:   backend,
		metrics:   m,
		listenCfg: lc,
		protocol:  pc,
		startTime: time.Now(),
	}
}

// Start starts the HTTP admin server in the background.
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/connections", s.connectionsHandler).Methods("GET")
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.listenCfg.AdminBind, s.listenCfg.AdminPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[admin] introspection HTTP listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[admin] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"listen": map[string]interface{}{
			"bind": s.listenCfg.Bind,
			"port": s.listenCfg.Port,
		},
		"protocol": map[string]interface{}{
			"min":     fmt.Sprintf("%d.%d", s.protocol.MinMajor, s.protocol.MinMinor),
			"current": fmt.Sprintf("%d.%d", s.protocol.CurrentMajor, s.protocol.CurrentMinor),
		},
	})
}

func (s *Server) connectionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":           s.conns.ActiveConnections(),
		"dump_or_restore":  s.conns.InDumpOrRestore(),
	})
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.backend.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unreachable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

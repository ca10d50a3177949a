// Package admin implements FlowGate's local administration surface
// (§6.3): GET /config to inspect the active snapshot, POST /reload to
// trigger a hot reload, and GET /metrics for Prometheus scraping.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/metrics"
)

// Server is the admin HTTP handler. It enforces EnforceOrigin the same
// way the teacher's admin endpoint does: when enabled, requests whose
// Origin header doesn't match one of Origins are rejected, so a
// malicious webpage can't drive the admin API through a victim's
// browser.
type Server struct {
	coordinator   *config.Coordinator
	reloadPath    string
	metrics       *metrics.Registry
	enforceOrigin bool
	origins       map[string]struct{}
	log           *slog.Logger
	mux           *http.ServeMux
	onReload      func(*config.Snapshot)
}

// New builds the admin handler. configPath is the file reloads are
// read from when POST /reload carries no body.
func New(coordinator *config.Coordinator, configPath string, reg *metrics.Registry, cfg config.AdminConfig, log *slog.Logger) *Server {
	s := &Server{
		coordinator:   coordinator,
		reloadPath:    configPath,
		metrics:       reg,
		enforceOrigin: cfg.EnforceOrigin,
		origins:       toSet(cfg.Origins),
		log:           log,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/reload", s.handleReload)
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	s.mux = mux
	return s
}

// OnReload registers fn to be called with the newly active snapshot
// every time POST /reload publishes one, so a caller holding live
// listeners (internal/server.Runtime) can reconcile them. Must be
// called before the admin listener starts serving traffic.
func (s *Server) OnReload(fn func(*config.Snapshot)) {
	s.onReload = fn
}

func toSet(list []string) map[string]struct{} {
	m := make(map[string]struct{}, len(list))
	for _, v := range list {
		m[v] = struct{}{}
	}
	return m
}

// ServeHTTP enforces the origin check (if configured) before delegating
// to the route-specific handlers.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.enforceOrigin && !s.originAllowed(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients don't send Origin
	}
	if len(s.origins) == 0 {
		return false
	}
	_, ok := s.origins[origin]
	return ok
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.coordinator.Current()
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(snap)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var err error
	if r.ContentLength > 0 {
		var next config.Snapshot
		if decodeErr := json.NewDecoder(r.Body).Decode(&next); decodeErr != nil {
			http.Error(w, "invalid config body: "+decodeErr.Error(), http.StatusBadRequest)
			return
		}
		err = s.coordinator.Reload(&next)
	} else {
		err = s.coordinator.ReloadFromFile(s.reloadPath)
	}
	if err != nil {
		if s.log != nil {
			s.log.Error("config reload failed", slog.String("error", err.Error()))
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.onReload != nil {
		s.onReload(s.coordinator.Current())
	}
	w.WriteHeader(http.StatusOK)
}

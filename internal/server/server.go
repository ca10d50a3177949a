// Package server wires every other package into the running process:
// it compiles a config.Snapshot into listening net.Listeners, dispatches
// each accepted request through internal/router and internal/middleware,
// and owns the lifetime of the background tasks (active health
// checkers) a compiled snapshot needs. This is FlowGate's equivalent of
// the teacher's reconciliation loop, except FlowGate reconciles its own
// listeners directly instead of producing JSON for an external Caddy
// instance to apply.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/flowgate/flowgate/internal/accesslog"
	"github.com/flowgate/flowgate/internal/admin"
	"github.com/flowgate/flowgate/internal/cache"
	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/metrics"
	"github.com/flowgate/flowgate/internal/middleware"
	"github.com/flowgate/flowgate/internal/router"
	"github.com/flowgate/flowgate/internal/tlsconfig"
	"github.com/flowgate/flowgate/internal/trustedproxy"
)

// Runtime owns every listener FlowGate currently has open, plus the
// shared admin surface, metrics registry, and access logger. Reload
// drains the servers missing from the new snapshot and stops and
// restarts every other one by name, including servers whose
// configuration is unchanged; servers new in the snapshot are started
// (§4.13).
type Runtime struct {
	coordinator *config.Coordinator
	configPath  string
	metrics     *metrics.Registry
	acme        tlsconfig.ACMEResolver
	log         *slog.Logger

	mu          sync.Mutex
	listeners   map[string]*runningServer // keyed by config.Server.Name
	admin       *http.Server
	cacheShared *cache.Cache
}

type runningServer struct {
	cfg    config.Server
	http   *http.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Runtime for coordinator's currently active snapshot.
// acme may be nil; it is only consulted when a server's TLS config has
// acme_enabled set (§3's Non-goals exclude a built-in ACME client, so a
// nil resolver there surfaces as a startup error, not a panic).
func New(coordinator *config.Coordinator, configPath string, reg *metrics.Registry, acme tlsconfig.ACMEResolver, log *slog.Logger) *Runtime {
	return &Runtime{
		coordinator: coordinator,
		configPath:  configPath,
		metrics:     reg,
		acme:        acme,
		log:         log,
		listeners:   map[string]*runningServer{},
	}
}

// Start compiles the coordinator's active snapshot and opens every
// configured listener, plus the admin surface. It returns once all
// listeners are bound; Serve errors on any one of them are logged while
// the other listeners keep serving, mirroring the teacher's per-resource
// error isolation rather than aborting every listener on one bad server.
// The failed server stays in the runtime's listener set.
func (rt *Runtime) Start(ctx context.Context) error {
	snap := rt.coordinator.Current()

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if snap.Global.Cache.Enabled {
		rt.cacheShared = cache.New(snap.Global.Cache.MaxCacheSize, snap.Global.Cache.MaxEntrySize)
	}

	for _, srv := range snap.Servers {
		if err := rt.startServerLocked(ctx, srv, snap.Global, snap.TLS); err != nil {
			return fmt.Errorf("server: starting %q: %w", srv.Name, err)
		}
	}

	if !snap.Global.Admin.Disabled {
		if err := rt.startAdminLocked(snap); err != nil {
			return fmt.Errorf("server: starting admin surface: %w", err)
		}
	}
	return nil
}

// Reconcile is called after a successful config reload: it compares the
// new snapshot's server names against the running ones, stopping
// servers that are gone and starting every server in the new snapshot.
// A server present in both is stopped and started again even when its
// configuration is unchanged, so its connections are drained.
func (rt *Runtime) Reconcile(ctx context.Context, snap *config.Snapshot) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if snap.Global.Cache.Enabled && rt.cacheShared == nil {
		rt.cacheShared = cache.New(snap.Global.Cache.MaxCacheSize, snap.Global.Cache.MaxEntrySize)
	} else if !snap.Global.Cache.Enabled {
		rt.cacheShared = nil
	}

	wanted := make(map[string]config.Server, len(snap.Servers))
	for _, srv := range snap.Servers {
		wanted[srv.Name] = srv
	}

	for name, running := range rt.listeners {
		if _, ok := wanted[name]; !ok {
			rt.stopServerLocked(running)
			delete(rt.listeners, name)
		}
	}

	for name, srv := range wanted {
		if _, ok := rt.listeners[name]; ok {
			// A more thorough implementation would diff Listen/route
			// contents and only restart on change; FlowGate always
			// restarts a named server on reload, trading a brief
			// connection drain for a much simpler mental model.
			rt.stopServerLocked(rt.listeners[name])
			delete(rt.listeners, name)
		}
		if err := rt.startServerLocked(ctx, srv, snap.Global, snap.TLS); err != nil {
			return fmt.Errorf("server: reconciling %q: %w", srv.Name, err)
		}
	}
	return nil
}

func (rt *Runtime) startServerLocked(ctx context.Context, srv config.Server, global config.Global, tlsCfg config.TLS) error {
	sctx, cancel := context.WithCancel(ctx)
	running := &runningServer{cfg: srv, cancel: cancel}

	var handler http.Handler
	if srv.HTTPSRedirect {
		handler = httpsRedirectHandler()
	} else {
		h, tasks, err := rt.buildServerHandler(srv, global)
		if err != nil {
			cancel()
			return err
		}
		handler = h
		for _, task := range tasks {
			running.wg.Add(1)
			go func(t healthTask) {
				defer running.wg.Done()
				t(sctx)
			}(task)
		}
	}

	httpSrv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var tlsConf *tls.Config
	if !srv.HTTPSRedirect && (tlsCfg.ManualCert != "" || tlsCfg.ACMEEnabled) {
		built, err := tlsconfig.Build(tlsCfg, rt.acme)
		if err != nil {
			cancel()
			return err
		}
		tlsConf = built
	}

	for _, addr := range srv.Listen {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		if tlsConf != nil {
			ln = tls.NewListener(ln, tlsConf)
		}
		running.wg.Add(1)
		go func(l net.Listener) {
			defer running.wg.Done()
			if err := httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				if rt.log != nil {
					rt.log.Error("listener stopped", slog.String("server", srv.Name), slog.String("error", err.Error()))
				}
			}
		}(ln)
	}
	running.http = httpSrv
	rt.listeners[srv.Name] = running
	return nil
}

func (rt *Runtime) stopServerLocked(running *runningServer) {
	running.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if running.http != nil {
		_ = running.http.Shutdown(ctx)
	}
	running.wg.Wait()
}

// buildServerHandler compiles one server's routes into a single
// http.Handler: compression (outermost), then access logging and
// metrics observation, then router dispatch into the middleware
// pipeline for the matched route.
func (rt *Runtime) buildServerHandler(srv config.Server, global config.Global) (http.Handler, []healthTask, error) {
	handlers, tasks, err := compileRoutes(srv.Routes, global, rt.log)
	if err != nil {
		return nil, nil, err
	}
	rtr := router.New(srv.Routes)
	pipeline := middleware.NewPipeline(rt.cacheShared)

	trustedProxies, err := trustedproxy.ParseRanges(global.TrustedProxies)
	if err != nil {
		return nil, nil, fmt.Errorf("server: parsing trusted_proxies: %w", err)
	}

	alog := accesslog.New(resolveAccessLogWriter(global.AccessLog), global.AccessLog.Format)

	mux := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := accesslog.HeaderOrDefault(r.Header, "X-Request-Id")
		if requestID == "" {
			requestID = accesslog.NewRequestID()
		}
		idx, ok := rtr.MatchIndex(r)
		rec := newStatusRecorder(w)
		routeName := "unmatched"
		if !ok {
			http.NotFound(rec, r)
		} else {
			routeName = srv.Routes[idx].Name
			rh := handlers[idx]
			pipeline.ServeRoute(rec, r, rh, trustedProxies)
		}
		dur := time.Since(start)
		if rt.metrics != nil {
			rt.metrics.ObserveRequest(routeName, metrics.StatusClass(rec.status), dur)
		}
		alog.Log(accesslog.Entry{
			RemoteAddr: r.RemoteAddr,
			Time:       start,
			Method:     r.Method,
			URI:        r.RequestURI,
			Proto:      r.Proto,
			Status:     rec.status,
			BytesOut:   rec.bytes,
			Referer:    r.Referer(),
			UserAgent:  r.UserAgent(),
			Duration:   dur,
			RequestID:  requestID,
			Route:      routeName,
		})
	})

	compressor := middleware.NewCompressor(global.Compression)
	return compressor.Wrap(mux), tasks, nil
}

func resolveAccessLogWriter(cfg config.AccessLogConfig) *lineWriter {
	return newLineWriter(cfg.Path)
}

// httpsRedirectHandler implements the https_redirect listener
// (SPEC_FULL.md's supplemented dedicated-listener feature): every
// request receives a 308 to the same host/URI over https.
func httpsRedirectHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := "https://" + r.Host + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusPermanentRedirect)
	})
}

func (rt *Runtime) startAdminLocked(snap *config.Snapshot) error {
	srv := admin.New(rt.coordinator, rt.configPath, rt.metrics, snap.Global.Admin, rt.log)
	srv.OnReload(func(next *config.Snapshot) {
		ctx := context.Background()
		if err := rt.Reconcile(ctx, next); err != nil && rt.log != nil {
			rt.log.Error("reconcile after reload failed", slog.String("error", err.Error()))
		}
	})
	ln, err := net.Listen("tcp", snap.Global.Admin.Listen)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{Handler: srv}
	rt.admin = httpSrv
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if rt.log != nil {
				rt.log.Error("admin listener stopped", slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}

// ReloadFromConfigPath re-parses the file at rt.configPath, publishes it
// through the coordinator if valid, and reconciles running listeners to
// match — the path cmd/flowgate's SIGHUP handler and fsnotify watcher
// both drive (§4.13, §8).
func (rt *Runtime) ReloadFromConfigPath(ctx context.Context) error {
	if err := rt.coordinator.ReloadFromFile(rt.configPath); err != nil {
		return err
	}
	return rt.Reconcile(ctx, rt.coordinator.Current())
}

// Shutdown stops every listener, giving in-flight requests grace before
// closing (§4.13/§8's cooperative shutdown).
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for _, running := range rt.listeners {
		rt.stopServerLocked(running)
	}
	if rt.admin != nil {
		_ = rt.admin.Shutdown(ctx)
	}
	return nil
}

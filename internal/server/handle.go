package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/flowgate"
	"github.com/flowgate/flowgate/internal/script"
	"github.com/flowgate/flowgate/internal/upstream"
)

// healthTask is a background goroutine a compiled route needs running
// for its lifetime (currently: one active health checker per
// reverse_proxy route with a health_check attachment).
type healthTask func(ctx context.Context)

// buildHandler dispatches on route.Handle.Type, compiling the terminal
// http.Handler for one route along with any background tasks it needs
// started (§3's C9/C10/C12).
func buildHandler(route config.Route, global config.Global, log *slog.Logger) (http.Handler, []healthTask, error) {
	switch route.Handle.Type {
	case config.HandleReverseProxy:
		return buildReverseProxyHandler(route, log)
	case config.HandleFileServer:
		return buildFileServerHandler(route.Handle.FileServer), nil, nil
	case config.HandleStaticResponse:
		return buildStaticResponseHandler(route.Handle.StaticResponse), nil, nil
	case config.HandleRedirect:
		return buildRedirectHandler(route.Handle.Redirect), nil, nil
	case config.HandleScript:
		return buildScriptHandler(route.Handle.Script, global)
	default:
		return nil, nil, flowgate.Wrap(flowgate.KindConfigInvalid, "server.build_handler",
			fmt.Errorf("route %q: unknown handle type %q", route.Name, route.Handle.Type))
	}
}

func buildReverseProxyHandler(route config.Route, log *slog.Logger) (http.Handler, []healthTask, error) {
	rp := route.Handle.ReverseProxy
	pool := make([]*upstream.Upstream, 0, len(rp.Upstreams))
	for _, u := range rp.Upstreams {
		pool = append(pool, upstream.NewUpstream(u.Address, u.Weight, u.MaxRequests))
	}

	passive := &upstream.PassiveChecker{
		MaxFails:     3,
		FailDuration: 30 * time.Second,
		UnhealthyStatus: []int{502, 503, 504},
	}

	var tasks []healthTask
	if route.HealthCheck != nil {
		hc := route.HealthCheck
		passive.MaxFails = hc.PassiveMaxFails
		passive.FailDuration = time.Duration(hc.PassiveFailDuration)
		passive.UnhealthyStatus = hc.PassiveUnhealthyStatus
		passive.UnhealthyLatency = time.Duration(hc.PassiveUnhealthyLatency)

		checker := upstream.NewActiveChecker(pool, hc.Path, hc.ExpectStatus,
			hc.HealthyThreshold, hc.UnhealthyThreshold,
			time.Duration(hc.Interval), time.Duration(hc.Timeout), log)
		tasks = append(tasks, checker.Run)
	}

	var affinity *upstream.Affinity
	if route.SessionAffinity != nil {
		sa := route.SessionAffinity
		affinity = &upstream.Affinity{
			Type:         sa.Type,
			CookieName:   sa.CookieName,
			CookieMaxAge: time.Duration(sa.CookieMaxAge),
		}
	}

	dialer := &net.Dialer{Timeout: durOrDefault(rp.ConnectTimeout, 5 * time.Second)}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: durOrDefault(rp.ReadTimeout, 30*time.Second),
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   64,
	}
	client := &http.Client{Transport: transport}

	dispatcher := upstream.NewDispatcher(client, log)
	dispatcher.Pool = pool
	dispatcher.Policy = upstream.NewPolicy(rp.LoadBalancing)
	dispatcher.Affinity = affinity
	dispatcher.Passive = passive
	dispatcher.ConnectTimeout = durOrDefault(rp.ConnectTimeout, 5*time.Second)
	dispatcher.ReadTimeout = durOrDefault(rp.ReadTimeout, 30*time.Second)
	dispatcher.WriteTimeout = durOrDefault(rp.WriteTimeout, 30*time.Second)
	dispatcher.OverallTimeout = time.Duration(rp.OverallTimeout)
	dispatcher.TryDuration = durOrDefault(rp.TryDuration, 1*time.Second)
	dispatcher.TryInterval = durOrDefault(rp.TryInterval, 50*time.Millisecond)

	headersUp := route.HeadersUp
	headersDown := route.HeadersDown

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range headersUp {
			r.Header.Set(k, v)
		}
		resp, err := dispatcher.Dispatch(w, r)
		if err != nil {
			writeHandlerError(w, err)
			return
		}
		defer resp.Body.Close()
		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		for k, v := range headersDown {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	})
	return h, tasks, nil
}

func buildFileServerHandler(cfg *config.FileServerConfig) http.Handler {
	fs := http.FileServer(http.Dir(cfg.Root))
	if cfg.BrowseIndex {
		return fs
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	})
}

func buildStaticResponseHandler(cfg *config.StaticResponseConfig) http.Handler {
	status := cfg.Status
	if status == 0 {
		status = http.StatusOK
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range cfg.Headers {
			w.Header().Set(k, v)
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(cfg.Body))
	})
}

func buildRedirectHandler(cfg *config.RedirectConfig) http.Handler {
	status := cfg.Status
	if status == 0 {
		status = http.StatusFound
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, cfg.To, status)
	})
}

func buildScriptHandler(cfg *config.ScriptConfig, global config.Global) (http.Handler, []healthTask, error) {
	cpuLimit := time.Duration(global.ScriptCPUMS) * time.Millisecond
	engine, err := script.New(cfg.Source, cpuLimit)
	if err != nil {
		return nil, nil, err
	}
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := script.Request{
			Method:  r.Method,
			Path:    r.URL.Path,
			Query:   flattenQuery(r),
			Headers: flattenHeaders(r.Header),
		}
		result, err := engine.Run(req, time.Now())
		if err != nil {
			writeHandlerError(w, err)
			return
		}
		if !result.Terminal {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		for k, v := range result.Headers {
			w.Header().Set(k, v)
		}
		status := result.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(result.Body))
	})
	return h, nil, nil
}

func flattenQuery(r *http.Request) map[string]string {
	out := map[string]string{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func flattenHeaders(h http.Header) map[string]string {
	out := map[string]string{}
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func writeHandlerError(w http.ResponseWriter, err error) {
	var fe *flowgate.Error
	if asFlowgateError(err, &fe) {
		http.Error(w, fe.Kind.String(), fe.Kind.StatusCode())
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func asFlowgateError(err error, target **flowgate.Error) bool {
	for err != nil {
		if fe, ok := err.(*flowgate.Error); ok {
			*target = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func durOrDefault(d flowgate.Duration, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

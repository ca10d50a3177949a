// Package middleware wires FlowGate's per-request pipeline (§4.3): rate
// limit, then auth, then CORS, then rewrite, then the route's handler
// (consulting the response cache first for cacheable requests), then
// response-phase header/compression mutation.
package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowgate/flowgate/internal/auth"
	"github.com/flowgate/flowgate/internal/cache"
	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/cors"
	"github.com/flowgate/flowgate/internal/flowgate"
	"github.com/flowgate/flowgate/internal/ratelimit"
	"github.com/flowgate/flowgate/internal/rewrite"
)

// RouteHandlers bundles the per-route attachments built once when a
// Snapshot is compiled, reused across every request matching that
// route.
type RouteHandlers struct {
	Auth     *auth.Chain
	CORS     *cors.Evaluator
	Limiter  *ratelimit.Limiter
	Rewriter *rewrite.Rewriter
	Handler  http.Handler

	Cacheable        bool
	CacheableMethods []string
	CacheableStatus  []int
	CacheVary        []string
	CacheDefaultTTL  time.Duration
	CacheMaxTTL      time.Duration
	// CacheFixedTTL, when nonzero, is a per-route CacheOverride.TTL that
	// takes priority over both the origin's Cache-Control: max-age and
	// CacheDefaultTTL.
	CacheFixedTTL time.Duration
}

// Pipeline runs the fixed middleware order for one matched route.
type Pipeline struct {
	ResponseCache *cache.Cache
	Now           func() time.Time
}

// NewPipeline builds a Pipeline sharing one response Cache across every
// route (cache keys are already route-qualified via the request path).
func NewPipeline(responseCache *cache.Cache) *Pipeline {
	return &Pipeline{ResponseCache: responseCache, Now: time.Now}
}

// ServeRoute runs rh's attachments against r in pipeline order and
// writes the final response to w.
func (p *Pipeline) ServeRoute(w http.ResponseWriter, r *http.Request, rh *RouteHandlers, trustedProxies []*net.IPNet) {
	if rh.Limiter != nil {
		key := ratelimit.ClientKey(r, trustedProxies)
		if ok, retryAfter := rh.Limiter.Allow(key, p.now()); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
			writeError(w, flowgate.Wrap(flowgate.KindRateLimited, "middleware.rate_limit", errRateLimited))
			return
		}
	}

	if _, ok := rh.Auth.Authorize(r); rh.Auth != nil && !ok {
		if challenge := rh.Auth.Challenge(); challenge != "" {
			w.Header().Set("WWW-Authenticate", challenge)
		}
		writeError(w, flowgate.Wrap(flowgate.KindAuthRejected, "middleware.auth", errUnauthorized))
		return
	}

	if rh.CORS != nil {
		if rh.CORS.HandlePreflight(w, r) {
			return
		}
	}

	rh.Rewriter.ApplyRequest(r)

	if rh.Cacheable && p.ResponseCache != nil && isCacheableMethod(r.Method, rh.CacheableMethods) {
		p.serveCached(w, r, rh)
		return
	}

	rec := newResponseRecorder(w)
	rh.Handler.ServeHTTP(rec, r)
	if rh.CORS != nil {
		rh.CORS.ApplyResponseHeaders(w, r)
	}
	rh.Rewriter.ApplyResponse(w.Header())
	rec.flushIfNotAlready()
}

func (p *Pipeline) serveCached(w http.ResponseWriter, r *http.Request, rh *RouteHandlers) {
	key := cache.Key(r, rh.CacheVary)
	entry, err, _ := p.ResponseCache.Fetch(key, p.now(), func() (*cache.Entry, bool, error) {
		rec := newCapturingRecorder()
		rh.Handler.ServeHTTP(rec, r)
		header := rec.Header().Clone()
		store := isCacheableStatus(rec.status, rh.CacheableStatus) && storable(header)
		entry := &cache.Entry{
			Status:    rec.status,
			Header:    header,
			Body:      rec.body.Bytes(),
			StoredAt:  p.now(),
			ExpiresAt: p.now().Add(rh.ttl(header)),
		}
		return entry, store, nil
	})
	if err != nil {
		writeError(w, flowgate.Wrap(flowgate.KindInternal, "middleware.cache", err))
		return
	}
	for k, vs := range entry.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if rh.CORS != nil {
		rh.CORS.ApplyResponseHeaders(w, r)
	}
	rh.Rewriter.ApplyResponse(w.Header())
	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}

// ttl resolves this response's cache lifetime (§4.8): a per-route fixed
// override wins outright; otherwise the origin's Cache-Control: max-age
// is honored when present and within CacheMaxTTL, else CacheDefaultTTL.
func (rh *RouteHandlers) ttl(header http.Header) time.Duration {
	if rh.CacheFixedTTL > 0 {
		return rh.CacheFixedTTL
	}
	if maxAge, ok := cacheControlMaxAge(header); ok {
		d := time.Duration(maxAge) * time.Second
		if rh.CacheMaxTTL <= 0 || d <= rh.CacheMaxTTL {
			return d
		}
	}
	return rh.CacheDefaultTTL
}

// storable reports whether an origin response with header may be
// stored at all, per §4.8: no-store/private Cache-Control directives
// and a Vary: * both forbid storage outright regardless of status.
func storable(header http.Header) bool {
	for _, directive := range strings.Split(header.Get("Cache-Control"), ",") {
		switch strings.TrimSpace(strings.ToLower(directive)) {
		case "no-store", "private":
			return false
		}
	}
	if header.Get("Vary") == "*" {
		return false
	}
	return true
}

func cacheControlMaxAge(header http.Header) (seconds int, ok bool) {
	for _, directive := range strings.Split(header.Get("Cache-Control"), ",") {
		directive = strings.TrimSpace(directive)
		const prefix = "max-age="
		if !strings.HasPrefix(strings.ToLower(directive), prefix) {
			continue
		}
		n, err := strconv.Atoi(directive[len(prefix):])
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func isCacheableMethod(method string, allowed []string) bool {
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func isCacheableStatus(status int, allowed []int) bool {
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, err *flowgate.Error) {
	http.Error(w, err.Kind.String(), err.Kind.StatusCode())
}

var (
	errRateLimited = simpleErr("rate limit exceeded")
	errUnauthorized = simpleErr("unauthorized")
)

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

// BuildRouteHandlers compiles a config.Route's attachments into a
// RouteHandlers, wiring the auth/cors/rewrite/ratelimit packages and the
// global cache policy (§4.8), which a route's CacheOverride may narrow.
func BuildRouteHandlers(route config.Route, global config.Global, handler http.Handler) (*RouteHandlers, error) {
	authChain, err := auth.Build(route.Auth)
	if err != nil {
		return nil, err
	}
	rw, err := rewrite.New(route.Rewrite)
	if err != nil {
		return nil, err
	}
	rh := &RouteHandlers{
		Auth:     authChain,
		CORS:     cors.New(route.CORS),
		Rewriter: rw,
		Handler:  handler,
	}
	if route.RateLimit != nil {
		rh.Limiter = ratelimit.New(route.RateLimit.RequestsPerSecond, route.RateLimit.Burst, route.RateLimit.MaxBuckets)
	}

	cachePolicy := global.Cache
	if cachePolicy.Enabled && (route.CacheOverride == nil || !route.CacheOverride.Disabled) {
		rh.Cacheable = route.Handle.Type == config.HandleReverseProxy || route.Handle.Type == config.HandleFileServer
		rh.CacheableMethods = cachePolicy.CacheableMethods
		rh.CacheableStatus = cachePolicy.CacheableStatus
		rh.CacheVary = cachePolicy.Vary
		rh.CacheDefaultTTL = time.Duration(cachePolicy.DefaultTTL)
		rh.CacheMaxTTL = time.Duration(cachePolicy.MaxTTL)
		if route.CacheOverride != nil {
			rh.CacheFixedTTL = time.Duration(route.CacheOverride.TTL)
			if route.CacheOverride.Vary != nil {
				rh.CacheVary = route.CacheOverride.Vary
			}
		}
	}
	return rh, nil
}

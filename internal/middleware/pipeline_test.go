package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowgate/flowgate/internal/cache"
	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/flowgate"
)

func TestServeRouteRejectsOverRateLimit(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rh, err := BuildRouteHandlers(config.Route{
		RateLimit: &config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1, MaxBuckets: 10},
	}, config.Global{}, handler)
	if err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:1111"

	rec1 := httptest.NewRecorder()
	p.ServeRoute(rec1, req, rh, nil)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	p.ServeRoute(rec2, req, rh, nil)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", rec2.Code)
	}
	if got := rec2.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", got)
	}
}

func TestServeRouteAppliesRewriteBeforeHandler(t *testing.T) {
	var gotPath string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})
	rh, err := BuildRouteHandlers(config.Route{
		Rewrite: &config.RewriteConfig{StripPathPrefix: "/api"},
	}, config.Global{}, handler)
	if err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(nil)
	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	rec := httptest.NewRecorder()
	p.ServeRoute(rec, req, rh, nil)

	if gotPath != "/users" {
		t.Fatalf("expected rewritten path /users, got %q", gotPath)
	}
}

func TestServeRouteCachesReverseProxyResponses(t *testing.T) {
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("cached-body"))
	})
	global := config.Global{
		Cache: config.CachePolicy{
			Enabled:          true,
			CacheableMethods: []string{"GET", "HEAD"},
			CacheableStatus:  []int{200},
			DefaultTTL:       flowgate.Duration(time.Minute),
			MaxTTL:           flowgate.Duration(time.Hour),
		},
	}
	rh, err := BuildRouteHandlers(config.Route{
		Handle: config.Handle{Type: config.HandleReverseProxy},
	}, global, handler)
	if err != nil {
		t.Fatal(err)
	}

	p := NewPipeline(cache.New(1<<20, 1<<10))
	req := httptest.NewRequest(http.MethodGet, "/same", nil)

	rec1 := httptest.NewRecorder()
	p.ServeRoute(rec1, req, rh, nil)
	rec2 := httptest.NewRecorder()
	p.ServeRoute(rec2, req, rh, nil)

	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
	if rec2.Body.String() != "cached-body" {
		t.Fatalf("expected cached body on second request, got %q", rec2.Body.String())
	}
}

func TestServeRouteDoesNotCacheNonCacheableStatus(t *testing.T) {
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})
	global := config.Global{
		Cache: config.CachePolicy{
			Enabled:          true,
			CacheableMethods: []string{"GET"},
			CacheableStatus:  []int{200},
			DefaultTTL:       flowgate.Duration(time.Minute),
		},
	}
	rh, err := BuildRouteHandlers(config.Route{
		Handle: config.Handle{Type: config.HandleReverseProxy},
	}, global, handler)
	if err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(cache.New(1<<20, 1<<10))
	req := httptest.NewRequest(http.MethodGet, "/errors", nil)

	p.ServeRoute(httptest.NewRecorder(), req, rh, nil)
	p.ServeRoute(httptest.NewRecorder(), req, rh, nil)

	if calls != 2 {
		t.Fatalf("expected every request to reach the handler since 500s aren't cacheable, got %d calls", calls)
	}
}

func TestServeRouteDoesNotCacheNoStore(t *testing.T) {
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
	})
	global := config.Global{
		Cache: config.CachePolicy{
			Enabled:          true,
			CacheableMethods: []string{"GET"},
			CacheableStatus:  []int{200},
			DefaultTTL:       flowgate.Duration(time.Minute),
		},
	}
	rh, err := BuildRouteHandlers(config.Route{
		Handle: config.Handle{Type: config.HandleReverseProxy},
	}, global, handler)
	if err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(cache.New(1<<20, 1<<10))
	req := httptest.NewRequest(http.MethodGet, "/private", nil)

	p.ServeRoute(httptest.NewRecorder(), req, rh, nil)
	p.ServeRoute(httptest.NewRecorder(), req, rh, nil)

	if calls != 2 {
		t.Fatalf("expected Cache-Control: no-store to prevent storage, got %d calls", calls)
	}
}

func TestServeRouteHonorsOriginMaxAgeWithinConfiguredMax(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=30")
		w.WriteHeader(http.StatusOK)
	})
	global := config.Global{
		Cache: config.CachePolicy{
			Enabled:          true,
			CacheableMethods: []string{"GET"},
			CacheableStatus:  []int{200},
			DefaultTTL:       flowgate.Duration(time.Hour),
			MaxTTL:           flowgate.Duration(time.Minute),
		},
	}
	rh, err := BuildRouteHandlers(config.Route{
		Handle: config.Handle{Type: config.HandleReverseProxy},
	}, global, handler)
	if err != nil {
		t.Fatal(err)
	}
	if got := rh.ttl(http.Header{"Cache-Control": {"max-age=30"}}); got != 30*time.Second {
		t.Fatalf("expected origin max-age to set a 30s ttl, got %v", got)
	}
}

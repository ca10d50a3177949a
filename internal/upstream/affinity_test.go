package upstream

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCookieAffinityPicksPinnedUpstream(t *testing.T) {
	a := &Affinity{Type: "cookie", CookieName: "sticky"}
	pool := []*Upstream{
		NewUpstream("a:80", 1, 0),
		NewUpstream("b:80", 1, 0),
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: "sticky", Value: "b:80"})

	u, ok := a.Pick(pool, req, time.Now().UnixNano())
	if !ok || u.Address != "b:80" {
		t.Fatalf("expected pinned upstream b:80, got %+v ok=%v", u, ok)
	}
}

func TestCookieAffinityMissesWithoutCookie(t *testing.T) {
	a := &Affinity{Type: "cookie"}
	pool := []*Upstream{NewUpstream("a:80", 1, 0)}
	req := httptest.NewRequest("GET", "/", nil)

	if _, ok := a.Pick(pool, req, time.Now().UnixNano()); ok {
		t.Fatal("expected no affinity pick without a cookie")
	}
}

func TestCookieAffinityIgnoresUnavailablePinnedUpstream(t *testing.T) {
	a := &Affinity{Type: "cookie", CookieName: "sticky"}
	down := NewUpstream("a:80", 1, 0)
	down.healthy.Store(false)
	pool := []*Upstream{down, NewUpstream("b:80", 1, 0)}

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: "sticky", Value: "a:80"})

	if _, ok := a.Pick(pool, req, time.Now().UnixNano()); ok {
		t.Fatal("expected pinned-but-unhealthy upstream to not be picked")
	}
}

func TestNilAffinityNeverPicks(t *testing.T) {
	var a *Affinity
	pool := []*Upstream{NewUpstream("a:80", 1, 0)}
	req := httptest.NewRequest("GET", "/", nil)
	if _, ok := a.Pick(pool, req, time.Now().UnixNano()); ok {
		t.Fatal("expected nil affinity to never pick")
	}
}

package upstream

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestRoundRobinDistributesAcrossAvailable(t *testing.T) {
	pool := []*Upstream{
		NewUpstream("a:80", 1, 0),
		NewUpstream("b:80", 1, 0),
	}
	p := NewPolicy("round_robin")
	req := httptest.NewRequest("GET", "/", nil)
	now := time.Now().UnixNano()

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		u := p.Select(pool, req, now)
		if u == nil {
			t.Fatal("expected a selection")
		}
		seen[u.Address] = true
	}
	if len(seen) != 2 {
		t.Fatalf("expected round robin to hit both upstreams, saw %v", seen)
	}
}

func TestFirstPolicyAlwaysPrefersEarliest(t *testing.T) {
	pool := []*Upstream{
		NewUpstream("a:80", 1, 0),
		NewUpstream("b:80", 1, 0),
	}
	p := NewPolicy("first")
	req := httptest.NewRequest("GET", "/", nil)
	now := time.Now().UnixNano()
	for i := 0; i < 5; i++ {
		u := p.Select(pool, req, now)
		if u.Address != "a:80" {
			t.Fatalf("expected first policy to always pick a:80, got %s", u.Address)
		}
	}
}

func TestLeastConnPrefersFewerInFlight(t *testing.T) {
	a := NewUpstream("a:80", 1, 0)
	b := NewUpstream("b:80", 1, 0)
	releaseA := a.Acquire()
	defer releaseA()

	p := NewPolicy("least_conn")
	req := httptest.NewRequest("GET", "/", nil)
	now := time.Now().UnixNano()
	u := p.Select([]*Upstream{a, b}, req, now)
	if u.Address != "b:80" {
		t.Fatalf("expected least_conn to prefer idle upstream b, got %s", u.Address)
	}
}

func TestIPHashIsSticky(t *testing.T) {
	pool := []*Upstream{
		NewUpstream("a:80", 1, 0),
		NewUpstream("b:80", 1, 0),
		NewUpstream("c:80", 1, 0),
	}
	p := NewPolicy("ip_hash")
	now := time.Now().UnixNano()

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "1.2.3.4:5555"
	first := p.Select(pool, req, now)
	second := p.Select(pool, req, now)
	if first.Address != second.Address {
		t.Fatalf("expected ip_hash to be sticky for same client, got %s then %s", first.Address, second.Address)
	}
}

func TestUnavailableUpstreamsAreSkipped(t *testing.T) {
	a := NewUpstream("a:80", 1, 0)
	a.healthy.Store(false)
	b := NewUpstream("b:80", 1, 0)

	p := NewPolicy("round_robin")
	req := httptest.NewRequest("GET", "/", nil)
	now := time.Now().UnixNano()
	for i := 0; i < 5; i++ {
		u := p.Select([]*Upstream{a, b}, req, now)
		if u.Address != "b:80" {
			t.Fatalf("expected unhealthy upstream to be skipped, got %s", u.Address)
		}
	}
}

func TestNoAvailableUpstreamsReturnsNil(t *testing.T) {
	a := NewUpstream("a:80", 1, 0)
	a.healthy.Store(false)
	p := NewPolicy("round_robin")
	req := httptest.NewRequest("GET", "/", nil)
	if u := p.Select([]*Upstream{a}, req, time.Now().UnixNano()); u != nil {
		t.Fatalf("expected nil selection, got %v", u)
	}
}

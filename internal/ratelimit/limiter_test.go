package ratelimit

import (
	"net"
	"net/http"
	"testing"
	"time"
)

func TestAllowBurstThenRefill(t *testing.T) {
	l := New(1, 2, 100)
	now := time.Unix(0, 0)

	if ok, _ := l.Allow("a", now); !ok {
		t.Fatal("expected first request to be allowed")
	}
	if ok, _ := l.Allow("a", now); !ok {
		t.Fatal("expected second request (within burst) to be allowed")
	}
	ok, retryAfter := l.Allow("a", now)
	if ok {
		t.Fatal("expected third request to be denied, burst exhausted")
	}
	if retryAfter != time.Second {
		t.Fatalf("expected Retry-After of 1s, got %v", retryAfter)
	}

	later := now.Add(1100 * time.Millisecond)
	if ok, _ := l.Allow("a", later); !ok {
		t.Fatal("expected request to be allowed after refill window")
	}
}

func TestBoundedKeySpaceEvicts(t *testing.T) {
	l := New(10, 10, 3)
	now := time.Unix(0, 0)

	l.Allow("k1", now)
	l.Allow("k2", now)
	l.Allow("k3", now)
	if l.Len() != 3 {
		t.Fatalf("expected 3 tracked keys, got %d", l.Len())
	}

	l.Allow("k4", now)
	if l.Len() != 3 {
		t.Fatalf("expected eviction to keep tracked keys at 3, got %d", l.Len())
	}
}

func TestClientKeyUsesForwardedForWhenTrusted(t *testing.T) {
	_, cidr, _ := net.ParseCIDR("10.0.0.0/8")
	trusted := []*net.IPNet{cidr}

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")

	key := ClientKey(req, trusted)
	if key != "203.0.113.7" {
		t.Fatalf("expected forwarded client ip, got %q", key)
	}
}

func TestClientKeyIgnoresForwardedForWhenUntrusted(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	req.Header.Set("X-Forwarded-For", "9.9.9.9")

	key := ClientKey(req, nil)
	if key != "203.0.113.7" {
		t.Fatalf("expected peer address since no proxies are trusted, got %q", key)
	}
}

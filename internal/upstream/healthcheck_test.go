package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestActiveCheckerMarksUnhealthyAfterThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	u := NewUpstream(srv.Listener.Addr().String(), 1, 0)
	checker := NewActiveChecker([]*Upstream{u}, "/health", 200, 2, 2, 10*time.Millisecond, time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	checker.Run(ctx)

	if u.healthy.Load() {
		t.Fatal("expected upstream to be marked unhealthy after repeated failing probes")
	}
}

func TestActiveCheckerKeepsHealthyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := NewUpstream(srv.Listener.Addr().String(), 1, 0)
	checker := NewActiveChecker([]*Upstream{u}, "/health", 200, 2, 2, 10*time.Millisecond, time.Second, nil)
	checker.probeAll()

	if !u.healthy.Load() {
		t.Fatal("expected upstream to remain healthy")
	}
}

func TestPassiveCheckerTripsAfterMaxFails(t *testing.T) {
	u := NewUpstream("a:80", 1, 0)
	pc := &PassiveChecker{MaxFails: 2, FailDuration: time.Minute, UnhealthyStatus: []int{502}}
	now := time.Unix(0, 0)

	pc.Record(u, 502, 0, nil, now)
	if !u.Available(now.UnixNano()) {
		t.Fatal("expected upstream to remain available after one failure")
	}
	pc.Record(u, 502, 0, nil, now)
	if u.Available(now.UnixNano()) {
		t.Fatal("expected upstream to be marked down after reaching MaxFails")
	}
}

func TestPassiveCheckerRecoversAfterFailDuration(t *testing.T) {
	u := NewUpstream("a:80", 1, 0)
	pc := &PassiveChecker{MaxFails: 1, FailDuration: time.Second}
	now := time.Unix(0, 0)

	pc.Record(u, 500, 0, nil, now)
	if u.Available(now.UnixNano()) {
		t.Fatal("expected upstream down immediately after trip")
	}
	later := now.Add(2 * time.Second)
	if !u.Available(later.UnixNano()) {
		t.Fatal("expected upstream to recover after FailDuration elapses")
	}
}

package upstream

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDispatchFailsOverToHealthyUpstream(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer up.Close()

	pool := []*Upstream{
		NewUpstream(down.Listener.Addr().String(), 1, 0),
		NewUpstream(up.Listener.Addr().String(), 1, 0),
	}
	d := NewDispatcher(&http.Client{Timeout: time.Second}, nil)
	d.Pool = pool
	d.Policy = NewPolicy("first")
	d.Passive = &PassiveChecker{MaxFails: 1, FailDuration: time.Minute}
	d.TryDuration = time.Second
	d.TryInterval = time.Millisecond

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	resp, err := d.Dispatch(rec, req)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("expected response from healthy upstream, got %q", body)
	}
}

func TestDispatchReturnsErrorWhenAllUnavailable(t *testing.T) {
	u := NewUpstream("127.0.0.1:1", 1, 0) // nothing listening
	d := NewDispatcher(&http.Client{Timeout: 50 * time.Millisecond}, nil)
	d.Pool = []*Upstream{u}
	d.Policy = NewPolicy("first")
	d.TryDuration = 10 * time.Millisecond

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	_, err := d.Dispatch(rec, req)
	if err == nil {
		t.Fatal("expected dispatch to fail when no upstream is reachable")
	}
}

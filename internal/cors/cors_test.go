package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowgate/flowgate/internal/config"
)

func TestPreflightAllowedOrigin(t *testing.T) {
	e := New(&config.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
	})

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()

	if !e.HandlePreflight(rec, req) {
		t.Fatal("expected preflight to be handled")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow-origin header %q", got)
	}
}

func TestPreflightRejectedOrigin(t *testing.T) {
	e := New(&config.CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()

	if !e.HandlePreflight(rec, req) {
		t.Fatal("expected preflight to be recognized and handled even when rejected")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestApplyResponseHeadersWildcardNoCredentials(t *testing.T) {
	e := New(&config.CORSConfig{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://anyone.example.com")
	rec := httptest.NewRecorder()

	e.ApplyResponseHeaders(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard origin, got %q", got)
	}
}

func TestNilEvaluatorIsNoop(t *testing.T) {
	var e *Evaluator
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	e.ApplyResponseHeaders(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("expected no headers from a nil evaluator")
	}
	if e.HandlePreflight(rec, req) {
		t.Fatal("expected nil evaluator to never handle preflight")
	}
}

// Package cors implements FlowGate's CORS evaluator (§4.6): preflight
// OPTIONS handling and response-header injection for actual requests.
package cors

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowgate/flowgate/internal/config"
)

// Evaluator applies one route's CORS policy.
type Evaluator struct {
	allowedOrigins   []string
	allowAllOrigins  bool
	allowedMethods   string
	allowedHeaders   string
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
}

// New builds an Evaluator from a route's CORSConfig.
func New(cfg *config.CORSConfig) *Evaluator {
	if cfg == nil {
		return nil
	}
	e := &Evaluator{
		allowedOrigins:   cfg.AllowedOrigins,
		allowCredentials: cfg.AllowCredentials,
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			e.allowAllOrigins = true
		}
	}
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}
	e.allowedMethods = strings.Join(methods, ", ")
	e.allowedHeaders = strings.Join(cfg.AllowedHeaders, ", ")
	e.exposeHeaders = strings.Join(cfg.ExposeHeaders, ", ")
	if cfg.MaxAge > 0 {
		e.maxAge = strconv.Itoa(int(time.Duration(cfg.MaxAge).Seconds()))
	}
	return e
}

// IsPreflight reports whether r is a CORS preflight request.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Access-Control-Request-Method") != "" &&
		r.Header.Get("Origin") != ""
}

// HandlePreflight writes a complete preflight response to w and returns
// true if it did so (the request was in fact a preflight this Evaluator
// recognized). The pipeline treats a handled preflight as terminal: no
// further middleware or route handler runs.
func (e *Evaluator) HandlePreflight(w http.ResponseWriter, r *http.Request) bool {
	if e == nil || !IsPreflight(r) {
		return false
	}
	origin := r.Header.Get("Origin")
	if !e.originAllowed(origin) {
		w.WriteHeader(http.StatusForbidden)
		return true
	}
	h := w.Header()
	e.setOriginHeaders(h, origin)
	if e.allowedMethods != "" {
		h.Set("Access-Control-Allow-Methods", e.allowedMethods)
	}
	if e.allowedHeaders != "" {
		h.Set("Access-Control-Allow-Headers", e.allowedHeaders)
	} else if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	}
	if e.maxAge != "" {
		h.Set("Access-Control-Max-Age", e.maxAge)
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}

// ApplyResponseHeaders adds the CORS headers an actual (non-preflight)
// cross-origin response needs, per §4.6.
func (e *Evaluator) ApplyResponseHeaders(w http.ResponseWriter, r *http.Request) {
	if e == nil {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" || !e.originAllowed(origin) {
		return
	}
	h := w.Header()
	e.setOriginHeaders(h, origin)
	if e.exposeHeaders != "" {
		h.Set("Access-Control-Expose-Headers", e.exposeHeaders)
	}
}

func (e *Evaluator) setOriginHeaders(h http.Header, origin string) {
	if e.allowAllOrigins && !e.allowCredentials {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	if e.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

func (e *Evaluator) originAllowed(origin string) bool {
	if e.allowAllOrigins {
		return true
	}
	for _, o := range e.allowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

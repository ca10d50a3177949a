// Package router implements FlowGate's deterministic route matching
// (§4.2): given a request and the server's ordered route table, find the
// first route whose predicate matches.
package router

import (
	"net/http"
	"strings"

	"github.com/flowgate/flowgate/internal/config"
)

// Router holds one server's ordered route table and matches incoming
// requests against it in order, first match wins.
type Router struct {
	routes []config.Route
}

// New builds a Router over routes. Route order is preserved exactly as
// given; callers are expected to pass config.Server.Routes as declared
// in the TOML file, since route order is itself part of the
// configuration contract (§4.2).
func New(routes []config.Route) *Router {
	return &Router{routes: routes}
}

// Match returns the first route whose predicate matches r, and true. If
// no route matches, it returns the zero Route and false.
func (rt *Router) Match(r *http.Request) (config.Route, bool) {
	for _, route := range rt.routes {
		if matches(route.Match, r) {
			return route, true
		}
	}
	return config.Route{}, false
}

// MatchIndex is like Match but returns the matched route's position in
// the route table instead of the route itself, so a caller holding a
// parallel slice of per-route compiled state (e.g. middleware.RouteHandlers)
// can look it up without re-deriving it from the route value.
func (rt *Router) MatchIndex(r *http.Request) (int, bool) {
	for i, route := range rt.routes {
		if matches(route.Match, r) {
			return i, true
		}
	}
	return -1, false
}

// matches reports whether m's predicate is satisfied by r. Every
// populated field of m must match (logical AND); a field left empty
// matches any value, including a totally empty Match matching
// everything (§4.2).
func matches(m config.Match, r *http.Request) bool {
	if len(m.Host) > 0 && !matchHost(m.Host, r.Host) {
		return false
	}
	if len(m.Path) > 0 && !matchPath(m.Path, r.URL.Path) {
		return false
	}
	if len(m.Method) > 0 && !matchMethod(m.Method, r.Method) {
		return false
	}
	if len(m.Headers) > 0 && !matchHeaders(m.Headers, r.Header) {
		return false
	}
	return true
}

// matchHost reports whether host (stripped of any port) is present in
// hosts, or matches a leading-wildcard entry such as "*.example.com".
func matchHost(hosts []string, host string) bool {
	if h, _, err := splitHostPort(host); err == nil {
		host = h
	}
	for _, want := range hosts {
		if want == host {
			return true
		}
		if strings.HasPrefix(want, "*.") {
			suffix := want[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) && host != suffix[1:] {
				return true
			}
		}
	}
	return false
}

func splitHostPort(hostport string) (host, port string, err error) {
	idx := strings.LastIndexByte(hostport, ':')
	if idx < 0 {
		return hostport, "", nil
	}
	// IPv6 literal without brackets would confuse this; in practice
	// http.Request.Host always brackets IPv6 literals.
	if strings.Count(hostport, ":") > 1 && !strings.HasPrefix(hostport, "[") {
		return hostport, "", nil
	}
	return hostport[:idx], hostport[idx+1:], nil
}

// matchPath reports whether path satisfies any of the configured path
// patterns. Each pattern p is an implicit "/"-bounded prefix (§4.2):
// it matches when path == p, or when path starts with p + "/". A
// trailing "*" is stripped first, so "/api" and "/api/*" both match
// "/api/users" and "/api" itself.
func matchPath(patterns []string, path string) bool {
	for _, p := range patterns {
		p = strings.TrimSuffix(p, "*")
		p = strings.TrimSuffix(p, "/")
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func matchMethod(methods []string, method string) bool {
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// matchHeaders reports whether every key/value pair in want is present
// in got. A want value of "*" matches the header being merely present,
// regardless of value.
func matchHeaders(want map[string]string, got http.Header) bool {
	for k, v := range want {
		actual := got.Get(k)
		if actual == "" && got.Values(k) == nil {
			return false
		}
		if v != "*" && actual != v {
			return false
		}
	}
	return true
}

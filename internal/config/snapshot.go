// Package config holds FlowGate's immutable configuration snapshot: the
// tree of servers, routes, and handler attachments produced by the TOML
// parser and handed to the runtime as a versioned value (§3, §4.1).
package config

import (
	"fmt"
	"net"

	"github.com/flowgate/flowgate/internal/flowgate"
)

// Snapshot is FlowGate's entire configuration tree at one point in time.
// A Snapshot is read-only after publication: every consumer that holds a
// reference keeps it alive until the last reference is released, per
// §4.1. Snapshots are never mutated in place; a reload produces a brand
// new *Snapshot and the reload coordinator swaps the active pointer.
type Snapshot struct {
	// Version is a monotonically increasing generation number, assigned
	// by the reload coordinator when the snapshot is published. Useful
	// for logging; it is left out of JSON output.
	Version uint64 `toml:"-" json:"-"`

	Global  Global   `toml:"global" json:"global,omitempty"`
	TLS     TLS      `toml:"tls" json:"tls,omitempty"`
	Servers []Server `toml:"servers" json:"servers,omitempty"`
}

// Global holds process-wide defaults that are not specific to any one
// server or route.
type Global struct {
	LogLevel       string          `toml:"log_level" json:"log_level,omitempty"`
	AccessLog      AccessLogConfig `toml:"access_log" json:"access_log,omitempty"`
	Compression    Compression     `toml:"compression" json:"compression,omitempty"`
	Cache          CachePolicy     `toml:"cache" json:"cache,omitempty"`
	Admin          AdminConfig     `toml:"admin" json:"admin,omitempty"`
	ScriptCPUMS    int             `toml:"script_cpu_limit_ms" json:"script_cpu_limit_ms,omitempty"`
	ScriptMemBytes int64           `toml:"script_mem_limit_bytes" json:"script_mem_limit_bytes,omitempty"`
	// TrustedProxies lists the CIDR ranges (or bare IPs) of upstream
	// proxies/load balancers allowed to set X-Forwarded-* headers
	// truthfully. The list applies to every route; the TrustedListener
	// flags on routes and reverse proxies do not change that.
	TrustedProxies []string `toml:"trusted_proxies" json:"trusted_proxies,omitempty"`
}

// AccessLogConfig configures where and how access log entries (§6.5, §9)
// are written.
type AccessLogConfig struct {
	// Path is a file path to append to; empty means stdout.
	Path string `toml:"path" json:"path,omitempty"`
	// Format is one of "common", "combined", or "json".
	Format string `toml:"format" json:"format,omitempty"`
}

// Compression configures response compression applied on the response
// phase of the pipeline (§4.3).
type Compression struct {
	Enabled bool     `toml:"enabled" json:"enabled,omitempty"`
	Types   []string `toml:"types" json:"types,omitempty"`
	MinSize int      `toml:"min_size" json:"min_size,omitempty"`
}

// CachePolicy is the global response-cache policy (§4.8); routes may
// override parts of it via CacheOverride.
type CachePolicy struct {
	Enabled          bool              `toml:"enabled" json:"enabled,omitempty"`
	MaxCacheSize     int64             `toml:"max_cache_size" json:"max_cache_size,omitempty"`
	MaxEntrySize     int64             `toml:"max_entry_size" json:"max_entry_size,omitempty"`
	DefaultTTL       flowgate.Duration `toml:"default_ttl" json:"default_ttl,omitempty"`
	MaxTTL           flowgate.Duration `toml:"max_ttl" json:"max_ttl,omitempty"`
	CacheableMethods []string          `toml:"cacheable_methods" json:"cacheable_methods,omitempty"`
	CacheableStatus  []int             `toml:"cacheable_status" json:"cacheable_status,omitempty"`
	Vary             []string          `toml:"vary" json:"vary,omitempty"`
}

// AdminConfig configures the local admin surface (§6.3).
type AdminConfig struct {
	Disabled      bool     `toml:"disabled" json:"disabled,omitempty"`
	Listen        string   `toml:"listen" json:"listen,omitempty"`
	EnforceOrigin bool     `toml:"enforce_origin" json:"enforce_origin,omitempty"`
	Origins       []string `toml:"origins" json:"origins,omitempty"`
}

// TLS configures automatic and manual certificate material (§3, §6.4).
type TLS struct {
	ACMEEnabled  bool   `toml:"acme_enabled" json:"acme_enabled,omitempty"`
	CA           string `toml:"ca" json:"ca,omitempty"`
	Email        string `toml:"email" json:"email,omitempty"`
	StorageRoot  string `toml:"storage_path" json:"storage_path,omitempty"`
	ManualCert   string `toml:"manual_cert" json:"manual_cert,omitempty"`
	ManualKey    string `toml:"manual_key" json:"manual_key,omitempty"`
}

// Server is one listener group: a set of addresses sharing one ordered
// route table (§3).
type Server struct {
	Name          string   `toml:"name" json:"name,omitempty"`
	Listen        []string `toml:"listen" json:"listen,omitempty"`
	HTTPSRedirect bool     `toml:"https_redirect" json:"https_redirect,omitempty"`
	Routes        []Route  `toml:"routes" json:"routes,omitempty"`
}

// Route pairs a match predicate with a handler and its optional
// middleware attachments (§3, §4.2).
type Route struct {
	Name  string `toml:"name" json:"name,omitempty"`
	Match Match  `toml:"match" json:"match,omitempty"`
	Handle Handle `toml:"handle" json:"handle,omitempty"`

	Auth            *AuthConfig      `toml:"auth" json:"auth,omitempty"`
	CORS            *CORSConfig      `toml:"cors" json:"cors,omitempty"`
	RateLimit       *RateLimitConfig `toml:"rate_limit" json:"rate_limit,omitempty"`
	Rewrite         *RewriteConfig   `toml:"rewrite" json:"rewrite,omitempty"`
	HealthCheck     *HealthCheckConfig     `toml:"health_check" json:"health_check,omitempty"`
	SessionAffinity *SessionAffinityConfig `toml:"session_affinity" json:"session_affinity,omitempty"`
	CacheOverride   *CacheOverrideConfig   `toml:"cache_override" json:"cache_override,omitempty"`
	HeadersUp       map[string]string      `toml:"headers_up" json:"headers_up,omitempty"`
	HeadersDown     map[string]string      `toml:"headers_down" json:"headers_down,omitempty"`
}

// Match is the route-match predicate described in §4.2: the AND of every
// configured field. An empty field matches anything; a zero-value Match
// matches all requests.
type Match struct {
	Host    []string          `toml:"host" json:"host,omitempty"`
	Path    []string          `toml:"path" json:"path,omitempty"`
	Method  []string          `toml:"method" json:"method,omitempty"`
	Headers map[string]string `toml:"headers" json:"headers,omitempty"`
}

// IsEmpty reports whether this predicate has no constraints, and
// therefore matches every request.
func (m Match) IsEmpty() bool {
	return len(m.Host) == 0 && len(m.Path) == 0 && len(m.Method) == 0 && len(m.Headers) == 0
}

// HandleKind tags which variant of Handle is populated; exactly one
// variant is populated per §6.1's "handle" table with a "type" key.
type HandleKind string

const (
	HandleReverseProxy    HandleKind = "reverse_proxy"
	HandleFileServer      HandleKind = "file_server"
	HandleStaticResponse  HandleKind = "static_response"
	HandleRedirect        HandleKind = "redirect"
	HandleScript          HandleKind = "script"
)

// Handle is a tagged-variant handler attachment. Only the field matching
// Type is meaningful; the parser's validation step (Validate) requires
// that field to be populated. Other populated variants are not rejected;
// they are ignored.
type Handle struct {
	Type HandleKind `toml:"type" json:"type,omitempty"`

	ReverseProxy   *ReverseProxyConfig   `toml:"reverse_proxy" json:"reverse_proxy,omitempty"`
	FileServer     *FileServerConfig     `toml:"file_server" json:"file_server,omitempty"`
	StaticResponse *StaticResponseConfig `toml:"static_response" json:"static_response,omitempty"`
	Redirect       *RedirectConfig       `toml:"redirect" json:"redirect,omitempty"`
	Script         *ScriptConfig         `toml:"script" json:"script,omitempty"`
}

// ReverseProxyConfig configures the upstream dispatcher for a route (§4.9).
type ReverseProxyConfig struct {
	Upstreams        []UpstreamConfig `toml:"upstreams" json:"upstreams,omitempty"`
	LoadBalancing    string           `toml:"load_balancing" json:"load_balancing,omitempty"`
	TryDuration      flowgate.Duration `toml:"lb_try_duration" json:"lb_try_duration,omitempty"`
	TryInterval      flowgate.Duration `toml:"lb_try_interval" json:"lb_try_interval,omitempty"`
	ConnectTimeout   flowgate.Duration `toml:"connect_timeout" json:"connect_timeout,omitempty"`
	ReadTimeout      flowgate.Duration `toml:"read_timeout" json:"read_timeout,omitempty"`
	WriteTimeout     flowgate.Duration `toml:"write_timeout" json:"write_timeout,omitempty"`
	OverallTimeout   flowgate.Duration `toml:"overall_timeout" json:"overall_timeout,omitempty"`
	TrustedListener  bool              `toml:"trusted_listener" json:"trusted_listener,omitempty"`
}

// UpstreamConfig is one pool entry as written in configuration; the
// dispatcher turns these into live upstream.Upstream values (§3).
type UpstreamConfig struct {
	Address string `toml:"address" json:"address,omitempty"`
	Weight  int    `toml:"weight" json:"weight,omitempty"`

	// MaxRequests caps simultaneous in-flight requests to this upstream,
	// independent of health-check failure counting; zero means
	// unbounded. Feeds least_conn selection (SPEC_FULL.md).
	MaxRequests int `toml:"max_requests" json:"max_requests,omitempty"`
}

// FileServerConfig serves static files rooted at Root.
type FileServerConfig struct {
	Root        string `toml:"root" json:"root,omitempty"`
	BrowseIndex bool   `toml:"browse" json:"browse,omitempty"`
}

// StaticResponseConfig is a terminal handler replying with a fixed body.
type StaticResponseConfig struct {
	Status  int               `toml:"status" json:"status,omitempty"`
	Body    string            `toml:"body" json:"body,omitempty"`
	Headers map[string]string `toml:"headers" json:"headers,omitempty"`
}

// RedirectConfig is a terminal handler replying with a redirect.
type RedirectConfig struct {
	To     string `toml:"to" json:"to,omitempty"`
	Status int    `toml:"status" json:"status,omitempty"`
}

// ScriptConfig configures the embedded scripting handler (§4.12).
type ScriptConfig struct {
	Source string `toml:"source" json:"source,omitempty"`
	Path   string `toml:"path" json:"path,omitempty"`
}

// AuthConfig configures the ordered any-of auth evaluators for a route
// (§4.5).
type AuthConfig struct {
	Basic        *BasicAuthConfig `toml:"basic" json:"basic,omitempty"`
	APIKeys      *APIKeyConfig    `toml:"api_keys" json:"api_keys,omitempty"`
	JWT          *JWTConfig       `toml:"jwt" json:"jwt,omitempty"`
	ExcludePaths []string         `toml:"exclude_paths" json:"exclude_paths,omitempty"`
}

type BasicAuthConfig struct {
	// Credentials maps username to either a plaintext password or a
	// bcrypt hash (detected by the "$2" prefix).
	Credentials map[string]string `toml:"credentials" json:"credentials,omitempty"`
	Realm       string            `toml:"realm" json:"realm,omitempty"`
}

type APIKeyConfig struct {
	Keys       []string `toml:"keys" json:"keys,omitempty"`
	Header     string   `toml:"header" json:"header,omitempty"`
	QueryParam string   `toml:"query_param" json:"query_param,omitempty"`
}

type JWTConfig struct {
	Algorithm string   `toml:"algorithm" json:"algorithm,omitempty"`
	Secret    string   `toml:"secret" json:"secret,omitempty"`
	PublicKey string   `toml:"public_key" json:"public_key,omitempty"`
	Issuer    string   `toml:"issuer" json:"issuer,omitempty"`
	Audience  []string `toml:"audience" json:"audience,omitempty"`
}

// CORSConfig configures the CORS evaluator (§4.6).
type CORSConfig struct {
	AllowedOrigins   []string          `toml:"allowed_origins" json:"allowed_origins,omitempty"`
	AllowedMethods   []string          `toml:"allowed_methods" json:"allowed_methods,omitempty"`
	AllowedHeaders   []string          `toml:"allowed_headers" json:"allowed_headers,omitempty"`
	ExposeHeaders    []string          `toml:"expose_headers" json:"expose_headers,omitempty"`
	AllowCredentials bool              `toml:"allow_credentials" json:"allow_credentials,omitempty"`
	MaxAge           flowgate.Duration `toml:"max_age" json:"max_age,omitempty"`
}

// RateLimitConfig configures the per-route token bucket (§4.4).
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second,omitempty"`
	Burst             int     `toml:"burst" json:"burst,omitempty"`
	TrustedListener   bool    `toml:"trusted_listener" json:"trusted_listener,omitempty"`
	MaxBuckets        int     `toml:"max_buckets" json:"max_buckets,omitempty"`
}

// RewriteConfig configures the rewriter (§4.7).
type RewriteConfig struct {
	StripPathPrefix   string            `toml:"strip_path_prefix" json:"strip_path_prefix,omitempty"`
	AddPathPrefix     string            `toml:"add_path_prefix" json:"add_path_prefix,omitempty"`
	StripPathSuffix   string            `toml:"strip_path_suffix" json:"strip_path_suffix,omitempty"`
	ReplacePath       string            `toml:"replace_path" json:"replace_path,omitempty"`
	PathRegex         []RegexReplace    `toml:"path_regex" json:"path_regex,omitempty"`
	URISubstring      []SubstrReplace   `toml:"uri_substring" json:"uri_substring,omitempty"`
	RequestHeadersSet map[string]string `toml:"request_headers_set" json:"request_headers_set,omitempty"`
	RequestHeadersAdd map[string]string `toml:"request_headers_add" json:"request_headers_add,omitempty"`
	ResponseHeadersSet map[string]string `toml:"response_headers_set" json:"response_headers_set,omitempty"`
	Rules             []ScriptRewriteRule `toml:"rules" json:"rules,omitempty"`
}

type RegexReplace struct {
	Find    string `toml:"find" json:"find,omitempty"`
	Replace string `toml:"replace" json:"replace,omitempty"`
}

type SubstrReplace struct {
	Find    string `toml:"find" json:"find,omitempty"`
	Replace string `toml:"replace" json:"replace,omitempty"`
	Limit   int    `toml:"limit" json:"limit,omitempty"`
}

// ScriptRewriteRule is one entry of a scripted rewrite block (§4.12).
type ScriptRewriteRule struct {
	When       string            `toml:"when" json:"when,omitempty"`
	Script     string            `toml:"script" json:"script,omitempty"`
	Path       string            `toml:"path" json:"path,omitempty"`
	HeadersSet map[string]string `toml:"headers_set" json:"headers_set,omitempty"`
	Action     string            `toml:"action" json:"action,omitempty"` // "", "redirect", "reject"
	Stop       *bool             `toml:"stop" json:"stop,omitempty"`
}

// StopOrDefault returns Stop if set, else the default of true (§4.7).
func (r ScriptRewriteRule) StopOrDefault() bool {
	if r.Stop == nil {
		return true
	}
	return *r.Stop
}

// HealthCheckConfig configures active probing for a route's upstreams
// (§4.10), plus the passive checks derived from proxied-request outcomes
// (SPEC_FULL.md's supplemented PassiveHealthChecks feature).
type HealthCheckConfig struct {
	Path               string            `toml:"path" json:"path,omitempty"`
	Interval           flowgate.Duration `toml:"interval" json:"interval,omitempty"`
	Timeout            flowgate.Duration `toml:"timeout" json:"timeout,omitempty"`
	ExpectStatus       int               `toml:"expect_status" json:"expect_status,omitempty"`
	HealthyThreshold   int               `toml:"healthy_threshold" json:"healthy_threshold,omitempty"`
	UnhealthyThreshold int               `toml:"unhealthy_threshold" json:"unhealthy_threshold,omitempty"`

	PassiveMaxFails         int               `toml:"passive_max_fails" json:"passive_max_fails,omitempty"`
	PassiveFailDuration     flowgate.Duration `toml:"passive_fail_duration" json:"passive_fail_duration,omitempty"`
	PassiveUnhealthyStatus  []int             `toml:"passive_unhealthy_status" json:"passive_unhealthy_status,omitempty"`
	PassiveUnhealthyLatency flowgate.Duration `toml:"passive_unhealthy_latency" json:"passive_unhealthy_latency,omitempty"`
}

// SessionAffinityConfig configures sticky sessions (§4.9, §4.11).
type SessionAffinityConfig struct {
	Type          string            `toml:"affinity_type" json:"affinity_type,omitempty"` // "cookie" | "ip_hash"
	CookieName    string            `toml:"cookie_name" json:"cookie_name,omitempty"`
	CookieMaxAge  flowgate.Duration `toml:"cookie_max_age" json:"cookie_max_age,omitempty"`
}

// CacheOverrideConfig lets a route disable or tune caching relative to
// the global policy (§4.8).
type CacheOverrideConfig struct {
	Disabled bool              `toml:"disabled" json:"disabled,omitempty"`
	TTL      flowgate.Duration `toml:"ttl" json:"ttl,omitempty"`
	Vary     []string          `toml:"vary" json:"vary,omitempty"`
}

// Validate enforces §4.1's parser-side invariants. It is called once,
// before a Snapshot is ever published, so a validation failure never
// reaches running traffic (§4.13, §7: config_invalid at reload leaves
// the active snapshot untouched).
func (s *Snapshot) Validate() error {
	if s.Global.Cache.MaxCacheSize < 0 || s.Global.Cache.MaxEntrySize < 0 {
		return fmt.Errorf("config: cache sizes must be non-negative")
	}
	if s.TLS.ACMEEnabled && s.TLS.Email == "" {
		return fmt.Errorf("config: tls.email is required when acme is enabled")
	}
	seenListen := map[string]bool{}
	for si, srv := range s.Servers {
		if len(srv.Listen) == 0 {
			return fmt.Errorf("config: server %q (index %d) has no listen addresses", srv.Name, si)
		}
		for _, l := range srv.Listen {
			if seenListen[l] {
				return fmt.Errorf("config: listener address %q is declared twice", l)
			}
			seenListen[l] = true
		}
		for ri, route := range srv.Routes {
			if err := route.validate(); err != nil {
				return fmt.Errorf("config: server %q route %d: %w", srv.Name, ri, err)
			}
		}
	}
	return nil
}

func (r Route) validate() error {
	switch r.Handle.Type {
	case HandleReverseProxy:
		if r.Handle.ReverseProxy == nil || len(r.Handle.ReverseProxy.Upstreams) == 0 {
			return fmt.Errorf("reverse_proxy handler requires at least one upstream")
		}
		for _, u := range r.Handle.ReverseProxy.Upstreams {
			if _, _, err := splitHostPort(u.Address); err != nil {
				return fmt.Errorf("upstream %q: %w", u.Address, err)
			}
		}
	case HandleFileServer:
		if r.Handle.FileServer == nil || r.Handle.FileServer.Root == "" {
			return fmt.Errorf("file_server handler requires root")
		}
	case HandleStaticResponse, HandleRedirect, HandleScript:
		// no required sub-fields beyond the variant itself
		if (r.Handle.Type == HandleStaticResponse && r.Handle.StaticResponse == nil) ||
			(r.Handle.Type == HandleRedirect && r.Handle.Redirect == nil) ||
			(r.Handle.Type == HandleScript && r.Handle.Script == nil) {
			return fmt.Errorf("%s handler requires a %s table", r.Handle.Type, r.Handle.Type)
		}
	case "":
		return fmt.Errorf("route is missing a handle.type")
	default:
		return fmt.Errorf("unknown handle.type %q", r.Handle.Type)
	}
	return nil
}

func splitHostPort(addr string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("must be host:port: %w", err)
	}
	return host, port, nil
}

package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/flowgate/flowgate/internal/flowgate"
)

const minimalTOML = `
[[servers]]
name = "web"
listen = ["0.0.0.0:8080"]

[[servers.routes]]
name = "api"
match = { path = ["/api/*"] }

[servers.routes.handle]
type = "reverse_proxy"

[[servers.routes.handle.reverse_proxy.upstreams]]
address = "127.0.0.1:9000"
`

func TestParseFillsDefaults(t *testing.T) {
	snap, err := Parse([]byte(minimalTOML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route := snap.Servers[0].Routes[0]
	got := route.Handle.ReverseProxy
	want := &ReverseProxyConfig{
		LoadBalancing: "round_robin",
		Upstreams: []UpstreamConfig{
			{Address: "127.0.0.1:9000", Weight: 1},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("reverse proxy defaults mismatch (-want +got):\n%s", diff)
	}

	if got := snap.Global.Admin.Listen; got != "127.0.0.1:2021" {
		t.Fatalf("expected default admin listen address, got %q", got)
	}
	if got := snap.Global.Cache.CacheableMethods; diff := cmp.Diff([]string{"GET", "HEAD"}, got); diff != "" {
		t.Fatalf("cacheable methods mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFillsPassiveHealthCheckDefaults(t *testing.T) {
	const withHealthCheck = minimalTOML + `
[servers.routes.health_check]
interval = "5s"
`
	snap, err := Parse([]byte(withHealthCheck))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hc := snap.Servers[0].Routes[0].HealthCheck
	if hc == nil {
		t.Fatal("expected health check config to be present")
	}
	want := HealthCheckConfig{
		Interval:               flowgate.Duration(5 * time.Second),
		HealthyThreshold:       2,
		UnhealthyThreshold:     3,
		ExpectStatus:           200,
		PassiveMaxFails:        3,
		PassiveFailDuration:    flowgate.Duration(30 * time.Second),
		PassiveUnhealthyStatus: []int{502, 503, 504},
	}
	if diff := cmp.Diff(want, *hc); diff != "" {
		t.Fatalf("health check defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	bad := minimalTOML + "\nnot_a_real_key = true\n"
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected an error for an unknown top-level key")
	}
}

func TestParseRejectsReverseProxyWithoutUpstreams(t *testing.T) {
	const noUpstreams = `
[[servers]]
name = "web"
listen = ["0.0.0.0:8080"]

[[servers.routes]]
name = "api"

[servers.routes.handle]
type = "reverse_proxy"
`
	if _, err := Parse([]byte(noUpstreams)); err == nil {
		t.Fatal("expected an error when reverse_proxy has no upstreams")
	}
}

func TestParseRejectsDuplicateListenAddress(t *testing.T) {
	const dup = `
[[servers]]
name = "a"
listen = ["0.0.0.0:8080"]
[[servers.routes]]
name = "r"
[servers.routes.handle]
type = "static_response"
[servers.routes.handle.static_response]
status = 200

[[servers]]
name = "b"
listen = ["0.0.0.0:8080"]
[[servers.routes]]
name = "r"
[servers.routes.handle]
type = "static_response"
[servers.routes.handle.static_response]
status = 200
`
	if _, err := Parse([]byte(dup)); err == nil {
		t.Fatal("expected an error for a listener address declared twice")
	}
}

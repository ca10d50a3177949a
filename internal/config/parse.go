package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/flowgate/flowgate/internal/flowgate"
)

// Load reads and parses a TOML configuration file at path, validates it,
// and returns the resulting Snapshot. Version is left at zero; callers
// that publish the snapshot through a reload coordinator should use
// Coordinator.Reload instead of assigning Version directly.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw TOML bytes into a validated Snapshot. Unknown keys in
// the input are rejected so typos in operator config surface immediately
// rather than silently doing nothing.
func Parse(data []byte) (*Snapshot, error) {
	var snap Snapshot
	meta, err := toml.Decode(string(data), &snap)
	if err != nil {
		return nil, fmt.Errorf("config: decoding toml: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q", undecoded[0].String())
	}
	applyDefaults(&snap)
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// applyDefaults fills in zero-value fields that should not actually mean
// "disabled" or "zero capacity".
func applyDefaults(s *Snapshot) {
	if s.Global.Cache.CacheableMethods == nil {
		s.Global.Cache.CacheableMethods = []string{"GET", "HEAD"}
	}
	if s.Global.Cache.CacheableStatus == nil {
		s.Global.Cache.CacheableStatus = []int{200, 203, 300, 301, 404, 410}
	}
	if s.Global.Cache.DefaultTTL == 0 {
		s.Global.Cache.DefaultTTL = flowgate.Duration(time.Minute)
	}
	if s.Global.Cache.MaxTTL == 0 {
		s.Global.Cache.MaxTTL = flowgate.Duration(time.Hour)
	}
	if s.Global.Admin.Listen == "" {
		s.Global.Admin.Listen = "127.0.0.1:2021"
	}
	if s.Global.ScriptCPUMS == 0 {
		s.Global.ScriptCPUMS = 100
	}
	if s.Global.ScriptMemBytes == 0 {
		s.Global.ScriptMemBytes = 32 << 20
	}
	for si := range s.Servers {
		for ri := range s.Servers[si].Routes {
			r := &s.Servers[si].Routes[ri]
			if r.Handle.Type == HandleReverseProxy && r.Handle.ReverseProxy != nil {
				rp := r.Handle.ReverseProxy
				if rp.LoadBalancing == "" {
					rp.LoadBalancing = "round_robin"
				}
				for i := range rp.Upstreams {
					if rp.Upstreams[i].Weight == 0 {
						rp.Upstreams[i].Weight = 1
					}
				}
			}
			if r.HealthCheck != nil {
				if r.HealthCheck.HealthyThreshold == 0 {
					r.HealthCheck.HealthyThreshold = 2
				}
				if r.HealthCheck.UnhealthyThreshold == 0 {
					r.HealthCheck.UnhealthyThreshold = 3
				}
				if r.HealthCheck.ExpectStatus == 0 {
					r.HealthCheck.ExpectStatus = 200
				}
				if r.HealthCheck.PassiveMaxFails == 0 {
					r.HealthCheck.PassiveMaxFails = 3
				}
				if r.HealthCheck.PassiveFailDuration == 0 {
					r.HealthCheck.PassiveFailDuration = flowgate.Duration(30 * time.Second)
				}
				if r.HealthCheck.PassiveUnhealthyStatus == nil {
					r.HealthCheck.PassiveUnhealthyStatus = []int{502, 503, 504}
				}
			}
			if r.RateLimit != nil && r.RateLimit.MaxBuckets == 0 {
				r.RateLimit.MaxBuckets = 10000
			}
		}
	}
}

package upstream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// ActiveChecker periodically probes a pool's upstreams with an HTTP
// request, transitioning each upstream between healthy and unhealthy
// once it crosses the configured consecutive-result threshold (§4.10).
// This mirrors the teacher's HealthCheckWorker/healthCheck loop, but
// tracks per-host consecutive counts instead of an immediate flip so a
// single flaky probe can't flap an otherwise-healthy backend.
type ActiveChecker struct {
	pool     []*Upstream
	path     string
	expect   int
	client   *http.Client
	interval time.Duration
	healthyThreshold   int
	unhealthyThreshold int
	log *slog.Logger
}

// NewActiveChecker builds a checker for pool, probing path every
// interval with timeout.
func NewActiveChecker(pool []*Upstream, path string, expectStatus int, healthyThreshold, unhealthyThreshold int, interval, timeout time.Duration, log *slog.Logger) *ActiveChecker {
	return &ActiveChecker{
		pool:               pool,
		path:               path,
		expect:             expectStatus,
		client:             &http.Client{Timeout: timeout},
		interval:           interval,
		healthyThreshold:   healthyThreshold,
		unhealthyThreshold: unhealthyThreshold,
		log:                log,
	}
}

// Run blocks, probing on a ticker until ctx is cancelled. It probes once
// immediately before entering the loop, so pool state is meaningful as
// soon as the server starts serving traffic.
func (c *ActiveChecker) Run(ctx context.Context) {
	c.probeAll()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeAll()
		}
	}
}

func (c *ActiveChecker) probeAll() {
	for _, u := range c.pool {
		ok := c.probe(u)
		if ok {
			u.consecutiveOK++
			u.consecutiveFails = 0
			if !u.healthy.Load() && int(u.consecutiveOK) >= c.healthyThreshold {
				u.healthy.Store(true)
				if c.log != nil {
					c.log.Info("upstream marked healthy", slog.String("upstream", u.Address))
				}
			}
		} else {
			u.consecutiveFails++
			u.consecutiveOK = 0
			if u.healthy.Load() && int(u.consecutiveFails) >= c.unhealthyThreshold {
				u.healthy.Store(false)
				if c.log != nil {
					c.log.Warn("upstream marked unhealthy", slog.String("upstream", u.Address))
				}
			}
		}
	}
}

func (c *ActiveChecker) probe(u *Upstream) bool {
	req, err := http.NewRequest(http.MethodGet, "http://"+u.Address+c.path, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if c.expect != 0 {
		return resp.StatusCode == c.expect
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// PassiveChecker records proxied-request outcomes and temporarily takes
// an upstream out of rotation for FailDuration once it accumulates
// MaxFails failures. Failures are counted since the last trip, with no
// time window; any 5xx status counts as a failure in addition to the
// UnhealthyStatus list — SPEC_FULL.md's passive health check feature,
// grounded on reverseproxy/healthchecks.go's PassiveHealthChecks.
type PassiveChecker struct {
	MaxFails         int
	FailDuration     time.Duration
	UnhealthyStatus  []int
	UnhealthyLatency time.Duration
}

// Record observes the outcome of one proxied request to u.
func (p *PassiveChecker) Record(u *Upstream, status int, latency time.Duration, proxyErr error, now time.Time) {
	failed := proxyErr != nil || p.isUnhealthyStatus(status) || (p.UnhealthyLatency > 0 && latency > p.UnhealthyLatency)
	if !failed {
		return
	}
	n := atomic.AddInt64(&u.passiveFails, 1)
	if p.MaxFails > 0 && int(n) >= p.MaxFails {
		atomic.StoreInt64(&u.downUntilUnixNano, now.Add(p.FailDuration).UnixNano())
		atomic.StoreInt64(&u.passiveFails, 0)
	}
}

func (p *PassiveChecker) isUnhealthyStatus(status int) bool {
	for _, s := range p.UnhealthyStatus {
		if s == status {
			return true
		}
	}
	return status >= 500
}

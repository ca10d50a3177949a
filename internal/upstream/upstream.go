// Package upstream implements FlowGate's upstream dispatcher (§4.9),
// active and passive health checking (§4.10), and session affinity
// (§4.11) for a single route's backend pool.
package upstream

import (
	"net"
	"sync/atomic"
)

// Upstream is one backend in a route's pool, tracked with atomic
// counters so the hot request path never takes a lock just to read or
// update health/load state.
type Upstream struct {
	Address string
	Weight  int

	// conns is the number of requests currently in flight to this
	// upstream, used by the least_conn policy and the MaxRequests cap.
	conns int64

	// healthy is 1 when active health checks (if configured) consider
	// this upstream usable.
	healthy atomic.Bool

	// consecutiveFails/consecutiveOK drive the active checker's
	// threshold state machine (§4.10).
	consecutiveFails int32
	consecutiveOK    int32

	// passiveFails counts failed proxied requests since the passive
	// health check last tripped; it has no time window.
	passiveFails int64
	// downUntilUnixNano is set when a passive failure budget trips;
	// the upstream is treated as unhealthy until this time.
	downUntilUnixNano int64

	maxRequests int
}

// NewUpstream builds an Upstream starting in the healthy state. Active
// health checks, if configured, will transition it from there.
func NewUpstream(address string, weight, maxRequests int) *Upstream {
	u := &Upstream{Address: address, Weight: weight, maxRequests: maxRequests}
	u.healthy.Store(true)
	return u
}

// Available reports whether this upstream may currently receive
// requests: it must be marked healthy by both the active and passive
// checkers, and must not be at its MaxRequests concurrency cap.
func (u *Upstream) Available(nowUnixNano int64) bool {
	if !u.healthy.Load() {
		return false
	}
	if down := atomic.LoadInt64(&u.downUntilUnixNano); down != 0 && nowUnixNano < down {
		return false
	}
	if u.maxRequests > 0 && atomic.LoadInt64(&u.conns) >= int64(u.maxRequests) {
		return false
	}
	return true
}

// Conns returns the current number of in-flight requests.
func (u *Upstream) Conns() int64 { return atomic.LoadInt64(&u.conns) }

// Acquire marks one request as started against this upstream; the
// returned func must be called exactly once when the request finishes.
func (u *Upstream) Acquire() func() {
	atomic.AddInt64(&u.conns, 1)
	return func() { atomic.AddInt64(&u.conns, -1) }
}

// Host returns the address with any port stripped.
func (u *Upstream) Host() string {
	if h, _, err := net.SplitHostPort(u.Address); err == nil {
		return h
	}
	return u.Address
}

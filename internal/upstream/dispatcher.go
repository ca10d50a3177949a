package upstream

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/flowgate/flowgate/internal/flowgate"
)

// Dispatcher proxies a request to one of Pool's upstreams, retrying
// against a different upstream on failure within a bounded time budget
// (§4.9). It owns the load-balancing Policy, optional session Affinity,
// and passive health observations for its pool.
type Dispatcher struct {
	Pool    []*Upstream
	Policy  Policy
	Affinity *Affinity
	Passive  *PassiveChecker

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	OverallTimeout time.Duration

	TryDuration time.Duration
	TryInterval time.Duration

	client *http.Client
	log    *slog.Logger
}

// NewDispatcher builds a Dispatcher. client should be a *http.Client
// configured with the transport the caller wants shared across
// requests (typically one Transport per route for connection reuse).
func NewDispatcher(client *http.Client, log *slog.Logger) *Dispatcher {
	return &Dispatcher{client: client, log: log}
}

// Dispatch selects an upstream (honoring affinity first, falling back
// to Policy) and proxies req to it, retrying other upstreams on
// transport failure or, when a PassiveChecker is set, on a status it
// counts as unhealthy (its UnhealthyStatus list or any 5xx) until
// TryDuration elapses. It returns the upstream response, or a *flowgate.Error of
// Kind KindUpstreamUnavailable / KindTimeout if the budget is
// exhausted without success.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, req *http.Request) (*http.Response, error) {
	now := time.Now()
	deadline := now.Add(d.TryDuration)
	if d.TryDuration <= 0 {
		deadline = now // single attempt
	}

	var lastErr error
	tried := map[string]bool{}

	for {
		nowNano := time.Now().UnixNano()
		u := d.pick(req, nowNano, tried)
		if u == nil {
			if lastErr != nil {
				return nil, flowgate.Wrap(flowgate.KindUpstreamUnavailable, "upstream.dispatch", lastErr)
			}
			return nil, flowgate.Wrap(flowgate.KindUpstreamUnavailable, "upstream.dispatch", errNoHealthyUpstream)
		}
		tried[u.Address] = true

		resp, dur, err := d.proxyOnce(req, u)
		if d.Passive != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			d.Passive.Record(u, status, dur, err, time.Now())
		}
		if err == nil {
			if d.Passive != nil && d.Passive.isUnhealthyStatus(resp.StatusCode) && time.Now().Before(deadline) {
				drainAndClose(resp)
				lastErr = statusError{status: resp.StatusCode}
				if time.Now().After(deadline) {
					break
				}
				if d.TryInterval > 0 {
					time.Sleep(d.TryInterval)
				}
				continue
			}
			if d.Affinity != nil {
				d.Affinity.SetCookie(w, u)
			}
			return resp, nil
		}
		lastErr = err
		if d.log != nil {
			d.log.Warn("upstream request failed, retrying",
				slog.String("upstream", u.Address), slog.String("error", err.Error()))
		}

		if time.Now().After(deadline) {
			break
		}
		if d.TryInterval > 0 {
			time.Sleep(d.TryInterval)
		}
	}

	if isTimeout(lastErr) {
		return nil, flowgate.Wrap(flowgate.KindTimeout, "upstream.dispatch", lastErr)
	}
	return nil, flowgate.Wrap(flowgate.KindUpstreamUnavailable, "upstream.dispatch", lastErr)
}

func (d *Dispatcher) pick(req *http.Request, now int64, tried map[string]bool) *Upstream {
	if d.Affinity != nil {
		if u, ok := d.Affinity.Pick(d.Pool, req, now); ok && !tried[u.Address] {
			return u
		}
	}
	remaining := make([]*Upstream, 0, len(d.Pool))
	for _, u := range d.Pool {
		if !tried[u.Address] {
			remaining = append(remaining, u)
		}
	}
	if len(remaining) == 0 {
		return nil
	}
	return d.Policy.Select(remaining, req, now)
}

func (d *Dispatcher) proxyOnce(req *http.Request, u *Upstream) (*http.Response, time.Duration, error) {
	release := u.Acquire()
	defer release()

	ctx := req.Context()
	var cancel context.CancelFunc
	if d.OverallTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.OverallTimeout)
		defer cancel()
	}

	outReq := req.Clone(ctx)
	outReq.URL.Scheme = "http"
	outReq.URL.Host = u.Address
	outReq.RequestURI = ""
	outReq.Host = req.Host

	start := time.Now()
	resp, err := d.client.Do(outReq)
	dur := time.Since(start)
	return resp, dur, err
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if ok := asNetError(err, &ne); ok {
		return ne.Timeout()
	}
	return strings.Contains(err.Error(), "context deadline exceeded")
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// drainAndClose discards and closes resp.Body; used when a response is
// abandoned mid-retry.
func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

var errNoHealthyUpstream = noHealthyUpstreamError{}

type noHealthyUpstreamError struct{}

func (noHealthyUpstreamError) Error() string { return "no healthy upstream available" }

type statusError struct{ status int }

func (e statusError) Error() string {
	return "upstream returned unhealthy status " + http.StatusText(e.status)
}

package upstream

import (
	"net/http"
	"time"
)

// Affinity implements session stickiness (§4.11): once a client has been
// routed to an upstream, subsequent requests from that client prefer the
// same upstream as long as it stays available.
type Affinity struct {
	Type         string // "cookie" | "ip_hash"
	CookieName   string
	CookieMaxAge time.Duration
}

// Pick returns the upstream a request should stick to, if its affinity
// cookie (or, for ip_hash, its client address) names one that is still
// available in pool. ok is false if there is no affinity to honor, and
// the caller should fall back to its load-balancing Policy.
func (a *Affinity) Pick(pool []*Upstream, r *http.Request, now int64) (u *Upstream, ok bool) {
	if a == nil {
		return nil, false
	}
	switch a.Type {
	case "cookie":
		c, err := r.Cookie(a.cookieName())
		if err != nil {
			return nil, false
		}
		for _, candidate := range pool {
			if candidate.Address == c.Value && candidate.Available(now) {
				return candidate, true
			}
		}
		return nil, false
	case "ip_hash":
		u := (&ipHashPolicy{}).Select(pool, r, now)
		return u, u != nil
	default:
		return nil, false
	}
}

// SetCookie writes the affinity cookie pinning future requests to u.
func (a *Affinity) SetCookie(w http.ResponseWriter, u *Upstream) {
	if a == nil || a.Type != "cookie" {
		return
	}
	maxAge := int(a.CookieMaxAge.Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName(),
		Value:    u.Address,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
	})
}

func (a *Affinity) cookieName() string {
	if a.CookieName != "" {
		return a.CookieName
	}
	return "flowgate_affinity"
}

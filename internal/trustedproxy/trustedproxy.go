// Package trustedproxy parses the CIDR ranges an operator trusts to set
// forwarding headers truthfully, used by the rate limiter's client-key
// derivation (SPEC_FULL.md, "Trusted-proxy CIDR evaluation"). The
// upstream dispatcher does not consult it.
package trustedproxy

import (
	"fmt"
	"net"
)

// ParseRanges parses a list of CIDR strings (e.g. "10.0.0.0/8") into
// *net.IPNet values. A bare IP address without a mask is treated as a
// /32 (or /128 for IPv6).
func ParseRanges(ranges []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(ranges))
	for _, r := range ranges {
		if _, n, err := net.ParseCIDR(r); err == nil {
			out = append(out, n)
			continue
		}
		ip := net.ParseIP(r)
		if ip == nil {
			return nil, fmt.Errorf("trustedproxy: invalid CIDR or IP %q", r)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out, nil
}

// Contains reports whether ip falls within any of ranges.
func Contains(ip net.IP, ranges []*net.IPNet) bool {
	for _, n := range ranges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

package middleware

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// ClientIPResolver extracts the real client address from proxy headers and
// decides which sources bypass the security pipeline entirely.
type ClientIPResolver struct {
	trusted *netipx.IPSet
}

// NewClientIPResolver builds a resolver from trusted proxy CIDRs. Loopback
// traffic is always exempt; the CIDRs add infrastructure addresses (load
// balancers, health checkers) on top.
func NewClientIPResolver(trustedCIDRs []string) (*ClientIPResolver, error) {
	var b netipx.IPSetBuilder
	for _, cidr := range trustedCIDRs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", cidr, err)
		}
		b.AddPrefix(prefix)
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("failed to build trusted proxy set: %w", err)
	}
	return &ClientIPResolver{trusted: set}, nil
}

// ClientIP returns the client address, preferring proxy headers over the
// socket peer. Every candidate is syntactically validated; a spoofable
// header that does not parse as an address is ignored rather than trusted.
func (c *ClientIPResolver) ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if idx := strings.Index(xff, ","); idx > 0 {
			first = xff[:idx]
		}
		if ip := parseAddr(first); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := parseAddr(xri); ip != "" {
			return ip
		}
	}
	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		if ip := parseAddr(cf); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := parseAddr(host); ip != "" {
		return ip
	}
	return host
}

// Exempt reports whether the address bypasses the pipeline: loopback,
// private and link-local ranges, and configured trusted infrastructure
// ranges. Internal traffic never consumes quota or trips blocks.
func (c *ClientIPResolver) Exempt(ip string) bool {
	addr, err := netip.ParseAddr(strings.Trim(ip, "[]"))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() {
		return true
	}
	return c.trusted.Contains(addr)
}

func parseAddr(s string) string {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// TrustedProxies lists the peers whose forwarding headers are believed.
// A nil or empty list trusts nobody, so the client is always the peer.
type TrustedProxies struct {
	nets []*net.IPNet
}

// ParseTrustedProxies parses CIDR blocks and single addresses
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	t := &TrustedProxies{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("trusted proxy %q: not an IP address", entry)
			}
			bits := 8 * net.IPv6len
			if v4 := ip.To4(); v4 != nil {
				ip, bits = v4, 8*net.IPv4len
			}
			t.nets = append(t.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		t.nets = append(t.nets, n)
	}
	return t, nil
}

// Trusts reports whether addr, an IP without port, is a trusted proxy
func (t *TrustedProxies) Trusts(addr string) bool {
	if t == nil {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return false
	}
	for _, n := range t.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolve returns the client address for a connection from peer carrying the
// given X-Forwarded-For and X-Real-IP values. Forwarding headers count only
// when peer is trusted; X-Forwarded-For is walked from the right and the
// first untrusted hop wins.
func (t *TrustedProxies) Resolve(peer, forwardedFor, realIP string) string {
	if !t.Trusts(peer) {
		return peer
	}
	if forwardedFor != "" {
		hops := strings.Split(forwardedFor, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if i == 0 || !t.Trusts(hop) {
				return hop
			}
		}
	}
	if ip := strings.TrimSpace(realIP); ip != "" {
		return ip
	}
	return peer
}

// ClientIP returns the client address of r
func (t *TrustedProxies) ClientIP(r *http.Request) string {
	return t.Resolve(hostOnly(r.RemoteAddr), r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"))
}

// ClientIP returns the remote host of r. Forwarding headers are ignored; use
// TrustedProxies.ClientIP behind a proxy.
func ClientIP(r *http.Request) string {
	return (*TrustedProxies)(nil).ClientIP(r)
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

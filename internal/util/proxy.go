package util

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// ProxyAllowlist is the set of reverse proxies whose forwarding headers the
// coach service believes.
type ProxyAllowlist struct {
	prefixes []netip.Prefix
}

// ParseProxyAllowlist reads COACH_TRUSTED_PROXY_CIDRS style entries. A bare
// address is treated as a single-host prefix. A nil allowlist trusts nobody.
func ParseProxyAllowlist(entries []string) (*ProxyAllowlist, error) {
	var prefixes []netip.Prefix
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &ProxyAllowlist{prefixes: prefixes}, nil
}

// Trusts reports whether addr belongs to a configured proxy.
func (p *ProxyAllowlist) Trusts(addr netip.Addr) bool {
	if p == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientAddr returns the address used for audit logs and per-caller limits.
// Forwarding headers only count when the direct peer is an allowlisted
// proxy. The RFC 7239 Forwarded header wins over X-Forwarded-For; the hop
// chain is walked from the right and the first untrusted hop is the client.
func ClientAddr(r *http.Request, proxies *ProxyAllowlist) string {
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !proxies.Trusts(peer) {
		return peer.String()
	}
	hops := forwardedHops(r.Header.Values("Forwarded"))
	if len(hops) == 0 {
		hops = xForwardedHops(r.Header.Values("X-Forwarded-For"))
	}
	if len(hops) == 0 {
		return peer.String()
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !proxies.Trusts(hops[i]) {
			return hops[i].String()
		}
	}
	return hops[0].String()
}

// RequestIsHTTPS reports whether the caller reached us over TLS, either
// directly or through an allowlisted proxy that says so.
func RequestIsHTTPS(r *http.Request, proxies *ProxyAllowlist) bool {
	if r.TLS != nil {
		return true
	}
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok || !proxies.Trusts(peer) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https")
}

func peerAddr(remote string) (netip.Addr, bool) {
	remote = strings.TrimSpace(remote)
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap(), true
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.Unmap(), true
	}
	return netip.Addr{}, false
}

// forwardedHops extracts for= nodes from Forwarded headers. Obfuscated and
// unknown nodes are skipped.
func forwardedHops(values []string) []netip.Addr {
	var hops []netip.Addr
	for _, value := range values {
		for _, element := range strings.Split(value, ",") {
			for _, pair := range strings.Split(element, ";") {
				key, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
				if !ok || !strings.EqualFold(key, "for") {
					continue
				}
				val = strings.Trim(strings.TrimSpace(val), `"`)
				if addr, ok := forwardedNode(val); ok {
					hops = append(hops, addr)
				}
			}
		}
	}
	return hops
}

func forwardedNode(node string) (netip.Addr, bool) {
	if strings.HasPrefix(node, "[") {
		end := strings.Index(node, "]")
		if end < 0 {
			return netip.Addr{}, false
		}
		node = node[1:end]
	} else if host, _, ok := strings.Cut(node, ":"); ok && strings.Count(node, ":") == 1 {
		node = host
	}
	addr, err := netip.ParseAddr(node)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func xForwardedHops(values []string) []netip.Addr {
	var hops []netip.Addr
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			addr, err := netip.ParseAddr(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			hops = append(hops, addr.Unmap())
		}
	}
	return hops
}

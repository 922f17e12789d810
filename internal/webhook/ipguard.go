package webhook

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
)

type ipv4Range struct {
	network uint32
	mask    uint32
}

func (r ipv4Range) contains(ip uint32) bool {
	return ip&r.mask == r.network&r.mask
}

// IPGuard admits requests whose client address matches a configured IP or CIDR.
// An enabled guard with no entries rejects everything.
type IPGuard struct {
	enabled    bool
	trustProxy bool
	v4         []ipv4Range
	v6         []netip.Prefix
}

func NewIPGuard(enabled bool, entries []string, trustProxy bool) (*IPGuard, error) {
	g := &IPGuard{enabled: enabled, trustProxy: trustProxy}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if err := g.add(e); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *IPGuard) add(entry string) error {
	addr, bits, hasBits := strings.Cut(entry, "/")
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return fmt.Errorf("ip allowlist entry %q: %w", entry, err)
	}
	ip = ip.Unmap()

	if ip.Is4() {
		prefix := 32
		if hasBits {
			prefix, err = strconv.Atoi(bits)
			if err != nil || prefix < 0 || prefix > 32 {
				return fmt.Errorf("ip allowlist entry %q: bad prefix length", entry)
			}
		}
		g.v4 = append(g.v4, ipv4Range{network: ipv4ToUint(ip), mask: maskFor(prefix)})
		return nil
	}

	p := netip.PrefixFrom(ip, ip.BitLen())
	if hasBits {
		p, err = netip.ParsePrefix(entry)
		if err != nil {
			return fmt.Errorf("ip allowlist entry %q: %w", entry, err)
		}
	}
	g.v6 = append(g.v6, p.Masked())
	return nil
}

// maskFor returns ^(2^(32-bits)-1).
func maskFor(bits int) uint32 {
	if bits == 0 {
		return 0
	}
	return ^uint32((uint64(1) << (32 - bits)) - 1)
}

func ipv4ToUint(ip netip.Addr) uint32 {
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:])
}

// Allow reports whether r may pass. A disabled guard allows everything.
func (g *IPGuard) Allow(r *http.Request) bool {
	if g == nil || !g.enabled {
		return true
	}
	ip, ok := g.clientIP(r)
	if !ok {
		return false
	}
	return g.AllowAddr(ip)
}

func (g *IPGuard) AllowAddr(ip netip.Addr) bool {
	if g == nil || !g.enabled {
		return true
	}
	ip = ip.Unmap()
	if ip.Is4() {
		v := ipv4ToUint(ip)
		for _, r := range g.v4 {
			if r.contains(v) {
				return true
			}
		}
		return false
	}
	for _, p := range g.v6 {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP resolves the caller address. X-Forwarded-For is only honored when the
// guard trusts a reverse proxy, and then only its first hop.
func (g *IPGuard) clientIP(r *http.Request) (netip.Addr, bool) {
	if g.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return ip, true
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip, true
}

// Middleware rejects disallowed callers with 403.
func (g *IPGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Allow(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

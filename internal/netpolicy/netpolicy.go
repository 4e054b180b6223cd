// Package netpolicy decides which remote addresses may attempt the bridge handshake.
//
// Three policies are supported:
//   - loopback: only 127.0.0.1 and ::1
//   - private:  loopback, RFC1918 ranges, and the Tailscale overlay ranges (default)
//   - any:      every address
//
// Loopback is always allowed regardless of policy. IPv4-mapped IPv6 addresses
// (::ffff:a.b.c.d) are classified as their IPv4 form.
package netpolicy

import (
	"fmt"
	"net"
	"strings"
)

// Policy is a named network reachability rule set.
type Policy string

const (
	// Loopback admits only the local machine.
	Loopback Policy = "loopback"
	// Private admits loopback, LAN, and overlay-network peers.
	Private Policy = "private"
	// Any admits every remote address.
	Any Policy = "any"
)

// Default is the policy used when none is configured.
const Default = Private

// privateNets are the ranges admitted under the private policy.
// 100.64.0.0/10 is the CGNAT range Tailscale assigns node addresses from, and
// fd7a:115c:a1e0::/48 is the unique-local prefix it reserves for IPv6.
var privateNets = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10",
	"fd7a:115c:a1e0::/48",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("netpolicy: bad CIDR %q: %v", cidr, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// Parse validates a policy name. The empty string yields Default.
func Parse(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Default, nil
	case Loopback, Private, Any:
		return p, nil
	default:
		return "", fmt.Errorf("unknown network policy %q (want loopback, private, or any)", s)
	}
}

// String returns the policy name.
func (p Policy) String() string {
	return string(p)
}

// Allow reports whether remoteAddr may connect under the policy.
// remoteAddr may be a bare IP ("10.0.0.5", "::ffff:10.0.0.5", "fe80::1%en0")
// or a host:port pair as found in http.Request.RemoteAddr. Any admits every
// address, parseable or not; other policies deny unparseable addresses. An
// unknown policy behaves like Default.
func (p Policy) Allow(remoteAddr string) bool {
	if p == Any {
		return true
	}
	ip := ParseRemoteIP(remoteAddr)
	if ip == nil {
		return false
	}
	if isLoopback(ip) {
		return true
	}

	switch p {
	case Loopback:
		return false
	default:
		for _, n := range privateNets {
			if n.Contains(ip) {
				return true
			}
		}
		return false
	}
}

// ParseRemoteIP extracts and normalizes the IP from a remote address string.
// IPv4-mapped IPv6 addresses are returned in their 4-byte form.
// Returns nil if no IP can be parsed.
func ParseRemoteIP(remoteAddr string) net.IP {
	s := strings.TrimSpace(remoteAddr)
	if s == "" {
		return nil
	}

	ip := parseBareIP(s)
	if ip == nil {
		host, _, err := net.SplitHostPort(s)
		if err != nil {
			return nil
		}
		ip = parseBareIP(host)
	}
	if ip == nil {
		return nil
	}

	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

func parseBareIP(s string) net.IP {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	return net.ParseIP(s)
}

// isLoopback matches exactly 127.0.0.1 and ::1.
func isLoopback(ip net.IP) bool {
	return ip.Equal(net.IPv4(127, 0, 0, 1)) || ip.Equal(net.IPv6loopback)
}

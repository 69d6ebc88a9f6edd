// Package identity implements the local-identity oracle: given the
// cluster's list of node endpoints, decide which one (if any) is this
// process.
package identity

import (
	"net"
	"net/url"
	"strings"
)

// AddrLister enumerates this host's network addresses. Production code
// uses net.InterfaceAddrs; tests inject a stub so identity resolution is
// deterministic without touching real interfaces.
type AddrLister func() ([]net.Addr, error)

// DefaultAddrLister wraps net.InterfaceAddrs.
func DefaultAddrLister() ([]net.Addr, error) {
	return net.InterfaceAddrs()
}

// Resolve returns the index into endpoints whose host component matches
// one of this host's non-loopback IPv4 addresses, or -1 if none match.
// The first match in iteration order wins.
//
// If localIP is non-empty, it is used directly as the authoritative
// match target instead of consulting lister, per the cluster config's
// local_ip override.
func Resolve(endpoints []string, localIP string, lister AddrLister) (int, error) {
	if localIP != "" {
		for i, ep := range endpoints {
			host := hostOf(ep)
			if host == localIP {
				return i, nil
			}
		}
		return -1, nil
	}

	addrs, err := lister()
	if err != nil {
		return -1, err
	}
	local := make(map[string]bool)
	for _, a := range addrs {
		ip := ipOf(a)
		if ip == nil || ip.IsLoopback() || ip.To4() == nil {
			continue
		}
		local[ip.String()] = true
	}

	for i, ep := range endpoints {
		host := hostOf(ep)
		if host != "" && local[host] {
			return i, nil
		}
	}
	return -1, nil
}

// hostOf extracts the host component of a scheme://host:port endpoint.
// Endpoints net/url can't parse are skipped (empty string returned).
func hostOf(endpoint string) string {
	if !strings.Contains(endpoint, "://") {
		endpoint = "scheme://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func ipOf(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		return nil
	}
}

// Package transport resolves the textual endpoint addresses used
// throughout the cluster configuration and mapping file into addresses
// net/rpc can actually dial.
package transport

import (
	"fmt"
	"strings"

	"github.com/distkv/distkv/internal/kverr"
)

// Resolve strips a scheme prefix such as "ofi+tcp://" or "tcp://" from
// endpoint, returning a bare "host:port" string suitable for net.Dial.
// Endpoints with no "://" are returned unchanged, on the assumption they
// are already host:port.
func Resolve(endpoint string) (string, error) {
	if idx := strings.Index(endpoint, "://"); idx >= 0 {
		hostPort := endpoint[idx+len("://"):]
		if hostPort == "" {
			return "", fmt.Errorf("resolve endpoint %q: empty host:port: %w", endpoint, kverr.ErrConfig)
		}
		return hostPort, nil
	}
	if endpoint == "" {
		return "", fmt.Errorf("resolve endpoint: empty: %w", kverr.ErrConfig)
	}
	return endpoint, nil
}

// Package config loads the static cluster topology a node or client
// needs at startup: the set of node endpoints, this node's provider_id,
// and the shared memory-size budget.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/distkv/distkv/internal/kverr"
)

// Cluster is the on-disk cluster topology configuration, read once at
// process startup.
type Cluster struct {
	ProviderID  uint16            `json:"provider_id" yaml:"provider_id"`
	Protocol    string            `json:"protocol" yaml:"protocol"`
	CountOfNode int               `json:"count_of_node" yaml:"count_of_node"`
	IPAddresses map[string]string `json:"ip_addresses" yaml:"ip_addresses"`
	SizeMB      int               `json:"size" yaml:"size"`
	LocalIP     string            `json:"local_ip" yaml:"local_ip"`
}

// Endpoints returns IPAddresses as an ordered slice, indexed by node-id
// ("0", "1", … as produced by the original config format). A gap in the
// numbering is an error, since node-ids must be contiguous to support
// key mod N routing.
func (c Cluster) Endpoints() ([]string, error) {
	endpoints := make([]string, c.CountOfNode)
	for i := 0; i < c.CountOfNode; i++ {
		ep, ok := c.IPAddresses[strconv.Itoa(i)]
		if !ok {
			return nil, fmt.Errorf("config: missing ip_addresses entry for node %d: %w", i, kverr.ErrConfig)
		}
		endpoints[i] = ep
	}
	return endpoints, nil
}

// SizeBytes converts the configured megabyte budget to bytes.
func (c Cluster) SizeBytes() int64 {
	return int64(c.SizeMB) * 1024 * 1024
}

// Load reads a cluster configuration file, dispatching on extension:
// ".yaml"/".yml" decode via gopkg.in/yaml.v3, anything else via
// encoding/json.
func Load(path string) (Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Cluster{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Cluster
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Cluster{}, fmt.Errorf("config: parse yaml %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &c); err != nil {
			return Cluster{}, fmt.Errorf("config: parse json %s: %w", path, err)
		}
	}
	return c, nil
}

// Save writes c to path, in the same format Load would choose for that
// path's extension. Used after AddNode/RemoveNode so a later process
// start sees the updated membership.
func Save(path string, c Cluster) error {
	var data []byte
	var err error
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("config: marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// WithNode returns a copy of c with endpoint registered at the next
// node-id, for persisting an AddNode call.
func (c Cluster) WithNode(endpoint string) Cluster {
	out := c
	out.IPAddresses = make(map[string]string, len(c.IPAddresses)+1)
	for k, v := range c.IPAddresses {
		out.IPAddresses[k] = v
	}
	out.IPAddresses[strconv.Itoa(c.CountOfNode)] = endpoint
	out.CountOfNode = c.CountOfNode + 1
	return out
}

// WithoutNode returns a copy of c with node nodeID removed and every
// higher node-id renumbered down by one, for persisting a RemoveNode
// call.
func (c Cluster) WithoutNode(nodeID int) Cluster {
	out := c
	out.IPAddresses = make(map[string]string, len(c.IPAddresses))
	for i := 0; i < c.CountOfNode; i++ {
		if i == nodeID {
			continue
		}
		ep := c.IPAddresses[strconv.Itoa(i)]
		newID := i
		if i > nodeID {
			newID = i - 1
		}
		out.IPAddresses[strconv.Itoa(newID)] = ep
	}
	out.CountOfNode = c.CountOfNode - 1
	return out
}

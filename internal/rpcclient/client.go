// Package rpcclient maintains a small connection cache over net/rpc so
// the distributor can reach remote nodes' rpcprovider endpoints without
// redialing on every call.
package rpcclient

import (
	"fmt"
	"net/rpc"
	"sync"
	"time"

	"github.com/distkv/distkv/internal/kverr"
	"github.com/distkv/distkv/internal/rpcprovider"
	"github.com/distkv/distkv/internal/transport"
)

// freshnessWindow is how long a cached connection is trusted before the
// next call forces a reconnect.
const freshnessWindow = 30 * time.Second

type slotState int

const (
	stateEmpty slotState = iota
	stateConnecting
	stateReady
	stateInvalid
)

type slot struct {
	state    slotState
	client   *rpc.Client
	endpoint string
	lastUsed time.Time
}

func (s *slot) fresh(now time.Time) bool {
	return s.state == stateReady && now.Sub(s.lastUsed) < freshnessWindow
}

// Cache is one connection slot per remote node-index. Its mutex protects
// only the bookkeeping map; it is never held while a dial or RPC call is
// in flight.
type Cache struct {
	mu    sync.Mutex
	slots map[int]*slot
}

func NewCache() *Cache {
	return &Cache{slots: make(map[int]*slot)}
}

// getConnection returns a live *rpc.Client for nodeIndex's endpoint,
// reconnecting if the slot is empty, invalid, older than
// freshnessWindow, or connected to a different endpoint (node-ids shift
// down when a node is removed).
func (c *Cache) getConnection(nodeIndex int, endpoint string) (*rpc.Client, error) {
	now := time.Now()

	c.mu.Lock()
	s, ok := c.slots[nodeIndex]
	if !ok {
		s = &slot{}
		c.slots[nodeIndex] = s
	}
	if s.fresh(now) && s.endpoint == endpoint {
		client := s.client
		s.lastUsed = now
		c.mu.Unlock()
		return client, nil
	}
	s.state = stateConnecting
	c.mu.Unlock()

	addr, err := transport.Resolve(endpoint)
	if err != nil {
		c.invalidate(nodeIndex)
		return nil, err
	}
	client, err := rpc.Dial("tcp", addr)
	if err != nil {
		c.invalidate(nodeIndex)
		return nil, fmt.Errorf("rpcclient: dial %s: %w", addr, kverr.ErrTransport)
	}

	c.mu.Lock()
	s.state = stateReady
	s.client = client
	s.endpoint = endpoint
	s.lastUsed = now
	c.mu.Unlock()

	return client, nil
}

// Invalidate forces the slot for nodeIndex to reconnect on its next use.
// Exported for the health monitor, which proactively invalidates slots
// for peers that fail liveness checks instead of waiting for the next
// RPC call to fail.
func (c *Cache) Invalidate(nodeIndex int) {
	c.invalidate(nodeIndex)
}

func (c *Cache) invalidate(nodeIndex int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[nodeIndex]; ok {
		s.state = stateInvalid
		s.client = nil
	}
}

func serviceMethod(providerID uint16, name string) string {
	return fmt.Sprintf("KVService#%d.%s", providerID, name)
}

func (c *Cache) call(nodeIndex int, endpoint string, providerID uint16, method string, args, reply any) error {
	client, err := c.getConnection(nodeIndex, endpoint)
	if err != nil {
		return err
	}
	if err := client.Call(serviceMethod(providerID, method), args, reply); err != nil {
		c.invalidate(nodeIndex)
		return fmt.Errorf("rpcclient: %s: %w", method, kverr.ErrTransport)
	}
	return nil
}

// Fetch calls the remote node's Fetch method, normalizing both
// Found=false and the legacy "key not found" wire sentinel to
// kverr.ErrNotFound.
func (c *Cache) Fetch(nodeIndex int, endpoint string, providerID uint16, key int32) (string, error) {
	args := &rpcprovider.FetchArgs{Key: key}
	reply := &rpcprovider.FetchReply{}
	if err := c.call(nodeIndex, endpoint, providerID, "Fetch", args, reply); err != nil {
		return "", err
	}
	if !reply.Found || reply.Value == kverr.FetchMissingSentinel {
		return "", fmt.Errorf("rpcclient: fetch key %d: %w", key, kverr.ErrNotFound)
	}
	return reply.Value, nil
}

func (c *Cache) Insert(nodeIndex int, endpoint string, providerID uint16, key int32, value string) error {
	return c.mutate(nodeIndex, endpoint, providerID, "Insert", key, value)
}

func (c *Cache) Update(nodeIndex int, endpoint string, providerID uint16, key int32, value string) error {
	return c.mutate(nodeIndex, endpoint, providerID, "Update", key, value)
}

func (c *Cache) mutate(nodeIndex int, endpoint string, providerID uint16, method string, key int32, value string) error {
	args := &rpcprovider.MutateArgs{Key: key, Value: value}
	reply := &rpcprovider.StatusReply{}
	if err := c.call(nodeIndex, endpoint, providerID, method, args, reply); err != nil {
		return err
	}
	if reply.Status == 0 {
		return fmt.Errorf("rpcclient: %s key %d: remote reported failure: %w", method, key, kverr.ErrTransport)
	}
	return nil
}

func (c *Cache) Delete(nodeIndex int, endpoint string, providerID uint16, key int32) error {
	args := &rpcprovider.FetchArgs{Key: key}
	reply := &rpcprovider.StatusReply{}
	if err := c.call(nodeIndex, endpoint, providerID, "Delete", args, reply); err != nil {
		return err
	}
	if reply.Status == 0 {
		return fmt.Errorf("rpcclient: delete key %d: remote reported failure: %w", key, kverr.ErrTransport)
	}
	return nil
}

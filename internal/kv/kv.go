// Package kv is a thin facade over the distributor, exposing the
// cluster's key operations and membership queries through one type.
// cmd/kvnode and cmd/kvctl do not use it; they work with
// internal/distributor and internal/store directly.
package kv

import "github.com/distkv/distkv/internal/distributor"

// Store is the facade over a running cluster's partitioned keyspace.
type Store struct {
	d *distributor.Distributor
}

// New wraps an already-configured Distributor: the caller attaches the
// local Store, loads the mapping file and adds cluster members first.
func New(d *distributor.Distributor) *Store {
	return &Store{d: d}
}

func (s *Store) Get(key int32) (string, error) {
	return s.d.Get(key)
}

func (s *Store) Insert(key int32, value string) error {
	return s.d.Insert(key, value)
}

func (s *Store) Update(key int32, value string) error {
	return s.d.Update(key, value)
}

func (s *Store) Delete(key int32) error {
	return s.d.Delete(key)
}

func (s *Store) AddNode(endpoint string, providerID uint16) error {
	return s.d.AddNode(endpoint, providerID)
}

func (s *Store) RemoveNode(nodeID int) error {
	return s.d.RemoveNode(nodeID)
}

func (s *Store) NumNodes() int {
	return s.d.NumNodes()
}

func (s *Store) LocalNodeID() int {
	return s.d.LocalNodeID()
}

func (s *Store) Endpoints() []string {
	return s.d.Endpoints()
}

func (s *Store) Distribution() map[int32]int {
	return s.d.Distribution()
}

func (s *Store) HashOf(key int32) int {
	return s.d.HashOf(key)
}

// MarkUnreachable invalidates the connection-cache slot for nodeIndex.
// Used by the health monitor to react to a failed liveness check
// without waiting for an actual key operation to hit the dead peer.
func (s *Store) MarkUnreachable(nodeIndex int) {
	s.d.MarkUnreachable(nodeIndex)
}

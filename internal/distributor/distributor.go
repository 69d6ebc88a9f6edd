// Package distributor implements the partitioned routing layer: it maps
// keys onto a fixed-size cluster of nodes by key mod N, dispatching each
// operation to either the local Store or a remote node's provider
// through the RPC client cache, and keeps the key-to-node assignment
// durable across restarts via the mapping file.
package distributor

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/distkv/distkv/internal/identity"
	"github.com/distkv/distkv/internal/kverr"
	"github.com/distkv/distkv/internal/mapping"
	"github.com/distkv/distkv/internal/rpcclient"
	"github.com/distkv/distkv/internal/store"
)

// member is one entry in the membership vector: the endpoint a node
// listens on and the provider_id its rpcprovider service is registered
// under.
type member struct {
	Endpoint   string
	ProviderID uint16
}

// Distributor is the facade the kv package and cmd/kvnode build on top
// of. It owns no network connections itself beyond the client cache;
// the Store it dispatches local operations to is supplied by the
// caller via AttachLocalStore once opened.
type Distributor struct {
	mu sync.RWMutex

	members     []member
	localNodeID int // -1 when no member endpoint names this host

	localStore store.Store
	clients    *rpcclient.Cache

	keyMap      map[int32]mapping.Entry
	mappingPath string

	addrLister identity.AddrLister
	localIP    string
}

// New constructs an empty Distributor. Call AddNode for each member of
// the initial cluster configuration before serving traffic.
func New(mappingPath string, addrLister identity.AddrLister, localIP string) *Distributor {
	if addrLister == nil {
		addrLister = identity.DefaultAddrLister
	}
	return &Distributor{
		localNodeID: -1,
		clients:     rpcclient.NewCache(),
		keyMap:      make(map[int32]mapping.Entry),
		mappingPath: mappingPath,
		addrLister:  addrLister,
		localIP:     localIP,
	}
}

// LoadMapping replaces the in-memory key-to-node assignment with the
// contents of the mapping file, for use at startup before serving
// traffic. Safe to call once, before any Insert/Update/Delete.
func (d *Distributor) LoadMapping() error {
	entries, err := mapping.Load(d.mappingPath)
	if err != nil {
		return err
	}

	d.mu.Lock()
	n := len(d.members)
	for key, entry := range entries {
		if entry.NodeID < 0 || entry.NodeID >= n {
			log.Printf("distributor: dropping mapping for key %d: node_id %d outside current membership of %d",
				key, entry.NodeID, n)
			delete(entries, key)
		}
	}
	d.keyMap = entries
	d.mu.Unlock()
	return nil
}

// AttachLocalStore gives the Distributor a handle to this process's own
// Store, used whenever a key routes to the local node-id. A Distributor
// with no attached local store dispatches every operation remotely,
// acting as a remote-only client.
func (d *Distributor) AttachLocalStore(s store.Store) {
	d.mu.Lock()
	d.localStore = s
	d.mu.Unlock()
}

// NumNodes reports the current membership size N.
func (d *Distributor) NumNodes() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.members)
}

// LocalNodeID reports this process's node-id, or -1 if none.
func (d *Distributor) LocalNodeID() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localNodeID
}

// Endpoints returns a snapshot of the current membership's endpoints,
// indexed by node-id.
func (d *Distributor) Endpoints() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.members))
	for i, m := range d.members {
		out[i] = m.Endpoint
	}
	return out
}

// MarkUnreachable invalidates the connection-cache slot for nodeIndex,
// forcing the next dispatch to that node to reconnect rather than reuse
// a handle to a peer a health check has already found unresponsive.
func (d *Distributor) MarkUnreachable(nodeIndex int) {
	d.clients.Invalidate(nodeIndex)
}

// Distribution reports the current key-to-node assignment, for the CLI's
// "distribution" subcommand.
func (d *Distributor) Distribution() map[int32]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[int32]int, len(d.keyMap))
	for k, e := range d.keyMap {
		out[k] = e.NodeID
	}
	return out
}

// HashOf reports which node-id key would route to under the current
// membership size, independent of whether it has actually been
// inserted. Used by the CLI's "hash" subcommand.
func (d *Distributor) HashOf(key int32) int {
	d.mu.RLock()
	n := len(d.members)
	d.mu.RUnlock()
	if n == 0 {
		return -1
	}
	return mod(key, n)
}

// mod is a true mathematical modulo for possibly-negative keys: Go's %
// keeps the sign of the dividend, which would put negative keys outside
// [0, n).
func mod(key int32, n int) int {
	m := int(key) % n
	if m < 0 {
		m += n
	}
	return m
}

func (d *Distributor) recomputeLocalIdentityLocked() {
	endpoints := make([]string, len(d.members))
	for i, m := range d.members {
		endpoints[i] = m.Endpoint
	}
	idx, err := identity.Resolve(endpoints, d.localIP, d.addrLister)
	if err != nil {
		log.Printf("distributor: local identity resolution failed: %v", err)
		return
	}
	d.localNodeID = idx
}

// target is either a local leg backed directly by a Store, or a remote
// leg backed by the client cache, routed through a single dispatch
// helper instead of repeated if-local/else-remote branches at every
// call site.
type target struct {
	local      bool
	store      store.Store
	clients    *rpcclient.Cache
	nodeIndex  int
	endpoint   string
	providerID uint16
}

// op bundles the local and remote implementations of one logical
// operation; dispatch picks whichever one t calls for.
type op[T any] struct {
	localFn  func(store.Store) (T, error)
	remoteFn func(*rpcclient.Cache, int, string, uint16) (T, error)
}

func dispatch[T any](o op[T], t target) (T, error) {
	if t.local {
		return o.localFn(t.store)
	}
	return o.remoteFn(t.clients, t.nodeIndex, t.endpoint, t.providerID)
}

// targetForLocked builds the dispatch target for nodeIndex under the
// current membership. Caller must hold d.mu (read or write).
func (d *Distributor) targetForLocked(nodeIndex int) target {
	if d.localStore != nil && nodeIndex == d.localNodeID {
		return target{local: true, store: d.localStore}
	}
	m := d.members[nodeIndex]
	return target{
		local:      false,
		clients:    d.clients,
		nodeIndex:  nodeIndex,
		endpoint:   m.Endpoint,
		providerID: m.ProviderID,
	}
}

func fetchOpFor(key int32) op[string] {
	return op[string]{
		localFn: func(s store.Store) (string, error) { return s.Find(key) },
		remoteFn: func(c *rpcclient.Cache, idx int, ep string, pid uint16) (string, error) {
			return c.Fetch(idx, ep, pid, key)
		},
	}
}

func insertOpFor(key int32, value string) op[string] {
	return op[string]{
		localFn: func(s store.Store) (string, error) { return "", s.Insert(key, value) },
		remoteFn: func(c *rpcclient.Cache, idx int, ep string, pid uint16) (string, error) {
			return "", c.Insert(idx, ep, pid, key, value)
		},
	}
}

func updateOpFor(key int32, value string) op[string] {
	return op[string]{
		localFn: func(s store.Store) (string, error) { return "", s.Update(key, value) },
		remoteFn: func(c *rpcclient.Cache, idx int, ep string, pid uint16) (string, error) {
			return "", c.Update(idx, ep, pid, key, value)
		},
	}
}

func deleteOpFor(key int32) op[string] {
	return op[string]{
		localFn: func(s store.Store) (string, error) { return "", s.Delete(key) },
		remoteFn: func(c *rpcclient.Cache, idx int, ep string, pid uint16) (string, error) {
			return "", c.Delete(idx, ep, pid, key)
		},
	}
}

// Get returns the value stored for key, or kverr.ErrNotFound if the
// distributor has no record of it.
func (d *Distributor) Get(key int32) (string, error) {
	d.mu.RLock()
	entry, ok := d.keyMap[key]
	if !ok {
		d.mu.RUnlock()
		return "", fmt.Errorf("distributor: get key %d: %w", key, kverr.ErrNotFound)
	}
	t := d.targetForLocked(entry.NodeID)
	d.mu.RUnlock()

	return dispatch(fetchOpFor(key), t)
}

// Insert assigns key to node = key mod N, writes it there, records the
// assignment in the key-to-node map, and appends it to the mapping file
// only after the Store write has already succeeded.
func (d *Distributor) Insert(key int32, value string) error {
	d.mu.Lock()
	if _, exists := d.keyMap[key]; exists {
		d.mu.Unlock()
		return fmt.Errorf("distributor: insert key %d: %w", key, kverr.ErrAlreadyExists)
	}
	n := len(d.members)
	if n == 0 {
		d.mu.Unlock()
		return fmt.Errorf("distributor: insert key %d: %w", key, kverr.ErrUnavailable)
	}
	nodeID := mod(key, n)
	t := d.targetForLocked(nodeID)
	endpoint := d.members[nodeID].Endpoint
	d.mu.Unlock()

	if _, err := dispatch(insertOpFor(key, value), t); err != nil {
		return err
	}

	entry := mapping.Entry{Key: key, Endpoint: endpoint, NodeID: nodeID}
	d.mu.Lock()
	d.keyMap[key] = entry
	d.mu.Unlock()

	if err := mapping.AppendOne(d.mappingPath, entry); err != nil {
		log.Printf("distributor: append mapping for key %d: %v", key, err)
	}
	return nil
}

// Update replaces the value for an existing key. The mapping file is
// untouched: value-only updates never change which node owns a key.
func (d *Distributor) Update(key int32, value string) error {
	d.mu.RLock()
	entry, ok := d.keyMap[key]
	if !ok {
		d.mu.RUnlock()
		return fmt.Errorf("distributor: update key %d: %w", key, kverr.ErrNotFound)
	}
	t := d.targetForLocked(entry.NodeID)
	d.mu.RUnlock()

	_, err := dispatch(updateOpFor(key, value), t)
	return err
}

// Delete removes key from wherever it currently lives and forgets its
// assignment.
func (d *Distributor) Delete(key int32) error {
	d.mu.RLock()
	entry, ok := d.keyMap[key]
	if !ok {
		d.mu.RUnlock()
		return fmt.Errorf("distributor: delete key %d: %w", key, kverr.ErrNotFound)
	}
	t := d.targetForLocked(entry.NodeID)
	d.mu.RUnlock()

	if _, err := dispatch(deleteOpFor(key), t); err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.keyMap, key)
	d.mu.Unlock()
	return nil
}

// AddNode appends endpoint to the membership vector, recomputes local
// identity, and rebalances existing keys against the new membership
// size. Rejects an endpoint already present in the membership rather
// than adding a duplicate node-id for it.
func (d *Distributor) AddNode(endpoint string, providerID uint16) error {
	if d.indexOfEndpoint(endpoint) >= 0 {
		return fmt.Errorf("distributor: add node %s: %w", endpoint, kverr.ErrAlreadyExists)
	}

	d.mu.Lock()
	nOld := len(d.members)
	d.members = append(d.members, member{Endpoint: endpoint, ProviderID: providerID})
	d.recomputeLocalIdentityLocked()
	d.mu.Unlock()

	if nOld > 0 {
		return d.rebalance(nOld)
	}
	return nil
}

// rebalance moves every key whose node assignment changes between a
// membership of size nOld and the current membership size. Within one
// key the order is strictly fetch, then insert, then delete: a crash
// between insert and delete leaves the key retrievable from either
// node, and the mapping file rewritten at the end is authoritative.
func (d *Distributor) rebalance(nOld int) error {
	d.mu.RLock()
	nNew := len(d.members)
	type move struct {
		key    int32
		oldID  int
		newID  int
	}
	var moves []move
	for key, entry := range d.keyMap {
		newID := mod(key, nNew)
		if newID != entry.NodeID {
			moves = append(moves, move{key: key, oldID: entry.NodeID, newID: newID})
		}
	}
	d.mu.RUnlock()

	for _, m := range moves {
		d.mu.RLock()
		oldTarget := d.targetForLocked(m.oldID)
		newTarget := d.targetForLocked(m.newID)
		newEndpoint := d.members[m.newID].Endpoint
		d.mu.RUnlock()

		value, err := dispatch(fetchOpFor(m.key), oldTarget)
		if err != nil {
			log.Printf("distributor: rebalance fetch key %d from node %d: %v", m.key, m.oldID, err)
			continue
		}
		if _, err := dispatch(insertOpFor(m.key, value), newTarget); err != nil {
			log.Printf("distributor: rebalance insert key %d into node %d: %v", m.key, m.newID, err)
			continue
		}
		if _, err := dispatch(deleteOpFor(m.key), oldTarget); err != nil {
			log.Printf("distributor: rebalance delete key %d from node %d: %v", m.key, m.oldID, err)
		}

		d.mu.Lock()
		d.keyMap[m.key] = mapping.Entry{Key: m.key, Endpoint: newEndpoint, NodeID: m.newID}
		d.mu.Unlock()
	}

	d.mu.Lock()
	entries := make(map[int32]mapping.Entry, len(d.keyMap))
	for k, e := range d.keyMap {
		entries[k] = e
	}
	d.mu.Unlock()
	if len(moves) > 0 {
		if err := mapping.RewriteAll(d.mappingPath, entries); err != nil {
			log.Printf("distributor: rewrite mapping after rebalance: %v", err)
		}
	}
	return nil
}

// RemoveNode removes the node at nodeID from the membership, migrating
// its keys onto the post-removal membership (computed with the reduced
// node count before the membership slice itself is mutated), then
// renumbers any node-id greater than nodeID down by one and rewrites
// the mapping file.
func (d *Distributor) RemoveNode(nodeID int) error {
	d.mu.Lock()
	if nodeID < 0 || nodeID >= len(d.members) {
		d.mu.Unlock()
		return fmt.Errorf("distributor: remove node %d: %w", nodeID, kverr.ErrConfig)
	}

	prospective := make([]member, 0, len(d.members)-1)
	prospective = append(prospective, d.members[:nodeID]...)
	prospective = append(prospective, d.members[nodeID+1:]...)
	nNew := len(prospective)

	var keysToMove []int32
	for k, entry := range d.keyMap {
		if entry.NodeID == nodeID {
			keysToMove = append(keysToMove, k)
		}
	}
	removedTarget := d.targetForLocked(nodeID)
	d.mu.Unlock()

	prospectiveEndpoints := make([]string, len(prospective))
	for i, m := range prospective {
		prospectiveEndpoints[i] = m.Endpoint
	}
	prospectiveLocalID, err := identity.Resolve(prospectiveEndpoints, d.localIP, d.addrLister)
	if err != nil {
		log.Printf("distributor: resolve prospective identity during removal: %v", err)
		prospectiveLocalID = -1
	}

	migrated := make(map[int32]bool, len(keysToMove))
	for _, k := range keysToMove {
		if nNew == 0 {
			log.Printf("distributor: key %d has no surviving node after removal of %d; dropping assignment", k, nodeID)
			d.mu.Lock()
			delete(d.keyMap, k)
			d.mu.Unlock()
			continue
		}
		value, err := dispatch(fetchOpFor(k), removedTarget)
		if err != nil {
			log.Printf("distributor: remove-node fetch key %d from node %d: %v", k, nodeID, err)
			continue
		}
		newID := mod(k, nNew)
		var newTarget target
		if d.localStore != nil && newID == prospectiveLocalID {
			newTarget = target{local: true, store: d.localStore}
		} else {
			newTarget = target{local: false, clients: d.clients, nodeIndex: newID, endpoint: prospective[newID].Endpoint, providerID: prospective[newID].ProviderID}
		}
		if _, err := dispatch(insertOpFor(k, value), newTarget); err != nil {
			log.Printf("distributor: remove-node insert key %d into node %d: %v", k, newID, err)
			continue
		}
		d.mu.Lock()
		d.keyMap[k] = mapping.Entry{Key: k, Endpoint: prospective[newID].Endpoint, NodeID: newID}
		migrated[k] = true
		d.mu.Unlock()
	}

	d.mu.Lock()
	d.members = prospective
	for k, entry := range d.keyMap {
		// Migrated keys already carry a post-removal node-id.
		if entry.NodeID > nodeID && !migrated[k] {
			entry.NodeID--
			d.keyMap[k] = entry
		}
	}
	removedWasLocal := d.localNodeID == nodeID
	if removedWasLocal || d.localNodeID > nodeID {
		d.recomputeLocalIdentityLocked()
	}
	entries := make(map[int32]mapping.Entry, len(d.keyMap))
	for k, e := range d.keyMap {
		entries[k] = e
	}
	d.mu.Unlock()

	if err := mapping.RewriteAll(d.mappingPath, entries); err != nil {
		log.Printf("distributor: rewrite mapping after removal: %v", err)
	}
	return nil
}

// indexOfEndpoint finds endpoint's current node-id, or -1, using
// slices.IndexFunc over the membership vector.
func (d *Distributor) indexOfEndpoint(endpoint string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.IndexFunc(d.members, func(m member) bool { return m.Endpoint == endpoint })
}

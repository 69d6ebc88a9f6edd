// Package integration exercises the store, RPC, and distributor layers
// together as a running cluster would use them, covering the
// end-to-end scenarios a single package's unit tests can't reach.
package integration

import (
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/distkv/distkv/internal/distributor"
	"github.com/distkv/distkv/internal/identity"
	"github.com/distkv/distkv/internal/kv"
	"github.com/distkv/distkv/internal/kverr"
	"github.com/distkv/distkv/internal/rpcprovider"
	"github.com/distkv/distkv/internal/store"
)

// testNode pairs a local Store with an rpcprovider.Provider serving it,
// bound to a distinct loopback address so identity.Resolve can tell
// nodes apart by host even though every node in these tests runs in the
// same process.
type testNode struct {
	localStore store.Store
	provider   *rpcprovider.Provider
	endpoint   string
	host       string
}

func startNode(t *testing.T, host string, providerID uint16, cfg store.Config) *testNode {
	t.Helper()
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open store for %s: %v", host, err)
	}

	provider, err := rpcprovider.Serve(net.JoinHostPort(host, "0"), providerID, &rpcprovider.KVService{Store: s})
	if err != nil {
		t.Fatalf("serve %s: %v", host, err)
	}
	t.Cleanup(func() {
		provider.Close()
		s.Close()
	})

	return &testNode{localStore: s, provider: provider, endpoint: provider.Addr().String(), host: host}
}

func memoryConfig(t *testing.T, capacity int64) store.Config {
	t.Helper()
	dir := t.TempDir()
	return store.Config{
		Mode:     store.ModeMemory,
		Role:     store.RoleOwner,
		Capacity: capacity,
		Path:     filepath.Join(dir, "shared.dat"),
		LockPath: filepath.Join(dir, "shared.lock"),
	}
}

// newDistributor builds a Distributor whose local identity is pinned to
// localHost; callers attach the local store themselves.
func newDistributor(t *testing.T, localHost string) *distributor.Distributor {
	t.Helper()
	return distributor.New(filepath.Join(t.TempDir(), "mappings.txt"), identity.DefaultAddrLister, localHost)
}

// S1: two-node cluster, local is node A; a key hashing to B routes
// remotely, a key hashing to A routes locally.
func TestS1TwoNodeLocalAndRemoteRouting(t *testing.T) {
	nodeA := startNode(t, "127.0.0.1", 1, memoryConfig(t, 1<<16))
	nodeB := startNode(t, "127.0.0.2", 1, memoryConfig(t, 1<<16))

	d := newDistributor(t, "127.0.0.1")
	if err := d.AddNode(nodeA.endpoint, 1); err != nil {
		t.Fatalf("add node A: %v", err)
	}
	if err := d.AddNode(nodeB.endpoint, 1); err != nil {
		t.Fatalf("add node B: %v", err)
	}
	d.AttachLocalStore(nodeA.localStore)

	if d.LocalNodeID() != 0 {
		t.Fatalf("expected node A (index 0) to resolve as local, got %d", d.LocalNodeID())
	}

	kvStore := kv.New(d)
	if err := kvStore.Insert(1, "x"); err != nil { // mod(1,2) == 1 -> B, remote
		t.Fatalf("insert 1: %v", err)
	}
	if err := kvStore.Insert(2, "y"); err != nil { // mod(2,2) == 0 -> A, local
		t.Fatalf("insert 2: %v", err)
	}

	if _, err := nodeA.localStore.Find(1); !kverr.Is(err, kverr.ErrNotFound) {
		t.Errorf("expected key 1 to live on B, not A's local store")
	}
	if value, err := nodeB.localStore.Find(1); err != nil || value != "x" {
		t.Errorf("expected key 1 on B, got %q, %v", value, err)
	}
	if value, err := nodeA.localStore.Find(2); err != nil || value != "y" {
		t.Errorf("expected key 2 on A's local store, got %q, %v", value, err)
	}

	if value, err := kvStore.Get(1); err != nil || value != "x" {
		t.Errorf("get 1: %q, %v", value, err)
	}
	if value, err := kvStore.Get(2); err != nil || value != "y" {
		t.Errorf("get 2: %q, %v", value, err)
	}
}

// S2: single node, three inserts, then AddNode; rebalance redistributes
// per k mod 2 and every value stays reachable.
func TestS2AddNodeRebalances(t *testing.T) {
	nodeA := startNode(t, "127.0.0.1", 1, memoryConfig(t, 1<<16))
	nodeB := startNode(t, "127.0.0.2", 1, memoryConfig(t, 1<<16))

	d := newDistributor(t, "127.0.0.1")
	if err := d.AddNode(nodeA.endpoint, 1); err != nil {
		t.Fatalf("add node A: %v", err)
	}
	d.AttachLocalStore(nodeA.localStore)

	kvStore := kv.New(d)
	values := map[int32]string{10: "a", 11: "b", 12: "c"}
	for k, v := range values {
		if err := kvStore.Insert(k, v); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}

	if err := kvStore.AddNode(nodeB.endpoint, 1); err != nil {
		t.Fatalf("add node B: %v", err)
	}

	for k, want := range values {
		got, err := kvStore.Get(k)
		if err != nil {
			t.Fatalf("get %d after rebalance: %v", k, err)
		}
		if got != want {
			t.Errorf("key %d: expected %q, got %q", k, want, got)
		}
	}
	dist := kvStore.Distribution()
	for k, nodeID := range dist {
		if nodeID != kvStore.HashOf(k) {
			t.Errorf("key %d assigned to %d, hash says %d", k, nodeID, kvStore.HashOf(k))
		}
	}
}

// S3: a small update succeeds, an oversized one fails with
// ErrOutOfCapacity, and the prior value survives.
func TestS3CapacityBoundedUpdateSequence(t *testing.T) {
	nodeA := startNode(t, "127.0.0.1", 1, memoryConfig(t, 200))
	d := newDistributor(t, "127.0.0.1")
	if err := d.AddNode(nodeA.endpoint, 1); err != nil {
		t.Fatalf("add node: %v", err)
	}
	d.AttachLocalStore(nodeA.localStore)

	kvStore := kv.New(d)
	if err := kvStore.Insert(1, "short"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := kvStore.Update(1, "still-short"); err != nil {
		t.Fatalf("small update should succeed: %v", err)
	}

	oversized := "this value is deliberately far too long to fit in the tiny capacity budget this test configured"
	err := kvStore.Update(1, oversized)
	if !kverr.Is(err, kverr.ErrOutOfCapacity) {
		t.Fatalf("expected ErrOutOfCapacity, got %v", err)
	}

	value, err := kvStore.Get(1)
	if err != nil {
		t.Fatalf("get after failed update: %v", err)
	}
	if value != "still-short" {
		t.Errorf("expected prior value to survive failed update, got %q", value)
	}
}

// S4: RemoveNode on a 2-node cluster re-routes the removed node's keys
// and renumbers higher node-ids down by one.
func TestS4RemoveNodeReroutesAndRenumbers(t *testing.T) {
	nodeA := startNode(t, "127.0.0.1", 1, memoryConfig(t, 1<<16))
	nodeB := startNode(t, "127.0.0.2", 1, memoryConfig(t, 1<<16))
	nodeC := startNode(t, "127.0.0.3", 1, memoryConfig(t, 1<<16))

	d := newDistributor(t, "127.0.0.1")
	for _, n := range []*testNode{nodeA, nodeB, nodeC} {
		if err := d.AddNode(n.endpoint, 1); err != nil {
			t.Fatalf("add node %s: %v", n.host, err)
		}
	}
	d.AttachLocalStore(nodeA.localStore)

	kvStore := kv.New(d)
	for k := int32(0); k < 9; k++ {
		if err := kvStore.Insert(k, fmt.Sprintf("v%d", k)); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}

	// Remove B (index 1); C shifts down to index 1.
	if err := kvStore.RemoveNode(1); err != nil {
		t.Fatalf("remove node: %v", err)
	}
	if kvStore.NumNodes() != 2 {
		t.Fatalf("expected 2 nodes, got %d", kvStore.NumNodes())
	}
	endpoints := kvStore.Endpoints()
	if endpoints[0] != nodeA.endpoint || endpoints[1] != nodeC.endpoint {
		t.Fatalf("unexpected endpoints after removal: %v", endpoints)
	}

	for k := int32(0); k < 9; k++ {
		value, err := kvStore.Get(k)
		if err != nil {
			t.Fatalf("get %d after removal: %v", k, err)
		}
		if value != fmt.Sprintf("v%d", k) {
			t.Errorf("key %d: expected v%d, got %q", k, k, value)
		}
	}
}

// S5: a killed-then-restarted peer causes one stale-handle failure
// followed by a successful reconnect within the connection cache's
// freshness window.
func TestS5KilledPeerReconnects(t *testing.T) {
	dir := t.TempDir()
	peerAddr := "127.0.0.4:19444"

	cfg := store.Config{
		Mode:     store.ModeMemory,
		Role:     store.RoleOwner,
		Capacity: 1 << 16,
		Path:     filepath.Join(dir, "shared.dat"),
		LockPath: filepath.Join(dir, "shared.lock"),
	}
	peerStore, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open peer store: %v", err)
	}
	provider, err := rpcprovider.Serve(peerAddr, 1, &rpcprovider.KVService{Store: peerStore})
	if err != nil {
		t.Fatalf("serve peer: %v", err)
	}

	nodeA := startNode(t, "127.0.0.1", 1, memoryConfig(t, 1<<16))
	d := newDistributor(t, "127.0.0.1")
	if err := d.AddNode(nodeA.endpoint, 1); err != nil {
		t.Fatalf("add node A: %v", err)
	}
	if err := d.AddNode(peerAddr, 1); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	d.AttachLocalStore(nodeA.localStore)

	kvStore := kv.New(d)
	// Route a key to whichever index is the peer (index 1, since A is 0).
	if err := kvStore.Insert(1, "before-crash"); err != nil {
		t.Fatalf("insert before crash: %v", err)
	}

	// Simulate a crash: close the provider without reopening the port yet.
	provider.Close()
	peerStore.Close()

	if _, err := kvStore.Get(1); err == nil {
		t.Fatalf("expected a failure while the peer is down")
	}

	// Restart the peer on the same address.
	peerStore2, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("reopen peer store: %v", err)
	}
	defer peerStore2.Close()
	if err := peerStore2.Insert(1, "after-restart"); err != nil {
		t.Fatalf("seed restarted peer: %v", err)
	}
	provider2, err := rpcprovider.Serve(peerAddr, 1, &rpcprovider.KVService{Store: peerStore2})
	if err != nil {
		t.Fatalf("reserve peer: %v", err)
	}
	defer provider2.Close()

	deadline := time.Now().Add(5 * time.Second)
	var last error
	for time.Now().Before(deadline) {
		value, err := kvStore.Get(1)
		if err == nil && value == "after-restart" {
			return
		}
		last = err
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("peer never became reachable again after restart: %v", last)
}

// S6: restart in memory mode loses all entries; restart in persistent
// mode with the same data file recovers the map and all prior entries.
func TestS6RestartRecoverySemantics(t *testing.T) {
	t.Run("memory mode always starts clean", func(t *testing.T) {
		dir := t.TempDir()
		cfg := store.Config{
			Mode:     store.ModeMemory,
			Role:     store.RoleOwner,
			Capacity: 1 << 16,
			Path:     filepath.Join(dir, "shared.dat"),
			LockPath: filepath.Join(dir, "shared.lock"),
		}
		first, err := store.Open(cfg)
		if err != nil {
			t.Fatalf("open first: %v", err)
		}
		if err := first.Insert(1, "lost-on-restart"); err != nil {
			t.Fatalf("insert: %v", err)
		}
		// No Close: simulate an owner that crashed without cleanup.

		second, err := store.Open(cfg)
		if err != nil {
			t.Fatalf("open second: %v", err)
		}
		defer second.Close()
		if _, err := second.Find(1); !kverr.Is(err, kverr.ErrNotFound) {
			t.Errorf("expected memory mode to start clean on restart")
		}
	})

	t.Run("persistent mode recovers prior entries", func(t *testing.T) {
		dir := t.TempDir()
		cfg := store.Config{
			Mode:     store.ModePersistent,
			Role:     store.RoleOwner,
			Capacity: 1 << 16,
			Path:     filepath.Join(dir, "persistent.dat"),
			LockPath: filepath.Join(dir, "persistent.lock"),
		}
		first, err := store.Open(cfg)
		if err != nil {
			t.Fatalf("open first: %v", err)
		}
		if err := first.Insert(1, "survives-restart"); err != nil {
			t.Fatalf("insert: %v", err)
		}
		// No Close: simulate a crash, leaving the file behind.

		second, err := store.Open(cfg)
		if err != nil {
			t.Fatalf("open second: %v", err)
		}
		defer second.Close()
		value, err := second.Find(1)
		if err != nil {
			t.Fatalf("expected recovered entry, got error: %v", err)
		}
		if value != "survives-restart" {
			t.Errorf("expected %q, got %q", "survives-restart", value)
		}
	})
}

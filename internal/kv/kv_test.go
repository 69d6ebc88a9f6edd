package kv

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/distkv/distkv/internal/distributor"
	"github.com/distkv/distkv/internal/kverr"
	"github.com/distkv/distkv/internal/rpcprovider"
)

type fakeStore struct {
	data map[int32]string
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[int32]string)} }

func (f *fakeStore) Insert(key int32, value string) error {
	if _, ok := f.data[key]; ok {
		return kverr.ErrAlreadyExists
	}
	f.data[key] = value
	return nil
}

func (f *fakeStore) Update(key int32, value string) error {
	if _, ok := f.data[key]; !ok {
		return kverr.ErrNotFound
	}
	f.data[key] = value
	return nil
}

func (f *fakeStore) Delete(key int32) error {
	if _, ok := f.data[key]; !ok {
		return kverr.ErrNotFound
	}
	delete(f.data, key)
	return nil
}

func (f *fakeStore) Find(key int32) (string, error) {
	v, ok := f.data[key]
	if !ok {
		return "", kverr.ErrNotFound
	}
	return v, nil
}

func (f *fakeStore) FreeBytes() int64 { return 1 << 20 }
func (f *fakeStore) Flush() error     { return nil }
func (f *fakeStore) Close() error     { return nil }

func noAddrs() ([]net.Addr, error) { return nil, nil }

func TestStoreFacadePassesThroughToDistributor(t *testing.T) {
	d := distributor.New(filepath.Join(t.TempDir(), "mappings.txt"), noAddrs, "")
	store := newFakeStore()

	node, err := rpcprovider.Serve("127.0.0.1:0", 1, &rpcprovider.KVService{Store: newFakeStore()})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer node.Close()

	if err := d.AddNode(node.Addr().String(), 1); err != nil {
		t.Fatalf("add node: %v", err)
	}
	d.AttachLocalStore(store)

	s := New(d)
	if s.NumNodes() != 1 {
		t.Errorf("expected 1 node, got %d", s.NumNodes())
	}
	if len(s.Endpoints()) != 1 {
		t.Errorf("expected 1 endpoint, got %v", s.Endpoints())
	}
	if s.HashOf(4) != 0 {
		t.Errorf("expected single-node cluster to hash everything to 0, got %d", s.HashOf(4))
	}

	if err := s.Insert(1, "a"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	value, err := s.Get(1)
	if err != nil || value != "a" {
		t.Errorf("get: %q, %v", value, err)
	}
	if err := s.Update(1, "b"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Delete(1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(s.Distribution()) != 0 {
		t.Errorf("expected empty distribution after delete, got %v", s.Distribution())
	}

	// MarkUnreachable and RemoveNode must not panic through the facade.
	s.MarkUnreachable(0)
	if err := s.RemoveNode(0); err != nil {
		t.Fatalf("remove node: %v", err)
	}
}

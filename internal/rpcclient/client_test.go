package rpcclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func startTestProvider(t *testing.T, providerID uint16) (*rpcprovider.Provider, string) {
	t.Helper()
	svc := &rpcprovider.KVService{Store: newFakeStore()}
	provider, err := rpcprovider.Serve("127.0.0.1:0", providerID, svc)
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })
	return provider, provider.Addr().String()
}

func TestCacheInsertFetchUpdateDelete(t *testing.T) {
	_, endpoint := startTestProvider(t, 1)
	cache := NewCache()

	require.NoError(t, cache.Insert(0, endpoint, 1, 10, "hello"))
	value, err := cache.Fetch(0, endpoint, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "hello", value)

	require.NoError(t, cache.Update(0, endpoint, 1, 10, "world"))
	value, err = cache.Fetch(0, endpoint, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "world", value)

	require.NoError(t, cache.Delete(0, endpoint, 1, 10))
	_, err = cache.Fetch(0, endpoint, 1, 10)
	assert.True(t, kverr.Is(err, kverr.ErrNotFound), "expected ErrNotFound after delete, got %v", err)
}

func TestCacheFetchMissingKey(t *testing.T) {
	_, endpoint := startTestProvider(t, 2)
	cache := NewCache()

	_, err := cache.Fetch(0, endpoint, 2, 999)
	assert.True(t, kverr.Is(err, kverr.ErrNotFound), "expected ErrNotFound, got %v", err)
}

// TestCacheReusesFreshConnection exercises the connection-cache
// freshness contract: a call within the freshness window reuses the
// same net/rpc client rather than reconnecting.
func TestCacheReusesFreshConnection(t *testing.T) {
	_, endpoint := startTestProvider(t, 3)
	cache := NewCache()

	require.NoError(t, cache.Insert(0, endpoint, 3, 1, "a"))

	cache.mu.Lock()
	firstClient := cache.slots[0].client
	cache.mu.Unlock()
	require.NotNil(t, firstClient)

	require.NoError(t, cache.Update(0, endpoint, 3, 1, "b"))

	cache.mu.Lock()
	secondClient := cache.slots[0].client
	cache.mu.Unlock()

	assert.Same(t, firstClient, secondClient, "expected the cached connection to be reused within the freshness window")
}

func TestCacheInvalidateForcesReconnect(t *testing.T) {
	_, endpoint := startTestProvider(t, 4)
	cache := NewCache()

	require.NoError(t, cache.Insert(0, endpoint, 4, 1, "a"))
	cache.Invalidate(0)

	cache.mu.Lock()
	state := cache.slots[0].state
	cache.mu.Unlock()
	assert.Equal(t, stateInvalid, state)

	// Next call should succeed by reconnecting.
	assert.NoError(t, cache.Update(0, endpoint, 4, 1, "b"))
}

// TestCacheUnreachableEndpointReturnsTransportError exercises the
// transport-error path a dead or never-listening peer takes.
func TestCacheUnreachableEndpointReturnsTransportError(t *testing.T) {
	cache := NewCache()
	_, err := cache.Fetch(0, "127.0.0.1:1", 1, 1) // port 1 is reserved, nothing listens there
	assert.True(t, kverr.Is(err, kverr.ErrTransport), "expected ErrTransport, got %v", err)
}

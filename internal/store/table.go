package store

import (
	"fmt"
	"sync"

	"github.com/distkv/distkv/internal/kverr"
)

// capacityOverheadFactor is the conservative allowance applied when
// checking free space before a write: free bytes must be at least this
// many times the requested size. It mirrors the original shared-memory
// allocator's fragmentation margin.
const capacityOverheadFactor = 2

// perEntryOverhead approximates the bookkeeping cost of one table entry
// (key, length prefixes, map bucket) beyond the raw key/value bytes.
const perEntryOverhead = 64

// table is the in-memory hash table shared by the memory and persistent
// Store implementations. It owns the capacity accounting and the four
// core operations; the two Store implementations differ only in how
// (and whether) they persist table beyond process memory.
type table struct {
	mu       sync.Mutex
	data     map[int32]string
	capacity int64
	used     int64
}

func newTable(capacity int64) *table {
	return &table{
		data:     make(map[int32]string),
		capacity: capacity,
	}
}

func entrySize(key int32, value string) int64 {
	return int64(len(value)) + 4 + perEntryOverhead
}

// freeBytesLocked reports bytes free in the segment, without acquiring
// mu; the caller must already hold the lock.
func (t *table) freeBytesLocked() int64 {
	free := t.capacity - t.used
	if free < 0 {
		return 0
	}
	return free
}

// reloadLocked replaces the table's contents with what seg currently
// holds, picking up writes other handles on the same segment have
// published. The caller must hold the named lock and mu.
func (t *table) reloadLocked(seg *mmapSegment) error {
	data, err := seg.read()
	if err != nil {
		return err
	}
	t.data = data
	t.used = 0
	for key, value := range data {
		t.used += entrySize(key, value)
	}
	return nil
}

func (t *table) hasCapacityLocked(n int64) bool {
	return t.freeBytesLocked() >= capacityOverheadFactor*n
}

func (t *table) insertLocked(key int32, value string) error {
	if _, exists := t.data[key]; exists {
		return fmt.Errorf("insert key %d: %w", key, kverr.ErrAlreadyExists)
	}
	size := entrySize(key, value)
	if !t.hasCapacityLocked(size) {
		return fmt.Errorf("insert key %d (%d bytes, %d free): %w", key, size, t.freeBytesLocked(), kverr.ErrOutOfCapacity)
	}
	t.data[key] = value
	t.used += size
	return nil
}

func (t *table) updateLocked(key int32, value string) error {
	old, exists := t.data[key]
	if !exists {
		return fmt.Errorf("update key %d: %w", key, kverr.ErrNotFound)
	}
	oldSize := entrySize(key, old)
	newSize := entrySize(key, value)
	if newSize > oldSize {
		delta := newSize - oldSize
		if !t.hasCapacityLocked(delta) {
			return fmt.Errorf("update key %d (+%d bytes, %d free): %w", key, delta, t.freeBytesLocked(), kverr.ErrOutOfCapacity)
		}
	}
	t.data[key] = value
	t.used += newSize - oldSize
	return nil
}

func (t *table) deleteLocked(key int32) error {
	old, exists := t.data[key]
	if !exists {
		return fmt.Errorf("delete key %d: %w", key, kverr.ErrNotFound)
	}
	delete(t.data, key)
	t.used -= entrySize(key, old)
	if t.used < 0 {
		t.used = 0
	}
	return nil
}

func (t *table) findLocked(key int32) (string, error) {
	value, exists := t.data[key]
	if !exists {
		return "", fmt.Errorf("find key %d: %w", key, kverr.ErrNotFound)
	}
	return value, nil
}

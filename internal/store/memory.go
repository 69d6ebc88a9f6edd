package store

import (
	"fmt"
	"log"
	"os"

	"github.com/distkv/distkv/internal/kverr"
)

// DefaultMemorySegmentPath is the tmpfs path openMemoryStore maps when
// its Config has an empty Path. Open fills an empty Path with
// DefaultSegmentPath before dispatching, so a memory-mode store opened
// through Open maps Config.Path or DefaultSegmentPath. Either way the
// owner unlinks the file on Close, so the segment is lost once removed.
const DefaultMemorySegmentPath = "/dev/shm/kvstore_shared.dat"

// memoryStore is a Store whose segment lives entirely in volatile
// memory: an owner always starts from a clean slate, unlike persistent
// mode's recover-if-possible behavior.
type memoryStore struct {
	*table
	lock     *namedLock
	seg      *mmapSegment
	role     Role
	segPath  string
	lockPath string
}

func openMemoryStore(cfg Config) (Store, error) {
	segPath := cfg.Path
	if segPath == "" {
		segPath = DefaultMemorySegmentPath
	}

	lock, err := openNamedLock(cfg.LockPath)
	if err != nil {
		return nil, err
	}
	if err := lock.lock(); err != nil {
		lock.close()
		return nil, fmt.Errorf("lock %s: %w", cfg.LockPath, err)
	}
	defer lock.unlock()

	var seg *mmapSegment
	var data map[int32]string

	switch cfg.Role {
	case RoleOwner:
		if _, statErr := os.Stat(segPath); statErr == nil {
			log.Printf("store: removing stale memory segment %s", segPath)
			if err := os.Remove(segPath); err != nil {
				lock.close()
				return nil, fmt.Errorf("remove stale memory segment %s: %w", segPath, err)
			}
		}
		seg, err = createSegment(segPath, cfg.Capacity)
		if err != nil {
			lock.close()
			return nil, err
		}
		data = map[int32]string{}
	case RoleAttacher:
		seg, err = openSegment(segPath)
		if err != nil {
			lock.close()
			if kverr.Is(err, kverr.ErrCorrupt) {
				return nil, fmt.Errorf("attach %s: %v: %w", segPath, err, kverr.ErrUnavailable)
			}
			return nil, err
		}
		data, err = seg.read()
		if err != nil {
			seg.close()
			lock.close()
			return nil, fmt.Errorf("attach %s: %w", segPath, kverr.ErrUnavailable)
		}
	default:
		lock.close()
		return nil, fmt.Errorf("store: unknown role %d", cfg.Role)
	}

	capacity := cfg.Capacity
	if cfg.Role == RoleAttacher {
		capacity = seg.capacity
	}
	t := newTable(capacity)
	t.data = data
	for key, value := range data {
		t.used += entrySize(key, value)
	}

	return &memoryStore{
		table:    t,
		lock:     lock,
		seg:      seg,
		role:     cfg.Role,
		segPath:  segPath,
		lockPath: cfg.LockPath,
	}, nil
}

func (s *memoryStore) Insert(key int32, value string) error {
	return s.mutate(func() error { return s.table.insertLocked(key, value) })
}

func (s *memoryStore) Update(key int32, value string) error {
	return s.mutate(func() error { return s.table.updateLocked(key, value) })
}

func (s *memoryStore) Delete(key int32) error {
	return s.mutate(func() error { return s.table.deleteLocked(key) })
}

func (s *memoryStore) Find(key int32) (string, error) {
	if err := s.lock.lock(); err != nil {
		return "", fmt.Errorf("lock %s: %w", s.lockPath, err)
	}
	defer s.lock.unlock()

	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	if err := s.table.reloadLocked(s.seg); err != nil {
		return "", err
	}
	return s.table.findLocked(key)
}

// mutate serializes op behind the named lock and the table mutex, then
// republishes the table into the mapped segment so any other attached
// process sees the change immediately.
func (s *memoryStore) mutate(op func() error) error {
	if err := s.lock.lock(); err != nil {
		return fmt.Errorf("lock %s: %w", s.lockPath, err)
	}
	defer s.lock.unlock()

	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	if err := s.table.reloadLocked(s.seg); err != nil {
		return err
	}
	if err := op(); err != nil {
		return err
	}
	return s.seg.write(s.table.data)
}

func (s *memoryStore) FreeBytes() int64 {
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	return s.table.freeBytesLocked()
}

// Flush is a no-op: memory mode offers no durability guarantee beyond
// the segment already being republished on every mutating call.
func (s *memoryStore) Flush() error {
	return nil
}

func (s *memoryStore) Close() error {
	if s.role == RoleOwner {
		if err := s.seg.remove(s.segPath); err != nil {
			return err
		}
		return s.lock.remove(s.lockPath)
	}
	if err := s.seg.close(); err != nil {
		return err
	}
	return s.lock.close()
}

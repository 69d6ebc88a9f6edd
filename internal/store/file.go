package store

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/distkv/distkv/internal/kverr"
)

// fileStore is a Store backed by a memory-mapped regular file. Unlike
// memory mode, an owner first tries to recover an existing segment
// before falling back to creating a fresh one, so restarting a node in
// persistent mode against the same data file picks its table back up.
type fileStore struct {
	*table
	lock     *namedLock
	seg      *mmapSegment
	role     Role
	path     string
	lockPath string
}

func openFileStore(cfg Config) (Store, error) {
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
		seg, data, err = recoverOrCreate(cfg.Path, cfg.Capacity)
		if err != nil {
			lock.close()
			return nil, err
		}
	case RoleAttacher:
		seg, err = openSegment(cfg.Path)
		if err != nil {
			lock.close()
			if kverr.Is(err, kverr.ErrCorrupt) {
				return nil, fmt.Errorf("attach %s: %v: %w", cfg.Path, err, kverr.ErrUnavailable)
			}
			return nil, err
		}
		data, err = seg.read()
		if err != nil {
			seg.close()
			lock.close()
			return nil, fmt.Errorf("attach %s: %w", cfg.Path, kverr.ErrUnavailable)
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

	return &fileStore{
		table:    t,
		lock:     lock,
		seg:      seg,
		role:     cfg.Role,
		path:     cfg.Path,
		lockPath: cfg.LockPath,
	}, nil
}

// recoverOrCreate mirrors the original store constructor's recovery
// branch: if a segment file already exists, try to open and decode it
// before giving up and recreating from scratch. A corrupt or undersized
// file is treated the same as a missing one.
func recoverOrCreate(path string, capacity int64) (*mmapSegment, map[int32]string, error) {
	if _, err := os.Stat(path); err == nil {
		seg, openErr := openSegment(path)
		if openErr == nil {
			data, readErr := seg.read()
			if readErr == nil {
				log.Printf("store: recovered persistent segment %s (%d entries)", path, len(data))
				return seg, data, nil
			}
			log.Printf("store: discarding corrupt persistent segment %s: %v", path, readErr)
			seg.close()
		} else if !errors.Is(openErr, kverr.ErrUnavailable) {
			log.Printf("store: discarding unreadable persistent segment %s: %v", path, openErr)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("remove stale persistent segment %s: %w", path, err)
		}
	}
	seg, err := createSegment(path, capacity)
	if err != nil {
		return nil, nil, err
	}
	return seg, map[int32]string{}, nil
}

func (s *fileStore) Insert(key int32, value string) error {
	return s.mutate(func() error { return s.table.insertLocked(key, value) })
}

func (s *fileStore) Update(key int32, value string) error {
	return s.mutate(func() error { return s.table.updateLocked(key, value) })
}

func (s *fileStore) Delete(key int32) error {
	return s.mutate(func() error { return s.table.deleteLocked(key) })
}

func (s *fileStore) Find(key int32) (string, error) {
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

// mutate flushes the mapping after every mutating call, per the
// persistence contract: a crash right after a successful mutation never
// loses it.
func (s *fileStore) mutate(op func() error) error {
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

func (s *fileStore) FreeBytes() int64 {
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	return s.table.freeBytesLocked()
}

func (s *fileStore) Flush() error {
	s.lock.lock()
	defer s.lock.unlock()

	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	if err := s.table.reloadLocked(s.seg); err != nil {
		return err
	}
	return s.seg.write(s.table.data)
}

func (s *fileStore) Close() error {
	if s.role == RoleOwner {
		if err := s.seg.remove(s.path); err != nil {
			return err
		}
		return s.lock.remove(s.lockPath)
	}
	if err := s.seg.close(); err != nil {
		return err
	}
	return s.lock.close()
}

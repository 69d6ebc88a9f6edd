package store

import (
	"fmt"
	"os"
	"syscall"
)

// namedLock is the cross-process substitute for the original segment's
// named mutex (boost::interprocess::named_mutex). Go has no portable
// equivalent, so we flock a well-known lock file instead: the kernel
// releases the lock automatically if the holding process dies, which
// gives us a "recoverable after abnormal termination" property without
// any explicit crash-cleanup code.
type namedLock struct {
	file *os.File
}

// openNamedLock opens (creating if necessary) the lock file at path. It
// never removes a pre-existing file: ownership of removal belongs to the
// segment owner's Close, not to lock acquisition.
func openNamedLock(path string) (*namedLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	return &namedLock{file: f}, nil
}

// lock blocks until the exclusive lock is acquired. Acquisition is
// unbounded: there is no try-lock and no timeout.
func (l *namedLock) lock() error {
	return syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX)
}

func (l *namedLock) unlock() error {
	return syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
}

// close releases the file handle without removing the lock file. Use
// remove for owner teardown.
func (l *namedLock) close() error {
	return l.file.Close()
}

// remove releases the handle and unlinks the lock file; only an owner
// should call this, on Close.
func (l *namedLock) remove(path string) error {
	if err := l.close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file %s: %w", path, err)
	}
	return nil
}

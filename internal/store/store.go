package store

// Store defines the four mutually-exclusive operations every segment
// implementation must provide, plus the capacity and lifecycle hooks the
// distributor and RPC provider rely on. Callers never see whether a
// given Store is memory- or file-backed.
type Store interface {
	// Insert adds a new entry. Fails with kverr.ErrAlreadyExists if key is
	// already present, or kverr.ErrOutOfCapacity if there isn't room.
	Insert(key int32, value string) error

	// Update replaces the value for an existing key. Fails with
	// kverr.ErrNotFound if key is absent, or kverr.ErrOutOfCapacity if the
	// new value doesn't fit.
	Update(key int32, value string) error

	// Delete removes an entry. Fails with kverr.ErrNotFound if absent.
	Delete(key int32) error

	// Find returns the value for key, or kverr.ErrNotFound if absent.
	Find(key int32) (string, error)

	// FreeBytes reports bytes currently free in the segment.
	FreeBytes() int64

	// Flush persists the current table state. A no-op for memory-mode
	// stores; for persistent stores it syncs the mapped file.
	Flush() error

	// Close releases this process's handle to the segment. Owners tear
	// the segment down; attachers just disconnect.
	Close() error
}

// Mode selects the backing for a Store segment.
type Mode string

const (
	// ModeMemory backs the segment with a memory-mapped file that the
	// owner always recreates empty; state is lost once the owner removes it.
	ModeMemory Mode = "memory"

	// ModePersistent backs the segment with a memory-mapped file at a
	// fixed path, recoverable across restarts.
	ModePersistent Mode = "persistent"
)

// Role distinguishes the segment-creation lifecycle: exactly one Owner
// exists per named segment at a time; any number of Attachers may share
// it.
type Role int

const (
	// RoleOwner creates the segment, recovering from any stale segment
	// left behind by a prior crash, and destroys it on Close.
	RoleOwner Role = iota

	// RoleAttacher opens an existing segment and leaves it intact on
	// Close.
	RoleAttacher
)

// DefaultSegmentPath is the segment path Open uses, in either mode, when
// Config.Path is empty.
const DefaultSegmentPath = "./kvstore_persistent.dat"

// DefaultLockPath is the fixed path for the named cross-process lock
// file shared by both storage modes.
const DefaultLockPath = "./kvstore.lock"

// Config parameterizes Open: which mode and role to use, how large the
// segment may grow, and where its backing file and lock file live.
type Config struct {
	Mode     Mode
	Role     Role
	Capacity int64  // bytes
	Path     string // segment file for either mode; defaults to DefaultSegmentPath
	LockPath string // defaults to DefaultLockPath
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultSegmentPath
	}
	if c.LockPath == "" {
		c.LockPath = DefaultLockPath
	}
	return c
}

// Open constructs a Store per cfg, dispatching to the memory or
// persistent implementation. This is the only public constructor:
// internal/distributor and cmd/kvnode never reach past it into the
// concrete implementations.
func Open(cfg Config) (Store, error) {
	cfg = cfg.withDefaults()
	switch cfg.Mode {
	case ModePersistent:
		return openFileStore(cfg)
	case ModeMemory, "":
		return openMemoryStore(cfg)
	default:
		panic("store: unknown mode " + string(cfg.Mode))
	}
}

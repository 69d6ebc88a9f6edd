// Package kverr defines the uniform error kinds shared across the store,
// RPC, and distributor layers. Every component returns one of these
// sentinels (wrapped with context via %w) rather than ad-hoc error types.
package kverr

import "errors"

var (
	// ErrNotFound is returned when a key is absent on read, update, or delete.
	ErrNotFound = errors.New("key not found")

	// ErrAlreadyExists is returned when Insert targets a key already present.
	ErrAlreadyExists = errors.New("key already exists")

	// ErrOutOfCapacity is returned when the store segment lacks room for a write.
	ErrOutOfCapacity = errors.New("out of capacity")

	// ErrUnavailable is returned when a segment cannot be attached or a peer
	// cannot be reached.
	ErrUnavailable = errors.New("unavailable")

	// ErrCorrupt is returned when a segment exists but its well-known objects
	// are missing. Owners recover from this; attachers surface it as
	// ErrUnavailable.
	ErrCorrupt = errors.New("corrupt segment")

	// ErrTransport is returned when an RPC call fails after a connection was
	// established.
	ErrTransport = errors.New("transport error")

	// ErrConfig marks malformed configuration: a bad mapping-file line
	// (which the mapping loader skips), a bad cluster config or endpoint,
	// or an out-of-range node id.
	ErrConfig = errors.New("config error")
)

// FetchMissingSentinel is the legacy wire value for a missing key, kept for
// callers that inspect the raw RPC reply string instead of the Found flag.
const FetchMissingSentinel = "key not found"

// Is reports whether err wraps target anywhere in its chain. Thin wrapper
// over errors.Is kept here so call sites read kverr.Is(err, kverr.ErrX)
// next to the sentinels themselves.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Package store implements the process-shareable key-value segment that
// backs a single node in the cluster: a mutex-protected hash table of
// int32 keys to string values, exposed identically whether the segment
// lives in process memory or in a memory-mapped file.
//
// # Overview
//
// A Store is opened once per process in one of two roles:
//
//   - Owner: constructs the segment. In memory mode this always means
//     discarding whatever stale segment a prior crash left behind,
//     since a memory-mode segment carries no durability
//     promise. In persistent mode it means trying to recover the
//     existing backing file first, falling back to a fresh one only if
//     none exists or the existing one fails to decode. The owner is
//     responsible for tearing the segment down on Close.
//   - Attacher: opens a segment an owner already created, shares its
//     data, and leaves it intact on Close.
//
// # Capacity accounting
//
// Every mutating call checks a running byte counter against the
// configured capacity before admitting the write, using a conservative
// 2x overhead allowance (see hasCapacity). This mirrors a shared-memory
// allocator's fragmentation margin without requiring one.
//
// # Concurrency
//
// All four operations acquire a named, cross-process lock (a flock'd
// file at a well-known path) before touching the table, then an
// in-process mutex for the table itself. The lock is released on every
// exit path, success or failure, via defer.
package store

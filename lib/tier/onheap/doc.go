// Package onheap implements tier.ICachingTier as a sharded in-memory LRU.
//
// Each shard combines a simplelru.LRU from hashicorp/golang-lru with a map of
// in-flight faults. A fault is a single-assignment cell: the first caller that
// misses a key registers it and runs the source outside the shard lock, later
// callers for the same key wait on the cell and share its result. This
// collapses N concurrent misses of a key into one authoritative read.
//
// Invalidations that arrive while a fault is running are recorded on the cell.
// When the fault completes, its holder is installed only if its id is newer
// than every id covered by those invalidations. Waiters that joined a fault
// whose result was invalidated start over instead of returning a value that
// may predate their call.
//
// Capacity evictions and expirations found on lookup are collected under the
// shard lock and reported to the invalidation listener after the lock was
// released, so a listener may call back into the tier.
//
// Thread-safety: all methods are safe for concurrent use. Operations on keys
// in different shards never contend.
package onheap

// Package tiered implements store.IStore on top of a caching tier and an
// authoritative tier.
//
// Read path: a read asks the caching tier, which faults a miss in from the
// authoritative tier with GetAndFault. Concurrent misses of one key share a
// single fault. A hit of the caching tier is reported to the authoritative
// tier with Touch, so both tiers apply the same access time and time-to-idle.
// A failing caching tier is skipped and the authoritative tier is read
// directly.
//
// Write path: a write goes to the authoritative tier first. Afterwards the
// cached copy of the key is invalidated with InvalidateIfValueIs and the id of
// the holder that was valid before the write, so a fresh value that a
// concurrent reader already faulted in survives. Conditional operations
// (Replace, ReplaceIf, RemoveIf, Compute, ...) run inside the per-key compute
// of the authoritative tier and invalidate only if they changed something.
//
// Failed invalidations: if the caching tier cannot invalidate a key, the key
// becomes pending. Reads of a pending key bypass the caching tier, and a
// background worker retries the invalidation with exponential backoff. After
// Options.MaxInvalidationRetries failed attempts the failure is escalated
// (logged and counted) and the key stays pending until a later write manages
// to invalidate it. A stale value is never served.
//
// Evictions and expirations of the authoritative tier invalidate the cached
// copy as well. Evictions of the caching tier are only counted.
//
// Counters are kept per store in a VictoriaMetrics set, see Statistics and
// WritePrometheus. Hits and misses count reads that found a mapping and reads
// that did not, faults count reads the caching tier could not serve.
package tiered

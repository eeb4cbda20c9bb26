// Package tier defines the two capability interfaces a tiered store is built
// from, and the value types they exchange.
//
//   - ICachingTier: a volatile, lossy mapping that may drop entries at any time.
//     It populates misses through a fault-collapsing GetOrComputeIfAbsent and
//     supports token-aware invalidation (InvalidateIfValueIs).
//     Implementation: lib/tier/onheap
//
//   - IAuthoritativeTier: the durable source of truth. It enforces the disk
//     resource pool, consults the eviction veto, applies the expiry policy and
//     persists its content. All conditional writes go through its per-key atomic
//     compute primitive.
//     Implementation: lib/tier/disk
//
// ValueHolder carries a value together with its identity token (a monotonic id
// assigned by the authoritative tier on every mutation), creation time, last
// access, expiration and hit count. The id is what makes token-aware
// invalidation possible: after a write whose prior value had id p, a cached
// holder with id <= p is stale, one with id > p was faulted in after the write.
//
// The policies injected into both tiers live here as well: Expiry (with the
// NoExpiration, TimeToLive and TimeToIdle built-ins), EvictionVeto,
// ResourcePools and TimeSource.
package tier

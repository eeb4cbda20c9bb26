// Package store defines the unified contract of a key-value cache store and
// the error taxonomy shared by the store implementations and the tiers they
// are built from.
//
// Key Components:
//
//   - IStore Interface: get, put, remove, the conditional operations
//     (PutIfAbsent, Replace, ReplaceIf, RemoveIf), the atomic compute family
//     (Compute, ComputeIfPresent, ComputeIfAbsent), bulk variants, iteration and
//     the Init/Close lifecycle. Every implementation shares this interface so
//     applications can switch between an in-process tiered store and a remote
//     one (rpc/client) without code changes.
//
//   - Error System: a structured error type with a return code. The codes that
//     matter to callers are RetCLifecycleViolation (data operation before Init,
//     after Close, or a second Init), RetCPersistenceFailure (the authoritative
//     tier could not read or write durably) and RetCCapacityRejection (the
//     authoritative tier has no room for an entry: too large for the pool, or
//     every eviction candidate was vetoed). RetCCachingTierFailure is only used
//     between the caching tier and the coordinator, stores never return it from
//     a data operation. Use errors.Is with the Err* sentinels to test for a code.
//
//   - Statistics: a snapshot of the per-store counters (hits, misses, faults,
//     evictions, invalidations, ...). Counters are owned by the store instance
//     and start at zero for every new instance.
//
// Implementations:
//
//   - Tiered Store (tiered): the tier coordinator. Combines a volatile caching
//     tier (lib/tier/onheap) with a durable authoritative tier (lib/tier/disk).
//     Available in the "github.com/ValentinKolb/tKV/lib/store/tiered" package.
//
//   - Provider (provider): builds tiered stores from a configuration and owns
//     their persistence spaces.
//     Available in the "github.com/ValentinKolb/tKV/lib/store/provider" package.
//
//   - Remote Store (rpc/client): forwards every operation to a tKV server.
//
// The conformance suite in lib/store/testing runs against any IStore.
package store

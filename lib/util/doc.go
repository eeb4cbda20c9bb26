// Package util provides the small building blocks shared by the tier
// implementations and the tier coordinator.
//
// The package contains:
//   - functions: seed generation, string hashing and shard selection
//   - mapheap: a generic priority queue with key-based access, used to schedule
//     expirations in the authoritative tier
//   - lockfreempsc: a lock-free Multi-Producer Single-Consumer queue used to feed
//     garbage collector events and invalidation retries to a single worker goroutine
//
// None of the types in this package know anything about tiers or stores, they
// only deal with keys, priorities and values.
package util

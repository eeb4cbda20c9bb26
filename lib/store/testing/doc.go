// Package testing provides standardised tests and benchmarks for
// implementations of the store.IStore interface.
//
// The package contains:
//   - RunStoreTests: a conformance suite for the IStore contract (read path,
//     conditional writes, compute, bulk operations, capacity, eviction veto,
//     expiry, concurrency and lifecycle)
//   - RunStoreBenchmarks: throughput of common operations
//
// Stores are built through a StoreFactory with one constructor per
// configuration the suite needs. Values of the capacity tests come from
// CreateValue and are 400 KiB large, so the default disk pool of 16 MiB holds
// about 40 of them.
//
// Example usage:
//
//	func Test(t *testing.T) {
//		storetesting.RunStoreTests(t, "Tiered", &myFactory{})
//	}
package testing

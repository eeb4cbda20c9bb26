// Package lockmgr implements owner-verified locks on top of any store.IStore.
//
// The lock manager keeps no state besides what it writes into the store, so
// it is safe to create it multiple times on the same store, even once per
// operation.
//
// Core Functionality:
//   - Lock acquisition with a random uuid as owner ID
//   - Optional timeouts after which a lock counts as released
//   - Release operations that verify ownership
//
// Implementation Approach:
//
//	A lock is a single mapping whose value is the deadline of the lock
//	(unix nanoseconds, big endian, 0 = no timeout) followed by the owner ID.
//
//	- Acquisition runs one Compute on the key. The lock is taken if the key
//	  is absent or holds a timed out lock, otherwise the mapping is kept.
//	  Since Compute is atomic per key, exactly one of concurrent requesters
//	  wins.
//
//	- Release runs one ComputeIfPresent that removes the mapping if the
//	  owner IDs match or the lock timed out.
//
//	Timed out locks are not removed by a background job. They are replaced
//	by the next acquisition or removed by the next release.
//
// Usage Example:
//
//	locks := lockmgr.NewLockManager(store)
//
//	acquired, ownerID, err := locks.AcquireLock("resource:123", 30*time.Second)
//	if err != nil {
//	    // Handle error
//	}
//	if acquired {
//	    // Use the resource
//	    released, err := locks.ReleaseLock("resource:123", ownerID)
//	}
//
// Stores that do not support compute operations (like the rpc client) can
// not host locks directly, the rpc server runs the lock manager next to its
// stores instead.
package lockmgr

package lockmgr

import "time"

// ILockManager defines the interface for a lock provider.
type ILockManager interface {
	// AcquireLock acquires the lock for the given key. A timeout > 0 releases the
	// lock automatically once it elapsed, 0 keeps it until it is released.
	// Returns whether the lock was acquired and, if so, the owner ID needed to release it.
	AcquireLock(key string, timeout time.Duration) (ok bool, ownerID []byte, err error)

	// ReleaseLock releases the lock for the given key if ownerID owns it.
	// The method also returns true if the lock did not exist (or timed out).
	ReleaseLock(key string, ownerID []byte) (ok bool, err error)
}

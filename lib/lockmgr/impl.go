package lockmgr

import (
	"bytes"
	"time"

	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/tier"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("lockmgr")

type lockMgrImpl struct {
	store store.IStore
	clock tier.TimeSource
}

// NewLockManager creates a lock manager that keeps its locks in s.
func NewLockManager(s store.IStore) ILockManager {
	return newLockManager(s, tier.SystemTimeSource)
}

func newLockManager(s store.IStore, clock tier.TimeSource) *lockMgrImpl {
	return &lockMgrImpl{store: s, clock: clock}
}

// live reports whether a stored lock value still holds the lock at now.
func live(value []byte, now time.Time) bool {
	_, deadline, ok := decodeLock(value)
	return ok && (deadline == 0 || now.UnixNano() < deadline)
}

func (lm *lockMgrImpl) AcquireLock(key string, timeout time.Duration) (bool, []byte, error) {
	ownerID, err := generateOwnerID()
	if err != nil {
		return false, nil, err
	}

	now := lm.clock.Now()
	var deadline time.Time
	if timeout > 0 {
		deadline = now.Add(timeout)
	}

	// take the lock if it is free or timed out, atomically per key
	acquired := false
	_, _, err = lm.store.Compute(key, func(_ string, value []byte, loaded bool) ([]byte, store.ComputeOp, error) {
		acquired = false // fn may run again if the store had to make room
		if loaded && live(value, now) {
			return nil, store.OpKeep, nil
		}
		acquired = true
		return encodeLock(ownerID, deadline), store.OpWrite, nil
	})
	if err != nil {
		Logger.Warningf("acquiring lock %q failed: %v", key, err)
		return false, nil, err
	}
	if !acquired {
		return false, nil, nil
	}
	return true, ownerID, nil
}

func (lm *lockMgrImpl) ReleaseLock(key string, ownerID []byte) (bool, error) {
	now := lm.clock.Now()

	released := true
	_, _, err := lm.store.ComputeIfPresent(key, func(_ string, value []byte, _ bool) ([]byte, store.ComputeOp, error) {
		released = true
		owner, _, _ := decodeLock(value)
		if live(value, now) && !bytes.Equal(owner, ownerID) {
			released = false
			return nil, store.OpKeep, nil
		}
		// our lock, or a timed out one
		return nil, store.OpRemove, nil
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

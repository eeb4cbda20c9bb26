package lockmgr

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

const (
	ownerIDLength = 16 // random (version 4) uuid
	deadlineSize  = 8
)

// generateOwnerID creates a new random owner ID.
func generateOwnerID() ([]byte, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	return id[:], nil
}

// encodeLock returns the stored value of a lock: the deadline in unix nanos
// (0 = none) followed by the owner ID.
func encodeLock(ownerID []byte, deadline time.Time) []byte {
	value := make([]byte, deadlineSize+len(ownerID))
	if !deadline.IsZero() {
		binary.BigEndian.PutUint64(value, uint64(deadline.UnixNano()))
	}
	copy(value[deadlineSize:], ownerID)
	return value
}

// decodeLock splits a stored lock value. Values that are too short are
// treated as expired locks.
func decodeLock(value []byte) (ownerID []byte, deadline int64, ok bool) {
	if len(value) < deadlineSize {
		return nil, 0, false
	}
	return value[deadlineSize:], int64(binary.BigEndian.Uint64(value)), true
}

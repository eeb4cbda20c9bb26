package tier

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ValueHolder wraps a value with the metadata both tiers need.
//
// The value and id are immutable. Access metadata (last access, hits,
// expiration) is updated atomically by the tier that owns the holder, so a
// holder must always be passed by pointer.
//
// Times are stored as unix nanoseconds, 0 means "not set" (for the expiration:
// never expires).
type ValueHolder struct {
	value   []byte
	id      uint64
	created int64

	expiration atomic.Int64
	lastAccess atomic.Int64
	hits       atomic.Uint64
}

// NewValueHolder creates a holder created (and last accessed) at now.
// A zero expiration means the value never expires.
func NewValueHolder(id uint64, value []byte, now, expiration time.Time) *ValueHolder {
	h := &ValueHolder{
		value:   value,
		id:      id,
		created: now.UnixNano(),
	}
	h.lastAccess.Store(h.created)
	h.SetExpiration(expiration)
	return h
}

// RestoreValueHolder recreates a holder from its raw fields.
func RestoreValueHolder(id uint64, value []byte, created, lastAccess, expiration int64, hits uint64) *ValueHolder {
	h := &ValueHolder{
		value:   value,
		id:      id,
		created: created,
	}
	h.lastAccess.Store(lastAccess)
	h.expiration.Store(expiration)
	h.hits.Store(hits)
	return h
}

// Value returns the held value. The slice is shared and must not be modified.
func (h *ValueHolder) Value() []byte { return h.value }

// ID returns the identity token assigned by the authoritative tier.
func (h *ValueHolder) ID() uint64 { return h.id }

// Created returns the creation time.
func (h *ValueHolder) Created() time.Time { return time.Unix(0, h.created) }

// CreatedNanos returns the creation time in unix nanoseconds.
func (h *ValueHolder) CreatedNanos() int64 { return h.created }

// Expiration returns the expiration time, the zero time if it never expires.
func (h *ValueHolder) Expiration() time.Time {
	n := h.expiration.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ExpirationNanos returns the expiration in unix nanoseconds, 0 if it never expires.
func (h *ValueHolder) ExpirationNanos() int64 { return h.expiration.Load() }

// SetExpiration sets the expiration time. The zero time removes the expiration.
func (h *ValueHolder) SetExpiration(t time.Time) {
	if t.IsZero() {
		h.expiration.Store(0)
		return
	}
	h.expiration.Store(t.UnixNano())
}

// LastAccess returns the time of the last recorded access.
func (h *ValueHolder) LastAccess() time.Time { return time.Unix(0, h.lastAccess.Load()) }

// LastAccessNanos returns the last access in unix nanoseconds.
func (h *ValueHolder) LastAccessNanos() int64 { return h.lastAccess.Load() }

// Hits returns the number of recorded accesses.
func (h *ValueHolder) Hits() uint64 { return h.hits.Load() }

// IsExpired reports whether the holder is expired at now.
func (h *ValueHolder) IsExpired(now time.Time) bool {
	n := h.expiration.Load()
	return n != 0 && now.UnixNano() >= n
}

// Accessed records an access at now and applies the access duration of the
// expiry policy.
func (h *ValueHolder) Accessed(key string, now time.Time, expiry Expiry) {
	h.lastAccess.Store(now.UnixNano())
	h.hits.Add(1)
	if expiry == nil {
		return
	}
	if d, changed := expiry.ForAccess(key, h.value); changed {
		h.SetExpiration(Deadline(now, d))
	}
}

// Copy returns an independent holder with the same id and a copy of the value.
func (h *ValueHolder) Copy() *ValueHolder {
	v := make([]byte, len(h.value))
	copy(v, h.value)
	return RestoreValueHolder(h.id, v, h.created, h.lastAccess.Load(), h.expiration.Load(), h.hits.Load())
}

func (h *ValueHolder) String() string {
	return fmt.Sprintf("ValueHolder{id: %d, len: %d, expiration: %d, hits: %d}", h.id, len(h.value), h.expiration.Load(), h.hits.Load())
}

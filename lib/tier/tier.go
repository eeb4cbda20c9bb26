package tier

import (
	"github.com/ValentinKolb/tKV/lib/store"
)

// --------------------------------------------------------------------------
// Listener Types
// --------------------------------------------------------------------------

// RemovalReason tells a listener why a tier dropped an entry on its own.
type RemovalReason uint8

const (
	ReasonEvicted RemovalReason = iota // capacity pressure
	ReasonExpired                      // expiry policy
)

func (r RemovalReason) String() string {
	switch r {
	case ReasonEvicted:
		return "evicted"
	case ReasonExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// RemovalListener is notified when a tier evicts or expires an entry on its own
// initiative. Explicit invalidations and removals are never reported.
//
// Listeners are invoked without any tier lock held, but on the goroutine that
// triggered the removal. They must not block for long.
type RemovalListener func(key string, holder *ValueHolder, reason RemovalReason)

// Source is the computation a caching tier runs to populate a key on a miss.
// A nil holder without error means the key does not exist.
type Source func(key string) (*ValueHolder, error)

// --------------------------------------------------------------------------
// Caching Tier
// --------------------------------------------------------------------------

// ICachingTier is a volatile, lossy mapping. It may drop any entry at any time.
//
// Every error returned by a caching tier is advisory: the caller may ignore it
// on the read path and must retry invalidations on the write path.
type ICachingTier interface {
	// Get returns the cached holder of key, nil on miss or if the entry expired.
	Get(key string) (*ValueHolder, error)
	// GetOrComputeIfAbsent returns the cached holder of key or runs source to
	// populate it. Concurrent calls for the same key share a single source call.
	// The result is only installed if no invalidation of key happened while
	// source was running that covers the returned holder.
	GetOrComputeIfAbsent(key string, source Source) (*ValueHolder, error)
	// Put installs holder for key unless a newer holder (higher id) is cached.
	Put(key string, holder *ValueHolder) error
	// Invalidate removes key unconditionally.
	Invalidate(key string) error
	// InvalidateIfValueIs removes key only if the cached holder's id is less than
	// or equal to id, i.e. the cached value is not newer than the one that was
	// valid right before the authoritative write that triggered the invalidation.
	InvalidateIfValueIs(key string, id uint64) error
	// SetInvalidationListener registers the callback for evictions and expirations.
	SetInvalidationListener(listener RemovalListener)
	// Clear drops every entry.
	Clear() error
	// Size returns the number of cached entries.
	Size() int
	// Close drops every entry and releases the tier. Further calls fail.
	Close() error
}

// --------------------------------------------------------------------------
// Authoritative Tier
// --------------------------------------------------------------------------

// ComputeResult describes the outcome of an authoritative compute.
type ComputeResult struct {
	Holder  *ValueHolder // mapping after the compute, nil if absent
	Prior   *ValueHolder // mapping before the compute, nil if absent
	Mutated bool         // whether the mapping was written or removed
}

// IAuthoritativeTier is the durable source of truth.
//
// All holders returned are snapshots owned by the caller. Every mutation
// assigns the new holder an id that is strictly greater than every id handed
// out by this tier before.
//
// Errors are *store.Error with code RetCPersistenceFailure, RetCCapacityRejection
// or RetCLifecycleViolation. Errors from user functions are returned unchanged.
type IAuthoritativeTier interface {
	// Get returns the holder of key without recording an access.
	Get(key string) (*ValueHolder, error)
	// GetAndFault returns the holder of key and records the access (access time,
	// hit count, time-to-idle). Used by the caching tier to populate a miss.
	GetAndFault(key string) (*ValueHolder, error)
	// Touch records an access of key like GetAndFault, but only if the mapping
	// still carries id. The coordinator calls it for reads served by the
	// caching tier, so both tiers agree on access time and time-to-idle.
	Touch(key string, id uint64) error
	// Put stores value and returns the prior holder (nil if absent).
	Put(key string, value []byte) (prior *ValueHolder, err error)
	// Remove removes key and returns the removed holder (nil if absent).
	Remove(key string) (removed *ValueHolder, err error)
	// PutIfAbsent stores value only if key is absent. Returns the existing holder if present.
	PutIfAbsent(key string, value []byte) (existing *ValueHolder, err error)
	// Compute runs fn atomically for key.
	Compute(key string, fn store.ComputeFunc) (ComputeResult, error)
	// ComputeIfPresent runs fn atomically for key if it is present.
	ComputeIfPresent(key string, fn store.ComputeFunc) (ComputeResult, error)
	// Iterate calls fn for every live mapping until fn returns false.
	Iterate(fn func(key string, holder *ValueHolder) bool) error
	// Size returns the number of stored mappings.
	Size() int
	// SetEvictionListener registers the callback for evictions and expirations.
	SetEvictionListener(listener RemovalListener)
	// Init loads persisted state and starts background work.
	Init() error
	// Close stops background work and persists state.
	Close() error
}

// EvictionVeto returns true to forbid evicting the given entry under capacity pressure.
type EvictionVeto func(key string, value []byte) bool

// NoVeto allows every eviction.
func NoVeto(string, []byte) bool { return false }

package store

// --------------------------------------------------------------------------
// Compute Functions
// --------------------------------------------------------------------------

// ComputeOp tells a compute operation what to do with the mapping after the
// ComputeFunc returned.
type ComputeOp uint8

const (
	OpKeep   ComputeOp = iota // leave the mapping as it is (absent stays absent)
	OpWrite                   // store the returned value
	OpRemove                  // remove the mapping
)

func (op ComputeOp) String() string {
	switch op {
	case OpKeep:
		return "keep"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// ComputeFunc is called with the current value of a key (loaded=false if absent)
// while the key is locked in the authoritative tier. A returned error aborts
// the operation without mutation and is handed back to the caller unchanged.
// The function must not call back into the same store for the same key.
type ComputeFunc func(key string, value []byte, loaded bool) (newValue []byte, op ComputeOp, err error)

// LoadFunc produces a value for an absent key. Returning a nil value means
// "nothing to store".
type LoadFunc func(key string) (value []byte, err error)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IStore is the unified contract of a key–value cache store.
//
// All operations on a single key are linearizable. Operations on different
// keys never block each other. Bulk operations are independent per-key
// operations: there is no atomicity across keys, errors of single keys are
// combined into the returned error while the other keys are still applied.
//
// Every data operation fails with ErrLifecycleViolation if the store is not
// initialized (Init) or already closed (Close).
type IStore interface {
	// Get returns the value for a key. loaded is false if no mapping exists.
	Get(key string) (value []byte, loaded bool, err error)
	// ContainsKey reports whether a mapping for key exists.
	ContainsKey(key string) (loaded bool, err error)
	// Put inserts or replaces the mapping for key.
	Put(key string, value []byte) (err error)
	// Remove removes the mapping for key. Removing an absent key is not an error, removed is false.
	Remove(key string) (removed bool, err error)
	// PutIfAbsent stores value only if key has no mapping. If a mapping exists, it is
	// returned with loaded=true and nothing is changed.
	PutIfAbsent(key string, value []byte) (existing []byte, loaded bool, err error)
	// Replace replaces the value of key only if a mapping exists. The previous value is returned.
	Replace(key string, value []byte) (previous []byte, replaced bool, err error)
	// ReplaceIf replaces the value of key only if the current value equals expected (byte-wise).
	ReplaceIf(key string, expected, value []byte) (replaced bool, err error)
	// RemoveIf removes the mapping of key only if the current value equals expected (byte-wise).
	RemoveIf(key string, expected []byte) (removed bool, err error)
	// Compute runs fn on the current mapping of key and applies the returned op atomically.
	// The resulting value is returned (loaded=false if the key is absent afterwards).
	Compute(key string, fn ComputeFunc) (value []byte, loaded bool, err error)
	// ComputeIfPresent is like Compute but fn is only called if a mapping exists.
	ComputeIfPresent(key string, fn ComputeFunc) (value []byte, loaded bool, err error)
	// ComputeIfAbsent calls fn only if key has no mapping and stores its result.
	// The value mapped after the call is returned.
	ComputeIfAbsent(key string, fn LoadFunc) (value []byte, loaded bool, err error)

	// GetAll returns the values of all keys that have a mapping.
	GetAll(keys []string) (values map[string][]byte, err error)
	// PutAll puts every entry of the map.
	PutAll(entries map[string][]byte) (err error)
	// RemoveAll removes every given key.
	RemoveAll(keys []string) (err error)
	// BulkCompute runs Compute for every key and returns the resulting mappings.
	BulkCompute(keys []string, fn ComputeFunc) (values map[string][]byte, err error)
	// BulkComputeIfAbsent runs ComputeIfAbsent for every key and returns the resulting mappings.
	BulkComputeIfAbsent(keys []string, fn LoadFunc) (values map[string][]byte, err error)

	// Iterate calls fn for every mapping of the store until fn returns false.
	// The iteration is weakly consistent: concurrent writes may or may not be observed.
	Iterate(fn func(key string, value []byte) bool) (err error)
	// Clear removes all mappings.
	Clear() (err error)
	// Size returns the number of mappings.
	Size() (size int, err error)

	// Init allocates the resources of the store. It must be called exactly once.
	Init() (err error)
	// Close releases the resources of the store. Calling Close again is a no-op.
	Close() (err error)
	// Statistics returns a snapshot of the counters of this store instance.
	Statistics() Statistics
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// Statistics is a point in time copy of the per-store counters.
type Statistics struct {
	Hits                   uint64 `json:"hits"`
	Misses                 uint64 `json:"misses"`
	Faults                 uint64 `json:"faults"`
	CacheBypasses          uint64 `json:"cache_bypasses"`
	Puts                   uint64 `json:"puts"`
	Removals               uint64 `json:"removals"`
	CacheEvictions         uint64 `json:"cache_evictions"`
	CacheExpirations       uint64 `json:"cache_expirations"`
	AuthorityEvictions     uint64 `json:"authority_evictions"`
	AuthorityExpirations   uint64 `json:"authority_expirations"`
	Invalidations          uint64 `json:"invalidations"`
	InvalidationFailures   uint64 `json:"invalidation_failures"`
	InvalidationEscalation uint64 `json:"invalidation_escalations"`
	PendingInvalidations   int    `json:"pending_invalidations"`
	CachedEntries          int    `json:"cached_entries"`
	StoredEntries          int    `json:"stored_entries"`
}

// HitRatio returns hits/(hits+misses), 0 if the store was never read.
func (s Statistics) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

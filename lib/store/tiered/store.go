package tiered

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/tier"
	"github.com/ValentinKolb/tKV/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
)

var Logger = logger.GetLogger("tiered")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the coordinator of a tiered store.
type Options struct {
	Alias                  string        // Name of the store in logs and metrics
	MaxInvalidationRetries int           // Retries of a failed invalidation before escalating
	RetryBaseDelay         time.Duration // Backoff before the first retry, doubled for every further one
	MaxRetryDelay          time.Duration // Upper bound of the backoff
}

// DefaultOptions returns the default options for a store called alias.
func DefaultOptions(alias string) *Options {
	return &Options{
		Alias:                  alias,
		MaxInvalidationRetries: 8,
		RetryBaseDelay:         10 * time.Millisecond,
		MaxRetryDelay:          time.Second,
	}
}

const (
	stateUninitialized int32 = iota
	stateInitializing
	stateInitialized
	stateFailed // init failed, only Close is allowed
	stateClosed
)

// --------------------------------------------------------------------------
// Core structure
// --------------------------------------------------------------------------

// Store coordinates a caching tier and an authoritative tier behind the
// store.IStore contract.
//
// The authoritative tier is the source of truth, the caching tier holds a
// subset of its content. Reads are served by the caching tier, which faults
// misses in from the authoritative tier (one authoritative read per key for
// concurrent misses). Writes go to the authoritative tier first and then
// invalidate the caching tier. The store itself holds no lock: per-key
// serialization is done by the tiers.
//
// Thread-safety: all methods are safe for concurrent use.
type Store struct {
	alias     string
	opts      Options
	caching   tier.ICachingTier
	authority tier.IAuthoritativeTier
	state     atomic.Int32

	// keys whose last invalidation failed, mapped to the generation of that failure
	pending    *xsync.MapOf[string, uint64]
	generation atomic.Uint64
	retries    *util.LockFreeMPSC[retryJob]
	workerDone chan struct{}

	metrics *storeMetrics
}

// Compile time check
var _ store.IStore = (*Store)(nil)

// New creates a store over both tiers. The store takes ownership of the tiers:
// they must not be shared with another store and are closed by Close.
func New(caching tier.ICachingTier, authority tier.IAuthoritativeTier, opts *Options) (*Store, error) {
	if caching == nil || authority == nil {
		return nil, store.NewError(store.RetCInvalidOperation, "a tiered store needs a caching and an authoritative tier")
	}
	if opts == nil {
		opts = DefaultOptions("default")
	}
	o := *opts
	if o.Alias == "" {
		o.Alias = "default"
	}
	if o.MaxInvalidationRetries <= 0 {
		o.MaxInvalidationRetries = 1
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Millisecond
	}
	if o.MaxRetryDelay < o.RetryBaseDelay {
		o.MaxRetryDelay = o.RetryBaseDelay
	}

	s := &Store{
		alias:      o.Alias,
		opts:       o,
		caching:    caching,
		authority:  authority,
		pending:    xsync.NewMapOf[string, uint64](),
		workerDone: make(chan struct{}),
	}
	s.metrics = newStoreMetrics(s)

	caching.SetInvalidationListener(s.onCacheRemoval)
	authority.SetEvictionListener(s.onAuthorityRemoval)

	return s, nil
}

// Alias returns the name of the store.
func (s *Store) Alias() string { return s.alias }

func (s *Store) checkInitialized() error {
	switch s.state.Load() {
	case stateInitialized:
		return nil
	case stateUninitialized, stateInitializing:
		return store.NewError(store.RetCLifecycleViolation, fmt.Sprintf("store %q is not initialized", s.alias))
	case stateFailed:
		return store.NewError(store.RetCLifecycleViolation, fmt.Sprintf("store %q failed to initialize", s.alias))
	default:
		return store.NewError(store.RetCLifecycleViolation, fmt.Sprintf("store %q is closed", s.alias))
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Init initializes the authoritative tier (which loads persisted state) and
// starts the invalidation retry worker. Init may only be called once.
func (s *Store) Init() error {
	if !s.state.CompareAndSwap(stateUninitialized, stateInitializing) {
		return store.NewError(store.RetCLifecycleViolation, fmt.Sprintf("store %q was already initialized", s.alias))
	}

	if err := s.authority.Init(); err != nil {
		s.state.Store(stateFailed)
		Logger.Errorf("store %s: init failed: %v", s.alias, err)
		return err
	}

	s.retries = util.NewLockFreeMPSC[retryJob]()
	go s.retryWorker()

	s.state.Store(stateInitialized)
	Logger.Infof("store %s initialized", s.alias)
	return nil
}

// Close discards the caching tier and closes the authoritative tier. It may
// be called after a failed Init. Calling Close more than once is a no-op.
func (s *Store) Close() error {
	for {
		prev := s.state.Load()
		if prev == stateClosed {
			return nil
		}
		if prev == stateInitializing {
			return store.NewError(store.RetCLifecycleViolation, fmt.Sprintf("store %q is being initialized", s.alias))
		}
		if s.state.CompareAndSwap(prev, stateClosed) {
			if prev == stateInitialized {
				s.retries.Close()
				<-s.workerDone
			}
			break
		}
	}

	errs := multierr.Combine(s.caching.Close(), s.authority.Close())
	if errs != nil {
		Logger.Errorf("store %s: close failed: %v", s.alias, errs)
		return errs
	}
	Logger.Infof("store %s closed", s.alias)
	return nil
}

// --------------------------------------------------------------------------
// Listeners
// --------------------------------------------------------------------------

// onCacheRemoval is called by the caching tier when it evicts or expires an
// entry on its own. The value still lives in the authoritative tier, so this
// only counts.
func (s *Store) onCacheRemoval(_ string, _ *tier.ValueHolder, reason tier.RemovalReason) {
	switch reason {
	case tier.ReasonEvicted:
		s.metrics.cacheEvictions.Inc()
	case tier.ReasonExpired:
		s.metrics.cacheExpirations.Inc()
	}
}

// onAuthorityRemoval is called by the authoritative tier when it evicts or
// expires an entry. The cached copy of that entry must go as well.
func (s *Store) onAuthorityRemoval(key string, holder *tier.ValueHolder, reason tier.RemovalReason) {
	switch reason {
	case tier.ReasonEvicted:
		s.metrics.authorityEvictions.Inc()
		Logger.Debugf("store %s: authoritative tier evicted %q", s.alias, key)
	case tier.ReasonExpired:
		s.metrics.authorityExpirations.Inc()
	}
	if s.state.Load() == stateInitialized {
		s.invalidate(key, holder)
	}
}

// --------------------------------------------------------------------------
// Read path
// --------------------------------------------------------------------------

// getHolder returns the current holder of key. The holder may be shared with
// the caching tier, callers must copy its value.
func (s *Store) getHolder(key string) (*tier.ValueHolder, error) {
	var h *tier.ValueHolder
	var err error

	if s.isPending(key) {
		s.metrics.bypasses.Inc()
		h, err = s.authority.GetAndFault(key)
	} else {
		faulted := false
		h, err = s.caching.GetOrComputeIfAbsent(key, func(k string) (*tier.ValueHolder, error) {
			faulted = true
			return s.authority.GetAndFault(k)
		})
		if faulted {
			s.metrics.faults.Inc()
		} else if err == nil && h != nil {
			// served by the caching tier, the authoritative tier did not see the access
			if terr := s.authority.Touch(key, h.ID()); terr != nil {
				Logger.Debugf("store %s: recording access of %q failed: %v", s.alias, key, terr)
			}
		}
		if err != nil && errors.Is(err, store.ErrCachingTierFailure) {
			// the caching tier is advisory on the read path
			Logger.Debugf("store %s: caching tier failed reading %q, reading the authoritative tier: %v", s.alias, key, err)
			h, err = s.authority.GetAndFault(key)
		}
	}

	if err != nil {
		return nil, err
	}
	if h == nil {
		s.metrics.misses.Inc()
	} else {
		s.metrics.hits.Inc()
	}
	return h, nil
}

func valueOf(h *tier.ValueHolder) ([]byte, bool) {
	if h == nil {
		return nil, false
	}
	v := make([]byte, len(h.Value()))
	copy(v, h.Value())
	return v, true
}

func (s *Store) Get(key string) ([]byte, bool, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, false, err
	}
	h, err := s.getHolder(key)
	if err != nil {
		return nil, false, err
	}
	v, ok := valueOf(h)
	return v, ok, nil
}

func (s *Store) ContainsKey(key string) (bool, error) {
	if err := s.checkInitialized(); err != nil {
		return false, err
	}
	// the caching tier is partial, only the authoritative tier can tell
	h, err := s.authority.Get(key)
	if err != nil {
		return false, err
	}
	return h != nil, nil
}

// --------------------------------------------------------------------------
// Write path
// --------------------------------------------------------------------------

func (s *Store) Put(key string, value []byte) error {
	if err := s.checkInitialized(); err != nil {
		return err
	}
	prior, err := s.authority.Put(key, value)
	if err != nil {
		return err
	}
	s.metrics.puts.Inc()
	s.invalidate(key, prior)
	return nil
}

func (s *Store) Remove(key string) (bool, error) {
	if err := s.checkInitialized(); err != nil {
		return false, err
	}
	removed, err := s.authority.Remove(key)
	if err != nil {
		return false, err
	}
	if removed == nil {
		return false, nil
	}
	s.metrics.removals.Inc()
	s.invalidate(key, removed)
	return true, nil
}

func (s *Store) PutIfAbsent(key string, value []byte) ([]byte, bool, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, false, err
	}
	existing, err := s.authority.PutIfAbsent(key, value)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		v, _ := valueOf(existing)
		return v, true, nil
	}
	s.metrics.puts.Inc()
	s.invalidate(key, nil)
	return nil, false, nil
}

// mutated invalidates the caching tier after an authoritative compute and
// counts the mutation.
func (s *Store) mutated(key string, res tier.ComputeResult) {
	if !res.Mutated {
		return
	}
	if res.Holder == nil {
		s.metrics.removals.Inc()
	} else {
		s.metrics.puts.Inc()
	}
	s.invalidate(key, res.Prior)
}

func (s *Store) Replace(key string, value []byte) ([]byte, bool, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, false, err
	}
	res, err := s.authority.ComputeIfPresent(key, func(string, []byte, bool) ([]byte, store.ComputeOp, error) {
		return value, store.OpWrite, nil
	})
	if err != nil {
		return nil, false, err
	}
	s.mutated(key, res)
	if !res.Mutated || res.Prior == nil {
		return nil, false, nil
	}
	previous, _ := valueOf(res.Prior)
	return previous, true, nil
}

func (s *Store) ReplaceIf(key string, expected, value []byte) (bool, error) {
	if err := s.checkInitialized(); err != nil {
		return false, err
	}
	res, err := s.authority.ComputeIfPresent(key, func(_ string, current []byte, _ bool) ([]byte, store.ComputeOp, error) {
		if !bytes.Equal(current, expected) {
			return nil, store.OpKeep, nil
		}
		return value, store.OpWrite, nil
	})
	if err != nil {
		return false, err
	}
	s.mutated(key, res)
	return res.Mutated, nil
}

func (s *Store) RemoveIf(key string, expected []byte) (bool, error) {
	if err := s.checkInitialized(); err != nil {
		return false, err
	}
	res, err := s.authority.ComputeIfPresent(key, func(_ string, current []byte, _ bool) ([]byte, store.ComputeOp, error) {
		if !bytes.Equal(current, expected) {
			return nil, store.OpKeep, nil
		}
		return nil, store.OpRemove, nil
	})
	if err != nil {
		return false, err
	}
	s.mutated(key, res)
	return res.Mutated, nil
}

func (s *Store) Compute(key string, fn store.ComputeFunc) ([]byte, bool, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, false, err
	}
	res, err := s.authority.Compute(key, fn)
	if err != nil {
		return nil, false, err
	}
	s.mutated(key, res)
	v, ok := valueOf(res.Holder)
	return v, ok, nil
}

func (s *Store) ComputeIfPresent(key string, fn store.ComputeFunc) ([]byte, bool, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, false, err
	}
	res, err := s.authority.ComputeIfPresent(key, fn)
	if err != nil {
		return nil, false, err
	}
	s.mutated(key, res)
	v, ok := valueOf(res.Holder)
	return v, ok, nil
}

func (s *Store) ComputeIfAbsent(key string, fn store.LoadFunc) ([]byte, bool, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, false, err
	}

	// fast path: a cached mapping is present by definition
	if !s.isPending(key) {
		if h, err := s.caching.Get(key); err == nil && h != nil {
			s.metrics.hits.Inc()
			v, ok := valueOf(h)
			return v, ok, nil
		}
	}

	res, err := s.authority.Compute(key, func(k string, current []byte, loaded bool) ([]byte, store.ComputeOp, error) {
		if loaded {
			return nil, store.OpKeep, nil
		}
		value, err := fn(k)
		if err != nil || value == nil {
			return nil, store.OpKeep, err
		}
		return value, store.OpWrite, nil
	})
	if err != nil {
		return nil, false, err
	}
	s.mutated(key, res)
	v, ok := valueOf(res.Holder)
	return v, ok, nil
}

// --------------------------------------------------------------------------
// Bulk operations (independent per key operations)
// --------------------------------------------------------------------------

func keyError(key string, err error) error {
	return fmt.Errorf("key %q: %w", key, err)
}

func (s *Store) GetAll(keys []string) (map[string][]byte, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	values := make(map[string][]byte, len(keys))
	var errs error
	for _, key := range keys {
		v, ok, err := s.Get(key)
		if err != nil {
			errs = multierr.Append(errs, keyError(key, err))
			continue
		}
		if ok {
			values[key] = v
		}
	}
	return values, errs
}

func (s *Store) PutAll(entries map[string][]byte) error {
	if err := s.checkInitialized(); err != nil {
		return err
	}
	var errs error
	for key, value := range entries {
		if err := s.Put(key, value); err != nil {
			errs = multierr.Append(errs, keyError(key, err))
		}
	}
	return errs
}

func (s *Store) RemoveAll(keys []string) error {
	if err := s.checkInitialized(); err != nil {
		return err
	}
	var errs error
	for _, key := range keys {
		if _, err := s.Remove(key); err != nil {
			errs = multierr.Append(errs, keyError(key, err))
		}
	}
	return errs
}

func (s *Store) BulkCompute(keys []string, fn store.ComputeFunc) (map[string][]byte, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	values := make(map[string][]byte, len(keys))
	var errs error
	for _, key := range keys {
		v, ok, err := s.Compute(key, fn)
		if err != nil {
			errs = multierr.Append(errs, keyError(key, err))
			continue
		}
		if ok {
			values[key] = v
		}
	}
	return values, errs
}

func (s *Store) BulkComputeIfAbsent(keys []string, fn store.LoadFunc) (map[string][]byte, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	values := make(map[string][]byte, len(keys))
	var errs error
	for _, key := range keys {
		v, ok, err := s.ComputeIfAbsent(key, fn)
		if err != nil {
			errs = multierr.Append(errs, keyError(key, err))
			continue
		}
		if ok {
			values[key] = v
		}
	}
	return values, errs
}

// --------------------------------------------------------------------------
// Iteration and maintenance
// --------------------------------------------------------------------------

// Iterate walks the authoritative tier. The caching tier is never iterated,
// it only holds a subset.
func (s *Store) Iterate(fn func(key string, value []byte) bool) error {
	if err := s.checkInitialized(); err != nil {
		return err
	}
	return s.authority.Iterate(func(key string, h *tier.ValueHolder) bool {
		return fn(key, h.Value())
	})
}

func (s *Store) Clear() error {
	if err := s.checkInitialized(); err != nil {
		return err
	}

	var keys []string
	if err := s.authority.Iterate(func(key string, _ *tier.ValueHolder) bool {
		keys = append(keys, key)
		return true
	}); err != nil {
		return err
	}

	errs := s.RemoveAll(keys)
	if err := s.caching.Clear(); err != nil {
		Logger.Warningf("store %s: clearing the caching tier failed: %v", s.alias, err)
	}
	return errs
}

func (s *Store) Size() (int, error) {
	if err := s.checkInitialized(); err != nil {
		return 0, err
	}
	return s.authority.Size(), nil
}

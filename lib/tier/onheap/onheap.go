package onheap

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/tier"
	"github.com/ValentinKolb/tKV/lib/util"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("onheap")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the caching tier.
type Options struct {
	Capacity   int             // Max number of entries (split across shards)
	NumShards  int             // Number of shards (0 = NumCPU)
	Expiry     tier.Expiry     // Expiry policy (nil = no expiration)
	TimeSource tier.TimeSource // Clock (nil = system time)
}

// DefaultOptions returns options for a tier holding capacity entries.
func DefaultOptions(capacity int) *Options {
	return &Options{
		Capacity:   capacity,
		NumShards:  runtime.NumCPU(),
		Expiry:     tier.NoExpiration(),
		TimeSource: tier.SystemTimeSource,
	}
}

// --------------------------------------------------------------------------
// Core structure
// --------------------------------------------------------------------------

// cachingTier is a sharded LRU cache. Each shard is guarded by its own mutex,
// which is only held for map and list manipulation, never while a fault source
// or a listener runs.
type cachingTier struct {
	shards   []*shard
	seed     uint64
	expiry   tier.Expiry
	clock    tier.TimeSource
	listener atomic.Pointer[tier.RemovalListener]
	closed   atomic.Bool
}

// NewCachingTier creates a caching tier.
//
// The capacity is enforced per shard, so the effective capacity may exceed
// the configured one by up to NumShards-1 entries.
func NewCachingTier(opts *Options) (tier.ICachingTier, error) {
	if opts == nil || opts.Capacity <= 0 {
		return nil, store.NewError(store.RetCInvalidOperation, "caching tier capacity must be positive")
	}

	numShards := opts.NumShards
	if numShards <= 0 {
		numShards = runtime.NumCPU()
	}
	if numShards > opts.Capacity {
		numShards = opts.Capacity
	}
	perShard := (opts.Capacity + numShards - 1) / numShards

	t := &cachingTier{
		shards: make([]*shard, numShards),
		seed:   util.GenerateSeed(),
		expiry: opts.Expiry,
		clock:  opts.TimeSource,
	}
	if t.expiry == nil {
		t.expiry = tier.NoExpiration()
	}
	if t.clock == nil {
		t.clock = tier.SystemTimeSource
	}

	for i := range t.shards {
		s, err := newShard(perShard)
		if err != nil {
			return nil, store.WrapError(store.RetCInternalError, "create lru shard", err)
		}
		t.shards[i] = s
	}

	return t, nil
}

func (t *cachingTier) shardFor(key string) *shard {
	return t.shards[util.ShardIndex(util.HashString(key, t.seed), len(t.shards))]
}

func (t *cachingTier) checkOpen() error {
	if t.closed.Load() {
		return store.NewError(store.RetCCachingTierFailure, "caching tier is closed")
	}
	return nil
}

// notify delivers removals to the listener. Must be called without a shard lock.
func (t *cachingTier) notify(removals []removal) {
	if len(removals) == 0 {
		return
	}
	l := t.listener.Load()
	if l == nil {
		return
	}
	for _, r := range removals {
		(*l)(r.key, r.holder, r.reason)
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see tier.ICachingTier)
// --------------------------------------------------------------------------

func (t *cachingTier) Get(key string) (*tier.ValueHolder, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	s := t.shardFor(key)
	now := t.clock.Now()

	s.mu.Lock()
	h := s.lookupLocked(key, now)
	removals := s.drainLocked()
	s.mu.Unlock()

	t.notify(removals)
	if h != nil {
		h.Accessed(key, now, t.expiry)
	}
	return h, nil
}

func (t *cachingTier) GetOrComputeIfAbsent(key string, source tier.Source) (*tier.ValueHolder, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	s := t.shardFor(key)

	for {
		now := t.clock.Now()

		s.mu.Lock()
		if h := s.lookupLocked(key, now); h != nil {
			removals := s.drainLocked()
			s.mu.Unlock()
			t.notify(removals)
			h.Accessed(key, now, t.expiry)
			return h, nil
		}

		// join a running fault
		if f, ok := s.faults[key]; ok {
			removals := s.drainLocked()
			s.mu.Unlock()
			t.notify(removals)

			<-f.done
			if f.err != nil {
				return nil, f.err
			}
			if f.stale {
				// the fault raced with a write, its result may predate this call
				continue
			}
			return f.holder, nil
		}

		// start a new fault
		f := &fault{done: make(chan struct{})}
		s.faults[key] = f
		removals := s.drainLocked()
		s.mu.Unlock()
		t.notify(removals)

		return t.runFault(s, key, f, source)
	}
}

// runFault runs source for key and publishes the result to everyone waiting on f.
func (t *cachingTier) runFault(s *shard, key string, f *fault, source tier.Source) (h *tier.ValueHolder, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, store.NewError(store.RetCInternalError, fmt.Sprintf("fault source panicked: %v", r))
		}

		s.mu.Lock()
		if s.faults[key] == f {
			delete(s.faults, key)
		}
		f.holder, f.err = h, err
		f.stale = f.invalidated && (h == nil || h.ID() <= f.upTo)

		if err == nil && h != nil && !f.stale && !t.closed.Load() && !h.IsExpired(t.clock.Now()) {
			s.installLocked(key, h)
		}
		removals := s.drainLocked()
		s.mu.Unlock()

		close(f.done)
		t.notify(removals)
	}()

	return source(key)
}

func (t *cachingTier) Put(key string, holder *tier.ValueHolder) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if holder == nil {
		return store.NewError(store.RetCInvalidOperation, "cannot cache a nil holder")
	}

	s := t.shardFor(key)
	s.mu.Lock()
	s.installLocked(key, holder)
	removals := s.drainLocked()
	s.mu.Unlock()

	t.notify(removals)
	return nil
}

func (t *cachingTier) Invalidate(key string) error {
	return t.invalidate(key, math.MaxUint64)
}

func (t *cachingTier) InvalidateIfValueIs(key string, id uint64) error {
	return t.invalidate(key, id)
}

// invalidate removes key if the cached id is <= upTo and marks a running fault
// so that results with an id <= upTo are not installed.
func (t *cachingTier) invalidate(key string, upTo uint64) error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	s := t.shardFor(key)
	s.mu.Lock()
	if h, ok := s.lru.Peek(key); ok && h.ID() <= upTo {
		s.removeLocked(key)
	}
	if f, ok := s.faults[key]; ok {
		f.invalidated = true
		if upTo > f.upTo {
			f.upTo = upTo
		}
	}
	s.mu.Unlock()
	return nil
}

func (t *cachingTier) SetInvalidationListener(listener tier.RemovalListener) {
	if listener == nil {
		t.listener.Store(nil)
		return
	}
	t.listener.Store(&listener)
}

func (t *cachingTier) Clear() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.purge()
	return nil
}

func (t *cachingTier) purge() {
	for _, s := range t.shards {
		s.mu.Lock()
		s.explicit = true
		s.lru.Purge()
		s.explicit = false
		for _, f := range s.faults {
			f.invalidated = true
			f.upTo = math.MaxUint64
		}
		s.mu.Unlock()
	}
}

func (t *cachingTier) Size() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}

func (t *cachingTier) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.purge()
	Logger.Debugf("caching tier closed")
	return nil
}

// --------------------------------------------------------------------------
// Shard
// --------------------------------------------------------------------------

// fault is the single-assignment cell of one in-flight population of a key.
// Fields other than done are guarded by the shard mutex until done is closed.
type fault struct {
	done        chan struct{}
	holder      *tier.ValueHolder
	err         error
	invalidated bool   // an invalidation of the key happened while the fault ran
	upTo        uint64 // highest id covered by those invalidations
	stale       bool   // result must not be handed to waiters
}

type removal struct {
	key    string
	holder *tier.ValueHolder
	reason tier.RemovalReason
}

type shard struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *tier.ValueHolder]
	faults   map[string]*fault
	explicit bool      // set while the shard removes entries on purpose
	pending  []removal // evictions and expirations not yet reported
}

func newShard(capacity int) (*shard, error) {
	s := &shard{faults: make(map[string]*fault)}
	lru, err := simplelru.NewLRU[string, *tier.ValueHolder](capacity, s.onEvict)
	if err != nil {
		return nil, err
	}
	s.lru = lru
	return s, nil
}

// onEvict is called by the lru with s.mu held.
func (s *shard) onEvict(key string, h *tier.ValueHolder) {
	if s.explicit {
		return
	}
	s.pending = append(s.pending, removal{key: key, holder: h, reason: tier.ReasonEvicted})
}

// lookupLocked returns the live holder of key. Expired holders are removed
// and queued as expirations.
func (s *shard) lookupLocked(key string, now time.Time) *tier.ValueHolder {
	h, ok := s.lru.Get(key)
	if !ok {
		return nil
	}
	if h.IsExpired(now) {
		s.removeLocked(key)
		s.pending = append(s.pending, removal{key: key, holder: h, reason: tier.ReasonExpired})
		return nil
	}
	return h
}

// installLocked caches h unless a newer holder is already cached.
func (s *shard) installLocked(key string, h *tier.ValueHolder) {
	if cur, ok := s.lru.Peek(key); ok && cur.ID() >= h.ID() {
		return
	}
	s.lru.Add(key, h)
}

func (s *shard) removeLocked(key string) {
	s.explicit = true
	s.lru.Remove(key)
	s.explicit = false
}

func (s *shard) drainLocked() []removal {
	if len(s.pending) == 0 {
		return nil
	}
	r := s.pending
	s.pending = nil
	return r
}

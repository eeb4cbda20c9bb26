package disk

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/tier"
	"github.com/ValentinKolb/tKV/lib/tier/disk/internal"
	"github.com/ValentinKolb/tKV/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

var Logger = logger.GetLogger("disk")

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultGCInterval      = 100 * time.Millisecond // interval between gc runs
	defaultEvictionSamples = 8                      // candidates compared per eviction
	maxEvictionMisses      = 16                     // lost eviction races before giving up
	maxRoomAttempts        = 64                     // compute retries after making room
)

const (
	stateNew int32 = iota
	stateOpen
	stateClosed
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the authoritative tier.
type Options struct {
	Fs          afero.Fs    // File system for snapshot and journal
	Dir         string      // Directory of this tier inside Fs
	Persistent  bool        // Load state on Init and write a snapshot on Close
	Journal     bool        // Append every mutation to a journal before it becomes visible
	SyncWrites  bool        // Fsync the journal after every record
	Compression Compression // Snapshot codec

	DiskBytes       int64         // Capacity in bytes (keys + values + per entry overhead)
	NumShards       int           // Number of shards (0 = NumCPU)
	GCInterval      time.Duration // Time between expiration sweeps (0 = default)
	EvictionSamples int           // Entries compared to pick an eviction victim (0 = default)

	Expiry     tier.Expiry       // Expiry policy (nil = no expiration)
	Veto       tier.EvictionVeto // Eviction veto (nil = none)
	TimeSource tier.TimeSource   // Clock (nil = system time)
}

// DefaultOptions returns options for a volatile tier of diskBytes bytes.
func DefaultOptions(diskBytes int64) *Options {
	return &Options{
		Fs:              afero.NewMemMapFs(),
		Dir:             "/",
		DiskBytes:       diskBytes,
		NumShards:       runtime.NumCPU(),
		GCInterval:      defaultGCInterval,
		EvictionSamples: defaultEvictionSamples,
		Expiry:          tier.NoExpiration(),
		Veto:            tier.NoVeto,
		TimeSource:      tier.SystemTimeSource,
	}
}

// --------------------------------------------------------------------------
// Core structure
// --------------------------------------------------------------------------

// Tier is the authoritative tier. Data lives in sharded xsync maps, every
// mutation runs inside the per-key Compute of its shard map. See the package
// documentation for the persistence model.
type Tier struct {
	opts   Options
	seed   uint64
	shards []*internal.Shard

	lastID atomic.Uint64 // last id handed out
	used   atomic.Int64  // charged bytes

	listener atomic.Pointer[tier.RemovalListener]
	state    atomic.Int32
	journal  *journal
	gcWG     sync.WaitGroup
}

// Compile time check
var _ tier.IAuthoritativeTier = (*Tier)(nil)

// NewAuthoritativeTier creates the tier. It is unusable until Init was called.
func NewAuthoritativeTier(opts *Options) (*Tier, error) {
	if opts == nil {
		return nil, store.NewError(store.RetCInvalidOperation, "missing options")
	}
	o := *opts
	if o.DiskBytes <= 0 {
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("disk pool must be larger than 0 bytes, got %d", o.DiskBytes))
	}
	if o.Fs == nil {
		if o.Persistent || o.Journal {
			return nil, store.NewError(store.RetCInvalidOperation, "a persistent or journaled tier needs a file system")
		}
		o.Fs = afero.NewMemMapFs()
	}
	if o.NumShards <= 0 {
		o.NumShards = runtime.NumCPU()
	}
	if o.GCInterval <= 0 {
		o.GCInterval = defaultGCInterval
	}
	if o.EvictionSamples <= 0 {
		o.EvictionSamples = defaultEvictionSamples
	}
	if o.Expiry == nil {
		o.Expiry = tier.NoExpiration()
	}
	if o.Veto == nil {
		o.Veto = tier.NoVeto
	}
	if o.TimeSource == nil {
		o.TimeSource = tier.SystemTimeSource
	}

	t := &Tier{
		opts:   o,
		seed:   util.GenerateSeed(),
		shards: make([]*internal.Shard, o.NumShards),
	}
	for i := range t.shards {
		t.shards[i] = internal.NewShard()
	}
	return t, nil
}

func (t *Tier) shardFor(key string) *internal.Shard {
	return internal.GetShard(util.HashString(key, t.seed), t.shards)
}

func (t *Tier) now() int64 { return t.opts.TimeSource.Now().UnixNano() }

func (t *Tier) checkOpen() error {
	switch t.state.Load() {
	case stateOpen:
		return nil
	case stateNew:
		return store.NewError(store.RetCLifecycleViolation, "authoritative tier is not initialized")
	default:
		return store.NewError(store.RetCLifecycleViolation, "authoritative tier is closed")
	}
}

func (t *Tier) notify(key string, h *tier.ValueHolder, reason tier.RemovalReason) {
	if l := t.listener.Load(); l != nil {
		(*l)(key, h, reason)
	}
}

// UsedBytes returns the number of bytes currently charged against the pool.
func (t *Tier) UsedBytes() int64 { return t.used.Load() }

// CapacityBytes returns the size of the pool.
func (t *Tier) CapacityBytes() int64 { return t.opts.DiskBytes }

// --------------------------------------------------------------------------
// Atomic update
// --------------------------------------------------------------------------

type action uint8

const (
	actKeep   action = iota // leave the mapping (an expired mapping is dropped)
	actTouch                // store next without a new id, used for access metadata
	actWrite                // store next under a new id
	actRemove               // remove the mapping
	actExpire               // drop the mapping as expired
)

// updateFunc decides the next state of a key. Expired mappings are passed in as
// absent (loaded=false). old.Value is shared and must not be modified.
type updateFunc func(old internal.Entry, loaded bool, now int64) (next internal.Entry, act action, err error)

// outcome is the result of one atomic update.
type outcome struct {
	prior    internal.Entry
	hadPrior bool
	after    internal.Entry
	hasAfter bool
	mutated  bool
}

func (o outcome) priorHolder() *tier.ValueHolder {
	if !o.hadPrior {
		return nil
	}
	return o.prior.Holder()
}

func (o outcome) afterHolder() *tier.ValueHolder {
	if !o.hasAfter {
		return nil
	}
	return o.after.Holder()
}

func (o outcome) result() tier.ComputeResult {
	return tier.ComputeResult{Holder: o.afterHolder(), Prior: o.priorHolder(), Mutated: o.mutated}
}

// update runs fn atomically for key.
//
// If a write needs more room than the pool has left, update leaves the key
// untouched, evicts other entries and runs fn again. So fn may be called more
// than once, but its result is applied at most once.
func (t *Tier) update(key string, fn updateFunc) (outcome, error) {
	if err := t.checkOpen(); err != nil {
		return outcome{}, err
	}
	s := t.shardFor(key)

	for attempt := 0; ; attempt++ {
		var (
			res     outcome
			opErr   error
			need    int64
			expired *tier.ValueHolder
			event   *internal.Event
		)
		now := t.now()

		s.Data.Compute(key, func(cur internal.Entry, loaded bool) (internal.Entry, bool) {
			isExpired := loaded && cur.Expired(now)
			live := loaded && !isExpired
			if live {
				res.prior, res.hadPrior = cur, true
			}

			// unchanged is the state to return if nothing is written
			unchanged := func() (internal.Entry, bool) {
				if isExpired {
					t.used.Add(-cur.Size(key))
					expired = cur.Holder()
					event = &internal.Event{Type: internal.EventTDelete, Key: key}
					return cur, true
				}
				if live {
					res.after, res.hasAfter = cur, true
				}
				return cur, !loaded
			}

			next, act, err := fn(cur, live, now)
			if err != nil {
				opErr = err
				if live {
					return cur, false
				}
				return cur, !loaded
			}

			switch act {
			case actTouch:
				if !live {
					return unchanged()
				}
				res.after, res.hasAfter = next, true
				if next.Expiration != cur.Expiration {
					event = &internal.Event{Type: internal.EventTWrite, Key: key}
				}
				return next, false

			case actExpire:
				if !live {
					return unchanged()
				}
				t.used.Add(-cur.Size(key))
				expired = cur.Holder()
				event = &internal.Event{Type: internal.EventTDelete, Key: key}
				return cur, true

			case actRemove:
				if !live {
					return unchanged()
				}
				if t.journal != nil {
					if err := t.journal.appendRemove(key); err != nil {
						opErr = store.WrapError(store.RetCPersistenceFailure, fmt.Sprintf("journal remove of %q", key), err)
						return cur, false
					}
				}
				t.used.Add(-cur.Size(key))
				res.mutated = true
				event = &internal.Event{Type: internal.EventTDelete, Key: key}
				return cur, true

			case actWrite:
				if (t.opts.Persistent || t.opts.Journal) && !fitsRecord(key, next.Value) {
					opErr = store.NewError(store.RetCCapacityRejection,
						fmt.Sprintf("entry %q exceeds the record limit of %d bytes", key, maxRecordSize))
					if live {
						return cur, false
					}
					return cur, !loaded
				}

				size := next.Size(key)
				if size > t.opts.DiskBytes {
					opErr = store.NewError(store.RetCCapacityRejection,
						fmt.Sprintf("entry %q of %d bytes exceeds the disk pool of %d bytes", key, size, t.opts.DiskBytes))
					if live {
						return cur, false
					}
					return cur, !loaded
				}

				delta := size
				if loaded {
					delta -= cur.Size(key)
				}
				if !t.reserve(delta) {
					need = delta
					if live {
						return cur, false
					}
					return cur, !loaded
				}

				next.ID = t.lastID.Add(1)
				if t.journal != nil {
					if err := t.journal.appendPut(key, next); err != nil {
						t.used.Add(-delta)
						opErr = store.WrapError(store.RetCPersistenceFailure, fmt.Sprintf("journal put of %q", key), err)
						if live {
							return cur, false
						}
						return cur, !loaded
					}
				}

				if isExpired {
					expired = cur.Holder()
				}
				res.after, res.hasAfter, res.mutated = next, true, true
				if next.Expiration != 0 || (loaded && cur.Expiration != 0) {
					event = &internal.Event{Type: internal.EventTWrite, Key: key}
				}
				return next, false

			default:
				return unchanged()
			}
		})

		if event != nil {
			s.Events.Push(*event)
		}
		if expired != nil {
			t.notify(key, expired, tier.ReasonExpired)
		}

		if need > 0 {
			if attempt >= maxRoomAttempts {
				return outcome{}, store.NewError(store.RetCCapacityRejection, fmt.Sprintf("could not make room for %q", key))
			}
			if err := t.makeRoom(key, need); err != nil {
				return outcome{}, err
			}
			continue
		}

		return res, opErr
	}
}

// reserve charges delta bytes if they fit into the pool. Negative deltas
// always succeed.
func (t *Tier) reserve(delta int64) bool {
	if delta <= 0 {
		t.used.Add(delta)
		return true
	}
	for {
		cur := t.used.Load()
		if cur+delta > t.opts.DiskBytes {
			return false
		}
		if t.used.CompareAndSwap(cur, cur+delta) {
			return true
		}
	}
}

// newEntry builds the entry stored by a write of value. ok is false if the
// expiry policy says the value must not be stored.
func (t *Tier) newEntry(key string, old internal.Entry, loaded bool, value []byte, now int64) (next internal.Entry, ok bool) {
	next = internal.Entry{
		Value:      value,
		Created:    now,
		LastAccess: now,
	}

	if !loaded {
		d := t.opts.Expiry.ForCreation(key, value)
		if d <= 0 {
			return next, false
		}
		next.Expiration = deadline(now, d)
		return next, true
	}

	d, changed := t.opts.Expiry.ForUpdate(key, old.Value, value)
	if !changed {
		next.Expiration = old.Expiration
		return next, true
	}
	if d <= 0 {
		return next, false
	}
	next.Expiration = deadline(now, d)
	return next, true
}

// write is the updateFunc body shared by all operations that store value.
func (t *Tier) write(key string, old internal.Entry, loaded bool, value []byte, now int64) (internal.Entry, action) {
	next, ok := t.newEntry(key, old, loaded, value, now)
	if !ok {
		if loaded {
			return internal.Entry{}, actRemove
		}
		return internal.Entry{}, actKeep
	}
	return next, actWrite
}

func deadline(now int64, d time.Duration) int64 {
	dl := tier.Deadline(time.Unix(0, now), d)
	if dl.IsZero() {
		return 0
	}
	return dl.UnixNano()
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// --------------------------------------------------------------------------
// Interface Methods (docu see tier.IAuthoritativeTier)
// --------------------------------------------------------------------------

func (t *Tier) Get(key string) (*tier.ValueHolder, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	e, ok := t.shardFor(key).Data.Load(key)
	if !ok || e.Expired(t.now()) {
		return nil, nil
	}
	return e.Holder(), nil
}

func (t *Tier) GetAndFault(key string) (*tier.ValueHolder, error) {
	res, err := t.update(key, func(old internal.Entry, loaded bool, now int64) (internal.Entry, action, error) {
		if !loaded {
			return old, actKeep, nil
		}
		next, act := t.accessed(key, old, now)
		return next, act, nil
	})
	if err != nil {
		return nil, err
	}
	return res.afterHolder(), nil
}

func (t *Tier) Touch(key string, id uint64) error {
	_, err := t.update(key, func(old internal.Entry, loaded bool, now int64) (internal.Entry, action, error) {
		if !loaded || old.ID != id {
			return old, actKeep, nil
		}
		next, act := t.accessed(key, old, now)
		return next, act, nil
	})
	return err
}

// accessed records an access of old at now and applies the access duration
// of the expiry policy
func (t *Tier) accessed(key string, old internal.Entry, now int64) (internal.Entry, action) {
	next := old
	next.LastAccess = now
	next.Hits++
	if d, changed := t.opts.Expiry.ForAccess(key, old.Value); changed {
		if d <= 0 {
			return old, actExpire
		}
		next.Expiration = deadline(now, d)
	}
	return next, actTouch
}

func (t *Tier) Put(key string, value []byte) (*tier.ValueHolder, error) {
	value = copyBytes(value)
	if value == nil {
		value = []byte{}
	}
	res, err := t.update(key, func(old internal.Entry, loaded bool, now int64) (internal.Entry, action, error) {
		next, act := t.write(key, old, loaded, value, now)
		return next, act, nil
	})
	if err != nil {
		return nil, err
	}
	return res.priorHolder(), nil
}

func (t *Tier) Remove(key string) (*tier.ValueHolder, error) {
	res, err := t.update(key, func(old internal.Entry, loaded bool, _ int64) (internal.Entry, action, error) {
		if !loaded {
			return old, actKeep, nil
		}
		return old, actRemove, nil
	})
	if err != nil {
		return nil, err
	}
	return res.priorHolder(), nil
}

func (t *Tier) PutIfAbsent(key string, value []byte) (*tier.ValueHolder, error) {
	value = copyBytes(value)
	if value == nil {
		value = []byte{}
	}
	res, err := t.update(key, func(old internal.Entry, loaded bool, now int64) (internal.Entry, action, error) {
		if loaded {
			return old, actKeep, nil
		}
		next, act := t.write(key, old, false, value, now)
		return next, act, nil
	})
	if err != nil {
		return nil, err
	}
	return res.priorHolder(), nil
}

func (t *Tier) Compute(key string, fn store.ComputeFunc) (tier.ComputeResult, error) {
	return t.compute(key, fn, false)
}

func (t *Tier) ComputeIfPresent(key string, fn store.ComputeFunc) (tier.ComputeResult, error) {
	return t.compute(key, fn, true)
}

func (t *Tier) compute(key string, fn store.ComputeFunc, onlyIfPresent bool) (tier.ComputeResult, error) {
	res, err := t.update(key, func(old internal.Entry, loaded bool, now int64) (internal.Entry, action, error) {
		if onlyIfPresent && !loaded {
			return old, actKeep, nil
		}

		var current []byte
		if loaded {
			current = copyBytes(old.Value)
		}
		value, op, err := fn(key, current, loaded)
		if err != nil {
			return old, actKeep, err
		}

		switch op {
		case store.OpWrite:
			value = copyBytes(value)
			if value == nil {
				value = []byte{}
			}
			next, act := t.write(key, old, loaded, value, now)
			return next, act, nil
		case store.OpRemove:
			if !loaded {
				return old, actKeep, nil
			}
			return old, actRemove, nil
		default:
			return old, actKeep, nil
		}
	})
	if err != nil {
		return tier.ComputeResult{}, err
	}
	return res.result(), nil
}

func (t *Tier) Iterate(fn func(key string, holder *tier.ValueHolder) bool) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	now := t.now()
	for _, s := range t.shards {
		stop := false
		s.Data.Range(func(key string, e internal.Entry) bool {
			if e.Expired(now) {
				return true
			}
			if !fn(key, e.Holder()) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			return nil
		}
	}
	return nil
}

// Size returns the number of stored mappings, including expired mappings the
// gc did not collect yet.
func (t *Tier) Size() int {
	n := 0
	for _, s := range t.shards {
		n += s.Data.Size()
	}
	return n
}

func (t *Tier) SetEvictionListener(listener tier.RemovalListener) {
	if listener == nil {
		t.listener.Store(nil)
		return
	}
	t.listener.Store(&listener)
}

// --------------------------------------------------------------------------
// Eviction
// --------------------------------------------------------------------------

// makeRoom evicts entries other than exclude until need more bytes fit.
// The victim is the least recently accessed of a small random sample of
// entries the veto allows to evict.
func (t *Tier) makeRoom(exclude string, need int64) error {
	misses := 0
	for t.used.Load()+need > t.opts.DiskBytes {
		key, id, ok := t.pickVictim(exclude)
		if !ok {
			return store.NewError(store.RetCCapacityRejection,
				fmt.Sprintf("disk pool of %d bytes is full and no entry may be evicted for %q", t.opts.DiskBytes, exclude))
		}

		evicted, err := t.evict(key, id)
		if err != nil {
			return err
		}
		if evicted {
			misses = 0
			continue
		}
		if misses++; misses >= maxEvictionMisses {
			return store.NewError(store.RetCCapacityRejection, fmt.Sprintf("could not evict entries for %q", exclude))
		}
	}
	return nil
}

func (t *Tier) pickVictim(exclude string) (key string, id uint64, ok bool) {
	var (
		samples    = 0
		oldest     int64
		start      = rand.IntN(len(t.shards))
		now        = t.now()
		maxSamples = t.opts.EvictionSamples
	)

	for i := 0; i < len(t.shards) && samples < maxSamples; i++ {
		s := t.shards[(start+i)%len(t.shards)]
		s.Data.Range(func(k string, e internal.Entry) bool {
			if k == exclude || e.Expired(now) || t.opts.Veto(k, e.Value) {
				return true
			}
			if !ok || e.LastAccess < oldest {
				key, id, oldest, ok = k, e.ID, e.LastAccess, true
			}
			samples++
			return samples < maxSamples
		})
	}
	return key, id, ok
}

// evict removes key if it still holds the entry with id.
func (t *Tier) evict(key string, id uint64) (bool, error) {
	var (
		victim *tier.ValueHolder
		err    error
	)
	s := t.shardFor(key)
	s.Data.Compute(key, func(cur internal.Entry, loaded bool) (internal.Entry, bool) {
		if !loaded {
			return cur, true
		}
		if cur.ID != id {
			return cur, false
		}
		if t.journal != nil {
			if jerr := t.journal.appendRemove(key); jerr != nil {
				err = store.WrapError(store.RetCPersistenceFailure, fmt.Sprintf("journal eviction of %q", key), jerr)
				return cur, false
			}
		}
		t.used.Add(-cur.Size(key))
		victim = cur.Holder()
		return cur, true
	})
	if err != nil || victim == nil {
		return false, err
	}

	s.Events.Push(internal.Event{Type: internal.EventTDelete, Key: key})
	t.notify(key, victim, tier.ReasonEvicted)
	return true, nil
}

// --------------------------------------------------------------------------
// Garbage Collection
// --------------------------------------------------------------------------

func (t *Tier) startGC() {
	t.gcWG.Add(len(t.shards))
	for _, s := range t.shards {
		go t.garbageCollector(s)
	}
}

// stopGC stops all shard collectors and waits for them. The gc can't be
// restarted afterwards.
func (t *Tier) stopGC() {
	for _, s := range t.shards {
		s.Events.Close()
	}
	t.gcWG.Wait()
}

// garbageCollector keeps the expiration heap of s in sync with the events of
// the shard and removes entries once they expired.
func (t *Tier) garbageCollector(s *internal.Shard) {
	defer t.gcWG.Done()

	gcTimer := time.NewTimer(t.opts.GCInterval)
	defer gcTimer.Stop()

	for {
		gcTimer.Reset(t.opts.GCInterval)

		endLoop := false
		for !endLoop {
			select {
			case event, ok := <-s.Events.Recv():
				if !ok {
					return
				}
				switch event.Type {
				case internal.EventTWrite:
					if e, ok := s.Data.Load(event.Key); ok && e.Expiration != 0 {
						s.ExpireHeap.Set(event.Key, e.Expiration)
					} else {
						s.ExpireHeap.Remove(event.Key)
					}
				case internal.EventTDelete:
					s.ExpireHeap.Remove(event.Key)
				default:
					panic(fmt.Sprintf("unknown event %s", event))
				}

			case <-gcTimer.C:
				endLoop = true
			}
		}

		// the time is read once per cycle, entries expiring during the cycle are
		// collected by the next one
		now := t.now()
		for {
			item, exists := s.ExpireHeap.Peek()
			if !exists || item.Priority > now {
				break
			}
			t.collect(s, item.Key, now)

			// entries that were updated in the meantime are rescheduled by their write event
			s.ExpireHeap.Remove(item.Key)
		}
	}
}

func (t *Tier) collect(s *internal.Shard, key string, now int64) {
	var expired *tier.ValueHolder
	s.Data.Compute(key, func(cur internal.Entry, loaded bool) (internal.Entry, bool) {
		if !loaded {
			return cur, true
		}
		if !cur.Expired(now) {
			return cur, false
		}
		t.used.Add(-cur.Size(key))
		expired = cur.Holder()
		return cur, true
	})
	if expired != nil {
		t.notify(key, expired, tier.ReasonExpired)
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Init loads the persisted state (if persistent), opens the journal (if
// enabled) and starts the gc.
func (t *Tier) Init() error {
	if !t.state.CompareAndSwap(stateNew, stateOpen) {
		return store.NewError(store.RetCLifecycleViolation, "authoritative tier was already initialized")
	}

	if err := t.open(); err != nil {
		t.state.Store(stateClosed)
		return store.WrapError(store.RetCPersistenceFailure, fmt.Sprintf("init tier in %q", t.opts.Dir), err)
	}

	t.startGC()
	Logger.Infof("authoritative tier ready (dir=%s, entries=%d, used=%d/%d bytes)", t.opts.Dir, t.Size(), t.used.Load(), t.opts.DiskBytes)
	return nil
}

func (t *Tier) open() error {
	fs, dir := t.opts.Fs, t.opts.Dir

	if !t.opts.Persistent && !t.opts.Journal {
		return nil
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if !t.opts.Persistent {
		// leftovers of a previous volatile run are never loaded
		if err := removeIfExists(fs, filepath.Join(dir, snapshotFile)); err != nil {
			return err
		}
	} else {
		if err := t.load(); err != nil {
			return err
		}
	}

	if t.opts.Journal {
		if t.opts.Persistent {
			// fold the replayed journal into a fresh snapshot before truncating it
			if err := t.saveSnapshot(); err != nil {
				return err
			}
		}
		j, err := openJournal(fs, dir, t.opts.SyncWrites)
		if err != nil {
			return err
		}
		t.journal = j
	}
	return nil
}

// load restores the snapshot and replays the journal on top of it. Expired
// mappings are dropped. The gc is not running yet, so the heaps are filled directly.
func (t *Tier) load() error {
	now := t.now()

	restore := func(key string, e internal.Entry) {
		if e.ID > t.lastID.Load() {
			t.lastID.Store(e.ID)
		}
		s := t.shardFor(key)
		if old, ok := s.Data.LoadAndDelete(key); ok {
			t.used.Add(-old.Size(key))
			s.ExpireHeap.Remove(key)
		}
		if e.Expired(now) {
			return
		}
		s.Data.Store(key, e)
		t.used.Add(e.Size(key))
		if e.Expiration != 0 {
			s.ExpireHeap.Set(key, e.Expiration)
		}
	}

	lastID, found, err := readSnapshot(t.opts.Fs, t.opts.Dir, restore)
	if err != nil {
		return err
	}
	if lastID > t.lastID.Load() {
		t.lastID.Store(lastID)
	}

	n, torn, err := replayJournal(t.opts.Fs, t.opts.Dir, func(rec journalRecord) {
		switch rec.op {
		case recPut:
			restore(rec.key, rec.entry)
		case recRemove:
			s := t.shardFor(rec.key)
			if old, ok := s.Data.LoadAndDelete(rec.key); ok {
				t.used.Add(-old.Size(rec.key))
				s.ExpireHeap.Remove(rec.key)
			}
		}
	})
	if err != nil {
		return err
	}
	if torn {
		Logger.Warningf("journal in %s ends with a torn record, ignored it after %d records", t.opts.Dir, n)
	}
	if found || n > 0 {
		Logger.Infof("restored %d entries (snapshot=%v, journal records=%d)", t.Size(), found, n)
	}
	return nil
}

// saveSnapshot writes all live mappings to the snapshot file.
func (t *Tier) saveSnapshot() error {
	now := t.now()
	var entries []snapshotEntry
	for _, s := range t.shards {
		s.Data.Range(func(key string, e internal.Entry) bool {
			if !e.Expired(now) {
				entries = append(entries, snapshotEntry{key: key, entry: e})
			}
			return true
		})
	}
	return writeSnapshot(t.opts.Fs, t.opts.Dir, t.opts.Compression, t.lastID.Load(), entries)
}

// Close stops the gc, writes the snapshot (if persistent) and closes the
// journal. Calling Close more than once is a no-op.
func (t *Tier) Close() error {
	prev := t.state.Swap(stateClosed)
	if prev != stateOpen {
		return nil
	}

	t.stopGC()
	info := t.Info()

	var errs error
	if t.opts.Persistent {
		errs = multierr.Append(errs, t.saveSnapshot())
	}
	if t.journal != nil {
		errs = multierr.Append(errs, t.journal.close())
		if t.opts.Persistent && errs == nil {
			// the snapshot holds everything, the journal can start over
			errs = multierr.Append(errs, removeIfExists(t.opts.Fs, filepath.Join(t.opts.Dir, journalFile)))
		}
	}

	if errs != nil {
		return store.WrapError(store.RetCPersistenceFailure, fmt.Sprintf("close tier in %q", t.opts.Dir), errs)
	}
	Logger.Infof("authoritative tier closed: %s", info)
	return nil
}

func removeIfExists(fs afero.Fs, path string) error {
	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Info
// --------------------------------------------------------------------------

// Info describes the content of a tier. Value size figures are estimates based
// on a sample of at most 100 entries per shard.
type Info struct {
	Entries       int     `json:"entries"`
	UsedBytes     int64   `json:"used_bytes"`
	CapacityBytes int64   `json:"capacity_bytes"`
	LastID        uint64  `json:"last_id"`
	ValueSizeMean float64 `json:"value_size_mean"`
	ValueSizeP50  float64 `json:"value_size_p50"`
	ValueSizeP99  float64 `json:"value_size_p99"`
	ValueSizeMax  int64   `json:"value_size_max"`
}

func (i Info) String() string {
	return fmt.Sprintf("entries=%d used=%d/%d bytes last_id=%d value_size(mean=%.1f p50=%.0f p99=%.0f max=%d)",
		i.Entries, i.UsedBytes, i.CapacityBytes, i.LastID, i.ValueSizeMean, i.ValueSizeP50, i.ValueSizeP99, i.ValueSizeMax)
}

// Info samples the tier.
func (t *Tier) Info() Info {
	const samplesPerShard = 100
	sizes := gometrics.NewHistogram(gometrics.NewUniformSample(1028))

	for _, s := range t.shards {
		count := 0
		s.Data.Range(func(_ string, e internal.Entry) bool {
			sizes.Update(int64(len(e.Value)))
			count++
			return count < samplesPerShard
		})
	}

	return Info{
		Entries:       t.Size(),
		UsedBytes:     t.used.Load(),
		CapacityBytes: t.opts.DiskBytes,
		LastID:        t.lastID.Load(),
		ValueSizeMean: sizes.Mean(),
		ValueSizeP50:  sizes.Percentile(0.5),
		ValueSizeP99:  sizes.Percentile(0.99),
		ValueSizeMax:  sizes.Max(),
	}
}

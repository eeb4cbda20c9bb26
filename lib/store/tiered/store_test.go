package tiered

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/tier"
	"github.com/ValentinKolb/tKV/lib/tier/disk"
	"github.com/ValentinKolb/tKV/lib/tier/onheap"
	"github.com/spf13/afero"
)

var epoch = time.Unix(1_700_000_000, 0)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

type setup struct {
	heap      int
	diskBytes int64
	clock     tier.TimeSource
	veto      tier.EvictionVeto
	expiry    tier.Expiry
	gc        time.Duration
	wrapCache func(tier.ICachingTier) tier.ICachingTier
	wrapAuth  func(*disk.Tier) tier.IAuthoritativeTier
	opts      *Options
}

func build(t *testing.T, cfg setup) (*Store, error) {
	t.Helper()
	if cfg.heap == 0 {
		cfg.heap = 16
	}
	if cfg.diskBytes == 0 {
		cfg.diskBytes = 1 << 20
	}
	if cfg.clock == nil {
		cfg.clock = tier.SystemTimeSource
	}

	co := onheap.DefaultOptions(cfg.heap)
	co.NumShards = 1
	co.TimeSource = cfg.clock
	if cfg.expiry != nil {
		co.Expiry = cfg.expiry
	}
	caching, err := onheap.NewCachingTier(co)
	if err != nil {
		t.Fatalf("NewCachingTier: %v", err)
	}
	if cfg.wrapCache != nil {
		caching = cfg.wrapCache(caching)
	}

	do := disk.DefaultOptions(cfg.diskBytes)
	do.NumShards = 1
	do.TimeSource = cfg.clock
	do.Veto = cfg.veto
	if cfg.expiry != nil {
		do.Expiry = cfg.expiry
	}
	if cfg.gc > 0 {
		do.GCInterval = cfg.gc
	}
	dt, err := disk.NewAuthoritativeTier(do)
	if err != nil {
		t.Fatalf("NewAuthoritativeTier: %v", err)
	}
	var authority tier.IAuthoritativeTier = dt
	if cfg.wrapAuth != nil {
		authority = cfg.wrapAuth(dt)
	}

	opts := cfg.opts
	if opts == nil {
		opts = DefaultOptions(t.Name())
		opts.RetryBaseDelay = time.Millisecond
		opts.MaxRetryDelay = 5 * time.Millisecond
	}
	s, err := New(caching, authority, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, s.Init()
}

func newStore(t *testing.T, cfg setup) *Store {
	t.Helper()
	s, err := build(t, cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func expectValue(t *testing.T, s *Store, key, want string) {
	t.Helper()
	v, ok, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	if !ok {
		t.Fatalf("Get(%q): expected %q, got no mapping", key, want)
	}
	if string(v) != want {
		t.Fatalf("Get(%q): expected %q, got %q", key, want, v)
	}
}

func expectAbsent(t *testing.T, s *Store, key string) {
	t.Helper()
	v, ok, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	if ok {
		t.Fatalf("Get(%q): expected no mapping, got %q", key, v)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// flakyCache makes a caching tier fail on demand.
type flakyCache struct {
	tier.ICachingTier
	failInvalidations atomic.Int32 // failures left, negative = fail forever
	failReads         atomic.Bool
}

func (c *flakyCache) fail() bool {
	for {
		n := c.failInvalidations.Load()
		if n == 0 {
			return false
		}
		if n < 0 || c.failInvalidations.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (c *flakyCache) Invalidate(key string) error {
	if c.fail() {
		return store.NewError(store.RetCCachingTierFailure, "injected invalidation failure")
	}
	return c.ICachingTier.Invalidate(key)
}

func (c *flakyCache) InvalidateIfValueIs(key string, id uint64) error {
	if c.fail() {
		return store.NewError(store.RetCCachingTierFailure, "injected invalidation failure")
	}
	return c.ICachingTier.InvalidateIfValueIs(key, id)
}

func (c *flakyCache) GetOrComputeIfAbsent(key string, source tier.Source) (*tier.ValueHolder, error) {
	if c.failReads.Load() {
		return nil, store.NewError(store.RetCCachingTierFailure, "injected read failure")
	}
	return c.ICachingTier.GetOrComputeIfAbsent(key, source)
}

// slowAuthority counts faults and delays them.
type slowAuthority struct {
	*disk.Tier
	delay  time.Duration
	faults atomic.Int32
}

func (a *slowAuthority) GetAndFault(key string) (*tier.ValueHolder, error) {
	a.faults.Add(1)
	time.Sleep(a.delay)
	return a.Tier.GetAndFault(key)
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func TestLifecycle(t *testing.T) {
	caching, _ := onheap.NewCachingTier(onheap.DefaultOptions(4))
	authority, _ := disk.NewAuthoritativeTier(disk.DefaultOptions(1024))
	s, err := New(caching, authority, DefaultOptions("lifecycle"))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Put("k", []byte("v")); !errors.Is(err, store.ErrLifecycleViolation) {
		t.Errorf("put before init: expected lifecycle violation, got %v", err)
	}
	if _, _, err := s.Get("k"); !errors.Is(err, store.ErrLifecycleViolation) {
		t.Errorf("get before init: expected lifecycle violation, got %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	if err := s.Init(); !errors.Is(err, store.ErrLifecycleViolation) {
		t.Errorf("second init: expected lifecycle violation, got %v", err)
	}
	if err := s.Put("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if _, _, err := s.Get("k"); !errors.Is(err, store.ErrLifecycleViolation) {
		t.Errorf("get after close: expected lifecycle violation, got %v", err)
	}
	if _, err := s.Size(); !errors.Is(err, store.ErrLifecycleViolation) {
		t.Errorf("size after close: expected lifecycle violation, got %v", err)
	}
}

func TestNewRejectsMissingTier(t *testing.T) {
	authority, _ := disk.NewAuthoritativeTier(disk.DefaultOptions(1024))
	if _, err := New(nil, authority, nil); !errors.Is(err, store.ErrInvalidOperation) {
		t.Errorf("expected invalid operation, got %v", err)
	}
}

func TestFailedInitAllowsOnlyClose(t *testing.T) {
	caching, _ := onheap.NewCachingTier(onheap.DefaultOptions(4))
	o := disk.DefaultOptions(1024)
	o.Fs = afero.NewReadOnlyFs(afero.NewMemMapFs())
	o.Dir = "/data"
	o.Persistent = true
	o.Journal = true
	authority, err := disk.NewAuthoritativeTier(o)
	if err != nil {
		t.Fatal(err)
	}
	s, _ := New(caching, authority, DefaultOptions("broken"))

	if err := s.Init(); !errors.Is(err, store.ErrPersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if err := s.Put("k", []byte("v")); !errors.Is(err, store.ErrLifecycleViolation) {
		t.Errorf("put after failed init: expected lifecycle violation, got %v", err)
	}
	if err := s.Init(); !errors.Is(err, store.ErrLifecycleViolation) {
		t.Errorf("init after failed init: expected lifecycle violation, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("close after failed init: %v", err)
	}
}

// --------------------------------------------------------------------------
// Read and write paths
// --------------------------------------------------------------------------

func TestReadThroughAndInvalidation(t *testing.T) {
	s := newStore(t, setup{})

	expectAbsent(t, s, "k")
	if err := s.Put("k", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	expectValue(t, s, "k", "v1") // fault
	expectValue(t, s, "k", "v1") // cached
	if st := s.Statistics(); st.Faults != 2 || st.Hits != 2 || st.Misses != 1 || st.CachedEntries != 1 {
		t.Errorf("unexpected statistics after reads: %+v", st)
	}

	if err := s.Put("k", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if st := s.Statistics(); st.CachedEntries != 0 {
		t.Errorf("the stale entry must be invalidated, %d cached", st.CachedEntries)
	}
	expectValue(t, s, "k", "v2")

	removed, err := s.Remove("k")
	if err != nil || !removed {
		t.Fatalf("Remove: %v, %v", removed, err)
	}
	expectAbsent(t, s, "k")
	if removed, _ := s.Remove("k"); removed {
		t.Error("removing an absent key must report false")
	}

	// with nothing cached the read goes to the authoritative tier
	if err := s.caching.Clear(); err != nil {
		t.Fatal(err)
	}
	expectAbsent(t, s, "k")
	if ok, err := s.ContainsKey("k"); err != nil || ok {
		t.Errorf("removed key must stay absent after a cache eviction, got %v, %v", ok, err)
	}
}

func TestTimeToIdleOfKeyServedFromCache(t *testing.T) {
	clock := tier.NewManualTimeSource(epoch)
	s := newStore(t, setup{
		clock:  clock,
		expiry: tier.TimeToIdle(time.Second),
		gc:     time.Millisecond,
	})

	if err := s.Put("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 8; i++ {
		clock.Advance(500 * time.Millisecond)
		// give the collector of the authoritative tier a chance to run
		time.Sleep(5 * time.Millisecond)
		expectValue(t, s, "k", "v")
		if ok, err := s.ContainsKey("k"); err != nil || !ok {
			t.Fatalf("read %d: key read every 500ms must not idle out, got %v, %v", i, ok, err)
		}
	}

	clock.Advance(1500 * time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	expectAbsent(t, s, "k")
}

func TestReturnedValuesAreCopies(t *testing.T) {
	s := newStore(t, setup{})

	value := []byte("value")
	_ = s.Put("k", value)
	value[0] = 'X'
	v, _, _ := s.Get("k")
	v[1] = 'Y'
	expectValue(t, s, "k", "value")
}

func TestContainsKey(t *testing.T) {
	s := newStore(t, setup{})
	_ = s.Put("k", []byte("v"))

	if ok, err := s.ContainsKey("k"); err != nil || !ok {
		t.Errorf("ContainsKey(k) = %v, %v", ok, err)
	}
	if ok, err := s.ContainsKey("other"); err != nil || ok {
		t.Errorf("ContainsKey(other) = %v, %v", ok, err)
	}
}

func TestPutIfAbsent(t *testing.T) {
	s := newStore(t, setup{})

	if _, loaded, err := s.PutIfAbsent("k", []byte("v1")); err != nil || loaded {
		t.Fatalf("first PutIfAbsent: %v, %v", loaded, err)
	}
	existing, loaded, err := s.PutIfAbsent("k", []byte("v2"))
	if err != nil || !loaded || string(existing) != "v1" {
		t.Fatalf("second PutIfAbsent: %q, %v, %v", existing, loaded, err)
	}
	expectValue(t, s, "k", "v1")
}

func TestReplace(t *testing.T) {
	s := newStore(t, setup{})

	if _, replaced, err := s.Replace("k", []byte("v")); err != nil || replaced {
		t.Fatalf("replace of absent key: %v, %v", replaced, err)
	}
	expectAbsent(t, s, "k")

	_ = s.Put("k", []byte("v1"))
	expectValue(t, s, "k", "v1")
	previous, replaced, err := s.Replace("k", []byte("v2"))
	if err != nil || !replaced || string(previous) != "v1" {
		t.Fatalf("Replace: %q, %v, %v", previous, replaced, err)
	}
	expectValue(t, s, "k", "v2")

	if ok, _ := s.ReplaceIf("k", []byte("v1"), []byte("v3")); ok {
		t.Error("ReplaceIf with a wrong expected value must not replace")
	}
	expectValue(t, s, "k", "v2")
	if ok, _ := s.ReplaceIf("k", []byte("v2"), []byte("v3")); !ok {
		t.Error("ReplaceIf with the current value must replace")
	}
	expectValue(t, s, "k", "v3")
}

func TestRemoveIf(t *testing.T) {
	s := newStore(t, setup{})
	_ = s.Put("k", []byte("v"))
	expectValue(t, s, "k", "v")

	if ok, _ := s.RemoveIf("k", []byte("other")); ok {
		t.Error("RemoveIf with a wrong expected value must not remove")
	}
	expectValue(t, s, "k", "v")
	if ok, _ := s.RemoveIf("k", []byte("v")); !ok {
		t.Error("RemoveIf with the current value must remove")
	}
	expectAbsent(t, s, "k")
}

func TestCompute(t *testing.T) {
	s := newStore(t, setup{})
	errBoom := errors.New("boom")

	incr := func(_ string, value []byte, loaded bool) ([]byte, store.ComputeOp, error) {
		n := 0
		if loaded {
			n, _ = strconv.Atoi(string(value))
		}
		return []byte(strconv.Itoa(n + 1)), store.OpWrite, nil
	}

	for i := 1; i <= 3; i++ {
		v, ok, err := s.Compute("n", incr)
		if err != nil || !ok || string(v) != strconv.Itoa(i) {
			t.Fatalf("Compute #%d: %q, %v, %v", i, v, ok, err)
		}
		expectValue(t, s, "n", strconv.Itoa(i))
	}

	_, _, err := s.Compute("n", func(string, []byte, bool) ([]byte, store.ComputeOp, error) {
		return nil, store.OpRemove, errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected the function's error unchanged, got %v", err)
	}
	expectValue(t, s, "n", "3")

	v, ok, err := s.ComputeIfPresent("missing", incr)
	if err != nil || ok || v != nil {
		t.Errorf("ComputeIfPresent on absent key: %q, %v, %v", v, ok, err)
	}
	expectAbsent(t, s, "missing")

	_, ok, err = s.ComputeIfPresent("n", func(string, []byte, bool) ([]byte, store.ComputeOp, error) {
		return nil, store.OpRemove, nil
	})
	if err != nil || ok {
		t.Errorf("ComputeIfPresent remove: %v, %v", ok, err)
	}
	expectAbsent(t, s, "n")
}

func TestComputeIfAbsent(t *testing.T) {
	s := newStore(t, setup{})
	calls := 0
	load := func(key string) ([]byte, error) {
		calls++
		return []byte("loaded-" + key), nil
	}

	v, ok, err := s.ComputeIfAbsent("k", load)
	if err != nil || !ok || string(v) != "loaded-k" {
		t.Fatalf("ComputeIfAbsent: %q, %v, %v", v, ok, err)
	}
	expectValue(t, s, "k", "loaded-k")
	if v, _, _ := s.ComputeIfAbsent("k", load); string(v) != "loaded-k" || calls != 1 {
		t.Errorf("loader must not run for a present key, calls=%d value=%q", calls, v)
	}

	v, ok, err = s.ComputeIfAbsent("nil", func(string) ([]byte, error) { return nil, nil })
	if err != nil || ok || v != nil {
		t.Errorf("nil loader result must leave the key absent: %q, %v, %v", v, ok, err)
	}
	expectAbsent(t, s, "nil")
}

// --------------------------------------------------------------------------
// Bulk operations and iteration
// --------------------------------------------------------------------------

func TestBulkOperations(t *testing.T) {
	s := newStore(t, setup{})

	entries := map[string][]byte{"a": []byte("1"), "b": []byte("2"), "c": []byte("3")}
	if err := s.PutAll(entries); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetAll([]string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || string(got["b"]) != "2" {
		t.Errorf("GetAll: %v", got)
	}

	doubled, err := s.BulkCompute([]string{"a", "b"}, func(_ string, v []byte, loaded bool) ([]byte, store.ComputeOp, error) {
		return append(v, v...), store.OpWrite, nil
	})
	if err != nil || string(doubled["a"]) != "11" || string(doubled["b"]) != "22" {
		t.Errorf("BulkCompute: %v, %v", doubled, err)
	}
	expectValue(t, s, "a", "11")

	loaded, err := s.BulkComputeIfAbsent([]string{"c", "e"}, func(key string) ([]byte, error) {
		return []byte("new-" + key), nil
	})
	if err != nil || string(loaded["c"]) != "3" || string(loaded["e"]) != "new-e" {
		t.Errorf("BulkComputeIfAbsent: %v, %v", loaded, err)
	}

	if err := s.RemoveAll([]string{"a", "b", "x"}); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Size(); n != 2 {
		t.Errorf("expected 2 mappings, got %d", n)
	}
}

func TestBulkErrorsAreCombined(t *testing.T) {
	s := newStore(t, setup{diskBytes: 256})

	err := s.PutAll(map[string][]byte{
		"small": []byte("v"),
		"huge":  bytes.Repeat([]byte("x"), 512),
	})
	if !errors.Is(err, store.ErrCapacityRejection) {
		t.Fatalf("expected a capacity rejection, got %v", err)
	}
	if !strings.Contains(err.Error(), `"huge"`) {
		t.Errorf("the error should name the key: %v", err)
	}
	expectValue(t, s, "small", "v")
}

func TestIterateAndClear(t *testing.T) {
	s := newStore(t, setup{})
	for i := 0; i < 10; i++ {
		_ = s.Put(fmt.Sprintf("k%d", i), []byte(strconv.Itoa(i)))
		expectValue(t, s, fmt.Sprintf("k%d", i), strconv.Itoa(i))
	}

	seen := map[string]string{}
	if err := s.Iterate(func(key string, value []byte) bool {
		seen[key] = string(value)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 10 || seen["k7"] != "7" {
		t.Errorf("Iterate saw %v", seen)
	}

	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Size(); n != 0 {
		t.Errorf("expected an empty store, got %d", n)
	}
	expectAbsent(t, s, "k3")
	if st := s.Statistics(); st.CachedEntries != 0 {
		t.Errorf("expected an empty caching tier, got %d", st.CachedEntries)
	}
}

// --------------------------------------------------------------------------
// Concurrency
// --------------------------------------------------------------------------

func TestConcurrentMissesShareOneFault(t *testing.T) {
	var auth *slowAuthority
	s := newStore(t, setup{wrapAuth: func(dt *disk.Tier) tier.IAuthoritativeTier {
		auth = &slowAuthority{Tier: dt, delay: 20 * time.Millisecond}
		return auth
	}})
	_ = s.Put("k", []byte("v"))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, ok, err := s.Get("k"); err != nil || !ok || string(v) != "v" {
				t.Errorf("Get: %q, %v, %v", v, ok, err)
			}
		}()
	}
	wg.Wait()

	if n := auth.faults.Load(); n != 1 {
		t.Errorf("expected one authoritative read, got %d", n)
	}
}

func TestConcurrentComputeIsAtomic(t *testing.T) {
	s := newStore(t, setup{})
	const workers, rounds = 8, 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				_, _, err := s.Compute("counter", func(_ string, value []byte, loaded bool) ([]byte, store.ComputeOp, error) {
					n := 0
					if loaded {
						n, _ = strconv.Atoi(string(value))
					}
					return []byte(strconv.Itoa(n + 1)), store.OpWrite, nil
				})
				if err != nil {
					t.Error(err)
					return
				}
				_, _, _ = s.Get("counter")
			}
		}()
	}
	wg.Wait()

	expectValue(t, s, "counter", strconv.Itoa(workers*rounds))
}

func TestReadersNeverSeeStaleValueAfterWrite(t *testing.T) {
	s := newStore(t, setup{wrapAuth: func(dt *disk.Tier) tier.IAuthoritativeTier {
		return &slowAuthority{Tier: dt, delay: 100 * time.Microsecond}
	}})

	var (
		wg   sync.WaitGroup
		stop atomic.Bool
	)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				_, _, _ = s.Get("k")
			}
		}()
	}

	for i := 0; i < 300; i++ {
		want := strconv.Itoa(i)
		if err := s.Put("k", []byte(want)); err != nil {
			t.Fatal(err)
		}
		expectValue(t, s, "k", want)
	}
	stop.Store(true)
	wg.Wait()

	expectValue(t, s, "k", "299")
}

// --------------------------------------------------------------------------
// Evictions
// --------------------------------------------------------------------------

func TestCachingTierEvictionKeepsData(t *testing.T) {
	s := newStore(t, setup{heap: 1})

	for i := 0; i < 10; i++ {
		_ = s.Put(fmt.Sprintf("k%d", i), []byte(strconv.Itoa(i)))
	}
	for round := 0; round < 2; round++ {
		for i := 0; i < 10; i++ {
			expectValue(t, s, fmt.Sprintf("k%d", i), strconv.Itoa(i))
		}
	}

	st := s.Statistics()
	if st.CachedEntries > 1 {
		t.Errorf("caching tier holds %d entries, capacity is 1", st.CachedEntries)
	}
	if st.CacheEvictions == 0 {
		t.Error("expected caching tier evictions")
	}
	if st.StoredEntries != 10 {
		t.Errorf("expected 10 stored entries, got %d", st.StoredEntries)
	}
}

func TestAuthorityEvictionInvalidatesCache(t *testing.T) {
	clock := tier.NewManualTimeSource(epoch)
	// room for two entries of 2+10+48 bytes
	s := newStore(t, setup{clock: clock, diskBytes: 120})
	value := func(c byte) []byte { return bytes.Repeat([]byte{c}, 10) }

	_ = s.Put("k0", value('a'))
	clock.Advance(time.Second)
	expectValue(t, s, "k0", string(value('a'))) // cached, last access t+1
	clock.Advance(time.Second)
	_ = s.Put("k1", value('b'))
	clock.Advance(time.Second)
	if err := s.Put("k2", value('c')); err != nil {
		t.Fatal(err)
	}

	expectAbsent(t, s, "k0")
	expectValue(t, s, "k1", string(value('b')))
	expectValue(t, s, "k2", string(value('c')))
	if st := s.Statistics(); st.AuthorityEvictions != 1 {
		t.Errorf("expected one authoritative eviction, got %d", st.AuthorityEvictions)
	}
}

func TestVetoedEntriesCauseCapacityRejection(t *testing.T) {
	s := newStore(t, setup{
		diskBytes: 120,
		veto:      func(key string, _ []byte) bool { return strings.HasPrefix(key, "pinned") },
	})

	_ = s.Put("pinned-a", []byte("1"))
	_ = s.Put("pinned-b", []byte("2"))
	if err := s.Put("k", []byte("v")); !errors.Is(err, store.ErrCapacityRejection) {
		t.Fatalf("expected a capacity rejection, got %v", err)
	}
	expectAbsent(t, s, "k")
	expectValue(t, s, "pinned-a", "1")
}

func TestAuthorityExpiration(t *testing.T) {
	clock := tier.NewManualTimeSource(epoch)
	co := onheap.DefaultOptions(4)
	co.TimeSource = clock
	caching, _ := onheap.NewCachingTier(co)
	do := disk.DefaultOptions(1 << 20)
	do.TimeSource = clock
	do.Expiry = tier.TimeToLive(time.Minute)
	authority, _ := disk.NewAuthoritativeTier(do)
	s, _ := New(caching, authority, DefaultOptions("ttl"))
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	_ = s.Put("k", []byte("v"))
	expectValue(t, s, "k", "v")
	clock.Advance(2 * time.Minute)
	expectAbsent(t, s, "k")
}

// --------------------------------------------------------------------------
// Error propagation
// --------------------------------------------------------------------------

func TestCapacityRejectionLeavesStoreUnchanged(t *testing.T) {
	s := newStore(t, setup{diskBytes: 256})
	_ = s.Put("k", []byte("small"))
	expectValue(t, s, "k", "small")

	if err := s.Put("k", bytes.Repeat([]byte("x"), 512)); !errors.Is(err, store.ErrCapacityRejection) {
		t.Fatalf("expected a capacity rejection, got %v", err)
	}
	expectValue(t, s, "k", "small")
}

func TestCachingTierReadFailureFallsBack(t *testing.T) {
	var cache *flakyCache
	s := newStore(t, setup{wrapCache: func(c tier.ICachingTier) tier.ICachingTier {
		cache = &flakyCache{ICachingTier: c}
		return cache
	}})
	_ = s.Put("k", []byte("v"))

	cache.failReads.Store(true)
	expectValue(t, s, "k", "v")
	expectAbsent(t, s, "missing")
}

// --------------------------------------------------------------------------
// Failed invalidations
// --------------------------------------------------------------------------

func TestFailedInvalidationIsRetried(t *testing.T) {
	var cache *flakyCache
	s := newStore(t, setup{wrapCache: func(c tier.ICachingTier) tier.ICachingTier {
		cache = &flakyCache{ICachingTier: c}
		return cache
	}})

	_ = s.Put("k", []byte("v1"))
	expectValue(t, s, "k", "v1") // cached

	cache.failInvalidations.Store(3) // the write and two retries fail
	if err := s.Put("k", []byte("v2")); err != nil {
		t.Fatalf("a caching tier failure must not fail the write: %v", err)
	}
	// the cached v1 is stale, reads bypass it
	expectValue(t, s, "k", "v2")

	waitFor(t, "the retry to succeed", func() bool {
		return s.Statistics().PendingInvalidations == 0
	})
	expectValue(t, s, "k", "v2")

	st := s.Statistics()
	if st.InvalidationFailures != 1 || st.InvalidationEscalation != 0 {
		t.Errorf("unexpected statistics: %+v", st)
	}
	if st.CacheBypasses == 0 {
		t.Error("expected bypassed reads")
	}
}

func TestFailedInvalidationEscalates(t *testing.T) {
	var cache *flakyCache
	opts := DefaultOptions("escalation")
	opts.MaxInvalidationRetries = 3
	opts.RetryBaseDelay = time.Millisecond
	opts.MaxRetryDelay = 2 * time.Millisecond
	s := newStore(t, setup{opts: opts, wrapCache: func(c tier.ICachingTier) tier.ICachingTier {
		cache = &flakyCache{ICachingTier: c}
		return cache
	}})

	_ = s.Put("k", []byte("v1"))
	expectValue(t, s, "k", "v1")

	cache.failInvalidations.Store(-1)
	_ = s.Put("k", []byte("v2"))
	waitFor(t, "the escalation", func() bool {
		return s.Statistics().InvalidationEscalation == 1
	})

	// still pending, the stale entry is never served
	if st := s.Statistics(); st.PendingInvalidations != 1 {
		t.Errorf("expected the key to stay pending, got %d", st.PendingInvalidations)
	}
	expectValue(t, s, "k", "v2")

	// the next successful invalidation resolves the key
	cache.failInvalidations.Store(0)
	_ = s.Put("k", []byte("v3"))
	if st := s.Statistics(); st.PendingInvalidations != 0 {
		t.Errorf("expected no pending keys, got %d", st.PendingInvalidations)
	}
	expectValue(t, s, "k", "v3")
	expectValue(t, s, "k", "v3")
}

func TestRetryDelay(t *testing.T) {
	s := &Store{opts: Options{RetryBaseDelay: 10 * time.Millisecond, MaxRetryDelay: 50 * time.Millisecond}}
	want := []time.Duration{10, 20, 40, 50, 50}
	for i, w := range want {
		if got := s.retryDelay(i + 1); got != w*time.Millisecond {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w*time.Millisecond, got)
		}
	}
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

func TestStatisticsArePerStore(t *testing.T) {
	a := newStore(t, setup{opts: DefaultOptions("a")})
	b := newStore(t, setup{opts: DefaultOptions("b")})

	_ = a.Put("k", []byte("v"))
	_ = a.Put("k", []byte("w"))
	_, _, _ = a.Get("k")

	if st := a.Statistics(); st.Puts != 2 || st.Hits != 1 {
		t.Errorf("store a: %+v", st)
	}
	if st := b.Statistics(); st.Puts != 0 || st.Hits != 0 {
		t.Errorf("store b must not share counters: %+v", st)
	}

	var buf bytes.Buffer
	a.WritePrometheus(&buf)
	out := buf.String()
	for _, line := range []string{
		`tkv_store_puts_total{store="a"} 2`,
		`tkv_store_hits_total{store="a"} 1`,
		`tkv_store_stored_entries{store="a"} 1`,
	} {
		if !strings.Contains(out, line) {
			t.Errorf("missing %q in\n%s", line, out)
		}
	}
}

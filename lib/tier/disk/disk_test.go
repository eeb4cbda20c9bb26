package disk

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/tier"
	"github.com/ValentinKolb/tKV/lib/tier/disk/internal"
	"github.com/spf13/afero"
)

var epoch = time.Unix(1_700_000_000, 0)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func newTier(t *testing.T, mutate func(o *Options)) *Tier {
	t.Helper()
	o := DefaultOptions(1 << 20)
	o.NumShards = 4
	if mutate != nil {
		mutate(o)
	}
	at, err := NewAuthoritativeTier(o)
	if err != nil {
		t.Fatalf("NewAuthoritativeTier: %v", err)
	}
	if err := at.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return at
}

func mustGet(t *testing.T, at *Tier, key string) *tier.ValueHolder {
	t.Helper()
	h, err := at.Get(key)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// flakyFs fails every write to files opened through it while fail is set.
type flakyFs struct {
	afero.Fs
	fail *atomic.Bool
}

func (f flakyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return flakyFile{File: file, fail: f.fail}, nil
}

type flakyFile struct {
	afero.File
	fail *atomic.Bool
}

func (f flakyFile) Write(p []byte) (int, error) {
	if f.fail.Load() {
		return 0, errors.New("no space left on device")
	}
	return f.File.Write(p)
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func TestLifecycle(t *testing.T) {
	at, err := NewAuthoritativeTier(DefaultOptions(1024))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := at.Put("k", []byte("v")); !errors.Is(err, store.ErrLifecycleViolation) {
		t.Errorf("put before init: expected lifecycle violation, got %v", err)
	}
	if err := at.Init(); err != nil {
		t.Fatal(err)
	}
	if err := at.Init(); !errors.Is(err, store.ErrLifecycleViolation) {
		t.Errorf("second init: expected lifecycle violation, got %v", err)
	}
	if err := at.Close(); err != nil {
		t.Fatal(err)
	}
	if err := at.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if _, err := at.Get("k"); !errors.Is(err, store.ErrLifecycleViolation) {
		t.Errorf("get after close: expected lifecycle violation, got %v", err)
	}
}

func TestInvalidOptions(t *testing.T) {
	if _, err := NewAuthoritativeTier(nil); !errors.Is(err, store.ErrInvalidOperation) {
		t.Errorf("nil options: got %v", err)
	}
	if _, err := NewAuthoritativeTier(&Options{DiskBytes: 0}); !errors.Is(err, store.ErrInvalidOperation) {
		t.Errorf("empty pool: got %v", err)
	}
	if _, err := NewAuthoritativeTier(&Options{DiskBytes: 10, Persistent: true}); !errors.Is(err, store.ErrInvalidOperation) {
		t.Errorf("persistent without fs: got %v", err)
	}
}

// --------------------------------------------------------------------------
// Basic operations
// --------------------------------------------------------------------------

func TestPutGetRemove(t *testing.T) {
	at := newTier(t, nil)
	defer at.Close()

	prior, err := at.Put("k", []byte("v1"))
	if err != nil || prior != nil {
		t.Fatalf("first put: prior=%v err=%v", prior, err)
	}
	h1 := mustGet(t, at, "k")
	if h1 == nil || string(h1.Value()) != "v1" {
		t.Fatalf("unexpected holder %v", h1)
	}

	prior, err = at.Put("k", []byte("v2"))
	if err != nil || prior == nil || prior.ID() != h1.ID() {
		t.Fatalf("second put should return the first holder, got %v, %v", prior, err)
	}
	h2 := mustGet(t, at, "k")
	if h2.ID() <= h1.ID() {
		t.Errorf("ids must increase: %d then %d", h1.ID(), h2.ID())
	}

	removed, err := at.Remove("k")
	if err != nil || removed == nil || string(removed.Value()) != "v2" {
		t.Fatalf("remove: %v, %v", removed, err)
	}
	if h := mustGet(t, at, "k"); h != nil {
		t.Error("key still present after remove")
	}
	if removed, _ := at.Remove("k"); removed != nil {
		t.Error("removing an absent key should return nil")
	}
	if at.UsedBytes() != 0 {
		t.Errorf("expected all bytes released, %d still used", at.UsedBytes())
	}
}

func TestValuesAreCopied(t *testing.T) {
	at := newTier(t, nil)
	defer at.Close()

	v := []byte("abc")
	_, _ = at.Put("k", v)
	v[0] = 'X'

	h := mustGet(t, at, "k")
	if string(h.Value()) != "abc" {
		t.Error("tier must not keep the caller's slice")
	}
	h.Value()[0] = 'Y'
	if string(mustGet(t, at, "k").Value()) != "abc" {
		t.Error("holders must not share the stored slice")
	}
}

func TestPutIfAbsent(t *testing.T) {
	at := newTier(t, nil)
	defer at.Close()

	existing, err := at.PutIfAbsent("k", []byte("first"))
	if err != nil || existing != nil {
		t.Fatalf("expected insert, got %v, %v", existing, err)
	}
	existing, err = at.PutIfAbsent("k", []byte("second"))
	if err != nil || existing == nil || string(existing.Value()) != "first" {
		t.Fatalf("expected existing value, got %v, %v", existing, err)
	}
	if string(mustGet(t, at, "k").Value()) != "first" {
		t.Error("PutIfAbsent overwrote an existing value")
	}
}

func TestCompute(t *testing.T) {
	at := newTier(t, nil)
	defer at.Close()

	incr := func(_ string, v []byte, loaded bool) ([]byte, store.ComputeOp, error) {
		if !loaded {
			return []byte{1}, store.OpWrite, nil
		}
		return []byte{v[0] + 1}, store.OpWrite, nil
	}

	for i := 0; i < 3; i++ {
		if _, err := at.Compute("n", incr); err != nil {
			t.Fatal(err)
		}
	}
	res, err := at.Compute("n", func(_ string, v []byte, loaded bool) ([]byte, store.ComputeOp, error) {
		return nil, store.OpKeep, nil
	})
	if err != nil || res.Mutated || res.Holder == nil || res.Holder.Value()[0] != 3 {
		t.Fatalf("keep: unexpected result %+v, %v", res, err)
	}

	res, err = at.Compute("n", func(string, []byte, bool) ([]byte, store.ComputeOp, error) {
		return nil, store.OpRemove, nil
	})
	if err != nil || !res.Mutated || res.Holder != nil || res.Prior == nil {
		t.Fatalf("remove: unexpected result %+v, %v", res, err)
	}

	boom := errors.New("boom")
	_, _ = at.Put("k", []byte("v"))
	_, err = at.Compute("k", func(string, []byte, bool) ([]byte, store.ComputeOp, error) {
		return []byte("never"), store.OpWrite, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("user error must be returned unchanged, got %v", err)
	}
	if string(mustGet(t, at, "k").Value()) != "v" {
		t.Error("failed compute must not mutate")
	}
}

func TestComputeIfPresentSkipsAbsent(t *testing.T) {
	at := newTier(t, nil)
	defer at.Close()

	called := false
	res, err := at.ComputeIfPresent("missing", func(string, []byte, bool) ([]byte, store.ComputeOp, error) {
		called = true
		return []byte("x"), store.OpWrite, nil
	})
	if err != nil || called || res.Mutated || res.Holder != nil {
		t.Errorf("fn must not run for an absent key: called=%v res=%+v err=%v", called, res, err)
	}
	if at.Size() != 0 {
		t.Error("absent key must stay absent")
	}
}

func TestConcurrentComputeIsAtomic(t *testing.T) {
	at := newTier(t, nil)
	defer at.Close()

	const workers, rounds = 8, 200
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				_, err := at.Compute("counter", func(_ string, v []byte, loaded bool) ([]byte, store.ComputeOp, error) {
					n := 0
					if loaded {
						fmt.Sscanf(string(v), "%d", &n)
					}
					return []byte(fmt.Sprintf("%d", n+1)), store.OpWrite, nil
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := string(mustGet(t, at, "counter").Value()); got != fmt.Sprintf("%d", workers*rounds) {
		t.Errorf("lost updates: counter=%s", got)
	}
}

func TestIterate(t *testing.T) {
	at := newTier(t, nil)
	defer at.Close()

	for i := 0; i < 20; i++ {
		_, _ = at.Put(fmt.Sprintf("k%d", i), []byte("v"))
	}
	seen := map[string]bool{}
	if err := at.Iterate(func(key string, h *tier.ValueHolder) bool {
		seen[key] = true
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 20 {
		t.Errorf("expected 20 keys, saw %d", len(seen))
	}

	n := 0
	_ = at.Iterate(func(string, *tier.ValueHolder) bool {
		n++
		return n < 5
	})
	if n != 5 {
		t.Errorf("iteration did not stop, visited %d", n)
	}
}

// --------------------------------------------------------------------------
// Capacity
// --------------------------------------------------------------------------

func entrySize(key string, valueLen int) int64 {
	return int64(len(key)+valueLen) + internal.EntryOverhead
}

func TestEntryLargerThanPoolIsRejected(t *testing.T) {
	at := newTier(t, func(o *Options) { o.DiskBytes = 100 })
	defer at.Close()

	_, err := at.Put("big", bytes.Repeat([]byte("x"), 200))
	if !errors.Is(err, store.ErrCapacityRejection) {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
	if at.Size() != 0 || at.UsedBytes() != 0 {
		t.Error("rejected entry must not be stored")
	}
}

func TestEntryLargerThanRecordLimitIsRejected(t *testing.T) {
	saved := maxRecordSize
	maxRecordSize = 64
	defer func() { maxRecordSize = saved }()

	fs := afero.NewMemMapFs()
	at := newTier(t, persistentOptions(fs, CompressionNone))

	_, err := at.Put("big", bytes.Repeat([]byte("x"), 100))
	if !errors.Is(err, store.ErrCapacityRejection) {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
	if _, err := at.Put("small", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if _, err := at.Put("small", bytes.Repeat([]byte("x"), 100)); !errors.Is(err, store.ErrCapacityRejection) {
		t.Fatalf("expected capacity rejection on overwrite, got %v", err)
	}
	if err := at.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := newTier(t, persistentOptions(fs, CompressionNone))
	defer reopened.Close()
	if mustGet(t, reopened, "big") != nil {
		t.Error("rejected entry was persisted")
	}
	if h := mustGet(t, reopened, "small"); h == nil || string(h.Value()) != "v" {
		t.Errorf("expected small=v after restart, got %v", h)
	}

	// a volatile tier never writes records
	volatile := newTier(t, nil)
	defer volatile.Close()
	if _, err := volatile.Put("big", bytes.Repeat([]byte("x"), 100)); err != nil {
		t.Errorf("volatile tier must accept the entry: %v", err)
	}
}

func TestWriteBytesRejectsOversizedField(t *testing.T) {
	saved := maxRecordSize
	maxRecordSize = 8
	defer func() { maxRecordSize = saved }()

	var buf bytes.Buffer
	if err := writeBytes(&buf, make([]byte, 9)); err == nil {
		t.Fatal("expected an error for an oversized field")
	}
	if buf.Len() != 0 {
		t.Error("nothing may be written for a rejected field")
	}
	if err := writeBytes(&buf, make([]byte, 8)); err != nil {
		t.Fatal(err)
	}
	b, err := readBytes(&buf)
	if err != nil || len(b) != 8 {
		t.Errorf("round trip failed: %d bytes, %v", len(b), err)
	}
}

func TestEvictionMakesRoom(t *testing.T) {
	clock := tier.NewManualTimeSource(epoch)
	at := newTier(t, func(o *Options) {
		o.DiskBytes = 3 * entrySize("k0", 10)
		o.TimeSource = clock
	})
	defer at.Close()

	var mu sync.Mutex
	var evicted []string
	at.SetEvictionListener(func(key string, _ *tier.ValueHolder, reason tier.RemovalReason) {
		mu.Lock()
		defer mu.Unlock()
		if reason == tier.ReasonEvicted {
			evicted = append(evicted, key)
		}
	})

	value := bytes.Repeat([]byte("v"), 10)
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		if _, err := at.Put(fmt.Sprintf("k%d", i), value); err != nil {
			t.Fatal(err)
		}
	}
	clock.Advance(time.Second)
	if _, err := at.Put("k3", value); err != nil {
		t.Fatalf("put into full pool should evict, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != "k0" {
		t.Errorf("expected the least recently used entry k0 to be evicted, got %v", evicted)
	}
	if at.UsedBytes() > at.CapacityBytes() {
		t.Errorf("pool overcommitted: %d > %d", at.UsedBytes(), at.CapacityBytes())
	}
	if mustGet(t, at, "k3") == nil {
		t.Error("new entry missing")
	}
}

func TestVetoedEntriesAreNotEvicted(t *testing.T) {
	at := newTier(t, func(o *Options) {
		o.DiskBytes = 2 * entrySize("k0", 10)
		o.Veto = func(key string, _ []byte) bool { return key == "k0" || key == "k1" }
	})
	defer at.Close()

	value := bytes.Repeat([]byte("v"), 10)
	_, _ = at.Put("k0", value)
	_, _ = at.Put("k1", value)

	if _, err := at.Put("k2", value); !errors.Is(err, store.ErrCapacityRejection) {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
	if mustGet(t, at, "k0") == nil || mustGet(t, at, "k1") == nil {
		t.Error("vetoed entries were evicted")
	}
	if mustGet(t, at, "k2") != nil {
		t.Error("rejected entry was stored")
	}
}

// --------------------------------------------------------------------------
// Expiration
// --------------------------------------------------------------------------

func TestTimeToLive(t *testing.T) {
	clock := tier.NewManualTimeSource(epoch)
	at := newTier(t, func(o *Options) {
		o.Expiry = tier.TimeToLive(time.Minute)
		o.TimeSource = clock
	})
	defer at.Close()

	_, _ = at.Put("k", []byte("v"))
	clock.Advance(30 * time.Second)
	if h, _ := at.GetAndFault("k"); h == nil {
		t.Fatal("entry expired too early")
	}

	clock.Advance(31 * time.Second)
	if h := mustGet(t, at, "k"); h != nil {
		t.Error("entry should be expired")
	}
	existing, err := at.PutIfAbsent("k", []byte("fresh"))
	if err != nil || existing != nil {
		t.Errorf("expired entry must count as absent, got %v, %v", existing, err)
	}
}

func TestTimeToIdleExtendsOnAccess(t *testing.T) {
	clock := tier.NewManualTimeSource(epoch)
	at := newTier(t, func(o *Options) {
		o.Expiry = tier.TimeToIdle(time.Minute)
		o.TimeSource = clock
	})
	defer at.Close()

	_, _ = at.Put("k", []byte("v"))
	for i := 0; i < 3; i++ {
		clock.Advance(45 * time.Second)
		h, err := at.GetAndFault("k")
		if err != nil || h == nil {
			t.Fatalf("access %d: entry expired although it was accessed", i)
		}
		if h.Hits() != uint64(i+1) {
			t.Errorf("expected %d hits, got %d", i+1, h.Hits())
		}
	}
	clock.Advance(61 * time.Second)
	if h, _ := at.GetAndFault("k"); h != nil {
		t.Error("idle entry should be expired")
	}
}

func TestTouchRecordsAccessOfCurrentMapping(t *testing.T) {
	clock := tier.NewManualTimeSource(epoch)
	at := newTier(t, func(o *Options) {
		o.Expiry = tier.TimeToIdle(time.Minute)
		o.TimeSource = clock
	})
	defer at.Close()

	h, _ := at.Put("k", []byte("v"))
	id := h.ID()

	// a stale id is ignored
	clock.Advance(45 * time.Second)
	if err := at.Touch("k", id+1); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, at, "k"); got == nil || got.Hits() != 0 {
		t.Fatalf("touch with a stale id must not count, got %v", got)
	}

	if err := at.Touch("k", id); err != nil {
		t.Fatal(err)
	}
	clock.Advance(45 * time.Second)
	got := mustGet(t, at, "k")
	if got == nil {
		t.Fatal("touched entry expired")
	}
	if got.Hits() != 1 {
		t.Errorf("expected 1 hit, got %d", got.Hits())
	}

	clock.Advance(16 * time.Second)
	if mustGet(t, at, "k") != nil {
		t.Error("idle entry should be expired")
	}
	if err := at.Touch("absent", 1); err != nil {
		t.Errorf("touching an absent key: %v", err)
	}
	if at.Size() != 0 {
		t.Error("touch must not create mappings")
	}
}

func TestZeroCreationDurationIsNotStored(t *testing.T) {
	at := newTier(t, func(o *Options) { o.Expiry = tier.TimeToLive(0) })
	defer at.Close()

	if _, err := at.Put("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if at.Size() != 0 {
		t.Error("entry with zero lifetime must not be stored")
	}
}

func TestGCCollectsExpiredEntries(t *testing.T) {
	clock := tier.NewManualTimeSource(epoch)
	at := newTier(t, func(o *Options) {
		o.Expiry = tier.TimeToLive(time.Second)
		o.TimeSource = clock
		o.GCInterval = 5 * time.Millisecond
	})
	defer at.Close()

	var expired atomic.Int32
	at.SetEvictionListener(func(_ string, _ *tier.ValueHolder, reason tier.RemovalReason) {
		if reason == tier.ReasonExpired {
			expired.Add(1)
		}
	})

	for i := 0; i < 10; i++ {
		_, _ = at.Put(fmt.Sprintf("k%d", i), []byte("v"))
	}
	// give the gc a chance to schedule the entries before they expire
	time.Sleep(20 * time.Millisecond)
	clock.Advance(2 * time.Second)

	waitFor(t, "gc to collect expired entries", func() bool { return at.Size() == 0 })
	if expired.Load() != 10 {
		t.Errorf("expected 10 expiration notifications, got %d", expired.Load())
	}
	if at.UsedBytes() != 0 {
		t.Errorf("expired entries still charged: %d bytes", at.UsedBytes())
	}
}

// --------------------------------------------------------------------------
// Persistence
// --------------------------------------------------------------------------

func persistentOptions(fs afero.Fs, c Compression) func(o *Options) {
	return func(o *Options) {
		o.Fs = fs
		o.Dir = "/data/store"
		o.Persistent = true
		o.Journal = true
		o.Compression = c
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			fs := afero.NewMemMapFs()

			at := newTier(t, persistentOptions(fs, c))
			for i := 0; i < 100; i++ {
				_, _ = at.Put(fmt.Sprintf("k%d", i), []byte(fmt.Sprintf("value-%d", i)))
			}
			_, _ = at.Remove("k0")
			lastID := at.Info().LastID
			if err := at.Close(); err != nil {
				t.Fatal(err)
			}

			reopened := newTier(t, persistentOptions(fs, c))
			defer reopened.Close()

			if reopened.Size() != 99 {
				t.Errorf("expected 99 entries, got %d", reopened.Size())
			}
			if h := mustGet(t, reopened, "k42"); h == nil || string(h.Value()) != "value-42" {
				t.Errorf("unexpected k42: %v", h)
			}
			if mustGet(t, reopened, "k0") != nil {
				t.Error("removed key came back")
			}
			_, _ = reopened.Put("new", []byte("v"))
			if h := mustGet(t, reopened, "new"); h.ID() <= lastID {
				t.Errorf("ids must keep increasing across restarts: %d <= %d", h.ID(), lastID)
			}
		})
	}
}

func TestJournalReplayAfterCrash(t *testing.T) {
	fs := afero.NewMemMapFs()

	at := newTier(t, persistentOptions(fs, CompressionNone))
	_, _ = at.Put("a", []byte("1"))
	_, _ = at.Put("b", []byte("2"))
	_, _ = at.Remove("a")
	_, _ = at.Put("b", []byte("3"))
	// simulate a crash: no snapshot is written
	at.stopGC()

	// and a torn record at the end of the journal
	f, err := fs.OpenFile(filepath.Join("/data/store", journalFile), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.Write([]byte{42, 0, 0, 0, 1, 2})
	_ = f.Close()

	reopened := newTier(t, persistentOptions(fs, CompressionNone))
	defer reopened.Close()

	if mustGet(t, reopened, "a") != nil {
		t.Error("removal was not replayed")
	}
	if h := mustGet(t, reopened, "b"); h == nil || string(h.Value()) != "3" {
		t.Errorf("expected b=3, got %v", h)
	}
}

func TestCorruptSnapshotFailsInit(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = fs.MkdirAll("/data/store", 0o755)
	_ = afero.WriteFile(fs, filepath.Join("/data/store", snapshotFile), []byte("NOTASNAPSHOT"), 0o644)

	o := DefaultOptions(1024)
	persistentOptions(fs, CompressionNone)(o)
	at, err := NewAuthoritativeTier(o)
	if err != nil {
		t.Fatal(err)
	}
	if err := at.Init(); !errors.Is(err, store.ErrPersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if _, err := at.Get("k"); !errors.Is(err, store.ErrLifecycleViolation) {
		t.Error("a tier whose init failed must not serve requests")
	}
}

func TestVolatileTierDropsOldSnapshot(t *testing.T) {
	fs := afero.NewMemMapFs()

	at := newTier(t, persistentOptions(fs, CompressionNone))
	_, _ = at.Put("k", []byte("v"))
	_ = at.Close()

	volatile := newTier(t, func(o *Options) {
		persistentOptions(fs, CompressionNone)(o)
		o.Persistent = false
	})
	defer volatile.Close()

	if volatile.Size() != 0 {
		t.Error("volatile tier must start empty")
	}
	if ok, _ := afero.Exists(fs, filepath.Join("/data/store", snapshotFile)); ok {
		t.Error("stale snapshot was not removed")
	}
}

func TestJournalFailureAbortsMutation(t *testing.T) {
	fail := &atomic.Bool{}
	fs := flakyFs{Fs: afero.NewMemMapFs(), fail: fail}

	at := newTier(t, func(o *Options) {
		o.Fs = fs
		o.Dir = "/j"
		o.Journal = true
	})
	defer at.Close()

	_, _ = at.Put("k", []byte("v1"))
	fail.Store(true)

	if _, err := at.Put("k", []byte("v2")); !errors.Is(err, store.ErrPersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if _, err := at.Remove("k"); !errors.Is(err, store.ErrPersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if _, err := at.Put("other", []byte("v")); !errors.Is(err, store.ErrPersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}

	if h := mustGet(t, at, "k"); h == nil || string(h.Value()) != "v1" {
		t.Errorf("failed writes must not be visible, got %v", h)
	}
	if mustGet(t, at, "other") != nil {
		t.Error("failed insert must not be visible")
	}
	if at.UsedBytes() != entrySize("k", 2) {
		t.Errorf("failed writes leaked reservations: %d bytes used", at.UsedBytes())
	}
}

func TestReadOnlyFsFailsInit(t *testing.T) {
	o := DefaultOptions(1024)
	o.Fs = afero.NewReadOnlyFs(afero.NewMemMapFs())
	o.Dir = "/ro"
	o.Journal = true

	at, err := NewAuthoritativeTier(o)
	if err != nil {
		t.Fatal(err)
	}
	if err := at.Init(); !errors.Is(err, store.ErrPersistenceFailure) {
		t.Errorf("expected persistence failure, got %v", err)
	}
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{"": CompressionNone, "none": CompressionNone, "ZSTD": CompressionZstd, "lz4": CompressionLZ4} {
		got, err := ParseCompression(in)
		if err != nil || got != want {
			t.Errorf("ParseCompression(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseCompression("gzip"); err == nil {
		t.Error("expected an error for an unknown codec")
	}
}

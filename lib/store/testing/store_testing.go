package testing

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/tier"
)

// StoreFactory creates initialized stores for the conformance suite.
//
// A factory may return nil from any constructor it cannot serve, the tests
// depending on that constructor are skipped then.
type StoreFactory interface {
	// NewStore returns a store with the default pools and no expiration.
	NewStore() store.IStore
	// NewStoreWithCapacity returns a store whose authoritative tier holds diskBytes bytes.
	NewStoreWithCapacity(diskBytes int64) store.IStore
	// NewStoreWithExpiry returns a store using expiry and the given clock in both tiers.
	NewStoreWithExpiry(expiry tier.Expiry, clock tier.TimeSource) store.IStore
	// NewStoreWithEvictionVeto returns a store whose authoritative tier consults veto.
	NewStoreWithEvictionVeto(veto tier.EvictionVeto) store.IStore
	// Close releases a store created by this factory.
	Close(s store.IStore)
}

// CreateKey returns the key for seed.
func CreateKey(seed int64) string {
	return strconv.FormatInt(seed, 10)
}

// CreateValue returns a 400 KiB value derived from seed.
func CreateValue(seed int64) []byte {
	return bytes.Repeat([]byte{byte(0x1 + (seed & 0x7e))}, 400*1024)
}

// RunStoreTests runs the conformance suite of the store.IStore contract
// against the stores of factory.
func RunStoreTests(t *testing.T, name string, factory StoreFactory) {
	t.Run(name, func(t *testing.T) {
		tests := []struct {
			name string
			fn   func(t *testing.T, f StoreFactory)
		}{
			{"GetPut", testGetPut},
			{"ReturnsCopies", testReturnsCopies},
			{"Remove", testRemove},
			{"ContainsKey", testContainsKey},
			{"PutIfAbsent", testPutIfAbsent},
			{"Replace", testReplace},
			{"ReplaceIf", testReplaceIf},
			{"RemoveIf", testRemoveIf},
			{"Compute", testCompute},
			{"ComputeErrors", testComputeErrors},
			{"ComputeIfPresent", testComputeIfPresent},
			{"ComputeIfAbsent", testComputeIfAbsent},
			{"BulkCompute", testBulkCompute},
			{"BulkComputeIfAbsent", testBulkComputeIfAbsent},
			{"GetAllPutAllRemoveAll", testGetAllPutAllRemoveAll},
			{"Iterate", testIterate},
			{"Clear", testClear},
			{"LargeValues", testLargeValues},
			{"CapacityEviction", testCapacityEviction},
			{"EvictionVeto", testEvictionVeto},
			{"TimeToLive", testTimeToLive},
			{"TimeToIdle", testTimeToIdle},
			{"ConcurrentCompute", testConcurrentCompute},
			{"ConcurrentReadWrite", testConcurrentReadWrite},
			{"Close", testClose},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				tc.fn(t, factory)
			})
		}
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// use registers the release of s and skips the test if the factory could not
// build it.
func use(t *testing.T, f StoreFactory, s store.IStore) store.IStore {
	t.Helper()
	if s == nil {
		t.Skip("store configuration not supported by the factory")
	}
	t.Cleanup(func() { f.Close(s) })
	return s
}

func mustPut(t *testing.T, s store.IStore, key string, value []byte) {
	t.Helper()
	if err := s.Put(key, value); err != nil {
		t.Fatalf("Put(%q): %v", key, err)
	}
}

func expectValue(t *testing.T, s store.IStore, key string, want []byte) {
	t.Helper()
	got, ok, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	if !ok {
		t.Fatalf("Get(%q): expected a mapping, got none", key)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Get(%q): expected %.32q, got %.32q", key, want, got)
	}
}

func expectAbsent(t *testing.T, s store.IStore, key string) {
	t.Helper()
	got, ok, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	if ok {
		t.Fatalf("Get(%q): expected no mapping, got %.32q", key, got)
	}
}

func increment(_ string, value []byte, loaded bool) ([]byte, store.ComputeOp, error) {
	n := 0
	if loaded {
		n, _ = strconv.Atoi(string(value))
	}
	return []byte(strconv.Itoa(n + 1)), store.OpWrite, nil
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testGetPut(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	expectAbsent(t, s, "key")
	mustPut(t, s, "key", []byte("value1"))
	expectValue(t, s, "key", []byte("value1"))
	expectValue(t, s, "key", []byte("value1"))

	mustPut(t, s, "key", []byte("value2"))
	expectValue(t, s, "key", []byte("value2"))

	mustPut(t, s, "empty", []byte{})
	got, ok, err := s.Get("empty")
	if err != nil || !ok || len(got) != 0 {
		t.Errorf("empty value: %q, %v, %v", got, ok, err)
	}
}

func testReturnsCopies(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	value := []byte("value")
	mustPut(t, s, "key", value)
	value[0] = 'X'

	got, _, _ := s.Get("key")
	got[1] = 'Y'
	expectValue(t, s, "key", []byte("value"))
}

func testRemove(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	if removed, err := s.Remove("key"); err != nil || removed {
		t.Errorf("remove of absent key: %v, %v", removed, err)
	}
	mustPut(t, s, "key", []byte("value"))
	expectValue(t, s, "key", []byte("value"))
	if removed, err := s.Remove("key"); err != nil || !removed {
		t.Fatalf("remove: %v, %v", removed, err)
	}
	expectAbsent(t, s, "key")
}

func testContainsKey(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	if ok, err := s.ContainsKey("key"); err != nil || ok {
		t.Errorf("ContainsKey on empty store: %v, %v", ok, err)
	}
	mustPut(t, s, "key", []byte("value"))
	if ok, err := s.ContainsKey("key"); err != nil || !ok {
		t.Errorf("ContainsKey after put: %v, %v", ok, err)
	}
	_, _ = s.Remove("key")
	if ok, _ := s.ContainsKey("key"); ok {
		t.Error("ContainsKey after remove")
	}
}

func testPutIfAbsent(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	if _, loaded, err := s.PutIfAbsent("key", []byte("first")); err != nil || loaded {
		t.Fatalf("PutIfAbsent on absent key: %v, %v", loaded, err)
	}
	expectValue(t, s, "key", []byte("first"))

	existing, loaded, err := s.PutIfAbsent("key", []byte("second"))
	if err != nil || !loaded || string(existing) != "first" {
		t.Fatalf("PutIfAbsent on present key: %q, %v, %v", existing, loaded, err)
	}
	expectValue(t, s, "key", []byte("first"))
}

func testReplace(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	if _, replaced, err := s.Replace("key", []byte("value")); err != nil || replaced {
		t.Fatalf("Replace on absent key: %v, %v", replaced, err)
	}
	expectAbsent(t, s, "key")

	mustPut(t, s, "key", []byte("old"))
	expectValue(t, s, "key", []byte("old"))
	previous, replaced, err := s.Replace("key", []byte("new"))
	if err != nil || !replaced || string(previous) != "old" {
		t.Fatalf("Replace: %q, %v, %v", previous, replaced, err)
	}
	expectValue(t, s, "key", []byte("new"))
}

func testReplaceIf(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	if ok, err := s.ReplaceIf("key", []byte("a"), []byte("b")); err != nil || ok {
		t.Fatalf("ReplaceIf on absent key: %v, %v", ok, err)
	}

	mustPut(t, s, "key", []byte("a"))
	expectValue(t, s, "key", []byte("a"))
	if ok, _ := s.ReplaceIf("key", []byte("x"), []byte("b")); ok {
		t.Error("ReplaceIf with a different expected value replaced")
	}
	expectValue(t, s, "key", []byte("a"))
	if ok, _ := s.ReplaceIf("key", []byte("a"), []byte("b")); !ok {
		t.Error("ReplaceIf with the current value did not replace")
	}
	expectValue(t, s, "key", []byte("b"))
}

func testRemoveIf(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	if ok, err := s.RemoveIf("key", []byte("a")); err != nil || ok {
		t.Fatalf("RemoveIf on absent key: %v, %v", ok, err)
	}

	mustPut(t, s, "key", []byte("a"))
	expectValue(t, s, "key", []byte("a"))
	if ok, _ := s.RemoveIf("key", []byte("x")); ok {
		t.Error("RemoveIf with a different expected value removed")
	}
	expectValue(t, s, "key", []byte("a"))
	if ok, _ := s.RemoveIf("key", []byte("a")); !ok {
		t.Error("RemoveIf with the current value did not remove")
	}
	expectAbsent(t, s, "key")
}

func testCompute(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	for i := 1; i <= 3; i++ {
		got, ok, err := s.Compute("counter", increment)
		if err != nil || !ok || string(got) != strconv.Itoa(i) {
			t.Fatalf("Compute #%d: %q, %v, %v", i, got, ok, err)
		}
		expectValue(t, s, "counter", []byte(strconv.Itoa(i)))
	}

	// keep on an absent key leaves it absent
	got, ok, err := s.Compute("absent", func(string, []byte, bool) ([]byte, store.ComputeOp, error) {
		return []byte("ignored"), store.OpKeep, nil
	})
	if err != nil || ok || got != nil {
		t.Errorf("Compute keep on absent key: %q, %v, %v", got, ok, err)
	}
	expectAbsent(t, s, "absent")

	// remove
	_, ok, err = s.Compute("counter", func(string, []byte, bool) ([]byte, store.ComputeOp, error) {
		return nil, store.OpRemove, nil
	})
	if err != nil || ok {
		t.Errorf("Compute remove: %v, %v", ok, err)
	}
	expectAbsent(t, s, "counter")
}

func testComputeErrors(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())
	errBoom := errors.New("boom")

	mustPut(t, s, "key", []byte("value"))
	expectValue(t, s, "key", []byte("value"))

	failing := func(string, []byte, bool) ([]byte, store.ComputeOp, error) {
		return []byte("other"), store.OpWrite, errBoom
	}
	if _, _, err := s.Compute("key", failing); !errors.Is(err, errBoom) {
		t.Errorf("Compute: expected the function's error, got %v", err)
	}
	if _, _, err := s.ComputeIfPresent("key", failing); !errors.Is(err, errBoom) {
		t.Errorf("ComputeIfPresent: expected the function's error, got %v", err)
	}
	_, _, err := s.ComputeIfAbsent("absent", func(string) ([]byte, error) { return nil, errBoom })
	if !errors.Is(err, errBoom) {
		t.Errorf("ComputeIfAbsent: expected the function's error, got %v", err)
	}

	expectValue(t, s, "key", []byte("value"))
	expectAbsent(t, s, "absent")
}

func testComputeIfPresent(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	called := false
	got, ok, err := s.ComputeIfPresent("key", func(string, []byte, bool) ([]byte, store.ComputeOp, error) {
		called = true
		return []byte("value"), store.OpWrite, nil
	})
	if err != nil || ok || got != nil || called {
		t.Fatalf("ComputeIfPresent on absent key: %q, %v, %v (called=%v)", got, ok, err, called)
	}
	expectAbsent(t, s, "key")

	mustPut(t, s, "key", []byte("1"))
	expectValue(t, s, "key", []byte("1"))
	got, ok, err = s.ComputeIfPresent("key", increment)
	if err != nil || !ok || string(got) != "2" {
		t.Fatalf("ComputeIfPresent: %q, %v, %v", got, ok, err)
	}
	expectValue(t, s, "key", []byte("2"))
}

func testComputeIfAbsent(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	calls := 0
	load := func(key string) ([]byte, error) {
		calls++
		return []byte("loaded-" + key), nil
	}

	got, ok, err := s.ComputeIfAbsent("key", load)
	if err != nil || !ok || string(got) != "loaded-key" {
		t.Fatalf("ComputeIfAbsent on absent key: %q, %v, %v", got, ok, err)
	}
	expectValue(t, s, "key", []byte("loaded-key"))

	got, ok, err = s.ComputeIfAbsent("key", load)
	if err != nil || !ok || string(got) != "loaded-key" || calls != 1 {
		t.Fatalf("ComputeIfAbsent on present key: %q, %v, %v (calls=%d)", got, ok, err, calls)
	}

	got, ok, err = s.ComputeIfAbsent("nothing", func(string) ([]byte, error) { return nil, nil })
	if err != nil || ok || got != nil {
		t.Errorf("ComputeIfAbsent with nil result: %q, %v, %v", got, ok, err)
	}
	expectAbsent(t, s, "nothing")
}

func testBulkCompute(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	mustPut(t, s, "a", []byte("1"))
	keys := []string{"a", "b", "c"}

	values, err := s.BulkCompute(keys, increment)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"a": "2", "b": "1", "c": "1"}
	for k, v := range want {
		if string(values[k]) != v {
			t.Errorf("BulkCompute result %q: expected %q, got %q", k, v, values[k])
		}
		expectValue(t, s, k, []byte(v))
	}

	values, err = s.BulkCompute(keys, func(key string, _ []byte, _ bool) ([]byte, store.ComputeOp, error) {
		if key == "b" {
			return nil, store.OpRemove, nil
		}
		return nil, store.OpKeep, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := values["b"]; ok || len(values) != 2 {
		t.Errorf("expected b to be removed, got %v", values)
	}
	expectAbsent(t, s, "b")
}

func testBulkComputeIfAbsent(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	mustPut(t, s, "a", []byte("present"))
	values, err := s.BulkComputeIfAbsent([]string{"a", "b"}, func(key string) ([]byte, error) {
		return []byte("loaded-" + key), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(values["a"]) != "present" || string(values["b"]) != "loaded-b" {
		t.Errorf("BulkComputeIfAbsent: %v", values)
	}
	expectValue(t, s, "b", []byte("loaded-b"))
}

func testGetAllPutAllRemoveAll(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	entries := make(map[string][]byte)
	for i := int64(0); i < 20; i++ {
		entries[CreateKey(i)] = []byte(fmt.Sprintf("value-%d", i))
	}
	if err := s.PutAll(entries); err != nil {
		t.Fatal(err)
	}

	keys := []string{CreateKey(1), CreateKey(5), CreateKey(100)}
	values, err := s.GetAll(keys)
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 2 || string(values[CreateKey(5)]) != "value-5" {
		t.Errorf("GetAll: %v", values)
	}

	if err := s.RemoveAll(keys); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Size(); n != 18 {
		t.Errorf("expected 18 mappings, got %d", n)
	}
	expectAbsent(t, s, CreateKey(5))
}

func testIterate(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	for i := int64(0); i < 50; i++ {
		mustPut(t, s, CreateKey(i), []byte(CreateKey(i*2)))
	}

	seen := make(map[string]string)
	if err := s.Iterate(func(key string, value []byte) bool {
		seen[key] = string(value)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 50 {
		t.Fatalf("expected 50 mappings, saw %d", len(seen))
	}
	for k, v := range seen {
		n, _ := strconv.Atoi(k)
		if v != strconv.Itoa(n*2) {
			t.Errorf("mapping %q: unexpected value %q", k, v)
		}
	}

	count := 0
	_ = s.Iterate(func(string, []byte) bool {
		count++
		return count < 10
	})
	if count != 10 {
		t.Errorf("iteration must stop when fn returns false, visited %d", count)
	}
}

func testClear(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	for i := int64(0); i < 10; i++ {
		mustPut(t, s, CreateKey(i), []byte("v"))
		expectValue(t, s, CreateKey(i), []byte("v"))
	}
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Size(); n != 0 {
		t.Errorf("expected an empty store, got %d", n)
	}
	for i := int64(0); i < 10; i++ {
		expectAbsent(t, s, CreateKey(i))
	}
}

func testLargeValues(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())

	for i := int64(0); i < 8; i++ {
		mustPut(t, s, CreateKey(i), CreateValue(i))
	}
	for i := int64(0); i < 8; i++ {
		expectValue(t, s, CreateKey(i), CreateValue(i))
	}
}

func testCapacityEviction(t *testing.T, f StoreFactory) {
	// room for two values of CreateValue
	s := use(t, f, f.NewStoreWithCapacity(1<<20))

	for i := int64(0); i < 10; i++ {
		mustPut(t, s, CreateKey(i), CreateValue(i))
		expectValue(t, s, CreateKey(i), CreateValue(i))
	}

	n, err := s.Size()
	if err != nil {
		t.Fatal(err)
	}
	if n < 1 || n > 2 {
		t.Errorf("expected one or two mappings, got %d", n)
	}
	// evicted mappings must not be served by the caching tier
	present := 0
	for i := int64(0); i < 10; i++ {
		if _, ok, _ := s.Get(CreateKey(i)); ok {
			present++
		}
	}
	if present != n {
		t.Errorf("%d keys readable, but the store holds %d", present, n)
	}

	if err := s.Put("huge", bytes.Repeat([]byte{1}, 2<<20)); !errors.Is(err, store.ErrCapacityRejection) {
		t.Errorf("a value larger than the store must be rejected, got %v", err)
	}
}

func testEvictionVeto(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStoreWithEvictionVeto(func(string, []byte) bool { return true }))

	inserted := int64(0)
	var err error
	for ; inserted < 100; inserted++ {
		if err = s.Put(CreateKey(inserted), CreateValue(inserted)); err != nil {
			break
		}
	}
	if !errors.Is(err, store.ErrCapacityRejection) {
		t.Fatalf("expected a capacity rejection once the store is full, got %v after %d puts", err, inserted)
	}
	for i := int64(0); i < inserted; i++ {
		expectValue(t, s, CreateKey(i), CreateValue(i))
	}
	expectAbsent(t, s, CreateKey(inserted))
}

func testTimeToLive(t *testing.T, f StoreFactory) {
	clock := tier.NewManualTimeSource(time.Unix(1_700_000_000, 0))
	s := use(t, f, f.NewStoreWithExpiry(tier.TimeToLive(time.Second), clock))

	mustPut(t, s, "key", []byte("value"))
	expectValue(t, s, "key", []byte("value"))

	clock.Advance(500 * time.Millisecond)
	expectValue(t, s, "key", []byte("value"))

	clock.Advance(600 * time.Millisecond)
	expectAbsent(t, s, "key")
	if ok, _ := s.ContainsKey("key"); ok {
		t.Error("expired key must not be contained")
	}

	// a write restarts the time to live
	mustPut(t, s, "key", []byte("again"))
	clock.Advance(900 * time.Millisecond)
	expectValue(t, s, "key", []byte("again"))
}

func testTimeToIdle(t *testing.T, f StoreFactory) {
	clock := tier.NewManualTimeSource(time.Unix(1_700_000_000, 0))
	s := use(t, f, f.NewStoreWithExpiry(tier.TimeToIdle(time.Second), clock))

	mustPut(t, s, "key", []byte("value"))

	clock.Advance(500 * time.Millisecond)
	expectValue(t, s, "key", []byte("value"))

	// 1.2s after the write but only 0.7s after the last access
	clock.Advance(700 * time.Millisecond)
	expectValue(t, s, "key", []byte("value"))

	clock.Advance(1100 * time.Millisecond)
	expectAbsent(t, s, "key")
}

func testConcurrentCompute(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())
	const workers, rounds = 8, 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if _, _, err := s.Compute("counter", increment); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	expectValue(t, s, "counter", []byte(strconv.Itoa(workers*rounds)))
}

func testConcurrentReadWrite(t *testing.T, f StoreFactory) {
	s := use(t, f, f.NewStore())
	const keys, writes = 16, 200

	var wg sync.WaitGroup
	done := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := r; ; i++ {
				select {
				case <-done:
					return
				default:
				}
				if _, _, err := s.Get(CreateKey(int64(i % keys))); err != nil {
					t.Error(err)
					return
				}
			}
		}(r)
	}

	for i := 0; i < writes; i++ {
		key := CreateKey(int64(i % keys))
		value := []byte(strconv.Itoa(i))
		mustPut(t, s, key, value)
		expectValue(t, s, key, value)
	}
	close(done)
	wg.Wait()

	// every key holds its last written value
	for k := 0; k < keys; k++ {
		last := k + ((writes-1-k)/keys)*keys
		expectValue(t, s, CreateKey(int64(k)), []byte(strconv.Itoa(last)))
	}
}

func testClose(t *testing.T, f StoreFactory) {
	s := f.NewStore()
	if s == nil {
		t.Skip("store configuration not supported by the factory")
	}
	mustPut(t, s, "key", []byte("value"))
	f.Close(s)

	if _, _, err := s.Get("key"); !errors.Is(err, store.ErrLifecycleViolation) {
		t.Errorf("Get after close: expected lifecycle violation, got %v", err)
	}
	if err := s.Put("key", []byte("value")); !errors.Is(err, store.ErrLifecycleViolation) {
		t.Errorf("Put after close: expected lifecycle violation, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("closing a closed store must be a no-op, got %v", err)
	}
}

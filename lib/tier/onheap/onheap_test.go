package onheap

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/tier"
)

var epoch = time.Unix(1_700_000_000, 0)

func newTestTier(t *testing.T, capacity int, clock tier.TimeSource) tier.ICachingTier {
	t.Helper()
	ct, err := NewCachingTier(&Options{
		Capacity:   capacity,
		NumShards:  1,
		Expiry:     tier.NoExpiration(),
		TimeSource: clock,
	})
	if err != nil {
		t.Fatalf("NewCachingTier: %v", err)
	}
	return ct
}

func holder(id uint64, v string) *tier.ValueHolder {
	return tier.NewValueHolder(id, []byte(v), epoch, time.Time{})
}

func TestGetOrComputeInstallsResult(t *testing.T) {
	ct := newTestTier(t, 10, nil)
	defer ct.Close()

	if h, err := ct.Get("k"); err != nil || h != nil {
		t.Fatalf("expected miss, got %v, %v", h, err)
	}

	calls := 0
	source := func(string) (*tier.ValueHolder, error) {
		calls++
		return holder(1, "v"), nil
	}

	for i := 0; i < 3; i++ {
		h, err := ct.GetOrComputeIfAbsent("k", source)
		if err != nil || h == nil || string(h.Value()) != "v" {
			t.Fatalf("unexpected result %v, %v", h, err)
		}
	}
	if calls != 1 {
		t.Errorf("expected source to run once, ran %d times", calls)
	}
	if ct.Size() != 1 {
		t.Errorf("expected 1 cached entry, got %d", ct.Size())
	}
}

func TestAbsentAndErrorsAreNotCached(t *testing.T) {
	ct := newTestTier(t, 10, nil)
	defer ct.Close()

	h, err := ct.GetOrComputeIfAbsent("absent", func(string) (*tier.ValueHolder, error) { return nil, nil })
	if err != nil || h != nil {
		t.Fatalf("expected nil holder, got %v, %v", h, err)
	}

	boom := store.NewError(store.RetCPersistenceFailure, "disk on fire")
	_, err = ct.GetOrComputeIfAbsent("broken", func(string) (*tier.ValueHolder, error) { return nil, boom })
	if !errors.Is(err, store.ErrPersistenceFailure) {
		t.Fatalf("expected source error to propagate, got %v", err)
	}
	if ct.Size() != 0 {
		t.Errorf("nothing should be cached, size=%d", ct.Size())
	}
}

func TestConcurrentFaultsCollapse(t *testing.T) {
	ct := newTestTier(t, 10, nil)
	defer ct.Close()

	var calls atomic.Int32
	release := make(chan struct{})
	source := func(string) (*tier.ValueHolder, error) {
		calls.Add(1)
		<-release
		return holder(1, "v"), nil
	}

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			h, err := ct.GetOrComputeIfAbsent("k", source)
			if err != nil || h == nil || h.ID() != 1 {
				t.Errorf("unexpected result %v, %v", h, err)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if c := calls.Load(); c != 1 {
		t.Errorf("expected exactly one source call, got %d", c)
	}
}

func TestInvalidateDuringFaultPreventsInstall(t *testing.T) {
	ct := newTestTier(t, 10, nil)
	defer ct.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan *tier.ValueHolder)

	go func() {
		h, _ := ct.GetOrComputeIfAbsent("k", func(string) (*tier.ValueHolder, error) {
			close(started)
			<-release
			return holder(1, "old"), nil
		})
		done <- h
	}()

	<-started
	if err := ct.InvalidateIfValueIs("k", 1); err != nil {
		t.Fatal(err)
	}
	close(release)

	if h := <-done; h == nil || string(h.Value()) != "old" {
		t.Fatalf("initiator should still get its result, got %v", h)
	}
	if h, _ := ct.Get("k"); h != nil {
		t.Error("invalidated fault result must not be installed")
	}
}

func TestNewerFaultSurvivesTokenInvalidation(t *testing.T) {
	ct := newTestTier(t, 10, nil)
	defer ct.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = ct.GetOrComputeIfAbsent("k", func(string) (*tier.ValueHolder, error) {
			close(started)
			<-release
			return holder(5, "new"), nil
		})
	}()

	<-started
	// invalidation for a write whose prior value had id 4
	_ = ct.InvalidateIfValueIs("k", 4)
	close(release)
	<-done

	if h, _ := ct.Get("k"); h == nil || h.ID() != 5 {
		t.Errorf("fresh fault result should be installed, got %v", h)
	}
}

func TestWaiterRetriesAfterStaleFault(t *testing.T) {
	ct := newTestTier(t, 10, nil)
	defer ct.Close()

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	source := func(string) (*tier.ValueHolder, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return holder(1, "old"), nil
		}
		return holder(2, "new"), nil
	}

	first := make(chan *tier.ValueHolder)
	second := make(chan *tier.ValueHolder)
	go func() {
		h, _ := ct.GetOrComputeIfAbsent("k", source)
		first <- h
	}()
	<-started
	go func() {
		h, _ := ct.GetOrComputeIfAbsent("k", source)
		second <- h
	}()

	// let the second caller join the running fault
	time.Sleep(30 * time.Millisecond)
	_ = ct.Invalidate("k")
	close(release)

	if h := <-first; h.ID() != 1 {
		t.Errorf("initiator should return its own result, got id %d", h.ID())
	}
	if h := <-second; h.ID() != 2 {
		t.Errorf("waiter should retry and see the new value, got id %d", h.ID())
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 source calls, got %d", calls.Load())
	}
}

func TestInvalidateIfValueIs(t *testing.T) {
	ct := newTestTier(t, 10, nil)
	defer ct.Close()

	_ = ct.Put("k", holder(5, "v"))

	_ = ct.InvalidateIfValueIs("k", 4)
	if h, _ := ct.Get("k"); h == nil {
		t.Fatal("newer cached value must survive an older token")
	}

	_ = ct.InvalidateIfValueIs("k", 5)
	if h, _ := ct.Get("k"); h != nil {
		t.Fatal("matching token must invalidate")
	}
}

func TestPutKeepsNewerHolder(t *testing.T) {
	ct := newTestTier(t, 10, nil)
	defer ct.Close()

	_ = ct.Put("k", holder(3, "three"))
	_ = ct.Put("k", holder(2, "two"))

	if h, _ := ct.Get("k"); h == nil || h.ID() != 3 {
		t.Errorf("older holder replaced a newer one: %v", h)
	}
}

func TestEvictionListener(t *testing.T) {
	ct := newTestTier(t, 2, nil)
	defer ct.Close()

	var mu sync.Mutex
	var evicted []string
	ct.SetInvalidationListener(func(key string, _ *tier.ValueHolder, reason tier.RemovalReason) {
		mu.Lock()
		defer mu.Unlock()
		if reason == tier.ReasonEvicted {
			evicted = append(evicted, key)
		}
	})

	_ = ct.Put("a", holder(1, "a"))
	_ = ct.Put("b", holder(2, "b"))
	_, _ = ct.Get("a") // a is now most recently used
	_ = ct.Put("c", holder(3, "c"))

	_ = ct.Invalidate("a") // explicit, not reported

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Errorf("expected [b] to be evicted, got %v", evicted)
	}
}

func TestExpiredEntryIsAMiss(t *testing.T) {
	clock := tier.NewManualTimeSource(epoch)
	ct := newTestTier(t, 10, clock)
	defer ct.Close()

	var expired atomic.Int32
	ct.SetInvalidationListener(func(_ string, _ *tier.ValueHolder, reason tier.RemovalReason) {
		if reason == tier.ReasonExpired {
			expired.Add(1)
		}
	})

	_ = ct.Put("k", tier.NewValueHolder(1, []byte("v"), epoch, epoch.Add(time.Second)))
	if h, _ := ct.Get("k"); h == nil {
		t.Fatal("entry should be live")
	}

	clock.Advance(2 * time.Second)
	calls := 0
	h, _ := ct.GetOrComputeIfAbsent("k", func(string) (*tier.ValueHolder, error) {
		calls++
		return tier.NewValueHolder(2, []byte("v2"), clock.Now(), time.Time{}), nil
	})
	if calls != 1 || h.ID() != 2 {
		t.Errorf("expired entry should fault, calls=%d id=%d", calls, h.ID())
	}
	if expired.Load() != 1 {
		t.Errorf("expected one expiration notification, got %d", expired.Load())
	}
}

func TestClosedTierFails(t *testing.T) {
	ct := newTestTier(t, 10, nil)
	_ = ct.Put("k", holder(1, "v"))
	if err := ct.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ct.Close(); err != nil {
		t.Error("second close should be a no-op")
	}
	if _, err := ct.Get("k"); !errors.Is(err, store.ErrCachingTierFailure) {
		t.Errorf("expected caching tier failure, got %v", err)
	}
	if err := ct.Invalidate("k"); !errors.Is(err, store.ErrCachingTierFailure) {
		t.Errorf("expected caching tier failure, got %v", err)
	}
	if ct.Size() != 0 {
		t.Error("closed tier should be empty")
	}
}

func TestInvalidCapacity(t *testing.T) {
	if _, err := NewCachingTier(&Options{Capacity: 0}); !errors.Is(err, store.ErrInvalidOperation) {
		t.Errorf("expected invalid operation, got %v", err)
	}
}

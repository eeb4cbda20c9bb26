package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ValentinKolb/tKV/lib/persistence"
	"github.com/ValentinKolb/tKV/lib/store"
	storetesting "github.com/ValentinKolb/tKV/lib/store/testing"
	"github.com/ValentinKolb/tKV/lib/store/tiered"
	"github.com/ValentinKolb/tKV/lib/tier"
	"github.com/spf13/afero"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func newProvider(t testing.TB, fs afero.Fs) (*Provider, *persistence.Service) {
	t.Helper()
	service := persistence.NewService(fs, "/tkv")
	if err := service.Init(); err != nil {
		t.Fatalf("persistence Init: %v", err)
	}
	p := New(service)
	t.Cleanup(func() {
		_ = p.Close()
		_ = service.Close()
	})
	return p, service
}

func testConfig() *Config {
	cfg := DefaultConfig("alias")
	cfg.Pools = tier.ResourcePools{HeapEntries: 5, DiskBytes: 16 << 20}
	cfg.CacheShards = 1
	cfg.DiskShards = 4
	return cfg
}

// factory builds the stores of the conformance suite: 5 cached entries,
// 16 MiB of disk, one volatile persistence space per store.
type factory struct {
	provider *Provider
}

func (f *factory) create(cfg *Config) store.IStore {
	s, err := f.provider.CreateStore(cfg)
	if err != nil {
		panic(fmt.Sprintf("create store: %v", err))
	}
	return s
}

func (f *factory) NewStore() store.IStore {
	return f.create(testConfig())
}

func (f *factory) NewStoreWithCapacity(diskBytes int64) store.IStore {
	cfg := testConfig()
	cfg.Pools.DiskBytes = diskBytes
	return f.create(cfg)
}

func (f *factory) NewStoreWithExpiry(expiry tier.Expiry, clock tier.TimeSource) store.IStore {
	cfg := testConfig()
	cfg.Expiry = expiry
	cfg.TimeSource = clock
	return f.create(cfg)
}

func (f *factory) NewStoreWithEvictionVeto(veto tier.EvictionVeto) store.IStore {
	cfg := testConfig()
	cfg.Veto = veto
	return f.create(cfg)
}

func (f *factory) Close(s store.IStore) {
	_ = f.provider.ReleaseStore(s.(*tiered.Store))
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestConformance(t *testing.T) {
	p, _ := newProvider(t, afero.NewMemMapFs())
	storetesting.RunStoreTests(t, "TieredStore", &factory{provider: p})

	if n := len(p.Stores()); n != 0 {
		t.Errorf("%d stores were not released", n)
	}
}

func BenchmarkStore(b *testing.B) {
	p, _ := newProvider(b, afero.NewMemMapFs())
	storetesting.RunStoreBenchmarks(b, "TieredStore", &factory{provider: p})
}

func TestReleaseDestroysVolatileSpace(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, service := newProvider(t, fs)

	s, err := p.CreateStore(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if got := service.Spaces(); len(got) != 1 || got[0] != "alias-0" {
		t.Fatalf("expected space alias-0, got %v", got)
	}
	if ok, _ := afero.DirExists(fs, "/tkv/alias-0/store"); !ok {
		t.Error("persistence context was not created")
	}

	if err := p.ReleaseStore(s); err != nil {
		t.Fatal(err)
	}
	if got := service.Spaces(); len(got) != 0 {
		t.Errorf("space was not destroyed: %v", got)
	}
	if _, _, err := s.Get("k"); !errors.Is(err, store.ErrLifecycleViolation) {
		t.Errorf("released store must be closed, got %v", err)
	}
	if err := p.ReleaseStore(s); !errors.Is(err, store.ErrInvalidOperation) {
		t.Errorf("second release: expected invalid operation, got %v", err)
	}
}

func TestVolatileStoresGetDistinctSpaces(t *testing.T) {
	p, service := newProvider(t, afero.NewMemMapFs())

	a, _ := p.CreateStore(testConfig())
	b, _ := p.CreateStore(testConfig())
	_ = a.Put("k", []byte("a"))
	_ = b.Put("k", []byte("b"))

	if v, _, _ := a.Get("k"); string(v) != "a" {
		t.Errorf("stores must not share data, got %q", v)
	}
	if got := service.Spaces(); len(got) != 2 {
		t.Errorf("expected two spaces, got %v", got)
	}
}

func TestPersistentStoreSurvivesRestart(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig()
	cfg.Alias = "users"
	cfg.Persistent = true
	cfg.Journal = true

	p, _ := newProvider(t, fs)
	s, err := p.CreateStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put("alice", []byte("admin")); err != nil {
		t.Fatal(err)
	}
	if err := p.ReleaseStore(s); err != nil {
		t.Fatal(err)
	}

	restarted, service := newProvider(t, fs)
	if got := service.Spaces(); len(got) != 1 || got[0] != "users" {
		t.Fatalf("expected the persistent space to survive, got %v", got)
	}
	s, err = restarted.CreateStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok, err := s.Get("alice"); err != nil || !ok || string(v) != "admin" {
		t.Errorf("expected the persisted value, got %q, %v, %v", v, ok, err)
	}
}

func TestPersistentSpaceIsExclusive(t *testing.T) {
	p, _ := newProvider(t, afero.NewMemMapFs())
	cfg := testConfig()
	cfg.Alias = "users"
	cfg.Persistent = true

	s, err := p.CreateStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.CreateStore(cfg); !errors.Is(err, store.ErrInvalidOperation) {
		t.Errorf("expected invalid operation, got %v", err)
	}

	_ = p.ReleaseStore(s)
	if _, err := p.CreateStore(cfg); err != nil {
		t.Errorf("space must be usable after release: %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	p, service := newProvider(t, afero.NewMemMapFs())

	cfg := testConfig()
	cfg.Pools.HeapEntries = 0
	if _, err := p.CreateStore(cfg); !errors.Is(err, store.ErrInvalidOperation) {
		t.Errorf("empty heap pool: expected invalid operation, got %v", err)
	}

	cfg = testConfig()
	cfg.Alias = "../escape"
	if _, err := p.CreateStore(cfg); !errors.Is(err, store.ErrInvalidOperation) {
		t.Errorf("invalid alias: expected invalid operation, got %v", err)
	}

	if _, err := p.CreateStore(nil); !errors.Is(err, store.ErrInvalidOperation) {
		t.Errorf("nil config: expected invalid operation, got %v", err)
	}
	if got := service.Spaces(); len(got) != 0 {
		t.Errorf("failed creations must not leave spaces behind: %v", got)
	}
}

func TestCloseReleasesEveryStore(t *testing.T) {
	p, service := newProvider(t, afero.NewMemMapFs())

	var stores []*tiered.Store
	for i := 0; i < 3; i++ {
		s, err := p.CreateStore(testConfig())
		if err != nil {
			t.Fatal(err)
		}
		stores = append(stores, s)
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if n := len(p.Stores()); n != 0 {
		t.Errorf("expected no live stores, got %d", n)
	}
	if got := service.Spaces(); len(got) != 0 {
		t.Errorf("expected no spaces, got %v", got)
	}
	for _, s := range stores {
		if err := s.Put("k", []byte("v")); !errors.Is(err, store.ErrLifecycleViolation) {
			t.Errorf("store %s must be closed, got %v", s.Alias(), err)
		}
	}
}

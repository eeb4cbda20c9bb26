package provider

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/ValentinKolb/tKV/lib/persistence"
	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/store/tiered"
	"github.com/ValentinKolb/tKV/lib/tier"
	"github.com/ValentinKolb/tKV/lib/tier/disk"
	"github.com/ValentinKolb/tKV/lib/tier/onheap"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
)

var Logger = logger.GetLogger("provider")

// name of the persistence context of the authoritative tier inside a space
const contextName = "store"

// --------------------------------------------------------------------------
// Config
// --------------------------------------------------------------------------

// Config describes one tiered store.
type Config struct {
	Alias string             // Name of the store (logs, metrics, space of persistent stores)
	Pools tier.ResourcePools // Capacity of both tiers

	Expiry     tier.Expiry       // Expiry policy of both tiers (nil = no expiration)
	Veto       tier.EvictionVeto // Eviction veto of the authoritative tier (nil = none)
	TimeSource tier.TimeSource   // Clock of both tiers (nil = system time)

	Persistent  bool             // Keep the data across restarts
	Journal     bool             // Journal every mutation of the authoritative tier
	SyncWrites  bool             // Fsync the journal after every record
	Compression disk.Compression // Snapshot codec

	CacheShards int // Shards of the caching tier (0 = NumCPU)
	DiskShards  int // Shards of the authoritative tier (0 = NumCPU)

	MaxInvalidationRetries int // See tiered.Options (0 = default)
}

// DefaultConfig returns the config of a volatile store with 1000 cached
// entries and 16 MiB of authoritative storage.
func DefaultConfig(alias string) *Config {
	return &Config{
		Alias:       alias,
		Pools:       tier.ResourcePools{HeapEntries: 1000, DiskBytes: 16 << 20},
		Expiry:      tier.NoExpiration(),
		Veto:        tier.NoVeto,
		TimeSource:  tier.SystemTimeSource,
		Compression: disk.CompressionZstd,
		CacheShards: runtime.NumCPU(),
		DiskShards:  runtime.NumCPU(),
	}
}

// --------------------------------------------------------------------------
// Provider
// --------------------------------------------------------------------------

// Provider builds tiered stores and owns their lifecycle.
//
// Every store gets its own persistence space: volatile stores a fresh space
// "<alias>-<n>" that is destroyed when the store is released, persistent
// stores the space "<alias>" that is kept and found again after a restart.
// A store is initialized by CreateStore and released exactly once, either by
// ReleaseStore or by Close.
//
// Thread-safety: all methods are safe for concurrent use.
type Provider struct {
	persistence *persistence.Service
	created     *xsync.MapOf[*tiered.Store, *persistence.Space]
	inUse       *xsync.MapOf[string, struct{}] // spaces with a live store
	counter     atomic.Uint64
}

// New creates a provider on top of an initialized persistence service.
func New(service *persistence.Service) *Provider {
	return &Provider{
		persistence: service,
		created:     xsync.NewMapOf[*tiered.Store, *persistence.Space](),
		inUse:       xsync.NewMapOf[string, struct{}](),
	}
}

// CreateStore builds both tiers and the coordinator described by cfg and
// initializes the store.
func (p *Provider) CreateStore(cfg *Config) (*tiered.Store, error) {
	if cfg == nil {
		return nil, store.NewError(store.RetCInvalidOperation, "missing store config")
	}
	if err := cfg.Pools.Validate(); err != nil {
		return nil, err
	}

	name := cfg.Alias
	if !cfg.Persistent {
		name = fmt.Sprintf("%s-%d", cfg.Alias, p.counter.Add(1)-1)
	}
	if _, taken := p.inUse.LoadOrStore(name, struct{}{}); taken {
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("space %q is used by another store", name))
	}

	space, err := p.persistence.GetOrCreateSpace(name, cfg.Persistent)
	if err != nil {
		p.inUse.Delete(name)
		return nil, err
	}

	s, err := p.build(cfg, space)
	if err != nil {
		p.inUse.Delete(name)
		if !space.Persistent {
			err = multierr.Append(err, p.persistence.DestroySpace(name))
		}
		return nil, err
	}

	p.created.Store(s, space)
	Logger.Infof("created store %s in space %s (%s, persistent=%v)", cfg.Alias, name, cfg.Pools, cfg.Persistent)
	return s, nil
}

func (p *Provider) build(cfg *Config, space *persistence.Space) (*tiered.Store, error) {
	ctx, err := p.persistence.CreateContext(space, contextName)
	if err != nil {
		return nil, err
	}

	co := onheap.DefaultOptions(cfg.Pools.HeapEntries)
	co.Expiry = cfg.Expiry
	co.TimeSource = cfg.TimeSource
	if cfg.CacheShards > 0 {
		co.NumShards = cfg.CacheShards
	}
	caching, err := onheap.NewCachingTier(co)
	if err != nil {
		return nil, err
	}

	do := disk.DefaultOptions(cfg.Pools.DiskBytes)
	do.Fs = ctx.Fs
	do.Dir = ctx.Dir
	do.Persistent = cfg.Persistent
	do.Journal = cfg.Journal
	do.SyncWrites = cfg.SyncWrites
	do.Compression = cfg.Compression
	do.Expiry = cfg.Expiry
	do.Veto = cfg.Veto
	do.TimeSource = cfg.TimeSource
	if cfg.DiskShards > 0 {
		do.NumShards = cfg.DiskShards
	}
	authority, err := disk.NewAuthoritativeTier(do)
	if err != nil {
		_ = caching.Close()
		return nil, err
	}

	opts := tiered.DefaultOptions(cfg.Alias)
	if cfg.MaxInvalidationRetries > 0 {
		opts.MaxInvalidationRetries = cfg.MaxInvalidationRetries
	}
	s, err := tiered.New(caching, authority, opts)
	if err != nil {
		return nil, multierr.Combine(err, caching.Close(), authority.Close())
	}

	if err := s.Init(); err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	return s, nil
}

// ReleaseStore closes a store created by this provider and destroys its space
// unless it is persistent. Releasing a store twice fails.
func (p *Provider) ReleaseStore(s *tiered.Store) error {
	space, ok := p.created.LoadAndDelete(s)
	if !ok {
		return store.NewError(store.RetCInvalidOperation, "store was not created by this provider or is already released")
	}

	errs := s.Close()
	if !space.Persistent {
		errs = multierr.Append(errs, p.persistence.DestroySpace(space.Name))
	}
	p.inUse.Delete(space.Name)

	Logger.Infof("released store %s (space %s)", s.Alias(), space.Name)
	return errs
}

// Stores returns all live stores of this provider.
func (p *Provider) Stores() []*tiered.Store {
	stores := make([]*tiered.Store, 0, p.created.Size())
	p.created.Range(func(s *tiered.Store, _ *persistence.Space) bool {
		stores = append(stores, s)
		return true
	})
	return stores
}

// Close releases every live store.
func (p *Provider) Close() error {
	var errs error
	for _, s := range p.Stores() {
		if err := p.ReleaseStore(s); err != nil && store.CodeOf(err) != store.RetCInvalidOperation {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

package tier

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/tKV/lib/store"
)

// --------------------------------------------------------------------------
// Resource Pools
// --------------------------------------------------------------------------

// ResourcePools holds the capacity of both tiers of a store. It is a value
// type and is never modified after the store was built.
type ResourcePools struct {
	HeapEntries int   // max number of entries in the caching tier
	DiskBytes   int64 // max bytes (keys, values and per entry overhead) in the authoritative tier
}

// NewResourcePools validates and returns the pools.
func NewResourcePools(heapEntries int, diskBytes int64) (ResourcePools, error) {
	p := ResourcePools{HeapEntries: heapEntries, DiskBytes: diskBytes}
	return p, p.Validate()
}

// Validate checks that both pools have a positive size.
func (p ResourcePools) Validate() error {
	if p.HeapEntries <= 0 {
		return store.NewError(store.RetCInvalidOperation, fmt.Sprintf("heap pool must hold at least one entry, got %d", p.HeapEntries))
	}
	if p.DiskBytes <= 0 {
		return store.NewError(store.RetCInvalidOperation, fmt.Sprintf("disk pool must be larger than 0 bytes, got %d", p.DiskBytes))
	}
	return nil
}

func (p ResourcePools) String() string {
	return fmt.Sprintf("heap=%d entries, disk=%d bytes", p.HeapEntries, p.DiskBytes)
}

// --------------------------------------------------------------------------
// Time Sources
// --------------------------------------------------------------------------

// TimeSource provides the current time to the tiers.
type TimeSource interface {
	Now() time.Time
}

type systemTimeSource struct{}

func (systemTimeSource) Now() time.Time { return time.Now() }

// SystemTimeSource reads the wall clock.
var SystemTimeSource TimeSource = systemTimeSource{}

// ManualTimeSource is a clock that only moves when told to.
//
// Thread-safety: all methods are safe for concurrent use.
type ManualTimeSource struct {
	nanos atomic.Int64
}

// NewManualTimeSource creates a clock that starts at start.
func NewManualTimeSource(start time.Time) *ManualTimeSource {
	m := &ManualTimeSource{}
	m.nanos.Store(start.UnixNano())
	return m
}

func (m *ManualTimeSource) Now() time.Time { return time.Unix(0, m.nanos.Load()) }

// Advance moves the clock forward by d.
func (m *ManualTimeSource) Advance(d time.Duration) { m.nanos.Add(int64(d)) }

// Set moves the clock to t.
func (m *ManualTimeSource) Set(t time.Time) { m.nanos.Store(t.UnixNano()) }

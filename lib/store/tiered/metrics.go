package tiered

import (
	"fmt"
	"io"

	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/VictoriaMetrics/metrics"
)

// storeMetrics holds the counters of one store instance. Every store owns its
// own metrics.Set, so counters start at zero for a new instance and two stores
// never share state.
type storeMetrics struct {
	set *metrics.Set

	hits                 *metrics.Counter
	misses               *metrics.Counter
	faults               *metrics.Counter
	bypasses             *metrics.Counter
	puts                 *metrics.Counter
	removals             *metrics.Counter
	cacheEvictions       *metrics.Counter
	cacheExpirations     *metrics.Counter
	authorityEvictions   *metrics.Counter
	authorityExpirations *metrics.Counter
	invalidations        *metrics.Counter
	invalidationFailures *metrics.Counter
	escalations          *metrics.Counter
}

func newStoreMetrics(s *Store) *storeMetrics {
	set := metrics.NewSet()
	counter := func(name string) *metrics.Counter {
		return set.NewCounter(fmt.Sprintf(`tkv_store_%s_total{store=%q}`, name, s.alias))
	}

	m := &storeMetrics{
		set:                  set,
		hits:                 counter("hits"),
		misses:               counter("misses"),
		faults:               counter("faults"),
		bypasses:             counter("cache_bypasses"),
		puts:                 counter("puts"),
		removals:             counter("removals"),
		cacheEvictions:       counter("cache_evictions"),
		cacheExpirations:     counter("cache_expirations"),
		authorityEvictions:   counter("authority_evictions"),
		authorityExpirations: counter("authority_expirations"),
		invalidations:        counter("invalidations"),
		invalidationFailures: counter("invalidation_failures"),
		escalations:          counter("invalidation_escalations"),
	}

	set.NewGauge(fmt.Sprintf(`tkv_store_cached_entries{store=%q}`, s.alias), func() float64 {
		return float64(s.caching.Size())
	})
	set.NewGauge(fmt.Sprintf(`tkv_store_stored_entries{store=%q}`, s.alias), func() float64 {
		return float64(s.authority.Size())
	})
	set.NewGauge(fmt.Sprintf(`tkv_store_pending_invalidations{store=%q}`, s.alias), func() float64 {
		return float64(s.pending.Size())
	})
	if used, ok := s.authority.(interface{ UsedBytes() int64 }); ok {
		set.NewGauge(fmt.Sprintf(`tkv_store_disk_used_bytes{store=%q}`, s.alias), func() float64 {
			return float64(used.UsedBytes())
		})
	}

	return m
}

// Statistics returns a snapshot of the counters of this store.
func (s *Store) Statistics() store.Statistics {
	m := s.metrics
	return store.Statistics{
		Hits:                   m.hits.Get(),
		Misses:                 m.misses.Get(),
		Faults:                 m.faults.Get(),
		CacheBypasses:          m.bypasses.Get(),
		Puts:                   m.puts.Get(),
		Removals:               m.removals.Get(),
		CacheEvictions:         m.cacheEvictions.Get(),
		CacheExpirations:       m.cacheExpirations.Get(),
		AuthorityEvictions:     m.authorityEvictions.Get(),
		AuthorityExpirations:   m.authorityExpirations.Get(),
		Invalidations:          m.invalidations.Get(),
		InvalidationFailures:   m.invalidationFailures.Get(),
		InvalidationEscalation: m.escalations.Get(),
		PendingInvalidations:   s.pending.Size(),
		CachedEntries:          s.caching.Size(),
		StoredEntries:          s.authority.Size(),
	}
}

// WritePrometheus writes the metrics of this store in Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) {
	s.metrics.set.WritePrometheus(w)
}

package tiered

import (
	"time"

	"github.com/ValentinKolb/tKV/lib/tier"
)

// --------------------------------------------------------------------------
// Invalidation after writes
// --------------------------------------------------------------------------

// retryJob is one scheduled attempt to invalidate key after an earlier
// invalidation failed. gen identifies the failure that created the job.
type retryJob struct {
	key     string
	gen     uint64
	attempt int
}

// invalidate removes a possibly stale cache entry of key after an
// authoritative write. prior is the holder that was valid right before the
// write (nil if the key was absent).
//
// With a prior holder only cached holders that are not newer than prior are
// removed, a fresh value a concurrent reader faulted in survives. Keys with an
// unresolved failed invalidation are always invalidated unconditionally, since
// the stale entry may be older than any prior of this write.
func (s *Store) invalidate(key string, prior *tier.ValueHolder) {
	gen, wasPending := s.pending.Load(key)

	var err error
	if prior != nil && !wasPending {
		err = s.caching.InvalidateIfValueIs(key, prior.ID())
	} else {
		err = s.caching.Invalidate(key)
	}

	if err != nil {
		s.invalidationFailed(key, err)
		return
	}

	s.metrics.invalidations.Inc()
	if wasPending {
		s.clearPending(key, gen)
	}
}

// invalidationFailed marks key as pending, so reads bypass the caching tier,
// and schedules a retry.
func (s *Store) invalidationFailed(key string, err error) {
	s.metrics.invalidationFailures.Inc()

	gen := s.generation.Add(1)
	s.pending.Store(key, gen)

	Logger.Warningf("store %s: invalidation of %q failed, reads bypass the cache until a retry succeeds: %v", s.alias, key, err)
	s.schedule(retryJob{key: key, gen: gen, attempt: 1})
}

// clearPending removes key from the pending set if no newer failure was
// recorded since gen.
func (s *Store) clearPending(key string, gen uint64) {
	s.pending.Compute(key, func(cur uint64, loaded bool) (uint64, bool) {
		return cur, !loaded || cur == gen
	})
}

// isPending reports whether reads of key must bypass the caching tier.
func (s *Store) isPending(key string) bool {
	_, ok := s.pending.Load(key)
	return ok
}

// --------------------------------------------------------------------------
// Retry worker
// --------------------------------------------------------------------------

// retryDelay returns the backoff before the given attempt (1-based).
func (s *Store) retryDelay(attempt int) time.Duration {
	d := s.opts.RetryBaseDelay
	for i := 1; i < attempt && d < s.opts.MaxRetryDelay; i++ {
		d *= 2
	}
	if d > s.opts.MaxRetryDelay {
		d = s.opts.MaxRetryDelay
	}
	return d
}

// schedule pushes job onto the retry queue once its backoff elapsed. Jobs that
// become due after the store was closed are dropped by the closed queue.
func (s *Store) schedule(job retryJob) {
	time.AfterFunc(s.retryDelay(job.attempt), func() {
		s.retries.Push(job)
	})
}

// retryWorker consumes the retry queue until it is closed.
func (s *Store) retryWorker() {
	defer close(s.workerDone)

	for job := range s.retries.Recv() {
		if s.state.Load() != stateInitialized {
			continue
		}
		// superseded by a newer failure (it has its own job) or resolved by a write
		if gen, ok := s.pending.Load(job.key); !ok || gen != job.gen {
			continue
		}

		err := s.caching.Invalidate(job.key)
		if err == nil {
			s.metrics.invalidations.Inc()
			s.clearPending(job.key, job.gen)
			Logger.Debugf("store %s: invalidation of %q succeeded on attempt %d", s.alias, job.key, job.attempt)
			continue
		}

		if job.attempt >= s.opts.MaxInvalidationRetries {
			s.metrics.escalations.Inc()
			Logger.Warningf("store %s: caching tier advisory failure, giving up invalidating %q after %d attempts, "+
				"the key stays uncached until a later write invalidates it: %v", s.alias, job.key, job.attempt, err)
			continue
		}

		job.attempt++
		s.schedule(job)
	}
}

package tier

import (
	"math"
	"time"
)

// Forever is the duration of an entry that never expires.
const Forever time.Duration = math.MaxInt64

// Expiry computes how long entries live. Both tiers of a store are given the
// same Expiry instance.
//
// A duration of zero or less returned by ForCreation means the entry is
// expired right away and is not stored. ForAccess and ForUpdate return
// changed=false to keep the current expiration.
type Expiry interface {
	ForCreation(key string, value []byte) time.Duration
	ForAccess(key string, value []byte) (d time.Duration, changed bool)
	ForUpdate(key string, oldValue, newValue []byte) (d time.Duration, changed bool)
}

// Deadline returns the expiration time for a duration starting at now.
// Forever (and any duration that would overflow) yields the zero time.
func Deadline(now time.Time, d time.Duration) time.Time {
	if d == Forever {
		return time.Time{}
	}
	if d <= 0 {
		return now
	}
	n := now.UnixNano()
	if n > math.MaxInt64-int64(d) {
		return time.Time{}
	}
	return time.Unix(0, n+int64(d))
}

// --------------------------------------------------------------------------
// Built-in Policies
// --------------------------------------------------------------------------

type noExpiry struct{}

// NoExpiration keeps entries forever.
func NoExpiration() Expiry { return noExpiry{} }

func (noExpiry) ForCreation(string, []byte) time.Duration { return Forever }

func (noExpiry) ForAccess(string, []byte) (time.Duration, bool) { return 0, false }

func (noExpiry) ForUpdate(string, []byte, []byte) (time.Duration, bool) { return Forever, true }

type ttlExpiry struct{ ttl time.Duration }

// TimeToLive expires entries a fixed duration after they were created or last updated.
func TimeToLive(ttl time.Duration) Expiry { return ttlExpiry{ttl: ttl} }

func (e ttlExpiry) ForCreation(string, []byte) time.Duration { return e.ttl }

func (e ttlExpiry) ForAccess(string, []byte) (time.Duration, bool) { return 0, false }

func (e ttlExpiry) ForUpdate(string, []byte, []byte) (time.Duration, bool) { return e.ttl, true }

type ttiExpiry struct{ tti time.Duration }

// TimeToIdle expires entries a fixed duration after they were last created,
// updated or accessed.
func TimeToIdle(tti time.Duration) Expiry { return ttiExpiry{tti: tti} }

func (e ttiExpiry) ForCreation(string, []byte) time.Duration { return e.tti }

func (e ttiExpiry) ForAccess(string, []byte) (time.Duration, bool) { return e.tti, true }

func (e ttiExpiry) ForUpdate(string, []byte, []byte) (time.Duration, bool) { return e.tti, true }

package tier

import (
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/tKV/lib/store"
)

var epoch = time.Unix(1_700_000_000, 0)

func TestValueHolderExpiration(t *testing.T) {
	h := NewValueHolder(1, []byte("v"), epoch, time.Time{})
	if h.IsExpired(epoch.Add(100 * 365 * 24 * time.Hour)) {
		t.Error("holder without expiration must never expire")
	}
	if !h.Expiration().IsZero() {
		t.Error("expected zero expiration")
	}

	h.SetExpiration(epoch.Add(time.Second))
	if h.IsExpired(epoch) {
		t.Error("holder should not be expired before its deadline")
	}
	if !h.IsExpired(epoch.Add(time.Second)) {
		t.Error("holder should be expired at its deadline")
	}
}

func TestValueHolderAccessed(t *testing.T) {
	h := NewValueHolder(7, []byte("v"), epoch, epoch.Add(time.Minute))

	h.Accessed("k", epoch.Add(10*time.Second), TimeToLive(time.Minute))
	if h.Hits() != 1 {
		t.Errorf("expected 1 hit, got %d", h.Hits())
	}
	if !h.Expiration().Equal(epoch.Add(time.Minute)) {
		t.Error("time to live must not extend on access")
	}

	h.Accessed("k", epoch.Add(30*time.Second), TimeToIdle(time.Minute))
	if !h.Expiration().Equal(epoch.Add(90 * time.Second)) {
		t.Errorf("time to idle should extend on access, got %v", h.Expiration())
	}
	if !h.LastAccess().Equal(epoch.Add(30 * time.Second)) {
		t.Error("last access not recorded")
	}
}

func TestValueHolderCopyIsIndependent(t *testing.T) {
	h := NewValueHolder(3, []byte("abc"), epoch, time.Time{})
	c := h.Copy()
	c.Value()[0] = 'X'
	if string(h.Value()) != "abc" {
		t.Error("copy must not share the value")
	}
	if c.ID() != 3 || c.CreatedNanos() != h.CreatedNanos() {
		t.Error("copy must keep id and creation time")
	}
}

func TestDeadline(t *testing.T) {
	if !Deadline(epoch, Forever).IsZero() {
		t.Error("Forever should map to no deadline")
	}
	if !Deadline(epoch, 0).Equal(epoch) {
		t.Error("zero duration should expire immediately")
	}
	if !Deadline(epoch, time.Hour).Equal(epoch.Add(time.Hour)) {
		t.Error("unexpected deadline")
	}
	if !Deadline(epoch, Forever-1).IsZero() {
		t.Error("overflowing deadline should map to no deadline")
	}
}

func TestBuiltInExpiries(t *testing.T) {
	if NoExpiration().ForCreation("k", nil) != Forever {
		t.Error("NoExpiration should create forever entries")
	}
	if _, changed := TimeToLive(time.Second).ForAccess("k", nil); changed {
		t.Error("TTL must not change on access")
	}
	if d, changed := TimeToIdle(time.Second).ForAccess("k", nil); !changed || d != time.Second {
		t.Error("TTI must reset on access")
	}
}

func TestResourcePoolsValidate(t *testing.T) {
	if _, err := NewResourcePools(10, 1024); err != nil {
		t.Errorf("valid pools rejected: %v", err)
	}
	if _, err := NewResourcePools(0, 1024); !errors.Is(err, store.ErrInvalidOperation) {
		t.Errorf("expected invalid operation for empty heap pool, got %v", err)
	}
	if _, err := NewResourcePools(10, 0); !errors.Is(err, store.ErrInvalidOperation) {
		t.Errorf("expected invalid operation for empty disk pool, got %v", err)
	}
}

func TestManualTimeSource(t *testing.T) {
	ts := NewManualTimeSource(epoch)
	ts.Advance(time.Minute)
	if !ts.Now().Equal(epoch.Add(time.Minute)) {
		t.Error("Advance did not move the clock")
	}
	ts.Set(epoch)
	if !ts.Now().Equal(epoch) {
		t.Error("Set did not move the clock")
	}
}

package internal

import (
	"fmt"

	"github.com/ValentinKolb/tKV/lib/tier"
	"github.com/ValentinKolb/tKV/lib/util"
	"github.com/puzpuzpuz/xsync/v3"
)

// EntryOverhead is the number of bytes every entry is charged on top of its
// key and value (id, created, last access, expiration, hits and two length
// fields).
const EntryOverhead = 48

// --------------------------------------------------------------------------
// Event Types are used to tell the shard gc about expiration changes
// --------------------------------------------------------------------------

type EventType int

const (
	EventTWrite EventType = iota
	EventTDelete
)

func (e EventType) String() string {
	switch e {
	case EventTWrite:
		return "Write"
	case EventTDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

type Event struct {
	Type EventType
	Key  string
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Key: %q}", e.Type, e.Key)
}

// --------------------------------------------------------------------------
// Entry Type (value with metadata)
// --------------------------------------------------------------------------

// Entry is the stored form of a mapping. All times are unix nanoseconds.
type Entry struct {
	Value      []byte
	ID         uint64
	Created    int64
	LastAccess int64
	Expiration int64 // 0 = never
	Hits       uint64
}

// Expired reports whether the entry is expired at now (unix nanos).
func (e Entry) Expired(now int64) bool {
	return e.Expiration != 0 && now >= e.Expiration
}

// Size returns the number of bytes the entry is charged for key.
func (e Entry) Size(key string) int64 {
	return int64(len(key)+len(e.Value)) + EntryOverhead
}

// Holder returns a caller owned snapshot of the entry.
func (e Entry) Holder() *tier.ValueHolder {
	v := make([]byte, len(e.Value))
	copy(v, e.Value)
	return tier.RestoreValueHolder(e.ID, v, e.Created, e.LastAccess, e.Expiration, e.Hits)
}

// --------------------------------------------------------------------------
// Shard Type (partition of the key space)
// --------------------------------------------------------------------------

// Shard is a partition of the tier. ExpireHeap is owned by the shard's gc
// goroutine and must not be touched by anyone else once the gc runs.
type Shard struct {
	Data       *xsync.MapOf[string, Entry]
	ExpireHeap *util.MapHeap[string]
	Events     *util.LockFreeMPSC[Event]
}

func NewShard() *Shard {
	return &Shard{
		Data:       xsync.NewMapOf[string, Entry](),
		ExpireHeap: util.NewMapHeap[string](),
		Events:     util.NewLockFreeMPSC[Event](), // closed to stop the gc of this shard
	}
}

// GetShard returns the shard responsible for hash.
func GetShard[T any](hash uint64, shards []*T) *T {
	return shards[util.ShardIndex(hash, len(shards))]
}

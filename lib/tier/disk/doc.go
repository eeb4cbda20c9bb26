// Package disk implements tier.IAuthoritativeTier, the durable source of truth
// of a tiered store.
//
// Entries are kept in sharded xsync maps. Every mutation of a key runs inside
// the Compute of its shard map, which makes the tier's per-key compute the
// single serialization point for conditional writes. Each mutation assigns the
// new entry an id taken from a tier-wide counter, so ids are strictly
// increasing and survive restarts (the last id is part of the snapshot).
//
// Persistence model:
//
//   - Journal (optional): every put and remove is appended to journal.log
//     before it becomes visible. An append error aborts the mutation and is
//     reported as store.ErrPersistenceFailure. A torn record at the end of the
//     journal (crash during append) is ignored on replay.
//
//   - Snapshot (persistent tiers): Close writes all live entries to
//     snapshot.tkv through a temporary file and a rename. The body can be
//     compressed with zstd (klauspost/compress) or lz4 (pierrec/lz4). Init
//     loads the snapshot, replays the journal on top of it and folds both into
//     a new snapshot before the journal starts over.
//
// All files live in Options.Dir on an afero file system, so tests run against
// afero.NewMemMapFs and servers against afero.NewOsFs.
//
// Capacity: every entry is charged len(key)+len(value)+internal.EntryOverhead
// bytes against Options.DiskBytes. An entry larger than the whole pool is
// rejected. Otherwise the tier evicts other entries until the write fits:
// the victim is the least recently accessed of a small sample of entries that
// the eviction veto does not protect. If no entry may be evicted, the write is
// rejected with store.ErrCapacityRejection. Tiers that write records also
// reject keys and values that would not fit a single record (maxRecordSize).
//
// Expiration: the expiry policy is applied on creation, update and access.
// Touch records an access the caching tier served on behalf of this tier.
// Expired entries are invisible right away and removed lazily by the next
// update of the key or by the gc goroutine of their shard, which keeps an
// expiration heap fed by an MPSC event queue. Evictions and expirations are
// reported to the eviction listener; explicit removals are not.
package disk

// Package dictionary implements the per-column string→id mapping that
// backs every String column. A Dictionary is append-only and shared: a
// Table owns one per string column, every Shard belonging to that table
// holds a reference to the same Dictionary, and a string inserted once
// keeps its id for as long as the table lives. Table and Shards share
// it through a plain *Dictionary pointer rather than a field embedded
// directly in Shard or Table (which would otherwise create a cyclic
// ownership graph between the two).
package dictionary

import "sync"

// absentID is reserved: it never names a real string and is returned by
// Lookup for strings never inserted.
const absentID uint32 = 0

// Dictionary maps strings to stable, append-only uint32 ids, shared by a
// Table and all of its Shards.
//
// Concurrency model: a single RWMutex guards both directions of the
// mapping. Readers that only need the id→string direction can instead
// take a Snapshot, an independent, append-only slice that is safe to
// index without holding any lock — entries past the snapshot's length
// are simply not visible to that reader, which is always safe since the
// dictionary never shrinks or mutates existing entries.
type Dictionary struct {
	ids    map[string]uint32
	values []string // index 0 is the reserved "absent" placeholder
	mu     sync.RWMutex
}

// New returns an empty Dictionary with id 0 reserved for "absent".
func New() *Dictionary {
	return &Dictionary{
		ids:    make(map[string]uint32),
		values: []string{""}, // index 0 reserved
	}
}

// Intern returns the id for s, assigning a new one if s has never been
// seen. The id is stable for the dictionary's lifetime.
func (d *Dictionary) Intern(s string) uint32 {
	d.mu.RLock()
	if id, ok := d.ids[s]; ok {
		d.mu.RUnlock()
		return id
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	// re-check under the write lock in case another writer raced us
	if id, ok := d.ids[s]; ok {
		return id
	}
	id := uint32(len(d.values))
	d.values = append(d.values, s)
	d.ids[s] = id
	return id
}

// Lookup returns the id already assigned to s without interning it,
// reporting ok=false if s has never been seen by this dictionary.
func (d *Dictionary) Lookup(s string) (id uint32, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok = d.ids[s]
	return id, ok
}

// String resolves id back to its string. Returns "" for the reserved
// absent id or any id beyond the dictionary's current length.
func (d *Dictionary) String(id uint32) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if int(id) >= len(d.values) {
		return ""
	}
	return d.values[id]
}

// Len returns the number of real (non-reserved) entries.
func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.values) - 1
}

// Snapshot is an immutable view of the id→string array at a point in
// time. Because the dictionary only ever appends, a Snapshot remains
// valid indefinitely; it just won't see ids interned after it was taken.
type Snapshot struct {
	values []string
}

// Snapshot captures the current id→string array for lock-free reads.
func (d *Dictionary) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	// values is never mutated in place (only appended), so sharing the
	// backing array is safe as long as callers never write through it.
	return Snapshot{values: d.values}
}

// String resolves id using the snapshot's captured view. Ids interned
// after the snapshot was taken resolve to "".
func (s Snapshot) String(id uint32) string {
	if int(id) >= len(s.values) {
		return ""
	}
	return s.values[id]
}

// Len returns the number of real entries visible in this snapshot.
func (s Snapshot) Len() int { return len(s.values) - 1 }

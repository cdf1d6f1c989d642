// Package shard implements Snorkel's bounded, time-partitioned row
// group — the unit a Table appends to, prunes, and scans in parallel.
//
// Each Shard is a self-contained partition that:
//   - owns a dense, append-only Column per field, all sharing the same
//     row count;
//   - tracks the tight [minTS, maxTS] bound of its rows;
//   - holds exactly one lifecycle state (Active/Sealed/Evicted) at a
//     time, transitioned under an exclusive lock with no I/O performed
//     while held.
package shard

import (
	"sync"
	"sync/atomic"

	"github.com/dreamware/snorkel/internal/column"
	"github.com/dreamware/snorkel/internal/dictionary"
	"github.com/dreamware/snorkel/internal/schema"
	"github.com/dreamware/snorkel/internal/snorkelerr"
	"github.com/dreamware/snorkel/internal/value"
)

// State is a shard's lifecycle state.
type State string

const (
	// Active is the single append target for a table; at most one
	// shard per table may be Active.
	Active State = "active"
	// Sealed shards are immutable and eligible for scanning and, once
	// past TTL or evicted under memory pressure, removal.
	Sealed State = "sealed"
	// Evicted shards have been dropped; any reference to one is stale.
	Evicted State = "evicted"
)

// Stats tracks cumulative per-shard operation counters, updated
// atomically so they never need the shard's state lock.
type Stats struct {
	RowsAppended uint64
	RowsScanned  uint64
}

// Info is a read-only, copy-on-read snapshot of a shard's metadata, safe
// to hand to callers without holding the shard's lock.
type Info struct {
	State    State
	ID       int
	MinTS    int64
	MaxTS    int64
	RowCount int
	ByteSize int
}

// Shard is a bounded row group covering [MinTS, MaxTS]. Capacity
// defaults to 65536 and is fixed at creation; once Len reaches Capacity
// the table seals it and opens a new active shard.
type Shard struct {
	dict     map[string]*dictionary.Dictionary // shared with Table, keyed by column name
	columns  map[string]*column.Column
	schema   *schema.Schema // point-in-time view; grows as columns are discovered
	ID       int
	Capacity int
	MinTS    int64
	MaxTS    int64
	state    State
	stats    Stats
	mu       sync.RWMutex
}

// New creates an empty Active shard with the given capacity. dict is
// the table's shared per-column-name dictionary map; Shard only reads
// from it and interns new strings into it, never replaces entries.
func New(id, capacity int, initialSchema *schema.Schema, dict map[string]*dictionary.Dictionary) *Shard {
	s := &Shard{
		ID:       id,
		Capacity: capacity,
		schema:   initialSchema.Clone(),
		columns:  make(map[string]*column.Column),
		dict:     dict,
		state:    Active,
	}
	for _, f := range s.schema.Fields() {
		s.columns[f.Name] = s.newColumn(f)
	}
	return s
}

func (s *Shard) newColumn(f schema.Field) *column.Column {
	var d *dictionary.Dictionary
	if f.Type == value.String {
		d = s.dict[f.Name]
	}
	return column.New(f.Name, f.Type, d, s.Capacity)
}

// Len returns the number of rows currently stored.
func (s *Shard) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rowCount()
}

func (s *Shard) rowCount() int {
	for _, c := range s.columns {
		return c.Len()
	}
	return 0
}

// Full reports whether the shard has reached its row capacity.
func (s *Shard) Full() bool { return s.Len() >= s.Capacity }

// State returns the shard's current lifecycle state.
func (s *Shard) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Seal transitions Active -> Sealed. It is idempotent if already Sealed.
func (s *Shard) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Active {
		s.state = Sealed
	}
}

// Evict transitions to Evicted; the shard's columns become unreferenced
// and are reclaimed by the garbage collector once the Table drops its
// own reference.
func (s *Shard) Evict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Evicted
}

// EnsureColumn adds f to the shard's schema if it isn't present yet,
// backfilling the new column with nulls for every row already stored —
// this is how a column "discovered" partway through a table's life
// becomes visible (as all-null) on shards created before it existed.
// It does not check the shard's state: Table.discoverColumns calls it
// on sealed shards as well as the active one. Where a shard does lack a
// column, the executor treats it as all-null for that shard.
func (s *Shard) EnsureColumn(f schema.Field) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.columns[f.Name]; ok {
		return
	}
	s.schema.Add(f)
	c := s.newColumn(f)
	n := s.rowCount()
	for i := 0; i < n; i++ {
		c.AppendNull()
	}
	s.columns[f.Name] = c
}

// Column returns the named column and whether it exists in this shard.
func (s *Shard) Column(name string) (*column.Column, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.columns[name]
	return c, ok
}

// Schema returns a clone of the shard's current point-in-time schema.
func (s *Shard) Schema() *schema.Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schema.Clone()
}

// AppendRow appends one row given as a map from column name to value.
// Columns present in the shard's schema but absent from row are stored
// as null. Shard selection (which shard a timestamp belongs to) is the
// Table's responsibility, not Shard's — AppendRow trusts its caller.
//
// Returns SchemaMismatch if a value's type is incompatible with its
// column's declared type and cannot be safely coerced.
func (s *Shard) AppendRow(ts int64, row map[string]value.Value, rowIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasEmpty := s.rowCount() == 0
	appended := make([]string, 0, len(s.columns))
	for name, c := range s.columns {
		v, ok := row[name]
		if !ok {
			c.AppendNull()
			appended = append(appended, name)
			continue
		}
		if !c.Append(v) {
			s.rollbackPartialAppend(appended)
			return snorkelerr.SchemaMismatchErr(rowIndex, "column "+name+": incompatible type "+v.Typ.String()+" for "+c.Type.String())
		}
		appended = append(appended, name)
	}

	atomic.AddUint64(&s.stats.RowsAppended, 1)
	if wasEmpty || ts < s.MinTS {
		s.MinTS = ts
	}
	if wasEmpty || ts > s.MaxTS {
		s.MaxTS = ts
	}
	return nil
}

// rollbackPartialAppend restores row-count parity after a failed append
// partway through a row. Map iteration order is randomized, so only the
// columns named in appended actually grew by one for this row attempt —
// truncating any column not in that list would delete a real,
// previously-stored row (or, on a shard that was empty before this
// call, panic via a negative slice bound).
func (s *Shard) rollbackPartialAppend(appended []string) {
	for _, name := range appended {
		c := s.columns[name]
		c.Truncate(c.Len() - 1)
	}
}

// ContainsTime reports whether ts falls within [MinTS, MaxTS]. An empty
// shard (no rows yet) contains every timestamp so it can become the
// first row's home.
func (s *Shard) ContainsTime(ts int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rowCount() == 0 {
		return true
	}
	return ts >= s.MinTS && ts <= s.MaxTS
}

// Overlaps reports whether the shard's time range intersects [from, to].
// An empty shard overlaps nothing.
func (s *Shard) Overlaps(from, to int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rowCount() == 0 {
		return false
	}
	return s.MinTS <= to && s.MaxTS >= from
}

// RecordScanned adds n to the shard's cumulative rows-scanned counter
// (Stats.RowsScanned). A query's rows_scanned is taken from the
// executor's PartialResult, not from this counter.
func (s *Shard) RecordScanned(n int) {
	atomic.AddUint64(&s.stats.RowsScanned, uint64(n))
}

// Info returns a point-in-time snapshot of the shard's metadata.
func (s *Shard) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:       s.ID,
		State:    s.state,
		MinTS:    s.MinTS,
		MaxTS:    s.MaxTS,
		RowCount: s.rowCount(),
		ByteSize: s.estimateBytes(),
	}
}

// estimateBytes gives a rough byte-size estimate for memory-pressure
// accounting; it is approximate by design.
func (s *Shard) estimateBytes() int {
	n := s.rowCount()
	total := 0
	for _, c := range s.columns {
		switch c.Type {
		case value.Int64, value.Timestamp, value.Float64:
			total += n * 8
		case value.String:
			total += n * 4 // dictionary id only; dictionary bytes counted once by the table
		case value.Bool:
			total += n
		}
	}
	return total
}

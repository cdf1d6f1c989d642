// Package table implements a Table: a named, schema-bearing collection
// of time-ordered shards, the per-column dictionaries those shards
// share, and the background TTL/memory eviction that retires old
// shards. Table is the unit a Registry hands out and the unit ingest
// and query both address by name.
package table

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/snorkel/internal/dictionary"
	"github.com/dreamware/snorkel/internal/schema"
	"github.com/dreamware/snorkel/internal/shard"
	"github.com/dreamware/snorkel/internal/snorkelerr"
	"github.com/dreamware/snorkel/internal/value"
)

// TimestampColumn is the required field every table's schema carries.
const TimestampColumn = "timestamp"

// DefaultShardCapacity is the default row capacity of a new shard.
const DefaultShardCapacity = 65536

// DefaultTTL is applied when a table is created without an explicit TTL.
const DefaultTTL = 24 * time.Hour

// Config configures a Table at creation time.
type Config struct {
	ShardCapacity int
	TTL           time.Duration
	MaxRows       int // 0 means unbounded
}

// Stats is a copy-on-read snapshot of a table's cumulative counters.
type Stats struct {
	RowsIngested uint64
	RowErrors    uint64
	Generation   uint64
}

// Info is a read-only snapshot of a table's admin-surface metadata,
// following the same convention as shard.Info.
type Info struct {
	Name        string
	RowCount    int
	MemoryBytes int
	ShardCount  int
}

// Table owns a schema, the shared per-String-column dictionaries, and
// an ordered (by MinTS) list of shards. One exclusive lock guards
// shard-list mutation and active-shard rotation; no RPC or blocking
// call is ever made while that lock is held.
type Table struct {
	dicts      map[string]*dictionary.Dictionary
	schema     *schema.Schema
	cfg        Config
	Name       string
	shards     []*shard.Shard // sorted by MinTS; copy-on-write under mu
	nextID     int
	generation uint64 // atomic; bumped on every successful ingest and eviction
	stats      Stats
	mu         sync.RWMutex
	stopOnce   sync.Once
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New creates an empty table named name. The schema always starts with
// the required timestamp column.
func New(name string, cfg Config) *Table {
	if cfg.ShardCapacity <= 0 {
		cfg.ShardCapacity = DefaultShardCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	s := schema.New()
	s.Add(schema.Field{Name: TimestampColumn, Type: value.Timestamp})
	return &Table{
		Name:   name,
		cfg:    cfg,
		schema: s,
		dicts:  make(map[string]*dictionary.Dictionary),
		stopCh: make(chan struct{}),
	}
}

// Generation returns the table's current generation counter, used by
// the query cache to detect that a cached result's source tables have
// changed since it was computed.
func (t *Table) Generation() uint64 {
	return atomic.LoadUint64(&t.generation)
}

func (t *Table) bumpGeneration() {
	atomic.AddUint64(&t.generation, 1)
}

// Schema returns a clone of the table's current schema.
func (t *Table) Schema() *schema.Schema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.schema.Clone()
}

// Shards returns the current shard list, sorted by MinTS. The returned
// slice is a snapshot; mutating it does not affect the table.
func (t *Table) Shards() []*shard.Shard {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*shard.Shard, len(t.shards))
	copy(out, t.shards)
	return out
}

// IngestResult reports the outcome of an IngestBatch call.
type IngestResult struct {
	Errors   []error
	Inserted int
}

// IngestBatch ingests rows in order, each keyed by column name to a raw
// value.Value. Ingestion within one batch is totally ordered. A row
// failing with SchemaMismatch is skipped and recorded in Errors; the
// rest of the batch still proceeds.
func (t *Table) IngestBatch(rows []map[string]value.Value) IngestResult {
	var res IngestResult
	for i, row := range rows {
		if err := t.ingestRow(i, row); err != nil {
			res.Errors = append(res.Errors, err)
			atomic.AddUint64(&t.stats.RowErrors, 1)
			continue
		}
		res.Inserted++
	}
	if res.Inserted > 0 {
		t.bumpGeneration()
		atomic.AddUint64(&t.stats.RowsIngested, uint64(res.Inserted))
	}
	return res
}

func (t *Table) ingestRow(rowIndex int, row map[string]value.Value) error {
	ts, ok := row[TimestampColumn]
	if !ok || ts.Typ != value.Timestamp {
		return snorkelerr.SchemaMismatchErr(rowIndex, "missing or non-timestamp \"timestamp\" field")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.discoverColumns(row)
	sh := t.shardForTimestamp(ts.I64)
	return sh.AppendRow(ts.I64, row, rowIndex)
}

// discoverColumns adds any column present in row but absent from the
// table's schema, fixing its type from this first observed non-null
// value, then backfills every existing shard (including
// the active one) with nulls for the new column. Must be called with
// t.mu held.
func (t *Table) discoverColumns(row map[string]value.Value) {
	for name, v := range row {
		if t.schema.Has(name) || v.IsNull() {
			continue
		}
		f := schema.Field{Name: name, Type: v.Typ}
		t.schema.Add(f)
		if v.Typ == value.String {
			t.dicts[name] = dictionary.New()
		}
		for _, sh := range t.shards {
			sh.EnsureColumn(f)
		}
	}
}

// shardForTimestamp returns the shard whose range contains ts,
// creating a new one if none does or the active shard is full. Must be
// called with t.mu held.
func (t *Table) shardForTimestamp(ts int64) *shard.Shard {
	for _, sh := range t.shards {
		if sh.State() == shard.Active && sh.ContainsTime(ts) && !sh.Full() {
			return sh
		}
	}
	if len(t.shards) > 0 {
		last := t.shards[len(t.shards)-1]
		if last.State() == shard.Active {
			last.Seal()
		}
	}
	sh := shard.New(t.nextID, t.cfg.ShardCapacity, t.schema, t.dicts)
	t.nextID++
	t.shards = insertSorted(t.shards, sh, ts)
	return sh
}

// insertSorted inserts sh into shards keeping the slice ordered by
// MinTS; newly created shards are empty, so ts (the row that triggered
// creation) decides placement.
func insertSorted(shards []*shard.Shard, sh *shard.Shard, ts int64) []*shard.Shard {
	i := 0
	for i < len(shards) && shards[i].MinTS <= ts {
		i++
	}
	shards = append(shards, nil)
	copy(shards[i+1:], shards[i:])
	shards[i] = sh
	return shards
}

// Info returns a point-in-time snapshot of the table's size.
func (t *Table) Info() Info {
	t.mu.RLock()
	shards := make([]*shard.Shard, len(t.shards))
	copy(shards, t.shards)
	t.mu.RUnlock()

	info := Info{Name: t.Name, ShardCount: len(shards)}
	for _, sh := range shards {
		si := sh.Info()
		info.RowCount += si.RowCount
		info.MemoryBytes += si.ByteSize
	}
	return info
}

// Stats returns a copy-on-read snapshot of the table's counters.
func (t *Table) Stats() Stats {
	return Stats{
		RowsIngested: atomic.LoadUint64(&t.stats.RowsIngested),
		RowErrors:    atomic.LoadUint64(&t.stats.RowErrors),
		Generation:   t.Generation(),
	}
}

// reaperInterval is how often the TTL/memory background worker wakes.
const reaperInterval = 1 * time.Second

// StartReaper launches the background worker that seals+evicts shards
// past TTL or, if cfg.MaxRows is set, drops the oldest shards once the
// table's total row count exceeds it: a ticker loop that selects on its
// own stop channel and an externally supplied context, signaling a
// WaitGroup on exit.
func (t *Table) StartReaper(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(reaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.reapOnce(time.Now())
			}
		}
	}()
}

// StopReaper stops the background worker and waits for it to exit. Safe
// to call more than once.
func (t *Table) StopReaper() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

func (t *Table) reapOnce(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowMS := now.UnixMilli()
	evicted := false
	kept := t.shards[:0:0]
	for _, sh := range t.shards {
		info := sh.Info()
		if info.RowCount > 0 && nowMS-info.MaxTS > t.cfg.TTL.Milliseconds() {
			sh.Evict()
			evicted = true
			continue
		}
		kept = append(kept, sh)
	}
	t.shards = kept

	if t.cfg.MaxRows > 0 {
		total := 0
		for _, sh := range t.shards {
			total += sh.Info().RowCount
		}
		i := 0
		for total > t.cfg.MaxRows && i < len(t.shards) {
			sh := t.shards[i]
			if sh.State() == shard.Active {
				i++
				continue
			}
			total -= sh.Info().RowCount
			sh.Evict()
			evicted = true
			t.shards = append(t.shards[:i], t.shards[i+1:]...)
		}
	}

	if evicted {
		t.bumpGeneration()
	}
}

// Package exec implements Snorkel's vectorized, single-pass query
// executor: per-shard prune/mask/aggregate, parallel
// fan-out across shards with golang.org/x/sync/errgroup, partial-state
// merge (shared with the cluster fan-out layer), and final-stage
// AVG/PERCENTILE/ORDER BY/LIMIT.
package exec

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/snorkel/internal/column"
	"github.com/dreamware/snorkel/internal/plan"
	"github.com/dreamware/snorkel/internal/shard"
	"github.com/dreamware/snorkel/internal/snorkelerr"
	"github.com/dreamware/snorkel/internal/sql/ast"
	"github.com/dreamware/snorkel/internal/value"
)

// MaxGroups is the distinct-group cap the executor enforces; exceeding
// it at merge time raises ResourceLimit.
const MaxGroups = 1_000_000

// AggState holds one aggregate call's running state for one group.
// CountStar is tracked outside Acc because COUNT(*) counts every
// matched row regardless of nullability, while every other aggregate
// (including COUNT(col)) only folds in non-null values through Acc.
type AggState struct {
	Acc       *column.Accumulator
	CountStar int64
	Star      bool
}

func newAggState(call plan.AggCall) *AggState {
	return &AggState{Star: call.Star, Acc: column.NewAccumulator()}
}

// Merge folds other into a.
func (a *AggState) Merge(other *AggState) {
	a.CountStar += other.CountStar
	a.Acc.Merge(other.Acc)
}

// GroupResult is one GROUP BY tuple's state: the key values (in the
// plan's GroupBy order) plus one AggState per aggregate call. Raw holds
// the projected raw-column values (in pl.Output order) for a plain,
// non-aggregated row — it is only populated when GroupBy is empty and
// the projection includes bare columns, one GroupResult per matched
// row rather than one per distinct key.
type GroupResult struct {
	Key  []value.Value
	Raw  []value.Value
	Aggs []*AggState
}

// PartialResult is the output of scanning a set of shards (or, in the
// cluster, of one peer): per-group raw aggregate state, not yet
// finalized into AVG/PERCENTILE values, plus the rows-scanned counter
// the query response surfaces.
type PartialResult struct {
	Groups      map[string]*GroupResult
	RowsScanned int
}

func newPartial() *PartialResult {
	return &PartialResult{Groups: make(map[string]*GroupResult)}
}

// Merge folds other into p, combining same-keyed groups. Used both to
// merge per-shard partials within one node and to merge per-peer
// partials in the cluster coordinator.
func (p *PartialResult) Merge(other *PartialResult) {
	p.RowsScanned += other.RowsScanned
	for k, g := range other.Groups {
		if existing, ok := p.Groups[k]; ok {
			for i := range existing.Aggs {
				existing.Aggs[i].Merge(g.Aggs[i])
			}
			continue
		}
		p.Groups[k] = g
	}
}

// Run executes pl against shards in parallel, one goroutine per shard
// via errgroup, and returns the merged (but not yet finalized) partial
// result. A shard-level failure aborts the whole scan; a shard that
// prunes cleanly contributes an empty partial.
func Run(ctx context.Context, pl *plan.Plan, shards []*shard.Shard) (*PartialResult, error) {
	partials := make([]*PartialResult, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, sh := range shards {
		i, sh := i, sh
		g.Go(func() error {
			if gctx.Err() != nil {
				return snorkelerr.TimeoutErr()
			}
			pr, err := scanShard(pl, sh)
			if err != nil {
				return err
			}
			partials[i] = pr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := newPartial()
	for _, pr := range partials {
		merged.Merge(pr)
	}
	if len(merged.Groups) > MaxGroups {
		return nil, snorkelerr.ResourceLimitErr("distinct groups exceeded 1000000")
	}
	return merged, nil
}

// ShouldPrune reports whether sh can be skipped entirely for pl without
// touching its column data: either its time range is disjoint from
// pl.TimeRange, or an equality predicate on a String column misses
// that column's bloom filter.
func ShouldPrune(pl *plan.Plan, sh *shard.Shard) bool {
	if pl.TimeRange != nil && !sh.Overlaps(pl.TimeRange.From, pl.TimeRange.To) {
		return true
	}
	return bloomRejects(pl.Where, sh, true)
}

// bloomRejects walks the predicate tree looking for a String equality
// leaf, within a conjunction, whose literal the shard's column bloom
// filter definitely does not contain. An OR branch can't be used to
// prune — either side alone might still match.
func bloomRejects(n *plan.PredicateNode, sh *shard.Shard, inConjunction bool) bool {
	if n == nil {
		return false
	}
	if n.Bool != ast.NoBool {
		if n.Bool == ast.Or {
			inConjunction = false
		}
		return bloomRejects(n.Left, sh, inConjunction) || bloomRejects(n.Right, sh, inConjunction)
	}
	if !inConjunction || n.Leaf.Op != column.Eq || n.Leaf.Literal.Typ != value.String {
		return false
	}
	c, ok := sh.Column(n.Column)
	if !ok {
		return true // column never discovered on this shard: no row can match
	}
	if c.Type != value.String {
		return false
	}
	return !c.MayContainString(n.Leaf.Literal.Str)
}

func scanShard(pl *plan.Plan, sh *shard.Shard) (*PartialResult, error) {
	pr := newPartial()
	if ShouldPrune(pl, sh) {
		return pr, nil
	}

	n := sh.Len()
	pr.RowsScanned = n
	sh.RecordScanned(n)

	mask := column.NewBitmap(n)
	mask.SetAll()
	if pl.Where != nil {
		evalMask(pl.Where, sh, mask)
	}
	rows := mask.Indices()

	if len(pl.GroupBy) == 0 {
		if hasRawOutput(pl.Output) {
			for _, row := range rows {
				state := newAggStates(pl.Aggs)
				foldRow(pl, sh, row, state)
				// Keyed by shard pointer identity, not sh.ID: two distinct
				// shard instances sharing an ID (as test fixtures commonly
				// do) must never collide and silently merge two different
				// matched rows into one.
				key := fmt.Sprintf("%p_%08d", sh, row)
				pr.Groups[key] = &GroupResult{Raw: rawValuesFor(pl.Output, sh, row), Aggs: state}
			}
			return pr, nil
		}
		state := newAggStates(pl.Aggs)
		for _, row := range rows {
			foldRow(pl, sh, row, state)
		}
		pr.Groups[""] = &GroupResult{Aggs: state}
		return pr, nil
	}

	keyCols := resolveGroupColumns(pl, sh)
	for _, row := range rows {
		key := groupKeyFor(pl, sh, keyCols, row)
		keyStr := encodeKey(key)
		gr, ok := pr.Groups[keyStr]
		if !ok {
			gr = &GroupResult{Key: key, Aggs: newAggStates(pl.Aggs)}
			pr.Groups[keyStr] = gr
		}
		foldRow(pl, sh, row, gr.Aggs)
	}
	return pr, nil
}

func newAggStates(calls []plan.AggCall) []*AggState {
	state := make([]*AggState, len(calls))
	for i, call := range calls {
		state[i] = newAggState(call)
	}
	return state
}

// hasRawOutput reports whether any output column is a bare projected
// column rather than a group key or an aggregate.
func hasRawOutput(out []plan.OutputColumn) bool {
	for _, oc := range out {
		if oc.RawColumn != "" {
			return true
		}
	}
	return false
}

// rawValuesFor materializes one row's values for every RawColumn output,
// in pl.Output order; non-raw positions are left as the zero Value since
// projectRow fills them from the group key or aggregate state instead.
func rawValuesFor(out []plan.OutputColumn, sh *shard.Shard, row int) []value.Value {
	vals := make([]value.Value, len(out))
	for i, oc := range out {
		if oc.RawColumn == "" {
			continue
		}
		c, ok := sh.Column(oc.RawColumn)
		if !ok || c.IsNull(row) {
			vals[i] = value.Nil()
			continue
		}
		vals[i] = c.At(row)
	}
	return vals
}

// rng feeds PERCENTILE's reservoir sampling. A single, fixed-seed
// source is shared across folds within one process: reservoir merge
// is already shuffled at Merge time (column.Accumulator.Merge),
// so determinism here just keeps repeated runs of the same query
// reproducible rather than being load-bearing for correctness.
var rng = rand.New(rand.NewSource(1))

func foldRow(pl *plan.Plan, sh *shard.Shard, row int, state []*AggState) {
	for i, call := range pl.Aggs {
		st := state[i]
		if call.Kind == ast.Count && call.Star {
			st.CountStar++
			continue
		}
		c, ok := sh.Column(call.Column)
		if !ok || c.IsNull(row) {
			continue
		}
		st.Acc.Add(c.At(row), rng)
		if call.Kind == ast.Count {
			st.CountStar++ // COUNT(col) also bumps CountStar; finalizeAgg reads Acc.Count for it
		}
	}
}

func resolveGroupColumns(pl *plan.Plan, sh *shard.Shard) []*column.Column {
	cols := make([]*column.Column, len(pl.GroupBy))
	for i, gb := range pl.GroupBy {
		name := gb.Column
		if gb.Bucket != nil {
			name = gb.Bucket.Column
		}
		c, _ := sh.Column(name)
		cols[i] = c
	}
	return cols
}

func groupKeyFor(pl *plan.Plan, sh *shard.Shard, cols []*column.Column, row int) []value.Value {
	key := make([]value.Value, len(pl.GroupBy))
	for i, gb := range pl.GroupBy {
		c := cols[i]
		if c == nil || c.IsNull(row) {
			key[i] = value.Nil()
			continue
		}
		if gb.Bucket != nil {
			ts := c.At(row).I64
			bucket := (ts / gb.Bucket.IntervalMS) * gb.Bucket.IntervalMS
			key[i] = value.FromTimestamp(bucket)
			continue
		}
		key[i] = c.At(row)
	}
	return key
}

// encodeKey builds a stable string key for a group-by tuple, prefixing
// every component with its type tag so values of different types never
// collide (e.g. string "1" vs int64 1).
func encodeKey(key []value.Value) string {
	var buf []byte
	for _, v := range key {
		buf = append(buf, byte(v.Typ), 0)
		switch v.Typ {
		case value.Int64, value.Timestamp:
			buf = appendInt64(buf, v.I64)
		case value.Float64:
			buf = appendInt64(buf, int64(v.F64*1e6))
		case value.String:
			buf = append(buf, v.Str...)
		case value.Bool:
			if v.Bool {
				buf = append(buf, 1)
			}
		}
		buf = append(buf, 0xff)
	}
	return string(buf)
}

func appendInt64(buf []byte, n int64) []byte {
	u := uint64(n)
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(u>>(56-8*i)))
	}
	return buf
}

// Row is one finalized output row.
type Row []value.Value

// FinalResult is the fully finalized, ordered, limited result set.
type FinalResult struct {
	Columns     []string
	Rows        []Row
	RowsScanned int
}

// Finalize computes AVG/PERCENTILE from raw accumulators, projects each
// group into pl.Output column order, applies ORDER BY and LIMIT, and
// assembles the final result rows. This is the same finalize stage the
// cluster coordinator runs once after merging every peer's partial.
func Finalize(pl *plan.Plan, pr *PartialResult) (*FinalResult, error) {
	fr := &FinalResult{RowsScanned: pr.RowsScanned}
	for _, oc := range pl.Output {
		fr.Columns = append(fr.Columns, oc.Alias)
	}

	groups := pr.Groups
	if len(groups) == 0 && len(pl.GroupBy) == 0 && len(pl.Aggs) > 0 && !hasRawOutput(pl.Output) {
		// A global aggregate over no scanned shards still yields one row.
		groups = map[string]*GroupResult{"": {Aggs: newAggStates(pl.Aggs)}}
	}

	keys := maps.Keys(groups)
	sort.Strings(keys) // stable base order before any explicit ORDER BY

	for _, k := range keys {
		gr := groups[k]
		row, err := projectRow(pl, gr)
		if err != nil {
			return nil, err
		}
		fr.Rows = append(fr.Rows, row)
	}

	if pl.Order != nil {
		idx := pl.Order.OutputIndex
		sort.SliceStable(fr.Rows, func(i, j int) bool {
			c := value.Compare(fr.Rows[i][idx], fr.Rows[j][idx])
			if pl.Order.Dir == ast.Desc {
				return c > 0
			}
			return c < 0
		})
	}

	if pl.HasLimit {
		switch {
		case pl.Limit <= 0:
			fr.Rows = nil
		case pl.Limit < len(fr.Rows):
			fr.Rows = fr.Rows[:pl.Limit]
		}
	}
	return fr, nil
}

func projectRow(pl *plan.Plan, gr *GroupResult) (Row, error) {
	row := make(Row, len(pl.Output))
	for i, oc := range pl.Output {
		switch {
		case oc.GroupKeyIndex >= 0:
			row[i] = gr.Key[oc.GroupKeyIndex]
		case oc.AggIndex >= 0:
			v, err := finalizeAgg(pl.Aggs[oc.AggIndex], gr.Aggs[oc.AggIndex])
			if err != nil {
				return nil, err
			}
			row[i] = v
		default:
			row[i] = gr.Raw[i] // bare raw column: one value per matched row, from scanShard's per-row group
		}
	}
	return row, nil
}

func finalizeAgg(call plan.AggCall, st *AggState) (value.Value, error) {
	switch call.Kind {
	case ast.Count:
		if call.Star {
			return value.FromInt64(st.CountStar), nil
		}
		return value.FromInt64(st.Acc.Count), nil
	case ast.Sum:
		return value.FromFloat64(st.Acc.Sum), nil
	case ast.Avg:
		avg, ok := st.Acc.Avg()
		if !ok {
			return value.Nil(), nil
		}
		return value.FromFloat64(avg), nil
	case ast.Min:
		return st.Acc.Min, nil
	case ast.Max:
		return st.Acc.Max, nil
	case ast.Percentile:
		p, ok := st.Acc.Percentile(call.P)
		if !ok {
			return value.Nil(), nil
		}
		return value.FromFloat64(p), nil
	default:
		return value.Nil(), snorkelerr.New(snorkelerr.Internal, "unknown aggregate kind")
	}
}

// evalMask ANDs the predicate tree's match set into mask in place.
func evalMask(n *plan.PredicateNode, sh *shard.Shard, mask *column.Bitmap) {
	if n.Bool != ast.NoBool {
		left := mask.Clone()
		right := mask.Clone()
		evalMask(n.Left, sh, left)
		evalMask(n.Right, sh, right)
		if n.Bool == ast.Or {
			left.Or(right)
		} else {
			left.And(right)
		}
		mask.And(left)
		return
	}

	c, ok := sh.Column(n.Column)
	if !ok {
		mask.And(column.NewBitmap(mask.Len())) // column absent on this shard: null, matches nothing
		return
	}
	mask.And(c.Scan(n.Leaf))
}

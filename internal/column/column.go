// Package column implements Snorkel's typed column vectors: the
// append-only, dense storage backing every field of a shard, plus the
// predicate evaluation and single-pass aggregation that run directly
// over them.
package column

import (
	"math/rand"
	"sort"

	"github.com/dreamware/snorkel/internal/bloom"
	"github.com/dreamware/snorkel/internal/dictionary"
	"github.com/dreamware/snorkel/internal/value"
)

// Column holds one typed, append-only vector of values plus a parallel
// null bitmap. String columns additionally hold a shared Dictionary
// (owned by the Table, referenced here) and a per-shard bloom filter
// covering exactly the ids actually appended to this column.
type Column struct {
	dict   *dictionary.Dictionary // only set when Type == value.String
	bloom  *bloom.Filter          // only set when Type == value.String
	Name   string
	Type   value.Type
	nulls  *Bitmap
	i64s   []int64   // Int64, Timestamp
	f64s   []float64 // Float64
	strIDs []uint32  // String (dictionary ids)
	bools  []bool    // Bool
}

// New returns an empty column of the given name, type and bloom
// capacity. dict must be non-nil when typ == value.String and nil
// otherwise.
func New(name string, typ value.Type, dict *dictionary.Dictionary, bloomCapacity int) *Column {
	c := &Column{Name: name, Type: typ, nulls: NewBitmap(0)}
	if typ == value.String {
		c.dict = dict
		c.bloom = bloom.New(bloomCapacity)
	}
	return c
}

// Len returns the number of rows (including nulls) in the column.
func (c *Column) Len() int { return c.nulls.Len() }

// AppendNull appends a null row.
func (c *Column) AppendNull() {
	c.nulls.Append(true)
	switch c.Type {
	case value.Int64, value.Timestamp:
		c.i64s = append(c.i64s, 0)
	case value.Float64:
		c.f64s = append(c.f64s, 0)
	case value.String:
		c.strIDs = append(c.strIDs, 0)
	case value.Bool:
		c.bools = append(c.bools, false)
	}
}

// Append appends v, coercing Int64<->Float64 when the column's declared
// type differs from v's type but is numerically compatible. Appending a
// value of an incompatible type returns false and the caller should
// store a Null instead.
func (c *Column) Append(v value.Value) bool {
	if v.IsNull() {
		c.AppendNull()
		return true
	}
	switch c.Type {
	case value.Int64:
		switch v.Typ {
		case value.Int64:
			c.nulls.Append(false)
			c.i64s = append(c.i64s, v.I64)
			return true
		case value.Float64:
			c.nulls.Append(false)
			c.i64s = append(c.i64s, int64(v.F64))
			return true
		}
	case value.Float64:
		switch v.Typ {
		case value.Float64:
			c.nulls.Append(false)
			c.f64s = append(c.f64s, v.F64)
			return true
		case value.Int64:
			c.nulls.Append(false)
			c.f64s = append(c.f64s, float64(v.I64))
			return true
		}
	case value.Timestamp:
		if v.Typ == value.Timestamp {
			c.nulls.Append(false)
			c.i64s = append(c.i64s, v.I64)
			return true
		}
	case value.String:
		if v.Typ == value.String {
			id := c.dict.Intern(v.Str)
			c.nulls.Append(false)
			c.strIDs = append(c.strIDs, id)
			c.bloom.Add(v.Str)
			return true
		}
	case value.Bool:
		if v.Typ == value.Bool {
			c.nulls.Append(false)
			c.bools = append(c.bools, v.Bool)
			return true
		}
	}
	return false
}

// Truncate shrinks the column to n rows, used to roll back a partially
// appended row when a later column in the same AppendRow call fails.
func (c *Column) Truncate(n int) {
	c.nulls.Truncate(n)
	switch c.Type {
	case value.Int64, value.Timestamp:
		c.i64s = c.i64s[:n]
	case value.Float64:
		c.f64s = c.f64s[:n]
	case value.String:
		c.strIDs = c.strIDs[:n]
	case value.Bool:
		c.bools = c.bools[:n]
	}
}

// At returns the row'th value, resolving String columns through the
// dictionary.
func (c *Column) At(row int) value.Value {
	if c.nulls.Get(row) {
		return value.Nil()
	}
	switch c.Type {
	case value.Int64:
		return value.FromInt64(c.i64s[row])
	case value.Timestamp:
		return value.FromTimestamp(c.i64s[row])
	case value.Float64:
		return value.FromFloat64(c.f64s[row])
	case value.String:
		return value.FromString(c.dict.String(c.strIDs[row]))
	case value.Bool:
		return value.FromBool(c.bools[row])
	default:
		return value.Nil()
	}
}

// StringID returns the row'th dictionary id directly, without resolving
// to a string. Only valid for String columns; used by the executor to
// build hashable group keys without a dictionary round trip.
func (c *Column) StringID(row int) uint32 {
	return c.strIDs[row]
}

// IsNull reports whether row is null.
func (c *Column) IsNull(row int) bool { return c.nulls.Get(row) }

// MayContainString reports whether the column's bloom filter admits s.
// Only meaningful for String columns; callers must check Type first.
func (c *Column) MayContainString(s string) bool {
	if c.bloom == nil {
		return true
	}
	return c.bloom.MayContain(s)
}

// Op identifies a comparison operator for a leaf predicate.
type Op int

const (
	Eq Op = iota
	Neq
	Gt
	Lt
	Gte
	Lte
	Like
)

// Predicate is a single leaf comparison against one column: `col OP
// literal` or `col LIKE pattern`.
type Predicate struct {
	Literal value.Value
	Pattern string // only used for Like
	Op      Op
}

// Scan evaluates predicate against every row of c and returns a row
// mask (bit set = row matches). Equality on a String column first
// resolves the literal to a dictionary id; if the literal was never
// interned in this column's shared dictionary, every row mismatches and
// an empty mask is returned without touching strIDs.
func (c *Column) Scan(p Predicate) *Bitmap {
	mask := NewBitmap(c.Len())
	if c.Type == value.String && p.Op == Eq {
		id, ok := c.dict.Lookup(p.Literal.Str)
		if !ok {
			return mask // literal never seen; nothing can match
		}
		for i := 0; i < c.Len(); i++ {
			if !c.nulls.Get(i) && c.strIDs[i] == id {
				mask.Set(i)
			}
		}
		return mask
	}
	for i := 0; i < c.Len(); i++ {
		if c.nulls.Get(i) {
			continue
		}
		if matchRow(c, i, p) {
			mask.Set(i)
		}
	}
	return mask
}

func matchRow(c *Column, row int, p Predicate) bool {
	if p.Op == Like {
		s := c.At(row)
		if s.Typ != value.String {
			return false
		}
		return matchLike(s.Str, p.Pattern)
	}
	lhs := c.At(row)
	if lhs.Typ != p.Literal.Typ {
		return false
	}
	switch p.Op {
	case Eq:
		return lhs.Equal(p.Literal)
	case Neq:
		return !lhs.Equal(p.Literal)
	case Gt:
		return p.Literal.Less(lhs)
	case Lt:
		return lhs.Less(p.Literal)
	case Gte:
		return !lhs.Less(p.Literal)
	case Lte:
		return !p.Literal.Less(lhs)
	default:
		return false
	}
}

// matchLike implements SQL LIKE with '%'/'_' wildcards and backslash
// escaping, case-sensitive.
func matchLike(s, pattern string) bool {
	return likeMatch([]byte(s), []byte(pattern))
}

func likeMatch(s, p []byte) bool {
	// classic backtracking matcher; patterns in this grammar are short
	// (single column predicates), so no need for a DP table.
	var si, pi int
	var starIdx = -1
	var starSi int
	for si < len(s) {
		if pi < len(p) {
			switch p[pi] {
			case '\\':
				if pi+1 < len(p) && si < len(s) && s[si] == p[pi+1] {
					si++
					pi += 2
					continue
				}
			case '_':
				si++
				pi++
				continue
			case '%':
				starIdx = pi
				starSi = si
				pi++
				continue
			default:
				if s[si] == p[pi] {
					si++
					pi++
					continue
				}
			}
		}
		if starIdx != -1 {
			pi = starIdx + 1
			starSi++
			si = starSi
			continue
		}
		return false
	}
	for pi < len(p) && p[pi] == '%' {
		pi++
	}
	return pi == len(p)
}

// Accumulator holds the single-pass aggregate state for one (group,
// column) pair: count/sum/min/max/sum-of-squares plus a fixed-size
// reservoir sample for PERCENTILE. Nulls are excluded from every field
// here; COUNT(*) is tracked separately by the executor since it doesn't
// correspond to any one column.
type Accumulator struct {
	Min       value.Value
	Max       value.Value
	Sum       float64
	SumSq     float64
	Reservoir []float64
	Count     int64
	seen      int64 // total non-null values observed, for reservoir sampling
}

const reservoirSize = 1024

// NewAccumulator returns a zero-valued accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{Min: value.Nil(), Max: value.Nil()}
}

// Add folds one non-null value into the accumulator. Callers must skip
// nulls before calling Add (COUNT(*) handles those separately).
func (a *Accumulator) Add(v value.Value, rng *rand.Rand) {
	a.Count++
	if f, ok := v.AsFloat64(); ok {
		a.Sum += f
		a.SumSq += f * f
		a.addReservoir(f, rng)
	}
	if a.Min.IsNull() || v.Less(a.Min) {
		a.Min = v
	}
	if a.Max.IsNull() || a.Max.Less(v) {
		a.Max = v
	}
}

func (a *Accumulator) addReservoir(f float64, rng *rand.Rand) {
	a.seen++
	if len(a.Reservoir) < reservoirSize {
		a.Reservoir = append(a.Reservoir, f)
		return
	}
	if rng == nil {
		return
	}
	j := rng.Int63n(a.seen)
	if j < reservoirSize {
		a.Reservoir[j] = f
	}
}

// Merge combines other into a, used when merging per-shard or per-peer
// partial aggregates into the query-wide result.
func (a *Accumulator) Merge(other *Accumulator) {
	if other.Count == 0 {
		return
	}
	a.Count += other.Count
	a.Sum += other.Sum
	a.SumSq += other.SumSq
	if a.Min.IsNull() || (!other.Min.IsNull() && other.Min.Less(a.Min)) {
		a.Min = other.Min
	}
	if a.Max.IsNull() || (!other.Max.IsNull() && a.Max.Less(other.Max)) {
		a.Max = other.Max
	}
	// reservoir combine: concatenate both reservoirs and, past
	// reservoirSize, shuffle (fixed seed) and truncate. Each side's share
	// of the result follows its reservoir length, not its seen count, so
	// the merged sample is not weighted by how many values each side saw.
	a.seen += other.seen
	combined := append(append([]float64{}, a.Reservoir...), other.Reservoir...)
	if len(combined) <= reservoirSize {
		a.Reservoir = combined
		return
	}
	rng := rand.New(rand.NewSource(1)) // deterministic merge: order doesn't depend on wall clock
	rng.Shuffle(len(combined), func(i, j int) { combined[i], combined[j] = combined[j], combined[i] })
	a.Reservoir = combined[:reservoirSize]
}

// Avg returns sum/count, with ok=false if count is zero (NULL result).
func (a *Accumulator) Avg() (float64, bool) {
	if a.Count == 0 {
		return 0, false
	}
	return a.Sum / float64(a.Count), true
}

// Percentile returns the p-quantile (0<p<1) of the reservoir sample by
// sorting it and linearly interpolating between the two bracketing
// samples. ok is false on an empty reservoir.
func (a *Accumulator) Percentile(p float64) (float64, bool) {
	n := len(a.Reservoir)
	if n == 0 {
		return 0, false
	}
	sorted := append([]float64{}, a.Reservoir...)
	sort.Float64s(sorted)
	if n == 1 {
		return sorted[0], true
	}
	pos := p * float64(n-1)
	lo := int(pos)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1], true
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac, true
}

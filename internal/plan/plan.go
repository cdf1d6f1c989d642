// Package plan turns a parsed ast.Query into an executable Plan:
// projection list split into group keys / raw columns / aggregates, a
// flattened WHERE predicate tree, an optional time-range pushdown
// hint, and validated GROUP BY / ORDER BY / LIMIT clauses.
package plan

import (
	"github.com/dreamware/snorkel/internal/column"
	"github.com/dreamware/snorkel/internal/schema"
	"github.com/dreamware/snorkel/internal/snorkelerr"
	"github.com/dreamware/snorkel/internal/sql/ast"
	"github.com/dreamware/snorkel/internal/table"
	"github.com/dreamware/snorkel/internal/value"
)

// AggCall is one aggregate call in the projection list.
type AggCall struct {
	Alias  string
	Column string // empty for COUNT(*)
	Kind   ast.AggKind
	Star   bool
	P      float64 // PERCENTILE argument
}

// OutputColumn describes one column of the result set, in order.
type OutputColumn struct {
	Alias string
	// Exactly one of GroupKeyIndex (>=0) or AggIndex (>=0) is set, or
	// both are -1 for a plain projected raw column (only legal when
	// GroupBy is empty).
	GroupKeyIndex int
	AggIndex      int
	RawColumn     string
}

// BoolOp combines two PredicateNodes.
type BoolOp = ast.BoolOp

// PredicateNode is a flattened WHERE node: a leaf column.Predicate
// against a named column, or a boolean combination of two subtrees —
// mirrors ast.Expr but with the literal already resolved to the
// column storage's value.Value / column.Predicate shape the executor
// consumes directly.
type PredicateNode struct {
	Left   *PredicateNode
	Right  *PredicateNode
	Column string
	Leaf   column.Predicate
	Bool   ast.BoolOp // NoBool for a leaf
}

// TimeRange is a pushdown hint extracted from `timestamp` comparisons
// in WHERE; Shard.Overlaps/ContainsTime use it before any column scan.
type TimeRange struct {
	From int64
	To   int64
}

// GroupBy describes one GROUP BY key: either a bare column or a
// synthesized TIME_BUCKET virtual column.
type GroupBy struct {
	Column string
	Bucket *ast.TimeBucket // non-nil for a TIME_BUCKET group key
}

// OrderBy is the validated ORDER BY clause, referring to an output
// column by index.
type OrderBy struct {
	OutputIndex int
	Dir         ast.OrderDir
}

// Plan is the fully validated, executable form of a query.
type Plan struct {
	Table     string
	Where     *PredicateNode
	TimeRange *TimeRange // nil if WHERE has no usable timestamp bound
	Order     *OrderBy
	Output    []OutputColumn
	GroupBy   []GroupBy
	Aggs      []AggCall
	Limit     int
	HasLimit  bool
}

// Build validates q against sch and produces an executable Plan, or a
// *snorkelerr.Error (UnknownColumn / NonAggregatedColumn / TypeMismatch)
// on a validation failure.
func Build(q *ast.Query, sch *schema.Schema) (*Plan, error) {
	p := &Plan{Table: q.From, Limit: q.Limit, HasLimit: q.HasLimit}

	groupIndex := make(map[string]int, len(q.GroupBy))
	for _, name := range q.GroupBy {
		if name != virtualBucketName && !sch.Has(name) {
			return nil, snorkelerr.UnknownColumnErr(name)
		}
		groupIndex[name] = len(p.GroupBy)
		p.GroupBy = append(p.GroupBy, GroupBy{Column: name})
	}

	for _, proj := range q.Proj {
		if proj.Star {
			if len(p.GroupBy) > 0 {
				return nil, snorkelerr.New(snorkelerr.NonAggregatedColumn, "'*' cannot be combined with GROUP BY")
			}
			for _, f := range sch.Fields() {
				p.Output = append(p.Output, OutputColumn{Alias: f.Name, GroupKeyIndex: -1, AggIndex: -1, RawColumn: f.Name})
			}
			continue
		}
		out, err := buildProj(proj, sch, p, groupIndex)
		if err != nil {
			return nil, err
		}
		p.Output = append(p.Output, out)
	}

	if q.Where != nil {
		node, err := buildPredicate(q.Where, sch)
		if err != nil {
			return nil, err
		}
		p.Where = node
		p.TimeRange = extractTimeRange(node)
	}

	if q.Order != nil {
		idx := outputIndexFor(p.Output, q.Order.Column)
		if idx < 0 {
			return nil, snorkelerr.UnknownColumnErr(q.Order.Column)
		}
		p.Order = &OrderBy{OutputIndex: idx, Dir: q.Order.Dir}
	}

	return p, nil
}

// virtualBucketName is the GROUP BY key name a TIME_BUCKET projection
// registers itself under, since it has no real schema column.
const virtualBucketName = "\x00time_bucket"

func buildProj(proj ast.Proj, sch *schema.Schema, p *Plan, groupIndex map[string]int) (OutputColumn, error) {
	alias := proj.Alias

	switch {
	case proj.Bucket != nil:
		if !sch.Has(proj.Bucket.Column) {
			return OutputColumn{}, snorkelerr.UnknownColumnErr(proj.Bucket.Column)
		}
		if f, _ := sch.Field(proj.Bucket.Column); f.Type != value.Timestamp {
			return OutputColumn{}, snorkelerr.TypeMismatchErr(proj.Bucket.Column, "timestamp", f.Type.String())
		}
		idx, ok := groupIndex[virtualBucketName]
		if !ok {
			idx = len(p.GroupBy)
			groupIndex[virtualBucketName] = idx
			p.GroupBy = append(p.GroupBy, GroupBy{Column: virtualBucketName, Bucket: proj.Bucket})
		}
		if alias == "" {
			alias = "time_bucket"
		}
		return OutputColumn{Alias: alias, GroupKeyIndex: idx, AggIndex: -1}, nil

	case proj.Agg != ast.NoAgg:
		if proj.Agg == ast.Percentile {
			if !sch.Has(proj.Column) {
				return OutputColumn{}, snorkelerr.UnknownColumnErr(proj.Column)
			}
			f, _ := sch.Field(proj.Column)
			if f.Type != value.Int64 && f.Type != value.Float64 && f.Type != value.Timestamp {
				return OutputColumn{}, snorkelerr.TypeMismatchErr(proj.Column, "numeric", f.Type.String())
			}
		} else if !proj.Star && proj.Column != "" && !sch.Has(proj.Column) {
			return OutputColumn{}, snorkelerr.UnknownColumnErr(proj.Column)
		}
		call := AggCall{Kind: proj.Agg, Column: proj.Column, Star: proj.Star, P: proj.Arg}
		if alias == "" {
			alias = aggDefaultAlias(call)
		}
		call.Alias = alias
		idx := len(p.Aggs)
		p.Aggs = append(p.Aggs, call)
		return OutputColumn{Alias: alias, GroupKeyIndex: -1, AggIndex: idx}, nil

	default:
		if !sch.Has(proj.Column) {
			return OutputColumn{}, snorkelerr.UnknownColumnErr(proj.Column)
		}
		if idx, ok := groupIndex[proj.Column]; ok {
			if alias == "" {
				alias = proj.Column
			}
			return OutputColumn{Alias: alias, GroupKeyIndex: idx, AggIndex: -1}, nil
		}
		if len(p.GroupBy) > 0 {
			return OutputColumn{}, snorkelerr.NonAggregatedColumnErr(proj.Column)
		}
		if alias == "" {
			alias = proj.Column
		}
		return OutputColumn{Alias: alias, GroupKeyIndex: -1, AggIndex: -1, RawColumn: proj.Column}, nil
	}
}

func aggDefaultAlias(c AggCall) string {
	switch c.Kind {
	case ast.Count:
		return "count"
	case ast.Sum:
		return "sum_" + c.Column
	case ast.Avg:
		return "avg_" + c.Column
	case ast.Min:
		return "min_" + c.Column
	case ast.Max:
		return "max_" + c.Column
	case ast.Percentile:
		return "percentile_" + c.Column
	default:
		return c.Column
	}
}

func outputIndexFor(out []OutputColumn, name string) int {
	for i, o := range out {
		if o.Alias == name || o.RawColumn == name {
			return i
		}
	}
	return -1
}

func buildPredicate(e *ast.Expr, sch *schema.Schema) (*PredicateNode, error) {
	if e.Bool != ast.NoBool {
		left, err := buildPredicate(e.Left, sch)
		if err != nil {
			return nil, err
		}
		right, err := buildPredicate(e.Right, sch)
		if err != nil {
			return nil, err
		}
		return &PredicateNode{Bool: e.Bool, Left: left, Right: right}, nil
	}

	if !sch.Has(e.Column) {
		return nil, snorkelerr.UnknownColumnErr(e.Column)
	}
	f, _ := sch.Field(e.Column)

	leaf := column.Predicate{Op: mapOp(e.Op)}
	if e.Op == ast.Like {
		leaf.Pattern = e.Lit.Str
		leaf.Literal = value.FromString(e.Lit.Str)
	} else {
		lit, err := literalFor(e.Lit, f.Type, e.Column)
		if err != nil {
			return nil, err
		}
		leaf.Literal = lit
	}
	return &PredicateNode{Column: e.Column, Leaf: leaf}, nil
}

func mapOp(op ast.Op) column.Op {
	switch op {
	case ast.Eq:
		return column.Eq
	case ast.Neq:
		return column.Neq
	case ast.Gt:
		return column.Gt
	case ast.Lt:
		return column.Lt
	case ast.Gte:
		return column.Gte
	case ast.Lte:
		return column.Lte
	case ast.Like:
		return column.Like
	default:
		return column.Eq
	}
}

func literalFor(lit ast.Literal, colType value.Type, name string) (value.Value, error) {
	switch lit.Kind {
	case ast.LiteralInt:
		if colType == value.Float64 {
			return value.FromFloat64(float64(lit.I64)), nil
		}
		if colType == value.Timestamp {
			return value.FromTimestamp(lit.I64), nil
		}
		return value.FromInt64(lit.I64), nil
	case ast.LiteralFloat:
		return value.FromFloat64(lit.F64), nil
	case ast.LiteralString:
		return value.FromString(lit.Str), nil
	case ast.LiteralBool:
		return value.FromBool(lit.Bool), nil
	default:
		return value.Nil(), snorkelerr.TypeMismatchErr(name, colType.String(), "unknown literal")
	}
}

// extractTimeRange scans the predicate tree (conjunctions only — an OR
// cannot tighten a range) for comparisons against the timestamp column
// and folds them into a single [from, to] bound.
func extractTimeRange(n *PredicateNode) *TimeRange {
	tr := &TimeRange{From: minInt64, To: maxInt64}
	found := collectTimeBounds(n, tr, true)
	if !found {
		return nil
	}
	return tr
}

const minInt64 = -1 << 63
const maxInt64 = 1<<63 - 1

func collectTimeBounds(n *PredicateNode, tr *TimeRange, conjContext bool) bool {
	if n == nil {
		return false
	}
	if n.Bool != ast.NoBool {
		if n.Bool == ast.Or {
			conjContext = false
		}
		l := collectTimeBounds(n.Left, tr, conjContext)
		r := collectTimeBounds(n.Right, tr, conjContext)
		return l || r
	}
	if n.Column != table.TimestampColumn || !conjContext {
		return false
	}
	ts, ok := n.Leaf.Literal.AsFloat64()
	if !ok {
		return false
	}
	v := int64(ts)
	switch n.Leaf.Op {
	case column.Eq:
		tr.From, tr.To = v, v
	case column.Gte:
		if v > tr.From {
			tr.From = v
		}
	case column.Gt:
		if v+1 > tr.From {
			tr.From = v + 1
		}
	case column.Lte:
		if v < tr.To {
			tr.To = v
		}
	case column.Lt:
		if v-1 < tr.To {
			tr.To = v - 1
		}
	default:
		return false
	}
	return true
}

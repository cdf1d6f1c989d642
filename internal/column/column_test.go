package column

import (
	"math/rand"
	"testing"

	"github.com/dreamware/snorkel/internal/dictionary"
	"github.com/dreamware/snorkel/internal/value"
)

func TestAppendAndAtInt64(t *testing.T) {
	c := New("n", value.Int64, nil, 0)
	if !c.Append(value.FromInt64(5)) {
		t.Fatal("Append(Int64) into an Int64 column should succeed")
	}
	if got := c.At(0); got.I64 != 5 {
		t.Errorf("At(0) = %+v, want Int64(5)", got)
	}
}

func TestAppendCoercesFloatIntoInt64Column(t *testing.T) {
	c := New("n", value.Int64, nil, 0)
	if !c.Append(value.FromFloat64(5.9)) {
		t.Fatal("Append(Float64) into an Int64 column should coerce")
	}
	if got := c.At(0); got.I64 != 5 {
		t.Errorf("At(0) = %+v, want Int64(5) (truncated)", got)
	}
}

func TestAppendCoercesIntIntoFloat64Column(t *testing.T) {
	c := New("n", value.Float64, nil, 0)
	if !c.Append(value.FromInt64(5)) {
		t.Fatal("Append(Int64) into a Float64 column should coerce")
	}
	if got := c.At(0); got.F64 != 5.0 {
		t.Errorf("At(0) = %+v, want Float64(5)", got)
	}
}

func TestAppendIncompatibleTypeFails(t *testing.T) {
	c := New("n", value.Int64, nil, 0)
	if c.Append(value.FromString("not a number")) {
		t.Error("Append(String) into an Int64 column should fail")
	}
}

func TestAppendNullValue(t *testing.T) {
	c := New("n", value.Int64, nil, 0)
	if !c.Append(value.Nil()) {
		t.Fatal("Append(Nil) should always succeed")
	}
	if !c.IsNull(0) {
		t.Error("row 0 should be null")
	}
}

func TestStringColumnInternsAndResolves(t *testing.T) {
	d := dictionary.New()
	c := New("host", value.String, d, 10)
	c.Append(value.FromString("web-1"))
	c.Append(value.FromString("web-2"))
	c.Append(value.FromString("web-1"))

	if got := c.At(0).Str; got != "web-1" {
		t.Errorf("At(0) = %q, want web-1", got)
	}
	if c.StringID(0) != c.StringID(2) {
		t.Error("the same string should resolve to the same dictionary id")
	}
	if !c.MayContainString("web-1") {
		t.Error("bloom filter should admit an interned string")
	}
}

func TestTruncateRollsBack(t *testing.T) {
	c := New("n", value.Int64, nil, 0)
	c.Append(value.FromInt64(1))
	c.Append(value.FromInt64(2))
	c.Truncate(1)
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	if got := c.At(0).I64; got != 1 {
		t.Errorf("At(0) = %d, want 1", got)
	}
}

func TestScanEqOnInt64(t *testing.T) {
	c := New("n", value.Int64, nil, 0)
	c.Append(value.FromInt64(1))
	c.Append(value.FromInt64(2))
	c.Append(value.FromInt64(2))

	mask := c.Scan(Predicate{Op: Eq, Literal: value.FromInt64(2)})
	if mask.Count() != 2 {
		t.Errorf("Scan(Eq, 2) matched %d rows, want 2", mask.Count())
	}
	if mask.Get(0) {
		t.Error("row 0 should not match Eq(2)")
	}
}

func TestScanEqOnStringUnseenLiteralMatchesNothing(t *testing.T) {
	d := dictionary.New()
	c := New("host", value.String, d, 10)
	c.Append(value.FromString("web-1"))

	mask := c.Scan(Predicate{Op: Eq, Literal: value.FromString("never-interned")})
	if mask.Count() != 0 {
		t.Errorf("Scan(Eq, never-interned) matched %d rows, want 0", mask.Count())
	}
}

func TestScanSkipsNulls(t *testing.T) {
	c := New("n", value.Int64, nil, 0)
	c.Append(value.Nil())
	c.Append(value.FromInt64(5))

	mask := c.Scan(Predicate{Op: Gte, Literal: value.FromInt64(0)})
	if mask.Get(0) {
		t.Error("a null row should never match any predicate")
	}
	if !mask.Get(1) {
		t.Error("row 1 should match Gte(0)")
	}
}

func TestScanComparisonOperators(t *testing.T) {
	c := New("n", value.Int64, nil, 0)
	for _, v := range []int64{1, 2, 3} {
		c.Append(value.FromInt64(v))
	}
	tests := []struct {
		op   Op
		lit  int64
		want []int
	}{
		{Eq, 2, []int{1}},
		{Neq, 2, []int{0, 2}},
		{Gt, 1, []int{1, 2}},
		{Lt, 3, []int{0, 1}},
		{Gte, 2, []int{1, 2}},
		{Lte, 2, []int{0, 1}},
	}
	for _, tt := range tests {
		mask := c.Scan(Predicate{Op: tt.op, Literal: value.FromInt64(tt.lit)})
		got := mask.Indices()
		if len(got) != len(tt.want) {
			t.Errorf("op=%v: indices = %v, want %v", tt.op, got, tt.want)
			continue
		}
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Errorf("op=%v: indices = %v, want %v", tt.op, got, tt.want)
			}
		}
	}
}

func TestScanLikePattern(t *testing.T) {
	d := dictionary.New()
	c := New("host", value.String, d, 10)
	for _, s := range []string{"web-1", "web-2", "db-1"} {
		c.Append(value.FromString(s))
	}
	mask := c.Scan(Predicate{Op: Like, Pattern: "web-%"})
	if mask.Count() != 2 {
		t.Errorf("Scan(Like, web-%%) matched %d rows, want 2", mask.Count())
	}
}

func TestMatchLikeWildcardsAndEscapes(t *testing.T) {
	tests := []struct {
		s, pattern string
		want       bool
	}{
		{"web-1", "web-%", true},
		{"db-1", "web-%", false},
		{"abc", "a_c", true},
		{"ac", "a_c", false},
		{"100%", `100\%`, true},
		{"100x", `100\%`, false},
		{"anything", "%", true},
		{"", "%", true},
		{"exact", "exact", true},
		{"exactx", "exact", false},
	}
	for _, tt := range tests {
		if got := matchLike(tt.s, tt.pattern); got != tt.want {
			t.Errorf("matchLike(%q, %q) = %v, want %v", tt.s, tt.pattern, got, tt.want)
		}
	}
}

func TestAccumulatorAddTracksCountSumMinMax(t *testing.T) {
	a := NewAccumulator()
	rng := rand.New(rand.NewSource(1))
	for _, v := range []int64{3, 1, 4, 1, 5} {
		a.Add(value.FromInt64(v), rng)
	}
	if a.Count != 5 {
		t.Errorf("Count = %d, want 5", a.Count)
	}
	if a.Sum != 14 {
		t.Errorf("Sum = %v, want 14", a.Sum)
	}
	if a.Min.I64 != 1 {
		t.Errorf("Min = %+v, want 1", a.Min)
	}
	if a.Max.I64 != 5 {
		t.Errorf("Max = %+v, want 5", a.Max)
	}
}

func TestAccumulatorAvg(t *testing.T) {
	a := NewAccumulator()
	if _, ok := a.Avg(); ok {
		t.Error("Avg() on an empty accumulator should report ok=false")
	}
	rng := rand.New(rand.NewSource(1))
	a.Add(value.FromInt64(2), rng)
	a.Add(value.FromInt64(4), rng)
	avg, ok := a.Avg()
	if !ok || avg != 3 {
		t.Errorf("Avg() = (%v, %v), want (3, true)", avg, ok)
	}
}

func TestAccumulatorPercentile(t *testing.T) {
	a := NewAccumulator()
	rng := rand.New(rand.NewSource(1))
	for i := int64(1); i <= 100; i++ {
		a.Add(value.FromInt64(i), rng)
	}
	p50, ok := a.Percentile(0.5)
	if !ok {
		t.Fatal("Percentile(0.5) should succeed with a full reservoir")
	}
	if p50 < 45 || p50 > 55 {
		t.Errorf("Percentile(0.5) = %v, want roughly 50", p50)
	}
}

func TestAccumulatorPercentileEmptyReservoir(t *testing.T) {
	a := NewAccumulator()
	if _, ok := a.Percentile(0.5); ok {
		t.Error("Percentile on an empty accumulator should report ok=false")
	}
}

func TestAccumulatorMerge(t *testing.T) {
	a := NewAccumulator()
	b := NewAccumulator()
	rng := rand.New(rand.NewSource(1))
	a.Add(value.FromInt64(1), rng)
	a.Add(value.FromInt64(2), rng)
	b.Add(value.FromInt64(10), rng)

	a.Merge(b)
	if a.Count != 3 {
		t.Errorf("Count = %d, want 3", a.Count)
	}
	if a.Sum != 13 {
		t.Errorf("Sum = %v, want 13", a.Sum)
	}
	if a.Max.I64 != 10 {
		t.Errorf("Max = %+v, want 10", a.Max)
	}
	if a.Min.I64 != 1 {
		t.Errorf("Min = %+v, want 1", a.Min)
	}
}

func TestAccumulatorMergeEmptyOtherIsNoOp(t *testing.T) {
	a := NewAccumulator()
	rng := rand.New(rand.NewSource(1))
	a.Add(value.FromInt64(5), rng)
	a.Merge(NewAccumulator())
	if a.Count != 1 {
		t.Errorf("Count = %d, want 1 (merging an empty accumulator should be a no-op)", a.Count)
	}
}

// Package value defines Snorkel's tagged scalar type, the single currency
// every column, predicate, and aggregate in the engine is built from.
//
// A Value is one of Int64, Float64, String, Bool, Timestamp or Null.
// Equality and ordering are defined only within a type; comparing across
// types (e.g. an Int64 against a String) always yields "not equal" /
// "unordered" rather than a panic or an implicit coercion, so a
// predicate that hits a type mismatch simply filters the row out instead
// of failing the query.
package value

import "time"

// Type tags the dynamic type carried by a Value.
type Type int

const (
	Null Type = iota
	Int64
	Float64
	String
	Bool
	Timestamp
)

func (t Type) String() string {
	switch t {
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case String:
		return "string"
	case Bool:
		return "bool"
	case Timestamp:
		return "timestamp"
	default:
		return "null"
	}
}

// Value is a tagged scalar. Only the field matching Type is meaningful;
// String values are carried as dictionary ids (uint32) once they enter a
// Column — this Value is the pre-dictionary representation used at the
// ingest boundary and for literals parsed out of SQL.
type Value struct {
	Str  string
	Typ  Type
	I64  int64
	F64  float64
	Bool bool
}

func Nil() Value                { return Value{Typ: Null} }
func FromInt64(v int64) Value   { return Value{Typ: Int64, I64: v} }
func FromFloat64(v float64) Value { return Value{Typ: Float64, F64: v} }
func FromString(v string) Value { return Value{Typ: String, Str: v} }
func FromBool(v bool) Value     { return Value{Typ: Bool, Bool: v} }
func FromTimestamp(ms int64) Value { return Value{Typ: Timestamp, I64: ms} }
func FromTime(t time.Time) Value   { return Value{Typ: Timestamp, I64: t.UnixMilli()} }

// IsNull reports whether v represents SQL NULL.
func (v Value) IsNull() bool { return v.Typ == Null }

// AsFloat64 returns v as a float64 for numeric operations. Int64 and
// Timestamp are widened; any other type returns (0, false).
func (v Value) AsFloat64() (float64, bool) {
	switch v.Typ {
	case Float64:
		return v.F64, true
	case Int64, Timestamp:
		return float64(v.I64), true
	default:
		return 0, false
	}
}

// Equal reports whether v and other are equal. Cross-type comparisons
// (including against Null) are always false.
func (v Value) Equal(other Value) bool {
	if v.Typ != other.Typ {
		return false
	}
	switch v.Typ {
	case Null:
		return true
	case Int64, Timestamp:
		return v.I64 == other.I64
	case Float64:
		return v.F64 == other.F64
	case String:
		return v.Str == other.Str
	case Bool:
		return v.Bool == other.Bool
	default:
		return false
	}
}

// Less reports whether v orders before other. Cross-type comparisons
// return false (neither order holds), matching Equal's semantics.
func (v Value) Less(other Value) bool {
	if v.Typ != other.Typ {
		return false
	}
	switch v.Typ {
	case Int64, Timestamp:
		return v.I64 < other.I64
	case Float64:
		return v.F64 < other.F64
	case String:
		return v.Str < other.Str
	case Bool:
		return !v.Bool && other.Bool
	default:
		return false
	}
}

// Compare returns -1, 0, or 1 for ordering, with cross-type or Null
// values always comparing equal to each other and less than any
// non-null value — used only for stable ORDER BY tie-breaking, not for
// predicate evaluation (see Equal/Less for that).
func Compare(a, b Value) int {
	if a.Typ == Null && b.Typ == Null {
		return 0
	}
	if a.Typ == Null {
		return -1
	}
	if b.Typ == Null {
		return 1
	}
	if a.Less(b) {
		return -1
	}
	if b.Less(a) {
		return 1
	}
	if a.Equal(b) {
		return 0
	}
	return 0
}

package core

import (
	"reflect"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Op is a MongoDB query operator
type Op string

const (
	OpEq  Op = "$eq"
	OpIn  Op = "$in"
	OpAll Op = "$all"
	OpNin Op = "$nin"
	OpGt  Op = "$gt"
	OpGte Op = "$gte"
	OpLt  Op = "$lt"
	OpLte Op = "$lte"
	OpNe  Op = "$ne"
)

// Predicate is one condition a field must satisfy
type Predicate struct {
	Op    Op
	Value any
}

// Equals matches documents whose field equals v
func Equals(v any) Predicate { return Predicate{Op: OpEq, Value: v} }

// In matches documents whose field equals any of values
func In(values ...any) Predicate { return Predicate{Op: OpIn, Value: listOf(values)} }

// All matches array fields containing every one of values
func All(values ...any) Predicate { return Predicate{Op: OpAll, Value: listOf(values)} }

// NotIn matches documents whose field equals none of values
func NotIn(values ...any) Predicate { return Predicate{Op: OpNin, Value: listOf(values)} }

// listOf builds the operand of a set operator. A single slice or array
// argument is spread so In([]string{"a", "b"}) equals In("a", "b"); []byte
// stays a binary value.
func listOf(values []any) bson.A {
	if len(values) == 0 {
		return bson.A{}
	}
	if len(values) != 1 {
		return bson.A(values)
	}
	switch v := values[0].(type) {
	case bson.A:
		return v
	case []any:
		return bson.A(v)
	case nil, []byte:
		return bson.A(values)
	}
	rv := reflect.ValueOf(values[0])
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return bson.A(values)
	}
	out := make(bson.A, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func GreaterThan(v any) Predicate    { return Predicate{Op: OpGt, Value: v} }
func GreaterOrEqual(v any) Predicate { return Predicate{Op: OpGte, Value: v} }
func LessThan(v any) Predicate       { return Predicate{Op: OpLt, Value: v} }
func LessOrEqual(v any) Predicate    { return Predicate{Op: OpLte, Value: v} }
func NotEqual(v any) Predicate       { return Predicate{Op: OpNe, Value: v} }

// Condition is the set of predicates on a single field, at most one per
// operator, kept in the order they were first added.
type Condition []Predicate

// Merge adds p to the condition. An existing predicate with the same operator
// is overwritten in place. Equals replaces the whole condition and any other
// operator drops a previous Equals, since a literal match does not compose.
func (c Condition) Merge(p Predicate) Condition {
	if p.Op == OpEq {
		return Condition{p}
	}

	out := make(Condition, 0, len(c)+1)
	replaced := false

	for _, e := range c {
		switch e.Op {
		case OpEq:
			continue
		case p.Op:
			out = append(out, p)
			replaced = true
		default:
			out = append(out, e)
		}
	}

	if !replaced {
		out = append(out, p)
	}
	return out
}

// Get returns the value of operator op
func (c Condition) Get(op Op) (any, bool) {
	for _, p := range c {
		if p.Op == op {
			return p.Value, true
		}
	}
	return nil, false
}

// Value renders the condition as it goes on the wire: a lone Equals is the
// literal value, anything else an operator document.
func (c Condition) Value() any {
	if len(c) == 1 && c[0].Op == OpEq {
		return c[0].Value
	}
	d := make(bson.D, 0, len(c))
	for _, p := range c {
		d = append(d, bson.E{Key: string(p.Op), Value: p.Value})
	}
	return d
}

// Filter maps field names to conditions and keeps field insertion order so
// the rendered filter is deterministic.
type Filter struct {
	keys  []string
	conds map[string]Condition
}

// NewFilter converts a driver-style filter map. A value that is a non-empty
// map whose keys all start with "$" becomes an operator condition, anything
// else an Equals. Keys are taken in sorted order; empty keys are dropped.
func NewFilter(m map[string]any) Filter {
	var f Filter

	keys := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		f.Set(k, conditionOf(m[k]))
	}
	return f
}

func conditionOf(v any) Condition {
	switch val := v.(type) {
	case bson.D:
		if isOperatorDoc(val) {
			c := make(Condition, 0, len(val))
			for _, e := range val {
				c = append(c, Predicate{Op: Op(e.Key), Value: e.Value})
			}
			return c
		}
	case bson.M:
		if c, ok := operatorMap(val); ok {
			return c
		}
	case map[string]any:
		if c, ok := operatorMap(val); ok {
			return c
		}
	}
	return Condition{Equals(v)}
}

func operatorMap(m map[string]any) (Condition, bool) {
	if len(m) == 0 {
		return nil, false
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c := make(Condition, 0, len(keys))
	for _, k := range keys {
		c = append(c, Predicate{Op: Op(k), Value: m[k]})
	}
	return c, true
}

func isOperatorDoc(d bson.D) bool {
	if len(d) == 0 {
		return false
	}
	for _, e := range d {
		if !strings.HasPrefix(e.Key, "$") {
			return false
		}
	}
	return true
}

// Set replaces the condition on field
func (f *Filter) Set(field string, c Condition) {
	if f.conds == nil {
		f.conds = make(map[string]Condition)
	}
	if _, ok := f.conds[field]; !ok {
		f.keys = append(f.keys, field)
	}
	f.conds[field] = c
}

// Merge lazily creates the condition on field and merges p into it
func (f *Filter) Merge(field string, p Predicate) {
	c, _ := f.Get(field)
	f.Set(field, c.Merge(p))
}

// Get returns the condition on field
func (f Filter) Get(field string) (Condition, bool) {
	c, ok := f.conds[field]
	return c, ok
}

// Fields returns the filtered field names in insertion order
func (f Filter) Fields() []string {
	return append([]string(nil), f.keys...)
}

// Len returns the number of filtered fields
func (f Filter) Len() int { return len(f.keys) }

// BSON renders the filter. An empty filter renders as an empty document,
// which matches everything.
func (f Filter) BSON() bson.D {
	d := make(bson.D, 0, len(f.keys))
	for _, k := range f.keys {
		d = append(d, bson.E{Key: k, Value: f.conds[k].Value()})
	}
	return d
}

// Clone returns a deep copy of the filter structure. Predicate values are
// shared.
func (f Filter) Clone() Filter {
	var out Filter
	for _, k := range f.keys {
		out.Set(k, append(Condition(nil), f.conds[k]...))
	}
	return out
}

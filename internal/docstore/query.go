package docstore

import (
	"fmt"
	"reflect"
	"sort"
)

// Op is a filter operator.
type Op string

const (
	OpEqual Op = "=="
	OpIn    Op = "in"
)

// MaxInValues caps the value list of an "in" filter.
const MaxInValues = 500

// Filter restricts a query to documents whose field matches.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents of one collection. The zero Limit means no limit.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Where returns a copy of q with an additional filter.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// Order returns a copy of q sorted by field.
func (q Query) Order(field string, descending bool) Query {
	q.OrderBy = field
	q.Descending = descending
	return q
}

// Take returns a copy of q returning at most n documents.
func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

// Compiled is a query whose filter values have been normalized.
type Compiled struct {
	Query
	values [][]any
}

// Compile validates q and normalizes its filter values.
func (q Query) Compile() (*Compiled, error) {
	if q.Collection == "" {
		return nil, fmt.Errorf("docstore: query without collection")
	}
	if q.OrderBy != "" {
		if err := validField(q.OrderBy); err != nil {
			return nil, err
		}
	}
	c := &Compiled{Query: q, values: make([][]any, len(q.Filters))}
	for i, f := range q.Filters {
		if err := validField(f.Field); err != nil {
			return nil, err
		}
		switch f.Op {
		case OpEqual:
			v, err := normalizeValue(f.Value)
			if err != nil {
				return nil, fmt.Errorf("filter %q: %w", f.Field, err)
			}
			c.values[i] = []any{v}
		case OpIn:
			rv := reflect.ValueOf(f.Value)
			if rv.Kind() != reflect.Slice {
				return nil, fmt.Errorf("docstore: %q in filter needs a slice, got %T", f.Field, f.Value)
			}
			if rv.Len() > MaxInValues {
				return nil, fmt.Errorf("docstore: %q in filter has %d values, max %d", f.Field, rv.Len(), MaxInValues)
			}
			vals := make([]any, 0, rv.Len())
			for j := 0; j < rv.Len(); j++ {
				v, err := normalizeValue(rv.Index(j).Interface())
				if err != nil {
					return nil, fmt.Errorf("filter %q: %w", f.Field, err)
				}
				vals = append(vals, v)
			}
			c.values[i] = vals
		default:
			return nil, fmt.Errorf("docstore: unsupported operator %q", f.Op)
		}
	}
	return c, nil
}

// Values returns the normalized values of filter i.
func (c *Compiled) Values(i int) []any { return c.values[i] }

// Matches reports whether the document satisfies every filter.
func (c *Compiled) Matches(d Data) bool {
	for i, f := range c.Filters {
		got, ok := d[f.Field]
		if !ok {
			return false
		}
		hit := false
		for _, want := range c.values[i] {
			if valuesEqual(got, want) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// Apply filters, orders and limits snaps, which must all belong to the
// queried collection.
func (c *Compiled) Apply(snaps []*Snapshot) []*Snapshot {
	out := snaps[:0:0]
	for _, s := range snaps {
		if s.Exists && c.Matches(s.Data) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c.OrderBy != "" {
			cmp := compareValues(out[i].Data[c.OrderBy], out[j].Data[c.OrderBy])
			if c.Descending {
				cmp = -cmp
			}
			if cmp != 0 {
				return cmp < 0
			}
		}
		return out[i].Ref.Path < out[j].Ref.Path
	})
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out
}

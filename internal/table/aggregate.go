package table

import (
	"fmt"
	"strings"
)

// AggType is an aggregate function.
type AggType int

const (
	AggCount AggType = iota
	AggSum
	AggMin
	AggMax
)

// Aggregation computes one output column of GroupBy.
type Aggregation struct {
	Type   AggType
	Column string
	As     string
}

// Count counts the non-null values of column; an empty column counts rows.
func Count(column, as string) Aggregation { return Aggregation{Type: AggCount, Column: column, As: as} }

// Sum adds the numeric values of column.
func Sum(column, as string) Aggregation { return Aggregation{Type: AggSum, Column: column, As: as} }

// Min and Max keep the smallest and largest value of column.
func Min(column, as string) Aggregation { return Aggregation{Type: AggMin, Column: column, As: as} }
func Max(column, as string) Aggregation { return Aggregation{Type: AggMax, Column: column, As: as} }

// partial accumulates one aggregate for one group.
type partial struct {
	typ   AggType
	count int64
	sum   float64
	best  any
	isSet bool
}

func (p *partial) accumulate(v any) {
	if v == nil {
		return
	}
	switch p.typ {
	case AggCount:
		p.count++
		p.isSet = true
	case AggSum:
		if f, ok := toFloat(v); ok {
			p.sum += f
			p.count++
			p.isSet = true
		}
	case AggMin:
		if !p.isSet || compareValues(v, p.best) < 0 {
			p.best = v
			p.isSet = true
		}
	case AggMax:
		if !p.isSet || compareValues(v, p.best) > 0 {
			p.best = v
			p.isSet = true
		}
	}
}

func (p *partial) result() any {
	switch p.typ {
	case AggCount:
		return p.count
	case AggSum:
		return p.sum
	default:
		if !p.isSet {
			return nil
		}
		return p.best
	}
}

type group struct {
	keys []any
	aggs []*partial
}

// GroupBy groups rows by the key columns and computes aggs per group. The
// output columns are the keys followed by each aggregation's As name; groups
// appear in first-seen order.
func (t *Table) GroupBy(keys []string, aggs ...Aggregation) (*Table, error) {
	keyIdx := make([]int, len(keys))
	for k, c := range keys {
		keyIdx[k] = t.Index(c)
		if keyIdx[k] < 0 {
			return nil, fmt.Errorf("table: group column %q not found", c)
		}
	}
	aggIdx := make([]int, len(aggs))
	for k, a := range aggs {
		if a.Column == "" && a.Type == AggCount {
			aggIdx[k] = -1
			continue
		}
		aggIdx[k] = t.Index(a.Column)
		if aggIdx[k] < 0 {
			return nil, fmt.Errorf("table: aggregate column %q not found", a.Column)
		}
	}

	groups := make(map[string]*group)
	var order []string
	for _, r := range t.rows {
		keyVals := make([]any, len(keyIdx))
		for k, j := range keyIdx {
			keyVals[k] = r[j]
		}
		key := groupKey(keyVals)

		g, ok := groups[key]
		if !ok {
			g = &group{keys: keyVals, aggs: make([]*partial, len(aggs))}
			for k, a := range aggs {
				g.aggs[k] = &partial{typ: a.Type}
			}
			groups[key] = g
			order = append(order, key)
		}
		for k, p := range g.aggs {
			if aggIdx[k] < 0 {
				p.accumulate(int64(1))
			} else {
				p.accumulate(r[aggIdx[k]])
			}
		}
	}

	cols := append([]string(nil), keys...)
	for _, a := range aggs {
		name := a.As
		if name == "" {
			name = a.Column
		}
		cols = append(cols, name)
	}
	rows := make([]Row, 0, len(order))
	for _, key := range order {
		g := groups[key]
		row := make(Row, 0, len(cols))
		row = append(row, g.keys...)
		for _, p := range g.aggs {
			row = append(row, p.result())
		}
		rows = append(rows, row)
	}
	return New(cols, rows), nil
}

func groupKey(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		if v == nil {
			parts[i] = "<NULL>"
		} else {
			parts[i] = fmt.Sprintf("%v", v)
		}
	}
	return strings.Join(parts, "|")
}

// toFloat converts a cell to float64, parsing numeric strings.
func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int64:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case string:
		return ParseFloat(val)
	}
	return 0, false
}

// compareValues orders cells: nulls first, then numerically when both
// parse as numbers, then as text.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	fa, aOk := toFloat(a)
	fb, bOk := toFloat(b)
	if aOk && bOk {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}

	sa, sb := FormatValue(a), FormatValue(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

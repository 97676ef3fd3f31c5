// Package table reads date-partitioned CSV files, aligns their divergent
// column sets and materializes in-memory result tables.
package table

import (
	"context"

	fserrors "github.com/fundscope/fundscope/internal/errors"
)

// Row is one record. A nil cell is null.
type Row = []any

// ErrNoData is returned when a query has no partitions to read.
var ErrNoData = fserrors.NewNoData("no partitions in range")

// Source is a lazily read table.
type Source interface {
	// Columns returns the column names without reading any rows.
	Columns(ctx context.Context) ([]string, error)
	// Scan calls fn for every row, in order. Rows passed to fn must not be
	// retained after fn returns unless copied.
	Scan(ctx context.Context, fn func(Row) error) error
}

// Condition restricts a Collect to rows whose column value satisfies Match.
type Condition struct {
	Column string
	Match  func(v any) bool
}

// Equals matches rows whose column equals value as a string.
func Equals(column, value string) Condition {
	return Condition{Column: column, Match: func(v any) bool {
		s, ok := v.(string)
		return ok && s == value
	}}
}

// In matches rows whose column equals any of values.
func In(column string, values ...string) Condition {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return Condition{Column: column, Match: func(v any) bool {
		s, ok := v.(string)
		return ok && set[s]
	}}
}

// Collect materializes src, keeping the rows that satisfy every condition.
// A condition on a column src does not have matches nothing.
func Collect(ctx context.Context, src Source, where ...Condition) (*Table, error) {
	cols, err := src.Columns(ctx)
	if err != nil {
		return nil, err
	}
	t := New(cols, nil)

	idx := make([]int, len(where))
	for i, c := range where {
		idx[i] = t.Index(c.Column)
		if idx[i] < 0 {
			return t, nil
		}
	}

	err = src.Scan(ctx, func(row Row) error {
		for i, c := range where {
			if !c.Match(row[idx[i]]) {
				return nil
			}
		}
		cp := make(Row, len(row))
		copy(cp, row)
		t.rows = append(t.rows, cp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

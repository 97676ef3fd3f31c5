package table

import (
	"context"
)

// ChunkSize is the number of partitions concatenated together before the
// chunk results are concatenated again.
const ChunkSize = 10

// Unify concatenates parts into one logical table whose columns are the
// union of the parts' columns, in first-seen order. Cells a part lacks are
// null. Only headers are read here; rows are read on Scan. Zero parts
// yields ErrNoData.
func Unify(ctx context.Context, parts []Source) (Source, error) {
	if len(parts) == 0 {
		return nil, ErrNoData
	}
	if len(parts) <= ChunkSize {
		return concat(ctx, parts)
	}

	chunks := make([]Source, 0, (len(parts)+ChunkSize-1)/ChunkSize)
	for start := 0; start < len(parts); start += ChunkSize {
		end := start + ChunkSize
		if end > len(parts) {
			end = len(parts)
		}
		c, err := concat(ctx, parts[start:end])
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return Unify(ctx, chunks)
}

// CollectMatching reads each part keeping the rows whose key column equals
// value, then unifies the per-part results. A part's key column is the
// first of keys present in its header; parts with none are skipped. When no
// part has a key column the result is an empty table with keys[0].
func CollectMatching(ctx context.Context, parts []Source, keys []string, value string) (*Table, error) {
	filtered := make([]Source, 0, len(parts))
	for _, p := range parts {
		cols, err := p.Columns(ctx)
		if err != nil {
			return nil, err
		}
		key := firstPresent(cols, keys)
		if key == "" {
			continue
		}
		t, err := Collect(ctx, p, Equals(key, value))
		if err != nil {
			return nil, err
		}
		filtered = append(filtered, t.Source())
	}
	if len(filtered) == 0 {
		return Empty(keys[:min(1, len(keys))]...), nil
	}
	src, err := Unify(ctx, filtered)
	if err != nil {
		return nil, err
	}
	return Collect(ctx, src)
}

func firstPresent(cols, candidates []string) string {
	for _, want := range candidates {
		for _, c := range cols {
			if c == want {
				return want
			}
		}
	}
	return ""
}

// UnionColumns returns the union of column names in first-seen order.
func UnionColumns(sets ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, cols := range sets {
		for _, c := range cols {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// concatenated reads its parts in order, mapping each part's columns onto
// the union.
type concatenated struct {
	columns []string
	parts   []Source
	// mapping[i][j] is the column of parts[i] feeding union column j, or -1.
	mapping [][]int
}

func concat(ctx context.Context, parts []Source) (*concatenated, error) {
	schemas := make([][]string, len(parts))
	for i, p := range parts {
		cols, err := p.Columns(ctx)
		if err != nil {
			return nil, err
		}
		schemas[i] = cols
	}
	union := UnionColumns(schemas...)

	pos := make(map[string]int, len(union))
	for j, c := range union {
		pos[c] = j
	}
	mapping := make([][]int, len(parts))
	for i, cols := range schemas {
		m := make([]int, len(union))
		for j := range m {
			m[j] = -1
		}
		for k, c := range cols {
			if m[pos[c]] < 0 {
				m[pos[c]] = k
			}
		}
		mapping[i] = m
	}
	return &concatenated{columns: union, parts: parts, mapping: mapping}, nil
}

func (c *concatenated) Columns(context.Context) ([]string, error) {
	out := make([]string, len(c.columns))
	copy(out, c.columns)
	return out, nil
}

func (c *concatenated) Scan(ctx context.Context, fn func(Row) error) error {
	out := make(Row, len(c.columns))
	for i, p := range c.parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		m := c.mapping[i]
		err := p.Scan(ctx, func(row Row) error {
			for j, k := range m {
				out[j] = nil
				if k >= 0 && k < len(row) {
					out[j] = row[k]
				}
			}
			return fn(out)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

package table

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Table is an in-memory result table. Operations return new tables and
// never modify their receiver.
type Table struct {
	columns []string
	index   map[string]int
	rows    []Row
}

// New creates a table. Rows shorter than columns are padded with null.
func New(columns []string, rows []Row) *Table {
	t := &Table{
		columns: append([]string(nil), columns...),
		index:   make(map[string]int, len(columns)),
		rows:    rows,
	}
	for i, c := range t.columns {
		if _, dup := t.index[c]; !dup {
			t.index[c] = i
		}
	}
	for i, r := range t.rows {
		if len(r) < len(t.columns) {
			padded := make(Row, len(t.columns))
			copy(padded, r)
			t.rows[i] = padded
		}
	}
	return t
}

// Empty returns a table with columns and no rows.
func Empty(columns ...string) *Table {
	return New(columns, nil)
}

// Columns returns a copy of the column names.
func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rows)
}

// Index returns the position of column name, or -1.
func (t *Table) Index(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	return -1
}

// Has reports whether the table has column name.
func (t *Table) Has(name string) bool {
	return t.Index(name) >= 0
}

// Row returns row i. The slice must not be modified.
func (t *Table) Row(i int) Row {
	return t.rows[i]
}

// Value returns the cell at row i and column name, nil when absent.
func (t *Table) Value(i int, name string) any {
	j := t.Index(name)
	if j < 0 {
		return nil
	}
	return t.rows[i][j]
}

// String returns the cell formatted as text, "" for null.
func (t *Table) String(i int, name string) string {
	return FormatValue(t.Value(i, name))
}

// Float returns the cell as a number. Strings are parsed, accepting a
// decimal comma.
func (t *Table) Float(i int, name string) (float64, bool) {
	return toFloat(t.Value(i, name))
}

// Column returns every value of column name.
func (t *Table) Column(name string) []any {
	j := t.Index(name)
	out := make([]any, len(t.rows))
	if j < 0 {
		return out
	}
	for i, r := range t.rows {
		out[i] = r[j]
	}
	return out
}

// Clone returns a deep copy of the table's row slices.
func (t *Table) Clone() *Table {
	rows := make([]Row, len(t.rows))
	for i, r := range t.rows {
		rows[i] = append(Row(nil), r...)
	}
	return New(t.columns, rows)
}

// Filter keeps the rows for which keep returns true.
func (t *Table) Filter(keep func(i int) bool) *Table {
	var rows []Row
	for i, r := range t.rows {
		if keep(i) {
			rows = append(rows, r)
		}
	}
	return New(t.columns, rows)
}

// Where keeps the rows that satisfy every condition.
func (t *Table) Where(conds ...Condition) *Table {
	idx := make([]int, len(conds))
	for k, c := range conds {
		idx[k] = t.Index(c.Column)
		if idx[k] < 0 {
			return Empty(t.columns...)
		}
	}
	return t.Filter(func(i int) bool {
		for k, c := range conds {
			if !c.Match(t.rows[i][idx[k]]) {
				return false
			}
		}
		return true
	})
}

// SortKey orders rows by one column.
type SortKey struct {
	Column string
	Desc   bool
}

// Asc and Desc build sort keys.
func Asc(column string) SortKey  { return SortKey{Column: column} }
func Desc(column string) SortKey { return SortKey{Column: column, Desc: true} }

// SortBy returns the rows stably sorted by keys. Nulls sort first.
func (t *Table) SortBy(keys ...SortKey) (*Table, error) {
	indices := make([]int, len(keys))
	for k, key := range keys {
		indices[k] = t.Index(key.Column)
		if indices[k] < 0 {
			return nil, fmt.Errorf("table: sort column %q not found", key.Column)
		}
	}

	rows := append([]Row(nil), t.rows...)
	sort.SliceStable(rows, func(i, j int) bool {
		for k, key := range keys {
			cmp := compareValues(rows[i][indices[k]], rows[j][indices[k]])
			if cmp == 0 {
				continue
			}
			if key.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return New(t.columns, rows), nil
}

// Limit keeps at most n rows. A negative n keeps every row.
func (t *Table) Limit(n int) *Table {
	if n < 0 || n >= len(t.rows) {
		return New(t.columns, t.rows)
	}
	return New(t.columns, t.rows[:n])
}

// Select projects the named columns, in the given order.
func (t *Table) Select(columns ...string) (*Table, error) {
	idx := make([]int, len(columns))
	for k, c := range columns {
		idx[k] = t.Index(c)
		if idx[k] < 0 {
			return nil, fmt.Errorf("table: column %q not found", c)
		}
	}
	rows := make([]Row, len(t.rows))
	for i, r := range t.rows {
		out := make(Row, len(idx))
		for k, j := range idx {
			out[k] = r[j]
		}
		rows[i] = out
	}
	return New(columns, rows), nil
}

// WithColumn adds, or replaces, column name with the values of fn.
func (t *Table) WithColumn(name string, fn func(i int) any) *Table {
	j := t.Index(name)
	cols := t.columns
	if j < 0 {
		cols = append(append([]string(nil), t.columns...), name)
	}
	rows := make([]Row, len(t.rows))
	for i, r := range t.rows {
		out := make(Row, len(cols))
		copy(out, r)
		v := fn(i)
		if j < 0 {
			out[len(cols)-1] = v
		} else {
			out[j] = v
		}
		rows[i] = out
	}
	return New(cols, rows)
}

// Append returns a table holding the rows of t followed by the rows of
// other, aligned on the union of both column sets.
func (t *Table) Append(ctx context.Context, other *Table) (*Table, error) {
	src, err := Unify(ctx, []Source{t.Source(), other.Source()})
	if err != nil {
		return nil, err
	}
	return Collect(ctx, src)
}

// Source returns t as a Source.
func (t *Table) Source() Source {
	return tableSource{t}
}

type tableSource struct{ t *Table }

func (s tableSource) Columns(context.Context) ([]string, error) {
	return s.t.Columns(), nil
}

func (s tableSource) Scan(ctx context.Context, fn func(Row) error) error {
	for i, r := range s.t.rows {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// FormatValue renders a cell as text: "" for null, shortest form for floats.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if math.IsNaN(val) {
			return "NaN"
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// ParseFloat parses CVM numeric text, accepting a decimal comma.
func ParseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

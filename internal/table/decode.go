package table

import (
	"io"

	"github.com/jszwec/csvutil"
)

// Decode stores the rows of t in v, which must be a pointer to a slice of
// structs tagged with `csv:"COLUMN"`. Null cells decode as zero values.
func (t *Table) Decode(v any) error {
	dec, err := csvutil.NewDecoder(&recordReader{t: t, header: true})
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// recordReader presents a table as CSV records: the header, then each row
// formatted as text.
type recordReader struct {
	t      *Table
	header bool
	next   int
}

func (r *recordReader) Read() ([]string, error) {
	if r.header {
		r.header = false
		return r.t.Columns(), nil
	}
	if r.next >= len(r.t.rows) {
		return nil, io.EOF
	}
	row := r.t.rows[r.next]
	r.next++
	rec := make([]string, len(row))
	for i, v := range row {
		rec[i] = FormatValue(v)
	}
	return rec, nil
}

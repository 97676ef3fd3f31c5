package table

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	fserrors "github.com/fundscope/fundscope/internal/errors"
)

// Delimiter separates fields in CVM CSV files.
const Delimiter = ';'

// ctxCheckEvery is how many rows Scan reads between context checks.
const ctxCheckEvery = 4096

// CSVPartition is one ;-delimited CSV file with a header row. Every value is
// read as a string; empty fields are null.
type CSVPartition struct {
	Path string
}

// NewCSVPartition returns a partition reading path.
func NewCSVPartition(path string) *CSVPartition {
	return &CSVPartition{Path: path}
}

// Partitions wraps paths as sources.
func Partitions(paths []string) []Source {
	out := make([]Source, len(paths))
	for i, p := range paths {
		out[i] = NewCSVPartition(p)
	}
	return out
}

// Columns reads only the header row.
func (p *CSVPartition) Columns(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, fserrors.NewStorageError(fserrors.CodeReadFailed, "open "+p.Path, err)
	}
	defer f.Close()

	header, err := newReader(f).Read()
	if errors.Is(err, io.EOF) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fserrors.NewFormatError(fserrors.CodeMalformedCSV, "read header of "+p.Path, err)
	}
	return cleanHeader(header), nil
}

// Scan reads every data row, padded or truncated to the header width.
func (p *CSVPartition) Scan(ctx context.Context, fn func(Row) error) error {
	f, err := os.Open(p.Path)
	if err != nil {
		return fserrors.NewStorageError(fserrors.CodeReadFailed, "open "+p.Path, err)
	}
	defer f.Close()

	r := newReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fserrors.NewFormatError(fserrors.CodeMalformedCSV, "read header of "+p.Path, err)
	}

	width := len(header)
	row := make(Row, width)
	for n := 0; ; n++ {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fserrors.NewFormatError(fserrors.CodeMalformedCSV, fmt.Sprintf("read %s", p.Path), err)
		}
		for i := 0; i < width; i++ {
			row[i] = nil
			if i < len(rec) && rec[i] != "" {
				row[i] = rec[i]
			}
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = Delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	return cr
}

func cleanHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		out[i] = strings.TrimSpace(h)
	}
	return out
}

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fundscope/fundscope/internal/app"
	"github.com/fundscope/fundscope/internal/table"
)

const dateLayout = "2006-01-02"

// await submits req and passes every event to handle until it returns true.
// A Failure of req itself ends the wait with its error. Failures of a part of
// req are printed as warnings.
func await(ctx context.Context, e *app.Engine, req app.Request, handle func(app.Event) bool) error {
	if err := e.Submit(req); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.Events():
			if !ok {
				return app.ErrStopped
			}
			if f, isFailure := ev.(app.Failure); isFailure {
				if f.Request == req.Kind() {
					return f.Err
				}
				fmt.Fprintf(os.Stderr, "warning: %s: %v\n", f.Request, f.Err)
				continue
			}
			if handle(ev) {
				return nil
			}
		}
	}
}

// printTable writes t as aligned columns. limit caps the rows printed, zero
// prints all of them.
func printTable(w io.Writer, t *table.Table, limit int) {
	if t == nil || len(t.Columns()) == 0 {
		fmt.Fprintln(w, "(no data)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(t.Columns(), "\t"))

	n := t.Len()
	if limit > 0 && n > limit {
		n = limit
	}
	cells := make([]string, len(t.Columns()))
	for i := 0; i < n; i++ {
		for j, col := range t.Columns() {
			cells[j] = table.FormatValue(t.Value(i, col))
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()

	if n < t.Len() {
		fmt.Fprintf(w, "... %d more rows\n", t.Len()-n)
	}
	if t.Len() == 0 {
		fmt.Fprintln(w, "(no rows)")
	}
}

func printSection(w io.Writer, title string, t *table.Table, limit int) {
	fmt.Fprintf(w, "\n%s\n%s\n", title, strings.Repeat("-", len(title)))
	printTable(w, t, limit)
}

// lastFloat returns the value of column in the last row of t.
func lastFloat(t *table.Table, column string) (float64, bool) {
	if t == nil || t.Len() == 0 {
		return 0, false
	}
	return t.Float(t.Len()-1, column)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return d, nil
}

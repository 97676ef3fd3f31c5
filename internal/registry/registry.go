// Package registry queries the CVM fund registry (cad_fi.csv).
package registry

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode"

	fserrors "github.com/fundscope/fundscope/internal/errors"
	"github.com/fundscope/fundscope/internal/table"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Registry columns.
const (
	ColID         = "CNPJ_FUNDO"
	ColName       = "DENOM_SOCIAL"
	ColClass      = "CLASSE"
	ColSituation  = "SIT"
	ColRegistered = "DT_REG"

	// ColCount is the count column of Stats tables.
	ColCount = "QUANT"
	// ColYear is the year column of Stats.ByYear.
	ColYear = "ANO"
)

// Fund classes published in the registry.
const (
	ClassEquity      = "Fundo de Ações"
	ClassFixedIncome = "Fundo de Renda Fixa"
	ClassExchange    = "Fundo Cambial"
	ClassMultimarket = "Fundo Multimercado"
)

// DefaultSituation is the situation filter applied when a query leaves it empty.
const DefaultSituation = "EM FUNCIONAMENTO NORMAL"

// Classes lists the known fund classes in display order.
func Classes() []string {
	return []string{ClassEquity, ClassFixedIncome, ClassExchange, ClassMultimarket}
}

// Query selects registry rows.
type Query struct {
	// Keyword matches the fund name ignoring case and accents, or the id.
	Keyword string
	// Class matches CLASSE exactly. Empty matches every class.
	Class string
	// Situation matches SIT exactly. Empty means DefaultSituation.
	Situation string
	// Limit caps the result after sorting. Zero or negative means no cap.
	Limit int
}

// Stats summarizes the registry.
type Stats struct {
	ByYear      *table.Table
	BySituation *table.Table
	ByClass     *table.Table
}

// Registry loads the registry file on first use and keeps it in memory.
type Registry struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	loaded *table.Table
}

// New creates a registry reading the file at path.
func New(path string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{path: path, logger: logger.With("component", "registry")}
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return r.path
}

// Load returns the in-memory registry, reading it from disk the first time.
func (r *Registry) Load(ctx context.Context) (*table.Table, error) {
	r.mu.RLock()
	t := r.loaded
	r.mu.RUnlock()
	if t != nil {
		return t, nil
	}
	return r.Reload(ctx)
}

// Reload reads the registry from disk and replaces the in-memory copy.
func (r *Registry) Reload(ctx context.Context) (*table.Table, error) {
	t, err := table.Collect(ctx, table.NewCSVPartition(r.path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fserrors.NewNoData("fund registry not downloaded")
		}
		return nil, err
	}
	r.mu.Lock()
	r.loaded = t
	r.mu.Unlock()
	r.logger.Debug("registry loaded", "path", r.path, "rows", t.Len())
	return t, nil
}

// Invalidate drops the in-memory copy so the next Load rereads the file.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.loaded = nil
	r.mu.Unlock()
}

// Search returns the funds matching q, sorted by name.
func (r *Registry) Search(ctx context.Context, q Query) (*table.Table, error) {
	t, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	return Search(t, q)
}

// Search filters a registry table. It is exported for callers that hold
// their own copy of the registry.
func Search(t *table.Table, q Query) (*table.Table, error) {
	sit := q.Situation
	if sit == "" {
		sit = DefaultSituation
	}
	conds := []table.Condition{table.Equals(ColSituation, sit)}
	if q.Class != "" {
		conds = append(conds, table.Equals(ColClass, q.Class))
	}
	out := t.Where(conds...)

	if kw := Normalize(strings.TrimSpace(q.Keyword)); kw != "" {
		out = out.Filter(func(i int) bool {
			if strings.Contains(Normalize(out.String(i, ColName)), kw) {
				return true
			}
			return strings.Contains(out.String(i, ColID), kw)
		})
	}

	sorted, err := out.SortBy(table.Asc(ColName))
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 {
		sorted = sorted.Limit(q.Limit)
	}
	return sorted, nil
}

// FindByID returns every registry row of the fund, oldest registration first.
func (r *Registry) FindByID(ctx context.Context, id string) (*table.Table, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fserrors.NewNotFound("empty fund id")
	}
	t, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	found := t.Where(table.Equals(ColID, id))
	if found.Len() == 0 {
		return nil, fserrors.NewNotFound("fund " + id + " not in registry")
	}
	return found.SortBy(table.Asc(ColRegistered))
}

// Fund is one registry row.
type Fund struct {
	ID         string `csv:"CNPJ_FUNDO"`
	Name       string `csv:"DENOM_SOCIAL"`
	Class      string `csv:"CLASSE"`
	Situation  string `csv:"SIT"`
	Registered string `csv:"DT_REG"`
}

// Funds decodes registry rows, as returned by Search or FindByID.
func Funds(t *table.Table) ([]Fund, error) {
	var out []Fund
	if err := t.Decode(&out); err != nil {
		return nil, fserrors.NewFormatError(fserrors.CodeMalformedCSV, "decode registry rows", err)
	}
	return out, nil
}

// Stats counts funds by registration year, situation and class.
func (r *Registry) Stats(ctx context.Context) (*Stats, error) {
	t, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}

	withYear := t.WithColumn(ColYear, func(i int) any {
		return registrationYear(t.String(i, ColRegistered))
	})
	withYear = withYear.Filter(func(i int) bool {
		return withYear.Value(i, ColYear) != nil
	})

	byYear, err := countBy(withYear, ColYear)
	if err != nil {
		return nil, err
	}
	bySit, err := countBy(t, ColSituation)
	if err != nil {
		return nil, err
	}
	byClass, err := countBy(t, ColClass)
	if err != nil {
		return nil, err
	}
	return &Stats{ByYear: byYear, BySituation: bySit, ByClass: byClass}, nil
}

func countBy(t *table.Table, column string) (*table.Table, error) {
	if !t.Has(column) {
		return table.Empty(column, ColCount), nil
	}
	g, err := t.GroupBy([]string{column}, table.Count("", ColCount))
	if err != nil {
		return nil, err
	}
	return g.SortBy(table.Desc(ColCount), table.Asc(column))
}

// registrationYear parses the year of a YYYY-MM-DD date. Unparseable and
// non-positive years yield nil.
func registrationYear(date string) any {
	if len(date) < 4 {
		return nil
	}
	y, err := strconv.Atoi(date[:4])
	if err != nil || y <= 0 {
		return nil
	}
	return int64(y)
}

// Normalize decomposes s, strips combining marks and folds case so that
// "Ações" and "acoes" compare equal.
func Normalize(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.M)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return cases.Fold().String(out)
}

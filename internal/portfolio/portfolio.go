// Package portfolio derives fund portfolio composition from the monthly CDA
// reports: net worth, positions as a share of net worth and totals per
// asset type.
package portfolio

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fundscope/fundscope/internal/dataset"
	fserrors "github.com/fundscope/fundscope/internal/errors"
	"github.com/fundscope/fundscope/internal/manifest"
	"github.com/fundscope/fundscope/internal/observability"
	"github.com/fundscope/fundscope/internal/table"
)

// CDA columns.
const (
	ColID       = "CNPJ_FUNDO"
	ColClassID  = "CNPJ_FUNDO_CLASSE"
	ColDate     = "DT_COMPTC"
	ColNetWorth = "VL_PATRIM_LIQ"
	ColValue    = "VL_MERC_POS_FINAL"
	ColCategory = "TP_APLIC"

	// ColPercent is the derived share of net worth, in percent.
	ColPercent = "VL_PORCENTAGEM_PL"
)

// IDColumns are the fund id columns in order of preference. Reports from
// 2023 on carry the class id instead of the fund id.
var IDColumns = []string{ColID, ColClassID}

// percentPlaces is the rounding of ColPercent.
const percentPlaces = 3

// Options configures a Service.
type Options struct {
	// Pruner, when set, skips partitions whose bloom filter excludes the id.
	Pruner  *manifest.Pruner
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Service answers portfolio queries over the local CDA partitions.
type Service struct {
	desc    dataset.Descriptor
	dataDir string
	pruner  *manifest.Pruner
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a service for the CDA dataset d stored under dataDir.
func New(d dataset.Descriptor, dataDir string, opts Options) *Service {
	return &Service{
		desc:    d,
		dataDir: dataDir,
		pruner:  opts.Pruner,
		logger:  observability.Component(opts.Logger, "portfolio"),
		metrics: opts.Metrics,
	}
}

// Positions is the composition of one fund for one month.
type Positions struct {
	// Rows are the position rows with ColPercent added.
	Rows *table.Table
	// NetWorth is VL_PATRIM_LIQ, NaN when unknown.
	NetWorth float64
}

// TopByCategory sums value and percentage per asset type, largest value first.
func (p *Positions) TopByCategory() (*table.Table, error) {
	if p.Rows.Len() == 0 {
		return table.Empty(ColCategory, ColValue, ColPercent), nil
	}
	grouped, err := p.Rows.GroupBy([]string{ColCategory},
		table.Sum(ColValue, ColValue),
		table.Sum(ColPercent, ColPercent),
	)
	if err != nil {
		return nil, err
	}
	return grouped.SortBy(table.Desc(ColValue), table.Asc(ColCategory))
}

// AvailablePeriods lists the YYYY/MM periods with CDA files on disk, most
// recent first.
func (s *Service) AvailablePeriods() ([]string, error) {
	return dataset.AvailablePeriods(s.desc, s.dataDir)
}

// NetWorth returns the net worth row of fund id for the period. A period
// without a net worth file is NO_DATA; a fund absent from it is NOT_FOUND.
func (s *Service) NetWorth(ctx context.Context, id string, year, month int) (*table.Table, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fserrors.NewNotFound("empty fund id")
	}
	parts, err := s.partitions(year, month)
	if err != nil {
		return nil, err
	}
	var files []dataset.Partition
	for _, p := range parts {
		if isNetWorthFile(p.Name) {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return nil, fserrors.NewNoData("no net worth report for " + period(year, month))
	}

	t, err := s.collect(ctx, files, id)
	if err != nil {
		return nil, err
	}
	if t.Len() == 0 {
		return nil, fserrors.NewNotFound("fund " + id + " not in net worth report for " + period(year, month))
	}
	return t.Limit(1), nil
}

// Positions returns the positions of fund id for the period, each with its
// share of net worth. The share is NaN when the net worth is missing, zero
// or negative.
func (s *Service) Positions(ctx context.Context, id string, year, month int) (*Positions, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fserrors.NewNotFound("empty fund id")
	}
	parts, err := s.partitions(year, month)
	if err != nil {
		return nil, err
	}
	var files []dataset.Partition
	for _, p := range parts {
		if !isNetWorthFile(p.Name) {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return nil, fserrors.NewNoData("no portfolio reports for " + period(year, month))
	}

	netWorth := math.NaN()
	nw, err := s.NetWorth(ctx, id, year, month)
	switch {
	case err == nil:
		if v, ok := nw.Float(0, ColNetWorth); ok {
			netWorth = v
		}
	case fserrors.IsDataAbsence(err):
		s.logger.Warn("net worth unavailable", "id", id, "period", period(year, month), "error", err)
	default:
		return nil, err
	}

	rows, err := s.collect(ctx, files, id)
	if err != nil {
		return nil, err
	}
	if !rows.Has(ColValue) {
		rows = rows.WithColumn(ColValue, func(int) any { return nil })
	}
	if !rows.Has(ColCategory) {
		rows = rows.WithColumn(ColCategory, func(int) any { return nil })
	}
	base := rows
	rows = base.WithColumn(ColPercent, func(i int) any {
		v, ok := base.Float(i, ColValue)
		if !ok {
			return nil
		}
		return PercentOf(v, netWorth)
	})
	return &Positions{Rows: rows, NetWorth: netWorth}, nil
}

// PercentOf returns value / netWorth * 100 rounded to three places, or NaN
// when netWorth is not positive.
func PercentOf(value, netWorth float64) float64 {
	if math.IsNaN(netWorth) || netWorth <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return math.NaN()
	}
	pct, _ := decimal.NewFromFloat(value).
		Div(decimal.NewFromFloat(netWorth)).
		Mul(decimal.NewFromInt(100)).
		Round(percentPlaces).
		Float64()
	return pct
}

func (s *Service) partitions(year, month int) ([]dataset.Partition, error) {
	if month < 1 || month > 12 || year <= 0 {
		return nil, fserrors.NewValidationError(fserrors.CodeInvalidArgument, "invalid period "+period(year, month))
	}
	p := dataset.Period{Year: year, Month: month}
	start, end := p.Bounds()
	return dataset.Discover(s.desc, s.dataDir, start, end)
}

// collect filters every file by fund id on whichever id column it has, then
// unifies the per-file results.
func (s *Service) collect(ctx context.Context, files []dataset.Partition, id string) (*table.Table, error) {
	kept, pruned, err := s.pruner.PrunePartitions(ctx, s.desc.ID, files, id, IDColumns...)
	if err != nil {
		return nil, err
	}
	s.metrics.AddPartitions(s.desc.ID, len(kept), pruned)
	if pruned > 0 {
		s.logger.Debug("partitions pruned", "id", id, "kept", len(kept), "pruned", pruned)
	}

	sources := make([]table.Source, len(kept))
	for i, f := range kept {
		sources[i] = table.NewCSVPartition(f.Path)
	}
	return table.CollectMatching(ctx, sources, IDColumns, id)
}

// isNetWorthFile matches cda_fi_PL_YYYYMM.csv.
func isNetWorthFile(name string) bool {
	return strings.Contains(strings.ToUpper(filepath.Base(name)), "_PL_")
}

func period(year, month int) string {
	return dataset.Period{Year: year, Month: month}.String()
}

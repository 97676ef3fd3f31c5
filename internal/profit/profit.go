// Package profit computes fund return series from the daily quota reports.
package profit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fundscope/fundscope/internal/dataset"
	fserrors "github.com/fundscope/fundscope/internal/errors"
	"github.com/fundscope/fundscope/internal/manifest"
	"github.com/fundscope/fundscope/internal/observability"
	"github.com/fundscope/fundscope/internal/table"
)

// Daily report columns, and the derived return columns.
const (
	ColID      = "CNPJ_FUNDO"
	ColClassID = "CNPJ_FUNDO_CLASSE"
	ColDate    = "DT_COMPTC"
	ColQuota   = "VL_QUOTA"

	ColDailyReturn = "DAILY_RETURN"
	// ColCumulative is the cumulative return in percent.
	ColCumulative = "RENT_ACUM"
)

// DateLayout is the layout of DT_COMPTC.
const DateLayout = "2006-01-02"

var idColumns = []string{ColID, ColClassID}

// Options configures a Service.
type Options struct {
	Pruner  *manifest.Pruner
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Service answers return queries over the local daily report partitions.
type Service struct {
	desc    dataset.Descriptor
	dataDir string
	pruner  *manifest.Pruner
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a service for the daily report dataset d stored under dataDir.
func New(d dataset.Descriptor, dataDir string, opts Options) *Service {
	return &Service{
		desc:    d,
		dataDir: dataDir,
		pruner:  opts.Pruner,
		logger:  observability.Component(opts.Logger, "profit"),
		metrics: opts.Metrics,
	}
}

// Quotas returns the DT_COMPTC and VL_QUOTA series of fund id between start
// and end inclusive, sorted by date. Rows with an unparsable date or quota
// are dropped.
func (s *Service) Quotas(ctx context.Context, id string, start, end time.Time) (*table.Table, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fserrors.NewNotFound("empty fund id")
	}
	if end.Before(start) {
		return nil, fserrors.NewValidationError(fserrors.CodeInvalidArgument, "end date before start date")
	}

	parts, err := dataset.Discover(s.desc, s.dataDir, start, end)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fserrors.NewNoData("no daily reports between " + start.Format(DateLayout) + " and " + end.Format(DateLayout))
	}
	kept, pruned, err := s.pruner.PrunePartitions(ctx, s.desc.ID, parts, id, idColumns...)
	if err != nil {
		return nil, err
	}
	s.metrics.AddPartitions(s.desc.ID, len(kept), pruned)

	sources := make([]table.Source, len(kept))
	for i, p := range kept {
		sources[i] = table.NewCSVPartition(p.Path)
	}
	rows, err := table.CollectMatching(ctx, sources, idColumns, id)
	if err != nil {
		return nil, err
	}
	if !rows.Has(ColDate) || !rows.Has(ColQuota) {
		return table.Empty(ColID, ColDate, ColQuota), nil
	}

	lo, hi := start.Format(DateLayout), end.Format(DateLayout)
	inRange := rows.Filter(func(i int) bool {
		d := rows.String(i, ColDate)
		if _, err := time.Parse(DateLayout, d); err != nil {
			return false
		}
		if _, ok := rows.Float(i, ColQuota); !ok {
			return false
		}
		return d >= lo && d <= hi
	})
	sorted, err := inRange.SortBy(table.Asc(ColDate))
	if err != nil {
		return nil, err
	}

	out := make([]table.Row, sorted.Len())
	for i := range out {
		q, _ := sorted.Float(i, ColQuota)
		out[i] = table.Row{id, sorted.Value(i, ColDate), q}
	}
	return table.New([]string{ColID, ColDate, ColQuota}, out), nil
}

// CumulativeReturn returns the quota series of fund id with its daily and
// cumulative returns. A range without quotas is NO_DATA.
func (s *Service) CumulativeReturn(ctx context.Context, id string, start, end time.Time) (*table.Table, error) {
	quotas, err := s.Quotas(ctx, id, start, end)
	if err != nil {
		return nil, err
	}
	if quotas.Len() == 0 {
		return nil, fserrors.NewNoData("no quotas for " + strings.TrimSpace(id) + " in range")
	}

	values := make([]float64, quotas.Len())
	for i := range values {
		values[i], _ = quotas.Float(i, ColQuota)
	}
	daily, cumulative := Returns(values)

	withDaily := quotas.WithColumn(ColDailyReturn, func(i int) any { return daily[i] })
	result := withDaily.WithColumn(ColCumulative, func(i int) any { return cumulative[i] })
	s.logger.Debug("cumulative return computed", "id", id, "rows", result.Len(),
		"return", cumulative[len(cumulative)-1])
	return result, nil
}

// Returns computes the daily return cur/prev - 1 of each quota, 0 for the
// first quota and wherever the previous quota is not positive, and the
// cumulative return (prod(1 + r) - 1) * 100.
func Returns(quotas []float64) (daily, cumulative []float64) {
	daily = make([]float64, len(quotas))
	cumulative = make([]float64, len(quotas))
	product := 1.0
	for i, q := range quotas {
		if i > 0 && quotas[i-1] > 0 {
			daily[i] = q/quotas[i-1] - 1
		}
		product *= 1 + daily[i]
		cumulative[i] = (product - 1) * 100
	}
	return daily, cumulative
}

// Package indices reads the downloaded benchmark series (CDI and IBOVESPA)
// and derives their cumulative returns.
package indices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"

	"github.com/fundscope/fundscope/internal/dataset"
	fserrors "github.com/fundscope/fundscope/internal/errors"
	"github.com/fundscope/fundscope/internal/observability"
	"github.com/fundscope/fundscope/internal/table"
)

// Result columns.
const (
	ColDate = "DATE"
	// ColRate is the daily change in percent.
	ColRate  = "RATE"
	ColClose = "ADJ_CLOSE"
	// ColCumulative is the cumulative return in percent.
	ColCumulative = "RENT_ACUM"
)

// DateLayout is the layout of ColDate.
const DateLayout = "2006-01-02"

const bcbDateLayout = "02/01/2006"

// Yahoo chart paths. Adjusted close is preferred; close is used when the
// response has no adjusted series.
const (
	pathTimestamps = "$.chart.result[0].timestamp"
	pathAdjClose   = "$.chart.result[0].indicators.adjclose[0].adjclose"
	pathClose      = "$.chart.result[0].indicators.quote[0].close"
)

// productPlaces bounds the precision of the running CDI product.
const productPlaces = 16

var hundred = decimal.NewFromInt(100)

// Service reads the local index files.
type Service struct {
	cdiPath  string
	ibovPath string
	logger   *slog.Logger
}

// New creates a service for the cdi and ibov descriptors under dataDir.
func New(cdi, ibov dataset.Descriptor, dataDir string, logger *slog.Logger) *Service {
	return &Service{
		cdiPath:  filepath.Join(cdi.Dir(dataDir), cdi.FileName(cdi.URL)),
		ibovPath: filepath.Join(ibov.Dir(dataDir), ibov.FileName(ibov.URL)),
		logger:   observability.Component(logger, "indices"),
	}
}

// Point is one daily observation.
type Point struct {
	Date  time.Time
	Value decimal.Decimal
}

// CDI returns the daily CDI rate between start and end inclusive with its
// cumulative return (prod(1 + rate/100) - 1) * 100.
func (s *Service) CDI(ctx context.Context, start, end time.Time) (*table.Table, error) {
	points, err := readFile(ctx, s.cdiPath, "CDI", ParseCDI)
	if err != nil {
		return nil, err
	}
	points = between(points, start, end)
	if len(points) == 0 {
		return nil, fserrors.NewNoData("no CDI rates in range")
	}

	rows := make([]table.Row, len(points))
	product := decimal.NewFromInt(1)
	for i, p := range points {
		product = product.Mul(decimal.NewFromInt(1).Add(p.Value.Div(hundred))).Round(productPlaces)
		rate, _ := p.Value.Float64()
		cum, _ := product.Sub(decimal.NewFromInt(1)).Mul(hundred).Float64()
		rows[i] = table.Row{p.Date.Format(DateLayout), rate, cum}
	}
	return table.New([]string{ColDate, ColRate, ColCumulative}, rows), nil
}

// Ibovespa returns the daily adjusted close between start and end inclusive
// with the daily change and the cumulative return, both in percent.
func (s *Service) Ibovespa(ctx context.Context, start, end time.Time) (*table.Table, error) {
	points, err := readFile(ctx, s.ibovPath, "IBOVESPA", ParseChart)
	if err != nil {
		return nil, err
	}
	points = between(points, start, end)
	if len(points) == 0 {
		return nil, fserrors.NewNoData("no IBOVESPA quotes in range")
	}

	closes := make([]float64, len(points))
	for i, p := range points {
		closes[i], _ = p.Value.Float64()
	}
	daily, cumulative := ChangeSeries(closes)

	rows := make([]table.Row, len(points))
	for i, p := range points {
		rows[i] = table.Row{p.Date.Format(DateLayout), closes[i], daily[i], cumulative[i]}
	}
	return table.New([]string{ColDate, ColClose, ColRate, ColCumulative}, rows), nil
}

// ChangeSeries returns the daily change (cur - prev) / prev * 100, 0 for the
// first value, and the cumulative return compounded from it.
func ChangeSeries(values []float64) (daily, cumulative []float64) {
	daily = make([]float64, len(values))
	cumulative = make([]float64, len(values))
	acc := 1.0
	for i, v := range values {
		if i > 0 && values[i-1] != 0 {
			daily[i] = (v - values[i-1]) / values[i-1] * 100
		}
		acc *= 1 + daily[i]/100
		cumulative[i] = (acc - 1) * 100
	}
	return daily, cumulative
}

// ParseCDI parses the BCB SGS series format
// [{"data": "dd/mm/yyyy", "valor": "0.043739"}].
func ParseCDI(r io.Reader) ([]Point, error) {
	var raw []struct {
		Data  string          `json:"data"`
		Valor decimal.Decimal `json:"valor"`
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fserrors.NewFormatError(fserrors.CodeMalformedJSON, "parse CDI series", err)
	}
	points := make([]Point, 0, len(raw))
	for _, item := range raw {
		d, err := time.Parse(bcbDateLayout, item.Data)
		if err != nil {
			return nil, fserrors.NewFormatError(fserrors.CodeMalformedJSON,
				fmt.Sprintf("parse CDI date %q", item.Data), err)
		}
		points = append(points, Point{Date: d, Value: item.Valor})
	}
	return points, nil
}

// ParseChart parses a Yahoo finance chart response into daily closes.
// Days without a close are skipped.
func ParseChart(r io.Reader) ([]Point, error) {
	var doc any
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fserrors.NewFormatError(fserrors.CodeMalformedJSON, "parse chart", err)
	}
	stamps, err := jsonpath.Get(pathTimestamps, doc)
	if err != nil {
		return nil, fserrors.NewFormatError(fserrors.CodeMalformedJSON, "chart has no timestamps", err)
	}
	closes, err := jsonpath.Get(pathAdjClose, doc)
	if err != nil {
		closes, err = jsonpath.Get(pathClose, doc)
		if err != nil {
			return nil, fserrors.NewFormatError(fserrors.CodeMalformedJSON, "chart has no closes", err)
		}
	}
	ts, ok1 := stamps.([]any)
	cs, ok2 := closes.([]any)
	if !ok1 || !ok2 || len(ts) != len(cs) {
		return nil, fserrors.NewFormatError(fserrors.CodeMalformedJSON, "chart series are not aligned", nil)
	}

	points := make([]Point, 0, len(ts))
	for i := range ts {
		sec, ok := ts[i].(float64)
		if !ok {
			continue
		}
		c, ok := cs[i].(float64)
		if !ok {
			continue
		}
		points = append(points, Point{
			Date:  time.Unix(int64(sec), 0).UTC().Truncate(24 * time.Hour),
			Value: decimal.NewFromFloat(c),
		})
	}
	return points, nil
}

func readFile(ctx context.Context, path, name string, parse func(io.Reader) ([]Point, error)) ([]Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fserrors.NewNoData(name + " series not downloaded")
	}
	if err != nil {
		return nil, fserrors.NewStorageError(fserrors.CodeReadFailed, "open "+path, err)
	}
	defer f.Close()
	return parse(f)
}

// between keeps the points whose date falls within [start, end] by calendar
// day, sorted by date. Zero bounds are open.
func between(points []Point, start, end time.Time) []Point {
	lo, hi := "", "9999-12-31"
	if !start.IsZero() {
		lo = start.Format(DateLayout)
	}
	if !end.IsZero() {
		hi = end.Format(DateLayout)
	}
	var out []Point
	for _, p := range points {
		d := p.Date.Format(DateLayout)
		if d >= lo && d <= hi {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

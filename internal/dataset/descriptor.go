// Package dataset describes remote periodic datasets and locates their
// remote targets and local partitions.
package dataset

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Kind selects how a descriptor's URL template is expanded.
type Kind string

const (
	// KindSingle is one file that is replaced in place (e.g. the fund registry).
	KindSingle Kind = "single"
	// KindMonthly is one archive per calendar month, with {year} and {month}.
	KindMonthly Kind = "monthly"
	// KindIndex is a date range query, with {start_date}/{end_date} or
	// {period1}/{period2}.
	KindIndex Kind = "index"
)

// Well-known descriptor IDs.
const (
	Registry  = "cad"
	Informe   = "informe"
	Portfolio = "carteira"
	CDI       = "cdi"
	Ibovespa  = "ibov"
)

// Descriptor is the declarative description of one remote dataset.
type Descriptor struct {
	ID          string `json:"id" yaml:"id"`
	Group       string `json:"group" yaml:"group"`
	Description string `json:"description" yaml:"description"`
	Kind        Kind   `json:"kind" yaml:"kind"`

	// URL is the remote URL template.
	URL string `json:"url" yaml:"url"`

	// HistoricalURL is the yearly archive template tried when a monthly URL
	// cannot be fetched. Only used when Historical is set.
	HistoricalURL string `json:"historical_url" yaml:"historical_url"`
	Historical    bool   `json:"historical" yaml:"historical"`

	// Path is the dataset directory relative to the data dir.
	Path string `json:"path" yaml:"path"`

	// File overrides the local file name derived from the URL.
	File string `json:"file" yaml:"file"`

	// LookbackYears, when positive, bounds downloads to the last N years.
	LookbackYears int `json:"lookback_years" yaml:"lookback_years"`

	// StartDate is the default first date (YYYY-MM-DD) to download.
	StartDate string `json:"start_date" yaml:"start_date"`

	// FirstHistoricalYear is the first year published in the historical archive.
	FirstHistoricalYear int `json:"first_historical_year" yaml:"first_historical_year"`
}

// Validate checks that the descriptor can be expanded.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("dataset: id is required")
	}
	if d.URL == "" {
		return fmt.Errorf("dataset %s: url is required", d.ID)
	}
	if d.Path == "" {
		return fmt.Errorf("dataset %s: path is required", d.ID)
	}
	switch d.Kind {
	case KindSingle, KindIndex:
	case KindMonthly:
		if !strings.Contains(d.URL, "{year}") {
			return fmt.Errorf("dataset %s: monthly url must contain {year}", d.ID)
		}
		if d.Historical && d.HistoricalURL == "" {
			return fmt.Errorf("dataset %s: historical_url is required when historical is set", d.ID)
		}
	default:
		return fmt.Errorf("dataset %s: invalid kind %q (must be single, monthly or index)", d.ID, d.Kind)
	}
	if d.LookbackYears < 0 {
		return fmt.Errorf("dataset %s: lookback_years must not be negative", d.ID)
	}
	if _, err := d.Start(); err != nil {
		return err
	}
	return nil
}

// Start parses StartDate. The zero time is returned when it is unset.
func (d Descriptor) Start() (time.Time, error) {
	if d.StartDate == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", d.StartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("dataset %s: invalid start_date %q: %w", d.ID, d.StartDate, err)
	}
	return t, nil
}

// Dir returns the dataset directory under dataDir.
func (d Descriptor) Dir(dataDir string) string {
	return filepath.Join(dataDir, filepath.FromSlash(d.Path))
}

// FileName returns the local file name used for a target URL.
func (d Descriptor) FileName(rawURL string) string {
	if d.File != "" {
		return d.File
	}
	return FileNameFromURL(rawURL)
}

// FileNameFromURL returns the last path segment of rawURL, without query.
func FileNameFromURL(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		if base := path.Base(u.Path); base != "/" && base != "." {
			return base
		}
	}
	return "downloaded_file"
}

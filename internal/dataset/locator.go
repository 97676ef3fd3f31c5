package dataset

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// Period identifies the time unit a partition or target covers. Month is
// zero for yearly historical archives.
type Period struct {
	Year  int
	Month int
}

// String formats the period as YYYY/MM, or YYYY for yearly periods.
func (p Period) String() string {
	if p.Month == 0 {
		return fmt.Sprintf("%04d", p.Year)
	}
	return fmt.Sprintf("%04d/%02d", p.Year, p.Month)
}

// Key orders periods chronologically.
func (p Period) Key() int {
	return p.Year*100 + p.Month
}

// Bounds returns the first and last day of a monthly period.
func (p Period) Bounds() (time.Time, time.Time) {
	first := time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
	return first, first.AddDate(0, 1, -1)
}

// ParsePeriod parses "YYYY" and "MM" strings into a monthly period.
func ParsePeriod(year, month string) (Period, error) {
	y, err := strconv.Atoi(strings.TrimSpace(year))
	if err != nil || y <= 0 {
		return Period{}, fmt.Errorf("invalid year %q", year)
	}
	m, err := strconv.Atoi(strings.TrimSpace(month))
	if err != nil {
		return Period{}, fmt.Errorf("invalid month %q", month)
	}
	if m < 1 || m > 12 {
		return Period{}, fmt.Errorf("month must be between 1 and 12, got %d", m)
	}
	return Period{Year: y, Month: m}, nil
}

// Target is one concrete remote resource to fetch.
type Target struct {
	DatasetID string
	URL       string
	// Dir is the destination directory, relative to the data dir.
	Dir string
	// File is the local file name for non-archive content.
	File   string
	Period Period

	// FallbackURL and FallbackDir locate the historical archive covering
	// Period. Empty when the dataset has no historical archive.
	FallbackURL string
	FallbackDir string
}

// Locator expands descriptors into targets relative to the current date.
type Locator struct {
	Now func() time.Time
}

// NewLocator creates a locator using the wall clock.
func NewLocator() *Locator {
	return &Locator{Now: time.Now}
}

func (l *Locator) now() time.Time {
	if l == nil || l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

// Targets returns the fetch targets of d for the closed date range.
func (l *Locator) Targets(d Descriptor, start, end time.Time) []Target {
	switch d.Kind {
	case KindMonthly:
		return l.Expand(d, start, end)
	case KindIndex:
		start, end = l.indexRange(d, start, end)
		u := l.RangeURL(d, start, end)
		return []Target{{DatasetID: d.ID, URL: u, Dir: d.Path, File: d.FileName(u)}}
	default:
		return []Target{{DatasetID: d.ID, URL: d.URL, Dir: d.Path, File: d.FileName(d.URL)}}
	}
}

// EffectiveStart returns the first month Expand will produce for start.
// A positive LookbackYears replaces the caller's start with January of
// now.Year()-LookbackYears.
func (l *Locator) EffectiveStart(d Descriptor, start time.Time) time.Time {
	now := l.now()
	if d.LookbackYears > 0 {
		return time.Date(now.Year()-d.LookbackYears, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if start.IsZero() {
		if s, err := d.Start(); err == nil && !s.IsZero() {
			start = s
		} else {
			start = time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		}
	}
	return monthStart(start)
}

// Expand produces one target per calendar month between start and end,
// inclusive. The end is capped at the current month. Duplicate URLs are
// dropped, keeping the first occurrence.
func (l *Locator) Expand(d Descriptor, start, end time.Time) []Target {
	now := l.now()
	from := l.EffectiveStart(d, start)
	to := end
	if to.IsZero() || to.After(now) {
		to = now
	}
	to = monthStart(to)

	var targets []Target
	seen := make(map[string]bool)
	for cur := from; !cur.After(to); cur = cur.AddDate(0, 1, 0) {
		p := Period{Year: cur.Year(), Month: int(cur.Month())}
		u := substitute(d.URL, p)
		if seen[u] {
			continue
		}
		seen[u] = true

		t := Target{
			DatasetID: d.ID,
			URL:       u,
			Dir:       path.Join(d.Path, fmt.Sprintf("%04d", p.Year), fmt.Sprintf("%02d", p.Month)),
			File:      d.FileName(u),
			Period:    p,
		}
		if d.Historical && d.HistoricalURL != "" {
			t.FallbackURL = substitute(d.HistoricalURL, Period{Year: p.Year})
			t.FallbackDir = path.Join(d.Path, "hist", fmt.Sprintf("%04d", p.Year))
		}
		targets = append(targets, t)
	}
	return targets
}

// HistoricalTargets returns one yearly archive target per year from fromYear
// up to the year before the current one.
func (l *Locator) HistoricalTargets(d Descriptor, fromYear int) []Target {
	if !d.Historical || d.HistoricalURL == "" {
		return nil
	}
	if fromYear <= 0 {
		fromYear = d.FirstHistoricalYear
	}
	now := l.now()
	if d.LookbackYears > 0 && fromYear < now.Year()-d.LookbackYears {
		fromYear = now.Year() - d.LookbackYears
	}

	var targets []Target
	for year := fromYear; year < now.Year(); year++ {
		p := Period{Year: year}
		u := substitute(d.HistoricalURL, p)
		targets = append(targets, Target{
			DatasetID: d.ID,
			URL:       u,
			Dir:       path.Join(d.Path, "hist", fmt.Sprintf("%04d", year)),
			File:      d.FileName(u),
			Period:    p,
		})
	}
	return targets
}

// RangeURL substitutes a date range into an index URL template.
// {start_date}/{end_date} are formatted dd/mm/yyyy; {period1}/{period2} are
// unix seconds at the start and end of the range.
func (l *Locator) RangeURL(d Descriptor, start, end time.Time) string {
	endOfDay := time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, time.UTC)
	r := strings.NewReplacer(
		"{start_date}", start.Format("02/01/2006"),
		"{end_date}", end.Format("02/01/2006"),
		"{period1}", strconv.FormatInt(dayStart(start).Unix(), 10),
		"{period2}", strconv.FormatInt(endOfDay.Unix(), 10),
	)
	return r.Replace(d.URL)
}

func (l *Locator) indexRange(d Descriptor, start, end time.Time) (time.Time, time.Time) {
	now := l.now()
	if start.IsZero() {
		if s, err := d.Start(); err == nil && !s.IsZero() {
			start = s
		} else {
			start = now.AddDate(-1, 0, 0)
		}
	}
	if d.LookbackYears > 0 {
		limit := time.Date(now.Year()-d.LookbackYears, 1, 1, 0, 0, 0, 0, time.UTC)
		if start.Before(limit) {
			start = limit
		}
	}
	if end.IsZero() || end.After(now) {
		end = now
	}
	return dayStart(start), dayStart(end)
}

func substitute(template string, p Period) string {
	r := strings.NewReplacer(
		"{year}", fmt.Sprintf("%04d", p.Year),
		"{month}", fmt.Sprintf("%02d", p.Month),
	)
	return r.Replace(template)
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

package dataset

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

var periodPattern = regexp.MustCompile(`_(\d{4})(\d{2})\.csv$`)

// Partition is one period-stamped CSV file found on disk.
type Partition struct {
	Path   string
	Name   string
	Period Period
}

// PeriodFromName parses the _YYYYMM suffix of a partition file name.
func PeriodFromName(name string) (Period, bool) {
	m := periodPattern.FindStringSubmatch(strings.ToLower(filepath.Base(name)))
	if m == nil {
		return Period{}, false
	}
	p, err := ParsePeriod(m[1], m[2])
	if err != nil {
		return Period{}, false
	}
	return p, true
}

// Partitions walks root and returns every file whose base name matches glob,
// sorted by path. Hidden directories, such as in-progress download staging
// areas, are skipped. A missing root yields no partitions.
func Partitions(root, glob string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if de.IsDir() {
			if p != root && strings.HasPrefix(de.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		ok, err := filepath.Match(glob, de.Name())
		if err != nil {
			return err
		}
		if ok {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Discover returns the CSV partitions of d whose period falls within
// [start, end] at month granularity. Zero bounds are open. When the same file
// name exists both in a monthly directory and in a historical archive the
// monthly copy wins.
func Discover(d Descriptor, dataDir string, start, end time.Time) ([]Partition, error) {
	root := d.Dir(dataDir)
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	paths, err := Partitions(root, "*.[cC][sS][vV]")
	if err != nil {
		return nil, err
	}

	lo, hi := 0, 999999
	if !start.IsZero() {
		lo = start.Year()*100 + int(start.Month())
	}
	if !end.IsZero() {
		hi = end.Year()*100 + int(end.Month())
	}

	byName := make(map[string]Partition)
	for _, p := range paths {
		period, ok := PeriodFromName(p)
		if !ok || period.Key() < lo || period.Key() > hi {
			continue
		}
		name := filepath.Base(p)
		prev, seen := byName[name]
		if seen && !isHistorical(root, prev.Path) {
			continue
		}
		if seen && isHistorical(root, p) {
			continue
		}
		byName[name] = Partition{Path: p, Name: name, Period: period}
	}

	parts := make([]Partition, 0, len(byName))
	for _, p := range byName {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].Period.Key() != parts[j].Period.Key() {
			return parts[i].Period.Key() < parts[j].Period.Key()
		}
		return parts[i].Name < parts[j].Name
	})
	return parts, nil
}

// AvailablePeriods lists the distinct YYYY/MM periods present on disk for d,
// most recent first.
func AvailablePeriods(d Descriptor, dataDir string) ([]string, error) {
	parts, err := Discover(d, dataDir, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool)
	var periods []Period
	for _, p := range parts {
		if seen[p.Period.Key()] {
			continue
		}
		seen[p.Period.Key()] = true
		periods = append(periods, p.Period)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Key() > periods[j].Key() })

	out := make([]string, len(periods))
	for i, p := range periods {
		out[i] = p.String()
	}
	return out, nil
}

func isHistorical(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	return first == "hist"
}

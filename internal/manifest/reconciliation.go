package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// ReconciliationReport lists catalog entries that no longer match the disk.
type ReconciliationReport struct {
	// Dangling are records whose file is gone. They have been removed.
	Dangling []string
	// Stale are records whose file changed since indexing. They are kept and
	// rebuilt on next use.
	Stale []string
	// Total is the number of records checked.
	Total int
	RunAt time.Time
}

// HasIssues reports whether any dangling or stale record was found.
func (r *ReconciliationReport) HasIssues() bool {
	return len(r.Dangling) > 0 || len(r.Stale) > 0
}

// Reconcile checks every partition record against its file and removes
// the records of deleted files.
func (c *Catalog) Reconcile(ctx context.Context) (*ReconciliationReport, error) {
	report := &ReconciliationReport{RunAt: time.Now()}

	recs, err := c.Partitions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("reconciliation: list partitions: %w", err)
	}
	report.Total = len(recs)

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(rec.Path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			report.Dangling = append(report.Dangling, rec.Path)
		case err != nil:
			return nil, fmt.Errorf("reconciliation: stat %s: %w", rec.Path, err)
		case !rec.Fresh(info.ModTime(), info.Size()):
			report.Stale = append(report.Stale, rec.Path)
		}
	}

	if err := c.DeletePartitions(ctx, report.Dangling...); err != nil {
		return nil, err
	}
	if report.HasIssues() {
		c.logger.Info("manifest reconciled", "dangling", len(report.Dangling), "stale", len(report.Stale))
	}
	return report, nil
}

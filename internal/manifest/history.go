package manifest

import (
	"context"
	"time"

	"github.com/fundscope/fundscope/internal/download"
	fserrors "github.com/fundscope/fundscope/internal/errors"
)

// RecordDownload stores a finished download task. It satisfies
// download.History.
func (c *Catalog) RecordDownload(ctx context.Context, rec download.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO downloads
			(id, dataset, url, status, message, bytes, files, used_fallback, not_modified, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Dataset, rec.URL, rec.Status, rec.Message, rec.Bytes, rec.Files,
		boolInt(rec.UsedFallback), boolInt(rec.NotModified),
		rec.Started.UnixNano(), rec.Finished.UnixNano())
	if err != nil {
		return fserrors.NewStorageError(fserrors.CodeWriteFailed, "manifest: record download "+rec.URL, err)
	}
	return nil
}

// RecentDownloads returns up to limit downloads, newest first. An empty
// dataset matches every dataset.
func (c *Catalog) RecentDownloads(ctx context.Context, dataset string, limit int) ([]download.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, dataset, url, status, message, bytes, files, used_fallback, not_modified, started_at, finished_at
		FROM downloads`
	var args []any
	if dataset != "" {
		query += ` WHERE dataset = ?`
		args = append(args, dataset)
	}
	query += ` ORDER BY finished_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fserrors.NewStorageError(fserrors.CodeReadFailed, "manifest: list downloads", err)
	}
	defer rows.Close()

	var out []download.Record
	for rows.Next() {
		var rec download.Record
		var fallback, notModified int
		var started, finished int64
		if err := rows.Scan(&rec.ID, &rec.Dataset, &rec.URL, &rec.Status, &rec.Message, &rec.Bytes,
			&rec.Files, &fallback, &notModified, &started, &finished); err != nil {
			return nil, fserrors.NewStorageError(fserrors.CodeReadFailed, "manifest: scan download", err)
		}
		rec.UsedFallback = fallback != 0
		rec.NotModified = notModified != 0
		rec.Started = time.Unix(0, started)
		rec.Finished = time.Unix(0, finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneDownloads deletes downloads finished before cutoff and returns how
// many were removed.
func (c *Catalog) PruneDownloads(ctx context.Context, cutoff time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx, `DELETE FROM downloads WHERE finished_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fserrors.NewStorageError(fserrors.CodeWriteFailed, "manifest: prune downloads", err)
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

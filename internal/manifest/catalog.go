package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	fserrors "github.com/fundscope/fundscope/internal/errors"
	_ "github.com/mattn/go-sqlite3"
)

// PartitionRecord is the catalog entry of one local partition file.
type PartitionRecord struct {
	Path      string
	Dataset   string
	Period    string
	ModTime   time.Time
	SizeBytes int64
	RowCount  int64
	IDColumn  string
	Bloom     []byte // bloom.Filter.Marshal output over IDColumn
	IndexedAt time.Time
}

// Fresh reports whether the record still describes a file with the given
// modification time and size.
func (r *PartitionRecord) Fresh(modTime time.Time, size int64) bool {
	return r.ModTime.Equal(modTime) && r.SizeBytes == size
}

// Catalog is the SQLite-backed manifest.
type Catalog struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	mu     sync.Mutex // serializes writes
}

// Open opens or creates the catalog at path.
func Open(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Catalog{db: db, path: path, logger: logger.With("component", "manifest")}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: initialize schema: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (c *Catalog) Path() string {
	return c.path
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// PutPartition inserts or replaces the record for rec.Path.
func (c *Catalog) PutPartition(ctx context.Context, rec *PartitionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	indexedAt := rec.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO partitions (path, dataset, period, mod_time, size_bytes, row_count, id_column, bloom_data, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			dataset = excluded.dataset,
			period = excluded.period,
			mod_time = excluded.mod_time,
			size_bytes = excluded.size_bytes,
			row_count = excluded.row_count,
			id_column = excluded.id_column,
			bloom_data = excluded.bloom_data,
			indexed_at = excluded.indexed_at`,
		rec.Path, rec.Dataset, rec.Period, rec.ModTime.UnixNano(), rec.SizeBytes,
		rec.RowCount, rec.IDColumn, rec.Bloom, indexedAt.UnixNano())
	if err != nil {
		return fserrors.NewStorageError(fserrors.CodeWriteFailed, "manifest: put partition "+rec.Path, err)
	}
	return nil
}

// GetPartition returns the record for path, or nil when there is none.
func (c *Catalog) GetPartition(ctx context.Context, path string) (*PartitionRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT path, dataset, period, mod_time, size_bytes, row_count, id_column, bloom_data, indexed_at
		FROM partitions WHERE path = ?`, path)
	rec, err := scanPartition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fserrors.NewStorageError(fserrors.CodeReadFailed, "manifest: get partition "+path, err)
	}
	return rec, nil
}

// Partitions lists the records of a dataset, or of every dataset when
// dataset is empty, ordered by period then path.
func (c *Catalog) Partitions(ctx context.Context, dataset string) ([]*PartitionRecord, error) {
	query := `SELECT path, dataset, period, mod_time, size_bytes, row_count, id_column, bloom_data, indexed_at
		FROM partitions`
	var args []any
	if dataset != "" {
		query += ` WHERE dataset = ?`
		args = append(args, dataset)
	}
	query += ` ORDER BY period, path`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fserrors.NewStorageError(fserrors.CodeReadFailed, "manifest: list partitions", err)
	}
	defer rows.Close()

	var out []*PartitionRecord
	for rows.Next() {
		rec, err := scanPartition(rows)
		if err != nil {
			return nil, fserrors.NewStorageError(fserrors.CodeReadFailed, "manifest: scan partition", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeletePartitions removes the records of paths.
func (c *Catalog) DeletePartitions(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fserrors.NewStorageError(fserrors.CodeWriteFailed, "manifest: begin delete", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM partitions WHERE path = ?`)
	if err != nil {
		return fserrors.NewStorageError(fserrors.CodeWriteFailed, "manifest: prepare delete", err)
	}
	defer stmt.Close()
	for _, p := range paths {
		if _, err := stmt.ExecContext(ctx, p); err != nil {
			return fserrors.NewStorageError(fserrors.CodeWriteFailed, "manifest: delete partition "+p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fserrors.NewStorageError(fserrors.CodeWriteFailed, "manifest: commit delete", err)
	}
	return nil
}

// PartitionCount returns the number of partition records.
func (c *Catalog) PartitionCount(ctx context.Context) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM partitions`).Scan(&n); err != nil {
		return 0, fserrors.NewStorageError(fserrors.CodeReadFailed, "manifest: count partitions", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPartition(s rowScanner) (*PartitionRecord, error) {
	var rec PartitionRecord
	var modTime, indexedAt int64
	err := s.Scan(&rec.Path, &rec.Dataset, &rec.Period, &modTime, &rec.SizeBytes,
		&rec.RowCount, &rec.IDColumn, &rec.Bloom, &indexedAt)
	if err != nil {
		return nil, err
	}
	rec.ModTime = time.Unix(0, modTime)
	rec.IndexedAt = time.Unix(0, indexedAt)
	return &rec, nil
}

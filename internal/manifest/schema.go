// Package manifest keeps a SQLite catalog (manifest.db) of local dataset
// partitions and of finished downloads.
package manifest

// CreatePartitionsTableSQL creates the partitions table. A row is valid for
// the file only while mod_time and size_bytes still match it.
const CreatePartitionsTableSQL = `
CREATE TABLE IF NOT EXISTS partitions (
    path TEXT PRIMARY KEY,
    dataset TEXT NOT NULL,
    period TEXT NOT NULL DEFAULT '',
    mod_time INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL,
    row_count INTEGER NOT NULL,
    id_column TEXT NOT NULL DEFAULT '',
    bloom_data BLOB,
    indexed_at INTEGER NOT NULL
)`

// CreateDownloadsTableSQL creates the download history table.
const CreateDownloadsTableSQL = `
CREATE TABLE IF NOT EXISTS downloads (
    id TEXT PRIMARY KEY,
    dataset TEXT NOT NULL,
    url TEXT NOT NULL,
    status TEXT NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    bytes INTEGER NOT NULL DEFAULT 0,
    files INTEGER NOT NULL DEFAULT 0,
    used_fallback INTEGER NOT NULL DEFAULT 0,
    not_modified INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
)`

var createIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_partitions_dataset ON partitions(dataset, period)`,
	`CREATE INDEX IF NOT EXISTS idx_downloads_finished ON downloads(finished_at)`,
	`CREATE INDEX IF NOT EXISTS idx_downloads_dataset ON downloads(dataset, finished_at)`,
}

// AllSchemaSQL returns the statements that initialize manifest.db.
func AllSchemaSQL() []string {
	return append([]string{CreatePartitionsTableSQL, CreateDownloadsTableSQL}, createIndexesSQL...)
}

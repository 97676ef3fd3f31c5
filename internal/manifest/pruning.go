package manifest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fundscope/fundscope/internal/bloom"
	"github.com/fundscope/fundscope/internal/dataset"
	"github.com/fundscope/fundscope/internal/table"
)

// PartitionFile names a local partition to index.
type PartitionFile struct {
	Path    string
	Dataset string
	Period  string
}

// Pruner skips partitions whose bloom filter rules out a fund id. Filters
// are built on first use and rebuilt when the file changes.
type Pruner struct {
	catalog *Catalog
	fpr     float64
}

// NewPruner creates a pruner over catalog.
func NewPruner(catalog *Catalog) *Pruner {
	return &Pruner{catalog: catalog, fpr: bloom.DefaultFPR}
}

// Index returns a fresh record for f, building it from the file when the
// catalog has none or the file changed. idColumns are tried in order; the
// first one present in the header is indexed.
func (p *Pruner) Index(ctx context.Context, f PartitionFile, idColumns ...string) (*PartitionRecord, error) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return nil, fmt.Errorf("manifest: stat %s: %w", f.Path, err)
	}

	rec, err := p.catalog.GetPartition(ctx, f.Path)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.Fresh(info.ModTime(), info.Size()) {
		return rec, nil
	}

	src := table.NewCSVPartition(f.Path)
	cols, err := src.Columns(ctx)
	if err != nil {
		return nil, err
	}
	idx, idCol := firstColumn(cols, idColumns)

	var ids []string
	var rows int64
	err = src.Scan(ctx, func(r table.Row) error {
		rows++
		if idx >= 0 {
			if s, ok := r[idx].(string); ok {
				ids = append(ids, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec = &PartitionRecord{
		Path:      f.Path,
		Dataset:   f.Dataset,
		Period:    f.Period,
		ModTime:   info.ModTime(),
		SizeBytes: info.Size(),
		RowCount:  rows,
		IDColumn:  idCol,
		IndexedAt: time.Now(),
	}
	if idCol != "" {
		rec.Bloom = bloom.FromValues(ids, p.fpr).Marshal()
	}
	if err := p.catalog.PutPartition(ctx, rec); err != nil {
		return nil, err
	}
	p.catalog.logger.Debug("partition indexed", "path", f.Path, "rows", rows, "id_column", idCol)
	return rec, nil
}

// Prune returns the files that may contain id and the number skipped.
// A file without an indexed id column, or whose filter cannot be decoded,
// is always kept.
func (p *Pruner) Prune(ctx context.Context, files []PartitionFile, id string, idColumns ...string) ([]PartitionFile, int, error) {
	var keep []PartitionFile
	pruned := 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		rec, err := p.Index(ctx, f, idColumns...)
		if err != nil {
			return nil, 0, err
		}
		if len(rec.Bloom) == 0 {
			keep = append(keep, f)
			continue
		}
		filter, err := bloom.Unmarshal(rec.Bloom)
		if err != nil {
			p.catalog.logger.Warn("discarding corrupt bloom filter", "path", f.Path, "error", err)
			keep = append(keep, f)
			continue
		}
		if filter.Contains(id) {
			keep = append(keep, f)
		} else {
			pruned++
		}
	}
	return keep, pruned, nil
}

func firstColumn(cols, candidates []string) (int, string) {
	for _, want := range candidates {
		for i, c := range cols {
			if c == want {
				return i, want
			}
		}
	}
	return -1, ""
}

// PrunePartitions is Prune over discovered dataset partitions. A nil
// pruner keeps every partition.
func (p *Pruner) PrunePartitions(ctx context.Context, datasetID string, parts []dataset.Partition, id string, idColumns ...string) ([]dataset.Partition, int, error) {
	if p == nil {
		return parts, 0, nil
	}
	byPath := make(map[string]dataset.Partition, len(parts))
	files := make([]PartitionFile, len(parts))
	for i, part := range parts {
		byPath[part.Path] = part
		files[i] = PartitionFile{Path: part.Path, Dataset: datasetID, Period: part.Period.String()}
	}
	kept, pruned, err := p.Prune(ctx, files, id, idColumns...)
	if err != nil {
		return nil, 0, err
	}
	out := make([]dataset.Partition, len(kept))
	for i, k := range kept {
		out[i] = byPath[k.Path]
	}
	return out, pruned, nil
}

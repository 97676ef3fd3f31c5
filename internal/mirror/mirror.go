// Package mirror copies the local dataset store to object storage and back,
// zstd-compressing every file. A JSON index of checksums kept next to the
// objects lets both directions skip files that did not change.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	fserrors "github.com/fundscope/fundscope/internal/errors"
	"github.com/fundscope/fundscope/internal/observability"
	"github.com/fundscope/fundscope/internal/storage"
	"github.com/fundscope/fundscope/internal/textio"
	"github.com/klauspost/compress/zstd"
)

// IndexKey is the object name of the checksum index under the prefix.
const IndexKey = "mirror.json"

const objectSuffix = ".zst"

// Entry describes one mirrored file.
type Entry struct {
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Index maps slash-separated paths relative to the data dir to entries.
type Index map[string]Entry

// Options configures a Mirror.
type Options struct {
	Prefix      string
	Concurrency int
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Report summarizes a push or pull.
type Report struct {
	Transferred []string
	Skipped     int
	Failed      map[string]error
}

// Mirror syncs a data dir with a store.
type Mirror struct {
	store   storage.ObjectStorage
	dataDir string
	prefix  string
	batch   *storage.Batch
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a mirror of dataDir in store.
func New(store storage.ObjectStorage, dataDir string, opts Options) *Mirror {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		store:   store,
		dataDir: dataDir,
		prefix:  strings.Trim(opts.Prefix, "/"),
		batch:   storage.NewBatch(opts.Concurrency),
		logger:  logger.With("component", "mirror"),
		metrics: opts.Metrics,
	}
}

// Push uploads every local file whose checksum differs from the remote
// index, then uploads the new index. Files that failed keep their old
// index entry.
func (m *Mirror) Push(ctx context.Context) (*Report, error) {
	remote, err := m.remoteIndex(ctx)
	if err != nil {
		return nil, err
	}
	local, err := m.LocalIndex()
	if err != nil {
		return nil, err
	}

	report := &Report{Failed: make(map[string]error)}
	var jobs []storage.Job
	for _, rel := range sortedKeys(local) {
		if old, ok := remote[rel]; ok && old == local[rel] {
			report.Skipped++
			continue
		}
		jobs = append(jobs, storage.Job{Key: m.objectKey(rel), LocalPath: m.localPath(rel)})
	}

	res := m.batch.Run(ctx, jobs, m.upload)
	next := make(Index, len(local))
	for rel, e := range remote {
		if _, ok := local[rel]; ok {
			next[rel] = e
		}
	}
	for _, j := range res.Done {
		rel := m.relFromKey(j.Key)
		next[rel] = local[rel]
		report.Transferred = append(report.Transferred, rel)
		m.metrics.IncMirror("push")
	}
	for key, err := range res.Errors {
		report.Failed[m.relFromKey(key)] = err
	}
	sort.Strings(report.Transferred)

	if err := m.putIndex(ctx, next); err != nil {
		return report, err
	}
	m.logger.Info("mirror push finished",
		"uploaded", len(report.Transferred), "skipped", report.Skipped, "failed", len(report.Failed))
	return report, nil
}

// Pull downloads every remote file missing locally or whose checksum
// differs from the local copy.
func (m *Mirror) Pull(ctx context.Context) (*Report, error) {
	remote, err := m.remoteIndex(ctx)
	if err != nil {
		return nil, err
	}
	if len(remote) == 0 {
		return nil, fserrors.NewNoData("mirror is empty")
	}
	local, err := m.LocalIndex()
	if err != nil {
		return nil, err
	}

	report := &Report{Failed: make(map[string]error)}
	var jobs []storage.Job
	for _, rel := range sortedKeys(remote) {
		if cur, ok := local[rel]; ok && cur == remote[rel] {
			report.Skipped++
			continue
		}
		jobs = append(jobs, storage.Job{Key: m.objectKey(rel), LocalPath: m.localPath(rel)})
	}

	res := m.batch.Run(ctx, jobs, func(ctx context.Context, j storage.Job) error {
		return m.download(ctx, j, remote[m.relFromKey(j.Key)])
	})
	for _, j := range res.Done {
		report.Transferred = append(report.Transferred, m.relFromKey(j.Key))
		m.metrics.IncMirror("pull")
	}
	for key, err := range res.Errors {
		report.Failed[m.relFromKey(key)] = err
	}
	sort.Strings(report.Transferred)

	m.logger.Info("mirror pull finished",
		"downloaded", len(report.Transferred), "skipped", report.Skipped, "failed", len(report.Failed))
	return report, nil
}

// LocalIndex checksums every mirrored file of the data dir.
func (m *Mirror) LocalIndex() (Index, error) {
	idx := make(Index)
	err := filepath.WalkDir(m.dataDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == m.dataDir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if p != m.dataDir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if excluded(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(m.dataDir, p)
		if err != nil {
			return err
		}
		e, err := checksum(p)
		if err != nil {
			return err
		}
		idx[filepath.ToSlash(rel)] = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mirror: index %s: %w", m.dataDir, err)
	}
	return idx, nil
}

func (m *Mirror) upload(ctx context.Context, j storage.Job) error {
	src, err := os.Open(j.LocalPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "fundscope-mirror-*.zst")
	if err != nil {
		return fmt.Errorf("mirror: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("mirror: create zstd encoder: %w", err)
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		return fmt.Errorf("mirror: compress %s: %w", j.LocalPath, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("mirror: compress %s: %w", j.LocalPath, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return m.store.Upload(ctx, tmp.Name(), j.Key)
}

func (m *Mirror) download(ctx context.Context, j storage.Job, want Entry) error {
	tmp, err := os.CreateTemp("", "fundscope-mirror-*.zst")
	if err != nil {
		return fmt.Errorf("mirror: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := m.store.Download(ctx, j.Key, tmpPath); err != nil {
		return err
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("mirror: open %s: %w", j.Key, err)
	}
	defer dec.Close()

	staged := filepath.Join(filepath.Dir(j.LocalPath), "."+filepath.Base(j.LocalPath)+".pull")
	h := sha256.New()
	if _, err := textio.WriteFileAtomic(staged, io.TeeReader(dec, h)); err != nil {
		return fmt.Errorf("mirror: decompress %s: %w", j.Key, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); want.SHA256 != "" && got != want.SHA256 {
		os.Remove(staged)
		return fserrors.NewFormatError(fserrors.CodeCorruptArchive,
			fmt.Sprintf("mirror: checksum mismatch for %s", j.Key), nil)
	}
	if err := os.Rename(staged, j.LocalPath); err != nil {
		os.Remove(staged)
		return fmt.Errorf("mirror: install %s: %w", j.LocalPath, err)
	}
	return nil
}

func (m *Mirror) remoteIndex(ctx context.Context) (Index, error) {
	tmp, err := os.CreateTemp("", "fundscope-mirror-index-*.json")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	err = m.store.Download(ctx, m.key(IndexKey), tmpPath)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return Index{}, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fserrors.NewFormatError(fserrors.CodeMalformedJSON, "mirror: remote index", err)
	}
	if idx == nil {
		idx = Index{}
	}
	return idx, nil
}

func (m *Mirror) putIndex(ctx context.Context, idx Index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp("", "fundscope-mirror-index-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return m.store.Upload(ctx, tmp.Name(), m.key(IndexKey))
}

func (m *Mirror) key(name string) string {
	if m.prefix == "" {
		return name
	}
	return m.prefix + "/" + name
}

func (m *Mirror) objectKey(rel string) string {
	return m.key(rel + objectSuffix)
}

func (m *Mirror) relFromKey(key string) string {
	rel := strings.TrimSuffix(key, objectSuffix)
	if m.prefix != "" {
		rel = strings.TrimPrefix(rel, m.prefix+"/")
	}
	return rel
}

func (m *Mirror) localPath(rel string) string {
	return filepath.Join(m.dataDir, filepath.FromSlash(path.Clean("/" + rel)[1:]))
}

// excluded reports files that are never mirrored: hidden temp files and
// the SQLite manifest, which is rebuilt locally.
func excluded(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "manifest.db")
}

func checksum(p string) (Entry, error) {
	f, err := os.Open(p)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func sortedKeys(idx Index) []string {
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package fetchcache persists HTTP validator headers per URL so unchanged
// remote datasets are not downloaded twice.
package fetchcache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

// Entry holds the validators and resolved local path of one URL.
type Entry struct {
	LastModified string `json:"Last-Modified,omitempty"`
	ETag         string `json:"ETag,omitempty"`
	Path         string `json:"Path"`
}

// Cache is a JSON-backed index of Entry values keyed by URL.
// The whole index is rewritten after every change.
type Cache struct {
	path    string
	logger  *slog.Logger
	mu      sync.Mutex
	entries map[string]Entry
}

// Open loads the index at path. A missing file yields an empty cache; a
// corrupt file is logged and also yields an empty cache.
func Open(path string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		path:    path,
		logger:  logger.With("component", "fetchcache"),
		entries: make(map[string]Entry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("fetchcache: read index: %w", err)
	}
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		c.logger.Warn("discarding corrupt cache index", "path", path, "error", err)
		c.entries = make(map[string]Entry)
	}
	return c, nil
}

// Validators returns the conditional request headers for url. Headers are
// only produced when the previously written file still exists; otherwise the
// server would answer 304 for content we no longer have.
func (c *Cache) Validators(url string) http.Header {
	c.mu.Lock()
	e, ok := c.entries[url]
	c.mu.Unlock()

	h := make(http.Header)
	if !ok {
		return h
	}
	if _, err := os.Stat(e.Path); err != nil {
		return h
	}
	if e.LastModified != "" {
		h.Set("If-Modified-Since", e.LastModified)
	}
	if e.ETag != "" {
		h.Set("If-None-Match", e.ETag)
	}
	return h
}

// Record stores the validators from a successful response for url, replacing
// any previous entry, and flushes the index. Recording an identical entry
// leaves the index untouched.
func (c *Cache) Record(url, path string, h http.Header) error {
	e := Entry{
		LastModified: h.Get("Last-Modified"),
		ETag:         h.Get("ETag"),
		Path:         path,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.entries[url]; ok && prev == e {
		return nil
	}
	c.entries[url] = e
	return c.flushLocked()
}

// Forget removes the entry for url, forcing the next fetch to be unconditional.
func (c *Cache) Forget(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[url]; !ok {
		return nil
	}
	delete(c.entries, url)
	return c.flushLocked()
}

// Entry returns the stored entry for url.
func (c *Cache) Entry(url string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[url]
	return e, ok
}

// Len returns the number of cached URLs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// flushLocked writes the index atomically. Caller must hold c.mu.
func (c *Cache) flushLocked() error {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("fetchcache: marshal index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("fetchcache: create index dir: %w", err)
	}

	tempPath := c.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("fetchcache: write temp index: %w", err)
	}
	if err := os.Rename(tempPath, c.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("fetchcache: rename index: %w", err)
	}
	return nil
}

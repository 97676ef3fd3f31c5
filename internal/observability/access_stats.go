package observability

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// AccessStats tracks how often each fund is opened, keeping at most capacity
// entries. When full, the least recently seen entry is evicted.
type AccessStats struct {
	mu       sync.RWMutex
	entries  map[string]*AccessEntry
	capacity int
	window   time.Duration
	now      func() time.Time
}

// AccessEntry holds the access history of one key.
type AccessEntry struct {
	Key      string    `json:"key"`
	Label    string    `json:"label,omitempty"`
	Count    int64     `json:"access_count"`
	LastSeen time.Time `json:"last_seen"`
}

// NewAccessStats creates a tracker. window bounds Prune; zero keeps entries
// until evicted by capacity.
func NewAccessStats(capacity int, window time.Duration) *AccessStats {
	if capacity <= 0 {
		capacity = 7
	}
	return &AccessStats{
		entries:  make(map[string]*AccessEntry),
		capacity: capacity,
		window:   window,
		now:      time.Now,
	}
}

// Record counts one access of key. label is kept from the latest non-empty
// value.
func (a *AccessStats) Record(key, label string) {
	if key == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[key]
	if !ok {
		if len(a.entries) >= a.capacity {
			a.evictOldestLocked()
		}
		e = &AccessEntry{Key: key}
		a.entries[key] = e
	}
	e.Count++
	e.LastSeen = a.now()
	if label != "" {
		e.Label = label
	}
}

// Top returns up to n entries by count descending, most recent first on ties.
func (a *AccessStats) Top(n int) []AccessEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if n <= 0 || len(a.entries) == 0 {
		return []AccessEntry{}
	}
	out := a.snapshotLocked()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}

// Len returns the number of tracked keys.
func (a *AccessStats) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Prune removes entries not seen within the window.
func (a *AccessStats) Prune() {
	if a.window <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	threshold := a.now().Add(-a.window)
	for k, e := range a.entries {
		if e.LastSeen.Before(threshold) {
			delete(a.entries, k)
		}
	}
}

// Save writes the entries as a JSON array.
func (a *AccessStats) Save(path string) error {
	a.mu.RLock()
	data, err := json.MarshalIndent(a.snapshotLocked(), "", "  ")
	a.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode access stats: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Load merges entries from a file written by Save. A missing file is not an
// error.
func (a *AccessStats) Load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read access stats: %w", err)
	}
	var entries []AccessEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to decode access stats: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].LastSeen.Before(entries[j].LastSeen) })

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		if _, ok := a.entries[e.Key]; !ok && len(a.entries) >= a.capacity {
			a.evictOldestLocked()
		}
		cp := e
		a.entries[e.Key] = &cp
	}
	return nil
}

func (a *AccessStats) snapshotLocked() []AccessEntry {
	out := make([]AccessEntry, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, *e)
	}
	return out
}

func (a *AccessStats) evictOldestLocked() {
	var oldest *AccessEntry
	for _, e := range a.entries {
		if oldest == nil || e.LastSeen.Before(oldest.LastSeen) {
			oldest = e
		}
	}
	if oldest != nil {
		delete(a.entries, oldest.Key)
	}
}

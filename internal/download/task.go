// Package download fetches dataset targets under a concurrency cap, decodes
// and extracts them into the dataset store and reports progress as events.
package download

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fundscope/fundscope/internal/dataset"
)

// Status is the state of a download task.
type Status int

const (
	StatusQueued Status = iota
	StatusInProgress
	StatusDone
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusInProgress:
		return "in_progress"
	case StatusDone:
		return "done"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusFailed
}

// Task is one remote resource to fetch. A task is owned by the orchestrator
// while a batch runs; read its fields only after Run returns.
type Task struct {
	ID      uuid.UUID
	Dataset string
	Label   string
	URL     string

	// Dir is the absolute destination directory and File the name used for
	// non-archive content.
	Dir  string
	File string

	FallbackURL string
	FallbackDir string

	Status  Status
	Message string
	Err     error

	Bytes        int64
	Files        []string
	Replacements int64
	NotModified  bool
	UsedFallback bool

	Started  time.Time
	Finished time.Time
}

// NewTask creates a queued task for url written under dir.
func NewTask(datasetID, label, url, dir, file string) *Task {
	if file == "" {
		file = dataset.FileNameFromURL(url)
	}
	if label == "" {
		label = file
	}
	return &Task{
		ID:      uuid.New(),
		Dataset: datasetID,
		Label:   label,
		URL:     url,
		Dir:     dir,
		File:    file,
		Status:  StatusQueued,
	}
}

// NewTasks converts locator targets into tasks rooted at dataDir.
func NewTasks(dataDir string, targets []dataset.Target) []*Task {
	tasks := make([]*Task, 0, len(targets))
	for _, tgt := range targets {
		label := tgt.DatasetID
		if tgt.Period.Year != 0 {
			label = fmt.Sprintf("%s %s", tgt.DatasetID, tgt.Period)
		}
		t := NewTask(tgt.DatasetID, label, tgt.URL, filepath.Join(dataDir, filepath.FromSlash(tgt.Dir)), tgt.File)
		if tgt.FallbackURL != "" {
			t.FallbackURL = tgt.FallbackURL
			t.FallbackDir = filepath.Join(dataDir, filepath.FromSlash(tgt.FallbackDir))
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// Duration returns how long the task ran.
func (t *Task) Duration() time.Duration {
	if t.Started.IsZero() || t.Finished.IsZero() {
		return 0
	}
	return t.Finished.Sub(t.Started)
}

// BatchResult summarizes a finished batch.
type BatchResult struct {
	Tasks        []*Task
	Done         int
	Failed       int
	Cancelled    int
	NotModified  int
	PeakInFlight int
}

// Failures returns the tasks that ended in StatusFailed.
func (r *BatchResult) Failures() []*Task {
	var out []*Task
	for _, t := range r.Tasks {
		if t.Status == StatusFailed {
			out = append(out, t)
		}
	}
	return out
}

func (r *BatchResult) count(t *Task) {
	switch t.Status {
	case StatusDone:
		r.Done++
		if t.NotModified {
			r.NotModified++
		}
	case StatusFailed:
		r.Failed++
	case StatusCancelled:
		r.Cancelled++
	}
}

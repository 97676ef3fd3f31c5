package storage

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Job pairs an object key with a local file.
type Job struct {
	Key       string
	LocalPath string
}

// BatchResult collects the outcome of a batch.
type BatchResult struct {
	Done   []Job
	Errors map[string]error // by key
}

// Batch runs per-object transfers with bounded parallelism.
type Batch struct {
	concurrency int
}

// NewBatch creates a batch runner. Concurrency below 1 means 4.
func NewBatch(concurrency int) *Batch {
	if concurrency < 1 {
		concurrency = 4
	}
	return &Batch{concurrency: concurrency}
}

// Run calls fn for every job, at most concurrency at a time. A failing job
// does not stop its siblings. Jobs not started when ctx ends are reported
// with the context error.
func (b *Batch) Run(ctx context.Context, jobs []Job, fn func(context.Context, Job) error) *BatchResult {
	result := &BatchResult{Errors: make(map[string]error)}
	sem := semaphore.NewWeighted(int64(b.concurrency))

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, job := range jobs {
		err := ctx.Err()
		if err == nil {
			err = sem.Acquire(ctx, 1)
		}
		if err != nil {
			mu.Lock()
			result.Errors[job.Key] = fmt.Errorf("storage: %s not started: %w", job.Key, err)
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(job Job) {
			defer sem.Release(1)
			defer wg.Done()

			err := fn(ctx, job)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[job.Key] = err
				return
			}
			result.Done = append(result.Done, job)
		}(job)
	}
	wg.Wait()
	return result
}

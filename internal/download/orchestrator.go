package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/fundscope/fundscope/internal/dataset"
	fserrors "github.com/fundscope/fundscope/internal/errors"
	"github.com/fundscope/fundscope/internal/fetchcache"
	"github.com/fundscope/fundscope/internal/observability"
)

// DefaultConcurrency is the in-flight cap used when Options leaves it unset.
const DefaultConcurrency = 25

// Record is one terminal task as kept in the download history.
type Record struct {
	ID           string
	Dataset      string
	URL          string
	Status       string
	Message      string
	Bytes        int64
	Files        int
	UsedFallback bool
	NotModified  bool
	Started      time.Time
	Finished     time.Time
}

// History persists terminal task records.
type History interface {
	RecordDownload(ctx context.Context, rec Record) error
}

// Options configures an Orchestrator.
type Options struct {
	Concurrency int
	UserAgent   string
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	History     History
}

// Orchestrator runs batches of download tasks.
type Orchestrator struct {
	client      *http.Client
	cache       *fetchcache.Cache
	concurrency int
	userAgent   string
	logger      *slog.Logger
	metrics     *observability.Metrics
	history     History
}

// New creates an orchestrator. cache may be nil to disable conditional
// fetches.
func New(client *http.Client, cache *fetchcache.Cache, opts Options) *Orchestrator {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Orchestrator{
		client:      client,
		cache:       cache,
		concurrency: opts.Concurrency,
		userAgent:   opts.UserAgent,
		logger:      observability.Component(opts.Logger, "download"),
		metrics:     opts.Metrics,
		history:     opts.History,
	}
}

// batch holds the state shared by the tasks of one Run.
type batch struct {
	emit *emitter

	inFlight atomic.Int64
	peak     atomic.Int64

	// shared holds the URLs some task may use as a fallback. Tasks fetching
	// them directly join the same deduplicated fetch.
	shared    map[string]bool
	group     singleflight.Group
	mu        sync.Mutex
	fallbacks map[string]*fetchResult
}

type fetchResult struct {
	payload     payload
	files       []string
	notModified bool
	err         error
}

// Run executes tasks with at most Concurrency in flight and blocks until
// every task is terminal. Events are sent on events, which the caller must
// drain; a nil channel discards them. Task failures never stop siblings;
// cancelling ctx stops tasks at their next check.
func (o *Orchestrator) Run(ctx context.Context, tasks []*Task, events chan<- Event) *BatchResult {
	result := &BatchResult{Tasks: tasks}
	b := &batch{
		emit:      newEmitter(events, len(tasks)),
		shared:    make(map[string]bool),
		fallbacks: make(map[string]*fetchResult),
	}
	for _, t := range tasks {
		if t.FallbackURL != "" {
			b.shared[t.FallbackURL] = true
		}
	}
	if len(tasks) == 0 {
		b.emit.empty()
		return result
	}

	sem := semaphore.NewWeighted(int64(o.concurrency))
	var wg sync.WaitGroup

	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			o.cancel(ctx, b, t, "cancelled before start")
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			o.cancel(ctx, b, t, "cancelled while waiting for a slot")
			continue
		}

		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			defer sem.Release(1)

			n := b.inFlight.Add(1)
			for {
				p := b.peak.Load()
				if n <= p || b.peak.CompareAndSwap(p, n) {
					break
				}
			}
			o.metrics.AddInFlight(1)
			defer func() {
				b.inFlight.Add(-1)
				o.metrics.AddInFlight(-1)
			}()

			o.runTask(ctx, b, t)
		}(t)
	}

	wg.Wait()

	for _, t := range tasks {
		result.count(t)
	}
	result.PeakInFlight = int(b.peak.Load())

	o.logger.Info("download batch finished",
		"total", len(tasks),
		"done", result.Done,
		"not_modified", result.NotModified,
		"failed", result.Failed,
		"cancelled", result.Cancelled,
		"peak_in_flight", result.PeakInFlight,
	)
	return result
}

func (o *Orchestrator) runTask(ctx context.Context, b *batch, t *Task) {
	if err := ctx.Err(); err != nil {
		o.cancel(ctx, b, t, "cancelled before start")
		return
	}

	t.Started = time.Now()
	t.Status = StatusInProgress
	t.Message = "downloading " + t.URL
	b.emit.update(t)

	var res *fetchResult
	if t.FallbackURL == "" && b.shared[t.URL] {
		res = o.fetchShared(ctx, b, t.Dataset, t.URL, t.Dir, false)
	} else {
		res = o.fetch(ctx, t.Dataset, t.URL, t.Dir, t.File)
	}
	if res.err != nil && !fserrors.IsCancellation(res.err) && t.FallbackURL != "" && ctx.Err() == nil {
		o.logger.Warn("primary download failed, trying historical archive",
			"url", t.URL, "fallback", t.FallbackURL, "error", res.err)
		t.Message = "falling back to " + t.FallbackURL
		b.emit.update(t)

		t.UsedFallback = true
		res = o.fetchShared(ctx, b, t.Dataset, t.FallbackURL, t.FallbackDir, true)
	}
	// No task completes or fails after the batch is cancelled.
	if ctxErr := ctx.Err(); ctxErr != nil && (res.err == nil || !fserrors.IsCancellation(res.err)) {
		res = cancelled(ctxErr)
	}

	switch {
	case res.err != nil && fserrors.IsCancellation(res.err):
		t.Status = StatusCancelled
		t.Message = "cancelled"
		t.Err = res.err
	case res.err != nil:
		t.Status = StatusFailed
		t.Message = res.err.Error()
		t.Err = res.err
		o.logger.Error("download failed", "url", t.URL, "dataset", t.Dataset, "error", res.err)
	case res.notModified:
		t.Status = StatusDone
		t.NotModified = true
		t.Message = "not modified"
		o.metrics.IncNotModified(t.Dataset)
	default:
		t.Status = StatusDone
		t.Bytes = res.payload.bytes
		t.Files = res.files
		t.Replacements = res.payload.replacements
		t.Message = fmt.Sprintf("%d file(s) written", len(res.files))
	}
	if t.Replacements > 0 {
		o.logger.Warn("decode produced replacement characters",
			"url", t.URL, "replacements", t.Replacements)
	}
	o.complete(ctx, b, t)
}

// fetchShared fetches url at most once per batch. Tasks that fall back to
// a historical archive and tasks targeting it directly share the result.
func (o *Orchestrator) fetchShared(ctx context.Context, b *batch, datasetID, url, dir string, fallback bool) *fetchResult {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	v, _, _ := b.group.Do(url, func() (interface{}, error) {
		b.mu.Lock()
		prev, ok := b.fallbacks[url]
		b.mu.Unlock()
		if ok {
			return prev, nil
		}

		res := o.fetch(ctx, datasetID, url, dir, "")
		if fallback {
			status := "done"
			if res.err != nil {
				status = "failed"
			}
			o.metrics.IncFallback(datasetID, status)
		}

		// A cancelled attempt is not remembered so a later batch retries it.
		if res.err == nil || !fserrors.IsCancellation(res.err) {
			b.mu.Lock()
			b.fallbacks[url] = res
			b.mu.Unlock()
		}
		return res, nil
	})
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	return v.(*fetchResult)
}

func cancelled(cause error) *fetchResult {
	return &fetchResult{err: fserrors.NewCancelled("download cancelled", cause)}
}

// fetch performs one conditional GET of url and writes the body under dir.
func (o *Orchestrator) fetch(ctx context.Context, datasetID, url, dir, file string) *fetchResult {
	fail := func(err error) *fetchResult {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cancelled(ctxErr)
		}
		return &fetchResult{err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &fetchResult{err: fserrors.NewValidationError(fserrors.CodeInvalidArgument, "invalid url "+url)}
	}
	if o.cache != nil {
		for k, v := range o.cache.Validators(url) {
			req.Header[k] = v
		}
	}
	if o.userAgent != "" {
		req.Header.Set("User-Agent", o.userAgent)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return fail(fserrors.NewTransportError(fserrors.CodeNetwork, "GET "+url, err))
	}
	defer resp.Body.Close()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return cancelled(ctxErr)
	}
	if resp.StatusCode == http.StatusNotModified {
		o.logger.Debug("not modified", "url", url)
		return &fetchResult{notModified: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(fserrors.NewTransportError(fserrors.CodeHTTPStatus,
			fmt.Sprintf("GET %s: unexpected status %s", url, resp.Status), nil).
			WithDetails(map[string]interface{}{"status": resp.StatusCode}))
	}

	kind := Classify(resp.Header.Get("Content-Type"), url)
	if kind == ContentUnsupported {
		return &fetchResult{err: fserrors.NewFormatError(fserrors.CodeUnsupportedContent,
			fmt.Sprintf("unsupported content type %q for %s", resp.Header.Get("Content-Type"), url), nil)}
	}
	if file == "" {
		file = dataset.FileNameFromURL(url)
	}

	st, err := newStage(dir)
	if err != nil {
		return &fetchResult{err: err}
	}

	var p payload
	switch kind {
	case ContentTabular:
		p, err = writeTabular(st, resp.Body, file)
	case ContentJSON:
		p, err = writeJSON(st, resp.Body, file)
	case ContentZip:
		p, err = extractZip(ctx, st, resp.Body)
	}
	if err != nil {
		st.discard()
		var fe *fserrors.FundscopeError
		if !errors.As(err, &fe) && ctx.Err() == nil {
			err = fserrors.NewTransportError(fserrors.CodeNetwork, "read "+url, err)
		}
		return fail(err)
	}

	// Last cancellation check: nothing is committed after the signal.
	if ctxErr := ctx.Err(); ctxErr != nil {
		st.discard()
		return cancelled(ctxErr)
	}
	files, err := st.commit()
	if err != nil {
		return &fetchResult{err: err}
	}

	if o.cache != nil {
		recorded := dir
		if kind != ContentZip {
			recorded = filepath.Join(dir, file)
		}
		if err := o.cache.Record(url, recorded, resp.Header); err != nil {
			o.logger.Warn("failed to persist cache entry", "url", url, "error", err)
		}
	}

	o.logger.Debug("download written", "url", url, "kind", kind.String(), "files", len(files), "bytes", p.bytes)
	return &fetchResult{payload: p, files: files}
}

func (o *Orchestrator) cancel(ctx context.Context, b *batch, t *Task, msg string) {
	t.Status = StatusCancelled
	t.Message = msg
	t.Err = fserrors.NewCancelled(msg, ctx.Err())
	o.complete(ctx, b, t)
}

// complete reports a terminal task to the metrics, the history and the
// event channel.
func (o *Orchestrator) complete(ctx context.Context, b *batch, t *Task) {
	t.Finished = time.Now()
	if t.Started.IsZero() {
		t.Started = t.Finished
	}
	o.metrics.ObserveDownload(t.Dataset, t.Status.String(), t.Duration().Seconds(), t.Bytes)

	if o.history != nil {
		rec := Record{
			ID:           t.ID.String(),
			Dataset:      t.Dataset,
			URL:          t.URL,
			Status:       t.Status.String(),
			Message:      t.Message,
			Bytes:        t.Bytes,
			Files:        len(t.Files),
			UsedFallback: t.UsedFallback,
			NotModified:  t.NotModified,
			Started:      t.Started,
			Finished:     t.Finished,
		}
		// The history outlives the batch context.
		if err := o.history.RecordDownload(context.WithoutCancel(ctx), rec); err != nil {
			o.logger.Warn("failed to record download history", "url", t.URL, "error", err)
		}
	}

	b.emit.finish(t)
}

// Package app provides the fundscope engine: it owns the shared resources,
// accepts requests on a channel and answers with events on another.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/fundscope/fundscope/internal/config"
	"github.com/fundscope/fundscope/internal/dataset"
	"github.com/fundscope/fundscope/internal/download"
	fserrors "github.com/fundscope/fundscope/internal/errors"
	"github.com/fundscope/fundscope/internal/fetchcache"
	"github.com/fundscope/fundscope/internal/indices"
	"github.com/fundscope/fundscope/internal/manifest"
	"github.com/fundscope/fundscope/internal/observability"
	"github.com/fundscope/fundscope/internal/portfolio"
	"github.com/fundscope/fundscope/internal/profit"
	"github.com/fundscope/fundscope/internal/registry"
	"github.com/fundscope/fundscope/internal/table"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("app: engine stopped")

const (
	requestBuffer = 64
	eventBuffer   = 256

	// recentCapacity bounds the recently opened funds list.
	recentCapacity = 7
	recentFile     = "history.json"
)

// Options configures an Engine.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	// Client is used for downloads. Nil means a client with the configured
	// download timeout.
	Client *http.Client
	// Now overrides the clock of the dataset locator.
	Now func() time.Time
}

// Engine handles requests concurrently, one goroutine per request.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	// Shared resources
	cache        *fetchcache.Cache
	catalog      *manifest.Catalog
	locator      *dataset.Locator
	orchestrator *download.Orchestrator
	registry     *registry.Registry
	portfolio    *portfolio.Service
	profit       *profit.Service
	indices      *indices.Service
	recent       *observability.AccessStats

	requests chan Request
	events   chan Event

	// Lifecycle
	mu        sync.Mutex
	downloads map[string]context.CancelFunc
	running   bool
	done      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New validates cfg and opens the shared resources.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fserrors.Wrap(fserrors.ErrCategoryValidation, fserrors.CodeInvalidConfig, "invalid configuration", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := fetchcache.Open(cfg.CacheIndexPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open fetch cache: %w", err)
	}
	catalog, err := manifest.Open(cfg.ManifestPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Download.Timeout}
	}

	recent := observability.NewAccessStats(recentCapacity, 0)
	if err := recent.Load(filepath.Join(cfg.DataDir, recentFile)); err != nil {
		logger.Warn("discarding recent funds", "error", err)
	}

	pruner := manifest.NewPruner(catalog)
	cad := descriptor(cfg, dataset.Registry)
	e := &Engine{
		cfg:     cfg,
		logger:  observability.Component(logger, "app"),
		metrics: opts.Metrics,
		cache:   cache,
		catalog: catalog,
		locator: &dataset.Locator{Now: opts.Now},
		orchestrator: download.New(client, cache, download.Options{
			Concurrency: cfg.Download.Concurrency,
			UserAgent:   cfg.Download.UserAgent,
			Logger:      logger,
			Metrics:     opts.Metrics,
			History:     catalog,
		}),
		registry: registry.New(filepath.Join(cad.Dir(cfg.DataDir), cad.FileName(cad.URL)), logger),
		portfolio: portfolio.New(descriptor(cfg, dataset.Portfolio), cfg.DataDir, portfolio.Options{
			Pruner: pruner, Logger: logger, Metrics: opts.Metrics,
		}),
		profit: profit.New(descriptor(cfg, dataset.Informe), cfg.DataDir, profit.Options{
			Pruner: pruner, Logger: logger, Metrics: opts.Metrics,
		}),
		indices:   indices.New(descriptor(cfg, dataset.CDI), descriptor(cfg, dataset.Ibovespa), cfg.DataDir, logger),
		recent:    recent,
		requests:  make(chan Request, requestBuffer),
		events:    make(chan Event, eventBuffer),
		downloads: make(map[string]context.CancelFunc),
		done:      make(chan struct{}),
	}
	return e, nil
}

// descriptor returns the configured descriptor id, or the built-in one.
func descriptor(cfg *config.Config, id string) dataset.Descriptor {
	if d, ok := cfg.Dataset(id); ok {
		return d
	}
	for _, d := range config.DefaultDatasets() {
		if d.ID == id {
			return d
		}
	}
	return dataset.Descriptor{ID: id}
}

// Start begins dispatching requests. Manifest records of deleted partition
// files are dropped in the background.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("app is already running")
	}
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	e.running = true

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(2)
	go e.dispatch(ctx)
	go func() {
		defer e.wg.Done()
		report, err := e.catalog.Reconcile(ctx)
		if err != nil {
			e.logger.Warn("manifest reconciliation failed", "error", err)
			return
		}
		if report.HasIssues() {
			e.logger.Info("manifest reconciled", "dangling", len(report.Dangling), "stale", len(report.Stale))
		}
	}()
	e.logger.Info("engine started", "data_dir", e.cfg.DataDir)
	return nil
}

// Submit queues req. It blocks only while the request buffer is full.
func (e *Engine) Submit(req Request) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.requests <- req:
		return nil
	case <-e.done:
		return ErrStopped
	}
}

// Events returns the event channel. It is closed by Stop once every
// in-flight request has finished.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Stop cancels running work, waits for in-flight requests and releases the
// shared resources. Events not yet delivered when Stop begins are dropped.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	select {
	case <-e.done:
		e.mu.Unlock()
		return nil
	default:
	}
	close(e.done)
	if e.cancel != nil {
		e.cancel()
	}
	e.running = false
	e.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	var errs []error
	select {
	case <-finished:
		close(e.events)
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("app: shutdown: %w", ctx.Err()))
	}

	if err := e.recent.Save(filepath.Join(e.cfg.DataDir, recentFile)); err != nil {
		errs = append(errs, err)
	}
	if err := e.catalog.Close(); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) dispatch(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case req := <-e.requests:
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.Handle(ctx, req)
			}()
		}
	}
}

// Handle processes one request on the calling goroutine, emitting its
// events. Failures are emitted as Failure events.
func (e *Engine) Handle(ctx context.Context, req Request) {
	start := time.Now()
	err := e.handle(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if fserrors.IsDataAbsence(err) {
			outcome = "no_data"
		}
		e.logger.Warn("request failed", "request", req.Kind(), "error", err)
		e.emit(Failure{Request: req.Kind(), Key: requestKey(req), Err: err})
	}
	e.metrics.ObserveQuery(req.Kind(), outcome, time.Since(start).Seconds())
}

func (e *Engine) handle(ctx context.Context, req Request) error {
	switch r := req.(type) {
	case SearchRegistry:
		t, err := e.registry.Search(ctx, r.Query)
		if err != nil {
			return err
		}
		e.emit(SearchResult{Query: r.Query, Table: t})
	case OpenFund:
		return e.openFund(ctx, r)
	case Profitability:
		return e.profitability(ctx, r)
	case Portfolio:
		return e.portfolioComposition(ctx, r)
	case DownloadGroup:
		return e.download(ctx, r)
	case CancelDownload:
		return e.cancelDownload(r.Key)
	case RegistryStats:
		stats, err := e.registry.Stats(ctx)
		if err != nil {
			return err
		}
		e.emit(StatsResult{Stats: stats})
	case Periods:
		d, ok := e.cfg.Dataset(r.Dataset)
		if !ok {
			return fserrors.NewValidationError(fserrors.CodeInvalidArgument, "unknown dataset "+r.Dataset)
		}
		periods, err := dataset.AvailablePeriods(d, e.cfg.DataDir)
		if err != nil {
			return err
		}
		e.emit(PeriodsResult{Dataset: r.Dataset, Periods: periods})
	case DownloadHistory:
		records, err := e.catalog.RecentDownloads(ctx, r.Dataset, r.Limit)
		if err != nil {
			return err
		}
		e.emit(HistoryResult{Records: records})
	case RecentFunds:
		e.emit(RecentResult{Entries: e.recent.Top(r.Limit)})
	default:
		return fserrors.NewValidationError(fserrors.CodeInvalidArgument, fmt.Sprintf("unknown request %T", req))
	}
	return nil
}

// openFund retries a failed cached lookup once against a fresh read of the
// registry file.
func (e *Engine) openFund(ctx context.Context, r OpenFund) error {
	if !r.UseCache {
		e.registry.Invalidate()
	}
	t, err := e.registry.FindByID(ctx, r.ID)
	if err != nil && r.UseCache && !fserrors.IsCancellation(err) {
		e.logger.Info("cached fund lookup failed, retrying from disk", "id", r.ID, "error", err)
		e.registry.Invalidate()
		t, err = e.registry.FindByID(ctx, r.ID)
	}
	if err != nil {
		return err
	}
	e.recent.Record(r.ID, t.String(t.Len()-1, registry.ColName))
	if err := e.recent.Save(filepath.Join(e.cfg.DataDir, recentFile)); err != nil {
		e.logger.Warn("failed to save recent funds", "error", err)
	}
	e.emit(FundResult{ID: r.ID, Table: t})
	return nil
}

// profitability runs the fund and benchmark series concurrently, each under
// the query timeout. A failed series is replaced by an empty table.
func (e *Engine) profitability(ctx context.Context, r Profitability) error {
	result := ProfitResult{ID: r.ID}
	series := []struct {
		name  string
		out   **table.Table
		empty *table.Table
		run   func(context.Context) (*table.Table, error)
	}{
		{"fund", &result.Fund,
			table.Empty(profit.ColID, profit.ColDate, profit.ColQuota, profit.ColDailyReturn, profit.ColCumulative),
			func(ctx context.Context) (*table.Table, error) {
				return e.profit.CumulativeReturn(ctx, r.ID, r.Start, r.End)
			}},
		{"cdi", &result.CDI,
			table.Empty(indices.ColDate, indices.ColRate, indices.ColCumulative),
			func(ctx context.Context) (*table.Table, error) {
				return e.indices.CDI(ctx, r.Start, r.End)
			}},
		{"ibovespa", &result.Ibovespa,
			table.Empty(indices.ColDate, indices.ColClose, indices.ColRate, indices.ColCumulative),
			func(ctx context.Context) (*table.Table, error) {
				return e.indices.Ibovespa(ctx, r.Start, r.End)
			}},
	}

	var wg sync.WaitGroup
	for _, s := range series {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t, err := e.withTimeout(ctx, s.run)
			if err != nil {
				e.logger.Warn("profitability series failed", "series", s.name, "id", r.ID, "error", err)
				e.emit(Failure{Request: r.Kind() + "." + s.name, Key: r.ID, Err: err})
				t = s.empty
			}
			*s.out = t
		}()
	}
	wg.Wait()
	e.emit(result)
	return nil
}

// withTimeout runs fn under the query timeout. fn is abandoned, not waited
// for, once the timeout expires.
func (e *Engine) withTimeout(ctx context.Context, fn func(context.Context) (*table.Table, error)) (*table.Table, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Query.Timeout)
	defer cancel()

	type outcome struct {
		t   *table.Table
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		t, err := fn(ctx)
		ch <- outcome{t, err}
	}()

	select {
	case o := <-ch:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(e.cfg.Query.Timeout, o.err)
		}
		return o.t, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(e.cfg.Query.Timeout, ctx.Err())
		}
		return nil, fserrors.NewCancelled("query cancelled", ctx.Err())
	}
}

func timeoutError(d time.Duration, cause error) error {
	return fserrors.Wrap(fserrors.ErrCategoryCancellation, fserrors.CodeTimeout,
		fmt.Sprintf("query timed out after %s", d), cause)
}

func (e *Engine) portfolioComposition(ctx context.Context, r Portfolio) error {
	pos, err := e.portfolio.Positions(ctx, r.ID, r.Year, r.Month)
	if err != nil {
		return err
	}
	top, err := pos.TopByCategory()
	if err != nil {
		return err
	}
	nw, err := e.portfolio.NetWorth(ctx, r.ID, r.Year, r.Month)
	if err != nil {
		if !fserrors.IsDataAbsence(err) {
			return err
		}
		nw = table.Empty(portfolio.ColID, portfolio.ColNetWorth)
	}
	e.emit(PortfolioResult{
		ID:            r.ID,
		Year:          r.Year,
		Month:         r.Month,
		NetWorth:      nw,
		Positions:     pos.Rows,
		TopByCategory: top,
	})
	return nil
}

// download runs one batch for a dataset group. Only one batch per key runs
// at a time.
func (e *Engine) download(ctx context.Context, r DownloadGroup) error {
	descs := e.cfg.DatasetsInGroup(r.Group)
	if len(descs) == 0 {
		return fserrors.NewValidationError(fserrors.CodeInvalidArgument, "unknown dataset group "+r.Group)
	}
	key := r.key()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	if _, busy := e.downloads[key]; busy {
		e.mu.Unlock()
		return fserrors.NewValidationError(fserrors.CodeInvalidArgument, "download "+key+" is already running")
	}
	e.downloads[key] = cancel
	e.mu.Unlock()

	var targets []dataset.Target
	for _, d := range descs {
		targets = append(targets, e.locator.Targets(d, r.Start, r.End)...)
		if r.Historical {
			targets = append(targets, e.locator.HistoricalTargets(d, r.FromYear)...)
		}
	}
	tasks := download.NewTasks(e.cfg.DataDir, targets)
	e.logger.Info("download started", "key", key, "group", r.Group, "tasks", len(tasks))

	progress := make(chan download.Event, eventBuffer)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range progress {
			switch v := ev.(type) {
			case download.TaskEvent:
				e.emit(DownloadTask{Key: key, TaskEvent: v})
			case download.Progress:
				e.emit(DownloadProgress{Key: key, Progress: v})
			}
		}
	}()
	result := e.orchestrator.Run(ctx, tasks, progress)
	close(progress)
	<-forwarded

	// The key is free again before DownloadDone is observed.
	e.mu.Lock()
	delete(e.downloads, key)
	e.mu.Unlock()

	for _, d := range descs {
		if d.ID == dataset.Registry && result.Done > 0 {
			e.registry.Invalidate()
		}
	}
	e.emit(DownloadDone{Key: key, Group: r.Group, Result: result})
	return nil
}

func (e *Engine) cancelDownload(key string) error {
	e.mu.Lock()
	cancel, ok := e.downloads[key]
	e.mu.Unlock()
	if !ok {
		return fserrors.NewNotFound("no download running for " + key)
	}
	cancel()
	e.logger.Info("download cancellation requested", "key", key)
	return nil
}

// emit delivers ev unless the engine is stopping.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func requestKey(req Request) string {
	switch r := req.(type) {
	case OpenFund:
		return r.ID
	case Profitability:
		return r.ID
	case Portfolio:
		return r.ID
	case DownloadGroup:
		return r.key()
	case CancelDownload:
		return r.Key
	case Periods:
		return r.Dataset
	}
	return ""
}

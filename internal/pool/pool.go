// Package pool runs a fixed number of download workers over a pre-filled queue.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"kickgrab/internal/config"
	"kickgrab/internal/consts"
	"kickgrab/internal/diskcheck"
	"kickgrab/internal/downloader"
	"kickgrab/internal/entity"
	"kickgrab/internal/errs"
	"kickgrab/internal/history"
	"kickgrab/internal/mediaprobe"
	"kickgrab/internal/observability"
	"kickgrab/internal/paths"
	"kickgrab/internal/progress"
	"kickgrab/internal/tracker"
)

// Pool downloads batches of requests with bounded concurrency. A Pool holds no per-run
// state and may serve several runs at once.
type Pool struct {
	log     *slog.Logger
	fetcher downloader.Fetcher

	maxConcurrency int

	history history.Store
	sink    progress.Sink
	metrics *observability.Metrics
	disk    diskcheck.Checker
	minFree uint64
	prober  mediaprobe.Prober
}

// Option configures optional Pool collaborators.
type Option func(*Pool)

// WithHistory skips requests already saved at the same path and records new downloads.
func WithHistory(store history.Store) Option {
	return func(p *Pool) { p.history = store }
}

// WithSink adds a sink that receives the events of every run.
func WithSink(sink progress.Sink) Option {
	return func(p *Pool) { p.sink = sink }
}

// WithMetrics records outcomes, durations and history hits.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithDiskCheck fails every request under a destination root with less than minFree bytes free.
func WithDiskCheck(checker diskcheck.Checker, minFree uint64) Option {
	return func(p *Pool) {
		p.disk = checker
		p.minFree = minFree
	}
}

// WithProber reads dimensions back from downloaded images.
func WithProber(prober mediaprobe.Prober) Option {
	return func(p *Pool) { p.prober = prober }
}

// New creates a Pool. Concurrency of every run is capped at cfg.Pool.MaxConcurrency.
func New(log *slog.Logger, cfg *config.Config, fetcher downloader.Fetcher, opts ...Option) (*Pool, error) {
	if fetcher == nil {
		return nil, errs.ErrFetcherNil
	}

	p := &Pool{
		log:            log.With(slog.String("package", "pool")),
		fetcher:        fetcher,
		maxConcurrency: cfg.Pool.MaxConcurrency,
	}

	if p.maxConcurrency <= 0 {
		p.maxConcurrency = consts.DefaultMaxConcurrency
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// RunAll downloads every request and blocks until each one has an outcome.
func (p *Pool) RunAll(ctx context.Context, requests []entity.DownloadRequest, concurrency int) (entity.ResultSet, error) {
	return p.Run(ctx, requests, concurrency, nil)
}

// Run is RunAll with an extra sink for this run only.
//
// The returned error is non-nil only for invalid arguments: concurrency below one or a
// request without a destination root. Per-item failures, cancellation included, are
// reported in the ResultSet, which always holds one outcome per distinct URL.
func (p *Pool) Run(
	ctx context.Context,
	requests []entity.DownloadRequest,
	concurrency int,
	sink progress.Sink,
) (entity.ResultSet, error) {
	if concurrency < 1 {
		return nil, fmt.Errorf("%w: got %d", errs.ErrInvalidConcurrency, concurrency)
	}

	for i, req := range requests {
		if req.DestinationRoot == "" {
			return nil, fmt.Errorf("%w: request %d (%s)", errs.ErrEmptyDestinationRoot, i, req.URL)
		}
	}

	tr := tracker.New(len(requests))

	workers := min(concurrency, p.maxConcurrency, len(requests))
	if concurrency > p.maxConcurrency {
		p.log.DebugContext(ctx, "concurrency capped",
			slog.Int("requested", concurrency),
			slog.Int("max", p.maxConcurrency))
	}

	sinks := progress.Multi{}
	for _, s := range []progress.Sink{p.sink, sink} {
		if s != nil {
			sinks = append(sinks, s)
		}
	}

	blocked := p.preflight(ctx, requests)

	queue := make(chan entity.DownloadRequest, len(requests))
	for _, req := range requests {
		queue <- req
	}

	close(queue)

	start := time.Now()

	var wg sync.WaitGroup

	for id := range workers {
		wg.Go(func() {
			p.worker(ctx, id, queue, tr, sinks, blocked)
		})
	}

	wg.Wait()
	tr.Seal()

	results, err := tr.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot results: %w", err)
	}

	p.log.InfoContext(ctx, "run drained",
		slog.Int("requests", len(requests)),
		slog.Int("workers", workers),
		slog.Int("success", results.Count(entity.OutcomeSuccess)),
		slog.Int("skipped", results.Count(entity.OutcomeSkipped)),
		slog.Int("failed", results.Count(entity.OutcomeFailed)),
		slog.Int("cancelled", results.Count(entity.OutcomeCancelled)),
		slog.Duration("elapsed", time.Since(start)))

	return results, nil
}

func (p *Pool) worker(
	ctx context.Context,
	id int,
	queue <-chan entity.DownloadRequest,
	tr *tracker.Tracker,
	sink progress.Sink,
	blocked map[string]*errs.DownloadError,
) {
	log := p.log.With(slog.Int("worker_id", id))

	for req := range queue {
		out := p.process(ctx, log, req, sink, blocked)

		tr.Record(out)

		errKind := ""
		if out.Err != nil {
			errKind = string(out.Err.Kind)
		}

		p.metrics.RecordOutcome(string(out.Status), errKind)
		p.notify(ctx, log, sink, out)
	}
}

// notify hands out to sink. A panicking sink is logged and does not stop the worker.
func (p *Pool) notify(ctx context.Context, log *slog.Logger, sink progress.Sink, out entity.DownloadOutcome) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "recovered from sink panic",
				slog.String("url", out.URL),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	sink.OnOutcome(ctx, out)
}

// process turns one request into exactly one outcome, panics included.
func (p *Pool) process(
	ctx context.Context,
	log *slog.Logger,
	req entity.DownloadRequest,
	sink progress.Sink,
	blocked map[string]*errs.DownloadError,
) (out entity.DownloadOutcome) {
	out = entity.DownloadOutcome{URL: req.URL, Label: req.Label, TotalBytes: -1}

	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "recovered from panic",
				slog.Any("request", req),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))

			out = entity.DownloadOutcome{URL: req.URL, Label: req.Label, TotalBytes: -1}
			out.Fail(errs.NewDownloadError(errs.KindInternal, req.URL, fmt.Sprintf("panic: %v", r), nil))
		}
	}()

	if err := ctx.Err(); err != nil {
		out.Fail(errs.NewDownloadError(errs.KindCancelled, req.URL, "not started", err))

		return out
	}

	if rootErr, ok := blocked[req.DestinationRoot]; ok {
		dlErr := *rootErr
		dlErr.URL = req.URL
		out.Fail(&dlErr)

		return out
	}

	path, err := paths.ResolveRequest(req)
	if err != nil {
		var dlErr *errs.DownloadError
		if !errors.As(err, &dlErr) {
			dlErr = errs.NewDownloadError(errs.KindInternal, req.URL, "resolve path", err)
		}

		out.Fail(dlErr)
		log.WarnContext(ctx, "resolve path", slog.Any("request", req), slog.Any("error", err))

		return out
	}

	if skipped, ok := p.fromHistory(ctx, log, req, path); ok {
		return skipped
	}

	done := p.metrics.DownloadTimer()
	out = p.fetcher.Fetch(ctx, downloader.FetchRequest{URL: req.URL, Path: path, Label: req.Label}, sink)
	done()

	if out.Status != entity.OutcomeSuccess {
		return out
	}

	if req.MediaType == entity.MediaTypeImage && p.prober != nil {
		info, err := p.prober.Probe(out.LocalPath)
		if err != nil {
			log.WarnContext(ctx, "probe image", slog.String("path", out.LocalPath), slog.Any("error", err))
		} else {
			out.Media = info
		}
	}

	p.remember(ctx, log, out)

	return out
}

// fromHistory returns a skipped outcome when req was already saved at path and the file is intact.
func (p *Pool) fromHistory(
	ctx context.Context,
	log *slog.Logger,
	req entity.DownloadRequest,
	path string,
) (entity.DownloadOutcome, bool) {
	if p.history == nil {
		return entity.DownloadOutcome{}, false
	}

	rec, ok, err := p.history.Lookup(ctx, req.URL)
	if err != nil {
		log.WarnContext(ctx, "history lookup", slog.String("url", req.URL), slog.Any("error", err))

		return entity.DownloadOutcome{}, false
	}

	if !ok || rec.LocalPath != path {
		return entity.DownloadOutcome{}, false
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() != rec.Bytes {
		return entity.DownloadOutcome{}, false
	}

	p.metrics.RecordHistoryHit()

	return entity.DownloadOutcome{
		URL:        req.URL,
		Label:      req.Label,
		Status:     entity.OutcomeSkipped,
		TotalBytes: rec.Bytes,
		LocalPath:  path,
	}, true
}

func (p *Pool) remember(ctx context.Context, log *slog.Logger, out entity.DownloadOutcome) {
	if p.history == nil {
		return
	}

	err := p.history.Save(ctx, history.Record{
		URL:       out.URL,
		LocalPath: out.LocalPath,
		Bytes:     out.BytesWritten,
		SavedAt:   time.Now(),
	})
	if err != nil {
		log.WarnContext(ctx, "history save", slog.String("url", out.URL), slog.Any("error", err))
	}
}

// preflight checks free space once per destination root.
func (p *Pool) preflight(ctx context.Context, requests []entity.DownloadRequest) map[string]*errs.DownloadError {
	if p.disk == nil || p.minFree == 0 {
		return nil
	}

	blocked := make(map[string]*errs.DownloadError)
	checked := make(map[string]bool)

	for _, req := range requests {
		root := req.DestinationRoot
		if checked[root] {
			continue
		}

		checked[root] = true

		err := p.disk.Check(ctx, root, p.minFree)
		if err == nil {
			continue
		}

		var dlErr *errs.DownloadError
		if !errors.As(err, &dlErr) {
			dlErr = errs.NewDownloadError(errs.KindFilesystem, "", "check free space", err)
		}

		p.log.WarnContext(ctx, "destination root rejected", slog.String("root", root), slog.Any("error", err))

		blocked[root] = dlErr
	}

	return blocked
}

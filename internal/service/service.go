// Package service queues download batches and runs them through the worker pool.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"kickgrab/internal/config"
	"kickgrab/internal/consts"
	"kickgrab/internal/entity"
	"kickgrab/internal/errs"
	"kickgrab/internal/observability"
	"kickgrab/internal/progress"
	"kickgrab/internal/storage"
	"kickgrab/pkg/gen"
	"kickgrab/pkg/urls"
)

// Runner drains a list of requests. *pool.Pool satisfies it.
type Runner interface {
	Run(ctx context.Context, requests []entity.DownloadRequest, concurrency int, sink progress.Sink) (entity.ResultSet, error)
}

// BatchRequest is what the discovery side hands over: URLs plus where and how to save them.
type BatchRequest struct {
	Root        string             `json:"root"`
	MediaType   string             `json:"mediaType"`
	Concurrency int                `json:"concurrency"`
	Items       []entity.BatchItem `json:"items"`
}

// Batcher accepts batches and processes them in the background.
type Batcher interface {
	Start(ctx context.Context)
	Enqueue(ctx context.Context, req BatchRequest) (*entity.Batch, error)
	// Wait blocks until every batch worker has returned after the Start context is done.
	Wait()
}

type batcher struct {
	log     *slog.Logger
	cfg     *config.Config
	storage storage.Storer
	runner  Runner
	metrics *observability.Metrics

	queue chan string // batch UUIDs

	wg        sync.WaitGroup
	startOnce sync.Once

	// mu orders queue sends against shutdown: once closed is set no send can follow.
	mu     sync.RWMutex
	closed bool
}

var _ Batcher = (*batcher)(nil)

// New creates a Batcher. Call Start before enqueuing.
func New(cfg *config.Config, log *slog.Logger, runner Runner, stg storage.Storer, metrics *observability.Metrics) Batcher {
	queueSize := cfg.Batch.QueueSize
	if queueSize <= 0 {
		queueSize = consts.DefaultQueueSize
	}

	return &batcher{
		log:     log.With(slog.String("package", "service")),
		cfg:     cfg,
		storage: stg,
		runner:  runner,
		metrics: metrics,
		queue:   make(chan string, queueSize),
	}
}

func (svc *batcher) Start(ctx context.Context) {
	svc.startOnce.Do(func() {
		workers := svc.cfg.Batch.Workers
		if workers <= 0 {
			workers = consts.DefaultBatchWorkers
		}

		for i := range workers {
			svc.wg.Go(func() {
				svc.worker(ctx, i)
			})
		}
	})
}

func (svc *batcher) Wait() {
	svc.wg.Wait()
}

func (svc *batcher) Enqueue(ctx context.Context, req BatchRequest) (*entity.Batch, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()

	if svc.closed {
		return nil, errs.ErrServiceClosed
	}

	batch, err := svc.newBatch(req)
	if err != nil {
		return nil, err
	}

	if err := svc.storage.SetBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("store batch: %w", err)
	}

	select {
	case svc.queue <- batch.UUID:
		svc.metrics.RecordBatchCreated()
		svc.log.InfoContext(ctx, "batch enqueued", slog.Any("batch", batch))

		return batch, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("enqueue batch canceled: %w", ctx.Err())
	default:
		_ = svc.storage.UpdateBatchStatus(ctx, batch.UUID, entity.BatchStatusError, errs.ErrBatchQueueFull.Error())

		return nil, fmt.Errorf("%w: %d/%d", errs.ErrBatchQueueFull, len(svc.queue), cap(svc.queue))
	}
}

func (svc *batcher) newBatch(req BatchRequest) (*entity.Batch, error) {
	if len(req.Items) == 0 {
		return nil, errs.ErrNoItems
	}

	mediaType, err := entity.ParseMediaType(strings.ToLower(strings.TrimSpace(req.MediaType)))
	if err != nil {
		return nil, err
	}

	if req.Concurrency < 0 {
		return nil, fmt.Errorf("%w: got %d", errs.ErrInvalidConcurrency, req.Concurrency)
	}

	concurrency := req.Concurrency
	if concurrency == 0 {
		concurrency = svc.cfg.Pool.Concurrency
	}

	if concurrency <= 0 {
		concurrency = consts.DefaultConcurrency
	}

	root, err := svc.resolveRoot(req.Root)
	if err != nil {
		return nil, err
	}

	items := make([]entity.BatchItem, 0, len(req.Items))

	for i, item := range req.Items {
		if strings.TrimSpace(item.URL) == "" {
			return nil, fmt.Errorf("%w: item %d is empty", errs.ErrInvalidURL, i)
		}

		// malformed URLs are kept: the pool reports them per item
		item.URL = urls.Normalize(item.URL)
		items = append(items, item)
	}

	ttl := svc.cfg.Storage.TTL
	if ttl <= 0 {
		ttl = consts.DefaultBatchTTL
	}

	now := time.Now()

	return &entity.Batch{
		UUID:        gen.NewID(),
		Root:        root,
		MediaType:   mediaType,
		Concurrency: concurrency,
		Items:       items,
		Status:      entity.BatchStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}, nil
}

// resolveRoot maps an empty root to the downloads directory and nests relative roots under it.
func (svc *batcher) resolveRoot(root string) (string, error) {
	root = strings.TrimSpace(root)

	switch {
	case root == "":
		return svc.cfg.Dir.Downloads, nil
	case filepath.IsAbs(root):
		return filepath.Clean(root), nil
	case !filepath.IsLocal(root):
		return "", fmt.Errorf("%w: %q", errs.ErrInvalidRoot, root)
	default:
		return filepath.Join(svc.cfg.Dir.Downloads, root), nil
	}
}

func (svc *batcher) worker(ctx context.Context, workerID int) {
	log := svc.log.With(slog.Int("worker_id", workerID))

	for {
		select {
		case id, ok := <-svc.queue:
			if !ok {
				log.WarnContext(ctx, "batch queue closed")

				return
			}

			svc.processBatch(ctx, id)
		case <-ctx.Done():
			log.InfoContext(ctx, "got ctx done signal", slog.Any("error", ctx.Err()))
			svc.shutdown()
			svc.drain(ctx, log)

			return
		}
	}
}

func (svc *batcher) shutdown() {
	svc.mu.Lock()
	svc.closed = true
	svc.mu.Unlock()
}

// drain finishes batches still queued at shutdown. ctx is done, so their items come back cancelled.
func (svc *batcher) drain(ctx context.Context, log *slog.Logger) {
	for {
		select {
		case id := <-svc.queue:
			log.InfoContext(ctx, "cancel queued batch", slog.String("batch_id", id))
			svc.processBatch(ctx, id)
		default:
			return
		}
	}
}

func (svc *batcher) processBatch(ctx context.Context, id string) {
	log := svc.log.With(slog.String("func", "processBatch"), slog.String("batch_id", id))

	timeout := svc.cfg.Batch.Timeout
	if timeout <= 0 {
		timeout = consts.DefaultBatchTimeout
	}

	batchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	svc.storage.RegisterCancelFunc(id, cancel)
	defer svc.storage.UnregisterCancelFunc(id)

	batch, ok := svc.storage.GetBatch(ctx, id)
	if !ok {
		log.WarnContext(ctx, "batch vanished before processing")

		return
	}

	// cancelled while queued: still drain it so every item gets an outcome
	if batch.Status == entity.BatchStatusCancelled {
		cancel()
	}

	if err := svc.storage.UpdateBatchStatus(ctx, id, entity.BatchStatusRunning, ""); err != nil {
		log.ErrorContext(ctx, "update batch status", slog.Any("error", err))
	}

	svc.metrics.RecordBatchStarted()

	sink := newBatchSink(svc.storage, id)

	results, err := svc.runner.Run(batchCtx, batch.Requests(), batch.Concurrency, sink)
	if err != nil {
		log.ErrorContext(ctx, "run batch", slog.Any("error", err))
		svc.metrics.RecordBatchFailed()
		_ = svc.storage.UpdateBatchStatus(ctx, id, entity.BatchStatusError, err.Error())

		return
	}

	switch {
	case errors.Is(batchCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		_ = svc.storage.UpdateBatchStatus(ctx, id, entity.BatchStatusError,
			fmt.Sprintf("batch timed out after %s", timeout))
	case ctx.Err() != nil:
		_ = svc.storage.UpdateBatchStatus(ctx, id, entity.BatchStatusCancelled, "service shutting down")
	}

	if err := svc.storage.SetBatchResult(ctx, id, results); err != nil {
		log.ErrorContext(ctx, "set batch result", slog.Any("error", err))
	}

	final, _ := svc.storage.GetBatch(ctx, id)
	if final != nil && final.Status == entity.BatchStatusFinished {
		svc.metrics.RecordBatchCompleted()
	} else {
		svc.metrics.RecordBatchFailed()
	}

	log.InfoContext(ctx, "batch processed",
		slog.Int("items", len(batch.Items)),
		slog.Int("success", results.Count(entity.OutcomeSuccess)),
		slog.Int("skipped", results.Count(entity.OutcomeSkipped)),
		slog.Int("failed", len(results.Failed())),
		slog.Int64("bytes", results.TotalBytes()))
}

// batchSink folds per-URL progress into the batch record.
type batchSink struct {
	storage storage.Storer
	id      string

	mu   sync.Mutex
	seen map[string]int64 // url : bytes already counted
}

func newBatchSink(stg storage.Storer, id string) *batchSink {
	return &batchSink{storage: stg, id: id, seen: make(map[string]int64)}
}

func (s *batchSink) OnProgress(ctx context.Context, ev entity.ProgressEvent) {
	s.mu.Lock()
	delta := ev.BytesDownloaded - s.seen[ev.URL]
	s.seen[ev.URL] = ev.BytesDownloaded
	s.mu.Unlock()

	_ = s.storage.UpdateBatchProgress(ctx, s.id, delta, 0)
}

func (s *batchSink) OnOutcome(ctx context.Context, _ entity.DownloadOutcome) {
	_ = s.storage.UpdateBatchProgress(ctx, s.id, 0, 1)
}

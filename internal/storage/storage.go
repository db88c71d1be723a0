// Package storage keeps batch records in memory and expires them.
package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kickgrab/internal/config"
	"kickgrab/internal/entity"
	"kickgrab/internal/errs"
	"kickgrab/internal/observability"
	"kickgrab/pkg/calc"
)

// Storer defines the interface for storage operations.
// Getters return copies, so callers can read them without holding any lock.
type Storer interface {
	SetBatch(ctx context.Context, batch *entity.Batch) error
	GetBatch(ctx context.Context, id string) (*entity.Batch, bool)
	GetBatches(ctx context.Context) ([]*entity.Batch, error)
	UpdateBatchStatus(ctx context.Context, id string, status entity.BatchStatus, errorMsg string) error
	UpdateBatchProgress(ctx context.Context, id string, bytesDelta int64, completedDelta int) error
	SetBatchResult(ctx context.Context, id string, results entity.ResultSet) error

	// CancelBatch cancels a queued or running batch by its ID.
	CancelBatch(ctx context.Context, id string) error

	// RegisterCancelFunc stores a cancel function for a batch.
	RegisterCancelFunc(id string, cancelFunc context.CancelFunc)

	// UnregisterCancelFunc removes the cancel function for a batch.
	UnregisterCancelFunc(id string)

	CleanupExpiredBatches(ctx context.Context, interval time.Duration)
}

type storage struct {
	log     *slog.Logger
	cfg     *config.Config
	metrics *observability.Metrics

	mu      sync.RWMutex
	batches map[string]*entity.Batch // batch UUID : batch

	cancelMu    sync.RWMutex
	cancelFuncs map[string]context.CancelFunc // batch UUID : cancel func
}

// New creates a new in-memory storage instance and starts its cleanup loop.
func New(ctx context.Context, log *slog.Logger, cfg *config.Config, metrics *observability.Metrics) Storer {
	storage := &storage{
		log:         log.With(slog.String("package", "storage")),
		cfg:         cfg,
		metrics:     metrics,
		batches:     make(map[string]*entity.Batch),
		cancelFuncs: make(map[string]context.CancelFunc),
	}

	go storage.CleanupExpiredBatches(ctx, cfg.Storage.CleanupInterval)

	return storage
}

func (stg *storage) SetBatch(ctx context.Context, batch *entity.Batch) error {
	if batch == nil {
		return errs.ErrBatchNil
	}

	if batch.UUID == "" {
		return errs.ErrBatchIDEmpty
	}

	cp := *batch

	stg.mu.Lock()
	stg.batches[batch.UUID] = &cp
	count := len(stg.batches)
	stg.mu.Unlock()

	stg.metrics.SetStoredBatches(count)
	stg.log.DebugContext(ctx, "batch stored", slog.Any("batch", batch))

	return nil
}

func (stg *storage) GetBatch(_ context.Context, id string) (*entity.Batch, bool) {
	stg.mu.RLock()
	defer stg.mu.RUnlock()

	batch, ok := stg.batches[id]
	if !ok {
		return nil, false
	}

	cp := *batch

	return &cp, true
}

func (stg *storage) GetBatches(_ context.Context) ([]*entity.Batch, error) {
	stg.mu.RLock()
	defer stg.mu.RUnlock()

	if len(stg.batches) == 0 {
		return nil, errs.ErrNoBatches
	}

	batches := make([]*entity.Batch, 0, len(stg.batches))
	for _, batch := range stg.batches {
		cp := *batch
		batches = append(batches, &cp)
	}

	return batches, nil
}

// UpdateBatchStatus sets status unless the batch already reached a terminal state.
func (stg *storage) UpdateBatchStatus(ctx context.Context, id string, status entity.BatchStatus, errorMsg string) error {
	stg.mu.Lock()
	defer stg.mu.Unlock()

	batch, ok := stg.batches[id]
	if !ok {
		return errs.ErrBatchNotFound
	}

	if batch.Status.Terminal() {
		stg.log.DebugContext(ctx, "batch status kept",
			slog.String("batch_id", id),
			slog.String("status", string(batch.Status)),
			slog.String("ignored", string(status)))

		return nil
	}

	batch.Status = status
	batch.UpdatedAt = time.Now()

	if errorMsg != "" {
		batch.Error = errorMsg
	}

	stg.log.DebugContext(ctx, "batch status updated", slog.Any("batch", batch))

	return nil
}

func (stg *storage) UpdateBatchProgress(_ context.Context, id string, bytesDelta int64, completedDelta int) error {
	stg.mu.Lock()
	defer stg.mu.Unlock()

	batch, ok := stg.batches[id]
	if !ok {
		return errs.ErrBatchNotFound
	}

	batch.BytesDownloaded += bytesDelta
	batch.Completed += completedDelta
	batch.Progress = calc.Progress(int64(batch.Completed), int64(len(batch.Items)))
	batch.UpdatedAt = time.Now()

	return nil
}

// SetBatchResult stores the drained result set and finishes the batch.
// A cancelled batch keeps its status but still gets its (complete) results.
func (stg *storage) SetBatchResult(ctx context.Context, id string, results entity.ResultSet) error {
	stg.mu.Lock()
	defer stg.mu.Unlock()

	batch, ok := stg.batches[id]
	if !ok {
		return errs.ErrBatchNotFound
	}

	batch.Results = results
	batch.Completed = len(results)
	batch.Progress = calc.Progress(int64(len(results)), int64(len(batch.Items)))
	batch.UpdatedAt = time.Now()

	if !batch.Status.Terminal() {
		batch.Status = entity.BatchStatusFinished
	}

	stg.log.DebugContext(ctx, "batch result stored", slog.Any("batch", batch))

	return nil
}

// CancelBatch cancels a batch by its ID. A running batch has its context cancelled;
// a queued one is only marked, and its worker drains it without network access.
func (stg *storage) CancelBatch(ctx context.Context, id string) error {
	stg.mu.Lock()

	batch := stg.batches[id]
	if batch == nil {
		stg.mu.Unlock()

		return errs.ErrBatchNotFound
	}

	if batch.Status.Terminal() {
		stg.mu.Unlock()

		return errs.ErrBatchNotCancellable
	}

	batch.Status = entity.BatchStatusCancelled
	batch.UpdatedAt = time.Now()

	stg.mu.Unlock()

	stg.cancelMu.RLock()
	cancelFunc := stg.cancelFuncs[id]
	stg.cancelMu.RUnlock()

	if cancelFunc != nil {
		cancelFunc()
	}

	stg.log.InfoContext(ctx, "batch cancelled", slog.String("batch_id", id), slog.Bool("running", cancelFunc != nil))

	return nil
}

// RegisterCancelFunc stores a cancel function for a batch.
func (stg *storage) RegisterCancelFunc(id string, cancelFunc context.CancelFunc) {
	stg.cancelMu.Lock()
	defer stg.cancelMu.Unlock()

	stg.cancelFuncs[id] = cancelFunc
}

// UnregisterCancelFunc removes the cancel function for a batch.
func (stg *storage) UnregisterCancelFunc(id string) {
	stg.cancelMu.Lock()
	defer stg.cancelMu.Unlock()

	delete(stg.cancelFuncs, id)
}

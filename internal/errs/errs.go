// Package errs defines common error variables used across the application.
package errs

import "errors"

var (
	// ErrServiceClosed indicates that the service is closed and cannot accept new batches.
	ErrServiceClosed = errors.New("service is closed")
	// ErrInvalidRequestBody indicates that the request body is invalid or cannot be parsed.
	ErrInvalidRequestBody = errors.New("invalid request body")
)

// Valid request errors.
var (
	// ErrInvalidURL indicates that an item URL in the request is invalid.
	ErrInvalidURL = errors.New("invalid url field")
	// ErrInvalidMediaType indicates that the media type field in the request is unknown.
	ErrInvalidMediaType = errors.New("invalid media_type field")
	// ErrNoItems indicates that the request contains no items to download.
	ErrNoItems = errors.New("no items to download")
	// ErrInvalidRoot indicates that a relative destination root leaves the downloads directory.
	ErrInvalidRoot = errors.New("invalid root field")
)

// Batch and storage errors.
var (
	// ErrNoBatches indicates that there are no batches in storage.
	ErrNoBatches = errors.New("no batches")
	// ErrBatchNotFound indicates that the batch is not found in storage.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrBatchNil indicates that the batch is nil.
	ErrBatchNil = errors.New("batch is nil")
	// ErrBatchIDEmpty indicates that the batch ID is empty.
	ErrBatchIDEmpty = errors.New("batch_id is empty")
	// ErrBatchNotCancellable indicates that the batch already reached a terminal state.
	ErrBatchNotCancellable = errors.New("batch cannot be cancelled")
	// ErrBatchQueueFull indicates that the batch queue is full.
	ErrBatchQueueFull = errors.New("batch queue is full")
)

// Pool errors. These are the only errors that abort a whole run.
var (
	// ErrInvalidConcurrency indicates that the requested concurrency is below one.
	ErrInvalidConcurrency = errors.New("concurrency must be at least 1")
	// ErrEmptyDestinationRoot indicates that a request has no destination root.
	ErrEmptyDestinationRoot = errors.New("destination root is empty")
	// ErrNotDrained indicates that results were read before the pool drained.
	ErrNotDrained = errors.New("result set read before pool drained")
	// ErrFetcherNil indicates that the pool was built without a fetcher.
	ErrFetcherNil = errors.New("fetcher is nil")
)

// History errors.
var (
	// ErrUnknownHistoryBackend indicates that the configured history backend is not supported.
	ErrUnknownHistoryBackend = errors.New("unknown history backend")
)

// Proxy errors.
var (
	// ErrNoProxiesAvailable indicates that no proxies are available.
	ErrNoProxiesAvailable = errors.New("no proxies available")
)

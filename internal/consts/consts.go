// Package consts defines application-wide constants.
package consts

import "time"

const (
	// DefaultBatchTimeout is the default timeout for running one batch.
	DefaultBatchTimeout = 2 * time.Hour
	// DefaultBatchWorkers is the default number of batches processed at once.
	DefaultBatchWorkers = 1
	// DefaultQueueSize is the default size of the batch queue.
	DefaultQueueSize = 50
	// DefaultBatchTTL is the default time-to-live for stored batch records.
	DefaultBatchTTL = 7 * 24 * time.Hour
	// DefaultHandlerTimeout bounds read-only HTTP handlers.
	DefaultHandlerTimeout = 20 * time.Second
	// DefaultMaxBodyBytes caps the size of a batch request body.
	DefaultMaxBodyBytes = 4 << 20
	// DefaultSimulateTime is the default time the mock fetcher spends per file.
	DefaultSimulateTime = 50 * time.Millisecond
)

// Pool defaults.
const (
	// DefaultConcurrency is the number of workers used when a batch does not ask for one.
	DefaultConcurrency = 8
	// DefaultMaxConcurrency caps the workers of any single run.
	DefaultMaxConcurrency = 16
)

// Fetch defaults: three connect retries with a 0.5s backoff factor and 1 KiB chunks.
const (
	// DefaultUserAgent impersonates a desktop browser; the source site rejects default agents.
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_11_5) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/50.0.2661.102 Safari/537.36"
	// DefaultConnectRetries is the number of retries after the first failed connection.
	DefaultConnectRetries = 3
	// DefaultBackoff is the delay before the first retry; it doubles on each retry.
	DefaultBackoff = 500 * time.Millisecond
	// DefaultChunkSize is the read and write unit in bytes.
	DefaultChunkSize = 1024
	// DrainLimit bounds how much of an error response body is read before closing it.
	DrainLimit = 4 << 10

	DefaultDialTimeout           = 30 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
	DefaultKeepAlive             = 30 * time.Second
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultMaxIdleConns          = 100
)

// HTTP response messages.
const (
	// RespInvalidRequestBody is returned when the request body is invalid.
	RespInvalidRequestBody = "invalid request body"
	// RespQueryParamMissing is returned when a required path or query parameter is missing.
	RespQueryParamMissing = "query param missing or invalid"
	// RespUnprocessableEntity is returned when the request cannot be processed.
	RespUnprocessableEntity = "unprocessable entity"
	// RespBatchEnqueued is returned when a batch is successfully enqueued.
	RespBatchEnqueued = "batch enqueued"
	// RespBatchEnqueueFail is returned when a batch cannot be enqueued.
	RespBatchEnqueueFail = "batch enqueue failed"
	// RespGetBatchesFail is returned when listing batches fails.
	RespGetBatchesFail = "get all batches failed"
	// RespNoBatches is returned when there are no batches available.
	RespNoBatches = "no batches"
	// RespBatchRetrieved is returned when a batch is successfully retrieved.
	RespBatchRetrieved = "batch retrieved"
	// RespBatchesRetrieved is returned when batches are successfully retrieved.
	RespBatchesRetrieved = "batches retrieved"
	// RespBatchNotFound is returned when a batch is not found.
	RespBatchNotFound = "batch not found"
	// RespBatchCancelled is returned when a batch is cancelled.
	RespBatchCancelled = "batch cancelled"
	// RespBatchCancelFail is returned when a batch cannot be cancelled.
	RespBatchCancelFail = "batch cancel failed"
	// RespServiceUnavailable is returned when the service cannot take more batches.
	RespServiceUnavailable = "service unavailable"
)

// Fetcher identifiers.
const (
	// DownloaderHTTP is the streaming HTTP fetcher identifier.
	DownloaderHTTP = "http"
	// DownloaderMock is the mock fetcher identifier for testing.
	DownloaderMock = "mock"
)

// History backends.
const (
	HistoryNone   = "none"
	HistoryMemory = "memory"
	HistoryRedis  = "redis"
)

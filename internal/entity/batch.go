package entity

import (
	"log/slog"
	"time"
)

// BatchStatus represents the status of a download batch.
type BatchStatus string

const (
	// BatchStatusQueued indicates that the batch is accepted and waits for a worker.
	BatchStatusQueued BatchStatus = "queued"
	// BatchStatusRunning indicates that the pool is draining the batch.
	BatchStatusRunning BatchStatus = "running"
	// BatchStatusFinished indicates that every item produced an outcome.
	BatchStatusFinished BatchStatus = "finished"
	// BatchStatusCancelled indicates that the batch was cancelled by the user.
	BatchStatusCancelled BatchStatus = "cancelled"
	// BatchStatusError indicates that the batch could not be run at all.
	BatchStatusError BatchStatus = "error"
)

// Terminal reports whether the status can no longer change.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusFinished || s == BatchStatusCancelled || s == BatchStatusError
}

// BatchItem is one URL handed over by the discovery collaborator.
type BatchItem struct {
	URL      string `json:"url"`
	Label    string `json:"label,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// Batch is a group of downloads sharing a destination root and media type.
type Batch struct {
	UUID        string      `json:"uuid"`
	Root        string      `json:"root"`
	MediaType   MediaType   `json:"mediaType"`
	Concurrency int         `json:"concurrency"`
	Items       []BatchItem `json:"items"`
	Status      BatchStatus `json:"status"`
	Completed   int         `json:"completed"`
	// BytesDownloaded is the running sum of bytes reported by progress events.
	BytesDownloaded int64     `json:"bytesDownloaded"`
	Progress        int       `json:"progress"`
	Error           string    `json:"error,omitempty"`
	Results         ResultSet `json:"results,omitempty"` // set once the batch is finished
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// Requests expands the batch into one DownloadRequest per item.
func (b *Batch) Requests() []DownloadRequest {
	reqs := make([]DownloadRequest, 0, len(b.Items))

	for _, item := range b.Items {
		reqs = append(reqs, DownloadRequest{
			URL:             item.URL,
			DestinationRoot: b.Root,
			MediaType:       b.MediaType,
			Label:           item.Label,
			FileName:        item.FileName,
		})
	}

	return reqs
}

// LogValue implements the slog.LogValuer interface for structured logging.
func (b Batch) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("uuid", b.UUID),
		slog.String("root", b.Root),
		slog.String("media_type", string(b.MediaType)),
		slog.Int("items", len(b.Items)),
		slog.String("status", string(b.Status)),
		slog.Int("completed", b.Completed),
		slog.Int("progress", b.Progress),
		slog.Int64("bytes_downloaded", b.BytesDownloaded),
	)
}

// Package entity defines the core entities used in the application.
package entity

import (
	"fmt"
	"log/slog"
	"time"

	"kickgrab/internal/errs"
)

// MediaType classifies a requested download. It only affects where the file lands.
type MediaType string

const (
	// MediaTypeNone writes the file directly under the destination root.
	MediaTypeNone MediaType = "none"
	// MediaTypeImage nests the file under images/<extension>/.
	MediaTypeImage MediaType = "image"
	// MediaTypeVideo writes the file directly under the destination root.
	MediaTypeVideo MediaType = "video"
	// MediaTypeThumbnail writes the file directly under the destination root.
	MediaTypeThumbnail MediaType = "thumbnail"
)

// ParseMediaType converts s to a MediaType. An empty string maps to MediaTypeNone.
func ParseMediaType(s string) (MediaType, error) {
	switch MediaType(s) {
	case "", MediaTypeNone:
		return MediaTypeNone, nil
	case MediaTypeImage, MediaTypeVideo, MediaTypeThumbnail:
		return MediaType(s), nil
	default:
		return "", fmt.Errorf("%w: %q", errs.ErrInvalidMediaType, s)
	}
}

// DownloadRequest is one unit of work. It is not modified once enqueued.
type DownloadRequest struct {
	URL             string    `json:"url"`
	DestinationRoot string    `json:"destinationRoot"`
	MediaType       MediaType `json:"mediaType"`
	Label           string    `json:"label,omitempty"`
	// FileName overrides the name derived from the URL.
	FileName string `json:"fileName,omitempty"`
}

// LogValue implements the slog.LogValuer interface for structured logging.
func (r DownloadRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("url", r.URL),
		slog.String("root", r.DestinationRoot),
		slog.String("media_type", string(r.MediaType)),
		slog.String("label", r.Label),
		slog.String("file_name", r.FileName),
	)
}

// OutcomeStatus is the terminal state of one request.
type OutcomeStatus string

const (
	// OutcomeSuccess indicates the file was written completely.
	OutcomeSuccess OutcomeStatus = "success"
	// OutcomeFailed indicates the request could not be completed.
	OutcomeFailed OutcomeStatus = "failed"
	// OutcomeSkipped indicates the file was already present from an earlier run.
	OutcomeSkipped OutcomeStatus = "skipped"
	// OutcomeCancelled indicates the caller cancelled the run before the file completed.
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// MediaInfo holds properties read back from a downloaded image.
type MediaInfo struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DownloadOutcome is the terminal result of processing one DownloadRequest.
type DownloadOutcome struct {
	URL          string              `json:"url"`
	Label        string              `json:"label,omitempty"`
	Status       OutcomeStatus       `json:"status"`
	BytesWritten int64               `json:"bytesWritten"`
	TotalBytes   int64               `json:"totalBytes"` // -1 when the server sent no Content-Length
	LocalPath    string              `json:"localPath,omitempty"`
	Err          *errs.DownloadError `json:"error,omitempty"`
	Cause        string              `json:"cause,omitempty"`
	Attempts     int                 `json:"attempts"`
	Duration     time.Duration       `json:"duration"`
	Media        *MediaInfo          `json:"media,omitempty"`
}

// Fail sets the outcome to failed or cancelled depending on the kind of err.
func (o *DownloadOutcome) Fail(err *errs.DownloadError) {
	o.Status = OutcomeFailed
	if err != nil && err.Kind == errs.KindCancelled {
		o.Status = OutcomeCancelled
	}

	o.Err = err
	if err != nil {
		o.Cause = err.Error()
	}
}

// LogValue implements the slog.LogValuer interface for structured logging.
func (o DownloadOutcome) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("url", o.URL),
		slog.String("status", string(o.Status)),
		slog.Int64("bytes_written", o.BytesWritten),
		slog.Int64("total_bytes", o.TotalBytes),
		slog.String("local_path", o.LocalPath),
		slog.Int("attempts", o.Attempts),
		slog.Duration("duration", o.Duration),
	}

	if o.Label != "" {
		attrs = append(attrs, slog.String("label", o.Label))
	}

	if o.Cause != "" {
		attrs = append(attrs, slog.String("cause", o.Cause))
	}

	return slog.GroupValue(attrs...)
}

// ProgressEvent reports bytes written so far for one URL.
type ProgressEvent struct {
	URL             string `json:"url"`
	Label           string `json:"label,omitempty"`
	BytesDownloaded int64  `json:"bytesDownloaded"`
	TotalBytes      int64  `json:"totalBytes"` // -1 when indeterminate
}

// Indeterminate reports whether the total size is unknown.
func (e ProgressEvent) Indeterminate() bool {
	return e.TotalBytes < 0
}

// ResultSet maps a source URL to its outcome.
type ResultSet map[string]DownloadOutcome

// Count returns the number of outcomes with the given status.
func (rs ResultSet) Count(status OutcomeStatus) int {
	n := 0

	for _, o := range rs {
		if o.Status == status {
			n++
		}
	}

	return n
}

// Failed returns the outcomes that did not succeed or get skipped.
func (rs ResultSet) Failed() []DownloadOutcome {
	var failed []DownloadOutcome

	for _, o := range rs {
		if o.Status == OutcomeFailed || o.Status == OutcomeCancelled {
			failed = append(failed, o)
		}
	}

	return failed
}

// TotalBytes sums bytes written across all outcomes.
func (rs ResultSet) TotalBytes() int64 {
	var total int64

	for _, o := range rs {
		total += o.BytesWritten
	}

	return total
}

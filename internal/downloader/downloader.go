// Package downloader fetches one URL to one local file.
package downloader

import (
	"context"
	"errors"
	"log/slog"

	"kickgrab/internal/entity"
	"kickgrab/internal/errs"
	"kickgrab/internal/progress"
)

// FetchRequest is a single resolved transfer.
type FetchRequest struct {
	URL   string
	Path  string
	Label string
}

// LogValue implements the slog.LogValuer interface for structured logging.
func (r FetchRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("url", r.URL),
		slog.String("path", r.Path),
		slog.String("label", r.Label),
	)
}

// Fetcher downloads req.URL into req.Path. It never panics on network or disk errors and
// always returns a terminal outcome; failures are described by outcome.Err.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest, sink progress.Sink) entity.DownloadOutcome
}

func classifyProcessingError(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return string(errs.KindOf(err))
	}
}

// Package history remembers which URLs were already saved, and where, across runs.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"kickgrab/internal/config"
	"kickgrab/internal/consts"
	"kickgrab/internal/errs"
)

// Record describes one completed download.
type Record struct {
	URL       string    `json:"url"`
	LocalPath string    `json:"localPath"`
	Bytes     int64     `json:"bytes"`
	SavedAt   time.Time `json:"savedAt"`
}

// Store looks up and saves records keyed by source URL.
type Store interface {
	Lookup(ctx context.Context, rawURL string) (Record, bool, error)
	Save(ctx context.Context, rec Record) error
	Close() error
}

// New builds the store selected by cfg.History.Backend. The none backend returns a nil Store.
func New(ctx context.Context, log *slog.Logger, cfg *config.Config) (Store, error) {
	switch cfg.History.Backend {
	case "", consts.HistoryNone:
		return nil, nil //nolint:nilnil // history is optional
	case consts.HistoryMemory:
		return NewMemory(), nil
	case consts.HistoryRedis:
		store, err := NewRedis(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("redis history: %w", err)
		}

		log.InfoContext(ctx, "history ledger connected",
			slog.String("package", "history"),
			slog.String("addr", cfg.History.RedisAddr))

		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownHistoryBackend, cfg.History.Backend)
	}
}

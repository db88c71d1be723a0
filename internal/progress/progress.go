// Package progress carries download progress out of the core without formatting it.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kickgrab/internal/entity"
	"kickgrab/pkg/calc"
)

const defaultLogFreq = 200 * time.Millisecond

// Sink consumes progress events and terminal outcomes. Implementations must be safe for
// concurrent use: every worker of a pool reports into the same sink.
type Sink interface {
	OnProgress(ctx context.Context, ev entity.ProgressEvent)
	OnOutcome(ctx context.Context, outcome entity.DownloadOutcome)
}

// Nop discards everything.
type Nop struct{}

// OnProgress implements Sink.
func (Nop) OnProgress(context.Context, entity.ProgressEvent) {}

// OnOutcome implements Sink.
func (Nop) OnOutcome(context.Context, entity.DownloadOutcome) {}

// Funcs adapts plain functions to a Sink. Nil fields are ignored.
type Funcs struct {
	Progress func(ctx context.Context, ev entity.ProgressEvent)
	Outcome  func(ctx context.Context, outcome entity.DownloadOutcome)
}

// OnProgress implements Sink.
func (f Funcs) OnProgress(ctx context.Context, ev entity.ProgressEvent) {
	if f.Progress != nil {
		f.Progress(ctx, ev)
	}
}

// OnOutcome implements Sink.
func (f Funcs) OnOutcome(ctx context.Context, outcome entity.DownloadOutcome) {
	if f.Outcome != nil {
		f.Outcome(ctx, outcome)
	}
}

// Multi fans events out to several sinks in order.
type Multi []Sink

// OnProgress implements Sink.
func (m Multi) OnProgress(ctx context.Context, ev entity.ProgressEvent) {
	for _, s := range m {
		s.OnProgress(ctx, ev)
	}
}

// OnOutcome implements Sink.
func (m Multi) OnOutcome(ctx context.Context, outcome entity.DownloadOutcome) {
	for _, s := range m {
		s.OnOutcome(ctx, outcome)
	}
}

// Logger writes throttled debug progress lines and one line per outcome.
type Logger struct {
	log  *slog.Logger
	freq time.Duration

	mu    sync.Mutex
	last  map[string]time.Time
	start map[string]time.Time
}

// NewLogger returns a Logger that emits at most one progress line per URL every freq.
// A non-positive freq uses the default of 200ms.
func NewLogger(log *slog.Logger, freq time.Duration) *Logger {
	if freq <= 0 {
		freq = defaultLogFreq
	}

	return &Logger{
		log:   log.With(slog.String("package", "progress")),
		freq:  freq,
		last:  make(map[string]time.Time),
		start: make(map[string]time.Time),
	}
}

// OnProgress implements Sink.
func (l *Logger) OnProgress(ctx context.Context, ev entity.ProgressEvent) {
	now := time.Now()

	l.mu.Lock()
	started, ok := l.start[ev.URL]
	if !ok {
		started = now
		l.start[ev.URL] = now
	}

	done := ev.TotalBytes > 0 && ev.BytesDownloaded >= ev.TotalBytes
	if !done && now.Sub(l.last[ev.URL]) < l.freq {
		l.mu.Unlock()

		return
	}

	l.last[ev.URL] = now
	l.mu.Unlock()

	attrs := []any{
		slog.String("url", ev.URL),
		slog.Int64("downloaded_bytes", ev.BytesDownloaded),
	}

	if ev.Label != "" {
		attrs = append(attrs, slog.String("label", ev.Label))
	}

	if ev.Indeterminate() {
		attrs = append(attrs, slog.Bool("indeterminate", true))
	} else {
		attrs = append(attrs,
			slog.Int64("total_bytes", ev.TotalBytes),
			slog.Int("progress", calc.Progress(ev.BytesDownloaded, ev.TotalBytes)),
			slog.Duration("eta", calc.ETA(ev.BytesDownloaded, ev.TotalBytes, started)),
		)
	}

	l.log.DebugContext(ctx, "download progress", attrs...)
}

// OnOutcome implements Sink.
func (l *Logger) OnOutcome(ctx context.Context, outcome entity.DownloadOutcome) {
	l.mu.Lock()
	delete(l.last, outcome.URL)
	delete(l.start, outcome.URL)
	l.mu.Unlock()

	switch outcome.Status {
	case entity.OutcomeSuccess, entity.OutcomeSkipped:
		l.log.InfoContext(ctx, "download done", slog.Any("outcome", outcome))
	default:
		l.log.WarnContext(ctx, "download not completed", slog.Any("outcome", outcome))
	}
}

package downloader

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"kickgrab/internal/consts"
	"kickgrab/internal/entity"
	"kickgrab/internal/errs"
	"kickgrab/internal/progress"
)

const mockSteps = 10

// Mock simulates downloads without touching the network. It writes Size bytes to the
// destination in mockSteps chunks spread over Delay.
type Mock struct {
	log *slog.Logger

	Delay time.Duration
	Size  int64

	mu       sync.Mutex
	failures map[string]errs.Kind
	panics   map[string]bool
	calls    map[string]int

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// NewMock creates a mock fetcher with the default simulated duration.
func NewMock(log *slog.Logger) *Mock {
	return &Mock{
		log:      log.With(slog.String("package", "downloader"), slog.String("downloader", consts.DownloaderMock)),
		Delay:    consts.DefaultSimulateTime,
		Size:     mockSteps * consts.DefaultChunkSize,
		failures: make(map[string]errs.Kind),
		panics:   make(map[string]bool),
		calls:    make(map[string]int),
	}
}

// FailWith makes every fetch of rawURL fail with kind.
func (m *Mock) FailWith(rawURL string, kind errs.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures[rawURL] = kind
}

// PanicOn makes every fetch of rawURL panic.
func (m *Mock) PanicOn(rawURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.panics[rawURL] = true
}

// Calls returns how many times rawURL was fetched.
func (m *Mock) Calls(rawURL string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls[rawURL]
}

// MaxInFlight returns the highest number of concurrent fetches observed.
func (m *Mock) MaxInFlight() int64 {
	return m.maxInFlight.Load()
}

// Fetch implements Fetcher.
func (m *Mock) Fetch(ctx context.Context, req FetchRequest, sink progress.Sink) (out entity.DownloadOutcome) {
	if sink == nil {
		sink = progress.Nop{}
	}

	cur := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)

	for {
		peak := m.maxInFlight.Load()
		if cur <= peak || m.maxInFlight.CompareAndSwap(peak, cur) {
			break
		}
	}

	m.mu.Lock()
	m.calls[req.URL]++
	kind, fail := m.failures[req.URL]
	shouldPanic := m.panics[req.URL]
	m.mu.Unlock()

	if shouldPanic {
		panic("mock fetcher: " + req.URL)
	}

	start := time.Now()
	out = entity.DownloadOutcome{URL: req.URL, Label: req.Label, TotalBytes: m.Size, Attempts: 1}

	defer func() {
		out.Duration = time.Since(start)
	}()

	log := m.log.With(slog.Any("request", req))

	if fail {
		dlErr := errs.NewDownloadError(kind, req.URL, "simulated failure", nil)
		dlErr.Attempts = 1
		out.Fail(dlErr)

		log.DebugContext(ctx, "simulated failure", slog.String("kind", string(kind)))

		return out
	}

	if err := os.MkdirAll(filepath.Dir(req.Path), dirPerm); err != nil {
		out.Fail(errs.NewDownloadError(errs.KindFilesystem, req.URL, "create directory", err))

		return out
	}

	written, err := m.simulateDownload(ctx, req, sink)
	out.BytesWritten = written
	out.LocalPath = req.Path

	if err != nil {
		out.Fail(err)

		return out
	}

	out.Status = entity.OutcomeSuccess

	return out
}

func (m *Mock) simulateDownload(ctx context.Context, req FetchRequest, sink progress.Sink) (int64, *errs.DownloadError) {
	file, err := os.Create(req.Path)
	if err != nil {
		return 0, errs.NewDownloadError(errs.KindFilesystem, req.URL, "create file", err)
	}
	defer file.Close()

	chunk := make([]byte, m.Size/mockSteps)

	ticker := time.NewTicker(max(m.Delay/mockSteps, time.Microsecond))
	defer ticker.Stop()

	var written int64

	for step := 1; step <= mockSteps; step++ {
		select {
		case <-ctx.Done():
			return written, cancelled(req.URL, 1, ctx.Err())
		case <-ticker.C:
		}

		if step == mockSteps {
			chunk = make([]byte, m.Size-written)
		}

		n, err := file.Write(chunk)
		written += int64(n)

		if err != nil {
			return written, errs.NewDownloadError(errs.KindFilesystem, req.URL, "write file", err)
		}

		sink.OnProgress(ctx, entity.ProgressEvent{
			URL:             req.URL,
			Label:           req.Label,
			BytesDownloaded: written,
			TotalBytes:      m.Size,
		})
	}

	return written, nil
}

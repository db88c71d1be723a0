package pool_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"kickgrab/internal/config"
	"kickgrab/internal/downloader"
	"kickgrab/internal/entity"
	"kickgrab/internal/errs"
	"kickgrab/internal/history"
	"kickgrab/internal/mediaprobe"
	"kickgrab/internal/pool"
	"kickgrab/internal/progress"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testConfig(maxConcurrency int) *config.Config {
	return &config.Config{
		Pool: config.Pool{Concurrency: 8, MaxConcurrency: maxConcurrency},
		Fetch: config.Fetch{
			ConnectRetries: 3,
			Backoff:        500 * time.Millisecond,
			ChunkSize:      1024,
		},
	}
}

func newMock() *downloader.Mock {
	mock := downloader.NewMock(discardLogger())
	mock.Delay = 5 * time.Millisecond

	return mock
}

func newPool(t *testing.T, fetcher downloader.Fetcher, opts ...pool.Option) *pool.Pool {
	t.Helper()

	p, err := pool.New(discardLogger(), testConfig(16), fetcher, opts...)
	if err != nil {
		t.Fatalf("pool.New() error = %v", err)
	}

	return p
}

func requests(root string, n int) []entity.DownloadRequest {
	reqs := make([]entity.DownloadRequest, 0, n)
	for i := range n {
		reqs = append(reqs, entity.DownloadRequest{
			URL:             fmt.Sprintf("https://cdn.example.com/%d.mp4", i),
			DestinationRoot: root,
			MediaType:       entity.MediaTypeVideo,
		})
	}

	return reqs
}

func TestNewRequiresFetcher(t *testing.T) {
	t.Parallel()

	if _, err := pool.New(discardLogger(), testConfig(4), nil); !errors.Is(err, errs.ErrFetcherNil) {
		t.Fatalf("New(nil) error = %v, want %v", err, errs.ErrFetcherNil)
	}
}

func TestRunAllFatalErrors(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	tests := []struct {
		name        string
		requests    []entity.DownloadRequest
		concurrency int
		wantErr     error
	}{
		{
			name:        "zero concurrency",
			requests:    requests(root, 1),
			concurrency: 0,
			wantErr:     errs.ErrInvalidConcurrency,
		},
		{
			name:        "negative concurrency",
			requests:    requests(root, 1),
			concurrency: -3,
			wantErr:     errs.ErrInvalidConcurrency,
		},
		{
			name: "empty destination root",
			requests: append(requests(root, 1), entity.DownloadRequest{
				URL: "https://cdn.example.com/x.png",
			}),
			concurrency: 2,
			wantErr:     errs.ErrEmptyDestinationRoot,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := newMock()

			results, err := newPool(t, mock).RunAll(t.Context(), tt.requests, tt.concurrency)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("RunAll() error = %v, want %v", err, tt.wantErr)
			}

			if results != nil {
				t.Errorf("RunAll() results = %v, want nil", results)
			}

			if got := mock.MaxInFlight(); got != 0 {
				t.Errorf("fetcher was called on a fatal error")
			}
		})
	}
}

func TestRunAllEmpty(t *testing.T) {
	t.Parallel()

	results, err := newPool(t, newMock()).RunAll(t.Context(), nil, 4)
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}

	if len(results) != 0 {
		t.Errorf("len(results) = %d, want 0", len(results))
	}
}

func TestRunAllOneOutcomePerRequest(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 3, 17, 40} {
		t.Run(fmt.Sprintf("%d requests", n), func(t *testing.T) {
			t.Parallel()

			mock := newMock()
			for i := 0; i < n; i += 3 {
				mock.FailWith(fmt.Sprintf("https://cdn.example.com/%d.mp4", i), errs.KindTransientNetwork)
			}

			var outcomes atomic.Int32

			sink := progress.Funcs{Outcome: func(context.Context, entity.DownloadOutcome) { outcomes.Add(1) }}

			results, err := newPool(t, mock, pool.WithSink(sink)).RunAll(t.Context(), requests(t.TempDir(), n), 4)
			if err != nil {
				t.Fatalf("RunAll() error = %v", err)
			}

			if len(results) != n {
				t.Errorf("len(results) = %d, want %d", len(results), n)
			}

			if got := int(outcomes.Load()); got != n {
				t.Errorf("outcome events = %d, want %d", got, n)
			}
		})
	}
}

func TestRunAllMalformedURLIsIsolated(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	mock := newMock()

	reqs := []entity.DownloadRequest{
		{URL: "https://cdn.example.com/", DestinationRoot: root},
		{URL: "not a url at all", DestinationRoot: root},
		{URL: "https://cdn.example.com/ok.jpg", DestinationRoot: root, MediaType: entity.MediaTypeImage},
		{URL: "https://cdn.example.com/ok.mp4", DestinationRoot: root},
	}

	results, err := newPool(t, mock).RunAll(t.Context(), reqs, 2)
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}

	if len(results) != len(reqs) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(reqs))
	}

	for _, url := range []string{"https://cdn.example.com/", "not a url at all"} {
		out := results[url]
		if out.Status != entity.OutcomeFailed || !errors.Is(out.Err, errs.ErrMalformedURL) {
			t.Errorf("%q outcome = %s/%v, want failed malformed_url", url, out.Status, out.Err)
		}

		if out.Cause == "" {
			t.Errorf("%q outcome has no cause", url)
		}

		if mock.Calls(url) != 0 {
			t.Errorf("%q was fetched", url)
		}
	}

	for _, url := range []string{"https://cdn.example.com/ok.jpg", "https://cdn.example.com/ok.mp4"} {
		if got := results[url].Status; got != entity.OutcomeSuccess {
			t.Errorf("%q status = %q, want success", url, got)
		}
	}
}

func TestRunAllScenario(t *testing.T) {
	t.Parallel()

	bodies := map[string][]byte{
		"/a.png": bytes.Repeat([]byte("a"), 1500),
		"/b.mp4": bytes.Repeat([]byte("b"), 3000),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)

			return
		}

		_, _ = w.Write(body)
	}))
	defer srv.Close()

	root := t.TempDir()
	fetcher := downloader.NewHTTP(discardLogger(), testConfig(16), srv.Client())

	reqs := []entity.DownloadRequest{
		{URL: srv.URL + "/a.png?x=1", DestinationRoot: root, MediaType: entity.MediaTypeImage},
		{URL: srv.URL + "/b.mp4", DestinationRoot: root, MediaType: entity.MediaTypeNone},
	}

	results, err := newPool(t, fetcher).RunAll(t.Context(), reqs, 8)
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}

	if got := results.Count(entity.OutcomeSuccess); got != 2 {
		t.Fatalf("success count = %d, want 2: %+v", got, results)
	}

	wantPaths := map[string]string{
		reqs[0].URL: filepath.Join(root, "images", "png", "a.png"),
		reqs[1].URL: filepath.Join(root, "b.mp4"),
	}

	for url, want := range wantPaths {
		out := results[url]
		if out.LocalPath != want {
			t.Errorf("%q local path = %q, want %q", url, out.LocalPath, want)
		}

		info, err := os.Stat(want)
		if err != nil {
			t.Errorf("stat %s: %v", want, err)

			continue
		}

		if info.Size() != out.BytesWritten {
			t.Errorf("%s size = %d, bytes written = %d", want, info.Size(), out.BytesWritten)
		}
	}
}

func TestRunAllConcurrencyCap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		maxConcurrency int
		concurrency    int
		requests       int
		wantMax        int64
	}{
		{name: "requested concurrency", maxConcurrency: 16, concurrency: 2, requests: 10, wantMax: 2},
		{name: "ceiling", maxConcurrency: 3, concurrency: 50, requests: 12, wantMax: 3},
		{name: "fewer requests than workers", maxConcurrency: 16, concurrency: 8, requests: 1, wantMax: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := newMock()
			mock.Delay = 20 * time.Millisecond

			p, err := pool.New(discardLogger(), testConfig(tt.maxConcurrency), mock)
			if err != nil {
				t.Fatalf("pool.New() error = %v", err)
			}

			results, err := p.RunAll(t.Context(), requests(t.TempDir(), tt.requests), tt.concurrency)
			if err != nil {
				t.Fatalf("RunAll() error = %v", err)
			}

			if len(results) != tt.requests {
				t.Errorf("len(results) = %d, want %d", len(results), tt.requests)
			}

			if got := mock.MaxInFlight(); got > tt.wantMax || got < 1 {
				t.Errorf("max in flight = %d, want between 1 and %d", got, tt.wantMax)
			}
		})
	}
}

func TestRunAllRecoversPanics(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	reqs := requests(root, 5)

	mock := newMock()
	mock.PanicOn(reqs[2].URL)

	results, err := newPool(t, mock).RunAll(t.Context(), reqs, 1)
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}

	if len(results) != len(reqs) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(reqs))
	}

	out := results[reqs[2].URL]
	if out.Status != entity.OutcomeFailed || !errors.Is(out.Err, errs.ErrInternal) {
		t.Errorf("panicking outcome = %s/%v, want failed internal", out.Status, out.Err)
	}

	if got := results.Count(entity.OutcomeSuccess); got != 4 {
		t.Errorf("success count = %d, want 4", got)
	}
}

func TestRunSurvivesPanickingSink(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	reqs := requests(root, 3)

	var seen atomic.Int32

	sink := progress.Funcs{Outcome: func(_ context.Context, out entity.DownloadOutcome) {
		seen.Add(1)

		if out.URL == reqs[0].URL {
			panic("sink blew up")
		}
	}}

	results, err := newPool(t, newMock()).Run(t.Context(), reqs, 2, sink)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := results.Count(entity.OutcomeSuccess); got != len(reqs) {
		t.Errorf("success count = %d, want %d", got, len(reqs))
	}

	if got := seen.Load(); got != int32(len(reqs)) {
		t.Errorf("sink saw %d outcomes, want %d", got, len(reqs))
	}
}

func TestRunAllCancelled(t *testing.T) {
	t.Parallel()

	t.Run("before start", func(t *testing.T) {
		t.Parallel()

		mock := newMock()

		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		reqs := requests(t.TempDir(), 6)

		results, err := newPool(t, mock).RunAll(ctx, reqs, 2)
		if err != nil {
			t.Fatalf("RunAll() error = %v", err)
		}

		if got := results.Count(entity.OutcomeCancelled); got != len(reqs) {
			t.Errorf("cancelled count = %d, want %d", got, len(reqs))
		}

		if got := mock.MaxInFlight(); got != 0 {
			t.Errorf("max in flight = %d, want 0", got)
		}
	})

	t.Run("mid run", func(t *testing.T) {
		t.Parallel()

		mock := newMock()
		mock.Delay = 50 * time.Millisecond

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		var first atomic.Bool

		sink := progress.Funcs{Progress: func(context.Context, entity.ProgressEvent) {
			if first.CompareAndSwap(false, true) {
				cancel()
			}
		}}

		reqs := requests(t.TempDir(), 10)

		results, err := newPool(t, mock).Run(ctx, reqs, 2, sink)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		if len(results) != len(reqs) {
			t.Fatalf("len(results) = %d, want %d", len(results), len(reqs))
		}

		if got := results.Count(entity.OutcomeCancelled); got < len(reqs)-2 {
			t.Errorf("cancelled count = %d, want at least %d", got, len(reqs)-2)
		}
	})
}

func TestRunAllHistory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	reqs := requests(root, 3)
	store := history.NewMemory()
	mock := newMock()

	p := newPool(t, mock, pool.WithHistory(store))

	first, err := p.RunAll(t.Context(), reqs, 2)
	if err != nil {
		t.Fatalf("first RunAll() error = %v", err)
	}

	if got := first.Count(entity.OutcomeSuccess); got != 3 {
		t.Fatalf("first run success = %d, want 3", got)
	}

	// truncate one file so its record no longer matches
	if err := os.WriteFile(first[reqs[0].URL].LocalPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	second, err := p.RunAll(t.Context(), reqs, 2)
	if err != nil {
		t.Fatalf("second RunAll() error = %v", err)
	}

	if got := second[reqs[0].URL].Status; got != entity.OutcomeSuccess {
		t.Errorf("changed file status = %q, want success", got)
	}

	for _, req := range reqs[1:] {
		out := second[req.URL]
		if out.Status != entity.OutcomeSkipped {
			t.Errorf("%q status = %q, want skipped", req.URL, out.Status)
		}

		if out.LocalPath != first[req.URL].LocalPath || out.TotalBytes != mock.Size {
			t.Errorf("%q skipped outcome = %+v", req.URL, out)
		}

		if got := mock.Calls(req.URL); got != 1 {
			t.Errorf("%q fetched %d times, want 1", req.URL, got)
		}
	}

	if got := mock.Calls(reqs[0].URL); got != 2 {
		t.Errorf("changed file fetched %d times, want 2", got)
	}
}

type fullDisk struct{}

func (fullDisk) Check(context.Context, string, uint64) error {
	return errs.NewDownloadError(errs.KindFilesystem, "", "disk full", nil)
}

func TestRunAllDiskPreflight(t *testing.T) {
	t.Parallel()

	mock := newMock()
	reqs := requests(t.TempDir(), 4)

	results, err := newPool(t, mock, pool.WithDiskCheck(fullDisk{}, 1<<30)).RunAll(t.Context(), reqs, 2)
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}

	if len(results) != len(reqs) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(reqs))
	}

	for _, req := range reqs {
		out := results[req.URL]
		if out.Status != entity.OutcomeFailed || !errors.Is(out.Err, errs.ErrFilesystem) {
			t.Errorf("%q outcome = %s/%v, want failed filesystem", req.URL, out.Status, out.Err)
		}

		if out.Err.URL != req.URL {
			t.Errorf("error url = %q, want %q", out.Err.URL, req.URL)
		}
	}

	if got := mock.MaxInFlight(); got != 0 {
		t.Errorf("max in flight = %d, want 0", got)
	}
}

func TestRunAllProbesImages(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 12, 7))); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	root := t.TempDir()
	fetcher := downloader.NewHTTP(discardLogger(), testConfig(16), srv.Client())

	reqs := []entity.DownloadRequest{
		{URL: srv.URL + "/cover.png", DestinationRoot: root, MediaType: entity.MediaTypeImage},
		{URL: srv.URL + "/thumb.png", DestinationRoot: root, MediaType: entity.MediaTypeThumbnail},
	}

	results, err := newPool(t, fetcher, pool.WithProber(mediaprobe.Image{})).RunAll(t.Context(), reqs, 2)
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}

	media := results[reqs[0].URL].Media
	if media == nil || media.Width != 12 || media.Height != 7 {
		t.Errorf("image media = %+v, want 12x7", media)
	}

	if results[reqs[1].URL].Media != nil {
		t.Error("non-image request should not be probed")
	}
}

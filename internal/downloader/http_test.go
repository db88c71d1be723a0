package downloader_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"testing/synctest"
	"time"

	"kickgrab/internal/config"
	"kickgrab/internal/consts"
	"kickgrab/internal/downloader"
	"kickgrab/internal/entity"
	"kickgrab/internal/errs"
	"kickgrab/internal/progress"
)

func testConfig() *config.Config {
	return &config.Config{
		Fetch: config.Fetch{
			ConnectRetries: consts.DefaultConnectRetries,
			Backoff:        consts.DefaultBackoff,
			ChunkSize:      consts.DefaultChunkSize,
		},
		Pool: config.Pool{MaxConcurrency: 4},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []entity.ProgressEvent
}

func (r *eventRecorder) sink() progress.Sink {
	return progress.Funcs{Progress: func(_ context.Context, ev entity.ProgressEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.events = append(r.events, ev)
	}}
}

func (r *eventRecorder) snapshot() []entity.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]entity.ProgressEvent(nil), r.events...)
}

// stubDoer fails the first failures calls with a connection error, then serves body.
type stubDoer struct {
	failures      int
	body          string
	contentLength int64
	calls         atomic.Int32
}

func (d *stubDoer) Do(req *http.Request) (*http.Response, error) {
	n := int(d.calls.Add(1))
	if n <= d.failures {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}

	return &http.Response{
		StatusCode:    http.StatusOK,
		Body:          io.NopCloser(strings.NewReader(d.body)),
		ContentLength: d.contentLength,
		Request:       req,
	}, nil
}

func TestHTTPFetchStreamsInChunks(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("k"), 2500)

	var gotUA atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "images", "png", "a.png")
	rec := &eventRecorder{}

	fetcher := downloader.NewHTTP(discardLogger(), testConfig(), srv.Client())
	out := fetcher.Fetch(t.Context(), downloader.FetchRequest{URL: srv.URL + "/a.png", Path: dest}, rec.sink())

	if out.Status != entity.OutcomeSuccess {
		t.Fatalf("status = %q, want success (cause %q)", out.Status, out.Cause)
	}

	if out.BytesWritten != int64(len(payload)) || out.TotalBytes != int64(len(payload)) {
		t.Errorf("bytes = %d/%d, want %d/%d", out.BytesWritten, out.TotalBytes, len(payload), len(payload))
	}

	if out.LocalPath != dest {
		t.Errorf("local path = %q, want %q", out.LocalPath, dest)
	}

	if out.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", out.Attempts)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Error("downloaded file content mismatch")
	}

	events := rec.snapshot()
	wantProgress := []int64{1024, 2048, 2500}

	if len(events) != len(wantProgress) {
		t.Fatalf("got %d progress events, want %d", len(events), len(wantProgress))
	}

	for i, ev := range events {
		if ev.BytesDownloaded != wantProgress[i] {
			t.Errorf("event %d downloaded = %d, want %d", i, ev.BytesDownloaded, wantProgress[i])
		}

		if ev.TotalBytes != int64(len(payload)) {
			t.Errorf("event %d total = %d, want %d", i, ev.TotalBytes, len(payload))
		}
	}

	if ua, _ := gotUA.Load().(string); ua != consts.DefaultUserAgent {
		t.Errorf("user agent = %q, want default", ua)
	}
}

func TestHTTPFetchIndeterminateLength(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher, _ := w.(http.Flusher)

		for range 3 {
			_, _ = w.Write(bytes.Repeat([]byte("x"), 700))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "stream.bin")
	rec := &eventRecorder{}

	fetcher := downloader.NewHTTP(discardLogger(), testConfig(), srv.Client())
	out := fetcher.Fetch(t.Context(), downloader.FetchRequest{URL: srv.URL + "/stream.bin", Path: dest}, rec.sink())

	if out.Status != entity.OutcomeSuccess {
		t.Fatalf("status = %q, want success (cause %q)", out.Status, out.Cause)
	}

	if out.TotalBytes != -1 {
		t.Errorf("total = %d, want -1", out.TotalBytes)
	}

	if out.BytesWritten != 2100 {
		t.Errorf("written = %d, want 2100", out.BytesWritten)
	}

	events := rec.snapshot()
	if len(events) == 0 {
		t.Fatal("no progress events")
	}

	for _, ev := range events {
		if !ev.Indeterminate() {
			t.Errorf("event %+v should be indeterminate", ev)
		}
	}

	if last := events[len(events)-1]; last.BytesDownloaded != 2100 {
		t.Errorf("last event downloaded = %d, want 2100", last.BytesDownloaded)
	}
}

func TestHTTPFetchHTTPErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "images", "png")
	dest := filepath.Join(dir, "missing.png")

	fetcher := downloader.NewHTTP(discardLogger(), testConfig(), srv.Client())
	out := fetcher.Fetch(t.Context(), downloader.FetchRequest{URL: srv.URL + "/missing.png", Path: dest}, nil)

	if out.Status != entity.OutcomeFailed {
		t.Fatalf("status = %q, want failed", out.Status)
	}

	if !errors.Is(out.Err, errs.ErrPermanentHTTP) {
		t.Errorf("error = %v, want permanent_http", out.Err)
	}

	if out.Err.StatusCode != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", out.Err.StatusCode)
	}

	if out.Err.Retryable() {
		t.Error("permanent_http error reported as retryable")
	}

	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("destination directory should not exist, stat err = %v", err)
	}
}

func TestHTTPFetchRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		doer := &stubDoer{failures: 2, body: "hello", contentLength: 5}
		dest := filepath.Join(t.TempDir(), "hello.txt")

		fetcher := downloader.NewHTTP(discardLogger(), testConfig(), doer)

		start := time.Now()
		out := fetcher.Fetch(t.Context(), downloader.FetchRequest{URL: "https://cdn.example.com/hello.txt", Path: dest}, nil)
		elapsed := time.Since(start)

		if out.Status != entity.OutcomeSuccess {
			t.Fatalf("status = %q, want success (cause %q)", out.Status, out.Cause)
		}

		if out.Attempts != 3 {
			t.Errorf("attempts = %d, want 3", out.Attempts)
		}

		if want := 1500 * time.Millisecond; elapsed != want {
			t.Errorf("elapsed = %v, want %v", elapsed, want)
		}

		got, err := os.ReadFile(dest)
		if err != nil {
			t.Fatalf("read file: %v", err)
		}

		if string(got) != "hello" {
			t.Errorf("content = %q, want hello", got)
		}
	})
}

func TestHTTPFetchGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		doer := &stubDoer{failures: 100}
		dest := filepath.Join(t.TempDir(), "never.txt")

		fetcher := downloader.NewHTTP(discardLogger(), testConfig(), doer)

		start := time.Now()
		out := fetcher.Fetch(t.Context(), downloader.FetchRequest{URL: "https://cdn.example.com/never.txt", Path: dest}, nil)
		elapsed := time.Since(start)

		if out.Status != entity.OutcomeFailed {
			t.Fatalf("status = %q, want failed", out.Status)
		}

		if !errors.Is(out.Err, errs.ErrTransientNetwork) {
			t.Errorf("error = %v, want transient_network", out.Err)
		}

		if got := doer.calls.Load(); got != 4 {
			t.Errorf("calls = %d, want 4", got)
		}

		if out.Attempts != 4 || out.Err.Attempts != 4 {
			t.Errorf("attempts = %d/%d, want 4", out.Attempts, out.Err.Attempts)
		}

		// 0.5s + 1s + 2s
		if want := 3500 * time.Millisecond; elapsed != want {
			t.Errorf("elapsed = %v, want %v", elapsed, want)
		}
	})
}

func TestHTTPFetchShortBody(t *testing.T) {
	t.Parallel()

	doer := &stubDoer{body: "12345", contentLength: 10}
	dest := filepath.Join(t.TempDir(), "short.bin")

	fetcher := downloader.NewHTTP(discardLogger(), testConfig(), doer)
	out := fetcher.Fetch(t.Context(), downloader.FetchRequest{URL: "https://cdn.example.com/short.bin", Path: dest}, nil)

	if out.Status != entity.OutcomeFailed {
		t.Fatalf("status = %q, want failed", out.Status)
	}

	if !errors.Is(out.Err, errs.ErrTransientNetwork) {
		t.Errorf("error = %v, want transient_network", out.Err)
	}

	if out.BytesWritten != 5 {
		t.Errorf("written = %d, want 5", out.BytesWritten)
	}

	if _, err := os.Stat(dest); err != nil {
		t.Errorf("partial file should remain: %v", err)
	}
}

// errDoer fails every call with err.
type errDoer struct {
	err   error
	calls atomic.Int32
}

func (d *errDoer) Do(*http.Request) (*http.Response, error) {
	d.calls.Add(1)

	return nil, d.err
}

func TestHTTPFetchRequestErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{
			name: "untrusted certificate",
			err: &url.Error{Op: "Get", URL: "https://cdn.example.com/a.png", Err: &tls.CertificateVerificationError{
				Err: x509.UnknownAuthorityError{},
			}},
		},
		{
			name: "server does not speak tls",
			err: &url.Error{Op: "Get", URL: "https://cdn.example.com/a.png", Err: tls.RecordHeaderError{
				Msg: "first record does not look like a TLS handshake",
			}},
		},
		{
			name: "redirect loop",
			err:  &url.Error{Op: "Get", URL: "https://cdn.example.com/a.png", Err: errors.New("stopped after 10 redirects")},
		},
		{
			name: "bad proxy url",
			err:  &url.Error{Op: "proxyconnect", URL: "https://cdn.example.com/a.png", Err: errors.New("invalid proxy URL")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			doer := &errDoer{err: tt.err}
			dest := filepath.Join(t.TempDir(), "a.png")

			fetcher := downloader.NewHTTP(discardLogger(), testConfig(), doer)
			out := fetcher.Fetch(t.Context(), downloader.FetchRequest{URL: "https://cdn.example.com/a.png", Path: dest}, nil)

			if out.Status != entity.OutcomeFailed {
				t.Fatalf("status = %q, want failed", out.Status)
			}

			if !errors.Is(out.Err, errs.ErrPermanentHTTP) {
				t.Errorf("error = %v, want permanent_http", out.Err)
			}

			if got := doer.calls.Load(); got != 1 || out.Attempts != 1 {
				t.Errorf("calls = %d, attempts = %d, want 1", got, out.Attempts)
			}
		})
	}
}

func TestHTTPFetchRetriesConnectionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{name: "refused", err: &url.Error{Op: "Get", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}},
		{name: "reset", err: &url.Error{Op: "Get", Err: syscall.ECONNRESET}},
		{name: "dropped before headers", err: &url.Error{Op: "Get", Err: io.EOF}},
		{name: "timeout", err: &url.Error{Op: "Get", Err: context.DeadlineExceeded}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			synctest.Test(t, func(t *testing.T) {
				doer := &errDoer{err: tt.err}
				dest := filepath.Join(t.TempDir(), "a.png")

				fetcher := downloader.NewHTTP(discardLogger(), testConfig(), doer)
				out := fetcher.Fetch(t.Context(), downloader.FetchRequest{URL: "https://cdn.example.com/a.png", Path: dest}, nil)

				if !errors.Is(out.Err, errs.ErrTransientNetwork) {
					t.Errorf("error = %v, want transient_network", out.Err)
				}

				if got := doer.calls.Load(); got != 4 {
					t.Errorf("calls = %d, want 4", got)
				}
			})
		})
	}
}

func TestHTTPFetchTruncatedChunkedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, buf, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)

			return
		}
		defer conn.Close()

		// announce a 256 byte chunk, send five bytes of it and hang up
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n100\r\nhello")
		_ = buf.Flush()
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "cut.bin")

	fetcher := downloader.NewHTTP(discardLogger(), testConfig(), srv.Client())
	out := fetcher.Fetch(t.Context(), downloader.FetchRequest{URL: srv.URL + "/cut.bin", Path: dest}, nil)

	if out.Status != entity.OutcomeFailed {
		t.Fatalf("status = %q, want failed (written %d)", out.Status, out.BytesWritten)
	}

	if !errors.Is(out.Err, errs.ErrTransientNetwork) {
		t.Errorf("error = %v, want transient_network", out.Err)
	}

	if out.TotalBytes != -1 {
		t.Errorf("total = %d, want -1", out.TotalBytes)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("partial file should remain: %v", err)
	}

	if string(got) != "hello" {
		t.Errorf("partial content = %q, want hello", got)
	}
}

func TestHTTPFetchCancelled(t *testing.T) {
	t.Parallel()

	t.Run("before start", func(t *testing.T) {
		t.Parallel()

		doer := &stubDoer{body: "x", contentLength: 1}

		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		fetcher := downloader.NewHTTP(discardLogger(), testConfig(), doer)
		out := fetcher.Fetch(ctx, downloader.FetchRequest{
			URL:  "https://cdn.example.com/x",
			Path: filepath.Join(t.TempDir(), "x"),
		}, nil)

		if out.Status != entity.OutcomeCancelled {
			t.Fatalf("status = %q, want cancelled", out.Status)
		}

		if !errors.Is(out.Err, errs.ErrCancelled) {
			t.Errorf("error = %v, want cancelled", out.Err)
		}

		if got := doer.calls.Load(); got != 0 {
			t.Errorf("calls = %d, want 0", got)
		}
	})

	t.Run("mid stream", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "4096")
			_, _ = w.Write(bytes.Repeat([]byte("m"), 1024))
			w.(http.Flusher).Flush()

			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		sink := progress.Funcs{Progress: func(context.Context, entity.ProgressEvent) { cancel() }}
		dest := filepath.Join(t.TempDir(), "partial.bin")

		fetcher := downloader.NewHTTP(discardLogger(), testConfig(), srv.Client())
		out := fetcher.Fetch(ctx, downloader.FetchRequest{URL: srv.URL + "/partial.bin", Path: dest}, sink)

		if out.Status != entity.OutcomeCancelled {
			t.Fatalf("status = %q, want cancelled (cause %q)", out.Status, out.Cause)
		}

		if out.BytesWritten != 1024 {
			t.Errorf("written = %d, want 1024", out.BytesWritten)
		}

		info, err := os.Stat(dest)
		if err != nil {
			t.Fatalf("partial file should remain: %v", err)
		}

		if info.Size() != 1024 {
			t.Errorf("partial size = %d, want 1024", info.Size())
		}
	})
}

func TestHTTPFetchDirectoryErrors(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	blocker := filepath.Join(root, "blocker")

	if err := os.WriteFile(blocker, []byte("file"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	doer := &stubDoer{body: "x", contentLength: 1}

	fetcher := downloader.NewHTTP(discardLogger(), testConfig(), doer)
	out := fetcher.Fetch(t.Context(), downloader.FetchRequest{
		URL:  "https://cdn.example.com/x.png",
		Path: filepath.Join(blocker, "images", "x.png"),
	}, nil)

	if out.Status != entity.OutcomeFailed {
		t.Fatalf("status = %q, want failed", out.Status)
	}

	if !errors.Is(out.Err, errs.ErrFilesystem) {
		t.Errorf("error = %v, want filesystem", out.Err)
	}

	if got := doer.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestMockFetcher(t *testing.T) {
	t.Parallel()

	mock := downloader.NewMock(discardLogger())
	mock.Delay = time.Millisecond
	mock.FailWith("https://cdn.example.com/bad.png", errs.KindPermanentHTTP)

	root := t.TempDir()
	rec := &eventRecorder{}

	out := mock.Fetch(t.Context(), downloader.FetchRequest{
		URL:  "https://cdn.example.com/good.png",
		Path: filepath.Join(root, "good.png"),
	}, rec.sink())

	if out.Status != entity.OutcomeSuccess || out.BytesWritten != mock.Size {
		t.Fatalf("good outcome = %+v", out)
	}

	if got := len(rec.snapshot()); got != 10 {
		t.Errorf("progress events = %d, want 10", got)
	}

	out = mock.Fetch(t.Context(), downloader.FetchRequest{
		URL:  "https://cdn.example.com/bad.png",
		Path: filepath.Join(root, "bad.png"),
	}, nil)

	if !errors.Is(out.Err, errs.ErrPermanentHTTP) {
		t.Errorf("bad outcome error = %v, want permanent_http", out.Err)
	}

	if got := mock.Calls("https://cdn.example.com/bad.png"); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

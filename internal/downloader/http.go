package downloader

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"kickgrab/internal/config"
	"kickgrab/internal/consts"
	"kickgrab/internal/entity"
	"kickgrab/internal/errs"
	"kickgrab/internal/observability"
	"kickgrab/internal/progress"
	"kickgrab/internal/ratelimit"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ProxyPicker chooses an outbound proxy per attempt and learns from the result.
// *proxymgr.Manager satisfies it.
type ProxyPicker interface {
	GetRandomProxy() string
	MarkFailed(proxyURL string)
	MarkSuccess(proxyURL string)
}

// HTTP is the streaming HTTP fetcher.
type HTTP struct {
	log     *slog.Logger
	client  Doer
	limiter ratelimit.Limiter
	proxies ProxyPicker
	metrics *observability.Metrics

	userAgent string
	retries   int
	backoff   time.Duration
	chunkSize int
}

// Option configures optional HTTP collaborators.
type Option func(*HTTP)

// WithLimiter shares a bandwidth limiter between fetches.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(h *HTTP) {
		if l != nil {
			h.limiter = l
		}
	}
}

// WithProxies routes every attempt through a proxy chosen by p.
// The client must be built by NewClient for the choice to take effect.
func WithProxies(p ProxyPicker) Option {
	return func(h *HTTP) { h.proxies = p }
}

// WithMetrics records retries and bytes.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *HTTP) { h.metrics = m }
}

// NewHTTP creates a fetcher. A nil client uses NewClient(cfg).
func NewHTTP(log *slog.Logger, cfg *config.Config, client Doer, opts ...Option) *HTTP {
	if client == nil {
		client = NewClient(cfg)
	}

	h := &HTTP{
		log:       log.With(slog.String("package", "downloader"), slog.String("downloader", consts.DownloaderHTTP)),
		client:    client,
		limiter:   ratelimit.NullLimiter{},
		userAgent: cfg.Fetch.UserAgent,
		retries:   cfg.Fetch.ConnectRetries,
		backoff:   cfg.Fetch.Backoff,
		chunkSize: cfg.Fetch.ChunkSize,
	}

	if h.userAgent == "" {
		h.userAgent = consts.DefaultUserAgent
	}

	if h.retries < 0 {
		h.retries = 0
	}

	if h.backoff <= 0 {
		h.backoff = consts.DefaultBackoff
	}

	if h.chunkSize <= 0 {
		h.chunkSize = consts.DefaultChunkSize
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Fetch downloads req.URL into req.Path, reporting every chunk to sink.
// Connection failures are retried with exponential backoff; HTTP error statuses are not.
// The destination directory is only created once a 2xx response arrives.
// A partially written file is left on disk when the transfer fails.
func (h *HTTP) Fetch(ctx context.Context, req FetchRequest, sink progress.Sink) (out entity.DownloadOutcome) {
	if sink == nil {
		sink = progress.Nop{}
	}

	start := time.Now()
	out = entity.DownloadOutcome{URL: req.URL, Label: req.Label, TotalBytes: -1}

	defer func() {
		out.Duration = time.Since(start)
	}()

	log := h.log.With(slog.Any("request", req))

	resp, attempts, dlErr := h.open(ctx, log, req.URL)
	out.Attempts = attempts

	if dlErr != nil {
		out.Fail(dlErr)

		return out
	}
	defer resp.Body.Close()

	if resp.ContentLength >= 0 {
		out.TotalBytes = resp.ContentLength
	}

	written, created, dlErr := h.stream(ctx, req, resp.Body, out.TotalBytes, sink)
	out.BytesWritten = written

	if created {
		out.LocalPath = req.Path
	}

	if dlErr != nil {
		out.Fail(dlErr)

		return out
	}

	out.Status = entity.OutcomeSuccess

	log.DebugContext(ctx, "fetched", slog.Int64("bytes", written), slog.Int("attempts", attempts))

	return out
}

// open performs the GET, retrying connection-level failures only.
func (h *HTTP) open(ctx context.Context, log *slog.Logger, rawURL string) (*http.Response, int, *errs.DownloadError) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, cancelled(rawURL, attempt-1, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, attempt, errs.NewDownloadError(errs.KindMalformedURL, rawURL, "create request", err)
		}

		req.Header.Set("User-Agent", h.userAgent)

		var proxyURL string
		if h.proxies != nil {
			proxyURL = h.proxies.GetRandomProxy()
			req = req.WithContext(withProxy(req.Context(), proxyURL))
		}

		resp, err := h.client.Do(req)
		if err == nil {
			h.markProxy(proxyURL, true)

			if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
				// drain a little so the connection can be reused
				_, _ = io.CopyN(io.Discard, resp.Body, consts.DrainLimit)
				resp.Body.Close()

				dlErr := errs.NewDownloadError(errs.KindPermanentHTTP, rawURL, "unexpected response", nil)
				dlErr.StatusCode = resp.StatusCode
				dlErr.Attempts = attempt

				return nil, attempt, dlErr
			}

			return resp, attempt, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, attempt, cancelled(rawURL, attempt, ctxErr)
		}

		h.markProxy(proxyURL, false)

		if !connectionError(err) {
			dlErr := errs.NewDownloadError(errs.KindPermanentHTTP, rawURL, "request", err)
			dlErr.Attempts = attempt

			return nil, attempt, dlErr
		}

		lastErr = err

		if attempt > h.retries {
			break
		}

		delay := h.backoff * time.Duration(1<<(attempt-1))

		h.metrics.RecordFetchRetry()
		log.WarnContext(ctx, "connection failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.Any("error", err))

		if err := sleep(ctx, delay); err != nil {
			return nil, attempt, cancelled(rawURL, attempt, err)
		}
	}

	attempts := h.retries + 1
	dlErr := errs.NewDownloadError(errs.KindTransientNetwork, rawURL, "connect", lastErr)
	dlErr.Attempts = attempts

	return nil, attempts, dlErr
}

// stream copies body to path in fixed-size chunks.
func (h *HTTP) stream(
	ctx context.Context,
	req FetchRequest,
	body io.Reader,
	total int64,
	sink progress.Sink,
) (written int64, created bool, dlErr *errs.DownloadError) {
	if err := os.MkdirAll(filepath.Dir(req.Path), dirPerm); err != nil {
		return 0, false, errs.NewDownloadError(errs.KindFilesystem, req.URL, "create directory", err)
	}

	file, err := os.OpenFile(req.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return 0, false, errs.NewDownloadError(errs.KindFilesystem, req.URL, "create file", err)
	}

	defer func() {
		if cerr := file.Close(); cerr != nil && dlErr == nil {
			dlErr = errs.NewDownloadError(errs.KindFilesystem, req.URL, "close file", cerr)
		}
	}()

	buf := make([]byte, h.chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return written, true, cancelled(req.URL, 0, err)
		}

		n, rerr := readChunk(body, buf)
		if n > 0 {
			if err := h.limiter.Wait(ctx, n); err != nil {
				return written, true, cancelled(req.URL, 0, err)
			}

			if _, err := file.Write(buf[:n]); err != nil {
				return written, true, errs.NewDownloadError(errs.KindFilesystem, req.URL, "write file", err)
			}

			written += int64(n)
			h.metrics.AddDownloadedBytes(n)

			sink.OnProgress(ctx, entity.ProgressEvent{
				URL:             req.URL,
				Label:           req.Label,
				BytesDownloaded: written,
				TotalBytes:      total,
			})
		}

		if errors.Is(rerr, io.EOF) {
			break
		}

		if rerr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return written, true, cancelled(req.URL, 0, ctxErr)
			}

			return written, true, errs.NewDownloadError(errs.KindTransientNetwork, req.URL, "read body", rerr)
		}
	}

	if total >= 0 && written < total {
		return written, true, errs.NewDownloadError(errs.KindTransientNetwork, req.URL,
			fmt.Sprintf("short body: %d of %d bytes", written, total), io.ErrUnexpectedEOF)
	}

	return written, true, nil
}

// readChunk fills buf from r. Unlike io.ReadFull it passes r's error through unchanged,
// so io.EOF always means a clean end of body and io.ErrUnexpectedEOF a cut connection.
func readChunk(r io.Reader, buf []byte) (int, error) {
	var n int

	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m

		if err != nil {
			return n, err
		}
	}

	return n, nil
}

// connectionError reports whether a failed client.Do is worth retrying: refused or reset
// connections, timeouts and connections dropped before the response headers.
// Certificate and TLS protocol errors, redirect loops and bad proxy URLs are not.
func connectionError(err error) bool {
	var (
		certErr     *tls.CertificateVerificationError
		hostErr     x509.HostnameError
		authErr     x509.UnknownAuthorityError
		invalidErr  x509.CertificateInvalidError
		alertErr    tls.AlertError
		recordErr   tls.RecordHeaderError
	)

	if errors.As(err, &certErr) || errors.As(err, &hostErr) || errors.As(err, &authErr) ||
		errors.As(err, &invalidErr) || errors.As(err, &alertErr) || errors.As(err, &recordErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var opErr *net.OpError

	return errors.As(err, &opErr)
}

func (h *HTTP) markProxy(proxyURL string, ok bool) {
	if h.proxies == nil || proxyURL == "" {
		return
	}

	if ok {
		h.proxies.MarkSuccess(proxyURL)

		return
	}

	h.proxies.MarkFailed(proxyURL)
}

func cancelled(rawURL string, attempts int, err error) *errs.DownloadError {
	dlErr := errs.NewDownloadError(errs.KindCancelled, rawURL, classifyProcessingError(err), err)
	dlErr.Attempts = attempts

	return dlErr
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

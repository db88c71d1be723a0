package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a per-item download failure.
type Kind string

const (
	// KindTransientNetwork covers connection refused/reset/timeouts. Retried by the fetcher.
	KindTransientNetwork Kind = "transient_network"
	// KindPermanentHTTP covers non-2xx responses. Never retried.
	KindPermanentHTTP Kind = "permanent_http"
	// KindFilesystem covers directory creation, file creation and write failures.
	KindFilesystem Kind = "filesystem"
	// KindMalformedURL covers URLs from which no file name can be derived.
	KindMalformedURL Kind = "malformed_url"
	// KindCancelled marks transfers aborted by the caller's context.
	KindCancelled Kind = "cancelled"
	// KindInternal marks unexpected faults recovered inside a worker.
	KindInternal Kind = "internal"
)

// Kind sentinels, usable with errors.Is against any *DownloadError.
var (
	ErrTransientNetwork = errors.New(string(KindTransientNetwork))
	ErrPermanentHTTP    = errors.New(string(KindPermanentHTTP))
	ErrFilesystem       = errors.New(string(KindFilesystem))
	ErrMalformedURL     = errors.New(string(KindMalformedURL))
	ErrCancelled        = errors.New(string(KindCancelled))
	ErrInternal         = errors.New(string(KindInternal))
)

var kindSentinels = map[Kind]error{
	KindTransientNetwork: ErrTransientNetwork,
	KindPermanentHTTP:    ErrPermanentHTTP,
	KindFilesystem:       ErrFilesystem,
	KindMalformedURL:     ErrMalformedURL,
	KindCancelled:        ErrCancelled,
	KindInternal:         ErrInternal,
}

// DownloadError is the structured cause attached to a failed or cancelled outcome.
type DownloadError struct {
	Kind       Kind   `json:"kind"`
	URL        string `json:"url,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Message    string `json:"message,omitempty"`
	Err        error  `json:"-"`
}

// NewDownloadError builds a DownloadError of the given kind wrapping err.
func NewDownloadError(kind Kind, url, message string, err error) *DownloadError {
	return &DownloadError{
		Kind:    kind,
		URL:     url,
		Message: message,
		Err:     err,
	}
}

// Error implements the error interface.
func (e *DownloadError) Error() string {
	var b strings.Builder

	b.WriteString(string(e.Kind))

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}

	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}

	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (after %d attempts)", e.Attempts)
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

// Unwrap returns the underlying cause.
func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel of e.
func (e *DownloadError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]

	return ok && target == sentinel
}

// Retryable reports whether the fetcher may try the request again.
func (e *DownloadError) Retryable() bool {
	return e.Kind == KindTransientNetwork
}

// KindOf extracts the kind of err, or KindInternal when err is not a DownloadError.
func KindOf(err error) Kind {
	var dlErr *DownloadError
	if errors.As(err, &dlErr) {
		return dlErr.Kind
	}

	return KindInternal
}

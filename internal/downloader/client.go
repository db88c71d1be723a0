package downloader

import (
	"context"
	"net"
	"net/http"
	"net/url"

	"kickgrab/internal/config"
	"kickgrab/internal/consts"
)

type proxyKey struct{}

func withProxy(ctx context.Context, proxyURL string) context.Context {
	if proxyURL == "" {
		return ctx
	}

	return context.WithValue(ctx, proxyKey{}, proxyURL)
}

// proxyFromContext uses the proxy picked for this attempt, falling back to the environment.
func proxyFromContext(req *http.Request) (*url.URL, error) {
	if proxyURL, ok := req.Context().Value(proxyKey{}).(string); ok && proxyURL != "" {
		return url.Parse(proxyURL)
	}

	return http.ProxyFromEnvironment(req)
}

// NewClient builds the HTTP client used for media downloads. There is no overall request
// timeout: only dialing and waiting for response headers are bounded, so large media can
// stream for as long as it takes.
func NewClient(cfg *config.Config) *http.Client {
	dialTimeout := cfg.Fetch.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = consts.DefaultDialTimeout
	}

	headerTimeout := cfg.Fetch.ResponseHeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = consts.DefaultResponseHeaderTimeout
	}

	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: consts.DefaultKeepAlive,
	}

	transport := &http.Transport{
		Proxy:                 proxyFromContext,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          consts.DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   max(cfg.Pool.MaxConcurrency, 1),
		IdleConnTimeout:       consts.DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   dialTimeout,
		ResponseHeaderTimeout: headerTimeout,
	}

	return &http.Client{Transport: transport}
}

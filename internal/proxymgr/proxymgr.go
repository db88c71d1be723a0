// Package proxymgr rotates outbound proxies for media downloads.
// Proxies that keep failing are parked with an exponential backoff and probed in the background.
package proxymgr

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"sync"
	"time"

	"kickgrab/internal/config"
	"kickgrab/internal/observability"
)

// State is the rotation state of one proxy.
type State int

const (
	// StateAvailable means the proxy is handed out by GetRandomProxy.
	StateAvailable State = iota
	// StateBackoff means the proxy failed too often and waits until BackoffUntil.
	StateBackoff
)

func (s State) String() string {
	if s == StateBackoff {
		return "backoff"
	}

	return "available"
}

const (
	healthCheckTimeout = 10 * time.Second
	maxBackoff         = time.Hour

	defaultMaxFailures    = 3
	defaultFailureBackoff = time.Minute
)

var defaultPorts = map[string]string{
	"http":    "80",
	"https":   "443",
	"socks5":  "1080",
	"socks5h": "1080",
}

type entry struct {
	url          *url.URL
	state        State
	failures     int
	lastFailure  time.Time
	backoffUntil time.Time
	lastCheck    time.Time
}

// Stats is a point-in-time view of one proxy.
type Stats struct {
	State        State
	Failures     int
	LastFailure  time.Time
	BackoffUntil time.Time
	LastCheck    time.Time
}

// Manager hands out proxies and tracks their health. It satisfies downloader.ProxyPicker.
type Manager struct {
	log     *slog.Logger
	metrics *observability.Metrics

	maxFailures    int
	failureBackoff time.Duration
	checkInterval  time.Duration

	mu      sync.Mutex
	proxies map[string]*entry
	order   []string
}

// New parses cfg.Proxy.Proxies. Entries that are not valid proxy URLs are logged and skipped.
func New(log *slog.Logger, cfg *config.Config, metrics *observability.Metrics) *Manager {
	mgr := &Manager{
		log:            log.With(slog.String("package", "proxymgr")),
		metrics:        metrics,
		maxFailures:    cfg.Proxy.MaxFailures,
		failureBackoff: cfg.Proxy.FailureBackoff,
		checkInterval:  cfg.Proxy.HealthCheckInterval,
		proxies:        make(map[string]*entry, len(cfg.Proxy.Proxies)),
	}

	if mgr.maxFailures <= 0 {
		mgr.maxFailures = defaultMaxFailures
	}

	if mgr.failureBackoff <= 0 {
		mgr.failureBackoff = defaultFailureBackoff
	}

	for _, raw := range cfg.Proxy.Proxies {
		u, err := parse(raw)
		if err != nil {
			mgr.log.Warn("skip proxy", slog.Any("error", err))

			continue
		}

		if _, dup := mgr.proxies[raw]; dup {
			continue
		}

		mgr.proxies[raw] = &entry{url: u}
		mgr.order = append(mgr.order, raw)
	}

	mgr.metrics.SetProxiesAvailable(len(mgr.order))

	return mgr
}

func parse(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}

	if _, ok := defaultPorts[u.Scheme]; !ok || u.Hostname() == "" {
		return nil, fmt.Errorf("unsupported proxy url %q", u.Redacted())
	}

	return u, nil
}

// Count returns the number of configured proxies.
func (m *Manager) Count() int {
	return len(m.order)
}

// GetRandomProxy returns a random available proxy, or "" when none is available.
func (m *Manager) GetRandomProxy() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	available := m.available(time.Now())
	if len(available) == 0 {
		return ""
	}

	return available[rand.IntN(len(available))]
}

// AvailableCount returns the number of proxies GetRandomProxy can currently return.
func (m *Manager) AvailableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.available(time.Now()))
}

// MarkFailed counts a failure. Once maxFailures is reached the proxy is parked for
// failureBackoff, doubling with each further failure up to an hour.
func (m *Manager) MarkFailed(proxyURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.proxies[proxyURL]
	if !ok {
		return
	}

	now := time.Now()
	e.failures++
	e.lastFailure = now

	m.metrics.RecordProxyFailure(e.url.Redacted())

	if e.failures < m.maxFailures {
		return
	}

	backoff := min(m.failureBackoff<<min(e.failures-m.maxFailures, 16), maxBackoff)
	e.state = StateBackoff
	e.backoffUntil = now.Add(backoff)

	m.metrics.SetProxiesAvailable(len(m.available(now)))
	m.log.Warn("proxy parked",
		slog.String("proxy", e.url.Redacted()),
		slog.Int("failures", e.failures),
		slog.Duration("backoff", backoff))
}

// MarkSuccess resets the failure count of a proxy.
func (m *Manager) MarkSuccess(proxyURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.proxies[proxyURL]
	if !ok {
		return
	}

	wasParked := e.state == StateBackoff
	e.state = StateAvailable
	e.failures = 0
	e.backoffUntil = time.Time{}

	if wasParked {
		m.metrics.SetProxiesAvailable(len(m.available(time.Now())))
		m.log.Info("proxy restored", slog.String("proxy", e.url.Redacted()))
	}
}

// HealthCheck dials the proxy and records the result.
func (m *Manager) HealthCheck(ctx context.Context, proxyURL string) error {
	m.mu.Lock()
	e, ok := m.proxies[proxyURL]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown proxy %q", proxyURL)
	}

	addr := net.JoinHostPort(e.url.Hostname(), e.url.Port())
	if e.url.Port() == "" {
		addr = net.JoinHostPort(e.url.Hostname(), defaultPorts[e.url.Scheme])
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		m.MarkFailed(proxyURL)

		return fmt.Errorf("dial proxy %s: %w", e.url.Redacted(), err)
	}

	_ = conn.Close()

	m.mu.Lock()
	e.lastCheck = time.Now()
	m.mu.Unlock()

	m.MarkSuccess(proxyURL)

	return nil
}

// StartHealthChecker probes every proxy each HealthCheckInterval until ctx is done.
// It does nothing without proxies or with a zero interval.
func (m *Manager) StartHealthChecker(ctx context.Context) {
	if m.checkInterval <= 0 || len(m.order) == 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkAll(ctx)
			}
		}
	}()

	m.log.InfoContext(ctx, "proxy health checker started",
		slog.Duration("interval", m.checkInterval),
		slog.Int("proxy_count", len(m.order)))
}

// Stats returns the state of every proxy keyed by its configured URL.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(map[string]Stats, len(m.proxies))
	for raw, e := range m.proxies {
		stats[raw] = Stats{
			State:        e.state,
			Failures:     e.failures,
			LastFailure:  e.lastFailure,
			BackoffUntil: e.backoffUntil,
			LastCheck:    e.lastCheck,
		}
	}

	return stats
}

// available must be called with mu held. Parked proxies whose backoff ran out count again.
func (m *Manager) available(now time.Time) []string {
	out := make([]string, 0, len(m.order))

	for _, raw := range m.order {
		e := m.proxies[raw]
		if e.state == StateAvailable || now.After(e.backoffUntil) {
			out = append(out, raw)
		}
	}

	return out
}

func (m *Manager) checkAll(ctx context.Context) {
	for _, raw := range m.order {
		if ctx.Err() != nil {
			return
		}

		if err := m.HealthCheck(ctx, raw); err != nil {
			m.log.DebugContext(ctx, "proxy health check failed", slog.Any("error", err))
		}
	}

	m.metrics.SetProxiesAvailable(m.AvailableCount())
}

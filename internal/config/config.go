// Package config handles application configuration loading and management.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the application configuration.
type Config struct {
	HTTP    HTTP
	App     App
	Batch   Batch
	Pool    Pool
	Fetch   Fetch
	Dir     Dir
	Storage Storage
	History History
	Disk    Disk
	Proxy   Proxy
}

// App holds application-wide configuration.
type App struct {
	LogLevel string `env:"KICKGRAB_APP_LOG_LEVEL" envDefault:"info"`
}

// Batch holds batch queue configuration.
type Batch struct {
	Workers   int           `env:"KICKGRAB_BATCH_WORKERS"    envDefault:"1"`
	Timeout   time.Duration `env:"KICKGRAB_BATCH_TIMEOUT"    envDefault:"2h"`
	QueueSize int           `env:"KICKGRAB_BATCH_QUEUE_SIZE" envDefault:"50"`
}

// Pool holds download worker pool configuration.
type Pool struct {
	// Concurrency is used when a batch does not ask for a specific value.
	Concurrency int `env:"KICKGRAB_POOL_CONCURRENCY" envDefault:"8"`
	// MaxConcurrency caps the number of workers of any run.
	MaxConcurrency int `env:"KICKGRAB_POOL_MAX_CONCURRENCY" envDefault:"16"`
}

// Fetch holds per-download HTTP configuration.
type Fetch struct {
	UserAgent             string        `env:"KICKGRAB_FETCH_USER_AGENT"`
	ConnectRetries        int           `env:"KICKGRAB_FETCH_CONNECT_RETRIES"          envDefault:"3"`
	Backoff               time.Duration `env:"KICKGRAB_FETCH_BACKOFF"                  envDefault:"500ms"`
	ChunkSize             int           `env:"KICKGRAB_FETCH_CHUNK_SIZE"               envDefault:"1024"`
	DialTimeout           time.Duration `env:"KICKGRAB_FETCH_DIAL_TIMEOUT"             envDefault:"30s"`
	ResponseHeaderTimeout time.Duration `env:"KICKGRAB_FETCH_RESPONSE_HEADER_TIMEOUT"  envDefault:"60s"`
	// RateLimit is the combined bandwidth cap in bytes per second, 0 disables it.
	RateLimit int64 `env:"KICKGRAB_FETCH_RATE_LIMIT" envDefault:"0"`
}

// Storage holds batch record configuration.
type Storage struct {
	TTL             time.Duration `env:"KICKGRAB_STORAGE_TTL"              envDefault:"168h"`
	CleanupInterval time.Duration `env:"KICKGRAB_STORAGE_CLEANUP_INTERVAL" envDefault:"1h"`
}

// HTTP holds HTTP server configuration.
type HTTP struct {
	Port            string        `env:"KICKGRAB_HTTP_PORT"             envDefault:":8080"`
	HandlerTimeout  time.Duration `env:"KICKGRAB_HTTP_HANDLER_TIMEOUT"  envDefault:"20s"`
	ShutdownTimeout time.Duration `env:"KICKGRAB_HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Dir holds directory paths.
type Dir struct {
	Downloads string `env:"KICKGRAB_DIR_DOWNLOAD" envDefault:"./data/downloads"` // default destination root
}

// SetAbsPaths converts all directory paths to absolute paths.
func (c *Dir) SetAbsPaths() error {
	var err error
	if c.Downloads, err = filepath.Abs(c.Downloads); err != nil {
		return fmt.Errorf("downloads: %w", err)
	}

	return nil
}

// History holds configuration of the downloaded-URL ledger.
type History struct {
	// Backend is one of none, memory, redis.
	Backend       string        `env:"KICKGRAB_HISTORY_BACKEND"        envDefault:"none"`
	RedisAddr     string        `env:"KICKGRAB_HISTORY_REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string        `env:"KICKGRAB_HISTORY_REDIS_PASSWORD"`
	RedisDB       int           `env:"KICKGRAB_HISTORY_REDIS_DB"       envDefault:"0"`
	RedisPrefix   string        `env:"KICKGRAB_HISTORY_REDIS_PREFIX"   envDefault:"kickgrab:history"`
	TTL           time.Duration `env:"KICKGRAB_HISTORY_TTL"            envDefault:"0s"`
}

// Disk holds the free-space preflight configuration.
type Disk struct {
	// MinFreeBytes fails a batch up front when its destination has less free space; 0 disables.
	MinFreeBytes uint64 `env:"KICKGRAB_DISK_MIN_FREE_BYTES" envDefault:"0"`
}

// New loads configuration from environment variables.
func New() (*Config, error) {
	cfg := &Config{}

	err := env.Parse(cfg)
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	err = cfg.Dir.SetAbsPaths()
	if err != nil {
		return nil, fmt.Errorf("set absolute paths: %w", err)
	}

	cfg.History.Backend = strings.ToLower(strings.TrimSpace(cfg.History.Backend))

	cfg.Proxy.parseList()

	return cfg, nil
}

// Proxy holds proxy configuration for download requests.
type Proxy struct {
	// List is a comma-separated list of proxy URLs (http, https or socks5)
	List string `env:"KICKGRAB_PROXY_LIST" envDefault:""`
	// HealthCheckInterval is how often to check proxy health
	HealthCheckInterval time.Duration `env:"KICKGRAB_PROXY_HEALTH_CHECK_INTERVAL" envDefault:"5m"`
	// FailureBackoff is the initial backoff duration for failed proxies
	FailureBackoff time.Duration `env:"KICKGRAB_PROXY_FAILURE_BACKOFF" envDefault:"1m"`
	// MaxFailures is the maximum number of failures before a proxy is temporarily removed
	MaxFailures int `env:"KICKGRAB_PROXY_MAX_FAILURES" envDefault:"3"`

	// Proxies is the parsed list of proxy URLs
	Proxies []string `env:"-"`
}

// parseList parses the comma-separated proxy list.
func (p *Proxy) parseList() {
	p.Proxies = nil

	if p.List == "" {
		return
	}

	for proxy := range strings.SplitSeq(p.List, ",") {
		proxy = strings.TrimSpace(proxy)
		if proxy != "" {
			p.Proxies = append(p.Proxies, proxy)
		}
	}
}

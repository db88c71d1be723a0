//go:build integration

package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kickgrab/internal/config"
	"kickgrab/internal/downloader"
	"kickgrab/internal/entity"
	"kickgrab/internal/history"
	httprouter "kickgrab/internal/infrastructure/delivery/http"
	"kickgrab/internal/mediaprobe"
	"kickgrab/internal/observability"
	"kickgrab/internal/pool"
	"kickgrab/internal/service"
	"kickgrab/internal/storage"
)

// mediaBody is served for every /media/ path.
var mediaBody = bytes.Repeat([]byte("kickgrab-media-"), 300)

type fixture struct {
	cfg    *config.Config
	client *http.Client
	api    string
	media  string
}

type apiResponse struct {
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// newMediaServer serves mediaBody under /media/, a never-ending stream under /slow/ and 404 elsewhere.
func newMediaServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /media/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(mediaBody)
	})
	mux.HandleFunc("GET /slow/", func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)

		for {
			if _, err := w.Write([]byte("x")); err != nil {
				return
			}

			flusher.Flush()

			select {
			case <-r.Context().Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func newFixture(t *testing.T, mutateCfg func(cfg *config.Config)) *fixture {
	t.Helper()

	cfg := &config.Config{
		Batch:   config.Batch{Workers: 1, Timeout: 15 * time.Second, QueueSize: 10},
		Pool:    config.Pool{Concurrency: 4, MaxConcurrency: 8},
		Fetch:   config.Fetch{ConnectRetries: 1, Backoff: 10 * time.Millisecond, ChunkSize: 1024},
		Storage: config.Storage{TTL: time.Hour, CleanupInterval: time.Hour},
		HTTP:    config.HTTP{HandlerTimeout: time.Second},
		Dir:     config.Dir{Downloads: t.TempDir()},
	}

	if mutateCfg != nil {
		mutateCfg(cfg)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := observability.NewRegistry()
	metrics := observability.New(reg)

	fetcher := downloader.NewHTTP(log, cfg, nil, downloader.WithMetrics(metrics))

	p, err := pool.New(log, cfg, fetcher,
		pool.WithMetrics(metrics),
		pool.WithHistory(history.NewMemory()),
		pool.WithProber(mediaprobe.Image{}),
	)
	if err != nil {
		t.Fatalf("pool new: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())

	stg := storage.New(ctx, log, cfg, metrics)
	svc := service.New(cfg, log, p, stg, metrics)
	svc.Start(ctx)

	server := httptest.NewServer(httprouter.New(log, cfg, svc, stg, metrics, reg))
	client := server.Client()
	client.Timeout = 3 * time.Second

	media := newMediaServer(t)

	t.Cleanup(func() {
		cancel()
		svc.Wait()
		server.Close()
	})

	return &fixture{cfg: cfg, client: client, api: server.URL, media: media.URL}
}

func (fx *fixture) do(t *testing.T, method, path, body string) (int, apiResponse) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, fx.api+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := fx.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}

	var decoded apiResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("unmarshal response body: %v body=%q", err, string(raw))
		}
	}

	return resp.StatusCode, decoded
}

func (fx *fixture) createBatch(t *testing.T, payload map[string]any) (int, apiResponse) {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	return fx.do(t, http.MethodPost, "/v1/batches/", string(body))
}

func decodeBatch(t *testing.T, resp apiResponse) entity.Batch {
	t.Helper()

	var batch entity.Batch
	if err := json.Unmarshal(resp.Data, &batch); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}

	if batch.UUID == "" {
		t.Fatalf("batch id is empty")
	}

	return batch
}

func (fx *fixture) waitForStatus(t *testing.T, id string, timeout time.Duration, want entity.BatchStatus) entity.Batch {
	t.Helper()

	deadline := time.Now().Add(timeout)

	var last entity.Batch

	for time.Now().Before(deadline) {
		code, resp := fx.do(t, http.MethodGet, "/v1/batches/"+id, "")
		if code == http.StatusOK {
			last = decodeBatch(t, resp)
			if last.Status == want {
				return last
			}
		}

		time.Sleep(25 * time.Millisecond)
	}

	t.Fatalf("wait for batch status %q timed out, last status %q", want, last.Status)

	return entity.Batch{}
}

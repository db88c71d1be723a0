// entry point of the application
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"kickgrab/internal/config"
	"kickgrab/internal/diskcheck"
	"kickgrab/internal/downloader"
	"kickgrab/internal/history"
	httprouter "kickgrab/internal/infrastructure/delivery/http"
	"kickgrab/internal/mediaprobe"
	"kickgrab/internal/observability"
	"kickgrab/internal/pool"
	"kickgrab/internal/progress"
	"kickgrab/internal/proxymgr"
	"kickgrab/internal/ratelimit"
	"kickgrab/internal/service"
	"kickgrab/internal/storage"
	httpserver "kickgrab/pkg/http/server"
	"kickgrab/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.New()
	if err != nil {
		slog.Error("config new", slog.Any("error", err))
		stop()
		os.Exit(1)
	}

	log, err := logger.New(&logger.Options{
		AddSource: true,
		Level:     cfg.App.LogLevel,
	})
	if err != nil {
		slog.WarnContext(ctx, "logger level invalid; defaulting to info", slog.Any("error", err))
	}

	registry := observability.NewRegistry()
	metrics := observability.New(registry)

	ledger, err := history.New(ctx, log, cfg)
	if err != nil {
		log.ErrorContext(ctx, "history new", slog.Any("error", err))
		stop()
		os.Exit(1)
	}

	fetchOpts := []downloader.Option{
		downloader.WithLimiter(ratelimit.New(cfg.Fetch.RateLimit, cfg.Fetch.ChunkSize)),
		downloader.WithMetrics(metrics),
	}

	if len(cfg.Proxy.Proxies) > 0 {
		proxyMgr := proxymgr.New(log, cfg, metrics)
		proxyMgr.StartHealthChecker(ctx)
		fetchOpts = append(fetchOpts, downloader.WithProxies(proxyMgr))

		log.InfoContext(ctx, "proxy manager initialized", slog.Int("proxy_count", proxyMgr.Count()))
	}

	fetcher := downloader.NewHTTP(log, cfg, nil, fetchOpts...)

	poolOpts := []pool.Option{
		pool.WithMetrics(metrics),
		pool.WithSink(progress.NewLogger(log, 0)),
		pool.WithDiskCheck(diskcheck.Usage{}, cfg.Disk.MinFreeBytes),
		pool.WithProber(mediaprobe.Image{}),
	}

	if ledger != nil {
		poolOpts = append(poolOpts, pool.WithHistory(ledger))
	}

	workers, err := pool.New(log, cfg, fetcher, poolOpts...)
	if err != nil {
		log.ErrorContext(ctx, "pool new", slog.Any("error", err))
		stop()
		os.Exit(1)
	}

	storer := storage.New(ctx, log, cfg, metrics)

	// Service
	svc := service.New(cfg, log, workers, storer, metrics)
	svc.Start(ctx)

	// HTTP Server
	router := httprouter.New(log, cfg, svc, storer, metrics, registry)

	httpSrv := httpserver.New(router, httpserver.Options{
		Addr:            cfg.HTTP.Port,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	})

	log.InfoContext(ctx, "kickgrab started",
		slog.String("port", cfg.HTTP.Port),
		slog.String("downloads", cfg.Dir.Downloads),
		slog.String("history", cfg.History.Backend))

	// Waiting for shutdown signal
	select {
	case <-ctx.Done():
	case err := <-httpSrv.Notify():
		log.ErrorContext(ctx, "http server stopped", slog.Any("error", err))
		stop()
	}

	err = httpSrv.Shutdown()
	if err != nil {
		log.Error("http server shutdown", slog.Any("error", err))
	}

	// running batches observe the cancelled context and record their cancelled outcomes
	svc.Wait()

	if ledger != nil {
		if err := ledger.Close(); err != nil {
			log.Error("history close", slog.Any("error", err))
		}
	}

	log.Info("kickgrab shut down gracefully")
}

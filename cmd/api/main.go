package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rafeq/internal/config"
	"rafeq/internal/httpserver"
	"rafeq/internal/logging"
	"rafeq/internal/observability"
	"rafeq/internal/processor"
	"rafeq/internal/queue/backend"
	"rafeq/internal/scheduler"
	"rafeq/internal/store/pg"
	"rafeq/internal/webhook"
)

func main() {
	cfg := config.LoadAPI()
	logger := logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBMaxConns,
		MinConns:          cfg.DBMinConns,
		MaxConnLifetime:   cfg.DBMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	queues, err := backend.Open(ctx, cfg.QueueConfig, logger)
	if err != nil {
		slog.Error("api queue init failed", "err", err, "backend", cfg.Backend)
		os.Exit(1)
	}
	defer queues.Close()

	guard, err := webhook.NewIPGuard(cfg.IPAllowlistEnabled, cfg.IPAllowlist, cfg.TrustProxy)
	if err != nil {
		slog.Error("invalid IP_ALLOWLIST", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewPrometheus(reg)

	var providers []webhook.Provider
	if cfg.SallaWebhookSecret != "" {
		providers = append(providers, webhook.Salla(cfg.SallaWebhookSecret))
	}
	if cfg.ZidWebhookSecret != "" {
		providers = append(providers, webhook.Zid(cfg.ZidWebhookSecret))
	}
	if len(providers) == 0 {
		slog.Warn("no provider webhook secrets configured; every webhook will be rejected")
	}
	gw := webhook.NewGateway(store, queues.Webhooks, providers...)
	gw.Logger = logger
	gw.Metrics = metrics
	gw.Attempts = cfg.JobAttempts

	// Store linking from the admin API re-enqueues orphan events; nothing is
	// published from this process.
	linker := processor.New(store, nil, queues.Webhooks)
	linker.Logger = logger
	linker.Metrics = metrics
	sched := &scheduler.Scheduler{Store: store, Queue: queues.Sends, Logger: logger, Metrics: metrics, Attempts: cfg.JobAttempts}

	s := httpserver.New()
	s.Health(2*time.Second, store.Ping, queues.Ping)
	(&httpserver.Webhook{Gateway: gw, Guard: guard, Logger: logger}).Register(s.Mux)
	if cfg.AdminToken != "" {
		api := &httpserver.API{Events: store, Replayer: gw, Sends: store, Scheduler: sched, Stores: linker, Logger: logger}
		api.Register(s.Mux, cfg.AdminToken)
	} else {
		slog.Info("ADMIN_TOKEN not set; admin routes disabled")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(logger, metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port, "queue_backend", queues.Backend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}

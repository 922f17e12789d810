package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"rafeq/internal/config"
	"rafeq/internal/eventbus"
	"rafeq/internal/httpserver"
	"rafeq/internal/logging"
	"rafeq/internal/observability"
	"rafeq/internal/processor"
	"rafeq/internal/queue"
	"rafeq/internal/queue/backend"
	"rafeq/internal/scheduler"
	"rafeq/internal/sender"
	"rafeq/internal/status"
	"rafeq/internal/store/pg"
	"rafeq/internal/transport/gateway"
)

func main() {
	cfg := config.LoadWorker()
	logger := logging.Init("worker", cfg.LogFormat, cfg.LogLevel)

	// Use a root ctx we can cancel
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
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	queues, err := backend.Open(ctx, cfg.QueueConfig, logger)
	if err != nil {
		slog.Error("worker queue init failed", "err", err, "backend", cfg.Backend)
		os.Exit(1)
	}
	defer queues.Close()

	reg := prometheus.NewRegistry()
	metrics := observability.NewPrometheus(reg)

	// Domain events: the scheduler listens to everything the processor publishes.
	bus := eventbus.New(logger)
	sched := &scheduler.Scheduler{
		Store:    store,
		Queue:    queues.Sends,
		Logger:   logger,
		Metrics:  metrics,
		Attempts: cfg.JobAttempts,
	}
	sched.Subscribe(bus)

	proc := processor.New(store, bus, queues.Webhooks)
	proc.Logger = logger
	proc.Metrics = metrics
	proc.Normalizer = &status.Normalizer{Logger: logger}

	// Gateway client + limiter/breaker + send worker
	client := &gateway.Client{
		BaseURL: cfg.GatewayBaseURL,
		Token:   cfg.GatewayToken,
		HTTP:    &http.Client{Timeout: 8 * time.Second},
	}
	sendWorker := &sender.Worker{
		Store:     store,
		Transport: client,
		Limiter:   rate.NewLimiter(rate.Limit(cfg.GatewayRPS), cfg.GatewayBurst),
		Breaker:   sender.NewBreaker("gateway"),
		Logger:    logger,
		Metrics:   metrics,
		Retryable: gateway.ShouldRetry,
	}

	// health + metrics server
	hs := httpserver.New()
	hs.Health(2*time.Second, store.Ping, queues.Ping)
	hs.Mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	healthSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           httpserver.Logging(logger)(hs.Mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.MetricsPort)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	var wg sync.WaitGroup
	poolErrCh := make(chan error, 2)
	runPool := func(src queue.Source, h queue.Handler, opts queue.PoolOptions) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("worker pool starting", "queue", opts.Name, "workers", opts.Workers)
			if err := queue.RunPool(ctx, src, h, opts); err != nil && ctx.Err() == nil {
				poolErrCh <- err
			}
		}()
	}
	runPool(queues.Webhooks, proc.Process, queue.PoolOptions{
		Name:    backend.WebhookQueue,
		Workers: cfg.EventConcurrency,
		Limiter: rate.NewLimiter(rate.Limit(cfg.EventRatePerSec), cfg.EventBurst),
		Logger:  logger,
		Metrics: metrics,
	})
	runPool(queues.Sends, sendWorker.Process, queue.PoolOptions{
		Name:    backend.SendQueue,
		Workers: cfg.SendConcurrency,
		Limiter: rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), cfg.SendBurst),
		Logger:  logger,
		Metrics: metrics,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		queues.RunSweepers(ctx, time.Duration(cfg.SweepIntervalSeconds)*time.Second, metrics)
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-poolErrCh:
		slog.Error("worker pool failed", "err", err)
		exitCode = 1
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			exitCode = 1
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Info("worker shutdown timeout waiting for pools")
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

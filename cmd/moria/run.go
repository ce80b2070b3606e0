package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/eugener/moria/internal/app"
	"github.com/eugener/moria/internal/auth"
	"github.com/eugener/moria/internal/config"
	"github.com/eugener/moria/internal/scheduler"
	"github.com/eugener/moria/internal/secret"
	"github.com/eugener/moria/internal/server"
	"github.com/eugener/moria/internal/session"
	"github.com/eugener/moria/internal/storage/sqlite"
	"github.com/eugener/moria/internal/telemetry"
	"github.com/eugener/moria/internal/upstream"
	"github.com/eugener/moria/internal/worker"
)

const dnsRefreshInterval = 5 * time.Minute

// setupLogger installs the process-wide slog handler: colorized tint on a
// terminal, JSON otherwise.
func setupLogger() {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			TimeFormat: time.Kitchen,
		})))
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
}

func run(configPath string) error {
	setupLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting moria", "version", version, "addr", cfg.Server.Addr)

	cipher, err := secret.New(cfg.Crypto.SecretKey, cfg.Crypto.StrictDecrypt)
	if err != nil {
		return err
	}

	store, err := sqlite.New(cfg.Database.DSN, cipher)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := config.Bootstrap(ctx, store, cfg); err != nil {
		return err
	}

	log := slog.Default()

	// Observability.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(ctx) //nolint:errcheck
		}()
	}

	// Upstream plumbing: cached DNS for the assist backend, one client per
	// provider credential set.
	resolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(dnsRefreshInterval)
		defer t.Stop()
		for range t.C {
			resolver.Refresh(true)
		}
	}()

	pool, err := upstream.NewPool(upstream.Options{
		BaseURL:       cfg.Upstream.BaseURL,
		Resolver:      resolver,
		Logger:        log,
		UnaryTimeout:  cfg.Upstream.UnaryTimeout,
		StreamTimeout: cfg.Upstream.StreamTimeout,
	})
	if err != nil {
		return err
	}

	// Core services.
	sched := scheduler.New(store, log, scheduler.Config{
		HealthThreshold:  cfg.Scheduler.HealthThreshold,
		FailureThreshold: cfg.Scheduler.FailureThreshold,
		Cooldown:         cfg.Scheduler.Cooldown,
		MaxRetries:       cfg.Scheduler.MaxRetries,
	})
	matcher := session.NewMatcher(store, log, cfg.Sessions.TTL, cfg.Sessions.MaxPerUser)
	recorder := worker.NewLogRecorder(store, metrics)

	exec := app.NewExecutor(app.Options{
		Scheduler:     sched,
		Matcher:       matcher,
		Pool:          app.WrapPool(pool),
		Recorder:      recorder,
		Metrics:       metrics,
		Logger:        log,
		MediaKeywords: cfg.Media.Keywords,
	})

	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}

	handler := server.New(server.Deps{
		Auth:           apiKeyAuth,
		Exec:           exec,
		Store:          store,
		AdminKey:       cfg.Auth.AdminKey,
		ReadyCheck:     store.Ping,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,

		DefaultMaxConcurrent: cfg.Scheduler.DefaultMaxConcurrent,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers: log batching plus cron maintenance.
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	runner := worker.NewRunner(
		recorder,
		worker.NewMaintenance(store, cfg.Logs.Retention, cfg.Sessions.CleanupInterval, metrics),
	)
	workerErrCh := make(chan error, 1)
	go func() { workerErrCh <- runner.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("moria ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workerErrCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers after the server has drained so in-flight requests can
	// still enqueue log rows; the recorder drains its channel on cancel.
	stopWorkers()
	<-workerErrCh

	slog.Info("moria stopped")
	return nil
}

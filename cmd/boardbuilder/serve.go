package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/boardbuilder/internal/compiler"
	"git.home.luguber.info/inful/boardbuilder/internal/config"
	"git.home.luguber.info/inful/boardbuilder/internal/events"
	"git.home.luguber.info/inful/boardbuilder/internal/fetch"
	"git.home.luguber.info/inful/boardbuilder/internal/ingest"
	"git.home.luguber.info/inful/boardbuilder/internal/metrics"
	"git.home.luguber.info/inful/boardbuilder/internal/provider"
	"git.home.luguber.info/inful/boardbuilder/internal/queue"
	"git.home.luguber.info/inful/boardbuilder/internal/retry"
	"git.home.luguber.info/inful/boardbuilder/internal/server"
	"git.home.luguber.info/inful/boardbuilder/internal/store"
	"git.home.luguber.info/inful/boardbuilder/internal/version"
	"git.home.luguber.info/inful/boardbuilder/internal/worker"
)

// runServe assembles the daemon and blocks until SIGINT/SIGTERM.
func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logLevel.Set(parseLevel(cfg.Logging.Level))

	slog.Info("Starting boardbuilder",
		slog.String("version", version.Version),
		slog.String("addr", cfg.Server.Addr),
		slog.Int("workers", cfg.Queue.Workers))

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("Store close failed", "error", err)
		}
	}()

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	var serverOpts []server.Option
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(registry)
		serverOpts = append(serverOpts, server.WithMetricsHandler(
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	var emitter events.Emitter = events.NoopEmitter{}
	if cfg.Events.Enabled {
		natsEmitter, err := events.NewNATSEmitter(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			// Event publishing is observational; the daemon still serves builds.
			slog.Warn("NATS emitter unavailable, lifecycle events disabled", "error", err)
		} else {
			emitter = natsEmitter
		}
	}
	defer func() {
		if err := emitter.Close(); err != nil {
			slog.Warn("Event emitter close failed", "error", err)
		}
	}()

	fetcher := fetch.New(cfg.Provider.APIURL, cfg.Provider.BaseURL, cfg.Build.MaxArchiveBytes,
		fetch.WithStrategy(fetch.Strategy(cfg.Build.FetchStrategy)))

	runner, err := compiler.NewExecRunner(cfg.Build.CompilerCommand, cfg.Build.CompileTimeoutDuration())
	if err != nil {
		return err
	}
	circuitCompiler := compiler.New(runner, cfg.Build.IncludePatterns)

	providerClient := provider.NewClient(cfg.Provider.APIURL, cfg.Provider.BaseURL)

	buildWorker := worker.New(st, fetcher, circuitCompiler, providerClient,
		cfg.Provider.Credential,
		retry.NewPolicy(cfg.Queue.BackoffBaseDuration(), cfg.Queue.BackoffCapDuration(), cfg.Queue.MaxRetries),
		worker.Config{
			WorkspaceRoot: cfg.Build.WorkspaceRoot,
			PublicBaseURL: cfg.Server.PublicBaseURL,
		},
		emitter, recorder)

	jobQueue, err := queue.New(st, buildWorker, queue.Options{
		Workers:            cfg.Queue.Workers,
		IdlePollInterval:   cfg.Queue.IdlePollIntervalDuration(),
		SweepInterval:      cfg.Queue.SweepIntervalDuration(),
		MaxAttemptDuration: cfg.Queue.MaxAttemptDurationDuration(),
		Emitter:            emitter,
		Metrics:            recorder,
	})
	if err != nil {
		return err
	}

	ingestService := ingest.NewService(st, jobQueue, cfg.Provider.BotCredential)
	apiServer := server.New(cfg.Server.Addr, ingestService, jobQueue, st, cfg.Server.AuthToken, serverOpts...)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Log level follows config edits without a restart.
	watcher, err := config.NewWatcher(configPath, func(updated *config.Config) {
		logLevel.Set(parseLevel(updated.Logging.Level))
	})
	if err != nil {
		slog.Warn("Config watcher unavailable", "error", err)
	} else if err := watcher.Start(ctx); err != nil {
		slog.Warn("Config watcher failed to start", "error", err)
	} else {
		defer watcher.Stop()
	}

	jobQueue.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server listening", slog.String("addr", cfg.Server.Addr))
		serverErr <- apiServer.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		slog.Warn("API server shutdown failed", "error", err)
	}
	jobQueue.Stop(shutdownCtx)

	slog.Info("Shutdown complete")
	return nil
}

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/okondo/gaasgw/internal/auth"
	"github.com/okondo/gaasgw/internal/blockchain"
	"github.com/okondo/gaasgw/internal/botdetect"
	"github.com/okondo/gaasgw/internal/config"
	"github.com/okondo/gaasgw/internal/proxy"
	"github.com/okondo/gaasgw/internal/ratelimit"
	"github.com/okondo/gaasgw/internal/server"
	"github.com/okondo/gaasgw/internal/storage/sqlite"
	"github.com/okondo/gaasgw/internal/telemetry"
	"github.com/okondo/gaasgw/internal/transparency"
	"github.com/okondo/gaasgw/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	slog.Info("starting gaasgw", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background()) //nolint:errcheck
	}

	// Metrics are always collected; the /metrics endpoint is only mounted
	// when enabled (server.Deps.Registry nil hides it).
	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)
	exposed := registry
	if !cfg.Telemetry.Metrics.Enabled {
		exposed = nil
	}

	// Optional Sepolia anchoring
	var (
		anchorer *blockchain.Anchorer
		chain    server.ChainReader
	)
	if cfg.Blockchain.Enabled {
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		anchorer, err = blockchain.Dial(dialCtx, cfg.Blockchain.RPCURL,
			cfg.Blockchain.PrivateKey, cfg.Blockchain.ContractAddress, logger)
		cancel()
		if err != nil {
			return err
		}
		chain = anchorer
	}

	limiter := ratelimit.NewRegistryWithDefault(ratelimit.Config{
		Capacity:      cfg.RateLimits.DefaultRequests,
		WindowSeconds: cfg.RateLimits.DefaultWindowSeconds,
	})
	workers := []worker.Worker{worker.NewBucketEvictor(limiter, metrics)}

	var notifier transparency.BatchNotifier
	if anchorer != nil {
		anchorWorker := worker.NewAnchorWorker(store, anchorer, metrics, logger)
		workers = append(workers, anchorWorker)
		notifier = anchorWorker
	}
	tlog := transparency.New(store, cfg.Transparency.BatchSize, notifier, logger)

	directory, err := auth.NewKeyDirectory(store, store)
	if err != nil {
		return err
	}

	resolver := &dnscache.Resolver{}
	engine := proxy.New(store, directory, botdetect.New(store), limiter,
		tlog, resolver, metrics, logger)

	handler := server.New(server.Deps{
		Store:      store,
		Engine:     engine,
		Directory:  directory,
		TLog:       tlog,
		Chain:      chain,
		Metrics:    metrics,
		Registry:   exposed,
		ReadyCheck: store.Ping,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers stop when runCtx is cancelled at shutdown.
	runCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- worker.NewRunner(workers...).Run(runCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("gaasgw ready", "addr", cfg.Server.Addr,
		"anchoring", cfg.Blockchain.Enabled, "batch_size", cfg.Transparency.BatchSize)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	cancelWorkers()
	if err := <-workerErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("gaasgw stopped")
	return nil
}

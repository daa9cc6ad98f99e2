// Command consensus consumes raw transmission location observations, keeps
// one consensus location per site in Postgres, publishes every change and
// serves the locations API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	httpadapter "github.com/tlm-solutions/locations-consensus/internal/adapter/http"
	kafkaadapter "github.com/tlm-solutions/locations-consensus/internal/adapter/kafka"
	"github.com/tlm-solutions/locations-consensus/internal/adapter/memcache"
	"github.com/tlm-solutions/locations-consensus/internal/adapter/postgres"
	"github.com/tlm-solutions/locations-consensus/internal/adapter/rediscache"
	"github.com/tlm-solutions/locations-consensus/internal/config"
	"github.com/tlm-solutions/locations-consensus/internal/domain"
	"github.com/tlm-solutions/locations-consensus/internal/observability"
	"github.com/tlm-solutions/locations-consensus/internal/pipeline"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := domain.NewEngine(domain.EngineConfig{MaxSaneDistance: cfg.MaxSaneDistance}, logger)
	if err != nil {
		return err
	}

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := postgres.NewStore(pool, logger)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	cache, closeCache, err := newPayloadCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	reader := kafkaadapter.NewReader(cfg, logger)
	writer := kafkaadapter.NewWriter(cfg, logger)

	p := pipeline.New(reader, store, engine, writer, logger, metrics, pipeline.Options{
		BatchSize:   cfg.BatchSize,
		Workers:     cfg.RecomputeWorkers,
		MaxSamples:  cfg.MaxSamplesPerSite,
		Invalidator: cache,
	})

	api := httpadapter.NewLocationsAPI(store, cache, p, engine, metrics, logger)
	srv := httpadapter.NewServer(cfg.HTTPAddr, readiness{store: store, pipeline: p}, api, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	// Start consensus pipeline.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("pipeline did not stop before shutdown timeout")
	}
	if err := reader.Close(); err != nil {
		logger.Error("kafka reader close error", "error", err)
	}
	if err := writer.Close(); err != nil {
		logger.Error("kafka writer close error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

type payloadCache interface {
	httpadapter.PayloadCache
	pipeline.CacheInvalidator
}

// newPayloadCache connects to Redis when an address is configured and falls
// back to the in-process LRU otherwise.
func newPayloadCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (payloadCache, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Info("payload cache in process", "size", cfg.PayloadCacheSize, "ttl", cfg.RedisTTL)
		return memcache.New(cfg.PayloadCacheSize, cfg.RedisTTL, nil), func() {}, nil
	}

	client, err := rediscache.Dial(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("payload cache in redis", "addr", cfg.RedisAddr, "ttl", cfg.RedisTTL)
	return rediscache.New(client, cfg.RedisTTL, logger), func() {
		if err := client.Close(); err != nil {
			logger.Error("redis close error", "error", err)
		}
	}, nil
}

// readiness requires a reachable database and a pipeline that has processed
// at least one batch.
type readiness struct {
	store    *postgres.Store
	pipeline *pipeline.Pipeline
}

func (r readiness) CheckReadiness(ctx context.Context) error {
	if err := r.store.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return r.pipeline.CheckReadiness(ctx)
}

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

	"golang.org/x/sync/errgroup"

	httpadapter "github.com/couchcryptid/streamflow-ingest/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/streamflow-ingest/internal/adapter/kafka"
	"github.com/couchcryptid/streamflow-ingest/internal/adapter/nwis"
	"github.com/couchcryptid/streamflow-ingest/internal/catalog"
	"github.com/couchcryptid/streamflow-ingest/internal/config"
	"github.com/couchcryptid/streamflow-ingest/internal/domain"
	"github.com/couchcryptid/streamflow-ingest/internal/observability"
	"github.com/couchcryptid/streamflow-ingest/internal/pipeline"
	"github.com/couchcryptid/streamflow-ingest/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, metrics); err != nil {
		logger.Error("ingest failed", "error", err)
		stop()
		os.Exit(1) //nolint:gocritic // stop already called
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) error {
	entities, err := catalog.Load(cfg.CatalogPath, cfg.CatalogTable, cfg.Region)
	if err != nil {
		return err
	}
	logger.Info("catalog loaded", "path", cfg.CatalogPath, "region", cfg.Region, "entities", len(entities))

	entityChunk := cfg.ArrayEntityChunk
	if entityChunk == 0 {
		entityChunk = cfg.FlushThreshold()
	}
	st, err := store.Open(cfg.Backend, cfg.OutputPath, store.Options{
		EntityChunk: entityChunk,
		TimeChunk:   cfg.ArrayTimeChunk,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close error", "error", err)
		}
	}()

	if cfg.NWISRetryMax < 0 {
		logger.Warn("NWIS_RETRY_MAX is -1, transient failures are retried until the run is cancelled")
	}
	client := nwis.NewClient(nwis.Config{
		BaseURL:           cfg.NWISBaseURL,
		ParameterCode:     cfg.NWISParameterCode,
		Timeout:           cfg.NWISTimeout,
		RetryMax:          cfg.NWISRetryMax,
		RetryWaitMin:      cfg.NWISRetryWaitMin,
		RetryWaitMax:      cfg.NWISRetryWaitMax,
		RequestsPerSecond: cfg.NWISRequestsPerSecond,
	}, metrics, logger)

	normalizer := pipeline.NewNormalizer(domain.NormalizeOptions{
		Range:   cfg.Range,
		Cadence: cfg.Cadence,
		Quality: cfg.Quality,
	}, logger, metrics)

	opts := pipeline.Options{
		Entities:           entities,
		Range:              cfg.Range,
		Mode:               domain.ModeForCadence(cfg.Cadence),
		BatchSize:          cfg.BatchSize,
		FlushEveryNBatches: cfg.FlushEveryNBatches,
		Destination:        string(cfg.Backend) + ":" + cfg.OutputPath,
	}
	if cfg.KafkaEnabled() {
		writer := kafkaadapter.NewWriter(cfg, logger)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		opts.Notifier = writer
		logger.Info("flush notifications enabled", "topic", cfg.KafkaFlushTopic)
	}

	p := pipeline.New(client, normalizer, st, logger, metrics, opts)
	srv := httpadapter.NewServer(cfg.HTTPAddr, p, logger)

	g, gctx := errgroup.WithContext(ctx)

	// Start HTTP server. A failure here is logged and does not stop the run.
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
		return nil
	})

	// Run ingestion, then stop the HTTP server.
	g.Go(func() error {
		rep, err := p.Run(gctx)
		logReport(logger, rep)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Error("http server shutdown error", "error", serr)
		}
		return err
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func logReport(logger *slog.Logger, rep pipeline.Report) {
	attrs := []any{
		"run_id", rep.RunID,
		"catalog", rep.Catalog,
		"remaining_at_start", rep.Remaining,
		"batches", rep.Batches,
		"batches_failed", rep.BatchesFailed,
		"entities_fetched", rep.EntitiesFetched,
		"entities_dropped", rep.EntitiesDropped,
		"entities_written", rep.EntitiesWritten,
		"flushes", rep.Flushes,
		"elapsed", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond),
	}
	if !rep.LastFlushAt.IsZero() {
		attrs = append(attrs, "last_flush_at", rep.LastFlushAt)
	}
	logger.Info("run report", attrs...)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"imagesearch/internal/config"
	"imagesearch/internal/embedding"
	"imagesearch/internal/embedding/onnx"
	"imagesearch/internal/embedding/replicate"
	"imagesearch/internal/events"
	"imagesearch/internal/search"
	"imagesearch/internal/services"
	"imagesearch/internal/store"
	"imagesearch/internal/store/inmemory"
	"imagesearch/internal/store/postgres"
	"imagesearch/internal/store/sqlite"
)

// app is the core object graph shared by every subcommand.
type app struct {
	store    store.Driver
	provider embedding.Provider
	bus      *events.Bus
	pipeline *services.Pipeline
	library  *services.Library
	logger   *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	driver, err := newStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	if err := driver.Init(ctx); err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}

	provider, err := newProvider(cfg.Embedding, logger)
	if err != nil {
		_ = driver.Close()
		return nil, err
	}

	bus := events.NewBus(logger)
	pipeline := services.NewPipeline(services.PipelineConfig{
		Store:      driver,
		Provider:   provider,
		Bus:        bus,
		Logger:     logger,
		BatchSize:  cfg.Pipeline.BatchSize,
		BatchDelay: cfg.Pipeline.BatchDelay,
		QueueSize:  cfg.Pipeline.QueueSize,
	})
	library := services.NewLibrary(services.LibraryConfig{
		Store:     driver,
		Provider:  provider,
		Pipeline:  pipeline,
		Engine:    search.NewEngine(logger),
		Bus:       bus,
		Logger:    logger,
		Threshold: cfg.Search.Threshold,
	})

	return &app{
		store:    driver,
		provider: provider,
		bus:      bus,
		pipeline: pipeline,
		library:  library,
		logger:   logger,
	}, nil
}

// Close drains queued embeddings until ctx is done, then releases the
// provider and store. Undrained records stay pending.
func (a *app) Close(ctx context.Context) error {
	if err := a.pipeline.Shutdown(ctx); err != nil {
		a.logger.Warn("queued embeddings left pending", "error", err)
	}
	a.bus.Close()
	return errors.Join(a.provider.Close(), a.store.Close())
}

func newStore(cfg config.StoreConfig, logger *slog.Logger) (store.Driver, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.NewDriver(cfg.SQLitePath, logger), nil
	case "postgres":
		return postgres.NewDriver(cfg.PostgresDSN, logger), nil
	case "memory":
		return inmemory.NewDriver(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func newProvider(cfg config.EmbeddingConfig, logger *slog.Logger) (embedding.Provider, error) {
	switch cfg.Provider {
	case "replicate":
		return replicate.New(replicate.Config{
			BaseURL:       cfg.Replicate.BaseURL,
			Token:         cfg.Replicate.Token,
			Version:       cfg.Replicate.Version,
			PollInterval:  cfg.Replicate.PollInterval,
			MaxAttempts:   cfg.Replicate.MaxAttempts,
			RatePerSecond: cfg.Replicate.RatePerSecond,
		}, replicate.WithLogger(logger))
	case "onnx":
		return onnx.New(onnx.Config{
			LibraryPath: cfg.ONNX.LibraryPath,
			VisionModel: cfg.ONNX.VisionModel,
			TextModel:   cfg.ONNX.TextModel,
			Tokenizer:   cfg.ONNX.Tokenizer,
			Dimensions:  cfg.ONNX.Dimensions,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}
}

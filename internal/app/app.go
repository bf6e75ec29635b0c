// Package app wires configuration into the store, extractor and pipeline used by the binaries.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/receipty/receipty/internal/common"
	"github.com/receipty/receipty/internal/extract"
	"github.com/receipty/receipty/internal/llm"
	"github.com/receipty/receipty/internal/llm/gemini"
	"github.com/receipty/receipty/internal/llm/openai"
	"github.com/receipty/receipty/internal/pipeline"
	"github.com/receipty/receipty/internal/repository"
	"github.com/receipty/receipty/internal/runs"
)

// OpenStore connects to the configured database and migrates it when enabled.
func OpenStore(ctx context.Context, cfg common.DatabaseConfig, logger *zap.Logger) (*repository.Store, error) {
	var (
		store *repository.Store
		err   error
	)
	switch cfg.Driver {
	case common.DriverPostgres:
		store, err = repository.Open(ctx, repository.Config{
			DSN:              cfg.DSN,
			MaxConns:         cfg.MaxConns,
			MinConns:         cfg.MinConns,
			MaxConnLifetime:  cfg.MaxConnLifetime,
			MaxConnIdleTime:  cfg.MaxConnIdleTime,
			DialTimeout:      cfg.DialTimeout,
			StatementTimeout: cfg.StatementTimeout,
		}, logger)
	case common.DriverSQLite:
		store, err = repository.OpenSQLite(ctx, cfg.DSN, logger)
	default:
		return nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown database driver %q", cfg.Driver), common.ErrInvalidInput)
	}
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewExtractor builds the extraction client for the configured provider.
func NewExtractor(ctx context.Context, cfg common.LLMConfig, logger *zap.Logger) (llm.Extractor, error) {
	switch cfg.Provider {
	case common.ProviderOpenAI:
		return openai.NewClient(openai.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		}, logger), nil
	case common.ProviderGemini:
		return gemini.NewClient(ctx, gemini.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		}, logger)
	default:
		return nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown llm provider %q", cfg.Provider), common.ErrInvalidInput)
	}
}

// Pipeline is everything needed to process receipts against one store.
type Pipeline struct {
	Receipts     repository.ReceiptRepository
	Jobs         repository.ExtractJobRepository
	Processor    *pipeline.Processor
	Orchestrator *pipeline.Orchestrator
}

func NewPipeline(store *repository.Store, extractor llm.Extractor, cfg common.BatchConfig, logger *zap.Logger) (*Pipeline, error) {
	validator, err := extract.NewValidator(
		extract.WithTolerance(cfg.Tolerance),
		extract.WithAllowEmptyItems(cfg.AllowEmptyItems),
	)
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}

	receipts := repository.NewReceiptRepository(store, logger)
	jobs := repository.NewExtractJobRepository(store, logger)
	proc := pipeline.NewProcessor(receipts, jobs, extractor, validator, pipeline.Config{
		MaxExtractionAttempts: cfg.MaxExtractionAttempts,
		RetryBackoff:          cfg.RetryBackoff,
		ReceiptTimeout:        cfg.ReceiptTimeout,
	}, logger)

	return &Pipeline{
		Receipts:     receipts,
		Jobs:         jobs,
		Processor:    proc,
		Orchestrator: pipeline.NewOrchestrator(receipts, proc, logger),
	}, nil
}

// OpenRuns returns the bbolt run history when a path is configured, memory otherwise.
func OpenRuns(cfg common.RunsConfig) (runs.Store, error) {
	if cfg.BoltPath == "" {
		return runs.NewMemoryStore(), nil
	}
	return runs.NewBoltStore(cfg.BoltPath)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"expense-ingest/internal/ingest"
	"expense-ingest/internal/repository"
	"expense-ingest/internal/service"
	"expense-ingest/internal/storage"
	"expense-ingest/pkg/config"
	"expense-ingest/pkg/logger"
	"expense-ingest/pkg/postgres"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app is the pipeline wired for one CLI invocation.
type app struct {
	cfg      *config.Config
	store    ingest.Store
	pipeline *ingest.Service
	logger   *zap.Logger
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if hc := viper.GetString("home_currency"); hc != "" {
		cfg.Ingest.HomeCurrency = strings.ToUpper(hc)
	}
	if dir := viper.GetString("artifacts_dir"); dir != "" {
		cfg.Storage.Driver = "local"
		cfg.Storage.LocalDir = dir
	}
	return cfg, nil
}

// openStore opens the SQLite store when --sqlite is set, Postgres otherwise.
// Both are migrated before use.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (ingest.Store, func(), error) {
	if path := viper.GetString("sqlite"); path != "" {
		store, err := repository.NewSQLiteStore(path, log)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}

	pool, err := postgres.NewPool(ctx, &cfg.Database, log)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.Migrate(ctx, pool, log); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repository.NewExpenseRepository(pool, log), pool.Close, nil
}

// newApp wires the store and, when withProviders is set, the capability
// providers. Read-only commands skip the providers.
func newApp(ctx context.Context, withProviders bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.Get()

	a := &app{cfg: cfg, logger: log}
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	var providers ingest.Providers
	var artifacts ingest.ArtifactStore
	if withProviders {
		llm, err := service.NewLLMService(&cfg.GigaChat, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = llm.Close() })
		providers.Extractor = llm
		providers.Parser = service.NewReceiptParser(llm, log)
		if cfg.Speech.BaseURL != "" {
			providers.Transcriber = service.NewSpeechService(&cfg.Speech, log)
		}

		artifacts, err = storage.New(ctx, &cfg.Storage, log)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.pipeline, err = ingest.NewService(ingest.ConfigFrom(&cfg.Ingest), store, artifacts, providers, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"expense-ingest/internal/api"
	"expense-ingest/internal/api/handlers"
	"expense-ingest/internal/ingest"
	"expense-ingest/internal/repository"
	"expense-ingest/internal/service"
	"expense-ingest/internal/storage"
	"expense-ingest/pkg/auth"
	"expense-ingest/pkg/config"
	"expense-ingest/pkg/logger"
	"expense-ingest/pkg/postgres"

	"go.uber.org/zap"
)

// @title Expense Ingest API
// @version 1.0
// @description Multi-modal expense extraction with idempotent ingestion

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /

// @securityDefinitions.apikey Bearer
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logger.Level, cfg.Logger.Encoding); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	appLogger := logger.Get()
	appLogger.Info("Starting expense ingest service")

	ctx := context.Background()
	db, err := postgres.NewPool(ctx, &cfg.Database, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db, appLogger); err != nil {
		appLogger.Fatal("Failed to apply migrations", zap.Error(err))
	}

	userRepo := repository.NewUserRepository(db, appLogger)
	expenseRepo := repository.NewExpenseRepository(db, appLogger)

	artifacts, err := storage.New(ctx, &cfg.Storage, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize artifact storage", zap.Error(err))
	}

	jwtManager := auth.NewJWTManager(cfg.JWT.SecretKey, cfg.JWT.Expiration, cfg.JWT.RefreshExp)
	authService := service.NewAuthService(userRepo, jwtManager, cfg.Ingest.HomeCurrency, appLogger)

	llmService, err := service.NewLLMService(&cfg.GigaChat, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize LLM service", zap.Error(err))
	}
	defer llmService.Close()

	providers := ingest.Providers{
		Extractor: llmService,
		Parser:    service.NewReceiptParser(llmService, appLogger),
	}
	if cfg.Speech.BaseURL != "" {
		providers.Transcriber = service.NewSpeechService(&cfg.Speech, appLogger)
	} else {
		appLogger.Warn("SPEECH_BASE_URL is empty, audio ingestion is disabled")
	}

	pipeline, err := ingest.NewService(ingest.ConfigFrom(&cfg.Ingest), expenseRepo, artifacts, providers, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize ingestion pipeline", zap.Error(err))
	}

	authHandler := handlers.NewAuthHandler(authService, appLogger)
	expenseHandler := handlers.NewExpenseHandler(pipeline, appLogger)

	app := api.SetupRouter(authHandler, expenseHandler, jwtManager, api.RouterConfig{
		BodyLimitMB: cfg.Server.BodyLimitMB,
	}, appLogger)

	go func() {
		addr := ":" + cfg.Server.Port
		appLogger.Info("Server starting", zap.String("address", addr))
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server")
	if err := app.Shutdown(); err != nil {
		appLogger.Error("Server shutdown error", zap.Error(err))
	}
}

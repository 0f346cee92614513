package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/entitled-gateway/internal/api"
	"github.com/tjfontaine/entitled-gateway/internal/billing"
	"github.com/tjfontaine/entitled-gateway/internal/config"
	"github.com/tjfontaine/entitled-gateway/internal/entitlement"
	"github.com/tjfontaine/entitled-gateway/internal/entitlement/store"
	"github.com/tjfontaine/entitled-gateway/internal/llm"
	"github.com/tjfontaine/entitled-gateway/internal/server"
	"github.com/tjfontaine/entitled-gateway/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize OpenTelemetry
	shutdown, err := telemetry.InitTracer("entitled-gateway", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	// Entitlement store: SQLite when a path is configured, in-memory otherwise
	var st entitlement.Store
	if cfg.Storage.Path != "" {
		sq, err := store.NewSQLite(cfg.Storage.Path)
		if err != nil {
			log.Fatalf("Failed to open entitlement store: %v", err)
		}
		st = sq
		logger.Info("entitlement store opened", slog.String("path", cfg.Storage.Path))
	} else {
		st = store.NewMemory()
		logger.Info("using in-memory entitlement store")
	}
	defer st.Close()

	engine := entitlement.NewEngine(st, entitlement.Config{
		UsesLimit:     cfg.Usage.Limit,
		DrainOnCancel: cfg.Usage.DrainOnCancel,
	}, logger)

	var processor billing.Processor
	if cfg.Stripe.APIKey != "" {
		processor = billing.NewStripeProcessor(cfg.Stripe.APIKey)
	} else {
		logger.Warn("stripe api key not configured, live subscription lookups disabled")
	}

	llmClient := llm.New(cfg.OpenAI.APIKey)
	if !llmClient.Configured() {
		logger.Warn("openai api key not configured, model routes will refuse requests")
	}

	srv := server.New(cfg.Server.Port, cfg.Server.CORSOrigins, logger)

	handler := api.NewHandler(engine, processor, llmClient, cfg.Stripe.WebhookSecret, logger)
	handler.Routes(srv.Router)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-sigChan:
		logger.Info("shutdown signal received, stopping server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

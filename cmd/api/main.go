package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/alexvas/accounts/internal/adapter/handler"
	"github.com/alexvas/accounts/internal/adapter/storage"
	"github.com/alexvas/accounts/internal/core/config"
	"github.com/alexvas/accounts/internal/core/processor"
)

func main() {
	cfg := config.LoadConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := storage.Migrate(cfg.DatabaseURL, "migrations"); err != nil {
		slog.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	dbPool, err := storage.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}

	ledger := storage.NewLedger(dbPool)
	proc := processor.New(ledger, cfg.StaleAfter, cfg.StaleBatch)

	accountHandler := &handler.AccountHandler{Store: ledger}
	t9nHandler := &handler.T9nHandler{Store: ledger, Processor: proc}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/v1")
	api.Get("/users/:userID/accounts", accountHandler.ListAccounts)
	api.Get("/users/:userID/t9ns/incoming", t9nHandler.Incoming)
	api.Get("/users/:userID/t9ns/outgoing", t9nHandler.Outgoing)
	api.Put("/users/:userID/t9ns/:externalID", t9nHandler.Create)

	proc.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "env", cfg.Env, "port", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			slog.Error("server stopped", "error", err)
		}
	}()

	<-stop
	slog.Info("shutting down")

	if err := app.Shutdown(); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}

	// The reconciliation loop and in-flight transfers must finish before the
	// pool closes underneath them.
	proc.Stop()
	dbPool.Close()

	slog.Info("server exited")
}

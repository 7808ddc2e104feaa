// Command seed fills the database with a couple of users holding funded
// accounts, so the API can be driven by hand or by demo scripts.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/alexvas/accounts/internal/adapter/storage"
	"github.com/alexvas/accounts/internal/core/config"
)

const (
	seededUsers    = 2
	startingAmount = 1_000_000
)

func main() {
	cfg := config.LoadConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx := context.Background()

	if err := storage.Migrate(cfg.DatabaseURL, "migrations"); err != nil {
		slog.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	dbPool, err := storage.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	init := storage.NewInitializer(dbPool)

	for i := 0; i < seededUsers; i++ {
		user, err := init.CreateUser(ctx)
		if err != nil {
			slog.Error("user creation failed", "error", err)
			os.Exit(1)
		}

		account, err := init.CreateAccount(ctx, user.ID, startingAmount)
		if err != nil {
			slog.Error("account creation failed", "user_id", user.ID, "error", err)
			os.Exit(1)
		}

		slog.Info("seeded user",
			"user_id", user.ID,
			"account_id", account.ID,
			"balance", account.Balance)
	}
}

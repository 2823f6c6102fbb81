// migrate applies the job store schema and exits.
package main

import (
	"context"
	"log/slog"
	"os"
	"pgsorchestrator/internal/store/postgres"

	"github.com/joho/godotenv"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found")
	} else {
		slog.Info("Loaded .env file")
	}

	cfg := postgres.LoadConfigFromEnv()
	cfg.MigrateOnStart = true

	slog.Info("Running migrations")
	store, err := postgres.Connect(context.Background(), cfg)
	if err != nil {
		slog.Error("Migration failed", "error", err)
		os.Exit(1)
	}
	store.Close()
	slog.Info("Migrations completed")
}

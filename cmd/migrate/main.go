// Command migrate runs the engine's goose migrations (up/down/status)
// against the same schema cmd/server applies on startup.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/vitaliisemenov/alert-history/internal/database"
	"github.com/vitaliisemenov/alert-history/internal/database/postgres"
)

func main() {
	steps := flag.Int("down-steps", 1, "number of migrations to roll back (with -down)")
	down := flag.Bool("down", false, "roll back instead of applying pending migrations")
	status := flag.Bool("status", false, "print migration status instead of applying")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dbCfg := postgres.LoadFromEnv()
	pool := postgres.NewPostgresPool(dbCfg, logger)

	ctx := context.Background()
	if err := pool.Connect(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Disconnect(ctx)

	var err error
	switch {
	case *status:
		err = database.GetMigrationStatus(ctx, pool, logger)
	case *down:
		err = database.RunMigrationsDown(ctx, pool, *steps, logger)
	default:
		err = database.RunMigrations(ctx, pool, logger)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	catalogpostgres "github.com/tabletalk/tabletalk/internal/catalog/postgres"
	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/migrations"
	"github.com/tabletalk/tabletalk/internal/observability"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	timeout := flag.Duration("timeout", 30*time.Second, "overall migration timeout")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("tabletalk-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stderr)
	if cfg.Catalog.DSN == "" {
		logger.Error("TABLETALK_CATALOG_DSN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := catalogpostgres.Open(ctx, catalogpostgres.DBConfig{
		DSN:             cfg.Catalog.DSN,
		ApplicationName: "tabletalk-migrate",
		MaxOpenConns:    1,
		MaxIdleConns:    1,
	})
	if err != nil {
		logger.Error("database open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	runner := migrations.NewRunner()
	runner.Logger = logger
	switch *direction {
	case "up":
		applied, err := runner.Up(ctx, db, *steps)
		if err != nil {
			logger.Error("migration up failed", slog.Int("applied", applied), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("migrations applied", slog.Int("count", applied))
	case "down":
		rolledBack, err := runner.Down(ctx, db, *steps)
		if err != nil {
			logger.Error("migration down failed", slog.Int("rolled_back", rolledBack), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("migrations rolled back", slog.Int("count", rolledBack))
	case "status":
		status, err := runner.Status(ctx, db)
		if err != nil {
			logger.Error("migration status failed", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Printf("applied: %v\npending: %v\n", status.Applied, status.Pending)
		if len(status.Modified) > 0 || len(status.Unknown) > 0 {
			fmt.Printf("modified: %v\nunknown: %v\n", status.Modified, status.Unknown)
			os.Exit(1)
		}
	default:
		logger.Error("invalid direction", slog.String("direction", *direction))
		os.Exit(2)
	}
}

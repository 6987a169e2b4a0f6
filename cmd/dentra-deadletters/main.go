package main

import (
	"context"
	"fmt"
	"os"

	"dentra-dispatch/common/database"
	"dentra-dispatch/common/logger"
	"dentra-dispatch/internal/config"
	"dentra-dispatch/internal/export"
	"dentra-dispatch/internal/repository"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var (
		out   string
		limit int
	)
	cmd := &cobra.Command{
		Use:           "dentra-deadletters",
		Short:         "Export dead-lettered events to an xlsx report",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg, out, limit)
		},
	}
	cmd.Flags().StringVar(&out, "out", "dead-letters.xlsx", "output file")
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum number of rows")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, out string, limit int) error {
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "dentra-deadletters")
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Sync()

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close(db)

	ledger := repository.NewPostgresIdempotencyRepository(db, nil, log)
	store := repository.NewPostgresEventsRepository(db, ledger, repository.EventStoreOptions{
		MaxAttempts:        cfg.Worker.MaxAttempts,
		DedupeTTL:          cfg.Worker.DedupeTTL,
		DeadLetterState:    cfg.Capabilities.DeadLetterState,
		LegacyPendingAlias: cfg.Capabilities.LegacyPendingAlias,
	}, nil, log)

	data, n, err := export.ExportDeadLetters(ctx, store, limit)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	log.Info("Dead letters exported",
		zap.String("file", out),
		zap.Int("rows", n),
	)
	return nil
}

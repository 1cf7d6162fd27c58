package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/whisper/radar/internal/catalog"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the question catalog migrations to Postgres",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required (RADAR_POSTGRES_DSN)")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		db, err := catalog.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := catalog.Migrate(db); err != nil {
			return err
		}

		questions, err := catalog.LoadPostgres(ctx, db)
		if err != nil {
			return err
		}
		log.Info("catalog migrated", zap.Int("questions", questions.Len()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

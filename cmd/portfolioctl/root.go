package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/portfoliohub/portfolio/internal/config"
	"github.com/portfoliohub/portfolio/pkg/database"
	"github.com/portfoliohub/portfolio/pkg/logger"
)

// connectTimeout bounds the initial database connection.
const connectTimeout = 30 * time.Second

type rootOptions struct {
	cfg        *config.Config
	jsonOutput bool
	logLevel   string
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	opts := &rootOptions{cfg: cfg}

	cmd := &cobra.Command{
		Use:           "portfolioctl",
		Short:         "Maintenance commands for the portfolio service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = "0.1.0"
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output JSON")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level for diagnostics on stderr")

	cmd.AddCommand(
		newMigrateCmd(opts),
		newSweepCmd(opts),
	)

	return cmd
}

func (o *rootOptions) logger(cmd *cobra.Command) *slog.Logger {
	return logger.NewWithWriter("portfolioctl", o.logLevel, cmd.ErrOrStderr())
}

// openPool connects without applying migrations.
func (o *rootOptions) openPool(ctx context.Context, log *slog.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pgCfg := o.cfg.Postgres()
	pool, err := database.NewPostgresPoolWithLogger(ctx, &pgCfg, log)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return pool, nil
}

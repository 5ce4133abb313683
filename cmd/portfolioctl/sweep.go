package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/portfoliohub/portfolio/internal/app"
	"github.com/portfoliohub/portfolio/internal/storage/local"
)

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var (
		dryRun bool
		grace  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove stored images no media row references",
		Long: "Lists the upload root, deletes generated-name files older than the grace period " +
			"that no media row references, and reports media rows whose file is missing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if grace < 0 {
				return fmt.Errorf("--grace must not be negative")
			}

			log := opts.logger(cmd)
			blobs, err := local.New(opts.cfg.UploadRoot, log)
			if err != nil {
				return fmt.Errorf("open upload root: %w", err)
			}

			pool, err := opts.openPool(cmd.Context(), log)
			if err != nil {
				return err
			}
			defer pool.Close()

			cfg := *opts.cfg
			if cmd.Flags().Changed("grace") {
				cfg.SweepGrace = grace
			}

			report, err := app.NewSweeper(&cfg, blobs, pool, dryRun, log).Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			return writeReport(cmd, opts.jsonOutput, report)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report orphans without deleting them")
	cmd.Flags().DurationVar(&grace, "grace", time.Hour, "skip files modified more recently than this")

	return cmd
}

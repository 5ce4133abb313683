package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/portfoliohub/portfolio/migrations"
	"github.com/portfoliohub/portfolio/pkg/database"
)

type migrateResult struct {
	Available []string `json:"available"`
	Applied   []string `json:"applied,omitempty"`
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := database.LoadMigrations(migrations.FS)
			if err != nil {
				return fmt.Errorf("load migrations: %w", err)
			}
			result := migrateResult{Available: make([]string, 0, len(all))}
			for _, m := range all {
				result.Available = append(result.Available, m.Version)
			}

			if list {
				return writeMigrateResult(cmd, opts.jsonOutput, result)
			}
			result.Applied = []string{}

			log := opts.logger(cmd)
			pool, err := opts.openPool(cmd.Context(), log)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := database.RunMigrations(cmd.Context(), pool, migrations.FS, log)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			result.Applied = append(result.Applied, applied...)
			return writeMigrateResult(cmd, opts.jsonOutput, result)
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "list bundled migrations without connecting")

	return cmd
}

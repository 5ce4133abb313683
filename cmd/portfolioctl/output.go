package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/portfoliohub/portfolio/internal/sweeper"
)

func writeJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func writeMigrateResult(cmd *cobra.Command, asJSON bool, result migrateResult) error {
	w := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(w, result)
	}

	if result.Applied == nil {
		fmt.Fprintf(w, "Bundled migrations (%d):\n", len(result.Available))
		for _, v := range result.Available {
			fmt.Fprintf(w, "  %s\n", v)
		}
		return nil
	}
	if len(result.Applied) == 0 {
		fmt.Fprintf(w, "No pending migrations (%d bundled).\n", len(result.Available))
		return nil
	}
	fmt.Fprintf(w, "Applied %d migration(s):\n", len(result.Applied))
	for _, v := range result.Applied {
		fmt.Fprintf(w, "  %s\n", v)
	}
	return nil
}

func writeReport(cmd *cobra.Command, asJSON bool, report *sweeper.Report) error {
	w := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(w, report)
	}

	if report.DryRun {
		fmt.Fprintf(w, "dry run: %d of %d stored files would be removed\n", len(report.Orphans), report.Scanned)
	} else {
		fmt.Fprintf(w, "removed %d of %d orphaned files (%d failed, %d scanned)\n",
			report.Deleted, len(report.Orphans), report.Failed, report.Scanned)
	}
	for _, key := range report.Orphans {
		fmt.Fprintf(w, "  %s\n", key)
	}
	if report.StaleTemp > 0 {
		fmt.Fprintf(w, "%d stale upload temp file(s), %d removed\n", report.StaleTemp, report.TempRemoved)
	}
	if len(report.Dangling) > 0 {
		fmt.Fprintf(w, "%d media row(s) without a stored file:\n", len(report.Dangling))
		for _, ref := range report.Dangling {
			fmt.Fprintf(w, "  media %d: %s\n", ref.ID, ref.StoredPath)
		}
	}
	return nil
}

package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var cleanupApply bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Sweep and repair orphaned references",
	Long: `Scan every registered reference relationship for ids whose targets
no longer exist. By default the sweep only reports; --apply removes the
orphaned references using the same mutations a cascade would.

Examples:
  coda cleanup            # dry run, report only
  coda cleanup --apply    # repair what the sweep finds`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupApply, "apply", false, "repair the orphaned references found")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	report, err := svc.CleanupOrphanedReferences(ctx, !cleanupApply)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	mode := "dry run"
	if report.Applied {
		mode = "applied"
	}
	fmt.Printf("Orphan sweep (%s): %d orphaned reference(s) in %s\n",
		mode, report.TotalOrphanedReferences, report.ExecutionTime.Round(time.Millisecond))

	if report.TotalOrphanedReferences == 0 {
		return nil
	}

	keys := make([]string, 0, len(report.Findings))
	for k := range report.Findings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("\n  %s\n", k)
		for _, f := range report.Findings[k] {
			fmt.Printf("    %-12s -> %v\n", f.HolderID, f.OrphanedTargetIDs)
		}
	}

	if !report.Applied {
		fmt.Println("\nRun again with --apply to repair.")
	}
	return nil
}

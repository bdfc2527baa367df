package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/raphaelgruber/coda/internal/db"
	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <snapshot-id>",
	Short: "Restore the documents captured in a deletion snapshot",
	Long: `Restore every document a cascade deletion snapshotted, including
the deleted target itself. The snapshot id is printed by the delete
command and stored on the cascade result.

Example:
  coda rollback s42-1734012345678901234-a1b2c3d4`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	result, err := svc.RollbackDeletion(ctx, args[0])
	if errors.Is(err, db.ErrSnapshotNotFound) {
		return fmt.Errorf("snapshot not found: %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}

	fmt.Printf("Restored snapshot %s (target %s)\n", result.SnapshotID, result.TargetID)
	tables := make([]string, 0, len(result.RestoredCounts))
	for t := range result.RestoredCounts {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		fmt.Printf("  %-20s %d document(s)\n", t, result.RestoredCounts[t])
	}
	return nil
}

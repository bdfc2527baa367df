package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/raphaelgruber/coda/internal/cascade"
	"github.com/raphaelgruber/coda/internal/jobs"
	"github.com/spf13/cobra"
)

var (
	deleteType         string
	deleteForce        bool
	deleteHard         bool
	deleteDropAcademic bool
	deleteNoSnapshot   bool
	deleteAsync        bool
	deleteReason       string
)

var deleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Cascade-delete entities and every reference to them",
	Long: `Delete one or more entities, cascading through every collection
that references them. By default the target is soft-deleted, academic
records are archived and a rollback snapshot is captured first.

Multiple ids run as a batch: each entity is deleted independently, one
failure never stops the rest.

Examples:
  coda delete s42
  coda delete s42 s43 s44 --force
  coda delete t7 --type teacher --hard --reason "left the school"
  coda delete s42 --async`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().StringVarP(&deleteType, "type", "t", "student", "entity type (student, teacher, orchestra)")
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "skip confirmation")
	deleteCmd.Flags().BoolVar(&deleteHard, "hard", false, "physically remove the target instead of soft-deleting")
	deleteCmd.Flags().BoolVar(&deleteDropAcademic, "drop-academic", false, "delete academic records instead of archiving them")
	deleteCmd.Flags().BoolVar(&deleteNoSnapshot, "no-snapshot", false, "skip the rollback snapshot")
	deleteCmd.Flags().BoolVar(&deleteAsync, "async", false, "run as a background job and watch its progress")
	deleteCmd.Flags().StringVar(&deleteReason, "reason", "", "reason recorded on archived documents")
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if !deleteForce {
		fmt.Printf("About to cascade-delete %d %s entity(ies): %s\n", len(args), deleteType, strings.Join(args, ", "))
		if deleteHard {
			fmt.Println("Hard delete: the targets will be physically removed.")
		}
		fmt.Print("\nContinue? [y/N]: ")

		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	opts := cascade.DefaultOptions()
	opts.HardDelete = deleteHard
	opts.PreserveAcademic = !deleteDropAcademic
	opts.CreateSnapshot = !deleteNoSnapshot
	opts.Reason = deleteReason

	if deleteAsync {
		return runDeleteAsync(ctx, args, opts)
	}

	if len(args) == 1 {
		result, err := svc.CascadeDelete(ctx, deleteType, args[0], opts)
		if err != nil {
			if result != nil && result.SnapshotID != "" {
				fmt.Fprintf(os.Stderr, "Partial failure. Roll back with: coda rollback %s\n", result.SnapshotID)
			}
			return fmt.Errorf("cascade delete: %w", err)
		}
		printResult(result)
		return nil
	}

	batch, err := svc.BatchCascadeDelete(ctx, deleteType, args, opts)
	if err != nil {
		return fmt.Errorf("batch cascade delete: %w", err)
	}
	fmt.Printf("Batch finished: %d succeeded, %d failed (%s)\n\n",
		batch.Succeeded, batch.Failed, batch.ExecutionTime.Round(time.Millisecond))
	for _, entry := range batch.Entries {
		marker := "ok"
		detail := ""
		if !entry.Result.Success {
			marker = "FAILED"
			detail = " (" + entry.Result.Error + ")"
		}
		fmt.Printf("  %-12s %s%s\n", entry.EntityID, marker, detail)
	}
	return nil
}

func runDeleteAsync(ctx context.Context, ids []string, opts cascade.Options) error {
	svc.StartProcessor(ctx)
	defer svc.StopProcessor()

	payload := map[string]any{
		"entity_type":       deleteType,
		"hard_delete":       opts.HardDelete,
		"preserve_academic": opts.PreserveAcademic,
		"create_snapshot":   opts.CreateSnapshot,
		"reason":            opts.Reason,
	}

	jobType := jobs.TypeCascadeDeletion
	if len(ids) == 1 {
		payload["entity_id"] = ids[0]
	} else {
		jobType = jobs.TypeBatchCascadeDeletion
		payload["entity_ids"] = ids
	}

	jobID, err := svc.AddJob(jobType, jobs.PriorityHigh, payload, cfg.Tuning.MaxRetries)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	fmt.Printf("Enqueued job %s\n", jobID)
	return watchJob(jobID)
}

func printResult(result *cascade.Result) {
	if !result.Success {
		fmt.Printf("Deletion refused: %s\n", result.Error)
		return
	}

	fmt.Printf("Deleted %s %s in %s\n", result.TargetType, result.TargetID, result.ExecutionTime.Round(time.Millisecond))
	if result.SnapshotID != "" {
		fmt.Printf("Snapshot: %s\n", result.SnapshotID)
	}

	keys := make([]string, 0, len(result.OperationCounts))
	for k := range result.OperationCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if result.OperationCounts[k] > 0 {
			fmt.Printf("  %-25s %d\n", k, result.OperationCounts[k])
		}
	}
	if len(result.AffectedCollections) > 0 {
		fmt.Printf("Affected collections: %s\n", strings.Join(result.AffectedCollections, ", "))
	}
}

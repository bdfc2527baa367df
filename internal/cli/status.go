package cli

import (
	"fmt"
	"time"

	"github.com/raphaelgruber/coda/internal/metrics"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue state and runtime statistics",
	Long: `Show the job queue state (length, active jobs, circuit breaker) and
in-memory operation statistics for this process.

Example:
  coda status`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	status := svc.GetQueueStatus()

	fmt.Printf("Queue Status\n")
	fmt.Printf("═══════════════════════════════════════\n")
	fmt.Printf("Queued: %d, Active: %d\n", status.QueueLength, status.ActiveJobs)
	fmt.Printf("By priority: high %d, medium %d, low %d\n",
		status.JobsByPriority["high"], status.JobsByPriority["medium"], status.JobsByPriority["low"])
	if status.CircuitBreakerOpen {
		fmt.Println("Circuit breaker: OPEN (dispatch paused)")
	} else {
		fmt.Println("Circuit breaker: closed")
	}

	m := status.Metrics
	fmt.Printf("\nJob Metrics\n")
	fmt.Printf("  Processed: %d, Failed: %d\n", m.JobsProcessed, m.JobsFailed)
	if m.JobsProcessed > 0 {
		fmt.Printf("  Avg processing time: %s\n", m.AverageProcessingTime.Round(time.Millisecond))
	}
	fmt.Printf("  Orphans cleaned: %d, Integrity issues found: %d\n",
		m.OrphansCleanedUp, m.IntegrityIssuesFound)

	printCollectorStats(svc.Metrics().Snapshot())
	return nil
}

// printCollectorStats displays operation timing statistics.
func printCollectorStats(snap metrics.Snapshot) {
	fmt.Printf("\nOperation Statistics (in-memory, since start)\n")
	fmt.Printf("═══════════════════════════════════════════════\n")
	fmt.Printf("Uptime: %.1f seconds\n", snap.UptimeSeconds)

	sections := []struct {
		name string
		op   *metrics.OperationSnapshot
	}{
		{"Cascade", snap.Cascade},
		{"Rollback", snap.Rollback},
		{"Cleanup", snap.Cleanup},
		{"Validate", snap.Validate},
		{"DB Query", snap.DBQuery},
	}

	for _, section := range sections {
		if section.op == nil {
			continue
		}
		fmt.Printf("\n%s:\n", section.name)
		printOpStats(section.op)
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(op *metrics.OperationSnapshot) {
	fmt.Printf("  Calls: %d, Total: %dms\n", op.Count, op.TotalTimeMs)
	fmt.Printf("  Time: avg %.1fms, min %dms, max %dms\n",
		op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
	if op.TotalDocuments != nil {
		fmt.Printf("  Documents: %d total", *op.TotalDocuments)
		if op.AvgDocuments != nil {
			fmt.Printf(", avg %.0f", *op.AvgDocuments)
		}
		if op.MinDocuments != nil && op.MaxDocuments != nil {
			fmt.Printf(", min %d, max %d", *op.MinDocuments, *op.MaxDocuments)
		}
		fmt.Println()
	}
}

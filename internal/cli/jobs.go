package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect background jobs",
	Long: `List the background jobs known to this process or inspect one by id.

Jobs live in memory: this shows work enqueued by the current process
(delete --async, serve-events schedules).

Examples:
  coda jobs           # List all jobs
  coda jobs abc123    # Show details for job abc123`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return showJob(args[0])
	}
	return listJobs()
}

func listJobs() error {
	jobs := svc.ListJobs()
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-10s %-26s %-10s %-10s %s\n", "ID", "TYPE", "STATE", "ATTEMPTS", "ENQUEUED")
	fmt.Println("------------------------------------------------------------------------")

	for _, job := range jobs {
		enqueued := job.EnqueuedAt.Format("15:04:05")
		fmt.Printf("%-10s %-26s %-10s %-10d %s\n", job.ID, job.Type, job.State, job.Attempts, enqueued)
	}
	return nil
}

func showJob(id string) error {
	job := svc.GetJob(id)
	if job == nil {
		return fmt.Errorf("job not found: %s", id)
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Type: %s\n", job.Type)
	fmt.Printf("  Priority: %s\n", job.Priority)
	fmt.Printf("  State: %s\n", job.State)
	fmt.Printf("  Attempts: %d/%d\n", job.Attempts, job.MaxRetries+1)
	fmt.Printf("  Enqueued: %s\n", job.EnqueuedAt.Format(time.RFC3339))
	if !job.CompletedAt.IsZero() {
		fmt.Printf("  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		if !job.StartedAt.IsZero() {
			fmt.Printf("  Duration: %s\n", job.CompletedAt.Sub(job.StartedAt).Round(time.Second))
		}
	}
	if job.LastError != "" {
		fmt.Printf("  Error: %s\n", job.LastError)
	}
	if job.Result != nil {
		fmt.Printf("\nResult: %+v\n", job.Result)
	}
	return nil
}

package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var integrityDetails bool

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Validate cross-collection consistency, read-only",
	Long: `Run every consistency check over the whole data set: reverse-link
symmetry, denormalized name drift, dangling references, audit trail
completeness and references to soft-deleted entities. Nothing is mutated.

Examples:
  coda integrity
  coda integrity --details`,
	Args: cobra.NoArgs,
	RunE: runIntegrity,
}

func init() {
	integrityCmd.Flags().BoolVar(&integrityDetails, "details", false, "print every individual finding")
}

func runIntegrity(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	report, err := svc.ValidateIntegrity(ctx)
	if err != nil {
		return fmt.Errorf("validate integrity: %w", err)
	}

	fmt.Printf("Integrity validation: %d issue(s) in %s\n\n",
		report.IntegrityIssues, report.ExecutionTime.Round(time.Millisecond))

	checks := make([]string, 0, len(report.IssuesByType))
	for name := range report.IssuesByType {
		checks = append(checks, name)
	}
	sort.Strings(checks)

	for _, name := range checks {
		result := report.IssuesByType[name]
		fixable := ""
		if result.Fixable && result.IssuesFound > 0 {
			fixable = " (fixable)"
		}
		fmt.Printf("  %-32s %d %s%s\n", name, result.IssuesFound, result.Severity, fixable)
		if integrityDetails {
			for _, d := range result.Details {
				fmt.Printf("    - %s\n", d)
			}
		}
	}

	if len(report.Recommendations) > 0 {
		fmt.Println("\nRecommendations:")
		for _, r := range report.Recommendations {
			fmt.Printf("  - %s\n", r)
		}
	}
	return nil
}

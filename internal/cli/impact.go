package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var impactType string

var impactCmd = &cobra.Command{
	Use:   "impact <id>",
	Short: "Show what a deletion would touch, without deleting",
	Long: `Scan the reference graph and report every document a cascade
deletion of the entity would mutate, remove or archive.

Examples:
  coda impact s42
  coda impact t7 --type teacher`,
	Args: cobra.ExactArgs(1),
	RunE: runImpact,
}

func init() {
	impactCmd.Flags().StringVarP(&impactType, "type", "t", "student", "entity type (student, teacher, orchestra)")
}

func runImpact(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	impact, err := svc.ValidateDeletionImpact(ctx, impactType, args[0])
	if err != nil {
		return fmt.Errorf("scan impact: %w", err)
	}

	fmt.Printf("Deletion impact for %s %s\n\n", impact.TargetType, impact.TargetID)
	if !impact.TargetExists {
		fmt.Println("  Target does not exist (deletion would be a no-op).")
	} else if !impact.TargetActive {
		fmt.Println("  Target is already soft-deleted or archived.")
	}

	if len(impact.RelatedRecords) == 0 {
		fmt.Println("  No referencing documents found.")
	} else {
		keys := make([]string, 0, len(impact.RelatedRecords))
		for k := range impact.RelatedRecords {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %-35s %d\n", k, impact.RelatedRecords[k])
		}
		fmt.Printf("\n  Total references: %d\n", impact.TotalReferences)
	}

	for _, w := range impact.Warnings {
		fmt.Printf("  Warning: %s\n", w)
	}
	return nil
}

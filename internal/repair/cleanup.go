package repair

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/coda/internal/db"
	"github.com/raphaelgruber/coda/internal/models"
	"github.com/raphaelgruber/coda/internal/refs"
)

// OrphanFinding is one referencing document holding ids that no longer
// resolve in the target table.
type OrphanFinding struct {
	HolderID          string   `json:"holder_id"`
	OrphanedTargetIDs []string `json:"orphaned_target_ids"`
}

// CleanupReport summarises one orphan sweep.
type CleanupReport struct {
	TotalOrphanedReferences int                        `json:"total_orphaned_references"`
	Findings                map[string][]OrphanFinding `json:"findings"`
	Applied                 bool                       `json:"applied"`
	ExecutionTime           time.Duration              `json:"execution_time"`
}

// Cleanup sweeps every registered reference descriptor for ids pointing at
// documents that no longer exist and, unless running dry, removes them with
// the same mutation primitives the deletion engine uses. Re-running a sweep
// after an apply finds nothing; the operation is idempotent.
type Cleanup struct {
	db     *db.Client
	logger *slog.Logger
}

// NewCleanup creates an orphan sweep runner.
func NewCleanup(dbClient *db.Client, logger *slog.Logger) *Cleanup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleanup{db: dbClient, logger: logger}
}

// Run scans all descriptors and, when dryRun is false, repairs what it found.
// Dry runs report the identical findings without touching the store.
func (c *Cleanup) Run(ctx context.Context, dryRun bool) (*CleanupReport, error) {
	start := time.Now()

	report := &CleanupReport{
		Findings: make(map[string][]OrphanFinding),
		Applied:  !dryRun,
	}

	for _, d := range refs.All() {
		findings, err := findOrphans(ctx, c.db, d)
		if err != nil {
			return nil, err
		}
		if len(findings) == 0 {
			continue
		}
		report.Findings[d.Key()] = findings
		for _, f := range findings {
			report.TotalOrphanedReferences += len(f.OrphanedTargetIDs)
		}

		if dryRun {
			continue
		}
		if err := c.repairDescriptor(ctx, d, findings); err != nil {
			return nil, err
		}
	}

	report.ExecutionTime = time.Since(start)

	c.logger.Info("orphan sweep finished",
		"orphaned_references", report.TotalOrphanedReferences,
		"descriptors_affected", len(report.Findings),
		"applied", report.Applied,
		"duration", report.ExecutionTime)

	if !dryRun && report.TotalOrphanedReferences > 0 {
		stats := map[string]int{"orphaned_references_removed": report.TotalOrphanedReferences}
		if err := c.db.QueryInsertAudit(ctx, "orphaned_reference_cleanup", nil, stats, "orphan sweep"); err != nil {
			c.logger.Error("cleanup audit write failed", "error", err)
		}
	}

	return report, nil
}

// findOrphans collects all held references for one descriptor and bulk
// checks them against the target table. Read-only; shared with the
// integrity validator.
func findOrphans(ctx context.Context, client *db.Client, d refs.Descriptor) ([]OrphanFinding, error) {
	var (
		holders []db.RefHolder
		err     error
	)
	switch d.Kind {
	case refs.ArrayOfIDs:
		holders, err = client.QueryCollectArrayRefs(ctx, d.Source, d.Field)
	case refs.ArrayOfEmbeddedWithID:
		holders, err = client.QueryCollectEmbeddedRefs(ctx, d.Source, d.Field, d.IDField)
	case refs.Single:
		holders, err = client.QueryCollectSingleRefs(ctx, d.Source, d.Field)
	default:
		return nil, fmt.Errorf("descriptor %s: unknown kind %v", d.Key(), d.Kind)
	}
	if err != nil {
		return nil, err
	}
	if len(holders) == 0 {
		return nil, nil
	}

	// One existence query per descriptor over the distinct referenced ids.
	distinct := make(map[string]bool)
	for _, h := range holders {
		for _, ref := range h.Refs {
			distinct[models.BareID(ref, d.Target)] = true
		}
	}
	ids := make([]string, 0, len(distinct))
	for id := range distinct {
		ids = append(ids, id)
	}
	existing, err := client.QueryExistingIDs(ctx, d.Target, ids)
	if err != nil {
		return nil, err
	}

	var findings []OrphanFinding
	for _, h := range holders {
		var orphaned []string
		for _, ref := range h.Refs {
			if !existing[models.BareID(ref, d.Target)] {
				orphaned = append(orphaned, models.BareID(ref, d.Target))
			}
		}
		if len(orphaned) > 0 {
			findings = append(findings, OrphanFinding{HolderID: h.Holder, OrphanedTargetIDs: orphaned})
		}
	}
	return findings, nil
}

// repairDescriptor removes the orphaned ids using the descriptor's
// treatment. Mutations are keyed by orphan id, so one pass fixes every
// holder of that id at once.
func (c *Cleanup) repairDescriptor(ctx context.Context, d refs.Descriptor, findings []OrphanFinding) error {
	orphanIDs := make(map[string]bool)
	for _, f := range findings {
		for _, id := range f.OrphanedTargetIDs {
			orphanIDs[id] = true
		}
	}

	for id := range orphanIDs {
		var err error
		switch d.Treatment {
		case refs.Pull:
			_, err = c.db.QueryPullFromArray(ctx, d.Source, d.Field, d.Target, id)
		case refs.RemoveEmbedded:
			_, err = c.db.QueryRemoveEmbeddedByID(ctx, d.Source, d.Field, d.IDField, d.Target, id)
		case refs.Nullify:
			_, err = c.db.QueryNullifyRef(ctx, d.Source, d.Field, d.Target, id)
		case refs.Archive:
			// Historical records keep their reference but are archived, so
			// the dangling value stays visible in the archive reason.
			reason := fmt.Sprintf("orphaned reference to %s %s", d.Target, id)
			_, err = c.db.QueryArchiveWhereSingleRef(ctx, d.Source, d.Field, d.Target, id, reason)
		}
		if err != nil {
			return fmt.Errorf("repair %s for %s: %w", d.Key(), id, err)
		}
	}

	c.logger.Info("descriptor repaired",
		"descriptor", d.Key(),
		"treatment", d.Treatment.String(),
		"orphan_ids", len(orphanIDs))
	return nil
}

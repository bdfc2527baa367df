package db

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/coda/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// QueryCreateSnapshot persists a deletion snapshot. Uses CREATE, not UPSERT:
// snapshots are write-once and a duplicate id is an error (ErrSnapshotExists).
func (c *Client) QueryCreateSnapshot(
	ctx context.Context,
	snapshotID string,
	targetType string,
	targetID string,
	captured map[string][]models.Document,
) error {
	sql := `
		CREATE type::record("deletion_snapshot", $id) SET
			snapshot_id = $id,
			target_id = $target_id,
			target_type = $target_type,
			captured = $captured,
			created_at = time::now()
	`
	_, err := surrealdb.Query[any](ctx, c.db, sql, map[string]any{
		"id":          snapshotID,
		"target_id":   targetID,
		"target_type": targetType,
		"captured":    captured,
	})
	if err != nil {
		return fmt.Errorf("create snapshot: %w", wrapQueryError(err))
	}
	return nil
}

// QueryGetSnapshot retrieves a deletion snapshot by id.
// Returns ErrSnapshotNotFound when the id does not resolve.
func (c *Client) QueryGetSnapshot(ctx context.Context, snapshotID string) (*models.DeletionSnapshot, error) {
	results, err := surrealdb.Query[[]models.DeletionSnapshot](ctx, c.db, `
		SELECT * FROM type::record("deletion_snapshot", $id)
	`, map[string]any{"id": snapshotID})
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}
	return &(*results)[0].Result[0], nil
}

// QueryInsertAudit records a terminal batch/cleanup operation.
func (c *Client) QueryInsertAudit(ctx context.Context, operation string, entityIDs []string, stats map[string]int, reason string) error {
	if entityIDs == nil {
		entityIDs = []string{}
	}
	_, err := surrealdb.Query[any](ctx, c.db, `
		CREATE audit_log SET
			operation = $operation,
			entity_ids = $entity_ids,
			stats = $stats,
			reason = $reason,
			archived = false,
			created_at = time::now()
	`, map[string]any{
		"operation":  operation,
		"entity_ids": entityIDs,
		"stats":      stats,
		"reason":     reason,
	})
	if err != nil {
		return fmt.Errorf("insert audit: %w", wrapQueryError(err))
	}
	return nil
}

// QueryArchiveAuditBefore archives audit entries older than cutoff.
// Returns the number of entries archived.
func (c *Client) QueryArchiveAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := c.queryMutationCount(ctx, `
		UPDATE audit_log SET archived = true
		WHERE created_at < $cutoff AND archived != true RETURN BEFORE
	`, map[string]any{"cutoff": cutoff})
	if err != nil {
		return 0, fmt.Errorf("archive audit: %w", err)
	}
	return n, nil
}

// QueryListAudit returns recent audit entries, newest first.
func (c *Client) QueryListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	results, err := surrealdb.Query[[]models.AuditEntry](ctx, c.db, `
		SELECT * FROM audit_log ORDER BY created_at DESC LIMIT $limit
	`, map[string]any{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return []models.AuditEntry{}, nil
	}
	return (*results)[0].Result, nil
}

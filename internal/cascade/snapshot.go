// Package cascade implements the multi-collection cascade deletion engine
// and its rollback support.
package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/coda/internal/db"
	"github.com/raphaelgruber/coda/internal/models"
)

// SnapshotStore captures pre-mutation document state for rollback.
// Snapshots are write-once and retained until explicitly purged.
type SnapshotStore struct {
	db     *db.Client
	logger *slog.Logger
}

// NewSnapshotStore creates a snapshot store.
func NewSnapshotStore(dbClient *db.Client, logger *slog.Logger) *SnapshotStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotStore{db: dbClient, logger: logger}
}

// newSnapshotID derives a globally unique snapshot id from the target id,
// a clock component and a random suffix. Concurrent cascades on different
// entities cannot collide.
func newSnapshotID(targetID string) string {
	return fmt.Sprintf("%s-%d-%s", targetID, time.Now().UnixNano(), uuid.New().String()[:8])
}

// Capture persists a snapshot of every document the cascade will touch,
// including the target's own document, and returns the snapshot id.
// Must be called before the first mutation.
func (s *SnapshotStore) Capture(
	ctx context.Context,
	entityType string,
	targetID string,
	documents map[string][]models.Document,
) (string, error) {
	snapshotID := newSnapshotID(targetID)

	if err := s.db.QueryCreateSnapshot(ctx, snapshotID, entityType, targetID, documents); err != nil {
		return "", fmt.Errorf("capture snapshot: %w", err)
	}

	total := 0
	for _, docs := range documents {
		total += len(docs)
	}
	s.logger.Info("snapshot captured",
		"snapshot_id", snapshotID,
		"target_id", targetID,
		"collections", len(documents),
		"documents", total)

	return snapshotID, nil
}

// Read retrieves a snapshot by id. Returns db.ErrSnapshotNotFound when the
// id does not resolve - an expected outcome for non-snapshotted cascades.
func (s *SnapshotStore) Read(ctx context.Context, snapshotID string) (*models.DeletionSnapshot, error) {
	return s.db.QueryGetSnapshot(ctx, snapshotID)
}

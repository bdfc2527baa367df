package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Document is a full verbatim copy of a stored document. Snapshots hold
// documents in this shape so rollback can restore them without knowing
// their schema.
type Document = map[string]any

// DeletionSnapshot captures pre-mutation state for one cascade invocation.
// Written once before the first mutation, read only by rollback.
type DeletionSnapshot struct {
	ID         surrealmodels.RecordID `json:"id"`
	SnapshotID string                 `json:"snapshot_id"`
	TargetID   string                 `json:"target_id"`
	TargetType string                 `json:"target_type"`
	Captured   map[string][]Document  `json:"captured"`
	CreatedAt  time.Time              `json:"created_at"`
}

// AuditEntry records a terminal batch/cleanup operation for later inspection.
type AuditEntry struct {
	ID        surrealmodels.RecordID `json:"id"`
	Operation string                 `json:"operation"`
	EntityIDs []string               `json:"entity_ids,omitempty"`
	Stats     map[string]int         `json:"stats,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Archived  bool                   `json:"archived"`
	CreatedAt time.Time              `json:"created_at"`
}

package cascade

import (
	"context"
	"fmt"
	"time"
)

// BatchEntry is the per-entity outcome within a batch deletion.
type BatchEntry struct {
	EntityID string  `json:"entity_id"`
	Result   *Result `json:"result"`
}

// BatchResult aggregates a batch cascade deletion.
type BatchResult struct {
	TargetType    string        `json:"target_type"`
	Entries       []BatchEntry  `json:"entries"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// BatchCascadeDelete runs an independent cascade per entity id, sequentially.
// One entity failing never stops the rest; each entry carries its own result
// and snapshot id. An audit entry summarising the batch is written at the
// end regardless of individual outcomes. onEntity, if non-nil, is called
// after each member finishes.
func (e *Engine) BatchCascadeDelete(ctx context.Context, entityType string, entityIDs []string, opts Options, onEntity func(done, total int, res *Result)) (*BatchResult, error) {
	start := time.Now()

	batch := &BatchResult{
		TargetType: entityType,
		Entries:    make([]BatchEntry, 0, len(entityIDs)),
	}

	for _, id := range entityIDs {
		res, err := e.CascadeDelete(ctx, entityType, id, opts)
		if err != nil {
			// Store-level failure for this entity. Record it and keep going;
			// the result already carries the snapshot id for manual rollback.
			e.logger.Error("batch member failed",
				"entity_type", entityType,
				"entity_id", id,
				"error", err)
		}
		batch.Entries = append(batch.Entries, BatchEntry{EntityID: id, Result: res})
		if res.Success {
			batch.Succeeded++
		} else {
			batch.Failed++
		}
		if onEntity != nil {
			onEntity(len(batch.Entries), len(entityIDs), res)
		}
	}

	batch.ExecutionTime = time.Since(start)

	stats := map[string]int{"succeeded": batch.Succeeded, "failed": batch.Failed}
	reason := fmt.Sprintf("batch cascade delete of %d %s entities", len(entityIDs), entityType)
	if err := e.db.QueryInsertAudit(ctx, "batch_cascade_delete", entityIDs, stats, reason); err != nil {
		e.logger.Error("batch audit write failed", "entity_type", entityType, "error", err)
	}

	return batch, nil
}

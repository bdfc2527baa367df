package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/raphaelgruber/coda/internal/db"
	"github.com/raphaelgruber/coda/internal/models"
	"github.com/raphaelgruber/coda/internal/refs"
)

// Options control a single cascade deletion.
type Options struct {
	// HardDelete physically removes the target instead of soft-deleting it.
	HardDelete bool
	// PreserveAcademic archives academic records (exam results) instead of
	// removing them. Defaults to true.
	PreserveAcademic bool
	// CreateSnapshot captures pre-mutation state for rollback. Defaults to true.
	CreateSnapshot bool
	// Reason is recorded on archived documents.
	Reason string
	// OnProgress, if set, is called after each completed mutation step.
	OnProgress func(step string, percent int)
}

// DefaultOptions returns the safe defaults: soft delete, academic records
// preserved, snapshot captured.
func DefaultOptions() Options {
	return Options{PreserveAcademic: true, CreateSnapshot: true}
}

// Mutation step names used as operation count keys.
const (
	StepArrayPulls       = "array_pulls"
	StepEmbeddedRemovals = "embedded_removals"
	StepNullifications   = "field_nullifications"
	StepRecordsArchived  = "records_archived"
	StepAcademicArchived = "academic_archived"
	StepAcademicRemoved  = "academic_removed"
	StepTargetSoftDelete = "target_soft_deleted"
	StepTargetHardDelete = "target_hard_deleted"
)

// Result reports the outcome of one cascade deletion. Business failures
// (target not found, entity busy, bad input) set Success=false with Error;
// they are never returned as Go errors so repeated deletion requests stay
// safe no-ops at the reporting level.
type Result struct {
	Success             bool                 `json:"success"`
	Error               string               `json:"error,omitempty"`
	TargetID            string               `json:"target_id"`
	TargetType          string               `json:"target_type"`
	SnapshotID          string               `json:"snapshot_id,omitempty"`
	OperationCounts     map[string]int       `json:"operation_counts"`
	AffectedCollections []string             `json:"affected_collections"`
	ExecutionTime       time.Duration        `json:"execution_time"`
	Impact              *refs.DeletionImpact `json:"impact,omitempty"`
}

// RollbackResult reports a completed rollback.
type RollbackResult struct {
	SnapshotID     string         `json:"snapshot_id"`
	TargetID       string         `json:"target_id"`
	RestoredCounts map[string]int `json:"restored_counts"`
	RestoredAt     time.Time      `json:"restored_at"`
}

// Engine orchestrates cascade deletions over the reference descriptor
// registry. Mutation steps run in a fixed deterministic order: reference
// pulls and nullifications first, archiving next, the target itself last,
// so no document is left holding a reference to an already-gone entity
// within one cascade.
type Engine struct {
	db        *db.Client
	scanner   *refs.Scanner
	snapshots *SnapshotStore
	locks     *entityLocks
	logger    *slog.Logger
}

// NewEngine creates a cascade deletion engine.
func NewEngine(dbClient *db.Client, scanner *refs.Scanner, snapshots *SnapshotStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:        dbClient,
		scanner:   scanner,
		snapshots: snapshots,
		locks:     newEntityLocks(),
		logger:    logger,
	}
}

// failure builds a non-throwing business failure result.
func failure(entityType, entityID, msg string) *Result {
	return &Result{
		TargetID:            entityID,
		TargetType:          entityType,
		Error:               msg,
		OperationCounts:     map[string]int{},
		AffectedCollections: []string{},
	}
}

// CascadeDelete removes or neutralizes every reference to the entity, then
// deletes (soft or hard) the entity itself.
//
// The returned Result is always non-nil. A non-nil error means a mutation
// step failed against the store mid-sequence; the Result then carries the
// snapshot id (if one was captured) so the caller can roll back. Rollback is
// never automatic - partial successful side effects may be wanted even when
// a later step fails.
func (e *Engine) CascadeDelete(ctx context.Context, entityType, entityID string, opts Options) (*Result, error) {
	start := time.Now()

	if entityID == "" {
		return failure(entityType, entityID, "entity id is required"), nil
	}
	descriptors, err := refs.For(entityType)
	if err != nil {
		return failure(entityType, entityID, err.Error()), nil
	}

	lockKey := entityType + ":" + entityID
	if !e.locks.tryAcquire(lockKey) {
		return failure(entityType, entityID, "cascade already in progress for this entity"), nil
	}
	defer e.locks.release(lockKey)

	impact, err := e.scanner.Scan(ctx, entityType, entityID)
	if err != nil {
		return failure(entityType, entityID, "impact scan failed"), fmt.Errorf("impact scan: %w", err)
	}
	if !impact.TargetExists {
		res := failure(entityType, entityID, "not found")
		res.Impact = impact
		res.ExecutionTime = time.Since(start)
		return res, nil
	}

	result := &Result{
		Success:         true,
		TargetID:        entityID,
		TargetType:      entityType,
		OperationCounts: map[string]int{},
		Impact:          impact,
	}
	affected := make(map[string]bool)

	if opts.CreateSnapshot {
		documents, err := e.scanner.CollectAffectedDocuments(ctx, entityType, entityID)
		if err != nil {
			return e.abort(result, start, "snapshot collection failed", err)
		}
		snapshotID, err := e.snapshots.Capture(ctx, entityType, entityID, documents)
		if err != nil {
			return e.abort(result, start, "snapshot capture failed", err)
		}
		result.SnapshotID = snapshotID
	}

	e.logger.Info("cascade deletion started",
		"entity_type", entityType,
		"entity_id", entityID,
		"hard_delete", opts.HardDelete,
		"total_references", impact.TotalReferences,
		"snapshot_id", result.SnapshotID)

	reason := opts.Reason
	if reason == "" {
		reason = fmt.Sprintf("%s %s deleted", entityType, entityID)
	}

	// Step order is fixed: (1) array pulls and embedded removals, (2) field
	// nullifications, (3) archive historical activity, (4) academic records
	// per PreserveAcademic, (5) the target itself. Partial failures are
	// therefore always resumable in the same direction.
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"pull_references", func(ctx context.Context) error {
			return e.pullReferences(ctx, descriptors, entityID, result, affected)
		}},
		{"nullify_references", func(ctx context.Context) error {
			return e.nullifyReferences(ctx, descriptors, entityID, result, affected)
		}},
		{"archive_activity", func(ctx context.Context) error {
			return e.archiveActivity(ctx, descriptors, entityID, reason, result, affected)
		}},
		{"handle_academic", func(ctx context.Context) error {
			return e.handleAcademic(ctx, descriptors, entityID, reason, opts.PreserveAcademic, result, affected)
		}},
		{"delete_target", func(ctx context.Context) error {
			return e.deleteTarget(ctx, entityType, entityID, opts.HardDelete, result, affected)
		}},
	}

	for i, step := range steps {
		if err := step.run(ctx); err != nil {
			return e.abort(result, start, fmt.Sprintf("step %s failed", step.name), err)
		}
		if opts.OnProgress != nil {
			opts.OnProgress(step.name, (i+1)*100/len(steps))
		}
	}

	for name := range affected {
		result.AffectedCollections = append(result.AffectedCollections, name)
	}
	sort.Strings(result.AffectedCollections)
	result.ExecutionTime = time.Since(start)

	e.logger.Info("cascade deletion complete",
		"entity_type", entityType,
		"entity_id", entityID,
		"affected_collections", result.AffectedCollections,
		"duration", result.ExecutionTime)

	return result, nil
}

// abort finalizes a result after a mid-sequence store failure. Remaining
// steps are skipped; the snapshot id (if any) stays on the result so the
// caller can roll back.
func (e *Engine) abort(result *Result, start time.Time, msg string, err error) (*Result, error) {
	result.Success = false
	result.Error = msg
	result.ExecutionTime = time.Since(start)
	e.logger.Error("cascade deletion aborted",
		"entity_type", result.TargetType,
		"entity_id", result.TargetID,
		"snapshot_id", result.SnapshotID,
		"error", err)
	return result, fmt.Errorf("%s: %w", msg, err)
}

func (e *Engine) pullReferences(ctx context.Context, descriptors []refs.Descriptor, entityID string, result *Result, affected map[string]bool) error {
	for _, d := range descriptors {
		switch d.Treatment {
		case refs.Pull:
			n, err := e.db.QueryPullFromArray(ctx, d.Source, d.Field, d.Target, entityID)
			if err != nil {
				return err
			}
			result.OperationCounts[StepArrayPulls] += n
			if n > 0 {
				affected[d.Source] = true
			}
		case refs.RemoveEmbedded:
			n, err := e.db.QueryRemoveEmbeddedByID(ctx, d.Source, d.Field, d.IDField, d.Target, entityID)
			if err != nil {
				return err
			}
			result.OperationCounts[StepEmbeddedRemovals] += n
			if n > 0 {
				affected[d.Source] = true
			}
		}
	}
	return nil
}

func (e *Engine) nullifyReferences(ctx context.Context, descriptors []refs.Descriptor, entityID string, result *Result, affected map[string]bool) error {
	for _, d := range descriptors {
		if d.Treatment != refs.Nullify {
			continue
		}
		n, err := e.db.QueryNullifyRef(ctx, d.Source, d.Field, d.Target, entityID)
		if err != nil {
			return err
		}
		result.OperationCounts[StepNullifications] += n
		if n > 0 {
			affected[d.Source] = true
		}
	}
	return nil
}

func (e *Engine) archiveActivity(ctx context.Context, descriptors []refs.Descriptor, entityID, reason string, result *Result, affected map[string]bool) error {
	for _, d := range descriptors {
		if d.Treatment != refs.Archive || d.Academic {
			continue
		}
		n, err := e.db.QueryArchiveWhereSingleRef(ctx, d.Source, d.Field, d.Target, entityID, reason)
		if err != nil {
			return err
		}
		result.OperationCounts[StepRecordsArchived] += n
		if n > 0 {
			affected[d.Source] = true
		}
	}
	return nil
}

func (e *Engine) handleAcademic(ctx context.Context, descriptors []refs.Descriptor, entityID, reason string, preserve bool, result *Result, affected map[string]bool) error {
	for _, d := range descriptors {
		if !d.Academic {
			continue
		}
		if preserve {
			n, err := e.db.QueryArchiveWhereSingleRef(ctx, d.Source, d.Field, d.Target, entityID, reason)
			if err != nil {
				return err
			}
			result.OperationCounts[StepAcademicArchived] += n
			if n > 0 {
				affected[d.Source] = true
			}
			continue
		}
		n, err := e.db.QueryHardDeleteWhereSingleRef(ctx, d.Source, d.Field, d.Target, entityID)
		if err != nil {
			return err
		}
		result.OperationCounts[StepAcademicRemoved] += n
		if n > 0 {
			affected[d.Source] = true
		}
	}
	return nil
}

func (e *Engine) deleteTarget(ctx context.Context, entityType, entityID string, hard bool, result *Result, affected map[string]bool) error {
	if hard {
		n, err := e.db.QueryHardDeleteEntity(ctx, entityType, entityID)
		if err != nil {
			return err
		}
		result.OperationCounts[StepTargetHardDelete] = n
		affected[entityType] = true
		return nil
	}
	n, err := e.db.QuerySoftDeleteEntity(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	result.OperationCounts[StepTargetSoftDelete] = n
	affected[entityType] = true
	return nil
}

// Rollback restores every document captured in a snapshot verbatim,
// including the target entity if it had been hard-deleted.
//
// A snapshot id that does not resolve (already rolled back, bad id, or the
// cascade ran with snapshots disabled) returns db.ErrSnapshotNotFound;
// callers treat that as an expected outcome, not a crash.
func (e *Engine) Rollback(ctx context.Context, snapshotID string) (*RollbackResult, error) {
	snap, err := e.snapshots.Read(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	result := &RollbackResult{
		SnapshotID:     snapshotID,
		TargetID:       snap.TargetID,
		RestoredCounts: make(map[string]int),
	}

	for table, docs := range snap.Captured {
		for _, doc := range docs {
			id := models.DocumentID(doc, table)

			// The record key carries the id; drop the field so CONTENT
			// restores the remaining document verbatim under that key.
			restored := make(models.Document, len(doc))
			for k, v := range doc {
				if k == "id" {
					continue
				}
				restored[k] = v
			}

			if err := e.db.QueryUpsertDocument(ctx, table, id, restored); err != nil {
				return nil, fmt.Errorf("restore %s %s: %w", table, id, err)
			}
			result.RestoredCounts[table]++
		}
	}

	result.RestoredAt = time.Now()

	e.logger.Info("rollback complete",
		"snapshot_id", snapshotID,
		"target_id", snap.TargetID,
		"restored", result.RestoredCounts)

	return result, nil
}

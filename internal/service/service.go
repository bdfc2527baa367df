// Package service wires the deletion engine, the repair tools and the job
// processor into one facade the CLI and the event server consume.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/coda/internal/cascade"
	"github.com/raphaelgruber/coda/internal/config"
	"github.com/raphaelgruber/coda/internal/db"
	"github.com/raphaelgruber/coda/internal/events"
	"github.com/raphaelgruber/coda/internal/jobs"
	"github.com/raphaelgruber/coda/internal/metrics"
	"github.com/raphaelgruber/coda/internal/refs"
	"github.com/raphaelgruber/coda/internal/repair"
)

// Service exposes every operation of the integrity subsystem.
type Service struct {
	db        *db.Client
	scanner   *refs.Scanner
	engine    *cascade.Engine
	cleanup   *repair.Cleanup
	validator *repair.Validator
	processor *jobs.Processor
	bus       *events.Bus
	collector *metrics.Collector
	logger    *slog.Logger
}

// New assembles the service over an open database client and registers the
// background job handlers. The processor is not started; call
// StartProcessor when background work is wanted.
func New(dbClient *db.Client, cfg config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	bus := events.NewBus(logger)
	scanner := refs.NewScanner(dbClient, logger)
	snapshots := cascade.NewSnapshotStore(dbClient, logger)

	s := &Service{
		db:        dbClient,
		scanner:   scanner,
		engine:    cascade.NewEngine(dbClient, scanner, snapshots, logger),
		cleanup:   repair.NewCleanup(dbClient, logger),
		validator: repair.NewValidator(dbClient, logger),
		bus:       bus,
		collector: metrics.NewCollector(),
		logger:    logger,
	}

	s.validator.OnIssue = func(check, detail string) {
		ev := events.New(events.IntegrityIssue)
		ev.Step = check
		ev.Message = detail
		bus.Publish(ev)
	}

	s.processor = jobs.NewProcessor(jobs.Options{
		Workers:          cfg.Tuning.Workers,
		RetryBackoffBase: cfg.Tuning.RetryBackoffBase,
	}, bus, logger)
	s.registerHandlers(cfg.Tuning)

	return s
}

// Bus returns the event bus for subscribers (TUI, websocket hub).
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// Metrics returns the runtime statistics collector.
func (s *Service) Metrics() *metrics.Collector {
	return s.collector
}

// StartProcessor launches the background workers.
func (s *Service) StartProcessor(ctx context.Context) {
	s.processor.Start(ctx)
}

// StopProcessor drains the background workers.
func (s *Service) StopProcessor() {
	s.processor.Stop()
}

// ValidateDeletionImpact reports what a deletion would touch, without
// mutating anything.
func (s *Service) ValidateDeletionImpact(ctx context.Context, entityType, entityID string) (*refs.DeletionImpact, error) {
	return s.scanner.Scan(ctx, entityType, entityID)
}

// CascadeDeleteStudent runs a full cascade for one student.
func (s *Service) CascadeDeleteStudent(ctx context.Context, studentID string, opts cascade.Options) (*cascade.Result, error) {
	return s.cascadeDelete(ctx, "student", studentID, opts)
}

// CascadeDeleteTeacher runs a full cascade for one teacher.
func (s *Service) CascadeDeleteTeacher(ctx context.Context, teacherID string, opts cascade.Options) (*cascade.Result, error) {
	return s.cascadeDelete(ctx, "teacher", teacherID, opts)
}

// CascadeDeleteOrchestra runs a full cascade for one orchestra.
func (s *Service) CascadeDeleteOrchestra(ctx context.Context, orchestraID string, opts cascade.Options) (*cascade.Result, error) {
	return s.cascadeDelete(ctx, "orchestra", orchestraID, opts)
}

// CascadeDelete runs a cascade for any registered entity type.
func (s *Service) CascadeDelete(ctx context.Context, entityType, entityID string, opts cascade.Options) (*cascade.Result, error) {
	return s.cascadeDelete(ctx, entityType, entityID, opts)
}

func (s *Service) cascadeDelete(ctx context.Context, entityType, entityID string, opts cascade.Options) (*cascade.Result, error) {
	prev := opts.OnProgress
	opts.OnProgress = func(step string, percent int) {
		ev := events.New(events.CascadeProgress)
		ev.EntityType = entityType
		ev.EntityID = entityID
		ev.Step = step
		ev.Percent = percent
		s.bus.Publish(ev)
		if prev != nil {
			prev(step, percent)
		}
	}

	start := time.Now()
	result, err := s.engine.CascadeDelete(ctx, entityType, entityID, opts)
	s.collector.RecordMutation(metrics.OpCascade, time.Since(start), int64(totalOps(result)))

	ev := events.New(events.CascadeComplete)
	ev.EntityType = entityType
	ev.EntityID = entityID
	if result != nil {
		ev.Data = map[string]any{
			"success":          result.Success,
			"operation_counts": result.OperationCounts,
			"snapshot_id":      result.SnapshotID,
		}
	}
	s.bus.Publish(ev)

	return result, err
}

// BatchCascadeDeleteStudents deletes several students, each independently.
func (s *Service) BatchCascadeDeleteStudents(ctx context.Context, studentIDs []string, opts cascade.Options) (*cascade.BatchResult, error) {
	return s.batchCascadeDelete(ctx, "student", studentIDs, opts)
}

// BatchCascadeDelete deletes several entities of one type, each independently.
func (s *Service) BatchCascadeDelete(ctx context.Context, entityType string, ids []string, opts cascade.Options) (*cascade.BatchResult, error) {
	return s.batchCascadeDelete(ctx, entityType, ids, opts)
}

func (s *Service) batchCascadeDelete(ctx context.Context, entityType string, ids []string, opts cascade.Options) (*cascade.BatchResult, error) {
	onEntity := func(done, total int, res *cascade.Result) {
		ev := events.New(events.BatchProgress)
		ev.EntityType = entityType
		ev.EntityID = res.TargetID
		ev.Percent = done * 100 / total
		ev.Data = map[string]any{"done": done, "total": total, "success": res.Success}
		s.bus.Publish(ev)
	}

	start := time.Now()
	batch, err := s.engine.BatchCascadeDelete(ctx, entityType, ids, opts, onEntity)
	s.collector.RecordMutation(metrics.OpCascade, time.Since(start), int64(batchOps(batch)))

	ev := events.New(events.BatchComplete)
	ev.EntityType = entityType
	ev.Data = map[string]any{"total": len(ids)}
	if batch != nil {
		ev.Data["succeeded"] = batch.Succeeded
		ev.Data["failed"] = batch.Failed
	}
	s.bus.Publish(ev)

	return batch, err
}

// RollbackDeletion restores the documents captured in a snapshot.
func (s *Service) RollbackDeletion(ctx context.Context, snapshotID string) (*cascade.RollbackResult, error) {
	start := time.Now()
	result, err := s.engine.Rollback(ctx, snapshotID)
	restored := 0
	if result != nil {
		for _, n := range result.RestoredCounts {
			restored += n
		}
	}
	s.collector.RecordMutation(metrics.OpRollback, time.Since(start), int64(restored))
	return result, err
}

// CleanupOrphanedReferences sweeps for dangling references. With dryRun the
// sweep reports without mutating.
func (s *Service) CleanupOrphanedReferences(ctx context.Context, dryRun bool) (*repair.CleanupReport, error) {
	start := time.Now()
	report, err := s.cleanup.Run(ctx, dryRun)
	if report != nil {
		s.collector.RecordMutation(metrics.OpCleanup, time.Since(start), int64(report.TotalOrphanedReferences))
		if !dryRun {
			s.processor.AddOrphansCleaned(report.TotalOrphanedReferences)
		}
	}
	return report, err
}

// ValidateIntegrity runs every consistency check, read-only.
func (s *Service) ValidateIntegrity(ctx context.Context) (*repair.IntegrityReport, error) {
	s.bus.Publish(events.New(events.IntegrityProgress))

	start := time.Now()
	report, err := s.validator.Validate(ctx)
	s.collector.RecordTiming(metrics.OpValidate, time.Since(start))

	ev := events.New(events.IntegrityComplete)
	if report != nil {
		s.processor.AddIntegrityIssues(report.IntegrityIssues)
		ev.Data = map[string]any{"issues": report.IntegrityIssues}
	}
	s.bus.Publish(ev)

	return report, err
}

// ArchiveAuditLog archives audit entries older than the retention window.
func (s *Service) ArchiveAuditLog(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	return s.db.QueryArchiveAuditBefore(ctx, cutoff)
}

// AddJob enqueues background work and returns the job id.
func (s *Service) AddJob(jobType string, priority jobs.Priority, payload map[string]any, maxRetries int) (string, error) {
	job := jobs.NewJob(jobType, priority, payload, maxRetries)
	if err := s.processor.Enqueue(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// GetJob returns the snapshot of one job, or nil when unknown.
func (s *Service) GetJob(id string) *jobs.Snapshot {
	job := s.processor.GetJob(id)
	if job == nil {
		return nil
	}
	snap := job.Snapshot()
	return &snap
}

// ListJobs returns snapshots of all known jobs.
func (s *Service) ListJobs() []jobs.Snapshot {
	return s.processor.ListJobs()
}

// GetQueueStatus returns the processor's point-in-time state.
func (s *Service) GetQueueStatus() jobs.Status {
	return s.processor.Status()
}

func totalOps(r *cascade.Result) int {
	if r == nil {
		return 0
	}
	total := 0
	for _, n := range r.OperationCounts {
		total += n
	}
	return total
}

func batchOps(b *cascade.BatchResult) int {
	if b == nil {
		return 0
	}
	total := 0
	for _, e := range b.Entries {
		total += totalOps(e.Result)
	}
	return total
}

// registerHandlers installs the background job handlers. Payload keys are
// plain strings so jobs can be enqueued from any surface.
func (s *Service) registerHandlers(tuning config.Tuning) {
	s.processor.Register(jobs.TypeCascadeDeletion, func(ctx context.Context, job *jobs.Job) (any, error) {
		entityType, _ := job.Payload["entity_type"].(string)
		entityID, _ := job.Payload["entity_id"].(string)
		if entityType == "" || entityID == "" {
			return nil, fmt.Errorf("cascade job %s: entity_type and entity_id required", job.ID)
		}
		opts := optsFromPayload(job.Payload)
		result, err := s.cascadeDelete(ctx, entityType, entityID, opts)
		if err != nil {
			return result, err
		}
		if !result.Success {
			// Business refusal, not an infrastructure fault. Don't retry.
			s.logger.Warn("cascade job refused", "job_id", job.ID, "reason", result.Error)
		}
		return result, nil
	})

	s.processor.Register(jobs.TypeBatchCascadeDeletion, func(ctx context.Context, job *jobs.Job) (any, error) {
		entityType, _ := job.Payload["entity_type"].(string)
		ids := stringSlice(job.Payload["entity_ids"])
		if entityType == "" || len(ids) == 0 {
			return nil, fmt.Errorf("batch job %s: entity_type and entity_ids required", job.ID)
		}
		return s.batchCascadeDelete(ctx, entityType, ids, optsFromPayload(job.Payload))
	})

	s.processor.Register(jobs.TypeOrphanCleanup, func(ctx context.Context, job *jobs.Job) (any, error) {
		dryRun, _ := job.Payload["dry_run"].(bool)
		return s.CleanupOrphanedReferences(ctx, dryRun)
	})

	s.processor.Register(jobs.TypeIntegrityValidation, func(ctx context.Context, job *jobs.Job) (any, error) {
		return s.ValidateIntegrity(ctx)
	})

	s.processor.Register(jobs.TypeAuditLogArchive, func(ctx context.Context, job *jobs.Job) (any, error) {
		archived, err := s.ArchiveAuditLog(ctx, tuning.AuditRetention)
		if err != nil {
			return nil, err
		}
		return map[string]any{"archived": archived}, nil
	})
}

func optsFromPayload(payload map[string]any) cascade.Options {
	opts := cascade.DefaultOptions()
	if v, ok := payload["hard_delete"].(bool); ok {
		opts.HardDelete = v
	}
	if v, ok := payload["preserve_academic"].(bool); ok {
		opts.PreserveAcademic = v
	}
	if v, ok := payload["create_snapshot"].(bool); ok {
		opts.CreateSnapshot = v
	}
	if v, ok := payload["reason"].(string); ok {
		opts.Reason = v
	}
	return opts
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

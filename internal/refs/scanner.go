package refs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/coda/internal/db"
	"github.com/raphaelgruber/coda/internal/models"
)

// DeletionImpact is the computed blast radius of deleting one entity.
// Transient: recomputed per request, never persisted.
type DeletionImpact struct {
	TargetID        string         `json:"target_id"`
	TargetType      string         `json:"target_type"`
	TargetExists    bool           `json:"target_exists"`
	TargetActive    bool           `json:"target_active"`
	RelatedRecords  map[string]int `json:"related_records"`
	TotalReferences int            `json:"total_references"`
	Warnings        []string       `json:"warnings,omitempty"`
	ScannedAt       time.Time      `json:"scanned_at"`
}

// Scanner walks the descriptor registry and counts referencing documents.
// Read-only; a missing or inactive target is a warning, not an error, so
// impact analysis stays usable for already-deleted ids.
type Scanner struct {
	db     *db.Client
	logger *slog.Logger
}

// NewScanner creates a reference graph scanner.
func NewScanner(dbClient *db.Client, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{db: dbClient, logger: logger}
}

// Scan computes the deletion impact for one entity.
func (s *Scanner) Scan(ctx context.Context, entityType, entityID string) (*DeletionImpact, error) {
	descriptors, err := For(entityType)
	if err != nil {
		return nil, err
	}

	impact := &DeletionImpact{
		TargetID:       entityID,
		TargetType:     entityType,
		RelatedRecords: make(map[string]int),
		ScannedAt:      time.Now(),
	}

	doc, err := s.db.QueryGetDocument(ctx, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("scan target: %w", err)
	}
	if doc == nil {
		impact.Warnings = append(impact.Warnings,
			fmt.Sprintf("%s %s does not exist", entityType, entityID))
	} else {
		impact.TargetExists = true
		impact.TargetActive = isActive(doc)
		if !impact.TargetActive {
			impact.Warnings = append(impact.Warnings,
				fmt.Sprintf("%s %s is already inactive", entityType, entityID))
		}
	}

	for _, d := range descriptors {
		var count int
		switch d.Kind {
		case ArrayOfIDs:
			count, err = s.db.QueryCountArrayRefs(ctx, d.Source, d.Field, d.Target, entityID)
		case Single:
			count, err = s.db.QueryCountSingleRefs(ctx, d.Source, d.Field, d.Target, entityID)
		case ArrayOfEmbeddedWithID:
			count, err = s.db.QueryCountEmbeddedRefs(ctx, d.Source, d.Field, d.IDField, d.Target, entityID)
		default:
			err = fmt.Errorf("unknown reference kind %v", d.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", d.Key(), err)
		}

		impact.RelatedRecords[d.Source] += count
		impact.TotalReferences += count
	}

	s.logger.Debug("impact scan complete",
		"entity_type", entityType,
		"entity_id", entityID,
		"total_references", impact.TotalReferences,
		"exists", impact.TargetExists)

	return impact, nil
}

// CollectAffectedDocuments fetches full copies of every document a cascade
// on the entity would mutate, grouped by collection, including the target's
// own document. Feeds snapshot capture.
func (s *Scanner) CollectAffectedDocuments(ctx context.Context, entityType, entityID string) (map[string][]models.Document, error) {
	descriptors, err := For(entityType)
	if err != nil {
		return nil, err
	}

	captured := make(map[string][]models.Document)

	target, err := s.db.QueryGetDocument(ctx, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("collect target: %w", err)
	}
	if target != nil {
		captured[entityType] = append(captured[entityType], target)
	}

	// A collection can appear in several descriptors (e.g. rehearsal
	// attendance present + absent); dedupe by document id.
	seen := make(map[string]bool)
	if target != nil {
		seen[entityType+"/"+models.DocumentID(target, entityType)] = true
	}

	for _, d := range descriptors {
		var docs []models.Document
		switch d.Kind {
		case ArrayOfIDs:
			docs, err = s.db.QueryDocsWithArrayRef(ctx, d.Source, d.Field, d.Target, entityID)
		case Single:
			docs, err = s.db.QueryDocsWithSingleRef(ctx, d.Source, d.Field, d.Target, entityID)
		case ArrayOfEmbeddedWithID:
			docs, err = s.db.QueryDocsWithEmbeddedRef(ctx, d.Source, d.Field, d.IDField, d.Target, entityID)
		}
		if err != nil {
			return nil, fmt.Errorf("collect %s: %w", d.Key(), err)
		}

		for _, doc := range docs {
			key := d.Source + "/" + models.DocumentID(doc, d.Source)
			if seen[key] {
				continue
			}
			seen[key] = true
			captured[d.Source] = append(captured[d.Source], doc)
		}
	}

	return captured, nil
}

// isActive reads the storage-level activity flag from a raw document.
// Documents written before the tri-state status migration may carry only
// is_active; absence of both fields means active.
func isActive(doc models.Document) bool {
	if status, ok := doc["status"].(string); ok {
		return status == string(models.StatusActive)
	}
	if active, ok := doc["is_active"].(bool); ok {
		return active
	}
	return true
}

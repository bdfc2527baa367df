package repair

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/raphaelgruber/coda/internal/db"
	"github.com/raphaelgruber/coda/internal/models"
	"github.com/raphaelgruber/coda/internal/refs"
)

// Severity levels for integrity findings.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Check names, stable keys in IntegrityReport.IssuesByType.
const (
	CheckReverseLinks      = "reverse_link_symmetry"
	CheckDenormDrift       = "denormalized_name_drift"
	CheckDanglingRefs      = "dangling_references"
	CheckAuditCompleteness = "audit_trail_completeness"
	CheckSoftDeletedRefs   = "soft_deleted_still_referenced"
)

// CheckResult is the outcome of one integrity check.
type CheckResult struct {
	IssuesFound int      `json:"issues_found"`
	Severity    string   `json:"severity"`
	Fixable     bool     `json:"fixable"`
	Details     []string `json:"details,omitempty"`
}

// IntegrityReport aggregates all checks from one validation run.
type IntegrityReport struct {
	IntegrityIssues int                    `json:"integrity_issues"`
	IssuesByType    map[string]CheckResult `json:"issues_by_type"`
	Recommendations []string               `json:"recommendations"`
	ExecutionTime   time.Duration          `json:"execution_time"`
}

// IssueFunc receives each finding as it is discovered, before the report is
// complete. Used to stream issues to event subscribers.
type IssueFunc func(check, detail string)

// Validator runs read-only consistency checks across the whole data set.
// It never mutates; fixable findings point at the cleanup sweep or at a
// manual repair.
type Validator struct {
	db      *db.Client
	logger  *slog.Logger
	OnIssue IssueFunc
}

// NewValidator creates an integrity validator.
func NewValidator(dbClient *db.Client, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{db: dbClient, logger: logger}
}

func (v *Validator) issue(result *CheckResult, check, format string, args ...any) {
	detail := fmt.Sprintf(format, args...)
	result.IssuesFound++
	result.Details = append(result.Details, detail)
	if v.OnIssue != nil {
		v.OnIssue(check, detail)
	}
}

// Validate runs every check and assembles the report.
func (v *Validator) Validate(ctx context.Context) (*IntegrityReport, error) {
	start := time.Now()

	report := &IntegrityReport{IssuesByType: make(map[string]CheckResult)}

	checks := []struct {
		name string
		run  func(context.Context) (CheckResult, error)
	}{
		{CheckReverseLinks, v.checkReverseLinks},
		{CheckDenormDrift, v.checkDenormDrift},
		{CheckDanglingRefs, v.checkDanglingRefs},
		{CheckAuditCompleteness, v.checkAuditCompleteness},
		{CheckSoftDeletedRefs, v.checkSoftDeletedRefs},
	}

	for _, check := range checks {
		result, err := check.run(ctx)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", check.name, err)
		}
		report.IssuesByType[check.name] = result
		report.IntegrityIssues += result.IssuesFound
	}

	report.Recommendations = recommendations(report.IssuesByType)
	report.ExecutionTime = time.Since(start)

	v.logger.Info("integrity validation finished",
		"issues", report.IntegrityIssues,
		"duration", report.ExecutionTime)

	return report, nil
}

// checkReverseLinks verifies that bidirectional link pairs agree: every id a
// teacher lists must list the teacher back, and the same for orchestra
// membership.
func (v *Validator) checkReverseLinks(ctx context.Context) (CheckResult, error) {
	result := CheckResult{Severity: SeverityError, Fixable: true}

	students, err := v.db.QueryAllDocs(ctx, "student")
	if err != nil {
		return result, err
	}
	teachers, err := v.db.QueryAllDocs(ctx, "teacher")
	if err != nil {
		return result, err
	}
	orchestras, err := v.db.QueryAllDocs(ctx, "orchestra")
	if err != nil {
		return result, err
	}

	studentTeachers := make(map[string]map[string]bool)
	studentOrchestras := make(map[string]map[string]bool)
	for _, s := range students {
		id := models.DocumentID(s, "student")
		studentTeachers[id] = refSet(docValues(s, "teacher_ids"), "teacher")
		studentOrchestras[id] = refSet(docValues(s, "enrollments.orchestra_ids"), "orchestra")
	}

	for _, t := range teachers {
		teacherID := models.DocumentID(t, "teacher")
		for sid := range refSet(docValues(t, "student_ids"), "student") {
			linked, known := studentTeachers[sid]
			if known && !linked[teacherID] {
				v.issue(&result, CheckReverseLinks,
					"teacher %s lists student %s but the student does not list the teacher back", teacherID, sid)
			}
		}
	}
	for sid, linked := range studentTeachers {
		for tid := range linked {
			if !teacherListsStudent(teachers, tid, sid) {
				v.issue(&result, CheckReverseLinks,
					"student %s lists teacher %s but the teacher does not list the student back", sid, tid)
			}
		}
	}

	orchestraMembers := make(map[string]map[string]bool)
	for _, o := range orchestras {
		oid := models.DocumentID(o, "orchestra")
		orchestraMembers[oid] = refSet(docValues(o, "member_ids"), "student")
	}
	for oid, members := range orchestraMembers {
		for sid := range members {
			enrolled, known := studentOrchestras[sid]
			if known && !enrolled[oid] {
				v.issue(&result, CheckReverseLinks,
					"orchestra %s lists member %s but the student is not enrolled", oid, sid)
			}
		}
	}
	for sid, enrolled := range studentOrchestras {
		for oid := range enrolled {
			members, known := orchestraMembers[oid]
			if known && !members[sid] {
				v.issue(&result, CheckReverseLinks,
					"student %s is enrolled in orchestra %s but is not in its member list", sid, oid)
			}
		}
	}

	return result, nil
}

// checkDenormDrift compares every denormalized copy field in the registry
// against its source of truth.
func (v *Validator) checkDenormDrift(ctx context.Context) (CheckResult, error) {
	result := CheckResult{Severity: SeverityWarning, Fixable: true}

	for _, d := range refs.All() {
		if d.DenormField == "" {
			continue
		}

		targets, err := v.db.QueryAllDocs(ctx, d.Target)
		if err != nil {
			return result, err
		}
		truth := make(map[string]string, len(targets))
		for _, doc := range targets {
			truth[models.DocumentID(doc, d.Target)], _ = doc[d.DenormSource].(string)
		}

		holders, err := v.db.QueryAllDocs(ctx, d.Source)
		if err != nil {
			return result, err
		}
		for _, doc := range holders {
			if isArchived(doc) {
				continue
			}
			ref := models.RefID(doc[d.Field], d.Target)
			expected, exists := truth[ref]
			if !exists {
				continue // dangling, reported by the dangling check
			}
			copied, _ := doc[d.DenormField].(string)
			if copied != expected {
				v.issue(&result, CheckDenormDrift,
					"%s %s: %s is %q but %s.%s is %q",
					d.Source, models.DocumentID(doc, d.Source),
					d.DenormField, copied, d.Target, d.DenormSource, expected)
			}
		}
	}

	return result, nil
}

// checkDanglingRefs reports references whose targets no longer resolve,
// across every descriptor shape.
func (v *Validator) checkDanglingRefs(ctx context.Context) (CheckResult, error) {
	result := CheckResult{Severity: SeverityError, Fixable: true}

	for _, d := range refs.All() {
		findings, err := findOrphans(ctx, v.db, d)
		if err != nil {
			return result, err
		}
		for _, f := range findings {
			v.issue(&result, CheckDanglingRefs,
				"%s %s holds %d dangling %s reference(s): %v",
				d.Source, f.HolderID, len(f.OrphanedTargetIDs), d.Target, f.OrphanedTargetIDs)
		}
	}

	return result, nil
}

// checkAuditCompleteness looks for malformed audit entries: missing entity
// ids or missing operation stats make an entry unusable for tracing.
func (v *Validator) checkAuditCompleteness(ctx context.Context) (CheckResult, error) {
	result := CheckResult{Severity: SeverityWarning, Fixable: false}

	entries, err := v.db.QueryListAudit(ctx, 1000)
	if err != nil {
		return result, err
	}
	for _, e := range entries {
		if e.Operation == "" {
			v.issue(&result, CheckAuditCompleteness, "audit entry at %s has no operation", e.CreatedAt)
			continue
		}
		if len(e.EntityIDs) == 0 && e.Operation != "orphaned_reference_cleanup" {
			v.issue(&result, CheckAuditCompleteness,
				"audit entry %q at %s names no entities", e.Operation, e.CreatedAt)
		}
		if len(e.Stats) == 0 {
			v.issue(&result, CheckAuditCompleteness,
				"audit entry %q at %s carries no stats", e.Operation, e.CreatedAt)
		}
	}

	return result, nil
}

// checkSoftDeletedRefs finds soft-deleted entities other documents still
// actively reference. Archived holders are exempt, they legitimately point
// at departed entities.
func (v *Validator) checkSoftDeletedRefs(ctx context.Context) (CheckResult, error) {
	result := CheckResult{Severity: SeverityError, Fixable: true}

	for _, entityType := range refs.EntityTypes() {
		docs, err := v.db.QueryAllDocs(ctx, entityType)
		if err != nil {
			return result, err
		}
		deleted := make(map[string]bool)
		for _, doc := range docs {
			if status, _ := doc["status"].(string); status == string(models.StatusSoftDeleted) {
				deleted[models.DocumentID(doc, entityType)] = true
			}
		}
		if len(deleted) == 0 {
			continue
		}

		descriptors, err := refs.For(entityType)
		if err != nil {
			return result, err
		}
		for _, d := range descriptors {
			if d.Treatment == refs.Archive {
				continue
			}
			holders, err := collectHolders(ctx, v.db, d)
			if err != nil {
				return result, err
			}
			for _, h := range holders {
				for _, ref := range h.Refs {
					if deleted[models.BareID(ref, d.Target)] {
						v.issue(&result, CheckSoftDeletedRefs,
							"%s %s references soft-deleted %s %s via %s",
							d.Source, h.Holder, d.Target, models.BareID(ref, d.Target), d.Field)
					}
				}
			}
		}
	}

	return result, nil
}

func collectHolders(ctx context.Context, client *db.Client, d refs.Descriptor) ([]db.RefHolder, error) {
	switch d.Kind {
	case refs.ArrayOfIDs:
		return client.QueryCollectArrayRefs(ctx, d.Source, d.Field)
	case refs.ArrayOfEmbeddedWithID:
		return client.QueryCollectEmbeddedRefs(ctx, d.Source, d.Field, d.IDField)
	case refs.Single:
		return client.QueryCollectSingleRefs(ctx, d.Source, d.Field)
	default:
		return nil, fmt.Errorf("descriptor %s: unknown kind %v", d.Key(), d.Kind)
	}
}

func recommendations(results map[string]CheckResult) []string {
	var recs []string
	if results[CheckDanglingRefs].IssuesFound > 0 {
		recs = append(recs, "run the orphan cleanup sweep to remove dangling references")
	}
	if results[CheckSoftDeletedRefs].IssuesFound > 0 {
		recs = append(recs, "re-run the cascade for entities whose deletion left live references behind")
	}
	if results[CheckReverseLinks].IssuesFound > 0 {
		recs = append(recs, "repair asymmetric link pairs on the side missing the back-reference")
	}
	if results[CheckDenormDrift].IssuesFound > 0 {
		recs = append(recs, "refresh denormalized name copies from their source records")
	}
	sort.Strings(recs)
	return recs
}

// docValues resolves a dotted field path inside a raw document and returns
// the array values found there, or nil for scalars and missing paths.
func docValues(doc models.Document, path string) []any {
	v := docValue(doc, path)
	arr, _ := v.([]any)
	return arr
}

func docValue(doc models.Document, path string) any {
	var current any = map[string]any(doc)
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[seg]
	}
	return current
}

func refSet(values []any, table string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[models.RefID(v, table)] = true
	}
	return set
}

func teacherListsStudent(teachers []models.Document, teacherID, studentID string) bool {
	for _, t := range teachers {
		if models.DocumentID(t, "teacher") != teacherID {
			continue
		}
		return refSet(docValues(t, "student_ids"), "student")[studentID]
	}
	// Unknown teacher id is a dangling reference, not an asymmetry.
	return true
}

func isArchived(doc models.Document) bool {
	archived, _ := doc["archived"].(bool)
	return archived
}

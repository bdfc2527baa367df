package repair

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/raphaelgruber/coda/internal/db"
	"github.com/raphaelgruber/coda/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *db.Client

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := container.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testDB, err = db.NewClient(ctx, db.Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace: "test",
		Database:  "repair",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, logger)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func skipShort(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

func seed(t *testing.T, ctx context.Context, table, id string, doc map[string]any) {
	t.Helper()
	require.NoError(t, testDB.QueryUpsertDocument(ctx, table, id, doc))
}

func seedEntity(t *testing.T, ctx context.Context, table, id string, entity any) {
	t.Helper()
	doc, err := models.ToDocument(entity)
	require.NoError(t, err)
	require.NoError(t, testDB.QueryUpsertDocument(ctx, table, id, doc))
}

func ptr[T any](v T) *T { return &v }

// seedConsistent creates a small school where every link is symmetric, every
// reference resolves and every denormalized copy matches its source.
func seedConsistent(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, testDB.WipeData(ctx))

	seedEntity(t, ctx, "student", "s1", models.Student{
		FullName:   "Noa Levi",
		IsActive:   true,
		Status:     models.StatusActive,
		TeacherIDs: []string{"t1"},
		TeacherAssignments: []models.TeacherAssignment{
			{TeacherID: "t1", Day: "Sunday", Time: "14:00"},
		},
		Enrollments: models.Enrollments{OrchestraIDs: []string{"o1"}},
	})
	seedEntity(t, ctx, "teacher", "t1", models.Teacher{
		FullName:     "Rivka Stern",
		IsActive:     true,
		Status:       models.StatusActive,
		StudentIDs:   []string{"s1"},
		OrchestraIDs: []string{"o1"},
	})
	seedEntity(t, ctx, "orchestra", "o1", models.Orchestra{
		Name:        "Youth Strings",
		ConductorID: ptr("t1"),
		MemberIDs:   []string{"s1"},
	})
	seedEntity(t, ctx, "rehearsal", "r1", models.Rehearsal{
		GroupID:    ptr("o1"),
		Attendance: models.RehearsalAttendance{Present: []string{"s1"}, Absent: []string{}},
	})
	seedEntity(t, ctx, "attendance", "a1", models.Attendance{
		StudentID:   "s1",
		StudentName: "Noa Levi",
		Date:        time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	seedEntity(t, ctx, "bagrut", "b1", models.Bagrut{
		StudentID: "s1",
		TeacherID: ptr("t1"),
		IsActive:  true,
	})
}

func newTestValidator() *Validator {
	return NewValidator(testDB, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
}

func newTestCleanup() *Cleanup {
	return NewCleanup(testDB, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
}

func TestValidateCleanData(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedConsistent(t, ctx)

	report, err := newTestValidator().Validate(ctx)
	require.NoError(t, err)

	assert.Zero(t, report.IntegrityIssues)
	assert.Empty(t, report.Recommendations)
	require.Len(t, report.IssuesByType, 5)
	for name, check := range report.IssuesByType {
		assert.Zero(t, check.IssuesFound, "check %s flagged clean data", name)
	}
}

func TestValidateReverseLinkAsymmetry(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedConsistent(t, ctx)

	// t1 claims s2 but s2 does not list t1; s2 claims membership in o1 but
	// o1 does not list s2.
	seedEntity(t, ctx, "student", "s2", models.Student{
		FullName:    "Amir Cohen",
		IsActive:    true,
		Status:      models.StatusActive,
		TeacherIDs:  []string{},
		Enrollments: models.Enrollments{OrchestraIDs: []string{"o1"}},
	})
	seedEntity(t, ctx, "teacher", "t1", models.Teacher{
		FullName:     "Rivka Stern",
		IsActive:     true,
		Status:       models.StatusActive,
		StudentIDs:   []string{"s1", "s2"},
		OrchestraIDs: []string{"o1"},
	})

	report, err := newTestValidator().Validate(ctx)
	require.NoError(t, err)

	check := report.IssuesByType[CheckReverseLinks]
	assert.Equal(t, 2, check.IssuesFound)
	assert.Equal(t, SeverityError, check.Severity)
	assert.True(t, check.Fixable)
	assert.Contains(t, report.Recommendations,
		"repair asymmetric link pairs on the side missing the back-reference")
}

func TestValidateQualifiedIDsAreSymmetric(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedConsistent(t, ctx)

	// Same links, one side written in qualified form. Not an asymmetry.
	seedEntity(t, ctx, "teacher", "t1", models.Teacher{
		FullName:     "Rivka Stern",
		IsActive:     true,
		Status:       models.StatusActive,
		StudentIDs:   []string{"student:s1"},
		OrchestraIDs: []string{"orchestra:o1"},
	})

	report, err := newTestValidator().Validate(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.IssuesByType[CheckReverseLinks].IssuesFound)
}

func TestValidateDenormDrift(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedConsistent(t, ctx)

	seedEntity(t, ctx, "attendance", "a2", models.Attendance{
		StudentID:   "s1",
		StudentName: "Noa Lewy", // stale copy
		Date:        time.Date(2026, 5, 8, 0, 0, 0, 0, time.UTC),
	})
	// Archived drift is exempt.
	seedEntity(t, ctx, "attendance", "a3", models.Attendance{
		StudentID:   "s1",
		StudentName: "N. Levi",
		Archived:    true,
		Date:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	report, err := newTestValidator().Validate(ctx)
	require.NoError(t, err)

	check := report.IssuesByType[CheckDenormDrift]
	require.Equal(t, 1, check.IssuesFound)
	assert.Equal(t, SeverityWarning, check.Severity)
	assert.Contains(t, check.Details[0], "a2")
	assert.Contains(t, check.Details[0], "Noa Lewy")
}

func TestValidateSoftDeletedStillReferenced(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedConsistent(t, ctx)

	seedEntity(t, ctx, "student", "s2", models.Student{
		FullName: "Amir Cohen",
		Status:   models.StatusSoftDeleted,
	})
	seedEntity(t, ctx, "teacher", "t1", models.Teacher{
		FullName:     "Rivka Stern",
		IsActive:     true,
		Status:       models.StatusActive,
		StudentIDs:   []string{"s1", "s2"},
		OrchestraIDs: []string{"o1"},
	})
	// Archived activity pointing at the departed student is legitimate.
	seedEntity(t, ctx, "attendance", "a2", models.Attendance{
		StudentID:   "s2",
		StudentName: "Amir Cohen",
		Archived:    true,
	})

	report, err := newTestValidator().Validate(ctx)
	require.NoError(t, err)

	check := report.IssuesByType[CheckSoftDeletedRefs]
	require.Equal(t, 1, check.IssuesFound)
	assert.Contains(t, check.Details[0], "teacher t1")
	assert.Contains(t, check.Details[0], "student s2")
}

func TestValidateAuditCompleteness(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedConsistent(t, ctx)

	require.NoError(t, testDB.QueryInsertAudit(ctx, "batch_cascade_delete",
		[]string{"s1"}, map[string]int{"succeeded": 1}, "ok entry"))
	// Hand-written entry missing both entity ids and stats.
	seed(t, ctx, "audit_log", "bad1", map[string]any{
		"operation":  "cascade_delete",
		"entity_ids": []string{},
		"reason":     "",
		"archived":   false,
		"created_at": time.Now(),
	})

	report, err := newTestValidator().Validate(ctx)
	require.NoError(t, err)

	check := report.IssuesByType[CheckAuditCompleteness]
	assert.Equal(t, 2, check.IssuesFound)
	assert.False(t, check.Fixable)
}

func TestValidateStreamsIssues(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedConsistent(t, ctx)

	seedEntity(t, ctx, "teacher", "t2", models.Teacher{
		FullName:   "Gone Soon",
		IsActive:   true,
		Status:     models.StatusActive,
		StudentIDs: []string{"nobody"},
	})

	var streamed []string
	v := newTestValidator()
	v.OnIssue = func(check, detail string) {
		streamed = append(streamed, check+": "+detail)
	}

	report, err := v.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.IntegrityIssues, len(streamed))
	assert.NotEmpty(t, streamed)
}

func TestCleanupDryRunThenApply(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedConsistent(t, ctx)

	// Dangling refs of every shape: array, embedded, single nullify.
	seedEntity(t, ctx, "teacher", "t1", models.Teacher{
		FullName:     "Rivka Stern",
		IsActive:     true,
		Status:       models.StatusActive,
		StudentIDs:   []string{"s1", "ghost"},
		OrchestraIDs: []string{"o1"},
	})
	seedEntity(t, ctx, "student", "s1", models.Student{
		FullName:   "Noa Levi",
		IsActive:   true,
		Status:     models.StatusActive,
		TeacherIDs: []string{"t1", "fired"},
		TeacherAssignments: []models.TeacherAssignment{
			{TeacherID: "t1", Day: "Sunday"},
			{TeacherID: "fired", Day: "Monday"},
		},
		Enrollments: models.Enrollments{OrchestraIDs: []string{"o1"}},
	})
	seedEntity(t, ctx, "theory_lesson", "l1", models.TheoryLesson{
		TeacherID:  ptr("fired"),
		StudentIDs: []string{"s1"},
	})

	cleanup := newTestCleanup()

	dry, err := cleanup.Run(ctx, true)
	require.NoError(t, err)
	assert.False(t, dry.Applied)
	assert.Equal(t, 4, dry.TotalOrphanedReferences)
	assert.Contains(t, dry.Findings, "teacher.student_ids")
	assert.Contains(t, dry.Findings, "student.teacher_ids")
	assert.Contains(t, dry.Findings, "student.teacher_assignments")
	assert.Contains(t, dry.Findings, "theory_lesson.teacher_id")

	// Dry run touched nothing.
	teacher, err := testDB.QueryGetDocument(ctx, "teacher", "t1")
	require.NoError(t, err)
	assert.Contains(t, teacher["student_ids"], "ghost")

	applied, err := cleanup.Run(ctx, false)
	require.NoError(t, err)
	assert.True(t, applied.Applied)
	assert.Equal(t, 4, applied.TotalOrphanedReferences)

	teacher, err = testDB.QueryGetDocument(ctx, "teacher", "t1")
	require.NoError(t, err)
	assert.NotContains(t, teacher["student_ids"], "ghost")
	assert.Contains(t, teacher["student_ids"], "s1")

	student, err := testDB.QueryGetDocument(ctx, "student", "s1")
	require.NoError(t, err)
	assert.NotContains(t, student["teacher_ids"], "fired")
	assignments, _ := student["teacher_assignments"].([]any)
	require.Len(t, assignments, 1)

	lesson, err := testDB.QueryGetDocument(ctx, "theory_lesson", "l1")
	require.NoError(t, err)
	assert.Nil(t, lesson["teacher_id"])

	entries, err := testDB.QueryListAudit(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "orphaned_reference_cleanup", entries[0].Operation)
	assert.Equal(t, 4, entries[0].Stats["orphaned_references_removed"])

	// The sweep is idempotent.
	again, err := cleanup.Run(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, again.TotalOrphanedReferences)
	assert.Empty(t, again.Findings)

	entries, err = testDB.QueryListAudit(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no audit entry for a sweep that found nothing")
}

func TestCleanupArchivesDanglingActivity(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedConsistent(t, ctx)

	seedEntity(t, ctx, "rehearsal", "r2", models.Rehearsal{
		GroupID:    ptr("disbanded"),
		Attendance: models.RehearsalAttendance{Present: []string{}, Absent: []string{}},
	})

	report, err := newTestCleanup().Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalOrphanedReferences)

	// Archive treatment keeps the record and its reference.
	rehearsal, err := testDB.QueryGetDocument(ctx, "rehearsal", "r2")
	require.NoError(t, err)
	assert.Equal(t, true, rehearsal["archived"])
	assert.Equal(t, "disbanded", rehearsal["group_id"])

	// Archived holders are not re-reported.
	again, err := newTestCleanup().Run(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, again.TotalOrphanedReferences)
}

func TestValidateDanglingMatchesCleanup(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedConsistent(t, ctx)

	seedEntity(t, ctx, "orchestra", "o1", models.Orchestra{
		Name:        "Youth Strings",
		ConductorID: ptr("t1"),
		MemberIDs:   []string{"s1", "left", "student:moved"},
	})

	report, err := newTestValidator().Validate(ctx)
	require.NoError(t, err)
	check := report.IssuesByType[CheckDanglingRefs]
	require.Equal(t, 1, check.IssuesFound, "one holder, two orphaned ids")
	assert.Contains(t, check.Details[0], "orchestra o1")

	sweep, err := newTestCleanup().Run(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, sweep.TotalOrphanedReferences)
}

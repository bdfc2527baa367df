// Package cascade provides integration tests for the deletion engine.
package cascade

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
	"github.com/raphaelgruber/coda/internal/refs"
	"github.com/raphaelgruber/coda/internal/repair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testDB      *db.Client
	testScanner *refs.Scanner
	testEngine  *Engine
)

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
		Database:  "cascade",
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

	testScanner = refs.NewScanner(testDB, logger)
	snapshots := NewSnapshotStore(testDB, logger)
	testEngine = NewEngine(testDB, testScanner, snapshots, logger)

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

func seedEntity(t *testing.T, ctx context.Context, table, id string, entity any) {
	t.Helper()
	doc, err := models.ToDocument(entity)
	require.NoError(t, err)
	require.NoError(t, testDB.QueryUpsertDocument(ctx, table, id, doc))
}

func ptr[T any](v T) *T { return &v }

// seedSchool creates a small school with every reference shape pointing at
// student s1 and teacher t1.
func seedSchool(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, testDB.WipeData(ctx))

	seedEntity(t, ctx, "student", "s1", models.Student{
		FullName:   "Noa Levi",
		Instrument: "violin",
		IsActive:   true,
		Status:     models.StatusActive,
		TeacherIDs: []string{"t1"},
		TeacherAssignments: []models.TeacherAssignment{
			{TeacherID: "t1", Day: "Sunday", Time: "14:00", Duration: 45},
		},
		Enrollments: models.Enrollments{OrchestraIDs: []string{"o1"}},
	})
	seedEntity(t, ctx, "student", "s2", models.Student{
		FullName:    "Amir Cohen",
		IsActive:    true,
		Status:      models.StatusActive,
		TeacherIDs:  []string{"t1"},
		Enrollments: models.Enrollments{OrchestraIDs: []string{"o1"}},
	})
	seedEntity(t, ctx, "teacher", "t1", models.Teacher{
		FullName:     "Rivka Stern",
		IsActive:     true,
		Status:       models.StatusActive,
		StudentIDs:   []string{"s1", "s2"},
		OrchestraIDs: []string{"o1"},
	})
	seedEntity(t, ctx, "orchestra", "o1", models.Orchestra{
		Name:        "Youth Strings",
		ConductorID: ptr("t1"),
		MemberIDs:   []string{"s1", "student:s2"},
	})
	seedEntity(t, ctx, "rehearsal", "r1", models.Rehearsal{
		GroupID: ptr("o1"),
		Attendance: models.RehearsalAttendance{
			Present: []string{"s1"},
			Absent:  []string{"s2"},
		},
	})
	seedEntity(t, ctx, "theory_lesson", "l1", models.TheoryLesson{
		TeacherID:  ptr("t1"),
		StudentIDs: []string{"s1", "s2"},
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

func TestCascadeDeleteStudent(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedSchool(t, ctx)

	result, err := testEngine.CascadeDelete(ctx, "student", "s1", DefaultOptions())
	require.NoError(t, err)
	require.True(t, result.Success, "error: %s", result.Error)
	assert.NotEmpty(t, result.SnapshotID)

	// Array pulls: teacher.student_ids, orchestra.member_ids,
	// theory_lesson.student_ids, rehearsal.attendance.present.
	assert.Equal(t, 4, result.OperationCounts[StepArrayPulls])
	assert.Equal(t, 1, result.OperationCounts[StepRecordsArchived], "attendance archived")
	assert.Equal(t, 1, result.OperationCounts[StepAcademicArchived], "bagrut archived")
	assert.Equal(t, 1, result.OperationCounts[StepTargetSoftDelete])

	// Target soft-deleted, not gone.
	doc, err := testDB.QueryGetDocument(ctx, "student", "s1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, false, doc["is_active"])
	assert.Equal(t, "soft_deleted", doc["status"])

	// No live references remain.
	teacher, err := testDB.QueryGetDocument(ctx, "teacher", "t1")
	require.NoError(t, err)
	assert.NotContains(t, teacher["student_ids"], "s1")

	orchestra, err := testDB.QueryGetDocument(ctx, "orchestra", "o1")
	require.NoError(t, err)
	assert.NotContains(t, orchestra["member_ids"], "s1")

	bagrut, err := testDB.QueryGetDocument(ctx, "bagrut", "b1")
	require.NoError(t, err)
	assert.Equal(t, true, bagrut["archived"], "academic record preserved as archive")

	// The cascade leaves no orphaned references behind.
	sweep, err := repair.NewCleanup(testDB, nil).Run(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, sweep.TotalOrphanedReferences)
}

func TestCascadeDeleteStudentDropAcademic(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedSchool(t, ctx)

	opts := DefaultOptions()
	opts.PreserveAcademic = false
	result, err := testEngine.CascadeDelete(ctx, "student", "s1", opts)
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, 1, result.OperationCounts[StepAcademicRemoved])
	assert.Zero(t, result.OperationCounts[StepAcademicArchived])

	exists, err := testDB.QueryEntityExists(ctx, "bagrut", "b1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCascadeDeleteTeacher(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedSchool(t, ctx)

	result, err := testEngine.CascadeDelete(ctx, "teacher", "t1", DefaultOptions())
	require.NoError(t, err)
	require.True(t, result.Success, "error: %s", result.Error)

	// teacher_ids pulled from both students.
	assert.Equal(t, 2, result.OperationCounts[StepArrayPulls])
	assert.Equal(t, 1, result.OperationCounts[StepEmbeddedRemovals], "s1 assignment removed")
	// orchestra.conductor_id, theory_lesson.teacher_id, bagrut.teacher_id.
	assert.Equal(t, 3, result.OperationCounts[StepNullifications])

	orchestra, err := testDB.QueryGetDocument(ctx, "orchestra", "o1")
	require.NoError(t, err)
	assert.Nil(t, orchestra["conductor_id"])

	student, err := testDB.QueryGetDocument(ctx, "student", "s1")
	require.NoError(t, err)
	assignments, _ := student["teacher_assignments"].([]any)
	assert.Empty(t, assignments)
}

func TestCascadeDeleteOrchestraArchivesRehearsals(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedSchool(t, ctx)

	result, err := testEngine.CascadeDelete(ctx, "orchestra", "o1", DefaultOptions())
	require.NoError(t, err)
	require.True(t, result.Success)

	// student.enrollments.orchestra_ids for two students, teacher.orchestra_ids.
	assert.Equal(t, 3, result.OperationCounts[StepArrayPulls])
	assert.Equal(t, 1, result.OperationCounts[StepRecordsArchived])

	rehearsal, err := testDB.QueryGetDocument(ctx, "rehearsal", "r1")
	require.NoError(t, err)
	assert.Equal(t, true, rehearsal["archived"])
	assert.Equal(t, "o1", rehearsal["group_id"], "archived records keep their reference")
}

func TestCascadeDeleteNotFoundIsIdempotent(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedSchool(t, ctx)

	result, err := testEngine.CascadeDelete(ctx, "student", "ghost", DefaultOptions())
	require.NoError(t, err, "missing target is a business outcome, not a failure")
	assert.False(t, result.Success)
	assert.Equal(t, "not found", result.Error)
	assert.Empty(t, result.SnapshotID)
}

func TestCascadeDeleteUnknownType(t *testing.T) {
	skipShort(t)
	ctx := context.Background()

	result, err := testEngine.CascadeDelete(ctx, "spaceship", "x1", DefaultOptions())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "spaceship")
}

func TestCascadeHardDeleteAndRollback(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedSchool(t, ctx)

	opts := DefaultOptions()
	opts.HardDelete = true
	result, err := testEngine.CascadeDelete(ctx, "student", "s1", opts)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotEmpty(t, result.SnapshotID)

	exists, err := testDB.QueryEntityExists(ctx, "student", "s1")
	require.NoError(t, err)
	require.False(t, exists)

	rollback, err := testEngine.Rollback(ctx, result.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, "s1", rollback.TargetID)
	assert.Equal(t, 1, rollback.RestoredCounts["student"], "hard-deleted target restored")

	// The full pre-deletion state is back.
	student, err := testDB.QueryGetDocument(ctx, "student", "s1")
	require.NoError(t, err)
	require.NotNil(t, student)
	assert.Equal(t, "Noa Levi", student["full_name"])
	assert.Equal(t, true, student["is_active"])

	teacher, err := testDB.QueryGetDocument(ctx, "teacher", "t1")
	require.NoError(t, err)
	assert.Contains(t, teacher["student_ids"], "s1")

	attendance, err := testDB.QueryGetDocument(ctx, "attendance", "a1")
	require.NoError(t, err)
	assert.Nil(t, attendance["archived"], "archive flag rolled back")
}

func TestRollbackUnknownSnapshot(t *testing.T) {
	skipShort(t)
	ctx := context.Background()

	_, err := testEngine.Rollback(ctx, "no-such-snapshot")
	assert.ErrorIs(t, err, db.ErrSnapshotNotFound)
}

func TestBatchCascadeDeleteMixedOutcome(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedSchool(t, ctx)

	batch, err := testEngine.BatchCascadeDelete(ctx, "student", []string{"s1", "ghost", "s2"}, DefaultOptions(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
	require.Len(t, batch.Entries, 3)
	assert.True(t, batch.Entries[0].Result.Success)
	assert.False(t, batch.Entries[1].Result.Success, "missing member fails without stopping the batch")
	assert.True(t, batch.Entries[2].Result.Success)

	entries, err := testDB.QueryListAudit(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "batch_cascade_delete", entries[0].Operation)
	assert.Equal(t, 2, entries[0].Stats["succeeded"])
	assert.Equal(t, 1, entries[0].Stats["failed"])
}

func TestCascadeNoSnapshotOption(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedSchool(t, ctx)

	opts := DefaultOptions()
	opts.CreateSnapshot = false
	result, err := testEngine.CascadeDelete(ctx, "student", "s2", opts)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Empty(t, result.SnapshotID)
}

func TestImpactScanStudent(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedSchool(t, ctx)

	impact, err := testScanner.Scan(ctx, "student", "s1")
	require.NoError(t, err)

	assert.True(t, impact.TargetExists)
	assert.True(t, impact.TargetActive)
	assert.Empty(t, impact.Warnings)
	assert.False(t, impact.ScannedAt.IsZero())

	// One referencing document per collection; rehearsal r1 lists s1 as
	// present only, so its two attendance descriptors sum to one.
	assert.Equal(t, map[string]int{
		"teacher":       1,
		"orchestra":     1,
		"theory_lesson": 1,
		"rehearsal":     1,
		"attendance":    1,
		"bagrut":        1,
	}, impact.RelatedRecords)
	assert.Equal(t, 6, impact.TotalReferences)
}

func TestImpactScanInactiveTarget(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedSchool(t, ctx)

	result, err := testEngine.CascadeDelete(ctx, "student", "s2", DefaultOptions())
	require.NoError(t, err)
	require.True(t, result.Success)

	impact, err := testScanner.Scan(ctx, "student", "s2")
	require.NoError(t, err)

	assert.True(t, impact.TargetExists)
	assert.False(t, impact.TargetActive)
	require.Len(t, impact.Warnings, 1)
	assert.Contains(t, impact.Warnings[0], "already inactive")
	assert.Zero(t, impact.TotalReferences, "cascade pulled every live reference")
}

func TestImpactScanMissingTarget(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	seedSchool(t, ctx)

	impact, err := testScanner.Scan(ctx, "student", "ghost")
	require.NoError(t, err)
	assert.False(t, impact.TargetExists)
	require.Len(t, impact.Warnings, 1)
	assert.Contains(t, impact.Warnings[0], "does not exist")

	_, err = testScanner.Scan(ctx, "spaceship", "x1")
	assert.Error(t, err)
}

func TestConcurrentCascadeSameEntityFailsFast(t *testing.T) {
	locks := newEntityLocks()
	require.True(t, locks.tryAcquire("student:s1"))
	assert.False(t, locks.tryAcquire("student:s1"), "second acquire must fail, not block")
	assert.True(t, locks.tryAcquire("student:s2"), "other entities unaffected")
	locks.release("student:s1")
	assert.True(t, locks.tryAcquire("student:s1"))
}

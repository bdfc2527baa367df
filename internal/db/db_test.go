// Package db provides integration tests for SurrealDB operations.
package db

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/raphaelgruber/coda/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *Client
var testContainer testcontainers.Container

// TestMain sets up and tears down the SurrealDB container for all tests.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	var err error
	testContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
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

	host, err := testContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := testContainer.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testDB, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = testContainer.Terminate(ctx)

	os.Exit(code)
}

// seed creates a document under a fixed id.
func seed(t *testing.T, ctx context.Context, table, id string, doc map[string]any) {
	t.Helper()
	err := testDB.QueryUpsertDocument(ctx, table, id, doc)
	require.NoError(t, err, "seed %s:%s", table, id)
}

func wipe(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, testDB.WipeData(ctx))
}

func skipShort(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

func TestEntityExists(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	wipe(t, ctx)

	seed(t, ctx, "student", "s1", map[string]any{"full_name": "Noa Levi"})

	exists, err := testDB.QueryEntityExists(ctx, "student", "s1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = testDB.QueryEntityExists(ctx, "student", "student:s1")
	require.NoError(t, err, "qualified id form should work too")
	assert.True(t, exists)

	exists, err = testDB.QueryEntityExists(ctx, "student", "nope")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCountArrayRefsBothIDForms(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	wipe(t, ctx)

	// One teacher holds the bare form, another the qualified form.
	seed(t, ctx, "teacher", "t1", map[string]any{"student_ids": []string{"s1", "s2"}})
	seed(t, ctx, "teacher", "t2", map[string]any{"student_ids": []string{"student:s1"}})
	seed(t, ctx, "teacher", "t3", map[string]any{"student_ids": []string{"s9"}})

	n, err := testDB.QueryCountArrayRefs(ctx, "teacher", "student_ids", "student", "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "both id forms must match")
}

func TestCountSingleAndEmbeddedRefs(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	wipe(t, ctx)

	seed(t, ctx, "attendance", "a1", map[string]any{"student_id": "s1"})
	seed(t, ctx, "attendance", "a2", map[string]any{"student_id": "student:s1"})
	seed(t, ctx, "attendance", "a3", map[string]any{"student_id": "s2"})
	seed(t, ctx, "student", "s5", map[string]any{
		"teacher_assignments": []map[string]any{
			{"teacher_id": "t1", "day": "Sunday"},
			{"teacher_id": "teacher:t2", "day": "Monday"},
		},
	})

	n, err := testDB.QueryCountSingleRefs(ctx, "attendance", "student_id", "student", "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = testDB.QueryCountEmbeddedRefs(ctx, "student", "teacher_assignments", "teacher_id", "teacher", "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = testDB.QueryCountEmbeddedRefs(ctx, "student", "teacher_assignments", "teacher_id", "teacher", "teacher:t2")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "qualified lookup id must normalize")
}

func TestPullFromArray(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	wipe(t, ctx)

	seed(t, ctx, "orchestra", "o1", map[string]any{"member_ids": []string{"s1", "student:s2", "s3"}})

	n, err := testDB.QueryPullFromArray(ctx, "orchestra", "member_ids", "student", "s2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := testDB.QueryGetDocument(ctx, "orchestra", "o1")
	require.NoError(t, err)
	members, _ := doc["member_ids"].([]any)
	assert.Len(t, members, 2)
	assert.NotContains(t, members, "student:s2")
}

func TestNullifyRef(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	wipe(t, ctx)

	seed(t, ctx, "orchestra", "o1", map[string]any{"conductor_id": "t1", "name": "Youth Strings"})
	seed(t, ctx, "orchestra", "o2", map[string]any{"conductor_id": "t2"})

	n, err := testDB.QueryNullifyRef(ctx, "orchestra", "conductor_id", "teacher", "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := testDB.QueryGetDocument(ctx, "orchestra", "o1")
	require.NoError(t, err)
	assert.Nil(t, doc["conductor_id"])
	assert.Equal(t, "Youth Strings", doc["name"], "other fields untouched")

	doc, err = testDB.QueryGetDocument(ctx, "orchestra", "o2")
	require.NoError(t, err)
	assert.Equal(t, "t2", doc["conductor_id"])
}

func TestRemoveEmbeddedByID(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	wipe(t, ctx)

	seed(t, ctx, "student", "s1", map[string]any{
		"teacher_assignments": []map[string]any{
			{"teacher_id": "t1", "day": "Sunday"},
			{"teacher_id": "teacher:t1", "day": "Tuesday"},
			{"teacher_id": "t2", "day": "Monday"},
		},
	})

	n, err := testDB.QueryRemoveEmbeddedByID(ctx, "student", "teacher_assignments", "teacher_id", "teacher", "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := testDB.QueryGetDocument(ctx, "student", "s1")
	require.NoError(t, err)
	assignments, _ := doc["teacher_assignments"].([]any)
	require.Len(t, assignments, 1, "both id forms of t1 removed")
	entry, _ := assignments[0].(map[string]any)
	assert.Equal(t, "t2", entry["teacher_id"])
}

func TestArchiveWhereSingleRef(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	wipe(t, ctx)

	seed(t, ctx, "attendance", "a1", map[string]any{"student_id": "s1"})
	seed(t, ctx, "attendance", "a2", map[string]any{"student_id": "s1", "archived": true})

	n, err := testDB.QueryArchiveWhereSingleRef(ctx, "attendance", "student_id", "student", "s1", "student removed")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "already-archived documents are skipped")

	doc, err := testDB.QueryGetDocument(ctx, "attendance", "a1")
	require.NoError(t, err)
	assert.Equal(t, true, doc["archived"])
	assert.Equal(t, "student removed", doc["archived_reason"])
	assert.Equal(t, "archived", doc["status"])
	assert.NotNil(t, doc["archived_at"])

	// Idempotent: a second run touches nothing.
	n, err = testDB.QueryArchiveWhereSingleRef(ctx, "attendance", "student_id", "student", "s1", "again")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSoftAndHardDeleteEntity(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	wipe(t, ctx)

	seed(t, ctx, "student", "s1", map[string]any{"full_name": "Noa Levi", "is_active": true})

	n, err := testDB.QuerySoftDeleteEntity(ctx, "student", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := testDB.QueryGetDocument(ctx, "student", "s1")
	require.NoError(t, err)
	assert.Equal(t, false, doc["is_active"])
	assert.Equal(t, "soft_deleted", doc["status"])

	n, err = testDB.QueryHardDeleteEntity(ctx, "student", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exists, err := testDB.QueryEntityExists(ctx, "student", "s1")
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting a gone entity is a zero-count no-op, not an error.
	n, err = testDB.QueryHardDeleteEntity(ctx, "student", "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCollectRefsAndExistingIDs(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	wipe(t, ctx)

	seed(t, ctx, "student", "s1", map[string]any{"full_name": "Noa Levi"})
	seed(t, ctx, "teacher", "t1", map[string]any{"student_ids": []string{"s1", "ghost"}})
	seed(t, ctx, "teacher", "t2", map[string]any{"student_ids": []string{}})

	holders, err := testDB.QueryCollectArrayRefs(ctx, "teacher", "student_ids")
	require.NoError(t, err)
	require.Len(t, holders, 1, "empty arrays excluded")
	assert.Equal(t, "t1", holders[0].Holder)
	assert.ElementsMatch(t, []string{"s1", "ghost"}, holders[0].Refs)

	existing, err := testDB.QueryExistingIDs(ctx, "student", []string{"s1", "ghost"})
	require.NoError(t, err)
	assert.True(t, existing["s1"])
	assert.False(t, existing["ghost"])
}

func TestSnapshotRoundTrip(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	wipe(t, ctx)

	captured := map[string][]models.Document{
		"student": {{"id": "s1", "full_name": "Noa Levi"}},
	}
	err := testDB.QueryCreateSnapshot(ctx, "snap-1", "student", "s1", captured)
	require.NoError(t, err)

	snap, err := testDB.QueryGetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, "snap-1", snap.SnapshotID)
	assert.Equal(t, "s1", snap.TargetID)
	assert.Equal(t, "student", snap.TargetType)
	require.Len(t, snap.Captured["student"], 1)

	// Snapshots are write-once.
	err = testDB.QueryCreateSnapshot(ctx, "snap-1", "student", "s1", captured)
	assert.ErrorIs(t, err, ErrSnapshotExists)

	_, err = testDB.QueryGetSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestAuditLog(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	wipe(t, ctx)

	err := testDB.QueryInsertAudit(ctx, "cascade_delete", []string{"s1"}, map[string]int{"array_pulls": 3}, "test")
	require.NoError(t, err)

	entries, err := testDB.QueryListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cascade_delete", entries[0].Operation)
	assert.Equal(t, []string{"s1"}, entries[0].EntityIDs)
	assert.Equal(t, 3, entries[0].Stats["array_pulls"])

	n, err := testDB.QueryArchiveAuditBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = testDB.QueryArchiveAuditBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already archived entries skipped")
}

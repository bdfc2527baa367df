package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestBareID(t *testing.T) {
	assert.Equal(t, "s42", BareID("s42", "student"))
	assert.Equal(t, "s42", BareID("student:s42", "student"))
	// Only the matching table prefix is stripped.
	assert.Equal(t, "teacher:t1", BareID("teacher:t1", "student"))
}

func TestQualifiedID(t *testing.T) {
	assert.Equal(t, "student:s42", QualifiedID("s42", "student"))
	assert.Equal(t, "student:s42", QualifiedID("student:s42", "student"))
}

func TestRefID(t *testing.T) {
	assert.Equal(t, "s42", RefID("s42", "student"))
	assert.Equal(t, "s42", RefID("student:s42", "student"))
	assert.Equal(t, "s42", RefID(surrealmodels.RecordID{Table: "student", ID: "s42"}, "student"))
	assert.Equal(t, "7", RefID(surrealmodels.RecordID{Table: "student", ID: uint64(7)}, "student"))
}

func TestDocumentID(t *testing.T) {
	assert.Equal(t, "s1", DocumentID(Document{"id": surrealmodels.RecordID{Table: "student", ID: "s1"}}, "student"))
	assert.Equal(t, "s1", DocumentID(Document{"id": "student:s1"}, "student"))
	assert.Equal(t, "s1", DocumentID(Document{"id": "s1"}, "student"))
}

func TestToDocument(t *testing.T) {
	conductor := "t1"
	doc, err := ToDocument(Orchestra{
		Name:        "Youth Strings",
		ConductorID: &conductor,
		MemberIDs:   []string{"s1", "student:s2"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Youth Strings", doc["name"])
	assert.Equal(t, "t1", doc["conductor_id"])
	assert.Equal(t, []any{"s1", "student:s2"}, doc["member_ids"])

	// Unset id and lifecycle flags stay absent; a document without them
	// reads as active, and the upsert target supplies the id.
	assert.NotContains(t, doc, "id")
	assert.NotContains(t, doc, "status")
	assert.NotContains(t, doc, "is_active")
}

func TestToDocumentKeepsSetLifecycleFields(t *testing.T) {
	doc, err := ToDocument(Attendance{
		StudentID:   "s1",
		StudentName: "Noa Levi",
		Archived:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, true, doc["archived"])
	assert.Equal(t, "Noa Levi", doc["student_name"])
	assert.NotContains(t, doc, "date")
	assert.NotContains(t, doc, "archived_at")
}

func TestRecordIDString(t *testing.T) {
	s, err := RecordIDString(surrealmodels.RecordID{Table: "student", ID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", s)

	_, err = RecordIDString(surrealmodels.RecordID{Table: "student", ID: 12})
	assert.Error(t, err)
}

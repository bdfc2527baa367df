package db

// SchemaSQL contains the database schema initialization SQL.
//
// Entity tables are SCHEMALESS: the documents are denormalized and loosely
// shaped, and rollback restores captured documents verbatim. Only the
// snapshot and audit tables are SCHEMAFULL since this subsystem owns their
// shape.
const SchemaSQL = `
    -- ==========================================================================
    -- ENTITY TABLES
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS student SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS student_teacher_ids ON student FIELDS teacher_ids;
    DEFINE INDEX IF NOT EXISTS student_status ON student FIELDS status;

    DEFINE TABLE IF NOT EXISTS teacher SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS teacher_student_ids ON teacher FIELDS student_ids;
    DEFINE INDEX IF NOT EXISTS teacher_status ON teacher FIELDS status;

    DEFINE TABLE IF NOT EXISTS orchestra SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS orchestra_member_ids ON orchestra FIELDS member_ids;
    DEFINE INDEX IF NOT EXISTS orchestra_conductor ON orchestra FIELDS conductor_id;

    DEFINE TABLE IF NOT EXISTS rehearsal SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS rehearsal_group ON rehearsal FIELDS group_id;
    DEFINE INDEX IF NOT EXISTS rehearsal_date ON rehearsal FIELDS date;

    DEFINE TABLE IF NOT EXISTS theory_lesson SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS theory_lesson_teacher ON theory_lesson FIELDS teacher_id;
    DEFINE INDEX IF NOT EXISTS theory_lesson_students ON theory_lesson FIELDS student_ids;

    DEFINE TABLE IF NOT EXISTS bagrut SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS bagrut_student ON bagrut FIELDS student_id;

    DEFINE TABLE IF NOT EXISTS attendance SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS attendance_student ON attendance FIELDS student_id;
    DEFINE INDEX IF NOT EXISTS attendance_date ON attendance FIELDS date;

    -- ==========================================================================
    -- DELETION SNAPSHOT TABLE
    -- ==========================================================================
    -- One document per cascade invocation that requested a snapshot.
    -- Write-once: created before the first mutation, read only by rollback.
    DEFINE TABLE IF NOT EXISTS deletion_snapshot SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS snapshot_id ON deletion_snapshot TYPE string;
    DEFINE FIELD IF NOT EXISTS target_id ON deletion_snapshot TYPE string;
    DEFINE FIELD IF NOT EXISTS target_type ON deletion_snapshot TYPE string;
    DEFINE FIELD IF NOT EXISTS captured ON deletion_snapshot TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS created_at ON deletion_snapshot TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS snapshot_target ON deletion_snapshot FIELDS target_id;

    -- ==========================================================================
    -- AUDIT LOG TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS audit_log SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS operation ON audit_log TYPE string;
    DEFINE FIELD IF NOT EXISTS entity_ids ON audit_log TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS stats ON audit_log TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS reason ON audit_log TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS archived ON audit_log TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS created_at ON audit_log TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS audit_created ON audit_log FIELDS created_at;
`

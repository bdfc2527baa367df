// Package models defines data structures for the coda school-administration store.
package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Status is the lifecycle state of an entity document.
// Replaces the scattered is_active / archived boolean flags with a single
// tri-state so cascade mutation steps can be exhaustive.
type Status string

const (
	StatusActive      Status = "active"
	StatusSoftDeleted Status = "soft_deleted"
	StatusArchived    Status = "archived"
)

// TeacherAssignment is a schedule slot embedded in a student document.
// Carries the teacher id, so removing a teacher must filter these entries.
type TeacherAssignment struct {
	TeacherID string `json:"teacher_id"`
	Day       string `json:"day"`
	Time      string `json:"time"`
	Duration  int    `json:"duration"`
}

// Enrollments groups a student's group memberships.
type Enrollments struct {
	OrchestraIDs []string `json:"orchestra_ids,omitempty"`
}

// Student is the primary entity of the cascade-deletion engine.
// Reference fields are denormalized: teachers and orchestras carry the
// student id too, and the store enforces none of it.
type Student struct {
	ID                 surrealmodels.RecordID `json:"id,omitzero"`
	FullName           string                 `json:"full_name"`
	Instrument         string                 `json:"instrument,omitempty"`
	StageLevel         int                    `json:"stage_level,omitempty"`
	TeacherIDs         []string               `json:"teacher_ids,omitempty"`
	TeacherAssignments []TeacherAssignment    `json:"teacher_assignments,omitempty"`
	Enrollments        Enrollments            `json:"enrollments,omitzero"`
	Status             Status                 `json:"status,omitempty"`
	IsActive           bool                   `json:"is_active,omitempty"`
	CreatedAt          time.Time              `json:"created_at,omitzero"`
	UpdatedAt          time.Time              `json:"updated_at,omitzero"`
}

// Teacher holds rosters that mirror student.teacher_ids.
type Teacher struct {
	ID           surrealmodels.RecordID `json:"id,omitzero"`
	FullName     string                 `json:"full_name"`
	Instrument   string                 `json:"instrument,omitempty"`
	StudentIDs   []string               `json:"student_ids,omitempty"`
	OrchestraIDs []string               `json:"orchestra_ids,omitempty"`
	Status       Status                 `json:"status,omitempty"`
	IsActive     bool                   `json:"is_active,omitempty"`
}

// Orchestra references its conductor and members by id only.
type Orchestra struct {
	ID          surrealmodels.RecordID `json:"id,omitzero"`
	Name        string                 `json:"name"`
	ConductorID *string                `json:"conductor_id,omitempty"`
	MemberIDs   []string               `json:"member_ids,omitempty"`
	Status      Status                 `json:"status,omitempty"`
	IsActive    bool                   `json:"is_active,omitempty"`
}

// RehearsalAttendance splits attendance into present/absent id lists.
type RehearsalAttendance struct {
	Present []string `json:"present,omitempty"`
	Absent  []string `json:"absent,omitempty"`
}

// Rehearsal is historical activity: cascades archive it, never delete it.
type Rehearsal struct {
	ID             surrealmodels.RecordID `json:"id,omitzero"`
	GroupID        *string                `json:"group_id,omitempty"`
	Date           time.Time              `json:"date,omitzero"`
	Attendance     RehearsalAttendance    `json:"attendance"`
	Status         Status                 `json:"status,omitempty"`
	Archived       bool                   `json:"archived,omitempty"`
	ArchivedAt     *time.Time             `json:"archived_at,omitempty"`
	ArchivedReason *string                `json:"archived_reason,omitempty"`
}

// TheoryLesson references a teacher and a roster of students.
type TheoryLesson struct {
	ID         surrealmodels.RecordID `json:"id,omitzero"`
	TeacherID  *string                `json:"teacher_id,omitempty"`
	StudentIDs []string               `json:"student_ids,omitempty"`
	Category   string                 `json:"category,omitempty"`
	Status     Status                 `json:"status,omitempty"`
	Archived   bool                   `json:"archived,omitempty"`
}

// Bagrut is an academic exam record. Cascades archive it by default
// (preserve-academic) and only remove it when explicitly told to.
type Bagrut struct {
	ID        surrealmodels.RecordID `json:"id,omitzero"`
	StudentID string                 `json:"student_id"`
	TeacherID *string                `json:"teacher_id,omitempty"`
	Program   string                 `json:"program,omitempty"`
	Status    Status                 `json:"status,omitempty"`
	IsActive  bool                   `json:"is_active,omitempty"`
}

// Attendance is a single activity record. student_name is a denormalized
// copy of student.full_name; the integrity validator checks it for drift.
type Attendance struct {
	ID             surrealmodels.RecordID `json:"id,omitzero"`
	StudentID      string                 `json:"student_id"`
	StudentName    string                 `json:"student_name,omitempty"`
	ActivityType   string                 `json:"activity_type,omitempty"`
	Date           time.Time              `json:"date,omitzero"`
	Status         Status                 `json:"status,omitempty"`
	Archived       bool                   `json:"archived,omitempty"`
	ArchivedAt     *time.Time             `json:"archived_at,omitempty"`
	ArchivedReason *string                `json:"archived_reason,omitempty"`
}

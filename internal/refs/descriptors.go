// Package refs holds the static reference descriptor registry and the
// reference graph scanner built on it.
//
// The store enforces no referential integrity, so the registry is the single
// source of truth for every way one collection may reference another. Adding
// a relationship to the data model means adding a descriptor here; a missing
// descriptor is an integrity blind spot.
package refs

import "fmt"

// Kind describes the shape a reference takes inside a document.
type Kind int

const (
	// Single is a scalar field holding one id (e.g. orchestra.conductor_id).
	Single Kind = iota + 1
	// ArrayOfIDs is an array field holding ids (e.g. teacher.student_ids).
	ArrayOfIDs
	// ArrayOfEmbeddedWithID is an array of objects each carrying an id
	// sub-field (e.g. student.teacher_assignments[].teacher_id).
	ArrayOfEmbeddedWithID
)

func (k Kind) String() string {
	switch k {
	case Single:
		return "single"
	case ArrayOfIDs:
		return "array_of_ids"
	case ArrayOfEmbeddedWithID:
		return "array_of_embedded"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Treatment is what a cascade does to documents holding the reference.
type Treatment int

const (
	// Pull removes the id from the array field; the holder survives.
	Pull Treatment = iota + 1
	// Nullify clears the scalar field; the holder survives.
	Nullify
	// RemoveEmbedded filters out the embedded entries carrying the id.
	RemoveEmbedded
	// Archive marks the holding document archived. Historical activity
	// records are never deleted by a cascade.
	Archive
)

func (t Treatment) String() string {
	switch t {
	case Pull:
		return "pull"
	case Nullify:
		return "nullify"
	case RemoveEmbedded:
		return "remove_embedded"
	case Archive:
		return "archive"
	default:
		return fmt.Sprintf("treatment(%d)", int(t))
	}
}

// Descriptor describes one way a collection references an entity type.
type Descriptor struct {
	// Source is the referencing collection.
	Source string
	// Field is the path of the reference field within the source document.
	Field string
	// IDField is the id sub-field for ArrayOfEmbeddedWithID descriptors.
	IDField string
	// Target is the referenced collection.
	Target string
	// Kind is the reference shape.
	Kind Kind
	// Treatment is the cascade mutation applied to holders.
	Treatment Treatment
	// Academic marks records of lasting academic significance (exam
	// results). Cascades archive them unless told to drop academic data.
	Academic bool
	// DenormField names a field on the source that carries a denormalized
	// copy of DenormSource on the target ("" if none). Checked by the
	// integrity validator, never mutated by cascades.
	DenormField  string
	DenormSource string
}

// Key identifies a descriptor in reports, e.g. "rehearsal.attendance.present".
func (d Descriptor) Key() string {
	return d.Source + "." + d.Field
}

// registry is the exhaustive reference table, keyed by target collection.
var registry = map[string][]Descriptor{
	"student": {
		{Source: "teacher", Field: "student_ids", Target: "student", Kind: ArrayOfIDs, Treatment: Pull},
		{Source: "orchestra", Field: "member_ids", Target: "student", Kind: ArrayOfIDs, Treatment: Pull},
		{Source: "theory_lesson", Field: "student_ids", Target: "student", Kind: ArrayOfIDs, Treatment: Pull},
		{Source: "rehearsal", Field: "attendance.present", Target: "student", Kind: ArrayOfIDs, Treatment: Pull},
		{Source: "rehearsal", Field: "attendance.absent", Target: "student", Kind: ArrayOfIDs, Treatment: Pull},
		{Source: "attendance", Field: "student_id", Target: "student", Kind: Single, Treatment: Archive,
			DenormField: "student_name", DenormSource: "full_name"},
		{Source: "bagrut", Field: "student_id", Target: "student", Kind: Single, Treatment: Archive, Academic: true},
	},
	"teacher": {
		{Source: "student", Field: "teacher_ids", Target: "teacher", Kind: ArrayOfIDs, Treatment: Pull},
		{Source: "student", Field: "teacher_assignments", IDField: "teacher_id", Target: "teacher", Kind: ArrayOfEmbeddedWithID, Treatment: RemoveEmbedded},
		{Source: "orchestra", Field: "conductor_id", Target: "teacher", Kind: Single, Treatment: Nullify},
		{Source: "theory_lesson", Field: "teacher_id", Target: "teacher", Kind: Single, Treatment: Nullify},
		{Source: "bagrut", Field: "teacher_id", Target: "teacher", Kind: Single, Treatment: Nullify},
	},
	"orchestra": {
		{Source: "student", Field: "enrollments.orchestra_ids", Target: "orchestra", Kind: ArrayOfIDs, Treatment: Pull},
		{Source: "teacher", Field: "orchestra_ids", Target: "orchestra", Kind: ArrayOfIDs, Treatment: Pull},
		{Source: "rehearsal", Field: "group_id", Target: "orchestra", Kind: Single, Treatment: Archive},
	},
}

// For returns the descriptors targeting the given entity type.
// The returned slice is shared; callers must not mutate it.
func For(entityType string) ([]Descriptor, error) {
	ds, ok := registry[entityType]
	if !ok {
		return nil, fmt.Errorf("no reference descriptors for entity type %q", entityType)
	}
	return ds, nil
}

// EntityTypes lists the entity types the registry covers.
func EntityTypes() []string {
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	return types
}

// All returns every descriptor in the registry. Seed for the orphan cleanup
// sweep and the integrity validator.
func All() []Descriptor {
	var all []Descriptor
	for _, ds := range registry {
		all = append(all, ds...)
	}
	return all
}

package models

import (
	"encoding/json"
	"fmt"
	"strings"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// RecordIDString safely extracts the string ID from a SurrealDB RecordID.
// Returns an error if the ID is not a string type.
func RecordIDString(id surrealmodels.RecordID) (string, error) {
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("unexpected ID type: %T (expected string)", id.ID)
	}
	return s, nil
}

// ToDocument flattens a typed entity into the raw document form the store
// operates on. Zero-value ids, lifecycle flags and empty reference lists are
// dropped, so the record target stays authoritative and absent flags keep
// meaning active.
func ToDocument(entity any) (Document, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return doc, nil
}

// BareID strips a "table:" qualifier from a reference value. Reference
// fields may hold either the bare or the qualified form; comparisons
// normalize through this.
func BareID(ref, table string) string {
	return strings.TrimPrefix(ref, table+":")
}

// QualifiedID returns the "table:id" form of a bare id. If ref is already
// qualified it is returned unchanged.
func QualifiedID(ref, table string) string {
	if strings.HasPrefix(ref, table+":") {
		return ref
	}
	return table + ":" + ref
}

// RefID normalizes an arbitrary reference value to a bare id, accepting
// strings in either id form as well as decoded RecordID values.
func RefID(v any, table string) string {
	switch ref := v.(type) {
	case string:
		return BareID(ref, table)
	case surrealmodels.RecordID:
		if s, err := RecordIDString(ref); err == nil {
			return s
		}
		return fmt.Sprintf("%v", ref.ID)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// DocumentID extracts the bare record id from a raw document. The CBOR codec
// decodes ids as RecordID values; documents re-read out of a snapshot may
// carry them as plain strings instead.
func DocumentID(doc Document, table string) string {
	return RefID(doc["id"], table)
}

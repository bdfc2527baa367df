// Package db provides SurrealDB query functions for the integrity subsystem.
//
// Table and field names interpolated into query strings come exclusively from
// the compiled-in reference descriptor registry, never from user input.
package db

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/coda/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// Reference fields may hold a bare id ("s42") or a qualified id
// ("student:s42") depending on which write path produced the document.
// Every reference condition matches both forms.

// arrayRefCond matches documents whose array field contains the target id.
func arrayRefCond(field string) string {
	return fmt.Sprintf("($id IN %s OR $qid IN %s)", field, field)
}

// singleRefCond matches documents whose scalar field points at the target id.
func singleRefCond(field string) string {
	return fmt.Sprintf("%s IN [$id, $qid]", field)
}

// embeddedRefCond matches documents with an embedded array entry whose id
// sub-field points at the target id.
func embeddedRefCond(field, idField string) string {
	return fmt.Sprintf("%s[WHERE %s IN [$id, $qid]]", field, idField)
}

func refVars(table, id string) map[string]any {
	return map[string]any{
		"id":  models.BareID(id, table),
		"qid": models.QualifiedID(id, table),
	}
}

type countRow struct {
	C int `json:"c"`
}

func (c *Client) queryCount(ctx context.Context, sql string, vars map[string]any) (int, error) {
	results, err := surrealdb.Query[[]countRow](ctx, c.db, sql, vars)
	if err != nil {
		return 0, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].C, nil
}

// QueryEntityExists reports whether a record exists in the given table.
func (c *Client) QueryEntityExists(ctx context.Context, table, id string) (bool, error) {
	sql := fmt.Sprintf(`SELECT count() AS c FROM type::record("%s", $id)`, table)
	n, err := c.queryCount(ctx, sql, map[string]any{"id": models.BareID(id, table)})
	if err != nil {
		return false, fmt.Errorf("entity exists: %w", err)
	}
	return n > 0, nil
}

// QueryGetDocument retrieves a full document copy by table and id.
// Returns nil if not found.
func (c *Client) QueryGetDocument(ctx context.Context, table, id string) (models.Document, error) {
	sql := fmt.Sprintf(`SELECT * FROM type::record("%s", $id)`, table)
	results, err := surrealdb.Query[[]models.Document](ctx, c.db, sql, map[string]any{
		"id": models.BareID(id, table),
	})
	if err != nil {
		return nil, fmt.Errorf("get document: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return (*results)[0].Result[0], nil
}

// QueryCountArrayRefs counts documents whose array field references targetID.
func (c *Client) QueryCountArrayRefs(ctx context.Context, table, field, targetTable, targetID string) (int, error) {
	sql := fmt.Sprintf(`SELECT count() AS c FROM %s WHERE %s GROUP ALL`, table, arrayRefCond(field))
	n, err := c.queryCount(ctx, sql, refVars(targetTable, targetID))
	if err != nil {
		return 0, fmt.Errorf("count array refs %s.%s: %w", table, field, err)
	}
	return n, nil
}

// QueryCountSingleRefs counts documents whose scalar field references targetID.
func (c *Client) QueryCountSingleRefs(ctx context.Context, table, field, targetTable, targetID string) (int, error) {
	sql := fmt.Sprintf(`SELECT count() AS c FROM %s WHERE %s GROUP ALL`, table, singleRefCond(field))
	n, err := c.queryCount(ctx, sql, refVars(targetTable, targetID))
	if err != nil {
		return 0, fmt.Errorf("count single refs %s.%s: %w", table, field, err)
	}
	return n, nil
}

// QueryCountEmbeddedRefs counts documents holding an embedded array entry
// whose id sub-field references targetID.
func (c *Client) QueryCountEmbeddedRefs(ctx context.Context, table, field, idField, targetTable, targetID string) (int, error) {
	sql := fmt.Sprintf(`SELECT count() AS c FROM %s WHERE %s GROUP ALL`, table, embeddedRefCond(field, idField))
	n, err := c.queryCount(ctx, sql, refVars(targetTable, targetID))
	if err != nil {
		return 0, fmt.Errorf("count embedded refs %s.%s: %w", table, field, err)
	}
	return n, nil
}

// queryDocsWhere fetches full document copies matching a reference condition.
func (c *Client) queryDocsWhere(ctx context.Context, table, cond string, vars map[string]any) ([]models.Document, error) {
	sql := fmt.Sprintf(`SELECT * FROM %s WHERE %s`, table, cond)
	results, err := surrealdb.Query[[]models.Document](ctx, c.db, sql, vars)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 {
		return []models.Document{}, nil
	}
	return (*results)[0].Result, nil
}

// QueryAllDocs fetches every document in a table. The integrity validator
// cross-checks whole collections against each other, so it reads them in full.
func (c *Client) QueryAllDocs(ctx context.Context, table string) ([]models.Document, error) {
	results, err := surrealdb.Query[[]models.Document](ctx, c.db, fmt.Sprintf(`SELECT * FROM %s`, table), nil)
	if err != nil {
		return nil, fmt.Errorf("all docs %s: %w", table, wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return []models.Document{}, nil
	}
	return (*results)[0].Result, nil
}

// QueryDocsWithArrayRef fetches documents whose array field references targetID.
// Used by snapshot capture, which must copy every document a cascade will touch.
func (c *Client) QueryDocsWithArrayRef(ctx context.Context, table, field, targetTable, targetID string) ([]models.Document, error) {
	docs, err := c.queryDocsWhere(ctx, table, arrayRefCond(field), refVars(targetTable, targetID))
	if err != nil {
		return nil, fmt.Errorf("docs with array ref %s.%s: %w", table, field, err)
	}
	return docs, nil
}

// QueryDocsWithSingleRef fetches documents whose scalar field references targetID.
func (c *Client) QueryDocsWithSingleRef(ctx context.Context, table, field, targetTable, targetID string) ([]models.Document, error) {
	docs, err := c.queryDocsWhere(ctx, table, singleRefCond(field), refVars(targetTable, targetID))
	if err != nil {
		return nil, fmt.Errorf("docs with single ref %s.%s: %w", table, field, err)
	}
	return docs, nil
}

// QueryDocsWithEmbeddedRef fetches documents with an embedded entry referencing targetID.
func (c *Client) QueryDocsWithEmbeddedRef(ctx context.Context, table, field, idField, targetTable, targetID string) ([]models.Document, error) {
	docs, err := c.queryDocsWhere(ctx, table, embeddedRefCond(field, idField), refVars(targetTable, targetID))
	if err != nil {
		return nil, fmt.Errorf("docs with embedded ref %s.%s: %w", table, field, err)
	}
	return docs, nil
}

// RefHolder pairs a referencing document id with the reference values it holds.
type RefHolder struct {
	Holder string   `json:"holder"`
	Refs   []string `json:"refs"`
}

// QueryCollectArrayRefs returns every live document in table with a non-empty
// array reference field, together with the held ids. Seed data for the orphan
// cleanup sweep. Archived holders are excluded here and in the other collect
// queries: archived records legitimately keep references to departed entities.
func (c *Client) QueryCollectArrayRefs(ctx context.Context, table, field string) ([]RefHolder, error) {
	sql := fmt.Sprintf(`
		SELECT record::id(id) AS holder, %s AS refs FROM %s
		WHERE archived != true AND %s != NONE AND array::len(%s) > 0
	`, field, table, field, field)
	return c.queryRefHolders(ctx, sql, fmt.Sprintf("collect array refs %s.%s", table, field))
}

// QueryCollectSingleRefs returns every live document in table with a non-empty
// scalar reference field, the value wrapped as a one-element list.
func (c *Client) QueryCollectSingleRefs(ctx context.Context, table, field string) ([]RefHolder, error) {
	sql := fmt.Sprintf(`
		SELECT record::id(id) AS holder, [%s] AS refs FROM %s
		WHERE archived != true AND %s != NONE
	`, field, table, field)
	return c.queryRefHolders(ctx, sql, fmt.Sprintf("collect single refs %s.%s", table, field))
}

// QueryCollectEmbeddedRefs returns every live document in table with embedded
// entries, projecting the id sub-field of each entry.
func (c *Client) QueryCollectEmbeddedRefs(ctx context.Context, table, field, idField string) ([]RefHolder, error) {
	sql := fmt.Sprintf(`
		SELECT record::id(id) AS holder, %s.%s AS refs FROM %s
		WHERE archived != true AND %s != NONE AND array::len(%s) > 0
	`, field, idField, table, field, field)
	return c.queryRefHolders(ctx, sql, fmt.Sprintf("collect embedded refs %s.%s", table, field))
}

func (c *Client) queryRefHolders(ctx context.Context, sql, op string) ([]RefHolder, error) {
	results, err := surrealdb.Query[[]RefHolder](ctx, c.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return []RefHolder{}, nil
	}
	return (*results)[0].Result, nil
}

// QueryExistingIDs bulk-checks which of the given bare ids exist in table.
// Returns the set of ids that resolve.
func (c *Client) QueryExistingIDs(ctx context.Context, table string, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}

	bare := make([]string, len(ids))
	for i, id := range ids {
		bare[i] = models.BareID(id, table)
	}

	type idRow struct {
		ID string `json:"id"`
	}
	sql := fmt.Sprintf(`SELECT record::id(id) AS id FROM %s WHERE record::id(id) IN $ids`, table)
	results, err := surrealdb.Query[[]idRow](ctx, c.db, sql, map[string]any{"ids": bare})
	if err != nil {
		return nil, fmt.Errorf("existing ids %s: %w", table, wrapQueryError(err))
	}

	existing := make(map[string]bool)
	if results != nil && len(*results) > 0 {
		for _, row := range (*results)[0].Result {
			existing[row.ID] = true
		}
	}
	return existing, nil
}

package db

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/coda/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// Mutation primitives for the cascade engine and the orphan cleanup sweep.
// Both callers go through these so their behavior stays consistent.
// Every mutation returns the number of documents it changed, counted via
// RETURN BEFORE.

func (c *Client) queryMutationCount(ctx context.Context, sql string, vars map[string]any) (int, error) {
	results, err := surrealdb.Query[[]models.Document](ctx, c.db, sql, vars)
	if err != nil {
		return 0, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}

// QueryPullFromArray removes targetID (both id forms) from an array reference
// field in every document of table that holds it.
func (c *Client) QueryPullFromArray(ctx context.Context, table, field, targetTable, targetID string) (int, error) {
	sql := fmt.Sprintf(`
		UPDATE %s SET %s -= $id, %s -= $qid
		WHERE %s RETURN BEFORE
	`, table, field, field, arrayRefCond(field))
	n, err := c.queryMutationCount(ctx, sql, refVars(targetTable, targetID))
	if err != nil {
		return 0, fmt.Errorf("pull from array %s.%s: %w", table, field, err)
	}
	return n, nil
}

// QueryNullifyRef sets a scalar reference field to NONE in every document of
// table pointing at targetID. The referencing document survives.
func (c *Client) QueryNullifyRef(ctx context.Context, table, field, targetTable, targetID string) (int, error) {
	sql := fmt.Sprintf(`
		UPDATE %s SET %s = NONE
		WHERE %s RETURN BEFORE
	`, table, field, singleRefCond(field))
	n, err := c.queryMutationCount(ctx, sql, refVars(targetTable, targetID))
	if err != nil {
		return 0, fmt.Errorf("nullify ref %s.%s: %w", table, field, err)
	}
	return n, nil
}

// QueryRemoveEmbeddedByID filters out embedded array entries whose id
// sub-field points at targetID.
func (c *Client) QueryRemoveEmbeddedByID(ctx context.Context, table, field, idField, targetTable, targetID string) (int, error) {
	sql := fmt.Sprintf(`
		UPDATE %s SET %s = array::filter(%s, |$e| $e.%s NOT IN [$id, $qid])
		WHERE %s RETURN BEFORE
	`, table, field, field, idField, embeddedRefCond(field, idField))
	n, err := c.queryMutationCount(ctx, sql, refVars(targetTable, targetID))
	if err != nil {
		return 0, fmt.Errorf("remove embedded %s.%s: %w", table, field, err)
	}
	return n, nil
}

// QueryArchiveWhereSingleRef archives (never deletes) documents whose scalar
// field references targetID. Used for historical activity records.
func (c *Client) QueryArchiveWhereSingleRef(ctx context.Context, table, field, targetTable, targetID, reason string) (int, error) {
	sql := fmt.Sprintf(`
		UPDATE %s SET
			archived = true,
			archived_at = time::now(),
			archived_reason = $reason,
			status = 'archived'
		WHERE %s AND archived != true RETURN BEFORE
	`, table, singleRefCond(field))
	vars := refVars(targetTable, targetID)
	vars["reason"] = reason
	n, err := c.queryMutationCount(ctx, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("archive where %s.%s: %w", table, field, err)
	}
	return n, nil
}

// QueryHardDeleteWhereSingleRef physically removes documents whose scalar
// field references targetID. Only the academic purge path uses this.
func (c *Client) QueryHardDeleteWhereSingleRef(ctx context.Context, table, field, targetTable, targetID string) (int, error) {
	sql := fmt.Sprintf(`DELETE %s WHERE %s RETURN BEFORE`, table, singleRefCond(field))
	n, err := c.queryMutationCount(ctx, sql, refVars(targetTable, targetID))
	if err != nil {
		return 0, fmt.Errorf("hard delete where %s.%s: %w", table, field, err)
	}
	return n, nil
}

// QuerySoftDeleteEntity marks the target document inactive without removing it.
func (c *Client) QuerySoftDeleteEntity(ctx context.Context, table, id string) (int, error) {
	sql := fmt.Sprintf(`
		UPDATE type::record("%s", $id) SET
			is_active = false,
			status = 'soft_deleted',
			updated_at = time::now()
		RETURN BEFORE
	`, table)
	n, err := c.queryMutationCount(ctx, sql, map[string]any{"id": models.BareID(id, table)})
	if err != nil {
		return 0, fmt.Errorf("soft delete %s: %w", table, err)
	}
	return n, nil
}

// QueryHardDeleteEntity physically removes the target document.
func (c *Client) QueryHardDeleteEntity(ctx context.Context, table, id string) (int, error) {
	sql := fmt.Sprintf(`DELETE type::record("%s", $id) RETURN BEFORE`, table)
	n, err := c.queryMutationCount(ctx, sql, map[string]any{"id": models.BareID(id, table)})
	if err != nil {
		return 0, fmt.Errorf("hard delete %s: %w", table, err)
	}
	return n, nil
}

// QueryUpsertDocument writes a full document copy back into its table under
// the given id, replacing whatever is there. Rollback's restore primitive.
func (c *Client) QueryUpsertDocument(ctx context.Context, table, id string, doc models.Document) error {
	sql := fmt.Sprintf(`UPSERT type::record("%s", $id) CONTENT $doc`, table)
	_, err := surrealdb.Query[any](ctx, c.db, sql, map[string]any{
		"id":  models.BareID(id, table),
		"doc": doc,
	})
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", table, wrapQueryError(err))
	}
	return nil
}

package syncadapter

import (
	"context"
	"fmt"

	"github.com/amaydixit11/syncdb/internal/schema"
	"github.com/amaydixit11/syncdb/internal/syncengine"
)

// SchemaError reports a failed host-insert schema validation.
type SchemaError struct {
	Table  string
	Errors []schema.ValidationError
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("syncadapter: row failed schema validation for table %q (%d errors)", e.Table, len(e.Errors))
}

// validateRow runs the facade's built-in structural checks (non-object
// rejection, which no JSON Schema can express over a nil map), then the
// optional per-table JSON Schema.
func (c *Collection) validateRow(row map[string]any) error {
	if row == nil {
		return fmt.Errorf("syncadapter: mutation row must be a non-nil object")
	}
	result, err := c.schemas.Validate(c.tableRef.Name, row)
	if err != nil {
		return err
	}
	if !result.Valid {
		return &SchemaError{Table: c.tableRef.Name, Errors: result.Errors}
	}
	return nil
}

// normalize deep-normalizes row's record-id-shaped fields through the
// collection's owned identity cache, leaving row itself
// untouched if normalization somehow doesn't yield a map (defensive only;
// NormalizeDeep is total over map[string]any inputs).
func (c *Collection) normalize(row map[string]any) map[string]any {
	normalized := c.identityCache.NormalizeDeep(row)
	if m, ok := normalized.(map[string]any); ok {
		return m
	}
	return row
}

// Insert validates and submits a new row through the collection's onInsert
// callback, returning the row's final id: the id the caller supplied, or
// a generated sentinel temporary id when none was given.
func (c *Collection) Insert(ctx context.Context, row map[string]any) (string, error) {
	if err := c.validateRow(row); err != nil {
		return "", err
	}
	id, _ := row["id"].(string)
	normalized := c.normalize(row)
	return c.engine.HandleInsert(ctx, syncengine.Mutation{ID: id, Row: normalized})
}

// Update validates and submits a partial row through the collection's
// onUpdate callback.
func (c *Collection) Update(ctx context.Context, id string, partial map[string]any) error {
	if id == "" {
		return fmt.Errorf("syncadapter: update requires a non-empty id")
	}
	if err := c.validateRow(partial); err != nil {
		return err
	}
	normalized := c.normalize(partial)
	return c.engine.HandleUpdate(ctx, syncengine.Mutation{ID: id, Row: normalized})
}

// Delete submits id through the collection's onDelete callback.
func (c *Collection) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("syncadapter: delete requires a non-empty id")
	}
	return c.engine.HandleDelete(ctx, syncengine.Mutation{ID: id})
}

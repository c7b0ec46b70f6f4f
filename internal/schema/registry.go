// Package schema validates insert rows against an optional per-table JSON
// Schema before the Adapter Facade performs the optimistic write-upsert,
// so malformed inserts are rejected before any remote round-trip.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a compiled JSON Schema bound to one table.
type Schema struct {
	Table      string
	Definition json.RawMessage
	compiled   *gojsonschema.Schema
}

// ValidationError reports one schema violation.
type ValidationError struct {
	Field       string
	Description string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Description)
}

// Result is the outcome of validating a row.
type Result struct {
	Valid  bool
	Errors []ValidationError
}

// Registry holds one optional schema per table.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register compiles definition and associates it with table.
func (r *Registry) Register(table string, definition []byte) error {
	loader := gojsonschema.NewBytesLoader(definition)
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("schema: invalid schema for table %q: %w", table, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[table] = &Schema{Table: table, Definition: definition, compiled: compiled}
	return nil
}

// Unregister removes any schema bound to table.
func (r *Registry) Unregister(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schemas, table)
}

// Validate validates row against table's registered schema. Tables with no
// registered schema always pass; schema validation is opt-in.
func (r *Registry) Validate(table string, row map[string]any) (Result, error) {
	r.mu.RLock()
	s, ok := r.schemas[table]
	r.mu.RUnlock()
	if !ok {
		return Result{Valid: true}, nil
	}

	content, err := json.Marshal(row)
	if err != nil {
		return Result{}, fmt.Errorf("schema: failed to marshal row for validation: %w", err)
	}

	documentLoader := gojsonschema.NewBytesLoader(content)
	validation, err := s.compiled.Validate(documentLoader)
	if err != nil {
		return Result{}, fmt.Errorf("schema: validation failed to run: %w", err)
	}
	if validation.Valid() {
		return Result{Valid: true}, nil
	}

	errs := make([]ValidationError, len(validation.Errors()))
	for i, e := range validation.Errors() {
		errs[i] = ValidationError{Field: e.Field(), Description: e.Description()}
	}
	return Result{Valid: false, Errors: errs}, nil
}

// Package remotedb defines the remote database contract the sync engine
// and table access layer depend on.
// The engine is never given a concrete database; it only ever holds this
// interface, so any compliant client (including the sqlitedb reference
// implementation in this module) can back it.
package remotedb

import "context"

// LiveEventType classifies a pushed change.
type LiveEventType string

const (
	EventInsert  LiveEventType = "insert"
	EventUpdate  LiveEventType = "update"
	EventDelete  LiveEventType = "delete"
	EventKilled  LiveEventType = "killed" // never forwarded to subscribers
)

// LiveEvent is one change pushed by a LIVE subscription.
type LiveEvent struct {
	Type LiveEventType
	Row  map[string]any
}

// LiveHandle is a cancellable subscription handle. Kill is idempotent.
type LiveHandle interface {
	Kill() error
}

// Feature identifies an optional remote capability.
type Feature string

const (
	FeatureLiveQueries Feature = "live_queries"
)

// DB is the capability surface the core consumes from a remote database
// client.
type DB interface {
	// Select returns every row of table (component may apply filters at a
	// higher layer).
	Select(ctx context.Context, table string) ([]map[string]any, error)

	// Query runs a parameterized query, returning rows or nil when the
	// remote has nothing to return (e.g. a write-only statement).
	Query(ctx context.Context, sql string, bindings []any) ([]map[string]any, error)

	// Create performs a CREATE with a generated id when content has none,
	// returning the persisted row.
	Create(ctx context.Context, table string, content map[string]any) (map[string]any, error)

	// Insert performs a typed INSERT with an explicit id already present in
	// content.
	Insert(ctx context.Context, table string, content map[string]any) (map[string]any, error)

	// Update MERGEs partial into the row named by id.
	Update(ctx context.Context, id string, partial map[string]any) (map[string]any, error)

	// Upsert MERGEs partial into id, creating the row if absent.
	Upsert(ctx context.Context, id string, partial map[string]any) (map[string]any, error)

	// Delete removes the row named by id.
	Delete(ctx context.Context, id string) error

	// Live opens a push subscription on table. Events are delivered to cb
	// until the returned handle is killed or the subscription errors.
	Live(ctx context.Context, table string, cb func(LiveEvent)) (LiveHandle, error)

	// IsFeatureSupported reports whether the backing remote offers feature.
	IsFeatureSupported(feature Feature) bool
}

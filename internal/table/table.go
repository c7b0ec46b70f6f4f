// Package table is the thin, query-shaped surface over a remote database
// that the sync engine drives: list/subset/create/update/soft-delete plus
// a LIVE subscription adapter.
package table

import (
	"context"
	"fmt"
	"time"

	"github.com/amaydixit11/syncdb/internal/queryexpr"
	"github.com/amaydixit11/syncdb/internal/remotedb"
)

// SyncFieldMode controls whether sync_deleted/updated_at bookkeeping is
// applied automatically.
type SyncFieldMode bool

const (
	SyncFieldsOff SyncFieldMode = false
	SyncFieldsOn  SyncFieldMode = true
)

// Table wraps a remotedb.DB for one table (or edge table).
type Table struct {
	Ref      queryexpr.TableRef
	db       remotedb.DB
	syncMode SyncFieldMode
	now      func() time.Time
}

// New constructs a Table over db for ref.
func New(db remotedb.DB, ref queryexpr.TableRef, syncMode SyncFieldMode) *Table {
	return &Table{Ref: ref, db: db, syncMode: syncMode, now: time.Now}
}

// ListAll selects every row; when sync-field filtering is active, rows with
// sync_deleted = true are excluded automatically.
func (t *Table) ListAll(ctx context.Context) ([]map[string]any, error) {
	rows, err := t.db.Select(ctx, t.Ref.Name)
	if err != nil {
		return nil, fmt.Errorf("table: listAll failed: %w", err)
	}
	if t.syncMode == SyncFieldsOff {
		return rows, nil
	}
	out := rows[:0]
	for _, r := range rows {
		if deleted, _ := r["sync_deleted"].(bool); !deleted {
			out = append(out, r)
		}
	}
	return out, nil
}

// LoadSubset translates subset into a parameterized query and runs it. The
// subset's where-expression is used as-is; unlike ListAll, sync_deleted
// filtering is not appended automatically here since the descriptor is
// host-authored and may already account for it.
func (t *Table) LoadSubset(ctx context.Context, subset queryexpr.Subset) ([]map[string]any, error) {
	whereSQL, args, err := queryexpr.Translate(t.Ref, subset.Where)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf("SELECT * FROM %s", t.Ref.Name)
	if whereSQL != "" {
		sql += " WHERE " + whereSQL
	}
	if order := queryexpr.TranslateOrder(t.Ref, subset.Order); order != "" {
		sql += " " + order
	}
	if subset.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", subset.Limit)
	}
	if subset.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", subset.Offset)
	}

	rows, err := t.db.Query(ctx, sql, args)
	if err != nil {
		return nil, fmt.Errorf("table: loadSubset failed: %w", err)
	}
	return rows, nil
}

// Create inserts row. When row carries an id, a typed INSERT is performed;
// otherwise a CREATE with a generated id.
func (t *Table) Create(ctx context.Context, row map[string]any) (map[string]any, error) {
	if _, hasID := row["id"]; hasID {
		persisted, err := t.db.Insert(ctx, t.Ref.Name, row)
		if err != nil {
			return nil, fmt.Errorf("table: create (insert) failed: %w", err)
		}
		return persisted, nil
	}
	persisted, err := t.db.Create(ctx, t.Ref.Name, row)
	if err != nil {
		return nil, fmt.Errorf("table: create failed: %w", err)
	}
	return persisted, nil
}

// Update MERGEs partial into id. In sync-field mode it also clears
// sync_deleted and bumps updated_at.
func (t *Table) Update(ctx context.Context, id string, partial map[string]any) (map[string]any, error) {
	merged := partial
	if t.syncMode == SyncFieldsOn {
		merged = cloneWith(partial, map[string]any{
			"sync_deleted": false,
			"updated_at":   t.now(),
		})
	}
	row, err := t.db.Update(ctx, id, merged)
	if err != nil {
		return nil, fmt.Errorf("table: update failed: %w", err)
	}
	return row, nil
}

// Upsert MERGEs partial into id, creating the row if absent. In sync-field
// mode it also clears sync_deleted and bumps updated_at, matching Update.
func (t *Table) Upsert(ctx context.Context, id string, partial map[string]any) (map[string]any, error) {
	merged := partial
	if t.syncMode == SyncFieldsOn {
		merged = cloneWith(partial, map[string]any{
			"sync_deleted": false,
			"updated_at":   t.now(),
		})
	}
	row, err := t.db.Upsert(ctx, id, merged)
	if err != nil {
		return nil, fmt.Errorf("table: upsert failed: %w", err)
	}
	return row, nil
}

// Get fetches the current persisted row for id via a no-op Upsert merge,
// the contract's only general id-addressed read, used by the encrypted
// read-modify-write update path.
func (t *Table) Get(ctx context.Context, id string) (map[string]any, error) {
	row, err := t.db.Upsert(ctx, id, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("table: get failed: %w", err)
	}
	return row, nil
}

// SoftDelete marks id deleted when sync-field semantics are active;
// otherwise performs a hard delete.
func (t *Table) SoftDelete(ctx context.Context, id string) error {
	if t.syncMode == SyncFieldsOn {
		_, err := t.db.Update(ctx, id, map[string]any{
			"sync_deleted": true,
			"updated_at":   t.now(),
		})
		if err != nil {
			return fmt.Errorf("table: softDelete failed: %w", err)
		}
		return nil
	}
	if err := t.db.Delete(ctx, id); err != nil {
		return fmt.Errorf("table: delete failed: %w", err)
	}
	return nil
}

// Subscription is a cancellation handle over a LIVE subscription.
type Subscription struct {
	handle remotedb.LiveHandle
}

// Cancel kills the subscription; idempotent.
func (s *Subscription) Cancel() error {
	if s.handle == nil {
		return nil
	}
	return s.handle.Kill()
}

// LiveSupported reports whether the backing remote offers LIVE
// subscriptions at all.
func (t *Table) LiveSupported() bool {
	return t.db.IsFeatureSupported(remotedb.FeatureLiveQueries)
}

// Subscribe opens a LIVE subscription, delivering typed insert/update/
// delete events and dropping KILLED.
func (t *Table) Subscribe(ctx context.Context, cb func(remotedb.LiveEvent)) (*Subscription, error) {
	handle, err := t.db.Live(ctx, t.Ref.Name, func(e remotedb.LiveEvent) {
		if e.Type == remotedb.EventKilled {
			return
		}
		cb(e)
	})
	if err != nil {
		return nil, fmt.Errorf("table: subscribe failed: %w", err)
	}
	return &Subscription{handle: handle}, nil
}

func cloneWith(base map[string]any, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

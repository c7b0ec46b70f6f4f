package syncadapter

import (
	"context"
	"fmt"

	"github.com/amaydixit11/syncdb/internal/crdt"
	"github.com/amaydixit11/syncdb/internal/envelope"
	"github.com/amaydixit11/syncdb/internal/table"
)

// LogTableStore implements crdt.LogStore and syncengine.DocIndex over a
// plain internal/table.Table: one table row per update/snapshot log
// entry. Reads fetch the
// whole table and filter in Go rather than pushing a WHERE clause, since
// the reference remotedb.DB only guarantees bare "SELECT * FROM <table>".
// A production remote with real filtered queries can use
// internal/table.LoadSubset directly if it implements a richer LogStore.
type LogTableStore struct {
	tbl *table.Table
}

// NewLogTableStore wraps tbl (the updates table) as a LogStore.
func NewLogTableStore(tbl *table.Table) *LogTableStore {
	return &LogTableStore{tbl: tbl}
}

const (
	fieldDoc      = "doc"
	fieldTS       = "ts"
	fieldActor    = "actor"
	fieldSnapshot = "snapshot"
)

func (s *LogTableStore) append(ctx context.Context, row crdt.LogRow, snapshot bool) error {
	rec := make(map[string]any, len(row.Payload)+4)
	for k, v := range row.Payload {
		rec[k] = v
	}
	rec[fieldDoc] = row.Doc
	rec[fieldTS] = row.TS
	rec[fieldActor] = row.Actor
	rec[fieldSnapshot] = snapshot

	if _, err := s.tbl.Create(ctx, rec); err != nil {
		return fmt.Errorf("syncadapter: failed to append log row for %q: %w", row.Doc, err)
	}
	return nil
}

// AppendUpdate implements crdt.LogStore.
func (s *LogTableStore) AppendUpdate(ctx context.Context, row crdt.LogRow) error {
	return s.append(ctx, row, false)
}

// AppendSnapshot implements crdt.LogStore.
func (s *LogTableStore) AppendSnapshot(ctx context.Context, row crdt.LogRow) error {
	return s.append(ctx, row, true)
}

func (s *LogTableStore) rows(ctx context.Context) ([]map[string]any, error) {
	rows, err := s.tbl.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncadapter: failed to list log rows: %w", err)
	}
	return rows, nil
}

// LatestSnapshot implements crdt.LogStore.
func (s *LogTableStore) LatestSnapshot(ctx context.Context, docID string) (*crdt.LogRow, error) {
	rows, err := s.rows(ctx)
	if err != nil {
		return nil, err
	}
	var latest *crdt.LogRow
	for _, r := range rows {
		row := logRowFromStoredRow(r)
		if row.Kind != envelope.KindSnapshot || row.Doc != docID {
			continue
		}
		if latest == nil || row.TS > latest.TS {
			rowCopy := row
			latest = &rowCopy
		}
	}
	return latest, nil
}

// UpdatesSince implements crdt.LogStore.
func (s *LogTableStore) UpdatesSince(ctx context.Context, docID string, afterTS int64) ([]crdt.LogRow, error) {
	rows, err := s.rows(ctx)
	if err != nil {
		return nil, err
	}
	var out []crdt.LogRow
	for _, r := range rows {
		row := logRowFromStoredRow(r)
		if row.Kind != envelope.KindUpdate || row.Doc != docID || row.TS <= afterTS {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// KnownDocIDs implements syncengine.DocIndex: every distinct doc id the
// update/snapshot log has ever seen, used by eager-mode CRDT hydration.
func (s *LogTableStore) KnownDocIDs(ctx context.Context) ([]string, error) {
	rows, err := s.rows(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, r := range rows {
		doc, _ := r[fieldDoc].(string)
		if doc == "" {
			continue
		}
		if _, ok := seen[doc]; ok {
			continue
		}
		seen[doc] = struct{}{}
		ids = append(ids, doc)
	}
	return ids, nil
}

func logRowFromStoredRow(r map[string]any) crdt.LogRow {
	doc, _ := r[fieldDoc].(string)
	actor, _ := r[fieldActor].(string)
	snapshot, _ := r[fieldSnapshot].(bool)
	kind := envelope.KindUpdate
	if snapshot {
		kind = envelope.KindSnapshot
	}
	return crdt.LogRow{
		Doc:     doc,
		TS:      toInt64(r[fieldTS]),
		Actor:   actor,
		Kind:    kind,
		Payload: r,
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// MaterializedTableStore implements crdt.MaterializeStore over a plain
// table, upserting a queryable mirror of a CRDT document's materialized
// view.
type MaterializedTableStore struct {
	tbl *table.Table
}

// NewMaterializedTableStore wraps tbl as a MaterializeStore.
func NewMaterializedTableStore(tbl *table.Table) *MaterializedTableStore {
	return &MaterializedTableStore{tbl: tbl}
}

// UpsertMaterialized implements crdt.MaterializeStore.
func (s *MaterializedTableStore) UpsertMaterialized(ctx context.Context, row map[string]any) error {
	id, _ := row["id"].(string)
	if id == "" {
		return fmt.Errorf("syncadapter: materialized row missing id")
	}
	partial := make(map[string]any, len(row))
	for k, v := range row {
		if k == "id" {
			continue
		}
		partial[k] = v
	}
	if _, err := s.tbl.Upsert(ctx, id, partial); err != nil {
		return fmt.Errorf("syncadapter: failed to upsert materialized view for %q: %w", id, err)
	}
	return nil
}

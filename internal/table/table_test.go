package table

import (
	"context"
	"testing"
	"time"

	"github.com/amaydixit11/syncdb/internal/queryexpr"
	"github.com/amaydixit11/syncdb/internal/remotedb/sqlitedb"
)

func newTestTable(t *testing.T, syncMode SyncFieldMode) (*Table, *sqlitedb.DB) {
	t.Helper()
	db, err := sqlitedb.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.SetPollInterval(10 * time.Millisecond)
	t.Cleanup(func() { db.Close() })
	return New(db, queryexpr.TableRef{Name: "tasks"}, syncMode), db
}

func TestCreateGeneratesIDWhenAbsent(t *testing.T) {
	tbl, _ := newTestTable(t, SyncFieldsOff)
	row, err := tbl.Create(context.Background(), map[string]any{"title": "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if row["id"] == nil || row["id"] == "" {
		t.Fatalf("expected generated id, got %#v", row["id"])
	}
}

func TestListAllFiltersSyncDeleted(t *testing.T) {
	tbl, _ := newTestTable(t, SyncFieldsOn)
	ctx := context.Background()

	row, err := tbl.Create(ctx, map[string]any{"title": "keep", "sync_deleted": false})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := tbl.Create(ctx, map[string]any{"title": "gone", "sync_deleted": true}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rows, err := tbl.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != row["id"] {
		t.Fatalf("expected only the non-deleted row, got %#v", rows)
	}
}

func TestUpdateSetsSyncFields(t *testing.T) {
	tbl, _ := newTestTable(t, SyncFieldsOn)
	ctx := context.Background()

	row, err := tbl.Create(ctx, map[string]any{"title": "x", "sync_deleted": true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := row["id"].(string)

	updated, err := tbl.Update(ctx, id, map[string]any{"title": "y"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated["sync_deleted"] != false {
		t.Fatalf("expected sync_deleted cleared, got %#v", updated["sync_deleted"])
	}
	if _, ok := updated["updated_at"]; !ok {
		t.Fatal("expected updated_at to be set")
	}
}

func TestSoftDeleteMarksTombstone(t *testing.T) {
	tbl, db := newTestTable(t, SyncFieldsOn)
	ctx := context.Background()

	row, err := tbl.Create(ctx, map[string]any{"title": "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := row["id"].(string)

	if err := tbl.SoftDelete(ctx, id); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	rows, err := db.Select(ctx, "tasks")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(rows) != 1 || rows[0]["sync_deleted"] != true {
		t.Fatalf("expected tombstoned row to remain with sync_deleted=true, got %#v", rows)
	}
}

func TestGetFetchesCurrentRow(t *testing.T) {
	tbl, _ := newTestTable(t, SyncFieldsOff)
	ctx := context.Background()

	row, err := tbl.Create(ctx, map[string]any{"title": "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := row["id"].(string)

	got, err := tbl.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["title"] != "x" {
		t.Fatalf("expected title to round-trip, got %#v", got)
	}
}

func TestUpsertCreatesRowWhenAbsent(t *testing.T) {
	tbl, _ := newTestTable(t, SyncFieldsOff)
	ctx := context.Background()

	row, err := tbl.Upsert(ctx, "tasks:fixed-id", map[string]any{"title": "created-by-upsert"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if row["title"] != "created-by-upsert" {
		t.Fatalf("unexpected row: %#v", row)
	}
}

func TestSoftDeleteHardDeletesWithoutSyncFields(t *testing.T) {
	tbl, db := newTestTable(t, SyncFieldsOff)
	ctx := context.Background()

	row, err := tbl.Create(ctx, map[string]any{"title": "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := row["id"].(string)

	if err := tbl.SoftDelete(ctx, id); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	rows, err := db.Select(ctx, "tasks")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected hard delete, got %#v", rows)
	}
}

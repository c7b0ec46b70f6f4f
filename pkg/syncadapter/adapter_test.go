package syncadapter

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/amaydixit11/syncdb/internal/crdt"
	"github.com/amaydixit11/syncdb/internal/envelope"
	"github.com/amaydixit11/syncdb/internal/queryexpr"
	"github.com/amaydixit11/syncdb/internal/remotedb/sqlitedb"
	"github.com/amaydixit11/syncdb/internal/table"
)

type recorder struct {
	mu      sync.Mutex
	ready   bool
	current []RowChange
	batches [][]RowChange
}

func (r *recorder) ctx() SyncContext {
	return SyncContext{
		Begin: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.current = nil
		},
		Write: func(c RowChange) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.current = append(r.current, c)
		},
		Commit: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.batches = append(r.batches, r.current)
			r.current = nil
		},
		MarkReady: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ready = true
		},
	}
}

func (r *recorder) isReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *recorder) allChanges() []RowChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RowChange
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func openTestDB(t *testing.T) *sqlitedb.DB {
	t.Helper()
	db, err := sqlitedb.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.SetPollInterval(10 * time.Millisecond)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertRejectsSchemaViolation(t *testing.T) {
	db := openTestDB(t)
	cfg := DefaultConfig(db, queryexpr.TableRef{Name: "tasks"})
	cfg.Schema = []byte(`{"type":"object","required":["title"],"properties":{"title":{"type":"string","minLength":1}}}`)

	col, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	rec := &recorder{}
	handle, err := col.Sync(ctx, rec.ctx())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	defer handle.Cleanup()
	waitFor(t, time.Second, rec.isReady)

	if _, err := col.Insert(ctx, map[string]any{"owner": "alice"}); err == nil {
		t.Fatal("expected schema validation error for missing title")
	}

	id, err := col.Insert(ctx, map[string]any{"title": "write tests"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated id")
	}
}

func TestInsertUpdateDeleteEndToEnd(t *testing.T) {
	db := openTestDB(t)
	col, err := New(DefaultConfig(db, queryexpr.TableRef{Name: "tasks"}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	rec := &recorder{}
	handle, err := col.Sync(ctx, rec.ctx())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	defer handle.Cleanup()
	waitFor(t, time.Second, rec.isReady)

	id, err := col.Insert(ctx, map[string]any{"title": "x"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		for _, c := range rec.allChanges() {
			if c.ID == id && c.Type == ChangeInsert {
				return true
			}
		}
		return false
	})

	if err := col.Update(ctx, id, map[string]any{"title": "y"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := col.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	snap := col.Metrics()
	if snap.MutationFailures != 0 {
		t.Fatalf("expected no mutation failures, got %+v", snap)
	}
}

func TestOnDemandSubsetLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tbl := table.New(db, queryexpr.TableRef{Name: "tasks"}, table.SyncFieldsOff)
	row, err := tbl.Create(ctx, map[string]any{"title": "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cfg := DefaultConfig(db, queryexpr.TableRef{Name: "tasks"})
	cfg.Mode = ModeOnDemand
	cfg.SyncFields = table.SyncFieldsOff
	col, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	handle, err := col.Sync(ctx, rec.ctx())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	defer handle.Cleanup()
	waitFor(t, time.Second, rec.isReady)

	if len(rec.allChanges()) != 0 {
		t.Fatalf("expected no rows before a subset is loaded, got %#v", rec.allChanges())
	}

	if err := handle.LoadSubset(ctx, queryexpr.Subset{}); err != nil {
		t.Fatalf("LoadSubset: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(rec.allChanges()) == 1 })
	if rec.allChanges()[0].ID != row["id"] {
		t.Fatalf("unexpected change: %#v", rec.allChanges())
	}

	if err := handle.UnloadSubset(ctx, queryexpr.Subset{}); err != nil {
		t.Fatalf("UnloadSubset: %v", err)
	}
}

// staticProvider is a fixed-key envelope.Provider for tests.
func staticProvider(t *testing.T) envelope.Provider {
	t.Helper()
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return envelope.NewAESGCMProvider("test-key", key)
}

func TestE2EEUpdateRoundTrips(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tbl := table.New(db, queryexpr.TableRef{Name: "secrets"}, table.SyncFieldsOff)

	provider := staticProvider(t)
	plaintext, err := envelope.EncodeBaseRow(provider, "secrets", "s1", map[string]any{"note": "hidden"})
	if err != nil {
		t.Fatalf("EncodeBaseRow: %v", err)
	}
	plaintext["id"] = "secrets:s1"
	if _, err := tbl.Create(ctx, plaintext); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cfg := DefaultConfig(db, queryexpr.TableRef{Name: "secrets"})
	cfg.SyncFields = table.SyncFieldsOff
	cfg.E2EE = &E2EEConfig{Provider: provider}
	col, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	handle, err := col.Sync(ctx, rec.ctx())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	defer handle.Cleanup()
	waitFor(t, time.Second, rec.isReady)

	if err := col.Update(ctx, "secrets:s1", map[string]any{"tag": "urgent"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	row, err := tbl.Get(ctx, "secrets:s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	decoded, err := envelope.DecodeBaseRow(provider, "secrets", "s1", row)
	if err != nil {
		t.Fatalf("DecodeBaseRow: %v", err)
	}
	if decoded["note"] != "hidden" || decoded["tag"] != "urgent" {
		t.Fatalf("expected merged plaintext, got %#v", decoded)
	}
}

func TestE2EEInsertEncryptsAtRestAndEmitsPlaintext(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tbl := table.New(db, queryexpr.TableRef{Name: "secrets"}, table.SyncFieldsOff)

	provider := staticProvider(t)
	cfg := DefaultConfig(db, queryexpr.TableRef{Name: "secrets"})
	cfg.SyncFields = table.SyncFieldsOff
	cfg.E2EE = &E2EEConfig{Provider: provider}
	col, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	handle, err := col.Sync(ctx, rec.ctx())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	defer handle.Cleanup()
	waitFor(t, time.Second, rec.isReady)

	id, err := col.Insert(ctx, map[string]any{"id": "secrets:s2", "note": "top secret"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		for _, c := range rec.allChanges() {
			if c.ID == id && c.Type == ChangeInsert {
				return c.Row["note"] == "top secret"
			}
		}
		return false
	})

	stored, err := tbl.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !envelope.HasEnvelopeFields(stored) {
		t.Fatalf("expected row persisted with envelope fields, got %#v", stored)
	}
	if _, leaked := stored["note"]; leaked {
		t.Fatalf("plaintext field leaked into the persisted row: %#v", stored)
	}

	decoded, err := envelope.DecodeBaseRow(provider, "secrets", "s2", stored)
	if err != nil {
		t.Fatalf("DecodeBaseRow: %v", err)
	}
	if decoded["note"] != "top secret" {
		t.Fatalf("expected decrypted note, got %#v", decoded)
	}
}

func TestE2EEEagerHydrationEmitsPlaintext(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tbl := table.New(db, queryexpr.TableRef{Name: "secret_note"}, table.SyncFieldsOff)

	provider := staticProvider(t)
	fields, err := envelope.EncodeBaseRow(provider, "secret_note", "1", map[string]any{"title": "Top Secret"})
	if err != nil {
		t.Fatalf("EncodeBaseRow: %v", err)
	}
	fields["id"] = "secret_note:1"
	if _, err := tbl.Create(ctx, fields); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cfg := DefaultConfig(db, queryexpr.TableRef{Name: "secret_note"})
	cfg.SyncFields = table.SyncFieldsOff
	cfg.E2EE = &E2EEConfig{Provider: provider}
	col, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	handle, err := col.Sync(ctx, rec.ctx())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	defer handle.Cleanup()
	waitFor(t, time.Second, rec.isReady)

	found := false
	for _, c := range rec.allChanges() {
		if c.ID == "secret_note:1" && c.Type == ChangeInsert {
			if c.Row["title"] != "Top Secret" {
				t.Fatalf("expected decrypted title in emitted row, got %#v", c.Row)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("expected an insert emission for the encrypted seed row")
	}

	if err := col.Update(ctx, "secret_note:1", map[string]any{"title": "Updated Secret"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		for _, c := range rec.allChanges() {
			if c.ID == "secret_note:1" && c.Type == ChangeUpdate && c.Row["title"] == "Updated Secret" {
				return true
			}
		}
		return false
	})
}

// Direct coverage of the two row-comparison rules (structural vs.
// sync-field) lives in internal/syncengine's
// TestSyncFieldDiffModeComparesOnlySyncFields, which can call
// hydrateEagerAndEmit directly to control exactly when a batch is diffed.

func TestGetKeyCanonicalizesVariants(t *testing.T) {
	db := openTestDB(t)
	cfg := DefaultConfig(db, queryexpr.TableRef{Name: "tasks"})
	cfg.QueryKey = []any{"tasks", "all"}
	col, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, id := range []any{"tasks:1", "'tasks:1'", "tasks:⟨1⟩", map[string]any{"table": "tasks", "id": "1"}} {
		if got := col.GetKey(map[string]any{"id": id}); got != "tasks:1" {
			t.Fatalf("GetKey(%#v) = %q, want %q", id, got, "tasks:1")
		}
	}

	if len(col.QueryKey()) != 2 || col.QueryKey()[0] != "tasks" {
		t.Fatalf("expected query key passed through, got %#v", col.QueryKey())
	}
}

func TestCRDTCollectionMergesFields(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	cfg := DefaultConfig(db, queryexpr.TableRef{Name: "notes"})
	cfg.SyncFields = table.SyncFieldsOff
	cfg.CRDT = &CRDTConfig{
		Profile:      crdt.JSONProfile,
		UpdatesTable: queryexpr.TableRef{Name: "notes_updates"},
		Resolver:     crdt.ConstantActor("actor-1"),
	}
	col, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	handle, err := col.Sync(ctx, rec.ctx())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	defer handle.Cleanup()
	waitFor(t, time.Second, rec.isReady)

	id, err := col.Insert(ctx, map[string]any{"id": "notes:1", "title": "hello"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id != "notes:1" {
		t.Fatalf("expected explicit id honored, got %q", id)
	}

	if err := col.Update(ctx, "notes:1", map[string]any{"body": "world"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		for _, c := range rec.allChanges() {
			if c.ID == "notes:1" && c.Row["title"] == "hello" && c.Row["body"] == "world" {
				return true
			}
		}
		return false
	})
}

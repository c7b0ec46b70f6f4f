package crdt

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/amaydixit11/syncdb/internal/envelope"
)

func encodeB64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// memLogStore is an in-memory LogStore for tests.
type memLogStore struct {
	updates   map[string][]LogRow
	snapshots map[string][]LogRow
}

func newMemLogStore() *memLogStore {
	return &memLogStore{updates: make(map[string][]LogRow), snapshots: make(map[string][]LogRow)}
}

func (s *memLogStore) AppendUpdate(_ context.Context, row LogRow) error {
	s.updates[row.Doc] = append(s.updates[row.Doc], row)
	return nil
}

func (s *memLogStore) AppendSnapshot(_ context.Context, row LogRow) error {
	s.snapshots[row.Doc] = append(s.snapshots[row.Doc], row)
	return nil
}

func (s *memLogStore) LatestSnapshot(_ context.Context, docID string) (*LogRow, error) {
	rows := s.snapshots[docID]
	if len(rows) == 0 {
		return nil, nil
	}
	latest := rows[0]
	for _, r := range rows[1:] {
		if r.TS > latest.TS {
			latest = r
		}
	}
	return &latest, nil
}

func (s *memLogStore) UpdatesSince(_ context.Context, docID string, afterTS int64) ([]LogRow, error) {
	var out []LogRow
	for _, r := range s.updates[docID] {
		if r.TS > afterTS {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestSetFieldLastWriterWins(t *testing.T) {
	doc := NewDocument(JSONProfile)
	doc.SetField("a1", "title", "first")
	doc.SetField("a1", "title", "second")
	if got := doc.ToJSON()["title"]; got != "second" {
		t.Fatalf("expected last local write to win, got %v", got)
	}
}

func TestMergeFieldHigherCounterWins(t *testing.T) {
	doc := NewDocument(JSONProfile)
	doc.mergeField("title", Field{Value: "remote-1", Counter: 1, Actor: "a2"})
	doc.mergeField("title", Field{Value: "remote-2", Counter: 2, Actor: "a2"})
	doc.mergeField("title", Field{Value: "stale", Counter: 1, Actor: "a3"})
	if got := doc.ToJSON()["title"]; got != "remote-2" {
		t.Fatalf("expected higher counter to win, got %v", got)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	doc := NewDocument(JSONProfile)
	doc.SetField("a1", "title", "hello")
	doc.SetField("a1", "count", 3)

	data, err := doc.ExportSince(VersionVector{})
	if err != nil {
		t.Fatalf("ExportSince: %v", err)
	}

	other := NewDocument(JSONProfile)
	if err := other.Import(data); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if other.ToJSON()["title"] != "hello" || other.ToJSON()["count"] != float64(3) {
		t.Fatalf("unexpected state after import: %#v", other.ToJSON())
	}
}

func TestExportSinceVersionOnlyIncludesNewerWrites(t *testing.T) {
	doc := NewDocument(JSONProfile)
	doc.SetField("a1", "title", "v1")
	since := doc.OplogVersion()
	doc.SetField("a1", "body", "v1")

	data, err := doc.ExportSince(since)
	if err != nil {
		t.Fatalf("ExportSince: %v", err)
	}

	other := NewDocument(JSONProfile)
	if err := other.Import(data); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if _, ok := other.ToJSON()["title"]; ok {
		t.Fatal("expected title (already covered by since) to be excluded from incremental export")
	}
	if other.ToJSON()["body"] != "v1" {
		t.Fatalf("expected body in incremental export, got %#v", other.ToJSON())
	}
}

func TestMaterializedViewJSONProfile(t *testing.T) {
	doc := NewDocument(JSONProfile)
	doc.SetField("a1", "title", "hello")
	view := doc.MaterializedView("notes:1")
	if view["id"] != "notes:1" || view["title"] != "hello" {
		t.Fatalf("unexpected view: %#v", view)
	}
}

func TestMaterializedViewRichTextProfile(t *testing.T) {
	doc := NewDocument(RichTextProfile)
	doc.UpdateText("a1", "hello world")
	doc.SetField("a1", "author", "alice")
	view := doc.MaterializedView("notes:1")
	if view["content"] != "hello world" || view["author"] != "alice" || view["id"] != "notes:1" {
		t.Fatalf("unexpected richtext view: %#v", view)
	}
}

func TestEngineHydrateFromSnapshotAndUpdates(t *testing.T) {
	store := newMemLogStore()
	engine := NewEngine(Config{Profile: JSONProfile, LogStore: store, Resolver: ConstantActor("local")})

	doc := engine.GetDoc("notes:1")
	doc.SetField("a1", "title", "from-snapshot")
	snapBytes, err := doc.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := store.AppendSnapshot(context.Background(), LogRow{Doc: "notes:1", TS: 100, Payload: map[string]any{"snapshot_bytes": encodeB64(snapBytes)}}); err != nil {
		t.Fatalf("AppendSnapshot: %v", err)
	}

	// A later update row, stored unencrypted.
	laterDoc := NewDocument(JSONProfile)
	laterDoc.SetField("a2", "title", "from-update")
	updateBytes, err := laterDoc.ExportSince(VersionVector{})
	if err != nil {
		t.Fatalf("ExportSince: %v", err)
	}
	if err := store.AppendUpdate(context.Background(), LogRow{Doc: "notes:1", TS: 200, Actor: "a2", Payload: map[string]any{"update_bytes": encodeB64(updateBytes)}}); err != nil {
		t.Fatalf("AppendUpdate: %v", err)
	}

	fresh := NewEngine(Config{Profile: JSONProfile, LogStore: store, Resolver: ConstantActor("local")})
	if err := fresh.Hydrate(context.Background(), "notes:1"); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	view := fresh.MaterializedView("notes:1")
	if view["title"] != "from-update" {
		t.Fatalf("expected hydrated doc to reflect update after snapshot, got %#v", view)
	}
}

// recordingProvider wraps a real provider and captures the associated data
// handed to each Encrypt call.
type recordingProvider struct {
	inner envelope.Provider
	aads  []string
}

func (p *recordingProvider) Encrypt(plaintext, aad []byte) (envelope.Envelope, error) {
	p.aads = append(p.aads, string(aad))
	return p.inner.Encrypt(plaintext, aad)
}

func (p *recordingProvider) Decrypt(env envelope.Envelope, aad []byte) ([]byte, error) {
	return p.inner.Decrypt(env, aad)
}

func TestPersistUpdateDerivesLogRowAAD(t *testing.T) {
	var key [32]byte
	provider := &recordingProvider{inner: envelope.NewAESGCMProvider("k2", key)}
	store := newMemLogStore()
	engine := NewEngine(Config{
		Profile:   JSONProfile,
		LogStore:  store,
		Resolver:  ConstantActor("device-a"),
		Provider:  provider,
		LogTable:  "crdt_update",
		BaseTable: "doc",
	})

	doc := engine.GetDoc("doc:abc")
	since := doc.OplogVersion()
	actor := engine.ApplyLocalChange("doc:abc", doc, Change{Kind: ChangeUpdate, Row: map[string]any{"title": "hello"}})
	if actor != "device-a" {
		t.Fatalf("expected resolved actor device-a, got %q", actor)
	}

	bytes, err := engine.ExportSinceVersion(doc, since)
	if err != nil {
		t.Fatalf("ExportSinceVersion: %v", err)
	}
	if err := engine.PersistUpdate(context.Background(), "doc:abc", actor, bytes); err != nil {
		t.Fatalf("PersistUpdate: %v", err)
	}

	if len(provider.aads) != 1 || provider.aads[0] != "crdt_update:doc:abc" {
		t.Fatalf("expected AAD %q, got %#v", "crdt_update:doc:abc", provider.aads)
	}

	rows := store.updates["doc:abc"]
	if len(rows) != 1 {
		t.Fatalf("expected one appended update row, got %d", len(rows))
	}
	row := rows[0]
	if row.Actor != "device-a" {
		t.Fatalf("expected actor on appended row, got %q", row.Actor)
	}
	if !envelope.HasEnvelopeFields(row.Payload) {
		t.Fatalf("expected full envelope fields on payload, got %#v", row.Payload)
	}

	// The same engine must round-trip its own row back through Hydrate.
	fresh := NewEngine(Config{
		Profile:   JSONProfile,
		LogStore:  store,
		Resolver:  ConstantActor("device-b"),
		Provider:  provider,
		LogTable:  "crdt_update",
		BaseTable: "doc",
	})
	if err := fresh.Hydrate(context.Background(), "doc:abc"); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if view := fresh.MaterializedView("doc:abc"); view["title"] != "hello" {
		t.Fatalf("expected hydrated view, got %#v", view)
	}
}

func TestMapViewAndTextViewContainers(t *testing.T) {
	doc := NewDocument(RichTextProfile)

	var m MapContainer = doc.MapAs("a1")
	var txt TextContainer = doc.TextAs("a1")

	m.Set("author", "alice")
	txt.Update("hello world")

	if got, ok := m.Get("author"); !ok || got != "alice" {
		t.Fatalf("Get(author) = %v, %v", got, ok)
	}
	if txt.String() != "hello world" {
		t.Fatalf("unexpected text: %q", txt.String())
	}
	if doc.MaterializedView("notes:1")["content"] != "hello world" {
		t.Fatalf("expected content via materialized view, got %#v", doc.MaterializedView("notes:1"))
	}
}

func TestApplyRemoteUpdateSkipsOwnActor(t *testing.T) {
	store := newMemLogStore()
	engine := NewEngine(Config{Profile: JSONProfile, LogStore: store, Resolver: ConstantActor("local-actor")})
	doc := engine.GetDoc("notes:1")
	doc.SetField("local-actor", "title", "original")

	remoteDoc := NewDocument(JSONProfile)
	remoteDoc.SetField("local-actor", "title", "echoed-back")
	bytes, _ := remoteDoc.ExportSince(VersionVector{})

	applied, err := engine.ApplyRemoteUpdate("notes:1", doc, LogRow{
		Doc: "notes:1", Actor: "local-actor",
		Payload: map[string]any{"update_bytes": encodeB64(bytes)},
	})
	if err != nil {
		t.Fatalf("ApplyRemoteUpdate: %v", err)
	}
	if applied {
		t.Fatal("expected self-originated update to be dropped")
	}
	if doc.ToJSON()["title"] != "original" {
		t.Fatalf("expected doc unchanged, got %#v", doc.ToJSON())
	}
}

func TestApplyRemoteUpdateAppliesOtherActor(t *testing.T) {
	store := newMemLogStore()
	engine := NewEngine(Config{Profile: JSONProfile, LogStore: store, Resolver: ConstantActor("local-actor")})
	doc := engine.GetDoc("notes:1")
	doc.SetField("local-actor", "title", "original")

	remoteDoc := NewDocument(JSONProfile)
	remoteDoc.SetField("peer-actor", "title", "from-peer")
	bytes, _ := remoteDoc.ExportSince(VersionVector{})

	applied, err := engine.ApplyRemoteUpdate("notes:1", doc, LogRow{
		Doc: "notes:1", Actor: "peer-actor",
		Payload: map[string]any{"update_bytes": encodeB64(bytes)},
	})
	if err != nil {
		t.Fatalf("ApplyRemoteUpdate: %v", err)
	}
	if !applied {
		t.Fatal("expected other-actor update to apply")
	}
	if doc.ToJSON()["title"] != "from-peer" {
		t.Fatalf("expected title updated from peer, got %#v", doc.ToJSON())
	}
}

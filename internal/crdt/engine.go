package crdt

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amaydixit11/syncdb/internal/envelope"
)

// ChangeKind distinguishes the three mutation shapes a host can submit.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change carries a host-submitted mutation through to a profile's
// applyLocalChange projection.
type Change struct {
	Kind ChangeKind
	Row  map[string]any
}

// ChangeContext is passed to an ActorResolver so actor assignment can vary
// by document id or change shape.
type ChangeContext struct {
	ID     string
	Change Change
}

// ActorResolver resolves the local actor identity for a write. Hosts may
// supply a constant string wrapped in a resolver, or something dynamic.
type ActorResolver func(ctx ChangeContext) string

// ConstantActor returns a resolver that always yields id.
func ConstantActor(id string) ActorResolver {
	return func(ChangeContext) string { return id }
}

// LogRow is one row of the append-only update or snapshot log.
type LogRow struct {
	Doc     string
	TS      int64
	Actor   string
	Kind    envelope.Kind
	Payload map[string]any // envelope fields, or {update_bytes|snapshot_bytes}
}

// LogStore is the persistence capability the CRDT layer needs: append new
// rows and read them back for hydration. internal/table's generic create
// path against the updates/snapshots table satisfies this.
type LogStore interface {
	AppendUpdate(ctx context.Context, row LogRow) error
	AppendSnapshot(ctx context.Context, row LogRow) error
	LatestSnapshot(ctx context.Context, docID string) (*LogRow, error)
	UpdatesSince(ctx context.Context, docID string, afterTS int64) ([]LogRow, error)
}

// Engine owns every document for a single collection instance and drives
// the persist/hydrate/materialize lifecycle.
type Engine struct {
	mu   sync.Mutex
	docs map[string]*Document

	profile   Profile
	logStore  LogStore
	resolver  ActorResolver
	provider  envelope.Provider // nil disables encryption
	logTable  string
	baseTable string
	now       func() time.Time
}

// Config configures a new Engine.
type Config struct {
	Profile   Profile
	LogStore  LogStore
	Resolver  ActorResolver
	Provider  envelope.Provider
	LogTable  string
	BaseTable string
}

// NewEngine constructs an Engine. Profile defaults to JSONProfile and
// Resolver defaults to a fixed "local" actor if unset.
func NewEngine(cfg Config) *Engine {
	profile := cfg.Profile
	if profile == "" {
		profile = JSONProfile
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = ConstantActor("local")
	}
	return &Engine{
		docs:      make(map[string]*Document),
		profile:   profile,
		logStore:  cfg.LogStore,
		resolver:  resolver,
		provider:  cfg.Provider,
		logTable:  cfg.LogTable,
		baseTable: cfg.BaseTable,
		now:       time.Now,
	}
}

// GetDoc returns the document for id, creating it on first access.
func (e *Engine) GetDoc(id string) *Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	if doc, ok := e.docs[id]; ok {
		return doc
	}
	doc := NewDocument(e.profile)
	e.docs[id] = doc
	return doc
}

// ApplyLocalChange projects change onto doc per the engine's profile and
// returns the actor that performed the write.
func (e *Engine) ApplyLocalChange(id string, doc *Document, change Change) string {
	actor := e.resolver(ChangeContext{ID: id, Change: change})

	switch change.Kind {
	case ChangeDelete:
		doc.SetField(actor, "deleted", true)
		return actor
	}

	switch doc.Profile() {
	case RichTextProfile:
		applyRichTextChange(doc.MapAs(actor), doc.TextAs(actor), change.Row)
	default:
		applyJSONChange(doc.MapAs(actor), change.Row)
	}
	return actor
}

// ExportSinceVersion serializes doc's changes since vv.
func (e *Engine) ExportSinceVersion(doc *Document, vv VersionVector) ([]byte, error) {
	return doc.ExportSince(vv)
}

// docKey strips the table prefix off a canonical record id, yielding the
// key portion used in associated-data derivation ("<log>:<base>:<key>").
func docKey(id string) string {
	if idx := strings.IndexByte(id, ':'); idx >= 0 {
		return id[idx+1:]
	}
	return id
}

// PersistUpdate appends an update-log row for id with the given actor and
// payload bytes, encrypting it first when the engine has a provider.
func (e *Engine) PersistUpdate(ctx context.Context, id string, actor string, payload []byte) error {
	fields, err := envelope.EncodeUpdate(e.provider, e.logTable, e.baseTable, docKey(id), payload, envelope.KindUpdate)
	if err != nil {
		return err
	}
	return e.logStore.AppendUpdate(ctx, LogRow{
		Doc:     id,
		TS:      e.now().UnixNano(),
		Actor:   actor,
		Kind:    envelope.KindUpdate,
		Payload: fields,
	})
}

// PersistSnapshot appends a compacting snapshot row for id.
func (e *Engine) PersistSnapshot(ctx context.Context, id string, actor string, payload []byte) error {
	fields, err := envelope.EncodeUpdate(e.provider, e.logTable, e.baseTable, docKey(id), payload, envelope.KindSnapshot)
	if err != nil {
		return err
	}
	return e.logStore.AppendSnapshot(ctx, LogRow{
		Doc:     id,
		TS:      e.now().UnixNano(),
		Actor:   actor,
		Kind:    envelope.KindSnapshot,
		Payload: fields,
	})
}

// Hydrate fetches the newest snapshot (if any) into doc, then replays every
// update with ts strictly after the snapshot (or all updates, if none), in
// ascending ts order.
func (e *Engine) Hydrate(ctx context.Context, id string) error {
	doc := e.GetDoc(id)

	var afterTS int64
	snap, err := e.logStore.LatestSnapshot(ctx, id)
	if err != nil {
		return fmt.Errorf("crdt: failed to load snapshot for %q: %w", id, err)
	}
	if snap != nil {
		payload, err := envelope.DecodeUpdate(e.provider, e.logTable, e.baseTable, docKey(id), snap.Payload, envelope.KindSnapshot)
		if err != nil {
			return fmt.Errorf("crdt: failed to decrypt snapshot for %q: %w", id, err)
		}
		if err := doc.Import(payload); err != nil {
			return err
		}
		afterTS = snap.TS
	}

	updates, err := e.logStore.UpdatesSince(ctx, id, afterTS)
	if err != nil {
		return fmt.Errorf("crdt: failed to load updates for %q: %w", id, err)
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].TS < updates[j].TS })

	for _, row := range updates {
		payload, err := envelope.DecodeUpdate(e.provider, e.logTable, e.baseTable, docKey(id), row.Payload, envelope.KindUpdate)
		if err != nil {
			return fmt.Errorf("crdt: failed to decrypt update for %q: %w", id, err)
		}
		if err := doc.Import(payload); err != nil {
			return err
		}
	}
	return nil
}

// ApplyRemoteUpdate imports an incoming live update row into doc, dropping
// it without importing when it was authored by the local actor for id
// (loop prevention).
func (e *Engine) ApplyRemoteUpdate(id string, doc *Document, row LogRow) (applied bool, err error) {
	localActor := e.resolver(ChangeContext{ID: id})
	if row.Actor != "" && row.Actor == localActor {
		return false, nil
	}
	payload, err := envelope.DecodeUpdate(e.provider, e.logTable, e.baseTable, docKey(id), row.Payload, row.Kind)
	if err != nil {
		return false, err
	}
	if err := doc.Import(payload); err != nil {
		return false, err
	}
	return true, nil
}

// MaterializedView returns doc's profile projection for id.
func (e *Engine) MaterializedView(id string) map[string]any {
	return e.GetDoc(id).MaterializedView(id)
}

// MaterializeStore is the optional capability backing PersistMaterialized:
// an upsert against a base-table mirror for server-side querying.
type MaterializeStore interface {
	UpsertMaterialized(ctx context.Context, row map[string]any) error
}

// PersistMaterialized upserts doc's materialized view into store, when the
// host has opted into a queryable base-table mirror.
func (e *Engine) PersistMaterialized(ctx context.Context, store MaterializeStore, id string) error {
	if store == nil {
		return nil
	}
	return store.UpsertMaterialized(ctx, e.MaterializedView(id))
}

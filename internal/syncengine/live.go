package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/amaydixit11/syncdb/internal/crdt"
	"github.com/amaydixit11/syncdb/internal/envelope"
	"github.com/amaydixit11/syncdb/internal/queryexpr"
	"github.com/amaydixit11/syncdb/internal/remotedb"
)

// ErrTornDown is returned by any serialized operation submitted after the
// engine's cleanup function has run. Callers that need the failure
// reported get it here; live events themselves are simply dropped.
var ErrTornDown = errors.New("syncengine: engine is torn down")

// openLiveSubscription opens a LIVE subscription on the base table, or on
// the CRDT updates table when CRDT is enabled, and routes every event
// through the engine's work queue so it serializes with hydration and
// mutation callbacks. When the remote has no LIVE support, markReady still
// happens and mutations still work, so this never fails Sync.
func (e *Engine) openLiveSubscription(ctx context.Context) error {
	target := e.tbl
	if e.crdtEnabled() {
		target = e.crdtTable
	}
	if target == nil {
		return nil
	}
	if !target.LiveSupported() {
		// No live stream, but the collection still hydrates and mutations
		// still work.
		e.logger.Printf("syncengine: remote does not support live queries; continuing without a live stream")
		return nil
	}

	sub, err := target.Subscribe(ctx, func(ev remotedb.LiveEvent) {
		e.enqueue(func() { e.handleLiveEvent(ctx, ev) })
	})
	if err != nil {
		e.onError(fmt.Errorf("syncengine: live subscription unavailable: %w", err))
		return nil
	}

	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()
	return nil
}

func (e *Engine) handleLiveEvent(ctx context.Context, ev remotedb.LiveEvent) {
	if e.crdtEnabled() {
		e.handleCRDTLiveEvent(ctx, ev)
		return
	}
	e.handleBaseLiveEvent(ev)
}

// handleBaseLiveEvent applies a plain base-table LIVE event: deletes are
// always forwarded and evict the id from every loaded subset; inserts and
// updates are gated by the active-id set in on-demand mode.
func (e *Engine) handleBaseLiveEvent(ev remotedb.LiveEvent) {
	id := e.idString(ev.Row["id"])
	if id == "" {
		return
	}

	evType := ev.Type
	if evType != remotedb.EventDelete && e.syncFields {
		// Soft deletes travel over LIVE as updates carrying the tombstone
		// flag; the host still needs to evict the row.
		if deleted, _ := ev.Row["sync_deleted"].(bool); deleted {
			evType = remotedb.EventDelete
		}
	}

	switch evType {
	case remotedb.EventDelete:
		e.subsets.RemoveID(id)
		e.emitSingle(RowChange{Type: ChangeDelete, ID: id})
		e.removeFromPrev(id)
		e.metrics.recordLiveApplied()

	case remotedb.EventInsert, remotedb.EventUpdate:
		if e.mode == ModeOnDemand && !e.subsets.IsActive(id) {
			e.metrics.recordLiveDropped()
			return
		}
		row, ok := e.decodeBaseRow(id, ev.Row)
		if !ok {
			return
		}
		e.mu.Lock()
		prevRow, existed := e.prev[id]
		e.mu.Unlock()
		if existed && !rowsDiffer(prevRow, row, e.syncFields) {
			// The reference poll-based remote re-announces every row it
			// still sees on its first tick after Live is opened; without
			// this check every existing row would echo a spurious update.
			return
		}
		changeType := ChangeInsert
		if existed {
			changeType = ChangeUpdate
		}
		e.emitSingle(RowChange{Type: changeType, ID: id, Row: row})
		e.setPrev(id, row)
		e.metrics.recordLiveApplied()
	}
}

// handleCRDTLiveEvent routes an updates-table LIVE event into the CRDT
// engine (skipping own-actor rows), then emits the refreshed
// materialized view, gated the same way as base events in on-demand mode.
func (e *Engine) handleCRDTLiveEvent(ctx context.Context, ev remotedb.LiveEvent) {
	if ev.Type != remotedb.EventInsert && ev.Type != remotedb.EventUpdate {
		return
	}

	row, err := logRowFromEvent(ev.Row)
	if err != nil {
		e.onError(fmt.Errorf("syncengine: malformed crdt live row: %w", err))
		return
	}

	doc := e.crdtEngine.GetDoc(row.Doc)
	applied, err := e.crdtEngine.ApplyRemoteUpdate(row.Doc, doc, row)
	if err != nil {
		e.onError(fmt.Errorf("syncengine: failed to apply crdt live update for %q: %w", row.Doc, err))
		return
	}
	if !applied {
		e.metrics.recordLiveDropped()
		return
	}
	if e.mode == ModeOnDemand && !e.subsets.IsActive(row.Doc) {
		e.metrics.recordLiveDropped()
		return
	}

	view := e.crdtEngine.MaterializedView(row.Doc)
	e.mu.Lock()
	_, existed := e.prev[row.Doc]
	e.mu.Unlock()
	changeType := ChangeInsert
	if existed {
		changeType = ChangeUpdate
	}
	e.emitSingle(RowChange{Type: changeType, ID: row.Doc, Row: view})
	e.setPrev(row.Doc, view)
	e.metrics.recordLiveApplied()
}

// logRowFromEvent recovers a crdt.LogRow from an updates-table LIVE event's
// row payload.
func logRowFromEvent(row map[string]any) (crdt.LogRow, error) {
	doc, _ := row["doc"].(string)
	if doc == "" {
		return crdt.LogRow{}, fmt.Errorf("missing doc field")
	}
	actor, _ := row["actor"].(string)
	kind := envelope.KindUpdate
	// The log store stamps every row with a snapshot flag; the field-name
	// check keeps plaintext rows from other writers classified too, since
	// an encrypted snapshot row carries envelope fields instead of
	// snapshot_bytes.
	if snap, _ := row["snapshot"].(bool); snap {
		kind = envelope.KindSnapshot
	} else if _, ok := row["snapshot_bytes"]; ok {
		kind = envelope.KindSnapshot
	}
	return crdt.LogRow{
		Doc:     doc,
		TS:      toInt64(row["ts"]),
		Actor:   actor,
		Kind:    kind,
		Payload: row,
	}, nil
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

// emitSingle brackets a single RowChange in its own begin/write/commit
// batch, the shape mutation callbacks and individual live events use,
// distinct from emitBatch's multi-row diff emission.
func (e *Engine) emitSingle(c RowChange) {
	e.mu.Lock()
	killed := e.killed
	e.mu.Unlock()
	if killed {
		return
	}
	if e.sctx.Begin != nil {
		e.sctx.Begin()
	}
	if e.sctx.Write != nil {
		e.sctx.Write(c)
	}
	if e.sctx.Commit != nil {
		e.sctx.Commit()
	}
}

func (e *Engine) setPrev(id string, row map[string]any) {
	e.mu.Lock()
	e.prev[id] = row
	e.mu.Unlock()
}

func (e *Engine) removeFromPrev(id string) {
	e.mu.Lock()
	delete(e.prev, id)
	e.mu.Unlock()
}

// runSerialized submits fn to the engine's work queue and blocks for its
// result, so mutation callbacks interleave correctly with hydration and
// live events. The send blocks until the single consumer has room; running
// fn on the caller's goroutine would let two batches interleave their
// begin/commit brackets. It reports ErrTornDown if the engine has already
// been cleaned up, or is torn down before the job runs.
func (e *Engine) runSerialized(fn func() error) error {
	e.mu.Lock()
	killed := e.killed
	e.mu.Unlock()
	if killed {
		return ErrTornDown
	}

	done := make(chan error, 1)
	job := func() { done <- fn() }
	select {
	case e.queue <- job:
	case <-e.stop:
		return ErrTornDown
	}
	select {
	case err := <-done:
		return err
	case <-e.stop:
		// Teardown raced the queued job; it may still have just finished.
		select {
		case err := <-done:
			return err
		default:
			return ErrTornDown
		}
	}
}

// loadSubset translates and runs subset, records its id set in the subset
// cache, diffs the result against the previous snapshot restricted to
// those ids, and emits a batch. Restricted to Ready-OnDemand. On-demand
// mode opens its LIVE subscription lazily, on the first subset load.
func (e *Engine) loadSubset(ctx context.Context, descriptorKey string, subset queryexpr.Subset) error {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state != ReadyOnDemand {
		return fmt.Errorf("syncengine: loadSubset called from state %s, want ready-on-demand", state)
	}

	var rows []map[string]any
	var err error
	if e.crdtEnabled() {
		rows, err = e.loadCRDTSubset(ctx, subset)
	} else {
		rows, err = e.tbl.LoadSubset(ctx, subset)
	}
	if err != nil {
		e.onError(fmt.Errorf("syncengine: loadSubset failed: %w", err))
		return err
	}

	ids := make([]string, 0, len(rows))
	curr := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		id := e.idString(row["id"])
		if id == "" {
			continue
		}
		ids = append(ids, id)
		curr[id] = row
	}

	wasEmpty := e.subsets.SubsetCount() == 0
	e.subsets.SetSubset(descriptorKey, ids)
	e.emitSubsetDiff(curr)

	if wasEmpty {
		return e.openLiveSubscription(ctx)
	}
	return nil
}

// loadCRDTSubset resolves subset against the base table to discover
// candidate ids, then hydrates and materializes the CRDT document for
// each.
func (e *Engine) loadCRDTSubset(ctx context.Context, subset queryexpr.Subset) ([]map[string]any, error) {
	rows, err := e.tbl.LoadSubset(ctx, subset)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		id := e.idString(row["id"])
		if id == "" {
			continue
		}
		if err := e.crdtEngine.Hydrate(ctx, id); err != nil {
			return nil, fmt.Errorf("syncengine: hydrate %q failed: %w", id, err)
		}
		out = append(out, e.crdtEngine.MaterializedView(id))
	}
	return out, nil
}

// emitSubsetDiff diffs curr against the slice of prev restricted to curr's
// ids, so rows belonging to other already-loaded subsets are never
// mistaken for deletions.
func (e *Engine) emitSubsetDiff(curr map[string]map[string]any) {
	e.mu.Lock()
	prevSlice := make(map[string]map[string]any, len(curr))
	for id := range curr {
		if row, ok := e.prev[id]; ok {
			prevSlice[id] = row
		}
	}
	e.mu.Unlock()

	changes := diffRows(prevSlice, curr, e.syncFields)

	e.mu.Lock()
	for id, row := range curr {
		e.prev[id] = row
	}
	e.mu.Unlock()

	if len(changes) == 0 {
		return
	}
	if e.sctx.Begin != nil {
		e.sctx.Begin()
	}
	for _, c := range changes {
		if e.sctx.Write != nil {
			e.sctx.Write(c)
		}
	}
	if e.sctx.Commit != nil {
		e.sctx.Commit()
	}
	e.metrics.recordHydrationBatch()
}

// unloadSubset drops descriptorKey from the subset cache and closes the
// LIVE handle once the last subset is unloaded.
func (e *Engine) unloadSubset(ctx context.Context, descriptorKey string) {
	e.subsets.UnloadSubset(descriptorKey)
	if e.subsets.SubsetCount() > 0 {
		return
	}
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()
	if sub != nil {
		_ = sub.Cancel()
	}
}

// Mutation carries a host-submitted row through an insert/update/delete
// callback. ID is the host-provided key (required for update/delete,
// optional for insert, where a sentinel temporary id is generated when
// absent).
type Mutation struct {
	ID  string
	Row map[string]any
}

// HandleInsert implements the host's onInsert callback, returning the
// row's final id (the id supplied, or a generated sentinel temporary id
// when none was given).
func (e *Engine) HandleInsert(ctx context.Context, m Mutation) (string, error) {
	var id string
	err := e.runSerialized(func() error {
		resolved, err := e.handleInsert(ctx, m)
		id = resolved
		return err
	})
	return id, err
}

func (e *Engine) handleInsert(ctx context.Context, m Mutation) (string, error) {
	id := m.ID
	if id == "" {
		id = e.idString(m.Row["id"])
	}
	if id == "" {
		id = newTempID(e.tbl.Ref.Name)
	}
	row := cloneRowWithID(m.Row, id)

	if e.crdtEnabled() {
		return id, e.applyCRDTChange(ctx, id, crdt.Change{Kind: crdt.ChangeInsert, Row: row})
	}

	e.emitSingle(RowChange{Type: ChangeInsert, ID: id, Row: row})

	if e.provider != nil {
		return id, e.encryptedInsert(ctx, id, row)
	}

	persisted, err := e.tbl.Create(ctx, row)
	if err != nil {
		e.metrics.recordMutationFailure()
		e.onError(fmt.Errorf("syncengine: insert persist failed for %q: %w", id, err))
		return id, err
	}
	e.setPrev(id, persisted)
	return id, nil
}

// encryptedInsert seals row's fields (other than "id") into envelope fields
// before persisting, the insert-path counterpart to encryptedUpdate: the
// host's write-upsert callback already saw plaintext via emitSingle above,
// so only the remote-bound copy is encrypted.
func (e *Engine) encryptedInsert(ctx context.Context, id string, row map[string]any) error {
	fields, err := envelope.EncodeBaseRow(e.provider, e.baseTable, keyFromID(id), row)
	if err != nil {
		e.metrics.recordMutationFailure()
		return err
	}
	fields["id"] = id

	if _, err := e.tbl.Create(ctx, fields); err != nil {
		e.metrics.recordMutationFailure()
		e.onError(fmt.Errorf("syncengine: encrypted insert persist failed for %q: %w", id, err))
		return err
	}
	e.setPrev(id, row)
	return nil
}

// HandleUpdate implements the host's onUpdate callback.
func (e *Engine) HandleUpdate(ctx context.Context, m Mutation) error {
	return e.runSerialized(func() error { return e.handleUpdate(ctx, m) })
}

func (e *Engine) handleUpdate(ctx context.Context, m Mutation) error {
	id := m.ID
	if id == "" {
		id = e.idString(m.Row["id"])
	}
	if id == "" {
		return fmt.Errorf("syncengine: update requires an id")
	}
	row := cloneRowWithID(m.Row, id)

	if e.crdtEnabled() {
		return e.applyCRDTChange(ctx, id, crdt.Change{Kind: crdt.ChangeUpdate, Row: row})
	}

	e.emitSingle(RowChange{Type: ChangeUpdate, ID: id, Row: row})

	if e.provider != nil {
		return e.encryptedUpdate(ctx, id, m.Row)
	}

	persisted, err := e.tbl.Update(ctx, id, m.Row)
	if err != nil {
		e.metrics.recordMutationFailure()
		e.onError(fmt.Errorf("syncengine: update persist failed for %q: %w", id, err))
		return err
	}
	e.setPrev(id, persisted)
	return nil
}

// encryptedUpdate performs the read-modify-write cycle E2EE without CRDT
// requires: decrypt the current ciphertext, merge the supplied partial,
// re-encrypt, and MERGE.
func (e *Engine) encryptedUpdate(ctx context.Context, id string, partial map[string]any) error {
	current, err := e.tbl.Get(ctx, id)
	if err != nil {
		e.metrics.recordMutationFailure()
		return err
	}
	recordKey := keyFromID(id)

	plaintext, err := envelope.DecodeBaseRow(e.provider, e.baseTable, recordKey, current)
	if err != nil {
		e.metrics.recordMutationFailure()
		e.onError(fmt.Errorf("syncengine: decrypt for update %q failed: %w", id, err))
		return err
	}
	for k, v := range partial {
		if k == "id" {
			continue
		}
		plaintext[k] = v
	}

	fields, err := envelope.EncodeBaseRow(e.provider, e.baseTable, recordKey, plaintext)
	if err != nil {
		e.metrics.recordMutationFailure()
		return err
	}
	if _, err := e.tbl.Update(ctx, id, fields); err != nil {
		e.metrics.recordMutationFailure()
		e.onError(fmt.Errorf("syncengine: encrypted update persist failed for %q: %w", id, err))
		return err
	}

	plaintext["id"] = id
	e.setPrev(id, plaintext)
	return nil
}

// HandleDelete implements the host's onDelete callback.
func (e *Engine) HandleDelete(ctx context.Context, m Mutation) error {
	return e.runSerialized(func() error { return e.handleDelete(ctx, m) })
}

func (e *Engine) handleDelete(ctx context.Context, m Mutation) error {
	id := m.ID
	if id == "" {
		id = e.idString(m.Row["id"])
	}
	if id == "" {
		return fmt.Errorf("syncengine: delete requires an id")
	}

	if e.crdtEnabled() {
		if err := e.crdtWrite(ctx, id, crdt.Change{Kind: crdt.ChangeDelete, Row: m.Row}); err != nil {
			return err
		}
	} else if err := e.tbl.SoftDelete(ctx, id); err != nil {
		e.metrics.recordMutationFailure()
		e.onError(fmt.Errorf("syncengine: delete persist failed for %q: %w", id, err))
		return err
	}

	e.emitSingle(RowChange{Type: ChangeDelete, ID: id})
	e.removeFromPrev(id)
	e.subsets.RemoveID(id)
	return nil
}

// applyCRDTChange writes change through the CRDT engine and emits the
// refreshed materialized view.
func (e *Engine) applyCRDTChange(ctx context.Context, id string, change crdt.Change) error {
	if err := e.crdtWrite(ctx, id, change); err != nil {
		return err
	}
	view := e.crdtEngine.MaterializedView(id)
	e.emitSingle(RowChange{Type: ChangeUpdate, ID: id, Row: view})
	e.setPrev(id, view)
	return nil
}

// crdtWrite applies change to id's document, exports and persists the
// incremental update since the pre-change version, and persists the
// materialized mirror when configured; the mirror persist is sequential
// and best-effort, never transactional with the log append.
func (e *Engine) crdtWrite(ctx context.Context, id string, change crdt.Change) error {
	doc := e.crdtEngine.GetDoc(id)
	since := doc.OplogVersion()
	actor := e.crdtEngine.ApplyLocalChange(id, doc, change)

	bytes, err := e.crdtEngine.ExportSinceVersion(doc, since)
	if err != nil {
		e.metrics.recordMutationFailure()
		return err
	}
	if err := e.crdtEngine.PersistUpdate(ctx, id, actor, bytes); err != nil {
		e.metrics.recordMutationFailure()
		e.onError(fmt.Errorf("syncengine: crdt persist failed for %q: %w", id, err))
		return err
	}
	if e.materializeStore != nil {
		if err := e.crdtEngine.PersistMaterialized(ctx, e.materializeStore, id); err != nil {
			e.onError(fmt.Errorf("syncengine: persist materialized view failed for %q: %w", id, err))
		}
	}
	return nil
}

func cloneRowWithID(row map[string]any, id string) map[string]any {
	out := make(map[string]any, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	out["id"] = id
	return out
}

func keyFromID(id string) string {
	idx := strings.IndexByte(id, ':')
	if idx < 0 {
		return id
	}
	return id[idx+1:]
}

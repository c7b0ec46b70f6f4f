package syncengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/amaydixit11/syncdb/internal/crdt"
	"github.com/amaydixit11/syncdb/internal/envelope"
	"github.com/amaydixit11/syncdb/internal/ident"
	"github.com/amaydixit11/syncdb/internal/queryexpr"
	"github.com/amaydixit11/syncdb/internal/subsetcache"
	"github.com/amaydixit11/syncdb/internal/table"

	"github.com/google/uuid"
)

// DocIndex lists every document id known to the CRDT update log, used by
// eager-mode CRDT hydration to discover ids without a base-table row.
type DocIndex interface {
	KnownDocIDs(ctx context.Context) ([]string, error)
}

// Config configures an Engine.
type Config struct {
	Mode Mode

	// SyncFields selects the row-comparison rule for diff-and-emit: when
	// true, only (sync_deleted, updated_at) are compared; otherwise a full
	// structural comparison is used.
	SyncFields bool

	Table *table.Table // base table access

	// CRDT wiring; CRDTEngine and CRDTTable together enable CRDT mode.
	// CRDTIndex is optional: without it eager hydration discovers no ids.
	CRDTEngine       *crdt.Engine
	CRDTTable        *table.Table // the updates-table access, subscribed for live CRDT events
	CRDTIndex        DocIndex
	MaterializeStore crdt.MaterializeStore // optional crdt.persistMaterializedView

	// E2EE without CRDT: base rows are encrypted/decrypted directly.
	// BaseTable names the table for AAD derivation.
	Provider  envelope.Provider
	BaseTable string

	IdentityCache *ident.IdentityCache
	Logger        Logger
	OnError       ErrorSink
}

// Engine is one sync instance; the adapter facade owns exactly one per
// collection.
type Engine struct {
	mu         sync.Mutex
	state      State
	mode       Mode
	syncFields bool

	tbl              *table.Table
	crdtEngine       *crdt.Engine
	crdtTable        *table.Table
	crdtIndex        DocIndex
	materializeStore crdt.MaterializeStore

	provider  envelope.Provider
	baseTable string

	identityCache *ident.IdentityCache
	subsets       *subsetcache.Cache
	prev          map[string]map[string]any
	logger        Logger
	onError       ErrorSink
	metrics       Metrics

	sctx SyncContext
	sub  *table.Subscription

	killed    bool
	readyOnce sync.Once
	queue     chan func()
	stop      chan struct{}
	queueDone chan struct{}
}

// New constructs an Engine in the Idle state.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	onError := cfg.OnError
	if onError == nil {
		onError = func(error) {}
	}
	return &Engine{
		state:            Idle,
		mode:             cfg.Mode,
		syncFields:       cfg.SyncFields,
		tbl:              cfg.Table,
		crdtEngine:       cfg.CRDTEngine,
		crdtTable:        cfg.CRDTTable,
		crdtIndex:        cfg.CRDTIndex,
		materializeStore: cfg.MaterializeStore,
		provider:         cfg.Provider,
		baseTable:        cfg.BaseTable,
		identityCache:    cfg.IdentityCache,
		subsets:          subsetcache.New(),
		prev:             make(map[string]map[string]any),
		logger:           logger,
		onError:          onError,
		queue:            make(chan func(), 64),
		stop:             make(chan struct{}),
		queueDone:        make(chan struct{}),
	}
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Metrics returns a snapshot of the engine's counters.
func (e *Engine) Metrics() Snapshot {
	return e.metrics.Snapshot()
}

func (e *Engine) crdtEnabled() bool {
	return e.crdtEngine != nil && e.crdtTable != nil
}

// Handle is returned by Sync: a cleanup function plus, in on-demand mode,
// loadSubset/unloadSubset.
type Handle struct {
	engine *Engine
}

// Cleanup tears the sync instance down: kills all LIVE handles and
// discards further events.
func (h *Handle) Cleanup() {
	h.engine.teardown()
}

// LoadSubset loads (or reloads) a descriptor's rows, diffing and emitting
// against the engine's previous snapshot, restricted to on-demand mode.
func (h *Handle) LoadSubset(ctx context.Context, descriptorKey string, subset queryexpr.Subset) error {
	return h.engine.runSerialized(func() error {
		return h.engine.loadSubset(ctx, descriptorKey, subset)
	})
}

// UnloadSubset drops descriptorKey and closes LIVE handles if it was the
// last loaded subset.
func (h *Handle) UnloadSubset(ctx context.Context, descriptorKey string) {
	h.engine.unloadSubset(ctx, descriptorKey)
}

// Sync starts the sync instance: Idle -> Hydrating -> Ready-Eager (eager),
// or an immediate Ready-OnDemand/Ready-Progressive transition, per mode.
func (e *Engine) Sync(ctx context.Context, sctx SyncContext) (*Handle, error) {
	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return nil, fmt.Errorf("syncengine: Sync called from state %s, want idle", e.state)
	}
	e.sctx = sctx
	e.mu.Unlock()

	go e.runQueue()

	switch e.mode {
	case ModeOnDemand:
		e.setState(ReadyOnDemand)
		e.markReadyOnce()
		return &Handle{engine: e}, nil

	case ModeProgressive:
		e.setState(ReadyProgressive)
		e.markReadyOnce()
		if err := e.openLiveSubscription(ctx); err != nil {
			return nil, err
		}
		// Single background hydration pass; a host wanting true paging can
		// call LoadSubset repeatedly, which this mode does not preclude.
		go e.enqueue(func() {
			if err := e.hydrateEagerAndEmit(ctx); err != nil {
				e.onError(fmt.Errorf("syncengine: progressive hydration failed: %w", err))
			}
		})
		return &Handle{engine: e}, nil

	default: // ModeEager
		e.setState(Hydrating)
		if err := e.hydrateEagerAndEmit(ctx); err != nil {
			return nil, err
		}
		e.setState(ReadyEager)
		if err := e.openLiveSubscription(ctx); err != nil {
			return nil, err
		}
		e.markReadyOnce()
		return &Handle{engine: e}, nil
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) markReadyOnce() {
	e.readyOnce.Do(func() {
		if e.sctx.MarkReady != nil {
			e.sctx.MarkReady()
		}
	})
}

// hydrateEagerAndEmit performs the full initial hydration (base rows, and
// CRDT-materialized rows when enabled) and emits the resulting batch.
func (e *Engine) hydrateEagerAndEmit(ctx context.Context) error {
	curr, err := e.fullSnapshot(ctx)
	if err != nil {
		return err
	}
	e.emitBatch(curr)
	e.metrics.recordHydrationBatch()
	return nil
}

func (e *Engine) fullSnapshot(ctx context.Context) (map[string]map[string]any, error) {
	if e.crdtEnabled() {
		return e.crdtSnapshot(ctx)
	}
	rows, err := e.tbl.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	curr := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		id, _ := row["id"].(string)
		decoded, ok := e.decodeBaseRow(id, row)
		if !ok {
			continue
		}
		curr[id] = decoded
	}
	return curr, nil
}

// decodeBaseRow decrypts row's envelope fields into plaintext when E2EE
// without CRDT is configured; otherwise it returns row unchanged. On
// decryption failure the row is skipped and reported via onError rather
// than surfacing ciphertext to the host.
func (e *Engine) decodeBaseRow(id string, row map[string]any) (map[string]any, bool) {
	if e.provider == nil {
		return row, true
	}
	plaintext, err := envelope.DecodeBaseRow(e.provider, e.baseTable, keyFromID(id), row)
	if err != nil {
		e.onError(fmt.Errorf("syncengine: decrypt base row %q failed: %w", id, err))
		return nil, false
	}
	return plaintext, true
}

func (e *Engine) crdtSnapshot(ctx context.Context) (map[string]map[string]any, error) {
	var ids []string
	if e.crdtIndex != nil {
		known, err := e.crdtIndex.KnownDocIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("syncengine: failed to list known doc ids: %w", err)
		}
		ids = known
	}
	curr := make(map[string]map[string]any, len(ids))
	for _, id := range ids {
		if err := e.crdtEngine.Hydrate(ctx, id); err != nil {
			return nil, fmt.Errorf("syncengine: hydrate %q failed: %w", id, err)
		}
		curr[id] = e.crdtEngine.MaterializedView(id)
	}
	return curr, nil
}

// emitBatch diffs curr against the engine's previous snapshot and runs a
// single begin/write*/commit batch, then stores curr as the new previous.
func (e *Engine) emitBatch(curr map[string]map[string]any) {
	e.mu.Lock()
	prev := e.prev
	e.mu.Unlock()

	changes := diffRows(prev, curr, e.syncFields)
	if len(changes) == 0 {
		e.mu.Lock()
		e.prev = curr
		e.mu.Unlock()
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

	e.mu.Lock()
	e.prev = curr
	e.mu.Unlock()
}

// runQueue serializes hydration/mutation/live-event work for this sync
// instance through a single channel, draining closures in submission order
// until teardown closes the stop channel. The queue channel itself is
// never closed: producers may race teardown, and a send on a closed
// channel would panic the remote's callback goroutine.
func (e *Engine) runQueue() {
	defer close(e.queueDone)
	for {
		select {
		case <-e.stop:
			return
		case job := <-e.queue:
			e.mu.Lock()
			killed := e.killed
			e.mu.Unlock()
			if killed {
				return
			}
			job()
		}
	}
}

// enqueue submits job to the work queue, blocking until the single
// consumer has room: the queue is the serialization point, so shedding
// work onto the caller's goroutine would interleave emission batches. A
// torn-down engine drops the job instead.
func (e *Engine) enqueue(job func()) {
	select {
	case e.queue <- job:
	case <-e.stop:
	}
}

func (e *Engine) teardown() {
	e.mu.Lock()
	if e.state == TornDown {
		e.mu.Unlock()
		return
	}
	e.state = TornDown
	e.killed = true
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()

	if sub != nil {
		_ = sub.Cancel()
	}
	close(e.stop)
}

// idString resolves a row id value to its string form via the identity
// cache, if configured, falling back to a direct string assertion.
func (e *Engine) idString(v any) string {
	if e.identityCache != nil {
		if rid, ok := e.identityCache.Intern(v); ok {
			return rid.String()
		}
	}
	s, _ := v.(string)
	return s
}

func newTempID(table string) string {
	return table + ":tmp-" + uuid.NewString()
}

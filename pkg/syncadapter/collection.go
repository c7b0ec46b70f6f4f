package syncadapter

import (
	"context"
	"fmt"

	"github.com/amaydixit11/syncdb/internal/actorid"
	"github.com/amaydixit11/syncdb/internal/crdt"
	"github.com/amaydixit11/syncdb/internal/ident"
	"github.com/amaydixit11/syncdb/internal/queryexpr"
	"github.com/amaydixit11/syncdb/internal/schema"
	"github.com/amaydixit11/syncdb/internal/syncengine"
	"github.com/amaydixit11/syncdb/internal/table"
)

// RowChange re-exports the sync engine's emitted change shape.
type RowChange = syncengine.RowChange

// ChangeType re-exports the sync engine's row-change classification.
type ChangeType = syncengine.ChangeType

const (
	ChangeInsert = syncengine.ChangeInsert
	ChangeUpdate = syncengine.ChangeUpdate
	ChangeDelete = syncengine.ChangeDelete
)

// BeginFunc, WriteFunc, CommitFunc and MarkReadyFunc are the host runtime's
// batch-write primitives: begin a write transaction, write one change,
// commit, and signal that the collection's initial state is ready.
type BeginFunc func()
type WriteFunc func(RowChange)
type CommitFunc func()
type MarkReadyFunc func()

// SyncContext is the host runtime's control surface passed to Sync.
type SyncContext struct {
	Begin     BeginFunc
	Write     WriteFunc
	Commit    CommitFunc
	MarkReady MarkReadyFunc
}

func (s SyncContext) toEngine() syncengine.SyncContext {
	return syncengine.SyncContext{
		Begin:     s.Begin,
		Write:     func(c syncengine.RowChange) { s.Write(c) },
		Commit:    s.Commit,
		MarkReady: s.MarkReady,
	}
}

// Collection is one synchronized table, composing the cores:
// Collection -> syncengine -> (table/remotedb) + (crdt/envelope).
type Collection struct {
	engine        *syncengine.Engine
	tbl           *table.Table
	tableRef      queryexpr.TableRef
	identityCache *ident.IdentityCache
	schemas       *schema.Registry
	queryKey      []any
	queryClient   any
}

// New constructs a Collection from cfg, wiring CRDT and/or E2EE components
// when configured.
func New(cfg Config) (*Collection, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	identityCache := cfg.IdentityCache
	if identityCache == nil {
		identityCache = ident.NewIdentityCache()
	}

	schemas, err := schemaRegistryFor(cfg)
	if err != nil {
		return nil, err
	}

	tbl := table.New(cfg.DB, cfg.Table, cfg.SyncFields)
	provider, baseTable := cfg.resolveE2EEProvider()

	engineCfg := syncengine.Config{
		Mode:          cfg.Mode,
		SyncFields:    bool(cfg.SyncFields),
		Table:         tbl,
		Provider:      provider,
		BaseTable:     baseTable,
		IdentityCache: identityCache,
		Logger:        cfg.Logger,
		OnError:       cfg.OnError,
	}

	if cfg.crdtEnabled() {
		crdtTable := table.New(cfg.DB, cfg.CRDT.UpdatesTable, table.SyncFieldsOff)
		logStore := NewLogTableStore(crdtTable)

		resolver := cfg.CRDT.Resolver
		if resolver == nil {
			identity, err := actorid.LoadOrCreate(cfg.CRDT.StateDir)
			if err != nil {
				return nil, fmt.Errorf("syncadapter: failed to load actor identity: %w", err)
			}
			resolver = crdt.ConstantActor(identity.ActorID)
		}

		var materializeStore crdt.MaterializeStore
		if cfg.CRDT.MaterializeTable != nil {
			materializeTable := table.New(cfg.DB, *cfg.CRDT.MaterializeTable, cfg.SyncFields)
			materializeStore = NewMaterializedTableStore(materializeTable)
		}

		crdtEngine := crdt.NewEngine(crdt.Config{
			Profile:   cfg.CRDT.Profile,
			LogStore:  logStore,
			Resolver:  resolver,
			Provider:  provider,
			LogTable:  cfg.CRDT.UpdatesTable.Name,
			BaseTable: cfg.Table.Name,
		})

		engineCfg.CRDTEngine = crdtEngine
		engineCfg.CRDTTable = crdtTable
		engineCfg.CRDTIndex = logStore
		engineCfg.MaterializeStore = materializeStore
	}

	return &Collection{
		engine:        syncengine.New(engineCfg),
		tbl:           tbl,
		tableRef:      cfg.Table,
		identityCache: identityCache,
		schemas:       schemas,
		queryKey:      cfg.QueryKey,
		queryClient:   cfg.QueryClient,
	}, nil
}

// GetKey extracts the canonical record key for row, the identity the host
// runtime indexes the collection by.
func (c *Collection) GetKey(row map[string]any) string {
	if rid, ok := c.identityCache.Intern(row["id"]); ok {
		return rid.String()
	}
	s, _ := row["id"].(string)
	return s
}

// QueryKey returns the opaque cache-key scope supplied at construction.
func (c *Collection) QueryKey() []any { return c.queryKey }

// QueryClient returns the host runtime's query-cache handle, untouched.
func (c *Collection) QueryClient() any { return c.queryClient }

// IdentityCache returns the collection's owned identity cache, useful for a
// host wanting to intern ids outside of Insert/Update (e.g. rendering
// foreign-key references read back from the engine's emitted rows).
func (c *Collection) IdentityCache() *ident.IdentityCache {
	return c.identityCache
}

// Metrics returns a snapshot of the collection's sync counters.
func (c *Collection) Metrics() syncengine.Snapshot {
	return c.engine.Metrics()
}

// State reports the collection's current lifecycle state.
func (c *Collection) State() syncengine.State {
	return c.engine.State()
}

// Handle is returned by Sync: a cleanup function plus, in on-demand mode,
// subset load/unload.
type Handle struct {
	engine   *syncengine.Handle
	tableRef queryexpr.TableRef
}

// Cleanup tears the sync instance down; a torn-down instance silently
// drops subsequent events.
func (h *Handle) Cleanup() {
	h.engine.Cleanup()
}

// LoadSubset loads (or reloads) subset, keyed by its canonical descriptor
// string, restricted to on-demand mode.
func (h *Handle) LoadSubset(ctx context.Context, subset queryexpr.Subset) error {
	key, err := queryexpr.CanonicalKey(h.tableRef, subset)
	if err != nil {
		return err
	}
	return h.engine.LoadSubset(ctx, key, subset)
}

// UnloadSubset drops subset's descriptor, closing LIVE handles once the
// last loaded subset is gone.
func (h *Handle) UnloadSubset(ctx context.Context, subset queryexpr.Subset) error {
	key, err := queryexpr.CanonicalKey(h.tableRef, subset)
	if err != nil {
		return err
	}
	h.engine.UnloadSubset(ctx, key)
	return nil
}

// Sync starts the collection's sync instance: Idle -> Hydrating ->
// Ready-* per the configured mode.
func (c *Collection) Sync(ctx context.Context, sctx SyncContext) (*Handle, error) {
	h, err := c.engine.Sync(ctx, sctx.toEngine())
	if err != nil {
		return nil, err
	}
	return &Handle{engine: h, tableRef: c.tableRef}, nil
}

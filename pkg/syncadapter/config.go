// Package syncadapter is the public entrypoint: a thin facade composing
// internal/ident, internal/envelope, internal/crdt, internal/table,
// internal/subsetcache and internal/syncengine into the contract a host
// reactive-collection runtime drives.
package syncadapter

import (
	"fmt"

	"github.com/amaydixit11/syncdb/internal/crdt"
	"github.com/amaydixit11/syncdb/internal/envelope"
	"github.com/amaydixit11/syncdb/internal/ident"
	"github.com/amaydixit11/syncdb/internal/queryexpr"
	"github.com/amaydixit11/syncdb/internal/remotedb"
	"github.com/amaydixit11/syncdb/internal/schema"
	"github.com/amaydixit11/syncdb/internal/syncengine"
	"github.com/amaydixit11/syncdb/internal/table"
)

// Mode re-exports the sync engine's synchronization strategy so callers
// never need to import internal/syncengine directly.
type Mode = syncengine.Mode

const (
	ModeEager       = syncengine.ModeEager
	ModeOnDemand    = syncengine.ModeOnDemand
	ModeProgressive = syncengine.ModeProgressive
)

// CRDTConfig opts a collection into CRDT replication. Profile
// selects the document materialization; UpdatesTable names the append-only
// update/snapshot log table. When Resolver is nil, a stable actor identity
// is loaded (or generated and persisted) from StateDir via internal/actorid.
type CRDTConfig struct {
	Profile          crdt.Profile
	UpdatesTable     queryexpr.TableRef
	Resolver         crdt.ActorResolver
	StateDir         string
	MaterializeTable *queryexpr.TableRef // optional: mirror materialized views for server-side queries
}

// E2EEConfig opts a collection into end-to-end encryption. Without CRDT,
// base rows are encrypted and updates run a decrypt-merge-re-encrypt cycle;
// with CRDT, the provider encrypts the update-log payloads instead.
// BaseTable defaults to the collection's own table name when empty.
type E2EEConfig struct {
	Provider  envelope.Provider
	BaseTable string
}

// Config configures one Collection; each Collection owns exactly one sync
// engine.
type Config struct {
	DB    remotedb.DB
	Table queryexpr.TableRef

	Mode       Mode
	SyncFields table.SyncFieldMode

	// Schema is an optional JSON Schema (draft-07-compatible, per
	// gojsonschema) validated against every insert before the optimistic
	// write-upsert.
	Schema []byte

	CRDT *CRDTConfig
	E2EE *E2EEConfig

	// QueryKey is an opaque cache-key scope handed back to the host runtime
	// untouched; the adapter never inspects it.
	QueryKey []any
	// QueryClient is the host runtime's query-cache handle, passed through
	// equally opaque.
	QueryClient any

	// IdentityCache is explicitly owned by the caller, or constructed fresh
	// if nil; there is no package-level global pool.
	IdentityCache *ident.IdentityCache

	Logger  syncengine.Logger
	OnError syncengine.ErrorSink
}

// DefaultConfig returns a Config with eager sync and sync-field bookkeeping
// enabled.
func DefaultConfig(db remotedb.DB, ref queryexpr.TableRef) Config {
	return Config{
		DB:         db,
		Table:      ref,
		Mode:       ModeEager,
		SyncFields: table.SyncFieldsOn,
	}
}

func (cfg Config) crdtEnabled() bool {
	return cfg.CRDT != nil
}

func (cfg Config) resolveE2EEProvider() (envelope.Provider, string) {
	if cfg.E2EE == nil {
		return nil, ""
	}
	baseTable := cfg.E2EE.BaseTable
	if baseTable == "" {
		baseTable = cfg.Table.Name
	}
	return cfg.E2EE.Provider, baseTable
}

func validateConfig(cfg Config) error {
	if cfg.DB == nil {
		return fmt.Errorf("syncadapter: Config.DB is required")
	}
	if cfg.Table.Name == "" {
		return fmt.Errorf("syncadapter: Config.Table.Name is required")
	}
	if cfg.crdtEnabled() {
		if cfg.CRDT.UpdatesTable.Name == "" {
			return fmt.Errorf("syncadapter: Config.CRDT.UpdatesTable.Name is required when CRDT is enabled")
		}
		if cfg.CRDT.Resolver == nil && cfg.CRDT.StateDir == "" {
			return fmt.Errorf("syncadapter: Config.CRDT requires either a Resolver or a StateDir for actor identity")
		}
	}
	return nil
}

// schemaRegistryFor builds a per-collection registry, registering cfg.Schema
// under the collection's own table name when present.
func schemaRegistryFor(cfg Config) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	if len(cfg.Schema) == 0 {
		return reg, nil
	}
	if err := reg.Register(cfg.Table.Name, cfg.Schema); err != nil {
		return nil, err
	}
	return reg, nil
}

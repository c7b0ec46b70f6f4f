// Package sqlitedb is a reference remotedb.DB implementation backed by
// SQLite, for tests and the example program. Because SQLite has no native
// push channel, Live diff-polls on a ticker and synthesizes insert/update/
// delete events. This is a reference/test concern only; the production
// contract remains push-based.
package sqlitedb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/amaydixit11/syncdb/internal/remotedb"
)

// DB is a SQLite-backed remotedb.DB. Each logical table is stored as its
// own SQLite table of (id TEXT PRIMARY KEY, data TEXT), the row's full
// JSON-encoded content.
type DB struct {
	conn *sql.DB

	mu      sync.Mutex
	known   map[string]bool // tables already ensured to exist
	pollInt time.Duration
}

// Open opens (or creates) a SQLite database at path. Pass ":memory:" for an
// ephemeral in-process store.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: failed to open database: %w", err)
	}
	return &DB{conn: conn, known: make(map[string]bool), pollInt: 200 * time.Millisecond}, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// SetPollInterval overrides the default live-poll interval, mainly for
// tests that want faster convergence.
func (db *DB) SetPollInterval(d time.Duration) {
	db.pollInt = d
}

var tableNameShape = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (db *DB) ensureTable(table string) error {
	if !tableNameShape.MatchString(table) {
		return fmt.Errorf("sqlitedb: invalid table name %q", table)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.known[table] {
		return nil
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (id TEXT PRIMARY KEY, data TEXT NOT NULL)`, table)
	if _, err := db.conn.Exec(stmt); err != nil {
		return fmt.Errorf("sqlitedb: failed to create table %q: %w", table, err)
	}
	db.known[table] = true
	return nil
}

func decodeRow(id, data string) (map[string]any, error) {
	var row map[string]any
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("sqlitedb: failed to decode row %q: %w", id, err)
	}
	row["id"] = id
	return row, nil
}

func encodeRow(row map[string]any) (string, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("sqlitedb: failed to encode row: %w", err)
	}
	return string(data), nil
}

// Select implements remotedb.DB.
func (db *DB) Select(ctx context.Context, table string) ([]map[string]any, error) {
	if err := db.ensureTable(table); err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(`SELECT id, data FROM %q ORDER BY id`, table))
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: select failed: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("sqlitedb: scan failed: %w", err)
		}
		row, err := decodeRow(id, data)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

var selectFromShape = regexp.MustCompile(`(?i)^\s*SELECT\s+\*\s+FROM\s+([A-Za-z_][A-Za-z0-9_]*)\s*$`)

// Query implements remotedb.DB for the limited subset the reference
// implementation supports: a bare "SELECT * FROM <table>", which returns
// the full table scan. Any other statement, including one with a WHERE,
// ORDER BY or LIMIT clause, is rejected with an error, and bindings are
// ignored; the reference implementation is a test fixture, not a query
// planner.
func (db *DB) Query(ctx context.Context, sqlText string, _ []any) ([]map[string]any, error) {
	match := selectFromShape.FindStringSubmatch(sqlText)
	if match == nil {
		return nil, fmt.Errorf("sqlitedb: reference Query only supports \"SELECT * FROM <table>\", got %q", sqlText)
	}
	return db.Select(ctx, match[1])
}

func splitID(id string) (table, key string, err error) {
	idx := strings.IndexByte(id, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("sqlitedb: id %q is not table-qualified", id)
	}
	return id[:idx], id[idx+1:], nil
}

// Create implements remotedb.DB: generates an id when content has none.
func (db *DB) Create(ctx context.Context, table string, content map[string]any) (map[string]any, error) {
	if err := db.ensureTable(table); err != nil {
		return nil, err
	}

	id, _ := content["id"].(string)
	if id == "" {
		id = table + ":" + uuid.NewString()
	}

	row := make(map[string]any, len(content))
	for k, v := range content {
		if k == "id" {
			continue
		}
		row[k] = v
	}
	data, err := encodeRow(row)
	if err != nil {
		return nil, err
	}

	if _, err := db.conn.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %q (id, data) VALUES (?, ?)`, table), id, data); err != nil {
		return nil, fmt.Errorf("sqlitedb: create failed: %w", err)
	}
	row["id"] = id
	return row, nil
}

// Insert implements remotedb.DB: requires an explicit id.
func (db *DB) Insert(ctx context.Context, table string, content map[string]any) (map[string]any, error) {
	if _, ok := content["id"].(string); !ok {
		return nil, fmt.Errorf("sqlitedb: insert requires an explicit id")
	}
	return db.Create(ctx, table, content)
}

func (db *DB) fetch(ctx context.Context, table, id string) (map[string]any, bool, error) {
	row := db.conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %q WHERE id = ?`, table), id)
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("sqlitedb: fetch failed: %w", err)
	}
	decoded, err := decodeRow(id, data)
	return decoded, true, err
}

func (db *DB) write(ctx context.Context, table, id string, row map[string]any) (map[string]any, error) {
	clean := make(map[string]any, len(row))
	for k, v := range row {
		if k == "id" {
			continue
		}
		clean[k] = v
	}
	data, err := encodeRow(clean)
	if err != nil {
		return nil, err
	}
	_, err = db.conn.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %q (id, data) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data`, table,
	), id, data)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: write failed: %w", err)
	}
	clean["id"] = id
	return clean, nil
}

// Update implements remotedb.DB: MERGEs partial into the existing row,
// failing if absent.
func (db *DB) Update(ctx context.Context, id string, partial map[string]any) (map[string]any, error) {
	table, _, err := splitID(id)
	if err != nil {
		return nil, err
	}
	if err := db.ensureTable(table); err != nil {
		return nil, err
	}
	current, ok, err := db.fetch(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("sqlitedb: update: row %q not found", id)
	}
	for k, v := range partial {
		current[k] = v
	}
	return db.write(ctx, table, id, current)
}

// Upsert implements remotedb.DB: MERGEs partial, creating the row if
// absent.
func (db *DB) Upsert(ctx context.Context, id string, partial map[string]any) (map[string]any, error) {
	table, _, err := splitID(id)
	if err != nil {
		return nil, err
	}
	if err := db.ensureTable(table); err != nil {
		return nil, err
	}
	current, ok, err := db.fetch(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		current = make(map[string]any)
	}
	for k, v := range partial {
		current[k] = v
	}
	return db.write(ctx, table, id, current)
}

// Delete implements remotedb.DB.
func (db *DB) Delete(ctx context.Context, id string) error {
	table, _, err := splitID(id)
	if err != nil {
		return err
	}
	if err := db.ensureTable(table); err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, table), id)
	if err != nil {
		return fmt.Errorf("sqlitedb: delete failed: %w", err)
	}
	return nil
}

// IsFeatureSupported implements remotedb.DB.
func (db *DB) IsFeatureSupported(feature remotedb.Feature) bool {
	return feature == remotedb.FeatureLiveQueries
}

// liveHandle cancels a poll loop exactly once.
type liveHandle struct {
	cancel func()
	once   sync.Once
}

func (h *liveHandle) Kill() error {
	h.once.Do(h.cancel)
	return nil
}

func rowHash(row map[string]any) (string, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return string(sum[:]), nil
}

// Live implements remotedb.DB by diff-polling table on a ticker and
// synthesizing insert/update/delete events against the previous scan.
func (db *DB) Live(ctx context.Context, table string, cb func(remotedb.LiveEvent)) (remotedb.LiveHandle, error) {
	if err := db.ensureTable(table); err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(ctx)
	handle := &liveHandle{cancel: cancel}

	go func() {
		seen := make(map[string]string) // id -> content hash
		ticker := time.NewTicker(db.pollInt)
		defer ticker.Stop()

		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
			}

			rows, err := db.Select(pollCtx, table)
			if err != nil {
				continue
			}

			current := make(map[string]string, len(rows))
			for _, row := range rows {
				id, _ := row["id"].(string)
				hash, err := rowHash(row)
				if err != nil {
					continue
				}
				current[id] = hash

				prevHash, existed := seen[id]
				switch {
				case !existed:
					cb(remotedb.LiveEvent{Type: remotedb.EventInsert, Row: row})
				case prevHash != hash:
					cb(remotedb.LiveEvent{Type: remotedb.EventUpdate, Row: row})
				}
			}
			for id := range seen {
				if _, stillThere := current[id]; !stillThere {
					cb(remotedb.LiveEvent{Type: remotedb.EventDelete, Row: map[string]any{"id": id}})
				}
			}
			seen = current
		}
	}()

	return handle, nil
}

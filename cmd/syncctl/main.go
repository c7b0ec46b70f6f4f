// Command syncctl is a small inspection tool for the sync adapter: it
// normalizes record ids, hashes subset descriptors, and can spin up the
// reference SQLite remote for local experimentation. None of its logic is
// part of the core's import surface.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"golang.org/x/term"

	"github.com/amaydixit11/syncdb/internal/envelope"
	"github.com/amaydixit11/syncdb/internal/ident"
	"github.com/amaydixit11/syncdb/internal/queryexpr"
	"github.com/amaydixit11/syncdb/internal/remotedb/sqlitedb"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "normalize":
		cmdNormalize(args)
	case "hash":
		cmdHash(args)
	case "serve-sqlite":
		cmdServeSQLite(args)
	case "derive-key":
		cmdDeriveKey(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`syncctl - inspection tool for syncdb collections

Usage: syncctl <command> [options]

Commands:
  normalize <id>          Canonicalize a record id and print table/key
  hash <subset.json>       Print a subset descriptor's canonical cache key
  serve-sqlite <path>       Open (or create) a reference SQLite remote
  derive-key                Derive an AEAD key from a passphrase (Argon2id)
  help                      Show this help`)
}

func cmdNormalize(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: syncctl normalize <id>")
		os.Exit(1)
	}
	cache := ident.NewIdentityCache()
	rid, ok := cache.Intern(args[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "not a record id: %q\n", args[0])
		os.Exit(1)
	}
	fmt.Printf("table=%s key=%s canonical=%s\n", rid.Table, rid.Key, rid.String())
}

// subsetFile is the on-disk shape accepted by `syncctl hash`: a table name
// plus a JSON-encoded queryexpr.Subset shape. Since queryexpr.Expr has no
// JSON encoding (it's a Go interface tree meant for programmatic
// construction), the file instead carries a flat equality-only descriptor,
// enough to exercise CanonicalKey for inspection purposes.
type subsetFile struct {
	Table string            `json:"table"`
	Eq    map[string]any    `json:"eq"`
	Order []orderFileClause `json:"order"`
	Limit int               `json:"limit"`
}

type orderFileClause struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

func cmdHash(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: syncctl hash <subset.json>")
		os.Exit(1)
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read %s: %v\n", args[0], err)
		os.Exit(1)
	}
	var sf subsetFile
	if err := json.Unmarshal(data, &sf); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse %s: %v\n", args[0], err)
		os.Exit(1)
	}

	fields := make([]string, 0, len(sf.Eq))
	for field := range sf.Eq {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	var exprs []queryexpr.Expr
	for _, field := range fields {
		exprs = append(exprs, queryexpr.Cmp{Field: field, Op: queryexpr.OpEq, Value: sf.Eq[field]})
	}
	var where queryexpr.Expr
	if len(exprs) == 1 {
		where = exprs[0]
	} else if len(exprs) > 1 {
		where = queryexpr.And{Exprs: exprs}
	}

	order := make([]queryexpr.OrderClause, len(sf.Order))
	for i, o := range sf.Order {
		order[i] = queryexpr.OrderClause{Field: o.Field, Desc: o.Desc}
	}

	key, err := queryexpr.CanonicalKey(queryexpr.TableRef{Name: sf.Table}, queryexpr.Subset{Where: where, Order: order, Limit: sf.Limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to canonicalize subset: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(key)
}

func cmdServeSQLite(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: syncctl serve-sqlite <path>")
		os.Exit(1)
	}
	db, err := sqlitedb.Open(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open %s: %v\n", args[0], err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Printf("reference sqlite remote open at %s (ctrl-C to exit)\n", args[0])

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	fmt.Println("shutting down")
}

func cmdDeriveKey(args []string) {
	keyID := "default"
	if len(args) > 0 {
		keyID = args[0]
	}

	pass, err := readPassword("Passphrase: ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read passphrase: %v\n", err)
		os.Exit(1)
	}
	confirm, err := readPassword("Confirm passphrase: ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read passphrase: %v\n", err)
		os.Exit(1)
	}
	if string(pass) != string(confirm) {
		fmt.Fprintln(os.Stderr, "passphrases do not match")
		os.Exit(1)
	}

	key, salt, err := envelope.DerivePassphraseKey(pass, envelope.DefaultArgon2Params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to derive key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("key_id=%s salt_b64=%s\n", keyID, base64.StdEncoding.EncodeToString(salt))
	_ = key // the raw key is never printed; only salt/key_id are persisted material
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		var line string
		fmt.Scanln(&line)
		return []byte(line), nil
	}
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return pass, err
}


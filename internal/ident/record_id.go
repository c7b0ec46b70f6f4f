// Package ident canonicalizes and interns record identifiers so that
// equal identifiers compare equal by pointer, the way the host runtime's
// reactive comparators expect for foreign keys.
package ident

import (
	"reflect"
	"regexp"
	"strings"
)

// tableShape matches valid table name prefixes. Strings that fail this
// shape are never reinterpreted as record ids, even if they contain a colon.
var tableShape = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// RecordID is the canonical (table, key) pair behind a record identifier.
// Two RecordIDs obtained from IdentityCache.Intern for equal canonical
// strings are the same pointer.
type RecordID struct {
	Table string
	Key   string
}

// String returns the canonical "<table>:<key>" form.
func (r *RecordID) String() string {
	if r == nil {
		return ""
	}
	return r.Table + ":" + r.Key
}

// Stringer is satisfied by foreign objects whose String method yields a
// canonical record id form.
type Stringer interface {
	String() string
}

// ToCanonicalString returns the canonical "<table>:<key>" string iff input
// denotes a record id, in any of the documented variant shapes. It never
// panics on arbitrary user data.
func ToCanonicalString(input any) (string, bool) {
	table, key, ok := split(input)
	if !ok {
		return "", false
	}
	return table + ":" + key, true
}

// KeyOf yields the key portion of a record id input.
func KeyOf(input any) (string, bool) {
	_, key, ok := split(input)
	return key, ok
}

// split resolves input to a (table, key) pair without interning.
func split(input any) (table, key string, ok bool) {
	switch v := input.(type) {
	case nil:
		return "", "", false
	case *RecordID:
		if v == nil {
			return "", "", false
		}
		return v.Table, v.Key, true
	case RecordID:
		return v.Table, v.Key, true
	case string:
		return splitString(v)
	case map[string]any:
		return splitObject(v)
	default:
		// Foreign object exposing a canonical toString, or a struct with
		// Table/ID-shaped fields.
		if s, isStr := v.(Stringer); isStr {
			return splitString(s.String())
		}
		return splitReflect(v)
	}
}

// splitString parses the textual variants: bare "table:key", the same
// wrapped in a single layer of matching quotes, and a key wrapped in one
// layer of ASCII or Unicode angle brackets plus one layer of quotes.
func splitString(s string) (table, key string, ok bool) {
	s = unwrapQuotes(strings.TrimSpace(s))

	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return "", "", false
	}
	table = s[:idx]
	key = s[idx+1:]

	if !tableShape.MatchString(table) {
		return "", "", false
	}
	if key == "" {
		return "", "", false
	}

	key = unwrapBrackets(key)
	key = unwrapQuotes(key)
	if key == "" {
		return "", "", false
	}

	return table, key, true
}

func unwrapQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	first, last := s[0], s[len(s)-1]
	if first != last {
		return s
	}
	switch first {
	case '\'', '"', '`':
		return s[1 : len(s)-1]
	}
	return s
}

func unwrapBrackets(s string) string {
	r := []rune(s)
	if len(r) < 2 {
		return s
	}
	first, last := r[0], r[len(r)-1]
	if (first == '<' && last == '>') || (first == '⟨' && last == '⟩') {
		return string(r[1 : len(r)-1])
	}
	return s
}

// splitObject handles the two recognized map shapes: {table, id} and {id}.
// Any other key set is not itself a record id (it is an ordinary row that
// may merely contain record-id-shaped fields; see NormalizeDeep).
func splitObject(m map[string]any) (table, key string, ok bool) {
	if t, hasTable := m["table"]; hasTable {
		idVal, hasID := m["id"]
		if !hasTable || !hasID || len(m) != 2 {
			return "", "", false
		}
		tableStr, isStr := t.(string)
		if !isStr {
			return "", "", false
		}
		idTable, idKey, idOK := split(idVal)
		if idOK {
			// id itself resolved to a full record id (foreign/nested shape);
			// the outer "table" must agree for this to be unambiguous.
			if idTable != "" && idTable != tableStr {
				return "", "", false
			}
			return tableStr, idKey, true
		}
		if idStr, isStr := idVal.(string); isStr {
			idStr = unwrapBrackets(unwrapQuotes(idStr))
			if idStr == "" {
				return "", "", false
			}
			return tableStr, idStr, true
		}
		return "", "", false
	}

	if idVal, hasID := m["id"]; hasID && len(m) == 1 {
		return split(idVal)
	}

	return "", "", false
}

// splitReflect recognizes plain structs shaped like {Table, ID} or {Table, Key}.
func splitReflect(v any) (table, key string, ok bool) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return "", "", false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return "", "", false
	}

	tableField := fieldByNames(rv, "Table")
	idField := fieldByNames(rv, "ID", "Id", "Key")
	if !tableField.IsValid() || !idField.IsValid() {
		return "", "", false
	}
	tableStr, isStr := tableField.Interface().(string)
	if !isStr {
		return "", "", false
	}
	idTable, idKey, idOK := split(idField.Interface())
	if idOK {
		if idTable != "" && idTable != tableStr {
			return "", "", false
		}
		return tableStr, idKey, true
	}
	if idStr, isStr := idField.Interface().(string); isStr {
		idStr = unwrapBrackets(unwrapQuotes(idStr))
		if idStr == "" {
			return "", "", false
		}
		return tableStr, idStr, true
	}
	return "", "", false
}

func fieldByNames(rv reflect.Value, names ...string) reflect.Value {
	for _, n := range names {
		if f := rv.FieldByName(n); f.IsValid() {
			return f
		}
	}
	return reflect.Value{}
}

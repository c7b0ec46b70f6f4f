package ident

import "testing"

func TestToCanonicalStringVariants(t *testing.T) {
	cases := []struct {
		name  string
		input any
		want  string
	}{
		{"bare", "products:1", "products:1"},
		{"single-quoted", "'products:1'", "products:1"},
		{"double-quoted", `"products:1"`, "products:1"},
		{"backtick-quoted", "`products:1`", "products:1"},
		{"ascii-angle-key", "products:<1>", "products:1"},
		{"unicode-angle-key", "products:⟨1⟩", "products:1"},
		{"table-id-object", map[string]any{"table": "products", "id": "1"}, "products:1"},
		{"wrapped-id-object", map[string]any{"id": map[string]any{"table": "products", "id": "1"}}, "products:1"},
		{"wrapped-id-string", map[string]any{"id": "products:1"}, "products:1"},
		{"key-with-colon", "products:a:b", "products:a:b"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ToCanonicalString(tc.input)
			if !ok {
				t.Fatalf("ToCanonicalString(%#v) returned ok=false", tc.input)
			}
			if got != tc.want {
				t.Fatalf("ToCanonicalString(%#v) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestToCanonicalStringRejectsAmbiguous(t *testing.T) {
	cases := []any{
		"not-a-record-id",
		"1products:1", // leading digit fails table shape
		42,
		nil,
		map[string]any{"title": "hello"},
		map[string]any{"id": "products:1", "title": "hello"},
	}
	for _, in := range cases {
		if _, ok := ToCanonicalString(in); ok {
			t.Fatalf("ToCanonicalString(%#v) expected ok=false", in)
		}
	}
}

func TestInternReferenceEquality(t *testing.T) {
	cache := NewIdentityCache()
	inputs := []any{
		"products:1",
		"'products:1'",
		"products:⟨1⟩",
		map[string]any{"table": "products", "id": "1"},
		map[string]any{"id": map[string]any{"table": "products", "id": "1"}},
	}

	var first *RecordID
	for i, in := range inputs {
		rid, ok := cache.Intern(in)
		if !ok {
			t.Fatalf("input %d: Intern(%#v) returned ok=false", i, in)
		}
		if first == nil {
			first = rid
			continue
		}
		if rid != first {
			t.Fatalf("input %d: Intern(%#v) = %p, want same pointer as first (%p)", i, in, rid, first)
		}
	}
}

func TestInternIdempotent(t *testing.T) {
	cache := NewIdentityCache()
	a, _ := cache.Intern("products:1")
	b, _ := cache.Intern("products:1")
	if a != b {
		t.Fatalf("expected same interned pointer across calls")
	}
	if cache.Len() != 1 {
		t.Fatalf("expected 1 distinct id, got %d", cache.Len())
	}
}

func TestKeyOf(t *testing.T) {
	key, ok := KeyOf("products:abc:def")
	if !ok || key != "abc:def" {
		t.Fatalf("KeyOf = %q, %v, want %q, true", key, ok, "abc:def")
	}
}

func TestNormalizeDeepPreservesRowFields(t *testing.T) {
	cache := NewIdentityCache()
	row := map[string]any{
		"id":     "notes:1",
		"author": "users:5",
		"title":  "hello",
		"count":  3,
	}
	normalized := cache.NormalizeDeep(row).(map[string]any)

	id, ok := normalized["id"].(*RecordID)
	if !ok || id.String() != "notes:1" {
		t.Fatalf("id field not normalized: %#v", normalized["id"])
	}
	author, ok := normalized["author"].(*RecordID)
	if !ok || author.String() != "users:5" {
		t.Fatalf("author field not normalized: %#v", normalized["author"])
	}
	if normalized["title"] != "hello" {
		t.Fatalf("title field mutated: %#v", normalized["title"])
	}
	if normalized["count"] != 3 {
		t.Fatalf("count field mutated: %#v", normalized["count"])
	}
}

func TestNormalizeDeepLeavesUnknownValuesAlone(t *testing.T) {
	cache := NewIdentityCache()
	blob := []byte{1, 2, 3}
	out := cache.NormalizeDeep(blob)
	b, ok := out.([]byte)
	if !ok || len(b) != 3 {
		t.Fatalf("expected byte slice untouched, got %#v", out)
	}
}

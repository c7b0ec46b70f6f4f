// Package crdt implements the per-document CRDT used to replicate a base
// row's content through an append-only update log, independent of any
// particular remote database or transport.
package crdt

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Profile selects how a document's root map materializes into a row. It is
// a value, not a type hierarchy: both profiles share the same underlying
// last-writer-wins map, differing only in projection.
type Profile string

const (
	JSONProfile     Profile = "json"
	RichTextProfile Profile = "richtext"
)

// VersionVector tracks, per actor, the highest write counter a document has
// observed from that actor.
type VersionVector map[string]uint64

// Clone returns an independent copy.
func (vv VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(vv))
	for k, v := range vv {
		out[k] = v
	}
	return out
}

// Field is a single last-writer-wins register: a value tagged with the
// (actor, counter) pair of the write that produced it.
type Field struct {
	Value   any    `json:"value"`
	Counter uint64 `json:"counter"`
	Actor   string `json:"actor"`
}

// wins reports whether candidate should replace current under last-writer-
// wins: higher counter wins; ties break on the actor id so merges are
// deterministic regardless of arrival order.
func (current Field) wins(candidate Field) bool {
	if candidate.Counter != current.Counter {
		return candidate.Counter > current.Counter
	}
	return candidate.Actor > current.Actor
}

// MapState is the document's root last-writer-wins map: field name to
// Field. It underlies both profiles (richtext simply reserves the
// "content" field for the text container).
type MapState struct {
	Fields map[string]Field `json:"fields"`
}

func newMapState() *MapState {
	return &MapState{Fields: make(map[string]Field)}
}

// Document is one CRDT instance, owned per base-row id. It is safe for
// concurrent use.
type Document struct {
	mu      sync.Mutex
	profile Profile
	state   *MapState
	vv      VersionVector
}

// NewDocument creates an empty document for the given profile.
func NewDocument(profile Profile) *Document {
	return &Document{profile: profile, state: newMapState(), vv: make(VersionVector)}
}

// Profile reports the document's materialization profile.
func (d *Document) Profile() Profile {
	return d.profile
}

// OplogVersion returns a defensive copy of the document's version vector.
func (d *Document) OplogVersion() VersionVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vv.Clone()
}

// SetField writes a single field as actor at the next local counter for
// that actor, applying last-writer-wins if the field already holds a more
// recent write. It reports whether the write was applied.
func (d *Document) SetField(actor, name string, value any) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setFieldLocked(actor, name, value)
}

func (d *Document) setFieldLocked(actor, name string, value any) bool {
	next := d.vv[actor] + 1
	candidate := Field{Value: value, Counter: next, Actor: actor}

	current, exists := d.state.Fields[name]
	applied := !exists || current.wins(candidate)
	if applied {
		d.state.Fields[name] = candidate
	}
	if next > d.vv[actor] {
		d.vv[actor] = next
	}
	return applied
}

// mergeField applies an incoming field from a remote update, last-writer-
// wins against any existing value, and advances the version vector if the
// incoming write is newer than anything seen from that actor.
func (d *Document) mergeField(name string, incoming Field) {
	current, exists := d.state.Fields[name]
	if !exists || current.wins(incoming) {
		d.state.Fields[name] = incoming
	}
	if incoming.Counter > d.vv[incoming.Actor] {
		d.vv[incoming.Actor] = incoming.Counter
	}
}

// updateOp is the wire form of an exported incremental update: every field
// write observed since some captured version.
type updateOp struct {
	Fields map[string]Field `json:"fields"`
}

// ExportSince serializes every field whose write is newer than the
// corresponding entry of since.
func (d *Document) ExportSince(since VersionVector) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	op := updateOp{Fields: make(map[string]Field)}
	for name, f := range d.state.Fields {
		if f.Counter > since[f.Actor] {
			op.Fields[name] = f
		}
	}
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("crdt: failed to marshal update: %w", err)
	}
	return data, nil
}

// Export serializes the document's full current state as a snapshot.
func (d *Document) Export() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, err := json.Marshal(updateOp{Fields: d.state.Fields})
	if err != nil {
		return nil, fmt.Errorf("crdt: failed to marshal snapshot: %w", err)
	}
	return data, nil
}

// Import merges a serialized update or snapshot into the document.
func (d *Document) Import(data []byte) error {
	var op updateOp
	if err := json.Unmarshal(data, &op); err != nil {
		return fmt.Errorf("crdt: failed to unmarshal update: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for name, f := range op.Fields {
		d.mergeField(name, f)
	}
	return nil
}

// ToJSON renders the root map as a plain value map, dropping LWW metadata.
func (d *Document) ToJSON() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]any, len(d.state.Fields))
	for name, f := range d.state.Fields {
		out[name] = f.Value
	}
	return out
}

// GetField reads a single field's current value, reporting whether it has
// ever been written.
func (d *Document) GetField(name string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.state.Fields[name]
	if !ok {
		return nil, false
	}
	return f.Value, true
}

// Text returns the current value of the richtext content field, or "" if
// unset.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.state.Fields["content"]
	if !ok {
		return ""
	}
	s, _ := f.Value.(string)
	return s
}

// UpdateText replaces the whole text container as actor.
func (d *Document) UpdateText(actor, content string) bool {
	return d.SetField(actor, "content", content)
}

// IsDeleted reports the document's tombstone flag.
func (d *Document) IsDeleted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.state.Fields["deleted"]
	if !ok {
		return false
	}
	b, _ := f.Value.(bool)
	return b
}

// MaterializedView projects the document into a row per its profile,
// overwriting "id" with the canonical record id.
func (d *Document) MaterializedView(id string) map[string]any {
	switch d.profile {
	case RichTextProfile:
		d.mu.Lock()
		out := make(map[string]any, len(d.state.Fields)+1)
		for name, f := range d.state.Fields {
			if name == "content" {
				continue
			}
			out[name] = f.Value
		}
		content := ""
		if f, ok := d.state.Fields["content"]; ok {
			content, _ = f.Value.(string)
		}
		d.mu.Unlock()
		out["content"] = content
		out["id"] = id
		return out
	default:
		row := d.ToJSON()
		row["id"] = id
		return row
	}
}

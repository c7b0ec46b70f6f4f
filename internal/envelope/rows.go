package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Kind distinguishes an update-log row from a snapshot row; each uses a
// distinct plaintext field name when envelopes are disabled.
type Kind string

const (
	KindUpdate   Kind = "update"
	KindSnapshot Kind = "snapshot"
)

func (k Kind) fieldName() string {
	switch k {
	case KindSnapshot:
		return "snapshot_bytes"
	default:
		return "update_bytes"
	}
}

// BaseRowAAD derives the associated data for a base-table row envelope:
// "<base_table>:<record_key>".
func BaseRowAAD(baseTable, recordKey string) []byte {
	return []byte(baseTable + ":" + recordKey)
}

// UpdateAAD derives the associated data for a CRDT log row envelope:
// "<log_table>:<base_table>:<doc_key>".
func UpdateAAD(logTable, baseTable, docKey string) []byte {
	return []byte(logTable + ":" + baseTable + ":" + docKey)
}

// EncodeBaseRow encrypts plaintext (every field of a row except "id") and
// returns the envelope fields to merge into the record written to the
// remote. The caller supplies the id separately; it is never part of the
// ciphertext, matching the remote schema's own id column.
func EncodeBaseRow(provider Provider, baseTable, recordKey string, plaintext map[string]any) (map[string]any, error) {
	clean := make(map[string]any, len(plaintext))
	for k, v := range plaintext {
		if k == "id" {
			continue
		}
		clean[k] = v
	}

	data, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to marshal base row: %w", err)
	}

	env, err := provider.Encrypt(data, BaseRowAAD(baseTable, recordKey))
	if err != nil {
		return nil, err
	}
	return env.ToFields(), nil
}

// DecodeBaseRow decrypts a base-table row's envelope fields and merges the
// recovered plaintext with the row's own "id" field.
func DecodeBaseRow(provider Provider, baseTable, recordKey string, row map[string]any) (map[string]any, error) {
	env, err := FromFields(row)
	if err != nil {
		return nil, err
	}

	plaintext, err := provider.Decrypt(env, BaseRowAAD(baseTable, recordKey))
	if err != nil {
		return nil, err
	}

	var obj map[string]any
	if err := json.Unmarshal(plaintext, &obj); err != nil {
		return nil, fmt.Errorf("envelope: failed to unmarshal decrypted base row: %w", err)
	}
	if id, ok := row["id"]; ok {
		obj["id"] = id
	}
	return obj, nil
}

// EncodeUpdate prepares a CRDT log row's payload fields. When provider is
// non-nil the bytes are sealed into envelope fields; otherwise they are
// stored base64-encoded under the kind's plain field name.
func EncodeUpdate(provider Provider, logTable, baseTable, docKey string, payload []byte, kind Kind) (map[string]any, error) {
	if provider == nil {
		return map[string]any{
			kind.fieldName(): base64.StdEncoding.EncodeToString(payload),
		}, nil
	}

	env, err := provider.Encrypt(payload, UpdateAAD(logTable, baseTable, docKey))
	if err != nil {
		return nil, err
	}
	return env.ToFields(), nil
}

// DecodeUpdate recovers a CRDT log row's payload bytes, whether the row
// carries envelope fields or the kind's plain field name.
func DecodeUpdate(provider Provider, logTable, baseTable, docKey string, row map[string]any, kind Kind) ([]byte, error) {
	if HasEnvelopeFields(row) {
		if provider == nil {
			return nil, fmt.Errorf("envelope: row is encrypted but no provider was configured")
		}
		env, err := FromFields(row)
		if err != nil {
			return nil, err
		}
		return provider.Decrypt(env, UpdateAAD(logTable, baseTable, docKey))
	}

	raw, _ := row[kind.fieldName()].(string)
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("envelope: invalid %s encoding: %w", kind.fieldName(), err)
	}
	return payload, nil
}

// Package envelope serializes and deserializes authenticated encrypted
// envelopes, deriving associated data from table and record identity, and
// delegates the actual AEAD operation to an injected Provider.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Envelope is the record form of an encrypted payload.
type Envelope struct {
	Version    int    `json:"version"`
	Algorithm  string `json:"algorithm"`
	KeyID      string `json:"key_id"`
	Nonce      []byte `json:"-"`
	Ciphertext []byte `json:"-"`
}

// Provider is the injected cryptographic capability. The core
// never implements key management; it only consumes this capability.
type Provider interface {
	Encrypt(plaintext, aad []byte) (Envelope, error)
	Decrypt(env Envelope, aad []byte) ([]byte, error)
}

const (
	// NonceSize is the AES-GCM nonce size used by the default provider.
	NonceSize = 12
	// DefaultAlgorithm is the algorithm tag the default provider stamps on
	// every envelope it produces.
	DefaultAlgorithm = "AES-256-GCM"
)

var (
	// ErrUnsupportedAlgorithm is returned when decrypting an envelope whose
	// algorithm tag the provider does not recognize.
	ErrUnsupportedAlgorithm = errors.New("envelope: unsupported algorithm")
	// ErrDecrypt wraps any AEAD authentication failure (bad key, bad AAD,
	// corrupted ciphertext).
	ErrDecrypt = errors.New("envelope: decryption failed")
)

// AESGCMProvider is the default Provider: AES-256-GCM with a random 12-byte
// nonce per encryption and a caller-supplied key_id.
type AESGCMProvider struct {
	KeyID string
	Key   [32]byte
}

// NewAESGCMProvider constructs a provider bound to a 32-byte key and a
// caller-chosen key_id used to select the right key on decrypt.
func NewAESGCMProvider(keyID string, key [32]byte) *AESGCMProvider {
	return &AESGCMProvider{KeyID: keyID, Key: key}
}

func (p *AESGCMProvider) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(p.Key[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt implements Provider.
func (p *AESGCMProvider) Encrypt(plaintext, aad []byte) (Envelope, error) {
	aead, err := p.aead()
	if err != nil {
		return Envelope{}, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, fmt.Errorf("envelope: failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, aad)

	return Envelope{
		Version:    1,
		Algorithm:  DefaultAlgorithm,
		KeyID:      p.KeyID,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// Decrypt implements Provider.
func (p *AESGCMProvider) Decrypt(env Envelope, aad []byte) ([]byte, error) {
	if env.Algorithm != DefaultAlgorithm {
		return nil, ErrUnsupportedAlgorithm
	}

	aead, err := p.aead()
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// recordFields are the persisted field keys; the stored record form always
// uses the full names, never the compact labels.
const (
	fieldVersion    = "version"
	fieldAlgorithm  = "algorithm"
	fieldKeyID      = "key_id"
	fieldNonce      = "nonce"
	fieldCiphertext = "ciphertext"
)

// ToFields renders an envelope as the persisted record fields, compact
// text-encoded (base64) as the remote's field types require.
func (e Envelope) ToFields() map[string]any {
	return map[string]any{
		fieldVersion:    e.Version,
		fieldAlgorithm:  e.Algorithm,
		fieldKeyID:      e.KeyID,
		fieldNonce:      base64.StdEncoding.EncodeToString(e.Nonce),
		fieldCiphertext: base64.StdEncoding.EncodeToString(e.Ciphertext),
	}
}

// HasEnvelopeFields reports whether row carries the full set of persisted
// envelope fields.
func HasEnvelopeFields(row map[string]any) bool {
	for _, f := range []string{fieldVersion, fieldAlgorithm, fieldKeyID, fieldNonce, fieldCiphertext} {
		if _, ok := row[f]; !ok {
			return false
		}
	}
	return true
}

// FromFields parses the persisted record fields back into an Envelope.
func FromFields(row map[string]any) (Envelope, error) {
	version, _ := row[fieldVersion].(int)
	if version == 0 {
		if f, ok := row[fieldVersion].(float64); ok {
			version = int(f)
		}
	}
	algorithm, _ := row[fieldAlgorithm].(string)
	keyID, _ := row[fieldKeyID].(string)

	nonceStr, _ := row[fieldNonce].(string)
	nonce, err := base64.StdEncoding.DecodeString(nonceStr)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: invalid nonce encoding: %w", err)
	}

	ctStr, _ := row[fieldCiphertext].(string)
	ciphertext, err := base64.StdEncoding.DecodeString(ctStr)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: invalid ciphertext encoding: %w", err)
	}

	return Envelope{
		Version:    version,
		Algorithm:  algorithm,
		KeyID:      keyID,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// ToCompactFields renders the in-memory compact-label form {v, alg, kid, n,
// ct}, used where envelopes travel inside other in-memory structures rather
// than as a persisted record (the stored record form always uses the full
// field names).
func (e Envelope) ToCompactFields() map[string]any {
	return map[string]any{
		"v":   e.Version,
		"alg": e.Algorithm,
		"kid": e.KeyID,
		"n":   base64.StdEncoding.EncodeToString(e.Nonce),
		"ct":  base64.StdEncoding.EncodeToString(e.Ciphertext),
	}
}

// FromCompactFields parses the compact-label form back into an Envelope.
func FromCompactFields(m map[string]any) (Envelope, error) {
	version, _ := m["v"].(int)
	if version == 0 {
		if f, ok := m["v"].(float64); ok {
			version = int(f)
		}
	}
	algorithm, _ := m["alg"].(string)
	keyID, _ := m["kid"].(string)

	nonceStr, _ := m["n"].(string)
	nonce, err := base64.StdEncoding.DecodeString(nonceStr)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: invalid nonce encoding: %w", err)
	}
	ctStr, _ := m["ct"].(string)
	ciphertext, err := base64.StdEncoding.DecodeString(ctStr)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: invalid ciphertext encoding: %w", err)
	}

	return Envelope{
		Version:    version,
		Algorithm:  algorithm,
		KeyID:      keyID,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

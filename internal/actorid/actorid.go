// Package actorid derives a stable CRDT actor identity from an Ed25519
// keypair, persisted across restarts so update rows keep the same author
// and loop prevention keeps working after a process restart.
package actorid

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// KeyFileName is the name of the persisted private key material under an
// adapter's state directory.
const KeyFileName = "actor_identity.key"

// Identity is a resolved, stable actor id plus the keypair it was derived
// from (retained for future signing needs, not required for loop
// prevention alone).
type Identity struct {
	ActorID string
	priv    libp2pcrypto.PrivKey
}

// Generate creates a fresh Ed25519-derived identity without persisting it.
func Generate() (*Identity, error) {
	priv, _, err := libp2pcrypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("actorid: failed to generate key: %w", err)
	}
	return identityFromKey(priv)
}

func identityFromKey(priv libp2pcrypto.PrivKey) (*Identity, error) {
	pub := priv.GetPublic()
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("actorid: failed to derive peer id: %w", err)
	}
	return &Identity{ActorID: id.String(), priv: priv}, nil
}

// LoadOrCreate reads the persisted identity from stateDir, generating and
// persisting a new one if none exists.
func LoadOrCreate(stateDir string) (*Identity, error) {
	path := filepath.Join(stateDir, KeyFileName)

	if data, err := os.ReadFile(path); err == nil {
		priv, err := libp2pcrypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("actorid: failed to unmarshal persisted key: %w", err)
		}
		return identityFromKey(priv)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("actorid: failed to read persisted key: %w", err)
	}

	identity, err := Generate()
	if err != nil {
		return nil, err
	}
	data, err := libp2pcrypto.MarshalPrivateKey(identity.priv)
	if err != nil {
		return nil, fmt.Errorf("actorid: failed to marshal key for persistence: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("actorid: failed to create state dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("actorid: failed to persist key: %w", err)
	}
	return identity, nil
}

// PublicKeyBase64 renders the identity's marshaled public key, useful for
// out-of-band verification between peers.
func (id *Identity) PublicKeyBase64() (string, error) {
	data, err := libp2pcrypto.MarshalPublicKey(id.priv.GetPublic())
	if err != nil {
		return "", fmt.Errorf("actorid: failed to marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

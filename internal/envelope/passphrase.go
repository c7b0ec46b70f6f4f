package envelope

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Argon2Params mirrors the parameters baked into a derived key so a
// previously derived key can be reproduced from the same passphrase and
// salt.
type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultArgon2Params is 3 passes, 64MB, 2 threads.
var DefaultArgon2Params = Argon2Params{Time: 3, Memory: 64 * 1024, Threads: 2}

const saltSize = 16

// DerivePassphraseKey derives a 32-byte AEAD key from a passphrase and a
// freshly generated random salt, returning both so the salt can be
// persisted alongside the envelope's key_id for later re-derivation.
func DerivePassphraseKey(passphrase []byte, params Argon2Params) (key [32]byte, salt []byte, err error) {
	salt = make([]byte, saltSize)
	if _, err = io.ReadFull(rand.Reader, salt); err != nil {
		return key, nil, fmt.Errorf("envelope: failed to generate salt: %w", err)
	}
	dk := argon2.IDKey(passphrase, salt, params.Time, params.Memory, params.Threads, 32)
	copy(key[:], dk)
	return key, salt, nil
}

// DerivePassphraseKeyWithSalt re-derives the same key from a passphrase
// given a previously generated salt, e.g. when unlocking with an
// already-initialized key store.
func DerivePassphraseKeyWithSalt(passphrase, salt []byte, params Argon2Params) [32]byte {
	var key [32]byte
	dk := argon2.IDKey(passphrase, salt, params.Time, params.Memory, params.Threads, 32)
	copy(key[:], dk)
	return key
}

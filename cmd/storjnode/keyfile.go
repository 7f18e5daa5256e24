package main

import (
	stderrors "errors"
	"os"

	"github.com/pkg/errors"
	"lukechampine.com/frand"

	"go.storjnode.dev/core/crypto"
)

// loadOrCreateKeyPair reads a 32-byte seed from path, generating and
// persisting a fresh one if the file does not yet exist. Key-ring
// encryption is explicitly out of scope here; the seed is stored raw,
// with file permissions as the only protection.
func loadOrCreateKeyPair(path string) (crypto.KeyPair, error) {
	raw, err := os.ReadFile(path)
	if stderrors.Is(err, os.ErrNotExist) {
		var seed [32]byte
		frand.Read(seed[:])
		if err := os.WriteFile(path, seed[:], 0600); err != nil {
			return crypto.KeyPair{}, errors.Wrap(err, "could not persist new key file")
		}
		return crypto.KeyPairFromSeed(seed)
	}
	if err != nil {
		return crypto.KeyPair{}, errors.Wrap(err, "could not read key file")
	}
	if len(raw) != 32 {
		return crypto.KeyPair{}, errors.New("key file must contain exactly 32 bytes")
	}
	var seed [32]byte
	copy(seed[:], raw)
	return crypto.KeyPairFromSeed(seed)
}

package crypto

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// A Seed deterministically derives a family of KeyPairs from one piece of
// master entropy, letting a renter hand out a fresh-looking key per
// contract (the contract's optional renter_hd_key field) without
// reusing, or needing to separately generate and store, its main
// identity key.
type Seed [32]byte

// NewSeedFromEntropy derives a Seed from arbitrary master entropy, e.g. a
// user-memorised passphrase already hashed down to 32 bytes elsewhere.
func NewSeedFromEntropy(entropy [32]byte) Seed {
	return Seed(blake2b.Sum256(entropy[:]))
}

// DeriveChild derives the index'th KeyPair in s's family. Derivation is
// a one-way hash of the seed and index, so knowing one child key reveals
// nothing about the seed or any other child.
func (s Seed) DeriveChild(index uint64) (KeyPair, error) {
	buf := make([]byte, 32+8)
	copy(buf, s[:])
	binary.LittleEndian.PutUint64(buf[32:], index)
	childSeed := blake2b.Sum256(buf)
	return KeyPairFromSeed(childSeed)
}

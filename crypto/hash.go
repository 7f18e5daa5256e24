// Package crypto provides the node's identity and hashing primitives:
// secp256k1 keypairs, NodeID derivation, and the RIPEMD160(SHA256(·))
// double hash used throughout the contract and audit protocols.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/ripemd160"
)

// ErrHashLength is returned by ParseHash160 when the input is not 20 bytes.
var ErrHashLength = errors.New("crypto: invalid Hash160 length")

// HashSize is the length in bytes of a Hash160 value.
const HashSize = 20

// Hash160 is a RIPEMD160(SHA256(·)) digest, the node's standard hash
// throughout the contract, Merkle-audit, and shard-addressing surfaces.
type Hash160 [HashSize]byte

// String returns the hex encoding of h.
func (h Hash160) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash160) IsZero() bool {
	return h == Hash160{}
}

// HashBytes computes RIPEMD160(SHA256(data)).
func HashBytes(data []byte) Hash160 {
	sh := sha256.Sum256(data)
	rh := ripemd160.New()
	rh.Write(sh[:])
	var h Hash160
	copy(h[:], rh.Sum(nil))
	return h
}

// RipeMD160 computes RIPEMD160(data) directly, without the leading SHA256
// pass. It is used to finish a streaming SHA256 hasher that has already
// absorbed the pre-image, avoiding a redundant SHA256 application of
// HashBytes.
func RipeMD160(data []byte) Hash160 {
	rh := ripemd160.New()
	rh.Write(data)
	var h Hash160
	copy(h[:], rh.Sum(nil))
	return h
}

// HashAll hashes the concatenation of its arguments with HashBytes.
func HashAll(parts ...[]byte) Hash160 {
	var buf []byte
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return HashBytes(buf)
}

// ParseHash160 decodes a hex-encoded 40-character Hash160.
func ParseHash160(s string) (h Hash160, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash160{}, err
	}
	if len(b) != HashSize {
		return Hash160{}, ErrHashLength
	}
	copy(h[:], b)
	return h, nil
}

// MarshalJSON encodes h as a hex string rather than the default JSON array
// of 20 numbers, so every wire struct carrying a Hash160 field gets a
// compact, human-readable encoding for free.
func (h Hash160) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(h[:]) + `"`), nil
}

// UnmarshalJSON decodes the hex string produced by MarshalJSON.
func (h *Hash160) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return ErrHashLength
	}
	quoted := b[1 : len(b)-1]
	// hex.Decode does not bound-check its destination against an
	// oversized source, so the length must be validated first rather
	// than left to the caller's 20-byte buffer.
	if len(quoted) != 2*HashSize {
		return ErrHashLength
	}
	n, err := hex.Decode(h[:], quoted)
	if err != nil {
		return err
	}
	if n != HashSize {
		return ErrHashLength
	}
	return nil
}

package crypto

import (
	"crypto/sha256"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"lukechampine.com/frand"
)

// PublicKeySize is the length in bytes of a compressed secp256k1 public key.
const PublicKeySize = 33

// SignatureSize is the length in bytes of a compact ECDSA signature.
const SignatureSize = 65

// A PublicKey is a compressed secp256k1 public key.
type PublicKey [PublicKeySize]byte

// NodeID derives the 20-byte NodeID of pk: RIPEMD160(SHA256(pk)).
func (pk PublicKey) NodeID() Hash160 {
	return HashBytes(pk[:])
}

// A KeyPair is a secp256k1 private key together with its derived public
// key and NodeID, the node's stable overlay identity.
type KeyPair struct {
	PrivateKey [32]byte
	PublicKey  PublicKey
	NodeID     Hash160
}

// GenerateKeyPair creates a new KeyPair using a cryptographically secure
// random source.
func GenerateKeyPair() (KeyPair, error) {
	var seed [32]byte
	frand.Read(seed[:])
	return KeyPairFromSeed(seed)
}

// KeyPairFromSeed deterministically derives a KeyPair from a 32-byte seed.
func KeyPairFromSeed(seed [32]byte) (KeyPair, error) {
	priv, pub := btcec.PrivKeyFromBytes(seed[:])
	if priv == nil {
		return KeyPair{}, errors.New("crypto: invalid private key seed")
	}
	var kp KeyPair
	kp.PrivateKey = seed
	copy(kp.PublicKey[:], pub.SerializeCompressed())
	kp.NodeID = kp.PublicKey.NodeID()
	return kp, nil
}

func (kp KeyPair) privKey() *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(kp.PrivateKey[:])
	return priv
}

// Sign produces a 65-byte compact ECDSA signature over SHA256(msg), from
// which the signer's public key can be recovered.
func (kp KeyPair) Sign(msg []byte) []byte {
	digest := sha256.Sum256(msg)
	sig := ecdsa.SignCompact(kp.privKey(), digest[:], true)
	return sig
}

// SignHash signs a pre-computed digest directly, without re-hashing.
func (kp KeyPair) SignHash(digest [32]byte) []byte {
	return ecdsa.SignCompact(kp.privKey(), digest[:], true)
}

// SignDER produces a DER-encoded, non-compact ECDSA signature over
// SHA256(msg). Every other wire use of a signature in this module is
// compact (the public key is recovered from it, not carried alongside
// it); the bridge's x-signature header is the one holdout, since the
// caller already sends x-pubkey separately and the bridge protocol
// expects a plain DER signature rather than a recoverable one.
func (kp KeyPair) SignDER(msg []byte) []byte {
	digest := sha256.Sum256(msg)
	sig := ecdsa.Sign(kp.privKey(), digest[:])
	return sig.Serialize()
}

// Verify reports whether sig is a valid compact ECDSA signature of
// SHA256(msg), and that it recovers to the public key with the given
// NodeID.
func Verify(msg []byte, sig []byte, expected Hash160) bool {
	digest := sha256.Sum256(msg)
	return VerifyHash(digest, sig, expected)
}

// VerifyHash reports whether sig is a valid compact ECDSA signature of
// digest that recovers to the public key with the given NodeID.
func VerifyHash(digest [32]byte, sig []byte, expected Hash160) bool {
	if len(sig) != SignatureSize {
		return false
	}
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return false
	}
	var pk PublicKey
	copy(pk[:], pub.SerializeCompressed())
	return pk.NodeID() == expected
}

// RecoverPublicKey recovers the public key that produced a compact
// signature over digest.
func RecoverPublicKey(digest [32]byte, sig []byte) (PublicKey, error) {
	if len(sig) != SignatureSize {
		return PublicKey{}, errors.New("crypto: invalid signature length")
	}
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return PublicKey{}, err
	}
	var pk PublicKey
	copy(pk[:], pub.SerializeCompressed())
	return pk, nil
}

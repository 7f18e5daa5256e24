package merkle

import (
	"crypto/sha256"
	"errors"
	"hash"
	"io"

	"go.storjnode.dev/core/crypto"
	"lukechampine.com/frand"
)

// ChallengeSize is the length in bytes of a single audit challenge nonce.
const ChallengeSize = 16

// A Challenge is a cryptographically random nonce that, combined with a
// shard's bytes, deterministically selects one leaf of that shard's audit
// tree. Challenges are single-use from the renter's point of view.
type Challenge [ChallengeSize]byte

// PrivateRecord is the renter's half of an audit set: the challenges that
// produced the tree, together with the tree's root and depth. It must
// never be disclosed to the farmer storing the shard.
type PrivateRecord struct {
	Challenges []Challenge
	Root       crypto.Hash160
	Depth      int
}

// PublicRecord is the farmer's half of an audit set: the padded leaves of
// the tree, without the challenges that produced them.
type PublicRecord []crypto.Hash160

// A Generator streams a shard's bytes through N independent hashers, one
// per challenge, to build an audit set without buffering the shard in
// memory. It implements io.Writer.
type Generator struct {
	challenges []Challenge
	hashers    []hash.Hash
	err        error
}

// NewGenerator creates a Generator for n freshly-generated random
// challenges. n must be >= 1.
func NewGenerator(n int) (*Generator, error) {
	if n < 1 {
		return nil, errors.New("merkle: audit count must be at least 1")
	}
	g := &Generator{
		challenges: make([]Challenge, n),
		hashers:    make([]hash.Hash, n),
	}
	for i := range g.challenges {
		frand.Read(g.challenges[i][:])
		h := sha256.New()
		h.Write(g.challenges[i][:])
		g.hashers[i] = h
	}
	return g, nil
}

// Write feeds a chunk of shard bytes to every hasher. It never returns a
// short write; on error, the Generator is permanently poisoned and Finish
// will return the same error.
func (g *Generator) Write(p []byte) (int, error) {
	if g.err != nil {
		return 0, g.err
	}
	for _, h := range g.hashers {
		// hash.Hash.Write never errors, per its documented contract.
		h.Write(p)
	}
	return len(p), nil
}

// Finish finalizes the audit set, returning the renter's private record
// and the farmer's public record. Finish must only be called once, after
// the entire shard has been written.
func (g *Generator) Finish() (PrivateRecord, PublicRecord, error) {
	if g.err != nil {
		return PrivateRecord{}, nil, g.err
	}
	leaves := make([]crypto.Hash160, len(g.hashers))
	for i, h := range g.hashers {
		sum := h.Sum(nil) // SHA256(challenge || shard)
		preimage := crypto.RipeMD160(sum)  // H(challenge || shard)
		leaves[i] = crypto.HashBytes(preimage[:]) // H(leaf_preimage): the leaf
	}
	padded, depth := padLeaves(leaves)
	root := Root(leaves)
	pub := make(PublicRecord, len(padded))
	copy(pub, padded)
	priv := PrivateRecord{
		Challenges: g.challenges,
		Root:       root,
		Depth:      depth,
	}
	return priv, pub, nil
}

// BuildAudit generates an n-challenge audit set by reading the shard in
// full from r. If r returns an error before EOF, the partial audit set is
// discarded and the error is returned; no partial PrivateRecord or
// PublicRecord is ever exposed.
func BuildAudit(n int, r io.Reader) (PrivateRecord, PublicRecord, error) {
	g, err := NewGenerator(n)
	if err != nil {
		return PrivateRecord{}, nil, err
	}
	if _, err := io.Copy(g, r); err != nil {
		return PrivateRecord{}, nil, err
	}
	return g.Finish()
}

package merkle

import (
	"crypto/sha256"
	"encoding/json"
	"errors"

	"go.storjnode.dev/core/crypto"
)

// ErrUnknownChallenge is returned by Prove when a challenge does not
// correspond to any leaf of the stored public record.
var ErrUnknownChallenge = errors.New("merkle: challenge does not match any known leaf")

// A Proof is the farmer's response to an AUDIT challenge: an
// authentication path from one leaf up to the tree root, together with
// the single-hashed "response" value the verifier re-hashes to recover
// the leaf itself.
//
// On the wire, a Proof is encoded as the nested structure described by
// the audit protocol: [sibling, [sibling, [...[response_hash]...]]],
// mirroring tree traversal from the leaf upward - the outermost pair
// belongs to the level nearest the root, and the innermost element is
// the bare response hash. Each pair orders its two elements by actual
// left/right position (derived from LeafIndex), not sibling-always-first,
// so position survives the round trip the way Verify needs it to.
// Internally, Path is stored leaf-to-root (the reverse of the wire
// nesting order) because that is the order proof construction and
// verification naturally walk.
type Proof struct {
	ResponseHash crypto.Hash160
	// Path holds one sibling hash per tree level, ordered from the
	// leaf's immediate sibling up to the root's direct child.
	Path []crypto.Hash160
	// LeafIndex is the position of the challenged leaf within the
	// padded leaf set; it determines, at each level, whether the
	// corresponding Path entry was the left or right sibling.
	LeafIndex int
}

// ErrMalformedProof is returned by UnmarshalJSON when the wire value is
// not a well-formed nested sibling chain: every intermediate node must be
// a two-element array, and the innermost node a one-element array holding
// the response hash.
var ErrMalformedProof = errors.New("merkle: malformed proof: expected nested sibling-chain pairs")

// MarshalJSON encodes the proof using the nested sibling-chain shape,
// ordering each pair's two elements by the leaf index's bit at that
// level so the encoding preserves left/right position.
func (p Proof) MarshalJSON() ([]byte, error) {
	var node interface{} = []interface{}{p.ResponseHash}
	idx := p.LeafIndex
	for i := 0; i < len(p.Path); i++ {
		if idx>>uint(i)&1 == 0 {
			// the accumulated node is the left child at this level.
			node = []interface{}{node, p.Path[i]}
		} else {
			node = []interface{}{p.Path[i], node}
		}
	}
	return json.Marshal(node)
}

// UnmarshalJSON decodes the nested sibling-chain shape MarshalJSON
// produces, recovering Path, LeafIndex, and ResponseHash from the
// position of each sibling within its pair.
func (p *Proof) UnmarshalJSON(data []byte) error {
	resp, siblings, index, err := parseProofNode(json.RawMessage(data))
	if err != nil {
		return err
	}
	p.ResponseHash = resp
	p.Path = siblings
	p.LeafIndex = index
	return nil
}

// parseProofNode recursively descends a nested sibling-chain node,
// returning the response hash, the sibling path in leaf-to-root order,
// and the leaf index reconstructed from each pair's left/right position.
func parseProofNode(raw json.RawMessage) (resp crypto.Hash160, siblings []crypto.Hash160, index int, err error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return crypto.Hash160{}, nil, 0, ErrMalformedProof
	}
	switch len(elems) {
	case 1:
		if err := json.Unmarshal(elems[0], &resp); err != nil {
			return crypto.Hash160{}, nil, 0, ErrMalformedProof
		}
		return resp, nil, 0, nil
	case 2:
		var left, right crypto.Hash160
		leftIsHash := json.Unmarshal(elems[0], &left) == nil
		rightIsHash := json.Unmarshal(elems[1], &right) == nil
		switch {
		case rightIsHash && !leftIsHash:
			// [node, sibling]: the accumulated node is the left child,
			// so this level's bit is 0 and need not be set.
			resp, siblings, index, err = parseProofNode(elems[0])
			if err != nil {
				return crypto.Hash160{}, nil, 0, err
			}
			siblings = append(siblings, right)
			return resp, siblings, index, nil
		case leftIsHash && !rightIsHash:
			// [sibling, node]: the accumulated node is the right child.
			resp, siblings, index, err = parseProofNode(elems[1])
			if err != nil {
				return crypto.Hash160{}, nil, 0, err
			}
			level := len(siblings)
			siblings = append(siblings, left)
			index |= 1 << uint(level)
			return resp, siblings, index, nil
		default:
			return crypto.Hash160{}, nil, 0, ErrMalformedProof
		}
	default:
		return crypto.Hash160{}, nil, 0, ErrMalformedProof
	}
}

// findLeafIndex locates the leaf in leaves (the padded public record)
// whose value equals leaf.
func findLeafIndex(leaves PublicRecord, leaf crypto.Hash160) (int, bool) {
	for i, l := range leaves {
		if l == leaf {
			return i, true
		}
	}
	return 0, false
}

// Prove builds the audit proof for challenge against the given public
// leaves and shard bytes. It returns ErrUnknownChallenge if the resulting
// leaf is not present in leaves.
func Prove(leaves PublicRecord, challenge Challenge, shard []byte) (Proof, error) {
	h := sha256.New()
	h.Write(challenge[:])
	h.Write(shard)
	preimage := crypto.RipeMD160(h.Sum(nil))
	leaf := crypto.HashBytes(preimage[:])
	index, ok := findLeafIndex(leaves, leaf)
	if !ok {
		return Proof{}, ErrUnknownChallenge
	}
	levels := buildLevels(leaves)
	path := make([]crypto.Hash160, 0, len(levels)-1)
	idx := index
	for level := 0; level < len(levels)-1; level++ {
		sibling := idx ^ 1
		path = append(path, levels[level][sibling])
		idx >>= 1
	}
	return Proof{ResponseHash: preimage, Path: path, LeafIndex: index}, nil
}

// Verify checks proof against the expected root and depth, returning the
// computed root and the expected root for the caller to compare (per the
// audit protocol's (computed_root, expected_root) contract) along with
// whether they're equal.
func Verify(proof Proof, expectedRoot crypto.Hash160, expectedDepth int) (computed, expected crypto.Hash160, ok bool) {
	if len(proof.Path) != expectedDepth {
		return crypto.Hash160{}, expectedRoot, false
	}
	leaf := crypto.HashBytes(proof.ResponseHash[:])
	idx := proof.LeafIndex
	cur := leaf
	for _, sibling := range proof.Path {
		if idx&1 == 0 {
			cur = nodeHash(cur, sibling)
		} else {
			cur = nodeHash(sibling, cur)
		}
		idx >>= 1
	}
	return cur, expectedRoot, cur == expectedRoot
}

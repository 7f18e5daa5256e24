// Package merkle implements the renter-side audit-tree generator, the
// farmer-side proof responder, and the renter-side proof verifier
// described by the contract-audit protocol: a per-contract Merkle tree
// whose leaves are derived from independent random challenges combined
// with the shard's bytes.
package merkle

import "go.storjnode.dev/core/crypto"

// emptyLeaf is H(""), used to pad the leaf set up to a power of two.
var emptyLeaf = crypto.HashBytes(nil)

// nodeHash computes the parent of two sibling nodes: H(left || right).
func nodeHash(left, right crypto.Hash160) crypto.Hash160 {
	return crypto.HashAll(left[:], right[:])
}

// nextPowerOfTwo returns the smallest power of two >= n (n >= 1).
func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// padLeaves pads leaves with emptyLeaf until its length is a power of two,
// returning the padded slice and the resulting tree depth (number of
// levels above the leaves).
func padLeaves(leaves []crypto.Hash160) ([]crypto.Hash160, int) {
	n := nextPowerOfTwo(len(leaves))
	padded := make([]crypto.Hash160, n)
	copy(padded, leaves)
	for i := len(leaves); i < n; i++ {
		padded[i] = emptyLeaf
	}
	depth := 0
	for n > 1 {
		n >>= 1
		depth++
	}
	return padded, depth
}

// buildLevels constructs every level of the tree, levels[0] being the
// (already padded) leaves and levels[len(levels)-1] the single-element
// root level.
func buildLevels(paddedLeaves []crypto.Hash160) [][]crypto.Hash160 {
	levels := [][]crypto.Hash160{paddedLeaves}
	cur := paddedLeaves
	for len(cur) > 1 {
		next := make([]crypto.Hash160, len(cur)/2)
		for i := range next {
			next[i] = nodeHash(cur[2*i], cur[2*i+1])
		}
		levels = append(levels, next)
		cur = next
	}
	return levels
}

// Root computes the Merkle root of a set of (unpadded) leaves, padding as
// BuildAudit would.
func Root(leaves []crypto.Hash160) crypto.Hash160 {
	padded, _ := padLeaves(leaves)
	levels := buildLevels(padded)
	return levels[len(levels)-1][0]
}

package merkle

import (
	"bytes"
	"encoding/json"
	"testing"

	"go.storjnode.dev/core/crypto"
)

func TestProofJSONRoundTrip(t *testing.T) {
	shard := []byte("hello storj")
	priv, pub, err := BuildAudit(12, bytes.NewReader(shard))
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range priv.Challenges {
		proof, err := Prove(pub, c, shard)
		if err != nil {
			t.Fatal(err)
		}
		data, err := json.Marshal(proof)
		if err != nil {
			t.Fatal(err)
		}
		var decoded Proof
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if decoded.ResponseHash != proof.ResponseHash {
			t.Fatalf("response hash mismatch: got %v, want %v", decoded.ResponseHash, proof.ResponseHash)
		}
		if decoded.LeafIndex != proof.LeafIndex {
			t.Fatalf("leaf index mismatch: got %d, want %d", decoded.LeafIndex, proof.LeafIndex)
		}
		if len(decoded.Path) != len(proof.Path) {
			t.Fatalf("path length mismatch: got %d, want %d", len(decoded.Path), len(proof.Path))
		}
		for i := range proof.Path {
			if decoded.Path[i] != proof.Path[i] {
				t.Fatalf("path[%d] mismatch: got %v, want %v", i, decoded.Path[i], proof.Path[i])
			}
		}
		computed, expected, ok := Verify(decoded, priv.Root, priv.Depth)
		if !ok || computed != expected {
			t.Fatalf("proof decoded from JSON failed to verify: computed %v, expected %v", computed, expected)
		}
	}
}

func TestProofJSONPreservesSiblingPosition(t *testing.T) {
	shard := []byte("hello storj")
	priv, pub, err := BuildAudit(12, bytes.NewReader(shard))
	if err != nil {
		t.Fatal(err)
	}

	var sawLeftNode, sawRightNode bool
	for _, c := range priv.Challenges {
		proof, err := Prove(pub, c, shard)
		if err != nil {
			t.Fatal(err)
		}
		if len(proof.Path) == 0 {
			continue
		}
		data, err := json.Marshal(proof)
		if err != nil {
			t.Fatal(err)
		}
		var outer []json.RawMessage
		if err := json.Unmarshal(data, &outer); err != nil {
			t.Fatal(err)
		}
		if len(outer) != 2 {
			t.Fatalf("expected a 2-element outer pair, got %d elements", len(outer))
		}
		// the root-level bit is the top bit of LeafIndex among the path's levels.
		topBit := (proof.LeafIndex >> uint(len(proof.Path)-1)) & 1
		var asHash crypto.Hash160
		leftIsHash := json.Unmarshal(outer[0], &asHash) == nil
		if topBit == 0 {
			if leftIsHash {
				t.Fatalf("expected node first when accumulated node is the left child")
			}
			sawLeftNode = true
		} else {
			if !leftIsHash {
				t.Fatalf("expected sibling first when accumulated node is the right child")
			}
			sawRightNode = true
		}
	}
	if !sawLeftNode && !sawRightNode {
		t.Fatal("test fixture produced no multi-level proofs to check")
	}
}

func TestProofUnmarshalRejectsMalformedShape(t *testing.T) {
	cases := [][]byte{
		[]byte(`{}`),
		[]byte(`[1,2,3]`),
		[]byte(`["not-a-pair-or-singleton-hash"]`),
	}
	for _, c := range cases {
		var p Proof
		if err := json.Unmarshal(c, &p); err != ErrMalformedProof {
			t.Fatalf("input %s: got %v, want ErrMalformedProof", c, err)
		}
	}
}

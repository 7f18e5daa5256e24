package merkle

import (
	"bytes"
	"errors"
	"testing"

	"go.storjnode.dev/core/crypto"
)

func TestAuditRoundTrip(t *testing.T) {
	shard := []byte("hello storj")
	const n = 12
	priv, pub, err := BuildAudit(n, bytes.NewReader(shard))
	if err != nil {
		t.Fatal(err)
	}
	if len(priv.Challenges) != n {
		t.Fatalf("expected %d challenges, got %d", n, len(priv.Challenges))
	}

	for _, c := range priv.Challenges {
		proof, err := Prove(pub, c, shard)
		if err != nil {
			t.Fatal(err)
		}
		computed, expected, ok := Verify(proof, priv.Root, priv.Depth)
		if !ok || computed != expected {
			t.Fatalf("proof failed to verify: computed %v, expected %v", computed, expected)
		}
	}
}

func TestProveUnknownChallenge(t *testing.T) {
	shard := []byte("hello storj")
	_, pub, err := BuildAudit(4, bytes.NewReader(shard))
	if err != nil {
		t.Fatal(err)
	}
	var bogus Challenge
	for i := range bogus {
		bogus[i] = 0xFF
	}
	if _, err := Prove(pub, bogus, shard); err != ErrUnknownChallenge {
		t.Fatalf("expected ErrUnknownChallenge, got %v", err)
	}
}

func TestProveRejectsWrongShard(t *testing.T) {
	shard := []byte("hello storj")
	priv, pub, err := BuildAudit(4, bytes.NewReader(shard))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Prove(pub, priv.Challenges[0], []byte("goodbye storj")); err != ErrUnknownChallenge {
		t.Fatalf("expected ErrUnknownChallenge for mismatched shard, got %v", err)
	}
}

func TestVerifyDepthMismatch(t *testing.T) {
	shard := []byte("hello storj")
	priv, pub, err := BuildAudit(4, bytes.NewReader(shard))
	if err != nil {
		t.Fatal(err)
	}
	proof, err := Prove(pub, priv.Challenges[0], shard)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := Verify(proof, priv.Root, priv.Depth+1); ok {
		t.Fatal("expected depth mismatch to be rejected")
	}
}

func TestPaddingToPowerOfTwo(t *testing.T) {
	shard := []byte("x")
	_, pub, err := BuildAudit(5, bytes.NewReader(shard))
	if err != nil {
		t.Fatal(err)
	}
	if len(pub) != 8 {
		t.Fatalf("expected padded leaf count 8, got %d", len(pub))
	}
	for i := 5; i < 8; i++ {
		if pub[i] != emptyLeaf {
			t.Fatalf("padding leaf %d is not H(\"\")", i)
		}
	}
}

func TestRootMatchesPairHash(t *testing.T) {
	leaves := []crypto.Hash160{
		crypto.HashBytes([]byte("a")),
		crypto.HashBytes([]byte("b")),
	}
	root := Root(leaves)
	want := nodeHash(leaves[0], leaves[1])
	if root != want {
		t.Fatalf("Root mismatch: got %v, want %v", root, want)
	}
}

func TestDiscardedOnStreamError(t *testing.T) {
	r := iotest{fail: errors.New("simulated read error")}
	_, _, err := BuildAudit(4, r)
	if err == nil {
		t.Fatal("expected stream error to propagate")
	}
}

// iotest is an io.Reader that always fails, used to verify that a stream
// error discards the whole audit set rather than exposing a partial one.
type iotest struct{ fail error }

func (r iotest) Read(p []byte) (int, error) { return 0, r.fail }

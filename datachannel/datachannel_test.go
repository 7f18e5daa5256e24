package datachannel

import (
	"bytes"
	"testing"
	"time"

	"go.storjnode.dev/core/crypto"
	"go.storjnode.dev/core/shardmgr"
	"go.storjnode.dev/core/storage"
)

func newTestServer(t *testing.T) (*Server, *TokenStore, *shardmgr.Manager) {
	t.Helper()
	tokens := NewTokenStore()
	shards := shardmgr.New(storage.NewMemory(), 0)
	// every hash counts as having a contract on file, so PULL is gated by
	// its token alone.
	srv, err := NewServer("127.0.0.1:0", tokens, shards, func(crypto.Hash160) bool { return true }, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, tokens, shards
}

func TestPushThenPull(t *testing.T) {
	srv, tokens, shards := newTestServer(t)
	payload := []byte("hello storj")
	hash := crypto.HashBytes(payload)

	pushToken := tokens.Issue(PUSH, hash, DefaultTokenTTL)
	if err := Push(srv.Addr().String(), pushToken, hash, bytes.NewReader(payload)); err != nil {
		t.Fatal(err)
	}

	_, r, err := shards.Get(hash.String())
	if err != nil {
		t.Fatal(err)
	}
	r.Close()

	pullToken := tokens.Issue(PULL, hash, DefaultTokenTTL)
	var out bytes.Buffer
	if err := Pull(srv.Addr().String(), pullToken, hash, &out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Bytes(), payload) {
		t.Fatalf("got %q, want %q", out.Bytes(), payload)
	}
}

func TestPushSameTokenTwiceFails(t *testing.T) {
	srv, tokens, _ := newTestServer(t)
	payload := []byte("hello storj")
	hash := crypto.HashBytes(payload)
	token := tokens.Issue(PUSH, hash, DefaultTokenTTL)

	if err := Push(srv.Addr().String(), token, hash, bytes.NewReader(payload)); err != nil {
		t.Fatal(err)
	}
	if err := Push(srv.Addr().String(), token, hash, bytes.NewReader(payload)); err == nil {
		t.Fatal("expected second push with the same (now consumed) token to fail")
	}
}

func TestPushHashMismatchDiscardsShard(t *testing.T) {
	srv, tokens, shards := newTestServer(t)
	payload := []byte("hello storj")
	wrongHash := crypto.HashBytes([]byte("goodbye storj"))
	token := tokens.Issue(PUSH, wrongHash, DefaultTokenTTL)

	if err := Push(srv.Addr().String(), token, wrongHash, bytes.NewReader(payload)); err == nil {
		t.Fatal("expected hash mismatch to fail the push")
	}
	if _, _, err := shards.Get(wrongHash.String()); err != storage.ErrNotFound {
		t.Fatalf("expected mismatched shard to be discarded, got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	srv, tokens, _ := newTestServer(t)
	payload := []byte("hello storj")
	hash := crypto.HashBytes(payload)
	token := tokens.Issue(PUSH, hash, -time.Second)

	if err := Push(srv.Addr().String(), token, hash, bytes.NewReader(payload)); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

// Package datachannel implements the shard transfer transport: a
// listener separate from the RPC channel that authenticates each
// connection with a short-lived token bound to one contract, one
// operation (PUSH or PULL), and one shard hash.
package datachannel

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"lukechampine.com/frand"

	"go.storjnode.dev/core/crypto"
)

// Operation is the direction of a data-channel transfer.
type Operation string

const (
	// PUSH uploads a shard to the farmer; its token is single-use.
	PUSH Operation = "PUSH"
	// PULL downloads a shard from the farmer; its token is reusable
	// within its TTL.
	PULL Operation = "PULL"
)

// DefaultTokenTTL is the lifetime of a freshly issued token.
const DefaultTokenTTL = 5 * time.Minute

// tokenSize is the length in bytes of the random value backing a Token,
// giving the 160-bit opaque token required by the wire format.
const tokenSize = 20

// A Token is an opaque credential authorising one data-channel operation
// against one shard hash.
type Token string

// NewToken generates a fresh random token.
func NewToken() Token {
	b := frand.Bytes(tokenSize)
	return Token(crypto.HashBytes(b).String())
}

// binding is the server-side record of what a token authorises.
type binding struct {
	op        Operation
	hash      crypto.Hash160
	expiresAt time.Time
	consumed  bool
	inFlight  bool
}

func (b *binding) expired(now time.Time) bool {
	return now.After(b.expiresAt)
}

var (
	// ErrInvalidToken is returned when a token is unknown or its binding
	// has been consumed.
	ErrInvalidToken = errors.New("datachannel: invalid token")
	// ErrTokenExpired is returned when a token's TTL has elapsed.
	ErrTokenExpired = errors.New("datachannel: token expired")
	// ErrHashMismatch is returned when the requested hash does not match
	// the token's bound hash.
	ErrHashMismatch = errors.New("datachannel: hash does not match token")
	// ErrOperationMismatch is returned when the requested operation does
	// not match the token's bound operation.
	ErrOperationMismatch = errors.New("datachannel: operation does not match token")
	// ErrChannelBusy is returned when a second connection attempts to use
	// a token that already has an in-flight transfer.
	ErrChannelBusy = errors.New("datachannel: token already has an in-flight transfer")
)

// TokenStore tracks the bindings issued by a farmer. PUSH tokens are
// consumed on first successful use; PULL tokens remain valid, and
// reusable, until their TTL expires.
type TokenStore struct {
	mu       sync.Mutex
	bindings map[Token]*binding
}

// NewTokenStore creates an empty TokenStore.
func NewTokenStore() *TokenStore {
	return &TokenStore{bindings: make(map[Token]*binding)}
}

// Issue creates and stores a new token bound to op and hash, valid for ttl.
func (s *TokenStore) Issue(op Operation, hash crypto.Hash160, ttl time.Duration) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := NewToken()
	s.bindings[t] = &binding{
		op:        op,
		hash:      hash,
		expiresAt: time.Now().Add(ttl),
	}
	return t
}

// Begin validates a connection attempt against token for the given
// operation and hash, and marks the binding in-flight so a concurrent
// second attempt on the same token is rejected. Callers must call End
// when the transfer concludes.
func (s *TokenStore) Begin(t Token, op Operation, hash crypto.Hash160) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[t]
	if !ok || b.consumed {
		return ErrInvalidToken
	}
	if b.expired(time.Now()) {
		return ErrTokenExpired
	}
	if b.op != op {
		return ErrOperationMismatch
	}
	if b.hash != hash {
		return ErrHashMismatch
	}
	if b.inFlight {
		return ErrChannelBusy
	}
	b.inFlight = true
	return nil
}

// End releases a token's in-flight marker. If success and the token's
// operation is PUSH, the token is consumed and cannot be used again; PULL
// tokens remain valid until their TTL elapses regardless of outcome.
func (s *TokenStore) End(t Token, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[t]
	if !ok {
		return
	}
	b.inFlight = false
	if success && b.op == PUSH {
		b.consumed = true
	}
}

// Revoke immediately invalidates a token, e.g. on deadline expiry or an
// aborted upload.
func (s *TokenStore) Revoke(t Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, t)
}

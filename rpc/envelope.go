// Package rpc implements the signed request/response envelope carried by
// every protocol method: a nonce proving freshness, a compact ECDSA
// signature proving the sender controls the claimed NodeID, and a
// per-contact rate limiter gating handler invocation.
package rpc

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"lukechampine.com/frand"

	"go.storjnode.dev/core/crypto"
)

// NonceExpire is the maximum age a nonce may have before its envelope is
// rejected as stale.
const NonceExpire = 5 * time.Minute

var (
	// ErrNonceExpired is returned when an envelope's nonce is older than
	// NonceExpire, or set in the future.
	ErrNonceExpired = errors.New("rpc: nonce expired")
	// ErrInvalidSignature is returned when an envelope's signature does
	// not recover to the claimed sender's NodeID.
	ErrInvalidSignature = errors.New("rpc: invalid signature")
)

// exemptMethods may be received from a sender not yet present in the
// recipient's routing table, since they are themselves how a contact
// becomes reachable and verified.
var exemptMethods = map[string]bool{
	"PROBE":       true,
	"FIND_TUNNEL": true,
	"OPEN_TUNNEL": true,
}

// Exempt reports whether method may be received from an unverified
// (not-yet-routing-table) contact.
func Exempt(method string) bool {
	return exemptMethods[method]
}

// Envelope is the wire shape shared by requests and responses: a random
// message id, a method name (set on requests), a params or result
// payload, and the nonce/signature pair authenticating the sender.
type Envelope struct {
	ID        string          `json:"id"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Nonce     int64           `json:"nonce"`
	Signature []byte          `json:"signature"`
}

// NewID generates a random 160-bit message id, hex-encoded.
func NewID() string {
	return hex.EncodeToString(frand.Bytes(20))
}

// signingPayload is the exact byte string a signature commits to: the
// message id concatenated with the big-endian nonce. Signing covers only
// identity and freshness, not the params/result payload - the envelope
// proves who sent this message and when, not that its body is untampered
// in transit (transport integrity is the data channel's/TLS's concern).
func signingPayload(id string, nonce int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nonce))
	return append([]byte(id), buf...)
}

// Sign computes the nonce and signature for an envelope with the given id,
// as of now, using kp.
func Sign(kp crypto.KeyPair, id string, now time.Time) (nonce int64, signature []byte) {
	nonce = now.UnixMilli()
	signature = kp.Sign(signingPayload(id, nonce))
	return nonce, signature
}

// Verify checks that env's nonce is fresh as of now and that its
// signature recovers to sender.
func Verify(env *Envelope, sender crypto.Hash160, now time.Time) error {
	age := now.Sub(time.UnixMilli(env.Nonce))
	if age < 0 || age >= NonceExpire {
		return ErrNonceExpired
	}
	if !crypto.Verify(signingPayload(env.ID, env.Nonce), env.Signature, sender) {
		return ErrInvalidSignature
	}
	return nil
}

// NewRequest builds and signs a request envelope for method, with params
// marshalled to JSON.
func NewRequest(kp crypto.KeyPair, method string, params interface{}, now time.Time) (*Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	env := &Envelope{ID: NewID(), Method: method, Params: raw}
	env.Nonce, env.Signature = Sign(kp, env.ID, now)
	return env, nil
}

// NewResponse builds and signs a response envelope replying to id, with
// result marshalled to JSON.
func NewResponse(kp crypto.KeyPair, id string, result interface{}, now time.Time) (*Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	env := &Envelope{ID: id, Result: raw}
	env.Nonce, env.Signature = Sign(kp, env.ID, now)
	return env, nil
}

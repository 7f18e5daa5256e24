package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"go.storjnode.dev/core/crypto"
)

// ErrUnknownMethod is returned when no handler is registered for an
// envelope's method.
var ErrUnknownMethod = errors.New("rpc: unknown method")

// ErrUnverifiedSender is returned when a non-exempt method arrives from a
// sender not yet present in the recipient's routing table.
var ErrUnverifiedSender = errors.New("rpc: sender not yet verified")

// HandlerFunc processes a request envelope's params and returns a result
// to be marshalled into the response envelope.
type HandlerFunc func(ctx context.Context, from crypto.Hash160, params json.RawMessage) (result interface{}, err error)

// Dispatcher verifies, rate-limits, and routes inbound request envelopes
// to registered handlers.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	limiter  *RateLimiter
	known    func(crypto.Hash160) bool
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher. known reports whether a NodeID is
// already present in the routing table; it gates every method except the
// exempt PROBE/FIND_TUNNEL/OPEN_TUNNEL set.
func NewDispatcher(limiter *RateLimiter, known func(crypto.Hash160) bool) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		limiter:  limiter,
		known:    known,
		now:      time.Now,
	}
}

// Handle registers fn as the handler for method.
func (d *Dispatcher) Handle(method string, fn HandlerFunc) {
	d.handlers[method] = fn
}

// Dispatch verifies req's signature and freshness against sender, applies
// the rate limiter and known-contact gate, and invokes the registered
// handler, returning a signed response envelope. A rejection at any stage
// before handler invocation never reaches a handler.
func (d *Dispatcher) Dispatch(ctx context.Context, kp crypto.KeyPair, sender crypto.Hash160, req *Envelope) (*Envelope, error) {
	if err := Verify(req, sender, d.now()); err != nil {
		return nil, err
	}
	if !Exempt(req.Method) && d.known != nil && !d.known(sender) {
		return nil, ErrUnverifiedSender
	}
	if d.limiter != nil {
		if ok, retryAfter := d.limiter.Allow(sender); !ok {
			return nil, &RateLimitError{RetryAfter: retryAfter}
		}
	}
	h, ok := d.handlers[req.Method]
	if !ok {
		return nil, ErrUnknownMethod
	}
	result, err := h(ctx, sender, req.Params)
	if err != nil {
		return nil, err
	}
	return NewResponse(kp, req.ID, result, d.now())
}

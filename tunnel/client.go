package tunnel

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultRedialBackoff is the pause between failed attempts to dial the
// tunneler or the local backend.
const DefaultRedialBackoff = 2 * time.Second

// Client is the farmer's half of the subsystem: it repeatedly offers a
// fresh websocket connection to the tunneler's relay and pipes each one
// to the farmer's own local RPC listener. It redials as soon as the
// previous connection ends, before any external connection asks for it.
type Client struct {
	// TunnelURL is the relay's websocket base, as returned by
	// OPEN_TUNNEL, e.g. "wss://relay.example:7777/tunnel".
	TunnelURL string
	// Alias identifies this farmer's slot to the relay.
	Alias string
	// BackendAddr is the local address a claimed tunnel connection is
	// piped to, typically this node's own RPC listener.
	BackendAddr string
	// Backoff overrides DefaultRedialBackoff when set.
	Backoff time.Duration

	// Dial and DialBackend are overridable for testing.
	Dial        func(ctx context.Context, tunnelURL string) (*websocket.Conn, error)
	DialBackend func() (net.Conn, error)
}

func (c *Client) backoff() time.Duration {
	if c.Backoff > 0 {
		return c.Backoff
	}
	return DefaultRedialBackoff
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	if c.Dial != nil {
		return c.Dial(ctx, c.TunnelURL)
	}
	u, err := url.Parse(c.TunnelURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("alias", c.Alias)
	u.RawQuery = q.Encode()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

func (c *Client) dialBackend() (net.Conn, error) {
	if c.DialBackend != nil {
		return c.DialBackend()
	}
	return net.Dial("tcp", c.BackendAddr)
}

// Run offers the farmer's connection to the relay in a loop until ctx is
// cancelled. Each iteration dials the relay, then immediately dials the
// local backend, without waiting for an external connection to claim the
// relay leg, and pipes the two together until either side closes - at
// which point it redials for the next use.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := c.dial(ctx)
		if err != nil {
			if !sleep(ctx, c.backoff()) {
				return ctx.Err()
			}
			continue
		}
		ws := newWSConn(conn)

		backend, err := c.dialBackend()
		if err != nil {
			ws.Close()
			if !sleep(ctx, c.backoff()) {
				return ctx.Err()
			}
			continue
		}

		pipe(ws, backend)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

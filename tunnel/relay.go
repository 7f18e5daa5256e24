package tunnel

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// ErrNoOffer is returned by Claim when no farmer has dialed in for alias
// within the wait timeout.
var ErrNoOffer = errors.New("tunnel: no relay connection offered for this alias")

// DefaultClaimTimeout bounds how long a public-facing connection waits
// for the farmer side of its alias to dial in.
const DefaultClaimTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Relay is the tunneler's half of the subsystem: it accepts one
// persistent websocket per alias from a farmer that has been granted a
// relay slot (the OPEN_TUNNEL response's Alias), and pipes exactly one
// external TCP connection through it at a time before the farmer's side
// is expected to redial for the next.
type Relay struct {
	mu     sync.Mutex
	offers map[string]chan *wsConn
}

// NewRelay creates an empty Relay.
func NewRelay() *Relay {
	return &Relay{offers: make(map[string]chan *wsConn)}
}

func (r *Relay) offerChan(alias string) chan *wsConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.offers[alias]
	if !ok {
		ch = make(chan *wsConn, 1)
		r.offers[alias] = ch
	}
	return ch
}

// HandleFarmer upgrades an incoming HTTP request to a websocket and
// registers it as the current offer for alias, replacing any prior
// unclaimed offer. It returns as soon as the offer is queued; the
// upgraded connection stays open until Claim pipes it, a later offer
// replaces it, or Forget drops it.
func (r *Relay) HandleFarmer(alias string, w http.ResponseWriter, req *http.Request) error {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return errors.Wrap(err, "tunnel: websocket upgrade failed")
	}
	ws := newWSConn(conn)

	ch := r.offerChan(alias)
	select {
	case ch <- ws:
	default:
		// an unclaimed offer is already queued; replace it, since the
		// farmer redialing means its previous attempt is stale.
		select {
		case old := <-ch:
			old.Close()
		default:
		}
		ch <- ws
	}
	return nil
}

// Claim waits up to timeout for a farmer to have dialed in for alias,
// then pipes conn to it until either side closes. timeout <= 0 uses
// DefaultClaimTimeout.
func (r *Relay) Claim(alias string, conn net.Conn, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultClaimTimeout
	}
	ch := r.offerChan(alias)
	select {
	case ws := <-ch:
		pipe(ws, conn)
		return nil
	case <-time.After(timeout):
		return ErrNoOffer
	}
}

// Forget drops any pending unclaimed offer for alias, e.g. once a tunnel
// slot has been released.
func (r *Relay) Forget(alias string) {
	r.mu.Lock()
	ch, ok := r.offers[alias]
	delete(r.offers, alias)
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ws := <-ch:
		ws.Close()
	default:
	}
}

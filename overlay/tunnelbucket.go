package overlay

import (
	"container/list"
	"sync"

	"go.storjnode.dev/core/crypto"
)

// DefaultTunnelerBucketSize bounds how many tunneler contacts are
// remembered at once.
const DefaultTunnelerBucketSize = 64

// TunnelerBucket holds contacts that have advertised tunnel relay
// availability, in insertion order, evicting the oldest entry once full.
// It is updated by the tunneler AVAIL/UNAVAIL pub/sub callbacks.
type TunnelerBucket struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	elems    map[crypto.Hash160]*list.Element
}

// NewTunnelerBucket creates a TunnelerBucket holding up to capacity
// contacts.
func NewTunnelerBucket(capacity int) *TunnelerBucket {
	if capacity <= 0 {
		capacity = DefaultTunnelerBucketSize
	}
	return &TunnelerBucket{
		capacity: capacity,
		order:    list.New(),
		elems:    make(map[crypto.Hash160]*list.Element),
	}
}

// Add records c as available, evicting the oldest entry if the bucket is
// already at capacity. Re-adding an existing contact moves it to front
// without growing the bucket.
func (b *TunnelerBucket) Add(c Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.elems[c.NodeID]; ok {
		e.Value = c
		b.order.MoveToFront(e)
		return
	}
	if b.order.Len() >= b.capacity {
		oldest := b.order.Back()
		if oldest != nil {
			b.order.Remove(oldest)
			delete(b.elems, oldest.Value.(Contact).NodeID)
		}
	}
	b.elems[c.NodeID] = b.order.PushFront(c)
}

// Remove drops a contact that has withdrawn availability.
func (b *TunnelerBucket) Remove(id crypto.Hash160) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.elems[id]; ok {
		b.order.Remove(e)
		delete(b.elems, id)
	}
}

// Sample returns up to k tunneler contacts, most recently advertised
// first, for FIND_TUNNEL responses.
func (b *TunnelerBucket) Sample(k int) []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Contact, 0, k)
	for e := b.order.Front(); e != nil && len(out) < k; e = e.Next() {
		out = append(out, e.Value.(Contact))
	}
	return out
}

// Len returns the number of tunneler contacts currently held.
func (b *TunnelerBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

package overlay

import (
	"sync"
	"time"

	kbucket "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/peer"

	"go.storjnode.dev/core/crypto"
)

// DefaultBucketSize is the number of contacts kept per k-bucket (the "K"
// in Kademlia's FIND_NODE).
const DefaultBucketSize = 20

// noopMetrics satisfies peerstore.Metrics without tracking real RTTs;
// the routing table's bucketing only needs XOR distance, not latency.
type noopMetrics struct{}

func (noopMetrics) RecordLatency(peer.ID, time.Duration) {}
func (noopMetrics) LatencyEWMA(peer.ID) time.Duration    { return 0 }

// nodeIDToPeerID adapts our 20-byte NodeID to the opaque peer.ID type
// go-libp2p-kbucket buckets on. No real libp2p host is involved; the
// routing table's XOR-distance bucketing algorithm is reused standalone.
func nodeIDToPeerID(id crypto.Hash160) peer.ID {
	return peer.ID(id[:])
}

// RoutingTable is the node's Kademlia-style contact table: k-bucket
// placement and nearest-neighbour lookup are delegated to
// go-libp2p-kbucket, keyed on the XOR distance between NodeIDs; the
// Contact values themselves (address, port, protocol version) are kept
// alongside it, since kbucket's RoutingTable only tracks opaque peer IDs.
type RoutingTable struct {
	rt *kbucket.RoutingTable

	mu       sync.Mutex
	contacts map[peer.ID]Contact
}

// NewRoutingTable creates a RoutingTable for the local node self, with up
// to bucketSize contacts per bucket.
func NewRoutingTable(self crypto.Hash160, bucketSize int) (*RoutingTable, error) {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	localID := kbucket.ConvertPeerID(nodeIDToPeerID(self))
	rt, err := kbucket.NewRoutingTable(bucketSize, localID, time.Minute, noopMetrics{}, 0, nil)
	if err != nil {
		return nil, err
	}
	return &RoutingTable{rt: rt, contacts: make(map[peer.ID]Contact)}, nil
}

// Update inserts or refreshes c in the routing table. The caller must
// have already confirmed c's protocol compatibility and address validity;
// Update does not re-check them.
func (t *RoutingTable) Update(c Contact) (bool, error) {
	pid := nodeIDToPeerID(c.NodeID)
	t.mu.Lock()
	t.contacts[pid] = c
	t.mu.Unlock()
	return t.rt.TryAddPeer(pid, true, false)
}

// Remove drops a contact from the table.
func (t *RoutingTable) Remove(id crypto.Hash160) {
	pid := nodeIDToPeerID(id)
	t.rt.RemovePeer(pid)
	t.mu.Lock()
	delete(t.contacts, pid)
	t.mu.Unlock()
}

// Contains reports whether id is currently in the table.
func (t *RoutingTable) Contains(id crypto.Hash160) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.contacts[nodeIDToPeerID(id)]
	return ok
}

// Lookup returns the stored Contact for id, if present.
func (t *RoutingTable) Lookup(id crypto.Hash160) (Contact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.contacts[nodeIDToPeerID(id)]
	return c, ok
}

// NearestContacts returns up to k contacts with NodeIDs closest to
// target by XOR distance, for FIND_NODE responses.
func (t *RoutingTable) NearestContacts(target crypto.Hash160, k int) []Contact {
	kid := kbucket.ConvertPeerID(nodeIDToPeerID(target))
	peers := t.rt.NearestPeers(kid, k)
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Contact, 0, len(peers))
	for _, p := range peers {
		if c, ok := t.contacts[p]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Size returns the number of contacts currently held.
func (t *RoutingTable) Size() int {
	return t.rt.Size()
}

// Clean removes every contact for which keep returns false - used by the
// periodic routing-table cleaner to drop contacts with an incompatible
// protocol version or an invalid address.
func (t *RoutingTable) Clean(keep func(Contact) bool) []Contact {
	t.mu.Lock()
	var stale []peer.ID
	var removed []Contact
	for pid, c := range t.contacts {
		if !keep(c) {
			stale = append(stale, pid)
			removed = append(removed, c)
		}
	}
	for _, pid := range stale {
		delete(t.contacts, pid)
	}
	t.mu.Unlock()
	for _, pid := range stale {
		t.rt.RemovePeer(pid)
	}
	return removed
}

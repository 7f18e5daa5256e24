package overlay

import (
	"sync"

	"go.storjnode.dev/core/crypto"
)

// DHT is the lookup/store surface the FIND_NODE, FIND_VALUE, and STORE
// protocol handlers drive. A production Kademlia DHT client speaks its
// own stream-multiplexed wire protocol over a dedicated transport host;
// this node instead carries FIND_NODE/FIND_VALUE/STORE as ordinary
// methods inside the signed rpc.Envelope, so DHT here is the local
// lookup/storage logic a handler calls into, not a network client.
type DHT interface {
	// FindNode returns up to k contacts nearest to target.
	FindNode(target crypto.Hash160, k int) []Contact
	// FindValue returns a previously stored value for key, if present.
	FindValue(key crypto.Hash160) ([]byte, bool)
	// Store records value under key.
	Store(key crypto.Hash160, value []byte)
}

// LocalDHT implements DHT on top of a RoutingTable for node lookups and
// an in-memory map for stored values.
type LocalDHT struct {
	table *RoutingTable

	mu     sync.RWMutex
	values map[crypto.Hash160][]byte
}

// NewLocalDHT creates a LocalDHT backed by table.
func NewLocalDHT(table *RoutingTable) *LocalDHT {
	return &LocalDHT{table: table, values: make(map[crypto.Hash160][]byte)}
}

// FindNode delegates to the routing table's nearest-neighbour lookup.
func (d *LocalDHT) FindNode(target crypto.Hash160, k int) []Contact {
	return d.table.NearestContacts(target, k)
}

// FindValue returns the value stored under key, if any.
func (d *LocalDHT) FindValue(key crypto.Hash160) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.values[key]
	return v, ok
}

// Store records value under key, overwriting any prior value.
func (d *LocalDHT) Store(key crypto.Hash160, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	d.values[key] = cp
}

// Package protocol implements the OFFER/CONSIGN/RETRIEVE/AUDIT/MIRROR
// and PROBE/FIND_TUNNEL/OPEN_TUNNEL handlers, and the publish/subscribe
// contract market that connects renters publishing storage requests to
// farmers willing to serve them.
package protocol

import (
	"sync"

	"github.com/pkg/errors"

	"go.storjnode.dev/core/contract"
	"go.storjnode.dev/core/overlay"
)

// ErrContractAlreadyMatched is returned to every OFFER after the first
// accepted one for a given publication.
var ErrContractAlreadyMatched = errors.New("protocol: contract already matched")

// Publication is a renter's advertised storage request: an unsigned
// contract draft keyed by its data hash, broadcast on an opcode topic
// derived from its shard size and shape.
type Publication struct {
	Draft *contract.Contract
	Topic overlay.Topic
}

// ShardSizeBucket buckets a shard size into one of a small number of
// descriptor classes used to build a data-contract opcode topic.
func ShardSizeBucket(size uint64) byte {
	switch {
	case size <= 1<<20:
		return 0x00
	case size <= 8<<20:
		return 0x01
	case size <= 64<<20:
		return 0x02
	default:
		return 0x03
	}
}

// PublicationTopic derives the opcode topic a publication advertises on.
func PublicationTopic(size uint64, shapeClass byte) overlay.Topic {
	return overlay.NewTopic(overlay.PrefixDataContract, [2]byte{ShardSizeBucket(size), shapeClass})
}

type pendingEntry struct {
	mu      sync.Mutex
	matched bool
	draft   *contract.Contract
}

// Market publishes pending contract drafts and matches the first
// accepting OFFER against each; later offers for an already-matched
// publication are rejected with ErrContractAlreadyMatched and re-emitted
// by the caller as an unhandled offer, per the protocol's race rule.
type Market struct {
	pubsub overlay.PubSub

	mu        sync.Mutex
	pending   map[string]*pendingEntry // keyed by data_hash hex
	unhandled chan *contract.Contract
}

// unhandledOfferBuffer bounds how many losing offers are held before a
// slow drainer starts dropping them; a mirror scheduler is expected to
// drain promptly, not accumulate a backlog.
const unhandledOfferBuffer = 64

// NewMarket creates a Market broadcasting over pubsub.
func NewMarket(pubsub overlay.PubSub) *Market {
	return &Market{
		pubsub:    pubsub,
		pending:   make(map[string]*pendingEntry),
		unhandled: make(chan *contract.Contract, unhandledOfferBuffer),
	}
}

// UnhandledOffers returns the channel a losing farmer's already-complete
// contract is placed on when its OFFER arrives after the publication it
// targets has already matched. A caller such as a mirror scheduler may
// drain this to opportunistically negotiate a second contract with that
// farmer without it having to rediscover the publication itself.
func (m *Market) UnhandledOffers() <-chan *contract.Contract {
	return m.unhandled
}

// emitUnhandled offers c on the unhandled channel without blocking; a
// full channel means the backlog is already too deep and the offer is
// dropped rather than stalling the caller that lost the race.
func (m *Market) emitUnhandled(c *contract.Contract) {
	select {
	case m.unhandled <- c:
	default:
	}
}

// Publish advertises draft on its derived topic and registers it as
// pending a match.
func (m *Market) Publish(draft *contract.Contract, shapeClass byte) Publication {
	topic := PublicationTopic(draft.DataSize, shapeClass)
	key := draft.DataHash.String()

	m.mu.Lock()
	m.pending[key] = &pendingEntry{draft: draft}
	m.mu.Unlock()

	raw, _ := draft.MarshalJSON()
	m.pubsub.Publish(topic, raw)
	return Publication{Draft: draft, Topic: topic}
}

// Subscribe lets a farmer watch a topic for new publications.
func (m *Market) Subscribe(topic overlay.Topic) (<-chan []byte, func()) {
	return m.pubsub.Subscribe(topic)
}

// Match records an OFFER's acceptance of the publication for dataHash.
// The first call for a given dataHash succeeds; every subsequent call
// returns ErrContractAlreadyMatched.
func (m *Market) Match(dataHash string) (*contract.Contract, error) {
	m.mu.Lock()
	entry, ok := m.pending[dataHash]
	m.mu.Unlock()
	if !ok {
		return nil, errors.New("protocol: no pending publication for this data hash")
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.matched {
		return nil, ErrContractAlreadyMatched
	}
	entry.matched = true
	return entry.draft, nil
}

// Withdraw removes a publication, e.g. once its contract completes or its
// renter cancels it.
func (m *Market) Withdraw(dataHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, dataHash)
}

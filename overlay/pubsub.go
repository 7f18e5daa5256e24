package overlay

import "sync"

// PubSub is the publish/subscribe surface the contract market and the
// tunneler advertise/withdraw loop use. A GossipSub-style implementation
// offers the same publish/subscribe shape but requires a live host for
// its stream-multiplexed wire transport; this node instead gossips
// PUBLISH/SUBSCRIBE as ordinary rpc.Envelope methods between
// routing-table neighbours, so PubSub here is the local fan-out a
// handler publishes into and a subscriber drains from.
type PubSub interface {
	// Publish delivers msg to every current subscriber of topic.
	Publish(topic Topic, msg []byte)
	// Subscribe returns a channel of future messages on topic and an
	// unsubscribe function. The channel is closed by Unsubscribe.
	Subscribe(topic Topic) (ch <-chan []byte, unsubscribe func())
}

// LocalPubSub is a process-local PubSub: Publish fans a message out to
// every channel currently subscribed to a topic.
type LocalPubSub struct {
	mu   sync.Mutex
	subs map[Topic]map[int]chan []byte
	next int
}

// NewLocalPubSub creates an empty LocalPubSub.
func NewLocalPubSub() *LocalPubSub {
	return &LocalPubSub{subs: make(map[Topic]map[int]chan []byte)}
}

// Publish is non-blocking: a subscriber whose channel is full misses the
// message rather than stalling the publisher.
func (p *LocalPubSub) Publish(topic Topic, msg []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe registers a new subscriber channel for topic.
func (p *LocalPubSub) Subscribe(topic Topic) (<-chan []byte, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs[topic] == nil {
		p.subs[topic] = make(map[int]chan []byte)
	}
	id := p.next
	p.next++
	ch := make(chan []byte, 16)
	p.subs[topic][id] = ch

	unsubscribe := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if m, ok := p.subs[topic]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(p.subs, topic)
			}
		}
		close(ch)
	}
	return ch, unsubscribe
}

package overlay

import "encoding/hex"

// Topic category byte, the first of a Topic's 3 bytes.
const (
	PrefixDataContract byte = 0x0F
	PrefixTunneler     byte = 0x0E
)

// Tunneler availability descriptor bytes (bytes 1-2 when category is
// PrefixTunneler).
var (
	TunnelerAvail   = [2]byte{0x00, 0x01}
	TunnelerUnavail = [2]byte{0x00, 0x00}
)

// A Topic is the 3-byte opcode-topic key publications and subscriptions
// are keyed by: one category byte followed by a two-byte descriptor
// (shard-size bucket and contract-shape bucket for data contracts,
// availability flag for tunnelers).
type Topic [3]byte

// NewTopic builds a Topic from its category and descriptor bytes.
func NewTopic(category byte, descriptor [2]byte) Topic {
	return Topic{category, descriptor[0], descriptor[1]}
}

// String hex-encodes the topic as the 6-character wire form.
func (t Topic) String() string {
	return hex.EncodeToString(t[:])
}

// Category returns the topic's category byte.
func (t Topic) Category() byte {
	return t[0]
}

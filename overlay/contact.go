// Package overlay implements the Kademlia-style routing table, the
// tunneler bucket, and the DHT/pub-sub abstractions the network facade
// and protocol handlers build on.
package overlay

import (
	"fmt"
	"net"
	"time"

	"go.storjnode.dev/core/crypto"
)

// A Contact is everything the overlay knows about a reachable peer.
type Contact struct {
	Address         string          `json:"address"`
	Port            int             `json:"port"`
	NodeID          crypto.Hash160  `json:"nodeID"`
	ProtocolVersion ProtocolVersion `json:"protocolVersion"`
	LastSeen        time.Time       `json:"lastSeen"`
}

// URI returns the contact's canonical storj:// address.
func (c Contact) URI() string {
	return fmt.Sprintf("storj://%s:%d/%s", c.Address, c.Port, c.NodeID.String())
}

// A ProtocolVersion is a semantic version with an optional build tag.
type ProtocolVersion struct {
	Major, Minor, Patch int
	Build                string
}

// Compatible reports whether v and o may interoperate: same major, same
// minor, same build tag. A different patch is allowed; a different build
// tag is not, since it may carry wire-incompatible pre-release changes.
func (v ProtocolVersion) Compatible(o ProtocolVersion) bool {
	return v.Major == o.Major && v.Minor == o.Minor && v.Build == o.Build
}

func (v ProtocolVersion) String() string {
	if v.Build == "" {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	}
	return fmt.Sprintf("%d.%d.%d+%s", v.Major, v.Minor, v.Patch, v.Build)
}

// ValidAddress reports whether c's address/port are acceptable for the
// routing table: port must be positive, and a loopback address is
// rejected unless allowLoopback is set (the STORJ_ALLOW_LOOPBACK escape
// hatch used in local development).
func ValidAddress(c Contact, allowLoopback bool) bool {
	if c.Port <= 0 {
		return false
	}
	if ip := net.ParseIP(c.Address); ip != nil && ip.IsLoopback() && !allowLoopback {
		return false
	}
	return true
}

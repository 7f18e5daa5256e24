package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"go.storjnode.dev/core/crypto"
	"go.storjnode.dev/core/overlay"
)

// parseContact parses a contact flag value in the canonical
// storj://host:port/nodeid form Contact.URI produces.
func parseContact(s string) (overlay.Contact, error) {
	u, err := url.Parse(s)
	if err != nil {
		return overlay.Contact{}, errors.Wrap(err, "could not parse contact")
	}
	if u.Scheme != "storj" {
		return overlay.Contact{}, errors.New("contact must use the storj:// scheme")
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return overlay.Contact{}, errors.Wrap(err, "could not parse contact port")
	}
	idStr := u.Path
	if len(idStr) > 0 && idStr[0] == '/' {
		idStr = idStr[1:]
	}
	nodeID, err := crypto.ParseHash160(idStr)
	if err != nil {
		return overlay.Contact{}, errors.Wrap(err, "could not parse contact nodeID")
	}
	return overlay.Contact{Address: u.Hostname(), Port: port, NodeID: nodeID}, nil
}

// farmerDialAddr returns the bare host:port Transport.Call dials for c,
// mirroring network.dialAddr: Contact.URI embeds the nodeid as a path
// component, which a raw TCP dial must not include.
func farmerDialAddr(c overlay.Contact) string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

func parseHash160Flag(s string) (crypto.Hash160, error) {
	h, err := crypto.ParseHash160(s)
	if err != nil {
		return crypto.Hash160{}, errors.Wrap(err, "could not parse hash")
	}
	return h, nil
}

package network

import (
	"io"

	nlog "gitlab.com/NebulousLabs/log"
)

// loggers holds the named loggers a Node opens, one per major concern,
// matching the ambient stack's "one *log.Logger per major subsystem"
// rule.
type loggers struct {
	network *nlog.Logger
	farmer  *nlog.Logger
	renter  *nlog.Logger
	tunnel  *nlog.Logger
}

// newLoggers opens one NebulousLabs/log logger per subsystem against w.
// Passing nil uses log.DiscardLogger for every subsystem, the default
// for unit tests.
func newLoggers(w io.Writer) (*loggers, error) {
	if w == nil {
		return &loggers{
			network: nlog.DiscardLogger,
			farmer:  nlog.DiscardLogger,
			renter:  nlog.DiscardLogger,
			tunnel:  nlog.DiscardLogger,
		}, nil
	}
	network, err := nlog.NewLogger(w)
	if err != nil {
		return nil, err
	}
	farmer, err := nlog.NewLogger(w)
	if err != nil {
		return nil, err
	}
	renter, err := nlog.NewLogger(w)
	if err != nil {
		return nil, err
	}
	tunnel, err := nlog.NewLogger(w)
	if err != nil {
		return nil, err
	}
	return &loggers{network: network, farmer: farmer, renter: renter, tunnel: tunnel}, nil
}

package tunnel

import (
	"context"
	"encoding/json"
	"time"

	"go.storjnode.dev/core/overlay"
)

// DefaultAdvertiseInterval is how often a tunneler re-publishes its
// availability; a node that misses several intervals is assumed to have
// gone away by listeners purging their TunnelerBucket on their own
// timeout, not by an explicit UNAVAIL (which is also sent on graceful
// shutdown).
const DefaultAdvertiseInterval = time.Minute

// Topic is the opcode topic every tunneler AVAIL/UNAVAIL message is
// published on.
var Topic = overlay.NewTopic(overlay.PrefixTunneler, overlay.TunnelerAvail)

// Advertiser periodically publishes this node's availability as a
// tunneler over pubsub, and announces its withdrawal on Stop.
type Advertiser struct {
	PubSub   overlay.PubSub
	Self     overlay.Contact
	Interval time.Duration
}

// Run publishes AVAIL immediately and then on every Interval tick until
// ctx is cancelled, at which point it publishes UNAVAIL before
// returning.
func (a *Advertiser) Run(ctx context.Context) error {
	interval := a.Interval
	if interval <= 0 {
		interval = DefaultAdvertiseInterval
	}
	a.publish(overlay.TunnelerAvail)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.publish(overlay.TunnelerAvail)
		case <-ctx.Done():
			a.publish(overlay.TunnelerUnavail)
			return ctx.Err()
		}
	}
}

func (a *Advertiser) publish(descriptor [2]byte) {
	raw, err := json.Marshal(a.Self)
	if err != nil {
		return
	}
	a.PubSub.Publish(overlay.NewTopic(overlay.PrefixTunneler, descriptor), raw)
}

// Listener subscribes to tunneler availability and keeps bucket in sync:
// an AVAIL message adds or refreshes the advertising contact, an UNAVAIL
// removes it.
type Listener struct {
	PubSub overlay.PubSub
	Bucket *overlay.TunnelerBucket
}

// Run drains both the AVAIL and UNAVAIL topics until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	availCh, unAvail := l.PubSub.Subscribe(overlay.NewTopic(overlay.PrefixTunneler, overlay.TunnelerAvail))
	defer unAvail()
	unavailCh, unUnavail := l.PubSub.Subscribe(overlay.NewTopic(overlay.PrefixTunneler, overlay.TunnelerUnavail))
	defer unUnavail()

	for {
		select {
		case msg := <-availCh:
			var c overlay.Contact
			if json.Unmarshal(msg, &c) == nil {
				l.Bucket.Add(c)
			}
		case msg := <-unavailCh:
			var c overlay.Contact
			if json.Unmarshal(msg, &c) == nil {
				l.Bucket.Remove(c.NodeID)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Package network is the node facade: it owns the routing table, the
// overlay DHT/pub-sub, the signed RPC transport, the protocol handlers,
// and the tunnel subsystem, and drives the join/leave lifecycle,
// routing-table cleaner, and inactivity reentry timer described in the
// network facade component.
package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"go.storjnode.dev/core/config"
	"go.storjnode.dev/core/crypto"
	"go.storjnode.dev/core/datachannel"
	"go.storjnode.dev/core/overlay"
	"go.storjnode.dev/core/protocol"
	"go.storjnode.dev/core/rpc"
	"go.storjnode.dev/core/shardmgr"
	"go.storjnode.dev/core/storage"
	"go.storjnode.dev/core/tunnel"
)

// ErrNoSeedsReachable is returned by Join when every seed contact in
// series failed to answer a PROBE/FIND_NODE.
var ErrNoSeedsReachable = errors.New("network: no seed contact was reachable")

// Node wires together every subsystem a running peer needs and drives
// its lifecycle.
type Node struct {
	Config config.Config
	Self   crypto.KeyPair

	log *loggers

	Table     *overlay.RoutingTable
	DHT       *overlay.LocalDHT
	PubSub    *overlay.LocalPubSub
	Tunnelers *overlay.TunnelerBucket

	Shards  *shardmgr.Manager
	Tokens  *datachannel.TokenStore
	Market  *protocol.Market
	Tracker *protocol.Tracker

	Handlers   *protocol.Handlers
	Limiter    *rpc.RateLimiter
	Dispatcher *rpc.Dispatcher
	Transport  *Transport
	DataChan   *datachannel.Server

	// Relay is non-nil only when this node itself offers relay slots
	// (Config.MaxTunnels > 0).
	Relay      *tunnel.Relay
	Advertiser *tunnel.Advertiser
	Listener   *tunnel.Listener
	// tunnelClient is non-nil only once this node has successfully
	// opened a tunnel through another node.
	tunnelClient *tunnel.Client

	publicContact overlay.Contact

	mu           sync.Mutex
	lastActivity time.Time
	stop         chan struct{}
	wg           sync.WaitGroup
	closed       bool
}

// New constructs a Node from cfg and self, opening its storage adapter,
// data-channel server, and RPC transport, but does not yet join the
// overlay - call Join for that. logWriter receives structured log
// output for every subsystem; pass nil to discard it, the default used
// by tests.
func New(cfg config.Config, self crypto.KeyPair, logWriter io.Writer) (*Node, error) {
	loggers, err := newLoggers(logWriter)
	if err != nil {
		return nil, errors.Wrap(err, "network: could not open loggers")
	}

	table, err := overlay.NewRoutingTable(self.NodeID, cfg.BucketSize)
	if err != nil {
		return nil, errors.Wrap(err, "network: could not create routing table")
	}

	adapter, err := storage.NewBolt(filepath.Join(cfg.StorageDir, "shards.db"))
	if err != nil {
		return nil, errors.Wrap(err, "network: could not open shard store")
	}

	n := &Node{
		Config:       cfg,
		Self:         self,
		log:          loggers,
		Table:        table,
		DHT:          overlay.NewLocalDHT(table),
		PubSub:       overlay.NewLocalPubSub(),
		Tunnelers:    overlay.NewTunnelerBucket(cfg.TunnelerBucketSize),
		Shards:       shardmgr.New(adapter, 0),
		Tokens:       datachannel.NewTokenStore(),
		Tracker:      protocol.NewTracker(),
		lastActivity: time.Now(),
		stop:         make(chan struct{}),
	}
	n.Market = protocol.NewMarket(n.PubSub)

	n.Handlers = protocol.NewHandlers(self)
	n.Handlers.Shards = n.Shards
	n.Handlers.Tokens = n.Tokens
	n.Handlers.Table = n.Table
	n.Handlers.DHT = n.DHT
	n.Handlers.PubSub = n.PubSub
	n.Handlers.Market = n.Market
	n.Handlers.Tunnelers = n.Tunnelers
	n.Handlers.Tracker = n.Tracker
	n.Handlers.MaxTunnels = cfg.MaxTunnels
	n.Handlers.ProbeDialer = n.dialProbeCallback

	n.Limiter = rpc.NewRateLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst)
	n.Dispatcher = rpc.NewDispatcher(n.Limiter, n.Table.Contains)
	n.Handlers.Register(n.Dispatcher)

	// ListenAddress may carry its own port; without one, the RPC listener
	// binds Port. The data channel always takes an ephemeral port.
	rpcAddr, listenHost := cfg.ListenAddress, cfg.ListenAddress
	if host, _, err := net.SplitHostPort(cfg.ListenAddress); err == nil {
		listenHost = host
	} else {
		rpcAddr = net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port))
	}

	transport, err := NewTransport(rpcAddr, self, n.Dispatcher, func(err error) {
		n.log.network.Println("transport error:", err)
	})
	if err != nil {
		return nil, errors.Wrap(err, "network: could not start transport")
	}
	n.Transport = transport

	dataChan, err := datachannel.NewServer(net.JoinHostPort(listenHost, "0"), n.Tokens, n.Shards, n.hasContract, func(err error) {
		n.log.farmer.Println("data channel error:", err)
	})
	if err != nil {
		transport.Close()
		return nil, errors.Wrap(err, "network: could not start data channel")
	}
	n.DataChan = dataChan

	n.publicContact = overlay.Contact{
		Address:         hostOf(listenHost),
		Port:            cfg.Port,
		NodeID:          self.NodeID,
		ProtocolVersion: overlay.ProtocolVersion{Major: cfg.ProtocolVersion.Major, Minor: cfg.ProtocolVersion.Minor, Patch: cfg.ProtocolVersion.Patch, Build: cfg.ProtocolVersion.Build},
	}
	n.Handlers.PublicContact = n.publicContact

	if cfg.MaxTunnels > 0 {
		n.Relay = tunnel.NewRelay()
		n.Handlers.TunnelBaseURL = "ws://" + n.publicContact.Address
	}
	n.Advertiser = &tunnel.Advertiser{PubSub: n.PubSub, Self: n.publicContact, Interval: cfg.TunnelAdvertiseInterval}
	n.Listener = &tunnel.Listener{PubSub: n.PubSub, Bucket: n.Tunnelers}

	n.wg.Add(1)
	go n.sweepLoop()

	return n, nil
}

// dialAddr returns the bare host:port Transport.Call should dial for c.
// Contact.URI embeds the nodeid as a path component for display and
// lookup purposes; the RPC transport dials plain TCP, not a storj://
// URL, so callers must strip it back down before calling Call.
func dialAddr(c overlay.Contact) string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

func hostOf(listenAddr string) string {
	if listenAddr == "" || listenAddr == "0.0.0.0" {
		return "0.0.0.0"
	}
	return listenAddr
}

// hasContract reports whether this node, as farmer, has an on-file
// contract for hash - the ContractLookup the data channel server gates
// PULL against.
func (n *Node) hasContract(hash crypto.Hash160) bool {
	item, err := n.Shards.Peek(hash.String())
	if err != nil {
		return false
	}
	_, ok := item.Contracts[n.Self.NodeID.String()]
	return ok
}

// dialProbeCallback is the reverse connection PROBE asks this node to
// attempt, used by a remote node to test its own reachability.
func (n *Node) dialProbeCallback(ctx context.Context, callback overlay.Contact) error {
	_, err := n.Transport.Call(ctx, dialAddr(callback), "PING", struct{}{})
	return err
}

// Join attempts each seed in series, succeeding on the first one that
// answers a PROBE and is accepted into the routing table. A PROBE reply
// only shows that the seed answered: the seed's reverse dial to this node
// runs after it has replied and its outcome is not reported back, so Join
// does not learn whether this node is publicly reachable. A node with no
// relay slots of its own (Relay nil) then negotiates a tunnel via
// FIND_TUNNEL/OPEN_TUNNEL; a node that offers relay slots starts the
// tunneler-announce loop instead. Either way Join then starts the
// tunneler listener, background cleaner, and reentry timer.
func (n *Node) Join(ctx context.Context, seeds []overlay.Contact) error {
	var joinErr error
	reachable := false
	for _, seed := range seeds {
		if err := n.probeSeed(ctx, seed); err != nil {
			joinErr = err
			continue
		}
		if _, err := n.Table.Update(seed); err != nil {
			joinErr = err
			continue
		}
		reachable = true
		break
	}
	if !reachable {
		return errors.Wrap(firstNonNil(joinErr, ErrNoSeedsReachable), "network: join failed")
	}

	if n.Relay == nil {
		if err := n.establishTunnel(ctx, seeds); err != nil {
			n.log.network.Println("tunnel establishment failed, continuing unreachable:", err)
		}
	} else {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.Advertiser.Run(contextUntilStop(n.stop))
		}()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.Listener.Run(contextUntilStop(n.stop))
	}()

	n.wg.Add(1)
	go n.cleanerLoop()

	n.wg.Add(1)
	go n.reentryLoop(seeds)

	return nil
}

// probeSeed asks seed to PING this node back; success means only that the
// seed answered, not that its reverse PING reached this node.
func (n *Node) probeSeed(ctx context.Context, seed overlay.Contact) error {
	_, err := n.Transport.Call(ctx, dialAddr(seed), "PROBE", protocol.ProbeParams{Callback: n.publicContact})
	return err
}

// establishTunnel runs for a node that offers no relay slots of its own:
// it asks the first seed for known tunnelers via FIND_TUNNEL, then tries
// OPEN_TUNNEL against each until one grants a slot.
func (n *Node) establishTunnel(ctx context.Context, seeds []overlay.Contact) error {
	if len(seeds) == 0 {
		return ErrNoSeedsReachable
	}
	resp, err := n.Transport.Call(ctx, dialAddr(seeds[0]), "FIND_TUNNEL", protocol.FindTunnelParams{})
	if err != nil {
		return err
	}
	var result protocol.FindTunnelResult
	if err := decodeResult(resp, &result); err != nil {
		return err
	}

	var lastErr error
	for _, tunneler := range result.Tunnelers {
		openResp, err := n.Transport.Call(ctx, dialAddr(tunneler), "OPEN_TUNNEL", protocol.OpenTunnelParams{Requester: n.publicContact})
		if err != nil {
			lastErr = err
			continue
		}
		var opened protocol.OpenTunnelResult
		if err := decodeResult(openResp, &opened); err != nil {
			lastErr = err
			continue
		}
		n.startTunnelClient(opened)
		n.mu.Lock()
		n.publicContact = opened.Alias
		n.Handlers.PublicContact = opened.Alias
		n.mu.Unlock()
		return nil
	}
	if lastErr == nil {
		lastErr = ErrNoTunnelersAvailable
	}
	return lastErr
}

// ErrNoTunnelersAvailable is returned by establishTunnel when the
// neighbourhood has no known tunneler contacts at all.
var ErrNoTunnelersAvailable = errors.New("network: no known tunneler contacts")

func (n *Node) startTunnelClient(opened protocol.OpenTunnelResult) {
	client := &tunnel.Client{
		TunnelURL:   opened.TunnelURL,
		Alias:       opened.Alias.NodeID.String(),
		BackendAddr: n.Transport.Addr().String(),
	}
	n.mu.Lock()
	n.tunnelClient = client
	n.mu.Unlock()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		client.Run(contextUntilStop(n.stop))
	}()
}

// cleanerLoop runs the routing-table cleaner on a fixed interval,
// dropping contacts with an incompatible protocol version or an invalid
// address, and supplementing that with faulty-farmer eviction per the
// audit tracker.
func (n *Node) cleanerLoop() {
	defer n.wg.Done()
	interval := n.Config.RoutingTableCleanInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.clean()
		case <-n.stop:
			return
		}
	}
}

func (n *Node) clean() {
	self := n.publicSelfVersion()
	removed := n.Table.Clean(func(c overlay.Contact) bool {
		if !overlay.ValidAddress(c, n.Config.AllowLoopback) {
			return false
		}
		if !self.Compatible(c.ProtocolVersion) {
			return false
		}
		if n.Tracker.IsFaulty(c.NodeID.String()) {
			return false
		}
		return true
	})
	if len(removed) > 0 {
		n.log.network.Println("routing table cleaner removed", len(removed), "contacts")
	}
}

// sweepLoop runs the contract-expiry sweep on a fixed interval, evicting
// shards this node holds as farmer once their store window has closed.
func (n *Node) sweepLoop() {
	defer n.wg.Done()
	interval := n.Config.ContractExpirySweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.sweepExpiredContracts()
		case <-n.stop:
			return
		}
	}
}

func (n *Node) sweepExpiredContracts() {
	expired := n.Handlers.ExpiredContracts(time.Now())
	for _, c := range expired {
		if err := n.Handlers.ExpireContract(c); err != nil {
			n.log.farmer.Println("contract expiry sweep could not evict shard", c.DataHash, ":", err)
			continue
		}
		n.log.farmer.Println("contract expiry sweep evicted shard", c.DataHash, "for expired contract with", c.RenterID)
	}
}

func (n *Node) publicSelfVersion() overlay.ProtocolVersion {
	v := n.Config.ProtocolVersion
	return overlay.ProtocolVersion{Major: v.Major, Minor: v.Minor, Patch: v.Patch, Build: v.Build}
}

// reentryLoop re-probes the seeds once a configured idle period has
// passed since the node was created or since its last successful reentry
// probe. Inbound RPC traffic does not reset that clock.
func (n *Node) reentryLoop(seeds []overlay.Contact) {
	defer n.wg.Done()
	idle := n.Config.ReentryIdleTimeout
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	ticker := time.NewTicker(idle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.mu.Lock()
			since := time.Since(n.lastActivity)
			n.mu.Unlock()
			if since >= idle {
				ctx, cancel := context.WithTimeout(context.Background(), n.Config.ResponseTimeout)
				if err := n.reconnectSeeds(ctx, seeds); err != nil {
					n.log.network.Println("reentry join failed:", err)
				}
				cancel()
			}
		case <-n.stop:
			return
		}
	}
}

func (n *Node) reconnectSeeds(ctx context.Context, seeds []overlay.Contact) error {
	for _, seed := range seeds {
		if err := n.probeSeed(ctx, seed); err == nil {
			n.markActivity()
			return nil
		}
	}
	return ErrNoSeedsReachable
}

// markActivity resets the inactivity reentry clock; only a successful
// reentry probe calls it.
func (n *Node) markActivity() {
	n.mu.Lock()
	n.lastActivity = time.Now()
	n.mu.Unlock()
}

// ForwardPublish sends payload to every contact subscribed to topic,
// completing the market's publish/subscribe wire transport: handlePublish
// only fans into the local pub/sub, this is the network facade dialing
// each subscriber's own PUBLISH handler in turn.
func (n *Node) ForwardPublish(ctx context.Context, topic overlay.Topic, payload []byte) {
	for _, sub := range n.Handlers.Subscribers(topic) {
		go func(c overlay.Contact) {
			if _, err := n.Transport.Call(ctx, dialAddr(c), "PUBLISH", publishForward{Topic: topic, Payload: payload}); err != nil {
				n.log.network.Println("forward publish to", c.URI(), "failed:", err)
			}
		}(sub)
	}
}

type publishForward struct {
	Topic   overlay.Topic `json:"topic"`
	Payload []byte        `json:"payload"`
}

// Leave closes every background loop and the transport/data-channel
// listeners, in the reverse order Join started them.
func (n *Node) Leave() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	close(n.stop)
	n.wg.Wait()

	var firstErr error
	if err := n.Transport.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := n.DataChan.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func contextUntilStop(stop <-chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stop
		cancel()
	}()
	return ctx
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

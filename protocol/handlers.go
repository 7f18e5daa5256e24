package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.storjnode.dev/core/contract"
	"go.storjnode.dev/core/crypto"
	"go.storjnode.dev/core/datachannel"
	"go.storjnode.dev/core/merkle"
	"go.storjnode.dev/core/overlay"
	"go.storjnode.dev/core/rpc"
	"go.storjnode.dev/core/shardmgr"
	"go.storjnode.dev/core/storage"
)

// DefaultTunnelSampleSize is how many tunneler contacts FIND_TUNNEL
// returns when the caller does not request a specific count.
const DefaultTunnelSampleSize = 8

// ErrNoTunnelAvailable is returned by OPEN_TUNNEL once the node's relay
// slots are exhausted.
var ErrNoTunnelAvailable = errors.New("protocol: no tunnel slot available")

// ErrContractUnknown is returned by CONSIGN/RETRIEVE/AUDIT when no
// matching contract is on file for the caller.
var ErrContractUnknown = errors.New("protocol: no contract on file")

// Handlers implements every protocol method against a node's local
// state: its shard store, its routing table and tunneler bucket, its
// contract market, and its faulty-farmer tracker. A node wires the
// methods it plays a role in onto an rpc.Dispatcher via Register.
type Handlers struct {
	Self crypto.KeyPair

	Shards *shardmgr.Manager
	Tokens *datachannel.TokenStore

	Table     *overlay.RoutingTable
	DHT       overlay.DHT
	PubSub    overlay.PubSub
	Market    *Market
	Tunnelers *overlay.TunnelerBucket
	Tracker   *Tracker

	// MaxTunnels is the number of relay slots this node offers; a
	// tunnel-client node (one that itself relays through another) sets
	// this to 0.
	MaxTunnels int
	// TunnelBaseURL is the websocket base URL advertised in OPEN_TUNNEL
	// responses, e.g. "wss://relay.example:7777".
	TunnelBaseURL string
	// PublicContact is the address/port advertised as a granted
	// tunnel's alias.
	PublicContact overlay.Contact
	// ProbeDialer, if set, is started in its own goroutine on PROBE to
	// attempt a reverse connection to the requester. PROBE replies
	// without waiting for it, and its result is discarded. Kept as an
	// injected function since actually dialing out is the network
	// facade's job.
	ProbeDialer func(ctx context.Context, callback overlay.Contact) error

	mu            sync.Mutex
	activeTunnels int
	// farmerContracts holds, keyed by data hash hex, the contracts this
	// node has accepted as farmer - populated only through
	// RecordFarmerContract, consulted by CONSIGN/MIRROR and the expiry
	// sweep.
	farmerContracts map[string]*contract.Contract
	// subscribers records, per topic, the contacts that asked this node
	// to forward future PUBLISH traffic to them. Actually dialing back
	// out to forward a publication belongs to the network facade, which
	// has the RPC client; this registry is what it reads.
	subscribers map[overlay.Topic][]overlay.Contact
}

// NewHandlers creates a Handlers with its internal maps initialised.
func NewHandlers(self crypto.KeyPair) *Handlers {
	return &Handlers{
		Self:            self,
		farmerContracts: make(map[string]*contract.Contract),
		subscribers:     make(map[overlay.Topic][]overlay.Contact),
	}
}

// RecordFarmerContract files c under its data hash so a later
// CONSIGN/MIRROR from the matching renter can find it. Nothing in this
// package calls it: a contract is on file only once a caller has
// recorded it here.
func (h *Handlers) RecordFarmerContract(c *contract.Contract) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.farmerContracts[c.DataHash.String()] = c
}

func (h *Handlers) lookupFarmerContract(id string) (*contract.Contract, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.farmerContracts[id]
	return c, ok
}

// ExpiredContracts returns every farmer contract on file whose store
// window ends at or before now, for the network facade's periodic sweep
// to evict.
func (h *Handlers) ExpiredContracts(now time.Time) []*contract.Contract {
	h.mu.Lock()
	defer h.mu.Unlock()
	var expired []*contract.Contract
	for _, c := range h.farmerContracts {
		if now.Unix() >= c.StoreEnd {
			expired = append(expired, c)
		}
	}
	return expired
}

// ExpireContract drops c's farmerContracts entry and deletes its shard
// bytes. Safe to call more than once for the same contract; the second
// call simply finds nothing left to remove.
func (h *Handlers) ExpireContract(c *contract.Contract) error {
	h.mu.Lock()
	delete(h.farmerContracts, c.DataHash.String())
	h.mu.Unlock()
	return h.Shards.Del(c.DataHash.String())
}

// Register wires every method this Handlers implements onto d.
func (h *Handlers) Register(d *rpc.Dispatcher) {
	d.Handle("PING", h.handlePing)
	d.Handle("PROBE", h.handleProbe)
	d.Handle("FIND_NODE", h.handleFindNode)
	d.Handle("FIND_VALUE", h.handleFindValue)
	d.Handle("STORE", h.handleStore)
	d.Handle("OFFER", h.handleOffer)
	d.Handle("CONSIGN", h.handleConsign)
	d.Handle("RETRIEVE", h.handleRetrieve)
	d.Handle("AUDIT", h.handleAudit)
	d.Handle("MIRROR", h.handleMirror)
	d.Handle("FIND_TUNNEL", h.handleFindTunnel)
	d.Handle("OPEN_TUNNEL", h.handleOpenTunnel)
	d.Handle("PUBLISH", h.handlePublish)
	d.Handle("SUBSCRIBE", h.handleSubscribe)
}

func (h *Handlers) handlePing(ctx context.Context, from crypto.Hash160, params json.RawMessage) (interface{}, error) {
	return struct{}{}, nil
}

func (h *Handlers) handleProbe(ctx context.Context, from crypto.Hash160, params json.RawMessage) (interface{}, error) {
	var p ProbeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if h.ProbeDialer != nil {
		go h.ProbeDialer(ctx, p.Callback)
	}
	return struct{}{}, nil
}

type findNodeParams struct {
	Target crypto.Hash160 `json:"target"`
	Count  int            `json:"count"`
}

type findNodeResult struct {
	Contacts []overlay.Contact `json:"contacts"`
}

func (h *Handlers) handleFindNode(ctx context.Context, from crypto.Hash160, params json.RawMessage) (interface{}, error) {
	var p findNodeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Count <= 0 {
		p.Count = overlay.DefaultBucketSize
	}
	return findNodeResult{Contacts: h.Table.NearestContacts(p.Target, p.Count)}, nil
}

type findValueParams struct {
	Key crypto.Hash160 `json:"key"`
}

type findValueResult struct {
	Value    []byte            `json:"value,omitempty"`
	Found    bool              `json:"found"`
	Contacts []overlay.Contact `json:"contacts,omitempty"`
}

func (h *Handlers) handleFindValue(ctx context.Context, from crypto.Hash160, params json.RawMessage) (interface{}, error) {
	var p findValueParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if v, ok := h.DHT.FindValue(p.Key); ok {
		return findValueResult{Value: v, Found: true}, nil
	}
	return findValueResult{Found: false, Contacts: h.Table.NearestContacts(p.Key, overlay.DefaultBucketSize)}, nil
}

type storeParams struct {
	Key   crypto.Hash160 `json:"key"`
	Value []byte         `json:"value"`
}

func (h *Handlers) handleStore(ctx context.Context, from crypto.Hash160, params json.RawMessage) (interface{}, error) {
	var p storeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	h.DHT.Store(p.Key, p.Value)
	return struct{}{}, nil
}

// handleOffer is the renter-side acceptance of a farmer's OFFER: verify
// the farmer's signature, match it against a pending publication (first
// wins), and hand back the now-complete contract.
func (h *Handlers) handleOffer(ctx context.Context, from crypto.Hash160, params json.RawMessage) (interface{}, error) {
	var p OfferParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Contract == nil {
		return nil, errors.New("protocol: offer missing contract")
	}
	ok, err := p.Contract.Verify(contract.Farmer, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("protocol: farmer signature does not verify")
	}
	matched, err := h.Market.Match(p.Contract.DataHash.String())
	if err != nil {
		if err == ErrContractAlreadyMatched {
			h.Market.emitUnhandled(p.Contract)
		}
		return nil, err
	}
	if matched.DataHash != p.Contract.DataHash {
		return nil, errors.New("protocol: offered contract does not match publication")
	}
	if !p.Contract.IsComplete() {
		return nil, errors.New("protocol: offered contract is not fully signed")
	}
	// the matched entry stays registered so later offers for the same
	// publication get ErrContractAlreadyMatched.
	return OfferResult{Contract: p.Contract}, nil
}

// handleConsign is the farmer-side receipt of the audit tree's public
// half: look up the contract this node accepted for contract_id, record
// the leaves, and issue a one-shot PUSH token. Re-issuing is safe: the
// shard store's put is a merge, and a fresh token simply supersedes any
// unused one while the shard has not yet been received.
func (h *Handlers) handleConsign(ctx context.Context, from crypto.Hash160, params json.RawMessage) (interface{}, error) {
	var p ConsignParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	c, ok := h.lookupFarmerContract(p.ContractID)
	if !ok {
		return nil, ErrContractUnknown
	}
	if c.RenterID != from {
		return nil, ErrContractUnknown
	}

	item, err := h.Shards.Peek(c.DataHash.String())
	if err != nil {
		item = storage.NewItem(c.DataHash)
	}
	item.Contracts[c.FarmerID.String()] = c
	item.Trees[c.FarmerID.String()] = p.AuditTree
	if err := h.Shards.Put(c.DataHash.String(), item); err != nil {
		return nil, err
	}

	token := h.Tokens.Issue(datachannel.PUSH, c.DataHash, datachannel.DefaultTokenTTL)
	return ConsignResult{Token: token}, nil
}

// handleRetrieve is the farmer-side grant of download access: confirm a
// complete contract exists between this node and the caller for
// data_hash, then issue a PULL token.
func (h *Handlers) handleRetrieve(ctx context.Context, from crypto.Hash160, params json.RawMessage) (interface{}, error) {
	var p RetrieveParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	item, err := h.Shards.Peek(p.DataHash.String())
	if err != nil {
		return nil, ErrContractUnknown
	}
	c, ok := item.Contracts[h.Self.NodeID.String()]
	if !ok || c.RenterID != from || !c.IsComplete() {
		return nil, ErrContractUnknown
	}
	token := h.Tokens.Issue(datachannel.PULL, p.DataHash, datachannel.DefaultTokenTTL)
	return RetrieveResult{Token: token}, nil
}

// handleAudit is the farmer-side proof response: locate the shard,
// stream it in full, and produce the Merkle proof for the requested
// challenge.
func (h *Handlers) handleAudit(ctx context.Context, from crypto.Hash160, params json.RawMessage) (interface{}, error) {
	var p AuditParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	item, r, err := h.Shards.Get(p.DataHash.String())
	if err != nil {
		return nil, ErrContractUnknown
	}
	defer r.Close()
	shard, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	leaves, ok := item.Trees[h.Self.NodeID.String()]
	if !ok {
		return nil, ErrContractUnknown
	}
	proof, err := merkle.Prove(leaves, p.Challenge, shard)
	if h.Tracker != nil {
		h.Tracker.RecordAudit(h.Self.NodeID.String(), err == nil)
	}
	if err != nil {
		return nil, err
	}
	return AuditResult{Proof: proof}, nil
}

// handleMirror pulls a shard from another farmer using a token the
// renter has already arranged, and accepts it under the contract this
// node previously agreed to for the same data hash.
func (h *Handlers) handleMirror(ctx context.Context, from crypto.Hash160, params json.RawMessage) (interface{}, error) {
	var p MirrorParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	hash, err := crypto.ParseHash160(p.SourceContractID)
	if err != nil {
		return nil, errors.Wrap(err, "protocol: invalid source_contract")
	}
	c, ok := h.lookupFarmerContract(hash.String())
	if !ok || c.RenterID != from {
		return nil, ErrContractUnknown
	}

	var buf bytes.Buffer
	if err := datachannel.Pull(p.SourceFarmerAddress, p.Token, hash, &buf); err != nil {
		return nil, errors.Wrap(err, "protocol: mirror pull failed")
	}
	if crypto.HashBytes(buf.Bytes()) != hash {
		return nil, errors.New("protocol: mirrored shard hash mismatch")
	}

	w, err := h.Shards.OpenWriter(hash.String(), int64(buf.Len()))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(w, &buf); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	item, err := h.Shards.Peek(hash.String())
	if err != nil {
		item = storage.NewItem(hash)
	}
	item.Contracts[c.FarmerID.String()] = c
	if err := h.Shards.Put(hash.String(), item); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (h *Handlers) handleFindTunnel(ctx context.Context, from crypto.Hash160, params json.RawMessage) (interface{}, error) {
	var p FindTunnelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Count <= 0 {
		p.Count = DefaultTunnelSampleSize
	}
	return FindTunnelResult{Tunnelers: h.Tunnelers.Sample(p.Count)}, nil
}

func (h *Handlers) handleOpenTunnel(ctx context.Context, from crypto.Hash160, params json.RawMessage) (interface{}, error) {
	var p OpenTunnelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.activeTunnels >= h.MaxTunnels {
		h.mu.Unlock()
		return nil, ErrNoTunnelAvailable
	}
	h.activeTunnels++
	h.mu.Unlock()

	return OpenTunnelResult{TunnelURL: h.TunnelBaseURL, Alias: h.PublicContact}, nil
}

// ReleaseTunnel frees a relay slot granted by OPEN_TUNNEL, e.g. once the
// tunnel's websocket connection closes.
func (h *Handlers) ReleaseTunnel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activeTunnels > 0 {
		h.activeTunnels--
	}
}

type publishParams struct {
	Topic   overlay.Topic `json:"topic"`
	Payload []byte        `json:"payload"`
}

func (h *Handlers) handlePublish(ctx context.Context, from crypto.Hash160, params json.RawMessage) (interface{}, error) {
	var p publishParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	h.PubSub.Publish(p.Topic, p.Payload)
	return struct{}{}, nil
}

type subscribeParams struct {
	Topic   overlay.Topic   `json:"topic"`
	Contact overlay.Contact `json:"contact"`
}

func (h *Handlers) handleSubscribe(ctx context.Context, from crypto.Hash160, params json.RawMessage) (interface{}, error) {
	var p subscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.subscribers[p.Topic] = append(h.subscribers[p.Topic], p.Contact)
	h.mu.Unlock()
	return struct{}{}, nil
}

// Subscribers returns the contacts that have asked to be forwarded
// future PUBLISH traffic on topic, for the network facade's gossip relay.
func (h *Handlers) Subscribers(topic overlay.Topic) []overlay.Contact {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]overlay.Contact, len(h.subscribers[topic]))
	copy(out, h.subscribers[topic])
	return out
}

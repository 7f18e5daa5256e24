package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.storjnode.dev/core/contract"
	"go.storjnode.dev/core/crypto"
	"go.storjnode.dev/core/datachannel"
	"go.storjnode.dev/core/merkle"
	"go.storjnode.dev/core/overlay"
	"go.storjnode.dev/core/shardmgr"
	"go.storjnode.dev/core/storage"
)

func mustKeyPair(t *testing.T) crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

func TestShardSizeBucket(t *testing.T) {
	cases := []struct {
		size uint64
		want byte
	}{
		{1 << 10, 0x00},
		{1 << 20, 0x00},
		{1<<20 + 1, 0x01},
		{8 << 20, 0x01},
		{64 << 20, 0x02},
		{64<<20 + 1, 0x03},
	}
	for _, c := range cases {
		if got := ShardSizeBucket(c.size); got != c.want {
			t.Errorf("ShardSizeBucket(%d) = %#x, want %#x", c.size, got, c.want)
		}
	}
}

func TestMarketFirstOfferWins(t *testing.T) {
	renter := mustKeyPair(t)

	draft, err := contract.New(contract.Fields{
		RenterID:   renter.NodeID,
		DataSize:   1024,
		DataHash:   crypto.HashBytes([]byte("shard")),
		StoreBegin: 0,
		StoreEnd:   1000,
		AuditCount: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := draft.Sign(renter, contract.Renter); err != nil {
		t.Fatal(err)
	}

	market := NewMarket(overlay.NewLocalPubSub())
	market.Publish(draft, 0x00)

	if _, err := market.Match(draft.DataHash.String()); err != nil {
		t.Fatalf("first match should succeed: %v", err)
	}
	if _, err := market.Match(draft.DataHash.String()); err != ErrContractAlreadyMatched {
		t.Fatalf("expected ErrContractAlreadyMatched, got %v", err)
	}
}

func TestTrackerFlagsFaultyAfterMinSamples(t *testing.T) {
	tr := NewTracker()
	farmer := "deadbeef"

	tr.RecordAudit(farmer, false)
	if tr.IsFaulty(farmer) {
		t.Fatal("must not flag faulty before minAudits samples")
	}
	tr.RecordAudit(farmer, false)
	if tr.IsFaulty(farmer) {
		t.Fatal("must not flag faulty before minAudits samples")
	}
	tr.RecordAudit(farmer, true)
	if !tr.IsFaulty(farmer) {
		t.Fatal("2/3 failures should cross the default 0.5 threshold")
	}
}

func TestTrackerForgetClearsHistory(t *testing.T) {
	tr := NewTracker()
	tr.RecordAudit("x", false)
	tr.RecordAudit("x", false)
	tr.RecordAudit("x", false)
	if !tr.IsFaulty("x") {
		t.Fatal("expected faulty after three failures")
	}
	tr.Forget("x")
	if tr.IsFaulty("x") {
		t.Fatal("forgotten farmer should no longer be faulty")
	}
}

// buildHandlers wires a minimal Handlers good enough to exercise the
// CONSIGN -> shard push -> AUDIT round trip without a live network.
func buildHandlers(t *testing.T, self crypto.KeyPair) *Handlers {
	t.Helper()
	table, err := overlay.NewRoutingTable(self.NodeID, 0)
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandlers(self)
	h.Shards = shardmgr.New(storage.NewMemory(), 0)
	h.Tokens = datachannel.NewTokenStore()
	h.Table = table
	h.DHT = overlay.NewLocalDHT(table)
	h.PubSub = overlay.NewLocalPubSub()
	h.Market = NewMarket(h.PubSub)
	h.Tunnelers = overlay.NewTunnelerBucket(0)
	h.Tracker = NewTracker()
	h.MaxTunnels = 2
	h.TunnelBaseURL = "wss://relay.test:7777"
	h.PublicContact = overlay.Contact{Address: "203.0.113.1", Port: 9000, NodeID: self.NodeID}
	return h
}

func TestHandleOfferMatchesPublicationAndCompletesContract(t *testing.T) {
	renterKP := mustKeyPair(t)
	farmerKP := mustKeyPair(t)

	h := buildHandlers(t, renterKP)

	draft, err := contract.New(contract.Fields{
		RenterID:   renterKP.NodeID,
		DataSize:   2048,
		DataHash:   crypto.HashBytes([]byte("round trip shard")),
		StoreBegin: 0,
		StoreEnd:   100000,
		AuditCount: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := draft.SetFarmerID(farmerKP.NodeID); err != nil {
		t.Fatal(err)
	}
	if err := draft.Sign(renterKP, contract.Renter); err != nil {
		t.Fatal(err)
	}
	h.Market.Publish(draft, ShardSizeBucket(draft.DataSize))

	if err := draft.Sign(farmerKP, contract.Farmer); err != nil {
		t.Fatal(err)
	}

	raw, err := json.Marshal(OfferParams{Contract: draft})
	if err != nil {
		t.Fatal(err)
	}
	result, err := h.handleOffer(context.Background(), farmerKP.NodeID, raw)
	if err != nil {
		t.Fatalf("handleOffer: %v", err)
	}
	offerResult, ok := result.(OfferResult)
	if !ok {
		t.Fatalf("unexpected result type %T", result)
	}
	if !offerResult.Contract.IsComplete() {
		t.Fatal("expected completed contract in OFFER result")
	}

	// a second OFFER for the same publication must be rejected, since the
	// first one already matched it.
	if _, err := h.handleOffer(context.Background(), farmerKP.NodeID, raw); err == nil {
		t.Fatal("expected second OFFER to fail once the publication is matched")
	}
}

func TestHandleOfferEmitsUnhandledOnLosingRace(t *testing.T) {
	renterKP := mustKeyPair(t)
	winnerKP := mustKeyPair(t)
	loserKP := mustKeyPair(t)

	h := buildHandlers(t, renterKP)

	draft, err := contract.New(contract.Fields{
		RenterID:   renterKP.NodeID,
		DataSize:   4096,
		DataHash:   crypto.HashBytes([]byte("contested shard")),
		StoreBegin: 0,
		StoreEnd:   100000,
		AuditCount: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := draft.Sign(renterKP, contract.Renter); err != nil {
		t.Fatal(err)
	}
	h.Market.Publish(draft, ShardSizeBucket(draft.DataSize))

	offerFrom := func(farmer crypto.KeyPair) *contract.Contract {
		c, err := contract.New(contract.Fields{
			RenterID:   renterKP.NodeID,
			FarmerID:   farmer.NodeID,
			DataSize:   draft.DataSize,
			DataHash:   draft.DataHash,
			StoreBegin: draft.StoreBegin,
			StoreEnd:   draft.StoreEnd,
			AuditCount: draft.AuditCount,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Sign(renterKP, contract.Renter); err != nil {
			t.Fatal(err)
		}
		if err := c.Sign(farmer, contract.Farmer); err != nil {
			t.Fatal(err)
		}
		return c
	}

	winnerOffer := offerFrom(winnerKP)
	winnerRaw, err := json.Marshal(OfferParams{Contract: winnerOffer})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.handleOffer(context.Background(), winnerKP.NodeID, winnerRaw); err != nil {
		t.Fatalf("winning OFFER should succeed: %v", err)
	}

	loserOffer := offerFrom(loserKP)
	loserRaw, err := json.Marshal(OfferParams{Contract: loserOffer})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.handleOffer(context.Background(), loserKP.NodeID, loserRaw); err != ErrContractAlreadyMatched {
		t.Fatalf("expected losing OFFER to fail with ErrContractAlreadyMatched, got %v", err)
	}

	select {
	case unhandled := <-h.Market.UnhandledOffers():
		if unhandled.FarmerID != loserKP.NodeID {
			t.Fatalf("expected the losing farmer's offer, got farmer %v", unhandled.FarmerID)
		}
	default:
		t.Fatal("expected the losing offer to be re-emitted as unhandled")
	}
}

func TestConsignIssuesTokenAndAuditSucceeds(t *testing.T) {
	renterKP := mustKeyPair(t)
	farmerKP := mustKeyPair(t)

	h := buildHandlers(t, farmerKP)

	shard := []byte("the quick brown fox jumps over the lazy dog")
	c, err := contract.New(contract.Fields{
		RenterID:   renterKP.NodeID,
		FarmerID:   farmerKP.NodeID,
		DataSize:   uint64(len(shard)),
		DataHash:   crypto.HashBytes(shard),
		StoreBegin: 0,
		StoreEnd:   100000,
		AuditCount: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Sign(renterKP, contract.Renter); err != nil {
		t.Fatal(err)
	}
	if err := c.Sign(farmerKP, contract.Farmer); err != nil {
		t.Fatal(err)
	}
	h.RecordFarmerContract(c)

	priv, pub, err := merkle.BuildAudit(3, bytes.NewReader(shard))
	if err != nil {
		t.Fatal(err)
	}

	consignParams, err := json.Marshal(ConsignParams{
		ContractID: c.DataHash.String(),
		AuditTree:  pub,
	})
	if err != nil {
		t.Fatal(err)
	}
	result, err := h.handleConsign(context.Background(), renterKP.NodeID, consignParams)
	if err != nil {
		t.Fatalf("handleConsign: %v", err)
	}
	consignResult, ok := result.(ConsignResult)
	if !ok {
		t.Fatalf("unexpected result type %T", result)
	}
	if consignResult.Token == "" {
		t.Fatal("expected a non-empty PUSH token")
	}

	w, err := h.Shards.OpenWriter(c.DataHash.String(), int64(len(shard)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(shard); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	auditParams, err := json.Marshal(AuditParams{
		DataHash:  c.DataHash,
		Challenge: priv.Challenges[0],
	})
	if err != nil {
		t.Fatal(err)
	}
	result, err = h.handleAudit(context.Background(), renterKP.NodeID, auditParams)
	if err != nil {
		t.Fatalf("handleAudit: %v", err)
	}
	auditResult, ok := result.(AuditResult)
	if !ok {
		t.Fatalf("unexpected result type %T", result)
	}
	computed, expected, ok := merkle.Verify(auditResult.Proof, priv.Root, priv.Depth)
	if !ok || computed != expected {
		t.Fatalf("audit proof failed verification: computed=%v expected=%v ok=%v", computed, expected, ok)
	}
	if h.Tracker.IsFaulty(farmerKP.NodeID.String()) {
		t.Fatal("a single successful audit must not flag faulty")
	}
}

func TestExpiredContractsEvictsShardAndClearsIndex(t *testing.T) {
	renterKP := mustKeyPair(t)
	farmerKP := mustKeyPair(t)
	h := buildHandlers(t, farmerKP)

	shard := []byte("expiring shard contents")
	hash := crypto.HashBytes(shard)
	expired, err := contract.New(contract.Fields{
		RenterID:   renterKP.NodeID,
		FarmerID:   farmerKP.NodeID,
		DataSize:   uint64(len(shard)),
		DataHash:   hash,
		StoreBegin: 0,
		StoreEnd:   1,
		AuditCount: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.RecordFarmerContract(expired)

	live := []byte("still under contract")
	liveHash := crypto.HashBytes(live)
	liveContract, err := contract.New(contract.Fields{
		RenterID:   renterKP.NodeID,
		FarmerID:   farmerKP.NodeID,
		DataSize:   uint64(len(live)),
		DataHash:   liveHash,
		StoreBegin: 0,
		StoreEnd:   4102444800, // 2100-01-01
		AuditCount: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.RecordFarmerContract(liveContract)

	w, err := h.Shards.OpenWriter(hash.String(), int64(len(shard)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(shard); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	found := h.ExpiredContracts(time.Unix(1700000000, 0))
	if len(found) != 1 || found[0].DataHash != hash {
		t.Fatalf("expected exactly the expired contract, got %+v", found)
	}

	if err := h.ExpireContract(found[0]); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.lookupFarmerContract(hash.String()); ok {
		t.Fatal("expired contract should no longer be on file")
	}
	if _, _, err := h.Shards.Get(hash.String()); err != storage.ErrNotFound {
		t.Fatalf("expected expired shard to be deleted, got %v", err)
	}
	if _, ok := h.lookupFarmerContract(liveHash.String()); !ok {
		t.Fatal("unexpired contract must survive the sweep")
	}

	if err := h.ExpireContract(found[0]); err != nil {
		t.Fatalf("expiring an already-expired contract a second time must be a no-op, got %v", err)
	}
}

func TestAuditUnknownChallengeDoesNotPanic(t *testing.T) {
	renterKP := mustKeyPair(t)
	farmerKP := mustKeyPair(t)
	h := buildHandlers(t, farmerKP)

	shard := []byte("shard bytes")
	c, err := contract.New(contract.Fields{
		RenterID:   renterKP.NodeID,
		FarmerID:   farmerKP.NodeID,
		DataSize:   uint64(len(shard)),
		DataHash:   crypto.HashBytes(shard),
		StoreBegin: 0,
		StoreEnd:   100000,
		AuditCount: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Sign(renterKP, contract.Renter); err != nil {
		t.Fatal(err)
	}
	if err := c.Sign(farmerKP, contract.Farmer); err != nil {
		t.Fatal(err)
	}
	h.RecordFarmerContract(c)

	_, pub, err := merkle.BuildAudit(1, bytes.NewReader(shard))
	if err != nil {
		t.Fatal(err)
	}
	consignParams, _ := json.Marshal(ConsignParams{ContractID: c.DataHash.String(), AuditTree: pub})
	if _, err := h.handleConsign(context.Background(), renterKP.NodeID, consignParams); err != nil {
		t.Fatal(err)
	}
	w, err := h.Shards.OpenWriter(c.DataHash.String(), int64(len(shard)))
	if err != nil {
		t.Fatal(err)
	}
	w.Write(shard)
	w.Close()

	var bogusChallenge merkle.Challenge
	copy(bogusChallenge[:], []byte("not a real challenge"))
	auditParams, _ := json.Marshal(AuditParams{DataHash: c.DataHash, Challenge: bogusChallenge})
	if _, err := h.handleAudit(context.Background(), renterKP.NodeID, auditParams); err != merkle.ErrUnknownChallenge {
		t.Fatalf("expected ErrUnknownChallenge, got %v", err)
	}
	// one recorded failure is below minAudits, so it must not yet flag
	// faulty on its own.
	if h.Tracker.IsFaulty(farmerKP.NodeID.String()) {
		t.Fatal("a single failed audit must not flag faulty before minAudits")
	}
}

func TestOpenTunnelExhaustsSlots(t *testing.T) {
	self := mustKeyPair(t)
	h := buildHandlers(t, self)
	h.MaxTunnels = 1

	raw, err := json.Marshal(OpenTunnelParams{Requester: overlay.Contact{Address: "198.51.100.1", Port: 4000}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.handleOpenTunnel(context.Background(), self.NodeID, raw); err != nil {
		t.Fatalf("first OPEN_TUNNEL should succeed: %v", err)
	}
	if _, err := h.handleOpenTunnel(context.Background(), self.NodeID, raw); err != ErrNoTunnelAvailable {
		t.Fatalf("expected ErrNoTunnelAvailable, got %v", err)
	}
	h.ReleaseTunnel()
	if _, err := h.handleOpenTunnel(context.Background(), self.NodeID, raw); err != nil {
		t.Fatalf("expected a freed slot to be usable again: %v", err)
	}
}

func TestFindTunnelSamplesBucket(t *testing.T) {
	self := mustKeyPair(t)
	h := buildHandlers(t, self)
	for i := 0; i < 3; i++ {
		kp := mustKeyPair(t)
		h.Tunnelers.Add(overlay.Contact{NodeID: kp.NodeID, Address: "203.0.113.9", Port: 9000 + i})
	}
	raw, err := json.Marshal(FindTunnelParams{Count: 2})
	if err != nil {
		t.Fatal(err)
	}
	result, err := h.handleFindTunnel(context.Background(), self.NodeID, raw)
	if err != nil {
		t.Fatal(err)
	}
	res, ok := result.(FindTunnelResult)
	if !ok {
		t.Fatalf("unexpected result type %T", result)
	}
	if len(res.Tunnelers) != 2 {
		t.Fatalf("expected 2 tunnelers, got %d", len(res.Tunnelers))
	}
}

func TestSubscribeRegistersContact(t *testing.T) {
	self := mustKeyPair(t)
	h := buildHandlers(t, self)
	topic := overlay.NewTopic(overlay.PrefixDataContract, [2]byte{0x00, 0x00})
	caller := mustKeyPair(t)
	contact := overlay.Contact{NodeID: caller.NodeID, Address: "203.0.113.5", Port: 1234}

	raw, err := json.Marshal(subscribeParams{Topic: topic, Contact: contact})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.handleSubscribe(context.Background(), caller.NodeID, raw); err != nil {
		t.Fatal(err)
	}
	subs := h.Subscribers(topic)
	if len(subs) != 1 || subs[0].NodeID != caller.NodeID {
		t.Fatalf("expected one subscriber with NodeID %v, got %+v", caller.NodeID, subs)
	}
}

func TestFindNodeReturnsNearestContacts(t *testing.T) {
	self := mustKeyPair(t)
	h := buildHandlers(t, self)
	other := mustKeyPair(t)
	if _, err := h.Table.Update(overlay.Contact{NodeID: other.NodeID, Address: "203.0.113.7", Port: 5000}); err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(findNodeParams{Target: other.NodeID, Count: 5})
	if err != nil {
		t.Fatal(err)
	}
	result, err := h.handleFindNode(context.Background(), self.NodeID, raw)
	if err != nil {
		t.Fatal(err)
	}
	res, ok := result.(findNodeResult)
	if !ok {
		t.Fatalf("unexpected result type %T", result)
	}
	if len(res.Contacts) != 1 || res.Contacts[0].NodeID != other.NodeID {
		t.Fatalf("expected the one known contact back, got %+v", res.Contacts)
	}
}

func TestStoreAndFindValueRoundTrip(t *testing.T) {
	self := mustKeyPair(t)
	h := buildHandlers(t, self)
	key := crypto.HashBytes([]byte("key"))
	value := []byte("value")

	storeRaw, err := json.Marshal(storeParams{Key: key, Value: value})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.handleStore(context.Background(), self.NodeID, storeRaw); err != nil {
		t.Fatal(err)
	}

	findRaw, err := json.Marshal(findValueParams{Key: key})
	if err != nil {
		t.Fatal(err)
	}
	result, err := h.handleFindValue(context.Background(), self.NodeID, findRaw)
	if err != nil {
		t.Fatal(err)
	}
	res, ok := result.(findValueResult)
	if !ok {
		t.Fatalf("unexpected result type %T", result)
	}
	if !res.Found || !bytes.Equal(res.Value, value) {
		t.Fatalf("expected to find stored value, got %+v", res)
	}
}

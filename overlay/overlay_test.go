package overlay

import (
	"testing"
	"time"

	"go.storjnode.dev/core/crypto"
)

func mustID(t *testing.T, seed byte) crypto.Hash160 {
	t.Helper()
	var s [32]byte
	for i := range s {
		s[i] = seed
	}
	kp, err := crypto.KeyPairFromSeed(s)
	if err != nil {
		t.Fatal(err)
	}
	return kp.NodeID
}

func TestProtocolVersionCompatible(t *testing.T) {
	a := ProtocolVersion{Major: 1, Minor: 2, Patch: 3, Build: "x"}
	samePatch := ProtocolVersion{Major: 1, Minor: 2, Patch: 9, Build: "x"}
	diffMinor := ProtocolVersion{Major: 1, Minor: 3, Patch: 3, Build: "x"}
	diffBuild := ProtocolVersion{Major: 1, Minor: 2, Patch: 3, Build: "y"}

	if !a.Compatible(samePatch) {
		t.Error("expected different patch to still be compatible")
	}
	if a.Compatible(diffMinor) {
		t.Error("expected different minor to be incompatible")
	}
	if a.Compatible(diffBuild) {
		t.Error("expected different build tag to be incompatible")
	}
}

func TestValidAddressRejectsLoopbackUnlessAllowed(t *testing.T) {
	c := Contact{Address: "127.0.0.1", Port: 4000}
	if ValidAddress(c, false) {
		t.Error("expected loopback address to be rejected by default")
	}
	if !ValidAddress(c, true) {
		t.Error("expected loopback address to be allowed when explicitly enabled")
	}
	if ValidAddress(Contact{Address: "example.com", Port: 0}, true) {
		t.Error("expected zero port to be rejected")
	}
}

func TestRoutingTableUpdateAndLookup(t *testing.T) {
	self := mustID(t, 0)
	rt, err := NewRoutingTable(self, 20)
	if err != nil {
		t.Fatal(err)
	}
	c := Contact{Address: "1.2.3.4", Port: 4000, NodeID: mustID(t, 1), LastSeen: time.Now()}
	if _, err := rt.Update(c); err != nil {
		t.Fatal(err)
	}
	if !rt.Contains(c.NodeID) {
		t.Fatal("expected contact to be present after Update")
	}
	got, ok := rt.Lookup(c.NodeID)
	if !ok || got.Address != c.Address {
		t.Fatalf("got %+v, want %+v", got, c)
	}
	if rt.Size() != 1 {
		t.Fatalf("got size %d, want 1", rt.Size())
	}
}

func TestRoutingTableNearestContacts(t *testing.T) {
	self := mustID(t, 0)
	rt, err := NewRoutingTable(self, 20)
	if err != nil {
		t.Fatal(err)
	}
	var want []crypto.Hash160
	for i := byte(1); i <= 5; i++ {
		id := mustID(t, i)
		want = append(want, id)
		if _, err := rt.Update(Contact{Address: "1.2.3.4", Port: 4000, NodeID: id}); err != nil {
			t.Fatal(err)
		}
	}
	nearest := rt.NearestContacts(want[0], 3)
	if len(nearest) == 0 {
		t.Fatal("expected at least one nearest contact")
	}
}

func TestRoutingTableClean(t *testing.T) {
	self := mustID(t, 0)
	rt, err := NewRoutingTable(self, 20)
	if err != nil {
		t.Fatal(err)
	}
	good := Contact{Address: "1.2.3.4", Port: 4000, NodeID: mustID(t, 1)}
	bad := Contact{Address: "127.0.0.1", Port: 4000, NodeID: mustID(t, 2)}
	rt.Update(good)
	rt.Update(bad)

	removed := rt.Clean(func(c Contact) bool { return ValidAddress(c, false) })
	if len(removed) != 1 || removed[0].NodeID != bad.NodeID {
		t.Fatalf("got removed %+v, want just %+v", removed, bad)
	}
	if rt.Contains(bad.NodeID) {
		t.Fatal("expected bad contact to be removed")
	}
	if !rt.Contains(good.NodeID) {
		t.Fatal("expected good contact to remain")
	}
}

func TestLocalDHTStoreAndFind(t *testing.T) {
	self := mustID(t, 0)
	rt, err := NewRoutingTable(self, 20)
	if err != nil {
		t.Fatal(err)
	}
	dht := NewLocalDHT(rt)
	key := mustID(t, 9)
	if _, ok := dht.FindValue(key); ok {
		t.Fatal("expected no value before Store")
	}
	dht.Store(key, []byte("payload"))
	v, ok := dht.FindValue(key)
	if !ok || string(v) != "payload" {
		t.Fatalf("got (%q, %v), want (\"payload\", true)", v, ok)
	}
}

func TestLocalPubSubPublishSubscribe(t *testing.T) {
	ps := NewLocalPubSub()
	topic := NewTopic(PrefixDataContract, [2]byte{0x00, 0x01})
	ch, unsubscribe := ps.Subscribe(topic)
	defer unsubscribe()

	ps.Publish(topic, []byte("offer"))
	select {
	case msg := <-ch:
		if string(msg) != "offer" {
			t.Fatalf("got %q, want %q", msg, "offer")
		}
	default:
		t.Fatal("expected a buffered message to be immediately available")
	}
}

func TestLocalPubSubUnsubscribeStopsDelivery(t *testing.T) {
	ps := NewLocalPubSub()
	topic := NewTopic(PrefixTunneler, TunnelerAvail)
	ch, unsubscribe := ps.Subscribe(topic)
	unsubscribe()
	ps.Publish(topic, []byte("avail"))
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestTunnelerBucketEvictsOldestWhenFull(t *testing.T) {
	b := NewTunnelerBucket(2)
	c1 := Contact{NodeID: mustID(t, 1)}
	c2 := Contact{NodeID: mustID(t, 2)}
	c3 := Contact{NodeID: mustID(t, 3)}
	b.Add(c1)
	b.Add(c2)
	b.Add(c3)
	if b.Len() != 2 {
		t.Fatalf("got len %d, want 2", b.Len())
	}
	sample := b.Sample(10)
	for _, c := range sample {
		if c.NodeID == c1.NodeID {
			t.Fatal("expected oldest contact to have been evicted")
		}
	}
}

func TestTunnelerBucketRemove(t *testing.T) {
	b := NewTunnelerBucket(4)
	c := Contact{NodeID: mustID(t, 1)}
	b.Add(c)
	b.Remove(c.NodeID)
	if b.Len() != 0 {
		t.Fatalf("got len %d, want 0", b.Len())
	}
}

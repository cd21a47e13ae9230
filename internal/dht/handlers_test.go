package dht

import (
	"context"
	"testing"
	"time"
)

func newHandlerTestNode(t *testing.T) (*Node, *fakeRPC) {
	t.Helper()
	id, err := GenerateID()
	if err != nil {
		t.Fatalf("GenerateID: %v", err)
	}
	net := newFakeNetwork()
	rpc := net.newRPC("under-test")
	return Spawn(id, rpc, Options{BucketSize: 4, Concurrency: 2, Clock: newFakeClock(time.Now())}), rpc
}

func TestOnPingRespondsWithRemoteIDAndDiscoversSender(t *testing.T) {
	node, _ := newHandlerTestNode(t)
	defer node.Close()

	senderID, err := GenerateID()
	if err != nil {
		t.Fatalf("GenerateID: %v", err)
	}
	resp, err := node.onPing(context.Background(), fakeEndpoint("sender"), PingRequest{ID: senderID})
	if err != nil {
		t.Fatalf("onPing: %v", err)
	}
	pr, ok := resp.(PingResponse)
	if !ok {
		t.Fatalf("expected a PingResponse, got %T", resp)
	}
	if pr.RemoteID != node.ID() {
		t.Fatal("expected onPing to reply with this node's own ID")
	}
	closest := node.Table().Find(senderID, 1)
	if len(closest) != 1 || !closest[0].ID.Equal(senderID) {
		t.Fatal("expected the sender to be recorded in the routing table")
	}
}

func TestOnPingRejectsWrongPayloadType(t *testing.T) {
	node, _ := newHandlerTestNode(t)
	defer node.Close()
	if _, err := node.onPing(context.Background(), fakeEndpoint("sender"), "not a PingRequest"); err == nil {
		t.Fatal("expected an error for a mistyped payload")
	}
}

func TestOnStoreDefaultsExpirationWhenNoTTL(t *testing.T) {
	node, _ := newHandlerTestNode(t)
	defer node.Close()

	var idKey ID
	idKey[0] = 0x05
	req := StoreRequest{ID: node.ID(), IDKey: idKey, Subkey: "sub", Value: []byte("v")}
	if _, err := node.onStore(context.Background(), fakeEndpoint("sender"), req); err != nil {
		t.Fatalf("onStore: %v", err)
	}

	e, ok := node.cache.Get(idKey.Hex(), "sub")
	if !ok {
		t.Fatal("expected the value to be cached")
	}
	if e.Expire == nil {
		t.Fatal("expected onStore to default an expiration when HasTTL is false")
	}
}

func TestOnStoreHonorsExplicitTTL(t *testing.T) {
	node, _ := newHandlerTestNode(t)
	defer node.Close()

	var idKey ID
	idKey[0] = 0x06
	expireAt := time.Now().Add(10 * time.Minute)
	req := StoreRequest{
		ID: node.ID(), IDKey: idKey, Subkey: "sub", Value: []byte("v"),
		Expire: expireAt.UnixMilli(), HasTTL: true,
	}
	if _, err := node.onStore(context.Background(), fakeEndpoint("sender"), req); err != nil {
		t.Fatalf("onStore: %v", err)
	}

	e, ok := node.cache.Get(idKey.Hex(), "sub")
	if !ok {
		t.Fatal("expected the value to be cached")
	}
	if e.Expire == nil || e.Expire.UnixMilli() != expireAt.UnixMilli() {
		t.Fatalf("expected the explicit expiration to be honored, got %v", e.Expire)
	}
}

func TestOnFindNodeReturnsClosestContacts(t *testing.T) {
	node, _ := newHandlerTestNode(t)
	defer node.Close()

	var knownID ID
	knownID[0] = 0x09
	node.discovered(NewContact(knownID, fakeEndpoint("known")))

	resp, err := node.onFindNode(context.Background(), fakeEndpoint("sender"), FindNodeRequest{TargetID: knownID})
	if err != nil {
		t.Fatalf("onFindNode: %v", err)
	}
	fr := resp.(FindNodeResponse)
	found := false
	for _, c := range fr.Contacts {
		if c.ID.Equal(knownID) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the known contact to appear in the find-node response")
	}
}

func TestOnFindNodeExcludesRequestorsOwnContact(t *testing.T) {
	node, _ := newHandlerTestNode(t)
	defer node.Close()

	var requestorID ID
	requestorID[0] = 0x0e

	resp, err := node.onFindNode(context.Background(), fakeEndpoint("requestor"), FindNodeRequest{ID: requestorID, TargetID: requestorID})
	if err != nil {
		t.Fatalf("onFindNode: %v", err)
	}
	fr := resp.(FindNodeResponse)
	for _, c := range fr.Contacts {
		if c.ID.Equal(requestorID) {
			t.Fatal("expected the requestor's own contact to be excluded from the response")
		}
	}
}

func TestOnFindValueFallbackExcludesRequestorsOwnContact(t *testing.T) {
	node, _ := newHandlerTestNode(t)
	defer node.Close()

	var requestorID, missingKey ID
	requestorID[0] = 0x0f
	missingKey[0] = 0x10

	resp, err := node.onFindValue(context.Background(), fakeEndpoint("requestor"), FindValueRequest{ID: requestorID, IDKey: missingKey, Subkey: "sub", TargetID: requestorID})
	if err != nil {
		t.Fatalf("onFindValue: %v", err)
	}
	fv := resp.(FindValueResponse)
	for _, c := range fv.Contacts {
		if c.ID.Equal(requestorID) {
			t.Fatal("expected the requestor's own contact to be excluded from the fallback response")
		}
	}
}

func TestOnFindValueReturnsSingleSubkeyHit(t *testing.T) {
	node, _ := newHandlerTestNode(t)
	defer node.Close()

	var idKey ID
	idKey[0] = 0x07
	node.cache.Store(idKey.Hex(), "sub", []byte("hit"), nil, time.Now())

	resp, err := node.onFindValue(context.Background(), fakeEndpoint("sender"), FindValueRequest{IDKey: idKey, Subkey: "sub"})
	if err != nil {
		t.Fatalf("onFindValue: %v", err)
	}
	fv := resp.(FindValueResponse)
	if !fv.Found || string(fv.Value) != "hit" {
		t.Fatalf("expected a hit with value %q, got %+v", "hit", fv)
	}
}

func TestOnFindValueReturnsAllSubkeysWhenSubkeyEmpty(t *testing.T) {
	node, _ := newHandlerTestNode(t)
	defer node.Close()

	var idKey ID
	idKey[0] = 0x08
	node.cache.Store(idKey.Hex(), "a", []byte("1"), nil, time.Now())
	node.cache.Store(idKey.Hex(), "b", []byte("2"), nil, time.Now())

	resp, err := node.onFindValue(context.Background(), fakeEndpoint("sender"), FindValueRequest{IDKey: idKey})
	if err != nil {
		t.Fatalf("onFindValue: %v", err)
	}
	fv := resp.(FindValueResponse)
	if len(fv.Values) != 2 {
		t.Fatalf("expected 2 subkey values, got %d", len(fv.Values))
	}
}

func TestOnFindValueFallsBackToContactsOnMiss(t *testing.T) {
	node, _ := newHandlerTestNode(t)
	defer node.Close()

	var knownID, missingKey ID
	knownID[0] = 0x0a
	missingKey[0] = 0x0b
	node.discovered(NewContact(knownID, fakeEndpoint("known")))

	resp, err := node.onFindValue(context.Background(), fakeEndpoint("sender"), FindValueRequest{IDKey: missingKey, Subkey: "sub", TargetID: missingKey})
	if err != nil {
		t.Fatalf("onFindValue: %v", err)
	}
	fv := resp.(FindValueResponse)
	if fv.Found {
		t.Fatal("expected a miss")
	}
	if len(fv.Contacts) == 0 {
		t.Fatal("expected closest contacts as a fallback")
	}
}

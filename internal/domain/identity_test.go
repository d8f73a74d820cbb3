package domain

import "testing"

func TestOrderIdentityKey(t *testing.T) {
	id := OrderIdentity{ClientID: "Client-A", OrderType: OrderTypeQuote, UUID: "ABC-1"}
	if got := id.Key(); got != "client-a/abc-1" {
		t.Fatalf("expected client-a/abc-1, got %s", got)
	}
	if id.Key() != id.WithType(OrderTypeOrder).Key() {
		t.Fatalf("expected key to be shared across order variants")
	}
}

func TestOrderIdentityKeySeparatorCannotCollide(t *testing.T) {
	a := OrderIdentity{ClientID: "a/b", UUID: "c"}
	b := OrderIdentity{ClientID: "a", UUID: "b/c"}
	if a.Key() == b.Key() {
		t.Fatalf("expected distinct keys, both were %s", a.Key())
	}
	c := OrderIdentity{ClientID: "a%2Fb", UUID: "c"}
	if a.Key() == c.Key() {
		t.Fatalf("expected escaped and literal client ids to differ, both were %s", a.Key())
	}
}

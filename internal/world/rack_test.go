package world

import (
	"testing"

	"github.com/gridrealm/server/internal/event"
)

func item(id string) *Entity {
	return NewEntity(event.EntitySpec{Kind: event.EntityItemNoBlock, ID: id})
}

func TestRackStoreRetrieve(t *testing.T) {
	r := NewRack()
	if err := r.Store(item("key1"), "p1"); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := r.Store(item("key1"), "p2"); err == nil {
		t.Fatal("expected error storing the same identifier twice")
	}

	owner, ok := r.Owner("key1")
	if !ok || owner != "p1" {
		t.Fatalf("owner: got %q %v", owner, ok)
	}

	got, err := r.Retrieve("key1")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got.ID != "key1" {
		t.Fatalf("retrieved %q", got.ID)
	}
	if _, err := r.Retrieve("key1"); err == nil {
		t.Fatal("expected error retrieving twice")
	}
	if r.Len() != 0 {
		t.Fatalf("rack should be empty, has %d", r.Len())
	}
}

func TestRackPruneKeepsOnlyOwner(t *testing.T) {
	r := NewRack()
	r.Store(item("mine1"), "p1")
	r.Store(item("mine2"), "p1")
	r.Store(item("theirs"), "p2")
	r.Store(item("stray"), NoOwner)

	r.Prune("p1")

	if r.Len() != 2 {
		t.Fatalf("expected 2 kept, got %d", r.Len())
	}
	if r.Entity("theirs") != nil || r.Entity("stray") != nil {
		t.Fatal("foreign entities survived the prune")
	}
	if got := r.OwnedBy("p1"); len(got) != 2 {
		t.Fatalf("expected both own items, got %v", got)
	}
}

package world

import (
	"testing"

	"github.com/gridrealm/server/internal/event"
)

func newTestRoom(t *testing.T, width, height int) *Room {
	t.Helper()
	r := NewRoom("test")
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r.ChangeMapElement(event.Tile{Kind: event.TileFloor, Asset: "tiles/stone"}, event.Location{X: x, Y: y})
		}
	}
	return r
}

func mustSpawn(t *testing.T, r *Room, e *Entity, loc event.Location) {
	t.Helper()
	if err := r.Spawn(e, loc); err != nil {
		t.Fatalf("spawn %s: %v", e.ID, err)
	}
}

func TestChangeMapElementPreservesEntities(t *testing.T) {
	r := newTestRoom(t, 3, 3)
	loc := event.Location{X: 1, Y: 1}
	mustSpawn(t, r, NewEntity(event.EntitySpec{Kind: event.EntityNPC, ID: "npc1"}), loc)

	r.ChangeMapElement(event.Tile{Kind: event.TileObstacle, Asset: "tiles/rock"}, loc)

	elem := r.ElementAt(loc)
	if elem.Tile.Kind != event.TileObstacle {
		t.Fatalf("tile not replaced: %v", elem.Tile)
	}
	if len(elem.Entities) != 1 || elem.Entities[0].ID != "npc1" {
		t.Fatal("entities standing on a replaced tile must be preserved")
	}
}

func TestSpawnIdempotent(t *testing.T) {
	r := newTestRoom(t, 3, 3)
	first := event.Location{X: 0, Y: 0}
	mustSpawn(t, r, NewEntity(event.EntitySpec{Kind: event.EntityPlayer, ID: "p1"}), first)

	// Same identifier again, different location: silent no-op.
	if err := r.Spawn(NewEntity(event.EntitySpec{Kind: event.EntityPlayer, ID: "p1"}), event.Location{X: 2, Y: 2}); err != nil {
		t.Fatalf("re-spawn: %v", err)
	}
	if loc, _ := r.LocationOf("p1"); loc != first {
		t.Fatalf("re-spawn moved the entity to %v", loc)
	}
	if len(r.ElementAt(first).Entities) != 1 {
		t.Fatal("re-spawn duplicated the entity on its tile")
	}
}

func TestSpawnUndefinedLocation(t *testing.T) {
	r := newTestRoom(t, 2, 2)
	err := r.Spawn(NewEntity(event.EntitySpec{Kind: event.EntityNPC, ID: "ghost"}), event.Location{X: 9, Y: 9})
	if err == nil {
		t.Fatal("expected error spawning outside the floor plan")
	}
	if r.Entity("ghost") != nil {
		t.Fatal("failed spawn must not register the entity")
	}
}

func TestMovesToRelocatesAtomically(t *testing.T) {
	r := newTestRoom(t, 3, 1)
	from := event.Location{X: 0, Y: 0}
	to := event.Location{X: 2, Y: 0}
	mustSpawn(t, r, NewEntity(event.EntitySpec{Kind: event.EntityPlayer, ID: "p1"}), from)

	if err := r.MovesTo("p1", to); err != nil {
		t.Fatalf("moves to: %v", err)
	}
	if len(r.ElementAt(from).Entities) != 0 {
		t.Fatal("entity still listed at the old location")
	}
	if got := r.ElementAt(to).Entities; len(got) != 1 || got[0].ID != "p1" {
		t.Fatal("entity not listed at the new location")
	}
	if loc, _ := r.LocationOf("p1"); loc != to {
		t.Fatalf("location index says %v", loc)
	}
}

func TestMovesToSameLocationNoOp(t *testing.T) {
	r := newTestRoom(t, 2, 1)
	loc := event.Location{X: 1, Y: 0}
	mustSpawn(t, r, NewEntity(event.EntitySpec{Kind: event.EntityPlayer, ID: "p1"}), loc)

	if err := r.MovesTo("p1", loc); err != nil {
		t.Fatalf("same-location move: %v", err)
	}
	if len(r.ElementAt(loc).Entities) != 1 {
		t.Fatal("same-location move duplicated or dropped the entity")
	}
}

func TestMovesToErrors(t *testing.T) {
	r := newTestRoom(t, 2, 1)
	if err := r.MovesTo("nobody", event.Location{}); err == nil {
		t.Fatal("expected error moving an unknown entity")
	}
	mustSpawn(t, r, NewEntity(event.EntitySpec{Kind: event.EntityPlayer, ID: "p1"}), event.Location{})
	if err := r.MovesTo("p1", event.Location{X: 5, Y: 5}); err == nil {
		t.Fatal("expected error moving to an undefined location")
	}
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	r := newTestRoom(t, 2, 1)
	loc := event.Location{X: 0, Y: 0}
	mustSpawn(t, r, NewEntity(event.EntitySpec{Kind: event.EntityNPC, ID: "npc1"}), loc)

	if err := r.Delete("npc1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if r.Entity("npc1") != nil {
		t.Fatal("entity still in registry")
	}
	if len(r.ElementAt(loc).Entities) != 0 {
		t.Fatal("entity still on its tile")
	}
	if err := r.Delete("npc1"); err == nil {
		t.Fatal("expected error deleting twice")
	}
}

func TestTileIsWalkable(t *testing.T) {
	r := newTestRoom(t, 3, 1)
	r.ChangeMapElement(event.Tile{Kind: event.TileObstacle}, event.Location{X: 1, Y: 0})
	mustSpawn(t, r, NewEntity(event.EntitySpec{Kind: event.EntityItemBlock, ID: "crate"}), event.Location{X: 2, Y: 0})

	cases := []struct {
		loc  event.Location
		want bool
	}{
		{event.Location{X: 0, Y: 0}, true},
		{event.Location{X: 1, Y: 0}, false}, // obstacle tile
		{event.Location{X: 2, Y: 0}, false}, // blocking item
		{event.Location{X: 7, Y: 7}, false}, // outside floor plan
	}
	for _, c := range cases {
		if got := r.TileIsWalkable(c.loc); got != c.want {
			t.Fatalf("walkable %v: got %v want %v", c.loc, got, c.want)
		}
	}

	// Non-blocking items do not block.
	mustSpawn(t, r, NewEntity(event.EntitySpec{Kind: event.EntityItemNoBlock, ID: "coin"}), event.Location{X: 0, Y: 0})
	if !r.TileIsWalkable(event.Location{X: 0, Y: 0}) {
		t.Fatal("non-blocking item made a tile unwalkable")
	}
}

func TestActiveClientRegistry(t *testing.T) {
	r := newTestRoom(t, 1, 1)
	r.RegisterClient("conn-a")
	r.RegisterClient("conn-a") // idempotent
	r.RegisterClient("conn-b")

	if got := len(r.ActiveClients()); got != 2 {
		t.Fatalf("expected 2 active clients, got %d", got)
	}
	if !r.HasClient("conn-a") {
		t.Fatal("conn-a should be registered")
	}
	r.UnregisterClient("conn-a")
	if r.HasClient("conn-a") {
		t.Fatal("conn-a should be gone")
	}
}

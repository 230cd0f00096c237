package engine

import (
	"testing"

	"github.com/gridrealm/server/internal/event"
	"github.com/gridrealm/server/internal/world"
)

// schedRoom builds a w x h all-floor room and spawns the given entities.
func schedRoom(t *testing.T, w, h int, place map[string]event.Location) *world.Room {
	t.Helper()
	room := world.NewRoom("arena")
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			room.ChangeMapElement(event.Tile{Kind: event.TileFloor}, event.Location{X: x, Y: y})
		}
	}
	for id, loc := range place {
		spec := event.EntitySpec{Kind: event.EntityPlayer, ID: id}
		if err := room.Spawn(world.NewEntity(spec), loc); err != nil {
			t.Fatalf("spawn %s: %v", id, err)
		}
	}
	return room
}

func block(t *testing.T, room *world.Room, id string, loc event.Location) {
	t.Helper()
	spec := event.EntitySpec{Kind: event.EntityItemBlock, ID: id}
	if err := room.Spawn(world.NewEntity(spec), loc); err != nil {
		t.Fatalf("spawn %s: %v", id, err)
	}
}

func getRoomFn(room *world.Room) func(string) *world.Room {
	return func(id string) *world.Room {
		if id == room.ID {
			return room
		}
		return nil
	}
}

func TestSchedulerWalksGreedily(t *testing.T) {
	room := schedRoom(t, 6, 6, map[string]event.Location{"a": {X: 0, Y: 0}})
	s := NewScheduler()
	s.SetTarget("arena", "a", event.Location{X: 3, Y: 0})

	steps := s.Tick(getRoomFn(room))
	if len(steps) != 1 {
		t.Fatalf("%d steps", len(steps))
	}
	if steps[0].Ev.Kind != event.KindMovesTo || steps[0].Ev.Location != (event.Location{X: 1, Y: 0}) {
		t.Fatalf("first step %v", steps[0].Ev)
	}
	if !s.HasTarget("a") {
		t.Fatal("walk abandoned before the target")
	}

	// The scheduler computes steps; the engine applies them.
	if err := room.MovesTo("a", steps[0].Ev.Location); err != nil {
		t.Fatal(err)
	}
	s.Tick(getRoomFn(room))
	// After applying the second step the entity is adjacent; the third
	// tick lands on the target and clears it.
	if err := room.MovesTo("a", event.Location{X: 2, Y: 0}); err != nil {
		t.Fatal(err)
	}
	steps = s.Tick(getRoomFn(room))
	if len(steps) != 1 || steps[0].Ev.Location != (event.Location{X: 3, Y: 0}) {
		t.Fatalf("final step %v", steps)
	}
	if s.HasTarget("a") {
		t.Fatal("target reached but still pending")
	}
}

func TestSchedulerReservesDestinations(t *testing.T) {
	room := schedRoom(t, 5, 5, map[string]event.Location{
		"a": {X: 1, Y: 2},
		"b": {X: 3, Y: 2},
	})
	s := NewScheduler()
	// Both adjacent to (2,2) and targeting it.
	s.SetTarget("arena", "a", event.Location{X: 2, Y: 2})
	s.SetTarget("arena", "b", event.Location{X: 2, Y: 2})

	steps := s.Tick(getRoomFn(room))
	if len(steps) != 1 {
		t.Fatalf("%d entities stepped into the same cell", len(steps))
	}
	// Sorted order: "a" wins the reservation, "b" abandons.
	if steps[0].Ev.ID != "a" {
		t.Fatalf("%s stepped first", steps[0].Ev.ID)
	}
	if s.HasTarget("b") {
		t.Fatal("losing walker must abandon silently")
	}
}

func TestSchedulerAbandonsBlockedAdjacentTarget(t *testing.T) {
	room := schedRoom(t, 5, 5, map[string]event.Location{"a": {X: 1, Y: 1}})
	block(t, room, "wall1", event.Location{X: 2, Y: 1})
	s := NewScheduler()
	s.SetTarget("arena", "a", event.Location{X: 2, Y: 1})

	steps := s.Tick(getRoomFn(room))
	if len(steps) != 0 {
		t.Fatalf("stepped %v toward a blocked adjacent target", steps)
	}
	if s.HasTarget("a") {
		t.Fatal("blocked walk must be dropped, not retried")
	}
}

func TestSchedulerRequiresStrictImprovement(t *testing.T) {
	// The walker is boxed in: every orthogonal neighbor is blocked, so no
	// candidate strictly reduces the distance.
	room := schedRoom(t, 5, 5, map[string]event.Location{"a": {X: 2, Y: 2}})
	block(t, room, "n1", event.Location{X: 2, Y: 1})
	block(t, room, "n2", event.Location{X: 2, Y: 3})
	block(t, room, "n3", event.Location{X: 1, Y: 2})
	block(t, room, "n4", event.Location{X: 3, Y: 2})
	s := NewScheduler()
	s.SetTarget("arena", "a", event.Location{X: 4, Y: 4})

	if steps := s.Tick(getRoomFn(room)); len(steps) != 0 {
		t.Fatalf("boxed-in walker stepped %v", steps)
	}
	if s.HasTarget("a") {
		t.Fatal("hopeless walk must be abandoned")
	}
}

func TestSchedulerSetTargetReplaces(t *testing.T) {
	room := schedRoom(t, 6, 1, map[string]event.Location{"a": {X: 0, Y: 0}})
	s := NewScheduler()
	s.SetTarget("arena", "a", event.Location{X: 5, Y: 0})
	s.SetTarget("arena", "a", event.Location{X: 1, Y: 0})

	steps := s.Tick(getRoomFn(room))
	if len(steps) != 1 || steps[0].Ev.Location != (event.Location{X: 1, Y: 0}) {
		t.Fatalf("steps %v", steps)
	}
	if s.HasTarget("a") {
		t.Fatal("replacement target reached, walk should end")
	}
}

func TestSchedulerDropsDepartedEntities(t *testing.T) {
	room := schedRoom(t, 4, 4, map[string]event.Location{"a": {X: 0, Y: 0}})
	s := NewScheduler()
	s.SetTarget("arena", "a", event.Location{X: 3, Y: 3})
	if err := room.Delete("a"); err != nil {
		t.Fatal(err)
	}

	if steps := s.Tick(getRoomFn(room)); len(steps) != 0 {
		t.Fatalf("deleted entity stepped %v", steps)
	}
	if s.HasTarget("a") {
		t.Fatal("pending walk must be dropped with its entity")
	}

	s.SetTarget("ghost-room", "b", event.Location{X: 1, Y: 1})
	s.Tick(getRoomFn(room))
	if s.HasTarget("b") {
		t.Fatal("walk in an unloaded room must be dropped")
	}
}

package engine

import (
	"testing"
	"time"

	"github.com/gridrealm/server/internal/event"
	"go.uber.org/zap"
)

type capturePresenter struct {
	events []event.Event
}

func (p *capturePresenter) Present(ev event.Event) { p.events = append(p.events, ev) }

func (p *capturePresenter) reset() { p.events = nil }

func (p *capturePresenter) kinds() []event.Kind {
	out := make([]event.Kind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

// initRoomMessage builds the room-population sequence a server would send
// for a 4x3 all-floor room with the player at (0,0) and a key at (2,1).
func initRoomMessage(playerID string) event.Message {
	var msg event.Message
	msg.Append(event.Event{Kind: event.KindEnterRoom, ID: playerID, Room: "default"})
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			msg.Append(event.Event{
				Kind:     event.KindChangeMapElement,
				Tile:     event.Tile{Kind: event.TileFloor, Asset: "tiles/stone"},
				Location: event.Location{X: x, Y: y},
			})
		}
	}
	msg.Append(event.Event{
		Kind:     event.KindSpawn,
		ID:       "key1",
		Entity:   event.EntitySpec{Kind: event.EntityItemNoBlock, ID: "key1", Asset: "items/key"},
		Location: event.Location{X: 2, Y: 1},
	})
	msg.Append(event.Event{
		Kind:     event.KindSpawn,
		ID:       playerID,
		Entity:   event.EntitySpec{Kind: event.EntityPlayer, ID: playerID},
		Location: event.Location{X: 0, Y: 0},
	})
	msg.Append(event.Event{Kind: event.KindRoomComplete})
	msg.Append(event.Event{Kind: event.KindServerParameters, ID: playerID, Value: 3})
	return msg
}

func newTestClient(t *testing.T) (*Client, *capturePresenter) {
	t.Helper()
	p := &capturePresenter{}
	c := NewClient("p1", p, zap.NewNop())
	c.InitMessage()
	c.HandleServerMessage(initRoomMessage("p1"))
	p.reset()
	return c, p
}

func TestClientBuildsRoomFromInitResponse(t *testing.T) {
	p := &capturePresenter{}
	c := NewClient("p1", p, zap.NewNop())

	init := c.InitMessage()
	if init.Events()[0].Kind != event.KindInit || !c.Awaiting() {
		t.Fatal("init must produce an init attempt and arm the gate")
	}

	c.HandleServerMessage(initRoomMessage("p1"))

	if c.Awaiting() {
		t.Fatal("confirmation sequence should clear the gate")
	}
	room := c.Room()
	if room == nil || room.ID != "default" {
		t.Fatal("room not built")
	}
	if loc, ok := room.LocationOf("p1"); !ok || (loc != event.Location{X: 0, Y: 0}) {
		t.Fatalf("player at %v", loc)
	}
	if room.Entity("key1") == nil {
		t.Fatal("item not spawned")
	}
	if len(p.events) == 0 || p.events[0].Kind != event.KindEnterRoom {
		t.Fatal("presenter did not receive the room sequence in order")
	}
}

func TestClientPredictsOrthogonalMove(t *testing.T) {
	c, p := newTestClient(t)

	msg, ok := c.Attempt(event.Event{Kind: event.KindTriesToMove, ID: "p1", Location: event.Location{X: 1, Y: 0}})
	if !ok || msg.Events()[0].Kind != event.KindTriesToMove {
		t.Fatal("attempt should pass the gate and produce the outgoing message")
	}

	// Applied locally before any confirmation.
	if loc, _ := c.Room().LocationOf("p1"); (loc != event.Location{X: 1, Y: 0}) {
		t.Fatalf("prediction not applied, player at %v", loc)
	}
	if len(p.events) != 1 || p.events[0].Kind != event.KindMovesTo {
		t.Fatalf("presenter saw %v", p.kinds())
	}
}

func TestClientDedupesConfirmedPrediction(t *testing.T) {
	c, p := newTestClient(t)
	c.Attempt(event.Event{Kind: event.KindTriesToMove, ID: "p1", Location: event.Location{X: 1, Y: 0}})
	p.reset()

	c.HandleServerMessage(event.NewMessage(event.Event{
		Kind: event.KindMovesTo, ID: "p1", Location: event.Location{X: 1, Y: 0},
	}))

	if len(p.events) != 0 {
		t.Fatalf("confirmed prediction must not re-render, presenter saw %v", p.kinds())
	}
	if c.Awaiting() {
		t.Fatal("confirmation should clear the gate")
	}
	if loc, _ := c.Room().LocationOf("p1"); (loc != event.Location{X: 1, Y: 0}) {
		t.Fatalf("player at %v", loc)
	}
}

func TestClientRollsBackFailedPrediction(t *testing.T) {
	c, p := newTestClient(t)
	c.Attempt(event.Event{Kind: event.KindTriesToMove, ID: "p1", Location: event.Location{X: 1, Y: 0}})
	p.reset()

	c.HandleServerMessage(event.NewMessage(event.Event{Kind: event.KindAttemptFailed, ID: "p1"}))

	if loc, _ := c.Room().LocationOf("p1"); (loc != event.Location{X: 0, Y: 0}) {
		t.Fatalf("rollback failed, player at %v", loc)
	}
	kinds := p.kinds()
	if len(kinds) != 2 || kinds[0] != event.KindMovesTo || kinds[1] != event.KindAttemptFailed {
		t.Fatalf("presenter saw %v, want corrective move then failure", kinds)
	}
	if p.events[0].Location != (event.Location{X: 0, Y: 0}) {
		t.Fatalf("corrective move to %v", p.events[0].Location)
	}
}

func TestClientDoesNotPredictDiagonalOrFar(t *testing.T) {
	c, p := newTestClient(t)

	for _, target := range []event.Location{{X: 1, Y: 1}, {X: 3, Y: 0}} {
		c.HandleServerMessage(event.NewMessage(event.Event{Kind: event.KindAttemptFailed, ID: "p1"}))
		p.reset()
		c.Attempt(event.Event{Kind: event.KindTriesToMove, ID: "p1", Location: target})
		if loc, _ := c.Room().LocationOf("p1"); (loc != event.Location{X: 0, Y: 0}) {
			t.Fatalf("move to %v was predicted, player at %v", target, loc)
		}
		if len(p.events) != 0 {
			t.Fatalf("move to %v rendered %v before confirmation", target, p.kinds())
		}
	}
}

func TestClientGateAndSilenceTimer(t *testing.T) {
	c, p := newTestClient(t)
	clock := time.Unix(1000, 0)
	c.now = func() time.Time { return clock }

	attempt := event.Event{Kind: event.KindTriesToLookAt, ID: "p1", Location: event.Location{X: 2, Y: 1}}
	if _, ok := c.Attempt(attempt); !ok {
		t.Fatal("first attempt should pass")
	}
	if _, ok := c.Attempt(attempt); ok {
		t.Fatal("second attempt should be withheld")
	}
	if len(p.events) != 0 {
		t.Fatal("no notice before the timeout")
	}

	clock = clock.Add(4 * time.Second)
	if _, ok := c.Attempt(attempt); ok {
		t.Fatal("attempt must stay withheld even past the timeout")
	}
	if len(p.events) != 1 || p.events[0].Kind != event.KindPerception {
		t.Fatalf("expected a not-responding notice, saw %v", p.kinds())
	}

	// Timer resets: the next repeat within the window is silent again.
	p.reset()
	clock = clock.Add(time.Second)
	c.Attempt(attempt)
	if len(p.events) != 0 {
		t.Fatal("notice repeated before a full further timeout")
	}
}

func TestClientServerParametersOverrideTimeout(t *testing.T) {
	c, _ := newTestClient(t)
	c.HandleServerMessage(event.NewMessage(event.Event{
		Kind: event.KindServerParameters, ID: "p1", Value: 0.5,
	}))
	if c.awaitTimeout != 500*time.Millisecond {
		t.Fatalf("await timeout %v", c.awaitTimeout)
	}
}

func TestClientEnterRoomClearsPendingState(t *testing.T) {
	c, _ := newTestClient(t)
	c.Attempt(event.Event{Kind: event.KindTriesToMove, ID: "p1", Location: event.Location{X: 1, Y: 0}})
	if !c.Awaiting() {
		t.Fatal("gate should be armed")
	}

	c.HandleServerMessage(event.NewMessage(
		event.Event{Kind: event.KindEnterRoom, ID: "p1", Room: "cellar"},
		event.Event{Kind: event.KindChangeMapElement, Tile: event.Tile{Kind: event.TileFloor}, Location: event.Location{}},
		event.Event{Kind: event.KindSpawn, ID: "p1", Entity: event.EntitySpec{Kind: event.EntityPlayer, ID: "p1"}},
		event.Event{Kind: event.KindRoomComplete},
	))

	if c.Awaiting() {
		t.Fatal("room change must clear the confirmation gate")
	}
	if c.Room().ID != "cellar" {
		t.Fatalf("room %q", c.Room().ID)
	}
	if _, ok := c.Attempt(event.Event{Kind: event.KindSays, ID: "p1", Text: "hi"}); !ok {
		t.Fatal("fresh attempt should pass after the room change")
	}
}

func TestClientReplaysRoomSequenceIdempotently(t *testing.T) {
	c, p := newTestClient(t)

	// The server resends the full population when a connection re-inits
	// into the room it is already in; replaying it must land the client in
	// the same state with no leftovers.
	c.HandleServerMessage(initRoomMessage("p1"))

	if c.Room().ID != "default" {
		t.Fatalf("room %q", c.Room().ID)
	}
	if loc, ok := c.Room().LocationOf("p1"); !ok || (loc != event.Location{X: 0, Y: 0}) {
		t.Fatalf("player at %v", loc)
	}
	if c.Room().Entity("key1") == nil {
		t.Fatal("item lost in replay")
	}
	if c.Awaiting() {
		t.Fatal("replay left the gate armed")
	}
	for _, ev := range p.events {
		if ev.Kind == event.KindAttemptFailed {
			t.Fatalf("replay surfaced a failure: %v", ev)
		}
	}
}

func TestClientRoomChangePrunesForeignInventory(t *testing.T) {
	c, _ := newTestClient(t)
	// p1 carries key1; p2's carried item is also tracked.
	c.HandleServerMessage(event.NewMessage(
		event.Event{Kind: event.KindSpawn, ID: "p2", Entity: event.EntitySpec{Kind: event.EntityPlayer, ID: "p2"}, Location: event.Location{X: 3, Y: 2}},
		event.Event{Kind: event.KindSpawn, ID: "coin1", Entity: event.EntitySpec{Kind: event.EntityItemNoBlock, ID: "coin1"}, Location: event.Location{X: 3, Y: 1}},
		event.Event{Kind: event.KindPicksUp, ID: "p1", Item: "key1"},
		event.Event{Kind: event.KindPicksUp, ID: "p2", Item: "coin1"},
	))
	if c.Rack().Len() != 2 {
		t.Fatalf("rack has %d items", c.Rack().Len())
	}

	c.HandleServerMessage(event.NewMessage(
		event.Event{Kind: event.KindEnterRoom, ID: "p1", Room: "cellar"},
	))

	if owner, ok := c.Rack().Owner("key1"); !ok || owner != "p1" {
		t.Fatal("own item must survive the room change")
	}
	if c.Rack().Entity("coin1") != nil {
		t.Fatal("foreign inventory must be pruned on room change")
	}
}

func TestClientPickUpAndDropTransfers(t *testing.T) {
	c, _ := newTestClient(t)

	c.HandleServerMessage(event.NewMessage(event.Event{Kind: event.KindPicksUp, ID: "p1", Item: "key1"}))
	if c.Room().Entity("key1") != nil {
		t.Fatal("item still in room after pick up")
	}
	if owner, ok := c.Rack().Owner("key1"); !ok || owner != "p1" {
		t.Fatal("item not racked under the actor")
	}

	c.HandleServerMessage(event.NewMessage(event.Event{
		Kind: event.KindDrops, ID: "p1", Item: "key1", Location: event.Location{X: 0, Y: 1},
	}))
	if c.Rack().Len() != 0 {
		t.Fatal("item still racked after drop")
	}
	if loc, ok := c.Room().LocationOf("key1"); !ok || (loc != event.Location{X: 0, Y: 1}) {
		t.Fatalf("item at %v", loc)
	}
}

func TestClientDropOfUnrackedItemRelocates(t *testing.T) {
	c, _ := newTestClient(t)

	// A drop confirmation for an item this client never saw picked up:
	// the item is still in its room copy and just moves.
	c.HandleServerMessage(event.NewMessage(event.Event{
		Kind: event.KindDrops, ID: "p2", Item: "key1", Location: event.Location{X: 0, Y: 2},
	}))
	if loc, ok := c.Room().LocationOf("key1"); !ok || (loc != event.Location{X: 0, Y: 2}) {
		t.Fatalf("item at %v", loc)
	}
	if c.Rack().Len() != 0 {
		t.Fatal("relocated item must not enter the rack")
	}
}

func TestClientCanSpeakPresentedLast(t *testing.T) {
	c, p := newTestClient(t)

	c.HandleServerMessage(event.NewMessage(
		event.Event{Kind: event.KindCanSpeak, ID: "p1", Words: []string{"Hello."}},
		event.Event{Kind: event.KindSaid, ID: "p2", Text: "welcome"},
	))

	kinds := p.kinds()
	if len(kinds) != 2 || kinds[0] != event.KindSaid || kinds[1] != event.KindCanSpeak {
		t.Fatalf("presenter saw %v, can_speak must come last", kinds)
	}
}

func TestClientSessionClosed(t *testing.T) {
	c, _ := newTestClient(t)
	c.HandleServerMessage(event.NewMessage(event.Event{Kind: event.KindSessionClosed}))
	if !c.ShutdownRequested() {
		t.Fatal("session_closed must request shutdown")
	}
}

package engine

import (
	"fmt"

	"github.com/gridrealm/server/internal/event"
	"github.com/gridrealm/server/internal/world"
)

// passThrough is the engines' default handler: forward the event
// unchanged into the outgoing message. The client's "outgoing" message
// during server-message processing is the presentation-directed batch.
func passThrough(ev event.Event, out *event.Message) error {
	out.Append(ev)
	return nil
}

// registerDefaults installs the pass-through handler for every kind, so
// an unhandled kind is a pass-through rather than a dispatch error.
// Roles then override only the handlers they need.
func registerDefaults(reg *Registry) {
	for _, k := range event.AllKinds() {
		reg.Register(k, passThrough)
	}
}

// The canonical inventory transfers live here because both engines
// perform them the same way: a confirmed pick-up moves the entity from
// the room into the rack under the actor, a confirmed drop moves it back
// into the room at the confirmed location. They are symmetric; calling
// one against an entity on the wrong side is a contract breach upstream,
// surfaced as an internal error rather than a protocol failure.

// applyPicksUp transfers ev.Item from room to rack, owned by ev.ID.
func applyPicksUp(room *world.Room, rack *world.Rack, ev event.Event) error {
	entity := room.Entity(ev.Item)
	if entity == nil {
		return fmt.Errorf("picks_up %q: not present in room %q", ev.Item, room.ID)
	}
	if err := room.Delete(ev.Item); err != nil {
		return fmt.Errorf("picks_up %q: %w", ev.Item, err)
	}
	if err := rack.Store(entity, ev.ID); err != nil {
		return fmt.Errorf("picks_up %q: %w", ev.Item, err)
	}
	return nil
}

// applyDrops transfers ev.Item from rack back into room at ev.Location.
// A drop can also be confirmed for an item still lying in the room; that
// form relocates the item instead of retrieving it.
func applyDrops(room *world.Room, rack *world.Rack, ev event.Event) error {
	entity, err := rack.Retrieve(ev.Item)
	if err != nil {
		if room.Entity(ev.Item) != nil {
			if err := room.MovesTo(ev.Item, ev.Location); err != nil {
				return fmt.Errorf("drops %q: %w", ev.Item, err)
			}
			return nil
		}
		return fmt.Errorf("drops %q: %w", ev.Item, err)
	}
	if err := room.Spawn(entity, ev.Location); err != nil {
		// Put it back so the rack/room invariant still holds.
		if serr := rack.Store(entity, ev.ID); serr != nil {
			return fmt.Errorf("drops %q: %v (re-store failed: %v)", ev.Item, err, serr)
		}
		return fmt.Errorf("drops %q: %w", ev.Item, err)
	}
	return nil
}

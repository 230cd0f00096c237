package world

import (
	"github.com/gridrealm/server/internal/event"
)

// Entity is a mutable world object: a player, an NPC, or an item lying in
// a room. Identity is the identifier; two Entity values are the same
// entity only if they are the same pointer. Presentation state (sprite
// handles, animation frames) is owned by the presentation collaborator in
// an id-indexed side table, never stored here.
type Entity struct {
	Kind  event.EntityKind
	ID    string
	Asset string

	// State is free-form mutable state, e.g. a caption to display.
	State string
}

// NewEntity builds an entity from its serializable spec.
func NewEntity(spec event.EntitySpec) *Entity {
	return &Entity{
		Kind:  spec.Kind,
		ID:    spec.ID,
		Asset: spec.Asset,
		State: spec.State,
	}
}

// Spec returns the serializable description of the entity, suitable for
// carrying inside a spawn event.
func (e *Entity) Spec() event.EntitySpec {
	return event.EntitySpec{
		Kind:  e.Kind,
		ID:    e.ID,
		Asset: e.Asset,
		State: e.State,
	}
}

// Blocks reports whether the entity reserves its cell against other
// blocking entities in the movement scheduler.
func (e *Entity) Blocks() bool { return e.Kind.Blocking() }

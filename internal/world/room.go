package world

import (
	"fmt"

	"github.com/gridrealm/server/internal/event"
)

// FloorPlanElement is one coordinate's tile plus the entities currently
// standing on it, in arrival order.
type FloorPlanElement struct {
	Tile     event.Tile
	Entities []*Entity
}

// Room is one map area's tiles and entity placement. The three indexes
// (floor plan occupant lists, entity index, location index) must always
// agree: every known identifier has exactly one location, and the Entity
// pointer appears exactly once in that coordinate's occupant list.
//
// Accessed only from the owning engine's game-loop goroutine; no locks.
type Room struct {
	ID string

	floorPlan       map[event.Location]*FloorPlanElement
	entities        map[string]*Entity
	entityLocations map[string]event.Location

	// tileAssets registers every tile asset descriptor seen in this room,
	// for asset-fetch convenience on the presentation side.
	tileAssets map[string]event.Tile

	// activeClients tracks connection identifiers whose player entity
	// lives in this room. Server side only; empty on clients.
	activeClients map[string]struct{}
}

// NewRoom creates an empty room with the given identifier.
func NewRoom(id string) *Room {
	return &Room{
		ID:              id,
		floorPlan:       make(map[event.Location]*FloorPlanElement),
		entities:        make(map[string]*Entity),
		entityLocations: make(map[string]event.Location),
		tileAssets:      make(map[string]event.Tile),
		activeClients:   make(map[string]struct{}),
	}
}

// ChangeMapElement upserts the floor plan element at loc. Entities already
// standing there are preserved. The tile's asset descriptor is registered
// in the room-wide tile registry.
func (r *Room) ChangeMapElement(tile event.Tile, loc event.Location) {
	elem, ok := r.floorPlan[loc]
	if !ok {
		elem = &FloorPlanElement{}
		r.floorPlan[loc] = elem
	}
	elem.Tile = tile
	if tile.Asset != "" {
		r.tileAssets[tile.Asset] = tile
	}
}

// Spawn places an entity at loc. The location must already exist in the
// floor plan. Spawning an identifier that is already present is a silent
// no-op, not an error.
func (r *Room) Spawn(entity *Entity, loc event.Location) error {
	if _, known := r.entities[entity.ID]; known {
		return nil
	}
	elem, ok := r.floorPlan[loc]
	if !ok {
		return fmt.Errorf("spawn %q at undefined location %v", entity.ID, loc)
	}
	elem.Entities = append(elem.Entities, entity)
	r.entities[entity.ID] = entity
	r.entityLocations[entity.ID] = loc
	return nil
}

// MovesTo relocates a known entity to a known location. Moving an entity
// onto its current location is a no-op.
func (r *Room) MovesTo(id string, loc event.Location) error {
	entity, ok := r.entities[id]
	if !ok {
		return fmt.Errorf("moves_to: unknown entity %q", id)
	}
	dest, ok := r.floorPlan[loc]
	if !ok {
		return fmt.Errorf("moves_to %q: undefined location %v", id, loc)
	}
	old := r.entityLocations[id]
	if old == loc {
		return nil
	}
	r.removeFromElement(old, entity)
	dest.Entities = append(dest.Entities, entity)
	r.entityLocations[id] = loc
	return nil
}

// Delete removes a known entity from the room entirely.
func (r *Room) Delete(id string) error {
	entity, ok := r.entities[id]
	if !ok {
		return fmt.Errorf("delete: unknown entity %q", id)
	}
	r.removeFromElement(r.entityLocations[id], entity)
	delete(r.entities, id)
	delete(r.entityLocations, id)
	return nil
}

func (r *Room) removeFromElement(loc event.Location, entity *Entity) {
	elem, ok := r.floorPlan[loc]
	if !ok {
		return
	}
	for i, e := range elem.Entities {
		if e == entity {
			elem.Entities = append(elem.Entities[:i], elem.Entities[i+1:]...)
			return
		}
	}
}

// TileIsWalkable reports whether loc can be stepped onto: the coordinate
// exists in the floor plan, its tile is floor, and no blocking item
// occupies it. A coordinate outside the floor plan is never walkable.
func (r *Room) TileIsWalkable(loc event.Location) bool {
	elem, ok := r.floorPlan[loc]
	if !ok {
		return false
	}
	if elem.Tile.Kind != event.TileFloor {
		return false
	}
	for _, e := range elem.Entities {
		if e.Kind == event.EntityItemBlock {
			return false
		}
	}
	return true
}

// Entity returns the entity for id, or nil if unknown.
func (r *Room) Entity(id string) *Entity { return r.entities[id] }

// LocationOf returns the current location of id.
func (r *Room) LocationOf(id string) (event.Location, bool) {
	loc, ok := r.entityLocations[id]
	return loc, ok
}

// ElementAt returns the floor plan element at loc, or nil if undefined.
func (r *Room) ElementAt(loc event.Location) *FloorPlanElement {
	return r.floorPlan[loc]
}

// OccupantsAt returns the occupant list at loc in arrival order.
func (r *Room) OccupantsAt(loc event.Location) []*Entity {
	if elem := r.floorPlan[loc]; elem != nil {
		return elem.Entities
	}
	return nil
}

// EachEntity calls fn for every entity in the room.
func (r *Room) EachEntity(fn func(e *Entity, loc event.Location)) {
	for id, e := range r.entities {
		fn(e, r.entityLocations[id])
	}
}

// EachElement calls fn for every floor plan element.
func (r *Room) EachElement(fn func(loc event.Location, elem *FloorPlanElement)) {
	for loc, elem := range r.floorPlan {
		fn(loc, elem)
	}
}

// TileAssets returns the registry of tile asset descriptors seen so far.
func (r *Room) TileAssets() map[string]event.Tile { return r.tileAssets }

// RegisterClient marks a connection as active in this room. Registering
// the same connection twice is idempotent.
func (r *Room) RegisterClient(connID string) {
	r.activeClients[connID] = struct{}{}
}

// UnregisterClient removes a connection from the active set.
func (r *Room) UnregisterClient(connID string) {
	delete(r.activeClients, connID)
}

// ActiveClients returns the connection identifiers active in this room.
func (r *Room) ActiveClients() []string {
	ids := make([]string, 0, len(r.activeClients))
	for id := range r.activeClients {
		ids = append(ids, id)
	}
	return ids
}

// HasClient reports whether a connection is registered in this room.
func (r *Room) HasClient(connID string) bool {
	_, ok := r.activeClients[connID]
	return ok
}

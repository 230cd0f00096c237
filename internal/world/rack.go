package world

import "fmt"

// NoOwner is the sentinel owner for entities detached from any actor
// (deleted, or pending respawn).
const NoOwner = ""

// Rack stores entities detached from any room: picked-up inventory items
// and entities waiting to respawn. Every stored entity has exactly one
// owner identifier (possibly NoOwner). An identifier is never present in
// a Room's entity index and the Rack at the same time; the engines'
// pick-up/drop transfers maintain that invariant.
type Rack struct {
	entities map[string]*Entity
	owners   map[string]string
}

// NewRack creates an empty rack.
func NewRack() *Rack {
	return &Rack{
		entities: make(map[string]*Entity),
		owners:   make(map[string]string),
	}
}

// Store puts an entity into the rack under the given owner. Storing an
// identifier that is already racked is a contract breach upstream.
func (r *Rack) Store(entity *Entity, owner string) error {
	if _, ok := r.entities[entity.ID]; ok {
		return fmt.Errorf("rack: %q already stored", entity.ID)
	}
	r.entities[entity.ID] = entity
	r.owners[entity.ID] = owner
	return nil
}

// Retrieve removes and returns the entity for id.
func (r *Rack) Retrieve(id string) (*Entity, error) {
	entity, ok := r.entities[id]
	if !ok {
		return nil, fmt.Errorf("rack: %q not stored", id)
	}
	delete(r.entities, id)
	delete(r.owners, id)
	return entity, nil
}

// Entity returns the stored entity for id, or nil.
func (r *Rack) Entity(id string) *Entity { return r.entities[id] }

// Owner returns the owner of a stored entity.
func (r *Rack) Owner(id string) (string, bool) {
	owner, ok := r.owners[id]
	return owner, ok
}

// OwnedBy returns the identifiers of all entities owned by owner.
func (r *Rack) OwnedBy(owner string) []string {
	var ids []string
	for id, o := range r.owners {
		if o == owner {
			ids = append(ids, id)
		}
	}
	return ids
}

// Prune drops every entity not owned by keep. Used by the client engine
// on room changes: foreign inventories no longer apply in the new room.
func (r *Rack) Prune(keep string) {
	for id, owner := range r.owners {
		if owner != keep {
			delete(r.entities, id)
			delete(r.owners, id)
		}
	}
}

// Len returns the number of stored entities.
func (r *Rack) Len() int { return len(r.entities) }

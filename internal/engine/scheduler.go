package engine

import (
	"sort"

	"github.com/gridrealm/server/internal/event"
	"github.com/gridrealm/server/internal/world"
)

// Scheduler walks entities toward their pending multi-step move targets,
// one greedy step per tick. Each entity has at most one outstanding
// target; issuing a new one replaces the old. Blocking entities reserve
// their chosen destination in a per-tick "taken" set so two of them are
// never scheduled into the same cell within one tick.
//
// Stalls are silent: a user-issued move that fails validation produces a
// visible attempt_failed, but a scheduled walk that runs out of useful
// steps just drops its target.
type Scheduler struct {
	pending map[string]pendingMove
}

type pendingMove struct {
	roomID string
	target event.Location
}

// Step is one scheduled move emitted during a tick.
type Step struct {
	RoomID string
	Ev     event.Event
}

func NewScheduler() *Scheduler {
	return &Scheduler{pending: make(map[string]pendingMove)}
}

// SetTarget queues a move target for an entity, cancelling and replacing
// any existing one.
func (s *Scheduler) SetTarget(roomID, entityID string, target event.Location) {
	s.pending[entityID] = pendingMove{roomID: roomID, target: target}
}

// Cancel drops the pending target for an entity, if any.
func (s *Scheduler) Cancel(entityID string) {
	delete(s.pending, entityID)
}

// HasTarget reports whether an entity has a pending move.
func (s *Scheduler) HasTarget(entityID string) bool {
	_, ok := s.pending[entityID]
	return ok
}

// Deterministic candidate examination order: N, S, E, W. The order is
// irrelevant to correctness but must be stable for reproducibility.
var stepOffsets = [4]event.Location{
	{X: 0, Y: -1}, // N
	{X: 0, Y: 1},  // S
	{X: 1, Y: 0},  // E
	{X: -1, Y: 0}, // W
}

// Tick computes one greedy step for every entity with a pending target.
// getRoom resolves room identifiers to live rooms. The returned steps are
// in sorted entity order, stable across runs.
func (s *Scheduler) Tick(getRoom func(id string) *world.Room) []Step {
	if len(s.pending) == 0 {
		return nil
	}

	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Destination reservations for this tick, per room.
	taken := make(map[string]map[event.Location]struct{})

	var steps []Step
	for _, id := range ids {
		pm := s.pending[id]
		room := getRoom(pm.roomID)
		if room == nil {
			delete(s.pending, id)
			continue
		}
		entity := room.Entity(id)
		if entity == nil {
			delete(s.pending, id)
			continue
		}
		cur, ok := room.LocationOf(id)
		if !ok || cur == pm.target {
			delete(s.pending, id)
			continue
		}

		roomTaken := taken[pm.roomID]
		if roomTaken == nil {
			roomTaken = make(map[event.Location]struct{})
			taken[pm.roomID] = roomTaken
		}

		step, ok := moveTowards(room, cur, pm.target, roomTaken)
		if !ok {
			// No useful move, or the adjacent target itself is blocked:
			// abandon the walk silently.
			delete(s.pending, id)
			continue
		}

		if entity.Blocks() {
			roomTaken[step] = struct{}{}
		}
		steps = append(steps, Step{
			RoomID: pm.roomID,
			Ev:     event.Event{Kind: event.KindMovesTo, ID: id, Location: step},
		})
		if step == pm.target {
			delete(s.pending, id)
		}
	}
	return steps
}

// moveTowards picks the orthogonal neighbor of cur that minimizes
// Euclidean distance to target, among neighbors that are walkable and not
// reserved this tick. Movement stops entirely (ok=false) when the target
// itself is adjacent but blocked, or when no candidate strictly reduces
// the distance; a partial approach is worse than none.
func moveTowards(room *world.Room, cur, target event.Location, taken map[event.Location]struct{}) (event.Location, bool) {
	adjacent := distSq(cur, target) == 1
	if adjacent {
		_, reserved := taken[target]
		if !room.TileIsWalkable(target) || reserved {
			return event.Location{}, false
		}
	}

	best := cur
	bestDist := distSq(cur, target)
	for _, off := range stepOffsets {
		cand := event.Location{X: cur.X + off.X, Y: cur.Y + off.Y}
		if !room.TileIsWalkable(cand) {
			continue
		}
		if _, reserved := taken[cand]; reserved {
			continue
		}
		if d := distSq(cand, target); d < bestDist {
			best = cand
			bestDist = d
		}
	}
	if best == cur {
		return event.Location{}, false
	}
	return best, true
}

// distSq is the squared Euclidean distance; same ordering as the real
// thing, no floating point.
func distSq(a, b event.Location) int {
	dx, dy := a.X-b.X, a.Y-b.Y
	return dx*dx + dy*dy
}

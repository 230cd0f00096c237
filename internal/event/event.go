package event

import "fmt"

// Kind identifies one event variant. The set is closed: the codec rejects
// kinds it does not know, and the dispatcher treats an unregistered kind
// as a programming error.
type Kind uint8

const (
	KindInvalid Kind = iota

	// Attempts (client → server, require confirmation)
	KindInit
	KindTriesToMove
	KindTriesToLookAt
	KindTriesToTalkTo
	KindTriesToManipulate
	KindTriesToPickUp
	KindTriesToDrop
	KindSays

	// Confirmations (server → client)
	KindMovesTo
	KindPicksUp
	KindDrops
	KindCanSpeak
	KindSaid
	KindLookedAt
	KindManipulates
	KindPerception
	KindAttemptFailed
	KindServerParameters

	// World mutations
	KindEnterRoom
	KindRoomComplete
	KindChangeMapElement
	KindSpawn
	KindDelete
	KindChangeState

	// Session control
	KindSessionClosed

	kindMax
)

var kindNames = map[Kind]string{
	KindInit:             "init",
	KindTriesToMove:      "tries_to_move",
	KindTriesToLookAt:    "tries_to_look_at",
	KindTriesToTalkTo:    "tries_to_talk_to",
	KindTriesToManipulate: "tries_to_manipulate",
	KindTriesToPickUp:    "tries_to_pick_up",
	KindTriesToDrop:      "tries_to_drop",
	KindSays:             "says",
	KindMovesTo:          "moves_to",
	KindPicksUp:          "picks_up",
	KindDrops:            "drops",
	KindCanSpeak:         "can_speak",
	KindSaid:             "said",
	KindLookedAt:         "looked_at",
	KindManipulates:      "manipulates",
	KindPerception:       "perception",
	KindAttemptFailed:    "attempt_failed",
	KindServerParameters: "server_parameters",
	KindEnterRoom:        "enter_room",
	KindRoomComplete:     "room_complete",
	KindChangeMapElement: "change_map_element",
	KindSpawn:            "spawn",
	KindDelete:           "delete",
	KindChangeState:      "change_state",
	KindSessionClosed:    "session_closed",
}

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// MarshalText makes the wire representation self-describing.
func (k Kind) MarshalText() ([]byte, error) {
	n, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("marshal event kind %d: unknown kind", uint8(k))
	}
	return []byte(n), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	n, ok := kindByName[string(text)]
	if !ok {
		return fmt.Errorf("unknown event kind %q", string(text))
	}
	*k = n
	return nil
}

// AllKinds returns every valid kind in declaration order. Used by the
// engines to install their default pass-through handlers.
func AllKinds() []Kind {
	kinds := make([]Kind, 0, int(kindMax)-1)
	for k := KindInit; k < kindMax; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// IsAttempt reports whether the kind is a client-originated request that
// requires server validation and confirmation.
func (k Kind) IsAttempt() bool {
	switch k {
	case KindInit, KindTriesToMove, KindTriesToLookAt, KindTriesToTalkTo,
		KindTriesToManipulate, KindTriesToPickUp, KindTriesToDrop, KindSays:
		return true
	}
	return false
}

// IsConfirmation reports whether a kind acknowledges an attempt's outcome.
// The client engine leaves awaiting-confirmation when one of these arrives
// for the local player.
func (k Kind) IsConfirmation() bool {
	switch k {
	case KindMovesTo, KindPicksUp, KindDrops, KindCanSpeak, KindSaid,
		KindLookedAt, KindManipulates, KindPerception, KindAttemptFailed,
		KindServerParameters:
		return true
	}
	return false
}

// Location is one 2D grid coordinate.
type Location struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (l Location) String() string { return fmt.Sprintf("(%d,%d)", l.X, l.Y) }

// TileKind partitions the floor plan into walkable and solid cells.
type TileKind uint8

const (
	TileFloor TileKind = iota
	TileObstacle
)

func (t TileKind) String() string {
	if t == TileObstacle {
		return "obstacle"
	}
	return "floor"
}

func (t TileKind) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TileKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "floor":
		*t = TileFloor
	case "obstacle":
		*t = TileObstacle
	default:
		return fmt.Errorf("unknown tile kind %q", string(text))
	}
	return nil
}

// Tile is an immutable value: kind plus an asset descriptor that is opaque
// to the engine. Two tiles are equal iff kind and asset match.
type Tile struct {
	Kind  TileKind `json:"kind"`
	Asset string   `json:"asset,omitempty"`
}

// EntityKind classifies a world entity.
type EntityKind uint8

const (
	EntityPlayer EntityKind = iota
	EntityNPC
	EntityItemBlock
	EntityItemNoBlock
)

var entityKindNames = [...]string{"player", "npc", "item_block", "item_noblock"}

func (e EntityKind) String() string {
	if int(e) < len(entityKindNames) {
		return entityKindNames[e]
	}
	return fmt.Sprintf("unknown(%d)", uint8(e))
}

func (e EntityKind) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *EntityKind) UnmarshalText(text []byte) error {
	for i, n := range entityKindNames {
		if n == string(text) {
			*e = EntityKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown entity kind %q", string(text))
}

// Blocking reports whether entities of this kind participate in the
// movement scheduler's per-tick destination reservation.
func (e EntityKind) Blocking() bool {
	return e == EntityPlayer || e == EntityNPC || e == EntityItemBlock
}

// EntitySpec is the serializable description of an entity carried inside a
// spawn event. It is a plain value; the live mutable Entity lives in the
// world package.
type EntitySpec struct {
	Kind  EntityKind `json:"kind"`
	ID    string     `json:"id"`
	Asset string     `json:"asset,omitempty"`
	State string     `json:"state,omitempty"`
}

// Event is one immutable occurrence. Every variant carries ID, the
// identifier of the entity the event concerns; the remaining fields are
// variant-specific and zero-valued when unused.
type Event struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id,omitempty"`

	// Target coordinate of an attempt, or confirmed destination.
	Location Location `json:"location,omitempty"`

	// Target entity identifier, set when the server has resolved a
	// coordinate attempt to a concrete entity.
	TargetID string `json:"target_id,omitempty"`

	// Item entity identifier (drop attempts and inventory confirmations).
	Item string `json:"item,omitempty"`

	// Free text (says, perception).
	Text string `json:"text,omitempty"`

	// Sentences the player may choose from (can_speak).
	Words []string `json:"words,omitempty"`

	// Numeric parameter (server_parameters: confirmation await seconds).
	Value float64 `json:"value,omitempty"`

	// Free-form entity state (change_state).
	State string `json:"state,omitempty"`

	// Room identifier (enter_room).
	Room string `json:"room,omitempty"`

	Tile   Tile       `json:"tile,omitempty"`
	Entity EntitySpec `json:"entity,omitempty"`
}

// Equal reports structural equality: same variant, same field values.
// Event is not ==-comparable because of the Words slice.
func (e Event) Equal(other Event) bool {
	if e.Kind != other.Kind || e.ID != other.ID ||
		e.Location != other.Location || e.TargetID != other.TargetID ||
		e.Item != other.Item || e.Text != other.Text ||
		e.Value != other.Value || e.State != other.State ||
		e.Room != other.Room || e.Tile != other.Tile ||
		e.Entity != other.Entity {
		return false
	}
	if len(e.Words) != len(other.Words) {
		return false
	}
	for i := range e.Words {
		if e.Words[i] != other.Words[i] {
			return false
		}
	}
	return true
}

func (e Event) String() string {
	return fmt.Sprintf("%s[%s]", e.Kind, e.ID)
}

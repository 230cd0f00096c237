package engine

import (
	"fmt"

	"github.com/gridrealm/server/internal/event"
	"github.com/gridrealm/server/internal/world"
)

// LogicContext is the world view handed to the game-logic plugin for one
// attempt. The plugin decides outcomes; the server engine has already
// validated preconditions and owns applying the results.
type LogicContext struct {
	Room    *world.Room
	Rack    *world.Rack
	ActorID string
}

// Logic is the pluggable game-logic component sitting behind the server
// engine's validation gate. Attempts arrive pre-validated and with
// coordinate targets already resolved to entity identifiers. Events the
// server does not accept from clients are rerouted here as opaque
// occurrences instead of crashing the connection.
type Logic interface {
	HandleAttempt(ctx *LogicContext, ev event.Event, out *event.Message) error
}

// EchoLogic is the built-in game logic: every validated attempt is
// confirmed as-is. Useful for tests and for running the server without a
// scripts directory. Movement attempts produce no events here; accepted
// moves are handed to the movement scheduler by the server engine.
type EchoLogic struct{}

func (EchoLogic) HandleAttempt(ctx *LogicContext, ev event.Event, out *event.Message) error {
	switch ev.Kind {
	case event.KindTriesToMove:
		// Accepted silently; the scheduler emits the steps.

	case event.KindTriesToPickUp:
		out.Append(event.Event{Kind: event.KindPicksUp, ID: ev.ID, Item: ev.TargetID})

	case event.KindTriesToDrop:
		out.Append(event.Event{Kind: event.KindDrops, ID: ev.ID, Item: ev.Item, Location: ev.Location})

	case event.KindTriesToManipulate:
		out.Append(event.Event{Kind: event.KindManipulates, ID: ev.ID, TargetID: ev.TargetID})

	case event.KindTriesToLookAt:
		text := fmt.Sprintf("You see %s.", ev.TargetID)
		if target := ctx.Room.Entity(ev.TargetID); target != nil && target.State != "" {
			text = target.State
		}
		out.Append(event.Event{Kind: event.KindPerception, ID: ev.ID, Text: text})

	case event.KindTriesToTalkTo:
		out.Append(event.Event{
			Kind:  event.KindCanSpeak,
			ID:    ev.ID,
			Words: []string{"Hello.", "Goodbye."},
		})

	case event.KindSays:
		out.Append(event.Event{Kind: event.KindSaid, ID: ev.ID, Text: ev.Text})

	default:
		// Opaque occurrence: nothing sensible to confirm.
	}
	return nil
}

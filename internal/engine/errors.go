package engine

import (
	"fmt"

	"github.com/gridrealm/server/internal/event"
)

// Internal-error helpers for handler contract breaches: these indicate a
// bug upstream, not a recoverable protocol condition.

func errNoRoom(ev event.Event) error {
	return fmt.Errorf("%s before any enter_room", ev.Kind)
}

func errUnknownEntity(ev event.Event) error {
	return fmt.Errorf("%s: unknown entity %q", ev.Kind, ev.ID)
}

package engine

import (
	"time"

	"github.com/gridrealm/server/internal/event"
	"github.com/gridrealm/server/internal/world"
	"go.uber.org/zap"
)

// Presenter is the presentation collaborator's side of the contract. It
// receives every render-directed event and must return promptly even if
// the render takes many frames; animation pacing is its problem.
type Presenter interface {
	Present(ev event.Event)
}

// PresenterFunc adapts a function to the Presenter interface.
type PresenterFunc func(ev event.Event)

func (f PresenterFunc) Present(ev event.Event) { f(ev) }

// DefaultAwaitTimeout is how long a repeated attempt waits for the server
// before a "not responding" notice surfaces. The server may override it
// via server_parameters.
const DefaultAwaitTimeout = 3 * time.Second

// predictedMove caches one optimistic local move so the server's verdict
// can reconcile it: the matching confirmation is a no-op, a failure
// replays the pre-move location.
type predictedMove struct {
	preMove event.Location
	ev      event.Event // the moves_to we applied locally
}

// Client is the client-side engine: a two-state machine (idle /
// awaiting-confirmation) around a single room copy, with optimistic move
// prediction and server-confirmed rollback.
type Client struct {
	PlayerID string

	log       *zap.Logger
	registry  *Registry
	presenter Presenter

	room *world.Room
	rack *world.Rack

	awaiting  bool
	predicted *predictedMove

	awaitTimeout  time.Duration
	firstRepeatAt time.Time
	now           func() time.Time

	// presentBuf collects render-directed events while one server message
	// is being processed; flushed to the presenter afterwards with any
	// can_speak moved last.
	presentBuf []event.Event

	shutdown bool
}

func NewClient(playerID string, presenter Presenter, log *zap.Logger) *Client {
	c := &Client{
		PlayerID:     playerID,
		log:          log,
		presenter:    presenter,
		rack:         world.NewRack(),
		awaitTimeout: DefaultAwaitTimeout,
		now:          time.Now,
	}
	c.registry = NewRegistry(FailOnUnknown, log)
	registerDefaults(c.registry)
	c.registry.Register(event.KindEnterRoom, c.onEnterRoom)
	c.registry.Register(event.KindChangeMapElement, c.onChangeMapElement)
	c.registry.Register(event.KindSpawn, c.onSpawn)
	c.registry.Register(event.KindDelete, c.onDelete)
	c.registry.Register(event.KindChangeState, c.onChangeState)
	c.registry.Register(event.KindMovesTo, c.onMovesTo)
	c.registry.Register(event.KindPicksUp, c.onPicksUp)
	c.registry.Register(event.KindDrops, c.onDrops)
	c.registry.Register(event.KindAttemptFailed, c.onAttemptFailed)
	c.registry.Register(event.KindCanSpeak, c.onConfirmation)
	c.registry.Register(event.KindSaid, c.onConfirmation)
	c.registry.Register(event.KindLookedAt, c.onConfirmation)
	c.registry.Register(event.KindManipulates, c.onConfirmation)
	c.registry.Register(event.KindPerception, c.onConfirmation)
	c.registry.Register(event.KindRoomComplete, c.onRoomComplete)
	c.registry.Register(event.KindServerParameters, c.onServerParameters)
	c.registry.Register(event.KindSessionClosed, c.onSessionClosed)
	return c
}

// Room returns the client's current room copy (nil before enter_room).
func (c *Client) Room() *world.Room { return c.room }

// Rack returns the client's inventory rack.
func (c *Client) Rack() *world.Rack { return c.rack }

// Awaiting reports whether an attempt is outstanding.
func (c *Client) Awaiting() bool { return c.awaiting }

// ShutdownRequested reports whether the server terminated the session.
func (c *Client) ShutdownRequested() bool { return c.shutdown }

// InitMessage builds the session-opening attempt and arms the
// confirmation gate.
func (c *Client) InitMessage() event.Message {
	c.awaiting = true
	return event.NewMessage(event.Event{Kind: event.KindInit, ID: c.PlayerID})
}

// HandleServerMessage dispatches one inbound message in list order, then
// flushes the presentation batch. The returned message carries anything
// to send back to the server (normally empty: the client engine reacts,
// it does not echo).
func (c *Client) HandleServerMessage(msg event.Message) event.Message {
	c.presentBuf = c.presentBuf[:0]
	for _, ev := range msg.Events() {
		var buf event.Message
		if err := c.registry.Dispatch(ev, &buf); err != nil {
			c.log.Error("事件處理失敗", zap.Stringer("kind", ev.Kind), zap.Error(err))
			continue
		}
		c.presentBuf = append(c.presentBuf, buf.Events()...)
	}
	c.flushPresentation()
	return event.Message{}
}

// flushPresentation delivers the buffered batch to the presenter. A
// terminal can_speak must be the last thing rendered in a batch, so it is
// moved to the end here; the Message itself enforces no ordering.
func (c *Client) flushPresentation() {
	if c.presenter == nil {
		c.presentBuf = c.presentBuf[:0]
		return
	}
	var canSpeak []event.Event
	for _, ev := range c.presentBuf {
		if ev.Kind == event.KindCanSpeak {
			canSpeak = append(canSpeak, ev)
			continue
		}
		c.presenter.Present(ev)
	}
	for _, ev := range canSpeak {
		c.presenter.Present(ev)
	}
	c.presentBuf = c.presentBuf[:0]
}

// Attempt gates player input through the confirmation discipline. While
// an attempt is outstanding further input is withheld; a repeated attempt
// starts the silence timer and, past the threshold, surfaces a "server
// not responding" notice and resets the timer without changing state.
// Orthogonally-adjacent moves onto walkable tiles are applied locally
// before confirmation (prediction); everything else waits for the server.
func (c *Client) Attempt(ev event.Event) (event.Message, bool) {
	if c.awaiting {
		if c.firstRepeatAt.IsZero() {
			c.firstRepeatAt = c.now()
		} else if c.now().Sub(c.firstRepeatAt) >= c.awaitTimeout {
			c.log.Warn("伺服器無回應", zap.Duration("timeout", c.awaitTimeout))
			if c.presenter != nil {
				c.presenter.Present(event.Event{
					Kind: event.KindPerception,
					ID:   c.PlayerID,
					Text: "The server is not responding.",
				})
			}
			c.firstRepeatAt = c.now()
		}
		return event.Message{}, false
	}

	if ev.Kind == event.KindTriesToMove {
		c.maybePredict(ev)
	}

	c.awaiting = true
	c.firstRepeatAt = time.Time{}
	return event.NewMessage(ev), true
}

// maybePredict applies an eligible move locally and caches the pre-move
// location plus the predicted confirmation. Only orthogonal unit vectors
// qualify; diagonal or multi-step targets always wait for the server.
func (c *Client) maybePredict(ev event.Event) {
	if c.room == nil {
		return
	}
	cur, ok := c.room.LocationOf(c.PlayerID)
	if !ok {
		return
	}
	dx, dy := ev.Location.X-cur.X, ev.Location.Y-cur.Y
	if dx*dx+dy*dy != 1 {
		return
	}
	if !c.room.TileIsWalkable(ev.Location) {
		return
	}
	moved := event.Event{Kind: event.KindMovesTo, ID: c.PlayerID, Location: ev.Location}
	if err := c.room.MovesTo(c.PlayerID, ev.Location); err != nil {
		c.log.Error("本地預測失敗", zap.Error(err))
		return
	}
	c.predicted = &predictedMove{preMove: cur, ev: moved}
	if c.presenter != nil {
		c.presenter.Present(moved)
	}
}

// clearAwaiting leaves the awaiting-confirmation state if the event
// concerns the local player.
func (c *Client) clearAwaiting(ev event.Event) {
	if ev.ID == c.PlayerID {
		c.awaiting = false
		c.firstRepeatAt = time.Time{}
	}
}

// ── Handlers ──────────────────────────────────────────────────────

func (c *Client) onEnterRoom(ev event.Event, out *event.Message) error {
	c.room = world.NewRoom(ev.Room)
	// Pending confirmation state no longer applies in the new room.
	c.awaiting = false
	c.predicted = nil
	c.firstRepeatAt = time.Time{}
	// Foreign inventories are meaningless now; keep only our own items.
	c.rack.Prune(c.PlayerID)
	// Buffered presentation events are stale except the narrow allow-list.
	kept := c.presentBuf[:0]
	for _, buffered := range c.presentBuf {
		if buffered.Kind == event.KindChangeState || buffered.Kind == event.KindServerParameters {
			kept = append(kept, buffered)
		}
	}
	c.presentBuf = kept
	out.Append(ev)
	return nil
}

func (c *Client) onChangeMapElement(ev event.Event, out *event.Message) error {
	if c.room == nil {
		return errNoRoom(ev)
	}
	c.room.ChangeMapElement(ev.Tile, ev.Location)
	out.Append(ev)
	return nil
}

func (c *Client) onSpawn(ev event.Event, out *event.Message) error {
	if c.room == nil {
		return errNoRoom(ev)
	}
	if c.room.Entity(ev.Entity.ID) != nil {
		return nil // idempotent re-spawn, nothing to render
	}
	if err := c.room.Spawn(world.NewEntity(ev.Entity), ev.Location); err != nil {
		return err
	}
	out.Append(ev)
	return nil
}

func (c *Client) onDelete(ev event.Event, out *event.Message) error {
	if c.room == nil {
		return errNoRoom(ev)
	}
	if err := c.room.Delete(ev.ID); err != nil {
		return err
	}
	out.Append(ev)
	return nil
}

func (c *Client) onChangeState(ev event.Event, out *event.Message) error {
	if c.room == nil {
		return errNoRoom(ev)
	}
	entity := c.room.Entity(ev.ID)
	if entity == nil {
		return errUnknownEntity(ev)
	}
	entity.State = ev.State
	out.Append(ev)
	return nil
}

func (c *Client) onMovesTo(ev event.Event, out *event.Message) error {
	c.clearAwaiting(ev)
	if c.room == nil {
		return errNoRoom(ev)
	}
	if c.predicted != nil && ev.ID == c.PlayerID && c.predicted.ev.Equal(ev) {
		// The server confirmed exactly what we predicted: already applied,
		// already rendered. Just drop the cache.
		c.predicted = nil
		return nil
	}
	if err := c.room.MovesTo(ev.ID, ev.Location); err != nil {
		return err
	}
	out.Append(ev)
	return nil
}

func (c *Client) onAttemptFailed(ev event.Event, out *event.Message) error {
	c.clearAwaiting(ev)
	if ev.ID == c.PlayerID && c.predicted != nil {
		// Roll the predicted move back by replaying the pre-move location.
		if c.room != nil {
			if err := c.room.MovesTo(c.PlayerID, c.predicted.preMove); err != nil {
				c.log.Error("回滾失敗", zap.Error(err))
			} else {
				out.Append(event.Event{
					Kind:     event.KindMovesTo,
					ID:       c.PlayerID,
					Location: c.predicted.preMove,
				})
			}
		}
		c.predicted = nil
	}
	out.Append(ev)
	return nil
}

func (c *Client) onPicksUp(ev event.Event, out *event.Message) error {
	c.clearAwaiting(ev)
	if c.room == nil {
		return errNoRoom(ev)
	}
	if err := applyPicksUp(c.room, c.rack, ev); err != nil {
		return err
	}
	out.Append(ev)
	return nil
}

func (c *Client) onDrops(ev event.Event, out *event.Message) error {
	c.clearAwaiting(ev)
	if c.room == nil {
		return errNoRoom(ev)
	}
	if err := applyDrops(c.room, c.rack, ev); err != nil {
		return err
	}
	out.Append(ev)
	return nil
}

func (c *Client) onConfirmation(ev event.Event, out *event.Message) error {
	c.clearAwaiting(ev)
	out.Append(ev)
	return nil
}

func (c *Client) onRoomComplete(ev event.Event, out *event.Message) error {
	out.Append(ev)
	return nil
}

func (c *Client) onServerParameters(ev event.Event, out *event.Message) error {
	c.clearAwaiting(ev)
	if ev.Value > 0 {
		c.awaitTimeout = time.Duration(ev.Value * float64(time.Second))
	}
	out.Append(ev)
	return nil
}

func (c *Client) onSessionClosed(ev event.Event, out *event.Message) error {
	c.log.Info("伺服器關閉連線", zap.String("id", ev.ID))
	c.shutdown = true
	out.Append(ev)
	return nil
}

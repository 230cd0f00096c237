package engine

import (
	"sort"

	"github.com/gridrealm/server/internal/event"
	"github.com/gridrealm/server/internal/world"
	"go.uber.org/zap"
)

// Peer is one connected client as the server engine sees it: a stable
// connection key and an outbound buffer. net.Session and the websocket
// session both satisfy it; tests use in-memory fakes.
type Peer interface {
	Key() string
	Send(msg event.Message)
}

// RoomSetup describes how to populate a fresh room: the map-building
// events plus where entering players appear.
type RoomSetup struct {
	Events      []event.Event
	PlayerSpawn event.Location
}

// RoomSource resolves room identifiers to setup recipes. Implemented by
// the YAML room table in internal/data.
type RoomSource interface {
	Setup(id string) (RoomSetup, error)
}

// Server is the authoritative engine: a validation and forwarding gate in
// front of the pluggable game logic, plus the broadcast policy and the
// per-tick movement scheduler. All state is owned by the game-loop
// goroutine.
type Server struct {
	log   *zap.Logger
	logic Logic

	roomSource   RoomSource
	defaultRoom  string
	playerAsset  string
	awaitSeconds float64

	rack  *world.Rack
	rooms map[string]*world.Room
	sched *Scheduler

	registry *Registry

	peers    map[string]Peer
	roomOf   map[string]string // conn key → room id
	playerOf map[string]string // conn key → player entity id
	connOf   map[string]string // player entity id → conn key

	// cur is the connection whose message is being dispatched. Valid only
	// inside Process; the engine runs on a single goroutine.
	cur string
}

// ServerOptions carries the tunables the engine does not own.
type ServerOptions struct {
	DefaultRoom  string
	PlayerAsset  string
	AwaitSeconds float64
}

func NewServer(logic Logic, rooms RoomSource, opts ServerOptions, log *zap.Logger) *Server {
	if opts.DefaultRoom == "" {
		opts.DefaultRoom = "default"
	}
	if opts.AwaitSeconds <= 0 {
		opts.AwaitSeconds = DefaultAwaitTimeout.Seconds()
	}
	e := &Server{
		log:          log,
		logic:        logic,
		roomSource:   rooms,
		defaultRoom:  opts.DefaultRoom,
		playerAsset:  opts.PlayerAsset,
		awaitSeconds: opts.AwaitSeconds,
		rack:         world.NewRack(),
		rooms:        make(map[string]*world.Room),
		sched:        NewScheduler(),
		peers:        make(map[string]Peer),
		roomOf:       make(map[string]string),
		playerOf:     make(map[string]string),
		connOf:       make(map[string]string),
	}
	e.registry = NewRegistry(FailOnUnknown, log)
	// Anything not explicitly accepted from clients is a protocol
	// violation: logged, then rerouted to the plugin as an opaque
	// occurrence rather than crashing the connection.
	for _, k := range event.AllKinds() {
		e.registry.Register(k, e.onForbidden)
	}
	e.registry.Register(event.KindInit, e.onInit)
	e.registry.Register(event.KindTriesToMove, e.onTriesToMove)
	e.registry.Register(event.KindTriesToLookAt, e.onTriesToLookAt)
	e.registry.Register(event.KindTriesToTalkTo, e.onTriesToTalkTo)
	e.registry.Register(event.KindTriesToManipulate, e.onTriesToManipulate)
	e.registry.Register(event.KindTriesToPickUp, e.onTriesToPickUp)
	e.registry.Register(event.KindTriesToDrop, e.onTriesToDrop)
	e.registry.Register(event.KindSays, e.onSays)
	return e
}

// Rack exposes the server-side inventory store.
func (e *Server) Rack() *world.Rack { return e.rack }

// Room returns a loaded room by id, or nil.
func (e *Server) Room(id string) *world.Room { return e.rooms[id] }

// Scheduler exposes the movement scheduler (tests poke at it).
func (e *Server) Scheduler() *Scheduler { return e.sched }

// Connect registers a peer with the engine.
func (e *Server) Connect(p Peer) {
	e.peers[p.Key()] = p
	e.log.Info("連線註冊", zap.String("conn", p.Key()))
}

// Disconnect deregisters a peer, removing its player entity from its
// room and telling the remaining room members. A transport fault on one
// connection never touches the others.
func (e *Server) Disconnect(connKey string) {
	delete(e.peers, connKey)
	playerID := e.playerOf[connKey]
	roomID := e.roomOf[connKey]
	delete(e.playerOf, connKey)
	delete(e.roomOf, connKey)
	if playerID != "" {
		delete(e.connOf, playerID)
		e.sched.Cancel(playerID)
	}
	room := e.rooms[roomID]
	if room == nil {
		return
	}
	room.UnregisterClient(connKey)
	if playerID != "" && room.Entity(playerID) != nil {
		if err := room.Delete(playerID); err != nil {
			e.log.Error("離線清理失敗", zap.Error(err))
			return
		}
		gone := event.NewMessage(event.Event{Kind: event.KindDelete, ID: playerID})
		for _, other := range room.ActiveClients() {
			if p := e.peers[other]; p != nil {
				p.Send(gone)
			}
		}
	}
	e.log.Info("連線移除", zap.String("conn", connKey), zap.String("player", playerID))
}

// Process dispatches one inbound message from a connection, in list
// order, then routes the resulting batch: everything to the originator,
// a filtered subset to the other clients active in the same room.
func (e *Server) Process(connKey string, msg event.Message) {
	e.cur = connKey
	var out event.Message
	for _, ev := range msg.Events() {
		if err := e.registry.Dispatch(ev, &out); err != nil {
			e.log.Error("事件處理失敗", zap.Stringer("kind", ev.Kind), zap.Error(err))
		}
	}
	e.cur = ""
	e.route(connKey, out)
}

// Tick runs the movement scheduler once and delivers the scheduled steps
// to every client active in the affected rooms.
func (e *Server) Tick() {
	steps := e.sched.Tick(func(id string) *world.Room { return e.rooms[id] })
	if len(steps) == 0 {
		return
	}
	perRoom := make(map[string][]event.Event)
	for _, st := range steps {
		room := e.rooms[st.RoomID]
		if room == nil {
			continue
		}
		if err := room.MovesTo(st.Ev.ID, st.Ev.Location); err != nil {
			e.log.Error("排程移動失敗", zap.Error(err))
			continue
		}
		perRoom[st.RoomID] = append(perRoom[st.RoomID], st.Ev)
	}
	for roomID, events := range perRoom {
		msg := event.NewMessage(events...)
		for _, conn := range e.rooms[roomID].ActiveClients() {
			if p := e.peers[conn]; p != nil {
				p.Send(msg)
			}
		}
	}
}

// broadcastable is the subset of confirmations every other client in the
// room cares about.
func broadcastable(k event.Kind) bool {
	switch k {
	case event.KindMovesTo, event.KindPicksUp, event.KindDrops, event.KindSaid,
		event.KindSpawn, event.KindDelete, event.KindChangeState,
		event.KindChangeMapElement:
		return true
	}
	return false
}

// route sends the full batch to the originator, then rebroadcasts the
// filtered subset to the rest of the room. Events between an enter_room
// and the next room_complete are one client's initial room population,
// suppressed so established clients are not spammed with it. The
// suppression toggle is known to be fragile under fully concurrent
// multi-room topologies; it matches the documented single-room behavior.
func (e *Server) route(origin string, out event.Message) {
	if out.Empty() {
		return
	}
	if p := e.peers[origin]; p != nil {
		p.Send(out)
	}

	roomID := e.roomOf[origin]
	room := e.rooms[roomID]
	if room == nil {
		return
	}

	var subset []event.Event
	skip := false
	for _, ev := range out.Events() {
		switch ev.Kind {
		case event.KindEnterRoom:
			skip = true
			continue
		case event.KindRoomComplete:
			skip = false
			continue
		}
		if skip || !broadcastable(ev.Kind) {
			continue
		}
		subset = append(subset, ev)
	}
	if len(subset) == 0 {
		return
	}
	msg := event.NewMessage(subset...)
	for _, conn := range room.ActiveClients() {
		if conn == origin {
			continue
		}
		if p := e.peers[conn]; p != nil {
			p.Send(msg)
		}
	}
}

// ── Attempt handlers ──────────────────────────────────────────────

func (e *Server) onForbidden(ev event.Event, out *event.Message) error {
	e.log.Warn("客戶端發送不允許的事件",
		zap.Stringer("kind", ev.Kind),
		zap.String("conn", e.cur),
	)
	ctx := &LogicContext{Room: e.rooms[e.roomOf[e.cur]], Rack: e.rack, ActorID: e.playerOf[e.cur]}
	var lout event.Message
	if err := e.logic.HandleAttempt(ctx, ev, &lout); err != nil {
		return err
	}
	e.applyResults(e.roomOf[e.cur], lout, out)
	return nil
}

func (e *Server) onInit(ev event.Event, out *event.Message) error {
	conn := e.cur
	playerID := ev.ID
	if prev, ok := e.playerOf[conn]; ok && prev != playerID {
		// The connection is re-identifying: its previous player leaves the
		// world, not just the bookkeeping.
		delete(e.connOf, prev)
		e.sched.Cancel(prev)
		if room := e.rooms[e.roomOf[conn]]; room != nil && room.Entity(prev) != nil {
			if err := room.Delete(prev); err != nil {
				return err
			}
			gone := event.NewMessage(event.Event{Kind: event.KindDelete, ID: prev})
			for _, other := range room.ActiveClients() {
				if other == conn {
					continue
				}
				if p := e.peers[other]; p != nil {
					p.Send(gone)
				}
			}
		}
	}
	e.playerOf[conn] = playerID
	e.connOf[playerID] = conn

	roomID := e.roomOf[conn]
	if roomID == "" {
		roomID = e.defaultRoom
	}
	return e.enterRoom(conn, playerID, roomID, out)
}

// enterRoom loads the room if needed, migrates the connection's
// registration, and emits the full room-population sequence. Re-entering
// the current room is idempotent: state is preserved, the registration is
// not duplicated, and the setup events re-apply as no-ops client-side.
func (e *Server) enterRoom(conn, playerID, roomID string, out *event.Message) error {
	setup, err := e.roomSource.Setup(roomID)
	if err != nil {
		e.log.Error("房間載入失敗", zap.String("room", roomID), zap.Error(err))
		out.Append(event.Event{Kind: event.KindAttemptFailed, ID: playerID})
		return nil
	}

	room := e.rooms[roomID]
	if room == nil {
		room = world.NewRoom(roomID)
		for _, sev := range setup.Events {
			switch sev.Kind {
			case event.KindChangeMapElement:
				room.ChangeMapElement(sev.Tile, sev.Location)
			case event.KindSpawn:
				if err := room.Spawn(world.NewEntity(sev.Entity), sev.Location); err != nil {
					return err
				}
			}
		}
		e.rooms[roomID] = room
		e.log.Info("房間載入完成", zap.String("room", roomID))
	}

	// Migrate registration when the connection changes rooms.
	if prior := e.roomOf[conn]; prior != "" && prior != roomID {
		if priorRoom := e.rooms[prior]; priorRoom != nil {
			priorRoom.UnregisterClient(conn)
			if priorRoom.Entity(playerID) != nil {
				if err := priorRoom.Delete(playerID); err != nil {
					return err
				}
				gone := event.NewMessage(event.Event{Kind: event.KindDelete, ID: playerID})
				for _, other := range priorRoom.ActiveClients() {
					if p := e.peers[other]; p != nil {
						p.Send(gone)
					}
				}
			}
		}
		e.sched.Cancel(playerID)
	}
	e.roomOf[conn] = roomID
	room.RegisterClient(conn)

	out.Append(event.Event{Kind: event.KindEnterRoom, ID: playerID, Room: roomID})

	// Floor plan, in deterministic row-major order.
	locs := make([]event.Location, 0)
	room.EachElement(func(loc event.Location, _ *world.FloorPlanElement) {
		locs = append(locs, loc)
	})
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].Y != locs[j].Y {
			return locs[i].Y < locs[j].Y
		}
		return locs[i].X < locs[j].X
	})
	for _, loc := range locs {
		out.Append(event.Event{
			Kind:     event.KindChangeMapElement,
			Tile:     room.ElementAt(loc).Tile,
			Location: loc,
		})
	}

	// Existing entities, then the entering player.
	newcomer := room.Entity(playerID) == nil
	type placed struct {
		spec event.EntitySpec
		loc  event.Location
	}
	var occupants []placed
	room.EachEntity(func(ent *world.Entity, loc event.Location) {
		occupants = append(occupants, placed{spec: ent.Spec(), loc: loc})
	})
	sort.Slice(occupants, func(i, j int) bool { return occupants[i].spec.ID < occupants[j].spec.ID })
	for _, o := range occupants {
		out.Append(event.Event{Kind: event.KindSpawn, ID: o.spec.ID, Entity: o.spec, Location: o.loc})
	}

	playerSpec := event.EntitySpec{Kind: event.EntityPlayer, ID: playerID, Asset: e.playerAsset}
	if newcomer {
		if err := room.Spawn(world.NewEntity(playerSpec), setup.PlayerSpawn); err != nil {
			return err
		}
		out.Append(event.Event{Kind: event.KindSpawn, ID: playerID, Entity: playerSpec, Location: setup.PlayerSpawn})
	}

	out.Append(event.Event{Kind: event.KindRoomComplete})

	// The population above is suppressed from rebroadcast, so announce a
	// newcomer once more outside the suppression window. Established
	// clients see one spawn; the originator applies it as an idempotent
	// no-op.
	if newcomer {
		out.Append(event.Event{Kind: event.KindSpawn, ID: playerID, Entity: playerSpec, Location: setup.PlayerSpawn})
	}

	out.Append(event.Event{Kind: event.KindServerParameters, ID: playerID, Value: e.awaitSeconds})
	return nil
}

// actor resolves the acting player and room for the current connection.
// Attempts arriving before init, or claiming a foreign identifier, are
// protocol violations.
func (e *Server) actor(ev event.Event, out *event.Message) (string, string, *world.Room, bool) {
	playerID := e.playerOf[e.cur]
	roomID := e.roomOf[e.cur]
	room := e.rooms[roomID]
	if playerID == "" || room == nil || ev.ID != playerID {
		e.log.Warn("嘗試事件來源不合法",
			zap.Stringer("kind", ev.Kind),
			zap.String("claimed", ev.ID),
			zap.String("conn", e.cur),
		)
		out.Append(event.Event{Kind: event.KindAttemptFailed, ID: ev.ID})
		return "", "", nil, false
	}
	return playerID, roomID, room, true
}

func (e *Server) forward(roomID string, room *world.Room, actorID string, ev event.Event, out *event.Message) (event.Message, error) {
	ctx := &LogicContext{Room: room, Rack: e.rack, ActorID: actorID}
	var lout event.Message
	if err := e.logic.HandleAttempt(ctx, ev, &lout); err != nil {
		return event.Message{}, err
	}
	e.applyResults(roomID, lout, out)
	return lout, nil
}

// applyResults mutates the authoritative world with the plugin's
// confirmations, then appends them to the outgoing batch. Apply failures
// are internal contract breaches: logged, and the event is withheld so
// clients never see a confirmation the server did not apply.
func (e *Server) applyResults(roomID string, results event.Message, out *event.Message) {
	room := e.rooms[roomID]
	for _, ev := range results.Events() {
		var err error
		switch ev.Kind {
		case event.KindMovesTo:
			if room != nil {
				err = room.MovesTo(ev.ID, ev.Location)
			}
		case event.KindPicksUp:
			if room != nil {
				e.sched.Cancel(ev.Item)
				err = applyPicksUp(room, e.rack, ev)
			}
		case event.KindDrops:
			if room != nil {
				err = applyDrops(room, e.rack, ev)
			}
		case event.KindSpawn:
			if room != nil {
				err = room.Spawn(world.NewEntity(ev.Entity), ev.Location)
			}
		case event.KindDelete:
			if room != nil {
				e.sched.Cancel(ev.ID)
				err = room.Delete(ev.ID)
			}
		case event.KindChangeState:
			if room != nil {
				if entity := room.Entity(ev.ID); entity != nil {
					entity.State = ev.State
				} else {
					err = errUnknownEntity(ev)
				}
			}
		case event.KindChangeMapElement:
			if room != nil {
				room.ChangeMapElement(ev.Tile, ev.Location)
			}
		case event.KindEnterRoom:
			// Plugin-driven room transition for the acting connection.
			if err = e.enterRoom(e.connOf[ev.ID], ev.ID, ev.Room, out); err == nil {
				continue
			}
		}
		if err != nil {
			e.log.Error("內部狀態違約", zap.Stringer("kind", ev.Kind), zap.Error(err))
			continue
		}
		out.Append(ev)
	}
}

func containsFailureFor(msg event.Message, id string) bool {
	for _, ev := range msg.Events() {
		if ev.Kind == event.KindAttemptFailed && ev.ID == id {
			return true
		}
	}
	return false
}

func containsMoveFor(msg event.Message, id string) bool {
	for _, ev := range msg.Events() {
		if ev.Kind == event.KindMovesTo && ev.ID == id {
			return true
		}
	}
	return false
}

func (e *Server) onTriesToMove(ev event.Event, out *event.Message) error {
	actorID, roomID, room, ok := e.actor(ev, out)
	if !ok {
		return nil
	}
	if !room.TileIsWalkable(ev.Location) {
		out.Append(event.Event{Kind: event.KindAttemptFailed, ID: actorID})
		return nil
	}
	lout, err := e.forward(roomID, room, actorID, ev, out)
	if err != nil {
		return err
	}
	// The scheduler walks the entity unless the plugin already decided
	// the outcome itself.
	if !containsFailureFor(lout, actorID) && !containsMoveFor(lout, actorID) {
		e.sched.SetTarget(roomID, actorID, ev.Location)
	}
	return nil
}

func (e *Server) onTriesToLookAt(ev event.Event, out *event.Message) error {
	actorID, roomID, room, ok := e.actor(ev, out)
	if !ok {
		return nil
	}
	occupants := room.OccupantsAt(ev.Location)
	if len(occupants) == 0 {
		out.Append(event.Event{Kind: event.KindAttemptFailed, ID: actorID})
		return nil
	}
	// Every occupant yields a paired looked_at plus a rewritten attempt.
	for _, occ := range occupants {
		out.Append(event.Event{Kind: event.KindLookedAt, ID: actorID, TargetID: occ.ID})
		rewritten := ev
		rewritten.TargetID = occ.ID
		if _, err := e.forward(roomID, room, actorID, rewritten, out); err != nil {
			return err
		}
	}
	return nil
}

func (e *Server) onTriesToTalkTo(ev event.Event, out *event.Message) error {
	actorID, roomID, room, ok := e.actor(ev, out)
	if !ok {
		return nil
	}
	occupants := room.OccupantsAt(ev.Location)
	if len(occupants) == 0 {
		out.Append(event.Event{Kind: event.KindAttemptFailed, ID: actorID})
		return nil
	}
	rewritten := ev
	rewritten.TargetID = occupants[len(occupants)-1].ID
	_, err := e.forward(roomID, room, actorID, rewritten, out)
	return err
}

// firstItemAt finds the first blocking or non-blocking item occupying a
// location.
func firstItemAt(room *world.Room, loc event.Location) *world.Entity {
	for _, occ := range room.OccupantsAt(loc) {
		if occ.Kind == event.EntityItemBlock || occ.Kind == event.EntityItemNoBlock {
			return occ
		}
	}
	return nil
}

func (e *Server) onTriesToManipulate(ev event.Event, out *event.Message) error {
	actorID, roomID, room, ok := e.actor(ev, out)
	if !ok {
		return nil
	}
	item := firstItemAt(room, ev.Location)
	if item == nil {
		out.Append(event.Event{Kind: event.KindAttemptFailed, ID: actorID})
		return nil
	}
	rewritten := ev
	rewritten.TargetID = item.ID
	_, err := e.forward(roomID, room, actorID, rewritten, out)
	return err
}

func (e *Server) onTriesToPickUp(ev event.Event, out *event.Message) error {
	actorID, roomID, room, ok := e.actor(ev, out)
	if !ok {
		return nil
	}
	item := firstItemAt(room, ev.Location)
	if item == nil {
		out.Append(event.Event{Kind: event.KindAttemptFailed, ID: actorID})
		return nil
	}
	rewritten := ev
	rewritten.TargetID = item.ID
	_, err := e.forward(roomID, room, actorID, rewritten, out)
	return err
}

func (e *Server) onTriesToDrop(ev event.Event, out *event.Message) error {
	actorID, roomID, room, ok := e.actor(ev, out)
	if !ok {
		return nil
	}
	// Stage 1: the target coordinate must be known floor.
	elem := room.ElementAt(ev.Location)
	if elem == nil || elem.Tile.Kind != event.TileFloor {
		out.Append(event.Event{Kind: event.KindAttemptFailed, ID: actorID})
		return nil
	}
	// Stage 2: dropping onto an occupied cell targets the occupant.
	rewritten := ev
	if len(elem.Entities) > 0 {
		rewritten.TargetID = elem.Entities[0].ID
	}
	// Stage 3: the item must be racked under the requester, or still
	// physically in the room.
	if owner, racked := e.rack.Owner(ev.Item); racked {
		if owner != actorID {
			out.Append(event.Event{Kind: event.KindAttemptFailed, ID: actorID})
			return nil
		}
	} else if room.Entity(ev.Item) == nil {
		out.Append(event.Event{Kind: event.KindAttemptFailed, ID: actorID})
		return nil
	}
	_, err := e.forward(roomID, room, actorID, rewritten, out)
	return err
}

func (e *Server) onSays(ev event.Event, out *event.Message) error {
	actorID, roomID, room, ok := e.actor(ev, out)
	if !ok {
		return nil
	}
	_, err := e.forward(roomID, room, actorID, ev, out)
	return err
}

// ShutdownNotice builds the terminal message telling clients the session
// is closed by the server, distinct from a transport error.
func (e *Server) ShutdownNotice() event.Message {
	return event.NewMessage(event.Event{Kind: event.KindSessionClosed})
}

// Peers returns every registered peer. The main loop uses it for the
// final flush on shutdown.
func (e *Server) Peers() []Peer {
	out := make([]Peer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p)
	}
	return out
}

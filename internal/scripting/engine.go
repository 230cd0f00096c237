package scripting

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/gridrealm/server/internal/engine"
	"github.com/gridrealm/server/internal/event"
)

// Engine wraps a single gopher-lua VM for game logic execution.
// Single-goroutine access only (game loop).
type Engine struct {
	vm  *lua.LState
	log *zap.Logger
}

// NewEngine creates a Lua engine and loads all scripts from the given
// directory. Subdirectories named lib/ load first so scripts can share
// helpers.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})

	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}

	if err := e.loadDir(filepath.Join(scriptsDir, "lib")); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load lib scripts: %w", err)
	}
	if err := e.loadDir(scriptsDir); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load scripts: %w", err)
	}

	if vm.GetGlobal("handle_attempt") == lua.LNil {
		vm.Close()
		return nil, fmt.Errorf("scripts in %s define no handle_attempt function", scriptsDir)
	}

	return e, nil
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// HandleAttempt calls the Lua handle_attempt(ctx, attempt) function and
// appends the returned events to out. A script failure yields a single
// failure event for the actor so the client is never left waiting.
func (e *Engine) HandleAttempt(ctx *engine.LogicContext, ev event.Event, out *event.Message) error {
	fn := e.vm.GetGlobal("handle_attempt")
	if fn == lua.LNil {
		e.log.Error("lua function handle_attempt not found")
		out.Append(event.Event{Kind: event.KindAttemptFailed, ID: ctx.ActorID})
		return nil
	}

	ctxTbl := e.buildContext(ctx, ev)
	attemptTbl := e.eventToTable(ev)

	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, ctxTbl, attemptTbl); err != nil {
		e.log.Error("lua handle_attempt error", zap.Error(err), zap.Stringer("kind", ev.Kind))
		out.Append(event.Event{Kind: event.KindAttemptFailed, ID: ctx.ActorID})
		return nil
	}

	result := e.vm.Get(-1)
	e.vm.Pop(1)

	if result == lua.LNil {
		return nil
	}
	rt, ok := result.(*lua.LTable)
	if !ok {
		e.log.Error("lua handle_attempt returned non-table")
		out.Append(event.Event{Kind: event.KindAttemptFailed, ID: ctx.ActorID})
		return nil
	}

	var parseErr error
	rt.ForEach(func(_, v lua.LValue) {
		row, ok := v.(*lua.LTable)
		if !ok {
			return
		}
		parsed, err := e.eventFromTable(row)
		if err != nil {
			parseErr = err
			return
		}
		out.Append(parsed)
	})
	if parseErr != nil {
		e.log.Error("lua handle_attempt returned bad event", zap.Error(parseErr))
		return parseErr
	}
	return nil
}

// buildContext pre-packs the actor's surroundings into a plain data table.
// Scripts never hold references into Go state.
func (e *Engine) buildContext(ctx *engine.LogicContext, ev event.Event) *lua.LTable {
	t := e.vm.NewTable()
	t.RawSetString("actor_id", lua.LString(ctx.ActorID))

	if ctx.Room != nil {
		t.RawSetString("room_id", lua.LString(ctx.Room.ID))
		if loc, ok := ctx.Room.LocationOf(ctx.ActorID); ok {
			t.RawSetString("actor_x", lua.LNumber(loc.X))
			t.RawSetString("actor_y", lua.LNumber(loc.Y))
		}
		if ev.TargetID != "" {
			if target := ctx.Room.Entity(ev.TargetID); target != nil {
				tgt := e.vm.NewTable()
				tgt.RawSetString("id", lua.LString(target.ID))
				tgt.RawSetString("kind", lua.LString(target.Kind.String()))
				tgt.RawSetString("asset", lua.LString(target.Asset))
				tgt.RawSetString("state", lua.LString(target.State))
				t.RawSetString("target", tgt)
			}
		}
	}

	if ctx.Rack != nil {
		inv := e.vm.NewTable()
		for i, id := range ctx.Rack.OwnedBy(ctx.ActorID) {
			inv.RawSetInt(i+1, lua.LString(id))
		}
		t.RawSetString("inventory", inv)
		if ev.Item != "" {
			if owner, ok := ctx.Rack.Owner(ev.Item); ok {
				t.RawSetString("item_owner", lua.LString(owner))
			}
		}
	}

	return t
}

func (e *Engine) eventToTable(ev event.Event) *lua.LTable {
	t := e.vm.NewTable()
	t.RawSetString("kind", lua.LString(ev.Kind.String()))
	t.RawSetString("id", lua.LString(ev.ID))
	t.RawSetString("x", lua.LNumber(ev.Location.X))
	t.RawSetString("y", lua.LNumber(ev.Location.Y))
	if ev.TargetID != "" {
		t.RawSetString("target_id", lua.LString(ev.TargetID))
	}
	if ev.Item != "" {
		t.RawSetString("item", lua.LString(ev.Item))
	}
	if ev.Text != "" {
		t.RawSetString("text", lua.LString(ev.Text))
	}
	if len(ev.Words) > 0 {
		words := e.vm.NewTable()
		for i, w := range ev.Words {
			words.RawSetInt(i+1, lua.LString(w))
		}
		t.RawSetString("words", words)
	}
	if ev.Value != 0 {
		t.RawSetString("value", lua.LNumber(ev.Value))
	}
	if ev.State != "" {
		t.RawSetString("state", lua.LString(ev.State))
	}
	if ev.Room != "" {
		t.RawSetString("room", lua.LString(ev.Room))
	}
	return t
}

func (e *Engine) eventFromTable(t *lua.LTable) (event.Event, error) {
	var kind event.Kind
	name := lStr(t, "kind")
	if err := kind.UnmarshalText([]byte(name)); err != nil {
		return event.Event{}, err
	}

	ev := event.Event{
		Kind: kind,
		ID:   lStr(t, "id"),
		Location: event.Location{
			X: lInt(t, "x"),
			Y: lInt(t, "y"),
		},
		TargetID: lStr(t, "target_id"),
		Item:     lStr(t, "item"),
		Text:     lStr(t, "text"),
		Value:    float64(lua.LVAsNumber(t.RawGetString("value"))),
		State:    lStr(t, "state"),
		Room:     lStr(t, "room"),
	}

	if wordsVal, ok := t.RawGetString("words").(*lua.LTable); ok {
		wordsVal.ForEach(func(_, v lua.LValue) {
			ev.Words = append(ev.Words, lua.LVAsString(v))
		})
	}

	if entVal, ok := t.RawGetString("entity").(*lua.LTable); ok {
		var ek event.EntityKind
		if err := ek.UnmarshalText([]byte(lStr(entVal, "kind"))); err != nil {
			return event.Event{}, err
		}
		ev.Entity = event.EntitySpec{
			Kind:  ek,
			ID:    lStr(entVal, "id"),
			Asset: lStr(entVal, "asset"),
			State: lStr(entVal, "state"),
		}
	}

	if tileVal, ok := t.RawGetString("tile").(*lua.LTable); ok {
		var tk event.TileKind
		if err := tk.UnmarshalText([]byte(lStr(tileVal, "kind"))); err != nil {
			return event.Event{}, err
		}
		ev.Tile = event.Tile{Kind: tk, Asset: lStr(tileVal, "asset")}
	}

	return ev, nil
}

// --- Lua helpers ---

// lInt reads an integer field from a Lua table.
func lInt(t *lua.LTable, key string) int {
	return int(lua.LVAsNumber(t.RawGetString(key)))
}

// lStr reads a string field from a Lua table.
func lStr(t *lua.LTable, key string) string {
	return lua.LVAsString(t.RawGetString(key))
}

// Close shuts down the Lua VM.
func (e *Engine) Close() {
	e.vm.Close()
}

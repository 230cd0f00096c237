package data

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/gridrealm/server/internal/engine"
	"github.com/gridrealm/server/internal/event"
)

// TileDef maps a legend rune to a concrete tile.
type TileDef struct {
	Kind  string `yaml:"kind"` // floor | obstacle
	Asset string `yaml:"asset"`
}

// EntityDef places one entity into a room at load time.
type EntityDef struct {
	ID    string `yaml:"id"`
	Kind  string `yaml:"kind"` // player | npc | item_block | item_noblock
	Asset string `yaml:"asset"`
	State string `yaml:"state"`
	X     int    `yaml:"x"`
	Y     int    `yaml:"y"`
}

// RoomDef is one room as authored in YAML: a legend of runes, an ASCII
// grid built from those runes, the spot where entering players appear,
// and the initial entity population.
type RoomDef struct {
	ID          string             `yaml:"id"`
	Legend      map[string]TileDef `yaml:"legend"`
	Grid        []string           `yaml:"grid"`
	PlayerSpawn struct {
		X int `yaml:"x"`
		Y int `yaml:"y"`
	} `yaml:"player_spawn"`
	Entities []EntityDef `yaml:"entities"`
}

type roomListFile struct {
	Rooms []RoomDef `yaml:"rooms"`
}

// RoomTable holds all room definitions indexed by ID. It implements the
// server engine's room source.
type RoomTable struct {
	defs map[string]*RoomDef
}

// LoadRoomTable loads every .yaml file in a directory. Files load in
// name order; a room ID defined twice is an authoring error.
func LoadRoomTable(dir string) (*RoomTable, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rooms dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ext := filepath.Ext(entry.Name()); ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	t := &RoomTable{defs: make(map[string]*RoomDef)}
	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var f roomListFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		for i := range f.Rooms {
			def := &f.Rooms[i]
			if def.ID == "" {
				return nil, fmt.Errorf("%s: room with empty id", path)
			}
			if _, dup := t.defs[def.ID]; dup {
				return nil, fmt.Errorf("%s: duplicate room id %q", path, def.ID)
			}
			if err := validateRoom(def); err != nil {
				return nil, fmt.Errorf("%s: room %q: %w", path, def.ID, err)
			}
			t.defs[def.ID] = def
		}
	}
	return t, nil
}

// Count returns the number of loaded room definitions.
func (t *RoomTable) Count() int {
	return len(t.defs)
}

// IDs returns all loaded room IDs, sorted.
func (t *RoomTable) IDs() []string {
	ids := make([]string, 0, len(t.defs))
	for id := range t.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Setup builds the event sequence populating a fresh instance of the
// room: floor plan first in row-major order, then entity placements.
func (t *RoomTable) Setup(id string) (engine.RoomSetup, error) {
	def, ok := t.defs[id]
	if !ok {
		return engine.RoomSetup{}, fmt.Errorf("unknown room %q", id)
	}

	var setup engine.RoomSetup
	setup.PlayerSpawn = event.Location{X: def.PlayerSpawn.X, Y: def.PlayerSpawn.Y}

	for y, row := range def.Grid {
		x := 0
		for _, r := range row {
			tile := def.Legend[string(r)]
			kind := event.TileFloor
			if tile.Kind == "obstacle" {
				kind = event.TileObstacle
			}
			setup.Events = append(setup.Events, event.Event{
				Kind:     event.KindChangeMapElement,
				Tile:     event.Tile{Kind: kind, Asset: tile.Asset},
				Location: event.Location{X: x, Y: y},
			})
			x++
		}
	}

	for _, ent := range def.Entities {
		var kind event.EntityKind
		if err := kind.UnmarshalText([]byte(ent.Kind)); err != nil {
			return engine.RoomSetup{}, err
		}
		setup.Events = append(setup.Events, event.Event{
			Kind: event.KindSpawn,
			ID:   ent.ID,
			Entity: event.EntitySpec{
				Kind:  kind,
				ID:    ent.ID,
				Asset: ent.Asset,
				State: ent.State,
			},
			Location: event.Location{X: ent.X, Y: ent.Y},
		})
	}

	return setup, nil
}

func validateRoom(def *RoomDef) error {
	if len(def.Grid) == 0 {
		return fmt.Errorf("empty grid")
	}
	width := len([]rune(def.Grid[0]))
	for y, row := range def.Grid {
		runes := []rune(row)
		if len(runes) != width {
			return fmt.Errorf("grid row %d has %d cells, want %d", y, len(runes), width)
		}
		for x, r := range runes {
			tile, ok := def.Legend[string(r)]
			if !ok {
				return fmt.Errorf("grid cell (%d,%d): rune %q not in legend", x, y, string(r))
			}
			switch tile.Kind {
			case "floor", "obstacle":
			default:
				return fmt.Errorf("legend %q: unknown tile kind %q", string(r), tile.Kind)
			}
		}
	}

	sx, sy := def.PlayerSpawn.X, def.PlayerSpawn.Y
	if sy < 0 || sy >= len(def.Grid) || sx < 0 || sx >= width {
		return fmt.Errorf("player_spawn (%d,%d) outside grid", sx, sy)
	}
	if def.Legend[string([]rune(def.Grid[sy])[sx])].Kind != "floor" {
		return fmt.Errorf("player_spawn (%d,%d) is not floor", sx, sy)
	}

	for _, ent := range def.Entities {
		if ent.ID == "" {
			return fmt.Errorf("entity with empty id")
		}
		if ent.Y < 0 || ent.Y >= len(def.Grid) || ent.X < 0 || ent.X >= width {
			return fmt.Errorf("entity %q at (%d,%d) outside grid", ent.ID, ent.X, ent.Y)
		}
		var kind event.EntityKind
		if err := kind.UnmarshalText([]byte(ent.Kind)); err != nil {
			return fmt.Errorf("entity %q: %w", ent.ID, err)
		}
	}
	return nil
}

package data

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gridrealm/server/internal/event"
)

const validRooms = `
rooms:
  - id: hall
    legend:
      ".": { kind: floor, asset: tiles/stone }
      "#": { kind: obstacle, asset: tiles/wall }
    grid:
      - "####"
      - "#..#"
      - "####"
    player_spawn: { x: 1, y: 1 }
    entities:
      - { id: key1, kind: item_noblock, asset: items/key, x: 2, y: 1 }
`

func writeRooms(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadRoomTable(t *testing.T) {
	dir := writeRooms(t, "hall.yaml", validRooms)
	table, err := LoadRoomTable(dir)
	if err != nil {
		t.Fatal(err)
	}
	if table.Count() != 1 {
		t.Fatalf("loaded %d rooms", table.Count())
	}
	if ids := table.IDs(); len(ids) != 1 || ids[0] != "hall" {
		t.Fatalf("ids %v", ids)
	}
}

func TestRoomTableSetup(t *testing.T) {
	dir := writeRooms(t, "hall.yaml", validRooms)
	table, err := LoadRoomTable(dir)
	if err != nil {
		t.Fatal(err)
	}

	setup, err := table.Setup("hall")
	if err != nil {
		t.Fatal(err)
	}
	if setup.PlayerSpawn != (event.Location{X: 1, Y: 1}) {
		t.Fatalf("spawn %v", setup.PlayerSpawn)
	}
	// 12 tiles row-major, then the entity placement.
	if len(setup.Events) != 13 {
		t.Fatalf("%d setup events", len(setup.Events))
	}
	first := setup.Events[0]
	if first.Kind != event.KindChangeMapElement ||
		first.Tile.Kind != event.TileObstacle ||
		first.Location != (event.Location{X: 0, Y: 0}) {
		t.Fatalf("first event %+v", first)
	}
	inner := setup.Events[5]
	if inner.Tile.Kind != event.TileFloor || inner.Tile.Asset != "tiles/stone" {
		t.Fatalf("event 5 %+v", inner)
	}
	last := setup.Events[12]
	if last.Kind != event.KindSpawn || last.ID != "key1" ||
		last.Entity.Kind != event.EntityItemNoBlock ||
		last.Location != (event.Location{X: 2, Y: 1}) {
		t.Fatalf("last event %+v", last)
	}

	if _, err := table.Setup("nowhere"); err == nil {
		t.Fatal("unknown room id must error")
	}
}

func TestLoadRoomTableValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown rune",
			want: "not in legend",
			body: `
rooms:
  - id: bad
    legend:
      ".": { kind: floor }
    grid: ["..", ".x"]
    player_spawn: { x: 0, y: 0 }
`,
		},
		{
			name: "ragged grid",
			want: "cells, want",
			body: `
rooms:
  - id: bad
    legend:
      ".": { kind: floor }
    grid: ["...", ".."]
    player_spawn: { x: 0, y: 0 }
`,
		},
		{
			name: "spawn on obstacle",
			want: "is not floor",
			body: `
rooms:
  - id: bad
    legend:
      ".": { kind: floor }
      "#": { kind: obstacle }
    grid: ["#.", ".."]
    player_spawn: { x: 0, y: 0 }
`,
		},
		{
			name: "spawn outside grid",
			want: "outside grid",
			body: `
rooms:
  - id: bad
    legend:
      ".": { kind: floor }
    grid: [".."]
    player_spawn: { x: 5, y: 0 }
`,
		},
		{
			name: "entity outside grid",
			want: "outside grid",
			body: `
rooms:
  - id: bad
    legend:
      ".": { kind: floor }
    grid: [".."]
    player_spawn: { x: 0, y: 0 }
    entities:
      - { id: e1, kind: npc, x: 9, y: 9 }
`,
		},
		{
			name: "bad entity kind",
			want: "e1",
			body: `
rooms:
  - id: bad
    legend:
      ".": { kind: floor }
    grid: [".."]
    player_spawn: { x: 0, y: 0 }
    entities:
      - { id: e1, kind: dragon, x: 0, y: 0 }
`,
		},
		{
			name: "empty id",
			want: "empty id",
			body: `
rooms:
  - legend:
      ".": { kind: floor }
    grid: [".."]
    player_spawn: { x: 0, y: 0 }
`,
		},
		{
			name: "bad tile kind",
			want: "unknown tile kind",
			body: `
rooms:
  - id: bad
    legend:
      "~": { kind: lava }
    grid: ["~"]
    player_spawn: { x: 0, y: 0 }
`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := writeRooms(t, "bad.yaml", tc.body)
			_, err := LoadRoomTable(dir)
			if err == nil {
				t.Fatal("load succeeded")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadRoomTableRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	one := `
rooms:
  - id: hall
    legend:
      ".": { kind: floor }
    grid: [".."]
    player_spawn: { x: 0, y: 0 }
`
	for _, name := range []string{"a.yaml", "b.yaml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(one), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := LoadRoomTable(dir); err == nil || !strings.Contains(err.Error(), "duplicate room id") {
		t.Fatalf("err %v", err)
	}
}

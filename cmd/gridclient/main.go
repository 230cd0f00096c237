package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gridrealm/server/internal/config"
	"github.com/gridrealm/server/internal/engine"
	"github.com/gridrealm/server/internal/event"
	gonet "github.com/gridrealm/server/internal/net"
	"github.com/gridrealm/server/internal/world"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := "config/server.toml"
	if p := os.Getenv("GRIDREALM_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = config.Default()
	}

	log, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	var transport gonet.Transport
	switch cfg.Client.Transport {
	case "", "tcp":
		transport = gonet.NewTCPTransport(log)
	case "ws":
		transport = gonet.NewWSTransport(log)
	case "replay":
		replay := gonet.NewReplayTransport()
		if err := replay.Connect(cfg.Client.ReplayFile); err != nil {
			return fmt.Errorf("open replay: %w", err)
		}
		return runReplay(replay, cfg.Client.PlayerID, log)
	default:
		return fmt.Errorf("unknown transport %q", cfg.Client.Transport)
	}

	if err := transport.Connect(cfg.Client.ServerAddress); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer transport.Shutdown()

	client := engine.NewClient(cfg.Client.PlayerID, engine.PresenterFunc(present), log)
	transport.Send(client.InitMessage())

	fmt.Printf("connected to %s as %s, type 'help' for commands\n",
		cfg.Client.ServerAddress, cfg.Client.PlayerID)

	inputCh := make(chan string, 8)
	go readInput(inputCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for {
				msg := transport.Receive()
				if msg.Empty() {
					break
				}
				client.HandleServerMessage(msg)
			}
			if client.ShutdownRequested() {
				fmt.Println("session closed by server")
				return nil
			}

		case line, open := <-inputCh:
			if !open {
				return nil
			}
			switch {
			case line == "quit" || line == "exit":
				return nil
			case line == "help":
				printHelp()
			case line == "map":
				printMap(client)
			case line == "inv":
				printInventory(client)
			default:
				ev, err := parseCommand(client.PlayerID, line)
				if err != nil {
					fmt.Printf("? %v\n", err)
					continue
				}
				if msg, ok := client.Attempt(ev); ok {
					transport.Send(msg)
				}
			}
		}
	}
}

// runReplay feeds a recorded session through the client engine and prints
// what the player would have seen.
func runReplay(replay *gonet.ReplayTransport, playerID string, log *zap.Logger) error {
	client := engine.NewClient(playerID, engine.PresenterFunc(present), log)
	client.InitMessage()
	for replay.Remaining() > 0 {
		client.HandleServerMessage(replay.Receive())
	}
	printMap(client)
	return nil
}

func readInput(out chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			out <- line
		}
	}
	close(out)
}

func printHelp() {
	fmt.Println(`commands:
  move X Y        walk toward a tile
  look X Y        inspect whatever occupies a tile
  talk X Y        start a conversation at a tile
  use X Y         manipulate an item at a tile
  grab X Y        pick up an item at a tile
  drop ITEM X Y   drop a carried item onto a tile
  say TEXT        speak
  map             draw the current room
  inv             list carried items
  quit            leave`)
}

func parseCommand(playerID, line string) (event.Event, error) {
	fields := strings.Fields(line)
	cmd := fields[0]

	coords := func(args []string) (event.Location, error) {
		if len(args) != 2 {
			return event.Location{}, fmt.Errorf("expected X Y")
		}
		x, err := strconv.Atoi(args[0])
		if err != nil {
			return event.Location{}, fmt.Errorf("bad X %q", args[0])
		}
		y, err := strconv.Atoi(args[1])
		if err != nil {
			return event.Location{}, fmt.Errorf("bad Y %q", args[1])
		}
		return event.Location{X: x, Y: y}, nil
	}

	switch cmd {
	case "move", "look", "talk", "use", "grab":
		loc, err := coords(fields[1:])
		if err != nil {
			return event.Event{}, err
		}
		kinds := map[string]event.Kind{
			"move": event.KindTriesToMove,
			"look": event.KindTriesToLookAt,
			"talk": event.KindTriesToTalkTo,
			"use":  event.KindTriesToManipulate,
			"grab": event.KindTriesToPickUp,
		}
		return event.Event{Kind: kinds[cmd], ID: playerID, Location: loc}, nil

	case "drop":
		if len(fields) != 4 {
			return event.Event{}, fmt.Errorf("expected drop ITEM X Y")
		}
		loc, err := coords(fields[2:])
		if err != nil {
			return event.Event{}, err
		}
		return event.Event{Kind: event.KindTriesToDrop, ID: playerID, Item: fields[1], Location: loc}, nil

	case "say":
		if len(fields) < 2 {
			return event.Event{}, fmt.Errorf("expected say TEXT")
		}
		return event.Event{
			Kind: event.KindSays,
			ID:   playerID,
			Text: strings.Join(fields[1:], " "),
		}, nil
	}

	return event.Event{}, fmt.Errorf("unknown command %q", cmd)
}

// present renders one event as a console line. The engine has already
// filtered and ordered the batch.
func present(ev event.Event) {
	switch ev.Kind {
	case event.KindEnterRoom:
		fmt.Printf("* entering room %s\n", ev.Room)
	case event.KindSpawn:
		fmt.Printf("* %s (%s) appears at %s\n", ev.ID, ev.Entity.Kind, ev.Location)
	case event.KindDelete:
		fmt.Printf("* %s is gone\n", ev.ID)
	case event.KindMovesTo:
		fmt.Printf("* %s moves to %s\n", ev.ID, ev.Location)
	case event.KindPicksUp:
		fmt.Printf("* %s picks up %s\n", ev.ID, ev.Item)
	case event.KindDrops:
		fmt.Printf("* %s drops %s at %s\n", ev.ID, ev.Item, ev.Location)
	case event.KindManipulates:
		fmt.Printf("* %s fiddles with %s\n", ev.ID, ev.TargetID)
	case event.KindLookedAt:
		fmt.Printf("* %s looks at %s\n", ev.ID, ev.TargetID)
	case event.KindPerception:
		fmt.Printf("  %s\n", ev.Text)
	case event.KindSaid:
		fmt.Printf("  %s says: %s\n", ev.ID, ev.Text)
	case event.KindCanSpeak:
		fmt.Println("  you may say:")
		for i, w := range ev.Words {
			fmt.Printf("    %d. %s\n", i+1, w)
		}
	case event.KindChangeState:
		if ev.State != "" {
			fmt.Printf("* %s: %s\n", ev.ID, ev.State)
		}
	case event.KindAttemptFailed:
		fmt.Println("  nothing happens.")
	case event.KindServerParameters:
		// Engine consumes it; nothing to show.
	}
}

// printMap draws the room as ASCII: # obstacle, . floor, @ the player,
// letters for everything else.
func printMap(c *engine.Client) {
	room := c.Room()
	if room == nil {
		fmt.Println("not in a room yet")
		return
	}

	minX, minY := 1<<31, 1<<31
	maxX, maxY := -(1 << 31), -(1 << 31)
	tiles := make(map[event.Location]rune)
	room.EachElement(func(loc event.Location, elem *world.FloorPlanElement) {
		if loc.X < minX {
			minX = loc.X
		}
		if loc.Y < minY {
			minY = loc.Y
		}
		if loc.X > maxX {
			maxX = loc.X
		}
		if loc.Y > maxY {
			maxY = loc.Y
		}
		ch := '.'
		if elem.Tile.Kind == event.TileObstacle {
			ch = '#'
		}
		for _, ent := range elem.Entities {
			switch {
			case ent.ID == c.PlayerID:
				ch = '@'
			case ent.Kind == event.EntityPlayer:
				ch = 'P'
			case ent.Kind == event.EntityNPC:
				ch = 'N'
			default:
				ch = 'i'
			}
		}
		tiles[loc] = ch
	})
	if len(tiles) == 0 {
		fmt.Println("room is empty")
		return
	}

	for y := minY; y <= maxY; y++ {
		var b strings.Builder
		for x := minX; x <= maxX; x++ {
			if ch, ok := tiles[event.Location{X: x, Y: y}]; ok {
				b.WriteRune(ch)
			} else {
				b.WriteRune(' ')
			}
		}
		fmt.Println(b.String())
	}
}

func printInventory(c *engine.Client) {
	items := c.Rack().OwnedBy(c.PlayerID)
	if len(items) == 0 {
		fmt.Println("carrying nothing")
		return
	}
	sort.Strings(items)
	for _, id := range items {
		fmt.Printf("  %s\n", id)
	}
}

func newLogger(levelStr string) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = zapcore.InfoLevel
	}
	zapCfg := zap.NewDevelopmentConfig()
	zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	zapCfg.DisableCaller = true
	zapCfg.DisableStacktrace = true
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

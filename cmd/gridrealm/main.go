package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gridrealm/server/internal/config"
	"github.com/gridrealm/server/internal/data"
	"github.com/gridrealm/server/internal/engine"
	gonet "github.com/gridrealm/server/internal/net"
	"github.com/gridrealm/server/internal/scripting"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(serverName string, serverID int) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m            GridRealm  v0.1.0              \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m      方格世界 · Go 同步引擎伺服器         \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1m伺服器:\033[0m %s \033[90m(編號: %d)\033[0m\n\n", serverName, serverID)
}

func printSection(title string) {
	// Use rune count for CJK width calculation (each CJK char = 2 columns)
	displayWidth := 0
	for _, r := range title {
		if r > 0x7F {
			displayWidth += 2
		} else {
			displayWidth++
		}
	}
	lineLen := 46 - displayWidth - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	displayWidth := 0
	for _, r := range label {
		if r > 0x7F {
			displayWidth += 2
		} else {
			displayWidth++
		}
	}
	dotsLen := 42 - displayWidth - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main server logic ─────────────────────────────────────────────

func run() error {
	// 1. Load config
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

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name, cfg.Server.ID)

	// 3. Load room definitions
	printSection("資料載入")

	roomTable, err := data.LoadRoomTable(cfg.Rooms.Dir)
	if err != nil {
		return fmt.Errorf("load room table: %w", err)
	}
	printStat("房間定義", roomTable.Count())

	// 4. Game logic: Lua scripts when present, built-in echo logic otherwise
	var logic engine.Logic = engine.EchoLogic{}
	if cfg.Scripts.Dir != "" {
		luaEngine, err := scripting.NewEngine(cfg.Scripts.Dir, log)
		if err != nil {
			log.Warn("Lua 腳本載入失敗，改用內建邏輯", zap.Error(err))
		} else {
			defer luaEngine.Close()
			logic = luaEngine
			printOK("Lua 腳本載入完成")
		}
	}
	fmt.Println()

	// 5. Create the server engine
	eng := engine.NewServer(logic, roomTable, engine.ServerOptions{
		DefaultRoom:  cfg.Rooms.Default,
		PlayerAsset:  cfg.Server.PlayerAsset,
		AwaitSeconds: cfg.Server.AwaitSeconds,
	}, log)

	// 6. Create network server
	netServer, err := gonet.NewServer(
		cfg.Network.BindAddress,
		cfg.Network.InQueueSize,
		cfg.Network.OutQueueSize,
		cfg.Network.MessagesPerSecond,
		cfg.Network.WriteTimeout,
		log,
	)
	if err != nil {
		return fmt.Errorf("net server: %w", err)
	}
	go netServer.AcceptLoop()

	// Optional websocket gateway on its own listener.
	var wsGateway *gonet.WSGateway
	var wsServer *http.Server
	if cfg.Network.WSBindAddress != "" {
		wsGateway = gonet.NewWSGateway(cfg.Network.InQueueSize, cfg.Network.OutQueueSize, log)
		mux := http.NewServeMux()
		mux.Handle("/ws", wsGateway)
		wsServer = &http.Server{Addr: cfg.Network.WSBindAddress, Handler: mux}
		go func() {
			if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("websocket 監聽失敗", zap.Error(err))
			}
		}()
	}

	// 7. Start game loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Network.TickInterval())
	defer ticker.Stop()

	printSection("伺服器就緒")
	printReady(fmt.Sprintf("監聽位址 %s", netServer.Addr().String()))
	if cfg.Network.WSBindAddress != "" {
		printReady(fmt.Sprintf("WebSocket %s/ws", cfg.Network.WSBindAddress))
	}
	printReady(fmt.Sprintf("遊戲迴圈啟動 (tick: %s)", cfg.Network.TickInterval()))
	fmt.Println()

	links := make(map[string]gonet.Link)

	for {
		select {
		case <-ticker.C:
			// Accept new sessions.
		acceptTCP:
			for {
				select {
				case sess := <-netServer.NewSessions():
					links[sess.Key()] = sess
					eng.Connect(sess)
				default:
					break acceptTCP
				}
			}
			if wsGateway != nil {
			acceptWS:
				for {
					select {
					case sess := <-wsGateway.NewSessions():
						links[sess.Key()] = sess
						eng.Connect(sess)
					default:
						break acceptWS
					}
				}
			}

			// Reap dead sessions.
		reap:
			for {
				select {
				case key := <-netServer.DeadSessions():
					if link, ok := links[key]; ok {
						eng.Disconnect(key)
						link.Close()
						delete(links, key)
					}
				default:
					break reap
				}
			}
			for key, link := range links {
				if link.IsClosed() {
					eng.Disconnect(key)
					delete(links, key)
				}
			}

			// Process inbound messages, bounded per session per tick.
			for key, link := range links {
				for i := 0; i < cfg.Network.MaxMessagesPerTick; i++ {
					select {
					case msg := <-link.Inbound():
						eng.Process(key, msg)
					default:
						i = cfg.Network.MaxMessagesPerTick
					}
				}
			}

			// Scheduled movement, then flush everything accumulated this tick.
			eng.Tick()
			for _, link := range links {
				link.FlushOutput()
			}

		case sig := <-shutdownCh:
			log.Info("收到關閉信號", zap.String("signal", sig.String()))
			notice := eng.ShutdownNotice()
			for _, link := range links {
				link.Send(notice)
				link.FlushOutput()
			}
			for key, link := range links {
				eng.Disconnect(key)
				link.Close()
			}
			netServer.Shutdown()
			if wsServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				wsServer.Shutdown(ctx)
				cancel()
			}
			log.Info("伺服器已停止")
			return nil
		}
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	log, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}

	// Rotating file output alongside the console.
	if cfg.File != "" {
		fileEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		fileCore := zapcore.NewCore(fileEnc, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}), level)
		log = log.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}
	return log, nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Network NetworkConfig `toml:"network"`
	Rooms   RoomsConfig   `toml:"rooms"`
	Scripts ScriptsConfig `toml:"scripts"`
	Client  ClientConfig  `toml:"client"`
	Logging LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Name string `toml:"name"`
	ID   int    `toml:"id"`

	// AwaitSeconds is sent to every client in server_parameters: how long
	// a repeated attempt stays silenced while waiting for confirmation.
	AwaitSeconds float64 `toml:"await_seconds"`

	PlayerAsset string `toml:"player_asset"`

	StartTime int64 // set at boot, not from config
}

type NetworkConfig struct {
	BindAddress        string        `toml:"bind_address"`
	WSBindAddress      string        `toml:"ws_bind_address"` // empty disables the websocket gateway
	TickRate           time.Duration `toml:"tick_rate"`
	InQueueSize        int           `toml:"in_queue_size"`
	OutQueueSize       int           `toml:"out_queue_size"`
	MaxMessagesPerTick int           `toml:"max_messages_per_tick"`
	MessagesPerSecond  int           `toml:"messages_per_second"`
	WriteTimeout       time.Duration `toml:"write_timeout"`
}

// TickInterval returns the game-loop ticker interval. A configured tick
// rate of zero means run as fast as possible; the ticker still needs a
// positive interval, so the floor is one millisecond.
func (n NetworkConfig) TickInterval() time.Duration {
	if n.TickRate <= 0 {
		return time.Millisecond
	}
	return n.TickRate
}

type RoomsConfig struct {
	Dir     string `toml:"dir"`
	Default string `toml:"default"`
}

type ScriptsConfig struct {
	Dir string `toml:"dir"` // empty runs the built-in echo logic
}

// ClientConfig drives the gridclient binary; the server ignores it.
type ClientConfig struct {
	ServerAddress string `toml:"server_address"`
	Transport     string `toml:"transport"` // tcp | ws | replay
	ReplayFile    string `toml:"replay_file"`
	PlayerID      string `toml:"player_id"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"

	// File enables rotating file output alongside stderr.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Server.StartTime = time.Now().Unix()
	return cfg, nil
}

// Default returns the built-in configuration, used when no config file
// is given.
func Default() *Config {
	cfg := defaults()
	cfg.Server.StartTime = time.Now().Unix()
	return cfg
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Name:         "GridRealm",
			ID:           1,
			AwaitSeconds: 3.0,
			PlayerAsset:  "players/default",
		},
		Network: NetworkConfig{
			BindAddress:        "0.0.0.0:7201",
			WSBindAddress:      "",
			TickRate:           200 * time.Millisecond,
			InQueueSize:        128,
			OutQueueSize:       256,
			MaxMessagesPerTick: 32,
			MessagesPerSecond:  60,
			WriteTimeout:       10 * time.Second,
		},
		Rooms: RoomsConfig{
			Dir:     "data/rooms",
			Default: "default",
		},
		Scripts: ScriptsConfig{
			Dir: "scripts/world",
		},
		Client: ClientConfig{
			ServerAddress: "127.0.0.1:7201",
			Transport:     "tcp",
			PlayerID:      "player1",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

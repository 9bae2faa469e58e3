package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string   `toml:"default_session"`
	Server         Server   `toml:"server"`
	Realtime       Realtime `toml:"realtime"`
	Typing         Typing   `toml:"typing"`
	History        History  `toml:"history"`
	Metrics        Metrics  `toml:"metrics"`
	Log            Log      `toml:"log"`
}

// Server locates the chat backend.
type Server struct {
	BaseURL        string   `toml:"base_url"`
	SocketPath     string   `toml:"socket_path"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// Realtime tunes the event-stream connection.
type Realtime struct {
	AutoReconnect        bool     `toml:"auto_reconnect"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	EmitRate             float64  `toml:"emit_rate"`
	EmitBurst            int      `toml:"emit_burst"`
}

// Typing holds the typing indicator timings.
type Typing struct {
	IdleTimeout   Duration `toml:"idle_timeout"`
	RemoteTTL     Duration `toml:"remote_ttl"`
	SweepInterval Duration `toml:"sweep_interval"`
}

// History controls conversation history fetches.
type History struct {
	FetchAttempts int `toml:"fetch_attempts"`
}

// Metrics configures the Prometheus endpoint. Empty ListenAddr disables it.
type Metrics struct {
	ListenAddr string `toml:"listen_addr"`
}

// Log configures daemon logging.
type Log struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a Go duration string ("1s", "500ms").
type Duration struct {
	time.Duration
}

// D wraps a time.Duration.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Server: Server{
			BaseURL:        "http://localhost:4000",
			SocketPath:     "/socket.io/",
			RequestTimeout: D(15 * time.Second),
		},
		Realtime: Realtime{
			AutoReconnect:      true,
			ReconnectBaseDelay: D(time.Second),
			ReconnectMaxDelay:  D(30 * time.Second),
			EmitRate:           20,
			EmitBurst:          40,
		},
		Typing: Typing{
			IdleTimeout:   D(time.Second),
			RemoteTTL:     D(5 * time.Second),
			SweepInterval: D(500 * time.Millisecond),
		},
		History: History{FetchAttempts: 3},
		Log:     Log{Level: "info"},
	}
}

// Load reads config from path on top of Default. A missing file is an error;
// use LoadOrDefault when absence is acceptable.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/rexliu/xconn/pkg/ipc"
	"github.com/rexliu/xconn/pkg/retry"
)

// FileName is the configuration file looked up in a profile directory.
const FileName = "config.toml"

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// EndpointsConfig defines where endpoint names resolve to sockets.
type EndpointsConfig struct {
	Name       string `toml:"name"`
	SystemDir  string `toml:"systemDir"`
	SessionDir string `toml:"sessionDir"`
}

// ConnectionConfig tunes connections and listeners.
type ConnectionConfig struct {
	QueueCapacity         int      `toml:"queueCapacity"`
	MaxFrameSize          int      `toml:"maxFrameSizeBytes"`
	ReconnectAttempts     int      `toml:"reconnectAttempts"`
	ReconnectInitialDelay Duration `toml:"reconnectInitialDelay"`
	ReconnectMaxDelay     Duration `toml:"reconnectMaxDelay"`
	MaxConnections        int      `toml:"maxConnections"`
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level       string `toml:"level"`
	FilePath    string `toml:"filePath"`
	FileMaxSize int    `toml:"fileMaxSizeMB"`
	FileBackups int    `toml:"fileMaxBackups"`
}

// JournalConfig defines the SQLite connection journal. An empty DBPath
// disables it.
type JournalConfig struct {
	DBPath      string `toml:"dbPath"`
	JournalMode string `toml:"journalMode"`
	Synchronous string `toml:"synchronous"`
}

// MetricsConfig defines the Prometheus endpoint. An empty ListenAddr
// disables it.
type MetricsConfig struct {
	ListenAddr string `toml:"listenAddr"`
}

// Config aggregates service configuration.
type Config struct {
	Endpoints  EndpointsConfig  `toml:"endpoints"`
	Connection ConnectionConfig `toml:"connection"`
	Logging    LoggingConfig    `toml:"logging"`
	Journal    JournalConfig    `toml:"journal"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// Default returns a configuration for the named endpoint with every
// optional section filled in.
func Default(name string) *Config {
	reg := ipc.DefaultRegistry()
	backoff := retry.DefaultConfig()
	return &Config{
		Endpoints: EndpointsConfig{
			Name:       name,
			SystemDir:  reg.SystemDir,
			SessionDir: reg.SessionDir,
		},
		Connection: ConnectionConfig{
			QueueCapacity:         ipc.DefaultQueueCapacity,
			MaxFrameSize:          ipc.DefaultMaxFrameSize,
			ReconnectAttempts:     backoff.MaxAttempts,
			ReconnectInitialDelay: Duration{backoff.InitialDelay},
			ReconnectMaxDelay:     Duration{backoff.MaxDelay},
		},
		Logging: LoggingConfig{
			Level:       "info",
			FilePath:    "logs/xconn.log",
			FileMaxSize: 10,
			FileBackups: 3,
		},
		Journal: JournalConfig{
			DBPath:      "journal.db",
			JournalMode: "WAL",
			Synchronous: "NORMAL",
		},
	}
}

// Load reads a config file from the provided path.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// LoadProfile reads config.toml from a profile directory.
func LoadProfile(dir string) (*Config, error) {
	return Load(filepath.Join(dir, FileName))
}

// LoadOrDefault loads path, or returns Default("") with the log file and
// journal disabled when path is empty. The second result is the directory
// relative paths in the config resolve against.
func LoadOrDefault(path string) (*Config, string, error) {
	if path == "" {
		cfg := Default("")
		cfg.Logging.FilePath = ""
		cfg.Journal.DBPath = ""
		wd, err := os.Getwd()
		return cfg, wd, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, filepath.Dir(path), nil
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ResolvePath interprets p relative to base unless it is absolute or
// empty.
func ResolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Registry returns the endpoint registry described by the config.
func (cfg *Config) Registry() ipc.Registry {
	reg := ipc.DefaultRegistry()
	if cfg.Endpoints.SystemDir != "" {
		reg.SystemDir = cfg.Endpoints.SystemDir
	}
	if cfg.Endpoints.SessionDir != "" {
		reg.SessionDir = cfg.Endpoints.SessionDir
	}
	return reg
}

// Reconnect returns the backoff schedule for client connections.
func (cfg *Config) Reconnect() retry.Config {
	backoff := retry.DefaultConfig()
	backoff.MaxAttempts = cfg.Connection.ReconnectAttempts
	backoff.InitialDelay = cfg.Connection.ReconnectInitialDelay.Duration
	backoff.MaxDelay = cfg.Connection.ReconnectMaxDelay.Duration
	return backoff
}

// IPCOptions turns the config into connection and listener options.
func (cfg *Config) IPCOptions(logger ipc.Logger) []ipc.Option {
	opts := []ipc.Option{
		ipc.WithRegistry(cfg.Registry()),
		ipc.WithQueueCapacity(cfg.Connection.QueueCapacity),
		ipc.WithMaxFrameSize(cfg.Connection.MaxFrameSize),
		ipc.WithReconnect(cfg.Reconnect()),
		ipc.WithMaxConnections(cfg.Connection.MaxConnections),
	}
	if logger != nil {
		opts = append(opts, ipc.WithLogger(logger))
	}
	return opts
}

var validLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}

func (cfg *Config) validate() error {
	c := &cfg.Connection
	switch {
	case c.QueueCapacity < 0:
		return errors.New("connection.queueCapacity must not be negative")
	case c.MaxFrameSize < 0:
		return errors.New("connection.maxFrameSizeBytes must not be negative")
	case c.ReconnectAttempts < 0:
		return errors.New("connection.reconnectAttempts must not be negative")
	case c.MaxConnections < 0:
		return errors.New("connection.maxConnections must not be negative")
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = ipc.DefaultQueueCapacity
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = ipc.DefaultMaxFrameSize
	}
	backoff := retry.DefaultConfig()
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = backoff.MaxAttempts
	}
	if c.ReconnectInitialDelay.Duration <= 0 {
		c.ReconnectInitialDelay.Duration = backoff.InitialDelay
	}
	if c.ReconnectMaxDelay.Duration <= 0 {
		c.ReconnectMaxDelay.Duration = backoff.MaxDelay
	}
	if c.ReconnectMaxDelay.Duration < c.ReconnectInitialDelay.Duration {
		return errors.New("connection.reconnectMaxDelay is below reconnectInitialDelay")
	}

	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level %q unknown", cfg.Logging.Level)
	}
	if cfg.Logging.FileMaxSize < 0 || cfg.Logging.FileBackups < 0 {
		return errors.New("logging file limits must not be negative")
	}

	if cfg.Journal.JournalMode == "" {
		cfg.Journal.JournalMode = "WAL"
	}
	if cfg.Journal.Synchronous == "" {
		cfg.Journal.Synchronous = "NORMAL"
	}
	return nil
}

// ABOUTME: Configuration loading and parsing for fleet-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete fleet-gateway configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Listeners     []ListenerConfig    `yaml:"listeners" toml:"listeners"`
	Sessions      SessionsConfig      `yaml:"sessions" toml:"sessions"`
	Transfers     TransfersConfig     `yaml:"transfers" toml:"transfers"`
	Downloads     DownloadsConfig     `yaml:"downloads" toml:"downloads"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the control surface addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// ListenerConfig declares a listener created at startup
type ListenerConfig struct {
	Name      string `yaml:"name" toml:"name"`
	Host      string `yaml:"host" toml:"host"`
	Port      int    `yaml:"port" toml:"port"`
	Autostart bool   `yaml:"autostart" toml:"autostart"`
}

// SessionsConfig holds per-agent session timing and queueing
type SessionsConfig struct {
	CommandTimeout   time.Duration `yaml:"-" toml:"-"`
	TransferTimeout  time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout time.Duration `yaml:"-" toml:"-"`
	TaskRetention    time.Duration `yaml:"-" toml:"-"`

	QueueDepth int    `yaml:"queue_depth" toml:"queue_depth"`
	BusyPolicy string `yaml:"busy_policy" toml:"busy_policy"` // "queue" or "reject"

	// Raw string values for unmarshaling
	CommandTimeoutRaw   string `yaml:"command_timeout" toml:"command_timeout"`
	TransferTimeoutRaw  string `yaml:"transfer_timeout" toml:"transfer_timeout"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	TaskRetentionRaw    string `yaml:"task_retention" toml:"task_retention"`
}

// TransfersConfig tunes chunked file transfer
type TransfersConfig struct {
	ChunkSize       int           `yaml:"chunk_size" toml:"chunk_size"`
	MaxEditSize     int64         `yaml:"max_edit_size" toml:"max_edit_size"`
	ChunkAckTimeout time.Duration `yaml:"-" toml:"-"`

	ChunkAckTimeoutRaw string `yaml:"chunk_ack_timeout" toml:"chunk_ack_timeout"`
}

// DownloadsConfig says where downloaded files are written
type DownloadsConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// NotificationsConfig holds shoutrrr targets and alert toggles
type NotificationsConfig struct {
	URLs   []string     `yaml:"urls" toml:"urls"`
	Alerts AlertsConfig `yaml:"alerts" toml:"alerts"`
}

// AlertsConfig selects which events produce notifications
type AlertsConfig struct {
	ClientConnect    bool `yaml:"client_connect" toml:"client_connect"`
	ClientDisconnect bool `yaml:"client_disconnect" toml:"client_disconnect"`
	FileTransfer     bool `yaml:"file_transfer" toml:"file_transfer"`
	Error            bool `yaml:"error" toml:"error"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration that runs out of the box: one listener
// named Default on 0.0.0.0:4444, started at boot.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:8080",
			GRPCAddr: "127.0.0.1:50051",
		},
		Listeners: []ListenerConfig{
			{Name: "Default", Host: "0.0.0.0", Port: 4444, Autostart: true},
		},
		Sessions: SessionsConfig{
			CommandTimeout:   30 * time.Second,
			TransferTimeout:  5 * time.Minute,
			HandshakeTimeout: 10 * time.Second,
			HeartbeatTimeout: 90 * time.Second,
			TaskRetention:    time.Hour,
			QueueDepth:       32,
			BusyPolicy:       "queue",
		},
		Transfers: TransfersConfig{
			ChunkSize:       64 * 1024,
			MaxEditSize:     1 << 20,
			ChunkAckTimeout: 10 * time.Second,
		},
		Downloads: DownloadsConfig{Dir: "downloads"},
		Database:  DatabaseConfig{Path: "fleet-gateway.db"},
		Notifications: NotificationsConfig{
			Alerts: AlertsConfig{ClientConnect: true, ClientDisconnect: true, FileTransfer: true, Error: true},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Unset fields keep the values from Default. Environment variables in the
// format ${VAR_NAME} are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	// Raw duration strings start empty so only values present in the file
	// override the defaults.
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		defaults := cfg.Listeners
		cfg.Listeners = nil
		md, err := toml.Decode(expanded, cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		if !md.IsDefined("listeners") {
			cfg.Listeners = defaults
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.HTTPAddr); err != nil {
		return fmt.Errorf("server.http_addr %q: %w", c.Server.HTTPAddr, err)
	}
	if c.Server.GRPCAddr != "" {
		if _, _, err := net.SplitHostPort(c.Server.GRPCAddr); err != nil {
			return fmt.Errorf("server.grpc_addr %q: %w", c.Server.GRPCAddr, err)
		}
	}

	seen := make(map[string]bool, len(c.Listeners))
	for i, l := range c.Listeners {
		if strings.TrimSpace(l.Name) == "" {
			return fmt.Errorf("listeners[%d].name is required", i)
		}
		if seen[l.Name] {
			return fmt.Errorf("listeners[%d]: duplicate name %q", i, l.Name)
		}
		seen[l.Name] = true
		if l.Host == "" {
			return fmt.Errorf("listeners[%d].host is required", i)
		}
		if l.Port < 0 || l.Port > 65535 {
			return fmt.Errorf("listeners[%d].port %d out of range", i, l.Port)
		}
	}

	switch c.Sessions.BusyPolicy {
	case "", "queue", "reject":
	default:
		return fmt.Errorf("sessions.busy_policy must be queue or reject, got %q", c.Sessions.BusyPolicy)
	}
	if c.Sessions.QueueDepth < 0 {
		return fmt.Errorf("sessions.queue_depth must not be negative")
	}
	if c.Transfers.ChunkSize < 0 {
		return fmt.Errorf("transfers.chunk_size must not be negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"command_timeout", cfg.Sessions.CommandTimeoutRaw, &cfg.Sessions.CommandTimeout},
		{"transfer_timeout", cfg.Sessions.TransferTimeoutRaw, &cfg.Sessions.TransferTimeout},
		{"handshake_timeout", cfg.Sessions.HandshakeTimeoutRaw, &cfg.Sessions.HandshakeTimeout},
		{"heartbeat_timeout", cfg.Sessions.HeartbeatTimeoutRaw, &cfg.Sessions.HeartbeatTimeout},
		{"task_retention", cfg.Sessions.TaskRetentionRaw, &cfg.Sessions.TaskRetention},
		{"chunk_ack_timeout", cfg.Transfers.ChunkAckTimeoutRaw, &cfg.Transfers.ChunkAckTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}

// DefaultPath resolves the config file location: FLEET_CONFIG, then
// ./config.yaml if present, then $XDG_CONFIG_HOME/fleet/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("FLEET_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "fleet", "gateway.yaml")
}

// Write saves cfg as YAML, creating parent directories. Durations are
// written back in their string form.
func Write(path string, cfg *Config) error {
	out := *cfg
	out.Sessions.CommandTimeoutRaw = cfg.Sessions.CommandTimeout.String()
	out.Sessions.TransferTimeoutRaw = cfg.Sessions.TransferTimeout.String()
	out.Sessions.HandshakeTimeoutRaw = cfg.Sessions.HandshakeTimeout.String()
	out.Sessions.HeartbeatTimeoutRaw = cfg.Sessions.HeartbeatTimeout.String()
	out.Sessions.TaskRetentionRaw = cfg.Sessions.TaskRetention.String()
	out.Transfers.ChunkAckTimeoutRaw = cfg.Transfers.ChunkAckTimeout.String()

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"

listeners:
  - name: "L1"
    host: "0.0.0.0"
    port: 4444
    autostart: true
  - name: "backup"
    host: "10.0.0.1"
    port: 8443

sessions:
  command_timeout: "45s"
  transfer_timeout: "10m"
  handshake_timeout: "5s"
  heartbeat_timeout: "2m"
  task_retention: "24h"
  queue_depth: 8
  busy_policy: "reject"

transfers:
  chunk_size: 32768
  chunk_ack_timeout: "3s"
  max_edit_size: 2048

downloads:
  dir: "/var/lib/fleet/downloads"

database:
  path: "./test.db"

notifications:
  urls:
    - "generic://example.com"
  alerts:
    client_connect: true
    error: true

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}

	if len(cfg.Listeners) != 2 {
		t.Fatalf("len(Listeners) = %d, want 2", len(cfg.Listeners))
	}
	if l := cfg.Listeners[0]; l.Name != "L1" || l.Port != 4444 || !l.Autostart {
		t.Errorf("Listeners[0] = %+v", l)
	}
	if l := cfg.Listeners[1]; l.Name != "backup" || l.Host != "10.0.0.1" || l.Autostart {
		t.Errorf("Listeners[1] = %+v", l)
	}

	s := cfg.Sessions
	if s.CommandTimeout != 45*time.Second {
		t.Errorf("CommandTimeout = %v, want 45s", s.CommandTimeout)
	}
	if s.TransferTimeout != 10*time.Minute {
		t.Errorf("TransferTimeout = %v, want 10m", s.TransferTimeout)
	}
	if s.HandshakeTimeout != 5*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 5s", s.HandshakeTimeout)
	}
	if s.HeartbeatTimeout != 2*time.Minute {
		t.Errorf("HeartbeatTimeout = %v, want 2m", s.HeartbeatTimeout)
	}
	if s.TaskRetention != 24*time.Hour {
		t.Errorf("TaskRetention = %v, want 24h", s.TaskRetention)
	}
	if s.QueueDepth != 8 || s.BusyPolicy != "reject" {
		t.Errorf("QueueDepth/BusyPolicy = %d/%q", s.QueueDepth, s.BusyPolicy)
	}

	if cfg.Transfers.ChunkSize != 32768 || cfg.Transfers.MaxEditSize != 2048 {
		t.Errorf("Transfers = %+v", cfg.Transfers)
	}
	if cfg.Transfers.ChunkAckTimeout != 3*time.Second {
		t.Errorf("ChunkAckTimeout = %v, want 3s", cfg.Transfers.ChunkAckTimeout)
	}
	if cfg.Downloads.Dir != "/var/lib/fleet/downloads" {
		t.Errorf("Downloads.Dir = %q", cfg.Downloads.Dir)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}

	n := cfg.Notifications
	if len(n.URLs) != 1 || n.URLs[0] != "generic://example.com" {
		t.Errorf("Notifications.URLs = %v", n.URLs)
	}
	if !n.Alerts.ClientConnect || !n.Alerts.Error {
		t.Errorf("Alerts = %+v, want client_connect and error on", n.Alerts)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
database:
  path: "/tmp/fleet.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := Default()
	if cfg.Server != def.Server {
		t.Errorf("Server = %+v, want defaults %+v", cfg.Server, def.Server)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0] != def.Listeners[0] {
		t.Errorf("Listeners = %+v, want the Default listener", cfg.Listeners)
	}
	if cfg.Listeners[0].Name != "Default" || cfg.Listeners[0].Port != 4444 || !cfg.Listeners[0].Autostart {
		t.Errorf("default listener = %+v", cfg.Listeners[0])
	}
	if cfg.Sessions.CommandTimeout != 30*time.Second {
		t.Errorf("CommandTimeout = %v, want 30s", cfg.Sessions.CommandTimeout)
	}
	if cfg.Transfers.MaxEditSize != 1<<20 {
		t.Errorf("MaxEditSize = %d, want 1 MiB", cfg.Transfers.MaxEditSize)
	}
	if cfg.Database.Path != "/tmp/fleet.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
}

func TestLoad_EmptyListenersDisablesDefault(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "listeners: []\n")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Listeners) != 0 {
		t.Errorf("Listeners = %+v, want none", cfg.Listeners)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:9090"

[sessions]
command_timeout = "12s"
busy_policy = "reject"

[[listeners]]
name = "edge"
host = "0.0.0.0"
port = 9001

[logging]
level = "warn"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Sessions.CommandTimeout != 12*time.Second {
		t.Errorf("CommandTimeout = %v, want 12s", cfg.Sessions.CommandTimeout)
	}
	if cfg.Sessions.BusyPolicy != "reject" {
		t.Errorf("BusyPolicy = %q", cfg.Sessions.BusyPolicy)
	}
	if len(cfg.Listeners) != 1 {
		t.Fatalf("Listeners = %+v, want one", cfg.Listeners)
	}
	if l := cfg.Listeners[0]; l.Name != "edge" || l.Port != 9001 || l.Autostart {
		t.Errorf("Listeners[0] = %+v", l)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoad_TOMLWithoutListenersKeepsDefault(t *testing.T) {
	configPath := writeConfig(t, "gateway.toml", "[logging]\nlevel = \"info\"\n")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Name != "Default" {
		t.Errorf("Listeners = %+v, want the Default listener", cfg.Listeners)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_FLEET_DB", "/data/fleet.db")
	t.Setenv("TEST_FLEET_HOOK", "generic://hooks.example.com/abc")

	configPath := writeConfig(t, "config.yaml", `
database:
  path: "${TEST_FLEET_DB}"
notifications:
  urls: ["${TEST_FLEET_HOOK}"]
downloads:
  dir: "${TEST_FLEET_UNSET_VAR}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/data/fleet.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if len(cfg.Notifications.URLs) != 1 || cfg.Notifications.URLs[0] != "generic://hooks.example.com/abc" {
		t.Errorf("Notifications.URLs = %v", cfg.Notifications.URLs)
	}
	if cfg.Downloads.Dir != "" {
		t.Errorf("unset variable should expand to empty, got %q", cfg.Downloads.Dir)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad duration", "sessions:\n  command_timeout: \"soon\"\n", "command_timeout"},
		{"negative duration", "transfers:\n  chunk_ack_timeout: \"-1s\"\n", "chunk_ack_timeout"},
		{"bad busy policy", "sessions:\n  busy_policy: \"drop\"\n", "busy_policy"},
		{"missing database", "database:\n  path: \"\"\n", "database.path"},
		{"bad http addr", "server:\n  http_addr: \"nonsense\"\n", "http_addr"},
		{"duplicate listener", "listeners:\n  - {name: a, host: 0.0.0.0, port: 1}\n  - {name: a, host: 0.0.0.0, port: 2}\n", "duplicate"},
		{"listener port", "listeners:\n  - {name: a, host: 0.0.0.0, port: 70000}\n", "out of range"},
		{"listener host", "listeners:\n  - {name: a, port: 1}\n", "host is required"},
		{"log format", "logging:\n  format: \"xml\"\n", "logging.format"},
		{"invalid yaml", "server: [unterminated\n", "parsing config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", tt.content))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v, want reading config file error", err)
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gateway.yaml")

	cfg := Default()
	cfg.Sessions.CommandTimeout = 7 * time.Second
	cfg.Listeners = append(cfg.Listeners, ListenerConfig{Name: "extra", Host: "127.0.0.1", Port: 0})

	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Sessions.CommandTimeout != 7*time.Second {
		t.Errorf("CommandTimeout = %v, want 7s", loaded.Sessions.CommandTimeout)
	}
	if loaded.Sessions.HeartbeatTimeout != cfg.Sessions.HeartbeatTimeout {
		t.Errorf("HeartbeatTimeout = %v, want %v", loaded.Sessions.HeartbeatTimeout, cfg.Sessions.HeartbeatTimeout)
	}
	if len(loaded.Listeners) != 2 || loaded.Listeners[1].Name != "extra" {
		t.Errorf("Listeners = %+v", loaded.Listeners)
	}
	if loaded.Notifications.Alerts != cfg.Notifications.Alerts {
		t.Errorf("Alerts = %+v, want %+v", loaded.Notifications.Alerts, cfg.Notifications.Alerts)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("FLEET_CONFIG", "/etc/fleet/custom.yaml")
		if got := DefaultPath(); got != "/etc/fleet/custom.yaml" {
			t.Errorf("DefaultPath() = %q", got)
		}
	})

	t.Run("xdg", func(t *testing.T) {
		t.Setenv("FLEET_CONFIG", "")
		xdg := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", xdg)
		t.Chdir(t.TempDir())
		want := filepath.Join(xdg, "fleet", "gateway.yaml")
		if got := DefaultPath(); got != want {
			t.Errorf("DefaultPath() = %q, want %q", got, want)
		}
	})
}

func TestDefault_Validates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

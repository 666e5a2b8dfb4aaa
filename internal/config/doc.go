// Package config handles configuration loading for fleet-gateway.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, for files ending in .toml)
// with environment variable expansion. Anything the file leaves out keeps
// the value from Default.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from FLEET_CONFIG environment variable
//  3. ./config.yaml (current directory)
//  4. $XDG_CONFIG_HOME/fleet/gateway.yaml
//
// # Environment Variable Expansion
//
//	notifications:
//	  urls: ["${FLEET_SLACK_URL}"]
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  command_timeout: "30s"
//	  transfer_timeout: "5m"
//	  heartbeat_timeout: "90s"
//
// # Configuration Sections
//
// Control surfaces:
//
//	server:
//	  http_addr: "127.0.0.1:8080"   # REST API and /ws
//	  grpc_addr: "127.0.0.1:50051"  # FleetControl + health, empty disables
//
// Listeners created at startup (port 0 picks an ephemeral port):
//
//	listeners:
//	  - name: "Default"
//	    host: "0.0.0.0"
//	    port: 4444
//	    autostart: true
//
// Sessions:
//
//	sessions:
//	  command_timeout: "30s"
//	  transfer_timeout: "5m"
//	  handshake_timeout: "10s"
//	  heartbeat_timeout: "90s"   # "0s" disables
//	  task_retention: "1h"
//	  queue_depth: 32
//	  busy_policy: "queue"       # queue, reject
//
// Transfers:
//
//	transfers:
//	  chunk_size: 65536
//	  chunk_ack_timeout: "10s"
//	  max_edit_size: 1048576
//	downloads:
//	  dir: "downloads"
//
// Notifications (shoutrrr URLs):
//
//	notifications:
//	  urls: ["slack://token@channel"]
//	  alerts:
//	    client_connect: true
//	    client_disconnect: true
//	    file_transfer: true
//	    error: true
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config

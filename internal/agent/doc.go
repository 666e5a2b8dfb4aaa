// Package agent tracks remote agents attached to the gateway.
//
// # Overview
//
// An agent dials one of the gateway's listeners, sends a handshake frame
// describing its host, and is then registered under its client id until the
// connection drops or stops sending heartbeats.
//
// # Registry
//
//	reg := agent.NewRegistry(broadcaster, logger)
//
// Key operations:
//
//   - Register(conn): Attach an agent; duplicate live ids are refused
//   - Unregister(agentID): Detach an agent; reports false if already gone
//   - Lookup(agentID): Get the live Connection
//   - Get(agentID) / List(): Metadata snapshots
//
// Register and Unregister publish client_connected and client_disconnected.
//
// # Connection
//
// Connection owns the agent's net.Conn. Writes are serialized by a mutex so
// command, transfer and cancel frames never interleave on the wire. Reads are
// done by the session layer's reader goroutine only.
//
// # Metadata
//
// The handshake supplies hostname, username, OS, arch, process and working
// directory. The gateway adds the remote IP, the listener name and first/last
// seen times, and keeps the working directory current as command results
// report it.
package agent

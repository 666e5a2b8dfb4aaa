// Package gateway orchestrates the fleet-gateway server components.
//
// # Overview
//
// The gateway owns every long-lived component and the control surfaces
// that expose them:
//
//	type Gateway struct {
//	    broadcaster *broadcast.Broadcaster  // event fan-out
//	    registry    *agent.Registry         // attached agents
//	    sessions    *session.Mux            // one op in flight per agent
//	    listeners   *listener.Manager       // TCP endpoints agents dial
//	    dispatcher  *dispatch.Dispatcher    // command tasks
//	    transfers   *transfer.Coordinator   // file operations
//	    notifier    *notify.Notifier        // shoutrrr alerts
//	    // ... servers and store
//	}
//
// Every listener hands accepted sockets to handleAgentConn, which runs the
// handshake, attaches the session and records the sighting in the store.
//
// # WebSocket
//
// GET /ws streams every broadcast event to the client as JSON:
//
//	{"seq": 12, "type": "task_updated", "timestamp": "...", "data": {...}}
//
// Clients send requests as {"type": "...", "data": {...}}. Supported types:
// execute_command, cancel_task, download_file, get_file_content,
// upload_file, save_file, list_directory, delete_path, create_folder,
// create_listener, start_listener, stop_listener and delete_listener.
// Results arrive as ordinary events; a request refused before reaching an
// agent is answered with an "error" event sent only to the requester.
//
// # HTTP API
//
// The same operations are available as REST endpoints under /api (see
// routes in api.go). Responses carry "success" plus the named result;
// errors are {"success": false, "error": "..."} with a status code chosen
// by the kind of failure.
//
//   - GET /health - Liveness check
//   - GET /health/ready - 200 once a listener is running
//
// # gRPC Service
//
// FleetControl (fleet.v1) offers Execute, ListAgents and StreamEvents with
// google.protobuf.Struct messages, next to the standard grpc.health.v1
// service. NewFleetControlClient wraps a connection for callers.
//
// # Shutdown
//
// Shutdown stops listeners, detaches agents, waits for their handlers,
// closes the broadcaster so streaming clients drain, then stops the
// servers and closes the store.
package gateway

// ABOUTME: Event type names published on the broadcaster.
// ABOUTME: Shared by producers, the websocket relay and the notifier.

package broadcast

// Agent lifecycle.
const (
	ClientConnected    = "client_connected"
	ClientDisconnected = "client_disconnected"
	Telemetry          = "telemetry"
)

// Command tasks.
const (
	TaskCreated = "task_created"
	TaskUpdated = "task_updated"
)

// File operations.
const (
	FileReceived     = "file_received"
	FileContent      = "file_content"
	FileUploaded     = "file_uploaded"
	FileSaved        = "file_saved"
	DirectoryListing = "directory_listing"
	PathDeleted      = "path_deleted"
	FolderCreated    = "folder_created"
	TransferFailed   = "transfer_failed"
)

// Listener lifecycle.
const (
	ListenerCreated = "listener_created"
	ListenerStarted = "listener_started"
	ListenerStopped = "listener_stopped"
	ListenerDeleted = "listener_deleted"
)

// Error reports a failure that has no more specific event.
const Error = "error"

// ErrorData is the payload of an Error event.
type ErrorData struct {
	Message  string `json:"message"`
	ClientID string `json:"client_id,omitempty"`
}

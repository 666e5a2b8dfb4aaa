// ABOUTME: Frame types exchanged between the gateway and remote agents.
// ABOUTME: One flat JSON object per frame, discriminated by the type field.

package protocol

// FrameType identifies the kind of frame on the agent wire.
type FrameType string

// Handshake and liveness frames.
const (
	TypeHandshake FrameType = "handshake"
	TypeAck       FrameType = "ack"
	TypeHeartbeat FrameType = "heartbeat"
	TypeTelemetry FrameType = "telemetry"
	TypeError     FrameType = "error"
)

// Command frames.
const (
	TypeCommand       FrameType = "command"
	TypeCommandResult FrameType = "command_result"
	TypeCancel        FrameType = "cancel"
)

// File transfer frames.
const (
	TypeFileGet     FrameType = "file_get"
	TypeFilePut     FrameType = "file_put"
	TypeFileChunk   FrameType = "file_chunk"
	TypeFileEnd     FrameType = "file_end"
	TypeFileAck     FrameType = "file_ack"
	TypeFileError   FrameType = "file_error"
	TypeFileRead    FrameType = "file_read"
	TypeFileContent FrameType = "file_content"
	TypeFileWrite   FrameType = "file_write"
	TypeFileDelete  FrameType = "file_delete"
	TypeFileMkdir   FrameType = "file_mkdir"
	TypeListDir     FrameType = "list_dir"
	TypeListing     FrameType = "listing"
)

// Error codes an agent reports in file_error frames.
const (
	CodePathNotFound     = "path_not_found"
	CodePermissionDenied = "permission_denied"
	CodeTooLarge         = "too_large"
	CodeIO               = "io_error"
)

// EncodingZstd marks a chunk payload compressed with zstd.
const EncodingZstd = "zstd"

// CapabilityZstd is advertised by agents that accept zstd chunk payloads.
const CapabilityZstd = "zstd"

// SystemInfo is what an agent reports about its host during the handshake.
type SystemInfo struct {
	Hostname         string `json:"hostname"`
	Username         string `json:"username"`
	OS               string `json:"os"`
	Arch             string `json:"arch,omitempty"`
	ProcessID        int    `json:"process_id,omitempty"`
	ProcessName      string `json:"process_name,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// DirEntry is a single entry of a directory listing. IsDirectory is a
// pointer so that agents which omit it can be told apart from files.
type DirEntry struct {
	Name        string `json:"name"`
	IsDirectory *bool  `json:"is_directory,omitempty"`
	Size        int64  `json:"size"`
	Modified    string `json:"modified,omitempty"`
}

// Frame is a single message on the agent wire.
//
// TaskID carries the correlation id of the operation a frame belongs to.
// Frames that are not part of an operation (handshake, heartbeat,
// telemetry) leave it empty.
type Frame struct {
	Type      FrameType `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`

	SystemInfo   *SystemInfo `json:"system_info,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`

	// command / command_result
	Data   string `json:"data,omitempty"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	Cwd    string `json:"cwd,omitempty"`

	// file frames
	Path     string     `json:"path,omitempty"`
	Seq      int        `json:"seq"`
	Total    int        `json:"total,omitempty"`
	Size     int64      `json:"size,omitempty"`
	Digest   string     `json:"digest,omitempty"`
	Encoding string     `json:"encoding,omitempty"`
	Payload  []byte     `json:"payload,omitempty"`
	Content  string     `json:"content,omitempty"`
	Final    bool       `json:"final,omitempty"`
	Code     string     `json:"code,omitempty"`
	Entries  []DirEntry `json:"entries,omitempty"`

	Telemetry map[string]any `json:"telemetry,omitempty"`
}

// HasCapability reports whether caps contains name.
func HasCapability(caps []string, name string) bool {
	for _, c := range caps {
		if c == name {
			return true
		}
	}
	return false
}

// ABOUTME: Represents a single attached agent and owns its network connection.
// ABOUTME: Serializes frame writes and exposes deadline-bounded frame reads.

package agent

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/protocol"
)

// writeTimeout bounds a single frame write to an agent.
const writeTimeout = 10 * time.Second

// Info is the metadata the gateway keeps about an attached agent.
type Info struct {
	ID           string         `json:"id"`
	Hostname     string         `json:"hostname"`
	Username     string         `json:"username"`
	IPAddress    string         `json:"ip_address"`
	OS           string         `json:"os"`
	Arch         string         `json:"arch,omitempty"`
	ProcessID    int            `json:"process_id,omitempty"`
	ProcessName  string         `json:"process_name,omitempty"`
	WorkingDir   string         `json:"working_directory,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Listener     string         `json:"listener"`
	FirstSeen    time.Time      `json:"first_seen"`
	LastSeen     time.Time      `json:"last_seen"`
	Telemetry    map[string]any `json:"telemetry,omitempty"`
}

// Connection is an attached agent's transport. Reads happen on a single
// goroutine owned by the session layer; writes may come from anywhere.
type Connection struct {
	ID   string
	info Info

	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	logger    *slog.Logger
}

// NewConnection wraps conn for the agent described by info.
func NewConnection(info Info, conn net.Conn, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ID:     info.ID,
		info:   info,
		conn:   conn,
		reader: bufio.NewReader(conn),
		logger: logger,
	}
}

// Info returns the metadata captured at handshake time.
func (c *Connection) Info() Info {
	return c.info
}

// Send writes one frame to the agent.
func (c *Connection) Send(f *protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := protocol.WriteFrame(c.conn, f); err != nil {
		return err
	}
	c.logger.Debug("frame sent",
		"agent_id", c.ID,
		"type", f.Type,
		"task_id", f.TaskID)
	return nil
}

// Recv reads the next frame. A zero timeout waits indefinitely.
func (c *Connection) Recv(timeout time.Duration) (*protocol.Frame, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}
	return protocol.ReadFrame(c.reader)
}

// Close closes the underlying connection once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

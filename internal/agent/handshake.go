// ABOUTME: Agent handshake: reads the first frame and builds a Connection.
// ABOUTME: Also sends the ack or rejection that closes out the handshake.

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/protocol"
)

// ErrHandshakeFailed wraps every reason a handshake can be refused.
var ErrHandshakeFailed = errors.New("handshake failed")

// Handshake waits up to timeout for the agent's handshake frame and returns
// a Connection describing it. The caller owns conn on error.
func Handshake(conn net.Conn, listener string, timeout time.Duration, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pending := NewConnection(Info{}, conn, logger)
	f, err := pending.Recv(timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if f.Type != protocol.TypeHandshake {
		return nil, fmt.Errorf("%w: expected handshake, got %q", ErrHandshakeFailed, f.Type)
	}
	if f.SystemInfo == nil {
		return nil, fmt.Errorf("%w: missing system_info", ErrHandshakeFailed)
	}

	id := f.ClientID
	if id == "" {
		id = uuid.New().String()
	}

	now := time.Now().UTC()
	info := Info{
		ID:           id,
		Hostname:     f.SystemInfo.Hostname,
		Username:     f.SystemInfo.Username,
		IPAddress:    remoteIP(conn),
		OS:           f.SystemInfo.OS,
		Arch:         f.SystemInfo.Arch,
		ProcessID:    f.SystemInfo.ProcessID,
		ProcessName:  f.SystemInfo.ProcessName,
		WorkingDir:   f.SystemInfo.WorkingDirectory,
		Capabilities: f.Capabilities,
		Listener:     listener,
		FirstSeen:    now,
		LastSeen:     now,
	}

	// Reuse the buffered reader so bytes read past the handshake are kept.
	pending.ID = id
	pending.info = info
	pending.logger = logger.With("agent_id", id)
	return pending, nil
}

// Acknowledge completes a successful handshake.
func (c *Connection) Acknowledge() error {
	return c.Send(&protocol.Frame{
		Type:      protocol.TypeAck,
		ClientID:  c.ID,
		Timestamp: time.Now().Unix(),
	})
}

// Reject tells the agent why it was refused and closes the connection.
func (c *Connection) Reject(reason error) {
	if err := c.Send(&protocol.Frame{Type: protocol.TypeError, ClientID: c.ID, Error: reason.Error()}); err != nil {
		c.logger.Debug("failed to send rejection", "error", err)
	}
	_ = c.Close()
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

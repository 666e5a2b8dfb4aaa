// ABOUTME: Serves one accepted agent socket from handshake until it detaches.
// ABOUTME: Records each agent sighting in the store on attach and detach.

package gateway

import (
	"context"
	"net"
	"time"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/store"
)

// handleAgentConn is the listener.ConnHandler for every listener. It
// returns once the agent's session has ended.
func (g *Gateway) handleAgentConn(ctx context.Context, listenerName string, conn net.Conn) {
	c, err := agent.Handshake(conn, listenerName, g.config.Sessions.HandshakeTimeout, g.logger)
	if err != nil {
		g.logger.Warn("agent handshake failed",
			"listener", listenerName,
			"remote", conn.RemoteAddr().String(),
			"error", err)
		_ = conn.Close()
		return
	}

	s, err := g.sessions.Attach(c)
	if err != nil {
		g.logger.Warn("agent refused", "agent_id", c.ID, "listener", listenerName, "error", err)
		c.Reject(err)
		return
	}

	g.recordSighting(ctx, c.Info(), time.Now())

	select {
	case <-s.Done():
	case <-ctx.Done():
		_ = g.sessions.Disconnect(c.ID)
		<-s.Done()
	}

	// ctx may be done here, the final sighting still has to be written.
	g.recordSighting(context.WithoutCancel(ctx), c.Info(), time.Now())
}

func (g *Gateway) recordSighting(ctx context.Context, info agent.Info, seen time.Time) {
	err := g.store.RecordAgentSeen(ctx, &store.AgentSighting{
		AgentID:   info.ID,
		Hostname:  info.Hostname,
		Username:  info.Username,
		IPAddress: info.IPAddress,
		OS:        info.OS,
		Listener:  info.Listener,
		FirstSeen: info.FirstSeen,
		LastSeen:  seen,
	})
	if err != nil {
		g.logger.Warn("failed to record agent sighting", "agent_id", info.ID, "error", err)
	}
}

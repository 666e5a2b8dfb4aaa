// ABOUTME: Registry of attached agents keyed by agent id.
// ABOUTME: Announces attach/detach on the broadcaster and serves snapshots.

package agent

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/broadcast"
)

// ErrAgentAlreadyRegistered indicates an agent with the same ID is already attached.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent is not attached.
var ErrAgentNotFound = errors.New("agent not found")

type registration struct {
	conn *Connection
	info Info
}

// Registry tracks every attached agent.
type Registry struct {
	agents    map[string]*registration
	mu        sync.RWMutex
	publisher broadcast.Publisher
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. publisher may be nil.
func NewRegistry(publisher broadcast.Publisher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents:    make(map[string]*registration),
		publisher: publisher,
		logger:    logger,
	}
}

// Register adds an agent connection and announces it.
// Returns ErrAgentAlreadyRegistered if the id is already attached.
func (r *Registry) Register(conn *Connection) error {
	r.mu.Lock()
	if _, exists := r.agents[conn.ID]; exists {
		r.mu.Unlock()
		return ErrAgentAlreadyRegistered
	}
	info := conn.Info()
	r.agents[conn.ID] = &registration{conn: conn, info: info}
	total := len(r.agents)
	r.mu.Unlock()

	r.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.ID,
		"hostname", info.Hostname,
		"username", info.Username,
		"ip", info.IPAddress,
		"listener", info.Listener,
		"total_agents", total,
	)
	r.publish(broadcast.ClientConnected, info)
	return nil
}

// Unregister removes an agent and announces the detach.
// It reports false when the agent was already absent.
func (r *Registry) Unregister(agentID string) bool {
	r.mu.Lock()
	reg, exists := r.agents[agentID]
	if exists {
		delete(r.agents, agentID)
	}
	total := len(r.agents)
	r.mu.Unlock()

	if !exists {
		return false
	}

	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", agentID,
		"hostname", reg.info.Hostname,
		"total_agents", total,
	)
	r.publish(broadcast.ClientDisconnected, reg.info)
	return true
}

// Lookup returns the connection for an attached agent.
func (r *Registry) Lookup(agentID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return reg.conn, true
}

// Get returns the current metadata for an agent.
func (r *Registry) Get(agentID string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.agents[agentID]
	if !ok {
		return Info{}, ErrAgentNotFound
	}
	return cloneInfo(reg.info), nil
}

// List returns a snapshot of every attached agent ordered by first-seen time.
// Agents that attach or detach after the call are not reflected.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.agents))
	for _, reg := range r.agents {
		out = append(out, cloneInfo(reg.info))
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Info) int {
		if c := a.FirstSeen.Compare(b.FirstSeen); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Count returns the number of attached agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Touch records inbound activity from an agent.
func (r *Registry) Touch(agentID string) {
	r.update(agentID, func(info *Info) {
		info.LastSeen = time.Now().UTC()
	})
}

// SetWorkingDir records the agent's current directory as last reported.
func (r *Registry) SetWorkingDir(agentID, dir string) {
	if dir == "" {
		return
	}
	r.update(agentID, func(info *Info) {
		info.WorkingDir = dir
	})
}

// SetTelemetry replaces the latest telemetry snapshot for an agent.
func (r *Registry) SetTelemetry(agentID string, telemetry map[string]any) {
	r.update(agentID, func(info *Info) {
		info.Telemetry = maps.Clone(telemetry)
		info.LastSeen = time.Now().UTC()
	})
}

func (r *Registry) update(agentID string, fn func(*Info)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.agents[agentID]; ok {
		fn(&reg.info)
	}
}

func (r *Registry) publish(eventType string, info Info) {
	if r.publisher != nil {
		r.publisher.Publish(eventType, cloneInfo(info))
	}
}

func cloneInfo(info Info) Info {
	info.Capabilities = slices.Clone(info.Capabilities)
	info.Telemetry = maps.Clone(info.Telemetry)
	return info
}

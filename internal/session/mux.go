// ABOUTME: Session multiplexer: one Session per attached agent.
// ABOUTME: Attaches connections, routes submissions and detaches on disconnect.

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/broadcast"
	"github.com/2389/fleet-gateway/internal/dedupe"
)

// BusyPolicy decides what happens when work is submitted to a busy agent.
type BusyPolicy string

const (
	// BusyQueue appends to the agent's FIFO until it is full.
	BusyQueue BusyPolicy = "queue"
	// BusyReject refuses work while anything is pending for the agent.
	BusyReject BusyPolicy = "reject"
)

// Config tunes every session created by a Mux.
type Config struct {
	QueueDepth int
	BusyPolicy BusyPolicy

	// HeartbeatTimeout detaches an agent that sends nothing for this long.
	// Zero disables the check.
	HeartbeatTimeout time.Duration

	// TombstoneTTL is how long finished correlation ids are remembered so
	// late frames can be recognised.
	TombstoneTTL time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		QueueDepth:       32,
		BusyPolicy:       BusyQueue,
		HeartbeatTimeout: 90 * time.Second,
		TombstoneTTL:     10 * time.Minute,
	}
}

// Mux owns the sessions of all attached agents.
type Mux struct {
	cfg        Config
	registry   *agent.Registry
	publisher  broadcast.Publisher
	tombstones *dedupe.Cache[struct{}]

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	logger *slog.Logger
}

// NewMux creates a multiplexer that registers attached agents in registry.
// publisher may be nil.
func NewMux(cfg Config, registry *agent.Registry, publisher broadcast.Publisher, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaults.QueueDepth
	}
	if cfg.BusyPolicy == "" {
		cfg.BusyPolicy = defaults.BusyPolicy
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = defaults.TombstoneTTL
	}
	return &Mux{
		cfg:        cfg,
		registry:   registry,
		publisher:  publisher,
		tombstones: dedupe.New[struct{}](cfg.TombstoneTTL, 100_000),
		sessions:   make(map[string]*Session),
		logger:     logger,
	}
}

// Attach creates the session for a handshaken connection, acknowledges the
// handshake, registers the agent and starts its reader and worker. The ack
// is on the wire before the agent is announced, and the session exists by
// then, so work submitted as soon as clients hear about it follows the ack.
func (m *Mux) Attach(conn *agent.Connection) (*Session, error) {
	s := newSession(m, conn)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := m.sessions[conn.ID]; exists {
		m.mu.Unlock()
		return nil, agent.ErrAgentAlreadyRegistered
	}
	m.sessions[conn.ID] = s
	m.mu.Unlock()

	if err := conn.Acknowledge(); err != nil {
		m.mu.Lock()
		delete(m.sessions, conn.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("acknowledging handshake: %w", err)
	}

	if err := m.registry.Register(conn); err != nil {
		m.mu.Lock()
		delete(m.sessions, conn.ID)
		m.mu.Unlock()
		return nil, err
	}

	go s.work()
	go s.read()
	return s, nil
}

// Submit queues op on the agent's session. It returns immediately; the
// outcome is delivered through op.Done.
func (m *Mux) Submit(agentID string, op *Op) error {
	if op.Run == nil {
		return errors.New("session: op has no Run function")
	}
	if op.ID == "" {
		op.ID = uuid.New().String()
	}

	s, ok := m.session(agentID)
	if !ok {
		return agent.ErrAgentNotFound
	}
	if err := s.enqueue(op); err != nil {
		return err
	}
	m.logger.Debug("operation queued",
		"agent_id", agentID,
		"task_id", op.ID,
		"kind", op.Kind)
	return nil
}

// Cancel aborts a queued or in-flight op. Cancelling an op that already
// finished returns ErrOperationNotFound.
func (m *Mux) Cancel(agentID, opID string) error {
	s, ok := m.session(agentID)
	if !ok {
		return agent.ErrAgentNotFound
	}
	return s.cancelOp(opID)
}

// Status returns the queue state of an agent's session.
func (m *Mux) Status(agentID string) (Status, error) {
	s, ok := m.session(agentID)
	if !ok {
		return Status{}, agent.ErrAgentNotFound
	}
	return s.Status(), nil
}

// Disconnect closes an agent's connection. Its ops fail with
// ErrAgentDisconnected and the agent is unregistered.
func (m *Mux) Disconnect(agentID string) error {
	s, ok := m.session(agentID)
	if !ok {
		return agent.ErrAgentNotFound
	}
	m.detach(s, ErrAgentDisconnected)
	return nil
}

func (m *Mux) session(agentID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[agentID]
	return s, ok
}

// detach removes s, fails its work and unregisters the agent. Later
// submissions for the agent see ErrAgentNotFound.
func (m *Mux) detach(s *Session, cause error) {
	m.mu.Lock()
	if m.sessions[s.agentID] == s {
		delete(m.sessions, s.agentID)
	}
	m.mu.Unlock()

	s.close(cause)
	_ = s.conn.Close()
	m.registry.Unregister(s.agentID)
}

func (m *Mux) publish(eventType string, data any) {
	if m.publisher != nil {
		m.publisher.Publish(eventType, data)
	}
}

// Close detaches every agent and refuses further attachments.
func (m *Mux) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.detach(s, ErrAgentDisconnected)
	}
	m.tombstones.Close()
}

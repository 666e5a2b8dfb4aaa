// ABOUTME: Per-agent session: bounded FIFO of ops with one op in flight.
// ABOUTME: Owns the reader that demultiplexes agent frames to ops and telemetry.

package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/broadcast"
	"github.com/2389/fleet-gateway/internal/protocol"
)

// inboxSize bounds frames buffered for the in-flight op. The reader blocks
// once it is full, which pushes back on the agent's connection.
const inboxSize = 64

// TelemetryData is the payload of a telemetry event.
type TelemetryData struct {
	ClientID  string         `json:"client_id"`
	Telemetry map[string]any `json:"telemetry"`
}

// Status is a point-in-time view of a session's queue.
type Status struct {
	AgentID  string `json:"client_id"`
	InFlight string `json:"in_flight,omitempty"`
	Kind     Kind   `json:"kind,omitempty"`
	Queued   int    `json:"queued"`
}

type pending struct {
	op    *Op
	once  sync.Once
	inbox chan *protocol.Frame

	// Set when the op leaves the queue.
	ctx       context.Context
	cancel    context.CancelCauseFunc
	stopTimer context.CancelFunc
}

func (p *pending) finish(err error) {
	p.once.Do(func() {
		if p.op.Done != nil {
			p.op.Done(err)
		}
	})
}

// Session serializes all work for one agent.
type Session struct {
	agentID string
	conn    *agent.Connection
	mux     *Mux

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	queue    []*pending
	inflight *pending
	closed   bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	logger  *slog.Logger
}

func newSession(m *Mux, conn *agent.Connection) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Session{
		agentID: conn.ID,
		conn:    conn,
		mux:     m,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  m.logger.With("agent_id", conn.ID),
	}
}

// AgentID returns the id of the agent this session serves.
func (s *Session) AgentID() string {
	return s.agentID
}

// Done is closed once the session has ended and its last op has finished.
func (s *Session) Done() <-chan struct{} {
	return s.stopped
}

// Status reports what the session is doing right now.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{AgentID: s.agentID, Queued: len(s.queue)}
	if s.inflight != nil {
		st.InFlight = s.inflight.op.ID
		st.Kind = s.inflight.op.Kind
	}
	return st
}

func (s *Session) enqueue(op *Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return agent.ErrAgentNotFound
	}
	if s.mux.cfg.BusyPolicy == BusyReject && (s.inflight != nil || len(s.queue) > 0) {
		return ErrAgentBusy
	}
	if len(s.queue) >= s.mux.cfg.QueueDepth {
		return ErrQueueFull
	}

	s.queue = append(s.queue, &pending{
		op:    op,
		inbox: make(chan *protocol.Frame, inboxSize),
	})

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) cancelOp(opID string) error {
	s.mu.Lock()
	for i, p := range s.queue {
		if p.op.ID == opID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.mu.Unlock()
			s.logger.Info("queued operation cancelled", "task_id", opID)
			p.finish(ErrCanceled)
			return nil
		}
	}
	if p := s.inflight; p != nil && p.op.ID == opID {
		s.mu.Unlock()
		s.logger.Info("in-flight operation cancelled", "task_id", opID)
		p.cancel(ErrCanceled)
		return nil
	}
	s.mu.Unlock()
	return ErrOperationNotFound
}

// next blocks until an op is queued and marks it in flight.
// It returns nil once the session is closed.
func (s *Session) next() *pending {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil
		}
		if len(s.queue) > 0 {
			if s.inflight != nil {
				panic("session: operation started while another is in flight")
			}
			p := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]

			ctx, cancel := context.WithCancelCause(s.ctx)
			p.cancel = cancel
			p.stopTimer = func() {}
			if p.op.Timeout > 0 {
				ctx, p.stopTimer = context.WithTimeoutCause(ctx, p.op.Timeout, ErrTimeout)
			}
			p.ctx = ctx
			s.inflight = p
			s.mu.Unlock()
			return p
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
			return nil
		}
	}
}

// work runs queued ops one at a time until the session closes.
func (s *Session) work() {
	defer close(s.stopped)
	for {
		p := s.next()
		if p == nil {
			return
		}
		s.execute(p)
	}
}

func (s *Session) execute(p *pending) {
	started := time.Now()
	x := &Exchange{opID: p.op.ID, conn: s.conn, inbox: p.inbox}
	err := p.op.Run(p.ctx, x)
	if err != nil && p.ctx.Err() != nil {
		err = context.Cause(p.ctx)
	}
	p.stopTimer()
	p.cancel(nil)

	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrCanceled) {
		if sendErr := s.conn.Send(&protocol.Frame{Type: protocol.TypeCancel, TaskID: p.op.ID}); sendErr != nil {
			s.logger.Debug("failed to send cancel frame", "task_id", p.op.ID, "error", sendErr)
		}
	}

	s.mux.tombstones.Put(p.op.ID, struct{}{})
	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()

	s.logger.Debug("operation finished",
		"task_id", p.op.ID,
		"kind", p.op.Kind,
		"duration", time.Since(started),
		"error", err)
	p.finish(err)
}

// read demultiplexes inbound frames until the connection fails.
func (s *Session) read() {
	defer s.mux.detach(s, ErrAgentDisconnected)

	for {
		f, err := s.conn.Recv(s.mux.cfg.HeartbeatTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("agent heartbeat timeout", "timeout", s.mux.cfg.HeartbeatTimeout)
			} else {
				s.logger.Debug("agent read ended", "error", err)
			}
			return
		}
		s.mux.registry.Touch(s.agentID)
		s.route(f)
	}
}

func (s *Session) route(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeHeartbeat:
		return
	case protocol.TypeTelemetry:
		s.mux.registry.SetTelemetry(s.agentID, f.Telemetry)
		s.mux.publish(broadcast.Telemetry, TelemetryData{ClientID: s.agentID, Telemetry: f.Telemetry})
		return
	}

	if f.TaskID == "" {
		s.logger.Warn("discarding uncorrelated frame", "type", f.Type)
		return
	}

	s.mu.Lock()
	p := s.inflight
	s.mu.Unlock()

	if p != nil && p.op.ID == f.TaskID && p.ctx.Err() == nil {
		select {
		case p.inbox <- f:
		case <-p.ctx.Done():
			s.logger.Warn("discarding late frame for finished operation",
				"task_id", f.TaskID,
				"type", f.Type)
		}
		return
	}

	if s.mux.tombstones.Contains(f.TaskID) {
		s.logger.Warn("discarding late frame for finished operation",
			"task_id", f.TaskID,
			"type", f.Type)
		return
	}
	s.logger.Warn("discarding frame for unknown operation",
		"task_id", f.TaskID,
		"type", f.Type)
}

// close fails every queued op and aborts the in-flight one with cause.
func (s *Session) close(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.cancel(cause)
	close(s.done)

	for _, p := range queued {
		p.finish(cause)
	}
	if len(queued) > 0 {
		s.logger.Info("failed queued operations", "count", len(queued), "reason", cause)
	}
}

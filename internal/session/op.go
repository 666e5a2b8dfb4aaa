// ABOUTME: Operation and Exchange types run by a Session worker.
// ABOUTME: An Exchange is an op's private view of the agent connection.

package session

import (
	"context"
	"errors"
	"time"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/protocol"
)

var (
	// ErrQueueFull is returned when an agent's queue has no room.
	ErrQueueFull = errors.New("agent queue full")

	// ErrAgentBusy is returned under the reject policy while an op is pending.
	ErrAgentBusy = errors.New("agent busy")

	// ErrTimeout fails an op whose deadline passed before it completed.
	ErrTimeout = errors.New("operation timed out")

	// ErrCanceled fails an op cancelled by an operator.
	ErrCanceled = errors.New("operation canceled")

	// ErrAgentDisconnected fails every op of an agent whose connection dropped.
	ErrAgentDisconnected = errors.New("agent disconnected")

	// ErrOperationNotFound is returned when cancelling an unknown or finished op.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrClosed is returned by a multiplexer that has been shut down.
	ErrClosed = errors.New("session multiplexer closed")
)

// Kind distinguishes commands from file transfers in logs and status.
type Kind string

const (
	KindCommand  Kind = "command"
	KindTransfer Kind = "transfer"
)

// Op is one unit of work sent to an agent. Ops for the same agent run one
// at a time, in submission order.
type Op struct {
	// ID is the correlation id. Submit assigns one when empty.
	ID   string
	Kind Kind

	// Timeout bounds the op from the moment it starts on the agent.
	// Zero means no deadline.
	Timeout time.Duration

	// Run drives the exchange with the agent. It is called on the session
	// worker and must return once ctx is done.
	Run func(ctx context.Context, x *Exchange) error

	// Done is called exactly once with the terminal error, nil on success.
	// It is called for ops that never started too (cancelled or dropped).
	Done func(err error)
}

// Exchange is the channel between a running op and its agent. Frames sent
// through it carry the op's correlation id; Recv yields only frames the
// agent tagged with that id.
type Exchange struct {
	opID  string
	conn  *agent.Connection
	inbox chan *protocol.Frame
}

// ID returns the op's correlation id.
func (x *Exchange) ID() string {
	return x.opID
}

// Agent returns the handshake metadata of the agent this op runs on.
func (x *Exchange) Agent() agent.Info {
	return x.conn.Info()
}

// Send tags f with the correlation id and writes it to the agent.
func (x *Exchange) Send(f *protocol.Frame) error {
	f.TaskID = x.opID
	return x.conn.Send(f)
}

// Recv waits for the next frame for this op. When ctx ends it returns the
// context's cause: ErrTimeout, ErrCanceled or ErrAgentDisconnected.
func (x *Exchange) Recv(ctx context.Context) (*protocol.Frame, error) {
	select {
	case f := <-x.inbox:
		return f, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// RecvWithin is Recv bounded by an extra per-step timeout. errStep is
// returned when only the step timeout expired.
func (x *Exchange) RecvWithin(ctx context.Context, d time.Duration, errStep error) (*protocol.Frame, error) {
	stepCtx, cancel := context.WithTimeoutCause(ctx, d, errStep)
	defer cancel()
	return x.Recv(stepCtx)
}

// ABOUTME: Test harness wiring a registry, multiplexer and simulated agents.
// ABOUTME: Shared by package tests that need live agents without sockets.

package fleettest

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/agentsim"
	"github.com/2389/fleet-gateway/internal/session"
)

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Event is one recorded publication.
type Event struct {
	Type string
	Data any
}

// Recorder is a broadcast.Publisher that remembers what it saw.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records the event.
func (r *Recorder) Publish(eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: eventType, Data: data})
}

// Of returns the payloads published under eventType, in order.
func (r *Recorder) Of(eventType string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e.Data)
		}
	}
	return out
}

// Types returns every published event type, in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Fleet is a registry and multiplexer with no listeners in front.
type Fleet struct {
	Registry *agent.Registry
	Mux      *session.Mux
	Events   *Recorder
}

// New builds a Fleet that is torn down with the test.
func New(t *testing.T, cfg session.Config) *Fleet {
	t.Helper()
	rec := &Recorder{}
	reg := agent.NewRegistry(rec, Logger())
	m := session.NewMux(cfg, reg, rec, Logger())
	t.Cleanup(m.Close)
	return &Fleet{Registry: reg, Mux: m, Events: rec}
}

// Attach connects sim over an in-memory pipe and starts its frame loop.
func (f *Fleet) Attach(t *testing.T, sim *agentsim.Agent) {
	t.Helper()
	server, client := net.Pipe()

	handshakeErr := make(chan error, 1)
	go func() { handshakeErr <- sim.Handshake(client) }()

	conn, err := agent.Handshake(server, "test", time.Second, Logger())
	require.NoError(t, err)
	_, err = f.Mux.Attach(conn)
	require.NoError(t, err)
	require.NoError(t, <-handshakeErr)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sim.Loop(ctx) }()
	t.Cleanup(func() {
		cancel()
		sim.Close()
	})
}

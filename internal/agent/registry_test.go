// ABOUTME: Tests for the agent Registry and handshake.
// ABOUTME: Validates registration, duplicate ids, snapshots and published events.

package agent

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/broadcast"
	"github.com/2389/fleet-gateway/internal/protocol"
)

type recordedEvent struct {
	Type string
	Data any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) Publish(eventType string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{Type: eventType, Data: data})
}

func (p *recordingPublisher) Events() []recordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recordedEvent(nil), p.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConnection(t *testing.T, id string) *Connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return NewConnection(Info{ID: id, Hostname: "host-" + id, FirstSeen: time.Now()}, server, testLogger())
}

func TestRegistry_Register(t *testing.T) {
	t.Run("registers and announces", func(t *testing.T) {
		pub := &recordingPublisher{}
		reg := NewRegistry(pub, testLogger())

		require.NoError(t, reg.Register(newTestConnection(t, "a1")))

		conn, ok := reg.Lookup("a1")
		require.True(t, ok)
		assert.Equal(t, "a1", conn.ID)

		events := pub.Events()
		require.Len(t, events, 1)
		assert.Equal(t, broadcast.ClientConnected, events[0].Type)
		info, ok := events[0].Data.(Info)
		require.True(t, ok)
		assert.Equal(t, "host-a1", info.Hostname)
	})

	t.Run("duplicate live id is refused", func(t *testing.T) {
		pub := &recordingPublisher{}
		reg := NewRegistry(pub, testLogger())

		require.NoError(t, reg.Register(newTestConnection(t, "dup")))
		err := reg.Register(newTestConnection(t, "dup"))
		assert.ErrorIs(t, err, ErrAgentAlreadyRegistered)
		assert.Len(t, pub.Events(), 1)
		assert.Equal(t, 1, reg.Count())
	})
}

func TestRegistry_Unregister(t *testing.T) {
	pub := &recordingPublisher{}
	reg := NewRegistry(pub, testLogger())
	require.NoError(t, reg.Register(newTestConnection(t, "a1")))

	assert.True(t, reg.Unregister("a1"))
	assert.False(t, reg.Unregister("a1"), "second unregister reports already absent")
	assert.False(t, reg.Unregister("never"))

	_, ok := reg.Lookup("a1")
	assert.False(t, ok)

	events := pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, broadcast.ClientDisconnected, events[1].Type)
}

func TestRegistry_GetNotFound(t *testing.T) {
	reg := NewRegistry(nil, testLogger())
	_, err := reg.Get("missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRegistry_ListIsSnapshot(t *testing.T) {
	reg := NewRegistry(nil, testLogger())
	for i := range 3 {
		require.NoError(t, reg.Register(newTestConnection(t, fmt.Sprintf("a%d", i))))
	}

	list := reg.List()
	require.Len(t, list, 3)

	require.NoError(t, reg.Register(newTestConnection(t, "late")))
	assert.Len(t, list, 3, "earlier snapshot is unaffected")

	list[0].Hostname = "mutated"
	info, err := reg.Get(list[0].ID)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", info.Hostname)
}

func TestRegistry_MetadataUpdates(t *testing.T) {
	reg := NewRegistry(nil, testLogger())
	require.NoError(t, reg.Register(newTestConnection(t, "a1")))

	before, err := reg.Get("a1")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	reg.Touch("a1")
	reg.SetWorkingDir("a1", "/srv")
	reg.SetWorkingDir("a1", "")
	reg.SetTelemetry("a1", map[string]any{"cpu": 12.5})

	after, err := reg.Get("a1")
	require.NoError(t, err)
	assert.True(t, after.LastSeen.After(before.LastSeen))
	assert.Equal(t, "/srv", after.WorkingDir)
	assert.Equal(t, 12.5, after.Telemetry["cpu"])

	// Updates for unknown agents are ignored.
	reg.Touch("ghost")
}

func TestRegistry_ConcurrentRegisterUnregister(t *testing.T) {
	reg := NewRegistry(&recordingPublisher{}, testLogger())

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", n)
			server, client := net.Pipe()
			defer server.Close()
			defer client.Close()
			conn := NewConnection(Info{ID: id}, server, testLogger())
			_ = reg.Register(conn)
			_ = reg.List()
			reg.Unregister(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, reg.Count())
}

func TestHandshake(t *testing.T) {
	t.Run("builds connection from handshake frame", func(t *testing.T) {
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()

		go func() {
			_ = protocol.WriteFrame(client, &protocol.Frame{
				Type:         protocol.TypeHandshake,
				ClientID:     "agent-7",
				Capabilities: []string{protocol.CapabilityZstd},
				SystemInfo: &protocol.SystemInfo{
					Hostname:         "box",
					Username:         "ops",
					OS:               "Linux",
					WorkingDirectory: "/home/ops",
				},
			})
		}()

		conn, err := Handshake(server, "L1", time.Second, testLogger())
		require.NoError(t, err)

		info := conn.Info()
		assert.Equal(t, "agent-7", info.ID)
		assert.Equal(t, "box", info.Hostname)
		assert.Equal(t, "L1", info.Listener)
		assert.Equal(t, "/home/ops", info.WorkingDir)
		assert.Equal(t, []string{protocol.CapabilityZstd}, info.Capabilities)
	})

	t.Run("assigns id when agent sends none", func(t *testing.T) {
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()

		go func() {
			_ = protocol.WriteFrame(client, &protocol.Frame{
				Type:       protocol.TypeHandshake,
				SystemInfo: &protocol.SystemInfo{Hostname: "box"},
			})
		}()

		conn, err := Handshake(server, "L1", time.Second, testLogger())
		require.NoError(t, err)
		assert.NotEmpty(t, conn.ID)
	})

	t.Run("wrong first frame", func(t *testing.T) {
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()

		go func() {
			_ = protocol.WriteFrame(client, &protocol.Frame{Type: protocol.TypeHeartbeat})
		}()

		_, err := Handshake(server, "L1", time.Second, testLogger())
		assert.ErrorIs(t, err, ErrHandshakeFailed)
	})

	t.Run("times out", func(t *testing.T) {
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()

		_, err := Handshake(server, "L1", 20*time.Millisecond, testLogger())
		assert.ErrorIs(t, err, ErrHandshakeFailed)
	})
}

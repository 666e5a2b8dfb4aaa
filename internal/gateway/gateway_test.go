// ABOUTME: Tests for Gateway wiring, Run lifecycle and agent connection handling
// ABOUTME: Shared helpers start listeners and attach simulated agents over TCP

package gateway

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/agentsim"
	"github.com/2389/fleet-gateway/internal/broadcast"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/fleettest"
	"github.com/2389/fleet-gateway/internal/store"
)

// recordingSender captures notifications instead of sending them.
type recordingSender struct {
	mu       sync.Mutex
	messages []string
}

func (s *recordingSender) Send(url, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return nil
}

func (s *recordingSender) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

// testConfig returns a config with no listeners and loopback control ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.GRPCAddr = ""
	cfg.Listeners = nil
	cfg.Database.Path = ":memory:"
	cfg.Downloads.Dir = t.TempDir()
	cfg.Notifications.URLs = nil
	cfg.Sessions.CommandTimeout = 5 * time.Second
	cfg.Sessions.TransferTimeout = 5 * time.Second
	cfg.Sessions.HandshakeTimeout = 2 * time.Second
	return cfg
}

// newTestGateway builds a gateway over a mock store. It is never Run;
// tests drive its handlers and listeners directly.
func newTestGateway(t *testing.T, mutate ...func(*config.Config)) *Gateway {
	t.Helper()
	cfg := testConfig(t)
	for _, fn := range mutate {
		fn(cfg)
	}
	gw := newGateway(cfg, store.NewMockStore(), &recordingSender{}, fleettest.Logger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

// startListener creates and starts a loopback listener on an ephemeral
// port and returns its bound address.
func startListener(t *testing.T, gw *Gateway, name string) string {
	t.Helper()
	_, err := gw.listeners.Create(name, "127.0.0.1", 0)
	require.NoError(t, err)
	snap, err := gw.listeners.Start(name)
	require.NoError(t, err)
	require.NotEmpty(t, snap.Address)
	return snap.Address
}

// connectAgent dials addr with sim and waits until the gateway has
// registered it.
func connectAgent(t *testing.T, gw *Gateway, addr string, sim *agentsim.Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sim.Dial(ctx, addr)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		_, err := gw.registry.Get(sim.ID)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "agent %s never registered", sim.ID)
}

func TestNew_OpensStoreAndWiresComponents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "fleet.db")

	gw, err := New(cfg, fleettest.Logger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.broadcaster)
	assert.NotNil(t, gw.registry)
	assert.NotNil(t, gw.sessions)
	assert.NotNil(t, gw.listeners)
	assert.NotNil(t, gw.dispatcher)
	assert.NotNil(t, gw.transfers)
	assert.NotNil(t, gw.notifier)
	assert.NotNil(t, gw.grpcServer)
	assert.NotNil(t, gw.httpServer)
}

func TestNew_DatabasePathFromEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.db")
	t.Setenv("FLEET_DB_PATH", path)

	cfg := testConfig(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "ignored", "missing", "fleet.db")

	gw, err := New(cfg, fleettest.Logger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	require.NoError(t, gw.store.SetSetting(context.Background(), "probe", "1"))
	assert.FileExists(t, path)
}

func TestNewGateway_StoredAlertsOverrideConfig(t *testing.T) {
	s := store.NewMockStore()
	require.NoError(t, s.SetSetting(context.Background(), alertsSettingKey,
		`{"client_connect":false,"client_disconnect":true,"file_transfer":false,"error":true}`))

	gw := newGateway(testConfig(t), s, &recordingSender{}, fleettest.Logger())
	defer gw.Shutdown(context.Background())

	a := gw.notifier.Alerts()
	assert.False(t, a.ClientConnect)
	assert.True(t, a.ClientDisconnect)
	assert.False(t, a.FileTransfer)
	assert.True(t, a.Error)
}

func TestNewGateway_MalformedStoredAlertsIgnored(t *testing.T) {
	s := store.NewMockStore()
	require.NoError(t, s.SetSetting(context.Background(), alertsSettingKey, "{not json"))

	gw := newGateway(testConfig(t), s, &recordingSender{}, fleettest.Logger())
	defer gw.Shutdown(context.Background())

	assert.Equal(t, "true true true true", alertsString(gw))
}

func alertsString(gw *Gateway) string {
	a := gw.notifier.Alerts()
	b := func(v bool) string {
		if v {
			return "true"
		}
		return "false"
	}
	return b(a.ClientConnect) + " " + b(a.ClientDisconnect) + " " + b(a.FileTransfer) + " " + b(a.Error)
}

func TestRun_StartsConfiguredListenersAndStops(t *testing.T) {
	gw := newTestGateway(t, func(cfg *config.Config) {
		cfg.Server.GRPCAddr = "127.0.0.1:0"
		cfg.Listeners = []config.ListenerConfig{
			{Name: "auto", Host: "127.0.0.1", Port: 0, Autostart: true},
			{Name: "manual", Host: "127.0.0.1", Port: 0},
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		snap, err := gw.listeners.Get("auto")
		return err == nil && snap.Running
	}, 5*time.Second, 10*time.Millisecond)

	manual, err := gw.listeners.Get("manual")
	require.NoError(t, err)
	assert.False(t, manual.Running)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ListenerBindFailureDoesNotAbort(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer held.Close()
	port := held.Addr().(*net.TCPAddr).Port

	gw := newTestGateway(t, func(cfg *config.Config) {
		cfg.Listeners = []config.ListenerConfig{
			{Name: "taken", Host: "127.0.0.1", Port: port, Autostart: true},
			{Name: "free", Host: "127.0.0.1", Port: 0, Autostart: true},
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := gw.broadcaster.Subscribe(ctx)

	runErr := make(chan error, 1)
	go func() { runErr <- gw.Run(ctx) }()

	var errEvent *broadcast.Event
	deadline := time.After(5 * time.Second)
	for errEvent == nil {
		select {
		case ev := <-events:
			if ev.Type == broadcast.Error {
				errEvent = &ev
			}
		case <-deadline:
			t.Fatal("no error event for the failed listener")
		}
	}
	data, ok := errEvent.Data.(broadcast.ErrorData)
	require.True(t, ok)
	assert.Contains(t, data.Message, "taken")

	require.Eventually(t, func() bool {
		snap, err := gw.listeners.Get("free")
		return err == nil && snap.Running
	}, 5*time.Second, 10*time.Millisecond)

	taken, err := gw.listeners.Get("taken")
	require.NoError(t, err)
	assert.False(t, taken.Running)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHandleAgentConn_RegistersAndRecordsSightings(t *testing.T) {
	gw := newTestGateway(t)
	addr := startListener(t, gw, "L1")

	sim := &agentsim.Agent{ID: "agent-1", Hostname: "web-01", Username: "deploy"}
	connectAgent(t, gw, addr, sim)

	info, err := gw.registry.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "web-01", info.Hostname)
	assert.Equal(t, "deploy", info.Username)
	assert.Equal(t, "L1", info.Listener)

	sightings, err := gw.store.ListAgentSightings(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, sightings)
	assert.Equal(t, "agent-1", sightings[0].AgentID)
	assert.Equal(t, "L1", sightings[0].Listener)

	require.NoError(t, sim.Close())
	require.Eventually(t, func() bool {
		return gw.registry.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandleAgentConn_BadHandshakeClosesSocket(t *testing.T) {
	gw := newTestGateway(t)
	addr := startListener(t, gw, "L1")

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// A length prefix far beyond any frame limit.
	_, err = conn.Write([]byte{0xff, 0xff, 0xff, 0xff, '{', '}'})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "gateway should close the socket, not leave it hanging")
	}
	assert.Equal(t, 0, gw.registry.Count())
}

func TestHandleAgentConn_DuplicateIDRejected(t *testing.T) {
	gw := newTestGateway(t)
	addr := startListener(t, gw, "L1")

	connectAgent(t, gw, addr, &agentsim.Agent{ID: "dup", Hostname: "first"})

	second := &agentsim.Agent{ID: "dup", Hostname: "second"}
	err := second.Dial(context.Background(), addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake rejected")

	info, err := gw.registry.Get("dup")
	require.NoError(t, err)
	assert.Equal(t, "first", info.Hostname)
}

func TestShutdown_DetachesAgents(t *testing.T) {
	cfg := testConfig(t)
	gw := newGateway(cfg, store.NewMockStore(), &recordingSender{}, fleettest.Logger())
	addr := startListener(t, gw, "L1")
	connectAgent(t, gw, addr, &agentsim.Agent{ID: "a1", Hostname: "h"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, gw.Shutdown(ctx))

	assert.Equal(t, 0, gw.registry.Count())
	for _, l := range gw.listeners.List() {
		assert.False(t, l.Running, "listener %s still running", l.Name)
	}
}

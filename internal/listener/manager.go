// ABOUTME: Listener manager: named TCP acceptors with independent lifecycles.
// ABOUTME: Accepted sockets are handed to a ConnHandler that outlives the listener.

package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/fleet-gateway/internal/broadcast"
)

var (
	ErrNotFound       = errors.New("listener not found")
	ErrDuplicateName  = errors.New("listener name already exists")
	ErrInvalidName    = errors.New("invalid listener name")
	ErrInvalidAddress = errors.New("invalid listener address")
	ErrAlreadyRunning = errors.New("listener already running")
	ErrNotRunning     = errors.New("listener not running")
	ErrBindFailed     = errors.New("failed to bind listener")
)

// ConnHandler serves one accepted connection. It should block until the
// agent behind conn is gone; the listener counts it as attached meanwhile.
// ctx is the manager's context, not the listener's, so stopping a listener
// does not end its connections.
type ConnHandler func(ctx context.Context, listenerName string, conn net.Conn)

// Snapshot is a point-in-time view of a listener.
type Snapshot struct {
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Running   bool      `json:"running"`
	Address   string    `json:"address,omitempty"` // bound address while running
	Attached  int       `json:"attached"`
	CreatedAt time.Time `json:"created_at"`
}

type listener struct {
	name      string
	host      string
	port      int
	createdAt time.Time

	ln       net.Listener
	loopDone chan struct{}
	attached atomic.Int64
}

func (l *listener) snapshot() Snapshot {
	s := Snapshot{
		Name:      l.name,
		Host:      l.host,
		Port:      l.port,
		Running:   l.ln != nil,
		Attached:  int(l.attached.Load()),
		CreatedAt: l.createdAt,
	}
	if l.ln != nil {
		s.Address = l.ln.Addr().String()
	}
	return s
}

func (l *listener) address() string {
	return net.JoinHostPort(l.host, strconv.Itoa(l.port))
}

// Manager owns every listener and its accept loop.
type Manager struct {
	ctx       context.Context
	handler   ConnHandler
	publisher broadcast.Publisher

	mu        sync.Mutex
	listeners map[string]*listener

	conns  sync.WaitGroup
	logger *slog.Logger
}

// NewManager creates a manager. ctx bounds the handlers of accepted
// connections; publisher may be nil.
func NewManager(ctx context.Context, handler ConnHandler, publisher broadcast.Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ctx:       ctx,
		handler:   handler,
		publisher: publisher,
		listeners: make(map[string]*listener),
		logger:    logger.With("component", "listeners"),
	}
}

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?)*$`)

func validateAddress(host string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, port)
	}
	if host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidAddress)
	}
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return nil
	}
	if len(host) > 253 || !hostnamePattern.MatchString(host) {
		return fmt.Errorf("%w: malformed host %q", ErrInvalidAddress, host)
	}
	return nil
}

// Create adds a stopped listener. Port 0 binds an ephemeral port on start.
func (m *Manager) Create(name, host string, port int) (Snapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Snapshot{}, fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if err := validateAddress(host, port); err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	if _, exists := m.listeners[name]; exists {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	l := &listener{name: name, host: host, port: port, createdAt: time.Now()}
	m.listeners[name] = l
	snap := l.snapshot()
	m.mu.Unlock()

	m.logger.Info("listener created", "listener", name, "address", l.address())
	m.publish(broadcast.ListenerCreated, snap)
	return snap, nil
}

// Start binds the listener and begins accepting connections.
func (m *Manager) Start(name string) (Snapshot, error) {
	m.mu.Lock()
	l, ok := m.listeners[name]
	if !ok {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if l.ln != nil {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	if l.port != 0 {
		for _, other := range m.listeners {
			if other != l && other.ln != nil && other.host == l.host && other.port == l.port {
				m.mu.Unlock()
				return Snapshot{}, fmt.Errorf("%w: %s is already served by listener %q", ErrBindFailed, l.address(), other.name)
			}
		}
	}

	ln, err := net.Listen("tcp", l.address())
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("failed to bind listener", "listener", name, "address", l.address(), "error", err)
		return Snapshot{}, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}
	l.ln = ln
	l.loopDone = make(chan struct{})
	snap := l.snapshot()
	m.mu.Unlock()

	go m.acceptLoop(l, ln, l.loopDone)

	m.logger.Info("listener started", "listener", name, "address", ln.Addr().String())
	m.publish(broadcast.ListenerStarted, snap)
	return snap, nil
}

func (m *Manager) acceptLoop(l *listener, ln net.Listener, done chan struct{}) {
	defer close(done)
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Back off on transient failures such as fd exhaustion.
			delay = min(max(2*delay, 5*time.Millisecond), time.Second)
			m.logger.Warn("accept failed", "listener", l.name, "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		m.logger.Debug("connection accepted", "listener", l.name, "remote", conn.RemoteAddr().String())
		l.attached.Add(1)
		m.conns.Add(1)
		go func() {
			defer m.conns.Done()
			defer l.attached.Add(-1)
			m.handler(m.ctx, l.name, conn)
		}()
	}
}

// Stop closes the listener's socket. Connections it already accepted are
// left alone.
func (m *Manager) Stop(name string) (Snapshot, error) {
	m.mu.Lock()
	l, ok := m.listeners[name]
	if !ok {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if l.ln == nil {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	ln, done := l.ln, l.loopDone
	l.ln = nil
	l.loopDone = nil
	snap := l.snapshot()
	m.mu.Unlock()

	if err := ln.Close(); err != nil {
		m.logger.Warn("error closing listener", "listener", name, "error", err)
	}
	<-done

	m.logger.Info("listener stopped", "listener", name, "attached", snap.Attached)
	m.publish(broadcast.ListenerStopped, snap)
	return snap, nil
}

// Delete removes a listener, stopping it first if it is running.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	l, ok := m.listeners[name]
	running := ok && l.ln != nil
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if running {
		if _, err := m.Stop(name); err != nil && !errors.Is(err, ErrNotRunning) {
			return err
		}
	}

	m.mu.Lock()
	l, ok = m.listeners[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if l.ln != nil {
		// Restarted between Stop and here.
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	delete(m.listeners, name)
	snap := l.snapshot()
	m.mu.Unlock()

	m.logger.Info("listener deleted", "listener", name)
	m.publish(broadcast.ListenerDeleted, snap)
	return nil
}

// Get returns one listener.
func (m *Manager) Get(name string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listeners[name]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return l.snapshot(), nil
}

// List returns every listener sorted by name.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l.snapshot())
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Snapshot) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// StopAll stops every running listener.
func (m *Manager) StopAll() {
	for _, s := range m.List() {
		if !s.Running {
			continue
		}
		if _, err := m.Stop(s.Name); err != nil && !errors.Is(err, ErrNotRunning) {
			m.logger.Warn("failed to stop listener", "listener", s.Name, "error", err)
		}
	}
}

// Wait blocks until every accepted connection's handler has returned or
// ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) publish(eventType string, data any) {
	if m.publisher != nil {
		m.publisher.Publish(eventType, data)
	}
}

// ABOUTME: Gateway orchestrator that wires listeners, sessions, dispatch and transfers
// ABOUTME: Runs the HTTP/WebSocket and gRPC control surfaces and owns their lifecycle

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/broadcast"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/dispatch"
	"github.com/2389/fleet-gateway/internal/listener"
	"github.com/2389/fleet-gateway/internal/notify"
	"github.com/2389/fleet-gateway/internal/session"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/transfer"
)

// alertsSettingKey stores the notifier toggles as JSON.
const alertsSettingKey = "alerts"

// Gateway orchestrates the fleet-gateway server components.
type Gateway struct {
	config *config.Config
	store  store.Store
	logger *slog.Logger

	broadcaster *broadcast.Broadcaster
	registry    *agent.Registry
	sessions    *session.Mux
	listeners   *listener.Manager
	dispatcher  *dispatch.Dispatcher
	transfers   *transfer.Coordinator
	notifier    *notify.Notifier

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	upgrader   websocket.Upgrader

	// agentCtx bounds every agent connection handler.
	agentCtx    context.Context
	agentCancel context.CancelFunc

	startedAt time.Time
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("FLEET_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates the control gRPC server with keepalive policy.
func createGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

func sessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	if cfg.Sessions.QueueDepth > 0 {
		sc.QueueDepth = cfg.Sessions.QueueDepth
	}
	if cfg.Sessions.BusyPolicy != "" {
		sc.BusyPolicy = session.BusyPolicy(cfg.Sessions.BusyPolicy)
	}
	sc.HeartbeatTimeout = cfg.Sessions.HeartbeatTimeout
	return sc
}

func transferConfig(cfg *config.Config) transfer.Config {
	return transfer.Config{
		Timeout:         cfg.Sessions.TransferTimeout,
		ChunkSize:       cfg.Transfers.ChunkSize,
		ChunkAckTimeout: cfg.Transfers.ChunkAckTimeout,
		MaxEditSize:     cfg.Transfers.MaxEditSize,
		DownloadDir:     cfg.Downloads.Dir,
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	return newGateway(cfg, s, nil, logger), nil
}

// newGateway wires every component around an open store. A nil sender
// notifies through shoutrrr.
func newGateway(cfg *config.Config, s store.Store, sender notify.Sender, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	agentCtx, agentCancel := context.WithCancel(context.Background())
	bc := broadcast.New(logger)
	registry := agent.NewRegistry(bc, logger)
	sessions := session.NewMux(sessionConfig(cfg), registry, bc, logger)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		logger:      logger.With("component", "gateway"),
		broadcaster: bc,
		registry:    registry,
		sessions:    sessions,
		dispatcher: dispatch.New(dispatch.Config{
			CommandTimeout: cfg.Sessions.CommandTimeout,
			Retention:      cfg.Sessions.TaskRetention,
		}, sessions, registry, bc, s, logger),
		transfers:   transfer.New(transferConfig(cfg), sessions, registry, bc, s, logger),
		grpcServer:  createGRPCServer(),
		health:      health.NewServer(),
		agentCtx:    agentCtx,
		agentCancel: agentCancel,
		startedAt:   time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	gw.listeners = listener.NewManager(agentCtx, gw.handleAgentConn, bc, logger)

	alerts := notify.Alerts(cfg.Notifications.Alerts)
	if stored, ok := gw.storedAlerts(); ok {
		alerts = stored
	}
	gw.notifier = notify.New(cfg.Notifications.URLs, alerts, sender, logger)

	registerFleetControlServer(gw.grpcServer, newFleetControlServer(gw, logger.With("component", "grpc")))
	healthpb.RegisterHealthServer(gw.grpcServer, gw.health)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw
}

// storedAlerts returns alert toggles saved through the settings API.
func (g *Gateway) storedAlerts() (notify.Alerts, bool) {
	raw, err := g.store.GetSetting(context.Background(), alertsSettingKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("failed to load alert settings", "error", err)
		}
		return notify.Alerts{}, false
	}
	var a notify.Alerts
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		g.logger.Warn("ignoring malformed alert settings", "error", err)
		return notify.Alerts{}, false
	}
	return a, true
}

// setupTCPListeners creates the control-surface listeners. The gRPC
// listener is nil when no grpc_addr is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startConfiguredListeners creates every configured listener and starts
// the autostart ones. A listener that fails to bind is reported but does
// not stop the gateway.
func (g *Gateway) startConfiguredListeners() {
	for _, lc := range g.config.Listeners {
		if _, err := g.listeners.Create(lc.Name, lc.Host, lc.Port); err != nil {
			g.logger.Error("failed to create configured listener", "listener", lc.Name, "error", err)
			g.broadcaster.Publish(broadcast.Error, broadcast.ErrorData{Message: fmt.Sprintf("listener %s: %v", lc.Name, err)})
			continue
		}
		if !lc.Autostart {
			continue
		}
		if _, err := g.listeners.Start(lc.Name); err != nil {
			g.logger.Error("failed to start configured listener", "listener", lc.Name, "error", err)
			g.broadcaster.Publish(broadcast.Error, broadcast.ErrorData{Message: fmt.Sprintf("listener %s: %v", lc.Name, err)})
		}
	}
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the control servers and configured listeners, then blocks
// until ctx is canceled or a server fails.
// Returns nil on graceful shutdown, or the first server error.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupTCPListeners()
	if err != nil {
		return err
	}

	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	errCh := g.startServers(grpcListener, httpListener)
	g.startConfiguredListeners()
	go g.notifier.Run(g.agentCtx, g.broadcaster)

	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting agents, detaches the attached ones, stops the
// control servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	g.health.Shutdown()
	g.listeners.StopAll()
	g.sessions.Close()
	g.agentCancel()
	errs = appendCloseError(errs, "agent handlers", g.listeners.Wait(ctx))

	// Closing the broadcaster ends websocket and StreamEvents subscribers,
	// which lets the servers drain.
	g.broadcaster.Close()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	g.dispatcher.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

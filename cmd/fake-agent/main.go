// ABOUTME: Simulated agent for manual and E2E testing against a gateway listener.
// ABOUTME: Usage: fake-agent [--addr localhost:4444] [--id ID] [--hostname H] [--reconnect 5s]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/2389/fleet-gateway/internal/agentsim"
	"github.com/2389/fleet-gateway/internal/protocol"
)

func main() {
	flags := pflag.NewFlagSet("fake-agent", pflag.ContinueOnError)
	addr := flags.String("addr", "localhost:4444", "gateway listener address")
	id := flags.String("id", "", "client id (empty lets the gateway assign one)")
	hostname := flags.String("hostname", "fake-host", "reported hostname")
	username := flags.String("user", "operator", "reported username")
	osName := flags.String("os", "Linux", "reported operating system")
	caps := flags.StringSlice("capabilities", []string{protocol.CapabilityZstd}, "advertised capabilities")
	heartbeat := flags.Duration("heartbeat", 30*time.Second, "heartbeat interval (0 disables)")
	delay := flags.Duration("command-delay", 0, "delay before answering commands")
	reconnect := flags.Duration("reconnect", 0, "redial after this long when the connection drops (0 exits)")
	verbose := flags.BoolP("verbose", "v", false, "log every frame")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sim := &agentsim.Agent{
		ID:                *id,
		Hostname:          *hostname,
		Username:          *username,
		OS:                *osName,
		Capabilities:      *caps,
		HeartbeatInterval: *heartbeat,
		CommandDelay:      *delay,
		Logger:            logger,
		OnFrame: func(_ *agentsim.Agent, f *protocol.Frame) bool {
			logger.Debug("frame", "type", f.Type, "task_id", f.TaskID)
			return false
		},
	}

	if err := run(ctx, sim, *addr, *reconnect, logger); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, sim *agentsim.Agent, addr string, reconnect time.Duration, logger *slog.Logger) error {
	for {
		logger.Info("connecting", "addr", addr, "hostname", sim.Hostname)
		err := sim.Dial(ctx, addr)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && strings.Contains(err.Error(), "handshake rejected") {
			return err
		}
		if reconnect <= 0 {
			return err
		}

		logger.Warn("connection lost, redialing", "error", err, "in", reconnect)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnect):
		}
	}
}

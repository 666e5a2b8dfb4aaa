// ABOUTME: Entry point for fleet-gateway: serves the gateway and talks to a running one
// ABOUTME: Subcommands: serve, init, health, agents, listeners, exec, events

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __ _           _                     _
 / _| | ___  ___| |_       __ _  __ _| |_ _____      ____ _ _   _
| |_| |/ _ \/ _ \ __|____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
|  _| |  __/  __/ ||_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_| |_|\___|\___|\__|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                          |___/                             |___/
`

func usage() {
	fmt.Println("Usage: fleet-gateway <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the gateway server")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  health                         Check gateway health")
	fmt.Println("  agents                         List attached agents")
	fmt.Println("  listeners [create|start|stop|delete] ...")
	fmt.Println("                                 List or manage listeners")
	fmt.Println("  exec CLIENT_ID COMMAND...      Run a command and print its output")
	fmt.Println("  events [--type T]...           Stream gateway events over gRPC")
	fmt.Println()
	fmt.Println("Every command accepts --config PATH.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "health":
		err = runHealth(ctx, args)
	case "agents":
		err = runAgents(ctx, args)
	case "listeners":
		err = runListeners(ctx, args)
	case "exec":
		err = runExec(ctx, args)
	case "events":
		err = runEvents(ctx, args)
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commandFlags is the flag set shared by every subcommand.
type commandFlags struct {
	*pflag.FlagSet
	configPath string
}

func newFlags(name string) *commandFlags {
	f := &commandFlags{FlagSet: pflag.NewFlagSet(name, pflag.ContinueOnError)}
	f.StringVarP(&f.configPath, "config", "c", "", "config file (default: $FLEET_CONFIG, ./config.yaml, ~/.config/fleet/gateway.yaml)")
	return f
}

func (f *commandFlags) path() string {
	if f.configPath != "" {
		return f.configPath
	}
	return config.DefaultPath()
}

func (f *commandFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.path())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, args []string) error {
	flags := newFlags("serve")
	if err := flags.Parse(args); err != nil {
		return err
	}
	configPath := flags.path()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := flags.load()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	if cfg.Server.GRPCAddr != "" {
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	} else {
		fmt.Print("gRPC:      ")
		gray.Println("disabled")
	}
	for _, l := range cfg.Listeners {
		green.Print("    ▶ ")
		fmt.Printf("Listener:  %s ", l.Name)
		cyan.Printf("%s:%d", l.Host, l.Port)
		if !l.Autostart {
			gray.Print(" (stopped)")
		}
		fmt.Println()
	}
	if len(cfg.Notifications.URLs) > 0 {
		green.Print("    ▶ ")
		fmt.Print("Alerts:    ")
		yellow.Printf("%d notification URL(s)\n", len(cfg.Notifications.URLs))
	}
	fmt.Println()

	logger.Info("starting fleet-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"listeners", len(cfg.Listeners),
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runInit(args []string) error {
	flags := newFlags("init")
	if err := flags.Parse(args); err != nil {
		return err
	}
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("fleet-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	cfg := config.Default()

	outputFile := prompt(reader, "Config file path", flags.path())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Control Surfaces ---")
	cfg.Server.HTTPAddr = prompt(reader, "HTTP address", cfg.Server.HTTPAddr)
	cfg.Server.GRPCAddr = prompt(reader, "gRPC address (empty disables)", cfg.Server.GRPCAddr)

	fmt.Println("\n--- Default Listener ---")
	if yes(prompt(reader, "Create a listener at startup?", "yes")) {
		l := cfg.Listeners[0]
		l.Name = prompt(reader, "Listener name", l.Name)
		l.Host = prompt(reader, "Bind host", l.Host)
		port, err := strconv.Atoi(prompt(reader, "Port (0 = ephemeral)", strconv.Itoa(l.Port)))
		if err != nil {
			return fmt.Errorf("invalid port: %w", err)
		}
		l.Port = port
		l.Autostart = yes(prompt(reader, "Start it automatically?", "yes"))
		cfg.Listeners = []config.ListenerConfig{l}
	} else {
		cfg.Listeners = nil
	}

	fmt.Println("\n--- Storage ---")
	cfg.Database.Path = prompt(reader, "SQLite database path", cfg.Database.Path)
	cfg.Downloads.Dir = prompt(reader, "Download directory", cfg.Downloads.Dir)

	fmt.Println("\n--- Notifications ---")
	if url := prompt(reader, "Notification URL (shoutrrr, empty for none)", ""); url != "" {
		cfg.Notifications.URLs = []string{url}
	}

	fmt.Println("\n--- Logging ---")
	cfg.Logging.Level = prompt(reader, "Log level (debug/info/warn/error)", cfg.Logging.Level)
	cfg.Logging.Format = prompt(reader, "Log format (text/json)", cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Write(outputFile, cfg); err != nil {
		return err
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  fleet-gateway serve --config %s\n", outputFile)
	return nil
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// EOF keeps the default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

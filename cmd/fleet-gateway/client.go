// ABOUTME: Client subcommands that talk to a running gateway
// ABOUTME: REST calls go through resty; events stream over the gRPC service

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/dispatch"
	"github.com/2389/fleet-gateway/internal/gateway"
	"github.com/2389/fleet-gateway/internal/listener"
)

// apiError is the error envelope every API failure carries.
type apiError struct {
	Success bool   `json:"success"`
	Message string `json:"error"`
}

// apiClient returns a resty client for the gateway's HTTP API.
func apiClient(ctx context.Context, httpAddr string) *resty.Client {
	return resty.New().
		SetBaseURL("http://"+httpAddr).
		SetHeader("Content-Type", "application/json").
		SetTimeout(2*time.Minute).
		SetRetryCount(2).
		SetError(&apiError{}).
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			r.SetContext(ctx)
			return nil
		})
}

// check turns a resty result into an error.
func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		if e, ok := resp.Error().(*apiError); ok && e.Message != "" {
			return fmt.Errorf("%s (status %d)", e.Message, resp.StatusCode())
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	flags := newFlags("health")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := flags.load()
	if err != nil {
		return err
	}

	client := apiClient(ctx, cfg.Server.HTTPAddr).SetRetryCount(0)
	resp, err := client.R().Get("/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode())
	}

	ready, err := client.R().Get("/health/ready")
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	if ready.StatusCode() != http.StatusOK {
		color.Yellow("alive, not ready: %s", ready.String())
		return nil
	}
	color.Green("healthy: %s", ready.String())
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	flags := newFlags("agents")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := flags.load()
	if err != nil {
		return err
	}

	var out struct {
		Clients []agent.Info `json:"clients"`
	}
	if err := check(apiClient(ctx, cfg.Server.HTTPAddr).R().SetResult(&out).Get("/api/clients")); err != nil {
		return err
	}
	if len(out.Clients) == 0 {
		fmt.Println("no agents attached")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER@HOST\tIP\tOS\tLISTENER\tLAST SEEN")
	for _, c := range out.Clients {
		fmt.Fprintf(w, "%s\t%s@%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Username, c.Hostname, c.IPAddress, c.OS, c.Listener,
			time.Since(c.LastSeen).Round(time.Second))
	}
	return w.Flush()
}

func runListeners(ctx context.Context, args []string) error {
	flags := newFlags("listeners")
	start := flags.Bool("start", false, "start the listener after creating it")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	client := apiClient(ctx, cfg.Server.HTTPAddr)
	rest := flags.Args()

	if len(rest) == 0 {
		var out struct {
			Listeners []listener.Snapshot `json:"listeners"`
		}
		if err := check(client.R().SetResult(&out).Get("/api/listeners")); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCONFIGURED\tSTATE\tBOUND\tAGENTS")
		for _, l := range out.Listeners {
			state := "stopped"
			if l.Running {
				state = "running"
			}
			fmt.Fprintf(w, "%s\t%s:%d\t%s\t%s\t%d\n", l.Name, l.Host, l.Port, state, l.Address, l.Attached)
		}
		return w.Flush()
	}

	action := rest[0]
	switch action {
	case "create":
		if len(rest) != 4 {
			return errors.New("usage: listeners create NAME HOST PORT [--start]")
		}
		port, err := strconv.Atoi(rest[3])
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", rest[3], err)
		}
		body := gateway.CreateListenerRequest{Name: rest[1], Host: rest[2], Port: port, Start: *start}
		var out struct {
			Listener listener.Snapshot `json:"listener"`
		}
		if err := check(client.R().SetBody(body).SetResult(&out).Post("/api/listeners")); err != nil {
			return err
		}
		color.Green("created listener %s (%s:%d)", out.Listener.Name, out.Listener.Host, out.Listener.Port)
		return nil
	case "start", "stop", "delete":
		if len(rest) != 2 {
			return fmt.Errorf("usage: listeners %s NAME", action)
		}
		req := client.R()
		var resp *resty.Response
		if action == "delete" {
			resp, err = req.Delete("/api/listeners/" + rest[1])
		} else {
			resp, err = req.Post("/api/listeners/" + rest[1] + "/" + action)
		}
		if err := check(resp, err); err != nil {
			return err
		}
		color.Green("%s: %s ok", rest[1], action)
		return nil
	default:
		return fmt.Errorf("unknown listeners action %q", action)
	}
}

func runExec(ctx context.Context, args []string) error {
	flags := newFlags("exec")
	noWait := flags.Bool("no-wait", false, "return once the task is queued")
	// Everything after CLIENT_ID belongs to the remote command.
	flags.SetInterspersed(false)
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	rest := flags.Args()
	if len(rest) < 2 {
		return errors.New("usage: exec CLIENT_ID COMMAND...")
	}

	body := gateway.ExecuteRequest{ClientID: rest[0], Command: strings.Join(rest[1:], " ")}
	var out struct {
		Task dispatch.Task `json:"task"`
	}
	req := apiClient(ctx, cfg.Server.HTTPAddr).SetRetryCount(0).R().SetBody(body).SetResult(&out)
	if !*noWait {
		req.SetQueryParam("wait", "true")
	}
	if err := check(req.Post("/api/execute")); err != nil {
		return err
	}

	if *noWait {
		fmt.Println(out.Task.ID)
		return nil
	}
	if out.Task.Output != "" {
		fmt.Println(out.Task.Output)
	}
	if out.Task.Status == dispatch.StatusFailed {
		return fmt.Errorf("task %s failed: %s", out.Task.ID, out.Task.Error)
	}
	return nil
}

func runEvents(ctx context.Context, args []string) error {
	flags := newFlags("events")
	types := flags.StringArrayP("type", "t", nil, "only stream this event type (repeatable)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	if cfg.Server.GRPCAddr == "" {
		return errors.New("gRPC is disabled in this config (server.grpc_addr is empty)")
	}

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Server.GRPCAddr, err)
	}
	defer conn.Close()

	stream, err := gateway.NewFleetControlClient(conn).StreamEvents(ctx, *types...)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		if err := enc.Encode(ev.AsMap()); err != nil {
			return err
		}
	}
}

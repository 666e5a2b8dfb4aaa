// ABOUTME: WebSocket control channel: relays broadcast events and accepts requests.
// ABOUTME: One writer goroutine per client serializes events, replies and pings.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/broadcast"
	"github.com/2389/fleet-gateway/internal/session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10

	// Uploads arrive base64-encoded inside a single message.
	wsMaxMessageSize = 64 << 20
)

// errPayloadUnsupported answers generate_payload, which this gateway does
// not implement.
var errPayloadUnsupported = errors.New("payload generation is not available on this gateway")

// wsMessage is a control-client request.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// wsRequest is the union of every request's fields.
type wsRequest struct {
	ClientID   string `json:"client_id"`
	Command    string `json:"command"`
	RequestID  string `json:"request_id"`
	FilePath   string `json:"file_path"`
	FileName   string `json:"file_name"`
	FileData   string `json:"file_data"`
	UploadPath string `json:"upload_path"`
	Content    string `json:"content"`
	Path       string `json:"path"`
	TaskID     string `json:"task_id"`
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
}

// wsClient is one connected control client.
type wsClient struct {
	g       *Gateway
	conn    *websocket.Conn
	replies chan broadcast.Event
	ctx     context.Context
	cancel  context.CancelFunc
}

// handleWebSocket upgrades the request and serves the client until either
// side hangs up.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(g.agentCtx)
	c := &wsClient{
		g:       g,
		conn:    conn,
		replies: make(chan broadcast.Event, 16),
		ctx:     ctx,
		cancel:  cancel,
	}
	events, subID := g.broadcaster.Subscribe(ctx)
	g.logger.Info("control client connected", "remote", r.RemoteAddr, "sub_id", subID)

	go c.writeLoop(events)
	c.readLoop()
	g.logger.Info("control client disconnected", "remote", r.RemoteAddr, "sub_id", subID)
}

func (c *wsClient) writeLoop(events <-chan broadcast.Event) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Dropped for falling behind, or the gateway is closing.
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event stream closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			if !c.write(ev) {
				return
			}
		case ev := <-c.replies:
			if !c.write(ev) {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *wsClient) write(ev broadcast.Event) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteJSON(ev); err != nil {
		c.g.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}

func (c *wsClient) readLoop() {
	defer c.cancel()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg wsMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.replyError("", fmt.Errorf("%w: malformed message", errBadRequest))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.g.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		c.handle(msg)
	}
}

// replyError sends an error event to this client only.
func (c *wsClient) replyError(clientID string, err error) {
	ev := broadcast.Event{
		Type:      broadcast.Error,
		Timestamp: time.Now().UTC(),
		Data:      broadcast.ErrorData{Message: err.Error(), ClientID: clientID},
	}
	select {
	case c.replies <- ev:
	case <-c.ctx.Done():
	}
}

// handle serves one request. Commands, cancels and listener changes are
// handled inline so their order matches arrival order; file operations
// block until the agent answers and run on their own goroutine.
func (c *wsClient) handle(msg wsMessage) {
	var req wsRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.replyError("", fmt.Errorf("%w: invalid %s data: %v", errBadRequest, msg.Type, err))
			return
		}
	}
	g := c.g

	switch msg.Type {
	case "execute_command":
		if req.ClientID == "" {
			c.replyError("", fmt.Errorf("%w: client_id is required", errBadRequest))
			return
		}
		if _, err := g.dispatcher.Execute(c.ctx, req.ClientID, req.Command, req.RequestID); err != nil {
			c.replyError(req.ClientID, err)
		}

	case "cancel_task":
		if err := g.dispatcher.Cancel(req.TaskID); err != nil {
			c.replyError("", err)
		}

	case "create_listener":
		if _, err := g.listeners.Create(req.Name, req.Host, req.Port); err != nil {
			c.replyError("", err)
		}
	case "start_listener":
		if _, err := g.listeners.Start(req.Name); err != nil {
			c.replyError("", err)
		}
	case "stop_listener":
		if _, err := g.listeners.Stop(req.Name); err != nil {
			c.replyError("", err)
		}
	case "delete_listener":
		if err := g.listeners.Delete(req.Name); err != nil {
			c.replyError("", err)
		}

	case "download_file", "get_file_content", "upload_file", "save_file",
		"list_directory", "delete_path", "create_folder":
		if req.ClientID == "" {
			c.replyError("", fmt.Errorf("%w: client_id is required", errBadRequest))
			return
		}
		go c.fileOp(msg.Type, req)

	case "generate_payload":
		c.replyError(req.ClientID, errPayloadUnsupported)

	default:
		c.replyError("", fmt.Errorf("%w: unknown request type %q", errBadRequest, msg.Type))
	}
}

// fileOp runs one file operation. Failures after the agent took the work
// are already broadcast as transfer_failed; only earlier refusals are
// answered here.
func (c *wsClient) fileOp(kind string, req wsRequest) {
	t := c.g.transfers
	ctx := c.g.agentCtx

	var err error
	switch kind {
	case "download_file":
		if err = requirePath(req.FilePath); err == nil {
			_, err = t.Download(ctx, req.ClientID, req.FilePath)
		}
	case "get_file_content":
		if err = requirePath(req.FilePath); err == nil {
			_, err = t.ReadFile(ctx, req.ClientID, req.FilePath)
		}
	case "upload_file":
		var data []byte
		data, err = decodeUpload(UploadRequest{FileName: req.FileName, FileData: req.FileData, UploadPath: req.UploadPath})
		if err == nil {
			_, err = t.Upload(ctx, req.ClientID, req.UploadPath, req.FileName, data)
		}
	case "save_file":
		if err = requirePath(req.FilePath); err == nil {
			_, err = t.WriteFile(ctx, req.ClientID, req.FilePath, req.Content)
		}
	case "list_directory":
		_, err = t.ListDirectory(ctx, req.ClientID, req.Path)
	case "delete_path":
		if err = requirePath(req.Path); err == nil {
			_, err = t.Delete(ctx, req.ClientID, req.Path)
		}
	case "create_folder":
		if err = requirePath(req.Path); err == nil {
			_, err = t.CreateFolder(ctx, req.ClientID, req.Path)
		}
	}

	if err != nil && refusedBeforeRun(err) {
		c.replyError(req.ClientID, err)
	}
}

// refusedBeforeRun reports errors returned before an operation reached the
// agent's session.
func refusedBeforeRun(err error) bool {
	return errors.Is(err, errBadRequest) ||
		errors.Is(err, agent.ErrAgentNotFound) ||
		errors.Is(err, session.ErrQueueFull) ||
		errors.Is(err, session.ErrAgentBusy) ||
		errors.Is(err, session.ErrClosed)
}

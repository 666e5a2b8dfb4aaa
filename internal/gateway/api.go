// ABOUTME: HTTP API for control clients that cannot hold a websocket open.
// ABOUTME: Routes via gorilla/mux and maps domain errors onto status codes.

package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/dispatch"
	"github.com/2389/fleet-gateway/internal/listener"
	"github.com/2389/fleet-gateway/internal/notify"
	"github.com/2389/fleet-gateway/internal/session"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/transfer"
)

// errBadRequest marks malformed or incomplete client input.
var errBadRequest = errors.New("bad request")

const defaultHistoryLimit = 100

// ExecuteRequest is the JSON request body for POST /api/execute.
type ExecuteRequest struct {
	ClientID  string `json:"client_id"`
	Command   string `json:"command"`
	RequestID string `json:"request_id,omitempty"`
}

// CreateListenerRequest is the JSON request body for POST /api/listeners.
type CreateListenerRequest struct {
	Name  string `json:"name"`
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Start bool   `json:"start,omitempty"`
}

// UploadRequest is the JSON request body for POST /api/clients/{id}/files/upload.
type UploadRequest struct {
	FileName   string `json:"file_name"`
	FileData   string `json:"file_data"` // base64
	UploadPath string `json:"upload_path"`
}

// SaveFileRequest is the JSON request body for PUT /api/clients/{id}/files/content.
type SaveFileRequest struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

// PathRequest carries a single remote path.
type PathRequest struct {
	Path string `json:"path"`
}

// SettingsRequest is the JSON body for POST /api/settings.
type SettingsRequest struct {
	Alerts *notify.Alerts `json:"alerts"`
}

// routes builds the HTTP handler for the API, websocket and health checks.
func (g *Gateway) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", g.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/ws", g.handleWebSocket).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		g.sendJSONError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path))
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		g.sendJSONError(w, http.StatusNotFound, "no route for "+req.URL.Path)
	})

	r.HandleFunc("/api/status", g.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/telemetry", g.handleTelemetry).Methods(http.MethodGet)
	r.HandleFunc("/api/settings", g.handleGetSettings).Methods(http.MethodGet)
	r.HandleFunc("/api/settings", g.handleUpdateSettings).Methods(http.MethodPost)
	r.HandleFunc("/api/sightings", g.handleSightings).Methods(http.MethodGet)

	r.HandleFunc("/api/clients", g.handleListClients).Methods(http.MethodGet)
	r.HandleFunc("/api/clients/{id}", g.handleGetClient).Methods(http.MethodGet)
	r.HandleFunc("/api/clients/{id}", g.handleDisconnectClient).Methods(http.MethodDelete)
	r.HandleFunc("/api/clients/{id}/files", g.handleListDirectory).Methods(http.MethodGet)
	r.HandleFunc("/api/clients/{id}/files", g.handleDeletePath).Methods(http.MethodDelete)
	r.HandleFunc("/api/clients/{id}/files/content", g.handleReadFile).Methods(http.MethodGet)
	r.HandleFunc("/api/clients/{id}/files/content", g.handleSaveFile).Methods(http.MethodPut)
	r.HandleFunc("/api/clients/{id}/files/download", g.handleDownload).Methods(http.MethodPost)
	r.HandleFunc("/api/clients/{id}/files/upload", g.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/api/clients/{id}/folders", g.handleCreateFolder).Methods(http.MethodPost)

	r.HandleFunc("/api/listeners", g.handleListListeners).Methods(http.MethodGet)
	r.HandleFunc("/api/listeners", g.handleCreateListener).Methods(http.MethodPost)
	r.HandleFunc("/api/listeners/{name}", g.handleDeleteListener).Methods(http.MethodDelete)
	r.HandleFunc("/api/listeners/{name}/start", g.handleStartListener).Methods(http.MethodPost)
	r.HandleFunc("/api/listeners/{name}/stop", g.handleStopListener).Methods(http.MethodPost)

	r.HandleFunc("/api/execute", g.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks", g.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{id}", g.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{id}/cancel", g.handleCancelTask).Methods(http.MethodPost)
	r.HandleFunc("/api/transfers", g.handleListTransfers).Methods(http.MethodGet)

	return r
}

// httpStatus maps a domain error onto an HTTP status code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, dispatch.ErrEmptyCommand),
		errors.Is(err, listener.ErrInvalidName),
		errors.Is(err, listener.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrAgentNotFound),
		errors.Is(err, listener.ErrNotFound),
		errors.Is(err, dispatch.ErrTaskNotFound),
		errors.Is(err, transfer.ErrTransferNotFound),
		errors.Is(err, transfer.ErrPathNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, listener.ErrDuplicateName),
		errors.Is(err, listener.ErrAlreadyRunning),
		errors.Is(err, listener.ErrNotRunning),
		errors.Is(err, listener.ErrBindFailed),
		errors.Is(err, agent.ErrAgentAlreadyRegistered),
		errors.Is(err, session.ErrOperationNotFound),
		errors.Is(err, session.ErrCanceled):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, session.ErrQueueFull),
		errors.Is(err, session.ErrAgentBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, transfer.ErrProtocol),
		errors.Is(err, transfer.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrAgentDisconnected),
		errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a success envelope merged with fields.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, fields map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": message})
}

// fail writes err with the status its kind maps to.
func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		g.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	g.sendJSONError(w, status, err.Error())
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultHistoryLimit
	}
	return n
}

func requirePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("%w: path is required", errBadRequest)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one listener is accepting agents.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	running := 0
	for _, l := range g.listeners.List() {
		if l.Running {
			running++
		}
	}
	if running == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no listeners running"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d listeners, %d agents)", running, g.registry.Count())
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	running := 0
	listeners := g.listeners.List()
	for _, l := range listeners {
		if l.Running {
			running++
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":    int64(time.Since(g.startedAt).Seconds()),
		"started_at":        g.startedAt.UTC(),
		"clients":           g.registry.Count(),
		"listeners":         len(listeners),
		"listeners_running": running,
		"tasks":             len(g.dispatcher.List("")),
		"subscribers":       g.broadcaster.SubscriberCount(),
	})
}

func (g *Gateway) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	telemetry := make(map[string]any)
	for _, info := range g.registry.List() {
		telemetry[info.ID] = map[string]any{
			"last_seen": info.LastSeen,
			"telemetry": info.Telemetry,
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"telemetry": telemetry})
}

func (g *Gateway) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"settings": map[string]any{"alerts": g.notifier.Alerts()},
	})
}

func (g *Gateway) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	if req.Alerts == nil {
		g.fail(w, r, fmt.Errorf("%w: no settings given", errBadRequest))
		return
	}
	if err := g.saveAlerts(r.Context(), *req.Alerts); err != nil {
		g.fail(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"settings": map[string]any{"alerts": g.notifier.Alerts()},
	})
}

// saveAlerts persists and applies new alert toggles.
func (g *Gateway) saveAlerts(ctx context.Context, a notify.Alerts) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding alerts: %w", err)
	}
	if err := g.store.SetSetting(ctx, alertsSettingKey, string(raw)); err != nil {
		return fmt.Errorf("saving alerts: %w", err)
	}
	g.notifier.SetAlerts(a)
	return nil
}

func (g *Gateway) handleSightings(w http.ResponseWriter, r *http.Request) {
	sightings, err := g.store.ListAgentSightings(r.Context(), queryLimit(r))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"sightings": sightings})
}

// clientView is an agent plus its session queue state.
type clientView struct {
	agent.Info
	Session session.Status `json:"session"`
}

func (g *Gateway) clientView(info agent.Info) clientView {
	st, err := g.sessions.Status(info.ID)
	if err != nil {
		st = session.Status{AgentID: info.ID}
	}
	return clientView{Info: info, Session: st}
}

func (g *Gateway) handleListClients(w http.ResponseWriter, r *http.Request) {
	infos := g.registry.List()
	clients := make([]clientView, 0, len(infos))
	for _, info := range infos {
		clients = append(clients, g.clientView(info))
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

func (g *Gateway) handleGetClient(w http.ResponseWriter, r *http.Request) {
	info, err := g.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"client": g.clientView(info)})
}

func (g *Gateway) handleDisconnectClient(w http.ResponseWriter, r *http.Request) {
	if err := g.sessions.Disconnect(mux.Vars(r)["id"]); err != nil {
		g.fail(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, nil)
}

func (g *Gateway) handleListDirectory(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	entries, err := g.transfers.ListDirectory(r.Context(), mux.Vars(r)["id"], p)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"path": p, "files": entries})
}

func (g *Gateway) handleReadFile(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if err := requirePath(p); err != nil {
		g.fail(w, r, err)
		return
	}
	content, err := g.transfers.ReadFile(r.Context(), mux.Vars(r)["id"], p)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"file_path": p, "content": content})
}

func (g *Gateway) handleSaveFile(w http.ResponseWriter, r *http.Request) {
	var req SaveFileRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	if err := requirePath(req.FilePath); err != nil {
		g.fail(w, r, err)
		return
	}
	t, err := g.transfers.WriteFile(r.Context(), mux.Vars(r)["id"], req.FilePath, req.Content)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"transfer": t})
}

func (g *Gateway) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	if err := requirePath(req.Path); err != nil {
		g.fail(w, r, err)
		return
	}
	t, err := g.transfers.Download(r.Context(), mux.Vars(r)["id"], req.Path)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"transfer": t})
}

func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req UploadRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	data, err := decodeUpload(req)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	t, err := g.transfers.Upload(r.Context(), mux.Vars(r)["id"], req.UploadPath, req.FileName, data)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"transfer": t})
}

func decodeUpload(req UploadRequest) ([]byte, error) {
	if strings.TrimSpace(req.FileName) == "" {
		return nil, fmt.Errorf("%w: file_name is required", errBadRequest)
	}
	data, err := base64.StdEncoding.DecodeString(req.FileData)
	if err != nil {
		return nil, fmt.Errorf("%w: file_data is not valid base64: %v", errBadRequest, err)
	}
	return data, nil
}

func (g *Gateway) handleDeletePath(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if err := requirePath(p); err != nil {
		g.fail(w, r, err)
		return
	}
	t, err := g.transfers.Delete(r.Context(), mux.Vars(r)["id"], p)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"transfer": t})
}

func (g *Gateway) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	if err := requirePath(req.Path); err != nil {
		g.fail(w, r, err)
		return
	}
	t, err := g.transfers.CreateFolder(r.Context(), mux.Vars(r)["id"], req.Path)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, map[string]any{"transfer": t})
}

func (g *Gateway) handleListListeners(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"listeners": g.listeners.List()})
}

func (g *Gateway) handleCreateListener(w http.ResponseWriter, r *http.Request) {
	var req CreateListenerRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	snap, err := g.listeners.Create(req.Name, req.Host, req.Port)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if req.Start {
		if snap, err = g.listeners.Start(snap.Name); err != nil {
			g.fail(w, r, err)
			return
		}
	}
	g.writeJSON(w, http.StatusCreated, map[string]any{"listener": snap})
}

func (g *Gateway) handleDeleteListener(w http.ResponseWriter, r *http.Request) {
	if err := g.listeners.Delete(mux.Vars(r)["name"]); err != nil {
		g.fail(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, nil)
}

func (g *Gateway) handleStartListener(w http.ResponseWriter, r *http.Request) {
	snap, err := g.listeners.Start(mux.Vars(r)["name"])
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"listener": snap})
}

func (g *Gateway) handleStopListener(w http.ResponseWriter, r *http.Request) {
	snap, err := g.listeners.Stop(mux.Vars(r)["name"])
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"listener": snap})
}

// handleExecute submits a command. With ?wait=true it blocks until the task
// is terminal or the request is abandoned.
func (g *Gateway) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	if req.ClientID == "" {
		g.fail(w, r, fmt.Errorf("%w: client_id is required", errBadRequest))
		return
	}

	task, err := g.dispatcher.Execute(r.Context(), req.ClientID, req.Command, req.RequestID)
	if err != nil {
		g.fail(w, r, err)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		done, err := g.dispatcher.Wait(r.Context(), task.ID)
		if err != nil {
			g.fail(w, r, err)
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"task": done})
		return
	}
	g.writeJSON(w, http.StatusAccepted, map[string]any{"task": task})
}

// handleListTasks lists live tasks, or persisted history with ?history=true.
func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if history, _ := strconv.ParseBool(r.URL.Query().Get("history")); history {
		tasks, err := g.dispatcher.History(r.Context(), clientID, queryLimit(r))
		if err != nil {
			g.fail(w, r, err)
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"tasks": g.dispatcher.List(clientID)})
}

func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := g.dispatcher.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (g *Gateway) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := g.dispatcher.Cancel(mux.Vars(r)["id"]); err != nil {
		g.fail(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, nil)
}

// handleListTransfers lists recent transfers, or persisted history with ?history=true.
func (g *Gateway) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if history, _ := strconv.ParseBool(r.URL.Query().Get("history")); history {
		recs, err := g.store.ListTransfers(r.Context(), clientID, queryLimit(r))
		if err != nil {
			g.fail(w, r, err)
			return
		}
		if recs == nil {
			recs = []*store.TransferRecord{}
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"transfers": recs})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"transfers": g.transfers.List(clientID)})
}

// ABOUTME: File transfer coordinator: runs file operations as session ops.
// ABOUTME: Tracks transfer records, maps agent errors and publishes outcome events.

package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/broadcast"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/session"
	"github.com/2389/fleet-gateway/internal/store"
)

var (
	// ErrTransferFailed is returned when chunk delivery fails after a retry
	// or the received bytes do not match the announced digest.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrPathNotFound is reported by the agent for a missing path.
	ErrPathNotFound = errors.New("path not found")

	// ErrPermissionDenied is reported by the agent for an inaccessible path.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTooLarge is returned for content beyond the configured limit.
	ErrTooLarge = errors.New("file too large")

	// ErrProtocol is returned for malformed or out-of-sequence agent frames.
	ErrProtocol = errors.New("protocol error")

	// ErrTransferNotFound is returned for unknown transfer ids.
	ErrTransferNotFound = errors.New("transfer not found")

	errChunkAckTimeout = errors.New("chunk ack timed out")
)

// Direction names the kind of file operation.
type Direction string

const (
	DirDownload Direction = "download"
	DirUpload   Direction = "upload"
	DirRead     Direction = "read"
	DirWrite    Direction = "write"
	DirDelete   Direction = "delete"
	DirMkdir    Direction = "mkdir"
	DirList     Direction = "list"
)

// State is the lifecycle state of a Transfer.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Transfer is one file operation against one agent.
type Transfer struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"client_id"`
	Direction   Direction  `json:"direction"`
	Path        string     `json:"path"`
	LocalPath   string     `json:"local_path,omitempty"`
	Size        int64      `json:"size"`
	Digest      string     `json:"digest,omitempty"`
	State       State      `json:"state"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DirectoryEntry is one child of a listed directory.
type DirectoryEntry struct {
	Name        string `json:"name"`
	IsDirectory bool   `json:"is_directory"`
	Size        int64  `json:"size"`
	Modified    string `json:"modified,omitempty"`
	// Heuristic marks entries classified by name because the agent did not
	// say whether they are directories.
	Heuristic bool `json:"heuristic,omitempty"`
}

// FileEvent is the payload of file_received, file_uploaded, file_saved,
// path_deleted, folder_created and transfer_failed.
type FileEvent struct {
	TransferID string    `json:"transfer_id"`
	ClientID   string    `json:"client_id"`
	Direction  Direction `json:"direction"`
	FilePath   string    `json:"file_path"`
	Filename   string    `json:"filename,omitempty"`
	LocalPath  string    `json:"local_path,omitempty"`
	Size       int64     `json:"size,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ContentEvent is the payload of file_content.
type ContentEvent struct {
	ClientID string `json:"client_id"`
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

// ListingEvent is the payload of directory_listing.
type ListingEvent struct {
	ClientID string           `json:"client_id"`
	Path     string           `json:"path"`
	Files    []DirectoryEntry `json:"files"`
}

// Submitter queues ops on agent sessions. *session.Mux implements it.
type Submitter interface {
	Submit(agentID string, op *session.Op) error
	Cancel(agentID, opID string) error
}

// AgentLookup returns current agent metadata. *agent.Registry implements it.
type AgentLookup interface {
	Get(agentID string) (agent.Info, error)
}

// Config tunes the coordinator.
type Config struct {
	Timeout         time.Duration // whole-operation deadline
	ChunkSize       int
	ChunkAckTimeout time.Duration
	MaxEditSize     int64
	MaxDownloadSize int64
	DownloadDir     string // downloads are not saved when empty
}

const maxRetained = 1000

// Coordinator runs file operations through agent sessions.
type Coordinator struct {
	cfg       Config
	sessions  Submitter
	agents    AgentLookup
	publisher broadcast.Publisher
	store     store.Store

	mu        sync.RWMutex
	transfers map[string]*Transfer
	order     []string

	logger *slog.Logger
}

// New creates a coordinator. publisher and st may be nil.
func New(cfg Config, sessions Submitter, agents AgentLookup, publisher broadcast.Publisher, st store.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 64 * 1024
	}
	if cfg.ChunkAckTimeout <= 0 {
		cfg.ChunkAckTimeout = 10 * time.Second
	}
	if cfg.MaxEditSize <= 0 {
		cfg.MaxEditSize = 1024 * 1024
	}
	return &Coordinator{
		cfg:       cfg,
		sessions:  sessions,
		agents:    agents,
		publisher: publisher,
		store:     st,
		transfers: make(map[string]*Transfer),
		logger:    logger.With("component", "transfer"),
	}
}

// body drives one operation. It receives the transfer record, already
// resolved to an absolute agent path, and may fill in Size, Digest and
// LocalPath.
type body func(ctx context.Context, x *session.Exchange, info agent.Info, t *Transfer) error

// run queues an operation on the agent and blocks until it finishes or ctx
// ends. On ctx end the operation is cancelled and its outcome awaited.
func (c *Coordinator) run(ctx context.Context, agentID string, dir Direction, p string, fn body) (*Transfer, error) {
	if _, err := c.agents.Get(agentID); err != nil {
		return nil, err
	}

	t := &Transfer{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Direction: dir,
		Path:      p,
		State:     StateRunning,
		CreatedAt: time.Now(),
	}

	done := make(chan error, 1)
	op := &session.Op{
		ID:      t.ID,
		Kind:    session.KindTransfer,
		Timeout: c.cfg.Timeout,
		Run: func(ctx context.Context, x *session.Exchange) error {
			// Resolve when the op starts so a queued cd is honoured.
			info, err := c.agents.Get(agentID)
			if err != nil {
				return err
			}
			c.mu.Lock()
			t.Path = resolvePath(info.OS, info.WorkingDir, p)
			c.mu.Unlock()
			return fn(ctx, x, info, t)
		},
		Done: func(err error) { done <- err },
	}

	c.track(t)
	if err := c.sessions.Submit(agentID, op); err != nil {
		c.untrack(t.ID)
		return nil, err
	}
	c.logger.Debug("transfer queued", "transfer_id", t.ID, "agent_id", agentID, "direction", dir, "path", p)

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		if cancelErr := c.sessions.Cancel(agentID, t.ID); cancelErr != nil {
			c.logger.Debug("cancel after caller left", "transfer_id", t.ID, "error", cancelErr)
		}
		err = <-done
	}

	return c.complete(t, err)
}

func (c *Coordinator) complete(t *Transfer, err error) (*Transfer, error) {
	c.mu.Lock()
	now := time.Now()
	t.CompletedAt = &now
	if err != nil {
		t.State = StateFailed
		t.Error = err.Error()
	} else {
		t.State = StateCompleted
	}
	snapshot := *t
	c.mu.Unlock()

	c.persist(snapshot)
	if err != nil {
		c.logger.Warn("transfer failed",
			"transfer_id", t.ID,
			"agent_id", t.AgentID,
			"direction", t.Direction,
			"path", snapshot.Path,
			"error", err)
		c.publish(broadcast.TransferFailed, FileEvent{
			TransferID: snapshot.ID,
			ClientID:   snapshot.AgentID,
			Direction:  snapshot.Direction,
			FilePath:   snapshot.Path,
			Error:      snapshot.Error,
		})
		return &snapshot, err
	}

	c.logger.Info("transfer completed",
		"transfer_id", t.ID,
		"agent_id", t.AgentID,
		"direction", t.Direction,
		"path", snapshot.Path,
		"size", snapshot.Size)
	return &snapshot, nil
}

func (c *Coordinator) track(t *Transfer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers[t.ID] = t
	c.order = append(c.order, t.ID)
	for len(c.order) > maxRetained {
		delete(c.transfers, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *Coordinator) untrack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.transfers, id)
	if i := slices.Index(c.order, id); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
}

// Get returns a snapshot of a transfer.
func (c *Coordinator) Get(id string) (*Transfer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	snapshot := *t
	return &snapshot, nil
}

// List returns retained transfers newest first. An empty agentID lists all.
func (c *Coordinator) List(agentID string) []Transfer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Transfer, 0, len(c.order))
	for i := len(c.order) - 1; i >= 0; i-- {
		t := c.transfers[c.order[i]]
		if agentID == "" || t.AgentID == agentID {
			out = append(out, *t)
		}
	}
	return out
}

// agentError converts a file_error frame into a sentinel error.
func agentError(f *protocol.Frame) error {
	msg := f.Error
	if msg == "" {
		msg = f.Code
	}
	switch f.Code {
	case protocol.CodePathNotFound:
		return fmt.Errorf("%w: %s", ErrPathNotFound, msg)
	case protocol.CodePermissionDenied:
		return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
	case protocol.CodeTooLarge:
		return fmt.Errorf("%w: %s", ErrTooLarge, msg)
	default:
		return fmt.Errorf("%w: agent reported: %s", ErrTransferFailed, msg)
	}
}

// await reads frames until one of the wanted types arrives. file_error
// frames become sentinel errors; anything else is logged and skipped.
func (c *Coordinator) await(ctx context.Context, x *session.Exchange, want ...protocol.FrameType) (*protocol.Frame, error) {
	for {
		f, err := x.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if f.Type == protocol.TypeFileError {
			return nil, agentError(f)
		}
		if slices.Contains(want, f.Type) {
			return f, nil
		}
		c.logger.Warn("unexpected frame during transfer",
			"transfer_id", x.ID(),
			"type", f.Type,
			"want", fmt.Sprint(want))
	}
}

// awaitFinalAck waits for the agent to confirm a whole operation.
func (c *Coordinator) awaitFinalAck(ctx context.Context, x *session.Exchange) error {
	for {
		f, err := c.await(ctx, x, protocol.TypeFileAck)
		if err != nil {
			return err
		}
		if f.Final {
			return nil
		}
	}
}

func (c *Coordinator) persist(t Transfer) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.store.SaveTransfer(ctx, &store.TransferRecord{
		ID:          t.ID,
		AgentID:     t.AgentID,
		Direction:   string(t.Direction),
		Path:        t.Path,
		LocalPath:   t.LocalPath,
		Size:        t.Size,
		Digest:      t.Digest,
		Status:      string(t.State),
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	})
	if err != nil {
		c.logger.Error("failed to persist transfer", "transfer_id", t.ID, "error", err)
	}
}

func (c *Coordinator) publish(eventType string, data any) {
	if c.publisher != nil {
		c.publisher.Publish(eventType, data)
	}
}

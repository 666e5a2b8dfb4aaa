// ABOUTME: Command dispatcher: turns (agent, command) requests into tasks.
// ABOUTME: Runs each task as a session op and publishes exactly one terminal event.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/broadcast"
	"github.com/2389/fleet-gateway/internal/dedupe"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/session"
	"github.com/2389/fleet-gateway/internal/store"
)

var (
	// ErrTaskNotFound is returned for unknown or evicted task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrEmptyCommand is returned when the command text is blank.
	ErrEmptyCommand = errors.New("command is empty")
)

// Submitter queues ops on agent sessions. *session.Mux implements it.
type Submitter interface {
	Submit(agentID string, op *session.Op) error
	Cancel(agentID, opID string) error
}

// WorkdirTracker records the working directory an agent reports.
// *agent.Registry implements it.
type WorkdirTracker interface {
	SetWorkingDir(agentID, dir string)
}

// Config tunes the dispatcher.
type Config struct {
	CommandTimeout time.Duration
	Retention      time.Duration
}

type entry struct {
	task    Task
	created chan struct{} // closed once task_created is published
	done    chan struct{} // closed once the task is terminal
}

// Dispatcher tracks command tasks for all agents.
type Dispatcher struct {
	cfg       Config
	sessions  Submitter
	workdirs  WorkdirTracker
	publisher broadcast.Publisher
	store     store.Store
	requests  *dedupe.Cache[string]

	mu    sync.RWMutex
	tasks map[string]*entry

	now    func() time.Time
	logger *slog.Logger
}

// New creates a dispatcher. workdirs, publisher and st may be nil.
func New(cfg Config, sessions Submitter, workdirs WorkdirTracker, publisher broadcast.Publisher, st store.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	return &Dispatcher{
		cfg:       cfg,
		sessions:  sessions,
		workdirs:  workdirs,
		publisher: publisher,
		store:     st,
		requests:  dedupe.New[string](cfg.Retention, 10_000),
		tasks:     make(map[string]*entry),
		now:       time.Now,
		logger:    logger.With("component", "dispatcher"),
	}
}

// Execute submits command to the agent and returns the new task in state
// pending. A non-empty requestID makes the call idempotent: repeating it
// returns the task created by the first call.
func (d *Dispatcher) Execute(ctx context.Context, agentID, command, requestID string) (*Task, error) {
	if strings.TrimSpace(command) == "" {
		return nil, ErrEmptyCommand
	}

	id := uuid.New().String()
	if requestID != "" {
		if existing, found := d.requests.PutIfAbsent(requestID, id); found {
			if t, err := d.Get(ctx, existing); err == nil {
				d.logger.Debug("duplicate request", "request_id", requestID, "task_id", existing)
				return t, nil
			}
			d.requests.Put(requestID, id)
		}
	}

	e := &entry{
		task: Task{
			ID:          id,
			AgentID:     agentID,
			Command:     command,
			Status:      StatusPending,
			SubmittedAt: d.now(),
		},
		created: make(chan struct{}),
		done:    make(chan struct{}),
	}

	d.mu.Lock()
	d.evictLocked()
	d.tasks[id] = e
	d.mu.Unlock()

	var result *protocol.Frame
	op := &session.Op{
		ID:      id,
		Kind:    session.KindCommand,
		Timeout: d.cfg.CommandTimeout,
		Run: func(ctx context.Context, x *session.Exchange) error {
			f, err := d.run(ctx, x, e)
			result = f
			return err
		},
		Done: func(err error) {
			<-e.created
			d.finish(e, result, err)
		},
	}

	if err := d.sessions.Submit(agentID, op); err != nil {
		d.mu.Lock()
		delete(d.tasks, id)
		d.mu.Unlock()
		if requestID != "" {
			d.requests.Delete(requestID)
		}
		return nil, err
	}

	snapshot := d.snapshot(e)
	d.persist(snapshot)
	d.publish(broadcast.TaskCreated, snapshot.event())
	close(e.created)

	d.logger.Info("task submitted", "task_id", id, "agent_id", agentID, "command", command)
	return &snapshot, nil
}

// run sends the command and waits for its result.
func (d *Dispatcher) run(ctx context.Context, x *session.Exchange, e *entry) (*protocol.Frame, error) {
	if err := x.Send(&protocol.Frame{Type: protocol.TypeCommand, Data: e.task.Command}); err != nil {
		return nil, fmt.Errorf("sending command: %w", err)
	}
	d.markSent(e)

	for {
		f, err := x.Recv(ctx)
		if err != nil {
			return nil, err
		}
		switch f.Type {
		case protocol.TypeCommandResult:
			if f.Cwd != "" && d.workdirs != nil {
				d.workdirs.SetWorkingDir(x.Agent().ID, f.Cwd)
			}
			return f, nil
		case protocol.TypeError:
			return nil, fmt.Errorf("agent error: %s", f.Error)
		default:
			d.logger.Warn("unexpected frame for command", "task_id", x.ID(), "type", f.Type)
		}
	}
}

// markSent records that the command reached the agent. Persisting waits
// for the pending record so history never regresses.
func (d *Dispatcher) markSent(e *entry) {
	<-e.created
	d.mu.Lock()
	if e.task.Status != StatusPending {
		d.mu.Unlock()
		return
	}
	now := d.now()
	e.task.Status = StatusSent
	e.task.SentAt = &now
	t := e.task
	d.mu.Unlock()

	d.persist(t)
}

// finish moves the task to its terminal state. The session guarantees it
// runs once per task.
func (d *Dispatcher) finish(e *entry, result *protocol.Frame, err error) {
	d.mu.Lock()
	now := d.now()
	e.task.CompletedAt = &now
	switch {
	case err != nil:
		e.task.Status = StatusFailed
		e.task.Error = err.Error()
	case result != nil && result.Error != "":
		e.task.Status = StatusFailed
		e.task.Output = result.Output
		e.task.Error = result.Error
	default:
		e.task.Status = StatusCompleted
		if result != nil {
			e.task.Output = result.Output
		}
	}
	t := e.task
	d.mu.Unlock()

	d.persist(t)
	d.publish(broadcast.TaskUpdated, t.event())
	close(e.done)

	if t.Status == StatusFailed {
		d.logger.Warn("task failed", "task_id", t.ID, "agent_id", t.AgentID, "error", t.Error)
	} else {
		d.logger.Info("task completed", "task_id", t.ID, "agent_id", t.AgentID, "output_len", len(t.Output))
	}
}

func (d *Dispatcher) snapshot(e *entry) Task {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return e.task
}

// Get returns a task by id, falling back to persisted history for tasks
// that were evicted from memory.
func (d *Dispatcher) Get(ctx context.Context, id string) (*Task, error) {
	d.mu.RLock()
	e, ok := d.tasks[id]
	var t Task
	if ok {
		t = e.task
	}
	d.mu.RUnlock()
	if ok {
		return &t, nil
	}

	if d.store != nil {
		rec, err := d.store.GetTask(ctx, id)
		if err == nil {
			t := fromRecord(rec)
			return &t, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrTaskNotFound
}

// List returns retained tasks newest first. An empty agentID lists all.
func (d *Dispatcher) List(agentID string) []Task {
	d.mu.Lock()
	d.evictLocked()
	out := make([]Task, 0, len(d.tasks))
	for _, e := range d.tasks {
		if agentID == "" || e.task.AgentID == agentID {
			out = append(out, e.task)
		}
	}
	d.mu.Unlock()

	slices.SortFunc(out, func(a, b Task) int {
		if c := b.SubmittedAt.Compare(a.SubmittedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// History returns persisted tasks newest first, including evicted ones.
// Without a store it is the same as List.
func (d *Dispatcher) History(ctx context.Context, agentID string, limit int) ([]Task, error) {
	if d.store == nil {
		return d.List(agentID), nil
	}
	recs, err := d.store.ListTasks(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Task, len(recs))
	for i, r := range recs {
		out[i] = fromRecord(r)
	}
	return out, nil
}

// Cancel aborts a task that has not finished yet.
func (d *Dispatcher) Cancel(id string) error {
	d.mu.RLock()
	e, ok := d.tasks[id]
	var agentID string
	var terminal bool
	if ok {
		agentID = e.task.AgentID
		terminal = e.task.Status.Terminal()
	}
	d.mu.RUnlock()

	if !ok {
		return ErrTaskNotFound
	}
	if terminal {
		return session.ErrOperationNotFound
	}
	return d.sessions.Cancel(agentID, id)
}

// Wait blocks until the task is terminal or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context, id string) (*Task, error) {
	d.mu.RLock()
	e, ok := d.tasks[id]
	d.mu.RUnlock()
	if !ok {
		return d.Get(ctx, id)
	}

	select {
	case <-e.done:
		t := d.snapshot(e)
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// evictLocked drops terminal tasks older than the retention window.
func (d *Dispatcher) evictLocked() {
	cutoff := d.now().Add(-d.cfg.Retention)
	for id, e := range d.tasks {
		if e.task.Status.Terminal() && e.task.CompletedAt != nil && e.task.CompletedAt.Before(cutoff) {
			delete(d.tasks, id)
		}
	}
}

func (d *Dispatcher) persist(t Task) {
	if d.store == nil {
		return
	}
	// Detached from any request context so history survives client hangups.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.SaveTask(ctx, t.record()); err != nil {
		d.logger.Error("failed to persist task", "task_id", t.ID, "error", err)
	}
}

func (d *Dispatcher) publish(eventType string, data any) {
	if d.publisher != nil {
		d.publisher.Publish(eventType, data)
	}
}

// Close releases background resources.
func (d *Dispatcher) Close() {
	d.requests.Close()
}

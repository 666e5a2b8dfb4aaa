// ABOUTME: Command task model and its persisted form.
// ABOUTME: A task moves pending -> sent -> completed|failed exactly once.

package dispatch

import (
	"time"

	"github.com/2389/fleet-gateway/internal/store"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one command issued to one agent.
type Task struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"client_id"`
	Command     string     `json:"command"`
	Status      Status     `json:"status"`
	Output      string     `json:"output"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Event is the payload of task_created and task_updated.
type Event struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	Command  string `json:"command"`
	Status   Status `json:"status"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
}

func (t Task) event() Event {
	return Event{
		ID:       t.ID,
		ClientID: t.AgentID,
		Command:  t.Command,
		Status:   t.Status,
		Output:   t.Output,
		Error:    t.Error,
	}
}

func (t Task) record() *store.TaskRecord {
	return &store.TaskRecord{
		ID:          t.ID,
		AgentID:     t.AgentID,
		Command:     t.Command,
		Status:      string(t.Status),
		Output:      t.Output,
		Error:       t.Error,
		SubmittedAt: t.SubmittedAt,
		SentAt:      t.SentAt,
		CompletedAt: t.CompletedAt,
	}
}

func fromRecord(r *store.TaskRecord) Task {
	return Task{
		ID:          r.ID,
		AgentID:     r.AgentID,
		Command:     r.Command,
		Status:      Status(r.Status),
		Output:      r.Output,
		Error:       r.Error,
		SubmittedAt: r.SubmittedAt,
		SentAt:      r.SentAt,
		CompletedAt: r.CompletedAt,
	}
}

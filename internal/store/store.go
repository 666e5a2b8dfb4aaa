// ABOUTME: Store interface and record types for fleet-gateway persistence
// ABOUTME: Defines task, transfer, agent sighting and settings records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// TaskRecord is the persisted form of a command task
type TaskRecord struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"client_id"`
	Command     string     `json:"command"`
	Status      string     `json:"status"` // pending, sent, completed, failed
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TransferRecord is the persisted form of a file operation
type TransferRecord struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"client_id"`
	Direction   string     `json:"direction"` // download, upload, read, write, delete, mkdir, list
	Path        string     `json:"path"`
	LocalPath   string     `json:"local_path,omitempty"` // where a download was saved
	Size        int64      `json:"size"`
	Digest      string     `json:"digest,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AgentSighting records that an agent was attached at some point
type AgentSighting struct {
	AgentID   string    `json:"client_id"`
	Hostname  string    `json:"hostname"`
	Username  string    `json:"username"`
	IPAddress string    `json:"ip_address"`
	OS        string    `json:"os"`
	Listener  string    `json:"listener"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Store defines the interface for gateway history and settings
type Store interface {
	// Tasks
	SaveTask(ctx context.Context, task *TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	ListTasks(ctx context.Context, agentID string, limit int) ([]*TaskRecord, error)

	// Transfers
	SaveTransfer(ctx context.Context, transfer *TransferRecord) error
	ListTransfers(ctx context.Context, agentID string, limit int) ([]*TransferRecord, error)

	// Agents
	RecordAgentSeen(ctx context.Context, sighting *AgentSighting) error
	ListAgentSightings(ctx context.Context, limit int) ([]*AgentSighting, error)

	// Settings (opaque values, usually JSON)
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Close releases any resources held by the store
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return min(limit, 1000)
}

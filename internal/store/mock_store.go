// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	tasks     map[string]*TaskRecord     // keyed by task ID
	transfers map[string]*TransferRecord // keyed by transfer ID
	agents    map[string]*AgentSighting  // keyed by agent ID
	settings  map[string]string
	closed    bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tasks:     make(map[string]*TaskRecord),
		transfers: make(map[string]*TransferRecord),
		agents:    make(map[string]*AgentSighting),
		settings:  make(map[string]string),
	}
}

// SaveTask stores a copy of task.
func (m *MockStore) SaveTask(ctx context.Context, task *TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := *task
	m.tasks[t.ID] = &t
	return nil
}

// GetTask retrieves a task by ID.
func (m *MockStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *t
	return &result, nil
}

// ListTasks returns tasks newest first.
func (m *MockStore) ListTasks(ctx context.Context, agentID string, limit int) ([]*TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TaskRecord
	for _, t := range m.tasks {
		if agentID == "" || t.AgentID == agentID {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveTransfer stores a copy of tr.
func (m *MockStore) SaveTransfer(ctx context.Context, tr *TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *tr
	m.transfers[c.ID] = &c
	return nil
}

// ListTransfers returns transfers newest first.
func (m *MockStore) ListTransfers(ctx context.Context, agentID string, limit int) ([]*TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TransferRecord
	for _, tr := range m.transfers {
		if agentID == "" || tr.AgentID == agentID {
			c := *tr
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordAgentSeen upserts a sighting, keeping the first FirstSeen.
func (m *MockStore) RecordAgentSeen(ctx context.Context, a *AgentSighting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *a
	if prev, ok := m.agents[c.AgentID]; ok {
		c.FirstSeen = prev.FirstSeen
	}
	m.agents[c.AgentID] = &c
	return nil
}

// ListAgentSightings returns sightings, most recently seen first.
func (m *MockStore) ListAgentSightings(ctx context.Context, limit int) ([]*AgentSighting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AgentSighting, 0, len(m.agents))
	for _, a := range m.agents {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetSetting returns the value for key.
func (m *MockStore) GetSetting(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// SetSetting stores value under key.
func (m *MockStore) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Compile-time check that MockStore implements Store
var _ Store = (*MockStore)(nil)

package state

import (
	"context"
	"sync"
)

// MemoryRepository is an in-process Repository for tests and non-durable
// development runs.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]record
}

type record struct {
	backendType string
	stateID     string
}

func NewMemory() *MemoryRepository {
	return &MemoryRepository{records: map[string]record{}}
}

func (m *MemoryRepository) AssignBackend(_ context.Context, sessionID, backendType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[sessionID] = record{backendType: backendType}
	return nil
}

func (m *MemoryRepository) AssignedBackend(_ context.Context, sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	return rec.backendType, nil
}

func (m *MemoryRepository) SaveState(_ context.Context, sessionID, stateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return ErrNotFound
	}
	rec.stateID = stateID
	m.records[sessionID] = rec
	return nil
}

func (m *MemoryRepository) State(_ context.Context, sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[sessionID]
	if !ok || rec.stateID == "" {
		return "", ErrNotFound
	}
	return rec.stateID, nil
}

func (m *MemoryRepository) DeleteState(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sessionID)
	return nil
}

func (m *MemoryRepository) HasState(_ context.Context, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[sessionID]
	return ok && rec.stateID != "", nil
}

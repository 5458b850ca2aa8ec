package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// Snapshot is the persisted form of a session. State and Cart are opaque to
// this package; their owners encode them.
type Snapshot struct {
	SessionID     string               `json:"session_id"`
	Patient       Patient              `json:"patient"`
	Turns         []Turn               `json:"turns"`
	Prescriptions []PrescriptionRecord `json:"prescriptions"`
	State         json.RawMessage      `json:"state,omitempty"`
	Cart          json.RawMessage      `json:"cart,omitempty"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Store persists session snapshots.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, sessionID string) (*Snapshot, error)
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context, limit int) ([]*Snapshot, error)
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]*Snapshot)}
}

func (m *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	cp := *snap
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.snaps[snap.SessionID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snaps[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(m.snaps, sessionID)
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Snapshot
	for _, s := range m.snaps {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests. Snapshots round-trip through
// JSON so tests catch serialization mistakes the same way sqlite would.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string][]byte
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string][]byte)}
}

func (m *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	snap.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.ThreadID] = payload
	return nil
}

func (m *MemoryStore) Load(_ context.Context, threadID string) (*Snapshot, error) {
	m.mu.RLock()
	payload, ok := m.snaps[threadID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", threadID, ErrNotFound)
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", threadID, err)
	}
	return &snap, nil
}

func (m *MemoryStore) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, threadID)
	return nil
}

package memory

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. Turns live only as long as the process.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]Turn
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Turn)}
}

func (m *MemoryStore) Append(_ context.Context, turn Turn) error {
	if turn.SessionID == "" {
		return ErrEmptySession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[turn.SessionID] = append(m.sessions[turn.SessionID], turn)
	return nil
}

func (m *MemoryStore) Turns(_ context.Context, sessionID string) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.sessions[sessionID]
	if len(src) == 0 {
		return nil, nil
	}
	out := make([]Turn, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.sessions[sessionID][:0]
	for _, t := range m.sessions[sessionID] {
		if _, ok := drop[t.ID]; !ok {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(m.sessions, sessionID)
		return nil
	}
	m.sessions[sessionID] = kept
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.sessions[sessionID])
	delete(m.sessions, sessionID)
	return n, nil
}

func (m *MemoryStore) SessionCount(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions), nil
}

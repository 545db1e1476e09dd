package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryConfig bounds the in-process set of claimed IDs.
type MemoryConfig struct {
	// MaxEntries caps how many IDs are remembered; the least recently
	// claimed are forgotten first. Zero means unbounded.
	MaxEntries int

	// TTL forgets an ID this long after it was claimed. Zero means IDs never
	// expire.
	TTL time.Duration
}

// Memory is an in-process Deduplicator.
type Memory struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, string]
}

// NewMemory creates a Memory deduplicator. With a zero config every ID is
// kept for the lifetime of the process.
func NewMemory(cfg MemoryConfig) *Memory {
	size := cfg.MaxEntries
	if size < 0 {
		size = 0
	}
	ttl := cfg.TTL
	if ttl < 0 {
		ttl = 0
	}
	return &Memory{cache: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (m *Memory) Has(_ context.Context, eventID string) (bool, error) {
	return m.seen(eventID), nil
}

// seen checks with Peek rather than Contains: Peek honours the TTL even
// before the background sweep has removed an expired entry.
func (m *Memory) seen(eventID string) bool {
	_, ok := m.cache.Peek(eventID)
	return ok
}

func (m *Memory) Mark(_ context.Context, eventID, content string) error {
	if eventID == "" {
		return ErrEmptyEventID
	}
	m.cache.Add(eventID, content)
	return nil
}

func (m *Memory) Claim(_ context.Context, eventID, content string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}
	// The LRU locks each call on its own; check and add must be one step.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen(eventID) {
		return false, nil
	}
	m.cache.Add(eventID, content)
	return true, nil
}

// Len reports how many IDs are currently remembered.
func (m *Memory) Len() int {
	return m.cache.Len()
}

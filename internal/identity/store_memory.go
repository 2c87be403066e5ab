package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryEntry struct {
	identity  Identity
	expiresAt time.Time
}

// MemoryStore provides in-memory token storage for single-instance mode.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   clockwork.Clock
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		clock:   clock,
	}
}

func (s *MemoryStore) Put(_ context.Context, token string, id Identity, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[token] = memoryEntry{
		identity:  id,
		expiresAt: s.clock.Now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, token string) (Identity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[token]
	if !ok {
		return Identity{}, false, nil
	}

	// Expired entries read as misses. They are not deleted here (read lock
	// only); eviction happens periodically.
	if s.clock.Now().After(entry.expiresAt) {
		return Identity{}, false, nil
	}

	return entry.identity, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, token)
	return nil
}

// Size returns the current number of entries (including expired).
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// EvictExpired removes all expired entries and returns the count evicted.
// This prevents unbounded growth over time.
func (s *MemoryStore) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	evicted := 0
	for token, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, token)
			evicted++
		}
	}
	return evicted
}

// StartEvictionTimer starts a background goroutine that evicts expired
// tokens on the given interval. The returned function stops it.
func (s *MemoryStore) StartEvictionTimer(interval time.Duration) (stop func()) {
	ticker := s.clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.Chan():
				if evicted := s.EvictExpired(); evicted > 0 {
					slog.Debug("Evicted expired stream tokens", "count", evicted)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

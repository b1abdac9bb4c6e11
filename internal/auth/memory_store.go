package auth

import (
	"sort"
	"sync"
)

// MemoryStore keeps the revoked agent set in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	revoked map[string]struct{}
}

// NewMemoryStore initialises the store with already revoked agents. Entries
// that are not valid addresses are skipped.
func NewMemoryStore(revoked []string) *MemoryStore {
	store := &MemoryStore{revoked: make(map[string]struct{}, len(revoked))}
	for _, agent := range revoked {
		store.Revoke(agent)
	}
	return store
}

// Revoke blocks an agent. It reports whether the address was valid.
func (s *MemoryStore) Revoke(agent string) bool {
	canonical, err := CanonicalAgent(agent)
	if err != nil {
		return false
	}
	s.mu.Lock()
	s.revoked[canonical] = struct{}{}
	s.mu.Unlock()
	return true
}

// Restore unblocks an agent.
func (s *MemoryStore) Restore(agent string) {
	canonical, err := CanonicalAgent(agent)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.revoked, canonical)
	s.mu.Unlock()
}

// IsRevoked implements Store.
func (s *MemoryStore) IsRevoked(agent string) bool {
	canonical, err := CanonicalAgent(agent)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[canonical]
	return ok
}

// Revoked lists revoked agents in sorted order.
func (s *MemoryStore) Revoked() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.revoked))
	for agent := range s.revoked {
		out = append(out, agent)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

var _ Store = (*MemoryStore)(nil)

package memory

import (
	"context"
	"slices"
	"sync"

	"carfengine/internal/audit"
)

// InMemoryStore keeps audit entries in append order.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []audit.Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Subjects = slices.Clone(entry.Subjects)
	s.entries = append(s.entries, entry)
	return nil
}

func (s *InMemoryStore) List(_ context.Context) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Entry, len(s.entries))
	for i, e := range s.entries {
		e.Subjects = slices.Clone(e.Subjects)
		out[i] = e
	}
	return out, nil
}


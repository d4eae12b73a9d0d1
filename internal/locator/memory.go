package locator

import (
	"context"
	"sync"
)

// MemoryStore keeps the locator for the lifetime of the process.
type MemoryStore struct {
	mu  sync.RWMutex
	url string
	set bool
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Lookup(_ context.Context) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.url, s.set, nil
}

func (s *MemoryStore) Set(_ context.Context, url string) error {
	if err := Validate(url); err != nil {
		return err
	}
	s.mu.Lock()
	s.url = url
	s.set = true
	s.mu.Unlock()
	return nil
}

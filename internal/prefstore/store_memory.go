package prefstore

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, browserID, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[browserID][key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, browserID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.values[browserID]
	if !ok {
		m = make(map[string]string)
		s.values[browserID] = m
	}
	m[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, browserID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.values[browserID]
	if !ok {
		return nil
	}
	delete(m, key)
	if len(m) == 0 {
		delete(s.values, browserID)
	}
	return nil
}

package prefstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps all preferences in one JSON document rewritten on every
// mutation. Suitable for single-instance deployments and local development.
type FileStore struct {
	path string

	mu     sync.RWMutex
	values map[string]map[string]string
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("preference file path is required")
	}

	s := &FileStore{
		path:   path,
		values: make(map[string]map[string]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, browserID, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[browserID][key]
	return v, ok, nil
}

func (s *FileStore) Set(_ context.Context, browserID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.values[browserID]
	if !ok {
		m = make(map[string]string)
		s.values[browserID] = m
	}
	prev, had := m[key]
	m[key] = value
	if err := s.persistLocked(); err != nil {
		if had {
			m[key] = prev
		} else {
			delete(m, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, browserID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.values[browserID]
	if !ok {
		return nil
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	if len(m) == 0 {
		delete(s.values, browserID)
	}
	return s.persistLocked()
}

func (s *FileStore) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read preference file: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &s.values); err != nil {
		return fmt.Errorf("decode preference file: %w", err)
	}
	if s.values == nil {
		s.values = make(map[string]map[string]string)
	}
	return nil
}

func (s *FileStore) persistLocked() error {
	b, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode preference file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir preference dir: %w", err)
	}
	if err := os.WriteFile(s.path, b, 0o600); err != nil {
		return fmt.Errorf("write preference file: %w", err)
	}
	return nil
}

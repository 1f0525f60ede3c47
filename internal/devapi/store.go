package devapi

import (
	"context"
	"sync"
)

// UserStore persists registered accounts. Create reports ErrDuplicateUser
// when the username or email is taken.
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	Create(ctx context.Context, user User) error
}

type InMemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewInMemoryUserStore() *InMemoryUserStore {
	return &InMemoryUserStore{users: make(map[string]User)}
}

func (s *InMemoryUserStore) GetByUsername(_ context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[normalizeUsername(username)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *InMemoryUserStore) GetByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *InMemoryUserStore) Create(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conflicts(s.users, user) {
		return ErrDuplicateUser
	}
	s.users[user.Username] = user
	return nil
}

func conflicts(users map[string]User, user User) bool {
	if _, ok := users[user.Username]; ok {
		return true
	}
	if user.Email == "" {
		return false
	}
	for _, u := range users {
		if u.Email == user.Email {
			return true
		}
	}
	return false
}

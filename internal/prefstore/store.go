// Package prefstore persists small per-browser string values: bearer tokens
// in fallback credential modes and the theme preference. It plays the role
// browser-local storage plays for a single-page client.
package prefstore

import (
	"context"
	"errors"
	"strings"
)

var ErrInvalidKey = errors.New("invalid preference key")

// Store is a namespaced string key-value store. Get reports found=false for
// missing keys; Delete of a missing key is not an error.
type Store interface {
	Get(ctx context.Context, browserID, key string) (string, bool, error)
	Set(ctx context.Context, browserID, key, value string) error
	Delete(ctx context.Context, browserID, key string) error
}

// Scope binds a Store to one browser.
type Scope struct {
	store     Store
	browserID string
}

func NewScope(store Store, browserID string) Scope {
	return Scope{store: store, browserID: browserID}
}

func (s Scope) Get(ctx context.Context, key string) (string, bool, error) {
	if err := validate(s.browserID, key); err != nil {
		return "", false, err
	}
	return s.store.Get(ctx, s.browserID, key)
}

func (s Scope) Set(ctx context.Context, key, value string) error {
	if err := validate(s.browserID, key); err != nil {
		return err
	}
	return s.store.Set(ctx, s.browserID, key, value)
}

func (s Scope) Delete(ctx context.Context, key string) error {
	if err := validate(s.browserID, key); err != nil {
		return err
	}
	return s.store.Delete(ctx, s.browserID, key)
}

func validate(browserID, key string) error {
	if strings.TrimSpace(browserID) == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}

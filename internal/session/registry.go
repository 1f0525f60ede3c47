package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"forgelink/webshell/internal/apiclient"
	"forgelink/webshell/internal/authsvc"
	"forgelink/webshell/internal/observability"
	"forgelink/webshell/internal/prefstore"
)

// Tab is everything the shell keeps for one browser: its session store, the
// API client with its own cookie jar, and its preference scope.
type Tab struct {
	BrowserID string
	Store     *Store
	Client    *apiclient.Client
	Auth      *authsvc.Service
	Prefs     prefstore.Scope

	unsubscribe func()
}

// ExpirySource is implemented by *apiclient.Client.
type ExpirySource interface {
	OnSessionExpired(fn apiclient.ExpiryListener) func()
}

// NewTab builds a store over svc and subscribes it to the client's terminal
// failure signal.
func NewTab(browserID string, client *apiclient.Client, svc *authsvc.Service, prefs prefstore.Scope, cfg Config) *Tab {
	store := NewStore(svc, cfg)
	t := &Tab{
		BrowserID: browserID,
		Store:     store,
		Client:    client,
		Auth:      svc,
		Prefs:     prefs,
	}
	if client != nil {
		t.unsubscribe = subscribeExpiry(client, store)
	}
	return t
}

func subscribeExpiry(src ExpirySource, store *Store) func() {
	return src.OnSessionExpired(func(ctx context.Context, err error) {
		store.HandleSessionExpired(ctx, err)
	})
}

func (t *Tab) Close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	t.Store.Close()
}

// TabFactory builds the tab for a browser id seen for the first time.
type TabFactory func(browserID string) (*Tab, error)

type RegistryConfig struct {
	MaxTabs int
	IdleTTL time.Duration
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Registry maps browser ids to tabs. Tabs idle for longer than IdleTTL or
// pushed out by MaxTabs are closed.
type Registry struct {
	mu      sync.Mutex
	tabs    *expirable.LRU[string, *Tab]
	factory TabFactory
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewRegistry(cfg RegistryConfig, factory TabFactory) (*Registry, error) {
	if factory == nil {
		return nil, fmt.Errorf("tab factory is required")
	}
	if cfg.MaxTabs <= 0 {
		return nil, fmt.Errorf("max tabs must be > 0")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{factory: factory, logger: cfg.Logger, metrics: cfg.Metrics}
	r.tabs = expirable.NewLRU[string, *Tab](cfg.MaxTabs, r.onEvict, cfg.IdleTTL)
	return r, nil
}

// onEvict runs under the LRU lock and must not call back into r.tabs.
func (r *Registry) onEvict(browserID string, tab *Tab) {
	tab.Close()
	r.logger.Debug("tab evicted", "browser_id", browserID)
	if r.metrics != nil {
		r.metrics.ActiveTabs.Dec()
	}
}

// Get returns the tab for browserID, creating it on first sight. Every hit
// restarts the idle timer.
func (r *Registry) Get(browserID string) (*Tab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tab, ok := r.tabs.Get(browserID); ok {
		r.tabs.Add(browserID, tab)
		return tab, nil
	}
	// An expired entry can linger until the reaper runs; drop it so its tab
	// is closed before the replacement goes in.
	r.tabs.Remove(browserID)

	tab, err := r.factory(browserID)
	if err != nil {
		return nil, fmt.Errorf("create tab %s: %w", browserID, err)
	}
	r.tabs.Add(browserID, tab)
	if r.metrics != nil {
		r.metrics.ActiveTabs.Inc()
	}
	return tab, nil
}

// Close closes every tab.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tabs.Purge()
}

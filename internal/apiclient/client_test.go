package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgelink/webshell/internal/observability"
	"forgelink/webshell/internal/prefstore"
)

// fakeAPI answers /auth/me/ with 200 only when the request carries the
// current access credential, as cookie or bearer header.
type fakeAPI struct {
	mu           sync.Mutex
	access       string
	refreshOK    bool
	alwaysReject bool
	refreshDelay time.Duration

	meCalls      atomic.Int32
	refreshCalls atomic.Int32
	lastRefresh  atomic.Value
	lastAuthz    atomic.Value
}

func (f *fakeAPI) currentAccess() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/auth/me/":
		f.meCalls.Add(1)
		f.lastAuthz.Store(r.Header.Get("Authorization"))
		want := f.currentAccess()
		ok := false
		if c, err := r.Cookie("access_token"); err == nil && c.Value == want {
			ok = true
		}
		if r.Header.Get("Authorization") == "Bearer "+want {
			ok = true
		}
		if f.alwaysReject || !ok {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"not authenticated"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":1,"username":"bob"}`))
	case "/api/auth/jwt/refresh/":
		f.refreshCalls.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.lastRefresh.Store(body["refresh"])
		if f.refreshDelay > 0 {
			time.Sleep(f.refreshDelay)
		}
		if !f.refreshOK {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.access = "access-rotated"
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "access_token", Value: "access-rotated", Path: "/", HttpOnly: true})
		_ = json.NewEncoder(w).Encode(Tokens{Access: "access-rotated", Refresh: "refresh-rotated"})
	case "/api/boom/":
		w.WriteHeader(http.StatusBadGateway)
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, baseURL string, creds CredentialStrategy, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{BaseURL: baseURL + "/api/", Timeout: 2 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, creds)
	require.NoError(t, err)
	return c
}

func TestDoRefreshesOnceAndRetries(t *testing.T) {
	api := &fakeAPI{access: "access-1", refreshOK: true}
	srv := httptest.NewServer(api)
	defer srv.Close()

	metrics := observability.NewMetrics()
	c := newTestClient(t, srv.URL, nil, func(cfg *Config) { cfg.Metrics = metrics })

	resp, err := c.Get(context.Background(), "/auth/me/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, api.meCalls.Load())
	assert.EqualValues(t, 1, api.refreshCalls.Load())

	var user struct {
		Username string `json:"username"`
	}
	require.NoError(t, resp.Decode(&user))
	assert.Equal(t, "bob", user.Username)

	// the rotated cookie is now in the jar
	_, err = c.Get(context.Background(), "/auth/me/")
	require.NoError(t, err)
	assert.EqualValues(t, 1, api.refreshCalls.Load())
}

func TestDoRefreshesAtMostOnceWhenRetryStillRejected(t *testing.T) {
	api := &fakeAPI{refreshOK: true, alwaysReject: true}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, nil)
	var notified atomic.Int32
	c.OnSessionExpired(func(context.Context, error) { notified.Add(1) })

	_, err := c.Get(context.Background(), "/auth/me/")
	require.Error(t, err)

	se, ok := AsStatus(err)
	require.True(t, ok, "expected status error, got %v", err)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.False(t, errors.Is(err, ErrSessionExpired))
	assert.EqualValues(t, 1, api.refreshCalls.Load())
	assert.EqualValues(t, 2, api.meCalls.Load())
	assert.Zero(t, notified.Load())
}

func TestDoSignalsSessionExpiredWhenRefreshFails(t *testing.T) {
	api := &fakeAPI{refreshOK: false}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, nil)
	var got []error
	var mu sync.Mutex
	unsubscribe := c.OnSessionExpired(func(_ context.Context, err error) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	})

	_, err := c.Get(context.Background(), "/auth/me/")
	require.ErrorIs(t, err, ErrSessionExpired)
	var expired *SessionExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, "/auth/me/", expired.Path)

	mu.Lock()
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], ErrSessionExpired)
	mu.Unlock()

	unsubscribe()
	_, err = c.Get(context.Background(), "/auth/me/")
	require.ErrorIs(t, err, ErrSessionExpired)
	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestSkipRefreshReturnsUnauthorizedDirectly(t *testing.T) {
	api := &fakeAPI{refreshOK: true}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, nil)
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/auth/me/", SkipRefresh: true})

	se, ok := AsStatus(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Zero(t, api.refreshCalls.Load())
}

func TestBearerStrategyAttachesAndRotates(t *testing.T) {
	api := &fakeAPI{access: "access-1", refreshOK: true}
	srv := httptest.NewServer(api)
	defer srv.Close()

	ctx := context.Background()
	scope := prefstore.NewScope(prefstore.NewMemoryStore(), "browser-1")
	creds, err := NewStrategy(ModeBearer, scope, nil)
	require.NoError(t, err)
	require.NoError(t, creds.Store(ctx, Tokens{Access: "stale", Refresh: "refresh-1"}))

	c := newTestClient(t, srv.URL, creds, nil)
	_, err = c.Get(ctx, "/auth/me/")
	require.NoError(t, err)

	assert.Equal(t, "refresh-1", api.lastRefresh.Load())
	assert.Equal(t, "Bearer access-rotated", api.lastAuthz.Load())

	access, ok, err := scope.Get(ctx, AccessTokenKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "access-rotated", access)
	refresh, _, _ := scope.Get(ctx, RefreshTokenKey)
	assert.Equal(t, "refresh-rotated", refresh)
}

func TestBearerStrategyKeepsExplicitAuthorization(t *testing.T) {
	ctx := context.Background()
	scope := prefstore.NewScope(prefstore.NewMemoryStore(), "browser-1")
	creds, err := NewStrategy(ModeBearer, scope, nil)
	require.NoError(t, err)
	require.NoError(t, creds.Store(ctx, Tokens{Access: "stored"}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer explicit")
	require.NoError(t, creds.Attach(ctx, r))
	assert.Equal(t, "Bearer explicit", r.Header.Get("Authorization"))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, creds.Attach(ctx, r))
	assert.Equal(t, "Bearer stored", r.Header.Get("Authorization"))
}

func TestHybridRefreshSendsNoBody(t *testing.T) {
	ctx := context.Background()
	scope := prefstore.NewScope(prefstore.NewMemoryStore(), "browser-1")
	creds, err := NewStrategy(ModeHybrid, scope, nil)
	require.NoError(t, err)
	require.NoError(t, creds.Store(ctx, Tokens{Access: "a", Refresh: "r"}))

	body, err := creds.RefreshBody(ctx)
	require.NoError(t, err)
	assert.Nil(t, body)

	present, supported := creds.HasLocal(ctx)
	assert.True(t, present)
	assert.True(t, supported)

	require.NoError(t, creds.Clear(ctx))
	present, _ = creds.HasLocal(ctx)
	assert.False(t, present)
}

func TestBearerRefreshBodyCarriesStoredToken(t *testing.T) {
	ctx := context.Background()
	scope := prefstore.NewScope(prefstore.NewMemoryStore(), "browser-1")
	creds, err := NewStrategy(ModeBearer, scope, nil)
	require.NoError(t, err)

	body, err := creds.RefreshBody(ctx)
	require.NoError(t, err)
	assert.Nil(t, body, "no stored refresh token means a body-less refresh")

	require.NoError(t, creds.Store(ctx, Tokens{Access: "a", Refresh: "r"}))
	body, err = creds.RefreshBody(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"refresh": "r"}, body)
}

func TestCoalescedRefreshRunsOnceForConcurrentCalls(t *testing.T) {
	api := &fakeAPI{access: "access-1", refreshOK: true, refreshDelay: 200 * time.Millisecond}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, func(cfg *Config) { cfg.CoalesceRefresh = true })

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Get(context.Background(), "/auth/me/")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, api.refreshCalls.Load())
}

func TestClearCredentialsDropsCookies(t *testing.T) {
	api := &fakeAPI{access: "access-1", refreshOK: true}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, nil)
	_, err := c.Get(context.Background(), "/auth/me/")
	require.NoError(t, err)
	require.EqualValues(t, 1, api.refreshCalls.Load())

	require.NoError(t, c.ClearCredentials(context.Background()))
	_, err = c.Get(context.Background(), "/auth/me/")
	require.NoError(t, err)
	assert.EqualValues(t, 2, api.refreshCalls.Load())
}

func TestNetworkErrorOnUnreachableAPI(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url, nil, nil)
	_, err := c.Get(context.Background(), "/auth/me/")
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
	assert.False(t, errors.Is(err, ErrSessionExpired))
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	cfg := DefaultBreakerConfig()
	cfg.MinRequests = 3
	cfg.FailureRatio = 1
	breaker := NewBreaker(cfg, nil, observability.NewMetrics())
	c := newTestClient(t, srv.URL, nil, func(c *Config) { c.Breaker = breaker })

	for i := 0; i < 3; i++ {
		_, err := c.Get(context.Background(), "/boom/")
		se, ok := AsStatus(err)
		require.True(t, ok)
		assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	}
	assert.Equal(t, gobreaker.StateOpen, breaker.State())

	_, err := c.Get(context.Background(), "/boom/")
	require.True(t, IsNetwork(err))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestDoRejectsRelativePath(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", nil, nil)
	_, err := c.Get(context.Background(), "auth/me/")
	assert.Error(t, err)
}

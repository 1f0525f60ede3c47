package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgelink/webshell/internal/apiclient"
	"forgelink/webshell/internal/authsvc"
	"forgelink/webshell/internal/observability"
	"forgelink/webshell/internal/prefstore"
	"forgelink/webshell/internal/session"
	"forgelink/webshell/internal/theme"
)

// fakeAPI is a cookie-only remote API with a single account bob/Secret123!.
type fakeAPI struct {
	mu       sync.Mutex
	sessions map[string]string
}

func (f *fakeAPI) expireAll() {
	f.mu.Lock()
	f.sessions = map[string]string{}
	f.mu.Unlock()
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method + " " + r.URL.Path {
	case "POST /api/auth/jwt/login/":
		var body struct{ Username, Password string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Username != "bob" || body.Password != "Secret123!" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "No active account found with the given credentials"})
			return
		}
		tok := uuid.NewString()
		f.sessions[tok] = body.Username
		http.SetCookie(w, &http.Cookie{Name: "access_token", Value: tok, Path: "/", HttpOnly: true})
		writeJSON(w, http.StatusOK, map[string]string{})
	case "GET /api/auth/me/":
		c, err := r.Cookie("access_token")
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		name, ok := f.sessions[c.Value]
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "user": map[string]any{"id": 1, "username": name}})
	case "POST /api/auth/jwt/logout/":
		if c, err := r.Cookie("access_token"); err == nil {
			delete(f.sessions, c.Value)
		}
		http.SetCookie(w, &http.Cookie{Name: "access_token", Value: "", Path: "/", MaxAge: -1})
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication credentials were not provided."})
	}
}

type shell struct {
	api    *fakeAPI
	server *httptest.Server
	client *http.Client
}

func newShell(t *testing.T) *shell {
	t.Helper()
	return newShellWith(t, authsvc.Config{})
}

func newShellWith(t *testing.T, authCfg authsvc.Config) *shell {
	t.Helper()
	api := &fakeAPI{sessions: map[string]string{}}
	apiSrv := httptest.NewServer(api)
	t.Cleanup(apiSrv.Close)

	prefs := prefstore.NewMemoryStore()
	metrics := observability.NewMetrics()
	reg, err := session.NewRegistry(session.RegistryConfig{MaxTabs: 10, IdleTTL: time.Minute, Metrics: metrics}, func(id string) (*session.Tab, error) {
		scope := prefstore.NewScope(prefs, id)
		client, err := apiclient.New(apiclient.Config{BaseURL: apiSrv.URL + "/api"}, apiclient.CookieStrategy{})
		if err != nil {
			return nil, err
		}
		svc := authsvc.New(client, authCfg)
		return session.NewTab(id, client, svc, scope, session.Config{Metrics: metrics}), nil
	})
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	srv := httptest.NewServer(NewHandler(Deps{
		Tabs:      reg,
		Metrics:   metrics,
		ProbeWait: 2 * time.Second,
		Ready:     func(context.Context) error { return nil },
	}))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &shell{
		api:    api,
		server: srv,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (s *shell) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := s.client.Get(s.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func (s *shell) post(t *testing.T, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	resp, err := s.client.PostForm(s.server.URL+path, form)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func (s *shell) login(t *testing.T) {
	t.Helper()
	resp, _ := s.post(t, "/login", url.Values{"username": {"bob"}, "password": {"Secret123!"}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/dashboard", resp.Header.Get("Location"))
}

func TestHealthAndReadiness(t *testing.T) {
	s := newShell(t)
	resp, body := s.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"ok"`)

	resp, _ = s.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestReadinessFailure(t *testing.T) {
	h := NewHandler(Deps{Ready: func(context.Context) error { return errors.New("db down") }})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLandingIssuesBrowserCookie(t *testing.T) {
	s := newShell(t)
	resp, body := s.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Get started")

	var browser *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "fl_browser" {
			browser = c
		}
	}
	require.NotNil(t, browser)
	assert.True(t, browser.HttpOnly)
	_, err := uuid.Parse(browser.Value)
	assert.NoError(t, err)
}

func TestAnonymousVisitorInUsersMeModeStaysOnGuestPages(t *testing.T) {
	s := newShellWith(t, authsvc.Config{CurrentUserPath: authsvc.UsersMePath})

	resp, _ := s.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := s.get(t, "/register")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "Location=%q", resp.Header.Get("Location"))
	assert.Contains(t, body, "<form")

	resp, _ = s.get(t, "/login")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProtectedRouteRedirectsAnonymous(t *testing.T) {
	s := newShell(t)
	resp, _ := s.get(t, "/dashboard")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestLoginWrongPasswordRendersMessage(t *testing.T) {
	s := newShell(t)
	resp, body := s.post(t, "/login", url.Values{"username": {"alice"}, "password": {"Wrongpass1!"}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body, "Invalid username or password.")

	resp, _ = s.get(t, "/dashboard")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
}

func TestLoginFormValidation(t *testing.T) {
	s := newShell(t)
	resp, body := s.post(t, "/login", url.Values{"username": {"bob"}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body, "This field is required")
}

func TestLoginThenDashboardThenLogout(t *testing.T) {
	s := newShell(t)
	s.login(t)

	resp, body := s.get(t, "/dashboard")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Welcome, bob")

	resp, body = s.get(t, "/api/session")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap struct {
		Session struct {
			State           string `json:"state"`
			IsAuthenticated bool   `json:"is_authenticated"`
			Loading         bool   `json:"loading"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Equal(t, "authenticated", snap.Session.State)
	assert.True(t, snap.Session.IsAuthenticated)

	resp, _ = s.post(t, "/logout", nil)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	resp, _ = s.get(t, "/dashboard")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestSettingsRedirectsToLoginWhenSessionExpires(t *testing.T) {
	s := newShell(t)
	s.login(t)
	s.api.expireAll()

	resp, _ := s.get(t, "/settings")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	resp, _ = s.get(t, "/dashboard")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
}

func TestThemeToggleIsRemembered(t *testing.T) {
	s := newShell(t)
	_, body := s.get(t, "/")
	assert.Contains(t, body, `data-theme="light"`)

	resp, _ := s.post(t, "/theme", url.Values{"action": {"toggle"}, "return_to": {"/login"}})
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	_, body = s.get(t, "/")
	assert.Contains(t, body, `data-theme="dark"`)

	resp, _ = s.post(t, "/theme", url.Values{"action": {"toggle"}, "return_to": {"https://evil.example/"}})
	assert.Equal(t, "/", resp.Header.Get("Location"))
}

func TestPagesRequestColorSchemeHint(t *testing.T) {
	s := newShell(t)
	for _, path := range []string{"/", "/login", "/nope"} {
		resp, _ := s.get(t, path)
		assert.Equal(t, theme.HintHeader, resp.Header.Get("Accept-CH"), path)
		assert.Equal(t, theme.HintHeader, resp.Header.Get("Critical-CH"), path)
		assert.Contains(t, resp.Header.Values("Vary"), theme.HintHeader, path)
	}

	req, err := http.NewRequest(http.MethodGet, s.server.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set(theme.HintHeader, `"dark"`)
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), `data-theme="dark"`)
}

func TestUnknownPathRendersNotFound(t *testing.T) {
	s := newShell(t)
	resp, body := s.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.True(t, strings.Contains(body, "Page not found"))
}

func TestLocalPath(t *testing.T) {
	tests := map[string]string{
		"":                     "/",
		"/settings":            "/settings",
		"/settings?x=1":        "/settings?x=1",
		"//evil.example/":      "/",
		"https://evil.example": "/",
		"relative":             "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, localPath(in), in)
	}
}

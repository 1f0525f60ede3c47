package devapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

const (
	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"

	maxBodyBytes = 64 << 10
)

type HandlerConfig struct {
	BasePath      string
	RefreshTTL    time.Duration
	SecureCookies bool
	Logger        *slog.Logger
}

type handler struct {
	svc    *Service
	cfg    HandlerConfig
	logger *slog.Logger
}

// NewHandler serves the auth endpoints under cfg.BasePath plus /healthz.
func NewHandler(svc *Service, cfg HandlerConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/api"
	}
	h := &handler{svc: svc, cfg: cfg, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(h.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route(cfg.BasePath, func(r chi.Router) {
		r.Post("/auth/jwt/login/", h.login)
		r.Post("/auth/jwt/refresh/", h.refresh)
		r.Post("/auth/jwt/logout/", h.logout)
		r.Get("/auth/me/", h.authMe)
		r.Post("/users/", h.register)
		r.Get("/users/me/", h.usersMe)
	})
	return r
}

func (h *handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.InfoContext(r.Context(), "devapi request",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Access  string     `json:"access"`
	Refresh string     `json:"refresh"`
	User    PublicUser `json:"user"`
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed request body.")
		return
	}
	u, pair, err := h.svc.Login(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, ErrRateLimited):
		writeDetail(w, http.StatusTooManyRequests, "Request was throttled.")
		return
	case errors.Is(err, ErrInvalidCredentials):
		writeDetail(w, http.StatusUnauthorized, "No active account found with the given credentials")
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "login failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	h.setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, loginResponse{Access: pair.Access, Refresh: pair.Refresh, User: u.Public()})
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed request body.")
		return
	}
	token := req.Refresh
	if token == "" {
		token = cookieValue(r, RefreshCookie)
	}
	if token == "" {
		writeDetail(w, http.StatusUnauthorized, "Refresh token not provided.")
		return
	}

	pair, err := h.svc.Refresh(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			h.clearTokenCookies(w)
			writeDetail(w, http.StatusUnauthorized, "Token is invalid or expired")
			return
		}
		h.logger.ErrorContext(r.Context(), "refresh failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	h.setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, pair)
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	_ = decodeBody(r, &req)
	token := req.Refresh
	if token == "" {
		token = cookieValue(r, RefreshCookie)
	}
	if err := h.svc.Logout(r.Context(), token); err != nil {
		h.logger.WarnContext(r.Context(), "revoke refresh token failed", "error", err)
	}
	h.clearTokenCookies(w)
	writeDetail(w, http.StatusOK, "Successfully logged out.")
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var in RegisterInput
	if err := decodeBody(r, &in); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed request body.")
		return
	}
	u, err := h.svc.Register(r.Context(), in)
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, verr.Fields)
		return
	case errors.Is(err, ErrDuplicateUser):
		writeDetail(w, http.StatusConflict, "A user with that username or email already exists.")
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "register failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	writeJSON(w, http.StatusCreated, u.Public())
}

type meResponse struct {
	Authenticated bool        `json:"authenticated"`
	User          *PublicUser `json:"user"`
}

// authMe answers anonymous callers with authenticated=false and rejects
// presented but invalid tokens with 401 so clients can refresh.
func (h *handler) authMe(w http.ResponseWriter, r *http.Request) {
	token := accessToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, meResponse{})
		return
	}
	u, ok := h.authenticate(w, r, token)
	if !ok {
		return
	}
	pub := u.Public()
	writeJSON(w, http.StatusOK, meResponse{Authenticated: true, User: &pub})
}

func (h *handler) usersMe(w http.ResponseWriter, r *http.Request) {
	token := accessToken(r)
	if token == "" {
		writeDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
		return
	}
	u, ok := h.authenticate(w, r, token)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, u.Public())
}

func (h *handler) authenticate(w http.ResponseWriter, r *http.Request, token string) (User, bool) {
	u, err := h.svc.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			writeDetail(w, http.StatusUnauthorized, "Given token not valid for any token type")
			return User{}, false
		}
		h.logger.ErrorContext(r.Context(), "authenticate failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Internal server error.")
		return User{}, false
	}
	return u, true
}

// setTokenCookies gives both cookies the refresh lifetime: an expired access
// JWT must still reach the server so it answers 401 instead of anonymous.
func (h *handler) setTokenCookies(w http.ResponseWriter, pair TokenPair) {
	http.SetCookie(w, h.cookie(AccessCookie, pair.Access, h.cfg.RefreshTTL))
	http.SetCookie(w, h.cookie(RefreshCookie, pair.Refresh, h.cfg.RefreshTTL))
}

func (h *handler) clearTokenCookies(w http.ResponseWriter) {
	for _, name := range []string{AccessCookie, RefreshCookie} {
		c := h.cookie(name, "", 0)
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

func (h *handler) cookie(name, value string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

// accessToken prefers the cookie and falls back to a bearer header.
func accessToken(r *http.Request) string {
	if v := cookieValue(r, AccessCookie); v != "" {
		return v
	}
	auth := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

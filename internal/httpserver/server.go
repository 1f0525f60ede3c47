// Package httpserver serves the ForgeLink web shell: public pages, the
// guarded pages, and the operational endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"forgelink/webshell/internal/config"
	"forgelink/webshell/internal/guard"
	"forgelink/webshell/internal/observability"
	"forgelink/webshell/internal/session"
)

// TabSource resolves the tab of a browser id, creating it when needed.
// *session.Registry satisfies it.
type TabSource interface {
	Get(browserID string) (*session.Tab, error)
}

type Deps struct {
	Tabs    TabSource
	Logger  *slog.Logger
	Metrics *observability.Metrics
	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error

	CookieName    string
	SecureCookies bool
	ProbeWait     time.Duration
}

type Server struct {
	httpServer *http.Server
}

func New(cfg config.HTTPConfig, deps Deps) *Server {
	handler := NewHandler(deps)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      otelhttp.NewHandler(handler, "webshell"),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.CookieName == "" {
		deps.CookieName = "fl_browser"
	}
	h := &handlers{deps: deps, views: mustParseViews()}

	r := chi.NewRouter()
	r.Use(recovery(deps.Logger))
	r.Use(loggingMiddleware(deps.Logger))
	r.Use(metricsMiddleware(deps.Metrics))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Ready != nil {
			if err := deps.Ready(r.Context()); err != nil {
				observability.FromContext(r.Context()).WarnContext(r.Context(), "readiness check failed", "error", err)
				writeError(w, http.StatusServiceUnavailable, "not ready")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(h.browserMiddleware)
		r.Use(h.navigationMiddleware)

		r.Get("/api/session", h.sessionJSON)
		r.Post("/theme", h.setTheme)
		r.Post("/logout", h.logout)
		r.Post("/login", h.loginSubmit)
		r.Post("/register", h.registerSubmit)

		r.Group(func(r chi.Router) {
			r.Use(h.probeMiddleware)
			r.Get("/", h.landing)
			r.Get("/login", h.loginPage)
			r.Get("/register", h.registerPage)
		})

		r.Group(func(r chi.Router) {
			r.Use(guard.Middleware(storeFromRequest, guard.Config{
				ProbeWait:      deps.ProbeWait,
				Metrics:        deps.Metrics,
				LoadingHandler: http.HandlerFunc(h.loadingPage),
			}))
			r.Get("/dashboard", h.dashboard)
			r.Get("/settings", h.settings)
		})
	})
	r.NotFound(h.notFound)

	return r
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Serve is Start on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	return s.httpServer.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type tabKey struct{}

func withTab(ctx context.Context, tab *session.Tab) context.Context {
	return context.WithValue(ctx, tabKey{}, tab)
}

func tabFromContext(ctx context.Context) (*session.Tab, bool) {
	tab, ok := ctx.Value(tabKey{}).(*session.Tab)
	return tab, ok && tab != nil
}

func storeFromRequest(r *http.Request) (*session.Store, bool) {
	tab, ok := tabFromContext(r.Context())
	if !ok {
		return nil, false
	}
	return tab.Store, true
}

// browserMiddleware pins every request to the tab named by the browser
// cookie, issuing a fresh id when the cookie is missing or malformed.
func (h *handlers) browserMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if c, err := r.Cookie(h.deps.CookieName); err == nil {
			if parsed, err := uuid.Parse(c.Value); err == nil {
				id = parsed.String()
			}
		}
		if id == "" {
			id = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     h.deps.CookieName,
				Value:    id,
				Path:     "/",
				MaxAge:   int((365 * 24 * time.Hour).Seconds()),
				HttpOnly: true,
				Secure:   h.deps.SecureCookies,
				SameSite: http.SameSiteLaxMode,
			})
		}
		if h.deps.Tabs == nil {
			writeError(w, http.StatusServiceUnavailable, "session registry unavailable")
			return
		}
		tab, err := h.deps.Tabs.Get(id)
		if err != nil {
			observability.FromContext(r.Context()).ErrorContext(r.Context(), "resolve tab failed", "error", err)
			writeError(w, http.StatusInternalServerError, "session unavailable")
			return
		}
		next.ServeHTTP(w, r.WithContext(withTab(r.Context(), tab)))
	})
}

// navigationMiddleware performs a navigation queued by the session store,
// such as the login redirect after a terminal expiry.
func (h *handlers) navigationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && !strings.HasPrefix(r.URL.Path, "/api/") {
			if tab, ok := tabFromContext(r.Context()); ok && followNavigation(w, r, tab.Store) {
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func followNavigation(w http.ResponseWriter, r *http.Request, store *session.Store) bool {
	nav, ok := store.TakeNavigation()
	if !ok || nav.Path == r.URL.Path {
		return false
	}
	if nav.Replace {
		w.Header().Set("Cache-Control", "no-store")
	}
	http.Redirect(w, r, nav.Path, http.StatusSeeOther)
	return true
}

// probeMiddleware holds public pages behind the initial session probe, the
// same way protected pages are held by the guard.
func (h *handlers) probeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tab, ok := tabFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		tab.Store.MountAsync(r.Context())
		if h.deps.ProbeWait > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), h.deps.ProbeWait)
			_ = tab.Store.Wait(ctx)
			cancel()
		}
		if tab.Store.Snapshot().Loading {
			w.Header().Set("Cache-Control", "no-store")
			h.loadingPage(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", reqID)

			ctx := observability.WithRequestID(r.Context(), reqID)
			l := observability.Enrich(ctx, logger)
			ctx = observability.NewContext(ctx, l)
			r = r.WithContext(ctx)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			l.InfoContext(ctx, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.Int("bytes", rec.bytes),
				slog.String("remote_ip", clientIP(r)),
			)
		})
	}
}

func metricsMiddleware(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := "unknown"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

func recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorContext(r.Context(), "panic recovered",
						slog.Any("panic", rec),
						slog.String("stack", string(debug.Stack())),
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
					)
					writeError(w, http.StatusInternalServerError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

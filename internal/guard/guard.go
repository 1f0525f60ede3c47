// Package guard gates protected pages on the tab's session state.
package guard

import (
	"context"
	"net/http"
	"time"

	"forgelink/webshell/internal/observability"
	"forgelink/webshell/internal/session"
)

type Decision int

const (
	Render Decision = iota
	Loading
	Redirect
)

func (d Decision) String() string {
	switch d {
	case Render:
		return "render"
	case Loading:
		return "loading"
	default:
		return "redirect"
	}
}

const LoginPath = "/login"

// Decide is a pure function of the snapshot: loading blocks, an
// authenticated session renders, anything else goes to login.
func Decide(s session.Snapshot) Decision {
	if s.Loading {
		return Loading
	}
	if s.IsAuthenticated {
		return Render
	}
	return Redirect
}

// StoreFunc resolves the session store of the request's tab.
type StoreFunc func(r *http.Request) (*session.Store, bool)

type Config struct {
	// ProbeWait bounds how long a request waits for an in-flight probe
	// before the loading page is served.
	ProbeWait time.Duration
	Metrics   *observability.Metrics
	// LoadingHandler renders the blocking indicator.
	LoadingHandler http.Handler
}

// Middleware evaluates Decide on every request to the wrapped routes.
func Middleware(storeFor StoreFunc, cfg Config) func(http.Handler) http.Handler {
	loading := cfg.LoadingHandler
	if loading == nil {
		loading = http.HandlerFunc(defaultLoading)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			store, ok := storeFor(r)
			if !ok {
				redirect(w, r)
				count(cfg.Metrics, Redirect)
				return
			}
			store.MountAsync(r.Context())
			if cfg.ProbeWait > 0 {
				ctx, cancel := context.WithTimeout(r.Context(), cfg.ProbeWait)
				_ = store.Wait(ctx)
				cancel()
			}

			d := Decide(store.Snapshot())
			count(cfg.Metrics, d)
			switch d {
			case Render:
				next.ServeHTTP(w, r)
			case Loading:
				w.Header().Set("Cache-Control", "no-store")
				loading.ServeHTTP(w, r)
			default:
				redirect(w, r)
			}
		})
	}
}

// redirect replaces the current history entry: 303 plus no-store keeps the
// protected page out of the back-forward cache.
func redirect(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, LoginPath, http.StatusSeeOther)
}

func count(m *observability.Metrics, d Decision) {
	if m != nil {
		m.GuardDecisionsTotal.WithLabelValues(d.String()).Inc()
	}
}

func defaultLoading(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Refresh", "1")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`<!doctype html><html><head><meta http-equiv="refresh" content="1"></head><body><div role="status" aria-live="polite">Loading…</div></body></html>`))
}

package httpserver

import (
	"net/http"
	"net/url"
	"strings"

	"forgelink/webshell/internal/authsvc"
	"forgelink/webshell/internal/forms"
	"forgelink/webshell/internal/observability"
	"forgelink/webshell/internal/session"
	"forgelink/webshell/internal/theme"
)

type handlers struct {
	deps  Deps
	views *views
}

// page is the data every template receives.
type page struct {
	Title   string
	Path    string
	Theme   theme.Choice
	Session session.Snapshot
	User    *authsvc.User
	Error   string
	Fields  map[string]string
	Form    map[string]string
}

func (h *handlers) newPage(r *http.Request, title string) page {
	p := page{Title: title, Path: r.URL.Path, Theme: theme.Choice{Theme: theme.Light}}
	if tab, ok := tabFromContext(r.Context()); ok {
		p.Session = tab.Store.Snapshot()
		p.User = p.Session.User
		p.Theme = theme.Resolve(r.Context(), tab.Prefs, r)
	}
	return p
}

func (h *handlers) landing(w http.ResponseWriter, r *http.Request) {
	h.views.render(w, r, http.StatusOK, "landing", h.newPage(r, "ForgeLink"))
}

func (h *handlers) loginPage(w http.ResponseWriter, r *http.Request) {
	h.views.render(w, r, http.StatusOK, "login", h.newPage(r, "Sign in"))
}

func (h *handlers) loginSubmit(w http.ResponseWriter, r *http.Request) {
	tab, _ := tabFromContext(r.Context())
	p := h.newPage(r, "Sign in")

	f, err := forms.ParseLogin(r)
	p.Form = map[string]string{"username": f.Username}
	if err != nil {
		p.Fields = fieldErrors(err)
		h.views.render(w, r, http.StatusUnprocessableEntity, "login", p)
		return
	}

	res := tab.Store.Login(r.Context(), f.Username, f.Password)
	if !res.Success {
		p.Error = res.Error
		p.Session = tab.Store.Snapshot()
		h.views.render(w, r, http.StatusUnprocessableEntity, "login", p)
		return
	}
	redirect(w, r, "/dashboard")
}

func (h *handlers) registerPage(w http.ResponseWriter, r *http.Request) {
	h.views.render(w, r, http.StatusOK, "register", h.newPage(r, "Create account"))
}

func (h *handlers) registerSubmit(w http.ResponseWriter, r *http.Request) {
	tab, _ := tabFromContext(r.Context())
	p := h.newPage(r, "Create account")

	f, err := forms.ParseRegister(r)
	p.Form = map[string]string{
		"username":   f.Username,
		"email":      f.Email,
		"first_name": f.FirstName,
		"last_name":  f.LastName,
	}
	if err != nil {
		p.Fields = fieldErrors(err)
		h.views.render(w, r, http.StatusUnprocessableEntity, "register", p)
		return
	}

	res := tab.Store.Register(r.Context(), f.Profile())
	if !res.Success {
		p.Error = res.Error
		if len(res.FieldErrors) > 0 {
			p.Fields = make(map[string]string, len(res.FieldErrors))
			for k, msgs := range res.FieldErrors {
				if len(msgs) > 0 {
					p.Fields[k] = strings.Join(msgs, " ")
				}
			}
		}
		p.Session = tab.Store.Snapshot()
		h.views.render(w, r, http.StatusUnprocessableEntity, "register", p)
		return
	}
	redirect(w, r, "/dashboard")
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	tab, _ := tabFromContext(r.Context())
	tab.Store.Logout(r.Context())
	redirect(w, r, "/")
}

func (h *handlers) dashboard(w http.ResponseWriter, r *http.Request) {
	h.views.render(w, r, http.StatusOK, "dashboard", h.newPage(r, "Dashboard"))
}

// settings refetches the profile so the page never shows a stale user. A
// terminal expiry during the fetch sends the browser to login.
func (h *handlers) settings(w http.ResponseWriter, r *http.Request) {
	tab, _ := tabFromContext(r.Context())
	_, err := tab.Store.Refresh(r.Context())
	if err != nil {
		if followNavigation(w, r, tab.Store) {
			return
		}
		if authsvc.KindOf(err) == authsvc.KindSessionExpired {
			redirect(w, r, "/login")
			return
		}
		observability.FromContext(r.Context()).WarnContext(r.Context(), "profile refetch failed", "error", err)
	}
	p := h.newPage(r, "Settings")
	if err != nil {
		p.Error = err.Error()
	}
	h.views.render(w, r, http.StatusOK, "settings", p)
}

func (h *handlers) setTheme(w http.ResponseWriter, r *http.Request) {
	tab, _ := tabFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	if _, err := theme.Apply(r.Context(), tab.Prefs, r, r.PostForm.Get("action")); err != nil {
		observability.FromContext(r.Context()).WarnContext(r.Context(), "theme change failed", "error", err)
		writeError(w, http.StatusBadRequest, "invalid theme action")
		return
	}
	redirect(w, r, localPath(r.PostForm.Get("return_to")))
}

func (h *handlers) sessionJSON(w http.ResponseWriter, r *http.Request) {
	tab, _ := tabFromContext(r.Context())
	tab.Store.MountAsync(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"session": tab.Store.Snapshot(),
		"theme":   theme.Resolve(r.Context(), tab.Prefs, r).Theme,
	})
}

func (h *handlers) loadingPage(w http.ResponseWriter, r *http.Request) {
	h.views.render(w, r, http.StatusOK, "loading", h.newPage(r, "Loading"))
}

func (h *handlers) notFound(w http.ResponseWriter, r *http.Request) {
	h.views.render(w, r, http.StatusNotFound, "notfound", h.newPage(r, "Not found"))
}

func redirect(w http.ResponseWriter, r *http.Request, to string) {
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, to, http.StatusSeeOther)
}

// localPath keeps redirects on this origin.
func localPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || raw == "" || u.IsAbs() || u.Host != "" || !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(raw, "//") {
		return "/"
	}
	return u.RequestURI()
}

func fieldErrors(err error) map[string]string {
	if fe, ok := forms.AsErrors(err); ok {
		return fe
	}
	return map[string]string{"form": "Invalid form submission"}
}

package httpserver

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"forgelink/webshell/internal/observability"
	"forgelink/webshell/internal/theme"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageNames = []string{"landing", "login", "register", "dashboard", "settings", "loading", "notfound"}

type views struct {
	pages map[string]*template.Template
}

func parseViews() (*views, error) {
	funcs := template.FuncMap{
		"field": func(m map[string]string, k string) string { return m[k] },
	}
	v := &views{pages: make(map[string]*template.Template, len(pageNames))}
	for _, name := range pageNames {
		t, err := template.New("layout.html").Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
		v.pages[name] = t
	}
	return v, nil
}

func mustParseViews() *views {
	v, err := parseViews()
	if err != nil {
		panic(err)
	}
	return v
}

// render buffers the page so a template failure never leaves a half-written
// response behind.
func (v *views) render(w http.ResponseWriter, r *http.Request, status int, name string, data page) {
	t, ok := v.pages[name]
	if !ok {
		writeError(w, http.StatusInternalServerError, "unknown page")
		return
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		observability.FromContext(r.Context()).ErrorContext(r.Context(), "render page failed", "page", name, "error", err)
		writeError(w, http.StatusInternalServerError, "render failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	theme.RequestHint(w.Header())
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

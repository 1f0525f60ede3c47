// Package theme resolves the light/dark preference of a browser.
package theme

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	Light = "light"
	Dark  = "dark"

	PrefKey = "forgelink-theme"

	// HintHeader is the client hint carrying the OS color scheme.
	HintHeader = "Sec-CH-Prefers-Color-Scheme"
)

type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Choice is the effective theme and whether the user picked it.
type Choice struct {
	Theme  string
	Manual bool
}

func (c Choice) IsDark() bool { return c.Theme == Dark }

// Resolve prefers a stored choice, then the system hint, then light. A
// storage failure falls through to the hint.
func Resolve(ctx context.Context, store Storage, r *http.Request) Choice {
	if store != nil {
		if v, ok, err := store.Get(ctx, PrefKey); err == nil && ok && valid(v) {
			return Choice{Theme: v, Manual: true}
		}
	}
	if r != nil && strings.EqualFold(strings.Trim(r.Header.Get(HintHeader), `" `), Dark) {
		return Choice{Theme: Dark}
	}
	return Choice{Theme: Light}
}

// RequestHint asks the browser to send HintHeader, retrying the first load
// if it was missing, and marks the response as varying by it.
func RequestHint(h http.Header) {
	h.Set("Accept-CH", HintHeader)
	h.Set("Critical-CH", HintHeader)
	h.Add("Vary", HintHeader)
}

// Apply performs a theme action: toggle, light, dark, or system. Every
// action except system stores the result as a manual choice.
func Apply(ctx context.Context, store Storage, r *http.Request, action string) (Choice, error) {
	current := Resolve(ctx, store, r)
	var next string
	switch action {
	case "toggle", "":
		next = Dark
		if current.IsDark() {
			next = Light
		}
	case Light, Dark:
		next = action
	case "system":
		if err := store.Delete(ctx, PrefKey); err != nil {
			return current, fmt.Errorf("reset theme: %w", err)
		}
		return Resolve(ctx, nil, r), nil
	default:
		return current, fmt.Errorf("unknown theme action %q", action)
	}
	if err := store.Set(ctx, PrefKey, next); err != nil {
		return current, fmt.Errorf("store theme: %w", err)
	}
	return Choice{Theme: next, Manual: true}, nil
}

func valid(v string) bool { return v == Light || v == Dark }

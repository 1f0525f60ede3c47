// Package audit appends authentication events to a JSON-lines file.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"forgelink/webshell/internal/session"
)

const (
	ActionLogin          = "auth.login"
	ActionRegister       = "auth.register"
	ActionLogout         = "auth.logout"
	ActionSessionExpired = "auth.session_expired"
	ActionProbe          = "auth.probe"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Event struct {
	At      string `json:"at"`
	Browser string `json:"browser"`
	Actor   string `json:"actor,omitempty"`
	Action  string `json:"action"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

type Logger struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewLogger(path string) *Logger {
	return &Logger{path: path, now: time.Now}
}

func (l *Logger) Log(browser, actor, action, outcome, detail string) error {
	if l == nil || l.path == "" {
		return nil
	}
	e := Event{
		At:      l.now().UTC().Format(time.RFC3339),
		Browser: browser,
		Actor:   actor,
		Action:  action,
		Outcome: outcome,
		Detail:  detail,
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mkdir audit log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write audit log entry: %w", err)
	}
	return nil
}

// SessionHook turns session transitions of one browser into audit entries.
// Write failures go to onErr when set.
func (l *Logger) SessionHook(browser string, onErr func(error)) func(session.Event) {
	return func(ev session.Event) {
		action, outcome := classify(ev)
		if action == "" {
			return
		}
		actor := ""
		if ev.User != nil {
			actor = ev.User.Username
		}
		detail := ""
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
		if err := l.Log(browser, actor, action, outcome, detail); err != nil && onErr != nil {
			onErr(err)
		}
	}
}

func classify(ev session.Event) (action, outcome string) {
	outcome = OutcomeSuccess
	if ev.To != session.StateAuthenticated {
		outcome = OutcomeFailure
	}
	switch ev.Cause {
	case session.CauseLogin:
		return ActionLogin, outcome
	case session.CauseRegister:
		return ActionRegister, outcome
	case session.CauseProbe:
		// only restored sessions are worth recording
		if ev.To == session.StateAuthenticated {
			return ActionProbe, OutcomeSuccess
		}
		return "", ""
	case session.CauseLogout:
		return ActionLogout, OutcomeSuccess
	case session.CauseSessionExpired:
		return ActionSessionExpired, OutcomeSuccess
	default:
		return "", ""
	}
}

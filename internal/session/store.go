// Package session owns the authentication state of one browser tab and the
// registry that maps browsers to their tabs.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"forgelink/webshell/internal/authsvc"
	"forgelink/webshell/internal/observability"
)

type State int

const (
	StateUnknown State = iota
	StateAuthenticated
	StateAnonymous
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Transition causes reported on Event.
const (
	CauseProbe          = "probe"
	CauseLogin          = "login"
	CauseRegister       = "register"
	CauseLogout         = "logout"
	CauseSessionExpired = "session_expired"
	CauseRefresh        = "refresh"
)

type Snapshot struct {
	State           State         `json:"state"`
	User            *authsvc.User `json:"user"`
	IsAuthenticated bool          `json:"is_authenticated"`
	Loading         bool          `json:"loading"`
}

// Navigation is a redirect the web layer must perform on the next request.
type Navigation struct {
	Path    string
	Replace bool
}

// Result is what login and register report back to forms.
type Result struct {
	Success     bool
	Error       string
	FieldErrors map[string][]string
}

type Event struct {
	From  State
	To    State
	Cause string
	User  *authsvc.User
	Err   error
}

// AuthService is the subset of *authsvc.Service the store drives.
type AuthService interface {
	Login(ctx context.Context, username, password string) (*authsvc.LoginPayload, error)
	Register(ctx context.Context, p authsvc.Profile) (json.RawMessage, error)
	Logout(ctx context.Context)
	CurrentUser(ctx context.Context) (*authsvc.User, error)
	IsAuthenticated(ctx context.Context) (authenticated, supported bool)
}

type Config struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Store holds one tab's session. Every explicit transition bumps gen so that
// a probe finishing late cannot overwrite it.
type Store struct {
	svc     AuthService
	logger  *slog.Logger
	metrics *observability.Metrics

	started atomic.Bool
	ready   chan struct{}

	mu      sync.Mutex
	state   State
	user    *authsvc.User
	loading bool
	gen     uint64
	closed  bool
	pending *Navigation
	nextSub int
	subs    map[int]func(Event)
}

func NewStore(svc AuthService, cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		svc:     svc,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		ready:   make(chan struct{}),
		state:   StateUnknown,
		loading: true,
		subs:    make(map[int]func(Event)),
	}
}

// Mount runs the startup probe on the first call and blocks until it
// settles. Later calls return immediately.
func (s *Store) Mount(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.probe(ctx)
}

// MountAsync starts the probe in the background on the first call.
func (s *Store) MountAsync(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.probe(context.WithoutCancel(ctx))
}

func (s *Store) Mounted() bool { return s.started.Load() }

// Ready is closed once the initial probe has settled.
func (s *Store) Ready() <-chan struct{} { return s.ready }

func (s *Store) Wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) probe(ctx context.Context) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	var (
		user *authsvc.User
		err  error
	)
	authed, supported := s.svc.IsAuthenticated(ctx)
	if !supported || authed {
		user, err = s.svc.CurrentUser(ctx)
	}
	if err != nil {
		s.logger.InfoContext(ctx, "session probe failed", "error", err)
	}

	s.mu.Lock()
	var ev *Event
	// An explicit transition that already completed wins over the probe.
	if !s.closed && (gen == s.gen || s.state == StateUnknown) {
		if user != nil {
			ev = s.setLocked(StateAuthenticated, user, CauseProbe, nil)
		} else {
			ev = s.setLocked(StateAnonymous, nil, CauseProbe, err)
		}
	}
	s.loading = false
	close(s.ready)
	s.mu.Unlock()

	s.emit(ev)
}

// Login authenticates and then hydrates the user from the API. A failed
// hydration is reported as a failed login.
func (s *Store) Login(ctx context.Context, username, password string) Result {
	return s.login(ctx, username, password, CauseLogin)
}

func (s *Store) login(ctx context.Context, username, password, cause string) Result {
	gen := s.begin()

	if _, err := s.svc.Login(ctx, username, password); err != nil {
		return failure(err)
	}
	user, err := s.svc.CurrentUser(ctx)

	s.mu.Lock()
	var ev *Event
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		if err != nil {
			return failure(err)
		}
		return Result{Success: true}
	}
	if err != nil {
		ev = s.setLocked(StateAnonymous, nil, cause, err)
	} else {
		ev = s.setLocked(StateAuthenticated, user, cause, nil)
	}
	s.mu.Unlock()

	s.emit(ev)
	if err != nil {
		return failure(err)
	}
	return Result{Success: true}
}

// Register creates the account and logs in with the same credentials.
func (s *Store) Register(ctx context.Context, p authsvc.Profile) Result {
	if _, err := s.svc.Register(ctx, p); err != nil {
		return failure(err)
	}
	return s.login(ctx, p.Username, p.Password, CauseRegister)
}

// Logout always ends anonymous, whatever the API answers. Calling it twice is
// harmless.
func (s *Store) Logout(ctx context.Context) {
	s.begin()
	s.svc.Logout(ctx)

	s.mu.Lock()
	var ev *Event
	if !s.closed {
		ev = s.setLocked(StateAnonymous, nil, CauseLogout, nil)
	}
	s.mu.Unlock()
	s.emit(ev)
}

// Refresh refetches the signed-in user and replaces it wholesale. An expired
// session ends anonymous with a pending login navigation, even when the API
// reported it without a 401.
func (s *Store) Refresh(ctx context.Context) (*authsvc.User, error) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	user, err := s.svc.CurrentUser(ctx)
	if err != nil {
		if authsvc.KindOf(err) == authsvc.KindSessionExpired && s.Snapshot().State == StateAuthenticated {
			s.HandleSessionExpired(ctx, err)
		}
		return nil, err
	}

	s.mu.Lock()
	var ev *Event
	if !s.closed && gen == s.gen && s.state == StateAuthenticated {
		ev = s.setLocked(StateAuthenticated, user, CauseRefresh, nil)
	}
	s.mu.Unlock()
	s.emit(ev)
	return user, nil
}

// HandleSessionExpired reacts to a terminal credential failure reported by
// the API client. Only a signed-in tab is sent to login; a tab that was never
// authenticated (a failing startup probe, a stale cookie) just stays or ends
// anonymous through its own flow.
func (s *Store) HandleSessionExpired(ctx context.Context, err error) {
	s.mu.Lock()
	if s.closed || s.state != StateAuthenticated {
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "credential failure while not signed in", "error", err)
		return
	}
	s.gen++
	s.pending = &Navigation{Path: "/login", Replace: true}
	ev := s.setLocked(StateAnonymous, nil, CauseSessionExpired, err)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "session expired", "error", err)
	s.emit(ev)
}

// TakeNavigation returns the pending navigation, at most once.
func (s *Store) TakeNavigation() (Navigation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Navigation{}, false
	}
	nav := *s.pending
	s.pending = nil
	return nav, true
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:           s.state,
		IsAuthenticated: s.state == StateAuthenticated && s.user != nil,
		Loading:         s.loading,
	}
	if s.user != nil {
		u := *s.user
		snap.User = &u
	}
	return snap
}

// Close discards every result that arrives afterwards.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.subs = map[int]func(Event){}
	s.mu.Unlock()
}

// Subscribe registers fn for state transitions. fn runs outside the store
// lock on the goroutine that caused the transition.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	return s.gen
}

// setLocked replaces the state and user wholesale and returns the event to
// publish once the lock is released, or nil for a no-op logout.
func (s *Store) setLocked(to State, user *authsvc.User, cause string, err error) *Event {
	from := s.state
	s.state = to
	s.user = user
	if from == to && to == StateAnonymous && cause == CauseLogout {
		return nil
	}
	if s.metrics != nil {
		s.metrics.SessionTransitions.WithLabelValues(to.String(), cause).Inc()
	}
	ev := &Event{From: from, To: to, Cause: cause, Err: err}
	if user != nil {
		u := *user
		ev.User = &u
	}
	return ev
}

func (s *Store) emit(ev *Event) {
	if ev == nil {
		return
	}
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(*ev)
	}
}

func failure(err error) Result {
	var e *authsvc.Error
	if errors.As(err, &e) {
		r := Result{Error: e.Message}
		if e.Kind == authsvc.KindValidation {
			r.Error = e.Flatten()
			r.FieldErrors = e.Fields
		}
		return r
	}
	return Result{Error: "Login failed"}
}

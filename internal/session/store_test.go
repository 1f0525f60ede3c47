package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgelink/webshell/internal/authsvc"
)

type fakeAuth struct {
	local     bool
	supported bool
	loginErr  error
	regErr    error
	current   func(ctx context.Context) (*authsvc.User, error)

	loginCalls   atomic.Int32
	logoutCalls  atomic.Int32
	currentCalls atomic.Int32
	registered   []authsvc.Profile
}

func (f *fakeAuth) Login(context.Context, string, string) (*authsvc.LoginPayload, error) {
	f.loginCalls.Add(1)
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &authsvc.LoginPayload{}, nil
}

func (f *fakeAuth) Register(_ context.Context, p authsvc.Profile) (json.RawMessage, error) {
	f.registered = append(f.registered, p)
	if f.regErr != nil {
		return nil, f.regErr
	}
	return json.RawMessage(`{"id":3}`), nil
}

func (f *fakeAuth) Logout(context.Context) { f.logoutCalls.Add(1) }

func (f *fakeAuth) CurrentUser(ctx context.Context) (*authsvc.User, error) {
	f.currentCalls.Add(1)
	if f.current == nil {
		return nil, &authsvc.Error{Kind: authsvc.KindSessionExpired, Message: authsvc.MsgSessionExpired}
	}
	return f.current(ctx)
}

func (f *fakeAuth) IsAuthenticated(context.Context) (bool, bool) { return f.local, f.supported }

func returnsUser(name string) func(context.Context) (*authsvc.User, error) {
	return func(context.Context) (*authsvc.User, error) {
		return &authsvc.User{ID: "1", Username: name}, nil
	}
}

func TestMountResolvesLoadingExactlyOnce(t *testing.T) {
	auth := &fakeAuth{current: returnsUser("bob")}
	store := NewStore(auth, Config{})

	snap := store.Snapshot()
	assert.True(t, snap.Loading)
	assert.Equal(t, StateUnknown, snap.State)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Mount(context.Background())
		}()
	}
	wg.Wait()
	require.NoError(t, store.Wait(context.Background()))

	snap = store.Snapshot()
	assert.False(t, snap.Loading)
	assert.EqualValues(t, 1, auth.currentCalls.Load())

	store.Mount(context.Background())
	assert.EqualValues(t, 1, auth.currentCalls.Load())
}

func TestProbeAuthenticatesExistingSession(t *testing.T) {
	auth := &fakeAuth{current: returnsUser("bob")}
	store := NewStore(auth, Config{})
	store.Mount(context.Background())

	snap := store.Snapshot()
	assert.Equal(t, StateAuthenticated, snap.State)
	assert.True(t, snap.IsAuthenticated)
	require.NotNil(t, snap.User)
	assert.Equal(t, "bob", snap.User.Username)
}

func TestProbeSkipsCallWhenLocalPredicateSaysNo(t *testing.T) {
	auth := &fakeAuth{supported: true, local: false, current: returnsUser("bob")}
	store := NewStore(auth, Config{})
	store.Mount(context.Background())

	assert.Equal(t, StateAnonymous, store.Snapshot().State)
	assert.Zero(t, auth.currentCalls.Load())
}

func TestProbeFailureEndsAnonymousWithoutRemoteLogout(t *testing.T) {
	auth := &fakeAuth{current: func(context.Context) (*authsvc.User, error) {
		return nil, &authsvc.Error{Kind: authsvc.KindNetwork, Message: authsvc.MsgNetwork}
	}}
	store := NewStore(auth, Config{})
	store.Mount(context.Background())

	snap := store.Snapshot()
	assert.Equal(t, StateAnonymous, snap.State)
	assert.False(t, snap.Loading)
	assert.Nil(t, snap.User)
	assert.Zero(t, auth.logoutCalls.Load())
}

func TestLoginHydratesUser(t *testing.T) {
	auth := &fakeAuth{current: returnsUser("alice")}
	store := NewStore(auth, Config{})

	var events []Event
	store.Subscribe(func(ev Event) { events = append(events, ev) })

	res := store.Login(context.Background(), "alice", "Secret123!")
	require.True(t, res.Success)
	assert.Empty(t, res.Error)

	snap := store.Snapshot()
	assert.Equal(t, StateAuthenticated, snap.State)
	assert.Equal(t, "alice", snap.User.Username)
	require.Len(t, events, 1)
	assert.Equal(t, CauseLogin, events[0].Cause)
	assert.Equal(t, StateAuthenticated, events[0].To)
}

func TestLoginFailureKeepsState(t *testing.T) {
	auth := &fakeAuth{loginErr: &authsvc.Error{Kind: authsvc.KindInvalidCredentials, Message: authsvc.MsgInvalidCredentials}}
	store := NewStore(auth, Config{})

	res := store.Login(context.Background(), "alice", "Wrongpass1!")
	assert.False(t, res.Success)
	assert.Equal(t, "Invalid username or password.", res.Error)
	assert.Equal(t, StateUnknown, store.Snapshot().State)
	assert.Zero(t, auth.currentCalls.Load())
}

func TestLoginHydrationFailureIsFailure(t *testing.T) {
	auth := &fakeAuth{current: func(context.Context) (*authsvc.User, error) {
		return nil, &authsvc.Error{Kind: authsvc.KindGenericFetch, Message: authsvc.MsgFetchFailed}
	}}
	store := NewStore(auth, Config{})

	res := store.Login(context.Background(), "alice", "Secret123!")
	assert.False(t, res.Success)
	assert.Equal(t, authsvc.MsgFetchFailed, res.Error)
	assert.Equal(t, StateAnonymous, store.Snapshot().State)
}

func TestRegisterLogsInAutomatically(t *testing.T) {
	auth := &fakeAuth{current: returnsUser("carol")}
	store := NewStore(auth, Config{})

	var causes []string
	store.Subscribe(func(ev Event) { causes = append(causes, ev.Cause) })

	res := store.Register(context.Background(), authsvc.Profile{
		Username: "carol", Email: "carol@example.com", Password: "Secret123!", PasswordConfirm: "Secret123!",
	})
	require.True(t, res.Success)
	assert.EqualValues(t, 1, auth.loginCalls.Load())
	assert.Equal(t, StateAuthenticated, store.Snapshot().State)
	assert.Equal(t, []string{CauseRegister}, causes)
}

func TestRegisterValidationReturnsFieldErrors(t *testing.T) {
	auth := &fakeAuth{regErr: &authsvc.Error{
		Kind:    authsvc.KindValidation,
		Message: "already taken",
		Fields:  map[string][]string{"email": {"already taken"}},
	}}
	store := NewStore(auth, Config{})

	res := store.Register(context.Background(), authsvc.Profile{Username: "carol"})
	assert.False(t, res.Success)
	assert.Equal(t, "already taken", res.Error)
	assert.Equal(t, []string{"already taken"}, res.FieldErrors["email"])
	assert.Zero(t, auth.loginCalls.Load())
}

func TestLogoutIsIdempotent(t *testing.T) {
	auth := &fakeAuth{current: returnsUser("bob")}
	store := NewStore(auth, Config{})
	store.Mount(context.Background())

	var events []Event
	store.Subscribe(func(ev Event) { events = append(events, ev) })

	store.Logout(context.Background())
	store.Logout(context.Background())

	snap := store.Snapshot()
	assert.Equal(t, StateAnonymous, snap.State)
	assert.Nil(t, snap.User)
	assert.False(t, snap.IsAuthenticated)
	assert.EqualValues(t, 2, auth.logoutCalls.Load())
	require.Len(t, events, 1)
	assert.Equal(t, CauseLogout, events[0].Cause)
}

func TestSessionExpiredQueuesReplaceNavigationOnce(t *testing.T) {
	auth := &fakeAuth{current: returnsUser("bob")}
	store := NewStore(auth, Config{})
	store.Mount(context.Background())

	store.HandleSessionExpired(context.Background(), errors.New("refresh rejected"))

	assert.Equal(t, StateAnonymous, store.Snapshot().State)
	nav, ok := store.TakeNavigation()
	require.True(t, ok)
	assert.Equal(t, Navigation{Path: "/login", Replace: true}, nav)

	_, ok = store.TakeNavigation()
	assert.False(t, ok)
}

func TestSessionExpiredIgnoredWhenNeverSignedIn(t *testing.T) {
	store := NewStore(&fakeAuth{}, Config{})
	var events []Event
	store.Subscribe(func(ev Event) { events = append(events, ev) })

	store.HandleSessionExpired(context.Background(), errors.New("startup refresh rejected"))
	_, ok := store.TakeNavigation()
	assert.False(t, ok)
	assert.Equal(t, StateUnknown, store.Snapshot().State)

	store.Mount(context.Background())
	require.Equal(t, StateAnonymous, store.Snapshot().State)
	events = nil

	store.HandleSessionExpired(context.Background(), errors.New("stale cookie"))
	_, ok = store.TakeNavigation()
	assert.False(t, ok)
	assert.Empty(t, events)
}

func TestStaleProbeDoesNotOverwriteLogin(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	auth := &fakeAuth{current: func(context.Context) (*authsvc.User, error) {
		if first.CompareAndSwap(false, true) {
			close(entered)
			<-release
			return nil, &authsvc.Error{Kind: authsvc.KindSessionExpired, Message: authsvc.MsgSessionExpired}
		}
		return &authsvc.User{ID: "2", Username: "alice"}, nil
	}}
	store := NewStore(auth, Config{})
	store.MountAsync(context.Background())
	<-entered

	res := store.Login(context.Background(), "alice", "Secret123!")
	require.True(t, res.Success)
	assert.True(t, store.Snapshot().Loading)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, store.Wait(ctx))

	snap := store.Snapshot()
	assert.False(t, snap.Loading)
	assert.Equal(t, StateAuthenticated, snap.State)
	assert.Equal(t, "alice", snap.User.Username)
}

func TestCloseDiscardsLateProbe(t *testing.T) {
	release := make(chan struct{})
	auth := &fakeAuth{current: func(context.Context) (*authsvc.User, error) {
		<-release
		return &authsvc.User{Username: "bob"}, nil
	}}
	store := NewStore(auth, Config{})
	store.MountAsync(context.Background())
	store.Close()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, store.Wait(ctx))
	assert.Equal(t, StateUnknown, store.Snapshot().State)

	store.HandleSessionExpired(context.Background(), errors.New("late"))
	_, ok := store.TakeNavigation()
	assert.False(t, ok)
}

func TestWaitHonoursContext(t *testing.T) {
	store := NewStore(&fakeAuth{}, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, store.Wait(ctx), context.DeadlineExceeded)
}

func TestRefreshReplacesUser(t *testing.T) {
	name := "bob"
	auth := &fakeAuth{current: func(context.Context) (*authsvc.User, error) {
		return &authsvc.User{Username: name}, nil
	}}
	store := NewStore(auth, Config{})
	store.Mount(context.Background())

	name = "bobby"
	u, err := store.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bobby", u.Username)
	assert.Equal(t, "bobby", store.Snapshot().User.Username)
}

func TestRefreshExpiryEndsSession(t *testing.T) {
	calls := 0
	auth := &fakeAuth{current: func(context.Context) (*authsvc.User, error) {
		calls++
		if calls == 1 {
			return &authsvc.User{Username: "bob"}, nil
		}
		return nil, &authsvc.Error{Kind: authsvc.KindSessionExpired, Message: authsvc.MsgSessionExpired}
	}}
	store := NewStore(auth, Config{})
	store.Mount(context.Background())

	_, err := store.Refresh(context.Background())
	require.ErrorIs(t, err, authsvc.ErrSessionExpired)
	assert.Equal(t, StateAnonymous, store.Snapshot().State)
	nav, ok := store.TakeNavigation()
	require.True(t, ok)
	assert.Equal(t, "/login", nav.Path)
}

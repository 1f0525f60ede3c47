package apiclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ModeCookie = "cookie"
	ModeBearer = "bearer"
	ModeHybrid = "hybrid"

	AccessTokenKey  = "access_token"
	RefreshTokenKey = "refresh_token"
)

// Tokens is the optional token pair returned by login and refresh.
type Tokens struct {
	Access  string `json:"access,omitempty"`
	Refresh string `json:"refresh,omitempty"`
}

// TokenStorage is the per-browser persisted storage bearer tokens live in.
// prefstore.Scope satisfies it.
type TokenStorage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// CredentialStrategy decides how a client proves identity.
//
// HasLocal reports whether a locally persisted credential exists; supported
// is false for strategies whose credential is invisible to the client
// (httpOnly cookies), in which case only the server can answer.
type CredentialStrategy interface {
	Mode() string
	Attach(ctx context.Context, r *http.Request) error
	Store(ctx context.Context, t Tokens) error
	Clear(ctx context.Context) error
	HasLocal(ctx context.Context) (present, supported bool)
	// RefreshBody is nil when the refresh rides on cookies. Pure bearer mode
	// has no refresh cookie and posts the stored token instead.
	RefreshBody(ctx context.Context) (any, error)
}

func NewStrategy(mode string, storage TokenStorage, logger *slog.Logger) (CredentialStrategy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch mode {
	case ModeCookie, "":
		return CookieStrategy{}, nil
	case ModeBearer, ModeHybrid:
		if storage == nil {
			return nil, fmt.Errorf("%s credential mode requires token storage", mode)
		}
		return &BearerStrategy{storage: storage, logger: logger, hybrid: mode == ModeHybrid}, nil
	default:
		return nil, fmt.Errorf("unknown credential mode %q", mode)
	}
}

// CookieStrategy relies entirely on server-set httpOnly cookies carried by
// the client's cookie jar.
type CookieStrategy struct{}

func (CookieStrategy) Mode() string                                { return ModeCookie }
func (CookieStrategy) Attach(context.Context, *http.Request) error { return nil }
func (CookieStrategy) Store(context.Context, Tokens) error         { return nil }
func (CookieStrategy) Clear(context.Context) error                 { return nil }
func (CookieStrategy) HasLocal(context.Context) (bool, bool)       { return false, false }
func (CookieStrategy) RefreshBody(context.Context) (any, error)    { return nil, nil }

// BearerStrategy persists the token pair and attaches the access token as a
// bearer header. In hybrid mode the refresh call stays cookie based; in pure
// bearer mode the persisted refresh token is posted in the body.
type BearerStrategy struct {
	storage TokenStorage
	logger  *slog.Logger
	hybrid  bool
}

func (s *BearerStrategy) Mode() string {
	if s.hybrid {
		return ModeHybrid
	}
	return ModeBearer
}

func (s *BearerStrategy) Attach(ctx context.Context, r *http.Request) error {
	if r.Header.Get("Authorization") != "" {
		return nil
	}
	token, ok, err := s.storage.Get(ctx, AccessTokenKey)
	if err != nil {
		return fmt.Errorf("read access token: %w", err)
	}
	if ok && token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (s *BearerStrategy) Store(ctx context.Context, t Tokens) error {
	if t.Access != "" {
		if err := s.storage.Set(ctx, AccessTokenKey, t.Access); err != nil {
			return fmt.Errorf("store access token: %w", err)
		}
		if exp, ok := tokenExpiry(t.Access); ok {
			s.logger.DebugContext(ctx, "access token stored", "expires_at", exp.UTC().Format(time.RFC3339))
		}
	}
	if t.Refresh != "" {
		if err := s.storage.Set(ctx, RefreshTokenKey, t.Refresh); err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
	}
	return nil
}

func (s *BearerStrategy) Clear(ctx context.Context) error {
	errA := s.storage.Delete(ctx, AccessTokenKey)
	errR := s.storage.Delete(ctx, RefreshTokenKey)
	if errA != nil {
		return fmt.Errorf("clear access token: %w", errA)
	}
	if errR != nil {
		return fmt.Errorf("clear refresh token: %w", errR)
	}
	return nil
}

func (s *BearerStrategy) HasLocal(ctx context.Context) (bool, bool) {
	token, ok, err := s.storage.Get(ctx, AccessTokenKey)
	if err != nil {
		s.logger.WarnContext(ctx, "read access token failed", "error", err)
		return false, true
	}
	return ok && token != "", true
}

func (s *BearerStrategy) RefreshBody(ctx context.Context) (any, error) {
	if s.hybrid {
		return nil, nil
	}
	token, ok, err := s.storage.Get(ctx, RefreshTokenKey)
	if err != nil {
		return nil, fmt.Errorf("read refresh token: %w", err)
	}
	if !ok || token == "" {
		return nil, nil
	}
	return map[string]string{"refresh": token}, nil
}

// tokenExpiry reads exp from a JWT without verifying it; the shell never
// trusts token contents, it only logs them.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

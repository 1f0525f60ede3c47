// Package authsvc turns raw API calls into the auth operations the shell
// needs and maps every failure onto a fixed taxonomy of user-facing errors.
package authsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"forgelink/webshell/internal/apiclient"
)

const (
	LoginPath    = "/auth/jwt/login/"
	LogoutPath   = "/auth/jwt/logout/"
	RegisterPath = "/users/"
	AuthMePath   = "/auth/me/"
	UsersMePath  = "/users/me/"
)

// Client is the subset of *apiclient.Client the service depends on.
type Client interface {
	Do(ctx context.Context, req apiclient.Request) (*apiclient.Response, error)
	StoreTokens(ctx context.Context, t apiclient.Tokens) error
	ClearCredentials(ctx context.Context) error
	HasLocalCredential(ctx context.Context) (present, supported bool)
}

type Config struct {
	// CurrentUserPath defaults to AuthMePath.
	CurrentUserPath string
	Logger          *slog.Logger
}

type Service struct {
	client          Client
	currentUserPath string
	logger          *slog.Logger
}

func New(client Client, cfg Config) *Service {
	if cfg.CurrentUserPath == "" {
		cfg.CurrentUserPath = AuthMePath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{client: client, currentUserPath: cfg.CurrentUserPath, logger: cfg.Logger}
}

// CurrentUserPathFor maps the configured endpoint name to its path.
func CurrentUserPathFor(endpoint string) string {
	if endpoint == "users_me" {
		return UsersMePath
	}
	return AuthMePath
}

func (s *Service) Login(ctx context.Context, username, password string) (*LoginPayload, error) {
	resp, err := s.client.Do(ctx, apiclient.Request{
		Method:      http.MethodPost,
		Path:        LoginPath,
		Body:        credentials{Username: username, Password: password},
		SkipRefresh: true,
	})
	if err != nil {
		return nil, classifyLogin(err)
	}

	payload := &LoginPayload{Raw: json.RawMessage(resp.Body)}
	if len(bytes.TrimSpace(resp.Body)) > 0 {
		if err := json.Unmarshal(resp.Body, payload); err != nil {
			s.logger.WarnContext(ctx, "login response is not json", "error", err)
		}
	}
	if payload.Access != "" || payload.Refresh != "" {
		if err := s.client.StoreTokens(ctx, apiclient.Tokens{Access: payload.Access, Refresh: payload.Refresh}); err != nil {
			s.logger.WarnContext(ctx, "store login tokens failed", "error", err)
		}
	}
	return payload, nil
}

func classifyLogin(err error) *Error {
	if apiclient.IsNetwork(err) {
		return newError(KindNetwork, MsgNetwork, 0, err)
	}
	se, ok := apiclient.AsStatus(err)
	if !ok {
		return newError(KindGenericAuth, MsgLoginFailed, 0, err)
	}
	switch {
	case se.StatusCode >= 500:
		return newError(KindServer, MsgServer, se.StatusCode, err)
	case se.StatusCode == http.StatusUnauthorized:
		return newError(KindInvalidCredentials, MsgInvalidCredentials, se.StatusCode, err)
	case se.StatusCode == http.StatusTooManyRequests:
		return newError(KindRateLimited, MsgRateLimited, se.StatusCode, err)
	default:
		msg := detail(se.Body)
		if msg == "" {
			msg = MsgLoginFailed
		}
		return newError(KindGenericAuth, msg, se.StatusCode, err)
	}
}

// Register creates the account. It does not log in.
func (s *Service) Register(ctx context.Context, p Profile) (json.RawMessage, error) {
	resp, err := s.client.Do(ctx, apiclient.Request{
		Method:      http.MethodPost,
		Path:        RegisterPath,
		Body:        p,
		SkipRefresh: true,
	})
	if err != nil {
		return nil, classifyRegister(err)
	}
	return json.RawMessage(resp.Body), nil
}

func classifyRegister(err error) *Error {
	if apiclient.IsNetwork(err) {
		return newError(KindNetwork, MsgNetwork, 0, err)
	}
	se, ok := apiclient.AsStatus(err)
	if !ok {
		return newError(KindGenericAuth, MsgRegisterFailed, 0, err)
	}
	switch {
	case se.StatusCode >= 500:
		return newError(KindServer, MsgServer, se.StatusCode, err)
	case se.StatusCode == http.StatusBadRequest:
		e := newError(KindValidation, MsgRegisterFailed, se.StatusCode, err)
		e.Fields = fieldErrors(se.Body)
		e.Message = e.Flatten()
		return e
	case se.StatusCode == http.StatusConflict:
		return newError(KindConflict, MsgConflict, se.StatusCode, err)
	default:
		return newError(KindGenericAuth, MsgRegisterFailed, se.StatusCode, err)
	}
}

// Logout asks the API to drop its session and always clears local
// credentials. Failures are logged, never returned.
func (s *Service) Logout(ctx context.Context) {
	_, err := s.client.Do(ctx, apiclient.Request{
		Method:      http.MethodPost,
		Path:        LogoutPath,
		SkipRefresh: true,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "remote logout failed", "error", err)
	}
	s.clearLocal(ctx)
}

func (s *Service) clearLocal(ctx context.Context) {
	if err := s.client.ClearCredentials(ctx); err != nil {
		s.logger.WarnContext(ctx, "clear local credentials failed", "error", err)
	}
}

// CurrentUser fetches the signed-in user. A rejected or unrecoverable
// credential clears local credentials and yields KindSessionExpired.
func (s *Service) CurrentUser(ctx context.Context) (*User, error) {
	resp, err := s.client.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: s.currentUserPath})
	if err != nil {
		if apiclient.IsNetwork(err) {
			return nil, newError(KindNetwork, MsgNetwork, 0, err)
		}
		se, isStatus := apiclient.AsStatus(err)
		if errors.Is(err, apiclient.ErrSessionExpired) || (isStatus && se.StatusCode == http.StatusUnauthorized) {
			s.clearLocal(ctx)
			return nil, newError(KindSessionExpired, MsgSessionExpired, http.StatusUnauthorized, err)
		}
		status := 0
		if isStatus {
			status = se.StatusCode
		}
		return nil, newError(KindGenericFetch, MsgFetchFailed, status, err)
	}

	var env meEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, newError(KindGenericFetch, MsgFetchFailed, resp.StatusCode, fmt.Errorf("decode current user: %w", err))
	}
	if env.Authenticated != nil {
		if !*env.Authenticated || env.User == nil {
			s.clearLocal(ctx)
			return nil, newError(KindSessionExpired, MsgSessionExpired, http.StatusUnauthorized, errors.New("api reports unauthenticated"))
		}
		return env.User, nil
	}

	var u User
	if err := json.Unmarshal(resp.Body, &u); err != nil {
		return nil, newError(KindGenericFetch, MsgFetchFailed, resp.StatusCode, fmt.Errorf("decode current user: %w", err))
	}
	if u.Username == "" && u.ID == "" {
		return nil, newError(KindGenericFetch, MsgFetchFailed, resp.StatusCode, errors.New("current user payload has no identity"))
	}
	return &u, nil
}

// IsAuthenticated is the cheap local predicate. supported is false when the
// credential is invisible to the shell and only CurrentUser can tell.
func (s *Service) IsAuthenticated(ctx context.Context) (authenticated, supported bool) {
	return s.client.HasLocalCredential(ctx)
}

func detail(body []byte) string {
	var v struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &v) != nil {
		return ""
	}
	return strings.TrimSpace(v.Detail)
}

// fieldErrors normalizes a validation body into field -> messages. String
// values become one-element lists; nested values are kept as compact JSON.
func fieldErrors(body []byte) map[string][]string {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || len(raw) == 0 {
		return map[string][]string{"detail": {MsgRegisterFailed}}
	}
	out := make(map[string][]string, len(raw))
	for field, v := range raw {
		var s string
		if json.Unmarshal(v, &s) == nil {
			out[field] = []string{s}
			continue
		}
		var list []json.RawMessage
		if json.Unmarshal(v, &list) == nil {
			msgs := make([]string, 0, len(list))
			for _, item := range list {
				var m string
				if json.Unmarshal(item, &m) == nil {
					msgs = append(msgs, m)
				} else {
					msgs = append(msgs, compact(item))
				}
			}
			out[field] = msgs
			continue
		}
		out[field] = []string{compact(v)}
	}
	return out
}

func compact(v json.RawMessage) string {
	var buf bytes.Buffer
	if json.Compact(&buf, v) != nil {
		return string(v)
	}
	return buf.String()
}

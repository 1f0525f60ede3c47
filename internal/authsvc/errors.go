package authsvc

import (
	"errors"
	"sort"
	"strings"
)

type Kind int

const (
	KindNetwork Kind = iota + 1
	KindInvalidCredentials
	KindRateLimited
	KindValidation
	KindConflict
	KindServer
	KindSessionExpired
	KindGenericAuth
	KindGenericFetch
)

var (
	ErrNetwork            = errors.New("network error")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("rate limited")
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("conflict")
	ErrServer             = errors.New("server error")
	ErrSessionExpired     = errors.New("session expired")
	ErrGenericAuth        = errors.New("authentication failed")
	ErrGenericFetch       = errors.New("fetch failed")
)

const (
	MsgNetwork            = "Network error. Please check your internet connection."
	MsgServer             = "Server error. Please try again later."
	MsgInvalidCredentials = "Invalid username or password."
	MsgRateLimited        = "Too many login attempts. Please try again later."
	MsgLoginFailed        = "Login failed. Please try again."
	MsgConflict           = "Username or email already exists."
	MsgRegisterFailed     = "Registration failed. Please try again."
	MsgSessionExpired     = "Session expired. Please login again."
	MsgFetchFailed        = "Failed to get user data."
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindRateLimited:
		return "rate_limited"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindServer:
		return "server"
	case KindSessionExpired:
		return "session_expired"
	case KindGenericAuth:
		return "generic_auth"
	case KindGenericFetch:
		return "generic_fetch"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindInvalidCredentials:
		return ErrInvalidCredentials
	case KindRateLimited:
		return ErrRateLimited
	case KindValidation:
		return ErrValidation
	case KindConflict:
		return ErrConflict
	case KindServer:
		return ErrServer
	case KindSessionExpired:
		return ErrSessionExpired
	case KindGenericAuth:
		return ErrGenericAuth
	case KindGenericFetch:
		return ErrGenericFetch
	default:
		return nil
	}
}

// Error is the user-facing failure of an auth operation. Message is safe to
// show as is; Fields is set only for KindValidation.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string][]string
	Status  int
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func (e *Error) Unwrap() error { return e.Err }

// Flatten joins every field message with ", " in key order. Without field
// messages it returns Message.
func (e *Error) Flatten() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, e.Fields[k]...)
	}
	if len(parts) == 0 {
		return e.Message
	}
	return strings.Join(parts, ", ")
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(kind Kind, msg string, status int, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Status: status, Err: cause}
}

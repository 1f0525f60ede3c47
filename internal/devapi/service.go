package devapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const maxTrackedLogins = 4096

// RegisterInput is the registration body.
type RegisterInput struct {
	Username        string `json:"username" validate:"required,min=3,max=150"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required,min=8"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
	FirstName       string `json:"first_name" validate:"max=150"`
	LastName        string `json:"last_name" validate:"max=150"`
}

// ValidationError carries field → messages, serialized as the 400 body.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], " "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type ServiceConfig struct {
	Users           UserStore
	Revoked         RevocationStore
	Issuer          *Issuer
	LoginRatePerMin int
	BcryptCost      int
	Logger          *slog.Logger
}

type Service struct {
	users    UserStore
	revoked  RevocationStore
	issuer   *Issuer
	cost     int
	perMin   int
	limMu    sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	validate *validator.Validate
	logger   *slog.Logger
	nowFunc  func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if cfg.Issuer == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if cfg.LoginRatePerMin <= 0 {
		return nil, fmt.Errorf("login rate must be > 0")
	}
	if cfg.Revoked == nil {
		cfg.Revoked = NewInMemoryRevocationStore()
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Service{
		users:    cfg.Users,
		revoked:  cfg.Revoked,
		issuer:   cfg.Issuer,
		cost:     cfg.BcryptCost,
		perMin:   cfg.LoginRatePerMin,
		limiters: expirable.NewLRU[string, *rate.Limiter](maxTrackedLogins, nil, 10*time.Minute),
		validate: v,
		logger:   cfg.Logger,
		nowFunc:  time.Now,
	}, nil
}

func (s *Service) HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

func (s *Service) VerifyPassword(password, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (User, error) {
	in.Username = normalizeUsername(in.Username)
	in.Email = normalizeEmail(in.Email)
	if err := s.validate.Struct(in); err != nil {
		return User{}, s.validationError(err)
	}

	hash, err := s.HashPassword(in.Password)
	if err != nil {
		return User{}, err
	}
	u := User{
		ID:           uuid.NewString(),
		Username:     in.Username,
		Email:        in.Email,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		PasswordHash: hash,
		CreatedAt:    s.nowFunc().UTC(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		return User{}, err
	}
	s.logger.InfoContext(ctx, "user registered", "user_id", u.ID, "username", u.Username)
	return u, nil
}

func (s *Service) validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: map[string][]string{"non_field_errors": {err.Error()}}}
	}
	fields := make(map[string][]string)
	for _, fe := range verrs {
		fields[fe.Field()] = append(fields[fe.Field()], fieldMessage(fe))
	}
	return &ValidationError{Fields: fields}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required."
	case "email":
		return "Enter a valid email address."
	case "min":
		return fmt.Sprintf("Ensure this field has at least %s characters.", fe.Param())
	case "max":
		return fmt.Sprintf("Ensure this field has no more than %s characters.", fe.Param())
	case "eqfield":
		return "Passwords do not match."
	default:
		return "Invalid value."
	}
}

func (s *Service) allowLogin(username string) bool {
	key := strings.ToLower(username)
	s.limMu.Lock()
	lim, ok := s.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.perMin)), s.perMin)
		s.limiters.Add(key, lim)
	}
	s.limMu.Unlock()
	return lim.Allow()
}

func (s *Service) Login(ctx context.Context, username, password string) (User, TokenPair, error) {
	username = normalizeUsername(username)
	if username == "" || password == "" {
		return User{}, TokenPair{}, ErrInvalidCredentials
	}
	if !s.allowLogin(username) {
		return User{}, TokenPair{}, ErrRateLimited
	}

	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, TokenPair{}, ErrInvalidCredentials
		}
		return User{}, TokenPair{}, err
	}
	if !s.VerifyPassword(password, u.PasswordHash) {
		return User{}, TokenPair{}, ErrInvalidCredentials
	}

	pair, err := s.issuer.Issue(u)
	if err != nil {
		return User{}, TokenPair{}, err
	}
	return u, pair, nil
}

// Refresh rotates a refresh token: the presented one is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.issuer.Parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	u, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return TokenPair{}, ErrInvalidToken
		}
		return TokenPair{}, err
	}
	fresh, err := s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return TokenPair{}, err
	}
	if !fresh {
		return TokenPair{}, ErrInvalidToken
	}
	return s.issuer.Issue(u)
}

// Logout revokes the refresh token when one is presented. Unknown or
// malformed tokens are ignored.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	claims, err := s.issuer.Parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return nil
	}
	_, err = s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
	return err
}

// Authenticate resolves the user behind an access token.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (User, error) {
	claims, err := s.issuer.Parse(accessToken, tokenTypeAccess)
	if err != nil {
		return User{}, err
	}
	u, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrInvalidToken
		}
		return User{}, err
	}
	return u, nil
}

// Bootstrap creates the given account unless it already exists.
func (s *Service) Bootstrap(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}
	_, err := s.Register(ctx, RegisterInput{
		Username:        username,
		Email:           username + "@forgelink.local",
		Password:        password,
		PasswordConfirm: password,
	})
	if err != nil && !errors.Is(err, ErrDuplicateUser) {
		return fmt.Errorf("bootstrap user %q: %w", username, err)
	}
	return nil
}

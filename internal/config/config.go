package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	CredentialModeCookie = "cookie"
	CredentialModeBearer = "bearer"
	CredentialModeHybrid = "hybrid"

	CurrentUserAuthMe  = "auth_me"
	CurrentUserUsersMe = "users_me"

	PrefsBackendMemory   = "memory"
	PrefsBackendFile     = "file"
	PrefsBackendPostgres = "postgres"
	PrefsBackendRedis    = "redis"
)

type Config struct {
	HTTP         HTTPConfig
	API          APIConfig
	Session      SessionConfig
	Prefs        PrefsConfig
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	AuditLogFile string `env:"AUDIT_LOG_FILE" envDefault:"./data/audit.log"`
}

type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"20s"`
	SecureCookies   bool          `env:"HTTP_SECURE_COOKIES" envDefault:"false"`
}

// APIConfig describes how the shell reaches the remote ForgeLink API.
type APIConfig struct {
	BaseURL             string        `env:"API_URL" envDefault:"http://localhost:8000/api"`
	Timeout             time.Duration `env:"API_TIMEOUT" envDefault:"15s"`
	CredentialMode      string        `env:"AUTH_CREDENTIAL_MODE" envDefault:"cookie"`
	CurrentUserEndpoint string        `env:"AUTH_CURRENT_USER_ENDPOINT" envDefault:"auth_me"`
	CoalesceRefresh     bool          `env:"AUTH_COALESCE_REFRESH" envDefault:"false"`
	BreakerFailureRatio float64       `env:"API_BREAKER_FAILURE_RATIO" envDefault:"0.5"`
	BreakerMinRequests  uint32        `env:"API_BREAKER_MIN_REQUESTS" envDefault:"5"`
	BreakerOpenTimeout  time.Duration `env:"API_BREAKER_OPEN_TIMEOUT" envDefault:"30s"`
}

type SessionConfig struct {
	CookieName string        `env:"SESSION_COOKIE_NAME" envDefault:"fl_browser"`
	MaxTabs    int           `env:"SESSION_MAX_TABS" envDefault:"10000"`
	IdleTTL    time.Duration `env:"SESSION_IDLE_TTL" envDefault:"30m"`
	ProbeWait  time.Duration `env:"GUARD_PROBE_WAIT" envDefault:"2s"`
}

// PrefsConfig selects the backend standing in for browser-local storage.
type PrefsConfig struct {
	Backend     string        `env:"PREFS_BACKEND" envDefault:"memory"`
	File        string        `env:"PREFS_FILE" envDefault:"./data/prefs.json"`
	DatabaseURL string        `env:"PREFS_DATABASE_URL"`
	RedisAddr   string        `env:"PREFS_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisTTL    time.Duration `env:"PREFS_REDIS_TTL" envDefault:"720h"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.API.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.API.BaseURL), "/")

	if cfg.HTTP.Addr == "" {
		return Config{}, fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if cfg.HTTP.ReadTimeout <= 0 || cfg.HTTP.WriteTimeout <= 0 || cfg.HTTP.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("HTTP timeouts must be > 0")
	}
	u, err := url.Parse(cfg.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Config{}, fmt.Errorf("API_URL must be an absolute URL, got %q", cfg.API.BaseURL)
	}
	if cfg.API.Timeout <= 0 {
		return Config{}, fmt.Errorf("API_TIMEOUT must be > 0")
	}
	switch cfg.API.CredentialMode {
	case CredentialModeCookie, CredentialModeBearer, CredentialModeHybrid:
	default:
		return Config{}, fmt.Errorf("AUTH_CREDENTIAL_MODE must be one of cookie, bearer, hybrid; got %q", cfg.API.CredentialMode)
	}
	switch cfg.API.CurrentUserEndpoint {
	case CurrentUserAuthMe, CurrentUserUsersMe:
	default:
		return Config{}, fmt.Errorf("AUTH_CURRENT_USER_ENDPOINT must be auth_me or users_me; got %q", cfg.API.CurrentUserEndpoint)
	}
	if cfg.API.BreakerFailureRatio <= 0 || cfg.API.BreakerFailureRatio > 1 {
		return Config{}, fmt.Errorf("API_BREAKER_FAILURE_RATIO must be in (0, 1]")
	}
	if cfg.Session.CookieName == "" {
		return Config{}, fmt.Errorf("SESSION_COOKIE_NAME must not be empty")
	}
	if cfg.Session.MaxTabs <= 0 {
		return Config{}, fmt.Errorf("SESSION_MAX_TABS must be > 0")
	}
	if cfg.Session.IdleTTL <= 0 {
		return Config{}, fmt.Errorf("SESSION_IDLE_TTL must be > 0")
	}
	if cfg.Session.ProbeWait < 0 {
		return Config{}, fmt.Errorf("GUARD_PROBE_WAIT must be >= 0")
	}
	switch cfg.Prefs.Backend {
	case PrefsBackendMemory:
	case PrefsBackendFile:
		if cfg.Prefs.File == "" {
			return Config{}, fmt.Errorf("PREFS_FILE must not be empty for the file backend")
		}
	case PrefsBackendPostgres:
		if cfg.Prefs.DatabaseURL == "" {
			return Config{}, fmt.Errorf("PREFS_DATABASE_URL is required for the postgres backend")
		}
	case PrefsBackendRedis:
		if cfg.Prefs.RedisAddr == "" {
			return Config{}, fmt.Errorf("PREFS_REDIS_ADDR is required for the redis backend")
		}
	default:
		return Config{}, fmt.Errorf("PREFS_BACKEND must be one of memory, file, postgres, redis; got %q", cfg.Prefs.Backend)
	}
	if cfg.AuditLogFile == "" {
		return Config{}, fmt.Errorf("AUDIT_LOG_FILE must not be empty")
	}

	return cfg, nil
}

// DevAPIConfig configures the local reference API served by cmd/devapi.
type DevAPIConfig struct {
	Addr              string        `env:"DEVAPI_ADDR" envDefault:":8000"`
	BasePath          string        `env:"DEVAPI_BASE_PATH" envDefault:"/api"`
	DatabaseURL       string        `env:"DEVAPI_DATABASE_URL"`
	UserStateFile     string        `env:"DEVAPI_USER_STATE_FILE" envDefault:"./data/devapi_users.json"`
	JWTSecret         string        `env:"DEVAPI_JWT_SECRET" envDefault:"change-me-in-production"`
	AccessTTL         time.Duration `env:"DEVAPI_ACCESS_TTL" envDefault:"5m"`
	RefreshTTL        time.Duration `env:"DEVAPI_REFRESH_TTL" envDefault:"24h"`
	LoginRatePerMin   int           `env:"DEVAPI_LOGIN_RATE_PER_MIN" envDefault:"10"`
	SecureCookies     bool          `env:"DEVAPI_SECURE_COOKIES" envDefault:"false"`
	BootstrapUsername string        `env:"DEVAPI_BOOTSTRAP_USERNAME" envDefault:"demo"`
	BootstrapPassword string        `env:"DEVAPI_BOOTSTRAP_PASSWORD" envDefault:"Demo1234!"`
	ShutdownTimeout   time.Duration `env:"DEVAPI_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
}

func LoadDevAPI() (DevAPIConfig, error) {
	var cfg DevAPIConfig
	if err := env.Parse(&cfg); err != nil {
		return DevAPIConfig{}, fmt.Errorf("parse devapi config: %w", err)
	}
	cfg.BasePath = "/" + strings.Trim(cfg.BasePath, "/")

	if cfg.Addr == "" {
		return DevAPIConfig{}, fmt.Errorf("DEVAPI_ADDR must not be empty")
	}
	if cfg.JWTSecret == "" {
		return DevAPIConfig{}, fmt.Errorf("DEVAPI_JWT_SECRET must not be empty")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return DevAPIConfig{}, fmt.Errorf("DEVAPI token TTLs must be > 0")
	}
	if cfg.RefreshTTL < cfg.AccessTTL {
		return DevAPIConfig{}, fmt.Errorf("DEVAPI_REFRESH_TTL must be >= DEVAPI_ACCESS_TTL")
	}
	if cfg.LoginRatePerMin <= 0 {
		return DevAPIConfig{}, fmt.Errorf("DEVAPI_LOGIN_RATE_PER_MIN must be > 0")
	}
	if cfg.DatabaseURL == "" && cfg.UserStateFile == "" {
		return DevAPIConfig{}, fmt.Errorf("one of DEVAPI_DATABASE_URL or DEVAPI_USER_STATE_FILE is required")
	}
	return cfg, nil
}

// Package app wires configuration into a running web shell.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"forgelink/webshell/internal/apiclient"
	"forgelink/webshell/internal/audit"
	"forgelink/webshell/internal/config"
	"forgelink/webshell/internal/httpserver"
	"forgelink/webshell/internal/observability"
	"forgelink/webshell/internal/prefstore"
	"forgelink/webshell/internal/session"
)

type App struct {
	cfg    config.Config
	log    *slog.Logger
	db     *sql.DB
	rdb    *redis.Client
	tabs   *session.Registry
	server *httpserver.Server
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	a := &App{cfg: cfg, log: logger}
	prefs, err := a.openPrefs(ctx)
	if err != nil {
		a.closeBackends()
		return nil, err
	}

	breakerCfg := apiclient.DefaultBreakerConfig()
	breakerCfg.FailureRatio = cfg.API.BreakerFailureRatio
	breakerCfg.MinRequests = cfg.API.BreakerMinRequests
	breakerCfg.OpenTimeout = cfg.API.BreakerOpenTimeout

	tabs, err := session.NewRegistry(session.RegistryConfig{
		MaxTabs: cfg.Session.MaxTabs,
		IdleTTL: cfg.Session.IdleTTL,
		Logger:  logger,
		Metrics: metrics,
	}, NewTabFactory(TabDeps{
		API:       cfg.API,
		Prefs:     prefs,
		Transport: apiclient.NewTransport(),
		Breaker:   apiclient.NewBreaker(breakerCfg, logger, metrics),
		Audit:     audit.NewLogger(cfg.AuditLogFile),
		Logger:    logger,
		Metrics:   metrics,
	}))
	if err != nil {
		a.closeBackends()
		return nil, fmt.Errorf("create tab registry: %w", err)
	}
	a.tabs = tabs

	a.server = httpserver.New(cfg.HTTP, httpserver.Deps{
		Tabs:          tabs,
		Logger:        logger,
		Metrics:       metrics,
		Ready:         a.ready,
		CookieName:    cfg.Session.CookieName,
		SecureCookies: cfg.HTTP.SecureCookies,
		ProbeWait:     cfg.Session.ProbeWait,
	})
	return a, nil
}

func (a *App) openPrefs(ctx context.Context) (prefstore.Store, error) {
	switch a.cfg.Prefs.Backend {
	case config.PrefsBackendFile:
		s, err := prefstore.NewFileStore(a.cfg.Prefs.File)
		if err != nil {
			return nil, fmt.Errorf("create file preference store: %w", err)
		}
		return s, nil
	case config.PrefsBackendPostgres:
		db, err := sql.Open("postgres", a.cfg.Prefs.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.db = db
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		s, err := prefstore.NewPostgresStore(ctx, db)
		if err != nil {
			return nil, fmt.Errorf("create postgres preference store: %w", err)
		}
		return s, nil
	case config.PrefsBackendRedis:
		a.rdb = redis.NewClient(&redis.Options{Addr: a.cfg.Prefs.RedisAddr})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		s, err := prefstore.NewRedisStore(a.rdb, a.cfg.Prefs.RedisTTL)
		if err != nil {
			return nil, fmt.Errorf("create redis preference store: %w", err)
		}
		return s, nil
	default:
		return prefstore.NewMemoryStore(), nil
	}
}

func (a *App) ready(ctx context.Context) error {
	if a.db != nil {
		if err := a.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (a *App) closeBackends() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}

func (a *App) Run(ctx context.Context) error {
	defer a.closeBackends()
	defer a.tabs.Close()

	errCh := make(chan error, 1)

	go func() {
		a.log.Info("http server starting", "addr", a.cfg.HTTP.Addr, "api", a.cfg.API.BaseURL, "credential_mode", a.cfg.API.CredentialMode)
		errCh <- a.server.Start()
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server exited: %w", err)
	}
}

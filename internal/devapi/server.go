package devapi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"forgelink/webshell/internal/config"
)

// Server runs the dev API over the stores selected by config.
type Server struct {
	cfg        config.DevAPIConfig
	log        *slog.Logger
	db         *sql.DB
	httpServer *http.Server
}

func NewServer(ctx context.Context, cfg config.DevAPIConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, log: logger}

	var users UserStore
	var revoked RevocationStore
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		s.db = db
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		pgUsers, err := NewPostgresUserStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create postgres user store: %w", err)
		}
		pgRevoked, err := NewPostgresRevocationStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create postgres revocation store: %w", err)
		}
		users, revoked = pgUsers, pgRevoked
	} else {
		fileUsers, err := NewFileUserStore(cfg.UserStateFile)
		if err != nil {
			return nil, fmt.Errorf("create user store: %w", err)
		}
		users, revoked = fileUsers, NewInMemoryRevocationStore()
	}

	issuer, err := NewIssuer(cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL)
	if err != nil {
		s.close()
		return nil, err
	}
	svc, err := NewService(ServiceConfig{
		Users:           users,
		Revoked:         revoked,
		Issuer:          issuer,
		LoginRatePerMin: cfg.LoginRatePerMin,
		Logger:          logger,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	if err := svc.Bootstrap(ctx, cfg.BootstrapUsername, cfg.BootstrapPassword); err != nil {
		s.close()
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr: cfg.Addr,
		Handler: NewHandler(svc, HandlerConfig{
			BasePath:      cfg.BasePath,
			RefreshTTL:    cfg.RefreshTTL,
			SecureCookies: cfg.SecureCookies,
			Logger:        logger,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s, nil
}

func (s *Server) close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Server) Run(ctx context.Context) error {
	defer s.close()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("devapi starting", "addr", s.cfg.Addr, "base_path", s.cfg.BasePath)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown devapi: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("devapi exited: %w", err)
	}
}

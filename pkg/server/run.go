package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NicolasHaas/seawire/pkg/crypto"
	"github.com/NicolasHaas/seawire/pkg/model"
	"github.com/NicolasHaas/seawire/pkg/settings"
)

// Init prepares state that must exist before serving: seed users, runtime
// settings and the identity cache. A cache that fails to load is fatal.
func (s *Server) Init(ctx context.Context) error {
	st := s.store.NonTx()

	if s.cfg.UsersFile != "" {
		if _, err := LoadUsersFromYAML(ctx, s.cfg.UsersFile, st); err != nil {
			s.logger.Error("failed to load users file", "err", err)
		}
	}
	if err := s.ensureAdminUser(ctx); err != nil {
		return err
	}

	if s.cfg.SettingsFile != "" {
		if err := s.settings.LoadFile(s.cfg.SettingsFile); err != nil {
			s.logger.Error("failed to load settings file", "err", err)
		}
	}
	// admin changes saved at runtime win over the file
	if err := s.settings.Load(ctx, s.kv); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := s.cache.Load(ctx); err != nil {
		return fmt.Errorf("server: load identity cache: %w", err)
	}
	return nil
}

// Run initializes the server, serves HTTP and blocks until ctx is cancelled
// or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		return err
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.metrics.StartPeriodicLog(s.cfg.MetricsLogInterval, s.ctx.Done())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("seawire server running", "http", s.cfg.HTTPAddr, "users", s.cache.Len())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	})
	if s.cfg.SettingsFile != "" {
		g.Go(func() error {
			return s.settings.Watch(gctx, s.cfg.SettingsFile, func(cur settings.Settings) {
				s.logger.Info("settings reloaded", "values", cur.Values())
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		return s.Shutdown()
	})
	return g.Wait()
}

// Shutdown stops the HTTP server, closes every live socket and releases the
// stores. It is safe to call more than once.
func (s *Server) Shutdown() error {
	if s.ctx.Err() != nil {
		return nil
	}
	s.cancel()

	var errs []error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server: http shutdown: %w", err))
		}
	}
	closed := s.users.CloseAll() + s.convs.CloseAll()
	s.logger.Info("sockets closed", "count", closed)
	s.metrics.LogSummary()

	if err := s.kv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("server: close ledger: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("server: close store: %w", err))
	}
	return errors.Join(errs...)
}

// ensureAdminUser creates an admin account only on first run (no users exist).
func (s *Server) ensureAdminUser(ctx context.Context) error {
	st := s.store.NonTx()
	ids, err := st.ListUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("server: check users: %w", err)
	}
	if len(ids) > 0 {
		return nil
	}

	password, err := crypto.GenerateToken()
	if err != nil {
		return fmt.Errorf("server: generate admin password: %w", err)
	}
	password = password[:20]
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return fmt.Errorf("server: generate admin password: %w", err)
	}
	admin := &model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		AccessLevel:  model.AccessAdmin,
		PasswordSalt: salt,
		PasswordHash: crypto.HashPassword(password, salt),
	}
	if err := st.CreateUser(ctx, admin); err != nil {
		return fmt.Errorf("server: create admin: %w", err)
	}

	slog.Info("========================================")
	slog.Info("ADMIN ACCOUNT (save this!):", "username", admin.Username, "password", password)
	slog.Info("========================================")
	return nil
}

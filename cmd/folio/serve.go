package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"folio/api/internal/app"
	"folio/api/internal/config"
	"folio/api/internal/logging"
	"folio/api/internal/session"
	"folio/api/internal/store"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workspace HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

type dataStore interface {
	SaveSession(context.Context, store.Session) error
	LookupSession(context.Context, string) (store.Session, error)
	RevokeSession(context.Context, string) error
	LoadPreferences(context.Context, string, string) (store.Preferences, error)
	SavePreferences(context.Context, store.Preferences) error
	Ping(context.Context) error
}

// openStore picks Postgres, then Redis, then an in-process Redis. The
// returned closer releases whatever was opened.
func openStore(ctx context.Context, cfg config.Config) (dataStore, io.Closer, error) {
	logger := logging.L()
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		logger.Info("using postgres for sessions and preferences")
		return store.NewPostgresStore(db), db, nil
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		logger.Info("using redis for sessions and preferences")
		return redisStore, redisStore, nil
	}

	embedded, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start embedded redis: %w", err)
	}
	redisStore, err := session.NewRedisStore("redis://" + embedded.Addr())
	if err != nil {
		embedded.Close()
		return nil, nil, err
	}
	logger.Warn("no database_url or redis_url configured; sessions and preferences are kept in memory")
	return redisStore, closerFunc(func() error {
		err := redisStore.Close()
		embedded.Close()
		return err
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.L()

	data, closer, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	backends, err := backendFactory(cfg)
	if err != nil {
		return err
	}

	service := app.New(cfg, data, backends)
	defer service.Close()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("folio API listening", zap.String("addr", cfg.Addr), zap.String("backend", cfg.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

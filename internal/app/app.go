// Package app constructs the shared handles once and hands them to the
// CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"attestline/internal/config"
	"attestline/internal/db"
	"attestline/internal/engine"
	"attestline/internal/lockout"
	"attestline/internal/logging"
	"attestline/internal/metrics"
	"attestline/internal/migrate"
	"attestline/internal/timesource"
)

type Options struct {
	Workspace string
	// Logger overrides the logger built from config.
	Logger *zap.Logger
}

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *zap.Logger
	Registry  *prometheus.Registry

	closers []func() error
}

// Open loads config, opens and migrates the database and wires the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		if logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a := &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Logger:    logger,
		Registry:  prometheus.NewRegistry(),
		closers:   []func() error{conn.Close},
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	guard, closeGuard, err := NewLockout(cfg.Lockout)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closeGuard != nil {
		a.closers = append(a.closers, closeGuard)
	}
	a.Engine = engine.New(conn, cfg, engine.Deps{
		Logger:  logger,
		Metrics: metrics.New(a.Registry),
		Time:    NewTimeSource(cfg.TimeSource),
		Lockout: guard,
	})
	return a, nil
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}

// NewTimeSource builds the configured trusted time source.
func NewTimeSource(cfg config.TimeSourceConfig) timesource.Source {
	if cfg.Kind == "http" {
		return timesource.HTTP{
			URL:      cfg.URL,
			SourceID: cfg.SourceID,
			Timeout:  cfg.Timeout,
			Client:   &http.Client{},
		}
	}
	return timesource.Local{ID: cfg.SourceID}
}

// NewLockout builds the configured re-authentication lockout guard. The
// returned close func is nil when nothing needs releasing.
func NewLockout(cfg config.LockoutConfig) (lockout.Guard, func() error, error) {
	switch cfg.Backend {
	case "off":
		return lockout.Nop{}, nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		return lockout.Redis{Client: client, MaxFailures: cfg.MaxFailures, Window: cfg.Window}, client.Close, nil
	case "memory", "":
		return lockout.NewMemory(cfg.MaxFailures, cfg.Window), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown lockout backend %q", cfg.Backend)
	}
}

package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"gigflow/internal/config"
	"gigflow/internal/db"
	"gigflow/internal/engine"
	"gigflow/internal/engine/auth"
	"gigflow/internal/logging"
	"gigflow/internal/migrate"
	"gigflow/internal/repo"
)

// Runtime bundles the opened database, configuration and logger shared by
// every command.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Logger    *slog.Logger
}

type Options struct {
	Workspace string
	// Override runs after the config file is loaded and before validation.
	Override func(*config.Config)
	LogOutput io.Writer
}

// Open loads config (defaults when gigflow.yml is absent), opens the
// database and applies migrations.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	logger := logging.New(opts.LogOutput, cfg.Log.Level, cfg.Log.Format)
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, BusyTimeout: cfg.Store.BusyTimeout})
	if err != nil {
		return nil, err
	}
	version, err := migrate.MigrateContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("database ready", "path", db.Path(opts.Workspace), "schema_version", version)
	return &Runtime{
		Workspace: opts.Workspace,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Config:    cfg,
		Logger:    logger,
	}, nil
}

// Engine returns an engine over the runtime's database. The caller sets the
// Notifier when live delivery is available.
func (r *Runtime) Engine() engine.Engine {
	e := engine.New(r.DB, r.Config)
	e.Logger = r.Logger
	return e
}

func (r *Runtime) Auth() auth.Service {
	return auth.Service{
		Repo: r.Repo,
		Tokens: auth.Tokens{
			Secret: r.Config.Auth.JWTSecret,
			TTL:    r.Config.Auth.TokenTTL,
		},
	}
}

func (r *Runtime) Close() error {
	return r.DB.Close()
}

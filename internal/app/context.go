// Package app wires a workspace into a running engine: database,
// migrations, configuration file and logger.
package app

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"tallyline/internal/config"
	"tallyline/internal/db"
	"tallyline/internal/engine"
	"tallyline/internal/logging"
	"tallyline/internal/migrate"
)

type Options struct {
	Workspace string
	LogLevel  string
}

// App holds the open handles for one workspace.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Log    *zap.Logger
}

// Open prepares a workspace: opens the database, applies pending
// migrations, loads tallyline.yml and builds the engine. The caller owns
// Close.
func Open(opts Options) (*App, error) {
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	level := opts.LogLevel
	if level == "" {
		level = "info"
	}
	log, err := logging.New(level)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng, err := engine.New(conn, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &App{DB: conn, Config: cfg, Engine: eng, Log: log}, nil
}

// Close releases the database and flushes the logger.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	if a.Log != nil {
		_ = a.Log.Sync()
	}
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}

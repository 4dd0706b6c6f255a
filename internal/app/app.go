// Package app opens a stageline workspace and assembles the engine over it.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/migrate"
)

// Workspace bundles everything a command or the server needs.
type Workspace struct {
	Dir      string
	DB       *sql.DB
	Settings *config.Settings
	Engine   engine.Engine
	Logger   *zap.Logger
}

// Open loads settings, opens and migrates the database, and makes sure the
// errors campaign exists. settings may be nil to read stageline.yml from dir.
func Open(ctx context.Context, dir string, settings *config.Settings, logger *zap.Logger) (*Workspace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings == nil {
		s, err := config.Load(dir)
		if err != nil {
			return nil, err
		}
		settings = s
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, settings).WithLogger(logger.Named("engine"))
	if _, err := eng.EnsureErrorsCampaign(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("errors campaign: %w", err)
	}
	logger.Debug("workspace opened", zap.String("dir", dir))
	return &Workspace{Dir: dir, DB: conn, Settings: settings, Engine: eng, Logger: logger}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

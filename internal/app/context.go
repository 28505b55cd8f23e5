package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"complyline/internal/config"
	"complyline/internal/db"
	"complyline/internal/engine"
	"complyline/internal/migrate"
)

// ResolveConfig prefers an explicit path, then the workspace complyline.yml,
// then the built-in record types.
func ResolveConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// Runtime is an opened workspace: migrated database, config and engine.
type Runtime struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open resolves config, opens and migrates the workspace database and
// builds the engine. Schema errors fail here, before any record is touched.
func Open(ctx context.Context, workspace, configPath string, log zerolog.Logger) (*Runtime, error) {
	cfg, err := ResolveConfig(workspace, configPath)
	if err != nil {
		return nil, err
	}
	catalog, err := engine.NewCatalog(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.Debug().Str("db", db.Path(workspace)).Int("schema_version", version).Msg("workspace opened")
	return &Runtime{DB: conn, Config: cfg, Engine: engine.New(conn, catalog, log)}, nil
}

func (r *Runtime) Close() error {
	return r.DB.Close()
}

// Package app wires the workspace pieces together for the CLI and server:
// open the database, apply migrations, load config, seed RBAC.
package app

import (
	"context"
	"fmt"

	"storyflow/internal/config"
	"storyflow/internal/db"
	"storyflow/internal/engine"
	"storyflow/internal/migrate"
)

// Open prepares a ready-to-use engine for the given workspace. The RBAC
// tables are re-seeded from config on every open; seeding is idempotent.
func Open(ctx context.Context, workspace string) (engine.Engine, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return engine.Engine{}, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, fmt.Errorf("apply migrations: %w", err)
	}
	e := engine.New(conn, cfg)
	if err := e.SeedRBAC(ctx); err != nil {
		conn.Close()
		return engine.Engine{}, fmt.Errorf("seed rbac: %w", err)
	}
	return e, nil
}

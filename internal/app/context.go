// Package app wires a workspace into a running governance engine: open
// the database, run migrations, load config and attach the remediation
// hook and mesh notifier. Both the CLI and the HTTP server go through
// it so they agree on what a workspace means.
package app

import (
	"database/sql"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/engine"
	"gateline/internal/migrate"
	"gateline/internal/notify"
	"gateline/internal/registry"
)

// Runtime bundles everything built from one workspace.
type Runtime struct {
	DB     *sql.DB
	Config *config.Config
	Sink   registry.SQLite
	Engine *engine.Engine
}

// Open prepares the workspace and returns a wired runtime. The caller
// owns Close.
func Open(workspace string) (*Runtime, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace, "gateline")
	if err != nil {
		conn.Close()
		return nil, err
	}
	sink := registry.SQLite{DB: conn}
	e := engine.New(sink, cfg)
	if fixer := engine.NewHookFixer(cfg.Remediation); fixer != nil {
		e.Fixer = fixer
	}
	if len(cfg.Mesh.Hooks) > 0 {
		e.Notify = notify.NewMesh(cfg.Mesh.Hooks)
	}
	return &Runtime{
		DB:     conn,
		Config: cfg,
		Sink:   sink,
		Engine: e,
	}, nil
}

func (rt *Runtime) Close() error {
	return rt.DB.Close()
}

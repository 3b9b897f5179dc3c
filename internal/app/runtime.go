// Package app assembles a ready-to-use engine from a workspace: config,
// relational store, migrations, mirror sheets and the NATS publisher.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"journeyline/internal/config"
	"journeyline/internal/db"
	"journeyline/internal/engine"
	"journeyline/internal/logging"
	"journeyline/internal/migrate"
	"journeyline/internal/mirror"
	"journeyline/internal/notify"
)

type Options struct {
	Workspace string
	// OrgID overrides config.org.id when set.
	OrgID string
	// LogOutput receives structured logs; nil discards them.
	LogOutput io.Writer
}

// Runtime owns the resources behind an engine. Close releases them.
type Runtime struct {
	Engine  engine.Engine
	Config  *config.Config
	Log     zerolog.Logger
	closers []func() error
}

// Open loads the workspace config and wires every configured store.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if opts.OrgID != "" {
		cfg.Org.ID = opts.OrgID
	}
	out := opts.LogOutput
	if out == nil {
		out = io.Discard
	}
	log := logging.New(cfg.Log, out)

	conn, dialect, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt := &Runtime{Config: cfg, Log: log}
	rt.closers = append(rt.closers, conn.Close)
	if err := conn.PingContext(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(conn, dialect, cfg, log)
	if cfg.Mirror.Enabled {
		dir := cfg.Mirror.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(opts.Workspace, dir)
		}
		wb, err := mirror.New(dir, nil)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open mirror: %w", err)
		}
		e.Mirrors = append(e.Mirrors, wb)
	}
	if cfg.Notify.NATSURL != "" {
		pub, closeNATS, err := notify.Connect(cfg.Notify.NATSURL, cfg.Notify.SubjectPrefix, log)
		if err != nil {
			// Notifications are best-effort; the engine works without them.
			log.Warn().Err(err).Msg("nats unavailable, notifications disabled")
		} else {
			e.Notifier = pub
			rt.closers = append(rt.closers, func() error { closeNATS(); return nil })
		}
	}
	rt.Engine = e
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// Init writes a default config into the workspace unless one exists.
func Init(workspace, orgID string, force bool) (string, error) {
	if orgID == "" {
		return "", fmt.Errorf("org id required")
	}
	path := config.Path(workspace)
	existing, err := config.LoadOptional(workspace)
	if err != nil && !force {
		return "", err
	}
	if existing != nil && !force {
		return "", fmt.Errorf("%s already exists; pass --force to overwrite", path)
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

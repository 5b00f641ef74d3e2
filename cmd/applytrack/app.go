package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/applytrack/backend/internal/backup"
	"github.com/kimhsiao/applytrack/backend/internal/config"
	"github.com/kimhsiao/applytrack/backend/internal/db"
	"github.com/kimhsiao/applytrack/backend/internal/logging"
	"github.com/kimhsiao/applytrack/backend/internal/store"
	syncengine "github.com/kimhsiao/applytrack/backend/internal/sync"
	"github.com/kimhsiao/applytrack/backend/internal/sync/remote"
	"github.com/kimhsiao/applytrack/backend/internal/sync/storage"
	"github.com/kimhsiao/applytrack/backend/internal/telemetry"
)

// app holds the wired components for a single command invocation.
type app struct {
	cfg     *config.Config
	db      *db.DB
	repo    *db.Repository
	store   *store.Store
	backups *backup.Manager
	engine  *syncengine.Engine
	metrics *telemetry.Metrics
	cloud   *remote.CloudStore
	logOut  io.Closer
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	var logOut io.Writer = os.Stderr
	if cfg.Log.File != "" {
		w := logging.NewRotatingWriter(cfg.Log.File, cfg.Log.MaxSizeMB)
		a.logOut = w
		logOut = w
	}
	logging.Init(logOut, logging.ParseLevel(cfg.Log.Level))

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.db = database
	a.repo = db.NewRepository(database.DB, storage.NewBlobStore(filepath.Join(cfg.DataDir, "blobs")))
	a.store = store.New(a.repo)
	a.metrics = telemetry.New(cfg.Telemetry.Enabled)
	a.backups = backup.NewManager(a.store, a.repo, backup.Config{
		CacheDir:        cfg.Backup.CacheDir,
		Password:        cfg.Backup.Password,
		DedupeOnRestore: cfg.Backup.DedupeOnRestore,
	}, backup.WithMetrics(a.metrics))

	opts := []syncengine.Option{
		syncengine.WithConflictLog(a.repo),
		syncengine.WithMetrics(a.metrics),
	}
	if cfg.Remote.Enabled() {
		cloud, err := remote.Connect(ctx, cfg.Remote.DatabaseURL, cfg.Remote.OwnerID)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.cloud = cloud
		opts = append(opts, syncengine.WithRemote(cloud))
	}
	a.engine = syncengine.NewEngine(a.store, a.backups, opts...)
	return a, nil
}

// Close releases every open resource. Safe on a partially opened app.
func (a *app) Close() {
	if a.metrics.Enabled() {
		if snap, err := a.metrics.Snapshot(); err == nil {
			fields := make(map[string]interface{}, len(snap))
			for k, v := range snap {
				fields[k] = v
			}
			logging.Info("metrics", fields)
		}
	}
	if a.cloud != nil {
		a.cloud.Close()
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			logging.Warn("failed to close repository", map[string]interface{}{"error": err.Error()})
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logging.Warn("failed to close database", map[string]interface{}{"error": err.Error()})
		}
	}
	if a.logOut != nil {
		_ = a.logOut.Close()
	}
}

// withApp opens the app for the duration of run.
func withApp(cmd *cobra.Command, run func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return run(ctx, a)
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

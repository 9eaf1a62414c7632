// Package core wires the persistence layer into one orchestrator-facing
// surface: reconcile, pack export/import, gated sync, and worker
// supervision share a single cache handle and a single operation gate.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/loomworks/loom/internal/cache"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/pack"
	"github.com/loomworks/loom/internal/reconcile"
	"github.com/loomworks/loom/internal/record"
	"github.com/loomworks/loom/internal/status"
	"github.com/loomworks/loom/internal/syncgate"
	"github.com/loomworks/loom/internal/vcs"
	"github.com/loomworks/loom/internal/worker"
)

// Core owns the project's persistence state. One Core per project root;
// the embedded gate serializes reconcile, import, and export.
type Core struct {
	root      string
	recordDir string
	cacheDir  string

	cfg    *config.Config
	logger *log.Logger

	db         *cache.DB
	gate       *reconcile.Gate
	reconciler *reconcile.Reconciler
	packs      *pack.Service
	supervisor *worker.Supervisor

	logCloser io.Closer
}

// Options tunes Open.
type Options struct {
	// Logger overrides the rotating file logger. Mostly for tests.
	Logger *log.Logger
	// Notifier receives worker escalations. Nil means log-only.
	Notifier worker.Notifier
	// Stderr tees log output to stderr as well as the log file.
	Stderr bool
}

// Open loads configuration and the cache for the project at root,
// recovering from cache corruption by rebuilding from records.
func Open(root string, opts Options) (*Core, error) {
	recordDir := filepath.Join(root, record.DirName)
	cacheDir := filepath.Join(root, cache.DirName)

	cfg, err := config.Load(recordDir)
	if err != nil {
		return nil, err
	}

	c := &Core{
		root:      root,
		recordDir: recordDir,
		cacheDir:  cacheDir,
		cfg:       cfg,
		gate:      &reconcile.Gate{},
	}

	if opts.Logger != nil {
		c.logger = opts.Logger
	} else {
		c.logger, c.logCloser = cfg.NewLogger(cacheDir, "loom ", opts.Stderr)
	}

	dbPath := filepath.Join(cacheDir, cache.DBFile)
	discarded := false
	db, err := cache.Open(dbPath)
	if err != nil {
		// A file SQLite refuses to open outright is discarded; derived
		// state is disposable and never repaired.
		c.logger.Printf("Cache unusable (%v), discarding", err)
		for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
			_ = os.Remove(p)
		}
		db, err = cache.Open(dbPath)
		if err != nil {
			return nil, err
		}
		discarded = true
	}
	if err := db.Check(); err != nil {
		c.logger.Printf("Cache unusable (%v), rebuilding from records", err)
		db, _, err = reconcile.Rebuild(context.Background(), recordDir, db, c.gate, c.logger)
		if err != nil {
			return nil, fmt.Errorf("cache rebuild failed: %w", err)
		}
	}
	c.db = db

	c.reconciler = reconcile.New(recordDir, db, c.gate, c.logger)
	c.packs = pack.New(recordDir, db, c.gate, c.reconciler, c.logger)

	if discarded {
		if _, err := c.reconciler.Reconcile(context.Background()); err != nil {
			db.Close()
			return nil, fmt.Errorf("cache rebuild failed: %w", err)
		}
	}

	projectID, err := c.projectID()
	if err != nil {
		db.Close()
		return nil, err
	}
	c.supervisor = worker.New(recordDir, cacheDir, projectID, worker.Config{
		StallTimeout:      cfg.Recovery.StallTimeout,
		ResumeTimeout:     cfg.Recovery.ResumeTimeout,
		MaxRetries:        cfg.Recovery.MaxRetries,
		CheckpointEnabled: cfg.Recovery.CheckpointEnabled,
	}, db, opts.Notifier, c.logger)

	return c, nil
}

// Close releases the cache handle and the log rotator.
func (c *Core) Close() error {
	var firstErr error
	if c.db != nil {
		firstErr = c.db.Close()
	}
	if c.logCloser != nil {
		if err := c.logCloser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Config returns the loaded runtime configuration.
func (c *Core) Config() *config.Config { return c.cfg }

// DB exposes the cache for read-only queries (status, event listing).
func (c *Core) DB() *cache.DB { return c.db }

// RecordDir returns the canonical record directory.
func (c *Core) RecordDir() string { return c.recordDir }

// CacheDir returns the derived cache directory.
func (c *Core) CacheDir() string { return c.cacheDir }

// Supervisor exposes worker lifecycle operations.
func (c *Core) Supervisor() *worker.Supervisor { return c.supervisor }

// Reconciler exposes the shared reconciler for watch mode.
func (c *Core) Reconciler() *reconcile.Reconciler { return c.reconciler }

func (c *Core) projectID() (string, error) {
	st, err := record.Load(c.recordDir)
	if err != nil {
		return "", err
	}
	if st.Metadata.ProjectID == "" {
		return "", fmt.Errorf("record store at %s has no project id; run init first", c.recordDir)
	}
	return st.Metadata.ProjectID, nil
}

// Reconcile rebuilds the derived cache from the records.
func (c *Core) Reconcile(ctx context.Context) (*reconcile.Result, error) {
	return c.reconciler.Reconcile(ctx)
}

// ExportPack writes a memory pack to out (directory, or .tar.gz when the
// name says so).
func (c *Core) ExportPack(ctx context.Context, out string, opts pack.ExportOptions) (*pack.Manifest, error) {
	return c.packs.Export(ctx, out, opts)
}

// ImportPack merges a memory pack produced elsewhere.
func (c *Core) ImportPack(ctx context.Context, in string) (*pack.ImportResult, error) {
	return c.packs.Import(ctx, in)
}

// Sync stages and commits allow-listed record paths; everything else is
// rejected and unstaged. The repo is discovered from the project root.
func (c *Core) Sync(ctx context.Context, paths []string, message string) (*syncgate.Result, error) {
	repo, err := vcs.Open(ctx, c.root)
	if err != nil {
		return nil, err
	}
	policy, err := syncgate.LoadPolicy(c.recordDir)
	if err != nil {
		return nil, err
	}
	if message == "" {
		message = c.cfg.Sync.CommitMessage
	}
	return syncgate.New(repo, policy, c.logger).Sync(ctx, paths, message)
}

// SuperviseTick runs one supervisor pass.
func (c *Core) SuperviseTick(ctx context.Context) (map[string]worker.State, error) {
	return c.supervisor.Tick(ctx)
}

// Status builds the current status snapshot and refreshes STATUS.md.
func (c *Core) Status(ctx context.Context) (*status.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := record.Load(c.recordDir)
	if err != nil {
		return nil, err
	}
	reg, err := worker.LoadRegistry(c.cacheDir)
	if err != nil {
		return nil, err
	}
	snap := status.Build(st, reg, time.Now())
	if _, err := snap.WriteStatusFile(c.recordDir); err != nil {
		return nil, err
	}
	return snap, nil
}

// PurgeEvents removes event log entries older than the configured
// retention. Returns the rows removed; zero retention disables purging.
func (c *Core) PurgeEvents(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if c.cfg.Persistence.EventRetention == 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-c.cfg.Persistence.EventRetention)
	return c.db.PurgeEvents(cutoff)
}

// ErrAlreadyInitialized reports an Init against an existing store.
var ErrAlreadyInitialized = errors.New("project already initialized")

// Package daemon provides the watch mode: it observes the record
// directory and keeps the derived cache and worker supervision current.
//
// The daemon:
// 1. Watches for record file changes under .loom/
// 2. Reconciles the cache after a debounce window
// 3. Periodically ticks the worker supervisor
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loomworks/loom/internal/reconcile"
	"github.com/loomworks/loom/internal/record"
	"github.com/loomworks/loom/internal/worker"
)

// Config holds daemon tuning.
type Config struct {
	// DebounceInterval is how long after the last record change to wait
	// before reconciling. Rapid edit bursts collapse into one rebuild.
	DebounceInterval time.Duration

	// TickInterval is the supervisor polling period.
	TickInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		TickInterval:     30 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates file watching, reconciliation, and supervision.
type Daemon struct {
	recordDir  string
	reconciler *reconcile.Reconciler
	supervisor *worker.Supervisor
	config     *Config

	watcher *fsnotify.Watcher

	changeMu      sync.Mutex
	lastChangeAt  time.Time
	pendingChange bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. supervisor may be nil when workers are not
// supervised; the tick loop is skipped.
func New(recordDir string, rec *reconcile.Reconciler, sup *worker.Supervisor, config *Config) (*Daemon, error) {
	if rec == nil {
		return nil, fmt.Errorf("reconciler cannot be nil")
	}
	if recordDir == "" {
		return nil, fmt.Errorf("recordDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Daemon{
		recordDir:  recordDir,
		reconciler: rec,
		supervisor: sup,
		config:     config,
		watcher:    watcher,
	}, nil
}

// Run starts the daemon and blocks until ctx is cancelled.
//
// On startup it performs one full reconcile so the cache is current
// before any events are trusted.
func (d *Daemon) Run(ctx context.Context) error {
	d.config.Logger.Println("Starting watch mode")

	res, err := d.reconciler.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("initial reconcile failed: %w", err)
	}
	d.config.Logger.Printf("Initial reconcile: %d rows, fingerprint %.12s", res.RowCount, res.Fingerprint)

	if err := d.watcher.Add(d.recordDir); err != nil {
		return fmt.Errorf("failed to watch record directory: %w", err)
	}
	// Checkpoint files live one level down and also feed the cache.
	cpDir := filepath.Join(d.recordDir, record.CheckpointsDir)
	if _, statErr := os.Stat(cpDir); statErr == nil {
		if err := d.watcher.Add(cpDir); err != nil {
			d.config.Logger.Printf("Warning: cannot watch %s: %v", cpDir, err)
		}
	}

	d.config.Logger.Printf("Watching: %s", d.recordDir)

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(2)
	go d.watchFileEvents(runCtx)
	go d.processChanges(runCtx)
	if d.supervisor != nil {
		d.wg.Add(1)
		go d.superviseLoop(runCtx)
	}

	<-runCtx.Done()
	d.config.Logger.Println("Shutdown signal received")
	return d.stop()
}

func (d *Daemon) stop() error {
	d.cancel()
	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}
	d.wg.Wait()
	d.config.Logger.Println("Watch mode stopped")
	return nil
}

// watchFileEvents monitors filesystem events and marks the records dirty.
func (d *Daemon) watchFileEvents(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isRecordFile(event.Name) {
				continue
			}
			d.config.Logger.Printf("Record change: %s %s", event.Op, filepath.Base(event.Name))
			d.markDirty()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// isRecordFile filters out editor temp files and anything that cannot
// affect the cache.
func isRecordFile(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml", ".toml":
		return true
	}
	return false
}

func (d *Daemon) markDirty() {
	d.changeMu.Lock()
	defer d.changeMu.Unlock()
	d.pendingChange = true
	d.lastChangeAt = time.Now()
}

// processChanges reconciles once the debounce window has passed with no
// further changes.
func (d *Daemon) processChanges(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.takeDirty() {
				continue
			}
			res, err := d.reconciler.Reconcile(ctx)
			if err != nil {
				if errors.Is(err, reconcile.ErrBusy) {
					// Another operation holds the gate; the dirty flag is
					// restored so the next tick retries.
					d.markDirty()
					continue
				}
				d.config.Logger.Printf("Reconcile failed: %v", err)
				continue
			}
			d.config.Logger.Printf("Reconciled: %d rows in %s", res.RowCount, res.Duration)
		}
	}
}

// takeDirty consumes the dirty flag if the debounce window has elapsed.
func (d *Daemon) takeDirty() bool {
	d.changeMu.Lock()
	defer d.changeMu.Unlock()
	if !d.pendingChange {
		return false
	}
	if time.Since(d.lastChangeAt) < d.config.DebounceInterval {
		return false
	}
	d.pendingChange = false
	return true
}

// superviseLoop ticks the worker supervisor at the configured interval.
func (d *Daemon) superviseLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			states, err := d.supervisor.Tick(ctx)
			if err != nil {
				// Tick still reports the workers it did advance.
				d.config.Logger.Printf("Supervisor tick failed: %v", err)
			}
			for id, st := range states {
				if st == worker.StateStalled || st == worker.StateEscalated {
					d.config.Logger.Printf("Worker %s is %s", id, st)
				}
			}
		}
	}
}

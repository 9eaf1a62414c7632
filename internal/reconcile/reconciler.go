// Package reconcile rebuilds the derived cache from the record store.
//
// The reconciler is the single entry point through which row content ever
// reaches the cache. Reconciliation is a full rebuild: every row is dropped
// and re-derived from the records while the event log stays untouched.
// Write volume is human-paced, so determinism and a trivial correctness
// argument beat incremental updates.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/loomworks/loom/internal/cache"
	"github.com/loomworks/loom/internal/record"
	"github.com/loomworks/loom/internal/validate"
)

// Result summarizes a completed reconciliation.
type Result struct {
	Fingerprint string
	RowCount    int
	Duration    time.Duration
}

// Reconciler derives cache rows from the record store.
type Reconciler struct {
	recordDir string
	db        *cache.DB
	gate      *Gate
	logger    *log.Logger
}

// New creates a Reconciler. The gate must be the same instance handed to the
// snapshot service so reconcile/import/export exclude each other. A nil
// logger logs to stderr.
func New(recordDir string, db *cache.DB, gate *Gate, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	return &Reconciler{recordDir: recordDir, db: db, gate: gate, logger: logger}
}

// Reconcile performs a full rebuild. It fails atomically: on any error,
// whether from parsing, validation, or the transaction itself, no partial
// cache is committed and the prior cache survives. For the same record store
// content the derived row set is byte-identical on every run.
func (r *Reconciler) Reconcile(ctx context.Context) (*Result, error) {
	release, err := r.gate.Acquire("reconcile")
	if err != nil {
		return nil, err
	}
	defer release()

	return r.reconcileLocked(ctx)
}

// reconcileLocked is the rebuild body, for callers that already hold the
// gate (pack import triggers a reconcile while still inside its own
// critical section).
func (r *Reconciler) reconcileLocked(ctx context.Context) (*Result, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	store, err := record.Load(r.recordDir)
	if err != nil {
		return nil, fmt.Errorf("reconcile aborted: %w", err)
	}

	if report := validate.Run(store); !report.OK() {
		return nil, fmt.Errorf("reconcile aborted: %s", report.Summary())
	}

	fingerprint, err := record.Fingerprint(r.recordDir)
	if err != nil {
		return nil, fmt.Errorf("reconcile aborted: %w", err)
	}

	rows, err := DeriveRows(store)
	if err != nil {
		return nil, fmt.Errorf("reconcile aborted: %w", err)
	}

	if err := r.db.ReplaceRows(rows, fingerprint); err != nil {
		return nil, fmt.Errorf("reconcile failed: %w", err)
	}

	res := &Result{
		Fingerprint: fingerprint,
		RowCount:    len(rows),
		Duration:    time.Since(start),
	}
	r.logger.Printf("Rebuilt %d rows in %s (fingerprint %.12s)", res.RowCount, res.Duration, res.Fingerprint)
	return res, nil
}

// ReconcileWithin runs a reconcile under a gate already held by the caller.
func (r *Reconciler) ReconcileWithin(ctx context.Context) (*Result, error) {
	return r.reconcileLocked(ctx)
}

// DeriveRows projects a parsed store into cache rows, one row per record,
// ordered by (kind, id) construction order. Serialization is canonical
// JSON so two reconciles of the same store produce identical payloads.
func DeriveRows(s *record.Store) ([]cache.Row, error) {
	var rows []cache.Row

	for i := range s.Board.Tasks {
		t := &s.Board.Tasks[i]
		payload, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize task %s: %w", t.ID, err)
		}
		rows = append(rows, cache.Row{
			Kind:      string(record.KindTask),
			ID:        t.ID,
			Status:    t.Status,
			Title:     t.Title,
			Payload:   string(payload),
			UpdatedAt: t.UpdatedAt,
		})
	}

	for i := range s.Team.Roles {
		role := &s.Team.Roles[i]
		payload, err := json.Marshal(role)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize role %s: %w", role.RoleID, err)
		}
		rows = append(rows, cache.Row{
			Kind:      string(record.KindRole),
			ID:        role.RoleID,
			Title:     role.Title,
			Payload:   string(payload),
			UpdatedAt: role.UpdatedAt,
		})
	}

	for i := range s.Approvals.ApprovalLog {
		a := &s.Approvals.ApprovalLog[i]
		payload, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize approval %s: %w", a.ID, err)
		}
		rows = append(rows, cache.Row{
			Kind:      string(record.KindApproval),
			ID:        a.ID,
			Status:    a.Status,
			Payload:   string(payload),
			UpdatedAt: a.UpdatedAt,
		})
	}

	if s.Metadata.ProjectID != "" {
		payload, err := json.Marshal(&s.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize metadata: %w", err)
		}
		rows = append(rows, cache.Row{
			Kind:    string(record.KindMetadata),
			ID:      s.Metadata.ProjectID,
			Title:   s.Metadata.Name,
			Payload: string(payload),
		})
	}

	return rows, nil
}

// Rebuild is the corruption recovery path: destroy the cache database,
// reopen it fresh, and reconcile from records. It must always succeed when
// the record store itself is valid; that is the system's primary
// disaster-recovery guarantee. The returned *cache.DB replaces the one the
// reconciler (and the caller) held before.
func Rebuild(ctx context.Context, recordDir string, db *cache.DB, gate *Gate, logger *log.Logger) (*cache.DB, *Result, error) {
	release, err := gate.Acquire("rebuild")
	if err != nil {
		return nil, nil, err
	}
	defer release()

	path := db.Path()
	if err := db.Destroy(); err != nil {
		return nil, nil, fmt.Errorf("rebuild: %w", err)
	}

	fresh, err := cache.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("rebuild: %w", err)
	}

	r := New(recordDir, fresh, gate, logger)
	res, err := r.reconcileLocked(ctx)
	if err != nil {
		_ = fresh.Close()
		return nil, nil, err
	}
	return fresh, res, nil
}

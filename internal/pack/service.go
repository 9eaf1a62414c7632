package pack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/cache"
	"github.com/loomworks/loom/internal/reconcile"
	"github.com/loomworks/loom/internal/record"
)

// Service exports and imports memory packs for one project. Export never
// touches the record store; import never writes the record store and never
// triggers a commit.
type Service struct {
	recordDir  string
	db         *cache.DB
	gate       *reconcile.Gate
	reconciler *reconcile.Reconciler
	logger     *log.Logger
}

// New creates a pack service. The gate must be shared with the reconciler
// so export/import/reconcile are mutually exclusive.
func New(recordDir string, db *cache.DB, gate *reconcile.Gate, rec *reconcile.Reconciler, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(os.Stderr, "[pack] ", log.LstdFlags)
	}
	return &Service{
		recordDir:  recordDir,
		db:         db,
		gate:       gate,
		reconciler: rec,
		logger:     logger,
	}
}

// Export writes a pack to out (directory, or .tar.gz if the path says so)
// and returns its manifest. A pack carries exactly one project's event
// log, the one the manifest names. Events imported earlier from other
// projects keep their own project id in the cache and travel only in
// their originating project's packs.
func (s *Service) Export(ctx context.Context, out string, opts ExportOptions) (*Manifest, error) {
	release, err := s.gate.Acquire("export")
	if err != nil {
		return nil, err
	}
	defer release()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	projectID, err := s.projectID()
	if err != nil {
		return nil, err
	}

	fingerprint, err := record.Fingerprint(s.recordDir)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	events, err := s.db.Events(projectID, opts.SinceSeq)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	manifest := &Manifest{
		FormatVersion: FormatVersion,
		ProjectID:     projectID,
		Fingerprint:   fingerprint,
		CreatedAt:     time.Now().UTC(),
		EventCount:    len(events),
		HasSummary:    !opts.OmitSummary,
	}

	m := make(members)

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("export: failed to marshal manifest: %w", err)
	}
	m[ManifestFile] = manifestBytes

	var eventsBuf bytes.Buffer
	if err := writeEvents(&eventsBuf, events); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	m[EventsFile] = eventsBuf.Bytes()

	if !opts.OmitSummary {
		summary, err := s.buildSummary(fingerprint)
		if err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
		summaryBytes, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("export: failed to marshal summary: %w", err)
		}
		m[SummaryFile] = summaryBytes
	}

	if err := writeArchive(out, m); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	if _, err := s.db.AppendEvent(projectID, cache.EventExport, map[string]interface{}{
		"out":         out,
		"event_count": len(events),
		"fingerprint": fingerprint,
	}); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	s.logger.Printf("Exported %d events to %s (fingerprint %.12s)", len(events), out, fingerprint)
	return manifest, nil
}

// Import consumes the pack at in, atomically: an unsupported version or a
// broken event stream rejects the whole pack before anything is written,
// and the event batch lands in a single transaction. Events keep their
// original identities, deduplicated by (project_id, seq), so importing
// the same pack twice is a no-op. The
// summary is applied only when its fingerprint matches the current record
// store; otherwise it is discarded (logged, not an error) and a full
// reconcile runs instead.
func (s *Service) Import(ctx context.Context, in string) (*ImportResult, error) {
	release, err := s.gate.Acquire("import")
	if err != nil {
		return nil, err
	}
	defer release()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, err := readArchive(in)
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}

	manifestBytes, ok := m[ManifestFile]
	if !ok {
		return nil, fmt.Errorf("import: pack has no %s", ManifestFile)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("import: bad manifest: %w", err)
	}
	if err := manifest.validate(); err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}

	// Parse everything up front so a malformed pack rejects before any
	// write happens.
	var events []cache.Event
	if data, ok := m[EventsFile]; ok {
		events, err = readEvents(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("import: %w", err)
		}
	}

	var summary *Summary
	if data, ok := m[SummaryFile]; ok {
		summary = &Summary{}
		if err := json.Unmarshal(data, summary); err != nil {
			return nil, fmt.Errorf("import: bad summary: %w", err)
		}
	}

	res := &ImportResult{}
	res.ImportedEvents, res.SkippedEvents, err = s.db.InsertEventsIfAbsent(events)
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}

	currentFingerprint, err := record.Fingerprint(s.recordDir)
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}

	if summary != nil {
		if summary.Fingerprint == currentFingerprint {
			blob, err := json.Marshal(summary)
			if err != nil {
				return nil, fmt.Errorf("import: %w", err)
			}
			if err := s.db.SetSnapshot(cache.SnapDerivedSummary, string(blob)); err != nil {
				return nil, fmt.Errorf("import: %w", err)
			}
			res.SummaryApplied = true
		} else {
			// Fingerprint mismatch is a defined branch, not an error.
			// The summary describes records we do not have; drop it and
			// re-derive from the records we do have.
			s.logger.Printf("Discarding pack summary: fingerprint %.12s != current %.12s",
				summary.Fingerprint, currentFingerprint)
			if _, err := s.reconciler.ReconcileWithin(ctx); err != nil {
				return nil, fmt.Errorf("import: reconcile after summary discard: %w", err)
			}
			res.Reconciled = true
		}
	}

	projectID, err := s.projectID()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.AppendEvent(projectID, cache.EventImport, map[string]interface{}{
		"in":              in,
		"imported_events": res.ImportedEvents,
		"skipped_events":  res.SkippedEvents,
		"summary_applied": res.SummaryApplied,
		"source_project":  manifest.ProjectID,
	}); err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}

	s.logger.Printf("Imported %d events (%d duplicates skipped) from %s",
		res.ImportedEvents, res.SkippedEvents, in)
	return res, nil
}

// buildSummary derives the embeddable summary from current cache content.
func (s *Service) buildSummary(fingerprint string) (*Summary, error) {
	byKind, err := s.db.CountByKind()
	if err != nil {
		return nil, err
	}
	byStatus, err := s.db.CountByStatus(string(record.KindTask))
	if err != nil {
		return nil, err
	}

	total := 0
	for _, n := range byKind {
		total += n
	}

	return &Summary{
		Fingerprint:   fingerprint,
		GeneratedAt:   time.Now().UTC(),
		TotalRecords:  total,
		CountsByKind:  byKind,
		TasksByStatus: byStatus,
	}, nil
}

func (s *Service) projectID() (string, error) {
	store, err := record.Load(s.recordDir)
	if err != nil {
		return "", fmt.Errorf("failed to load records for project id: %w", err)
	}
	if store.Metadata.ProjectID == "" {
		return "", fmt.Errorf("record store has no project_id; run init first")
	}
	return store.Metadata.ProjectID, nil
}

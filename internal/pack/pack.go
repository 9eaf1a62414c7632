// Package pack implements memory packs: portable snapshots of the event
// log plus an optional cache-derived summary, tagged with the canonical
// fingerprint of the record store they were exported against.
//
// A pack is a manifest, a line-delimited event log, and an optional summary
// blob. It can live as a plain directory or a single .tar.gz file; the two
// forms are logically equivalent inputs to import. Packs are immutable once
// created and consumed all-or-nothing.
package pack

import (
	"errors"
	"fmt"
	"time"
)

// FormatVersion is the pack format this build writes.
const FormatVersion = 1

// SupportedVersions is the set import accepts. Anything else rejects the
// whole pack; there is no partial or best-effort import.
var SupportedVersions = map[int]bool{1: true}

// Archive member names.
const (
	ManifestFile = "manifest.yaml"
	EventsFile   = "events.jsonl"
	SummaryFile  = "summary.json"
)

// ErrUnsupportedVersion rejects a pack whose format_version this build
// does not understand.
var ErrUnsupportedVersion = errors.New("unsupported pack format version")

// Manifest identifies a pack and the record-store state it was derived
// from.
type Manifest struct {
	FormatVersion int       `yaml:"format_version"`
	ProjectID     string    `yaml:"project_id"`
	Fingerprint   string    `yaml:"fingerprint"`
	CreatedAt     time.Time `yaml:"created_at"`
	EventCount    int       `yaml:"event_count"`
	HasSummary    bool      `yaml:"has_summary"`
}

func (m *Manifest) validate() error {
	if !SupportedVersions[m.FormatVersion] {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.FormatVersion)
	}
	if m.ProjectID == "" {
		return fmt.Errorf("pack manifest: project_id is required")
	}
	if m.Fingerprint == "" {
		return fmt.Errorf("pack manifest: fingerprint is required")
	}
	return nil
}

// Summary is the cache-derived snapshot embedded in a pack. It is applied
// on import only when its fingerprint matches the current record store;
// otherwise it is silently discarded and a reconcile runs instead, so
// imported history can never present stale or foreign record content as
// current.
type Summary struct {
	Fingerprint   string         `json:"fingerprint"`
	GeneratedAt   time.Time      `json:"generated_at"`
	TotalRecords  int            `json:"total_records"`
	CountsByKind  map[string]int `json:"counts_by_kind,omitempty"`
	TasksByStatus map[string]int `json:"tasks_by_status,omitempty"`
}

// ImportResult reports what an import actually did.
type ImportResult struct {
	ImportedEvents int  // events newly appended (duplicates excluded)
	SkippedEvents  int  // events already present by (project_id, seq)
	SummaryApplied bool // false when discarded on fingerprint mismatch
	Reconciled     bool // a reconcile ran because the summary was discarded
}

// ExportOptions tunes an export.
type ExportOptions struct {
	// SinceSeq exports only events with seq > SinceSeq. Zero means the
	// full log.
	SinceSeq int64
	// OmitSummary leaves the derived summary out of the pack.
	OmitSummary bool
}

// Package status renders the project status report: a styled terminal
// form and a committed STATUS.md form, both derived from the same
// snapshot.
package status

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/record"
	"github.com/loomworks/loom/internal/worker"
)

// StatusFile is the rendered document name under the record directory.
const StatusFile = "STATUS.md"

// Phase labels derived from board shape.
const (
	PhaseInitialization = "Initialization"
	PhasePlanning       = "Planning"
	PhaseActive         = "Active Development"
	PhaseComplete       = "Complete"
)

// WorkerLine is one supervised worker in the report.
type WorkerLine struct {
	WorkerID string
	Role     string
	State    worker.State
	TaskID   string
}

// Snapshot is everything a render needs, computed once.
type Snapshot struct {
	ProjectName string
	Phase       string
	Columns     []string
	Counts      map[string]int
	Total       int
	Done        int
	Percent     int
	ByStatus    map[string][]record.Task
	Pending     []record.Approval
	Workers     []WorkerLine
	GeneratedAt time.Time
}

// Build computes a snapshot from the canonical records and the worker
// registry. Pass a nil registry when workers are not supervised.
func Build(st *record.Store, reg *worker.Registry, now time.Time) *Snapshot {
	snap := &Snapshot{
		ProjectName: st.Metadata.Name,
		Columns:     st.Board.Columns,
		Counts:      make(map[string]int, len(st.Board.Columns)),
		ByStatus:    make(map[string][]record.Task, len(st.Board.Columns)),
		GeneratedAt: now.UTC(),
	}

	for _, col := range snap.Columns {
		snap.Counts[col] = 0
	}
	for _, t := range st.Board.Tasks {
		s := t.Status
		if s == "" {
			s = "backlog"
		}
		if _, ok := snap.Counts[s]; ok {
			snap.Counts[s]++
			snap.ByStatus[s] = append(snap.ByStatus[s], t)
		}
	}

	snap.Total = len(st.Board.Tasks)
	snap.Done = snap.Counts["done"]
	if snap.Total > 0 {
		snap.Percent = snap.Done * 100 / snap.Total
	}

	for _, a := range st.Approvals.ApprovalLog {
		if a.Status == "pending" {
			snap.Pending = append(snap.Pending, a)
		}
	}

	switch {
	case snap.Total == 0:
		snap.Phase = PhaseInitialization
	case snap.Done == snap.Total:
		snap.Phase = PhaseComplete
	case snap.Counts["in_progress"] > 0:
		snap.Phase = PhaseActive
	default:
		snap.Phase = PhasePlanning
	}

	if reg != nil {
		for _, w := range reg.Workers {
			snap.Workers = append(snap.Workers, WorkerLine{
				WorkerID: w.WorkerID,
				Role:     w.Role,
				State:    w.State,
				TaskID:   w.TaskID,
			})
		}
		sort.Slice(snap.Workers, func(i, j int) bool {
			return snap.Workers[i].WorkerID < snap.Workers[j].WorkerID
		})
	}

	return snap
}

// progressBar renders "#####..............." at the given width.
func progressBar(percent, width int) string {
	filled := width * percent / 100
	if filled > width {
		filled = width
	}
	return strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
}

func titleColumn(col string) string {
	words := strings.Split(strings.ReplaceAll(col, "_", " "), " ")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Markdown renders the committed STATUS.md form.
func (s *Snapshot) Markdown() string {
	var b strings.Builder

	b.WriteString("# Project Status\n\n")
	b.WriteString("> Auto-generated by `loom status`. Do not edit manually.\n\n")
	fmt.Fprintf(&b, "## Phase\n%s\n\n", s.Phase)
	fmt.Fprintf(&b, "## Progress\n[%s] %d%%  (%d/%d tasks done)\n\n",
		progressBar(s.Percent, 20), s.Percent, s.Done, s.Total)

	b.WriteString("## Task Summary\n")
	b.WriteString("| Column | Count |\n")
	b.WriteString("|--------|-------|\n")
	for _, col := range s.Columns {
		fmt.Fprintf(&b, "| %s | %d |\n", col, s.Counts[col])
	}
	b.WriteString("\n")

	for _, col := range s.Columns {
		if col == "done" {
			continue
		}
		tasks := s.ByStatus[col]
		if len(tasks) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s (%d)\n", titleColumn(col), len(tasks))
		for _, t := range tasks {
			owner := t.OwnerRole
			if owner == "" {
				owner = "unassigned"
			}
			pri := ""
			if t.Priority != "" {
				pri = fmt.Sprintf(" `%s`", t.Priority)
			}
			fmt.Fprintf(&b, "- **%s**: %s%s (owner: %s)\n", t.ID, t.Title, pri, owner)
		}
		b.WriteString("\n")
	}

	if done := s.ByStatus["done"]; len(done) > 0 {
		fmt.Fprintf(&b, "## Done (%d)\n", len(done))
		for _, t := range done {
			fmt.Fprintf(&b, "- ~~%s~~: %s\n", t.ID, t.Title)
		}
		b.WriteString("\n")
	}

	if len(s.Pending) > 0 {
		b.WriteString("## Pending Approvals\n")
		for _, a := range s.Pending {
			fmt.Fprintf(&b, "- %s on %s\n", a.TriggerID, a.TaskID)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("## Blockers\nNone\n\n")
		b.WriteString("## Pending Approvals\nNone\n\n")
	}

	b.WriteString("## Recent Decisions\nSee DECISIONS.md\n\n")
	fmt.Fprintf(&b, "_Generated %s_\n", s.GeneratedAt.Format(time.RFC3339))

	return b.String()
}

// WriteStatusFile renders the Markdown form and writes it atomically
// under the record directory. Returns the path written.
func (s *Snapshot) WriteStatusFile(recordDir string) (string, error) {
	path := filepath.Join(recordDir, StatusFile)
	if err := record.WriteFileAtomic(path, []byte(s.Markdown()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", StatusFile, err)
	}
	return path, nil
}

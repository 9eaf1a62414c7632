package status

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/record"
	"github.com/loomworks/loom/internal/worker"
)

func testStore() *record.Store {
	st := &record.Store{}
	st.Metadata = record.Metadata{ProjectID: "proj-test", Name: "Test Project"}
	st.Board = record.Board{
		Columns: []string{"backlog", "in_progress", "review", "done"},
		Tasks: []record.Task{
			{ID: "T-1", Title: "Parse input", Status: "done"},
			{ID: "T-2", Title: "Build index", Status: "in_progress", OwnerRole: "developer", Priority: "high"},
			{ID: "T-3", Title: "Write docs", Status: "backlog"},
			{ID: "T-4", Title: "Review output", Status: "backlog"},
		},
	}
	st.Approvals = record.Approvals{ApprovalLog: []record.Approval{
		{ID: "A-1", TriggerID: "deploy_gate", TaskID: "T-2", Status: "pending"},
		{ID: "A-2", TriggerID: "merge_gate", TaskID: "T-1", Status: "approved"},
	}}
	return st
}

func TestBuild_CountsAndPhase(t *testing.T) {
	snap := Build(testStore(), nil, time.Now())

	if snap.Total != 4 || snap.Done != 1 || snap.Percent != 25 {
		t.Fatalf("total=%d done=%d pct=%d", snap.Total, snap.Done, snap.Percent)
	}
	if snap.Phase != PhaseActive {
		t.Fatalf("phase = %s, want %s", snap.Phase, PhaseActive)
	}
	if snap.Counts["backlog"] != 2 || snap.Counts["in_progress"] != 1 {
		t.Fatalf("counts = %v", snap.Counts)
	}
	if len(snap.Pending) != 1 || snap.Pending[0].TriggerID != "deploy_gate" {
		t.Fatalf("pending = %+v", snap.Pending)
	}
}

func TestBuild_PhaseEdges(t *testing.T) {
	st := testStore()

	st.Board.Tasks = nil
	if got := Build(st, nil, time.Now()).Phase; got != PhaseInitialization {
		t.Fatalf("empty board phase = %s", got)
	}

	st.Board.Tasks = []record.Task{
		{ID: "T-1", Title: "a", Status: "done"},
		{ID: "T-2", Title: "b", Status: "done"},
	}
	if got := Build(st, nil, time.Now()).Phase; got != PhaseComplete {
		t.Fatalf("all-done phase = %s", got)
	}

	st.Board.Tasks = []record.Task{{ID: "T-1", Title: "a", Status: "backlog"}}
	if got := Build(st, nil, time.Now()).Phase; got != PhasePlanning {
		t.Fatalf("no-active phase = %s", got)
	}
}

func TestMarkdown_Sections(t *testing.T) {
	reg := &worker.Registry{Workers: []*worker.Entry{
		{WorkerID: "dev-1", Role: "developer", State: worker.StateRunning, TaskID: "T-2"},
	}}
	snap := Build(testStore(), reg, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	md := snap.Markdown()

	for _, want := range []string{
		"# Project Status",
		"## Phase\nActive Development",
		"| in_progress | 1 |",
		"- **T-2**: Build index `high` (owner: developer)",
		"~~T-1~~: Parse input",
		"## Pending Approvals",
		"deploy_gate on T-2",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("markdown missing %q:\n%s", want, md)
		}
	}
	if strings.Contains(md, "merge_gate") {
		t.Fatal("approved gate listed as pending")
	}
}

func TestWriteStatusFile(t *testing.T) {
	dir := t.TempDir()
	snap := Build(testStore(), nil, time.Now())

	path, err := snap.WriteStatusFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != StatusFile {
		t.Fatalf("path = %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Do not edit manually") {
		t.Fatal("generated marker missing")
	}
}

func TestTerminal_RendersWorkersAndBar(t *testing.T) {
	reg := &worker.Registry{Workers: []*worker.Entry{
		{WorkerID: "dev-1", Role: "developer", State: worker.StateStalled, TaskID: "T-2"},
		{WorkerID: "arch-1", Role: "architect", State: worker.StateRunning},
	}}
	snap := Build(testStore(), reg, time.Now())
	out := snap.Terminal()

	for _, want := range []string{"PROJECT STATUS", "25%", "dev-1", "arch-1", "idle", "on T-2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("terminal output missing %q", want)
		}
	}
	// Registry order is not alphabetical; the report is.
	if strings.Index(out, "arch-1") > strings.Index(out, "dev-1") {
		t.Fatal("workers not sorted")
	}
}

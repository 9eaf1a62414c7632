package worker

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRegistry_RoundTrip(t *testing.T) {
	cacheDir := t.TempDir()

	reg, err := LoadRegistry(cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.Workers) != 0 {
		t.Fatalf("fresh registry has %d workers", len(reg.Workers))
	}

	if err := reg.Add(&Entry{WorkerID: "dev-1", Role: "developer"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(&Entry{WorkerID: "dev-1"}); err == nil {
		t.Fatal("duplicate worker id accepted")
	}
	if err := reg.Save(); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadRegistry(cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	w := loaded.Get("dev-1")
	if w == nil {
		t.Fatal("worker missing after reload")
	}
	if w.State != StateIdle {
		t.Fatalf("default state = %s, want %s", w.State, StateIdle)
	}
	if w.SpawnedAt.IsZero() {
		t.Fatal("spawned_at not defaulted")
	}

	if !loaded.Remove("dev-1") {
		t.Fatal("remove reported missing")
	}
	if loaded.Get("dev-1") != nil {
		t.Fatal("worker still present after remove")
	}
}

func TestHeartbeat_RoundTrip(t *testing.T) {
	cacheDir := t.TempDir()

	if hb, err := ReadHeartbeat(cacheDir, "w1"); err != nil || hb != nil {
		t.Fatalf("missing heartbeat: hb=%v err=%v", hb, err)
	}

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := WriteHeartbeat(cacheDir, &Heartbeat{
		WorkerID:  "w1",
		Timestamp: ts,
		TaskID:    "T-7",
		Status:    "working",
		Note:      "implementing parser",
	}); err != nil {
		t.Fatal(err)
	}

	hb, err := ReadHeartbeat(cacheDir, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if hb == nil || !hb.Timestamp.Equal(ts) || hb.TaskID != "T-7" {
		t.Fatalf("heartbeat = %+v", hb)
	}
}

func TestCheckpoint_PortableRoundTrip(t *testing.T) {
	recordDir := t.TempDir()

	if cp, err := LoadPortable(recordDir, "w1"); err != nil || cp != nil {
		t.Fatalf("missing checkpoint: cp=%v err=%v", cp, err)
	}

	in := &Checkpoint{
		WorkerID:   "w1",
		Seq:        3,
		Timestamp:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		RetryCount: 1,
		Resumable: ResumableState{
			TaskID:          "T-7",
			Role:            "developer",
			ProgressSummary: "parser half done",
			NextSteps:       "finish error recovery",
		},
	}
	if err := WritePortable(recordDir, in); err != nil {
		t.Fatal(err)
	}

	out, err := LoadPortable(recordDir, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if out.Seq != 3 || out.Resumable.NextSteps != "finish error recovery" {
		t.Fatalf("checkpoint = %+v", out)
	}
}

func TestCheckpoint_LatestDetailedWins(t *testing.T) {
	cacheDir := t.TempDir()

	for seq := int64(1); seq <= 3; seq++ {
		d := &Detailed{
			Checkpoint: Checkpoint{WorkerID: "w1", Seq: seq, Timestamp: time.Now().UTC()},
			Provider:   "acme",
		}
		if err := WriteDetailed(cacheDir, d); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := LoadLatestDetailed(cacheDir, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.Seq != 3 {
		t.Fatalf("latest = %+v, want seq 3", latest)
	}
}

func TestBuildResumeDirective_PortableOnly(t *testing.T) {
	cp := &Checkpoint{
		WorkerID:   "w1",
		Seq:        2,
		Timestamp:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		RetryCount: 1,
		Resumable: ResumableState{
			TaskID:          "T-7",
			Role:            "developer",
			ProgressSummary: "parser half done",
			NextSteps:       "finish error recovery",
		},
	}

	directive := BuildResumeDirective(cp)
	for _, want := range []string{"RESUME SESSION", "T-7", "parser half done", "finish error recovery"} {
		if !strings.Contains(directive, want) {
			t.Fatalf("directive missing %q:\n%s", want, directive)
		}
	}

	path, err := WriteResumeDirective(t.TempDir(), "w1", directive)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "w1.md" {
		t.Fatalf("directive path = %s", path)
	}
}

func TestNewWorkerID(t *testing.T) {
	a := NewWorkerID("developer")
	b := NewWorkerID("developer")
	if !strings.HasPrefix(a, "developer-") {
		t.Fatalf("id = %s", a)
	}
	if a == b {
		t.Fatal("worker ids collide")
	}
}

package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/cache"
)

type recordedEscalation struct {
	workerID   string
	retryCount int
}

type testNotifier struct {
	escalations []recordedEscalation
}

func (n *testNotifier) Escalated(workerID string, retryCount int) {
	n.escalations = append(n.escalations, recordedEscalation{workerID, retryCount})
}

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func supervisorFixture(t *testing.T) (*Supervisor, *cache.DB, *testClock, *testNotifier, string, string) {
	t.Helper()
	root := t.TempDir()
	recordDir := filepath.Join(root, ".loom")
	cacheDir := filepath.Join(root, ".loom-cache")
	if err := os.MkdirAll(recordDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatal(err)
	}

	db, err := cache.Open(filepath.Join(cacheDir, cache.DBFile))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	notify := &testNotifier{}
	sup := New(recordDir, cacheDir, "proj-test", Config{
		StallTimeout:      2 * time.Minute,
		ResumeTimeout:     2 * time.Minute,
		MaxRetries:        3,
		CheckpointEnabled: true,
	}, db, notify, nil)
	sup.now = clock.Now

	return sup, db, clock, notify, recordDir, cacheDir
}

func register(t *testing.T, sup *Supervisor, clock *testClock, id string) {
	t.Helper()
	if err := sup.Register(&Entry{
		WorkerID:  id,
		Role:      "developer",
		TaskID:    "T-1",
		SpawnedAt: clock.Now(),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func beat(t *testing.T, cacheDir, id string, ts time.Time) {
	t.Helper()
	if err := WriteHeartbeat(cacheDir, &Heartbeat{
		WorkerID:  id,
		Timestamp: ts,
		TaskID:    "T-1",
		Status:    "working",
	}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
}

func tick(t *testing.T, sup *Supervisor) map[string]State {
	t.Helper()
	states, err := sup.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return states
}

func TestTick_HeartbeatPromotesIdleToRunning(t *testing.T) {
	sup, _, clock, _, _, cacheDir := supervisorFixture(t)
	register(t, sup, clock, "w1")

	if states := tick(t, sup); states["w1"] != StateIdle {
		t.Fatalf("before any heartbeat, state = %s, want %s", states["w1"], StateIdle)
	}

	clock.Advance(10 * time.Second)
	beat(t, cacheDir, "w1", clock.Now())
	if states := tick(t, sup); states["w1"] != StateRunning {
		t.Fatalf("after heartbeat, state = %s, want %s", states["w1"], StateRunning)
	}
}

func TestTick_ContinuesPastFailingWorker(t *testing.T) {
	sup, _, clock, _, _, cacheDir := supervisorFixture(t)
	register(t, sup, clock, "w-bad")
	register(t, sup, clock, "w-ok")

	// w-bad registered first, so its failure is hit before w-ok is stepped.
	hbDir := filepath.Join(cacheDir, WorkersDir, HeartbeatsDir)
	if err := os.MkdirAll(hbDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(hbDir, "w-bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	clock.Advance(10 * time.Second)
	beat(t, cacheDir, "w-ok", clock.Now())

	states, err := sup.Tick(context.Background())
	if err == nil {
		t.Fatal("tick with a corrupt heartbeat reported no error")
	}
	if states["w-ok"] != StateRunning {
		t.Errorf("w-ok state = %s, want %s", states["w-ok"], StateRunning)
	}

	// The transition that did happen must have been persisted.
	reg, err := LoadRegistry(cacheDir)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	saved := reg.Get("w-ok")
	if saved == nil {
		t.Fatal("w-ok missing from saved registry")
	}
	if saved.State != StateRunning {
		t.Errorf("persisted w-ok state = %s, want %s", saved.State, StateRunning)
	}
}

func TestTick_CompletedHeartbeatIsTerminal(t *testing.T) {
	sup, _, clock, _, _, cacheDir := supervisorFixture(t)
	register(t, sup, clock, "w1")

	beat(t, cacheDir, "w1", clock.Now().Add(time.Second))
	tick(t, sup)

	clock.Advance(time.Minute)
	if err := WriteHeartbeat(cacheDir, &Heartbeat{
		WorkerID:  "w1",
		Timestamp: clock.Now(),
		Status:    StatusCompleted,
	}); err != nil {
		t.Fatal(err)
	}
	if states := tick(t, sup); states["w1"] != StateCompleted {
		t.Fatalf("state = %s, want %s", states["w1"], StateCompleted)
	}

	// Terminal: silence no longer matters.
	clock.Advance(time.Hour)
	if states := tick(t, sup); states["w1"] != StateCompleted {
		t.Fatalf("completed worker moved to %s", states["w1"])
	}
}

func TestTick_StallCheckpointsAndResumes(t *testing.T) {
	sup, db, clock, _, recordDir, cacheDir := supervisorFixture(t)
	register(t, sup, clock, "w1")

	beat(t, cacheDir, "w1", clock.Now())
	tick(t, sup)

	// Silence past the stall timeout.
	clock.Advance(3 * time.Minute)
	states := tick(t, sup)
	if states["w1"] != StateResuming {
		t.Fatalf("after stall, state = %s, want %s", states["w1"], StateResuming)
	}

	cp, err := LoadPortable(recordDir, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if cp == nil {
		t.Fatal("no portable checkpoint written on stall")
	}
	if cp.Seq != 1 || cp.Resumable.TaskID != "T-1" {
		t.Fatalf("checkpoint = %+v", cp)
	}

	directive, err := os.ReadFile(filepath.Join(cacheDir, WorkersDir, ResumeDir, "w1.md"))
	if err != nil {
		t.Fatalf("resume directive: %v", err)
	}
	if len(directive) == 0 {
		t.Fatal("empty resume directive")
	}

	evs, err := db.Events("proj-test", 0)
	if err != nil {
		t.Fatal(err)
	}
	var sawStall, sawCheckpoint, sawResume bool
	for _, ev := range evs {
		switch ev.Kind {
		case cache.EventWorkerStall:
			sawStall = true
		case cache.EventWorkerCheckpoint:
			sawCheckpoint = true
		case cache.EventWorkerResume:
			sawResume = true
		}
	}
	if !sawStall || !sawCheckpoint || !sawResume {
		t.Fatalf("event log missing lifecycle entries: stall=%v checkpoint=%v resume=%v",
			sawStall, sawCheckpoint, sawResume)
	}
}

func TestTick_ResumeHeartbeatClearsRetryStreak(t *testing.T) {
	sup, _, clock, _, _, cacheDir := supervisorFixture(t)
	register(t, sup, clock, "w1")

	beat(t, cacheDir, "w1", clock.Now())
	tick(t, sup)

	clock.Advance(3 * time.Minute)
	tick(t, sup) // stalled -> resuming

	// One resume attempt times out, so the streak is at 1.
	clock.Advance(3 * time.Minute)
	tick(t, sup)

	// Then the worker comes back.
	clock.Advance(30 * time.Second)
	beat(t, cacheDir, "w1", clock.Now())
	if states := tick(t, sup); states["w1"] != StateRunning {
		t.Fatalf("after resume heartbeat, state = %s, want %s", states["w1"], StateRunning)
	}

	reg, err := LoadRegistry(sup.cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	if got := reg.Get("w1").RetryCount; got != 0 {
		t.Fatalf("retry count = %d after successful resume, want 0", got)
	}
}

func TestTick_EscalatesAfterRetryCeiling(t *testing.T) {
	sup, _, clock, notify, _, cacheDir := supervisorFixture(t)
	register(t, sup, clock, "w1")

	beat(t, cacheDir, "w1", clock.Now())
	tick(t, sup)

	// Initial stall puts the worker into RESUMING.
	clock.Advance(3 * time.Minute)
	if states := tick(t, sup); states["w1"] != StateResuming {
		t.Fatalf("state = %s, want %s", states["w1"], StateResuming)
	}

	// Two resume timeouts re-checkpoint and retry.
	for i := 0; i < 2; i++ {
		clock.Advance(3 * time.Minute)
		if states := tick(t, sup); states["w1"] != StateResuming {
			t.Fatalf("attempt %d: state = %s, want %s", i+2, states["w1"], StateResuming)
		}
	}

	// Third timeout hits the ceiling.
	clock.Advance(3 * time.Minute)
	if states := tick(t, sup); states["w1"] != StateEscalated {
		t.Fatalf("state = %s, want %s", states["w1"], StateEscalated)
	}

	if len(notify.escalations) != 1 {
		t.Fatalf("escalation notifications = %d, want 1", len(notify.escalations))
	}
	if e := notify.escalations[0]; e.workerID != "w1" || e.retryCount != 3 {
		t.Fatalf("escalation = %+v", e)
	}

	// Escalated is terminal: more time passing changes nothing.
	before := mustRegistryEntry(t, sup.cacheDir, "w1").CheckpointSeq
	clock.Advance(time.Hour)
	if states := tick(t, sup); states["w1"] != StateEscalated {
		t.Fatalf("escalated worker moved to %s", states["w1"])
	}
	after := mustRegistryEntry(t, sup.cacheDir, "w1").CheckpointSeq
	if after != before {
		t.Fatalf("checkpoint seq advanced on escalated worker: %d -> %d", before, after)
	}
}

func TestResume_WorksWithoutDetailedCheckpoint(t *testing.T) {
	sup, _, clock, _, _, cacheDir := supervisorFixture(t)
	register(t, sup, clock, "w1")

	beat(t, cacheDir, "w1", clock.Now())
	tick(t, sup)

	clock.Advance(3 * time.Minute)
	tick(t, sup)

	// Simulate a machine change: the local detailed tier is gone.
	if err := os.RemoveAll(filepath.Join(cacheDir, WorkersDir, DetailedDir)); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(cacheDir, WorkersDir, ResumeDir, "w1.md")); err != nil {
		t.Fatal(err)
	}

	// The next resume attempt regenerates the directive from the portable
	// checkpoint alone.
	clock.Advance(3 * time.Minute)
	if states := tick(t, sup); states["w1"] != StateResuming {
		t.Fatalf("state = %s, want %s", states["w1"], StateResuming)
	}
	directive, err := os.ReadFile(filepath.Join(cacheDir, WorkersDir, ResumeDir, "w1.md"))
	if err != nil {
		t.Fatalf("resume directive after cache loss: %v", err)
	}
	if len(directive) == 0 {
		t.Fatal("empty resume directive")
	}
}

func TestPauseAndRestart(t *testing.T) {
	sup, _, clock, _, _, cacheDir := supervisorFixture(t)
	register(t, sup, clock, "w1")
	beat(t, cacheDir, "w1", clock.Now())
	tick(t, sup)

	if err := sup.Pause("w1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// Paused workers are not stall-checked.
	clock.Advance(time.Hour)
	if states := tick(t, sup); states["w1"] != StatePaused {
		t.Fatalf("paused worker moved to %s", states["w1"])
	}

	if err := sup.Restart("w1"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := mustRegistryEntry(t, sup.cacheDir, "w1").State; got != StateIdle {
		t.Fatalf("after restart, state = %s, want %s", got, StateIdle)
	}
}

func TestCheckpointActive_SkipsTerminal(t *testing.T) {
	sup, _, clock, _, recordDir, cacheDir := supervisorFixture(t)
	register(t, sup, clock, "w1")
	register(t, sup, clock, "w2")

	beat(t, cacheDir, "w1", clock.Now())
	if err := WriteHeartbeat(cacheDir, &Heartbeat{
		WorkerID:  "w2",
		Timestamp: clock.Now(),
		Status:    StatusCompleted,
	}); err != nil {
		t.Fatal(err)
	}
	tick(t, sup)

	n, err := sup.CheckpointActive("force sync")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("checkpointed %d workers, want 1", n)
	}
	if cp, _ := LoadPortable(recordDir, "w1"); cp == nil {
		t.Fatal("active worker not checkpointed")
	}
	if cp, _ := LoadPortable(recordDir, "w2"); cp != nil {
		t.Fatal("completed worker was checkpointed")
	}
}

func mustRegistryEntry(t *testing.T, cacheDir, id string) *Entry {
	t.Helper()
	reg, err := LoadRegistry(cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	e := reg.Get(id)
	if e == nil {
		t.Fatalf("worker %s missing from registry", id)
	}
	return e
}

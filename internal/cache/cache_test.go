package cache

import (
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), DBFile))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_CreatesSchema(t *testing.T) {
	db := testDB(t)
	if err := db.Check(); err != nil {
		t.Fatalf("Check() on fresh db failed: %v", err)
	}
}

func TestReplaceRows_FullSwap(t *testing.T) {
	db := testDB(t)

	first := []Row{
		{Kind: "task", ID: "T-001", Status: "backlog", Title: "a", Payload: "{}"},
		{Kind: "task", ID: "T-002", Status: "backlog", Title: "b", Payload: "{}"},
	}
	if err := db.ReplaceRows(first, "f1"); err != nil {
		t.Fatalf("ReplaceRows() failed: %v", err)
	}

	// Second rebuild drops T-002: deleted records must not survive.
	second := []Row{
		{Kind: "task", ID: "T-001", Status: "in_progress", Title: "a", Payload: "{}"},
	}
	if err := db.ReplaceRows(second, "f2"); err != nil {
		t.Fatalf("ReplaceRows() failed: %v", err)
	}

	rows, err := db.Rows("task")
	if err != nil {
		t.Fatalf("Rows() failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "T-001" || rows[0].Status != "in_progress" {
		t.Errorf("rows after rebuild = %+v, want single T-001 in_progress", rows)
	}

	hash, err := db.GetSnapshot(SnapCanonicalHash)
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}
	if hash != "f2" {
		t.Errorf("canonical_hash = %q, want f2", hash)
	}
}

func TestCountByStatus(t *testing.T) {
	db := testDB(t)
	rows := []Row{
		{Kind: "task", ID: "T-001", Status: "in_progress", Payload: "{}"},
		{Kind: "task", ID: "T-002", Status: "backlog", Payload: "{}"},
		{Kind: "task", ID: "T-003", Status: "backlog", Payload: "{}"},
		{Kind: "approval", ID: "A-001", Status: "pending", Payload: "{}"},
	}
	if err := db.ReplaceRows(rows, "f"); err != nil {
		t.Fatalf("ReplaceRows() failed: %v", err)
	}

	counts, err := db.CountByStatus("task")
	if err != nil {
		t.Fatalf("CountByStatus() failed: %v", err)
	}
	if counts["backlog"] != 2 || counts["in_progress"] != 1 {
		t.Errorf("counts = %v, want {backlog:2 in_progress:1}", counts)
	}
	if len(counts) != 2 {
		t.Errorf("counts has %d statuses, want 2 (approval rows must not leak in)", len(counts))
	}

	byKind, err := db.CountByKind()
	if err != nil {
		t.Fatalf("CountByKind() failed: %v", err)
	}
	if byKind["task"] != 3 || byKind["approval"] != 1 {
		t.Errorf("byKind = %v", byKind)
	}
}

func TestAppendEvent_MonotonicSeq(t *testing.T) {
	db := testDB(t)

	e1, err := db.AppendEvent("p1", EventInit, nil)
	if err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}
	e2, err := db.AppendEvent("p1", EventTaskTransition, map[string]interface{}{"task": "T-001"})
	if err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}

	if e1.Seq != 1 || e2.Seq != 2 {
		t.Errorf("seqs = %d, %d; want 1, 2", e1.Seq, e2.Seq)
	}

	// Sequences are per-project.
	e3, err := db.AppendEvent("p2", EventInit, nil)
	if err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}
	if e3.Seq != 1 {
		t.Errorf("p2 first seq = %d, want 1", e3.Seq)
	}
}

func TestInsertEventIfAbsent_Dedupes(t *testing.T) {
	db := testDB(t)

	ev := &Event{
		ProjectID: "p1",
		Seq:       7,
		Timestamp: time.Now().UTC(),
		Kind:      EventImport,
		Payload:   map[string]interface{}{"source": "pack"},
	}

	inserted, err := db.InsertEventIfAbsent(ev)
	if err != nil {
		t.Fatalf("InsertEventIfAbsent() failed: %v", err)
	}
	if !inserted {
		t.Error("first insert reported duplicate")
	}

	inserted, err = db.InsertEventIfAbsent(ev)
	if err != nil {
		t.Fatalf("InsertEventIfAbsent() failed: %v", err)
	}
	if inserted {
		t.Error("second insert of same (project_id, seq) was not deduplicated")
	}

	n, err := db.EventCount("p1")
	if err != nil {
		t.Fatalf("EventCount() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("event count = %d, want 1", n)
	}
}

func TestInsertEventsIfAbsent_AllOrNothing(t *testing.T) {
	db := testDB(t)

	now := time.Now().UTC()
	batch := []Event{
		{ProjectID: "p1", Seq: 1, Timestamp: now, Kind: EventInit},
		{ProjectID: "p1", Seq: 2, Timestamp: now, Kind: EventCommandRun,
			Payload: map[string]interface{}{"bad": make(chan int)}},
		{ProjectID: "p1", Seq: 3, Timestamp: now, Kind: EventCommandRun},
	}

	if _, _, err := db.InsertEventsIfAbsent(batch); err == nil {
		t.Fatal("batch with unserializable payload did not fail")
	}

	// The failure hit mid-batch; no prefix may survive.
	n, err := db.EventCount("p1")
	if err != nil {
		t.Fatalf("EventCount() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("event count after failed batch = %d, want 0", n)
	}

	good := []Event{batch[0], batch[2]}
	inserted, skipped, err := db.InsertEventsIfAbsent(good)
	if err != nil {
		t.Fatalf("InsertEventsIfAbsent() failed: %v", err)
	}
	if inserted != 2 || skipped != 0 {
		t.Errorf("inserted/skipped = %d/%d, want 2/0", inserted, skipped)
	}

	// Same batch again is a no-op.
	inserted, skipped, err = db.InsertEventsIfAbsent(good)
	if err != nil {
		t.Fatalf("InsertEventsIfAbsent() failed: %v", err)
	}
	if inserted != 0 || skipped != 2 {
		t.Errorf("inserted/skipped on replay = %d/%d, want 0/2", inserted, skipped)
	}
}

func TestEvents_AfterFilter(t *testing.T) {
	db := testDB(t)
	for i := 0; i < 5; i++ {
		if _, err := db.AppendEvent("p1", EventCommandRun, nil); err != nil {
			t.Fatalf("AppendEvent() failed: %v", err)
		}
	}

	evs, err := db.Events("p1", 3)
	if err != nil {
		t.Fatalf("Events() failed: %v", err)
	}
	if len(evs) != 2 || evs[0].Seq != 4 || evs[1].Seq != 5 {
		t.Errorf("Events(after=3) = %+v, want seqs 4,5", evs)
	}
}

func TestPurgeEvents_ByAgeOnly(t *testing.T) {
	db := testDB(t)

	old := &Event{ProjectID: "p1", Seq: 1, Timestamp: time.Now().Add(-48 * time.Hour), Kind: EventInit}
	recent := &Event{ProjectID: "p1", Seq: 2, Timestamp: time.Now(), Kind: EventCommandRun}
	for _, ev := range []*Event{old, recent} {
		if _, err := db.InsertEventIfAbsent(ev); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	removed, err := db.PurgeEvents(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PurgeEvents() failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("purged %d events, want 1", removed)
	}

	evs, err := db.Events("p1", 0)
	if err != nil {
		t.Fatalf("Events() failed: %v", err)
	}
	if len(evs) != 1 || evs[0].Seq != 2 {
		t.Errorf("surviving events = %+v, want only seq 2", evs)
	}
}

func TestPurgeEvents_SameSecondBoundary(t *testing.T) {
	db := testDB(t)

	// 500ms newer than the cutoff, inside the same second. RFC3339Nano
	// drops trailing zeros, which made "...05.5Z" sort before "...05Z";
	// the fixed-width ts column must keep this event.
	cutoff := time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)
	ev := &Event{ProjectID: "p1", Seq: 1, Timestamp: cutoff.Add(500 * time.Millisecond), Kind: EventCommandRun}
	if _, err := db.InsertEventIfAbsent(ev); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	removed, err := db.PurgeEvents(cutoff)
	if err != nil {
		t.Fatalf("PurgeEvents() failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("purged %d events, want 0", removed)
	}

	evs, err := db.Events("p1", 0)
	if err != nil {
		t.Fatalf("Events() failed: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("event at cutoff+500ms was deleted")
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	db := testDB(t)

	v, err := db.GetSnapshot("missing")
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}
	if v != "" {
		t.Errorf("missing key = %q, want empty", v)
	}

	if err := db.SetSnapshot(SnapCanonicalHash, "abc"); err != nil {
		t.Fatalf("SetSnapshot() failed: %v", err)
	}
	if err := db.SetSnapshot(SnapCanonicalHash, "def"); err != nil {
		t.Fatalf("SetSnapshot() overwrite failed: %v", err)
	}

	v, err = db.GetSnapshot(SnapCanonicalHash)
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}
	if v != "def" {
		t.Errorf("value = %q, want def", v)
	}
}

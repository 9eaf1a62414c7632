package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// tsFormat is the storage layout of the ts column. Unlike RFC3339Nano it
// keeps trailing zeros in the fractional second, so the column is fixed
// width and lexical SQL comparison matches chronological order.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// EventKind is the type tag of an event log entry.
type EventKind string

const (
	EventInit             EventKind = "init"
	EventCommandRun       EventKind = "command_run"
	EventTaskTransition   EventKind = "task_transition"
	EventApproval         EventKind = "approval"
	EventImport           EventKind = "import"
	EventExport           EventKind = "export"
	EventWorkerCheckpoint EventKind = "worker_checkpoint"
	EventWorkerStall      EventKind = "worker_stall"
	EventWorkerResume     EventKind = "worker_resume"
)

// Event is one immutable entry in the append-only event log. Events are
// written once and never updated; the only deletion path is PurgeEvents'
// by-age policy. Seq is strictly increasing per project.
type Event struct {
	ProjectID string                 `json:"project_id"`
	Seq       int64                  `json:"seq"`
	Timestamp time.Time              `json:"ts"`
	Kind      EventKind              `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// AppendEvent appends a new event for projectID, assigning the next
// sequence number. Single-writer assumption: concurrent appenders are not
// supported, so max(seq)+1 inside a transaction is sufficient.
func (db *DB) AppendEvent(projectID string, kind EventKind, payload map[string]interface{}) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if payload == nil {
		body = []byte("{}")
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin event append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE project_id = ?`, projectID,
	).Scan(&next); err != nil {
		return nil, fmt.Errorf("failed to allocate sequence number: %w", err)
	}

	ev := &Event{
		ProjectID: projectID,
		Seq:       next,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Payload:   payload,
	}

	if _, err := tx.Exec(
		`INSERT INTO events (project_id, seq, ts, kind, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.ProjectID, ev.Seq, ev.Timestamp.Format(tsFormat), string(ev.Kind), string(body),
	); err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event: %w", err)
	}
	return ev, nil
}

func eventBody(ev *Event) ([]byte, error) {
	if ev.Payload == nil {
		return []byte("{}"), nil
	}
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return body, nil
}

// InsertEventIfAbsent inserts an event preserving its original
// (project_id, seq) identity. Returns true if the event was new, false if
// an event with the same identity already existed.
func (db *DB) InsertEventIfAbsent(ev *Event) (bool, error) {
	body, err := eventBody(ev)
	if err != nil {
		return false, err
	}

	res, err := db.conn.Exec(
		`INSERT OR IGNORE INTO events (project_id, seq, ts, kind, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.ProjectID, ev.Seq, ev.Timestamp.UTC().Format(tsFormat), string(ev.Kind), string(body),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event %s/%d: %w", ev.ProjectID, ev.Seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n > 0, nil
}

// InsertEventsIfAbsent inserts a batch of events in one transaction,
// preserving original (project_id, seq) identities and deduplicating
// against rows already present. Either the whole batch lands or none of
// it does; re-inserting the same batch is a no-op. This is the pack
// import path.
func (db *DB) InsertEventsIfAbsent(evs []Event) (inserted, skipped int, err error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin event batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range evs {
		ev := &evs[i]
		body, err := eventBody(ev)
		if err != nil {
			return 0, 0, err
		}
		res, err := tx.Exec(
			`INSERT OR IGNORE INTO events (project_id, seq, ts, kind, payload) VALUES (?, ?, ?, ?, ?)`,
			ev.ProjectID, ev.Seq, ev.Timestamp.UTC().Format(tsFormat), string(ev.Kind), string(body),
		)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to insert event %s/%d: %w", ev.ProjectID, ev.Seq, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read insert result: %w", err)
		}
		if n > 0 {
			inserted++
		} else {
			skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit event batch: %w", err)
	}
	return inserted, skipped, nil
}

// Events returns all events for a project with seq > after, in sequence
// order. Pass after=0 for the full log.
func (db *DB) Events(projectID string, after int64) ([]Event, error) {
	rows, err := db.conn.Query(`
		SELECT project_id, seq, ts, kind, payload
		FROM events WHERE project_id = ? AND seq > ? ORDER BY seq`, projectID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var ts, kind, payload string
		if err := rows.Scan(&ev.ProjectID, &ev.Seq, &ts, &kind, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = EventKind(kind)
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("bad event timestamp %q: %w", ts, err)
		}
		ev.Timestamp = t
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("bad event payload at seq %d: %w", ev.Seq, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventCount returns the number of events stored for a project.
func (db *DB) EventCount(projectID string) (int64, error) {
	var n int64
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM events WHERE project_id = ?`, projectID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// PurgeEvents deletes events older than cutoff across all projects and
// returns the number removed. This is the sole deletion path for the
// event log.
func (db *DB) PurgeEvents(cutoff time.Time) (int64, error) {
	res, err := db.conn.Exec(
		`DELETE FROM events WHERE ts < ?`, cutoff.UTC().Format(tsFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}
	return n, nil
}

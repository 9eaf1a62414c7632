package cache

import (
	"database/sql"
	"fmt"
	"time"
)

// Row is the derived projection of exactly one record plus indexing
// metadata. Rows are created and destroyed solely by the reconciler.
type Row struct {
	Kind      string
	ID        string
	Status    string
	Title     string
	Payload   string // record serialized as JSON
	UpdatedAt time.Time
}

// ReplaceRows swaps the entire records table for the given row set in one
// transaction. This is the only write path into row content: full drop,
// full re-insert, then fingerprint bookkeeping. Partial updates do not
// exist. On any error the transaction rolls back and the prior rows
// survive untouched.
func (db *DB) ReplaceRows(rows []Row, fingerprint string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin rebuild transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM records"); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO records (kind, id, status, title, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare row insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		var updated string
		if !r.UpdatedAt.IsZero() {
			updated = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
		}
		if _, err := stmt.Exec(r.Kind, r.ID, r.Status, r.Title, r.Payload, updated); err != nil {
			return fmt.Errorf("failed to insert row %s/%s: %w", r.Kind, r.ID, err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(
		`INSERT INTO snapshot (key, value) VALUES ('canonical_hash', ?), ('last_reconciled_at', ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		fingerprint, now,
	); err != nil {
		return fmt.Errorf("failed to store fingerprint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}
	return nil
}

// Rows returns all rows of a kind, ordered by id for determinism.
func (db *DB) Rows(kind string) ([]Row, error) {
	rows, err := db.conn.Query(`
		SELECT kind, id, status, title, payload, updated_at
		FROM records WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// AllRows returns every row, ordered by (kind, id).
func (db *DB) AllRows() ([]Row, error) {
	rows, err := db.conn.Query(`
		SELECT kind, id, status, title, payload, updated_at
		FROM records ORDER BY kind, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// CountByStatus groups rows of a kind by status.
func (db *DB) CountByStatus(kind string) (map[string]int, error) {
	rows, err := db.conn.Query(`
		SELECT status, COUNT(*) FROM records WHERE kind = ? GROUP BY status`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountByKind groups all rows by record kind.
func (db *DB) CountByKind() (map[string]int, error) {
	rows, err := db.conn.Query(`SELECT kind, COUNT(*) FROM records GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by kind: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		var updated string
		if err := rows.Scan(&r.Kind, &r.ID, &r.Status, &r.Title, &r.Payload, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if updated != "" {
			t, err := time.Parse(time.RFC3339Nano, updated)
			if err != nil {
				return nil, fmt.Errorf("bad updated_at %q: %w", updated, err)
			}
			r.UpdatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

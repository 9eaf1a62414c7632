package cache

import (
	"database/sql"
	"errors"
	"fmt"
)

// Snapshot key names used by the core. canonical_hash holds the fingerprint
// of the record store the rows were last derived from.
const (
	SnapCanonicalHash    = "canonical_hash"
	SnapLastReconciledAt = "last_reconciled_at"
	SnapDerivedSummary   = "derived_summary"
)

// GetSnapshot returns the snapshot value for key, or "" if unset.
func (db *DB) GetSnapshot(key string) (string, error) {
	var value string
	err := db.conn.QueryRow(`SELECT value FROM snapshot WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read snapshot %s: %w", key, err)
	}
	return value, nil
}

// SetSnapshot upserts a snapshot key/value pair.
func (db *DB) SetSnapshot(key, value string) error {
	_, err := db.conn.Exec(
		`INSERT INTO snapshot (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", key, err)
	}
	return nil
}

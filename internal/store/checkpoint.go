package store

import (
	"database/sql"
	"errors"
	"time"
)

// PutCheckpoint updates a sync checkpoint value.
func (db *DB) PutCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCheckpoint retrieves a sync checkpoint value. ok is false when the key
// has never been written.
func (db *DB) GetCheckpoint(key string) (value string, ok bool, err error) {
	err = db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// ClearCheckpoints removes every checkpoint.
func (db *DB) ClearCheckpoints() error {
	_, err := db.Exec(`DELETE FROM sync_state`)
	return err
}

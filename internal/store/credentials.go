package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNoCredentials is returned when no session has been stored.
var ErrNoCredentials = errors.New("no stored credentials")

// Credentials is the persisted login of the profile. User holds the
// backend's view of the account as opaque JSON.
type Credentials struct {
	Token     string
	ViewerID  string
	User      string
	UpdatedAt int64
}

// SaveCredentials replaces the stored credentials.
func (db *DB) SaveCredentials(c Credentials) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO credentials (id, token, viewer_id, user_json, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			viewer_id = excluded.viewer_id,
			user_json = excluded.user_json,
			updated_at = excluded.updated_at`,
		c.Token, c.ViewerID, c.User, now)
	return err
}

// LoadCredentials returns the stored credentials or ErrNoCredentials.
func (db *DB) LoadCredentials() (*Credentials, error) {
	var c Credentials
	err := db.QueryRow(`SELECT token, viewer_id, user_json, updated_at FROM credentials WHERE id = 1`).
		Scan(&c.Token, &c.ViewerID, &c.User, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ClearCredentials forgets the stored login.
func (db *DB) ClearCredentials() error {
	_, err := db.Exec(`DELETE FROM credentials`)
	return err
}

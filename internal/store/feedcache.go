package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/feedsync/internal/feed"
)

// SaveFeed replaces the cached snapshot for scope. Unconfirmed items are
// never cached.
func (db *DB) SaveFeed(scope string, items []feed.Item) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM feed_cache WHERE scope = ?`, scope); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO feed_cache (scope, item_id, position, payload, cached_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	pos := 0
	for _, it := range items {
		if it.Pending {
			continue
		}
		payload, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("encode %s: %w", it.ID, err)
		}
		if _, err := stmt.Exec(scope, it.ID, pos, string(payload), now); err != nil {
			return err
		}
		pos++
	}
	return tx.Commit()
}

// LoadFeed returns the cached snapshot for scope in its saved order.
func (db *DB) LoadFeed(scope string) ([]feed.Item, error) {
	rows, err := db.Query(`SELECT payload FROM feed_cache WHERE scope = ? ORDER BY position`, scope)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []feed.Item
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var it feed.Item
		if err := json.Unmarshal([]byte(payload), &it); err != nil {
			return nil, fmt.Errorf("decode cached item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ClearFeeds drops every cached snapshot.
func (db *DB) ClearFeeds() error {
	_, err := db.Exec(`DELETE FROM feed_cache`)
	return err
}

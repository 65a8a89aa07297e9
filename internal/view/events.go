package view

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/feedsync/internal/feed"
)

// itemRef is the minimal payload every push event carries.
type itemRef struct {
	ID string `json:"id"`
}

// changedFields is the payload of item-updated, reaction-changed and
// comment-count-changed. Absent fields stay nil and are left untouched.
type changedFields struct {
	ID            string             `json:"id"`
	Body          *string            `json:"body"`
	Visibility    *string            `json:"visibility"`
	Attachments   *[]feed.Attachment `json:"attachments"`
	ReactionCount *int               `json:"reaction_count"`
	ViewerReacted *bool              `json:"viewer_reacted"`
	CommentCount  *int               `json:"comment_count"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Version       int64              `json:"version"`
}

func decodeItem(data json.RawMessage) (feed.Item, error) {
	var it feed.Item
	if err := json.Unmarshal(data, &it); err != nil {
		return feed.Item{}, fmt.Errorf("decode item: %w", err)
	}
	if it.ID == "" {
		return feed.Item{}, fmt.Errorf("decode item: missing id")
	}
	return it, nil
}

func decodeRef(data json.RawMessage) (string, error) {
	var ref itemRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return "", fmt.Errorf("decode ref: %w", err)
	}
	if ref.ID == "" {
		return "", fmt.Errorf("decode ref: missing id")
	}
	return ref.ID, nil
}

// decodePatch keeps only the fields the event kind is allowed to change.
func decodePatch(data json.RawMessage, content, counters bool) (feed.Patch, error) {
	var c changedFields
	if err := json.Unmarshal(data, &c); err != nil {
		return feed.Patch{}, fmt.Errorf("decode patch: %w", err)
	}
	if c.ID == "" {
		return feed.Patch{}, fmt.Errorf("decode patch: missing id")
	}
	p := feed.Patch{ID: c.ID, UpdatedAt: c.UpdatedAt, Version: c.Version}
	if content {
		p.Body = c.Body
		p.Attachments = c.Attachments
		if c.Visibility != nil {
			vis, err := feed.ParseVisibility(*c.Visibility)
			if err != nil {
				return feed.Patch{}, err
			}
			p.Visibility = &vis
		}
	}
	if counters {
		p.ReactionCount = c.ReactionCount
		p.ViewerReacted = c.ViewerReacted
		p.CommentCount = c.CommentCount
	}
	return p, nil
}

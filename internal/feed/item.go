// Package feed holds the ordered, deduplicated view of content items that a
// viewer sees, and the merge rules that keep it consistent while paged
// fetches, push events and optimistic mutations race each other.
package feed

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Visibility is the audience scope of an item.
type Visibility string

const (
	Public  Visibility = "PUBLIC"
	Friends Visibility = "FRIENDS"
	Private Visibility = "PRIVATE"
)

// ParseVisibility accepts the wire spelling in any case. Empty means PUBLIC.
func ParseVisibility(s string) (Visibility, error) {
	switch v := Visibility(strings.ToUpper(strings.TrimSpace(s))); v {
	case "":
		return Public, nil
	case Public, Friends, Private:
		return v, nil
	default:
		return "", fmt.Errorf("unknown visibility %q", s)
	}
}

// Attachment is a media reference carried by an item.
type Attachment struct {
	URL  string `json:"url"`
	Kind string `json:"kind,omitempty"`
}

// Item is one feed-visible post.
type Item struct {
	ID            string       `json:"id"`
	AuthorID      string       `json:"author_id"`
	AuthorName    string       `json:"author_name,omitempty"`
	Body          string       `json:"body"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at,omitzero"`
	Version       int64        `json:"version,omitempty"`
	ReactionCount int          `json:"reaction_count"`
	ViewerReacted bool         `json:"viewer_reacted"`
	CommentCount  int          `json:"comment_count"`
	Visibility    Visibility   `json:"visibility"`
	// ClientToken is generated by the client on create and echoed by the
	// server, so a confirmation arriving over either path finds the
	// temporary entry it replaces.
	ClientToken string `json:"client_token,omitempty"`
	// Pending marks an optimistic create that has no server identity yet.
	Pending bool `json:"-"`
}

// ReactionState is the viewer's reaction flag together with the aggregate count.
type ReactionState struct {
	Count   int  `json:"reaction_count"`
	Reacted bool `json:"viewer_reacted"`
}

// Reaction returns the item's reaction state.
func (it Item) Reaction() ReactionState {
	return ReactionState{Count: it.ReactionCount, Reacted: it.ViewerReacted}
}

// SetReaction writes count and flag together.
func (it *Item) SetReaction(rs ReactionState) {
	it.ReactionCount = rs.Count
	it.ViewerReacted = rs.Reacted
}

// Clone returns a deep copy.
func (it Item) Clone() Item {
	it.Attachments = slices.Clone(it.Attachments)
	return it
}

// LastWrite is the timestamp used for last-writer-wins. Items that were
// never edited fall back to their creation time.
func (it Item) LastWrite() time.Time {
	if it.UpdatedAt.IsZero() {
		return it.CreatedAt
	}
	return it.UpdatedAt
}

// Comment belongs to exactly one item. Comments are fetched lazily and are
// never resident in the Store; the item owns only the count.
type Comment struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"post_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Page is one paged fetch result, normalized at the gateway boundary.
type Page struct {
	Items      []Item `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// mark is a write marker compared by the staleness rule.
type mark struct {
	version int64
	at      time.Time
}

func markOf(it Item) mark {
	return mark{version: it.Version, at: it.LastWrite()}
}

// olderThan reports whether m is strictly older than other. Versions win
// when both sides carry one; otherwise timestamps decide. Equal marks are
// not older, which keeps re-delivery of the same event idempotent.
func (m mark) olderThan(other mark) bool {
	if m.version > 0 && other.version > 0 {
		return m.version < other.version
	}
	if m.at.IsZero() || other.at.IsZero() {
		return false
	}
	return m.at.Before(other.at)
}

// sortsBefore is the feed ordering for confirmed items: newest first, ties
// broken by id so the order is total.
func sortsBefore(a, b Item) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// Draft is the payload of a new post before the server has seen it.
type Draft struct {
	Body        string       `json:"body"`
	Visibility  Visibility   `json:"visibility"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ClientToken string       `json:"client_token,omitempty"`
}

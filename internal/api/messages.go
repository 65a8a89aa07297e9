package api

import (
	"time"

	"github.com/matheus3301/feedsync/internal/feed"
)

type StatusRequest struct{}

type StatusReply struct {
	Profile      string `json:"profile"`
	Connection   string `json:"connection"`
	Attempts     uint64 `json:"attempts"`
	GaveUp       bool   `json:"gave_up"`
	LoggedIn     bool   `json:"logged_in"`
	ViewerID     string `json:"viewer_id,omitempty"`
	ViewerName   string `json:"viewer_name,omitempty"`
	Items        int    `json:"items"`
	InFlight     int    `json:"in_flight"`
	HasMore      bool   `json:"has_more"`
	StaleDropped int64  `json:"stale_dropped"`
	BusDropped   int64  `json:"bus_dropped"`
	UptimeMs     int64  `json:"uptime_ms"`
}

type LoginRequest struct {
	Token string `json:"token"`
}

type LoginReply struct {
	ViewerID string `json:"viewer_id"`
	Name     string `json:"name,omitempty"`
}

type LogoutRequest struct{}

type LogoutReply struct{}

type FeedRequest struct{}

// ItemView is an item as shown to clients, with the pending flag exposed.
type ItemView struct {
	feed.Item
	Pending bool `json:"pending"`
}

func viewOf(it feed.Item) ItemView {
	return ItemView{Item: it, Pending: it.Pending}
}

type FeedReply struct {
	Scope      string     `json:"scope"`
	Items      []ItemView `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
	HasMore    bool       `json:"has_more"`
	// Fetched is how many items the remote page carried; zero for GetFeed.
	Fetched int `json:"fetched"`
}

// ItemRequest targets one item. With Wait set the call returns only once
// the mutation is confirmed or rolled back.
type ItemRequest struct {
	ID   string `json:"id"`
	Wait bool   `json:"wait,omitempty"`
}

type EditRequest struct {
	ID         string `json:"id"`
	Body       string `json:"body"`
	Visibility string `json:"visibility,omitempty"`
	Wait       bool   `json:"wait,omitempty"`
}

type CreateRequest struct {
	Body        string            `json:"body"`
	Visibility  string            `json:"visibility,omitempty"`
	Attachments []feed.Attachment `json:"attachments,omitempty"`
	ClientToken string            `json:"client_token,omitempty"`
	Wait        bool              `json:"wait,omitempty"`
}

// MutationReply reports the mutation token and the item as it stands:
// optimistic unless Resolved.
type MutationReply struct {
	Token    string    `json:"token"`
	Kind     string    `json:"kind"`
	ItemID   string    `json:"item_id"`
	Resolved bool      `json:"resolved"`
	Item     *ItemView `json:"item,omitempty"`
}

type CommentsRequest struct {
	ID     string `json:"id"`
	Cursor string `json:"cursor,omitempty"`
}

type CommentsReply struct {
	Comments   []feed.Comment `json:"comments"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type WatchRequest struct{}

// FeedEvent is one bus event forwarded to watchers. Only the fields that
// belong to Kind are set.
type FeedEvent struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`

	Scope  string   `json:"scope,omitempty"`
	Reason string   `json:"reason,omitempty"`
	IDs    []string `json:"ids,omitempty"`

	Connection string `json:"connection,omitempty"`
	Attempts   uint64 `json:"attempts,omitempty"`
	GaveUp     bool   `json:"gave_up,omitempty"`

	Token    string `json:"token,omitempty"`
	Mutation string `json:"mutation,omitempty"`
	ItemID   string `json:"item_id,omitempty"`
	Error    string `json:"error,omitempty"`

	ViewerID string `json:"viewer_id,omitempty"`
}

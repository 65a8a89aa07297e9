package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/matheus3301/feedsync/internal/feed"
)

// envelope is the wire shape of every REST response.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// decode turns a raw HTTP response into either a rejection or the data
// payload. It is the only place that looks at the envelope; a missing
// success flag falls back to the HTTP status.
func decode(op string, status int, body []byte) (json.RawMessage, error) {
	var env envelope
	parseErr := json.Unmarshal(body, &env)

	ok := status >= http.StatusOK && status < http.StatusMultipleChoices
	if parseErr == nil && env.Success != nil && !*env.Success {
		ok = false
	}
	if !ok {
		// An unparseable error body is the message itself.
		msg := strings.TrimSpace(string(body))
		if parseErr == nil {
			msg = env.Message
		}
		return nil, &RejectionError{Op: op, Status: status, Message: msg}
	}
	if parseErr != nil {
		return nil, fmt.Errorf("%s: decode envelope: %w", op, parseErr)
	}
	return env.Data, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// pageShape covers the object forms a list endpoint may answer with.
type pageShape struct {
	Items      []feed.Item `json:"items"`
	Posts      []feed.Item `json:"posts"`
	NextCursor string      `json:"next_cursor"`
	Cursor     string      `json:"cursor"`
	HasMore    *bool       `json:"has_more"`
}

// normalizePage accepts a bare array, an object wrapping the items, or
// null, and always returns a Page.
func normalizePage(raw json.RawMessage) (feed.Page, error) {
	if isNull(raw) {
		return feed.Page{Items: []feed.Item{}}, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if trimmed[0] == '[' {
		var items []feed.Item
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return feed.Page{}, fmt.Errorf("decode items: %w", err)
		}
		return feed.Page{Items: items}, nil
	}

	var shape pageShape
	if err := json.Unmarshal(trimmed, &shape); err != nil {
		return feed.Page{}, fmt.Errorf("decode page: %w", err)
	}
	page := feed.Page{Items: shape.Items, NextCursor: shape.NextCursor}
	if page.Items == nil {
		page.Items = shape.Posts
	}
	if page.Items == nil {
		page.Items = []feed.Item{}
	}
	if page.NextCursor == "" {
		page.NextCursor = shape.Cursor
	}
	if shape.HasMore != nil {
		page.HasMore = *shape.HasMore
	} else {
		page.HasMore = page.NextCursor != ""
	}
	return page, nil
}

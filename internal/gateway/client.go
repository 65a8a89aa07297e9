// Package gateway issues REST calls against the social backend and
// normalizes every response to one canonical shape.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/feedsync/internal/feed"
	"go.uber.org/zap"
)

const (
	defaultHTTPTimeout        = 30 * time.Second
	defaultHTTPConnectTimeout = 5 * time.Second
	defaultHTTPTLSTimeout     = 5 * time.Second
)

// TokenSource supplies the bearer token for each call. An empty token sends
// the request unauthenticated and leaves rejection to the server.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed TokenSource.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// User is the authenticated viewer as reported by the backend.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// CommentPage is one page of lazily loaded comments.
type CommentPage struct {
	Comments   []feed.Comment `json:"comments"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Client is a stateless REST client.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout sets the overall per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	if tokens == nil {
		tokens = StaticToken("")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    defaultClient(),
		tokens:  tokens,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHTTPConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHTTPTLSTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHTTPTimeout,
	}
}

// ListFeed fetches one page of the viewer's feed. An empty cursor starts at the top.
func (c *Client) ListFeed(ctx context.Context, cursor string, limit int) (feed.Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	raw, err := c.do(ctx, "list feed", http.MethodGet, "/feed", q, nil)
	if err != nil {
		return feed.Page{}, err
	}
	page, err := normalizePage(raw)
	if err != nil {
		return feed.Page{}, fmt.Errorf("list feed: %w", err)
	}
	return page, nil
}

// GetPost fetches a single post.
func (c *Client) GetPost(ctx context.Context, id string) (feed.Item, error) {
	var it feed.Item
	err := c.call(ctx, "get post", http.MethodGet, postPath(id), nil, &it)
	return it, err
}

// CreatePost publishes a draft and returns the server-confirmed item.
func (c *Client) CreatePost(ctx context.Context, d feed.Draft) (feed.Item, error) {
	var it feed.Item
	err := c.call(ctx, "create post", http.MethodPost, "/posts", d, &it)
	return it, err
}

type editArgs struct {
	Body       string          `json:"body"`
	Visibility feed.Visibility `json:"visibility"`
}

// EditPost replaces body and visibility of a post.
func (c *Client) EditPost(ctx context.Context, id, body string, vis feed.Visibility) (feed.Item, error) {
	var it feed.Item
	err := c.call(ctx, "edit post", http.MethodPatch, postPath(id), editArgs{Body: body, Visibility: vis}, &it)
	return it, err
}

// DeletePost deletes a post.
func (c *Client) DeletePost(ctx context.Context, id string) error {
	return c.call(ctx, "delete post", http.MethodDelete, postPath(id), nil, nil)
}

// React records the viewer's reaction and returns the resulting state.
func (c *Client) React(ctx context.Context, id string) (feed.ReactionState, error) {
	var rs feed.ReactionState
	err := c.call(ctx, "react", http.MethodPost, postPath(id)+"/reactions", nil, &rs)
	return rs, err
}

// Unreact withdraws the viewer's reaction and returns the resulting state.
func (c *Client) Unreact(ctx context.Context, id string) (feed.ReactionState, error) {
	var rs feed.ReactionState
	err := c.call(ctx, "unreact", http.MethodDelete, postPath(id)+"/reactions", nil, &rs)
	return rs, err
}

// ListComments loads one page of comments for a post.
func (c *Client) ListComments(ctx context.Context, id, cursor string) (CommentPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	raw, err := c.do(ctx, "list comments", http.MethodGet, postPath(id)+"/comments", q, nil)
	if err != nil {
		return CommentPage{}, err
	}
	page := CommentPage{Comments: []feed.Comment{}}
	if isNull(raw) {
		return page, nil
	}
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		err = json.Unmarshal(raw, &page.Comments)
	} else {
		err = json.Unmarshal(raw, &page)
	}
	if err != nil {
		return CommentPage{}, fmt.Errorf("list comments: decode: %w", err)
	}
	if page.Comments == nil {
		page.Comments = []feed.Comment{}
	}
	return page, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (User, error) {
	var u User
	err := c.call(ctx, "me", http.MethodGet, "/me", nil, &u)
	return u, err
}

func postPath(id string) string {
	return "/posts/" + url.PathEscape(id)
}

// call performs a request and decodes the envelope data into out.
func (c *Client) call(ctx context.Context, op, method, path string, args, out any) error {
	raw, err := c.do(ctx, op, method, path, nil, args)
	if err != nil {
		return err
	}
	if out == nil || isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", op, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, args any) (json.RawMessage, error) {
	var body io.Reader
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if args != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed", zap.String("op", op), zap.Error(err))
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	c.logger.Debug("request done",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)
	return decode(op, resp.StatusCode, respBody)
}

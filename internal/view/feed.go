// Package view composes a feed store, its mutation engine and the push
// handlers that keep it live into one unit owned by a screen.
package view

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/matheus3301/feedsync/internal/bus"
	"github.com/matheus3301/feedsync/internal/feed"
	"github.com/matheus3301/feedsync/internal/mutation"
	"github.com/matheus3301/feedsync/internal/push"
	"go.uber.org/zap"
)

// ErrClosed is returned by loads issued after Close.
var ErrClosed = errors.New("feed view closed")

const defaultPageSize = 20

// Remote is what a feed view needs from the backend.
type Remote interface {
	ListFeed(ctx context.Context, cursor string, limit int) (feed.Page, error)
	mutation.Remote
}

// Subscriber is the part of the push channel a view uses.
type Subscriber interface {
	Subscribe(event string, handler push.Handler) push.Token
	Unsubscribe(token push.Token) bool
}

// Feed is one mounted feed screen.
type Feed struct {
	store    *feed.Store
	engine   *mutation.Engine
	remote   Remote
	channel  Subscriber
	logger   *zap.Logger
	pageSize int

	mu      sync.Mutex
	closed  bool
	tokens  []push.Token
	cursor  string
	hasMore bool
	loaded  bool
	// warmed holds ids merged from the cache that no fetch has vouched
	// for yet.
	warmed []string
}

// Option configures a Feed.
type Option func(*Feed)

func WithPageSize(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.pageSize = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

// New mounts a feed view and subscribes it to the push channel.
func New(scope string, remote Remote, ch Subscriber, b *bus.Bus, opts ...Option) *Feed {
	f := &Feed{
		remote:   remote,
		channel:  ch,
		logger:   zap.NewNop(),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(zap.String("feed", scope))
	f.store = feed.NewStore(scope, b, f.logger)
	f.engine = mutation.NewEngine(f.store, remote, b, f.logger)

	if ch != nil {
		f.tokens = []push.Token{
			ch.Subscribe(push.ItemCreated, f.guard(f.onCreated)),
			ch.Subscribe(push.ItemUpdated, f.guard(f.onUpdated)),
			ch.Subscribe(push.ItemRemoved, f.guard(f.onRemoved)),
			ch.Subscribe(push.ReactionChanged, f.guard(f.onReaction)),
			ch.Subscribe(push.CommentCountChanged, f.guard(f.onCommentCount)),
		}
	}
	return f
}

// Store returns the view's store.
func (f *Feed) Store() *feed.Store {
	return f.store
}

// Engine returns the view's mutation engine.
func (f *Feed) Engine() *mutation.Engine {
	return f.engine
}

// Items returns the current ordered snapshot.
func (f *Feed) Items() []feed.Item {
	return f.store.Snapshot()
}

// Cursor returns the continuation cursor of the deepest loaded page.
func (f *Feed) Cursor() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor, f.hasMore
}

// Warm merges previously cached items ahead of the first fetch. Cached
// items the first head page shows to be gone are dropped when it lands.
func (f *Feed) Warm(items []feed.Item, cursor string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if !f.loaded {
		f.cursor = cursor
		f.hasMore = cursor != ""
		for _, it := range items {
			f.warmed = append(f.warmed, it.ID)
		}
	}
	f.store.Merge(feed.ReasonCache, items...)
}

// LoadFirst fetches the head of the feed.
func (f *Feed) LoadFirst(ctx context.Context) (feed.Page, error) {
	return f.load(ctx, "", true)
}

// LoadMore fetches the page after the deepest one loaded. With nothing more
// to load it returns an empty page.
func (f *Feed) LoadMore(ctx context.Context) (feed.Page, error) {
	f.mu.Lock()
	cursor, hasMore, loaded := f.cursor, f.hasMore, f.loaded
	f.mu.Unlock()
	if !loaded {
		return f.LoadFirst(ctx)
	}
	if !hasMore {
		return feed.Page{Items: []feed.Item{}}, nil
	}
	return f.load(ctx, cursor, false)
}

// Refresh re-fetches the head of the feed and merges it. Items already
// resident, including deeper pages, are kept; the merge rule resolves
// overlaps.
func (f *Feed) Refresh(ctx context.Context) (feed.Page, error) {
	f.mu.Lock()
	loaded := f.loaded
	f.mu.Unlock()
	return f.load(ctx, "", !loaded)
}

func (f *Feed) load(ctx context.Context, cursor string, first bool) (feed.Page, error) {
	if f.isClosed() {
		return feed.Page{}, ErrClosed
	}
	page, err := f.remote.ListFeed(ctx, cursor, f.pageSize)
	if err != nil {
		return feed.Page{}, err
	}

	// Held through the merge; Close takes mu too.
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return page, nil
	}
	if first || cursor != "" {
		f.cursor = page.NextCursor
		f.hasMore = page.HasMore
	}
	f.loaded = true

	res := f.store.Merge(feed.ReasonPage, page.Items...)
	var pruned []string
	if cursor == "" && len(f.warmed) > 0 {
		pruned = f.store.Prune(feed.ReasonPage, f.warmed, page.Items, !page.HasMore)
		f.warmed = nil
	}
	f.logger.Debug("page merged",
		zap.String("cursor", cursor),
		zap.Int("items", len(page.Items)),
		zap.Int("inserted", res.Inserted),
		zap.Int("replaced", res.Replaced),
		zap.Int("stale", res.Stale),
		zap.Int("pruned", len(pruned)),
	)
	return page, nil
}

// Close unmounts the view. Push handlers are removed, pending mutations stop
// writing to the store, any fetch still in flight is discarded and the
// store is emptied so a reference kept past teardown shows nothing.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.warmed = nil
	tokens := f.tokens
	f.tokens = nil
	f.mu.Unlock()

	for _, tok := range tokens {
		f.channel.Unsubscribe(tok)
	}
	f.engine.Close()
	f.store.Reset()
}

func (f *Feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// guard drops events delivered after Close and logs undecodable payloads.
func (f *Feed) guard(fn func(json.RawMessage) error) push.Handler {
	return func(data json.RawMessage) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closed {
			return
		}
		if err := fn(data); err != nil {
			f.logger.Warn("push event ignored", zap.Error(err))
		}
	}
}

func (f *Feed) onCreated(data json.RawMessage) error {
	it, err := decodeItem(data)
	if err != nil {
		return err
	}
	f.store.Merge(feed.ReasonPush, it)
	return nil
}

func (f *Feed) onUpdated(data json.RawMessage) error {
	p, err := decodePatch(data, true, true)
	if err != nil {
		return err
	}
	f.store.ApplyPatch(feed.ReasonPush, p)
	return nil
}

func (f *Feed) onRemoved(data json.RawMessage) error {
	id, err := decodeRef(data)
	if err != nil {
		return err
	}
	f.store.Remove(feed.ReasonPush, id)
	return nil
}

func (f *Feed) onReaction(data json.RawMessage) error {
	p, err := decodePatch(data, false, true)
	if err != nil {
		return err
	}
	p.CommentCount = nil
	f.store.ApplyPatch(feed.ReasonPush, p)
	return nil
}

func (f *Feed) onCommentCount(data json.RawMessage) error {
	p, err := decodePatch(data, false, true)
	if err != nil {
		return err
	}
	p.ReactionCount = nil
	p.ViewerReacted = nil
	f.store.ApplyPatch(feed.ReasonPush, p)
	return nil
}

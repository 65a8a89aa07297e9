// Package sync owns the feed view mounted for the logged-in viewer and keeps
// its snapshot persisted for the next warm start.
package sync

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/feedsync/internal/bus"
	"github.com/matheus3301/feedsync/internal/session"
	"github.com/matheus3301/feedsync/internal/store"
	"github.com/matheus3301/feedsync/internal/view"
	"go.uber.org/zap"
)

// HomeScope is the scope of the viewer's main feed.
const HomeScope = "home"

// CacheScope is the feed_cache scope holding viewerID's home feed. Keying by
// viewer keeps one account's snapshot away from the next one.
func CacheScope(viewerID string) string {
	return HomeScope + "@" + viewerID
}

func cursorKey(scope string) string {
	return "cursor:" + scope
}

// Host mounts one feed view per login and unmounts it on logout.
type Host struct {
	remote   view.Remote
	channel  view.Subscriber
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int

	mu      sync.Mutex
	current *view.Feed
	// cacheScope is where the mounted view is persisted.
	cacheScope string
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewHost creates a host with nothing mounted. db may be nil, which disables
// the cache.
func NewHost(remote view.Remote, ch view.Subscriber, db *store.DB, b *bus.Bus, logger *zap.Logger, pageSize int) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		remote:   remote,
		channel:  ch,
		db:       db,
		bus:      b,
		logger:   logger,
		pageSize: pageSize,
	}
}

// Current returns the mounted view, or nil.
func (h *Host) Current() *view.Feed {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Mount replaces any mounted view with a fresh one for id, warmed from the
// cached snapshot when there is one.
func (h *Host) Mount(id session.Identity) *view.Feed {
	h.Unmount()

	f := view.New(HomeScope, h.remote, h.channel, h.bus,
		view.WithPageSize(h.pageSize),
		view.WithLogger(h.logger.With(zap.String("viewer", id.ViewerID))),
	)
	scope := CacheScope(id.ViewerID)
	if h.db != nil {
		items, err := h.db.LoadFeed(scope)
		if err != nil {
			h.logger.Warn("feed cache unreadable", zap.Error(err))
		} else if len(items) > 0 {
			cursor, _, err := h.db.GetCheckpoint(cursorKey(scope))
			if err != nil {
				h.logger.Warn("cursor checkpoint unreadable", zap.Error(err))
			}
			f.Warm(items, cursor)
			h.logger.Info("feed warmed from cache", zap.Int("items", len(items)))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.current = f
	h.cacheScope = scope
	h.ctx = ctx
	h.cancel = cancel
	h.mu.Unlock()
	return f
}

// LoadFirst fetches the head page into the mounted view. Unmount cuts the
// fetch short.
func (h *Host) LoadFirst(ctx context.Context) error {
	h.mu.Lock()
	f, mounted := h.current, h.ctx
	h.mu.Unlock()
	if f == nil {
		return fmt.Errorf("load first: %w", session.ErrNotLoggedIn)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(mounted, cancel)
	defer stop()

	page, err := f.LoadFirst(ctx)
	if err != nil {
		return err
	}
	h.logger.Info("feed head loaded", zap.Int("items", len(page.Items)), zap.Bool("has_more", page.HasMore))
	return nil
}

// Unmount closes the mounted view. The snapshot is persisted first so a
// restart of the same viewer starts warm.
func (h *Host) Unmount() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return
	}
	h.cancel()
	if err := h.persistLocked(); err != nil {
		h.logger.Warn("feed cache not saved", zap.Error(err))
	}
	h.current.Close()
	h.current = nil
	h.cacheScope = ""
	h.ctx, h.cancel = nil, nil
}

// Persist saves the mounted view's confirmed items and continuation cursor.
func (h *Host) Persist() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.persistLocked()
}

func (h *Host) persistLocked() error {
	if h.current == nil || h.db == nil {
		return nil
	}
	items := h.current.Engine().Settled()
	if err := h.db.SaveFeed(h.cacheScope, items); err != nil {
		return fmt.Errorf("save feed: %w", err)
	}
	cursor, _ := h.current.Cursor()
	if err := h.db.PutCheckpoint(cursorKey(h.cacheScope), cursor); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

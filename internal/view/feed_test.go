package view

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/feedsync/internal/feed"
	"github.com/matheus3301/feedsync/internal/push"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

type pageRequest struct {
	cursor string
	limit  int
	reply  chan feed.Page
}

// fakeRemote answers ListFeed from pages keyed by cursor, or parks the
// request on requests when hold is set.
type fakeRemote struct {
	mu       sync.Mutex
	pages    map[string]feed.Page
	hold     bool
	requests chan pageRequest
	cursors  []string
}

func newFakeRemote(pages map[string]feed.Page) *fakeRemote {
	return &fakeRemote{pages: pages, requests: make(chan pageRequest, 4)}
}

func (r *fakeRemote) ListFeed(_ context.Context, cursor string, limit int) (feed.Page, error) {
	r.mu.Lock()
	r.cursors = append(r.cursors, cursor)
	hold := r.hold
	page, ok := r.pages[cursor]
	r.mu.Unlock()
	if hold {
		req := pageRequest{cursor: cursor, limit: limit, reply: make(chan feed.Page, 1)}
		r.requests <- req
		return <-req.reply, nil
	}
	if !ok {
		return feed.Page{}, errors.New("no such page")
	}
	return page, nil
}

func (r *fakeRemote) React(context.Context, string) (feed.ReactionState, error) {
	return feed.ReactionState{}, errors.New("unused")
}

func (r *fakeRemote) Unreact(context.Context, string) (feed.ReactionState, error) {
	return feed.ReactionState{}, errors.New("unused")
}

func (r *fakeRemote) EditPost(context.Context, string, string, feed.Visibility) (feed.Item, error) {
	return feed.Item{}, errors.New("unused")
}

func (r *fakeRemote) DeletePost(context.Context, string) error {
	return errors.New("unused")
}

func (r *fakeRemote) CreatePost(context.Context, feed.Draft) (feed.Item, error) {
	return feed.Item{}, errors.New("unused")
}

// fakeChannel records subscriptions and delivers events synchronously.
type fakeChannel struct {
	mu   sync.Mutex
	next push.Token
	subs map[push.Token]struct {
		event string
		h     push.Handler
	}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{subs: make(map[push.Token]struct {
		event string
		h     push.Handler
	})}
}

func (c *fakeChannel) Subscribe(event string, h push.Handler) push.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	c.subs[c.next] = struct {
		event string
		h     push.Handler
	}{event, h}
	return c.next
}

func (c *fakeChannel) Unsubscribe(tok push.Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[tok]
	delete(c.subs, tok)
	return ok
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *fakeChannel) emit(event, data string) {
	c.mu.Lock()
	var hs []push.Handler
	for _, s := range c.subs {
		if s.event == event {
			hs = append(hs, s.h)
		}
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(json.RawMessage(data))
	}
}

func ids(items []feed.Item) string {
	var out []string
	for _, it := range items {
		out = append(out, it.ID)
	}
	return strings.Join(out, ",")
}

func twoPages() map[string]feed.Page {
	return map[string]feed.Page{
		"": {
			Items:      []feed.Item{{ID: "d", CreatedAt: at(4)}, {ID: "c", CreatedAt: at(3)}},
			NextCursor: "c2",
			HasMore:    true,
		},
		"c2": {
			Items: []feed.Item{{ID: "c", CreatedAt: at(3)}, {ID: "b", CreatedAt: at(2)}, {ID: "a", CreatedAt: at(1)}},
		},
	}
}

func TestLoadFirstAndMore(t *testing.T) {
	r := newFakeRemote(twoPages())
	f := New("home", r, newFakeChannel(), nil, WithPageSize(2))
	defer f.Close()
	ctx := context.Background()

	if _, err := f.LoadFirst(ctx); err != nil {
		t.Fatal(err)
	}
	if got := ids(f.Items()); got != "d,c" {
		t.Fatalf("after first page = %s", got)
	}
	if cur, more := f.Cursor(); cur != "c2" || !more {
		t.Errorf("cursor = %q %v", cur, more)
	}

	if _, err := f.LoadMore(ctx); err != nil {
		t.Fatal(err)
	}
	// The overlapping item c appears once.
	if got := ids(f.Items()); got != "d,c,b,a" {
		t.Errorf("after second page = %s", got)
	}
	if _, more := f.Cursor(); more {
		t.Error("expected no more pages")
	}

	page, err := f.LoadMore(ctx)
	if err != nil || len(page.Items) != 0 {
		t.Errorf("LoadMore at end = %+v, %v", page, err)
	}
	if len(r.cursors) != 2 {
		t.Errorf("remote calls = %v, want 2", r.cursors)
	}
}

func TestRefreshKeepsDeeperPages(t *testing.T) {
	pages := twoPages()
	r := newFakeRemote(pages)
	f := New("home", r, nil, nil)
	defer f.Close()
	ctx := context.Background()

	_, _ = f.LoadFirst(ctx)
	_, _ = f.LoadMore(ctx)

	r.mu.Lock()
	r.pages[""] = feed.Page{
		Items:      []feed.Item{{ID: "e", CreatedAt: at(5)}, {ID: "d", CreatedAt: at(4), Body: "edited", UpdatedAt: at(6)}},
		NextCursor: "c3",
		HasMore:    true,
	}
	r.mu.Unlock()

	if _, err := f.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	items := f.Items()
	if got := ids(items); got != "e,d,c,b,a" {
		t.Errorf("after refresh = %s", got)
	}
	if items[1].Body != "edited" {
		t.Errorf("d body = %q", items[1].Body)
	}
	if cur, more := f.Cursor(); cur != "" || more {
		t.Errorf("refresh must not rewind the deep cursor: %q %v", cur, more)
	}
}

func TestPushEventsApply(t *testing.T) {
	r := newFakeRemote(map[string]feed.Page{"": {Items: []feed.Item{
		{ID: "b", CreatedAt: at(2), Body: "old", UpdatedAt: at(2), ReactionCount: 1, CommentCount: 1},
		{ID: "a", CreatedAt: at(1)},
	}}})
	ch := newFakeChannel()
	f := New("home", r, ch, nil)
	defer f.Close()
	if _, err := f.LoadFirst(context.Background()); err != nil {
		t.Fatal(err)
	}

	ch.emit(push.ItemCreated, `{"id":"c","body":"new","created_at":"2024-03-01T12:03:00Z"}`)
	ch.emit(push.ItemCreated, `{"id":"c","body":"new","created_at":"2024-03-01T12:03:00Z"}`)
	ch.emit(push.ItemUpdated, `{"id":"b","body":"fresh","visibility":"friends","updated_at":"2024-03-01T12:10:00Z"}`)
	ch.emit(push.ItemUpdated, `{"id":"b","body":"stale","updated_at":"2024-03-01T12:09:00Z"}`)
	ch.emit(push.ReactionChanged, `{"id":"b","reaction_count":4,"comment_count":99,"updated_at":"2024-03-01T12:11:00Z"}`)
	ch.emit(push.CommentCountChanged, `{"id":"b","comment_count":7,"updated_at":"2024-03-01T12:12:00Z"}`)
	ch.emit(push.ItemRemoved, `{"id":"a"}`)
	ch.emit(push.ItemRemoved, `{"id":"never-seen"}`)
	ch.emit(push.ItemUpdated, `not json`)

	items := f.Items()
	if got := ids(items); got != "c,b" {
		t.Fatalf("ids = %s, want c,b", got)
	}
	b := items[1]
	if b.Body != "fresh" || b.Visibility != feed.Friends {
		t.Errorf("b content = %q %s", b.Body, b.Visibility)
	}
	if b.ReactionCount != 4 || b.CommentCount != 7 {
		t.Errorf("b counters = %d reactions %d comments", b.ReactionCount, b.CommentCount)
	}
	if st := f.Store().Stats(); st.StaleDropped != 1 {
		t.Errorf("stale dropped = %d, want 1", st.StaleDropped)
	}
}

func TestPageAndPushInterleavingYieldsOneEntry(t *testing.T) {
	newItem := `{"id":"n","created_at":"2024-03-01T12:05:00Z"}`
	page := map[string]feed.Page{"": {Items: []feed.Item{{ID: "n", CreatedAt: at(5)}, {ID: "a", CreatedAt: at(1)}}}}

	for _, pushFirst := range []bool{true, false} {
		r := newFakeRemote(page)
		ch := newFakeChannel()
		f := New("home", r, ch, nil)
		if pushFirst {
			ch.emit(push.ItemCreated, newItem)
		}
		if _, err := f.LoadFirst(context.Background()); err != nil {
			t.Fatal(err)
		}
		if !pushFirst {
			ch.emit(push.ItemCreated, newItem)
		}
		if got := ids(f.Items()); got != "n,a" {
			t.Errorf("pushFirst=%v: ids = %s", pushFirst, got)
		}
		f.Close()
	}
}

func TestCloseThenInFlightFetchIsNoOp(t *testing.T) {
	r := newFakeRemote(nil)
	r.hold = true
	ch := newFakeChannel()
	f := New("home", r, ch, nil)
	if ch.count() != 5 {
		t.Fatalf("subscriptions = %d, want 5", ch.count())
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.LoadFirst(context.Background())
		done <- err
	}()

	var req pageRequest
	select {
	case req = <-r.requests:
	case <-time.After(time.Second):
		t.Fatal("fetch never issued")
	}

	f.Close()
	if ch.count() != 0 {
		t.Errorf("subscriptions after close = %d, want 0", ch.count())
	}

	req.reply <- feed.Page{Items: []feed.Item{{ID: "late", CreatedAt: at(1)}}}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("late completion must not error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("fetch never returned")
	}
	if f.Store().Len() != 0 {
		t.Errorf("store changed after close: %s", ids(f.Items()))
	}

	if _, err := f.LoadFirst(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("load after close err = %v", err)
	}
	// Close is idempotent.
	f.Close()
}

func TestWarmThenLoad(t *testing.T) {
	head := feed.Page{
		Items: []feed.Item{
			{ID: "b", CreatedAt: at(10)},
			{ID: "a", CreatedAt: at(1), Body: "server", UpdatedAt: at(9)},
		},
		NextCursor: "c2",
		HasMore:    true,
	}
	cached := []feed.Item{
		{ID: "a", CreatedAt: at(1), Body: "cached", UpdatedAt: at(3)},
		{ID: "gone", CreatedAt: at(5)},
		{ID: "old", CreatedAt: at(-10)},
	}

	t.Run("partial head page", func(t *testing.T) {
		f := New("home", newFakeRemote(map[string]feed.Page{"": head}), nil, nil)
		defer f.Close()

		f.Warm(cached, "cc")
		if cur, more := f.Cursor(); cur != "cc" || !more {
			t.Errorf("warm cursor = %q %v", cur, more)
		}
		if _, err := f.LoadFirst(context.Background()); err != nil {
			t.Fatal(err)
		}
		it, _ := f.Store().Get("a")
		if it.Body != "server" {
			t.Errorf("body = %q, want server copy", it.Body)
		}
		// gone sorts inside the page and is absent from it; old may
		// still be on a later page.
		if got := ids(f.Items()); got != "b,a,old" {
			t.Errorf("ids = %s, want b,a,old", got)
		}
	})

	t.Run("whole feed", func(t *testing.T) {
		last := head
		last.NextCursor, last.HasMore = "", false
		f := New("home", newFakeRemote(map[string]feed.Page{"": last}), nil, nil)
		defer f.Close()

		f.Warm(cached, "cc")
		if _, err := f.LoadFirst(context.Background()); err != nil {
			t.Fatal(err)
		}
		if got := ids(f.Items()); got != "b,a" {
			t.Errorf("ids = %s, want b,a", got)
		}
	})

	t.Run("only the first head load prunes", func(t *testing.T) {
		r := newFakeRemote(map[string]feed.Page{"": head})
		f := New("home", r, newFakeChannel(), nil)
		defer f.Close()

		f.Warm(cached[:1], "")
		if _, err := f.LoadFirst(context.Background()); err != nil {
			t.Fatal(err)
		}
		f.Store().Merge(feed.ReasonPush, feed.Item{ID: "fresh", CreatedAt: at(5)})
		if _, err := f.Refresh(context.Background()); err != nil {
			t.Fatal(err)
		}
		if got := ids(f.Items()); got != "b,fresh,a" {
			t.Errorf("ids = %s, want b,fresh,a", got)
		}
	})
}

func TestNothingMergesAfterCloseReturns(t *testing.T) {
	for range 50 {
		f := New("home", newFakeRemote(twoPages()), nil, nil)
		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = f.LoadFirst(context.Background())
			}()
		}
		f.Close()
		after := f.Store().Len()
		wg.Wait()
		if after != 0 || f.Store().Len() != 0 {
			t.Fatalf("store changed after close: %d then %s", after, ids(f.Items()))
		}
	}
}

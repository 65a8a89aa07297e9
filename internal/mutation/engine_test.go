package mutation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/feedsync/internal/bus"
	"github.com/matheus3301/feedsync/internal/feed"
)

var errRejected = errors.New("rejected by server")

// call is one remote request held until the test replies.
type call struct {
	op    string
	id    string
	body  string
	vis   feed.Visibility
	draft feed.Draft
	reply chan error
}

// fakeRemote parks every request on calls and keeps a tiny server model so
// successful reactions return realistic state.
type fakeRemote struct {
	calls chan *call

	mu        sync.Mutex
	reactions map[string]feed.ReactionState
	created   feed.Item
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{calls: make(chan *call, 16), reactions: make(map[string]feed.ReactionState)}
}

func (r *fakeRemote) await(c *call) error {
	c.reply = make(chan error, 1)
	r.calls <- c
	return <-c.reply
}

func (r *fakeRemote) React(_ context.Context, id string) (feed.ReactionState, error) {
	if err := r.await(&call{op: "react", id: id}); err != nil {
		return feed.ReactionState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rs := r.reactions[id]
	if !rs.Reacted {
		rs = feed.ReactionState{Count: rs.Count + 1, Reacted: true}
	}
	r.reactions[id] = rs
	return rs, nil
}

func (r *fakeRemote) Unreact(_ context.Context, id string) (feed.ReactionState, error) {
	if err := r.await(&call{op: "unreact", id: id}); err != nil {
		return feed.ReactionState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rs := r.reactions[id]
	if rs.Reacted {
		rs = feed.ReactionState{Count: rs.Count - 1, Reacted: false}
	}
	r.reactions[id] = rs
	return rs, nil
}

func (r *fakeRemote) EditPost(_ context.Context, id, body string, vis feed.Visibility) (feed.Item, error) {
	if err := r.await(&call{op: "edit", id: id, body: body, vis: vis}); err != nil {
		return feed.Item{}, err
	}
	return feed.Item{}, nil
}

func (r *fakeRemote) DeletePost(_ context.Context, id string) error {
	return r.await(&call{op: "delete", id: id})
}

func (r *fakeRemote) CreatePost(_ context.Context, d feed.Draft) (feed.Item, error) {
	if err := r.await(&call{op: "create", draft: d}); err != nil {
		return feed.Item{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	it := r.created
	it.ClientToken = d.ClientToken
	it.Body = d.Body
	return it, nil
}

func next(t *testing.T, r *fakeRemote) *call {
	t.Helper()
	select {
	case c := <-r.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for remote call")
		return nil
	}
}

func expectNoCall(t *testing.T, r *fakeRemote) {
	t.Helper()
	select {
	case c := <-r.calls:
		t.Fatalf("unexpected remote call %s %s", c.op, c.id)
	case <-time.After(30 * time.Millisecond):
	}
}

func wait(t *testing.T, h *Handle) (feed.Item, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	it, err := h.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("handle %s %s never resolved", h.Kind, h.ItemID)
	}
	return it, err
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

func setup(t *testing.T, items ...feed.Item) (*feed.Store, *fakeRemote, *Engine) {
	t.Helper()
	s := feed.NewStore("home", nil, nil)
	s.Merge(feed.ReasonPage, items...)
	r := newFakeRemote()
	e := NewEngine(s, r, nil, nil)
	return s, r, e
}

func ids(s *feed.Store) string {
	var out []string
	for _, it := range s.Snapshot() {
		out = append(out, it.ID)
	}
	return strings.Join(out, ",")
}

func TestReactUnreactNetZero(t *testing.T) {
	s, r, e := setup(t, feed.Item{ID: "p1", CreatedAt: at(1), ReactionCount: 5})
	r.reactions["p1"] = feed.ReactionState{Count: 5}

	h1 := e.React("p1", "u1")
	if got, _ := s.Get("p1"); got.ReactionCount != 6 || !got.ViewerReacted {
		t.Fatalf("after react = %+v", got.Reaction())
	}
	h2 := e.Unreact("p1", "u1")
	if got, _ := s.Get("p1"); got.ReactionCount != 5 || got.ViewerReacted {
		t.Fatalf("after unreact = %+v", got.Reaction())
	}

	c1 := next(t, r)
	if c1.op != "react" {
		t.Fatalf("first call = %s", c1.op)
	}
	// The second call waits for the first to resolve.
	expectNoCall(t, r)
	c1.reply <- nil
	if _, err := wait(t, h1); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Get("p1"); got.ReactionCount != 5 || got.ViewerReacted {
		t.Fatalf("server truth of react must not clobber queued unreact: %+v", got.Reaction())
	}

	c2 := next(t, r)
	if c2.op != "unreact" {
		t.Fatalf("second call = %s", c2.op)
	}
	c2.reply <- nil
	if _, err := wait(t, h2); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get("p1")
	if got.ReactionCount != 5 || got.ViewerReacted {
		t.Errorf("final = %+v, want count 5 not reacted", got.Reaction())
	}
	if e.InFlight() != 0 {
		t.Errorf("in flight = %d", e.InFlight())
	}
}

func TestReactFailureRestoresAndAbortsQueued(t *testing.T) {
	s, r, e := setup(t, feed.Item{ID: "p1", CreatedAt: at(1), ReactionCount: 5})

	h1 := e.React("p1", "u1")
	h2 := e.Unreact("p1", "u1")
	h3 := e.EditContent("p1", "edited", feed.Private)

	next(t, r).reply <- errRejected

	if _, err := wait(t, h1); !errors.Is(err, errRejected) {
		t.Errorf("h1 err = %v", err)
	}
	for _, h := range []*Handle{h2, h3} {
		if _, err := wait(t, h); !errors.Is(err, ErrAborted) {
			t.Errorf("%s err = %v, want ErrAborted", h.Kind, err)
		}
	}
	expectNoCall(t, r)

	got, _ := s.Get("p1")
	if got.ReactionCount != 5 || got.ViewerReacted || got.Body != "" || got.Visibility != "" {
		t.Errorf("state = %+v, want untouched original", got)
	}
}

func TestReactSuccessAppliesServerTruth(t *testing.T) {
	s, r, e := setup(t, feed.Item{ID: "p1", CreatedAt: at(1), ReactionCount: 5})
	// Someone else reacted meanwhile.
	r.reactions["p1"] = feed.ReactionState{Count: 7}

	h := e.React("p1", "u1")
	next(t, r).reply <- nil
	it, err := wait(t, h)
	if err != nil {
		t.Fatal(err)
	}
	if it.ReactionCount != 8 || !it.ViewerReacted {
		t.Errorf("handle item = %+v", it.Reaction())
	}
	if got, _ := s.Get("p1"); got.ReactionCount != 8 {
		t.Errorf("store count = %d, want 8", got.ReactionCount)
	}
}

func TestEditFailureRestoresExactContent(t *testing.T) {
	orig := feed.Item{ID: "p1", CreatedAt: at(1), Body: "  original body\n", Visibility: feed.Friends, ReactionCount: 2}
	s, r, e := setup(t, orig)

	h := e.EditContent("p1", "new body", feed.Public)
	if got, _ := s.Get("p1"); got.Body != "new body" || got.Visibility != feed.Public {
		t.Fatalf("optimistic edit not applied: %+v", got)
	}

	// A counter event lands while the edit is in flight.
	n := 3
	s.ApplyPatch(feed.ReasonPush, feed.Patch{ID: "p1", ReactionCount: &n, UpdatedAt: at(5)})

	c := next(t, r)
	if c.body != "new body" || c.vis != feed.Public {
		t.Errorf("remote edit = %q %s", c.body, c.vis)
	}
	c.reply <- errRejected
	if _, err := wait(t, h); !errors.Is(err, errRejected) {
		t.Fatalf("err = %v", err)
	}

	got, _ := s.Get("p1")
	if got.Body != orig.Body || got.Visibility != orig.Visibility {
		t.Errorf("restored = %q %s, want %q %s", got.Body, got.Visibility, orig.Body, orig.Visibility)
	}
	if got.ReactionCount != 3 {
		t.Errorf("rollback clobbered concurrent counter: %d", got.ReactionCount)
	}
}

func TestDeleteFailureRestoresPosition(t *testing.T) {
	s, r, e := setup(t,
		feed.Item{ID: "a", CreatedAt: at(3)},
		feed.Item{ID: "b", CreatedAt: at(2)},
		feed.Item{ID: "c", CreatedAt: at(1)},
	)

	h := e.DeletePost("b")
	if got := ids(s); got != "a,c" {
		t.Fatalf("after optimistic delete = %s", got)
	}
	next(t, r).reply <- errRejected
	if _, err := wait(t, h); !errors.Is(err, errRejected) {
		t.Fatalf("err = %v", err)
	}
	if got := ids(s); got != "a,b,c" {
		t.Errorf("after rollback = %s, want a,b,c", got)
	}
}

func TestDeleteSuccessStaysRemoved(t *testing.T) {
	s, r, e := setup(t, feed.Item{ID: "a", CreatedAt: at(1)})

	h := e.DeletePost("a")
	next(t, r).reply <- nil
	if _, err := wait(t, h); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Errorf("len = %d", s.Len())
	}
	// A late push remove for the same id is a no-op.
	if _, ok := s.Remove(feed.ReasonPush, "a"); ok {
		t.Error("remove of a non-resident id reported a change")
	}
}

func TestDeleteConfirmRemovesRefetchedItem(t *testing.T) {
	s, r, e := setup(t,
		feed.Item{ID: "a", CreatedAt: at(2)},
		feed.Item{ID: "b", CreatedAt: at(1)},
	)

	h := e.DeletePost("b")
	c := next(t, r)
	// A page requested before the delete lands while the call is parked.
	s.Merge(feed.ReasonPage, feed.Item{ID: "b", CreatedAt: at(1)})
	if got := ids(s); got != "a,b" {
		t.Fatalf("after page merge = %s", got)
	}
	c.reply <- nil
	if _, err := wait(t, h); err != nil {
		t.Fatal(err)
	}
	if got := ids(s); got != "a" {
		t.Errorf("after confirmed delete = %s, want a", got)
	}
}

func TestSettledUndoesInFlightChanges(t *testing.T) {
	s, r, e := setup(t,
		feed.Item{ID: "a", CreatedAt: at(2), Body: "a0", Visibility: feed.Friends, ReactionCount: 2},
		feed.Item{ID: "c", CreatedAt: at(1), Body: "c0"},
	)

	hs := []*Handle{
		e.React("a", "u1"),
		e.EditContent("a", "a1", feed.Public),
		e.DeletePost("c"),
		e.CreatePost("u1", feed.Draft{Body: "hello"}),
	}
	parked := []*call{next(t, r), next(t, r), next(t, r)}

	settled := map[string]feed.Item{}
	for _, it := range e.Settled() {
		settled[it.ID] = it
	}
	if len(settled) != 2 {
		t.Fatalf("settled = %v, want a and c only", settled)
	}
	if a := settled["a"]; a.Body != "a0" || a.Visibility != feed.Friends || a.ReactionCount != 2 || a.ViewerReacted {
		t.Errorf("settled a = %+v", a)
	}
	if c, ok := settled["c"]; !ok || c.Body != "c0" {
		t.Errorf("settled c = %+v %v", c, ok)
	}
	// The store itself still shows the optimistic state.
	if got, _ := s.Get("a"); got.Body != "a1" || got.ReactionCount != 3 {
		t.Errorf("store a = %+v", got)
	}

	for _, c := range parked {
		c.reply <- nil
	}
	next(t, r).reply <- nil
	for _, h := range hs {
		if _, err := wait(t, h); err != nil {
			t.Fatal(err)
		}
	}
	if e.InFlight() != 0 {
		t.Errorf("in flight = %d", e.InFlight())
	}
}

func TestCreateSuccessSwapsTemporary(t *testing.T) {
	s, r, e := setup(t, feed.Item{ID: "old", CreatedAt: at(50)})
	r.created = feed.Item{ID: "srv-1", CreatedAt: at(10), Visibility: feed.Public}

	h := e.CreatePost("u1", feed.Draft{Body: "hello"})
	snap := s.Snapshot()
	if len(snap) != 2 || !strings.HasPrefix(snap[0].ID, TempPrefix) || !snap[0].Pending {
		t.Fatalf("temporary item not pinned at head: %+v", snap)
	}
	tempID := snap[0].ID
	if h.ItemID != tempID {
		t.Errorf("handle item = %s, want %s", h.ItemID, tempID)
	}

	c := next(t, r)
	if c.draft.ClientToken == "" || c.draft.Visibility != feed.Public {
		t.Errorf("draft = %+v", c.draft)
	}
	c.reply <- nil
	it, err := wait(t, h)
	if err != nil {
		t.Fatal(err)
	}
	if it.ID != "srv-1" {
		t.Errorf("confirmed id = %s", it.ID)
	}
	if got := ids(s); got != "old,srv-1" {
		t.Errorf("after confirm = %s, want old,srv-1 (re-sorted by server timestamp)", got)
	}
	if _, ok := s.Get(tempID); ok {
		t.Error("temporary id still resident")
	}
}

func TestCreateFailureLeavesNoTrace(t *testing.T) {
	s, r, e := setup(t, feed.Item{ID: "a", CreatedAt: at(1)})

	h := e.CreatePost("u1", feed.Draft{Body: "doomed"})
	if s.Len() != 2 {
		t.Fatalf("len = %d", s.Len())
	}
	next(t, r).reply <- errRejected
	if _, err := wait(t, h); !errors.Is(err, errRejected) {
		t.Fatalf("err = %v", err)
	}
	if got := ids(s); got != "a" {
		t.Errorf("store = %s, want a", got)
	}
}

func TestCreateRacingPushYieldsSingleEntry(t *testing.T) {
	s, r, e := setup(t)
	r.created = feed.Item{ID: "srv-1", CreatedAt: at(10)}

	h := e.CreatePost("u1", feed.Draft{Body: "hi", ClientToken: "tok-1"})
	c := next(t, r)

	// The push event for the new post arrives before the REST reply.
	s.Merge(feed.ReasonPush, feed.Item{ID: "srv-1", CreatedAt: at(10), Body: "hi", ClientToken: "tok-1"})
	if got := ids(s); got != "srv-1" {
		t.Fatalf("after push = %s", got)
	}

	c.reply <- nil
	if _, err := wait(t, h); err != nil {
		t.Fatal(err)
	}
	if got := ids(s); got != "srv-1" {
		t.Errorf("after confirm = %s, want exactly srv-1", got)
	}
}

func TestRejectsInvalidTargets(t *testing.T) {
	s, r, e := setup(t, feed.Item{ID: "a", CreatedAt: at(1)})

	if _, err := wait(t, e.React("missing", "u1")); !errors.Is(err, feed.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}

	create := e.CreatePost("u1", feed.Draft{Body: "x"})
	for _, h := range []*Handle{
		e.React(create.ItemID, "u1"),
		e.EditContent(create.ItemID, "y", feed.Public),
		e.DeletePost(create.ItemID),
	} {
		if _, err := wait(t, h); !errors.Is(err, ErrPending) {
			t.Errorf("%s on pending err = %v, want ErrPending", h.Kind, err)
		}
	}
	next(t, r).reply <- nil
	_, _ = wait(t, create)
	expectNoCall(t, r)
	_ = s
}

func TestCloseDiscardsCompletions(t *testing.T) {
	s, r, e := setup(t, feed.Item{ID: "p1", CreatedAt: at(1), ReactionCount: 1})

	h := e.React("p1", "u1")
	c := next(t, r)
	e.Close()

	if _, err := wait(t, e.DeletePost("p1")); !errors.Is(err, ErrClosed) {
		t.Errorf("dispatch after close err = %v", err)
	}

	before := s.Snapshot()
	c.reply <- errRejected
	if _, err := wait(t, h); !errors.Is(err, errRejected) {
		t.Errorf("err = %v", err)
	}
	after := s.Snapshot()
	if len(after) != 1 || after[0].ReactionCount != before[0].ReactionCount || after[0].ViewerReacted != before[0].ViewerReacted {
		t.Errorf("store changed after close: %+v -> %+v", before, after)
	}
	if err := e.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestOutcomesPublished(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("mutation.", 8)
	defer unsub()

	s := feed.NewStore("home", nil, nil)
	s.Merge(feed.ReasonPage, feed.Item{ID: "p1", CreatedAt: at(1)}, feed.Item{ID: "p2", CreatedAt: at(2)})
	r := newFakeRemote()
	e := NewEngine(s, r, b, nil)

	ok := e.React("p1", "u1")
	next(t, r).reply <- nil
	_, _ = wait(t, ok)
	bad := e.DeletePost("p2")
	next(t, r).reply <- errRejected
	_, _ = wait(t, bad)

	want := []struct {
		kind  string
		token string
	}{
		{bus.KindMutationConfirmed, ok.Token},
		{bus.KindMutationRolledBack, bad.Token},
	}
	for _, w := range want {
		select {
		case evt := <-events:
			o := evt.Payload.(Outcome)
			if evt.Kind != w.kind || o.Token != w.token {
				t.Errorf("event = %s %+v, want %s %s", evt.Kind, o, w.kind, w.token)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for outcome")
		}
	}
}

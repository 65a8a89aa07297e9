// Package mutation applies user intents to the feed optimistically and
// confirms or rolls them back when the remote call resolves.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/feedsync/internal/bus"
	"github.com/matheus3301/feedsync/internal/feed"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned for intents dispatched after Close.
	ErrClosed = errors.New("mutation engine closed")
	// ErrAborted rejects a mutation whose predecessor on the same item
	// failed; it never reached the server.
	ErrAborted = errors.New("aborted: earlier mutation on this item failed")
	// ErrPending rejects intents that target an unconfirmed item.
	ErrPending = errors.New("item is not confirmed yet")
)

// TempPrefix marks client-assigned ids of optimistic creates.
const TempPrefix = "tmp-"

// Kind is the operation a pending mutation performs.
type Kind string

const (
	KindReact   Kind = "REACT"
	KindUnreact Kind = "UNREACT"
	KindEdit    Kind = "EDIT"
	KindDelete  Kind = "DELETE"
	KindCreate  Kind = "CREATE"
)

// Remote is the subset of the gateway the engine drives.
type Remote interface {
	React(ctx context.Context, id string) (feed.ReactionState, error)
	Unreact(ctx context.Context, id string) (feed.ReactionState, error)
	EditPost(ctx context.Context, id, body string, vis feed.Visibility) (feed.Item, error)
	DeletePost(ctx context.Context, id string) error
	CreatePost(ctx context.Context, d feed.Draft) (feed.Item, error)
}

// Outcome is published on the bus when a mutation resolves.
type Outcome struct {
	Token  string
	Kind   Kind
	ItemID string
	Err    error
}

// pending is one in-flight optimistic operation. The snapshot is the item as
// it was before the optimistic apply; rollback writes the parts this kind
// touched back verbatim.
type pending struct {
	token    string
	kind     Kind
	itemID   string
	viewerID string
	snapshot feed.Item
	queuedAt time.Time

	call    func(ctx context.Context) (result, error)
	confirm func(res result, last bool)
	handle  *Handle
}

type result struct {
	item     feed.Item
	reaction feed.ReactionState
}

// revert writes back the fields this kind changed optimistically.
func (p *pending) revert(it *feed.Item) {
	switch p.kind {
	case KindReact, KindUnreact:
		it.SetReaction(p.snapshot.Reaction())
	case KindEdit:
		it.Body = p.snapshot.Body
		it.Visibility = p.snapshot.Visibility
	}
}

func (p *pending) rollback(s *feed.Store) {
	switch p.kind {
	case KindReact, KindUnreact, KindEdit:
		_, _ = s.Mutate(feed.ReasonRollback, p.itemID, p.revert)
	case KindDelete:
		s.Restore(p.snapshot)
	case KindCreate:
		s.Remove(feed.ReasonRollback, p.itemID)
	}
}

// chain holds the mutations queued for one item; the head is in flight.
type chain struct {
	queue []*pending
}

// Engine owns every pending mutation for one store.
type Engine struct {
	store  *feed.Store
	remote Remote
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	chains   map[string]*chain
	closed   bool
	inflight sync.WaitGroup
}

// NewEngine creates an engine writing optimistic state into store.
func NewEngine(store *feed.Store, remote Remote, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		remote: remote,
		bus:    b,
		logger: logger.With(zap.String("feed", store.Scope())),
		chains: make(map[string]*chain),
	}
}

// React marks the item as reacted by the viewer.
func (e *Engine) React(itemID, viewerID string) *Handle {
	return e.toggle(KindReact, itemID, viewerID)
}

// Unreact withdraws the viewer's reaction.
func (e *Engine) Unreact(itemID, viewerID string) *Handle {
	return e.toggle(KindUnreact, itemID, viewerID)
}

func (e *Engine) toggle(kind Kind, itemID, viewerID string) *Handle {
	want := kind == KindReact
	p := &pending{kind: kind, itemID: itemID, viewerID: viewerID}
	p.call = func(ctx context.Context) (result, error) {
		var rs feed.ReactionState
		var err error
		if want {
			rs, err = e.remote.React(ctx, itemID)
		} else {
			rs, err = e.remote.Unreact(ctx, itemID)
		}
		return result{reaction: rs}, err
	}
	p.confirm = func(res result, last bool) {
		// Server truth would clobber the optimistic state of a queued toggle.
		if !last {
			return
		}
		_, _ = e.store.Mutate(feed.ReasonConfirm, itemID, func(it *feed.Item) { it.SetReaction(res.reaction) })
	}
	return e.dispatch(p, func(it *feed.Item) {
		if it.ViewerReacted == want {
			return
		}
		it.ViewerReacted = want
		if want {
			it.ReactionCount++
		} else if it.ReactionCount > 0 {
			it.ReactionCount--
		}
	})
}

// EditContent replaces body and visibility.
func (e *Engine) EditContent(itemID, body string, vis feed.Visibility) *Handle {
	p := &pending{kind: KindEdit, itemID: itemID}
	p.call = func(ctx context.Context) (result, error) {
		it, err := e.remote.EditPost(ctx, itemID, body, vis)
		return result{item: it}, err
	}
	p.confirm = func(res result, last bool) {
		if !last || res.item.ID == "" {
			return
		}
		e.store.Merge(feed.ReasonConfirm, res.item)
	}
	return e.dispatch(p, func(it *feed.Item) {
		it.Body = body
		it.Visibility = vis
	})
}

// DeletePost removes the item immediately and restores it at its original
// position if the server refuses.
func (e *Engine) DeletePost(itemID string) *Handle {
	p := &pending{kind: KindDelete, itemID: itemID}
	p.call = func(ctx context.Context) (result, error) {
		return result{}, e.remote.DeletePost(ctx, itemID)
	}
	// A page fetched before the delete may have merged the item back.
	p.confirm = func(_ result, last bool) {
		if last {
			e.store.Remove(feed.ReasonConfirm, itemID)
		}
	}
	return e.dispatch(p, nil)
}

// CreatePost pins a temporary item at the head of the feed and swaps in the
// server item once it is confirmed.
func (e *Engine) CreatePost(viewerID string, d feed.Draft) *Handle {
	if d.ClientToken == "" {
		d.ClientToken = uuid.NewString()
	}
	if d.Visibility == "" {
		d.Visibility = feed.Public
	}
	tempID := TempPrefix + ulid.Make().String()

	p := &pending{kind: KindCreate, itemID: tempID, viewerID: viewerID}
	p.call = func(ctx context.Context) (result, error) {
		it, err := e.remote.CreatePost(ctx, d)
		return result{item: it}, err
	}
	p.confirm = func(res result, _ bool) {
		if res.item.ID == "" {
			e.store.Remove(feed.ReasonConfirm, tempID)
			return
		}
		e.store.Confirm(tempID, res.item)
	}

	temp := feed.Item{
		ID:          tempID,
		AuthorID:    viewerID,
		Body:        d.Body,
		Attachments: d.Attachments,
		CreatedAt:   time.Now().UTC(),
		Visibility:  d.Visibility,
		ClientToken: d.ClientToken,
	}
	return e.dispatchCreate(p, temp)
}

// Settled returns the store's items with every unresolved mutation undone:
// deleted items come back, optimistic edits and reactions are reverted and
// pending creates are left out. Restored items are appended; callers that
// need feed order merge them into a store.
func (e *Engine) Settled() []feed.Item {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := slices.DeleteFunc(e.store.Snapshot(), func(it feed.Item) bool { return it.Pending })
	index := make(map[string]int, len(out))
	for i, it := range out {
		index[it.ID] = i
	}

	for id, c := range e.chains {
		i, ok := index[id]
		var cur feed.Item
		if ok {
			cur = out[i]
		}
		resident := ok
		for j := len(c.queue) - 1; j >= 0; j-- {
			p := c.queue[j]
			switch p.kind {
			case KindCreate:
				resident = false
			case KindDelete:
				cur, resident = p.snapshot.Clone(), true
			default:
				if resident {
					p.revert(&cur)
				}
			}
		}
		switch {
		case resident && ok:
			out[i] = cur
		case resident:
			index[id] = len(out)
			out = append(out, cur)
		}
	}
	return out
}

// InFlight returns the number of unresolved mutations.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.chains {
		n += len(c.queue)
	}
	return n
}

// Close stops the engine from touching the store. Remote calls already
// issued or queued still run so the user's intent reaches the server, but
// their completions are discarded.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Drain waits until every queued remote call has resolved.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch applies the optimistic change and queues the remote call. apply
// nil means removal. Both happen under the engine lock so a completion can
// never interleave between them.
func (e *Engine) dispatch(p *pending, apply func(it *feed.Item)) *Handle {
	p.token = uuid.NewString()
	p.queuedAt = time.Now()
	p.handle = newHandle(p.token, p.kind, p.itemID)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return p.handle.fail(ErrClosed)
	}
	snap, ok := e.store.Get(p.itemID)
	if !ok {
		e.mu.Unlock()
		return p.handle.fail(fmt.Errorf("%s %s: %w", p.kind, p.itemID, feed.ErrNotFound))
	}
	if snap.Pending {
		e.mu.Unlock()
		return p.handle.fail(fmt.Errorf("%s %s: %w", p.kind, p.itemID, ErrPending))
	}
	p.snapshot = snap
	if apply == nil {
		e.store.Remove(feed.ReasonOptimistic, p.itemID)
	} else {
		_, _ = e.store.Mutate(feed.ReasonOptimistic, p.itemID, apply)
	}
	start := e.enqueueLocked(p)
	e.mu.Unlock()

	e.logger.Debug("mutation queued", zap.String("token", p.token), zap.String("kind", string(p.kind)), zap.String("item", p.itemID))
	if start {
		go e.drive(p.itemID)
	}
	return p.handle
}

func (e *Engine) dispatchCreate(p *pending, temp feed.Item) *Handle {
	p.token = uuid.NewString()
	p.queuedAt = time.Now()
	p.handle = newHandle(p.token, p.kind, p.itemID)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return p.handle.fail(ErrClosed)
	}
	inserted, err := e.store.InsertPending(temp)
	if err != nil {
		e.mu.Unlock()
		return p.handle.fail(fmt.Errorf("create: %w", err))
	}
	p.snapshot = inserted
	start := e.enqueueLocked(p)
	e.mu.Unlock()

	if start {
		go e.drive(p.itemID)
	}
	return p.handle
}

func (e *Engine) enqueueLocked(p *pending) bool {
	c := e.chains[p.itemID]
	if c == nil {
		c = &chain{}
		e.chains[p.itemID] = c
	}
	c.queue = append(c.queue, p)
	e.inflight.Add(1)
	return len(c.queue) == 1
}

// drive issues the remote calls queued for one item, oldest first.
func (e *Engine) drive(itemID string) {
	for {
		e.mu.Lock()
		c := e.chains[itemID]
		p := c.queue[0]
		e.mu.Unlock()

		res, err := p.call(context.Background())

		e.mu.Lock()
		c.queue = c.queue[1:]
		var aborted []*pending
		if err != nil {
			aborted = c.queue
			c.queue = nil
		}
		last := len(c.queue) == 0
		if last {
			delete(e.chains, itemID)
		}
		closed := e.closed
		if !closed {
			if err != nil {
				// Successors stacked their optimistic state on this one;
				// unwinding newest first lands on this snapshot.
				for i := len(aborted) - 1; i >= 0; i-- {
					aborted[i].rollback(e.store)
				}
				p.rollback(e.store)
			} else {
				p.confirm(res, last)
			}
		}
		e.mu.Unlock()

		e.finish(p, res, err, closed)
		for _, a := range aborted {
			e.finish(a, result{}, ErrAborted, closed)
		}
		if last {
			return
		}
	}
}

func (e *Engine) finish(p *pending, res result, err error, closed bool) {
	defer e.inflight.Done()

	item := res.item
	if item.ID == "" && p.kind != KindDelete {
		if cur, ok := e.store.Get(p.itemID); ok {
			item = cur
		}
	}

	fields := []zap.Field{
		zap.String("token", p.token),
		zap.String("kind", string(p.kind)),
		zap.String("item", p.itemID),
		zap.Duration("took", time.Since(p.queuedAt)),
	}
	if closed {
		e.logger.Debug("mutation resolved after close", append(fields, zap.Error(err))...)
	} else if err != nil {
		e.logger.Warn("mutation rolled back", append(fields, zap.Error(err))...)
	} else {
		e.logger.Debug("mutation confirmed", fields...)
	}

	kind := bus.KindMutationConfirmed
	if err != nil {
		kind = bus.KindMutationRolledBack
	}
	if !closed {
		e.bus.Publish(bus.NewEvent(kind, Outcome{Token: p.token, Kind: p.kind, ItemID: p.itemID, Err: err}))
	}
	if err != nil {
		err = fmt.Errorf("%s %s: %w", p.kind, p.itemID, err)
	}
	p.handle.resolve(item, err)
}

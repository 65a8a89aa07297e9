package feed

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/feedsync/internal/bus"
	"go.uber.org/zap"
)

// ErrNotFound is returned when an operation targets an id that is not resident.
var ErrNotFound = errors.New("item not found")

// Reasons attached to change notifications.
const (
	ReasonPage       = "page"
	ReasonPush       = "push"
	ReasonCache      = "cache"
	ReasonOptimistic = "optimistic"
	ReasonConfirm    = "confirm"
	ReasonRollback   = "rollback"
	ReasonReset      = "reset"
)

// Change is published on the bus after every visible modification.
type Change struct {
	Scope  string
	Reason string
	IDs    []string
}

// MergeResult counts what a merge did with each incoming item.
type MergeResult struct {
	Inserted int
	Replaced int
	Stale    int
}

// Stats are cumulative counters for the lifetime of the store.
type Stats struct {
	Inserted     int64
	Replaced     int64
	Removed      int64
	Swapped      int64
	StaleDropped int64
}

type entry struct {
	item Item
	// countsAt is the timestamp of the last counter patch applied.
	countsAt time.Time
}

// Store is the ordered, deduplicated set of items for one view. Every
// method runs to completion under one lock, so no reader ever observes a
// half-applied merge, swap or rollback.
type Store struct {
	mu      sync.Mutex
	scope   string
	bus     *bus.Bus
	logger  *zap.Logger
	entries map[string]*entry
	// pinned holds optimistic creates, newest first.
	pinned []string
	// order holds confirmed ids sorted by sortsBefore.
	order  []string
	tokens map[string]string
	stats  Stats
}

// NewStore creates an empty store. scope names the view that owns it and is
// carried on every change notification.
func NewStore(scope string, b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		scope:   scope,
		bus:     b,
		logger:  logger.With(zap.String("feed", scope)),
		entries: make(map[string]*entry),
		tokens:  make(map[string]string),
	}
}

// Scope returns the owning view's name.
func (s *Store) Scope() string {
	return s.scope
}

// Merge folds fetched or pushed items into the store. A resident id is
// replaced in place unless the incoming copy is strictly older; a new id is
// inserted by the ordering rule. An item whose client token matches a
// pending create replaces that temporary entry.
func (s *Store) Merge(reason string, items ...Item) MergeResult {
	var res MergeResult
	var changed []string

	s.mu.Lock()
	for _, it := range items {
		switch s.mergeLocked(it) {
		case outcomeInserted:
			res.Inserted++
			changed = append(changed, it.ID)
		case outcomeReplaced:
			res.Replaced++
			changed = append(changed, it.ID)
		case outcomeStale:
			res.Stale++
		}
	}
	s.mu.Unlock()

	if res.Stale > 0 {
		s.logger.Debug("stale items dropped", zap.String("reason", reason), zap.Int("count", res.Stale))
	}
	s.notify(reason, changed)
	return res
}

// ApplyPatch applies a partial update to a resident item. Content fields
// follow the item's write marker; counters follow their own marker so a
// reaction event never shadows a concurrent edit. Returns false when the
// item is not resident or every part of the patch was stale.
func (s *Store) ApplyPatch(reason string, p Patch) bool {
	s.mu.Lock()
	e, ok := s.entries[p.ID]
	if !ok || e.item.Pending {
		s.mu.Unlock()
		return false
	}

	applied := false
	if p.touchesContent() {
		if p.mark().olderThan(markOf(e.item)) {
			s.stats.StaleDropped++
		} else {
			p.applyContent(&e.item)
			applied = true
		}
	}
	if p.touchesCounters() {
		if !p.UpdatedAt.IsZero() && p.UpdatedAt.Before(e.countsAt) {
			s.stats.StaleDropped++
		} else {
			p.applyCounters(&e.item)
			if p.UpdatedAt.After(e.countsAt) {
				e.countsAt = p.UpdatedAt
			}
			applied = true
		}
	}
	if applied {
		s.stats.Replaced++
	}
	s.mu.Unlock()

	if applied {
		s.notify(reason, []string{p.ID})
	}
	return applied
}

// Remove deletes an id. Removing a non-resident id is a no-op.
func (s *Store) Remove(reason, id string) (Item, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return Item{}, false
	}
	removed := e.item.Clone()
	s.dropLocked(id)
	s.stats.Removed++
	s.mu.Unlock()

	s.notify(reason, []string{id})
	return removed, true
}

// Prune removes candidates the page proves gone: ids absent from page that
// sort no later than its oldest item. With complete set the page is the
// whole feed and every absent candidate goes. Pending items are kept.
func (s *Store) Prune(reason string, candidates []string, page []Item, complete bool) []string {
	seen := make(map[string]struct{}, len(page))
	var oldest Item
	for i, it := range page {
		seen[it.ID] = struct{}{}
		if i == 0 || sortsBefore(oldest, it) {
			oldest = it
		}
	}
	if len(page) == 0 && !complete {
		return nil
	}

	var removed []string
	s.mu.Lock()
	for _, id := range candidates {
		if _, ok := seen[id]; ok {
			continue
		}
		e, ok := s.entries[id]
		if !ok || e.item.Pending {
			continue
		}
		if !complete && sortsBefore(oldest, e.item) {
			continue
		}
		s.dropLocked(id)
		s.stats.Removed++
		removed = append(removed, id)
	}
	s.mu.Unlock()

	s.notify(reason, removed)
	return removed
}

// InsertPending pins an optimistic create at the head of the feed.
func (s *Store) InsertPending(it Item) (Item, error) {
	if it.ID == "" {
		return Item{}, fmt.Errorf("pending item needs a temporary id")
	}
	it = it.Clone()
	it.Pending = true

	s.mu.Lock()
	if _, exists := s.entries[it.ID]; exists {
		s.mu.Unlock()
		return Item{}, fmt.Errorf("id %q already resident", it.ID)
	}
	s.entries[it.ID] = &entry{item: it}
	s.pinned = slices.Insert(s.pinned, 0, it.ID)
	if it.ClientToken != "" {
		s.tokens[it.ClientToken] = it.ID
	}
	s.stats.Inserted++
	s.mu.Unlock()

	s.notify(ReasonOptimistic, []string{it.ID})
	return it.Clone(), nil
}

// Confirm swaps a temporary item for its server-confirmed version in one
// step. If the temporary entry is already gone (a push event carrying the
// same client token got there first) the server item is simply merged.
func (s *Store) Confirm(tempID string, confirmed Item) MergeResult {
	var res MergeResult
	changed := []string{tempID}

	s.mu.Lock()
	if e, ok := s.entries[tempID]; ok && e.item.Pending && tempID != confirmed.ID {
		s.dropLocked(tempID)
		s.stats.Swapped++
	}
	switch s.mergeLocked(confirmed) {
	case outcomeInserted:
		res.Inserted++
		changed = append(changed, confirmed.ID)
	case outcomeReplaced:
		res.Replaced++
		changed = append(changed, confirmed.ID)
	case outcomeStale:
		res.Stale++
	}
	s.mu.Unlock()

	s.notify(ReasonConfirm, changed)
	return res
}

// Mutate edits a resident item in place, bypassing the staleness rule.
// It exists for optimistic application and rollback, both of which write
// local truth rather than server truth. fn must not change the id.
func (s *Store) Mutate(reason, id string, fn func(it *Item)) (Item, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return Item{}, ErrNotFound
	}
	next := e.item.Clone()
	fn(&next)
	next.ID = e.item.ID
	next.Pending = e.item.Pending

	moved := !next.Pending && !next.CreatedAt.Equal(e.item.CreatedAt)
	if moved {
		s.unorderLocked(e.item)
	}
	e.item = next
	if moved {
		s.orderLocked(next)
	}
	out := next.Clone()
	s.mu.Unlock()

	s.notify(reason, []string{id})
	return out, nil
}

// Restore writes a previously captured item back verbatim. A non-resident
// item is reinserted at the position the ordering rule assigns it, which is
// the position it was removed from.
func (s *Store) Restore(it Item) {
	it = it.Clone()
	it.Pending = false

	s.mu.Lock()
	if e, ok := s.entries[it.ID]; ok {
		if e.item.Pending {
			s.dropLocked(it.ID)
		} else {
			s.unorderLocked(e.item)
			e.item = it
			s.orderLocked(it)
			s.mu.Unlock()
			s.notify(ReasonRollback, []string{it.ID})
			return
		}
	}
	s.entries[it.ID] = &entry{item: it}
	s.orderLocked(it)
	s.stats.Inserted++
	s.mu.Unlock()

	s.notify(ReasonRollback, []string{it.ID})
}

// Get returns a copy of a resident item.
func (s *Store) Get(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Item{}, false
	}
	return e.item.Clone(), true
}

// IndexOf returns the position of id in the current snapshot, or -1.
func (s *Store) IndexOf(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.Index(s.pinned, id); i >= 0 {
		return i
	}
	if i := slices.Index(s.order, id); i >= 0 {
		return len(s.pinned) + i
	}
	return -1
}

// Snapshot returns copies of all items in display order.
func (s *Store) Snapshot() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.pinned)+len(s.order))
	for _, id := range s.pinned {
		out = append(out, s.entries[id].item.Clone())
	}
	for _, id := range s.order {
		out = append(out, s.entries[id].item.Clone())
	}
	return out
}

// Len returns the number of resident items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns the cumulative counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Reset empties the store.
func (s *Store) Reset() {
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.tokens = make(map[string]string)
	s.pinned = nil
	s.order = nil
	s.mu.Unlock()

	s.notify(ReasonReset, nil)
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeInserted
	outcomeReplaced
	outcomeStale
)

func (s *Store) mergeLocked(in Item) outcome {
	if in.ID == "" {
		return outcomeSkipped
	}
	in = in.Clone()
	in.Pending = false

	if in.ClientToken != "" {
		if tempID, ok := s.tokens[in.ClientToken]; ok && tempID != in.ID {
			s.dropLocked(tempID)
			s.stats.Swapped++
		}
	}

	e, ok := s.entries[in.ID]
	if !ok {
		s.entries[in.ID] = &entry{item: in}
		s.orderLocked(in)
		s.stats.Inserted++
		return outcomeInserted
	}

	if markOf(in).olderThan(markOf(e.item)) {
		s.stats.StaleDropped++
		return outcomeStale
	}
	if in.LastWrite().Before(e.countsAt) {
		// This copy was taken before the last counter event we applied.
		in.ReactionCount = e.item.ReactionCount
		in.ViewerReacted = e.item.ViewerReacted
		in.CommentCount = e.item.CommentCount
	}

	if e.item.Pending {
		s.pinned = slices.DeleteFunc(s.pinned, func(id string) bool { return id == in.ID })
		e.item = in
		s.orderLocked(in)
	} else if !e.item.CreatedAt.Equal(in.CreatedAt) {
		s.unorderLocked(e.item)
		e.item = in
		s.orderLocked(in)
	} else {
		e.item = in
	}
	s.stats.Replaced++
	return outcomeReplaced
}

func (s *Store) dropLocked(id string) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	if e.item.Pending {
		s.pinned = slices.DeleteFunc(s.pinned, func(p string) bool { return p == id })
	} else {
		s.unorderLocked(e.item)
	}
	if tok := e.item.ClientToken; tok != "" && s.tokens[tok] == id {
		delete(s.tokens, tok)
	}
	delete(s.entries, id)
}

func (s *Store) compareLocked(id string, target Item) int {
	cur := s.entries[id].item
	switch {
	case sortsBefore(cur, target):
		return -1
	case sortsBefore(target, cur):
		return 1
	default:
		return 0
	}
}

func (s *Store) orderLocked(it Item) {
	i, _ := slices.BinarySearchFunc(s.order, it, s.compareLocked)
	s.order = slices.Insert(s.order, i, it.ID)
}

func (s *Store) unorderLocked(it Item) {
	i, found := slices.BinarySearchFunc(s.order, it, s.compareLocked)
	if found && s.order[i] == it.ID {
		s.order = slices.Delete(s.order, i, i+1)
		return
	}
	// The key drifted; fall back to a scan so the index never leaks.
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == it.ID })
}

func (s *Store) notify(reason string, ids []string) {
	if len(ids) == 0 && reason != ReasonReset {
		return
	}
	s.bus.Publish(bus.NewEvent(bus.KindFeedChanged, Change{
		Scope:  s.scope,
		Reason: reason,
		IDs:    ids,
	}))
}

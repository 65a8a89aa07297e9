// Package model keeps the TUI's copy of daemon state and turns user intents
// into daemon calls.
package model

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/matheus3301/feedsync/internal/api"
	"github.com/matheus3301/feedsync/internal/bus"
	"github.com/matheus3301/feedsync/internal/feed"
	"github.com/matheus3301/feedsync/internal/tui/ui"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Daemon is the subset of the feed service the view model calls.
// *api.FeedClient satisfies it.
type Daemon interface {
	GetStatus(ctx context.Context, req *api.StatusRequest, opts ...grpc.CallOption) (*api.StatusReply, error)
	Login(ctx context.Context, req *api.LoginRequest, opts ...grpc.CallOption) (*api.LoginReply, error)
	Logout(ctx context.Context, req *api.LogoutRequest, opts ...grpc.CallOption) (*api.LogoutReply, error)
	GetFeed(ctx context.Context, req *api.FeedRequest, opts ...grpc.CallOption) (*api.FeedReply, error)
	LoadMore(ctx context.Context, req *api.FeedRequest, opts ...grpc.CallOption) (*api.FeedReply, error)
	Refresh(ctx context.Context, req *api.FeedRequest, opts ...grpc.CallOption) (*api.FeedReply, error)
	React(ctx context.Context, req *api.ItemRequest, opts ...grpc.CallOption) (*api.MutationReply, error)
	Unreact(ctx context.Context, req *api.ItemRequest, opts ...grpc.CallOption) (*api.MutationReply, error)
	EditPost(ctx context.Context, req *api.EditRequest, opts ...grpc.CallOption) (*api.MutationReply, error)
	DeletePost(ctx context.Context, req *api.ItemRequest, opts ...grpc.CallOption) (*api.MutationReply, error)
	CreatePost(ctx context.Context, req *api.CreateRequest, opts ...grpc.CallOption) (*api.MutationReply, error)
	ListComments(ctx context.Context, req *api.CommentsRequest, opts ...grpc.CallOption) (*api.CommentsReply, error)
}

var _ Daemon = (*api.FeedClient)(nil)

// ViewModel caches daemon state and signals UI refreshes. Mutations are
// sent without waiting: the daemon applies them optimistically and the
// watch stream reports the outcome.
type ViewModel struct {
	mu sync.RWMutex

	daemon  Daemon
	Flash   *ui.FlashModel
	status  *api.StatusReply
	items   []api.ItemView
	hasMore bool

	commentsFor    string
	comments       []feed.Comment
	commentsCursor string

	refreshCh chan struct{}
}

// NewViewModel creates a view model backed by d.
func NewViewModel(d Daemon) *ViewModel {
	return &ViewModel{
		daemon:    d,
		Flash:     ui.NewFlashModel(),
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh returns the channel that signals UI refresh.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

// LoadStatus fetches daemon and connection status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	resp, err := vm.daemon.GetStatus(ctx, &api.StatusRequest{})
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = resp
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// LoadFeed re-reads the daemon's current view of the feed. It never
// fetches from the remote API; the daemon does that on LoadMore/Refresh.
func (vm *ViewModel) LoadFeed(ctx context.Context) error {
	resp, err := vm.daemon.GetFeed(ctx, &api.FeedRequest{})
	if err != nil {
		if isNotLoggedIn(err) {
			vm.setFeed(nil)
			return nil
		}
		return err
	}
	vm.setFeed(resp)
	return nil
}

// LoadMore fetches the next page.
func (vm *ViewModel) LoadMore(ctx context.Context) error {
	if !vm.HasMore() {
		vm.Flash.Info("End of feed")
		return nil
	}
	resp, err := vm.daemon.LoadMore(ctx, &api.FeedRequest{})
	if err != nil {
		return err
	}
	vm.setFeed(resp)
	return nil
}

// Refresh re-fetches the first page.
func (vm *ViewModel) Refresh(ctx context.Context) error {
	resp, err := vm.daemon.Refresh(ctx, &api.FeedRequest{})
	if err != nil {
		return err
	}
	vm.setFeed(resp)
	vm.Flash.Info(fmt.Sprintf("Refreshed, %d new from server", resp.Fetched))
	return nil
}

func (vm *ViewModel) setFeed(resp *api.FeedReply) {
	vm.mu.Lock()
	if resp == nil {
		vm.items, vm.hasMore = nil, false
	} else {
		vm.items, vm.hasMore = resp.Items, resp.HasMore
	}
	vm.mu.Unlock()
	vm.signalRefresh()
}

// ToggleReaction reacts to the item, or removes the viewer's reaction if
// it is already set.
func (vm *ViewModel) ToggleReaction(ctx context.Context, id string) error {
	it, ok := vm.Item(id)
	if !ok {
		return fmt.Errorf("item %s is not in the feed", id)
	}
	if it.Pending {
		return fmt.Errorf("post is still being published")
	}
	call := vm.daemon.React
	if it.ViewerReacted {
		call = vm.daemon.Unreact
	}
	resp, err := call(ctx, &api.ItemRequest{ID: id})
	if err != nil {
		return err
	}
	vm.apply(resp)
	return nil
}

// Edit replaces the item's body, keeping its visibility.
func (vm *ViewModel) Edit(ctx context.Context, id, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return fmt.Errorf("post body is empty")
	}
	resp, err := vm.daemon.EditPost(ctx, &api.EditRequest{ID: id, Body: body})
	if err != nil {
		return err
	}
	vm.apply(resp)
	return nil
}

// Delete removes the item.
func (vm *ViewModel) Delete(ctx context.Context, id string) error {
	if _, err := vm.daemon.DeletePost(ctx, &api.ItemRequest{ID: id}); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.items = removeItem(vm.items, id)
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Create publishes a new post. It shows up at the head of the feed as
// pending until the server confirms it.
func (vm *ViewModel) Create(ctx context.Context, body string, vis feed.Visibility) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return fmt.Errorf("post body is empty")
	}
	resp, err := vm.daemon.CreatePost(ctx, &api.CreateRequest{Body: body, Visibility: string(vis)})
	if err != nil {
		return err
	}
	vm.apply(resp)
	return nil
}

// apply folds the optimistic item from a mutation reply into the local copy
// so the change is visible before the next feed read.
func (vm *ViewModel) apply(resp *api.MutationReply) {
	if resp == nil || resp.Item == nil {
		return
	}
	vm.mu.Lock()
	replaced := false
	for i := range vm.items {
		if vm.items[i].ID == resp.Item.ID {
			vm.items[i] = *resp.Item
			replaced = true
			break
		}
	}
	if !replaced {
		vm.items = append([]api.ItemView{*resp.Item}, vm.items...)
	}
	vm.mu.Unlock()
	vm.signalRefresh()
}

// LoadComments reads the first comment page of an item.
func (vm *ViewModel) LoadComments(ctx context.Context, id string) error {
	resp, err := vm.daemon.ListComments(ctx, &api.CommentsRequest{ID: id})
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.commentsFor = id
	vm.comments = resp.Comments
	vm.commentsCursor = resp.NextCursor
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// MoreComments appends the next comment page of the open item.
func (vm *ViewModel) MoreComments(ctx context.Context) error {
	vm.mu.RLock()
	id, cursor := vm.commentsFor, vm.commentsCursor
	vm.mu.RUnlock()
	if id == "" || cursor == "" {
		vm.Flash.Info("No more comments")
		return nil
	}
	resp, err := vm.daemon.ListComments(ctx, &api.CommentsRequest{ID: id, Cursor: cursor})
	if err != nil {
		return err
	}
	vm.mu.Lock()
	if vm.commentsFor == id {
		vm.comments = append(vm.comments, resp.Comments...)
		vm.commentsCursor = resp.NextCursor
	}
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Login hands a bearer token to the daemon.
func (vm *ViewModel) Login(ctx context.Context, token string) error {
	resp, err := vm.daemon.Login(ctx, &api.LoginRequest{Token: strings.TrimSpace(token)})
	if err != nil {
		return err
	}
	vm.Flash.Info("Logged in as " + displayName(resp.Name, resp.ViewerID))
	return vm.LoadStatus(ctx)
}

// Logout ends the daemon's session and clears the local copy.
func (vm *ViewModel) Logout(ctx context.Context) error {
	if _, err := vm.daemon.Logout(ctx, &api.LogoutRequest{}); err != nil {
		return err
	}
	vm.setFeed(nil)
	vm.mu.Lock()
	vm.commentsFor, vm.comments, vm.commentsCursor = "", nil, ""
	vm.mu.Unlock()
	vm.Flash.Info("Logged out")
	return vm.LoadStatus(ctx)
}

// HandleEvent folds a watch event into the model. It reports whether the
// feed should be re-read from the daemon.
func (vm *ViewModel) HandleEvent(evt *api.FeedEvent) bool {
	switch {
	case evt.Kind == bus.KindChannelStateChanged:
		vm.mu.Lock()
		if vm.status != nil {
			s := *vm.status
			s.Connection = evt.Connection
			s.Attempts = evt.Attempts
			s.GaveUp = evt.GaveUp
			vm.status = &s
		}
		vm.mu.Unlock()
		if evt.GaveUp {
			vm.Flash.Warn("Live updates stopped; press R to refresh")
		}
		vm.signalRefresh()
		return false
	case evt.Kind == bus.KindMutationRolledBack:
		vm.Flash.Err(fmt.Errorf("%s failed and was undone: %s", strings.ToLower(evt.Mutation), evt.Error))
		return true
	case strings.HasPrefix(evt.Kind, "feed."), strings.HasPrefix(evt.Kind, "session."):
		return true
	}
	return false
}

// Item returns the cached item with the given id.
func (vm *ViewModel) Item(id string) (api.ItemView, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for _, it := range vm.items {
		if it.ID == id {
			return it, true
		}
	}
	return api.ItemView{}, false
}

// Items returns a snapshot of the feed.
func (vm *ViewModel) Items() []api.ItemView {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	out := make([]api.ItemView, len(vm.items))
	copy(out, vm.items)
	return out
}

// HasMore reports whether older pages remain.
func (vm *ViewModel) HasMore() bool {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.hasMore
}

// Status returns the last known daemon status, or nil.
func (vm *ViewModel) Status() *api.StatusReply {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}

// Comments returns the open item id and its loaded comments.
func (vm *ViewModel) Comments() (string, []feed.Comment, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	out := make([]feed.Comment, len(vm.comments))
	copy(out, vm.comments)
	return vm.commentsFor, out, vm.commentsCursor != ""
}

// Describe turns a daemon error into a line fit for the flash bar.
func Describe(err error) string {
	if st, ok := grpcstatus.FromError(err); ok {
		return strings.ToLower(st.Code().String()) + ": " + st.Message()
	}
	return err.Error()
}

// GetFeed fails with FailedPrecondition only while no feed is mounted.
func isNotLoggedIn(err error) bool {
	return grpcstatus.Code(err) == codes.FailedPrecondition
}

func removeItem(items []api.ItemView, id string) []api.ItemView {
	out := items[:0:0]
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

package api

import (
	"context"
	"time"

	"github.com/matheus3301/feedsync/internal/bus"
	"github.com/matheus3301/feedsync/internal/feed"
	"github.com/matheus3301/feedsync/internal/gateway"
	"github.com/matheus3301/feedsync/internal/mutation"
	"github.com/matheus3301/feedsync/internal/session"
	"github.com/matheus3301/feedsync/internal/status"
	"github.com/matheus3301/feedsync/internal/view"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Sessions is the login surface of the session manager.
type Sessions interface {
	Login(ctx context.Context, token string) (session.Identity, error)
	Logout(ctx context.Context) error
	Identity() (session.Identity, bool)
}

// Connection reports the push channel state.
type Connection interface {
	State() status.Snapshot
}

// Feeds yields the mounted feed view, or nil while logged out.
type Feeds interface {
	Current() *view.Feed
}

// Comments fetches comment pages on demand.
type Comments interface {
	ListComments(ctx context.Context, id, cursor string) (gateway.CommentPage, error)
}

var _ FeedServer = (*FeedService)(nil)

// FeedService implements FeedServer.
type FeedService struct {
	profile   string
	startedAt time.Time
	sessions  Sessions
	conn      Connection
	feeds     Feeds
	comments  Comments
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewFeedService creates the service. Any dependency may be nil; the
// methods that need it then fail with Unavailable.
func NewFeedService(profile string, sessions Sessions, conn Connection, feeds Feeds, comments Comments, b *bus.Bus, logger *zap.Logger) *FeedService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedService{
		profile:   profile,
		startedAt: time.Now(),
		sessions:  sessions,
		conn:      conn,
		feeds:     feeds,
		comments:  comments,
		bus:       b,
		logger:    logger,
	}
}

func (s *FeedService) GetStatus(_ context.Context, _ *StatusRequest) (*StatusReply, error) {
	resp := &StatusReply{
		Profile:    s.profile,
		Connection: string(status.Disconnected),
		BusDropped: s.bus.Dropped(),
		UptimeMs:   time.Since(s.startedAt).Milliseconds(),
	}
	if s.conn != nil {
		snap := s.conn.State()
		resp.Connection = string(snap.State)
		resp.Attempts = snap.Attempts
		resp.GaveUp = snap.GaveUp
	}
	if s.sessions != nil {
		if id, ok := s.sessions.Identity(); ok {
			resp.LoggedIn = true
			resp.ViewerID = id.ViewerID
			resp.ViewerName = id.Name
		}
	}
	if f := s.current(); f != nil {
		resp.Items = f.Store().Len()
		resp.InFlight = f.Engine().InFlight()
		resp.StaleDropped = f.Store().Stats().StaleDropped
		_, resp.HasMore = f.Cursor()
	}
	return resp, nil
}

func (s *FeedService) Login(ctx context.Context, req *LoginRequest) (*LoginReply, error) {
	if s.sessions == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "sessions not initialized")
	}
	if req.Token == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "token is required")
	}
	id, err := s.sessions.Login(ctx, req.Token)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("logged in via api", zap.String("viewer", id.ViewerID))
	return &LoginReply{ViewerID: id.ViewerID, Name: id.Name}, nil
}

func (s *FeedService) Logout(ctx context.Context, _ *LogoutRequest) (*LogoutReply, error) {
	if s.sessions == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "sessions not initialized")
	}
	if err := s.sessions.Logout(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &LogoutReply{}, nil
}

func (s *FeedService) GetFeed(_ context.Context, _ *FeedRequest) (*FeedReply, error) {
	f, err := s.mounted()
	if err != nil {
		return nil, err
	}
	return feedReply(f, 0), nil
}

func (s *FeedService) LoadMore(ctx context.Context, _ *FeedRequest) (*FeedReply, error) {
	f, err := s.mounted()
	if err != nil {
		return nil, err
	}
	page, err := f.LoadMore(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return feedReply(f, len(page.Items)), nil
}

func (s *FeedService) Refresh(ctx context.Context, _ *FeedRequest) (*FeedReply, error) {
	f, err := s.mounted()
	if err != nil {
		return nil, err
	}
	page, err := f.Refresh(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return feedReply(f, len(page.Items)), nil
}

func (s *FeedService) React(ctx context.Context, req *ItemRequest) (*MutationReply, error) {
	f, viewer, err := s.target(req.ID)
	if err != nil {
		return nil, err
	}
	return settle(ctx, f, f.Engine().React(req.ID, viewer), req.Wait)
}

func (s *FeedService) Unreact(ctx context.Context, req *ItemRequest) (*MutationReply, error) {
	f, viewer, err := s.target(req.ID)
	if err != nil {
		return nil, err
	}
	return settle(ctx, f, f.Engine().Unreact(req.ID, viewer), req.Wait)
}

func (s *FeedService) EditPost(ctx context.Context, req *EditRequest) (*MutationReply, error) {
	f, _, err := s.target(req.ID)
	if err != nil {
		return nil, err
	}
	var vis feed.Visibility
	if req.Visibility == "" {
		cur, ok := f.Store().Get(req.ID)
		if !ok {
			return nil, toStatus(feed.ErrNotFound)
		}
		vis = cur.Visibility
	} else if vis, err = feed.ParseVisibility(req.Visibility); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	return settle(ctx, f, f.Engine().EditContent(req.ID, req.Body, vis), req.Wait)
}

func (s *FeedService) DeletePost(ctx context.Context, req *ItemRequest) (*MutationReply, error) {
	f, _, err := s.target(req.ID)
	if err != nil {
		return nil, err
	}
	return settle(ctx, f, f.Engine().DeletePost(req.ID), req.Wait)
}

func (s *FeedService) CreatePost(ctx context.Context, req *CreateRequest) (*MutationReply, error) {
	f, err := s.mounted()
	if err != nil {
		return nil, err
	}
	viewer, err := s.viewer()
	if err != nil {
		return nil, err
	}
	vis, err := feed.ParseVisibility(req.Visibility)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	d := feed.Draft{
		Body:        req.Body,
		Visibility:  vis,
		Attachments: req.Attachments,
		ClientToken: req.ClientToken,
	}
	return settle(ctx, f, f.Engine().CreatePost(viewer, d), req.Wait)
}

func (s *FeedService) ListComments(ctx context.Context, req *CommentsRequest) (*CommentsReply, error) {
	if s.comments == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "gateway not initialized")
	}
	if req.ID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "id is required")
	}
	if _, err := s.viewer(); err != nil {
		return nil, err
	}
	page, err := s.comments.ListComments(ctx, req.ID, req.Cursor)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CommentsReply{Comments: page.Comments, NextCursor: page.NextCursor}, nil
}

// WatchFeed forwards feed, channel, mutation and session events until the
// client goes away. A watcher that falls behind loses events and should
// re-read the feed with GetFeed.
func (s *FeedService) WatchFeed(_ *WatchRequest, stream WatchStream) error {
	if s.bus == nil {
		return grpcstatus.Errorf(codes.Unavailable, "event bus not initialized")
	}
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case evt := <-ch:
			fe, ok := feedEventOf(evt)
			if !ok {
				continue
			}
			if err := stream.Send(fe); err != nil {
				return err
			}
		}
	}
}

func (s *FeedService) current() *view.Feed {
	if s.feeds == nil {
		return nil
	}
	return s.feeds.Current()
}

func (s *FeedService) mounted() (*view.Feed, error) {
	f := s.current()
	if f == nil {
		return nil, toStatus(errNoFeed)
	}
	return f, nil
}

func (s *FeedService) viewer() (string, error) {
	if s.sessions == nil {
		return "", toStatus(session.ErrNotLoggedIn)
	}
	id, ok := s.sessions.Identity()
	if !ok {
		return "", toStatus(session.ErrNotLoggedIn)
	}
	return id.ViewerID, nil
}

func (s *FeedService) target(id string) (*view.Feed, string, error) {
	if id == "" {
		return nil, "", grpcstatus.Errorf(codes.InvalidArgument, "id is required")
	}
	f, err := s.mounted()
	if err != nil {
		return nil, "", err
	}
	viewer, err := s.viewer()
	if err != nil {
		return nil, "", err
	}
	return f, viewer, nil
}

func feedReply(f *view.Feed, fetched int) *FeedReply {
	items := f.Items()
	views := make([]ItemView, len(items))
	for i, it := range items {
		views[i] = viewOf(it)
	}
	cursor, more := f.Cursor()
	return &FeedReply{
		Scope:      f.Store().Scope(),
		Items:      views,
		NextCursor: cursor,
		HasMore:    more,
		Fetched:    fetched,
	}
}

// settle turns a mutation handle into a reply, waiting for resolution when
// asked to. Intents rejected before dispatch always fail the call.
func settle(ctx context.Context, f *view.Feed, h *mutation.Handle, wait bool) (*MutationReply, error) {
	reply := &MutationReply{Token: h.Token, Kind: string(h.Kind), ItemID: h.ItemID}
	if wait {
		it, err := h.Wait(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		reply.Resolved = true
		if it.ID != "" {
			v := viewOf(it)
			reply.Item = &v
			reply.ItemID = it.ID
		}
		return reply, nil
	}
	if err := h.Err(); err != nil {
		return nil, toStatus(err)
	}
	select {
	case <-h.Done():
		reply.Resolved = true
	default:
	}
	if it, ok := f.Store().Get(h.ItemID); ok {
		v := viewOf(it)
		reply.Item = &v
	}
	return reply, nil
}

func feedEventOf(evt bus.Event) (*FeedEvent, bool) {
	if evt.Kind == bus.KindChannelEvent {
		return nil, false
	}
	fe := &FeedEvent{Kind: evt.Kind, At: evt.Timestamp}
	switch p := evt.Payload.(type) {
	case feed.Change:
		fe.Scope = p.Scope
		fe.Reason = p.Reason
		fe.IDs = p.IDs
	case status.StatusChange:
		fe.Connection = string(p.To)
		fe.Attempts = p.Attempts
		fe.GaveUp = p.GaveUp
	case mutation.Outcome:
		fe.Token = p.Token
		fe.Mutation = string(p.Kind)
		fe.ItemID = p.ItemID
		if p.Err != nil {
			fe.Error = p.Err.Error()
		}
	case session.Identity:
		fe.ViewerID = p.ViewerID
	}
	return fe, true
}

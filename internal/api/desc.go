// Package api exposes the daemon over gRPC. Messages travel as
// google.protobuf.Struct values built from the typed Go structs in this
// package, so the service needs no generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "feedsync.v1.FeedService"

// FeedServer is the daemon side of the feed service.
type FeedServer interface {
	GetStatus(context.Context, *StatusRequest) (*StatusReply, error)
	Login(context.Context, *LoginRequest) (*LoginReply, error)
	Logout(context.Context, *LogoutRequest) (*LogoutReply, error)
	GetFeed(context.Context, *FeedRequest) (*FeedReply, error)
	LoadMore(context.Context, *FeedRequest) (*FeedReply, error)
	Refresh(context.Context, *FeedRequest) (*FeedReply, error)
	React(context.Context, *ItemRequest) (*MutationReply, error)
	Unreact(context.Context, *ItemRequest) (*MutationReply, error)
	EditPost(context.Context, *EditRequest) (*MutationReply, error)
	DeletePost(context.Context, *ItemRequest) (*MutationReply, error)
	CreatePost(context.Context, *CreateRequest) (*MutationReply, error)
	ListComments(context.Context, *CommentsRequest) (*CommentsReply, error)
	WatchFeed(*WatchRequest, WatchStream) error
}

// WatchStream is the server end of WatchFeed.
type WatchStream interface {
	Send(*FeedEvent) error
	Context() context.Context
}

// FeedServiceDesc describes FeedService for grpc.Server.RegisterService.
var FeedServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FeedServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", FeedServer.GetStatus),
		unary("Login", FeedServer.Login),
		unary("Logout", FeedServer.Logout),
		unary("GetFeed", FeedServer.GetFeed),
		unary("LoadMore", FeedServer.LoadMore),
		unary("Refresh", FeedServer.Refresh),
		unary("React", FeedServer.React),
		unary("Unreact", FeedServer.Unreact),
		unary("EditPost", FeedServer.EditPost),
		unary("DeletePost", FeedServer.DeletePost),
		unary("CreatePost", FeedServer.CreatePost),
		unary("ListComments", FeedServer.ListComments),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchFeed",
			Handler:       watchFeedHandler,
			ServerStreams: true,
		},
	},
	Metadata: "feedsync/v1/feed.proto",
}

// RegisterFeedServer registers srv on s.
func RegisterFeedServer(s grpc.ServiceRegistrar, srv FeedServer) {
	s.RegisterService(&FeedServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(FeedServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				var r Req
				if err := fromStruct(req.(*structpb.Struct), &r); err != nil {
					return nil, grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", name, err)
				}
				resp, err := call(srv.(FeedServer), ctx, &r)
				if err != nil {
					return nil, err
				}
				return toStruct(resp)
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchFeedHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	var req WatchRequest
	if err := fromStruct(in, &req); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "WatchFeed: %v", err)
	}
	return srv.(FeedServer).WatchFeed(&req, &watchServerStream{stream})
}

type watchServerStream struct {
	grpc.ServerStream
}

func (w *watchServerStream) Send(evt *FeedEvent) error {
	s, err := toStruct(evt)
	if err != nil {
		return err
	}
	return w.SendMsg(s)
}

// FeedClient is the caller side of the feed service.
type FeedClient struct {
	cc grpc.ClientConnInterface
}

func NewFeedClient(cc grpc.ClientConnInterface) *FeedClient {
	return &FeedClient{cc: cc}
}

func invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, name string, req *Req, opts ...grpc.CallOption) (*Resp, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := fromStruct(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *FeedClient) GetStatus(ctx context.Context, req *StatusRequest, opts ...grpc.CallOption) (*StatusReply, error) {
	return invoke[StatusRequest, StatusReply](ctx, c.cc, "GetStatus", req, opts...)
}

func (c *FeedClient) Login(ctx context.Context, req *LoginRequest, opts ...grpc.CallOption) (*LoginReply, error) {
	return invoke[LoginRequest, LoginReply](ctx, c.cc, "Login", req, opts...)
}

func (c *FeedClient) Logout(ctx context.Context, req *LogoutRequest, opts ...grpc.CallOption) (*LogoutReply, error) {
	return invoke[LogoutRequest, LogoutReply](ctx, c.cc, "Logout", req, opts...)
}

func (c *FeedClient) GetFeed(ctx context.Context, req *FeedRequest, opts ...grpc.CallOption) (*FeedReply, error) {
	return invoke[FeedRequest, FeedReply](ctx, c.cc, "GetFeed", req, opts...)
}

func (c *FeedClient) LoadMore(ctx context.Context, req *FeedRequest, opts ...grpc.CallOption) (*FeedReply, error) {
	return invoke[FeedRequest, FeedReply](ctx, c.cc, "LoadMore", req, opts...)
}

func (c *FeedClient) Refresh(ctx context.Context, req *FeedRequest, opts ...grpc.CallOption) (*FeedReply, error) {
	return invoke[FeedRequest, FeedReply](ctx, c.cc, "Refresh", req, opts...)
}

func (c *FeedClient) React(ctx context.Context, req *ItemRequest, opts ...grpc.CallOption) (*MutationReply, error) {
	return invoke[ItemRequest, MutationReply](ctx, c.cc, "React", req, opts...)
}

func (c *FeedClient) Unreact(ctx context.Context, req *ItemRequest, opts ...grpc.CallOption) (*MutationReply, error) {
	return invoke[ItemRequest, MutationReply](ctx, c.cc, "Unreact", req, opts...)
}

func (c *FeedClient) EditPost(ctx context.Context, req *EditRequest, opts ...grpc.CallOption) (*MutationReply, error) {
	return invoke[EditRequest, MutationReply](ctx, c.cc, "EditPost", req, opts...)
}

func (c *FeedClient) DeletePost(ctx context.Context, req *ItemRequest, opts ...grpc.CallOption) (*MutationReply, error) {
	return invoke[ItemRequest, MutationReply](ctx, c.cc, "DeletePost", req, opts...)
}

func (c *FeedClient) CreatePost(ctx context.Context, req *CreateRequest, opts ...grpc.CallOption) (*MutationReply, error) {
	return invoke[CreateRequest, MutationReply](ctx, c.cc, "CreatePost", req, opts...)
}

func (c *FeedClient) ListComments(ctx context.Context, req *CommentsRequest, opts ...grpc.CallOption) (*CommentsReply, error) {
	return invoke[CommentsRequest, CommentsReply](ctx, c.cc, "ListComments", req, opts...)
}

// WatchClient receives FeedEvents until the stream ends.
type WatchClient struct {
	stream grpc.ClientStream
}

// WatchFeed opens the event stream.
func (c *FeedClient) WatchFeed(ctx context.Context, req *WatchRequest, opts ...grpc.CallOption) (*WatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &FeedServiceDesc.Streams[0], fullMethod("WatchFeed"), opts...)
	if err != nil {
		return nil, err
	}
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchClient{stream: stream}, nil
}

func (w *WatchClient) Recv() (*FeedEvent, error) {
	out := new(structpb.Struct)
	if err := w.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	evt := new(FeedEvent)
	if err := fromStruct(out, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

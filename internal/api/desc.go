package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Chatsync"

// Method names.
const (
	MethodStatus            = "Status"
	MethodLogin             = "Login"
	MethodLogout            = "Logout"
	MethodListConversations = "ListConversations"
	MethodOpenConversation  = "OpenConversation"
	MethodListMessages      = "ListMessages"
	MethodSendMessage       = "SendMessage"
	MethodNotifyTyping      = "NotifyTyping"
	MethodMarkDisplayed     = "MarkDisplayed"
	MethodTyping            = "Typing"
	MethodPresence          = "Presence"
	MethodStartConversation = "StartConversation"
	MethodSearchUsers       = "SearchUsers"
	MethodFriends           = "Friends"
	MethodRequestFriend     = "RequestFriend"
	MethodAcceptFriend      = "AcceptFriend"
	MethodRejectFriend      = "RejectFriend"
	MethodUpdateProfile     = "UpdateProfile"
	MethodWatchEvents       = "WatchEvents"
)

// FullMethod returns the path of a method, as used by clients.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes the service. Every message is a
// google.protobuf.Struct carrying the JSON shapes in types.go.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, (*Service).Status),
		unary(MethodLogin, (*Service).Login),
		unary(MethodLogout, (*Service).Logout),
		unary(MethodListConversations, (*Service).ListConversations),
		unary(MethodOpenConversation, (*Service).OpenConversation),
		unary(MethodListMessages, (*Service).ListMessages),
		unary(MethodSendMessage, (*Service).SendMessage),
		unary(MethodNotifyTyping, (*Service).NotifyTyping),
		unary(MethodMarkDisplayed, (*Service).MarkDisplayed),
		unary(MethodTyping, (*Service).Typing),
		unary(MethodPresence, (*Service).Presence),
		unary(MethodStartConversation, (*Service).StartConversation),
		unary(MethodSearchUsers, (*Service).SearchUsers),
		unary(MethodFriends, (*Service).Friends),
		unary(MethodRequestFriend, (*Service).RequestFriend),
		unary(MethodAcceptFriend, (*Service).AcceptFriend),
		unary(MethodRejectFriend, (*Service).RejectFriend),
		unary(MethodUpdateProfile, (*Service).UpdateProfile),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			ServerStreams: true,
			Handler:       watchEventsHandler,
		},
	},
}

// Register adds the service to a gRPC server.
func Register(srv grpc.ServiceRegistrar, svc *Service) {
	srv.RegisterService(&ServiceDesc, svc)
}

func unary[Req, Resp any](name string, call func(*Service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, raw any) (any, error) {
				req := new(Req)
				if err := Decode(raw.(*structpb.Struct), req); err != nil {
					return nil, grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", name, err)
				}
				resp, err := call(srv.(*Service), ctx, req)
				if err != nil {
					return nil, toStatus(err)
				}
				out, err := Encode(resp)
				if err != nil {
					return nil, grpcstatus.Errorf(codes.Internal, "%s: %v", name, err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	req := new(WatchRequest)
	if err := Decode(in, req); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", MethodWatchEvents, err)
	}
	return srv.(*Service).WatchEvents(req, stream)
}

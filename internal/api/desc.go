// Package api exposes the daemon over gRPC.
//
// Requests and responses are google.protobuf.Struct values, so the services
// are described by hand rather than generated.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ChatServiceName   = "erpchat.v1.ChatService"
	CallServiceName   = "erpchat.v1.CallService"
	StatusServiceName = "erpchat.v1.StatusService"
)

// ChatServer is the chat surface of the daemon.
type ChatServer interface {
	ListChannels(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryAll(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Subscribe(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unsubscribe(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Refresh(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

// CallServer controls the single call session.
type CallServer interface {
	StartCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EndCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// StatusServer reports daemon health.
type StatusServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(srv any, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unary(service, name string, fn unaryMethod) grpc.MethodDesc {
	full := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func chatMethod(name string, fn func(ChatServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return unary(ChatServiceName, name, func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		return fn(srv.(ChatServer), ctx, in)
	})
}

// ChatServiceDesc describes ChatService.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ChatServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		chatMethod("ListChannels", ChatServer.ListChannels),
		chatMethod("ListMessages", ChatServer.ListMessages),
		chatMethod("SendMessage", ChatServer.SendMessage),
		chatMethod("Retry", ChatServer.Retry),
		chatMethod("RetryAll", ChatServer.RetryAll),
		chatMethod("Subscribe", ChatServer.Subscribe),
		chatMethod("Unsubscribe", ChatServer.Unsubscribe),
		chatMethod("Refresh", ChatServer.Refresh),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchEvents",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(ChatServer).WatchEvents(in, stream)
		},
	}},
}

func callMethod(name string, fn func(CallServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return unary(CallServiceName, name, func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		return fn(srv.(CallServer), ctx, in)
	})
}

// CallServiceDesc describes CallService.
var CallServiceDesc = grpc.ServiceDesc{
	ServiceName: CallServiceName,
	HandlerType: (*CallServer)(nil),
	Methods: []grpc.MethodDesc{
		callMethod("StartCall", CallServer.StartCall),
		callMethod("EndCall", CallServer.EndCall),
		callMethod("GetCall", CallServer.GetCall),
	},
}

// StatusServiceDesc describes StatusService.
var StatusServiceDesc = grpc.ServiceDesc{
	ServiceName: StatusServiceName,
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(StatusServiceName, "GetStatus", func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return srv.(StatusServer).GetStatus(ctx, in)
		}),
	},
}

// Register installs all three services on s.
func Register(s grpc.ServiceRegistrar, chat ChatServer, calls CallServer, st StatusServer) {
	s.RegisterService(&ChatServiceDesc, chat)
	s.RegisterService(&CallServiceDesc, calls)
	s.RegisterService(&StatusServiceDesc, st)
}

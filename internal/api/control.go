// Package api exposes the daemon to finlinkctl over gRPC on the profile's
// unix socket.
package api

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "finlink.v1.Control"

// ControlServer is implemented by Service.
type ControlServer interface {
	Status(context.Context, *Empty) (*StatusResponse, error)
	Login(context.Context, *LoginRequest) (*LoginResponse, error)
	Register(context.Context, *LoginRequest) (*LoginResponse, error)
	Logout(context.Context, *Empty) (*Empty, error)
	Connect(context.Context, *Empty) (*StatusResponse, error)
	Disconnect(context.Context, *Empty) (*StatusResponse, error)
	ListConversations(context.Context, *ListConversationsRequest) (*ConversationsResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*MessagesResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	Resend(context.Context, *ResendRequest) (*SendMessageResponse, error)
	MarkRead(context.Context, *ConversationRequest) (*Empty, error)
	SetActive(context.Context, *ConversationRequest) (*Empty, error)
	WatchEvents(*WatchRequest, EventSender) error
}

// EventSender is the server side of a WatchEvents stream.
type EventSender interface {
	Send(*EventEnvelope) error
	Context() context.Context
}

var controlDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", ControlServer.Status),
		unary("Login", ControlServer.Login),
		unary("Register", ControlServer.Register),
		unary("Logout", ControlServer.Logout),
		unary("Connect", ControlServer.Connect),
		unary("Disconnect", ControlServer.Disconnect),
		unary("ListConversations", ControlServer.ListConversations),
		unary("ListMessages", ControlServer.ListMessages),
		unary("SendMessage", ControlServer.SendMessage),
		unary("Resend", ControlServer.Resend),
		unary("MarkRead", ControlServer.MarkRead),
		unary("SetActive", ControlServer.SetActive),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "finlink/v1/control.proto",
}

func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&controlDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary adapts a typed method to a grpc.MethodDesc that speaks Struct.
func unary[Req, Resp any](name string, call func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, raw any) (any, error) {
				req := new(Req)
				if err := fromStruct(raw.(*structpb.Struct), req); err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "decode %s request: %v", name, err)
				}
				resp, err := call(srv.(ControlServer), ctx, req)
				if err != nil {
					return nil, toStatus(err)
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

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	var req WatchRequest
	if err := fromStruct(in, &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode WatchEvents request: %v", err)
	}
	return srv.(ControlServer).WatchEvents(&req, &eventStream{stream})
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(e *EventEnvelope) error {
	msg, err := toStruct(e)
	if err != nil {
		return err
	}
	return s.ServerStream.SendMsg(msg)
}

func toStruct(v any) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if v == nil {
		return out, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if string(data) == "null" {
		return out, nil
	}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, out any) error {
	if s == nil || len(s.GetFields()) == 0 {
		return nil
	}
	data, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a daemon's control service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	cc, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return NewClient(cc), nil
}

func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{conn: cc}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := fromStruct(resp, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	return &out, c.invoke(ctx, "Status", nil, &out)
}

func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	var out LoginResponse
	return &out, c.invoke(ctx, "Login", &LoginRequest{Email: email, Password: password}, &out)
}

func (c *Client) Register(ctx context.Context, email, password, name string) (*LoginResponse, error) {
	var out LoginResponse
	return &out, c.invoke(ctx, "Register", &LoginRequest{Email: email, Password: password, Name: name}, &out)
}

func (c *Client) Logout(ctx context.Context) error {
	return c.invoke(ctx, "Logout", nil, nil)
}

func (c *Client) Connect(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	return &out, c.invoke(ctx, "Connect", nil, &out)
}

func (c *Client) Disconnect(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	return &out, c.invoke(ctx, "Disconnect", nil, &out)
}

func (c *Client) ListConversations(ctx context.Context, refresh bool) (*ConversationsResponse, error) {
	var out ConversationsResponse
	return &out, c.invoke(ctx, "ListConversations", &ListConversationsRequest{Refresh: refresh}, &out)
}

func (c *Client) ListMessages(ctx context.Context, req ListMessagesRequest) (*MessagesResponse, error) {
	var out MessagesResponse
	return &out, c.invoke(ctx, "ListMessages", &req, &out)
}

func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (string, error) {
	var out SendMessageResponse
	err := c.invoke(ctx, "SendMessage", &req, &out)
	return out.TempID, err
}

func (c *Client) Resend(ctx context.Context, conversationID, messageID string) (string, error) {
	var out SendMessageResponse
	err := c.invoke(ctx, "Resend", &ResendRequest{ConversationID: conversationID, MessageID: messageID}, &out)
	return out.TempID, err
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.invoke(ctx, "MarkRead", &ConversationRequest{ConversationID: conversationID}, nil)
}

func (c *Client) SetActive(ctx context.Context, conversationID string) error {
	return c.invoke(ctx, "SetActive", &ConversationRequest{ConversationID: conversationID}, nil)
}

// WatchEvents calls fn for every event whose kind starts with prefix until
// ctx is done, the daemon closes the stream, or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(EventEnvelope) error) error {
	stream, err := c.conn.NewStream(ctx, &controlDesc.Streams[0], fullMethod("WatchEvents"))
	if err != nil {
		return err
	}
	req, err := toStruct(&WatchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt EventEnvelope
		if err := fromStruct(msg, &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/restapi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a session daemon over its Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := api.Encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return err
	}
	return api.Decode(out, resp)
}

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	resp := new(api.StatusResponse)
	return resp, c.invoke(ctx, api.MethodStatus, api.Empty{}, resp)
}

func (c *Client) Login(ctx context.Context, req api.LoginRequest) (*api.StatusResponse, error) {
	resp := new(api.StatusResponse)
	return resp, c.invoke(ctx, api.MethodLogin, req, resp)
}

func (c *Client) Logout(ctx context.Context) (*api.StatusResponse, error) {
	resp := new(api.StatusResponse)
	return resp, c.invoke(ctx, api.MethodLogout, api.Empty{}, resp)
}

// Conversations lists conversations, filtered by query when non-empty.
func (c *Client) Conversations(ctx context.Context, query string) ([]api.Conversation, error) {
	resp := new(api.ConversationList)
	if err := c.invoke(ctx, api.MethodListConversations, api.ConversationQuery{Query: query}, resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (c *Client) Open(ctx context.Context, req api.OpenRequest) (*api.Conversation, error) {
	resp := new(api.ConversationResponse)
	if err := c.invoke(ctx, api.MethodOpenConversation, req, resp); err != nil {
		return nil, err
	}
	return &resp.Conversation, nil
}

func (c *Client) Messages(ctx context.Context, conversationID string) ([]api.Message, error) {
	resp := new(api.MessageList)
	if err := c.invoke(ctx, api.MethodListMessages, api.MessagesRequest{ConversationID: conversationID}, resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) Send(ctx context.Context, conversationID, text string) (*api.Message, error) {
	resp := new(api.SendResponse)
	if err := c.invoke(ctx, api.MethodSendMessage, api.SendRequest{ConversationID: conversationID, Text: text}, resp); err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

func (c *Client) NotifyTyping(ctx context.Context) error {
	return c.invoke(ctx, api.MethodNotifyTyping, api.Empty{}, &api.Empty{})
}

// MarkDisplayed sends read receipts and reports how many were sent.
func (c *Client) MarkDisplayed(ctx context.Context, conversationID string) (int, error) {
	resp := new(api.MarkDisplayedResponse)
	if err := c.invoke(ctx, api.MethodMarkDisplayed, api.MarkDisplayedRequest{ConversationID: conversationID}, resp); err != nil {
		return 0, err
	}
	return resp.Sent, nil
}

func (c *Client) Typing(ctx context.Context, conversationID string) (*api.TypingResponse, error) {
	resp := new(api.TypingResponse)
	return resp, c.invoke(ctx, api.MethodTyping, api.TypingRequest{ConversationID: conversationID}, resp)
}

func (c *Client) Presence(ctx context.Context) (*api.PresenceResponse, error) {
	resp := new(api.PresenceResponse)
	return resp, c.invoke(ctx, api.MethodPresence, api.Empty{}, resp)
}

func (c *Client) StartConversation(ctx context.Context, userID string) (*api.Conversation, error) {
	resp := new(api.ConversationResponse)
	if err := c.invoke(ctx, api.MethodStartConversation, api.UserRequest{UserID: userID}, resp); err != nil {
		return nil, err
	}
	return &resp.Conversation, nil
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]restapi.User, error) {
	resp := new(api.UserList)
	if err := c.invoke(ctx, api.MethodSearchUsers, api.UserQuery{Query: query}, resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) Friends(ctx context.Context, refresh bool) (*api.FriendsResponse, error) {
	resp := new(api.FriendsResponse)
	return resp, c.invoke(ctx, api.MethodFriends, api.FriendsRequest{Refresh: refresh}, resp)
}

func (c *Client) RequestFriend(ctx context.Context, userID string) error {
	return c.invoke(ctx, api.MethodRequestFriend, api.UserRequest{UserID: userID}, &api.Empty{})
}

func (c *Client) AcceptFriend(ctx context.Context, requestID string) error {
	return c.invoke(ctx, api.MethodAcceptFriend, api.FriendRequestRef{RequestID: requestID}, &api.Empty{})
}

func (c *Client) RejectFriend(ctx context.Context, requestID string) error {
	return c.invoke(ctx, api.MethodRejectFriend, api.FriendRequestRef{RequestID: requestID}, &api.Empty{})
}

func (c *Client) UpdateProfile(ctx context.Context, update restapi.ProfileUpdate) (*api.UserResponse, error) {
	resp := new(api.UserResponse)
	return resp, c.invoke(ctx, api.MethodUpdateProfile, update, resp)
}

// Watch streams events in the given namespaces to fn until ctx ends, the
// daemon closes the stream or fn returns an error.
func (c *Client) Watch(ctx context.Context, namespaces []string, fn func(api.EventEnvelope) error) error {
	desc := &api.ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, api.FullMethod(api.MethodWatchEvents))
	if err != nil {
		return err
	}
	in, err := api.Encode(api.WatchRequest{Namespaces: namespaces})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var env api.EventEnvelope
		if err := api.Decode(out, &env); err != nil {
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}

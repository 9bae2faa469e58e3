package api

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/friends"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const defaultOpenTimeout = 15 * time.Second

// Engine is the synchronizer as seen by UI processes.
type Engine interface {
	Status() status.State
	Active() string
	UserID() string
	Counts() (conversations, messages int64, err error)

	Login(ctx context.Context, email, password string) error
	LoginToken(ctx context.Context, token string) error
	Logout(ctx context.Context) error

	ListConversations() ([]store.Conversation, error)
	SearchConversations(query string) ([]store.Conversation, error)
	OpenConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetConversation(id string) (*store.Conversation, error)
	ListMessages(conversationID string) ([]store.Message, error)

	SendMessage(ctx context.Context, text string) (*store.Message, error)
	NotifyTyping(ctx context.Context) error
	MarkDisplayed(ctx context.Context, conversationID string) (int, error)
	Typing(conversationID string) []string
	Presence() []presence.Entry

	StartConversation(ctx context.Context, participantID string) (*store.Conversation, error)
	SearchUsers(ctx context.Context, query string) ([]restapi.User, error)
	RefreshFriends(ctx context.Context) error
	RequestFriend(ctx context.Context, userID string) error
	AcceptFriend(ctx context.Context, requestID string) error
	RejectFriend(ctx context.Context, requestID string) error
	UpdateProfile(ctx context.Context, update restapi.ProfileUpdate) (store.User, error)
}

// Directory exposes the cached friendship edges.
type Directory interface {
	Friends() []string
	Requests() []restapi.FriendRequest
	Edge(userID string) friends.Edge
}

// Link reports the server connection.
type Link interface {
	Connected() bool
	Server() string
}

// Service implements the Chatsync gRPC service.
type Service struct {
	sessionName string
	startedAt   time.Time
	engine      Engine
	directory   Directory
	link        Link
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewService creates the service for one session.
func NewService(sessionName string, engine Engine, directory Directory, link Link, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{
		sessionName: sessionName,
		startedAt:   time.Now(),
		engine:      engine,
		directory:   directory,
		link:        link,
		bus:         b,
		logger:      logger,
	}
}

func (s *Service) Status(_ context.Context, _ *Empty) (*StatusResponse, error) {
	resp := &StatusResponse{
		Session:   s.sessionName,
		Status:    string(s.engine.Status()),
		UptimeMs:  time.Since(s.startedAt).Milliseconds(),
		UserID:    s.engine.UserID(),
		Active:    s.engine.Active(),
		Server:    s.link.Server(),
		Connected: s.link.Connected(),
	}
	if convs, msgs, err := s.engine.Counts(); err == nil {
		resp.Conversations = convs
		resp.Messages = msgs
	} else {
		s.logger.Warn("count query failed", zap.Error(err))
	}
	return resp, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*StatusResponse, error) {
	var err error
	switch {
	case req.Token != "":
		err = s.engine.LoginToken(ctx, req.Token)
	case req.Email != "" && req.Password != "":
		err = s.engine.Login(ctx, req.Email, req.Password)
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "email and password, or token, are required")
	}
	if err != nil {
		return nil, err
	}
	return s.Status(ctx, nil)
}

func (s *Service) Logout(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	if err := s.engine.Logout(ctx); err != nil {
		return nil, err
	}
	return s.Status(ctx, nil)
}

func (s *Service) ListConversations(_ context.Context, req *ConversationQuery) (*ConversationList, error) {
	var (
		convs []store.Conversation
		err   error
	)
	if req.Query != "" {
		convs, err = s.engine.SearchConversations(req.Query)
	} else {
		convs, err = s.engine.ListConversations()
	}
	if err != nil {
		return nil, err
	}

	online := s.onlineSet()
	resp := &ConversationList{Conversations: make([]Conversation, 0, len(convs))}
	for _, c := range convs {
		v := conversationView(c)
		v.PeerOnline = online[c.PeerID]
		resp.Conversations = append(resp.Conversations, v)
	}
	return resp, nil
}

// OpenConversation makes a conversation active. With Wait set it returns
// once the history has loaded, or with the load error.
func (s *Service) OpenConversation(ctx context.Context, req *OpenRequest) (*ConversationResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "conversationId is required")
	}

	var events <-chan bus.Event
	if req.Wait {
		ch, unsub := s.bus.Subscribe("conversation.", 64)
		defer unsub()
		events = ch
	}

	conv, err := s.engine.OpenConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if req.Wait && conv.LoadState != store.LoadLoaded {
		if err := s.waitLoaded(ctx, req, events); err != nil {
			return nil, err
		}
		if conv, err = s.engine.GetConversation(req.ConversationID); err != nil {
			return nil, err
		}
		if conv == nil {
			return nil, grpcstatus.Errorf(codes.NotFound, "conversation %s not found", req.ConversationID)
		}
	}
	return &ConversationResponse{Conversation: s.withLiveState(*conv)}, nil
}

func (s *Service) waitLoaded(ctx context.Context, req *OpenRequest, events <-chan bus.Event) error {
	timeout := defaultOpenTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case evt := <-events:
			ref, ok := evt.Payload.(bus.ConversationRef)
			if !ok || ref.ConversationID != req.ConversationID {
				continue
			}
			switch evt.Kind {
			case bus.KindConversationLoaded:
				return nil
			case bus.KindConversationLoadFailed:
				return grpcstatus.Errorf(codes.Unavailable, "load %s: %s", req.ConversationID, ref.Error)
			}
		case <-timer.C:
			return grpcstatus.Errorf(codes.DeadlineExceeded, "conversation %s still loading", req.ConversationID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) ListMessages(_ context.Context, req *MessagesRequest) (*MessageList, error) {
	id := req.ConversationID
	if id == "" {
		id = s.engine.Active()
	}
	if id == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "conversationId is required")
	}
	msgs, err := s.engine.ListMessages(id)
	if err != nil {
		return nil, err
	}
	resp := &MessageList{Messages: make([]Message, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, messageView(m))
	}
	return resp, nil
}

func (s *Service) SendMessage(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if req.ConversationID != "" && req.ConversationID != s.engine.Active() {
		if _, err := s.engine.OpenConversation(ctx, req.ConversationID); err != nil {
			return nil, err
		}
	}
	msg, err := s.engine.SendMessage(ctx, req.Text)
	if err != nil {
		return nil, err
	}
	return &SendResponse{Message: messageView(*msg)}, nil
}

func (s *Service) NotifyTyping(ctx context.Context, _ *Empty) (*Empty, error) {
	if err := s.engine.NotifyTyping(ctx); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) MarkDisplayed(ctx context.Context, req *MarkDisplayedRequest) (*MarkDisplayedResponse, error) {
	n, err := s.engine.MarkDisplayed(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	return &MarkDisplayedResponse{Sent: n}, nil
}

func (s *Service) Typing(_ context.Context, req *TypingRequest) (*TypingResponse, error) {
	id := req.ConversationID
	if id == "" {
		id = s.engine.Active()
	}
	if id == "" {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "no active conversation")
	}
	users := s.engine.Typing(id)
	if users == nil {
		users = []string{}
	}
	return &TypingResponse{ConversationID: id, UserIDs: users}, nil
}

func (s *Service) Presence(_ context.Context, _ *Empty) (*PresenceResponse, error) {
	entries := s.engine.Presence()
	if entries == nil {
		entries = []presence.Entry{}
	}
	return &PresenceResponse{Entries: entries}, nil
}

func (s *Service) StartConversation(ctx context.Context, req *UserRequest) (*ConversationResponse, error) {
	if req.UserID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "userId is required")
	}
	conv, err := s.engine.StartConversation(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return &ConversationResponse{Conversation: s.withLiveState(*conv)}, nil
}

func (s *Service) SearchUsers(ctx context.Context, req *UserQuery) (*UserList, error) {
	users, err := s.engine.SearchUsers(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []restapi.User{}
	}
	return &UserList{Users: users}, nil
}

func (s *Service) Friends(ctx context.Context, req *FriendsRequest) (*FriendsResponse, error) {
	if req.Refresh {
		if err := s.engine.RefreshFriends(ctx); err != nil {
			return nil, err
		}
	}
	resp := &FriendsResponse{
		Friends:  s.directory.Friends(),
		Requests: s.directory.Requests(),
	}
	if resp.Friends == nil {
		resp.Friends = []string{}
	}
	if resp.Requests == nil {
		resp.Requests = []restapi.FriendRequest{}
	}
	return resp, nil
}

func (s *Service) RequestFriend(ctx context.Context, req *UserRequest) (*Empty, error) {
	if req.UserID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "userId is required")
	}
	if edge := s.directory.Edge(req.UserID); edge != friends.None {
		return nil, grpcstatus.Errorf(codes.AlreadyExists, "friendship with %s is %s", req.UserID, edge)
	}
	if err := s.engine.RequestFriend(ctx, req.UserID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) AcceptFriend(ctx context.Context, req *FriendRequestRef) (*Empty, error) {
	if req.RequestID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "requestId is required")
	}
	if err := s.engine.AcceptFriend(ctx, req.RequestID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) RejectFriend(ctx context.Context, req *FriendRequestRef) (*Empty, error) {
	if req.RequestID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "requestId is required")
	}
	if err := s.engine.RejectFriend(ctx, req.RequestID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) UpdateProfile(ctx context.Context, req *restapi.ProfileUpdate) (*UserResponse, error) {
	if *req == (restapi.ProfileUpdate{}) {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "nothing to update")
	}
	u, err := s.engine.UpdateProfile(ctx, *req)
	if err != nil {
		return nil, err
	}
	resp := userView(u)
	return &resp, nil
}

func (s *Service) onlineSet() map[string]bool {
	online := make(map[string]bool)
	for _, e := range s.engine.Presence() {
		if e.Online {
			online[e.UserID] = true
		}
	}
	return online
}

func (s *Service) withLiveState(c store.Conversation) Conversation {
	v := conversationView(c)
	v.PeerOnline = s.onlineSet()[c.PeerID]
	v.Typing = s.engine.Typing(c.ID)
	return v
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Inbound event names.
const (
	EventMessageReceive = "message:receive"
	EventMessageSent    = "message:sent"
	EventMessageRead    = "message:read"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventFriendStatus   = "friend:status:update"
	EventFriendsInitial = "friends:initial:status"
)

// Outbound event names not shared with inbound ones.
const (
	EventMessageSend     = "message:send"
	EventJoin            = "conversation:join"
	EventPresenceRequest = "friends:status:request"
)

// Socket is the real-time connection the adapter drives.
type Socket interface {
	Connect(ctx context.Context) error
	Close() error
	Emit(event string, data any) error
	SetHandler(h realtime.Handler)
	State() realtime.State
}

// Identity reports the current user id.
type Identity interface {
	UserID() string
}

// Handler receives normalized events, in arrival order, from the socket's
// read goroutine. Implementations must not block.
type Handler interface {
	HandleConnected(reconnect bool)
	HandleDisconnected(reason string)
	HandleConnectError(err error)
	HandleMessage(msg store.Message)
	HandleSent(clientMessageID string, msg store.Message)
	HandleRead(messageID, conversationID, readerID string, at int64)
	HandleTyping(conversationID, userID string, typing bool)
	HandlePresenceSnapshot(entries []presence.Entry)
	HandlePresence(entry presence.Entry)
}

// Config tunes REST retries.
type Config struct {
	FetchAttempts  int
	RetryBaseDelay time.Duration
}

func (c *Config) defaults() {
	if c.FetchAttempts <= 0 {
		c.FetchAttempts = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
}

// Adapter turns socket events and REST responses into store values and
// exposes the outbound operations the synchronizer needs.
type Adapter struct {
	cfg     Config
	socket  Socket
	rest    *restapi.Client
	self    Identity
	metrics *metrics.Metrics
	logger  *zap.Logger

	dispatch map[string]func(json.RawMessage) error

	mu       sync.Mutex
	handler  Handler
	joined   map[string]bool
	connects int
}

// New creates an adapter and installs it as the socket's handler.
func New(cfg Config, socket Socket, rest *restapi.Client, self Identity, m *metrics.Metrics, logger *zap.Logger) *Adapter {
	cfg.defaults()
	a := &Adapter{
		cfg:     cfg,
		socket:  socket,
		rest:    rest,
		self:    self,
		metrics: m,
		logger:  logger,
		joined:  make(map[string]bool),
	}
	a.dispatch = map[string]func(json.RawMessage) error{
		EventMessageReceive: a.onMessageReceive,
		EventMessageSent:    a.onMessageSent,
		EventMessageRead:    a.onMessageRead,
		EventTypingStart:    a.onTyping(true),
		EventTypingStop:     a.onTyping(false),
		EventFriendStatus:   a.onFriendStatus,
		EventFriendsInitial: a.onFriendsInitial,
	}
	socket.SetHandler(a)
	return a
}

// RegisterHandler sets the receiver of normalized events.
func (a *Adapter) RegisterHandler(h Handler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

func (a *Adapter) getHandler() Handler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handler
}

// Connect opens the socket and waits for the first attempt.
func (a *Adapter) Connect(ctx context.Context) error {
	return a.socket.Connect(ctx)
}

// Close disconnects and forgets joined conversations.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.joined = make(map[string]bool)
	a.connects = 0
	a.mu.Unlock()
	return a.socket.Close()
}

// Connected reports whether the socket is up.
func (a *Adapter) Connected() bool {
	return a.socket.State() == realtime.StateConnected
}

// Server returns the REST API root the adapter talks to.
func (a *Adapter) Server() string {
	if a.rest == nil {
		return ""
	}
	return a.rest.BaseURL()
}

// Joined returns the conversations re-joined on every reconnect, sorted.
func (a *Adapter) Joined() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.joined))
	for id := range a.joined {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OnConnect implements realtime.Handler. Every joined conversation is
// re-joined and the presence snapshot re-requested before the handler runs.
func (a *Adapter) OnConnect() {
	a.mu.Lock()
	a.connects++
	reconnect := a.connects > 1
	a.mu.Unlock()
	if reconnect {
		a.metrics.Reconnects.Inc()
	}

	for _, id := range a.Joined() {
		if err := a.socket.Emit(EventJoin, conversationPayload{ConversationID: id}); err != nil {
			a.logger.Warn("rejoin failed", zap.String("conversation", id), zap.Error(err))
		}
	}
	if err := a.RequestPresence(); err != nil {
		a.logger.Warn("presence request failed", zap.Error(err))
	}

	if h := a.getHandler(); h != nil {
		h.HandleConnected(reconnect)
	}
}

// OnDisconnect implements realtime.Handler.
func (a *Adapter) OnDisconnect(reason string) {
	if h := a.getHandler(); h != nil {
		h.HandleDisconnected(reason)
	}
}

// OnConnectError implements realtime.Handler.
func (a *Adapter) OnConnectError(err error) {
	if h := a.getHandler(); h != nil {
		h.HandleConnectError(err)
	}
}

// OnEvent implements realtime.Handler. Unknown and malformed events are
// dropped.
func (a *Adapter) OnEvent(name string, data json.RawMessage) {
	fn, ok := a.dispatch[name]
	if !ok {
		a.logger.Debug("dropping unknown event", zap.String("event", name))
		a.metrics.Dropped("unknown_event")
		return
	}
	if a.getHandler() == nil {
		a.metrics.Dropped("no_handler")
		return
	}
	if err := fn(data); err != nil {
		a.logger.Debug("dropping malformed event", zap.String("event", name), zap.Error(err))
		a.metrics.Dropped("malformed")
	}
}

type conversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type sendPayload struct {
	ConversationID  string `json:"conversationId"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type readRequest struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type readPayload struct {
	MessageID      restapi.ID   `json:"messageId"`
	ConversationID restapi.ID   `json:"conversationId,omitempty"`
	ReaderID       restapi.ID   `json:"readerId,omitempty"`
	ReadAt         restapi.Time `json:"readAt"`
}

type typingPayload struct {
	ConversationID restapi.ID `json:"conversationId"`
	UserID         restapi.ID `json:"userId"`
}

type presencePayload struct {
	UserID restapi.ID `json:"userId"`
	Online bool       `json:"isOnline"`
}

func (p presencePayload) entry() presence.Entry {
	return presence.Entry{UserID: string(p.UserID), Online: p.Online}
}

// sentPayload accepts either a bare message or {message, clientMessageId}.
type sentPayload struct {
	restapi.Message
	Wrapped *restapi.Message `json:"message"`
}

func (a *Adapter) selfID() string {
	if a.self == nil {
		return ""
	}
	return a.self.UserID()
}

func (a *Adapter) onMessageReceive(data json.RawMessage) error {
	var m restapi.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if m.ID == "" || m.ConversationID == "" {
		return errors.New("message without id or conversation")
	}
	msg := toMessage(m, a.selfID())
	if m.ClientMessageID != "" && msg.Direction == store.Outbound {
		a.getHandler().HandleSent(m.ClientMessageID, msg)
		return nil
	}
	a.getHandler().HandleMessage(msg)
	return nil
}

func (a *Adapter) onMessageSent(data json.RawMessage) error {
	var p sentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	m := p.Message
	if p.Wrapped != nil {
		clientID := m.ClientMessageID
		m = *p.Wrapped
		if m.ClientMessageID == "" {
			m.ClientMessageID = clientID
		}
	}
	if m.ID == "" || m.ConversationID == "" {
		return errors.New("ack without id or conversation")
	}
	msg := toMessage(m, a.selfID())
	msg.Direction = store.Outbound
	a.getHandler().HandleSent(m.ClientMessageID, msg)
	return nil
}

func (a *Adapter) onMessageRead(data json.RawMessage) error {
	var p readPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.MessageID == "" {
		return errors.New("read without message id")
	}
	a.getHandler().HandleRead(string(p.MessageID), string(p.ConversationID), string(p.ReaderID), p.ReadAt.Millis())
	return nil
}

func (a *Adapter) onTyping(typing bool) func(json.RawMessage) error {
	return func(data json.RawMessage) error {
		var p typingPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.ConversationID == "" || p.UserID == "" {
			return errors.New("typing without conversation or user")
		}
		if string(p.UserID) == a.selfID() {
			return nil
		}
		a.getHandler().HandleTyping(string(p.ConversationID), string(p.UserID), typing)
		return nil
	}
}

func (a *Adapter) onFriendStatus(data json.RawMessage) error {
	var p presencePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.UserID == "" {
		return errors.New("status without user id")
	}
	a.getHandler().HandlePresence(p.entry())
	return nil
}

func (a *Adapter) onFriendsInitial(data json.RawMessage) error {
	var payload []presencePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	entries := make([]presence.Entry, 0, len(payload))
	for _, p := range payload {
		entries = append(entries, p.entry())
	}
	a.getHandler().HandlePresenceSnapshot(entries)
	return nil
}

// Join subscribes to a conversation's live events and remembers it for
// reconnects. While disconnected the join is deferred to the next connect.
func (a *Adapter) Join(conversationID string) error {
	a.mu.Lock()
	a.joined[conversationID] = true
	a.mu.Unlock()
	err := a.socket.Emit(EventJoin, conversationPayload{ConversationID: conversationID})
	if errors.Is(err, realtime.ErrNotConnected) {
		return nil
	}
	return err
}

// RequestPresence asks for a fresh friends:initial:status snapshot. While
// disconnected it is a no-op; every connect requests one.
func (a *Adapter) RequestPresence() error {
	err := a.socket.Emit(EventPresenceRequest, struct{}{})
	if errors.Is(err, realtime.ErrNotConnected) {
		return nil
	}
	return err
}

// EmitSend implements outbox.Emitter.
func (a *Adapter) EmitSend(conversationID, content, clientMessageID string) error {
	return a.socket.Emit(EventMessageSend, sendPayload{
		ConversationID:  conversationID,
		Content:         content,
		ClientMessageID: clientMessageID,
	})
}

// EmitRead implements receipts.Emitter.
func (a *Adapter) EmitRead(_ context.Context, messageID, conversationID string) error {
	return a.socket.Emit(EventMessageRead, readRequest{MessageID: messageID, ConversationID: conversationID})
}

// EmitTyping implements typing.Emitter.
func (a *Adapter) EmitTyping(_ context.Context, conversationID string, typing bool) error {
	event := EventTypingStop
	if typing {
		event = EventTypingStart
	}
	return a.socket.Emit(event, conversationPayload{ConversationID: conversationID})
}

// retry runs op with exponential backoff. Client errors are not retried.
func (a *Adapter) retry(ctx context.Context, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = a.cfg.RetryBaseDelay
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(a.cfg.FetchAttempts-1)), ctx)
	return backoff.Retry(func() error {
		err := op()
		var apiErr *restapi.APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			return backoff.Permanent(err)
		}
		if errors.Is(err, auth.ErrUnauthenticated) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// FetchHistory loads a conversation's messages, normalized for the store.
func (a *Adapter) FetchHistory(ctx context.Context, conversationID string) ([]*store.Message, error) {
	var msgs []restapi.Message
	err := a.retry(ctx, func() error {
		var err error
		msgs, err = a.rest.ListMessages(ctx, conversationID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch history %s: %w", conversationID, err)
	}
	return toMessages(msgs, conversationID, a.selfID()), nil
}

// FetchConversations loads the conversation list.
func (a *Adapter) FetchConversations(ctx context.Context) ([]store.Summary, error) {
	var list []restapi.ConversationSummary
	err := a.retry(ctx, func() error {
		var err error
		list, err = a.rest.ListConversations(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	self := a.selfID()
	out := make([]store.Summary, 0, len(list))
	for _, s := range list {
		if s.ID == "" {
			continue
		}
		out = append(out, toSummary(s, self))
	}
	return out, nil
}

// CreateConversation starts a conversation with participantID.
func (a *Adapter) CreateConversation(ctx context.Context, participantID string) (store.Summary, error) {
	s, err := a.rest.CreateConversation(ctx, participantID)
	if err != nil {
		return store.Summary{}, fmt.Errorf("create conversation: %w", err)
	}
	return toSummary(*s, a.selfID()), nil
}

// UpdateProfile changes the current user's profile.
func (a *Adapter) UpdateProfile(ctx context.Context, update restapi.ProfileUpdate) (store.User, error) {
	u, err := a.rest.UpdateProfile(ctx, update)
	if err != nil {
		return store.User{}, fmt.Errorf("update profile: %w", err)
	}
	return toUser(*u), nil
}

// SocketTokens adapts an auth token source for the socket handshake: a
// missing session becomes a ConnectError so the socket does not retry.
func SocketTokens(src realtime.TokenSource) realtime.TokenSource {
	return socketTokens{src}
}

type socketTokens struct {
	src realtime.TokenSource
}

func (s socketTokens) Token(ctx context.Context) (string, error) {
	tok, err := s.src.Token(ctx)
	if errors.Is(err, auth.ErrUnauthenticated) {
		return "", &realtime.ConnectError{Message: err.Error()}
	}
	return tok, err
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/receipts"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/typing"
	"go.uber.org/zap"
)

var (
	// ErrNoActiveConversation is returned by intents that act on the open
	// conversation when none is open.
	ErrNoActiveConversation = errors.New("no active conversation")
	// ErrNotFriends is returned when starting a conversation with a user who
	// is not a friend.
	ErrNotFriends = errors.New("user is not a friend")
	// ErrStopped is returned once the engine loop has exited.
	ErrStopped = errors.New("engine stopped")
)

// Transport is the collaborator side of the synchronizer.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Join(conversationID string) error
	RequestPresence() error
	FetchHistory(ctx context.Context, conversationID string) ([]*store.Message, error)
	FetchConversations(ctx context.Context) ([]store.Summary, error)
	CreateConversation(ctx context.Context, participantID string) (store.Summary, error)
	UpdateProfile(ctx context.Context, update restapi.ProfileUpdate) (store.User, error)
}

// Auth is the session collaborator.
type Auth interface {
	Login(ctx context.Context, email, password string) error
	Logout(ctx context.Context)
	SetToken(token string)
	Authenticated() bool
	UserID() string
}

// Friends is the friendship directory.
type Friends interface {
	Search(ctx context.Context, query string) ([]restapi.User, error)
	Refresh(ctx context.Context, self string) ([]restapi.User, error)
	Request(ctx context.Context, userID string) error
	Accept(ctx context.Context, requestID string) error
	Reject(ctx context.Context, requestID string) error
	CanMessage(userID string) bool
	Reset()
}

// Deps are the engine's collaborators.
type Deps struct {
	DB        *store.DB
	Bus       *bus.Bus
	Transport Transport
	Auth      Auth
	Friends   Friends
	Presence  *presence.Tracker
	Typing    *typing.Coordinator
	Receipts  *receipts.Engine
	Outbox    *outbox.Sender
	Machine   *status.Machine
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Engine owns every store mutation. Mutations run one at a time on a single
// loop goroutine; network calls run elsewhere and post their results back.
type Engine struct {
	db        *store.DB
	bus       *bus.Bus
	transport Transport
	auth      Auth
	friends   Friends
	presence  *presence.Tracker
	typing    *typing.Coordinator
	receipts  *receipts.Engine
	outbox    *outbox.Sender
	machine   *status.Machine
	metrics   *metrics.Metrics
	logger    *zap.Logger

	jobs   chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Loop-owned state.
	active     string
	pending    map[string]*pendingFetch
	generation uint64
}

// NewEngine creates an engine. Start must be called before use.
func NewEngine(d Deps) *Engine {
	return &Engine{
		db:        d.DB,
		bus:       d.Bus,
		transport: d.Transport,
		auth:      d.Auth,
		friends:   d.Friends,
		presence:  d.Presence,
		typing:    d.Typing,
		receipts:  d.Receipts,
		outbox:    d.Outbox,
		machine:   d.Machine,
		metrics:   d.Metrics,
		logger:    d.Logger,
		jobs:      make(chan func(), 1024),
		done:      make(chan struct{}),
		pending:   make(map[string]*pendingFetch),
	}
}

// Start runs the event loop until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	go e.run(e.ctx)
}

// Stop ends the loop and waits for it. In-flight fetches are cancelled.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case job := <-e.jobs:
			job()
		case <-ctx.Done():
			return
		}
	}
}

// do runs fn on the loop and waits for its result.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case e.jobs <- func() { errc <- fn() }:
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the loop without waiting for it to run.
func (e *Engine) post(fn func()) {
	select {
	case e.jobs <- fn:
	case <-e.done:
	}
}

// Connect opens the real-time connection. Without a session the engine moves
// to AUTH_REQUIRED instead.
func (e *Engine) Connect(ctx context.Context) error {
	if !e.auth.Authenticated() {
		e.toState(status.AuthRequired)
		return fmt.Errorf("connect: %w", errNoSession)
	}
	switch e.machine.Current() {
	case status.Booting, status.AuthRequired, status.Reconnecting, status.Degraded:
		e.toState(status.Connecting)
	case status.Error:
		e.toState(status.Booting, status.Connecting)
	}
	if err := e.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

var errNoSession = errors.New("not logged in")

// Login authenticates with email and password, then connects.
func (e *Engine) Login(ctx context.Context, email, password string) error {
	if err := e.auth.Login(ctx, email, password); err != nil {
		if isAuthError(err) {
			e.authFailed(err)
		}
		return err
	}
	return e.Connect(ctx)
}

// LoginToken adopts an existing access token, then connects.
func (e *Engine) LoginToken(ctx context.Context, token string) error {
	e.auth.SetToken(token)
	return e.Connect(ctx)
}

// Logout closes the connection, ends the session and clears every piece of
// session state.
func (e *Engine) Logout(ctx context.Context) error {
	if err := e.transport.Close(); err != nil {
		e.logger.Warn("transport close failed", zap.Error(err))
	}
	e.auth.Logout(ctx)

	err := e.do(ctx, func() error {
		e.generation++
		e.active = ""
		e.pending = make(map[string]*pendingFetch)
		e.presence.Reset()
		e.typing.Reset()
		e.friends.Reset()
		return e.db.Reset()
	})
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	e.toState(status.AuthRequired)
	e.bus.Emit(bus.KindLoggedOut, nil)
	e.logger.Info("logged out")
	return nil
}

// Status returns the session state.
func (e *Engine) Status() status.State {
	return e.machine.Current()
}

// Active returns the open conversation, "" if none.
func (e *Engine) Active() string {
	return e.typing.Active()
}

// UserID returns the current user's id.
func (e *Engine) UserID() string {
	return e.auth.UserID()
}

// ListConversations returns conversations by most recent activity.
func (e *Engine) ListConversations() ([]store.Conversation, error) {
	return e.db.ListConversations()
}

// SearchConversations filters conversations by name or id.
func (e *Engine) SearchConversations(query string) ([]store.Conversation, error) {
	return e.db.SearchConversations(query)
}

// GetConversation returns one conversation, nil if unknown.
func (e *Engine) GetConversation(id string) (*store.Conversation, error) {
	return e.db.GetConversation(id)
}

// ListMessages returns a conversation's messages in display order.
func (e *Engine) ListMessages(conversationID string) ([]store.Message, error) {
	return e.db.ListMessages(conversationID)
}

// Typing returns who is typing in a conversation.
func (e *Engine) Typing(conversationID string) []string {
	return e.typing.Typing(conversationID)
}

// Presence returns every known presence entry.
func (e *Engine) Presence() []presence.Entry {
	return e.presence.Snapshot()
}

// Counts returns the number of stored conversations and messages.
func (e *Engine) Counts() (conversations, messages int64, err error) {
	if conversations, err = e.db.ConversationCount(); err != nil {
		return 0, 0, err
	}
	if messages, err = e.db.MessageCount(); err != nil {
		return 0, 0, err
	}
	return conversations, messages, nil
}

// toState moves the machine to s, logging rejected transitions.
func (e *Engine) toState(path ...status.State) {
	if err := e.machine.Walk(path...); err != nil {
		e.logger.Debug("state transition rejected", zap.String("from", string(e.machine.Current())), zap.Error(err))
	}
}

func (e *Engine) authFailed(err error) {
	e.logger.Warn("authentication failed", zap.Error(err))
	e.toState(status.AuthRequired)
	e.bus.Emit(bus.KindAuthFailed, err.Error())
}

func now() int64 {
	return time.Now().UnixMilli()
}

package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

// SendMessage sends text to the active conversation. The message is stored
// as pending right away and remapped when the server acknowledges it. If the
// emit fails the returned message is in the failed state.
func (e *Engine) SendMessage(ctx context.Context, text string) (*store.Message, error) {
	var msg *store.Message
	err := e.do(ctx, func() error {
		if e.active == "" {
			return ErrNoActiveConversation
		}
		m, err := e.outbox.Send(e.active, e.auth.UserID(), text)
		msg = m
		if m == nil {
			return err
		}
		if tErr := e.typing.MessageSent(ctx); tErr != nil {
			e.logger.Debug("typing stop on send failed", zap.Error(tErr))
		}
		e.bus.Emit(bus.KindConversationsChanged, bus.ConversationRef{ConversationID: m.ConversationID})
		return err
	})
	return msg, err
}

// NotifyTyping records a keystroke in the active conversation.
func (e *Engine) NotifyTyping(ctx context.Context) error {
	if e.typing.Active() == "" {
		return ErrNoActiveConversation
	}
	return e.typing.Keystroke(ctx)
}

// MarkDisplayed sends read receipts for every unread inbound message of
// conversationID, or of the active conversation when empty. Returns how many
// receipts were sent.
func (e *Engine) MarkDisplayed(ctx context.Context, conversationID string) (int, error) {
	var sent int
	err := e.do(ctx, func() error {
		conv := conversationID
		if conv == "" {
			conv = e.active
		}
		if conv == "" {
			return ErrNoActiveConversation
		}
		n, err := e.receipts.MarkConversationDisplayed(ctx, conv)
		sent = n
		return err
	})
	return sent, err
}

// StartConversation creates (or reuses) the conversation with a friend and
// opens it.
func (e *Engine) StartConversation(ctx context.Context, participantID string) (*store.Conversation, error) {
	if !e.friends.CanMessage(participantID) {
		return nil, ErrNotFriends
	}
	sum, err := e.transport.CreateConversation(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if err := e.do(ctx, func() error { return e.db.UpsertSummaries([]store.Summary{sum}) }); err != nil {
		return nil, fmt.Errorf("store conversation: %w", err)
	}
	return e.OpenConversation(ctx, sum.Conversation.ID)
}

// SearchUsers queries the user directory and records the results.
func (e *Engine) SearchUsers(ctx context.Context, query string) ([]restapi.User, error) {
	users, err := e.friends.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(users) > 0 {
		if err := e.recordUsers(ctx, transport.StoreUsers(users)); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// RefreshFriends reloads friends and pending requests.
func (e *Engine) RefreshFriends(ctx context.Context) error {
	users, err := e.friends.Refresh(ctx, e.auth.UserID())
	if err != nil {
		return err
	}
	return e.recordUsers(ctx, transport.StoreUsers(users))
}

// RequestFriend sends a friend request.
func (e *Engine) RequestFriend(ctx context.Context, userID string) error {
	return e.friends.Request(ctx, userID)
}

// AcceptFriend accepts a friend request.
func (e *Engine) AcceptFriend(ctx context.Context, requestID string) error {
	return e.friends.Accept(ctx, requestID)
}

// RejectFriend rejects a friend request.
func (e *Engine) RejectFriend(ctx context.Context, requestID string) error {
	return e.friends.Reject(ctx, requestID)
}

// UpdateProfile changes the current user's profile.
func (e *Engine) UpdateProfile(ctx context.Context, update restapi.ProfileUpdate) (store.User, error) {
	u, err := e.transport.UpdateProfile(ctx, update)
	if err != nil {
		return store.User{}, err
	}
	if err := e.recordUsers(ctx, []store.User{u}); err != nil {
		return u, err
	}
	return u, nil
}

func (e *Engine) recordUsers(ctx context.Context, users []store.User) error {
	return e.do(ctx, func() error {
		if err := e.db.UpsertUsers(users); err != nil {
			return fmt.Errorf("store users: %w", err)
		}
		e.bus.Emit(bus.KindConversationsChanged, bus.ConversationRef{})
		return nil
	})
}

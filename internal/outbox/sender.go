package outbox

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// ErrEmptyMessage is returned for blank message text.
var ErrEmptyMessage = errors.New("message is empty")

// Emitter sends message:send. It must not block on the network.
type Emitter interface {
	EmitSend(conversationID, content, clientMessageID string) error
}

// Sender performs optimistic sends and remaps them to the server id when the
// send is acknowledged.
type Sender struct {
	db      *store.DB
	emitter Emitter
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, emitter Emitter, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:      db,
		emitter: emitter,
		bus:     b,
		logger:  logger,
		now:     time.Now,
		newID:   func() string { return "local-" + uuid.NewString() },
	}
}

// Send inserts a pending message under a fresh local id and emits it. If the
// emit fails the message is marked failed and the error returned; nothing is
// queued for later.
func (s *Sender) Send(conversationID, senderID, text string) (*store.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	localID := s.newID()
	msg := &store.Message{
		ID:             localID,
		LocalID:        localID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           text,
		Direction:      store.Outbound,
		State:          store.StatePending,
		CreatedAt:      s.now().UnixMilli(),
	}
	if _, err := s.db.AppendMessage(msg); err != nil {
		return nil, fmt.Errorf("optimistic insert: %w", err)
	}
	s.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ConversationID: conversationID, MessageID: localID, LocalID: localID})

	if err := s.emitter.EmitSend(conversationID, text, localID); err != nil {
		s.logger.Error("failed to send message", zap.Error(err), zap.String("local_id", localID))
		if ferr := s.db.FailMessage(localID); ferr != nil {
			s.logger.Error("failed to mark message failed", zap.Error(ferr), zap.String("local_id", localID))
		}
		msg.State = store.StateFailed
		s.bus.Emit(bus.KindSendFailed, bus.MessageRef{
			ConversationID: conversationID,
			MessageID:      localID,
			LocalID:        localID,
			Error:          err.Error(),
		})
		return msg, err
	}
	return msg, nil
}

// Confirm applies a message:sent acknowledgment. clientMessageID is the
// local id echoed by the server; when absent the oldest pending message with
// the same body in the conversation is assumed. Returns the store outcome.
func (s *Sender) Confirm(clientMessageID string, msg store.Message) (store.Outcome, error) {
	if clientMessageID == "" {
		matched, err := s.db.MatchPending(msg.ConversationID, msg.Body)
		if err != nil {
			return 0, fmt.Errorf("match pending: %w", err)
		}
		clientMessageID = matched
	}

	out, err := s.db.Confirm(store.PendingRef(clientMessageID), &msg)
	if err != nil {
		return 0, fmt.Errorf("confirm %s: %w", msg.ID, err)
	}

	s.logger.Info("message sent", zap.String("local_id", clientMessageID), zap.String("server_msg_id", msg.ID))
	s.bus.Emit(bus.KindSendAck, bus.MessageRef{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		LocalID:        clientMessageID,
	})
	if out.Changed() {
		s.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ConversationID: msg.ConversationID, MessageID: msg.ID, LocalID: clientMessageID})
	}
	return out, nil
}

package receipts

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Emitter sends message:read for a displayed message.
type Emitter interface {
	EmitRead(ctx context.Context, messageID, conversationID string) error
}

// Engine sends read receipts at most once per message and applies remote ones.
type Engine struct {
	db      *store.DB
	emitter Emitter
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine creates a read-receipt engine.
func NewEngine(db *store.DB, emitter Emitter, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		db:      db,
		emitter: emitter,
		bus:     b,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// MarkDisplayed emits a receipt for msg if it is an unread inbound message
// whose receipt has not been claimed yet, then marks it read locally.
// Reports whether a receipt was sent.
func (e *Engine) MarkDisplayed(ctx context.Context, msg store.Message) (bool, error) {
	if msg.Direction != store.Inbound || msg.ReadAt != 0 || msg.State != store.StateConfirmed {
		return false, nil
	}

	claimed, err := e.db.ClaimReceipt(msg.ID)
	if err != nil {
		return false, fmt.Errorf("claim receipt %s: %w", msg.ID, err)
	}
	if !claimed {
		return false, nil
	}

	if err := e.emitter.EmitRead(ctx, msg.ID, msg.ConversationID); err != nil {
		if relErr := e.db.ReleaseReceipt(msg.ID); relErr != nil {
			e.logger.Warn("release receipt failed", zap.String("message", msg.ID), zap.Error(relErr))
		}
		return false, fmt.Errorf("emit read %s: %w", msg.ID, err)
	}
	e.metrics.ReceiptsSent.Inc()

	at := e.now().UnixMilli()
	if _, err := e.db.MarkRead(msg.ID, at); err != nil {
		return true, fmt.Errorf("mark read %s: %w", msg.ID, err)
	}
	e.bus.Emit(bus.KindMessageRead, bus.MessageRef{ConversationID: msg.ConversationID, MessageID: msg.ID})
	return true, nil
}

// MarkConversationDisplayed sends receipts for every eligible message in
// conversationID and returns how many were sent. It stops at the first
// emit failure.
func (e *Engine) MarkConversationDisplayed(ctx context.Context, conversationID string) (int, error) {
	msgs, err := e.db.UnreadInbound(conversationID)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, m := range msgs {
		ok, err := e.MarkDisplayed(ctx, m)
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	if sent > 0 {
		e.bus.Emit(bus.KindConversationsChanged, bus.ConversationRef{ConversationID: conversationID})
	}
	return sent, nil
}

// HandleRemoteRead applies a message:read event. Unknown and already-read
// messages report false.
func (e *Engine) HandleRemoteRead(messageID string, at int64) (bool, error) {
	if at <= 0 {
		at = e.now().UnixMilli()
	}
	changed, err := e.db.MarkRead(messageID, at)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	msg, err := e.db.GetMessage(messageID)
	if err != nil {
		return true, err
	}
	conv := ""
	if msg != nil {
		conv = msg.ConversationID
	}
	e.bus.Emit(bus.KindMessageRead, bus.MessageRef{ConversationID: conv, MessageID: messageID})
	return true, nil
}

// Known reports whether messageID is in the store, used to decide whether a
// remote read for it should wait for a history fetch.
func (e *Engine) Known(messageID string) (bool, error) {
	m, err := e.db.GetMessage(messageID)
	return m != nil, err
}

package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// pendingFetch holds live events for a conversation whose history fetch is
// in flight. They are replayed, in arrival order, once the snapshot is in.
type pendingFetch struct {
	events []func()
}

// OpenConversation makes id the active conversation. If its history is not
// loaded the conversation is marked loading, joined and fetched in the
// background; conversation.loaded or conversation.load_failed follows.
// Reopening an errored conversation retries. Returns the current state.
func (e *Engine) OpenConversation(ctx context.Context, id string) (*store.Conversation, error) {
	if id == "" {
		return nil, errors.New("conversation id is required")
	}
	err := e.do(ctx, func() error {
		if err := e.db.EnsureConversation(id, now()); err != nil {
			return err
		}
		if e.active != id {
			e.active = id
			if err := e.typing.SetActive(ctx, id); err != nil {
				e.logger.Debug("typing stop on switch failed", zap.Error(err))
			}
			e.bus.Emit(bus.KindActiveChanged, bus.ConversationRef{ConversationID: id})
		}
		return e.ensureLoaded(id)
	})
	if err != nil {
		return nil, fmt.Errorf("open conversation %s: %w", id, err)
	}
	return e.db.GetConversation(id)
}

// ensureLoaded starts a fetch unless the history is loaded or one is
// already in flight. Runs on the loop.
func (e *Engine) ensureLoaded(id string) error {
	if _, inFlight := e.pending[id]; inFlight {
		return nil
	}
	state, err := e.db.LoadStateOf(id)
	if err != nil {
		return err
	}
	if state == store.LoadLoaded {
		return nil
	}
	return e.beginFetch(id)
}

// beginFetch subscribes to the conversation before requesting its history so
// no live event can fall between the snapshot and the stream. A fresh
// presence snapshot is requested alongside.
func (e *Engine) beginFetch(id string) error {
	if err := e.db.SetLoadState(id, store.LoadLoading, ""); err != nil {
		return err
	}
	e.pending[id] = &pendingFetch{}
	if err := e.transport.Join(id); err != nil {
		e.logger.Warn("join failed", zap.String("conversation", id), zap.Error(err))
	}
	if err := e.transport.RequestPresence(); err != nil {
		e.logger.Debug("presence request failed", zap.String("conversation", id), zap.Error(err))
	}
	e.bus.Emit(bus.KindConversationsChanged, bus.ConversationRef{ConversationID: id})

	gen := e.generation
	ctx := e.ctx
	go func() {
		msgs, err := e.transport.FetchHistory(ctx, id)
		e.post(func() { e.completeFetch(gen, id, msgs, err) })
	}()
	return nil
}

// completeFetch applies a history snapshot and then replays whatever was
// buffered while it was in flight.
func (e *Engine) completeFetch(gen uint64, id string, msgs []*store.Message, fetchErr error) {
	if gen != e.generation {
		return
	}
	p := e.pending[id]
	delete(e.pending, id)

	if fetchErr == nil {
		added, err := e.db.AppendHistory(id, msgs)
		if err != nil {
			fetchErr = err
		} else {
			e.metrics.MessagesApplied.Add(float64(added))
			e.metrics.DuplicatesAbsorbed.Add(float64(len(msgs) - added))
		}
	}
	if p != nil {
		for _, replay := range p.events {
			replay()
		}
	}

	if fetchErr != nil {
		e.metrics.FetchFailures.Inc()
		e.logger.Warn("history fetch failed", zap.String("conversation", id), zap.Error(fetchErr))
		if err := e.db.SetLoadState(id, store.LoadErrored, fetchErr.Error()); err != nil {
			e.logger.Error("set load state failed", zap.Error(err))
		}
		e.bus.Emit(bus.KindConversationLoadFailed, bus.ConversationRef{ConversationID: id, Error: fetchErr.Error()})
		if isAuthError(fetchErr) {
			e.authFailed(fetchErr)
		}
		return
	}

	if err := e.db.SetLoadState(id, store.LoadLoaded, ""); err != nil {
		e.logger.Error("set load state failed", zap.Error(err))
	}
	e.logger.Debug("history loaded", zap.String("conversation", id), zap.Int("messages", len(msgs)))
	e.bus.Emit(bus.KindConversationLoaded, bus.ConversationRef{ConversationID: id})
	e.bus.Emit(bus.KindConversationsChanged, bus.ConversationRef{ConversationID: id})
}

// buffer holds fn until conv's fetch completes. Reports false when no fetch
// is in flight.
func (e *Engine) buffer(conv string, fn func()) bool {
	p, ok := e.pending[conv]
	if !ok {
		return false
	}
	p.events = append(p.events, fn)
	e.metrics.EventsBuffered.Inc()
	return true
}

// applyMessage appends a live message, or buffers it while the
// conversation's history is loading.
func (e *Engine) applyMessage(msg store.Message) {
	if e.buffer(msg.ConversationID, func() { e.applyMessage(msg) }) {
		return
	}
	out, err := e.db.AppendMessage(&msg)
	if err != nil {
		e.logger.Warn("append message failed", zap.String("message", msg.ID), zap.Error(err))
		return
	}
	if !out.Changed() {
		e.metrics.DuplicatesAbsorbed.Inc()
		return
	}
	e.metrics.MessagesApplied.Inc()
	if msg.Direction == store.Inbound {
		e.typing.RemoteStop(msg.ConversationID, msg.SenderID)
	}
	e.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ConversationID: msg.ConversationID, MessageID: msg.ID})
	e.bus.Emit(bus.KindConversationsChanged, bus.ConversationRef{ConversationID: msg.ConversationID})
}

// applyAck remaps a pending send onto its confirmed id.
func (e *Engine) applyAck(clientMessageID string, msg store.Message) {
	if e.buffer(msg.ConversationID, func() { e.applyAck(clientMessageID, msg) }) {
		return
	}
	out, err := e.outbox.Confirm(clientMessageID, msg)
	if err != nil {
		e.logger.Warn("confirm send failed", zap.String("message", msg.ID), zap.Error(err))
		return
	}
	if !out.Changed() {
		e.metrics.DuplicatesAbsorbed.Inc()
		return
	}
	e.metrics.MessagesApplied.Inc()
	e.bus.Emit(bus.KindConversationsChanged, bus.ConversationRef{ConversationID: msg.ConversationID})
}

// applyRead marks a message read. Reads for a loading conversation are
// buffered like messages; a read for an unknown message waits for any
// in-flight fetch that could bring it in and is dropped otherwise.
func (e *Engine) applyRead(messageID, conv string, at int64) {
	retry := func() { e.applyReadOnce(messageID, at) }
	if conv != "" && e.buffer(conv, retry) {
		return
	}

	known, err := e.receipts.Known(messageID)
	if err != nil {
		e.logger.Warn("lookup message failed", zap.String("message", messageID), zap.Error(err))
		return
	}
	if known {
		e.markRead(messageID, at)
		return
	}

	if conv == "" && e.bufferAcrossFetches(messageID, at) {
		return
	}
	e.dropRead(messageID)
}

// bufferAcrossFetches parks a read without a conversation in every in-flight
// fetch. It is applied by the first replay that finds the message and
// dropped once, after the last replay, if none does.
func (e *Engine) bufferAcrossFetches(messageID string, at int64) bool {
	waiting := 0
	applied := false
	replay := func() {
		waiting--
		if applied {
			return
		}
		known, err := e.receipts.Known(messageID)
		if err != nil {
			e.logger.Warn("lookup message failed", zap.String("message", messageID), zap.Error(err))
			return
		}
		if known {
			applied = true
			e.markRead(messageID, at)
			return
		}
		if waiting == 0 {
			e.dropRead(messageID)
		}
	}
	for id := range e.pending {
		if e.buffer(id, replay) {
			waiting++
		}
	}
	return waiting > 0
}

// applyReadOnce is the replayed form of applyRead: no further buffering.
func (e *Engine) applyReadOnce(messageID string, at int64) {
	known, err := e.receipts.Known(messageID)
	if err != nil {
		e.logger.Warn("lookup message failed", zap.String("message", messageID), zap.Error(err))
		return
	}
	if !known {
		e.dropRead(messageID)
		return
	}
	e.markRead(messageID, at)
}

func (e *Engine) markRead(messageID string, at int64) {
	changed, err := e.receipts.HandleRemoteRead(messageID, at)
	if err != nil {
		e.logger.Warn("mark read failed", zap.String("message", messageID), zap.Error(err))
		return
	}
	if changed {
		msg, err := e.db.GetMessage(messageID)
		if err == nil && msg != nil {
			e.bus.Emit(bus.KindConversationsChanged, bus.ConversationRef{ConversationID: msg.ConversationID})
		}
	}
}

func (e *Engine) dropRead(messageID string) {
	e.logger.Debug("dropping read for unknown message", zap.String("message", messageID))
	e.metrics.Dropped("unknown_message")
}

func isAuthError(err error) bool {
	return errors.Is(err, restapi.ErrUnauthorized) || errors.Is(err, auth.ErrUnauthenticated)
}

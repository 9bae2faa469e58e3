package sync

import (
	"context"
	"errors"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

// serverDisconnect is the reason reported when the server ends the session.
const serverDisconnect = "io server disconnect"

// The engine receives transport events on the socket goroutine and moves
// them onto the loop unchanged.

func (e *Engine) HandleConnected(reconnect bool) {
	e.post(func() { e.onConnected(reconnect) })
}

func (e *Engine) HandleDisconnected(reason string) {
	e.post(func() { e.onDisconnected(reason) })
}

func (e *Engine) HandleConnectError(err error) {
	e.post(func() { e.onConnectError(err) })
}

func (e *Engine) HandleMessage(msg store.Message) {
	e.post(func() { e.applyMessage(msg) })
}

func (e *Engine) HandleSent(clientMessageID string, msg store.Message) {
	e.post(func() { e.applyAck(clientMessageID, msg) })
}

func (e *Engine) HandleRead(messageID, conversationID, readerID string, at int64) {
	e.post(func() { e.applyRead(messageID, conversationID, at) })
}

func (e *Engine) HandleTyping(conversationID, userID string, typing bool) {
	e.post(func() {
		if typing {
			e.typing.RemoteStart(conversationID, userID)
		} else {
			e.typing.RemoteStop(conversationID, userID)
		}
	})
}

func (e *Engine) HandlePresenceSnapshot(entries []presence.Entry) {
	e.post(func() { e.presence.ApplySnapshot(entries) })
}

func (e *Engine) HandlePresence(entry presence.Entry) {
	e.post(func() { e.presence.Apply(entry) })
}

// onConnected resynchronizes after every (re)connect. Loaded conversations go
// stale and the active one is fetched again; the conversation list and the
// friends directory are refreshed in the background.
func (e *Engine) onConnected(reconnect bool) {
	if e.machine.Current() == status.Connecting {
		e.toState(status.Syncing)
	} else {
		e.toState(status.Connecting, status.Syncing)
	}
	e.bus.Emit(bus.KindSyncConnected, reconnect)

	if reconnect {
		stale, err := e.db.MarkStale()
		if err != nil {
			e.logger.Warn("mark stale failed", zap.Error(err))
		}
		if e.active != "" {
			if err := e.ensureLoaded(e.active); err != nil {
				e.logger.Warn("refetch active conversation failed", zap.String("conversation", e.active), zap.Error(err))
			}
		}
		e.logger.Info("resyncing after reconnect", zap.Int("stale", len(stale)))
	}

	gen, ctx := e.generation, e.ctx
	go e.syncDirectory(ctx, gen)
}

func (e *Engine) syncDirectory(ctx context.Context, gen uint64) {
	list, err := e.transport.FetchConversations(ctx)
	var (
		users     []restapi.User
		friendErr error
	)
	if err == nil {
		users, friendErr = e.friends.Refresh(ctx, e.auth.UserID())
	}
	e.post(func() { e.completeSync(gen, list, err, users, friendErr) })
}

func (e *Engine) completeSync(gen uint64, list []store.Summary, listErr error, users []restapi.User, friendErr error) {
	if gen != e.generation {
		return
	}
	if friendErr != nil {
		e.logger.Warn("friends refresh failed", zap.Error(friendErr))
	}
	if listErr != nil {
		e.logger.Warn("conversation list fetch failed", zap.Error(listErr))
		if isAuthError(listErr) {
			e.authFailed(listErr)
			return
		}
		if e.machine.Current() == status.Syncing {
			e.toState(status.Degraded)
		}
		return
	}

	if err := e.db.UpsertSummaries(list); err != nil {
		e.logger.Error("store conversation list failed", zap.Error(err))
	}
	if err := e.db.UpsertUsers(transport.StoreUsers(users)); err != nil {
		e.logger.Error("store friends failed", zap.Error(err))
	}
	switch e.machine.Current() {
	case status.Syncing, status.Degraded:
		e.toState(status.Ready)
	}
	e.logger.Info("conversation list synced", zap.Int("conversations", len(list)))
	e.bus.Emit(bus.KindConversationsChanged, bus.ConversationRef{})
}

func (e *Engine) onDisconnected(reason string) {
	e.presence.Reset()
	e.bus.Emit(bus.KindSyncDisconnected, reason)
	if reason == serverDisconnect {
		e.toState(status.Degraded)
		return
	}
	e.toState(status.Reconnecting)
}

func (e *Engine) onConnectError(err error) {
	var ce *realtime.ConnectError
	if errors.As(err, &ce) {
		e.authFailed(err)
		return
	}
	if e.machine.Current() == status.Connecting {
		e.toState(status.Reconnecting)
	}
}

package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds observed by UI processes. Subscribers filter by prefix, so the
// segment before the first dot is the namespace.
const (
	KindStatusChanged = "session.status_changed"
	KindAuthFailed    = "session.auth_failed"
	KindLoggedOut     = "session.logged_out"

	KindSyncConnected    = "sync.connected"
	KindSyncDisconnected = "sync.disconnected"

	KindConversationsChanged   = "conversation.list_changed"
	KindConversationLoaded     = "conversation.loaded"
	KindConversationLoadFailed = "conversation.load_failed"
	KindActiveChanged          = "conversation.active_changed"

	KindMessageUpserted = "message.upserted"
	KindMessageRead     = "message.read"
	KindSendAck         = "message.send_ack"
	KindSendFailed      = "message.send_failed"

	KindTypingChanged = "typing.changed"

	KindPresenceChanged  = "presence.changed"
	KindPresenceSnapshot = "presence.snapshot"

	KindFriendsChanged = "friends.changed"
)

// ConversationRef identifies the conversation an event is about.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
	Error          string `json:"error,omitempty"`
}

// MessageRef identifies a message inside a conversation.
type MessageRef struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	LocalID        string `json:"localId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// TypingChange lists who is typing in a conversation after a change.
type TypingChange struct {
	ConversationID string   `json:"conversationId"`
	UserIDs        []string `json:"userIds"`
}

// PresenceChange reports one contact going online or offline.
type PresenceChange struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

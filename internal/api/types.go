package api

import (
	"encoding/json"

	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/store"
)

// Requests and responses travel as google.protobuf.Struct; these are their
// JSON shapes.

type Empty struct{}

type StatusResponse struct {
	Session       string `json:"session"`
	Status        string `json:"status"`
	UptimeMs      int64  `json:"uptimeMs"`
	UserID        string `json:"userId,omitempty"`
	Active        string `json:"active,omitempty"`
	Server        string `json:"server,omitempty"`
	Connected     bool   `json:"connected"`
	Conversations int64  `json:"conversations"`
	Messages      int64  `json:"messages"`
}

type LoginRequest struct {
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

type ConversationQuery struct {
	Query string `json:"query,omitempty"`
}

type Conversation struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name,omitempty"`
	PeerID             string   `json:"peerId,omitempty"`
	PeerOnline         bool     `json:"peerOnline"`
	LastMessageID      string   `json:"lastMessageId,omitempty"`
	LastMessagePreview string   `json:"lastMessagePreview,omitempty"`
	LastMessageAt      int64    `json:"lastMessageAt,omitempty"`
	LastActivityAt     int64    `json:"lastActivityAt,omitempty"`
	UnreadCount        int      `json:"unreadCount"`
	LoadState          string   `json:"loadState"`
	LoadError          string   `json:"loadError,omitempty"`
	Typing             []string `json:"typing,omitempty"`
}

type ConversationList struct {
	Conversations []Conversation `json:"conversations"`
}

type OpenRequest struct {
	ConversationID string `json:"conversationId"`
	// Wait blocks until the history is loaded or has failed to load.
	Wait      bool  `json:"wait,omitempty"`
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

type ConversationResponse struct {
	Conversation Conversation `json:"conversation"`
}

type MessagesRequest struct {
	ConversationID string `json:"conversationId"`
}

type Message struct {
	ID             string `json:"id"`
	LocalID        string `json:"localId,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
	Direction      string `json:"direction"`
	State          string `json:"state"`
	CreatedAt      int64  `json:"createdAt"`
	ReadAt         int64  `json:"readAt,omitempty"`
}

type MessageList struct {
	Messages []Message `json:"messages"`
}

type SendRequest struct {
	// ConversationID is opened first when it is not the active conversation.
	ConversationID string `json:"conversationId,omitempty"`
	Text           string `json:"text"`
}

type SendResponse struct {
	Message Message `json:"message"`
}

type MarkDisplayedRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
}

type MarkDisplayedResponse struct {
	Sent int `json:"sent"`
}

type TypingRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
}

type TypingResponse struct {
	ConversationID string   `json:"conversationId"`
	UserIDs        []string `json:"userIds"`
}

type PresenceResponse struct {
	Entries []presence.Entry `json:"entries"`
}

type UserRequest struct {
	UserID string `json:"userId"`
}

type UserQuery struct {
	Query string `json:"query"`
}

type UserList struct {
	Users []restapi.User `json:"users"`
}

type FriendRequestRef struct {
	RequestID string `json:"requestId"`
}

type FriendsRequest struct {
	Refresh bool `json:"refresh,omitempty"`
}

type FriendsResponse struct {
	Friends  []string                `json:"friends"`
	Requests []restapi.FriendRequest `json:"requests"`
}

type UserResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	UniqueID  string `json:"uniqueId,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type WatchRequest struct {
	// Namespaces filters events by kind prefix, e.g. "message." or
	// "session.". Empty means every event.
	Namespaces []string `json:"namespaces,omitempty"`
}

// EventEnvelope is one bus event as streamed to watchers.
type EventEnvelope struct {
	ID           string          `json:"id"`
	Session      string          `json:"session"`
	Kind         string          `json:"kind"`
	OccurredAtMs int64           `json:"occurredAtMs"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func conversationView(c store.Conversation) Conversation {
	return Conversation{
		ID:                 c.ID,
		Name:               c.Name,
		PeerID:             c.PeerID,
		LastMessageID:      c.LastMessageID,
		LastMessagePreview: c.LastMessagePreview,
		LastMessageAt:      c.LastMessageAt,
		LastActivityAt:     c.LastActivityAt,
		UnreadCount:        c.UnreadCount,
		LoadState:          string(c.LoadState),
		LoadError:          c.LoadError,
	}
}

func messageView(m store.Message) Message {
	return Message{
		ID:             m.ID,
		LocalID:        m.LocalID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Direction:      string(m.Direction),
		State:          string(m.State),
		CreatedAt:      m.CreatedAt,
		ReadAt:         m.ReadAt,
	}
}

func userView(u store.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Username:  u.Username,
		UniqueID:  u.UniqueID,
		AvatarURL: u.AvatarURL,
	}
}

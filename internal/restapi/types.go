package restapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Time accepts RFC 3339 strings, unix milliseconds or null.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) || len(data) == 0 {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse time %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("parse time %s: %w", data, err)
	}
	t.Time = time.UnixMilli(int64(ms))
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Millis returns unix milliseconds, 0 for the zero time.
func (t Time) Millis() int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// ID is a server identifier. Ids arrive as JSON strings or numbers; numbers
// keep their literal text.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) || len(data) == 0 {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return fmt.Errorf("parse id %s: %w", data, err)
	}
	*id = ID(data)
	return nil
}

// Message is a chat message as sent by the server, over REST and in
// message:receive / message:sent events.
type Message struct {
	ID              ID     `json:"id"`
	ConversationID  ID     `json:"conversationId"`
	SenderID        ID     `json:"senderId"`
	Content         string `json:"content"`
	CreatedAt       Time   `json:"createdAt"`
	ReadAt          Time   `json:"readAt"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// Profile holds optional user profile fields.
type Profile struct {
	ProfilePicture string `json:"profilePicture,omitempty"`
	Bio            string `json:"bio,omitempty"`
}

// Friendship statuses reported by user search.
const (
	FriendshipNone     = "none"
	FriendshipSent     = "request_sent"
	FriendshipReceived = "request_received"
	FriendshipFriends  = "friends"
)

// User is a directory entry.
type User struct {
	ID               string   `json:"id"`
	Username         string   `json:"username"`
	UniqueID         string   `json:"uniqueId,omitempty"`
	Email            string   `json:"email,omitempty"`
	Profile          *Profile `json:"profile,omitempty"`
	FriendshipStatus string   `json:"friendshipStatus,omitempty"`
}

// AvatarURL returns the profile picture, if any.
func (u User) AvatarURL() string {
	if u.Profile == nil {
		return ""
	}
	return u.Profile.ProfilePicture
}

// ConversationSummary is one entry of GET /conversations.
type ConversationSummary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Participants []User   `json:"participants"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
	UnreadCount  int      `json:"unreadCount"`
	UpdatedAt    Time     `json:"updatedAt"`
}

// FriendRequest is a pending friendship request.
type FriendRequest struct {
	ID       string `json:"id"`
	Sender   User   `json:"sender"`
	Receiver User   `json:"receiver"`
	Status   string `json:"status"`
}

// ProfileUpdate is the body of POST /auth/update-profile. Empty fields are
// omitted.
type ProfileUpdate struct {
	Username       string `json:"username,omitempty"`
	Bio            string `json:"bio,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

package transport

import (
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/store"
)

// toMessage normalizes a server message for the store. Direction is derived
// from the sender: outbound iff self sent it.
func toMessage(m restapi.Message, self string) store.Message {
	dir := store.Inbound
	if self != "" && string(m.SenderID) == self {
		dir = store.Outbound
	}
	return store.Message{
		ID:             string(m.ID),
		ConversationID: string(m.ConversationID),
		SenderID:       string(m.SenderID),
		Body:           m.Content,
		Direction:      dir,
		State:          store.StateConfirmed,
		CreatedAt:      m.CreatedAt.Millis(),
		ReadAt:         m.ReadAt.Millis(),
	}
}

// toMessages normalizes a history page. Entries missing an id are skipped;
// a missing conversation id is filled from the request.
func toMessages(msgs []restapi.Message, conversationID, self string) []*store.Message {
	out := make([]*store.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = restapi.ID(conversationID)
		}
		sm := toMessage(m, self)
		out = append(out, &sm)
	}
	return out
}

func toUser(u restapi.User) store.User {
	return store.User{
		ID:        u.ID,
		Username:  u.Username,
		UniqueID:  u.UniqueID,
		AvatarURL: u.AvatarURL(),
	}
}

// StoreUsers converts directory entries for the store. Entries without an
// id are skipped.
func StoreUsers(users []restapi.User) []store.User {
	out := make([]store.User, 0, len(users))
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		out = append(out, toUser(u))
	}
	return out
}

// toSummary maps a conversation list entry. The peer is the first
// participant other than self.
func toSummary(s restapi.ConversationSummary, self string) store.Summary {
	conv := store.Conversation{
		ID:             s.ID,
		Name:           s.Name,
		UnreadCount:    s.UnreadCount,
		LastActivityAt: s.UpdatedAt.Millis(),
	}
	for _, p := range s.Participants {
		if p.ID != "" && p.ID != self {
			conv.PeerID = p.ID
			break
		}
	}

	sum := store.Summary{Conversation: conv, Users: StoreUsers(s.Participants)}
	if s.LastMessage != nil && s.LastMessage.ID != "" {
		lm := *s.LastMessage
		if lm.ConversationID == "" {
			lm.ConversationID = restapi.ID(s.ID)
		}
		m := toMessage(lm, self)
		sum.LastMessage = &m
		if m.CreatedAt > sum.Conversation.LastActivityAt {
			sum.Conversation.LastActivityAt = m.CreatedAt
		}
	}
	return sum
}

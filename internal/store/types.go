package store

import "fmt"

// LoadState tracks history loading for a conversation.
type LoadState string

const (
	LoadIdle    LoadState = "idle"
	LoadLoading LoadState = "loading"
	LoadLoaded  LoadState = "loaded"
	LoadErrored LoadState = "errored"
)

// Direction is derived from the sender: outbound iff the current user sent it.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// DeliveryState distinguishes optimistic sends from server-confirmed messages.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateConfirmed DeliveryState = "confirmed"
	StateFailed    DeliveryState = "failed"
)

// RefKind tags a message identity.
type RefKind int

const (
	RefPending RefKind = iota
	RefFailed
	RefConfirmed
)

// Ref is a message identity: a temporary local id until the server
// acknowledges the send, then the server-assigned id. A failed send keeps
// its local id.
type Ref struct {
	Kind RefKind
	ID   string
}

// PendingRef refers to an unacknowledged outbound message.
func PendingRef(localID string) Ref { return Ref{Kind: RefPending, ID: localID} }

// FailedRef refers to an outbound message whose emit failed.
func FailedRef(localID string) Ref { return Ref{Kind: RefFailed, ID: localID} }

// ConfirmedRef refers to a server-assigned message id.
func ConfirmedRef(id string) Ref { return Ref{Kind: RefConfirmed, ID: id} }

// Local reports whether r is a client-generated id.
func (r Ref) Local() bool {
	return r.Kind != RefConfirmed
}

func (r Ref) String() string {
	switch r.Kind {
	case RefPending:
		return fmt.Sprintf("pending(%s)", r.ID)
	case RefFailed:
		return fmt.Sprintf("failed(%s)", r.ID)
	}
	return fmt.Sprintf("confirmed(%s)", r.ID)
}

// Message is one chat message. Timestamps are unix milliseconds; ReadAt is
// zero while unread.
type Message struct {
	ID             string
	LocalID        string
	ConversationID string
	SenderID       string
	Body           string
	Direction      Direction
	State          DeliveryState
	CreatedAt      int64
	ReadAt         int64
	ReceiptSent    bool
}

// Ref returns the message identity.
func (m *Message) Ref() Ref {
	switch m.State {
	case StateConfirmed:
		return ConfirmedRef(m.ID)
	case StateFailed:
		return FailedRef(m.LocalID)
	}
	return PendingRef(m.LocalID)
}

// Conversation is a list entry with derived preview and unread count.
type Conversation struct {
	ID                 string
	Name               string
	PeerID             string
	LastMessageID      string
	LastMessagePreview string
	LastMessageAt      int64
	LastActivityAt     int64
	UnreadCount        int
	LoadState          LoadState
	LoadError          string
}

// User is a directory entry used for display names.
type User struct {
	ID        string
	Username  string
	UniqueID  string
	AvatarURL string
}

// Summary is a conversation as listed by the server.
type Summary struct {
	Conversation Conversation
	LastMessage  *Message
	Users        []User
}

// Outcome reports what AppendMessage did.
type Outcome int

const (
	Inserted  Outcome = iota
	Duplicate         // id already present, nothing changed
	Merged            // id already present, readAt filled in
	Remapped          // pending entry moved to its confirmed id
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case Merged:
		return "merged"
	case Remapped:
		return "remapped"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Changed reports whether the store was modified.
func (o Outcome) Changed() bool {
	return o != Duplicate
}

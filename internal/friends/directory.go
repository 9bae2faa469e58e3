package friends

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/restapi"
	"go.uber.org/zap"
)

// Edge is the friendship relation between the current user and another.
type Edge string

const (
	None            Edge = restapi.FriendshipNone
	RequestSent     Edge = restapi.FriendshipSent
	RequestReceived Edge = restapi.FriendshipReceived
	Friends         Edge = restapi.FriendshipFriends
)

// Change is the payload of friends.changed.
type Change struct {
	UserID string `json:"userId,omitempty"`
	Edge   Edge   `json:"edge,omitempty"`
}

// Directory caches friendship edges as reported by the server. The server
// owns the relation; edges here only mirror responses.
type Directory struct {
	rest   *restapi.Client
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	edges    map[string]Edge
	requests map[string]restapi.FriendRequest
}

// NewDirectory creates an empty directory.
func NewDirectory(rest *restapi.Client, b *bus.Bus, logger *zap.Logger) *Directory {
	return &Directory{
		rest:     rest,
		bus:      b,
		logger:   logger,
		edges:    make(map[string]Edge),
		requests: make(map[string]restapi.FriendRequest),
	}
}

// Search runs a user search and records the reported edges. A blank query
// returns nothing.
func (d *Directory) Search(ctx context.Context, query string) ([]restapi.User, error) {
	users, err := d.rest.SearchUsers(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	d.mu.Lock()
	for _, u := range users {
		if u.ID != "" && u.FriendshipStatus != "" {
			d.edges[u.ID] = Edge(u.FriendshipStatus)
		}
	}
	d.mu.Unlock()
	return users, nil
}

// Refresh reloads friends and pending requests for self. The previous edges
// are replaced. Returns every user seen so callers can record them.
func (d *Directory) Refresh(ctx context.Context, self string) ([]restapi.User, error) {
	friends, err := d.rest.ListFriends(ctx, self)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	reqs, err := d.rest.ListFriendRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("list friend requests: %w", err)
	}

	edges := make(map[string]Edge, len(friends)+len(reqs))
	requests := make(map[string]restapi.FriendRequest, len(reqs))
	users := append([]restapi.User(nil), friends...)
	for _, f := range friends {
		edges[f.ID] = Friends
	}
	for _, r := range reqs {
		requests[r.ID] = r
		switch {
		case r.Receiver.ID == self && r.Sender.ID != "":
			edges[r.Sender.ID] = RequestReceived
			users = append(users, r.Sender)
		case r.Sender.ID == self && r.Receiver.ID != "":
			edges[r.Receiver.ID] = RequestSent
			users = append(users, r.Receiver)
		}
	}

	d.mu.Lock()
	d.edges = edges
	d.requests = requests
	d.mu.Unlock()

	d.logger.Debug("friends refreshed", zap.Int("friends", len(friends)), zap.Int("requests", len(reqs)))
	d.bus.Emit(bus.KindFriendsChanged, Change{})
	return users, nil
}

// Request sends a friend request to userID.
func (d *Directory) Request(ctx context.Context, userID string) error {
	if err := d.rest.SendFriendRequest(ctx, userID); err != nil {
		return fmt.Errorf("send friend request: %w", err)
	}
	d.set(userID, RequestSent)
	return nil
}

// Accept accepts a received request.
func (d *Directory) Accept(ctx context.Context, requestID string) error {
	if err := d.rest.AcceptFriendRequest(ctx, requestID); err != nil {
		return fmt.Errorf("accept friend request: %w", err)
	}
	if from := d.takeRequest(requestID); from != "" {
		d.set(from, Friends)
	}
	return nil
}

// Reject declines a received request.
func (d *Directory) Reject(ctx context.Context, requestID string) error {
	if err := d.rest.RejectFriendRequest(ctx, requestID); err != nil {
		return fmt.Errorf("reject friend request: %w", err)
	}
	if from := d.takeRequest(requestID); from != "" {
		d.set(from, None)
	}
	return nil
}

func (d *Directory) takeRequest(requestID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.requests[requestID]
	if !ok {
		return ""
	}
	delete(d.requests, requestID)
	return r.Sender.ID
}

func (d *Directory) set(userID string, e Edge) {
	d.mu.Lock()
	if e == None {
		delete(d.edges, userID)
	} else {
		d.edges[userID] = e
	}
	d.mu.Unlock()
	d.bus.Emit(bus.KindFriendsChanged, Change{UserID: userID, Edge: e})
}

// Edge returns the known edge to userID, None if unknown.
func (d *Directory) Edge(userID string) Edge {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.edges[userID]; ok {
		return e
	}
	return None
}

// CanMessage reports whether a conversation with userID may be started.
func (d *Directory) CanMessage(userID string) bool {
	return d.Edge(userID) == Friends
}

// Friends returns the ids of known friends, sorted.
func (d *Directory) Friends() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for id, e := range d.edges {
		if e == Friends {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Requests returns the pending requests, sorted by id.
func (d *Directory) Requests() []restapi.FriendRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]restapi.FriendRequest, 0, len(d.requests))
	for _, r := range d.requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset forgets every edge.
func (d *Directory) Reset() {
	d.mu.Lock()
	d.edges = make(map[string]Edge)
	d.requests = make(map[string]restapi.FriendRequest)
	d.mu.Unlock()
}

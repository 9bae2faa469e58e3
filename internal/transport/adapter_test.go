package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

type emitted struct {
	event string
	data  string
}

type fakeSocket struct {
	mu        sync.Mutex
	handler   realtime.Handler
	emits     []emitted
	connected bool
}

func (s *fakeSocket) Connect(context.Context) error {
	s.setConnected(true)
	return nil
}

func (s *fakeSocket) Close() error {
	s.setConnected(false)
	return nil
}

func (s *fakeSocket) SetHandler(h realtime.Handler) {
	s.handler = h
}

func (s *fakeSocket) State() realtime.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return realtime.StateConnected
	}
	return realtime.StateDisconnected
}

func (s *fakeSocket) Emit(event string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return realtime.ErrNotConnected
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.emits = append(s.emits, emitted{event, string(raw)})
	return nil
}

func (s *fakeSocket) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *fakeSocket) take() []emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.emits
	s.emits = nil
	return out
}

type staticIdentity string

func (s staticIdentity) UserID() string {
	return string(s)
}

type recordingHandler struct {
	connected []bool
	reasons   []string
	connErrs  []error
	messages  []store.Message
	sent      map[string]store.Message
	reads     []string
	typing    []string
	snapshots [][]presence.Entry
	presence  []presence.Entry
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{sent: make(map[string]store.Message)}
}

func (h *recordingHandler) HandleConnected(reconnect bool) {
	h.connected = append(h.connected, reconnect)
}

func (h *recordingHandler) HandleDisconnected(reason string) {
	h.reasons = append(h.reasons, reason)
}

func (h *recordingHandler) HandleConnectError(err error) {
	h.connErrs = append(h.connErrs, err)
}

func (h *recordingHandler) HandleMessage(msg store.Message) {
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandleSent(clientMessageID string, msg store.Message) {
	h.sent[clientMessageID] = msg
}

func (h *recordingHandler) HandlePresence(e presence.Entry) {
	h.presence = append(h.presence, e)
}

func (h *recordingHandler) HandleRead(messageID, conversationID, readerID string, at int64) {
	h.reads = append(h.reads, messageID+"/"+conversationID+"/"+readerID)
}

func (h *recordingHandler) HandleTyping(conv, user string, typing bool) {
	state := "stop"
	if typing {
		state = "start"
	}
	h.typing = append(h.typing, conv+"/"+user+"/"+state)
}

func (h *recordingHandler) HandlePresenceSnapshot(entries []presence.Entry) {
	h.snapshots = append(h.snapshots, entries)
}

func newTestAdapter(t *testing.T, rest *restapi.Client) (*Adapter, *fakeSocket, *recordingHandler, *metrics.Metrics) {
	t.Helper()
	sock := &fakeSocket{}
	m := metrics.New()
	a := New(Config{FetchAttempts: 3, RetryBaseDelay: time.Millisecond}, sock, rest, staticIdentity("me"), m, zap.NewNop())
	h := newRecordingHandler()
	a.RegisterHandler(h)
	return a, sock, h, m
}

func TestDispatchNormalizesEvents(t *testing.T) {
	a, _, h, m := newTestAdapter(t, nil)

	a.OnEvent(EventMessageReceive, json.RawMessage(`{"id":"m1","conversationId":"c1","senderId":"u2","content":"hi","createdAt":"2024-01-01T00:00:00Z","readAt":null}`))
	a.OnEvent(EventMessageReceive, json.RawMessage(`{"id":"m2","conversationId":"c1","senderId":"me","content":"yo","createdAt":1704067200000,"clientMessageId":"local-1"}`))
	a.OnEvent(EventMessageSent, json.RawMessage(`{"message":{"id":"m3","conversationId":"c1","senderId":"me","content":"x","createdAt":1},"clientMessageId":"local-2"}`))
	a.OnEvent(EventMessageRead, json.RawMessage(`{"messageId":"m1","readerId":"u2"}`))
	a.OnEvent(EventTypingStart, json.RawMessage(`{"conversationId":"c1","userId":"u2"}`))
	a.OnEvent(EventTypingStop, json.RawMessage(`{"conversationId":"c1","userId":"u2"}`))
	a.OnEvent(EventTypingStart, json.RawMessage(`{"conversationId":"c1","userId":"me"}`))
	a.OnEvent(EventFriendsInitial, json.RawMessage(`[{"userId":"u2","isOnline":true}]`))
	a.OnEvent(EventFriendStatus, json.RawMessage(`{"userId":"u2","isOnline":false}`))

	if len(h.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(h.messages))
	}
	got := h.messages[0]
	if got.ID != "m1" || got.Direction != store.Inbound || got.Body != "hi" || got.CreatedAt != 1704067200000 || got.ReadAt != 0 {
		t.Errorf("message = %+v", got)
	}
	if s, ok := h.sent["local-1"]; !ok || s.ID != "m2" || s.Direction != store.Outbound {
		t.Errorf("receive with client id not treated as ack: %+v", h.sent)
	}
	if s, ok := h.sent["local-2"]; !ok || s.ID != "m3" {
		t.Errorf("wrapped ack = %+v", h.sent)
	}
	if len(h.reads) != 1 || h.reads[0] != "m1//u2" {
		t.Errorf("reads = %v", h.reads)
	}
	if len(h.typing) != 2 || h.typing[0] != "c1/u2/start" || h.typing[1] != "c1/u2/stop" {
		t.Errorf("typing = %v", h.typing)
	}
	if len(h.snapshots) != 1 || !h.snapshots[0][0].Online {
		t.Errorf("snapshots = %v", h.snapshots)
	}
	if len(h.presence) != 1 || h.presence[0].Online {
		t.Errorf("presence = %v", h.presence)
	}
	if v := testutil.ToFloat64(m.EventsDropped.WithLabelValues("unknown_event")); v != 0 {
		t.Errorf("dropped = %v", v)
	}
}

func TestDispatchAcceptsNumericIDs(t *testing.T) {
	a, _, h, m := newTestAdapter(t, nil)

	a.OnEvent(EventFriendsInitial, json.RawMessage(`[{"userId":7,"isOnline":true}]`))
	a.OnEvent(EventFriendStatus, json.RawMessage(`{"userId":7,"isOnline":false}`))
	a.OnEvent(EventMessageReceive, json.RawMessage(`{"id":41,"conversationId":3,"senderId":7,"content":"hi","createdAt":1}`))
	a.OnEvent(EventMessageRead, json.RawMessage(`{"messageId":41,"conversationId":3,"readerId":7}`))
	a.OnEvent(EventTypingStart, json.RawMessage(`{"conversationId":3,"userId":7}`))

	if len(h.snapshots) != 1 || len(h.snapshots[0]) != 1 || h.snapshots[0][0].UserID != "7" || !h.snapshots[0][0].Online {
		t.Errorf("snapshots = %v", h.snapshots)
	}
	if len(h.presence) != 1 || h.presence[0].UserID != "7" || h.presence[0].Online {
		t.Errorf("presence = %v", h.presence)
	}
	if len(h.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(h.messages))
	}
	if got := h.messages[0]; got.ID != "41" || got.ConversationID != "3" || got.SenderID != "7" {
		t.Errorf("message = %+v", got)
	}
	if len(h.reads) != 1 || h.reads[0] != "41/3/7" {
		t.Errorf("reads = %v", h.reads)
	}
	if len(h.typing) != 1 || h.typing[0] != "3/7/start" {
		t.Errorf("typing = %v", h.typing)
	}
	if v := testutil.ToFloat64(m.EventsDropped.WithLabelValues("malformed")); v != 0 {
		t.Errorf("malformed dropped = %v, want 0", v)
	}
	a.OnEvent(EventFriendStatus, json.RawMessage(`{"userId":true,"isOnline":true}`))
	if v := testutil.ToFloat64(m.EventsDropped.WithLabelValues("malformed")); v != 1 {
		t.Errorf("non-scalar id dropped = %v, want 1", v)
	}
}

func TestDispatchDropsUnknownAndMalformed(t *testing.T) {
	a, _, h, m := newTestAdapter(t, nil)

	a.OnEvent("room:weird", json.RawMessage(`{}`))
	a.OnEvent(EventMessageReceive, json.RawMessage(`{"id":"m1"}`))
	a.OnEvent(EventMessageRead, json.RawMessage(`"nope"`))
	a.OnEvent(EventTypingStart, json.RawMessage(`{"conversationId":"c1"}`))

	if len(h.messages)+len(h.reads)+len(h.typing) != 0 {
		t.Fatalf("handler saw dropped events: %+v", h)
	}
	if v := testutil.ToFloat64(m.EventsDropped.WithLabelValues("unknown_event")); v != 1 {
		t.Errorf("unknown dropped = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.EventsDropped.WithLabelValues("malformed")); v != 3 {
		t.Errorf("malformed dropped = %v, want 3", v)
	}
}

func TestReconnectRejoinsAndRequestsPresence(t *testing.T) {
	a, sock, h, m := newTestAdapter(t, nil)

	if err := a.Join("c2"); err != nil {
		t.Fatalf("Join while disconnected: %v", err)
	}
	if a.Connected() {
		t.Error("Connected before the socket is up")
	}
	if err := a.RequestPresence(); err != nil {
		t.Fatalf("RequestPresence while disconnected: %v", err)
	}
	sock.setConnected(true)
	if !a.Connected() {
		t.Error("Connected = false with the socket up")
	}
	a.OnConnect()
	if err := a.Join("c1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	first := sock.take()
	want := []emitted{
		{EventJoin, `{"conversationId":"c2"}`},
		{EventPresenceRequest, `{}`},
		{EventJoin, `{"conversationId":"c1"}`},
	}
	if len(first) != len(want) {
		t.Fatalf("emits = %v, want %v", first, want)
	}
	for i := range want {
		if first[i] != want[i] {
			t.Errorf("emit[%d] = %v, want %v", i, first[i], want[i])
		}
	}

	a.OnDisconnect("transport close")
	a.OnConnect()
	second := sock.take()
	if len(second) != 3 || second[0].data != `{"conversationId":"c1"}` || second[1].data != `{"conversationId":"c2"}` || second[2].event != EventPresenceRequest {
		t.Errorf("rejoin emits = %v", second)
	}

	if len(h.connected) != 2 || h.connected[0] || !h.connected[1] {
		t.Errorf("connected = %v, want [false true]", h.connected)
	}
	if len(h.reasons) != 1 || h.reasons[0] != "transport close" {
		t.Errorf("reasons = %v", h.reasons)
	}
	if v := testutil.ToFloat64(m.Reconnects); v != 1 {
		t.Errorf("reconnects = %v, want 1", v)
	}
}

func TestOutboundPayloads(t *testing.T) {
	a, sock, _, _ := newTestAdapter(t, nil)
	sock.setConnected(true)

	if err := a.EmitSend("c1", "hello", "local-1"); err != nil {
		t.Fatal(err)
	}
	if err := a.EmitRead(context.Background(), "m1", "c1"); err != nil {
		t.Fatal(err)
	}
	if err := a.EmitTyping(context.Background(), "c1", true); err != nil {
		t.Fatal(err)
	}
	if err := a.EmitTyping(context.Background(), "c1", false); err != nil {
		t.Fatal(err)
	}

	want := []emitted{
		{EventMessageSend, `{"conversationId":"c1","content":"hello","clientMessageId":"local-1"}`},
		{EventMessageRead, `{"messageId":"m1","conversationId":"c1"}`},
		{EventTypingStart, `{"conversationId":"c1"}`},
		{EventTypingStop, `{"conversationId":"c1"}`},
	}
	got := sock.take()
	if len(got) != len(want) {
		t.Fatalf("emits = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("emit[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	sock.setConnected(false)
	if err := a.EmitSend("c1", "x", "local-2"); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("EmitSend disconnected err = %v", err)
	}
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

func TestFetchHistoryRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conversations/c1/messages":
			if calls.Add(1) == 1 {
				http.Error(w, "boom", http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`[
				{"id":"m2","senderId":"me","content":"b","createdAt":2000},
				{"id":"","content":"skipped"},
				{"id":"m1","conversationId":"c1","senderId":"u2","content":"a","createdAt":1000,"readAt":1500}
			]`))
		case "/conversations/missing/messages":
			calls.Add(1)
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a, _, _, _ := newTestAdapter(t, restapi.NewClient(srv.URL, staticToken("tok")))

	msgs, err := a.FetchHistory(context.Background(), "c1")
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if len(msgs) != 2 {
		t.Fatalf("msgs = %d, want 2", len(msgs))
	}
	if msgs[0].ConversationID != "c1" || msgs[0].Direction != store.Outbound {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Direction != store.Inbound || msgs[1].ReadAt != 1500 {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}

	calls.Store(0)
	_, err = a.FetchHistory(context.Background(), "missing")
	var apiErr *restapi.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 APIError", err)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx retried: calls = %d", calls.Load())
	}
}

func TestFetchConversationsPicksPeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{
			"id":"c1",
			"participants":[{"id":"me","username":"self"},{"id":"u2","username":"bob","profile":{"profilePicture":"p.png"}}],
			"lastMessage":{"id":"m9","senderId":"u2","content":"later","createdAt":5000},
			"unreadCount":2,
			"updatedAt":1000
		}]`))
	}))
	defer srv.Close()

	a, _, _, _ := newTestAdapter(t, restapi.NewClient(srv.URL, staticToken("tok")))
	list, err := a.FetchConversations(context.Background())
	if err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len = %d", len(list))
	}
	s := list[0]
	if s.Conversation.PeerID != "u2" || s.Conversation.UnreadCount != 2 || s.Conversation.LastActivityAt != 5000 {
		t.Errorf("conversation = %+v", s.Conversation)
	}
	if s.LastMessage == nil || s.LastMessage.ConversationID != "c1" || s.LastMessage.Direction != store.Inbound {
		t.Errorf("last message = %+v", s.LastMessage)
	}
	if len(s.Users) != 2 || s.Users[1].AvatarURL != "p.png" {
		t.Errorf("users = %+v", s.Users)
	}
}

type failingTokens struct{ err error }

func (f failingTokens) Token(context.Context) (string, error) {
	return "", f.err
}

func TestSocketTokensMapsUnauthenticated(t *testing.T) {
	_, err := SocketTokens(failingTokens{auth.ErrUnauthenticated}).Token(context.Background())
	var ce *realtime.ConnectError
	if !errors.As(err, &ce) {
		t.Errorf("err = %v, want ConnectError", err)
	}

	other := errors.New("dns")
	_, err = SocketTokens(failingTokens{other}).Token(context.Background())
	if !errors.Is(err, other) {
		t.Errorf("err = %v, want passthrough", err)
	}
}

package outbox

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// mockEmitter records calls and returns a configurable error.
type mockEmitter struct {
	calls []sendCall
	err   error
}

type sendCall struct {
	ConversationID string
	Content        string
	ClientID       string
}

func (m *mockEmitter) EmitSend(conversationID, content, clientID string) error {
	m.calls = append(m.calls, sendCall{conversationID, content, clientID})
	return m.err
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenSession()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newSender(t *testing.T, em *mockEmitter) (*Sender, *store.DB, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	s := NewSender(db, em, b, zap.NewNop())
	n := 0
	s.newID = func() string {
		n++
		return "local-" + string(rune('0'+n))
	}
	return s, db, b
}

func TestSendInsertsPendingAndEmits(t *testing.T) {
	mock := &mockEmitter{}
	s, db, _ := newSender(t, mock)

	msg, err := s.Send("c1", "me", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Ref() != store.PendingRef("local-1") {
		t.Errorf("ref = %s, want pending(local-1)", msg.Ref())
	}
	if len(mock.calls) != 1 || mock.calls[0] != (sendCall{"c1", "hello", "local-1"}) {
		t.Fatalf("calls = %+v", mock.calls)
	}

	stored, err := db.GetMessage("local-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.State != store.StatePending || stored.Direction != store.Outbound {
		t.Errorf("stored = %+v", stored)
	}
}

func TestSendRejectsBlank(t *testing.T) {
	mock := &mockEmitter{}
	s, db, _ := newSender(t, mock)

	if _, err := s.Send("c1", "me", "  \n"); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
	if n, _ := db.MessageCount(); n != 0 || len(mock.calls) != 0 {
		t.Errorf("blank send stored %d messages, emitted %d", n, len(mock.calls))
	}
}

func TestSendFailureMarksFailed(t *testing.T) {
	mock := &mockEmitter{err: errors.New("not connected")}
	s, db, b := newSender(t, mock)
	ch, unsub := b.Subscribe("message.send_failed", 4)
	defer unsub()

	msg, err := s.Send("c1", "me", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if msg.State != store.StateFailed {
		t.Errorf("returned state = %s, want failed", msg.State)
	}
	stored, _ := db.GetMessage("local-1")
	if stored.State != store.StateFailed {
		t.Errorf("stored state = %s, want failed", stored.State)
	}

	select {
	case evt := <-ch:
		ref := evt.Payload.(bus.MessageRef)
		if ref.LocalID != "local-1" || ref.Error == "" {
			t.Errorf("payload = %+v", ref)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_failed")
	}
}

func TestConfirmRemapsByClientID(t *testing.T) {
	mock := &mockEmitter{}
	s, db, b := newSender(t, mock)
	ch, unsub := b.Subscribe("message.send_ack", 4)
	defer unsub()

	if _, err := s.Send("c1", "me", "hello"); err != nil {
		t.Fatal(err)
	}
	out, err := s.Confirm("local-1", store.Message{
		ID: "srv-9", ConversationID: "c1", SenderID: "me", Body: "hello",
		Direction: store.Outbound, CreatedAt: 5000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out != store.Remapped {
		t.Errorf("outcome = %s, want remapped", out)
	}

	msgs, _ := db.ListMessages("c1")
	if len(msgs) != 1 || msgs[0].Ref() != store.ConfirmedRef("srv-9") {
		t.Fatalf("messages = %+v", msgs)
	}

	select {
	case evt := <-ch:
		ref := evt.Payload.(bus.MessageRef)
		if ref.MessageID != "srv-9" || ref.LocalID != "local-1" {
			t.Errorf("ack payload = %+v", ref)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_ack")
	}
}

func TestConfirmFallsBackToBodyMatch(t *testing.T) {
	mock := &mockEmitter{}
	s, db, _ := newSender(t, mock)

	_, _ = s.Send("c1", "me", "same")
	_, _ = s.Send("c1", "me", "same")

	if _, err := s.Confirm("", store.Message{ID: "srv-1", ConversationID: "c1", SenderID: "me",
		Body: "same", Direction: store.Outbound, CreatedAt: 5000}); err != nil {
		t.Fatal(err)
	}

	first, _ := db.GetMessage("local-1")
	second, _ := db.GetMessage("local-2")
	if first.ID != "srv-1" {
		t.Errorf("oldest pending not remapped: %+v", first)
	}
	if second.State != store.StatePending {
		t.Errorf("second pending changed: %+v", second)
	}
}

func TestConfirmWithoutPendingInserts(t *testing.T) {
	s, db, _ := newSender(t, &mockEmitter{})

	out, err := s.Confirm("", store.Message{ID: "srv-1", ConversationID: "c1", SenderID: "me",
		Body: "from another device", Direction: store.Outbound, CreatedAt: 5000})
	if err != nil {
		t.Fatal(err)
	}
	if out != store.Inserted {
		t.Errorf("outcome = %s, want inserted", out)
	}
	if n, _ := db.MessageCount(); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Emit(KindMessageUpserted, MessageRef{ConversationID: "c1", MessageID: "m1"})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageUpserted {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessageUpserted)
		}
		if evt.ID == "" {
			t.Error("event ID not stamped")
		}
		if evt.Timestamp.IsZero() {
			t.Error("event timestamp not stamped")
		}
		ref, ok := evt.Payload.(MessageRef)
		if !ok || ref.MessageID != "m1" {
			t.Errorf("payload = %#v, want MessageRef m1", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("typing.", 10)
	defer unsub()

	b.Emit(KindPresenceChanged, PresenceChange{UserID: "u1", Online: true})
	b.Emit(KindTypingChanged, TypingChange{ConversationID: "c1"})

	select {
	case evt := <-ch:
		if evt.Kind != KindTypingChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindTypingChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyNamespaceMatchesAll(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	b.Emit(KindSyncConnected, nil)
	b.Emit(KindFriendsChanged, nil)

	for _, want := range []string{KindSyncConnected, KindFriendsChanged} {
		select {
		case evt := <-ch:
			if evt.Kind != want {
				t.Errorf("got %q, want %q", evt.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	unsub()
	unsub()

	if n := b.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d after unsubscribe, want 0", n)
	}

	b.Emit(KindStatusChanged, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()

	b.Publish(Event{Kind: KindMessageUpserted, ID: "first"})
	b.Publish(Event{Kind: KindMessageRead, ID: "second"})

	evt := <-ch
	if evt.ID != "first" {
		t.Errorf("got %q, want first", evt.ID)
	}
	select {
	case evt := <-ch:
		t.Errorf("second event should have been dropped, got %v", evt)
	default:
	}
}

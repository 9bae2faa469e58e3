package store

import (
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenSession()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func inbound(id, conv string, at int64) *Message {
	return &Message{ID: id, ConversationID: conv, SenderID: "peer", Body: "body " + id,
		Direction: Inbound, State: StateConfirmed, CreatedAt: at}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
	if result.Dirty {
		t.Error("schema is dirty")
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	a := testDB(t)
	b := testDB(t)
	if a.Name() == b.Name() {
		t.Fatalf("two sessions share the name %q", a.Name())
	}

	if _, err := a.AppendMessage(inbound("m1", "c1", 1000)); err != nil {
		t.Fatal(err)
	}
	n, err := b.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second session sees %d messages, want 0", n)
	}
}

func TestAppendMessageIsIdempotent(t *testing.T) {
	db := testDB(t)

	m := inbound("m1", "c1", 1000)
	out, err := db.AppendMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	if out != Inserted {
		t.Errorf("first append = %s, want inserted", out)
	}

	out, err = db.AppendMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	if out != Duplicate {
		t.Errorf("second append = %s, want duplicate", out)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ReadAt != 0 {
		t.Errorf("ReadAt = %d, want 0", msgs[0].ReadAt)
	}
}

func TestAppendMergesReadAt(t *testing.T) {
	db := testDB(t)

	if _, err := db.AppendMessage(inbound("m1", "c1", 1000)); err != nil {
		t.Fatal(err)
	}
	read := inbound("m1", "c1", 1000)
	read.ReadAt = 5000
	out, err := db.AppendMessage(read)
	if err != nil {
		t.Fatal(err)
	}
	if out != Merged {
		t.Errorf("append with readAt = %s, want merged", out)
	}

	// A later copy without readAt never clears it.
	if out, _ := db.AppendMessage(inbound("m1", "c1", 1000)); out != Duplicate {
		t.Errorf("append without readAt = %s, want duplicate", out)
	}
	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ReadAt != 5000 {
		t.Errorf("ReadAt = %d, want 5000", got.ReadAt)
	}
}

func TestListMessagesOrder(t *testing.T) {
	db := testDB(t)

	for _, m := range []*Message{
		inbound("m3", "c1", 3000),
		inbound("b", "c1", 2000),
		inbound("a", "c1", 2000),
		inbound("m1", "c1", 1000),
		inbound("other", "c2", 1500),
	} {
		if _, err := db.AppendMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m1", "a", "b", "m3"}
	if got := ids(msgs); !equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestRemapPendingInPlace(t *testing.T) {
	db := testDB(t)

	pending := &Message{ID: "local-1", LocalID: "local-1", ConversationID: "c1", SenderID: "me",
		Body: "hi", Direction: Outbound, State: StatePending, CreatedAt: 1000}
	if out, err := db.AppendMessage(pending); err != nil || out != Inserted {
		t.Fatalf("append pending = %v, %v", out, err)
	}
	if ref := pending.Ref(); ref != PendingRef("local-1") {
		t.Errorf("ref = %s, want pending(local-1)", ref)
	}

	ack := &Message{ID: "srv-1", LocalID: "local-1", ConversationID: "c1", SenderID: "me",
		Body: "hi", Direction: Outbound, State: StateConfirmed, CreatedAt: 1200}
	out, err := db.AppendMessage(ack)
	if err != nil {
		t.Fatal(err)
	}
	if out != Remapped {
		t.Errorf("ack append = %s, want remapped", out)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.ID != "srv-1" || got.State != StateConfirmed || got.CreatedAt != 1200 {
		t.Errorf("remapped = %+v", got)
	}
	if ref := got.Ref(); ref != ConfirmedRef("srv-1") {
		t.Errorf("ref = %s, want confirmed(srv-1)", ref)
	}

	// Looking up by the old local id still finds it.
	byLocal, err := db.GetMessage("local-1")
	if err != nil {
		t.Fatal(err)
	}
	if byLocal == nil || byLocal.ID != "srv-1" {
		t.Errorf("GetMessage(local-1) = %+v, want srv-1", byLocal)
	}
}

func TestRemapWhenConfirmedArrivedFirst(t *testing.T) {
	db := testDB(t)

	pending := &Message{ID: "local-1", LocalID: "local-1", ConversationID: "c1", SenderID: "me",
		Body: "hi", Direction: Outbound, State: StatePending, CreatedAt: 1000}
	if _, err := db.AppendMessage(pending); err != nil {
		t.Fatal(err)
	}
	echo := &Message{ID: "srv-1", ConversationID: "c1", SenderID: "me", Body: "hi",
		Direction: Outbound, State: StateConfirmed, CreatedAt: 1100}
	if _, err := db.AppendMessage(echo); err != nil {
		t.Fatal(err)
	}

	ack := *echo
	ack.LocalID = "local-1"
	if out, err := db.AppendMessage(&ack); err != nil || out != Remapped {
		t.Fatalf("ack = %v, %v", out, err)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(msgs); !equal(got, []string{"srv-1"}) {
		t.Errorf("messages = %v, want [srv-1]", got)
	}
}

func TestMatchPendingAndFail(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"l1", "l2"} {
		m := &Message{ID: id, LocalID: id, ConversationID: "c1", Body: "same",
			Direction: Outbound, State: StatePending, CreatedAt: 1000}
		if _, err := db.AppendMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.MatchPending("c1", "same")
	if err != nil {
		t.Fatal(err)
	}
	if got != "l1" {
		t.Errorf("MatchPending = %q, want oldest l1", got)
	}
	if got, _ := db.MatchPending("c1", "different"); got != "" {
		t.Errorf("MatchPending(different) = %q, want empty", got)
	}

	if err := db.FailMessage("l1"); err != nil {
		t.Fatal(err)
	}
	m, err := db.GetMessage("l1")
	if err != nil {
		t.Fatal(err)
	}
	if m.State != StateFailed {
		t.Errorf("state = %s, want failed", m.State)
	}
	if got, _ := db.MatchPending("c1", "same"); got != "l2" {
		t.Errorf("MatchPending after failure = %q, want l2", got)
	}
}

func TestConfirmLateAckForFailedSend(t *testing.T) {
	db := testDB(t)

	m := &Message{ID: "l1", LocalID: "l1", ConversationID: "c1", SenderID: "me", Body: "hi",
		Direction: Outbound, State: StatePending, CreatedAt: 1000}
	if _, err := db.AppendMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.FailMessage("l1"); err != nil {
		t.Fatal(err)
	}
	failed, err := db.GetMessage("l1")
	if err != nil {
		t.Fatal(err)
	}
	if ref := failed.Ref(); ref != FailedRef("l1") || !ref.Local() {
		t.Errorf("ref = %s, want failed(l1)", ref)
	}

	if _, err := db.Confirm(ConfirmedRef("srv-0"), &Message{ID: "srv-1", ConversationID: "c1"}); err == nil {
		t.Error("Confirm with a server id succeeded")
	}

	ack := &Message{ID: "srv-1", ConversationID: "c1", SenderID: "me", Body: "hi", Direction: Outbound, CreatedAt: 1100}
	out, err := db.Confirm(failed.Ref(), ack)
	if err != nil {
		t.Fatal(err)
	}
	if out != Remapped {
		t.Errorf("confirm = %s, want remapped", out)
	}
	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Ref() != ConfirmedRef("srv-1") || msgs[0].LocalID != "l1" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestMarkRead(t *testing.T) {
	db := testDB(t)
	if _, err := db.AppendMessage(inbound("m1", "c1", 1000)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		id   string
		at   int64
		want bool
	}{
		{"first read", "m1", 2000, true},
		{"already read", "m1", 3000, false},
		{"unknown id", "nope", 2000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.MarkRead(tt.id, tt.at)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("MarkRead(%s) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}

	m, _ := db.GetMessage("m1")
	if m.ReadAt != 2000 {
		t.Errorf("ReadAt = %d, want first value 2000", m.ReadAt)
	}
}

func TestClaimReceiptOnce(t *testing.T) {
	db := testDB(t)
	if _, err := db.AppendMessage(inbound("m1", "c1", 1000)); err != nil {
		t.Fatal(err)
	}
	out := &Message{ID: "m2", ConversationID: "c1", SenderID: "me", Direction: Outbound,
		State: StateConfirmed, CreatedAt: 1100}
	if _, err := db.AppendMessage(out); err != nil {
		t.Fatal(err)
	}

	unread, err := db.UnreadInbound("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(unread); !equal(got, []string{"m1"}) {
		t.Errorf("UnreadInbound = %v, want [m1]", got)
	}

	if ok, _ := db.ClaimReceipt("m1"); !ok {
		t.Fatal("first claim failed")
	}
	if ok, _ := db.ClaimReceipt("m1"); ok {
		t.Error("second claim succeeded")
	}
	if ok, _ := db.ClaimReceipt("m2"); ok {
		t.Error("claimed a receipt for an outbound message")
	}

	if err := db.ReleaseReceipt("m1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.ClaimReceipt("m1"); !ok {
		t.Error("claim after release failed")
	}
}

func TestListConversationsOrderAndUnread(t *testing.T) {
	db := testDB(t)

	// c-old and c-tie are created first, then c-new gets the newest message.
	for _, m := range []*Message{
		inbound("a1", "c-old", 1000),
		inbound("t1", "c-tie", 2000),
		inbound("n1", "c-new", 5000),
		inbound("t2", "c-tie2", 2000),
	} {
		if _, err := db.AppendMessage(m); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.MarkRead("a1", 1500); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, c := range convs {
		got = append(got, c.ID)
	}
	want := []string{"c-new", "c-tie", "c-tie2", "c-old"}
	if !equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	for _, c := range convs {
		wantUnread := 1
		if c.ID == "c-old" {
			wantUnread = 0
		}
		if c.UnreadCount != wantUnread {
			t.Errorf("%s unread = %d, want %d", c.ID, c.UnreadCount, wantUnread)
		}
	}
	if convs[0].LastMessageID != "n1" || convs[0].LastMessagePreview != "body n1" {
		t.Errorf("preview = %q/%q", convs[0].LastMessageID, convs[0].LastMessagePreview)
	}
}

func TestSummariesAndDisplayNames(t *testing.T) {
	db := testDB(t)

	err := db.UpsertSummaries([]Summary{
		{
			Conversation: Conversation{ID: "c1", PeerID: "u1", UnreadCount: 4},
			LastMessage:  inbound("m9", "c1", 9000),
			Users:        []User{{ID: "u1", Username: "alice"}},
		},
		{
			Conversation: Conversation{ID: "c2", Name: "Project"},
		},
		{
			Conversation: Conversation{ID: "c3", PeerID: "ghost"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	c1, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c1.Name != "alice" {
		t.Errorf("c1 name = %q, want peer username", c1.Name)
	}
	if c1.UnreadCount != 4 {
		t.Errorf("c1 unread = %d, want server count 4 before load", c1.UnreadCount)
	}
	if c1.LastMessageID != "m9" {
		t.Errorf("c1 last message = %q, want m9", c1.LastMessageID)
	}

	if err := db.SetLoadState("c1", LoadLoaded, ""); err != nil {
		t.Fatal(err)
	}
	c1, _ = db.GetConversation("c1")
	if c1.UnreadCount != 1 {
		t.Errorf("c1 unread after load = %d, want local count 1", c1.UnreadCount)
	}

	c2, _ := db.GetConversation("c2")
	if c2.Name != "Project" {
		t.Errorf("c2 name = %q, want Project", c2.Name)
	}
	c3, _ := db.GetConversation("c3")
	if c3.Name != "c3" {
		t.Errorf("c3 name = %q, want id fallback", c3.Name)
	}
	if missing, _ := db.GetConversation("nope"); missing != nil {
		t.Errorf("GetConversation(nope) = %+v, want nil", missing)
	}
}

func TestSearchConversations(t *testing.T) {
	db := testDB(t)
	err := db.UpsertSummaries([]Summary{
		{Conversation: Conversation{ID: "c1", PeerID: "u1"}, Users: []User{{ID: "u1", Username: "Alice"}}},
		{Conversation: Conversation{ID: "c2", Name: "Bob"}},
		{Conversation: Conversation{ID: "room_100%", Name: "Carol"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"ali", []string{"c1"}},
		{"BOB", []string{"c2"}},
		{"c2", []string{"c2"}},
		{"100%", []string{"room_100%"}},
		{"_", []string{"room_100%"}},
		{"zzz", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			convs, err := db.SearchConversations(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, c := range convs {
				got = append(got, c.ID)
			}
			if !equal(got, tt.want) {
				t.Errorf("SearchConversations(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}

	all, err := db.SearchConversations("  ")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("blank query returned %d, want 3", len(all))
	}
}

func TestLoadStateLifecycle(t *testing.T) {
	db := testDB(t)

	if s, _ := db.LoadStateOf("c1"); s != LoadIdle {
		t.Errorf("unknown conversation state = %s, want idle", s)
	}
	if err := db.EnsureConversation("c1", 100); err != nil {
		t.Fatal(err)
	}
	if err := db.EnsureConversation("c2", 200); err != nil {
		t.Fatal(err)
	}
	if err := db.SetLoadState("c1", LoadErrored, "boom"); err != nil {
		t.Fatal(err)
	}
	c1, _ := db.GetConversation("c1")
	if c1.LoadState != LoadErrored || c1.LoadError != "boom" {
		t.Errorf("c1 = %s/%q, want errored/boom", c1.LoadState, c1.LoadError)
	}

	if err := db.SetLoadState("c1", LoadLoaded, ""); err != nil {
		t.Fatal(err)
	}
	stale, err := db.MarkStale()
	if err != nil {
		t.Fatal(err)
	}
	if !equal(stale, []string{"c1"}) {
		t.Errorf("MarkStale = %v, want [c1]", stale)
	}
	if s, _ := db.LoadStateOf("c1"); s != LoadIdle {
		t.Errorf("c1 after MarkStale = %s, want idle", s)
	}
}

func TestUsersKeepKnownFields(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertUsers([]User{{ID: "u1", Username: "alice", AvatarURL: "a.png"}}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertUsers([]User{{ID: "u1", UniqueID: "alice#1"}, {ID: ""}}); err != nil {
		t.Fatal(err)
	}
	u, err := db.GetUser("u1")
	if err != nil {
		t.Fatal(err)
	}
	if u.Username != "alice" || u.AvatarURL != "a.png" || u.UniqueID != "alice#1" {
		t.Errorf("user = %+v", u)
	}
	if missing, _ := db.GetUser("u2"); missing != nil {
		t.Errorf("GetUser(u2) = %+v, want nil", missing)
	}
}

func TestReset(t *testing.T) {
	db := testDB(t)
	if _, err := db.AppendMessage(inbound("m1", "c1", 1000)); err != nil {
		t.Fatal(err)
	}
	if err := db.Reset(); err != nil {
		t.Fatal(err)
	}
	convs, _ := db.ConversationCount()
	msgs, _ := db.MessageCount()
	if convs != 0 || msgs != 0 {
		t.Errorf("after Reset: %d conversations, %d messages", convs, msgs)
	}
}

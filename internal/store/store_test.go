package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already migrated; a second run must be a clean no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	if result.Changed {
		t.Error("second Migrate() reported changes")
	}
	if result.Dirty {
		t.Error("migration state dirty")
	}
}

func TestSaveAndGetConversation(t *testing.T) {
	db := testDB(t)

	c := &Conversation{ID: "c1", Kind: KindDirect, Cursor: 5, LastMessageAt: 1000, LastMessagePreview: "hi"}
	if err := db.SaveConversation(c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("conversation not found")
	}
	if got.Cursor != 5 || got.LastMessagePreview != "hi" {
		t.Errorf("got cursor=%d preview=%q, want 5/hi", got.Cursor, got.LastMessagePreview)
	}
}

func TestGetConversationUnknown(t *testing.T) {
	db := testDB(t)
	got, err := db.GetConversation("nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil for unknown conversation", got)
	}
}

func TestCursorNeverRegresses(t *testing.T) {
	db := testDB(t)
	if err := db.SaveConversation(&Conversation{ID: "c1", Kind: KindDirect}); err != nil {
		t.Fatal(err)
	}

	if err := db.UpdateCursor("c1", 42); err != nil {
		t.Fatal(err)
	}
	// Lower value must be ignored.
	if err := db.UpdateCursor("c1", 7); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetConversation("c1")
	if got.Cursor != 42 {
		t.Errorf("cursor = %d, want 42 (monotonic)", got.Cursor)
	}

	// Same for an upsert carrying a stale cursor.
	if err := db.SaveConversation(&Conversation{ID: "c1", Kind: KindDirect, Cursor: 3}); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetConversation("c1")
	if got.Cursor != 42 {
		t.Errorf("cursor after stale upsert = %d, want 42", got.Cursor)
	}
}

func TestUpdatePreviewKeepsNewest(t *testing.T) {
	db := testDB(t)
	if err := db.SaveConversation(&Conversation{ID: "c1", Kind: KindDirect}); err != nil {
		t.Fatal(err)
	}

	if err := db.UpdatePreview("c1", "newer", 2000); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdatePreview("c1", "older", 1000); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetConversation("c1")
	if got.LastMessagePreview != "newer" {
		t.Errorf("preview = %q, want newer", got.LastMessagePreview)
	}
	if got.LastMessageAt != 2000 {
		t.Errorf("last_message_at = %d, want 2000", got.LastMessageAt)
	}
}

func TestSaveMessageIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{UUID: "m1", ConversationID: "c1", SenderID: "alice", ContentType: "text", Content: "hello", SendTime: 1000}
	if err := db.SaveMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.GetMessages("c1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent)", len(msgs))
	}
}

func TestSaveMessageSequenceOnlyRaises(t *testing.T) {
	db := testDB(t)

	if err := db.SaveMessage(&Message{UUID: "m1", ConversationID: "c1", Sequence: 9, SendTime: 1000}); err != nil {
		t.Fatal(err)
	}
	// A replay with sequence 0 must not unsequence the row.
	if err := db.SaveMessage(&Message{UUID: "m1", ConversationID: "c1", Sequence: 0, SendTime: 1000}); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetMessageByUUID("m1")
	if got.Sequence != 9 {
		t.Errorf("sequence = %d, want 9", got.Sequence)
	}
}

func TestSaveMessagesBatch(t *testing.T) {
	db := testDB(t)

	batch := []Message{
		{UUID: "m1", ConversationID: "c1", Sequence: 1, SendTime: 1000, Content: "one"},
		{UUID: "m2", ConversationID: "c1", Sequence: 2, SendTime: 2000, Content: "two"},
		{UUID: "m3", ConversationID: "c2", Sequence: 1, SendTime: 3000, Content: "three"},
	}
	if err := db.SaveMessages(batch); err != nil {
		t.Fatal(err)
	}
	// Replay is harmless.
	if err := db.SaveMessages(batch); err != nil {
		t.Fatal(err)
	}

	msgsC1, _ := db.GetMessages("c1", 10, 0)
	msgsC2, _ := db.GetMessages("c2", 10, 0)
	if len(msgsC1) != 2 || len(msgsC2) != 1 {
		t.Errorf("got %d+%d messages, want 2+1", len(msgsC1), len(msgsC2))
	}
}

func TestGetMessagesKeysetPagination(t *testing.T) {
	db := testDB(t)

	for i := int64(1); i <= 5; i++ {
		if err := db.SaveMessage(&Message{
			UUID: string(rune('a' + i)), ConversationID: "c1",
			Sequence: i * 10, SendTime: i * 1000,
		}); err != nil {
			t.Fatal(err)
		}
	}

	// Older-than page: sequence < 40, newest first.
	msgs, err := db.GetMessages("c1", 2, 40)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Sequence != 30 || msgs[1].Sequence != 20 {
		t.Errorf("got sequences %d,%d, want 30,20", msgs[0].Sequence, msgs[1].Sequence)
	}
}

func TestGetMessagesExcludesTombstones(t *testing.T) {
	db := testDB(t)

	_ = db.SaveMessage(&Message{UUID: "m1", ConversationID: "c1", Sequence: 1, SendTime: 1000})
	_ = db.SaveMessage(&Message{UUID: "m2", ConversationID: "c1", Sequence: 2, SendTime: 2000})
	if err := db.MarkRecalled("m2"); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.GetMessages("c1", 10, 0)
	if len(msgs) != 1 || msgs[0].UUID != "m1" {
		t.Errorf("got %d messages, want only m1", len(msgs))
	}
}

func TestMarkRecalledIdempotentAndUnknown(t *testing.T) {
	db := testDB(t)

	_ = db.SaveMessage(&Message{UUID: "m1", ConversationID: "c1", Sequence: 1, SendTime: 1000})
	if err := db.MarkRecalled("m1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkRecalled("m1"); err != nil {
		t.Errorf("second MarkRecalled error = %v", err)
	}
	if err := db.MarkRecalled("ghost"); err != nil {
		t.Errorf("MarkRecalled(unknown) error = %v", err)
	}
}

func TestSetSequence(t *testing.T) {
	db := testDB(t)

	_ = db.SaveMessage(&Message{UUID: "m1", ConversationID: "c1", Sequence: 0, SendTime: 1000})
	if err := db.SetSequence("m1", 42); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessageByUUID("m1")
	if got.Sequence != 42 {
		t.Errorf("sequence = %d, want 42", got.Sequence)
	}

	// Lower values are ignored.
	if err := db.SetSequence("m1", 5); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetMessageByUUID("m1")
	if got.Sequence != 42 {
		t.Errorf("sequence after lower write = %d, want 42", got.Sequence)
	}
}

func TestDirectConversationIDSymmetric(t *testing.T) {
	ab := DirectConversationID("alice", "bob")
	ba := DirectConversationID("bob", "alice")
	if ab != ba {
		t.Errorf("DirectConversationID not symmetric: %q vs %q", ab, ba)
	}
	other := DirectConversationID("alice", "carol")
	if ab == other {
		t.Error("distinct pairs produced the same conversation id")
	}
}

package cache

import (
	"testing"
	"time"

	"github.com/chatwire/chatwire/internal/config"
)

func testMessage(conv, id string, ts int64) *CachedMessage {
	return &CachedMessage{
		MessageID:      id,
		ConversationID: conv,
		SenderID:       "u1",
		SenderName:     "User One",
		Text:           "hello",
		Timestamp:      ts,
	}
}

func TestAddIsIdempotent(t *testing.T) {
	c := NewMessageCache(config.CachingConfig{})
	first := c.Add(testMessage("c1", "m1", 100))
	dup := testMessage("c1", "m1", 200)
	dup.Text = "different"
	got := c.Add(dup)
	if got != first {
		t.Fatal("Add returned a new record for a duplicate ID")
	}
	if got.Text != "hello" {
		t.Errorf("duplicate Add overwrote text: %q", got.Text)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestGetAndDelete(t *testing.T) {
	c := NewMessageCache(config.CachingConfig{})
	c.Add(testMessage("c1", "m1", 100))

	if c.Get("c1", "m1") == nil {
		t.Fatal("Get returned nil for cached message")
	}
	if c.Get("c1", "m2") != nil {
		t.Error("Get returned a record for an unknown message")
	}
	if !c.Delete("c1", "m1") {
		t.Error("Delete returned false for cached message")
	}
	if c.Delete("c1", "m1") {
		t.Error("Delete returned true for already-deleted message")
	}
	if c.Delete("c2", "m1") {
		t.Error("Delete returned true for unknown conversation")
	}
}

func TestMessagesOrderedOldestFirst(t *testing.T) {
	c := NewMessageCache(config.CachingConfig{})
	c.Add(testMessage("c1", "m3", 300))
	c.Add(testMessage("c1", "m1", 100))
	c.Add(testMessage("c1", "m2", 200))

	msgs := c.Messages("c1")
	want := []string{"m1", "m2", "m3"}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, id := range want {
		if msgs[i].MessageID != id {
			t.Errorf("msgs[%d] = %s, want %s", i, msgs[i].MessageID, id)
		}
	}
}

func TestMigrate(t *testing.T) {
	c := NewMessageCache(config.CachingConfig{})
	c.Add(testMessage("old", "m1", 100))

	c.Migrate("old", "new", "m1")
	if c.Get("old", "m1") != nil {
		t.Error("message still present in old conversation after migrate")
	}
	got := c.Get("new", "m1")
	if got == nil {
		t.Fatal("message missing from new conversation after migrate")
	}
	if got.ConversationID != "new" {
		t.Errorf("ConversationID = %q, want new", got.ConversationID)
	}

	// Unknown message is a no-op.
	c.Migrate("old", "new", "m99")
	if c.Len() != 1 {
		t.Errorf("Len = %d after no-op migrate, want 1", c.Len())
	}
}

func TestMaintainTrimsPerConversation(t *testing.T) {
	c := NewMessageCache(config.CachingConfig{MaxMessagesPerConversation: 2})
	now := time.Now().UnixMilli()
	c.Add(testMessage("c1", "m1", now-3000))
	c.Add(testMessage("c1", "m2", now-2000))
	c.Add(testMessage("c1", "m3", now-1000))

	c.Maintain()
	if c.Get("c1", "m1") != nil {
		t.Error("oldest message survived per-conversation trim")
	}
	if c.Get("c1", "m2") == nil || c.Get("c1", "m3") == nil {
		t.Error("newest messages did not survive trim")
	}
}

func TestMaintainTrimsGlobalTotal(t *testing.T) {
	c := NewMessageCache(config.CachingConfig{MaxTotalMessages: 2})
	now := time.Now().UnixMilli()
	c.Add(testMessage("c1", "m1", now-3000))
	c.Add(testMessage("c2", "m2", now-2000))
	c.Add(testMessage("c3", "m3", now-1000))

	c.Maintain()
	if c.Len() != 2 {
		t.Fatalf("Len = %d after global trim, want 2", c.Len())
	}
	if c.Get("c1", "m1") != nil {
		t.Error("globally oldest message survived trim")
	}
}

func TestMaintainDropsExpiredAndEmptyConversations(t *testing.T) {
	c := NewMessageCache(config.CachingConfig{MaxAgeHours: 1})
	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	c.Add(testMessage("c1", "m1", old))
	c.Add(testMessage("c2", "m2", time.Now().UnixMilli()))

	c.Maintain()
	if c.Get("c1", "m1") != nil {
		t.Error("expired message survived maintenance")
	}
	if c.Get("c2", "m2") == nil {
		t.Error("fresh message evicted by maintenance")
	}
	if ids := c.MessageIDs("c1"); len(ids) != 0 {
		t.Errorf("empty conversation still holds %d IDs", len(ids))
	}
}

func TestTimestampTiesEvictInInsertionOrder(t *testing.T) {
	c := NewMessageCache(config.CachingConfig{MaxMessagesPerConversation: 1})
	c.Add(testMessage("c1", "first", 500))
	c.Add(testMessage("c1", "second", 500))

	c.Maintain()
	if c.Get("c1", "first") != nil {
		t.Error("earlier-inserted message survived a tie-break eviction")
	}
	if c.Get("c1", "second") == nil {
		t.Error("later-inserted message lost a tie-break eviction")
	}
}

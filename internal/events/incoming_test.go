package events

import (
	"context"
	"testing"

	"github.com/chatwire/chatwire/internal/cache"
	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/conversation"
	"github.com/chatwire/chatwire/internal/emoji"
	"github.com/chatwire/chatwire/internal/history"
	"github.com/chatwire/chatwire/internal/ratelimit"
)

type recordingEmitter struct {
	events []BotRequest
}

func (e *recordingEmitter) EmitEvent(req BotRequest) {
	e.events = append(e.events, req)
}

type emptySource struct{}

func (emptySource) FetchHistory(ctx context.Context, req history.SourceRequest) ([]*conversation.Event, error) {
	return nil, nil
}

func newIncomingFixture(t *testing.T) (*IncomingProcessor, *recordingEmitter, *conversation.Manager) {
	t.Helper()
	atts, err := cache.NewAttachmentCache(config.AttachmentsConfig{StorageDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	mgr := conversation.NewManager(conversation.ManagerOpts{
		Platform:    conversation.BasePlatform{Type: "test"},
		Messages:    cache.NewMessageCache(config.CachingConfig{}),
		Attachments: atts,
		Emoji:       emoji.New(),
	})
	fetcher := history.New(history.Opts{
		Manager:  mgr,
		Limiter:  ratelimit.New(config.RateLimitConfig{GlobalRPM: 6000, PerConversationRPM: 6000, MessageRPM: 6000}),
		Source:   emptySource{},
		MaxLimit: 50,
	})
	emitter := &recordingEmitter{}
	proc := NewIncomingProcessor(IncomingOpts{
		Manager: mgr,
		Fetcher: fetcher,
		Builder: NewBuilder("test", "testbot"),
		Emitter: emitter,
	})
	return proc, emitter, mgr
}

func incomingMessage(conv, id, text string) *conversation.Event {
	return &conversation.Event{
		Kind:                   conversation.KindMessageNew,
		PlatformConversationID: conv,
		MessageID:              id,
		Text:                   text,
		Timestamp:              1700000000000,
		Sender:                 &conversation.UserInfo{UserID: "u1", Username: "alice"},
	}
}

func TestConversationStartedPrecedesFirstMessage(t *testing.T) {
	proc, emitter, _ := newIncomingFixture(t)
	proc.Process(context.Background(), incomingMessage("c1", "m1", "hello"))

	if len(emitter.events) != 2 {
		t.Fatalf("emitted %d events, want 2", len(emitter.events))
	}
	if emitter.events[0].EventType != ConversationStarted {
		t.Errorf("first event = %s, want conversation_started", emitter.events[0].EventType)
	}
	if emitter.events[1].EventType != MessageReceived {
		t.Errorf("second event = %s, want message_received", emitter.events[1].EventType)
	}
	if emitter.events[0].AdapterType != "test" {
		t.Errorf("adapter_type = %q, want test", emitter.events[0].AdapterType)
	}
	if _, ok := emitter.events[0].Data["history"]; !ok {
		t.Error("conversation_started missing history")
	}
}

func TestSecondMessageEmitsOnlyMessageReceived(t *testing.T) {
	proc, emitter, _ := newIncomingFixture(t)
	proc.Process(context.Background(), incomingMessage("c1", "m1", "one"))
	emitter.events = nil

	proc.Process(context.Background(), incomingMessage("c1", "m2", "two"))
	if len(emitter.events) != 1 || emitter.events[0].EventType != MessageReceived {
		t.Fatalf("events = %v, want single message_received", emitter.events)
	}
	data := emitter.events[0].Data
	if data["text"] != "two" || data["adapter_name"] != "testbot" {
		t.Errorf("data = %v", data)
	}
}

func TestEditEmitsMessageUpdated(t *testing.T) {
	proc, emitter, _ := newIncomingFixture(t)
	proc.Process(context.Background(), incomingMessage("c1", "m1", "hello"))
	emitter.events = nil

	proc.Process(context.Background(), &conversation.Event{
		Kind:                   conversation.KindMessageEdited,
		PlatformConversationID: "c1",
		MessageID:              "m1",
		Text:                   "hello world",
		EditTimestamp:          1700000001000,
	})
	if len(emitter.events) != 1 || emitter.events[0].EventType != MessageUpdated {
		t.Fatalf("events = %v, want single message_updated", emitter.events)
	}
	data := emitter.events[0].Data
	if data["new_text"] != "hello world" {
		t.Errorf("new_text = %v", data["new_text"])
	}
	if data["timestamp"] != int64(1700000001000) {
		t.Errorf("timestamp = %v, want the edit timestamp", data["timestamp"])
	}
}

func TestReactionAndPinTranslation(t *testing.T) {
	proc, emitter, _ := newIncomingFixture(t)
	proc.Process(context.Background(), incomingMessage("c1", "m1", "hello"))
	emitter.events = nil

	proc.Process(context.Background(), &conversation.Event{
		Kind: conversation.KindReactionAdded, PlatformConversationID: "c1", MessageID: "m1", Emoji: "+1",
	})
	proc.Process(context.Background(), &conversation.Event{
		Kind: conversation.KindMessagePinned, PlatformConversationID: "c1", MessageID: "m1",
	})

	if len(emitter.events) != 2 {
		t.Fatalf("emitted %d events, want 2", len(emitter.events))
	}
	if emitter.events[0].EventType != ReactionAdded || emitter.events[0].Data["emoji"] != "thumbs_up" {
		t.Errorf("reaction event = %+v", emitter.events[0])
	}
	if emitter.events[1].EventType != MessagePinned || emitter.events[1].Data["message_id"] != "m1" {
		t.Errorf("pin event = %+v", emitter.events[1])
	}
}

func TestDeleteEmitsMessageDeleted(t *testing.T) {
	proc, emitter, _ := newIncomingFixture(t)
	proc.Process(context.Background(), incomingMessage("c1", "m1", "hello"))
	emitter.events = nil

	proc.Process(context.Background(), &conversation.Event{
		Kind:                   conversation.KindMessageDeleted,
		PlatformConversationID: "c1",
		DeletedIDs:             []string{"m1", "ghost"},
	})
	if len(emitter.events) != 1 || emitter.events[0].EventType != MessageDeleted {
		t.Fatalf("events = %v, want single message_deleted", emitter.events)
	}
	if emitter.events[0].Data["message_id"] != "m1" {
		t.Errorf("message_id = %v, want m1", emitter.events[0].Data["message_id"])
	}
}

func TestMigrationEmitsDeletesThenHistoryDirective(t *testing.T) {
	proc, emitter, _ := newIncomingFixture(t)
	proc.Process(context.Background(), incomingMessage("42/old", "m1", "hello"))
	emitter.events = nil

	proc.Process(context.Background(), &conversation.Event{
		Kind:                      conversation.KindMigration,
		PlatformConversationID:    "42/new",
		OldPlatformConversationID: "42/old",
		MigratedMessageIDs:        []string{"m1"},
	})
	if len(emitter.events) != 2 {
		t.Fatalf("emitted %d events, want delete + conversation_started", len(emitter.events))
	}
	if emitter.events[0].EventType != MessageDeleted {
		t.Errorf("first event = %s, want message_deleted", emitter.events[0].EventType)
	}
	if emitter.events[1].EventType != ConversationStarted {
		t.Errorf("second event = %s, want conversation_started for the new conversation", emitter.events[1].EventType)
	}
}

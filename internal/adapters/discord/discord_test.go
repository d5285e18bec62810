package discord

import (
	"context"
	"errors"
	"io"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/chatwire/chatwire/internal/cache"
	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/conversation"
	"github.com/chatwire/chatwire/internal/emoji"
	"github.com/chatwire/chatwire/internal/history"
)

// fakeSession scripts the discordgo surface the adapter calls.
type fakeSession struct {
	channels map[string]*discordgo.Channel
	guilds   map[string]*discordgo.Guild

	messagePages [][]*discordgo.Message
	pageIdx      int

	sendErr       error
	sentChannel   string
	sentContent   []string
	editedContent string
	deleted       []string
	reactions     []string
	removedUser   string
}

func (f *fakeSession) Open() error                          { return nil }
func (f *fakeSession) Close() error                         { return nil }
func (f *fakeSession) AddHandler(handler interface{}) func() { return func() {} }

func (f *fakeSession) Channel(channelID string) (*discordgo.Channel, error) {
	if ch, ok := f.channels[channelID]; ok {
		return ch, nil
	}
	return nil, errors.New("unknown channel")
}

func (f *fakeSession) Guild(guildID string) (*discordgo.Guild, error) {
	if g, ok := f.guilds[guildID]; ok {
		return g, nil
	}
	return nil, errors.New("unknown guild")
}

func (f *fakeSession) User(userID string) (*discordgo.User, error) {
	return &discordgo.User{ID: userID, Username: "user-" + userID}, nil
}

func (f *fakeSession) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sentChannel = channelID
	f.sentContent = append(f.sentContent, content)
	return &discordgo.Message{ID: "sent-1"}, nil
}

func (f *fakeSession) ChannelMessageEdit(channelID, messageID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.editedContent = content
	return &discordgo.Message{ID: messageID}, nil
}

func (f *fakeSession) ChannelMessageDelete(channelID, messageID string, _ ...discordgo.RequestOption) error {
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeSession) MessageReactionAdd(channelID, messageID, emojiID string, _ ...discordgo.RequestOption) error {
	f.reactions = append(f.reactions, emojiID)
	return nil
}

func (f *fakeSession) MessageReactionRemove(channelID, messageID, emojiID, userID string, _ ...discordgo.RequestOption) error {
	f.reactions = append(f.reactions, emojiID)
	f.removedUser = userID
	return nil
}

func (f *fakeSession) ChannelFileSend(channelID, name string, _ io.Reader, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	return &discordgo.Message{ID: "file-" + name}, nil
}

func (f *fakeSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, _ ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	if f.pageIdx >= len(f.messagePages) {
		return nil, nil
	}
	page := f.messagePages[f.pageIdx]
	f.pageIdx++
	return page, nil
}

func newTestAdapter(t *testing.T, fake *fakeSession) (*Adapter, *conversation.Manager) {
	t.Helper()
	atts, err := cache.NewAttachmentCache(config.AttachmentsConfig{StorageDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	m := conversation.NewManager(conversation.ManagerOpts{
		Platform:    NewPlatform("bot1"),
		Messages:    cache.NewMessageCache(config.CachingConfig{}),
		Attachments: atts,
		Emoji:       emoji.New(),
	})
	a, err := New(Opts{
		Session:   fake,
		AdapterID: "bot1",
		Manager:   m,
		Emoji:     emoji.New(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return a, m
}

func guildFake() *fakeSession {
	return &fakeSession{
		channels: map[string]*discordgo.Channel{
			"chan1": {ID: "chan1", Type: discordgo.ChannelTypeGuildText, Name: "general", GuildID: "guild1"},
			"dm1":   {ID: "dm1", Type: discordgo.ChannelTypeDM},
		},
		guilds: map[string]*discordgo.Guild{
			"guild1": {ID: "guild1", Name: "Test Server"},
		},
	}
}

func testMessage(channelID, guildID, id, text string) *discordgo.Message {
	return &discordgo.Message{
		ID:        id,
		ChannelID: channelID,
		GuildID:   guildID,
		Content:   text,
		Timestamp: time.UnixMilli(1700000000000),
		Author:    &discordgo.User{ID: "u1", Username: "alice"},
	}
}

func TestBotMentions(t *testing.T) {
	p := NewPlatform("bot1")

	// Without a resolver the rewrite keeps the raw IDs.
	text, mentions := p.BotMentions("hello <@bot1> and <@other>")
	if text != "hello <@bot1> and <@other>" {
		t.Errorf("text = %q", text)
	}
	if !reflect.DeepEqual(mentions, []string{"bot1"}) {
		t.Errorf("mentions = %v", mentions)
	}

	_, mentions = p.BotMentions("attention @everyone")
	if !reflect.DeepEqual(mentions, []string{"all"}) {
		t.Errorf("@everyone mentions = %v", mentions)
	}

	_, mentions = p.BotMentions("no mentions here")
	if mentions != nil {
		t.Errorf("spurious mentions: %v", mentions)
	}
}

func TestBotMentionsRewritesDisplayNames(t *testing.T) {
	p := NewPlatform("bot1")
	p.Resolver = func(userID string) string {
		if userID == "u2" {
			return "alice"
		}
		return ""
	}

	text, mentions := p.BotMentions("hi <@u2>, ping <@bot1> and <@u3>")
	if text != "hi <@alice>, ping <@bot1> and <@u3>" {
		t.Errorf("text = %q", text)
	}
	if !reflect.DeepEqual(mentions, []string{"bot1"}) {
		t.Errorf("mentions = %v", mentions)
	}
}

func TestConnectWiresMentionResolver(t *testing.T) {
	_, m := newTestAdapter(t, guildFake())

	p := m.Platform().(*Platform)
	if p.Resolver == nil {
		t.Fatal("resolver not wired on connect")
	}
	text, _ := p.BotMentions("hey <@u7>")
	if text != "hey <@user-u7>" {
		t.Errorf("text = %q", text)
	}
}

func TestMentionUser(t *testing.T) {
	if got := MentionUser("all"); got != "@here " {
		t.Errorf("MentionUser(all) = %q", got)
	}
	if got := MentionUser("u1"); got != "<@u1> " {
		t.Errorf("MentionUser(u1) = %q", got)
	}
}

func TestMessageCreateNormalized(t *testing.T) {
	a, _ := newTestAdapter(t, guildFake())
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	a.handleMessageCreate(&discordgo.MessageCreate{Message: testMessage("chan1", "guild1", "m1", "hello")})

	ev := <-ch
	if ev.Kind != conversation.KindMessageNew {
		t.Fatalf("kind = %v", ev.Kind)
	}
	if ev.PlatformConversationID != "guild1/chan1" {
		t.Errorf("platform id = %q", ev.PlatformConversationID)
	}
	if ev.ConversationType != "channel" || ev.ConversationName != "general" {
		t.Errorf("conversation %q/%q", ev.ConversationType, ev.ConversationName)
	}
	if ev.ServerName != "Test Server" {
		t.Errorf("server name = %q", ev.ServerName)
	}
	if ev.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d", ev.Timestamp)
	}
	if ev.Sender == nil || ev.Sender.UserID != "u1" {
		t.Errorf("sender = %+v", ev.Sender)
	}
}

func TestDirectMessageUsesBareChannelID(t *testing.T) {
	a, _ := newTestAdapter(t, guildFake())
	ch, _ := a.Listen(context.Background())

	a.handleMessageCreate(&discordgo.MessageCreate{Message: testMessage("dm1", "", "m1", "psst")})

	ev := <-ch
	if ev.PlatformConversationID != "dm1" {
		t.Errorf("platform id = %q", ev.PlatformConversationID)
	}
	if !ev.IsDirectMessage || ev.ConversationType != "dm" {
		t.Errorf("dm flags: direct=%v type=%q", ev.IsDirectMessage, ev.ConversationType)
	}
}

func TestServiceMessagesSkipped(t *testing.T) {
	a, _ := newTestAdapter(t, guildFake())
	ch, _ := a.Listen(context.Background())

	m := testMessage("chan1", "guild1", "m1", "user joined")
	m.Type = discordgo.MessageTypeGuildMemberJoin
	a.handleMessageCreate(&discordgo.MessageCreate{Message: m})

	select {
	case ev := <-ch:
		t.Fatalf("service message emitted: %+v", ev)
	default:
	}
}

func TestMessageUpdateEmitsEditAndPinState(t *testing.T) {
	a, _ := newTestAdapter(t, guildFake())
	ch, _ := a.Listen(context.Background())

	m := testMessage("chan1", "guild1", "m1", "edited text")
	m.Pinned = true
	a.handleMessageUpdate(&discordgo.MessageUpdate{Message: m})

	ev := <-ch
	if ev.Kind != conversation.KindMessageEdited || ev.Text != "edited text" {
		t.Fatalf("first event = %+v", ev)
	}
	ev = <-ch
	if ev.Kind != conversation.KindMessagePinned || ev.MessageID != "m1" {
		t.Fatalf("second event = %+v", ev)
	}
}

func TestMessageUpdateWithoutContentOnlyReportsPinState(t *testing.T) {
	a, _ := newTestAdapter(t, guildFake())
	ch, _ := a.Listen(context.Background())

	m := testMessage("chan1", "guild1", "m1", "")
	a.handleMessageUpdate(&discordgo.MessageUpdate{Message: m})

	ev := <-ch
	if ev.Kind != conversation.KindMessageUnpinned {
		t.Fatalf("event = %+v", ev)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestReactionFromBot(t *testing.T) {
	a, _ := newTestAdapter(t, guildFake())
	ch, _ := a.Listen(context.Background())

	a.handleReaction(conversation.KindReactionAdded, &discordgo.MessageReaction{
		UserID:    "bot1",
		MessageID: "m1",
		ChannelID: "chan1",
		GuildID:   "guild1",
		Emoji:     discordgo.Emoji{Name: "\U0001F44D"},
	})

	ev := <-ch
	if !ev.IsFromBot {
		t.Error("bot reaction not flagged")
	}
	if ev.Emoji != "thumbs_up" {
		t.Errorf("emoji = %q, want canonical name", ev.Emoji)
	}
}

func TestSendResolvesChannelFromConversation(t *testing.T) {
	fake := guildFake()
	a, m := newTestAdapter(t, fake)

	if _, err := m.AddToConversation(&conversation.Event{
		Kind:                   conversation.KindMessageNew,
		PlatformConversationID: "guild1/chan1",
		MessageID:              "m1",
		Text:                   "seed",
		Timestamp:              1,
		Sender:                 &conversation.UserInfo{UserID: "u1", Username: "alice"},
	}); err != nil {
		t.Fatal(err)
	}
	convID := m.CanonicalConversationID("guild1/chan1")

	id, err := a.SendMessage(context.Background(), convID, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if id != "sent-1" {
		t.Errorf("message id = %q", id)
	}
	if fake.sentChannel != "chan1" {
		t.Errorf("sent to channel %q, want chan1", fake.sentChannel)
	}
}

func TestSendUnknownConversation(t *testing.T) {
	a, _ := newTestAdapter(t, guildFake())
	if _, err := a.SendMessage(context.Background(), "discord_nope", "hi"); err == nil {
		t.Error("send to unknown conversation succeeded")
	}
}

func TestReactionsUseUnicodeGlyphs(t *testing.T) {
	fake := guildFake()
	a, m := newTestAdapter(t, fake)
	seedConversation(t, m)
	convID := m.CanonicalConversationID("guild1/chan1")

	if err := a.AddReaction(context.Background(), convID, "m1", "+1"); err != nil {
		t.Fatal(err)
	}
	if len(fake.reactions) != 1 || fake.reactions[0] != "\U0001F44D" {
		t.Errorf("reactions = %q, want the unicode glyph", fake.reactions)
	}

	if err := a.RemoveReaction(context.Background(), convID, "m1", "+1"); err != nil {
		t.Fatal(err)
	}
	if fake.removedUser != "@me" {
		t.Errorf("removed user = %q, want @me", fake.removedUser)
	}

	if err := a.AddReaction(context.Background(), convID, "m1", "no_such_emoji_name"); err == nil {
		t.Error("unknown emoji accepted")
	}
}

func TestRetryPassesThroughNonRateLimitErrors(t *testing.T) {
	fake := guildFake()
	fake.sendErr = &discordgo.RESTError{Response: &http.Response{StatusCode: 500}}
	a, m := newTestAdapter(t, fake)
	seedConversation(t, m)
	convID := m.CanonicalConversationID("guild1/chan1")

	start := time.Now()
	if _, err := a.SendMessage(context.Background(), convID, "hi"); err == nil {
		t.Fatal("send succeeded despite API error")
	}
	if time.Since(start) > time.Second {
		t.Error("non-rate-limit error was retried with backoff")
	}
}

func TestFetchHistoryFiltersAndOrders(t *testing.T) {
	fake := guildFake()
	service := testMessage("chan1", "guild1", "m2", "pin notice")
	service.Type = discordgo.MessageTypeChannelPinnedMessage
	fake.messagePages = [][]*discordgo.Message{{
		testMessage("chan1", "guild1", "m3", "newest"),
		service,
		testMessage("chan1", "guild1", "m1", "oldest"),
	}}

	a, m := newTestAdapter(t, fake)
	seedConversation(t, m)
	convID := m.CanonicalConversationID("guild1/chan1")

	events, err := a.FetchHistory(context.Background(), history.SourceRequest{
		ConversationID: convID,
		NumBefore:      10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want service message filtered", len(events))
	}
	for _, ev := range events {
		if !ev.HistoryReplay {
			t.Errorf("event %s not marked as replay", ev.MessageID)
		}
	}
	if events[0].MessageID != "m3" || events[1].MessageID != "m1" {
		t.Errorf("order = %s, %s", events[0].MessageID, events[1].MessageID)
	}
}

func seedConversation(t *testing.T, m *conversation.Manager) {
	t.Helper()
	if _, err := m.AddToConversation(&conversation.Event{
		Kind:                   conversation.KindMessageNew,
		PlatformConversationID: "guild1/chan1",
		MessageID:              "m1",
		Text:                   "seed",
		Timestamp:              1,
		Sender:                 &conversation.UserInfo{UserID: "u1", Username: "alice"},
	}); err != nil {
		t.Fatal(err)
	}
}

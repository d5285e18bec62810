package discord

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/chatwire/chatwire/internal/attachments"
	"github.com/chatwire/chatwire/internal/cache"
	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/conversation"
	"github.com/chatwire/chatwire/internal/emoji"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff for rate-limited API calls.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// historyPageSize is the Gateway's per-request message cap.
	historyPageSize = 100
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	Channel(channelID string) (*discordgo.Channel, error)
	Guild(guildID string) (*discordgo.Guild, error)
	User(userID string) (*discordgo.User, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	MessageReactionRemove(channelID, messageID, emojiID, userID string, options ...discordgo.RequestOption) error
	ChannelFileSend(channelID, name string, r io.Reader, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	if ch, err := r.s.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return r.s.Channel(channelID)
}
func (r *realSession) Guild(guildID string) (*discordgo.Guild, error) {
	if g, err := r.s.State.Guild(guildID); err == nil {
		return g, nil
	}
	return r.s.Guild(guildID)
}
func (r *realSession) User(userID string) (*discordgo.User, error) {
	return r.s.User(userID)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEdit(channelID, messageID, content, options...)
}
func (r *realSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelMessageDelete(channelID, messageID, options...)
}
func (r *realSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	return r.s.MessageReactionAdd(channelID, messageID, emojiID, options...)
}
func (r *realSession) MessageReactionRemove(channelID, messageID, emojiID, userID string, options ...discordgo.RequestOption) error {
	return r.s.MessageReactionRemove(channelID, messageID, emojiID, userID, options...)
}
func (r *realSession) ChannelFileSend(channelID, name string, rd io.Reader, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelFileSend(channelID, name, rd, options...)
}
func (r *realSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	return r.s.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}

// Adapter connects the Discord Gateway to the shared pipeline. It normalizes
// Gateway callbacks into conversation events and implements the platform API
// surface the outgoing side needs.
type Adapter struct {
	sess       session
	botToken   string
	manager    *conversation.Manager
	downloader *attachments.Downloader
	emoji      *emoji.Converter

	mu        sync.Mutex
	botUserID string
	connected bool
	closed    bool
	listenCtx context.Context
	removers  []func()

	inbound chan *conversation.Event
}

// Opts holds parameters for creating a Discord Adapter.
type Opts struct {
	Config     config.DiscordConfig
	AdapterID  string
	Manager    *conversation.Manager
	Downloader *attachments.Downloader
	Emoji      *emoji.Converter
	// For testing: inject a mock session instead of the real Gateway.
	Session session
}

// New creates a Discord Adapter.
func New(o Opts) (*Adapter, error) {
	if o.Session == nil && o.Config.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	a := &Adapter{
		sess:       o.Session,
		botToken:   o.Config.BotToken,
		manager:    o.Manager,
		downloader: o.Downloader,
		emoji:      o.Emoji,
		botUserID:  o.AdapterID,
		inbound:    make(chan *conversation.Event, 100),
	}
	return a, nil
}

// Connect establishes the Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds |
			discordgo.IntentsGuildMessages |
			discordgo.IntentsGuildMessageReactions |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsDirectMessageReactions |
			discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		log.Printf("discord: gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true

	if a.manager != nil {
		if p, ok := a.manager.Platform().(*Platform); ok && p.Resolver == nil {
			p.Resolver = a.resolveDisplayName
		}
	}
	return nil
}

// resolveDisplayName looks up the username behind a mention ID. A failed
// lookup returns "" so the mention keeps the raw ID.
func (a *Adapter) resolveDisplayName(userID string) string {
	user, err := a.sess.User(userID)
	if err != nil {
		log.Printf("discord: resolve user %s: %v", userID, err)
		return ""
	}
	return user.Username
}

// Listen registers the Gateway event handlers and returns the channel of
// normalized events. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan *conversation.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	a.listenCtx = ctx

	a.removers = append(a.removers,
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessageCreate(m)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
			a.handleMessageUpdate(m)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
			a.emit(&conversation.Event{
				Kind:                   conversation.KindMessageDeleted,
				PlatformConversationID: a.platformID(m.GuildID, m.ChannelID),
				MessageID:              m.ID,
			})
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDeleteBulk) {
			a.emit(&conversation.Event{
				Kind:                   conversation.KindMessageDeleted,
				PlatformConversationID: a.platformID(m.GuildID, m.ChannelID),
				DeletedIDs:             m.Messages,
			})
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
			a.handleReaction(conversation.KindReactionAdded, r.MessageReaction)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
			a.handleReaction(conversation.KindReactionRemoved, r.MessageReaction)
		}),
	)
	return a.inbound, nil
}

// Close shuts down the Gateway connection and the event channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.removers {
		remove()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) emit(ev *conversation.Event) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	select {
	case a.inbound <- ev:
	default:
		log.Printf("discord: dropping event, inbound queue full")
	}
}

// platformID composes the platform conversation ID: "guild/channel" in guilds,
// the bare channel ID in DMs.
func (a *Adapter) platformID(guildID, channelID string) string {
	if guildID == "" {
		return channelID
	}
	return guildID + "/" + channelID
}

// isServiceMessage filters join/pin/boost notices; only regular messages and
// replies flow into conversations.
func isServiceMessage(m *discordgo.Message) bool {
	return m.Type != discordgo.MessageTypeDefault && m.Type != discordgo.MessageTypeReply
}

func (a *Adapter) handleMessageCreate(m *discordgo.MessageCreate) {
	if m.Author == nil || isServiceMessage(m.Message) {
		return
	}
	ev := a.messageEvent(m.Message, false)
	a.emit(ev)
}

// handleMessageUpdate turns a raw edit into an edit event plus a pin-state
// event; the manager's idempotence discards the pin event when nothing
// changed.
func (a *Adapter) handleMessageUpdate(m *discordgo.MessageUpdate) {
	platformID := a.platformID(m.GuildID, m.ChannelID)
	if m.Content != "" {
		ev := &conversation.Event{
			Kind:                   conversation.KindMessageEdited,
			PlatformConversationID: platformID,
			MessageID:              m.ID,
			Text:                   m.Content,
		}
		if m.EditedTimestamp != nil {
			ev.EditTimestamp = m.EditedTimestamp.UnixMilli()
		}
		if m.BeforeUpdate != nil {
			ev.OrigText = m.BeforeUpdate.Content
		}
		a.emit(ev)
	}

	pinKind := conversation.KindMessageUnpinned
	if m.Pinned {
		pinKind = conversation.KindMessagePinned
	}
	a.emit(&conversation.Event{
		Kind:                   pinKind,
		PlatformConversationID: platformID,
		MessageID:              m.ID,
	})
}

func (a *Adapter) handleReaction(kind conversation.EventKind, r *discordgo.MessageReaction) {
	name := r.Emoji.Name
	if canonical, ok := emoji.FromSymbol(name); ok {
		name = canonical
	}
	a.emit(&conversation.Event{
		Kind:                   kind,
		PlatformConversationID: a.platformID(r.GuildID, r.ChannelID),
		MessageID:              r.MessageID,
		Emoji:                  name,
		IsFromBot:              r.UserID == a.BotUserID(),
	})
}

// messageEvent normalizes one Discord message, downloading its attachments.
func (a *Adapter) messageEvent(m *discordgo.Message, replay bool) *conversation.Event {
	guildID := m.GuildID
	convType := "channel"
	convName := ""
	serverName := ""
	direct := false

	if ch, err := a.sess.Channel(m.ChannelID); err == nil {
		switch {
		case ch.Type == discordgo.ChannelTypeDM || ch.Type == discordgo.ChannelTypeGroupDM:
			convType = "dm"
			direct = true
		case ch.IsThread():
			convType = "thread"
		}
		convName = ch.Name
		if guildID == "" {
			guildID = ch.GuildID
		}
	}
	if guildID != "" && !direct {
		if g, err := a.sess.Guild(guildID); err == nil {
			serverName = g.Name
		}
	}

	platformID := a.platformID(guildID, m.ChannelID)
	if direct {
		platformID = m.ChannelID
	}

	ev := &conversation.Event{
		Kind:                   conversation.KindMessageNew,
		PlatformConversationID: platformID,
		ConversationType:       convType,
		ConversationName:       convName,
		ServerID:               guildID,
		ServerName:             serverName,
		MessageID:              m.ID,
		Text:                   m.Content,
		Timestamp:              m.Timestamp.UnixMilli(),
		IsDirectMessage:        direct,
		HistoryReplay:          replay,
	}
	if m.Author != nil {
		ev.Sender = &conversation.UserInfo{
			UserID:   m.Author.ID,
			Username: m.Author.Username,
			IsBot:    m.Author.Bot,
		}
		ev.IsFromBot = m.Author.Bot || m.Author.ID == a.BotUserID()
	}
	if m.MessageReference != nil {
		ev.ReplyToMessageID = m.MessageReference.MessageID
	}
	ev.Attachments = a.downloadAttachments(platformID, m)
	return ev
}

func (a *Adapter) downloadAttachments(platformID string, m *discordgo.Message) []*cache.CachedAttachment {
	if len(m.Attachments) == 0 || a.downloader == nil {
		return nil
	}
	ctx := a.listenContext()
	conversationID := a.manager.CanonicalConversationID(platformID)
	var out []*cache.CachedAttachment
	for _, att := range m.Attachments {
		cached, err := a.downloader.Download(ctx, conversationID, attachments.Source{
			AttachmentID: att.ID,
			URL:          att.URL,
			Filename:     att.Filename,
		})
		if err != nil {
			log.Printf("discord: download attachment %s: %v", att.ID, err)
			continue
		}
		out = append(out, cached)
	}
	return out
}

func (a *Adapter) listenContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listenCtx != nil {
		return a.listenCtx
	}
	return context.Background()
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	backoff := baseBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v", attempt+1, maxRetries, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

package telegram

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/attachments"
	"github.com/chatwire/chatwire/internal/cache"
	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/conversation"
	"github.com/chatwire/chatwire/internal/emoji"
	"github.com/chatwire/chatwire/internal/history"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// pollTimeout is the long-poll hold time in seconds.
	pollTimeout = 30
	// pollErrorBackoff paces retries after a failed getUpdates call.
	pollErrorBackoff = 5 * time.Second
)

// pollUpdateTypes lists the update kinds the adapter subscribes to.
var pollUpdateTypes = []string{"message", "edited_message", "message_reaction"}

// Adapter connects the Telegram Bot API to the shared pipeline. Updates
// arrive through getUpdates long polling; the Bot API pushes nothing.
type Adapter struct {
	client     *Client
	manager    *conversation.Manager
	downloader *attachments.Downloader
	emoji      *emoji.Converter

	mu        sync.Mutex
	botUserID string
	connected bool
	closed    bool
	offset    int64

	inbound chan *conversation.Event
}

// Opts holds parameters for creating a Telegram Adapter.
type Opts struct {
	Config     config.TelegramConfig
	Manager    *conversation.Manager
	Downloader *attachments.Downloader
	Emoji      *emoji.Converter
}

// New creates a Telegram Adapter.
func New(o Opts) (*Adapter, error) {
	if o.Config.BotToken == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	return &Adapter{
		client:     NewClient(o.Config),
		manager:    o.Manager,
		downloader: o.Downloader,
		emoji:      o.Emoji,
		inbound:    make(chan *conversation.Event, 100),
	}, nil
}

// Connect verifies the token and resolves the bot's own user ID.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("telegram: adapter already closed")
	}
	if a.connected {
		return nil
	}
	var me User
	if err := a.client.call(ctx, "getMe", map[string]any{}, &me); err != nil {
		return fmt.Errorf("telegram: getMe: %w", err)
	}
	a.botUserID = strconv.FormatInt(me.ID, 10)
	log.Printf("telegram: connected as @%s (ID: %d)", me.Username, me.ID)
	a.connected = true
	return nil
}

// Listen starts the long-poll loop and returns the channel of normalized
// events. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan *conversation.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("telegram: not connected")
	}
	go a.poll(ctx)
	return a.inbound, nil
}

// Close shuts down the adapter and closes the event channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Telegram user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) poll(ctx context.Context) {
	for ctx.Err() == nil {
		var updates []Update
		err := a.client.call(ctx, "getUpdates", map[string]any{
			"offset":          a.nextOffset(),
			"timeout":         pollTimeout,
			"allowed_updates": pollUpdateTypes,
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("telegram: getUpdates: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollErrorBackoff):
			}
			continue
		}
		for _, u := range updates {
			a.advanceOffset(u.UpdateID)
			a.handleUpdate(ctx, u)
		}
	}
}

func (a *Adapter) nextOffset() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

func (a *Adapter) advanceOffset(updateID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if updateID >= a.offset {
		a.offset = updateID + 1
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, u Update) {
	switch {
	case u.Message != nil:
		a.handleMessage(ctx, u.Message)
	case u.EditedMessage != nil:
		a.handleEdit(u.EditedMessage)
	case u.MessageReaction != nil:
		a.handleReaction(u.MessageReaction)
	}
}

// handleMessage dispatches a message update: service payloads (migrations,
// pins, renames) become their own event kinds, everything else a new message.
func (a *Adapter) handleMessage(ctx context.Context, m *Message) {
	chatID := strconv.FormatInt(m.Chat.ID, 10)

	switch {
	case m.MigrateToChatID != 0:
		// Group upgraded to supergroup: the chat continues under a new ID.
		a.emit(&conversation.Event{
			Kind:                      conversation.KindMigration,
			PlatformConversationID:    strconv.FormatInt(m.MigrateToChatID, 10),
			OldPlatformConversationID: chatID,
			ConversationType:          "group",
			ConversationName:          m.Chat.Title,
		})
	case m.PinnedMessage != nil:
		a.emit(&conversation.Event{
			Kind:                   conversation.KindMessagePinned,
			PlatformConversationID: chatID,
			MessageID:              strconv.FormatInt(m.PinnedMessage.MessageID, 10),
		})
	case m.NewChatTitle != "":
		a.emit(&conversation.Event{
			Kind:                   conversation.KindMetadataUpdate,
			PlatformConversationID: chatID,
			NewConversationName:    m.NewChatTitle,
		})
	case m.Text != "" || m.Caption != "" || m.Document != nil || len(m.Photo) > 0:
		a.emit(a.messageEvent(ctx, m, false))
	}
}

func (a *Adapter) handleEdit(m *Message) {
	ev := &conversation.Event{
		Kind:                   conversation.KindMessageEdited,
		PlatformConversationID: strconv.FormatInt(m.Chat.ID, 10),
		MessageID:              strconv.FormatInt(m.MessageID, 10),
		Text:                   messageText(m),
		EditTimestamp:          m.EditDate * 1000,
	}
	a.emit(ev)
}

// handleReaction converts Telegram's per-user reaction set into a snapshot
// event; the manager diffs it against cached reaction state.
func (a *Adapter) handleReaction(r *MessageReactionUpdated) {
	snapshot := make(map[string]int, len(r.NewReaction))
	for _, reaction := range r.NewReaction {
		if reaction.Type != "emoji" || reaction.Emoji == "" {
			continue
		}
		name := reaction.Emoji
		if canonical, ok := emoji.FromSymbol(name); ok {
			name = canonical
		}
		snapshot[name]++
	}
	ev := &conversation.Event{
		Kind:                   conversation.KindReactionSnapshot,
		PlatformConversationID: strconv.FormatInt(r.Chat.ID, 10),
		MessageID:              strconv.FormatInt(r.MessageID, 10),
		ReactionSnapshot:       snapshot,
	}
	if r.User != nil {
		ev.IsFromBot = strconv.FormatInt(r.User.ID, 10) == a.BotUserID()
	}
	a.emit(ev)
}

// messageEvent normalizes one Telegram message, downloading its attachment.
func (a *Adapter) messageEvent(ctx context.Context, m *Message, replay bool) *conversation.Event {
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	direct := m.Chat.Type == "private"
	convType := m.Chat.Type
	if direct {
		convType = "private"
	}

	ev := &conversation.Event{
		Kind:                   conversation.KindMessageNew,
		PlatformConversationID: chatID,
		ConversationType:       convType,
		ConversationName:       chatName(m.Chat),
		MessageID:              strconv.FormatInt(m.MessageID, 10),
		Text:                   messageText(m),
		Timestamp:              m.Date * 1000,
		IsDirectMessage:        direct,
		HistoryReplay:          replay,
	}
	if m.From != nil {
		ev.Sender = userInfo(m.From)
		ev.IsFromBot = m.From.IsBot || ev.Sender.UserID == a.BotUserID()
	}
	if m.ReplyToMessage != nil {
		ev.ReplyToMessageID = strconv.FormatInt(m.ReplyToMessage.MessageID, 10)
	}
	ev.Attachments = a.downloadAttachment(ctx, chatID, m)
	return ev
}

// downloadAttachment pulls the message's document or largest photo rendition
// through the attachment pipeline.
func (a *Adapter) downloadAttachment(ctx context.Context, chatID string, m *Message) []*cache.CachedAttachment {
	if a.downloader == nil {
		return nil
	}
	var fileID, filename string
	switch {
	case m.Document != nil:
		fileID = m.Document.FileID
		filename = m.Document.FileName
	case len(m.Photo) > 0:
		// Renditions arrive smallest first.
		largest := m.Photo[len(m.Photo)-1]
		fileID = largest.FileID
		filename = fileID + ".jpg"
	default:
		return nil
	}

	var file File
	if err := a.client.call(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		log.Printf("telegram: getFile %s: %v", fileID, err)
		return nil
	}
	conversationID := a.manager.CanonicalConversationID(chatID)
	cached, err := a.downloader.Download(ctx, conversationID, attachments.Source{
		AttachmentID: fileID,
		URL:          a.client.fileDownloadURL(file.FilePath),
		Filename:     filename,
	})
	if err != nil {
		log.Printf("telegram: download attachment %s: %v", fileID, err)
		return nil
	}
	return []*cache.CachedAttachment{cached}
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
		log.Printf("telegram: dropping event, inbound queue full")
	}
}

// FetchHistory returns nothing: the Bot API exposes no message history, so
// the local cache is the only history source for Telegram.
func (a *Adapter) FetchHistory(ctx context.Context, req history.SourceRequest) ([]*conversation.Event, error) {
	return nil, nil
}

func messageText(m *Message) string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

func chatName(c Chat) string {
	if c.Title != "" {
		return c.Title
	}
	name := c.FirstName
	if c.LastName != "" {
		if name != "" {
			name += " "
		}
		name += c.LastName
	}
	if name == "" {
		name = c.Username
	}
	return name
}

func userInfo(u *User) *conversation.UserInfo {
	name := u.Username
	if name == "" {
		name = u.FirstName
		if u.LastName != "" {
			if name != "" {
				name += " "
			}
			name += u.LastName
		}
	}
	return &conversation.UserInfo{
		UserID:   strconv.FormatInt(u.ID, 10),
		Username: name,
		IsBot:    u.IsBot,
	}
}

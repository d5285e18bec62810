package zulip

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/attachments"
	"github.com/chatwire/chatwire/internal/cache"
	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/conversation"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// pollErrorBackoff paces retries after a failed events call.
	pollErrorBackoff = 5 * time.Second
	// historyPageSize bounds one messages request.
	historyPageSize = 200
)

// queueEventTypes lists the event kinds the adapter registers for.
var queueEventTypes = []string{"message", "reaction", "update_message", "delete_message"}

// attachmentLinkRE matches "[name](/user_uploads/path)" links in rendered
// message content.
var attachmentLinkRE = regexp.MustCompile(`\[([^\]]+)\]\((/user_uploads/[^)]+)\)`)

// Adapter connects the Zulip event queue to the shared pipeline.
type Adapter struct {
	client     *Client
	manager    *conversation.Manager
	downloader *attachments.Downloader

	mu          sync.Mutex
	botUserID   string
	botName     string
	connected   bool
	closed      bool
	queueID     string
	lastEventID int64

	inbound chan *conversation.Event
}

// Opts holds parameters for creating a Zulip Adapter.
type Opts struct {
	Config     config.ZulipConfig
	Manager    *conversation.Manager
	Downloader *attachments.Downloader
}

// New creates a Zulip Adapter.
func New(o Opts) (*Adapter, error) {
	if o.Config.Site == "" || o.Config.Email == "" || o.Config.APIKey == "" {
		return nil, fmt.Errorf("zulip: site, email and api key are required")
	}
	return &Adapter{
		client:     NewClient(o.Config),
		manager:    o.Manager,
		downloader: o.Downloader,
		inbound:    make(chan *conversation.Event, 100),
	}, nil
}

// Connect resolves the bot's identity and registers an event queue.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("zulip: adapter already closed")
	}
	if a.connected {
		return nil
	}

	var me ownUserResponse
	if err := a.client.do(ctx, "GET", "/api/v1/users/me", nil, &me); err != nil {
		return fmt.Errorf("zulip: users/me: %w", err)
	}
	a.botUserID = strconv.FormatInt(me.UserID, 10)
	a.botName = me.FullName

	if err := a.registerQueueLocked(ctx); err != nil {
		return err
	}
	log.Printf("zulip: connected as %s (ID: %s)", a.botName, a.botUserID)
	a.connected = true
	return nil
}

func (a *Adapter) registerQueueLocked(ctx context.Context) error {
	types, _ := json.Marshal(queueEventTypes)
	form := url.Values{"event_types": {string(types)}}
	var reg registerResponse
	if err := a.client.do(ctx, "POST", "/api/v1/register", form, &reg); err != nil {
		return fmt.Errorf("zulip: register event queue: %w", err)
	}
	a.queueID = reg.QueueID
	a.lastEventID = reg.LastEventID
	return nil
}

// Listen starts the event queue poll loop and returns the channel of
// normalized events. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan *conversation.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("zulip: not connected")
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

// BotUserID returns the bot's numeric Zulip user ID (available after
// Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) poll(ctx context.Context) {
	for ctx.Err() == nil {
		a.mu.Lock()
		form := url.Values{
			"queue_id":      {a.queueID},
			"last_event_id": {strconv.FormatInt(a.lastEventID, 10)},
			"dont_block":    {"false"},
		}
		a.mu.Unlock()

		var resp eventsResponse
		err := a.client.do(ctx, "GET", "/api/v1/events", form, &resp)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if badEventQueue(err) {
				log.Printf("zulip: event queue expired, re-registering")
				a.mu.Lock()
				regErr := a.registerQueueLocked(ctx)
				a.mu.Unlock()
				if regErr == nil {
					continue
				}
				err = regErr
			}
			log.Printf("zulip: poll events: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollErrorBackoff):
			}
			continue
		}

		for _, ev := range resp.Events {
			a.mu.Lock()
			if ev.ID > a.lastEventID {
				a.lastEventID = ev.ID
			}
			a.mu.Unlock()
			a.handleEvent(ctx, ev)
		}
	}
}

func (a *Adapter) handleEvent(ctx context.Context, ev Event) {
	switch ev.Type {
	case "message":
		if ev.Message != nil {
			a.emit(a.messageEvent(ctx, ev.Message, false))
		}
	case "update_message":
		a.handleUpdateMessage(ev)
	case "delete_message":
		a.emit(&conversation.Event{
			Kind:      conversation.KindMessageDeleted,
			MessageID: strconv.FormatInt(ev.MessageID, 10),
		})
	case "reaction":
		kind := conversation.KindReactionAdded
		if ev.Op == "remove" {
			kind = conversation.KindReactionRemoved
		}
		a.emit(&conversation.Event{
			Kind:      kind,
			MessageID: strconv.FormatInt(ev.MessageID, 10),
			Emoji:     ev.EmojiName,
			IsFromBot: strconv.FormatInt(ev.UserID, 10) == a.BotUserID(),
		})
	}
}

// handleUpdateMessage distinguishes topic moves from content edits. A topic
// change migrates the listed messages into the conversation keyed by the new
// topic; a content edit updates one message in place.
func (a *Adapter) handleUpdateMessage(ev Event) {
	if ev.Subject != "" && ev.OrigSubject != "" && ev.Subject != ev.OrigSubject {
		stream := strconv.FormatInt(ev.StreamID, 10)
		ids := make([]string, 0, len(ev.MessageIDs))
		for _, id := range ev.MessageIDs {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		a.emit(&conversation.Event{
			Kind:                      conversation.KindMigration,
			PlatformConversationID:    stream + "/" + ev.Subject,
			OldPlatformConversationID: stream + "/" + ev.OrigSubject,
			ConversationType:          "stream",
			MigratedMessageIDs:        ids,
		})
		return
	}

	if ev.Content == "" {
		return
	}
	a.emit(&conversation.Event{
		Kind:          conversation.KindMessageEdited,
		MessageID:     strconv.FormatInt(ev.MessageID, 10),
		Text:          ev.Content,
		OrigText:      ev.OrigContent,
		EditTimestamp: ev.EditTimestamp * 1000,
	})
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
		log.Printf("zulip: dropping event, inbound queue full")
	}
}

// conversationID derives the platform conversation ID: sorted participant IDs
// for private messages, stream/topic for stream ones.
func conversationID(m *Message) string {
	if m.Type == "private" {
		ids := make([]int64, 0, len(m.DisplayRecipient.Users))
		for _, u := range m.DisplayRecipient.Users {
			ids = append(ids, u.ID)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.FormatInt(id, 10)
		}
		return strings.Join(parts, "_")
	}
	if m.StreamID != 0 && m.Subject != "" {
		return strconv.FormatInt(m.StreamID, 10) + "/" + m.Subject
	}
	return ""
}

// messageEvent normalizes one Zulip message, downloading linked uploads.
func (a *Adapter) messageEvent(ctx context.Context, m *Message, replay bool) *conversation.Event {
	platformID := conversationID(m)
	direct := m.Type == "private"
	convName := ""
	if !direct {
		convName = m.DisplayRecipient.Name
	}

	ev := &conversation.Event{
		Kind:                   conversation.KindMessageNew,
		PlatformConversationID: platformID,
		ConversationType:       m.Type,
		ConversationName:       convName,
		MessageID:              strconv.FormatInt(m.ID, 10),
		Text:                   m.Content,
		Timestamp:              m.Timestamp * 1000,
		IsDirectMessage:        direct,
		HistoryReplay:          replay,
		Sender: &conversation.UserInfo{
			UserID:   strconv.FormatInt(m.SenderID, 10),
			Username: m.SenderFullName,
		},
	}
	ev.IsFromBot = ev.Sender.UserID == a.BotUserID()
	ev.Attachments = a.downloadUploads(ctx, platformID, m.Content)
	return ev
}

// downloadUploads pulls every /user_uploads link in the content through the
// attachment pipeline. Upload URLs require the bot's Basic auth header.
func (a *Adapter) downloadUploads(ctx context.Context, platformID, content string) []*cache.CachedAttachment {
	if a.downloader == nil {
		return nil
	}
	matches := attachmentLinkRE.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	conversationID := a.manager.CanonicalConversationID(platformID)
	var out []*cache.CachedAttachment
	for _, m := range matches {
		name, path := m[1], m[2]
		cached, err := a.downloader.Download(ctx, conversationID, attachments.Source{
			AttachmentID: uploadID(path),
			URL:          a.client.fileDownloadURL(path),
			Filename:     name,
			Headers:      a.client.AuthHeaders(),
		})
		if err != nil {
			log.Printf("zulip: download upload %s: %v", path, err)
			continue
		}
		out = append(out, cached)
	}
	return out
}

// uploadID derives a stable attachment ID from an upload path.
func uploadID(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// Path shape: user_uploads/<realm>/<hash1>/<hash2>/<filename>.
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return path
}

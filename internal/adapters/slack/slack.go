package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/chatwire/chatwire/internal/attachments"
	"github.com/chatwire/chatwire/internal/cache"
	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/conversation"
	"github.com/chatwire/chatwire/internal/history"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// maxReconnectAttempts limits Socket Mode reconnection retries.
	maxReconnectAttempts = 10
	// reconnectBackoff is the base backoff between reconnection attempts.
	reconnectBackoff = 2 * time.Second
	// maxReconnectBackoff caps the exponential reconnection backoff.
	maxReconnectBackoff = 2 * time.Minute
	// historyPageSize is the per-request cap for conversations.history.
	historyPageSize = 200
)

// slackClient abstracts the Slack Web API methods we use, enabling test mocks.
type slackClient interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	DeleteMessageContext(ctx context.Context, channelID, messageTimestamp string) (string, string, error)
	AddReactionContext(ctx context.Context, name string, item slackapi.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slackapi.ItemRef) error
	UploadFileV2Context(ctx context.Context, params slackapi.UploadFileV2Parameters) (*slackapi.FileSummary, error)
	GetConversationHistoryContext(ctx context.Context, params *slackapi.GetConversationHistoryParameters) (*slackapi.GetConversationHistoryResponse, error)
	GetConversationInfoContext(ctx context.Context, input *slackapi.GetConversationInfoInput) (*slackapi.Channel, error)
	GetUserInfoContext(ctx context.Context, user string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	RunContext(ctx context.Context) error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) RunContext(ctx context.Context) error { return r.client.RunContext(ctx) }
func (r *realSocketClient) EventsChan() chan socketmode.Event    { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter connects Slack Socket Mode to the shared pipeline. It normalizes
// Events API callbacks into conversation events and implements the platform
// API surface the outgoing side needs.
type Adapter struct {
	client     slackClient
	socket     socketClient
	appToken   string
	botToken   string
	manager    *conversation.Manager
	downloader *attachments.Downloader
	users      *history.UserMemo

	mu           sync.Mutex
	botUserID    string
	connected    bool
	closed       bool
	listenCtx    context.Context
	cancelFunc   context.CancelFunc
	channelNames map[string]string

	inbound chan *conversation.Event
}

// Opts holds parameters for creating a Slack Adapter.
type Opts struct {
	Config     config.SlackConfig
	Manager    *conversation.Manager
	Downloader *attachments.Downloader
	// For testing: inject mocks instead of the real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(o Opts) (*Adapter, error) {
	if o.Client == nil && o.Config.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if o.Socket == nil && o.Config.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	a := &Adapter{
		client:       o.Client,
		socket:       o.Socket,
		appToken:     o.Config.AppToken,
		botToken:     o.Config.BotToken,
		manager:      o.Manager,
		downloader:   o.Downloader,
		channelNames: make(map[string]string),
		inbound:      make(chan *conversation.Event, 100),
	}
	a.users = history.NewUserMemo(func(ctx context.Context, userID string) (*conversation.UserInfo, error) {
		user, err := a.client.GetUserInfoContext(ctx, userID)
		if err != nil {
			return nil, err
		}
		info := &conversation.UserInfo{
			UserID:   user.ID,
			Username: user.Name,
			IsBot:    user.IsBot,
		}
		if user.Profile.DisplayName != "" {
			info.Username = user.Profile.DisplayName
		} else if user.RealName != "" {
			info.Username = user.RealName
		}
		return info, nil
	})
	if a.manager != nil {
		if p, ok := a.manager.Platform().(*Platform); ok && p.Resolver == nil {
			p.Resolver = a.resolveDisplayName
		}
	}
	return a, nil
}

// resolveDisplayName looks up the display name behind a mention ID. A failed
// lookup returns "" so the mention keeps the raw ID.
func (a *Adapter) resolveDisplayName(userID string) string {
	user, err := a.users.Get(context.Background(), userID)
	if err != nil {
		log.Printf("slack: resolve user %s: %v", userID, err)
		return ""
	}
	return user.Username
}

// Connect builds the Web API and Socket Mode clients and resolves the bot's
// own user ID.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.connected = true
	return nil
}

// Listen starts the Socket Mode pump and returns the channel of normalized
// events. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan *conversation.Event, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.listenCtx = listenCtx
	a.cancelFunc = cancel
	a.mu.Unlock()

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)
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
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when the connection drops.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		err := a.socket.RunContext(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * reconnectBackoff
		if wait > maxReconnectBackoff {
			wait = maxReconnectBackoff
		}
		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, maxReconnectAttempts, err, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", maxReconnectAttempts)
}

// pumpEvents reads Socket Mode events and converts them to conversation
// events.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(apiEvent)

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")
	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")
	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)
	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		a.handleMessage(ev)
	case *slackevents.ReactionAddedEvent:
		a.emit(&conversation.Event{
			Kind:                   conversation.KindReactionAdded,
			PlatformConversationID: ev.Item.Channel,
			MessageID:              ev.Item.Timestamp,
			Emoji:                  ev.Reaction,
			IsFromBot:              ev.User == a.BotUserID(),
		})
	case *slackevents.ReactionRemovedEvent:
		a.emit(&conversation.Event{
			Kind:                   conversation.KindReactionRemoved,
			PlatformConversationID: ev.Item.Channel,
			MessageID:              ev.Item.Timestamp,
			Emoji:                  ev.Reaction,
			IsFromBot:              ev.User == a.BotUserID(),
		})
	case *slackevents.PinAddedEvent:
		a.emitPin(conversation.KindMessagePinned, ev.Channel, ev.Item.Timestamp)
	case *slackevents.PinRemovedEvent:
		a.emitPin(conversation.KindMessageUnpinned, ev.Channel, ev.Item.Timestamp)
	}
}

// handleMessage dispatches on message subtype: plain messages and file shares
// become new-message events, edits and deletions their own kinds. Other
// subtypes (joins, topic changes) are dropped.
func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	switch ev.SubType {
	case "", slackapi.MsgSubTypeFileShare, slackapi.MsgSubTypeBotMessage:
		a.emit(a.messageEvent(ev, false))

	case slackapi.MsgSubTypeMessageChanged:
		if ev.Message == nil {
			return
		}
		edit := &conversation.Event{
			Kind:                   conversation.KindMessageEdited,
			PlatformConversationID: ev.Channel,
			MessageID:              ev.Message.TimeStamp,
			Text:                   ev.Message.Text,
			EditTimestamp:          tsToMillis(ev.EventTimeStamp),
		}
		if ev.PreviousMessage != nil {
			edit.OrigText = ev.PreviousMessage.Text
		}
		a.emit(edit)

	case slackapi.MsgSubTypeMessageDeleted:
		a.emit(&conversation.Event{
			Kind:                   conversation.KindMessageDeleted,
			PlatformConversationID: ev.Channel,
			MessageID:              ev.DeletedTimeStamp,
		})
	}
}

func (a *Adapter) emitPin(kind conversation.EventKind, channel, ts string) {
	if ts == "" {
		log.Printf("slack: pin event without message timestamp, ignoring")
		return
	}
	a.emit(&conversation.Event{
		Kind:                   kind,
		PlatformConversationID: channel,
		MessageID:              ts,
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
		log.Printf("slack: dropping event, inbound queue full")
	}
}

// messageEvent normalizes one Slack message, downloading any shared files.
func (a *Adapter) messageEvent(ev *slackevents.MessageEvent, replay bool) *conversation.Event {
	direct := ev.ChannelType == "im" || ev.ChannelType == "mpim" ||
		strings.HasPrefix(ev.Channel, "D")
	convType := "channel"
	if direct {
		convType = "dm"
	}

	out := &conversation.Event{
		Kind:                   conversation.KindMessageNew,
		PlatformConversationID: ev.Channel,
		ConversationType:       convType,
		ConversationName:       a.channelName(ev.Channel, direct),
		MessageID:              ev.TimeStamp,
		Text:                   ev.Text,
		Timestamp:              tsToMillis(ev.TimeStamp),
		IsDirectMessage:        direct,
		IsFromBot:              ev.BotID != "" || ev.User == a.BotUserID(),
		HistoryReplay:          replay,
	}
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		out.ReplyToMessageID = ev.ThreadTimeStamp
	}
	if ev.User != "" {
		if user, err := a.users.Get(a.listenContext(), ev.User); err == nil {
			out.Sender = user
		} else {
			out.Sender = &conversation.UserInfo{UserID: ev.User, Username: ev.User}
		}
	} else if ev.BotID != "" {
		out.Sender = &conversation.UserInfo{UserID: ev.BotID, Username: ev.Username, IsBot: true}
	}
	out.Attachments = a.downloadFiles(ev.Channel, ev.Files)
	return out
}

// downloadFiles pulls shared files through the attachment pipeline. Slack's
// private URLs require the bot token as a bearer header.
func (a *Adapter) downloadFiles(channel string, files []slackevents.File) []*cache.CachedAttachment {
	if len(files) == 0 || a.downloader == nil {
		return nil
	}
	ctx := a.listenContext()
	conversationID := a.manager.CanonicalConversationID(channel)
	var out []*cache.CachedAttachment
	for _, f := range files {
		url := f.URLPrivateDownload
		if url == "" {
			url = f.URLPrivate
		}
		cached, err := a.downloader.Download(ctx, conversationID, attachments.Source{
			AttachmentID: f.ID,
			URL:          url,
			Filename:     f.Name,
			Headers:      map[string]string{"Authorization": "Bearer " + a.botToken},
		})
		if err != nil {
			log.Printf("slack: download file %s: %v", f.ID, err)
			continue
		}
		out = append(out, cached)
	}
	return out
}

// channelName resolves and memoizes a channel's display name. DMs have no
// name.
func (a *Adapter) channelName(channel string, direct bool) string {
	if direct {
		return ""
	}
	a.mu.Lock()
	if name, ok := a.channelNames[channel]; ok {
		a.mu.Unlock()
		return name
	}
	a.mu.Unlock()

	info, err := a.client.GetConversationInfoContext(a.listenContext(), &slackapi.GetConversationInfoInput{
		ChannelID: channel,
	})
	if err != nil {
		return ""
	}
	a.mu.Lock()
	a.channelNames[channel] = info.Name
	a.mu.Unlock()
	return info.Name
}

func (a *Adapter) listenContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listenCtx != nil {
		return a.listenCtx
	}
	return context.Background()
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors, honoring the RetryAfter duration Slack returns.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tsToMillis converts a Slack timestamp ("1234567890.123456") to millisecond
// precision.
func tsToMillis(ts string) int64 {
	if ts == "" {
		return 0
	}
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0
	}
	ms := sec * 1000
	if len(parts) == 2 && len(parts[1]) >= 3 {
		if frac, err := strconv.ParseInt(parts[1][:3], 10, 64); err == nil {
			ms += frac
		}
	}
	return ms
}

// millisToTS converts milliseconds to Slack's seconds.fraction timestamp form.
func millisToTS(ms int64) string {
	return fmt.Sprintf("%d.%06d", ms/1000, (ms%1000)*1000)
}

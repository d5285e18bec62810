package conversation

import (
	"time"

	"github.com/chatwire/chatwire/internal/cache"
)

// MessageBuilder assembles a CachedMessage in stages: basic info, sender,
// thread, content. Adapters normalize platform messages into an Event; the
// builder turns the Event into the canonical record.
type MessageBuilder struct {
	msg *cache.CachedMessage
}

// NewMessageBuilder starts an empty build.
func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{msg: &cache.CachedMessage{
		Reactions:   make(map[string]int),
		Attachments: make(map[string]struct{}),
	}}
}

// WithBasicInfo fills identity and timing fields from the event and its
// resolved conversation.
func (b *MessageBuilder) WithBasicInfo(ev *Event, info *Info) *MessageBuilder {
	b.msg.MessageID = ev.MessageID
	b.msg.ConversationID = info.ConversationID
	b.msg.IsDirectMessage = ev.IsDirectMessage || info.IsDirect()
	b.msg.Timestamp = ev.Timestamp
	if b.msg.Timestamp == 0 {
		b.msg.Timestamp = time.Now().UnixMilli()
	}
	if ev.IsFromBot {
		b.msg.IsFromBot = true
	}
	return b
}

// WithSenderInfo fills sender identity from the resolved user.
func (b *MessageBuilder) WithSenderInfo(user *UserInfo) *MessageBuilder {
	b.msg.SenderID = user.UserID
	b.msg.SenderName = user.DisplayName()
	if user.IsBot {
		b.msg.IsFromBot = true
	}
	return b
}

// WithThreadInfo links the message into its thread, if any.
func (b *MessageBuilder) WithThreadInfo(thread *ThreadInfo, replyToID string) *MessageBuilder {
	b.msg.ReplyToMessageID = replyToID
	if thread != nil {
		b.msg.ThreadID = thread.ThreadID
	}
	return b
}

// WithContent sets the message text (after mention rewriting).
func (b *MessageBuilder) WithContent(text string) *MessageBuilder {
	b.msg.Text = text
	return b
}

// Build returns the assembled record.
func (b *MessageBuilder) Build() *cache.CachedMessage {
	return b.msg
}

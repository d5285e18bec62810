package events

import "github.com/chatwire/chatwire/internal/conversation"

// Builder shapes deltas and records into canonical bus events for one adapter.
type Builder struct {
	adapterType string
	adapterName string
}

// NewBuilder creates a Builder for an adapter identity.
func NewBuilder(adapterType, adapterName string) *Builder {
	return &Builder{adapterType: adapterType, adapterName: adapterName}
}

func (b *Builder) envelope(eventType IncomingType, data map[string]any) BotRequest {
	return BotRequest{
		AdapterType: b.adapterType,
		EventType:   eventType,
		Data:        data,
	}
}

// ConversationStarted fires once per new conversation, carrying the first
// fetched history window (possibly empty).
func (b *Builder) ConversationStarted(conversationID string, history []conversation.MessageRecord) BotRequest {
	if history == nil {
		history = []conversation.MessageRecord{}
	}
	return b.envelope(ConversationStarted, map[string]any{
		"conversation_id": conversationID,
		"history":         history,
	})
}

// MessageReceived shapes one added message.
func (b *Builder) MessageReceived(rec conversation.MessageRecord) BotRequest {
	data := map[string]any{
		"adapter_name":    b.adapterName,
		"message_id":      rec.MessageID,
		"conversation_id": rec.ConversationID,
		"sender":          rec.Sender,
		"text":            rec.Text,
		"timestamp":       rec.Timestamp,
		"attachments":     rec.Attachments,
		"mentions":        mentionsOrEmpty(rec.Mentions),
	}
	if rec.ThreadID != "" {
		data["thread_id"] = rec.ThreadID
	}
	return b.envelope(MessageReceived, data)
}

// MessageUpdated shapes one edited message; timestamp is the edit timestamp.
func (b *Builder) MessageUpdated(rec conversation.MessageRecord) BotRequest {
	return b.envelope(MessageUpdated, map[string]any{
		"adapter_name":    b.adapterName,
		"message_id":      rec.MessageID,
		"conversation_id": rec.ConversationID,
		"new_text":        rec.Text,
		"timestamp":       rec.EditTimestamp,
		"attachments":     rec.Attachments,
	})
}

// MessageDeleted shapes one deletion.
func (b *Builder) MessageDeleted(messageID, conversationID string) BotRequest {
	return b.envelope(MessageDeleted, map[string]any{
		"message_id":      messageID,
		"conversation_id": conversationID,
	})
}

// ReactionEvent shapes one reaction add or remove.
func (b *Builder) ReactionEvent(eventType IncomingType, messageID, conversationID, emoji string) BotRequest {
	return b.envelope(eventType, map[string]any{
		"message_id":      messageID,
		"conversation_id": conversationID,
		"emoji":           emoji,
	})
}

// PinEvent shapes one pin or unpin.
func (b *Builder) PinEvent(eventType IncomingType, messageID, conversationID string) BotRequest {
	return b.envelope(eventType, map[string]any{
		"message_id":      messageID,
		"conversation_id": conversationID,
	})
}

// HistoryFetched replies to an outgoing fetch_history routed through the
// incoming stream.
func (b *Builder) HistoryFetched(conversationID string, history []conversation.MessageRecord) BotRequest {
	if history == nil {
		history = []conversation.MessageRecord{}
	}
	return b.envelope(HistoryFetched, map[string]any{
		"conversation_id": conversationID,
		"history":         history,
	})
}

func mentionsOrEmpty(mentions []string) []string {
	if mentions == nil {
		return []string{}
	}
	return mentions
}

package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chatwire/chatwire/internal/emoji"
)

// chatID resolves a canonical conversation ID back to the numeric Telegram
// chat it lives in.
func (a *Adapter) chatID(conversationID string) (int64, error) {
	info := a.manager.Conversation(conversationID)
	if info == nil {
		return 0, fmt.Errorf("telegram: unknown conversation %s", conversationID)
	}
	id, err := strconv.ParseInt(info.PlatformConversationID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: conversation %s has a non-numeric chat id %q", conversationID, info.PlatformConversationID)
	}
	return id, nil
}

// SendMessage posts text to the conversation's chat.
func (a *Adapter) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	chat, err := a.chatID(conversationID)
	if err != nil {
		return "", err
	}
	var sent Message
	err = a.retryOnRateLimit(ctx, func() error {
		return a.client.call(ctx, "sendMessage", map[string]any{
			"chat_id": chat,
			"text":    text,
		}, &sent)
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(sent.MessageID, 10), nil
}

// EditMessage replaces a message's text.
func (a *Adapter) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	chat, err := a.chatID(conversationID)
	if err != nil {
		return err
	}
	msgID, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q", messageID)
	}
	return a.retryOnRateLimit(ctx, func() error {
		return a.client.call(ctx, "editMessageText", map[string]any{
			"chat_id":    chat,
			"message_id": msgID,
			"text":       text,
		}, nil)
	})
}

// DeleteMessage removes a message.
func (a *Adapter) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	chat, err := a.chatID(conversationID)
	if err != nil {
		return err
	}
	msgID, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q", messageID)
	}
	return a.retryOnRateLimit(ctx, func() error {
		return a.client.call(ctx, "deleteMessage", map[string]any{
			"chat_id":    chat,
			"message_id": msgID,
		}, nil)
	})
}

// AddReaction sets the bot's reaction on a message. Telegram replaces the
// bot's whole reaction set, which for a single bot reaction is equivalent.
func (a *Adapter) AddReaction(ctx context.Context, conversationID, messageID, name string) error {
	glyph, err := a.reactionGlyph(name)
	if err != nil {
		return err
	}
	return a.setReaction(ctx, conversationID, messageID, []ReactionType{{Type: "emoji", Emoji: glyph}})
}

// RemoveReaction clears the bot's reaction set on a message.
func (a *Adapter) RemoveReaction(ctx context.Context, conversationID, messageID, name string) error {
	return a.setReaction(ctx, conversationID, messageID, []ReactionType{})
}

func (a *Adapter) setReaction(ctx context.Context, conversationID, messageID string, reactions []ReactionType) error {
	chat, err := a.chatID(conversationID)
	if err != nil {
		return err
	}
	msgID, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q", messageID)
	}
	return a.retryOnRateLimit(ctx, func() error {
		return a.client.call(ctx, "setMessageReaction", map[string]any{
			"chat_id":    chat,
			"message_id": msgID,
			"reaction":   reactions,
		}, nil)
	})
}

// reactionGlyph maps an emoji name to the Unicode glyph the reaction endpoint
// requires.
func (a *Adapter) reactionGlyph(name string) (string, error) {
	canonical := a.emoji.ToStandard(name)
	glyph, ok := emoji.Symbol(canonical)
	if !ok {
		return "", fmt.Errorf("telegram: no unicode rendering for emoji %q", name)
	}
	return glyph, nil
}

// UploadFiles sends staged files as documents, one message each.
func (a *Adapter) UploadFiles(ctx context.Context, conversationID string, paths []string) ([]string, error) {
	chat, err := a.chatID(conversationID)
	if err != nil {
		return nil, err
	}
	var messageIDs []string
	for _, path := range paths {
		var sent Message
		err := a.retryOnRateLimit(ctx, func() error {
			return a.client.upload(ctx, "sendDocument", "document", path, map[string]string{
				"chat_id": strconv.FormatInt(chat, 10),
			}, &sent)
		})
		if err != nil {
			return messageIDs, err
		}
		messageIDs = append(messageIDs, strconv.FormatInt(sent.MessageID, 10))
	}
	return messageIDs, nil
}

// retryOnRateLimit calls fn and retries on Bot API rate limit errors,
// honoring the retry_after hint.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		wait := time.Duration(apiErr.RetryAfter) * time.Second
		if wait <= 0 {
			wait = time.Second << attempt
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

package discord

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chatwire/chatwire/internal/emoji"
)

// channelID resolves a canonical conversation ID back to the Discord channel
// the conversation lives in.
func (a *Adapter) channelID(conversationID string) (string, error) {
	info := a.manager.Conversation(conversationID)
	if info == nil {
		return "", fmt.Errorf("discord: unknown conversation %s", conversationID)
	}
	platformID := info.PlatformConversationID
	if idx := strings.LastIndex(platformID, "/"); idx >= 0 {
		platformID = platformID[idx+1:]
	}
	if platformID == "" {
		return "", fmt.Errorf("discord: conversation %s has no channel", conversationID)
	}
	return platformID, nil
}

// SendMessage posts text to the conversation's channel.
func (a *Adapter) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	ch, err := a.channelID(conversationID)
	if err != nil {
		return "", err
	}
	var messageID string
	err = a.retryOnRateLimit(ctx, func() error {
		msg, err := a.sess.ChannelMessageSend(ch, text)
		if err != nil {
			return err
		}
		messageID = msg.ID
		return nil
	})
	return messageID, err
}

// EditMessage replaces a message's content.
func (a *Adapter) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	ch, err := a.channelID(conversationID)
	if err != nil {
		return err
	}
	return a.retryOnRateLimit(ctx, func() error {
		_, err := a.sess.ChannelMessageEdit(ch, messageID, text)
		return err
	})
}

// DeleteMessage removes a message.
func (a *Adapter) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	ch, err := a.channelID(conversationID)
	if err != nil {
		return err
	}
	return a.retryOnRateLimit(ctx, func() error {
		return a.sess.ChannelMessageDelete(ch, messageID)
	})
}

// reactionGlyph maps an emoji name to the Unicode glyph Discord's reaction
// endpoints require.
func (a *Adapter) reactionGlyph(name string) (string, error) {
	canonical := a.emoji.ToStandard(name)
	sym, ok := emoji.Symbol(canonical)
	if !ok {
		return "", fmt.Errorf("discord: no unicode rendering for emoji %q", name)
	}
	return sym, nil
}

// AddReaction adds the bot's reaction to a message.
func (a *Adapter) AddReaction(ctx context.Context, conversationID, messageID, name string) error {
	ch, err := a.channelID(conversationID)
	if err != nil {
		return err
	}
	glyph, err := a.reactionGlyph(name)
	if err != nil {
		return err
	}
	return a.retryOnRateLimit(ctx, func() error {
		return a.sess.MessageReactionAdd(ch, messageID, glyph)
	})
}

// RemoveReaction removes the bot's own reaction from a message.
func (a *Adapter) RemoveReaction(ctx context.Context, conversationID, messageID, name string) error {
	ch, err := a.channelID(conversationID)
	if err != nil {
		return err
	}
	glyph, err := a.reactionGlyph(name)
	if err != nil {
		return err
	}
	return a.retryOnRateLimit(ctx, func() error {
		return a.sess.MessageReactionRemove(ch, messageID, glyph, "@me")
	})
}

// UploadFiles posts staged files as attachments, one message each.
func (a *Adapter) UploadFiles(ctx context.Context, conversationID string, paths []string) ([]string, error) {
	ch, err := a.channelID(conversationID)
	if err != nil {
		return nil, err
	}
	var messageIDs []string
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return messageIDs, fmt.Errorf("discord: open upload %s: %w", path, err)
		}
		var msgID string
		err = a.retryOnRateLimit(ctx, func() error {
			if _, serr := f.Seek(0, 0); serr != nil {
				return serr
			}
			msg, serr := a.sess.ChannelFileSend(ch, filepath.Base(path), f)
			if serr != nil {
				return serr
			}
			msgID = msg.ID
			return nil
		})
		f.Close()
		if err != nil {
			return messageIDs, err
		}
		messageIDs = append(messageIDs, msgID)
	}
	return messageIDs, nil
}

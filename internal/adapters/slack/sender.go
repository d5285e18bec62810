package slack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	slackapi "github.com/slack-go/slack"
)

// channelID resolves a canonical conversation ID back to the Slack channel
// the conversation lives in.
func (a *Adapter) channelID(conversationID string) (string, error) {
	info := a.manager.Conversation(conversationID)
	if info == nil {
		return "", fmt.Errorf("slack: unknown conversation %s", conversationID)
	}
	platformID := info.PlatformConversationID
	if idx := strings.LastIndex(platformID, "/"); idx >= 0 {
		platformID = platformID[idx+1:]
	}
	if platformID == "" {
		return "", fmt.Errorf("slack: conversation %s has no channel", conversationID)
	}
	return platformID, nil
}

// SendMessage posts text to the conversation's channel. The returned message
// ID is the Slack timestamp of the posted message.
func (a *Adapter) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	ch, err := a.channelID(conversationID)
	if err != nil {
		return "", err
	}
	var ts string
	err = retryOnRateLimit(ctx, func() error {
		_, postedTS, perr := a.client.PostMessageContext(ctx, ch, slackapi.MsgOptionText(text, false))
		if perr != nil {
			return perr
		}
		ts = postedTS
		return nil
	})
	return ts, err
}

// EditMessage replaces a message's content.
func (a *Adapter) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	ch, err := a.channelID(conversationID)
	if err != nil {
		return err
	}
	return retryOnRateLimit(ctx, func() error {
		_, _, _, uerr := a.client.UpdateMessageContext(ctx, ch, messageID, slackapi.MsgOptionText(text, false))
		return uerr
	})
}

// DeleteMessage removes a message.
func (a *Adapter) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	ch, err := a.channelID(conversationID)
	if err != nil {
		return err
	}
	return retryOnRateLimit(ctx, func() error {
		_, _, derr := a.client.DeleteMessageContext(ctx, ch, messageID)
		return derr
	})
}

// AddReaction adds the bot's reaction to a message. Slack wants bare short
// names without colons.
func (a *Adapter) AddReaction(ctx context.Context, conversationID, messageID, name string) error {
	ch, err := a.channelID(conversationID)
	if err != nil {
		return err
	}
	return retryOnRateLimit(ctx, func() error {
		return a.client.AddReactionContext(ctx, strings.Trim(name, ":"), slackapi.ItemRef{
			Channel:   ch,
			Timestamp: messageID,
		})
	})
}

// RemoveReaction removes the bot's reaction from a message.
func (a *Adapter) RemoveReaction(ctx context.Context, conversationID, messageID, name string) error {
	ch, err := a.channelID(conversationID)
	if err != nil {
		return err
	}
	return retryOnRateLimit(ctx, func() error {
		return a.client.RemoveReactionContext(ctx, strings.Trim(name, ":"), slackapi.ItemRef{
			Channel:   ch,
			Timestamp: messageID,
		})
	})
}

// UploadFiles shares staged files into the conversation's channel. Slack's
// upload API reports file IDs rather than message timestamps.
func (a *Adapter) UploadFiles(ctx context.Context, conversationID string, paths []string) ([]string, error) {
	ch, err := a.channelID(conversationID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, path := range paths {
		stat, err := os.Stat(path)
		if err != nil {
			return ids, fmt.Errorf("slack: stat upload %s: %w", path, err)
		}
		var summary *slackapi.FileSummary
		err = retryOnRateLimit(ctx, func() error {
			var uerr error
			summary, uerr = a.client.UploadFileV2Context(ctx, slackapi.UploadFileV2Parameters{
				File:     path,
				FileSize: int(stat.Size()),
				Filename: filepath.Base(path),
				Channel:  ch,
			})
			return uerr
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, summary.ID)
	}
	return ids, nil
}

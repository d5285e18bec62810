package discord

import (
	"context"

	"github.com/bwmarrin/discordgo"

	"github.com/chatwire/chatwire/internal/conversation"
	"github.com/chatwire/chatwire/internal/history"
)

// FetchHistory pages backwards through a channel's messages. Discord paginates
// by message ID, so timestamp bounds are applied while walking from the newest
// message toward the requested window.
func (a *Adapter) FetchHistory(ctx context.Context, req history.SourceRequest) ([]*conversation.Event, error) {
	ch, err := a.channelID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	want := req.NumBefore + req.NumAfter
	if want <= 0 {
		want = historyPageSize
	}

	var collected []*discordgo.Message
	beforeID := req.Anchor
	for len(collected) < want {
		var page []*discordgo.Message
		err := a.retryOnRateLimit(ctx, func() error {
			var perr error
			page, perr = a.sess.ChannelMessages(ch, historyPageSize, beforeID, "", "")
			return perr
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		// Pages arrive newest first.
		done := false
		for _, m := range page {
			ts := m.Timestamp.UnixMilli()
			if req.Before > 0 && ts > req.Before {
				continue
			}
			if req.After > 0 && ts <= req.After {
				done = true
				break
			}
			if isServiceMessage(m) {
				continue
			}
			collected = append(collected, m)
		}
		if done || len(page) < historyPageSize {
			break
		}
		beforeID = page[len(page)-1].ID
	}

	if len(collected) > want {
		collected = collected[:want]
	}

	events := make([]*conversation.Event, 0, len(collected))
	for _, m := range collected {
		events = append(events, a.messageEvent(m, true))
	}
	return events, nil
}

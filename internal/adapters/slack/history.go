package slack

import (
	"context"

	slackapi "github.com/slack-go/slack"

	"github.com/chatwire/chatwire/internal/conversation"
	"github.com/chatwire/chatwire/internal/history"
)

// FetchHistory pages through conversations.history. Slack addresses windows
// by timestamp, so both the message-ID anchor and the millisecond bounds
// translate directly into Latest/Oldest parameters.
func (a *Adapter) FetchHistory(ctx context.Context, req history.SourceRequest) ([]*conversation.Event, error) {
	ch, err := a.channelID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	want := req.NumBefore + req.NumAfter
	if want <= 0 {
		want = historyPageSize
	}

	params := &slackapi.GetConversationHistoryParameters{
		ChannelID: ch,
		Limit:     historyPageSize,
		Inclusive: true,
	}
	switch {
	case req.Anchor != "":
		params.Latest = req.Anchor
	case req.Before > 0:
		params.Latest = millisToTS(req.Before)
	}
	if req.After > 0 {
		params.Oldest = millisToTS(req.After)
		params.Inclusive = false
	}

	var collected []slackapi.Message
	for len(collected) < want {
		var resp *slackapi.GetConversationHistoryResponse
		err := retryOnRateLimit(ctx, func() error {
			var herr error
			resp, herr = a.client.GetConversationHistoryContext(ctx, params)
			return herr
		})
		if err != nil {
			return nil, err
		}
		collected = append(collected, resp.Messages...)
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		params.Cursor = resp.ResponseMetaData.NextCursor
	}
	if len(collected) > want {
		collected = collected[:want]
	}

	events := make([]*conversation.Event, 0, len(collected))
	for _, m := range collected {
		if m.SubType != "" && m.SubType != slackapi.MsgSubTypeFileShare && m.SubType != slackapi.MsgSubTypeBotMessage {
			continue
		}
		events = append(events, a.historyEvent(ctx, ch, m))
	}
	return events, nil
}

// historyEvent shapes one fetched message. Sender lookups go through the memo
// so a window of messages from one user costs a single API call.
func (a *Adapter) historyEvent(ctx context.Context, channel string, m slackapi.Message) *conversation.Event {
	ev := &conversation.Event{
		Kind:                   conversation.KindMessageNew,
		PlatformConversationID: channel,
		MessageID:              m.Timestamp,
		Text:                   m.Text,
		Timestamp:              tsToMillis(m.Timestamp),
		IsFromBot:              m.BotID != "" || m.User == a.BotUserID(),
		HistoryReplay:          true,
	}
	if m.ThreadTimestamp != "" && m.ThreadTimestamp != m.Timestamp {
		ev.ReplyToMessageID = m.ThreadTimestamp
	}
	if m.User != "" {
		if user, err := a.users.Get(ctx, m.User); err == nil {
			ev.Sender = user
		} else {
			ev.Sender = &conversation.UserInfo{UserID: m.User, Username: m.User}
		}
	} else if m.BotID != "" {
		ev.Sender = &conversation.UserInfo{UserID: m.BotID, Username: m.Username, IsBot: true}
	}
	return ev
}

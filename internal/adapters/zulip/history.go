package zulip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/chatwire/chatwire/internal/conversation"
	"github.com/chatwire/chatwire/internal/history"
)

// narrowEntry is one filter of a get_messages narrow.
type narrowEntry struct {
	Operator string `json:"operator"`
	Operand  any    `json:"operand"`
}

// narrow builds the message filter for a conversation: stream plus topic for
// stream conversations, the participant IDs for private ones.
func (a *Adapter) narrow(conversationID string) ([]narrowEntry, error) {
	info := a.manager.Conversation(conversationID)
	if info == nil {
		return nil, fmt.Errorf("zulip: unknown conversation %s", conversationID)
	}
	platformID := info.PlatformConversationID
	if _, topic, ok := strings.Cut(platformID, "/"); ok {
		return []narrowEntry{
			{Operator: "stream", Operand: info.Name},
			{Operator: "topic", Operand: topic},
		}, nil
	}
	ids := make([]int64, 0)
	for _, part := range strings.Split(platformID, "_") {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("zulip: conversation %s has a malformed recipient list %q", conversationID, platformID)
		}
		ids = append(ids, id)
	}
	return []narrowEntry{{Operator: "pm-with", Operand: ids}}, nil
}

// FetchHistory retrieves past messages around the requested anchor. Zulip's
// get_messages maps onto the request directly.
func (a *Adapter) FetchHistory(ctx context.Context, req history.SourceRequest) ([]*conversation.Event, error) {
	narrow, err := a.narrow(req.ConversationID)
	if err != nil {
		return nil, err
	}
	narrowJSON, err := json.Marshal(narrow)
	if err != nil {
		return nil, err
	}

	anchor := req.Anchor
	if anchor == "" {
		if req.NumAfter > 0 {
			anchor = "oldest"
		} else {
			anchor = "newest"
		}
	}
	numBefore := req.NumBefore
	numAfter := req.NumAfter
	if numBefore <= 0 && numAfter <= 0 {
		numBefore = historyPageSize
	}

	form := url.Values{
		"anchor":         {anchor},
		"num_before":     {strconv.Itoa(numBefore)},
		"num_after":      {strconv.Itoa(numAfter)},
		"narrow":         {string(narrowJSON)},
		"include_anchor": {"false"},
	}
	var resp messagesResponse
	err = a.retryOnRateLimit(ctx, func() error {
		return a.client.do(ctx, http.MethodGet, "/api/v1/messages", form, &resp)
	})
	if err != nil {
		return nil, err
	}

	var events []*conversation.Event
	for i := range resp.Messages {
		m := &resp.Messages[i]
		tsMillis := m.Timestamp * 1000
		if req.Before > 0 && tsMillis >= req.Before {
			continue
		}
		if req.After > 0 && tsMillis <= req.After {
			continue
		}
		events = append(events, a.messageEvent(ctx, m, true))
	}
	return events, nil
}

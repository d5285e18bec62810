// Package history serves bounded windows of conversation history, merging the
// local message cache with platform API fetches.
package history

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/chatwire/chatwire/internal/cache"
	"github.com/chatwire/chatwire/internal/conversation"
	"github.com/chatwire/chatwire/internal/ratelimit"
)

// Request selects a history window. Exactly one of Anchor, Before, After is
// normally set; with none set the newest Limit messages are returned.
type Request struct {
	ConversationID string
	Anchor         string // message id: fetch around/before this message, API only
	Before         int64  // ms timestamp, inclusive upper bound
	After          int64  // ms timestamp, exclusive lower bound
	Limit          int    // zero means the configured maximum
}

// SourceRequest is what the platform API source receives once the fetcher has
// decided how much it needs and from where.
type SourceRequest struct {
	ConversationID string // canonical
	Anchor         string
	Before         int64
	After          int64
	NumBefore      int
	NumAfter       int
}

// Source fetches raw history from the platform API, returning messages as
// normalized events with attachments already downloaded. Implementations
// resolve senders themselves (memoizing lookups for the duration of a fetch).
type Source interface {
	FetchHistory(ctx context.Context, req SourceRequest) ([]*conversation.Event, error)
}

// Opts carries the fetcher's dependencies.
type Opts struct {
	Manager *conversation.Manager
	Limiter *ratelimit.Limiter
	Source  Source
	// MaxLimit caps every window (config adapter.max_history_limit).
	MaxLimit int
	// CacheFetched routes fetched messages through the conversation manager so
	// they land in the cache; otherwise they are formatted without touching
	// conversation state.
	CacheFetched bool
}

// Fetcher merges cached and API history into ordered windows.
type Fetcher struct {
	manager      *conversation.Manager
	limiter      *ratelimit.Limiter
	source       Source
	maxLimit     int
	cacheFetched bool
}

// New creates a Fetcher.
func New(o Opts) *Fetcher {
	return &Fetcher{
		manager:      o.Manager,
		limiter:      o.Limiter,
		source:       o.Source,
		maxLimit:     o.MaxLimit,
		cacheFetched: o.CacheFetched,
	}
}

// Fetch returns the requested window, ascending by timestamp. Unknown
// conversations yield an empty window.
func (f *Fetcher) Fetch(ctx context.Context, req Request) ([]conversation.MessageRecord, error) {
	info := f.manager.Conversation(req.ConversationID)
	if info == nil {
		return []conversation.MessageRecord{}, nil
	}
	limit := req.Limit
	if limit <= 0 || (f.maxLimit > 0 && limit > f.maxLimit) {
		limit = f.maxLimit
	}

	// Anchored fetches bypass the cache: the window is defined relative to a
	// platform message, which only the API can resolve.
	if req.Anchor != "" {
		fetched, err := f.fetchFromAPI(ctx, SourceRequest{
			ConversationID: req.ConversationID,
			Anchor:         req.Anchor,
			NumBefore:      limit,
		})
		if err != nil {
			return nil, err
		}
		return sortAscending(fetched), nil
	}

	cached := f.cachedWindow(req, limit)
	if len(cached) >= limit {
		return sortAscending(cached), nil
	}

	api := SourceRequest{
		ConversationID: req.ConversationID,
		Before:         req.Before,
		After:          req.After,
	}
	remaining := limit - len(cached)
	// Narrow the API window with the cached boundary so the fetch continues
	// where the cache ends.
	switch {
	case req.After > 0:
		api.NumAfter = remaining
		if len(cached) > 0 {
			api.After = cached[len(cached)-1].Timestamp
		}
	default:
		api.NumBefore = remaining
		if len(cached) > 0 {
			api.Before = cached[0].Timestamp
		}
	}

	fetched, err := f.fetchFromAPI(ctx, api)
	if err != nil {
		// Partial results beat none; the cache window is still valid.
		log.Printf("history: api fetch for %s failed, serving cache only: %v", req.ConversationID, err)
		return sortAscending(cached), nil
	}
	return sortAscending(mergeWindows(cached, fetched, req, limit)), nil
}

// cachedWindow filters the conversation's cached messages by the request
// bounds and truncates to the limit from the appropriate end.
func (f *Fetcher) cachedWindow(req Request, limit int) []conversation.MessageRecord {
	msgs := f.manager.Messages().Messages(req.ConversationID)
	records := make([]conversation.MessageRecord, 0, len(msgs))
	for _, msg := range msgs {
		if req.Before > 0 && msg.Timestamp > req.Before {
			continue
		}
		if req.After > 0 && msg.Timestamp <= req.After {
			continue
		}
		records = append(records, f.recordFromCache(msg))
	}
	if len(records) <= limit {
		return records
	}
	if req.After > 0 {
		return records[:limit]
	}
	return records[len(records)-limit:]
}

func (f *Fetcher) recordFromCache(msg *cache.CachedMessage) conversation.MessageRecord {
	rec := conversation.MessageRecord{
		MessageID:       msg.MessageID,
		ConversationID:  msg.ConversationID,
		Sender:          conversation.Sender{UserID: msg.SenderID, DisplayName: msg.SenderName},
		Text:            msg.Text,
		Timestamp:       msg.Timestamp,
		EditTimestamp:   msg.EditTimestamp,
		Edited:          msg.Edited,
		ThreadID:        msg.ThreadID,
		IsDirectMessage: msg.IsDirectMessage,
		Attachments:     []conversation.AttachmentRecord{},
	}
	ids := make([]string, 0, len(msg.Attachments))
	for id := range msg.Attachments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if att := f.manager.Attachments().Get(id); att != nil {
			rec.Attachments = append(rec.Attachments, conversation.NewAttachmentRecord(att))
		}
	}
	return rec
}

// fetchFromAPI rate-limits and executes one API fetch, then turns the events
// into records: through the conversation manager when caching fetched history,
// or by direct formatting otherwise.
func (f *Fetcher) fetchFromAPI(ctx context.Context, req SourceRequest) ([]conversation.MessageRecord, error) {
	if err := f.limiter.Acquire(ctx, ratelimit.FetchHistory, req.ConversationID); err != nil {
		return nil, err
	}
	events, err := f.source.FetchHistory(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("history: fetch %s: %w", req.ConversationID, err)
	}

	if !f.cacheFetched {
		records := make([]conversation.MessageRecord, 0, len(events))
		for _, ev := range events {
			records = append(records, formatEvent(ev))
		}
		return records, nil
	}

	f.manager.SetHistoryFetching(req.ConversationID, true)
	defer f.manager.SetHistoryFetching(req.ConversationID, false)
	records := make([]conversation.MessageRecord, 0, len(events))
	for _, ev := range events {
		ev.HistoryReplay = true
		delta, err := f.manager.AddToConversation(ev)
		if err != nil {
			log.Printf("history: replay message %s: %v", ev.MessageID, err)
			continue
		}
		records = append(records, delta.AddedMessages...)
	}
	return records, nil
}

// formatEvent shapes a fetched event into a record without touching
// conversation state.
func formatEvent(ev *conversation.Event) conversation.MessageRecord {
	sender := ev.Sender
	if sender == nil {
		sender = &conversation.UserInfo{UserID: "Unknown", Username: "Unknown User"}
	}
	rec := conversation.MessageRecord{
		MessageID:       ev.MessageID,
		ConversationID:  ev.PlatformConversationID,
		Sender:          conversation.Sender{UserID: sender.UserID, DisplayName: sender.DisplayName()},
		Text:            ev.Text,
		Timestamp:       ev.Timestamp,
		EditTimestamp:   ev.EditTimestamp,
		ThreadID:        ev.ReplyToMessageID,
		IsDirectMessage: ev.IsDirectMessage,
		Attachments:     []conversation.AttachmentRecord{},
	}
	for _, att := range ev.Attachments {
		rec.Attachments = append(rec.Attachments, conversation.NewAttachmentRecord(att))
	}
	return rec
}

// mergeWindows joins cached and fetched records, dropping duplicates and
// truncating to the limit from the end the request anchors on.
func mergeWindows(cached, fetched []conversation.MessageRecord, req Request, limit int) []conversation.MessageRecord {
	seen := make(map[string]struct{}, len(cached))
	merged := make([]conversation.MessageRecord, 0, len(cached)+len(fetched))
	for _, rec := range cached {
		seen[rec.MessageID] = struct{}{}
		merged = append(merged, rec)
	}
	for _, rec := range fetched {
		if _, dup := seen[rec.MessageID]; dup {
			continue
		}
		merged = append(merged, rec)
	}
	merged = sortAscending(merged)
	if len(merged) <= limit {
		return merged
	}
	if req.After > 0 {
		return merged[:limit]
	}
	return merged[len(merged)-limit:]
}

func sortAscending(records []conversation.MessageRecord) []conversation.MessageRecord {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp < records[j].Timestamp
	})
	return records
}

// UserMemo memoizes user lookups for the duration of one history fetch, so a
// window full of messages from the same sender costs one API call. Concurrent
// lookups of the same user collapse into one call.
type UserMemo struct {
	mu     sync.Mutex
	users  map[string]*conversation.UserInfo
	group  singleflight.Group
	lookup func(ctx context.Context, userID string) (*conversation.UserInfo, error)
}

// NewUserMemo wraps a lookup function with memoization.
func NewUserMemo(lookup func(ctx context.Context, userID string) (*conversation.UserInfo, error)) *UserMemo {
	return &UserMemo{
		users:  make(map[string]*conversation.UserInfo),
		lookup: lookup,
	}
}

// Get resolves a user, consulting the memo first.
func (m *UserMemo) Get(ctx context.Context, userID string) (*conversation.UserInfo, error) {
	m.mu.Lock()
	if user, ok := m.users[userID]; ok {
		m.mu.Unlock()
		return user, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(userID, func() (any, error) {
		user, err := m.lookup(ctx, userID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.users[userID] = user
		m.mu.Unlock()
		return user, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*conversation.UserInfo), nil
}

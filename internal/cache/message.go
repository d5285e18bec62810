// Package cache holds the bounded in-memory message store and the disk-backed
// attachment store shared by every conversation in an adapter.
package cache

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/config"
)

// CachedMessage is the canonical message record. Field mutation (edits,
// reactions, pins) happens under the owning conversation manager's lock; the
// cache's own mutex only guards the map structure.
type CachedMessage struct {
	MessageID        string
	ConversationID   string
	ThreadID         string
	ReplyToMessageID string
	SenderID         string
	SenderName       string
	IsFromBot        bool
	IsDirectMessage  bool
	Text             string
	Timestamp        int64 // milliseconds since epoch
	EditTimestamp    int64 // zero until first edit
	Edited           bool
	IsPinned         bool
	Reactions        map[string]int      // canonical emoji name -> count; zero counts are removed
	Attachments      map[string]struct{} // attachment IDs

	seq int // insertion order, breaks timestamp ties during eviction
}

// Age returns how long ago the message was sent.
func (m *CachedMessage) Age() time.Duration {
	return time.Since(time.UnixMilli(m.Timestamp))
}

// MessageCache is a two-level map conversation_id -> message_id -> message with
// size- and age-based eviction.
type MessageCache struct {
	mu       sync.Mutex
	messages map[string]map[string]*CachedMessage
	nextSeq  int

	maxPerConversation int
	maxTotal           int
	maxAge             time.Duration
}

// NewMessageCache creates a MessageCache from the caching config section.
func NewMessageCache(cfg config.CachingConfig) *MessageCache {
	return &MessageCache{
		messages:           make(map[string]map[string]*CachedMessage),
		maxPerConversation: cfg.MaxMessagesPerConversation,
		maxTotal:           cfg.MaxTotalMessages,
		maxAge:             time.Duration(cfg.MaxAgeHours) * time.Hour,
	}
}

// Add inserts a message. Idempotent: if the (conversation, message) pair is
// already cached the existing record is returned unchanged.
func (c *MessageCache) Add(msg *CachedMessage) *CachedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.messages[msg.ConversationID]
	if !ok {
		conv = make(map[string]*CachedMessage)
		c.messages[msg.ConversationID] = conv
	}
	if existing, ok := conv[msg.MessageID]; ok {
		return existing
	}

	if msg.Reactions == nil {
		msg.Reactions = make(map[string]int)
	}
	if msg.Attachments == nil {
		msg.Attachments = make(map[string]struct{})
	}
	msg.seq = c.nextSeq
	c.nextSeq++
	conv[msg.MessageID] = msg
	return msg
}

// Get returns the cached message, or nil if absent.
func (c *MessageCache) Get(conversationID, messageID string) *CachedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages[conversationID][messageID]
}

// MessageIDs returns the IDs of all cached messages in a conversation.
func (c *MessageCache) MessageIDs(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.messages[conversationID]))
	for id := range c.messages[conversationID] {
		ids = append(ids, id)
	}
	return ids
}

// Messages returns a snapshot of all cached messages in a conversation,
// ordered oldest first.
func (c *MessageCache) Messages(conversationID string) []*CachedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]*CachedMessage, 0, len(c.messages[conversationID]))
	for _, m := range c.messages[conversationID] {
		msgs = append(msgs, m)
	}
	sortOldestFirst(msgs)
	return msgs
}

// Delete removes a message. Returns false if it was not cached.
func (c *MessageCache) Delete(conversationID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.messages[conversationID]
	if !ok {
		return false
	}
	if _, ok := conv[messageID]; !ok {
		return false
	}
	delete(conv, messageID)
	return true
}

// Migrate atomically moves a message between conversations, rewriting its
// ConversationID. A no-op if the message is not cached under the old
// conversation.
func (c *MessageCache) Migrate(oldConversationID, newConversationID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, ok := c.messages[oldConversationID][messageID]
	if !ok {
		return
	}
	conv, ok := c.messages[newConversationID]
	if !ok {
		conv = make(map[string]*CachedMessage)
		c.messages[newConversationID] = conv
	}
	msg.ConversationID = newConversationID
	conv[messageID] = msg
	delete(c.messages[oldConversationID], messageID)
}

// Len returns the total number of cached messages.
func (c *MessageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalLocked()
}

func (c *MessageCache) totalLocked() int {
	total := 0
	for _, conv := range c.messages {
		total += len(conv)
	}
	return total
}

// Maintain runs one maintenance pass: drop expired messages, trim each
// conversation to its limit, trim the global total, and prune empty
// conversation entries. Intended to run on a periodic schedule.
func (c *MessageCache) Maintain() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxAge > 0 {
		cutoff := time.Now().Add(-c.maxAge).UnixMilli()
		for _, conv := range c.messages {
			for id, msg := range conv {
				if msg.Timestamp < cutoff {
					delete(conv, id)
				}
			}
		}
	}

	for _, conv := range c.messages {
		c.trimConversationLocked(conv)
	}
	c.trimTotalLocked()

	for id, conv := range c.messages {
		if len(conv) == 0 {
			delete(c.messages, id)
		}
	}
	log.Printf("cache: message maintenance done, %d messages cached", c.totalLocked())
}

// trimConversationLocked drops the oldest messages beyond the per-conversation
// limit.
func (c *MessageCache) trimConversationLocked(conv map[string]*CachedMessage) {
	if c.maxPerConversation <= 0 || len(conv) <= c.maxPerConversation {
		return
	}
	msgs := make([]*CachedMessage, 0, len(conv))
	for _, m := range conv {
		msgs = append(msgs, m)
	}
	sortOldestFirst(msgs)
	for _, m := range msgs[:len(msgs)-c.maxPerConversation] {
		delete(conv, m.MessageID)
	}
}

// trimTotalLocked drops the globally oldest messages beyond the total limit.
func (c *MessageCache) trimTotalLocked() {
	if c.maxTotal <= 0 {
		return
	}
	excess := c.totalLocked() - c.maxTotal
	if excess <= 0 {
		return
	}
	all := make([]*CachedMessage, 0, c.totalLocked())
	for _, conv := range c.messages {
		for _, m := range conv {
			all = append(all, m)
		}
	}
	sortOldestFirst(all)
	for _, m := range all[:excess] {
		delete(c.messages[m.ConversationID], m.MessageID)
	}
}

// sortOldestFirst orders by ascending timestamp, ties broken by insertion
// order so eviction is stable.
func sortOldestFirst(msgs []*CachedMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].seq < msgs[j].seq
	})
}

package conversation

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/cache"
	"github.com/chatwire/chatwire/internal/emoji"
)

// ManagerOpts carries the dependencies a Manager needs.
type ManagerOpts struct {
	Platform    Platform
	Messages    *cache.MessageCache
	Attachments *cache.AttachmentCache
	Emoji       *emoji.Converter
}

// Manager owns the conversation set of one adapter. Every public operation
// takes the single lock, mutates state, and returns a Delta describing the
// change. Unknown messages and conversations degrade to empty deltas.
type Manager struct {
	mu sync.Mutex

	platform      Platform
	conversations map[string]*Info
	messages      *cache.MessageCache
	attachments   *cache.AttachmentCache
	threads       *ThreadHandler
	reactions     *ReactionHandler
}

// NewManager wires a Manager from its dependencies.
func NewManager(o ManagerOpts) *Manager {
	return &Manager{
		platform:      o.Platform,
		conversations: make(map[string]*Info),
		messages:      o.Messages,
		attachments:   o.Attachments,
		threads:       NewThreadHandler(o.Messages),
		reactions:     NewReactionHandler(o.Emoji),
	}
}

// Platform returns the platform behavior the manager delegates to.
func (m *Manager) Platform() Platform { return m.platform }

// Messages returns the shared message cache.
func (m *Manager) Messages() *cache.MessageCache { return m.messages }

// Attachments returns the shared attachment cache.
func (m *Manager) Attachments() *cache.AttachmentCache { return m.attachments }

// CanonicalConversationID derives the bus-facing conversation ID for a
// platform-native identifier.
func (m *Manager) CanonicalConversationID(platformID string) string {
	return CanonicalID(m.platform.AdapterType(), platformID)
}

// Conversation returns the conversation record, or nil if unknown.
func (m *Manager) Conversation(conversationID string) *Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversations[conversationID]
}

// ConversationCount returns the number of tracked conversations.
func (m *Manager) ConversationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conversations)
}

// SetHistoryFetching flags a conversation as replaying fetched history, which
// suppresses mention detection and bot-message filtering until cleared.
func (m *Manager) SetHistoryFetching(conversationID string, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.conversations[conversationID]; ok {
		info.HistoryFetchingInProgress = v
	}
}

// AddToConversation handles a new incoming message: resolve or create the
// conversation, register the sender, thread the message, cache it, store its
// attachments, and emit the delta.
func (m *Manager) AddToConversation(ev *Event) (*Delta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.MessageID == "" {
		return nil, errors.New("conversation: event has no message id")
	}
	info, err := m.getOrCreateLocked(ev)
	if err != nil {
		return nil, err
	}

	user := m.platform.ExtractUserInfo(ev)
	if known, ok := info.KnownMembers[user.UserID]; ok {
		user = known
	} else {
		info.KnownMembers[user.UserID] = user
	}

	replyTo := m.platform.ExtractReplyToID(ev, info.ConversationID)
	thread := m.threads.AddToThread(info, ev.MessageID, replyTo, ev.Timestamp)

	replay := ev.HistoryReplay || info.HistoryFetchingInProgress
	text := ev.Text
	var mentions []string
	if !replay {
		text, mentions = m.platform.BotMentions(ev.Text)
	}

	msg := NewMessageBuilder().
		WithBasicInfo(ev, info).
		WithSenderInfo(user).
		WithThreadInfo(thread, replyTo).
		WithContent(text).
		Build()
	msg = m.messages.Add(msg)
	info.Messages[msg.MessageID] = struct{}{}
	info.LastActivity = time.UnixMilli(msg.Timestamp)

	for _, att := range ev.Attachments {
		cached, err := m.attachments.Add(info.ConversationID, att)
		if err != nil {
			log.Printf("conversation: store attachment %s: %v", att.AttachmentID, err)
			continue
		}
		msg.Attachments[cached.AttachmentID] = struct{}{}
		info.Attachments[cached.AttachmentID] = struct{}{}
	}

	delta := m.newDeltaLocked(info)
	delta.FetchHistory = info.JustStarted
	info.JustStarted = false
	delta.HistoryFetchingInProgress = replay
	delta.MessageID = msg.MessageID

	// Bot-originated messages are relayed only during history replay; empty
	// messages with no attachments are never relayed.
	if msg.IsFromBot && !replay {
		return delta, nil
	}
	if msg.Text == "" && len(msg.Attachments) == 0 {
		return delta, nil
	}
	delta.AddedMessages = append(delta.AddedMessages, m.recordLocked(msg, mentions))
	return delta, nil
}

// UpdateConversation handles edits, reactions and pin changes. Cache misses
// are no-ops with an empty delta.
func (m *Manager) UpdateConversation(ev *Event) (*Delta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.resolveLocked(ev)
	if info == nil {
		return NewDelta(""), nil
	}
	delta := NewDelta(info.ConversationID)
	msg := m.messages.Get(info.ConversationID, ev.MessageID)
	if msg == nil {
		return delta, nil
	}
	delta.MessageID = msg.MessageID
	info.LastActivity = time.Now()

	switch ev.Kind {
	case KindMessageEdited:
		m.updateMessageLocked(info, msg, ev, delta)
	case KindReactionAdded:
		m.reactions.Update(ReactionAdded, msg, ev.Emoji, m.reactionTargetLocked(info, msg, delta))
	case KindReactionRemoved:
		m.reactions.Update(ReactionRemoved, msg, ev.Emoji, m.reactionTargetLocked(info, msg, delta))
	case KindReactionSnapshot:
		target := m.reactionTargetLocked(info, msg, delta)
		added, removed := DiffSnapshots(msg.Reactions, normalizeSnapshot(m.reactions, ev.ReactionSnapshot))
		for _, name := range added {
			m.reactions.Add(msg, name)
			target.AddedReactions = append(target.AddedReactions, name)
		}
		for _, name := range removed {
			m.reactions.Remove(msg, name)
			target.RemovedReactions = append(target.RemovedReactions, name)
		}
	case KindMessagePinned:
		if !msg.IsPinned {
			msg.IsPinned = true
			info.PinnedMessages[msg.MessageID] = struct{}{}
			delta.PinnedMessageIDs = append(delta.PinnedMessageIDs, msg.MessageID)
		}
	case KindMessageUnpinned:
		if msg.IsPinned {
			msg.IsPinned = false
			delete(info.PinnedMessages, msg.MessageID)
			delta.UnpinnedMessageIDs = append(delta.UnpinnedMessageIDs, msg.MessageID)
		}
	default:
		return delta, errors.New("conversation: unsupported update kind " + string(ev.Kind))
	}
	return delta, nil
}

// reactionTargetLocked returns the delta reaction events should be mirrored
// into. Bot-owned messages still have their state updated, but the events go
// to a discarded delta so nothing is relayed upstream.
func (m *Manager) reactionTargetLocked(info *Info, msg *cache.CachedMessage, delta *Delta) *Delta {
	if msg.IsFromBot {
		return NewDelta(info.ConversationID)
	}
	return delta
}

// normalizeSnapshot converts a raw platform reaction snapshot to canonical
// emoji names, merging counts that collapse to the same name.
func normalizeSnapshot(h *ReactionHandler, raw map[string]int) map[string]int {
	out := make(map[string]int, len(raw))
	for name, count := range raw {
		out[h.emoji.ToStandard(name)] += count
	}
	return out
}

// updateMessageLocked applies an edit: new text, edit timestamp, thread
// re-evaluation. Edits that change nothing emit no delta entry.
func (m *Manager) updateMessageLocked(info *Info, msg *cache.CachedMessage, ev *Event, delta *Delta) {
	replay := info.HistoryFetchingInProgress
	text := ev.Text
	var mentions []string
	if !replay {
		text, mentions = m.platform.BotMentions(ev.Text)
	}
	if text == msg.Text {
		return
	}

	msg.Text = text
	msg.Edited = true
	msg.EditTimestamp = ev.EditTimestamp
	if msg.EditTimestamp == 0 {
		msg.EditTimestamp = time.Now().UnixMilli()
	}

	// Platforms that encode replies in message content can move a message
	// between threads on edit. Only re-evaluate when the event carries the
	// prior content or a fresh cue; otherwise the old membership stands.
	newReply := m.platform.ExtractReplyToID(ev, info.ConversationID)
	if ev.OrigText != "" || newReply != "" {
		m.threads.UpdateThread(info, msg, newReply)
	}

	if msg.IsFromBot && !replay {
		return
	}
	delta.UpdatedMessages = append(delta.UpdatedMessages, m.recordLocked(msg, mentions))
}

// DeleteFromConversation removes messages. Deletions of bot-originated
// messages update state but are not relayed upstream.
func (m *Manager) DeleteFromConversation(ev *Event) (*Delta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.resolveLocked(ev)
	if info == nil {
		return NewDelta(""), nil
	}
	delta := NewDelta(info.ConversationID)
	for _, id := range m.platform.DeletedMessageIDs(ev) {
		msg := m.messages.Get(info.ConversationID, id)
		if msg == nil {
			continue
		}
		m.messages.Delete(info.ConversationID, id)
		delete(info.Messages, id)
		delete(info.PinnedMessages, id)
		m.threads.RemoveFromThread(info, msg)
		if !msg.IsFromBot {
			delta.DeletedMessageIDs = append(delta.DeletedMessageIDs, id)
		}
	}
	return delta, nil
}

// MigrateBetweenConversations atomically moves messages from one conversation
// to another (stream/topic rename, supergroup upgrade). It returns two deltas:
// the old conversation's view (deletions) and the new one's (additions, or a
// fetch_history directive when the target conversation is brand new).
func (m *Manager) MigrateBetweenConversations(ev *Event) ([]*Delta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldID := CanonicalID(m.platform.AdapterType(), ev.OldPlatformConversationID)
	oldInfo, ok := m.conversations[oldID]
	if !ok {
		return nil, nil
	}
	newInfo, err := m.getOrCreateLocked(ev)
	if err != nil {
		return nil, err
	}

	ids := ev.MigratedMessageIDs
	if len(ids) == 0 {
		for id := range oldInfo.Messages {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	oldDelta := NewDelta(oldID)
	newDelta := m.newDeltaLocked(newInfo)
	newDelta.FetchHistory = newInfo.JustStarted
	newInfo.JustStarted = false

	var migrated []*cache.CachedMessage
	for _, id := range ids {
		msg := m.messages.Get(oldID, id)
		if msg == nil {
			continue
		}
		m.messages.Migrate(oldID, newInfo.ConversationID, id)
		delete(oldInfo.Messages, id)
		newInfo.Messages[id] = struct{}{}
		if _, pinned := oldInfo.PinnedMessages[id]; pinned {
			delete(oldInfo.PinnedMessages, id)
			newInfo.PinnedMessages[id] = struct{}{}
		}

		m.threads.RemoveFromThread(oldInfo, msg)
		msg.ThreadID = ""
		if msg.ReplyToMessageID != "" {
			if t := m.threads.AddToThread(newInfo, id, msg.ReplyToMessageID, msg.Timestamp); t != nil {
				msg.ThreadID = t.ThreadID
			}
		}

		for attID := range msg.Attachments {
			m.attachments.AddConversation(attID, newInfo.ConversationID)
			newInfo.Attachments[attID] = struct{}{}
			if !m.attachmentReferencedLocked(oldID, attID) {
				m.attachments.RemoveConversation(attID, oldID)
				delete(oldInfo.Attachments, attID)
			}
		}

		oldDelta.DeletedMessageIDs = append(oldDelta.DeletedMessageIDs, id)
		migrated = append(migrated, msg)
	}

	if !newDelta.FetchHistory {
		for _, msg := range migrated {
			newDelta.AddedMessages = append(newDelta.AddedMessages, m.recordLocked(msg, nil))
		}
	}
	log.Printf("conversation: migrated %d messages %s -> %s", len(migrated), oldID, newInfo.ConversationID)
	return []*Delta{oldDelta, newDelta}, nil
}

// UpdateMetadata applies server or conversation renames, emitting one delta
// per conversation touched.
func (m *Manager) UpdateMetadata(ev *Event) []*Delta {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deltas []*Delta
	if ev.NewServerName != "" && ev.ServerID != "" {
		for _, info := range m.conversations {
			if info.ServerID == ev.ServerID && info.ServerName != ev.NewServerName {
				info.ServerName = ev.NewServerName
				d := NewDelta(info.ConversationID)
				d.ServerName = ev.NewServerName
				deltas = append(deltas, d)
			}
		}
	}
	if ev.NewConversationName != "" {
		if platformID, err := m.platform.PlatformConversationID(ev); err == nil {
			convID := CanonicalID(m.platform.AdapterType(), platformID)
			if info, ok := m.conversations[convID]; ok && info.Name != ev.NewConversationName {
				info.Name = ev.NewConversationName
				d := NewDelta(convID)
				d.ConversationName = ev.NewConversationName
				deltas = append(deltas, d)
			}
		}
	}
	return deltas
}

// getOrCreateLocked resolves the conversation an event belongs to, creating
// it with just_started=true on first sight.
func (m *Manager) getOrCreateLocked(ev *Event) (*Info, error) {
	platformID, err := m.platform.PlatformConversationID(ev)
	if err != nil {
		return nil, err
	}
	convID := CanonicalID(m.platform.AdapterType(), platformID)
	if info, ok := m.conversations[convID]; ok {
		if ev.ConversationName != "" {
			info.Name = ev.ConversationName
		}
		if ev.ServerName != "" {
			info.ServerName = ev.ServerName
		}
		return info, nil
	}

	info := newInfo(convID, platformID, m.platform.ConversationType(ev))
	info.Name = ev.ConversationName
	info.ServerID = ev.ServerID
	info.ServerName = ev.ServerName
	m.conversations[convID] = info
	log.Printf("conversation: new %s conversation %s", info.Type, convID)
	return info, nil
}

// resolveLocked finds the conversation for update/delete events: by platform
// conversation ID when the event carries one, else by searching for the
// message across conversations.
func (m *Manager) resolveLocked(ev *Event) *Info {
	if platformID, err := m.platform.PlatformConversationID(ev); err == nil {
		if info, ok := m.conversations[CanonicalID(m.platform.AdapterType(), platformID)]; ok {
			return info
		}
	}
	if ev.MessageID == "" {
		return nil
	}
	for _, info := range m.conversations {
		if _, ok := info.Messages[ev.MessageID]; ok {
			return info
		}
	}
	return nil
}

// attachmentReferencedLocked reports whether any message still cached in the
// conversation references the attachment.
func (m *Manager) attachmentReferencedLocked(conversationID, attachmentID string) bool {
	for _, msg := range m.messages.Messages(conversationID) {
		if _, ok := msg.Attachments[attachmentID]; ok {
			return true
		}
	}
	return false
}

// newDeltaLocked starts a delta carrying the conversation's display metadata.
func (m *Manager) newDeltaLocked(info *Info) *Delta {
	d := NewDelta(info.ConversationID)
	name := info.Name
	if name == "" && info.IsDirect() {
		name = info.CustomName()
	}
	d.ConversationName = name
	d.ServerName = info.ServerName
	return d
}

// recordLocked shapes a cached message into its wire form.
func (m *Manager) recordLocked(msg *cache.CachedMessage, mentions []string) MessageRecord {
	rec := MessageRecord{
		MessageID:       msg.MessageID,
		ConversationID:  msg.ConversationID,
		Sender:          Sender{UserID: msg.SenderID, DisplayName: msg.SenderName},
		Text:            msg.Text,
		Timestamp:       msg.Timestamp,
		EditTimestamp:   msg.EditTimestamp,
		Edited:          msg.Edited,
		ThreadID:        msg.ThreadID,
		IsDirectMessage: msg.IsDirectMessage,
		Attachments:     []AttachmentRecord{},
		Mentions:        mentions,
	}
	attIDs := make([]string, 0, len(msg.Attachments))
	for id := range msg.Attachments {
		attIDs = append(attIDs, id)
	}
	sort.Strings(attIDs)
	for _, id := range attIDs {
		if att := m.attachments.Get(id); att != nil {
			rec.Attachments = append(rec.Attachments, NewAttachmentRecord(att))
		}
	}
	return rec
}

// NewAttachmentRecord shapes a cached attachment into its wire form.
func NewAttachmentRecord(att *cache.CachedAttachment) AttachmentRecord {
	return AttachmentRecord{
		AttachmentID:   att.AttachmentID,
		AttachmentType: att.AttachmentType,
		Filename:       att.Filename,
		ContentType:    att.ContentType,
		Size:           att.Size,
		Processable:    att.Processable,
		URL:            att.URL,
		FilePath:       att.FilePath(),
	}
}

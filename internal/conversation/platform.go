package conversation

import (
	"errors"

	"github.com/chatwire/chatwire/internal/cache"
)

// EventKind tags a normalized platform event with the state change it carries.
type EventKind string

// Event kinds dispatched by the Manager.
const (
	KindMessageNew       EventKind = "message_new"
	KindMessageEdited    EventKind = "message_edited"
	KindMessageDeleted   EventKind = "message_deleted"
	KindReactionAdded    EventKind = "reaction_added"
	KindReactionRemoved  EventKind = "reaction_removed"
	KindReactionSnapshot EventKind = "reaction_snapshot"
	KindMessagePinned    EventKind = "message_pinned"
	KindMessageUnpinned  EventKind = "message_unpinned"
	KindMigration        EventKind = "migration"
	KindMetadataUpdate   EventKind = "metadata_update"
)

// Event is a platform event normalized by its adapter into the fields the
// Manager understands. Adapters fill what their platform delivers; the
// Platform hooks interpret the rest.
type Event struct {
	Kind EventKind

	PlatformConversationID string
	ConversationType       string
	ConversationName       string
	ServerID               string
	ServerName             string

	MessageID        string
	Text             string
	OrigText         string // previous content, set on edits
	Timestamp        int64  // milliseconds since epoch
	EditTimestamp    int64
	ReplyToMessageID string
	Sender           *UserInfo
	IsFromBot        bool
	IsDirectMessage  bool

	Emoji            string         // raw platform emoji name, reaction events
	ReactionSnapshot map[string]int // full reaction state, snapshot platforms

	DeletedIDs []string // batched deletions

	Attachments []*cache.CachedAttachment

	// HistoryReplay marks messages re-added while a history window is being
	// fetched; it suppresses mention detection and bot-message filtering.
	HistoryReplay bool

	// Migration events.
	OldPlatformConversationID string
	MigratedMessageIDs        []string

	// Metadata updates.
	NewConversationName string
	NewServerName       string
}

// Platform supplies the per-platform behavior the shared Manager delegates to.
// One implementation exists per adapter.
type Platform interface {
	// AdapterType returns the canonical adapter type ("discord", "slack", ...).
	AdapterType() string
	// PlatformConversationID resolves the platform's native conversation
	// identifier from an event.
	PlatformConversationID(ev *Event) (string, error)
	// ConversationType classifies the conversation (direct, channel, ...).
	ConversationType(ev *Event) string
	// ExtractReplyToID pulls the reply-to cue out of an event, using the
	// message cache where the platform encodes replies in message content.
	ExtractReplyToID(ev *Event, conversationID string) string
	// ExtractUserInfo resolves the sender, falling back to an unknown user.
	ExtractUserInfo(ev *Event) *UserInfo
	// DeletedMessageIDs lists the message IDs a deletion event removes.
	DeletedMessageIDs(ev *Event) []string
	// BotMentions scans text for the platform's mention syntax, returning the
	// text with mentions rewritten to a readable form plus the bot mentions
	// found (adapter ID or "all").
	BotMentions(text string) (string, []string)
}

// ErrNoConversationID is returned when an event carries no way to resolve its
// conversation.
var ErrNoConversationID = errors.New("conversation: event has no conversation id")

// BasePlatform provides field-based defaults for platforms whose adapters
// normalize events fully before handing them over. Platform implementations
// embed it and override what differs.
type BasePlatform struct {
	Type string
}

func (p BasePlatform) AdapterType() string { return p.Type }

func (p BasePlatform) PlatformConversationID(ev *Event) (string, error) {
	if ev.PlatformConversationID == "" {
		return "", ErrNoConversationID
	}
	return ev.PlatformConversationID, nil
}

func (p BasePlatform) ConversationType(ev *Event) string {
	if ev.ConversationType != "" {
		return ev.ConversationType
	}
	if ev.IsDirectMessage {
		return "direct"
	}
	return "channel"
}

func (p BasePlatform) ExtractReplyToID(ev *Event, conversationID string) string {
	return ev.ReplyToMessageID
}

func (p BasePlatform) ExtractUserInfo(ev *Event) *UserInfo {
	if ev.Sender != nil {
		return ev.Sender
	}
	return &UserInfo{UserID: "Unknown", Username: "Unknown User"}
}

func (p BasePlatform) DeletedMessageIDs(ev *Event) []string {
	if len(ev.DeletedIDs) > 0 {
		return ev.DeletedIDs
	}
	if ev.MessageID != "" {
		return []string{ev.MessageID}
	}
	return nil
}

func (p BasePlatform) BotMentions(text string) (string, []string) {
	return text, nil
}

package conversation

// Sender is the wire form of a message author.
type Sender struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// AttachmentRecord is the wire form of an attachment reference carried inside
// message records and history windows. Content is filled only when a
// fetch_attachment command asks for the payload.
type AttachmentRecord struct {
	AttachmentID   string `json:"attachment_id"`
	AttachmentType string `json:"attachment_type"`
	Filename       string `json:"filename,omitempty"`
	ContentType    string `json:"content_type,omitempty"`
	Size           int64  `json:"size"`
	Processable    bool   `json:"processable"`
	URL            string `json:"url,omitempty"`
	FilePath       string `json:"file_path,omitempty"`
	Content        string `json:"content,omitempty"` // base64
}

// MessageRecord is the wire form of a message inside added_messages,
// updated_messages and history windows.
type MessageRecord struct {
	MessageID       string             `json:"message_id"`
	ConversationID  string             `json:"conversation_id"`
	Sender          Sender             `json:"sender"`
	Text            string             `json:"text"`
	Timestamp       int64              `json:"timestamp"`
	EditTimestamp   int64              `json:"edit_timestamp,omitempty"`
	Edited          bool               `json:"edited"`
	ThreadID        string             `json:"thread_id,omitempty"`
	IsDirectMessage bool               `json:"is_direct_message"`
	Attachments     []AttachmentRecord `json:"attachments"`
	Mentions        []string           `json:"mentions,omitempty"`
}

// Delta is the output unit of every manager operation: the diff between pre-
// and post-event conversation state.
type Delta struct {
	ConversationID            string
	FetchHistory              bool
	HistoryFetchingInProgress bool
	ConversationName          string
	ServerName                string
	MessageID                 string

	AddedMessages      []MessageRecord
	UpdatedMessages    []MessageRecord
	DeletedMessageIDs  []string
	AddedReactions     []string
	RemovedReactions   []string
	PinnedMessageIDs   []string
	UnpinnedMessageIDs []string
}

// NewDelta creates an empty delta for a conversation.
func NewDelta(conversationID string) *Delta {
	return &Delta{ConversationID: conversationID}
}

// Empty reports whether the delta carries no changes beyond its header.
func (d *Delta) Empty() bool {
	return !d.FetchHistory &&
		len(d.AddedMessages) == 0 &&
		len(d.UpdatedMessages) == 0 &&
		len(d.DeletedMessageIDs) == 0 &&
		len(d.AddedReactions) == 0 &&
		len(d.RemovedReactions) == 0 &&
		len(d.PinnedMessageIDs) == 0 &&
		len(d.UnpinnedMessageIDs) == 0
}

// ToMap builds the wire representation. conversation_id and fetch_history are
// always present; empty lists and unset optional fields are omitted.
func (d *Delta) ToMap() map[string]any {
	out := map[string]any{
		"conversation_id": d.ConversationID,
		"fetch_history":   d.FetchHistory,
	}
	if d.HistoryFetchingInProgress {
		out["history_fetching_in_progress"] = true
	}
	if d.ConversationName != "" {
		out["conversation_name"] = d.ConversationName
	}
	if d.ServerName != "" {
		out["server_name"] = d.ServerName
	}
	if d.MessageID != "" {
		out["message_id"] = d.MessageID
	}
	if len(d.AddedMessages) > 0 {
		out["added_messages"] = d.AddedMessages
	}
	if len(d.UpdatedMessages) > 0 {
		out["updated_messages"] = d.UpdatedMessages
	}
	if len(d.DeletedMessageIDs) > 0 {
		out["deleted_message_ids"] = d.DeletedMessageIDs
	}
	if len(d.AddedReactions) > 0 {
		out["added_reactions"] = d.AddedReactions
	}
	if len(d.RemovedReactions) > 0 {
		out["removed_reactions"] = d.RemovedReactions
	}
	if len(d.PinnedMessageIDs) > 0 {
		out["pinned_message_ids"] = d.PinnedMessageIDs
	}
	if len(d.UnpinnedMessageIDs) > 0 {
		out["unpinned_message_ids"] = d.UnpinnedMessageIDs
	}
	return out
}

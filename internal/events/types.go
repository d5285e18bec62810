// Package events defines the canonical event vocabulary spoken on the bus and
// the processors that translate between platform events and bus traffic.
package events

import "github.com/chatwire/chatwire/internal/conversation"

// IncomingType names an adapter-to-host event.
type IncomingType string

// Canonical incoming event types.
const (
	ConversationStarted IncomingType = "conversation_started"
	MessageReceived     IncomingType = "message_received"
	MessageUpdated      IncomingType = "message_updated"
	MessageDeleted      IncomingType = "message_deleted"
	ReactionAdded       IncomingType = "reaction_added"
	ReactionRemoved     IncomingType = "reaction_removed"
	MessagePinned       IncomingType = "message_pinned"
	MessageUnpinned     IncomingType = "message_unpinned"
	HistoryFetched      IncomingType = "history_fetched"
)

// OutgoingType names a host-to-adapter command.
type OutgoingType string

// Canonical outgoing command types.
const (
	SendMessage     OutgoingType = "send_message"
	EditMessage     OutgoingType = "edit_message"
	DeleteMessage   OutgoingType = "delete_message"
	AddReaction     OutgoingType = "add_reaction"
	RemoveReaction  OutgoingType = "remove_reaction"
	FetchHistory    OutgoingType = "fetch_history"
	FetchAttachment OutgoingType = "fetch_attachment"
)

// File commands spoken by the text-file adapter.
const (
	ViewDirectory  OutgoingType = "view"
	ReadFile       OutgoingType = "read"
	CreateFile     OutgoingType = "create"
	DeleteFile     OutgoingType = "delete"
	MoveFile       OutgoingType = "move"
	UpdateFile     OutgoingType = "update"
	InsertIntoFile OutgoingType = "insert"
	ReplaceInFile  OutgoingType = "replace"
	UndoFileChange OutgoingType = "undo"
)

// BotRequest is the envelope every adapter-to-host event travels in.
type BotRequest struct {
	AdapterType string         `json:"adapter_type"`
	EventType   IncomingType   `json:"event_type"`
	Data        map[string]any `json:"data"`
}

// OutgoingRequest is a host command: a typed verb plus its payload.
type OutgoingRequest struct {
	EventType OutgoingType `json:"event_type"`
	Data      OutgoingData `json:"data"`
}

// OutgoingData carries the union of fields the outgoing verbs use.
type OutgoingData struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	MessageID      string   `json:"message_id,omitempty"`
	Text           string   `json:"text,omitempty"`
	Emoji          string   `json:"emoji,omitempty"`
	Mentions       []string `json:"mentions,omitempty"`
	Attachments    []string `json:"attachments,omitempty"` // staged file paths to upload
	AttachmentID   string   `json:"attachment_id,omitempty"`
	Anchor         string   `json:"anchor,omitempty"`
	Before         int64    `json:"before,omitempty"`
	After          int64    `json:"after,omitempty"`
	Limit          int      `json:"limit,omitempty"`

	// File command fields (text-file adapter).
	Path            string `json:"path,omitempty"`
	Content         string `json:"content,omitempty"`
	SourcePath      string `json:"source_path,omitempty"`
	DestinationPath string `json:"destination_path,omitempty"`
	Line            int    `json:"line,omitempty"`
	LineRange       []int  `json:"line_range,omitempty"`
	OldString       string `json:"old_string,omitempty"`
	NewString       string `json:"new_string,omitempty"`
}

// Result is the outcome of one outgoing command.
type Result struct {
	RequestCompleted bool                           `json:"request_completed"`
	MessageIDs       []string                       `json:"message_ids,omitempty"`
	History          []conversation.MessageRecord   `json:"history,omitempty"`
	Attachment       *conversation.AttachmentRecord `json:"attachment,omitempty"`
	Content          string                         `json:"content,omitempty"`
	Files            []string                       `json:"files,omitempty"`
	Directories      []string                       `json:"directories,omitempty"`
}

// Failed is the canonical failure result.
func Failed() Result { return Result{RequestCompleted: false} }

// Emitter pushes canonical events onto the bus. The bus server implements it;
// tests substitute a recorder.
type Emitter interface {
	EmitEvent(req BotRequest)
}

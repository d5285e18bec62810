package events

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/chatwire/chatwire/internal/cache"
	"github.com/chatwire/chatwire/internal/conversation"
	"github.com/chatwire/chatwire/internal/emoji"
	"github.com/chatwire/chatwire/internal/history"
	"github.com/chatwire/chatwire/internal/ratelimit"
)

// Sender is the minimal platform API surface outgoing commands call. Each
// adapter wraps its SDK client behind this.
type Sender interface {
	SendMessage(ctx context.Context, conversationID, text string) (messageID string, err error)
	EditMessage(ctx context.Context, conversationID, messageID, text string) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	AddReaction(ctx context.Context, conversationID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error
}

// Uploader relocates staged files to the platform as message attachments,
// returning the message IDs the uploads produced. Adapters without file
// support leave it nil.
type Uploader interface {
	UploadFiles(ctx context.Context, conversationID string, paths []string) ([]string, error)
}

// MentionFormatter expands a canonical mention (a user id or "all") into the
// platform's outgoing mention syntax, including any trailing separator.
type MentionFormatter func(mention string) string

// OutgoingProcessor executes host commands against the platform API. Every
// command returns a Result; failures come back as request_completed=false
// rather than errors, matching the bus reply contract.
type OutgoingProcessor struct {
	adapterType string
	sender      Sender
	uploader    Uploader
	limiter     *ratelimit.Limiter
	emoji       *emoji.Converter
	fetcher     *history.Fetcher
	attachments *cache.AttachmentCache
	maxLen      int
	mentions    MentionFormatter
}

// OutgoingOpts carries the processor's dependencies.
type OutgoingOpts struct {
	AdapterType      string
	Sender           Sender
	Uploader         Uploader
	Limiter          *ratelimit.Limiter
	Emoji            *emoji.Converter
	Fetcher          *history.Fetcher
	Attachments      *cache.AttachmentCache
	MaxMessageLength int
	Mentions         MentionFormatter
}

// NewOutgoingProcessor wires an OutgoingProcessor.
func NewOutgoingProcessor(o OutgoingOpts) *OutgoingProcessor {
	return &OutgoingProcessor{
		adapterType: o.AdapterType,
		sender:      o.Sender,
		uploader:    o.Uploader,
		limiter:     o.Limiter,
		emoji:       o.Emoji,
		fetcher:     o.Fetcher,
		attachments: o.Attachments,
		maxLen:      o.MaxMessageLength,
		mentions:    o.Mentions,
	}
}

// Process executes one outgoing command.
func (p *OutgoingProcessor) Process(ctx context.Context, req OutgoingRequest) Result {
	switch req.EventType {
	case SendMessage:
		return p.handleSend(ctx, req.Data)
	case EditMessage:
		return p.handleEdit(ctx, req.Data)
	case DeleteMessage:
		return p.handleDelete(ctx, req.Data)
	case AddReaction:
		return p.handleReaction(ctx, req.Data, true)
	case RemoveReaction:
		return p.handleReaction(ctx, req.Data, false)
	case FetchHistory:
		return p.handleFetchHistory(ctx, req.Data)
	case FetchAttachment:
		return p.handleFetchAttachment(req.Data)
	default:
		log.Printf("events: unknown outgoing event type %q", req.EventType)
		return Failed()
	}
}

func (p *OutgoingProcessor) handleSend(ctx context.Context, data OutgoingData) Result {
	if data.ConversationID == "" || (data.Text == "" && len(data.Attachments) == 0) {
		log.Printf("events: send_message missing conversation_id or content")
		return Failed()
	}

	text := data.Text
	for i := len(data.Mentions) - 1; i >= 0; i-- {
		text = p.formatMention(data.Mentions[i]) + text
	}

	var messageIDs []string
	for _, part := range SplitMessage(text, p.maxLen) {
		if part == "" {
			continue
		}
		if err := p.limiter.Acquire(ctx, ratelimit.Message, data.ConversationID); err != nil {
			return Failed()
		}
		id, err := p.sender.SendMessage(ctx, data.ConversationID, part)
		if err != nil {
			log.Printf("events: send_message to %s: %v", data.ConversationID, err)
			return Failed()
		}
		messageIDs = append(messageIDs, id)
	}

	if len(data.Attachments) > 0 {
		if p.uploader == nil {
			log.Printf("events: send_message carries attachments but adapter has no uploader")
			return Failed()
		}
		if err := p.limiter.Acquire(ctx, ratelimit.Message, data.ConversationID); err != nil {
			return Failed()
		}
		ids, err := p.uploader.UploadFiles(ctx, data.ConversationID, data.Attachments)
		if err != nil {
			log.Printf("events: upload to %s: %v", data.ConversationID, err)
			return Failed()
		}
		messageIDs = append(messageIDs, ids...)
	}
	return Result{RequestCompleted: true, MessageIDs: messageIDs}
}

func (p *OutgoingProcessor) formatMention(mention string) string {
	if p.mentions != nil {
		return p.mentions(mention)
	}
	return fmt.Sprintf("<@%s> ", mention)
}

func (p *OutgoingProcessor) handleEdit(ctx context.Context, data OutgoingData) Result {
	if data.ConversationID == "" || data.MessageID == "" || data.Text == "" {
		log.Printf("events: edit_message missing required fields")
		return Failed()
	}
	if err := p.limiter.Acquire(ctx, ratelimit.EditMessage, data.ConversationID); err != nil {
		return Failed()
	}
	if err := p.sender.EditMessage(ctx, data.ConversationID, data.MessageID, data.Text); err != nil {
		log.Printf("events: edit_message %s: %v", data.MessageID, err)
		return Failed()
	}
	return Result{RequestCompleted: true}
}

func (p *OutgoingProcessor) handleDelete(ctx context.Context, data OutgoingData) Result {
	if data.ConversationID == "" || data.MessageID == "" {
		log.Printf("events: delete_message missing required fields")
		return Failed()
	}
	if err := p.limiter.Acquire(ctx, ratelimit.DeleteMessage, data.ConversationID); err != nil {
		return Failed()
	}
	if err := p.sender.DeleteMessage(ctx, data.ConversationID, data.MessageID); err != nil {
		log.Printf("events: delete_message %s: %v", data.MessageID, err)
		return Failed()
	}
	return Result{RequestCompleted: true}
}

func (p *OutgoingProcessor) handleReaction(ctx context.Context, data OutgoingData, add bool) Result {
	if data.ConversationID == "" || data.MessageID == "" || data.Emoji == "" {
		log.Printf("events: reaction command missing required fields")
		return Failed()
	}
	kind := ratelimit.AddReaction
	if !add {
		kind = ratelimit.RemoveReaction
	}
	if err := p.limiter.Acquire(ctx, kind, data.ConversationID); err != nil {
		return Failed()
	}
	name := p.emoji.ToPlatform(data.Emoji)
	var err error
	if add {
		err = p.sender.AddReaction(ctx, data.ConversationID, data.MessageID, name)
	} else {
		err = p.sender.RemoveReaction(ctx, data.ConversationID, data.MessageID, name)
	}
	if err != nil {
		log.Printf("events: reaction on %s: %v", data.MessageID, err)
		return Failed()
	}
	return Result{RequestCompleted: true}
}

func (p *OutgoingProcessor) handleFetchHistory(ctx context.Context, data OutgoingData) Result {
	if data.ConversationID == "" {
		log.Printf("events: fetch_history missing conversation_id")
		return Failed()
	}
	window, err := p.fetcher.Fetch(ctx, history.Request{
		ConversationID: data.ConversationID,
		Anchor:         data.Anchor,
		Before:         data.Before,
		After:          data.After,
		Limit:          data.Limit,
	})
	if err != nil {
		log.Printf("events: fetch_history for %s: %v", data.ConversationID, err)
		return Failed()
	}
	return Result{RequestCompleted: true, History: window}
}

// handleFetchAttachment returns a cached attachment's metadata with its
// payload inlined as base64.
func (p *OutgoingProcessor) handleFetchAttachment(data OutgoingData) Result {
	if data.AttachmentID == "" {
		log.Printf("events: fetch_attachment missing attachment_id")
		return Failed()
	}
	att := p.attachments.Get(data.AttachmentID)
	if att == nil {
		log.Printf("events: fetch_attachment unknown attachment %s", data.AttachmentID)
		return Failed()
	}
	payload, err := os.ReadFile(filepath.Join(p.attachments.StorageDir(), att.FilePath()))
	if err != nil {
		log.Printf("events: fetch_attachment read %s: %v", data.AttachmentID, err)
		return Failed()
	}
	rec := conversation.NewAttachmentRecord(att)
	rec.Content = base64.StdEncoding.EncodeToString(payload)
	return Result{RequestCompleted: true, Attachment: &rec}
}

package events

import (
	"context"
	"log"

	"github.com/chatwire/chatwire/internal/conversation"
	"github.com/chatwire/chatwire/internal/history"
)

// IncomingProcessor routes normalized platform events through the conversation
// manager and emits the resulting canonical events. Failures are logged, never
// propagated: inbound delivery is best-effort and partial results still flow.
type IncomingProcessor struct {
	manager *conversation.Manager
	fetcher *history.Fetcher
	builder *Builder
	emitter Emitter
}

// IncomingOpts carries the processor's dependencies.
type IncomingOpts struct {
	Manager *conversation.Manager
	Fetcher *history.Fetcher
	Builder *Builder
	Emitter Emitter
}

// NewIncomingProcessor wires an IncomingProcessor.
func NewIncomingProcessor(o IncomingOpts) *IncomingProcessor {
	return &IncomingProcessor{
		manager: o.Manager,
		fetcher: o.Fetcher,
		builder: o.Builder,
		emitter: o.Emitter,
	}
}

// Process dispatches one platform event.
func (p *IncomingProcessor) Process(ctx context.Context, ev *conversation.Event) {
	switch ev.Kind {
	case conversation.KindMessageNew:
		p.handleNewMessage(ctx, ev)
	case conversation.KindMessageEdited,
		conversation.KindReactionAdded,
		conversation.KindReactionRemoved,
		conversation.KindReactionSnapshot,
		conversation.KindMessagePinned,
		conversation.KindMessageUnpinned:
		p.handleUpdate(ev)
	case conversation.KindMessageDeleted:
		p.handleDelete(ev)
	case conversation.KindMigration:
		p.handleMigration(ctx, ev)
	case conversation.KindMetadataUpdate:
		p.manager.UpdateMetadata(ev)
	default:
		log.Printf("events: unhandled incoming event kind %q", ev.Kind)
	}
}

func (p *IncomingProcessor) handleNewMessage(ctx context.Context, ev *conversation.Event) {
	delta, err := p.manager.AddToConversation(ev)
	if err != nil {
		log.Printf("events: add message %s: %v", ev.MessageID, err)
		return
	}
	p.emitConversationDelta(ctx, delta)
}

// emitConversationDelta emits the events a message-bearing delta implies. On a
// brand-new conversation the first history window is fetched (anchored at the
// triggering message) and conversation_started goes out before the message.
func (p *IncomingProcessor) emitConversationDelta(ctx context.Context, delta *conversation.Delta) {
	if delta.FetchHistory {
		window, err := p.fetcher.Fetch(ctx, history.Request{
			ConversationID: delta.ConversationID,
			Anchor:         delta.MessageID,
		})
		if err != nil {
			log.Printf("events: first history fetch for %s: %v", delta.ConversationID, err)
		}
		p.emitter.EmitEvent(p.builder.ConversationStarted(delta.ConversationID, window))
	}
	for _, rec := range delta.AddedMessages {
		p.emitter.EmitEvent(p.builder.MessageReceived(rec))
	}
}

func (p *IncomingProcessor) handleUpdate(ev *conversation.Event) {
	delta, err := p.manager.UpdateConversation(ev)
	if err != nil {
		log.Printf("events: update message %s: %v", ev.MessageID, err)
		return
	}
	for _, rec := range delta.UpdatedMessages {
		p.emitter.EmitEvent(p.builder.MessageUpdated(rec))
	}
	for _, emoji := range delta.AddedReactions {
		p.emitter.EmitEvent(p.builder.ReactionEvent(ReactionAdded, delta.MessageID, delta.ConversationID, emoji))
	}
	for _, emoji := range delta.RemovedReactions {
		p.emitter.EmitEvent(p.builder.ReactionEvent(ReactionRemoved, delta.MessageID, delta.ConversationID, emoji))
	}
	for _, id := range delta.PinnedMessageIDs {
		p.emitter.EmitEvent(p.builder.PinEvent(MessagePinned, id, delta.ConversationID))
	}
	for _, id := range delta.UnpinnedMessageIDs {
		p.emitter.EmitEvent(p.builder.PinEvent(MessageUnpinned, id, delta.ConversationID))
	}
}

func (p *IncomingProcessor) handleDelete(ev *conversation.Event) {
	delta, err := p.manager.DeleteFromConversation(ev)
	if err != nil {
		log.Printf("events: delete messages: %v", err)
		return
	}
	for _, id := range delta.DeletedMessageIDs {
		p.emitter.EmitEvent(p.builder.MessageDeleted(id, delta.ConversationID))
	}
}

func (p *IncomingProcessor) handleMigration(ctx context.Context, ev *conversation.Event) {
	deltas, err := p.manager.MigrateBetweenConversations(ev)
	if err != nil {
		log.Printf("events: migration: %v", err)
		return
	}
	if len(deltas) != 2 {
		return
	}
	oldDelta, newDelta := deltas[0], deltas[1]
	for _, id := range oldDelta.DeletedMessageIDs {
		p.emitter.EmitEvent(p.builder.MessageDeleted(id, oldDelta.ConversationID))
	}
	p.emitConversationDelta(ctx, newDelta)
}

package conversation

import (
	"time"

	"github.com/chatwire/chatwire/internal/cache"
)

// ThreadHandler reconstructs reply chains from reply-to cues and maintains the
// per-conversation thread index. Called only under the Manager's lock.
type ThreadHandler struct {
	messages *cache.MessageCache
}

// NewThreadHandler creates a handler backed by the shared message cache.
func NewThreadHandler(messages *cache.MessageCache) *ThreadHandler {
	return &ThreadHandler{messages: messages}
}

// AddToThread registers a message in the thread its reply-to cue identifies,
// creating the thread if needed. Returns nil when the message is not a reply.
//
// The thread ID is always the replied-to message's ID. Nested replies adopt
// the ancestor chain's root: when the parent message is itself a reply inside
// a known thread, the new thread's root is that thread's root rather than the
// parent itself.
func (h *ThreadHandler) AddToThread(info *Info, messageID, replyToID string, ts int64) *ThreadInfo {
	if replyToID == "" {
		return nil
	}

	threadID := replyToID
	thread, ok := info.Threads[threadID]
	if !ok {
		rootID := replyToID
		if parent := h.messages.Get(info.ConversationID, replyToID); parent != nil && parent.ReplyToMessageID != "" {
			parentThreadID := parent.ThreadID
			if parentThreadID == "" {
				parentThreadID = parent.ReplyToMessageID
			}
			if parentThread, ok := info.Threads[parentThreadID]; ok {
				rootID = parentThread.RootMessageID
			}
		}
		thread = &ThreadInfo{
			ThreadID:      threadID,
			RootMessageID: rootID,
			Messages:      make(map[string]struct{}),
		}
		info.Threads[threadID] = thread
	}
	thread.Messages[messageID] = struct{}{}
	thread.LastActivity = time.UnixMilli(ts)
	return thread
}

// UpdateThread re-evaluates a message's thread membership after an edit.
// Three cases: cue unchanged (changed=false), cue removed (changed=true,
// thread=nil), cue added or moved (changed=true with the new thread).
func (h *ThreadHandler) UpdateThread(info *Info, msg *cache.CachedMessage, newReplyToID string) (bool, *ThreadInfo) {
	if msg.ReplyToMessageID == newReplyToID {
		return false, nil
	}

	h.RemoveFromThread(info, msg)
	msg.ReplyToMessageID = newReplyToID
	if newReplyToID == "" {
		msg.ThreadID = ""
		return true, nil
	}
	thread := h.AddToThread(info, msg.MessageID, newReplyToID, msg.Timestamp)
	msg.ThreadID = thread.ThreadID
	return true, thread
}

// RemoveFromThread discards a message from its thread, dropping the thread
// once it holds no messages.
func (h *ThreadHandler) RemoveFromThread(info *Info, msg *cache.CachedMessage) {
	if msg.ThreadID == "" {
		return
	}
	thread, ok := info.Threads[msg.ThreadID]
	if !ok {
		return
	}
	delete(thread.Messages, msg.MessageID)
	if len(thread.Messages) == 0 {
		delete(info.Threads, msg.ThreadID)
	}
}

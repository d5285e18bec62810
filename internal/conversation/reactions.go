package conversation

import (
	"sort"

	"github.com/chatwire/chatwire/internal/cache"
	"github.com/chatwire/chatwire/internal/emoji"
)

// ReactionOp distinguishes reaction additions from removals.
type ReactionOp string

const (
	ReactionAdded   ReactionOp = "added"
	ReactionRemoved ReactionOp = "removed"
)

// ReactionHandler applies reaction changes to cached messages and mirrors them
// into deltas. Called only under the Manager's lock.
type ReactionHandler struct {
	emoji *emoji.Converter
}

// NewReactionHandler creates a handler using the given emoji converter.
func NewReactionHandler(conv *emoji.Converter) *ReactionHandler {
	return &ReactionHandler{emoji: conv}
}

// Add increments a canonical emoji's count on a message.
func (h *ReactionHandler) Add(msg *cache.CachedMessage, name string) {
	msg.Reactions[name]++
}

// Remove decrements a canonical emoji's count, deleting the key at zero.
func (h *ReactionHandler) Remove(msg *cache.CachedMessage, name string) {
	if _, ok := msg.Reactions[name]; !ok {
		return
	}
	msg.Reactions[name]--
	if msg.Reactions[name] <= 0 {
		delete(msg.Reactions, name)
	}
}

// Update normalizes a raw platform emoji, applies the op to the message, and
// mirrors the canonical name into the delta.
func (h *ReactionHandler) Update(op ReactionOp, msg *cache.CachedMessage, rawEmoji string, d *Delta) {
	name := h.emoji.ToStandard(rawEmoji)
	switch op {
	case ReactionAdded:
		h.Add(msg, name)
		d.AddedReactions = append(d.AddedReactions, name)
	case ReactionRemoved:
		h.Remove(msg, name)
		d.RemovedReactions = append(d.RemovedReactions, name)
	}
}

// DiffSnapshots compares two reaction maps for platforms that deliver full
// snapshots instead of deltas. It returns one add per count increase and one
// remove per count decrease, names repeated per unit of change, sorted for
// deterministic output.
func DiffSnapshots(old, current map[string]int) (added, removed []string) {
	names := make(map[string]struct{}, len(old)+len(current))
	for name := range old {
		names[name] = struct{}{}
	}
	for name := range current {
		names[name] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		diff := current[name] - old[name]
		for ; diff > 0; diff-- {
			added = append(added, name)
		}
		for ; diff < 0; diff++ {
			removed = append(removed, name)
		}
	}
	return added, removed
}

package conversation

import (
	"reflect"
	"testing"

	"github.com/chatwire/chatwire/internal/cache"
	"github.com/chatwire/chatwire/internal/emoji"
)

func TestReactionAddRemoveRestoresMap(t *testing.T) {
	h := NewReactionHandler(emoji.New())
	msg := &cache.CachedMessage{Reactions: map[string]int{"red_heart": 2}}
	before := map[string]int{"red_heart": 2}

	h.Add(msg, "thumbs_up")
	h.Remove(msg, "thumbs_up")
	if !reflect.DeepEqual(msg.Reactions, before) {
		t.Errorf("reactions = %v, want %v restored", msg.Reactions, before)
	}
}

func TestRemoveUnknownReactionIsNoOp(t *testing.T) {
	h := NewReactionHandler(emoji.New())
	msg := &cache.CachedMessage{Reactions: map[string]int{}}
	h.Remove(msg, "ghost")
	if len(msg.Reactions) != 0 {
		t.Errorf("reactions = %v, want empty", msg.Reactions)
	}
}

func TestUpdateNormalizesEmoji(t *testing.T) {
	h := NewReactionHandler(emoji.New())
	msg := &cache.CachedMessage{Reactions: map[string]int{}}
	d := NewDelta("c1")

	h.Update(ReactionAdded, msg, "+1", d)
	if msg.Reactions["thumbs_up"] != 1 {
		t.Errorf("reactions = %v, want thumbs_up:1", msg.Reactions)
	}
	if len(d.AddedReactions) != 1 || d.AddedReactions[0] != "thumbs_up" {
		t.Errorf("added_reactions = %v, want [thumbs_up]", d.AddedReactions)
	}
}

func TestDiffSnapshots(t *testing.T) {
	old := map[string]int{"thumbs_up": 1, "red_heart": 2}
	current := map[string]int{"thumbs_up": 3, "red_heart": 1, "party_popper": 1}

	added, removed := DiffSnapshots(old, current)
	wantAdded := []string{"party_popper", "thumbs_up", "thumbs_up"}
	wantRemoved := []string{"red_heart"}
	if !reflect.DeepEqual(added, wantAdded) {
		t.Errorf("added = %v, want %v", added, wantAdded)
	}
	if !reflect.DeepEqual(removed, wantRemoved) {
		t.Errorf("removed = %v, want %v", removed, wantRemoved)
	}

	added, removed = DiffSnapshots(current, current)
	if added != nil || removed != nil {
		t.Errorf("identical snapshots diffed to %v / %v", added, removed)
	}
}

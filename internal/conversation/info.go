package conversation

import (
	"strings"
	"time"
)

// ThreadInfo tracks one reply chain inside a conversation.
type ThreadInfo struct {
	ThreadID      string
	RootMessageID string
	Title         string
	LastActivity  time.Time
	Messages      map[string]struct{}
}

// Info is the in-memory record of one conversation. All fields are owned by
// the Manager and mutated only under its lock.
type Info struct {
	ConversationID         string
	PlatformConversationID string
	Type                   string
	Name                   string
	ServerID               string
	ServerName             string
	CreatedAt              time.Time
	LastActivity           time.Time

	KnownMembers   map[string]*UserInfo
	Messages       map[string]struct{}
	PinnedMessages map[string]struct{}
	Threads        map[string]*ThreadInfo
	Attachments    map[string]struct{}

	// JustStarted stays true until the first delta is emitted; it drives the
	// initial fetch_history directive.
	JustStarted bool
	// HistoryFetchingInProgress suppresses mentions and relaxes bot-message
	// filtering while a history window is being replayed.
	HistoryFetchingInProgress bool
}

func newInfo(conversationID, platformConversationID, convType string) *Info {
	now := time.Now()
	return &Info{
		ConversationID:         conversationID,
		PlatformConversationID: platformConversationID,
		Type:                   convType,
		CreatedAt:              now,
		LastActivity:           now,
		KnownMembers:           make(map[string]*UserInfo),
		Messages:               make(map[string]struct{}),
		PinnedMessages:         make(map[string]struct{}),
		Threads:                make(map[string]*ThreadInfo),
		Attachments:            make(map[string]struct{}),
		JustStarted:            true,
	}
}

// IsDirect reports whether the conversation is a direct/private exchange.
func (i *Info) IsDirect() bool {
	return i.Type == "direct" || i.Type == "private" || i.Type == "im"
}

// CustomName derives a DM display name from the non-bot members, used when the
// platform supplies no conversation name.
func (i *Info) CustomName() string {
	name := "DM"
	for _, user := range i.KnownMembers {
		if !user.IsBot {
			name += "_" + strings.ReplaceAll(user.DisplayName(), " ", "_")
		}
	}
	return name
}

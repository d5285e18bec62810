// Package slack adapts Slack's Events API, received over Socket Mode, to the
// canonical conversation model using slack-go.
package slack

import (
	"regexp"

	"github.com/chatwire/chatwire/internal/conversation"
)

var (
	// userMentionRE matches Slack's encoded user mention markup.
	userMentionRE = regexp.MustCompile(`<@(\w+)>`)
	// broadcastRE matches Slack's channel-wide broadcast markup.
	broadcastRE = regexp.MustCompile(`<!(here|channel)>`)
)

// Platform supplies the Slack-specific behavior the conversation manager
// delegates to.
type Platform struct {
	conversation.BasePlatform
	// AdapterID is the bot's Slack user ID, matched against mentions.
	AdapterID string
	// Resolver maps a mentioned user ID to a display name; the adapter wires
	// it at construction. Left nil, rewritten mentions keep the raw ID.
	Resolver func(userID string) string
}

// NewPlatform creates the Slack platform behavior.
func NewPlatform(adapterID string) *Platform {
	return &Platform{
		BasePlatform: conversation.BasePlatform{Type: "slack"},
		AdapterID:    adapterID,
	}
}

// BotMentions scans for mentions of the bot or the whole channel, rewriting
// Slack's encoded <@ID> markup to the readable <@DisplayName> form.
func (p *Platform) BotMentions(text string) (string, []string) {
	var mentions []string
	mentioned := false
	rewritten := userMentionRE.ReplaceAllStringFunc(text, func(markup string) string {
		id := userMentionRE.FindStringSubmatch(markup)[1]
		if p.AdapterID != "" && id == p.AdapterID {
			mentioned = true
		}
		return "<@" + p.displayName(id) + ">"
	})
	if mentioned {
		mentions = append(mentions, p.AdapterID)
	}
	if broadcastRE.MatchString(text) {
		mentions = append(mentions, "all")
	}
	return rewritten, mentions
}

func (p *Platform) displayName(userID string) string {
	if p.Resolver != nil {
		if name := p.Resolver(userID); name != "" {
			return name
		}
	}
	return userID
}

// MentionUser renders an outgoing user mention.
func MentionUser(mention string) string {
	if mention == "all" {
		return "<!here> "
	}
	return "<@" + mention + "> "
}

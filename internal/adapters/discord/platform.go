// Package discord adapts the Discord Gateway to the canonical conversation
// model using discordgo.
package discord

import (
	"regexp"
	"strings"

	"github.com/chatwire/chatwire/internal/conversation"
)

// userMentionRE matches Discord's user mention markup.
var userMentionRE = regexp.MustCompile(`<@(\d+)>`)

// Platform supplies the Discord-specific behavior the conversation manager
// delegates to.
type Platform struct {
	conversation.BasePlatform
	// AdapterID is the bot's Discord user ID, matched against mentions.
	AdapterID string
	// Resolver maps a mentioned user ID to a display name; the adapter wires
	// it on connect. Left nil, rewritten mentions keep the raw ID.
	Resolver func(userID string) string
}

// NewPlatform creates the Discord platform behavior.
func NewPlatform(adapterID string) *Platform {
	return &Platform{
		BasePlatform: conversation.BasePlatform{Type: "discord"},
		AdapterID:    adapterID,
	}
}

// BotMentions scans for mentions of the bot or the whole channel, rewriting
// Discord's <@ID> markup to the readable <@DisplayName> form.
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
	if strings.Contains(text, "@everyone") || strings.Contains(text, "@here") {
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
		return "@here "
	}
	return "<@" + mention + "> "
}

// Package telegram adapts the Telegram Bot API, polled over HTTPS, to the
// canonical conversation model.
package telegram

import (
	"regexp"

	"github.com/chatwire/chatwire/internal/conversation"
)

// usernameRE matches bare @username mentions in message text.
var usernameRE = regexp.MustCompile(`@(\w+)`)

// Platform supplies the Telegram-specific behavior the conversation manager
// delegates to.
type Platform struct {
	conversation.BasePlatform
	// AdapterName is the bot's @username without the leading at sign.
	AdapterName string
}

// NewPlatform creates the Telegram platform behavior.
func NewPlatform(adapterName string) *Platform {
	return &Platform{
		BasePlatform: conversation.BasePlatform{Type: "telegram"},
		AdapterName:  adapterName,
	}
}

// BotMentions scans for @username mentions of the bot, rewriting every bare
// @username to the readable <@username> form. Telegram has no channel-wide
// broadcast mention.
func (p *Platform) BotMentions(text string) (string, []string) {
	mentioned := false
	rewritten := usernameRE.ReplaceAllStringFunc(text, func(markup string) string {
		name := usernameRE.FindStringSubmatch(markup)[1]
		if p.AdapterName != "" && name == p.AdapterName {
			mentioned = true
		}
		return "<@" + name + ">"
	})
	if mentioned {
		return rewritten, []string{p.AdapterName}
	}
	return rewritten, nil
}

// MentionUser renders an outgoing user mention. Telegram cannot address the
// whole chat, so "all" renders to nothing; users without a username cannot be
// mentioned either.
func MentionUser(mention string) string {
	if mention == "all" || mention == "" {
		return ""
	}
	return "@" + mention + " "
}

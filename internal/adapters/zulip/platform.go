// Package zulip adapts the Zulip REST API, polled through an event queue, to
// the canonical conversation model.
package zulip

import (
	"regexp"

	"github.com/chatwire/chatwire/internal/conversation"
)

var (
	// replyCueRE matches the "[said](...near/<id>)" link Zulip quote-replies
	// embed in message content.
	replyCueRE = regexp.MustCompile(`\[said\]\([^\)]+/near/(\d+)\)`)
	// wildcardRE matches channel-wide mentions.
	wildcardRE = regexp.MustCompile(`@\*\*(all|everyone|stream|channel)\*\*`)
	// silentIDMentionRE matches mentions carrying an explicit user ID.
	silentIDMentionRE = regexp.MustCompile(`@_?\*\*([^|*]+)\|(\d+)\*\*`)
	// nameMentionRE matches plain display-name mentions.
	nameMentionRE = regexp.MustCompile(`@\*\*([^|*]+)\*\*`)
)

// Platform supplies the Zulip-specific behavior the conversation manager
// delegates to.
type Platform struct {
	conversation.BasePlatform
	// AdapterID is the bot's numeric Zulip user ID, as a string.
	AdapterID string
	// AdapterName is the bot's full display name, matched against mentions.
	AdapterName string
}

// NewPlatform creates the Zulip platform behavior.
func NewPlatform(adapterID, adapterName string) *Platform {
	return &Platform{
		BasePlatform: conversation.BasePlatform{Type: "zulip"},
		AdapterID:    adapterID,
		AdapterName:  adapterName,
	}
}

// ExtractReplyToID pulls the quoted-reply cue out of message content. Zulip
// encodes replies as markdown links rather than a message field.
func (p *Platform) ExtractReplyToID(ev *conversation.Event, conversationID string) string {
	if m := replyCueRE.FindStringSubmatch(ev.Text); m != nil {
		return m[1]
	}
	return ev.ReplyToMessageID
}

// BotMentions scans for mentions of the bot by display name, by user ID, or
// channel-wide, rewriting Zulip's @**Name** and @_**Name|ID** markdown to the
// readable <@Name> form.
func (p *Platform) BotMentions(text string) (string, []string) {
	var mentions []string
	mentioned := false
	for _, m := range silentIDMentionRE.FindAllStringSubmatch(text, -1) {
		if p.AdapterID != "" && m[2] == p.AdapterID {
			mentioned = true
			break
		}
	}
	if !mentioned {
		for _, m := range nameMentionRE.FindAllStringSubmatch(text, -1) {
			if p.AdapterName != "" && m[1] == p.AdapterName {
				mentioned = true
				break
			}
		}
	}
	if mentioned {
		mentions = append(mentions, p.AdapterID)
	}
	if wildcardRE.MatchString(text) {
		mentions = append(mentions, "all")
	}
	// ID-carrying mentions first so the name mention pattern cannot split them.
	rewritten := silentIDMentionRE.ReplaceAllString(text, "<@$1>")
	rewritten = nameMentionRE.ReplaceAllString(rewritten, "<@$1>")
	return rewritten, mentions
}

// MentionUser renders an outgoing mention. Zulip addresses users by display
// name.
func MentionUser(mention string) string {
	if mention == "all" {
		return "@**all** "
	}
	return "@**" + mention + "** "
}

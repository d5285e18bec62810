// Package ratelimit enforces requests-per-minute budgets for outgoing platform
// API calls. Three scopes apply: a global budget shared by every call, a
// per-conversation budget, and a message budget shared by message send, edit
// and delete.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chatwire/chatwire/internal/config"
)

// Kind tags an outgoing request with the budget scopes it consumes.
type Kind string

// Request kinds recognized by the limiter.
const (
	General        Kind = "general"
	Message        Kind = "message"
	EditMessage    Kind = "edit_message"
	DeleteMessage  Kind = "delete_message"
	AddReaction    Kind = "add_reaction"
	RemoveReaction Kind = "remove_reaction"
	FetchHistory   Kind = "fetch_history"
	Download       Kind = "download"
	GetUserInfo    Kind = "get_user_info"
)

// countsAsMessage reports whether the kind consumes the message budget.
func (k Kind) countsAsMessage() bool {
	return k == Message || k == EditMessage || k == DeleteMessage
}

// Limiter applies the three-tier rate limit. One instance is shared by every
// component of an adapter process.
type Limiter struct {
	mu sync.Mutex

	global  *rate.Limiter
	message *rate.Limiter

	perConvRPM int
	perConv    map[string]*rate.Limiter

	globalCount int
	convCounts  map[string]int
}

// New creates a Limiter from the rate_limit config section.
func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		global:     newScope(cfg.GlobalRPM),
		message:    newScope(cfg.MessageRPM),
		perConvRPM: cfg.PerConversationRPM,
		perConv:    make(map[string]*rate.Limiter),
		convCounts: make(map[string]int),
	}
}

// newScope builds a limiter that admits one request per 60/rpm seconds.
// A misconfigured zero RPM falls back to one request per second instead of
// panicking.
func newScope(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Every(time.Second), 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
}

// conversationScope returns the limiter for a conversation, creating it on
// first use. Caller must hold mu.
func (l *Limiter) conversationScope(conversationID string) *rate.Limiter {
	lim, ok := l.perConv[conversationID]
	if !ok {
		lim = newScope(l.perConvRPM)
		l.perConv[conversationID] = lim
	}
	return lim
}

// scopes returns the limiters a request of the given kind consumes.
// Caller must hold mu.
func (l *Limiter) scopes(kind Kind, conversationID string) []*rate.Limiter {
	out := []*rate.Limiter{l.global}
	if conversationID != "" {
		out = append(out, l.conversationScope(conversationID))
	}
	if kind.countsAsMessage() {
		out = append(out, l.message)
	}
	return out
}

// WaitTime reports how long a request of the given kind would have to wait
// right now, without consuming any budget.
func (l *Limiter) WaitTime(kind Kind, conversationID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	var max time.Duration
	for _, scope := range l.scopes(kind, conversationID) {
		res := scope.Reserve()
		d := res.Delay()
		res.Cancel()
		if d > max {
			max = d
		}
	}
	return max
}

// Acquire blocks until the request is admitted by every applicable scope, then
// records it. It returns the context's error if cancelled while waiting; in
// that case no budget is consumed.
func (l *Limiter) Acquire(ctx context.Context, kind Kind, conversationID string) error {
	l.mu.Lock()
	scopes := l.scopes(kind, conversationID)
	reservations := make([]*rate.Reservation, len(scopes))
	var wait time.Duration
	for i, scope := range scopes {
		reservations[i] = scope.Reserve()
		if d := reservations[i].Delay(); d > wait {
			wait = d
		}
	}
	l.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			l.mu.Lock()
			for _, res := range reservations {
				res.Cancel()
			}
			l.mu.Unlock()
			return ctx.Err()
		case <-timer.C:
		}
	}

	l.mu.Lock()
	l.globalCount++
	if conversationID != "" {
		l.convCounts[conversationID]++
	}
	l.mu.Unlock()
	return nil
}

// GlobalCount returns the number of requests admitted so far.
func (l *Limiter) GlobalCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalCount
}

// ConversationCount returns the number of requests admitted for a conversation.
func (l *Limiter) ConversationCount(conversationID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.convCounts[conversationID]
}

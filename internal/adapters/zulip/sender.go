package zulip

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// target resolves a canonical conversation ID to a Zulip send target: stream
// ID plus topic for stream conversations, recipient user IDs for private ones.
type target struct {
	stream string
	topic  string
	users  []string
}

func (a *Adapter) target(conversationID string) (*target, error) {
	info := a.manager.Conversation(conversationID)
	if info == nil {
		return nil, fmt.Errorf("zulip: unknown conversation %s", conversationID)
	}
	platformID := info.PlatformConversationID
	if stream, topic, ok := strings.Cut(platformID, "/"); ok {
		return &target{stream: stream, topic: topic}, nil
	}
	return &target{users: strings.Split(platformID, "_")}, nil
}

// SendMessage posts text to the conversation's stream topic or private
// recipients and returns the new message's ID.
func (a *Adapter) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	tgt, err := a.target(conversationID)
	if err != nil {
		return "", err
	}
	form := url.Values{"content": {text}}
	if tgt.stream != "" {
		form.Set("type", "stream")
		form.Set("to", tgt.stream)
		form.Set("topic", tgt.topic)
	} else {
		form.Set("type", "private")
		form.Set("to", "["+strings.Join(tgt.users, ",")+"]")
	}

	var sent sendResponse
	err = a.retryOnRateLimit(ctx, func() error {
		return a.client.do(ctx, http.MethodPost, "/api/v1/messages", form, &sent)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", sent.ID), nil
}

// EditMessage replaces a message's content.
func (a *Adapter) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	form := url.Values{"content": {text}}
	return a.retryOnRateLimit(ctx, func() error {
		return a.client.do(ctx, http.MethodPatch, "/api/v1/messages/"+messageID, form, nil)
	})
}

// DeleteMessage removes a message.
func (a *Adapter) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return a.retryOnRateLimit(ctx, func() error {
		return a.client.do(ctx, http.MethodDelete, "/api/v1/messages/"+messageID, nil, nil)
	})
}

// AddReaction adds the named emoji reaction to a message. Zulip addresses
// reactions by name, not glyph.
func (a *Adapter) AddReaction(ctx context.Context, conversationID, messageID, name string) error {
	form := url.Values{"emoji_name": {strings.Trim(name, ":")}}
	return a.retryOnRateLimit(ctx, func() error {
		return a.client.do(ctx, http.MethodPost, "/api/v1/messages/"+messageID+"/reactions", form, nil)
	})
}

// RemoveReaction removes the bot's named reaction from a message.
func (a *Adapter) RemoveReaction(ctx context.Context, conversationID, messageID, name string) error {
	form := url.Values{"emoji_name": {strings.Trim(name, ":")}}
	return a.retryOnRateLimit(ctx, func() error {
		return a.client.do(ctx, http.MethodDelete, "/api/v1/messages/"+messageID+"/reactions", form, nil)
	})
}

// UploadFiles uploads staged files and posts one linking message per file.
func (a *Adapter) UploadFiles(ctx context.Context, conversationID string, paths []string) ([]string, error) {
	var messageIDs []string
	for _, path := range paths {
		var up uploadResponse
		err := a.retryOnRateLimit(ctx, func() error {
			return a.client.upload(ctx, "/api/v1/user_uploads", path, &up)
		})
		if err != nil {
			return messageIDs, err
		}
		link := fmt.Sprintf("[%s](%s)", filepath.Base(path), up.URI)
		id, err := a.SendMessage(ctx, conversationID, link)
		if err != nil {
			return messageIDs, err
		}
		messageIDs = append(messageIDs, id)
	}
	return messageIDs, nil
}

// retryOnRateLimit calls fn and retries when the server signals a rate limit,
// honoring its retry-after hint.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return err
		}
		if apiErr.Code != "RATE_LIMIT_HIT" && apiErr.HTTPStatus != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		wait := time.Duration(apiErr.RetryAfter * float64(time.Second))
		if wait <= 0 {
			wait = time.Second << attempt
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

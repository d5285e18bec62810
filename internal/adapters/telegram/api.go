package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/chatwire/chatwire/internal/config"
)

const defaultAPIBase = "https://api.telegram.org"

// Bot API wire types, limited to the fields the adapter reads.

// Update is one long-poll result entry.
type Update struct {
	UpdateID        int64                   `json:"update_id"`
	Message         *Message                `json:"message"`
	EditedMessage   *Message                `json:"edited_message"`
	MessageReaction *MessageReactionUpdated `json:"message_reaction"`
}

// Message is a Telegram message.
type Message struct {
	MessageID       int64       `json:"message_id"`
	From            *User       `json:"from"`
	Chat            Chat        `json:"chat"`
	Date            int64       `json:"date"`
	EditDate        int64       `json:"edit_date"`
	Text            string      `json:"text"`
	Caption         string      `json:"caption"`
	ReplyToMessage  *Message    `json:"reply_to_message"`
	Document        *Document   `json:"document"`
	Photo           []PhotoSize `json:"photo"`
	NewChatTitle    string      `json:"new_chat_title"`
	PinnedMessage   *Message    `json:"pinned_message"`
	MigrateToChatID int64       `json:"migrate_to_chat_id"`
}

// Chat identifies a Telegram chat.
type Chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"` // private, group, supergroup, channel
	Title     string `json:"title"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// User is a Telegram account.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// MessageReactionUpdated reports a user's full reaction set on one message.
type MessageReactionUpdated struct {
	Chat        Chat           `json:"chat"`
	MessageID   int64          `json:"message_id"`
	User        *User          `json:"user"`
	Date        int64          `json:"date"`
	OldReaction []ReactionType `json:"old_reaction"`
	NewReaction []ReactionType `json:"new_reaction"`
}

// ReactionType is a single reaction; only emoji reactions are handled.
type ReactionType struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji,omitempty"`
}

// Document is an attached file.
type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// PhotoSize is one rendition of an attached photo, smallest first.
type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size"`
}

// File resolves a file_id to a downloadable path.
type File struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}

// APIError is a Bot API failure response.
type APIError struct {
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: api error %d: %s", e.Code, e.Description)
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Client is a minimal Bot API client. Telegram has no official Go SDK; the
// API is plain JSON over HTTPS.
type Client struct {
	http  *http.Client
	base  string
	token string
}

// NewClient creates a Bot API client. An empty APIBase selects the public
// endpoint.
func NewClient(cfg config.TelegramConfig) *Client {
	base := cfg.APIBase
	if base == "" {
		base = defaultAPIBase
	}
	return &Client{
		// Long polls hold the connection open for up to pollTimeout seconds.
		http:  &http.Client{Timeout: 90 * time.Second},
		base:  base,
		token: cfg.BotToken,
	}
}

// call POSTs one Bot API method with JSON params and decodes the result.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s params: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp.Body, method, result)
}

// upload POSTs one Bot API method as multipart form data with a single
// attached file.
func (c *Client) upload(ctx context.Context, method, field, path string, params map[string]string, result any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram: open upload %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, value := range params {
		if err := w.WriteField(key, value); err != nil {
			return err
		}
	}
	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp.Body, method, result)
}

func decodeEnvelope(r io.Reader, method string, result any) error {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !env.OK {
		apiErr := &APIError{Code: env.ErrorCode, Description: env.Description}
		if env.Parameters != nil {
			apiErr.RetryAfter = env.Parameters.RetryAfter
		}
		return apiErr
	}
	if result != nil {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("telegram: decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.base, c.token, method)
}

// fileDownloadURL builds the download URL for a path returned by getFile.
func (c *Client) fileDownloadURL(filePath string) string {
	return fmt.Sprintf("%s/file/bot%s/%s", c.base, c.token, filePath)
}

package zulip

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chatwire/chatwire/internal/config"
)

// Zulip REST wire types, limited to the fields the adapter reads.

// Message is a Zulip message.
type Message struct {
	ID               int64            `json:"id"`
	SenderID         int64            `json:"sender_id"`
	SenderFullName   string           `json:"sender_full_name"`
	SenderEmail      string           `json:"sender_email"`
	Content          string           `json:"content"`
	Timestamp        int64            `json:"timestamp"`
	Type             string           `json:"type"` // private or stream
	StreamID         int64            `json:"stream_id"`
	Subject          string           `json:"subject"`
	DisplayRecipient DisplayRecipient `json:"display_recipient"`
}

// Recipient is one participant of a private message.
type Recipient struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

// DisplayRecipient is the stream name for stream messages or the participant
// list for private ones; Zulip serializes it as either a string or an array.
type DisplayRecipient struct {
	Name  string
	Users []Recipient
}

func (d *DisplayRecipient) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &d.Name)
	}
	return json.Unmarshal(data, &d.Users)
}

// Event is one entry from the event queue.
type Event struct {
	ID      int64    `json:"id"`
	Type    string   `json:"type"`
	Op      string   `json:"op"` // reaction events: add or remove
	Message *Message `json:"message"`

	// update_message fields (flat on the event).
	MessageID     int64   `json:"message_id"`
	MessageIDs    []int64 `json:"message_ids"`
	Content       string  `json:"content"`
	OrigContent   string  `json:"orig_content"`
	Subject       string  `json:"subject"`
	OrigSubject   string  `json:"orig_subject"`
	StreamID      int64   `json:"stream_id"`
	EditTimestamp int64   `json:"edit_timestamp"`

	// reaction fields.
	EmojiName string `json:"emoji_name"`
	UserID    int64  `json:"user_id"`
}

type registerResponse struct {
	QueueID     string `json:"queue_id"`
	LastEventID int64  `json:"last_event_id"`
}

type eventsResponse struct {
	Events []Event `json:"events"`
}

type sendResponse struct {
	ID int64 `json:"id"`
}

type messagesResponse struct {
	Messages []Message `json:"messages"`
}

type ownUserResponse struct {
	UserID   int64  `json:"user_id"`
	FullName string `json:"full_name"`
}

type uploadResponse struct {
	URI string `json:"uri"`
}

type apiResponse struct {
	Result     string  `json:"result"`
	Msg        string  `json:"msg"`
	Code       string  `json:"code"`
	RetryAfter float64 `json:"retry-after"`
}

// APIError is a Zulip REST failure response.
type APIError struct {
	HTTPStatus int
	Code       string
	Msg        string
	RetryAfter float64
}

func (e *APIError) Error() string {
	return fmt.Sprintf("zulip: api error %s (%d): %s", e.Code, e.HTTPStatus, e.Msg)
}

// badEventQueue reports whether the error means our event queue expired and a
// fresh registration is needed.
func badEventQueue(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == "BAD_EVENT_QUEUE_ID"
}

// Client is a minimal Zulip REST client authenticating with the bot's email
// and API key. Zulip has no maintained Go SDK; the API is form-encoded HTTPS.
type Client struct {
	http   *http.Client
	base   string
	email  string
	apiKey string
}

// NewClient creates a Zulip REST client for the configured site.
func NewClient(cfg config.ZulipConfig) *Client {
	return &Client{
		// Event polls hold the connection open until an event arrives.
		http:   &http.Client{Timeout: 120 * time.Second},
		base:   strings.TrimRight(cfg.Site, "/"),
		email:  cfg.Email,
		apiKey: cfg.APIKey,
	}
}

// AuthHeaders returns the Basic auth header attachment downloads need.
func (c *Client) AuthHeaders() map[string]string {
	return map[string]string{"Authorization": c.authorization()}
}

func (c *Client) authorization() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.email+":"+c.apiKey))
}

// do executes one REST call. GET and DELETE carry params in the query string,
// everything else as a form body.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, result any) error {
	endpoint := c.base + path
	var body io.Reader
	if form != nil {
		if method == http.MethodGet || method == http.MethodDelete {
			endpoint += "?" + form.Encode()
		} else {
			body = strings.NewReader(form.Encode())
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.authorization())
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("zulip: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, path, result)
}

// upload POSTs one file as multipart form data.
func (c *Client) upload(ctx context.Context, path, filePath string, result any) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("zulip: open upload %s: %w", filePath, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.authorization())
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("zulip: upload %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, path, result)
}

func decodeResponse(resp *http.Response, path string, result any) error {
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("zulip: read %s response: %w", path, err)
	}
	var status apiResponse
	if err := json.Unmarshal(payload, &status); err != nil {
		return fmt.Errorf("zulip: decode %s response: %w", path, err)
	}
	if status.Result != "success" {
		return &APIError{
			HTTPStatus: resp.StatusCode,
			Code:       status.Code,
			Msg:        status.Msg,
			RetryAfter: status.RetryAfter,
		}
	}
	if result != nil {
		if err := json.Unmarshal(payload, result); err != nil {
			return fmt.Errorf("zulip: decode %s result: %w", path, err)
		}
	}
	return nil
}

// fileDownloadURL resolves a /user_uploads path against the site.
func (c *Client) fileDownloadURL(path string) string {
	return c.base + path
}

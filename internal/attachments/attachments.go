// Package attachments moves attachment payloads between the platforms and the
// on-disk attachment cache: downloading incoming files and staging outgoing
// ones, with content-type sniffing and size enforcement.
package attachments

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/chatwire/chatwire/internal/cache"
	"github.com/chatwire/chatwire/internal/ratelimit"
)

// Source describes one remote attachment to download.
type Source struct {
	AttachmentID string
	URL          string
	Filename     string
	// Headers carries platform auth (e.g. a bearer token for Slack's file
	// endpoints). Nil for public CDNs.
	Headers map[string]string
}

// Downloader fetches attachment payloads into the cache layout.
type Downloader struct {
	cache    *cache.AttachmentCache
	limiter  *ratelimit.Limiter
	client   *http.Client
	maxBytes int64
}

// DownloaderOpts carries the downloader's dependencies.
type DownloaderOpts struct {
	Cache         *cache.AttachmentCache
	Limiter       *ratelimit.Limiter
	Client        *http.Client
	MaxFileSizeMB int
}

// NewDownloader creates a Downloader. A nil HTTP client gets a default with a
// sane timeout.
func NewDownloader(o DownloaderOpts) *Downloader {
	client := o.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Downloader{
		cache:    o.Cache,
		limiter:  o.Limiter,
		client:   client,
		maxBytes: int64(o.MaxFileSizeMB) * 1024 * 1024,
	}
}

// Download fetches one attachment, sniffs its type, and stores payload plus
// metadata under the cache layout. Already-cached attachments are returned
// without refetching; only the conversation reference is added.
func (d *Downloader) Download(ctx context.Context, conversationID string, src Source) (*cache.CachedAttachment, error) {
	if existing := d.cache.Get(src.AttachmentID); existing != nil {
		d.cache.AddConversation(src.AttachmentID, conversationID)
		return existing, nil
	}

	if err := d.limiter.Acquire(ctx, ratelimit.Download, conversationID); err != nil {
		return nil, err
	}
	payload, err := d.fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	return d.store(conversationID, src, payload)
}

func (d *Downloader) fetch(ctx context.Context, src Source) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("attachments: build request for %s: %w", src.AttachmentID, err)
	}
	for key, value := range src.Headers {
		req.Header.Set(key, value)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attachments: download %s: %w", src.AttachmentID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attachments: download %s: unexpected status %d", src.AttachmentID, resp.StatusCode)
	}

	reader := io.Reader(resp.Body)
	if d.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, d.maxBytes+1)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("attachments: read %s: %w", src.AttachmentID, err)
	}
	if d.maxBytes > 0 && int64(len(payload)) > d.maxBytes {
		return nil, fmt.Errorf("attachments: %s exceeds size limit of %d bytes", src.AttachmentID, d.maxBytes)
	}
	return payload, nil
}

func (d *Downloader) store(conversationID string, src Source, payload []byte) (*cache.CachedAttachment, error) {
	mtype := mimetype.Detect(payload)
	ext := extensionFor(src.Filename, mtype)

	att := &cache.CachedAttachment{
		AttachmentID:   src.AttachmentID,
		AttachmentType: TypeForMIME(mtype.String()),
		FileExtension:  ext,
		Filename:       src.Filename,
		ContentType:    mtype.String(),
		URL:            src.URL,
		Processable:    Processable(mtype.String()),
		Size:           int64(len(payload)),
	}
	att, err := d.cache.Add(conversationID, att)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(d.cache.StorageDir(), att.FilePath())
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return nil, fmt.Errorf("attachments: write payload %s: %w", src.AttachmentID, err)
	}
	log.Printf("attachments: stored %s (%s, %d bytes)", src.AttachmentID, att.ContentType, att.Size)
	return att, nil
}

// Stage copies a local file into the cache layout, used when an outgoing
// upload should also be retained locally.
func Stage(c *cache.AttachmentCache, conversationID, attachmentID, path string) (*cache.CachedAttachment, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("attachments: read staged file %s: %w", path, err)
	}
	mtype := mimetype.Detect(payload)
	att := &cache.CachedAttachment{
		AttachmentID:   attachmentID,
		AttachmentType: TypeForMIME(mtype.String()),
		FileExtension:  extensionFor(filepath.Base(path), mtype),
		Filename:       filepath.Base(path),
		ContentType:    mtype.String(),
		Processable:    Processable(mtype.String()),
		Size:           int64(len(payload)),
	}
	att, err = c.Add(conversationID, att)
	if err != nil {
		return nil, err
	}
	dst := filepath.Join(c.StorageDir(), att.FilePath())
	if err := os.WriteFile(dst, payload, 0o644); err != nil {
		return nil, fmt.Errorf("attachments: stage %s: %w", attachmentID, err)
	}
	return att, nil
}

// extensionFor prefers the original filename's extension, falling back to the
// sniffed type's.
func extensionFor(filename string, mtype *mimetype.MIME) string {
	if ext := filepath.Ext(filename); ext != "" {
		return strings.ToLower(ext)
	}
	return mtype.Extension()
}

// TypeForMIME maps a MIME type onto the attachment storage categories.
func TypeForMIME(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	case strings.HasPrefix(contentType, "text/"):
		return "document"
	case contentType == "application/pdf":
		return "document"
	default:
		return "file"
	}
}

// Processable reports whether the upstream host can consume the payload
// directly (inline text or images).
func Processable(contentType string) bool {
	return strings.HasPrefix(contentType, "text/") || strings.HasPrefix(contentType, "image/")
}

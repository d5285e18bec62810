package cache

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/config"
)

// CachedAttachment describes one downloaded attachment on disk. The payload
// lives at <storage_dir>/<type>/<id>/<id><ext> with a sibling <id>.json holding
// this metadata (minus the conversation references, which are rebuilt from the
// message cache on restart).
type CachedAttachment struct {
	AttachmentID   string `json:"attachment_id"`
	AttachmentType string `json:"attachment_type"`
	FileExtension  string `json:"file_extension,omitempty"`
	Filename       string `json:"filename,omitempty"`
	ContentType    string `json:"content_type,omitempty"`
	URL            string `json:"url,omitempty"`
	Processable    bool   `json:"processable"`
	Size           int64  `json:"size"`
	CreatedAt      string `json:"created_at"` // RFC 3339

	Conversations map[string]struct{} `json:"-"`
}

// FilePath returns the payload path relative to the storage directory.
func (a *CachedAttachment) FilePath() string {
	return filepath.Join(a.AttachmentType, a.AttachmentID, a.AttachmentID+a.FileExtension)
}

// MetadataPath returns the metadata path relative to the storage directory.
func (a *CachedAttachment) MetadataPath() string {
	return filepath.Join(a.AttachmentType, a.AttachmentID, a.AttachmentID+".json")
}

func (a *CachedAttachment) createdAt() time.Time {
	t, err := time.Parse(time.RFC3339, a.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// AttachmentCache indexes attachments stored on disk and tracks which
// conversations reference each one.
type AttachmentCache struct {
	mu          sync.Mutex
	storageDir  string
	attachments map[string]*CachedAttachment

	maxAge   time.Duration
	maxTotal int
}

// NewAttachmentCache creates the cache rooted at the configured storage
// directory and loads metadata for attachments already on disk.
func NewAttachmentCache(cfg config.AttachmentsConfig) (*AttachmentCache, error) {
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create attachment storage %s: %w", cfg.StorageDir, err)
	}
	c := &AttachmentCache{
		storageDir:  cfg.StorageDir,
		attachments: make(map[string]*CachedAttachment),
		maxAge:      time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		maxTotal:    cfg.MaxTotalAttachments,
	}
	if err := c.loadExisting(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadExisting scans <storage_dir>/<type>/<id>/<id>.json and indexes every
// attachment found. Conversation references start empty; they come back as
// messages are re-added.
func (c *AttachmentCache) loadExisting() error {
	types, err := os.ReadDir(c.storageDir)
	if err != nil {
		return fmt.Errorf("cache: scan attachment storage: %w", err)
	}
	for _, typeEntry := range types {
		if !typeEntry.IsDir() {
			continue
		}
		ids, err := os.ReadDir(filepath.Join(c.storageDir, typeEntry.Name()))
		if err != nil {
			continue
		}
		for _, idEntry := range ids {
			if !idEntry.IsDir() {
				continue
			}
			id := idEntry.Name()
			metaPath := filepath.Join(c.storageDir, typeEntry.Name(), id, id+".json")
			data, err := os.ReadFile(metaPath)
			if err != nil {
				continue
			}
			var att CachedAttachment
			if err := json.Unmarshal(data, &att); err != nil {
				log.Printf("cache: skipping malformed attachment metadata %s: %v", metaPath, err)
				continue
			}
			att.Conversations = make(map[string]struct{})
			c.attachments[att.AttachmentID] = &att
		}
	}
	if len(c.attachments) > 0 {
		log.Printf("cache: loaded %d attachments from %s", len(c.attachments), c.storageDir)
	}
	return nil
}

// StorageDir returns the cache's root directory.
func (c *AttachmentCache) StorageDir() string {
	return c.storageDir
}

// Add records an attachment, creating it on first sight, and adds a reference
// from the conversation. The returned record is the cached one.
func (c *AttachmentCache) Add(conversationID string, att *CachedAttachment) (*CachedAttachment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.attachments[att.AttachmentID]
	if !ok {
		if att.Conversations == nil {
			att.Conversations = make(map[string]struct{})
		}
		if att.CreatedAt == "" {
			att.CreatedAt = time.Now().UTC().Format(time.RFC3339)
		}
		if err := c.writeMetadataLocked(att); err != nil {
			return nil, err
		}
		c.attachments[att.AttachmentID] = att
		existing = att
	}
	if conversationID != "" {
		existing.Conversations[conversationID] = struct{}{}
	}
	return existing, nil
}

// Get returns the cached attachment, or nil if unknown.
func (c *AttachmentCache) Get(attachmentID string) *CachedAttachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachments[attachmentID]
}

// AddConversation adds a conversation reference to an existing attachment.
func (c *AttachmentCache) AddConversation(attachmentID, conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if att, ok := c.attachments[attachmentID]; ok {
		att.Conversations[conversationID] = struct{}{}
	}
}

// RemoveConversation drops a conversation's reference to an attachment. The
// attachment itself stays on disk until maintenance evicts it.
func (c *AttachmentCache) RemoveConversation(attachmentID, conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if att, ok := c.attachments[attachmentID]; ok {
		delete(att.Conversations, conversationID)
	}
}

// Remove deletes an attachment's files and metadata and forgets it.
func (c *AttachmentCache) Remove(attachmentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(attachmentID)
}

func (c *AttachmentCache) removeLocked(attachmentID string) error {
	att, ok := c.attachments[attachmentID]
	if !ok {
		return nil
	}
	dir := filepath.Join(c.storageDir, att.AttachmentType, att.AttachmentID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("cache: remove attachment %s: %w", attachmentID, err)
	}
	delete(c.attachments, attachmentID)
	return nil
}

// Len returns the number of cached attachments.
func (c *AttachmentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attachments)
}

// Maintain runs one maintenance pass: evict attachments past the age limit,
// then evict oldest-first down to the total limit.
func (c *AttachmentCache) Maintain() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxAge > 0 {
		cutoff := time.Now().Add(-c.maxAge)
		for id, att := range c.attachments {
			if created := att.createdAt(); !created.IsZero() && created.Before(cutoff) {
				if err := c.removeLocked(id); err != nil {
					log.Printf("cache: %v", err)
				}
			}
		}
	}

	if c.maxTotal > 0 && len(c.attachments) > c.maxTotal {
		all := make([]*CachedAttachment, 0, len(c.attachments))
		for _, att := range c.attachments {
			all = append(all, att)
		}
		sort.Slice(all, func(i, j int) bool {
			return all[i].createdAt().Before(all[j].createdAt())
		})
		for _, att := range all[:len(all)-c.maxTotal] {
			if err := c.removeLocked(att.AttachmentID); err != nil {
				log.Printf("cache: %v", err)
			}
		}
	}
	log.Printf("cache: attachment maintenance done, %d attachments cached", len(c.attachments))
}

// writeMetadataLocked persists an attachment's metadata JSON next to its
// payload, creating the directory if needed.
func (c *AttachmentCache) writeMetadataLocked(att *CachedAttachment) error {
	dir := filepath.Join(c.storageDir, att.AttachmentType, att.AttachmentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache: create attachment dir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(att, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal attachment metadata %s: %w", att.AttachmentID, err)
	}
	path := filepath.Join(c.storageDir, att.MetadataPath())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cache: write attachment metadata %s: %w", path, err)
	}
	return nil
}

// Package textfile is the file-system adapter: the bot host edits text files
// through the canonical command vocabulary, and every mutation is journaled so
// it can be undone.
package textfile

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatwire/chatwire/internal/config"
)

type action string

const (
	actionCreate action = "create"
	actionUpdate action = "update"
	actionDelete action = "delete"
)

// fileEvent is one undo-log entry. The action is the INVERSE operation: a
// recorded creation stores a delete action, a recorded update or deletion
// stores the backup that restores the prior content.
type fileEvent struct {
	action     action
	timestamp  time.Time
	backupPath string
}

// EventCache journals file mutations per path so the latest one can be undone.
// Backups live under a dedicated directory, one subdirectory per event.
type EventCache struct {
	mu         sync.Mutex
	backupDir  string
	ttl        time.Duration
	maxPerFile int
	events     map[string][]*fileEvent
}

// NewEventCache creates the journal and its backup directory.
func NewEventCache(cfg config.TextFileConfig) (*EventCache, error) {
	backupDir := cfg.BackupDirectory
	if backupDir == "" {
		backupDir = filepath.Join(os.TempDir(), "chatwire-file-backups")
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("textfile: create backup directory: %w", err)
	}
	return &EventCache{
		backupDir:  backupDir,
		ttl:        time.Duration(cfg.EventTTLHours) * time.Hour,
		maxPerFile: cfg.MaxEventsPerFile,
		events:     make(map[string][]*fileEvent),
	}, nil
}

// RecordCreate journals a file creation. Undoing it deletes the file.
func (c *EventCache) RecordCreate(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.push(path, &fileEvent{action: actionDelete, timestamp: time.Now()})
	return nil
}

// RecordUpdate journals an in-place modification, snapshotting the current
// content first.
func (c *EventCache) RecordUpdate(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	backup, err := c.backup(path)
	if err != nil {
		return err
	}
	c.push(path, &fileEvent{action: actionUpdate, timestamp: time.Now(), backupPath: backup})
	return nil
}

// RecordDelete journals an upcoming deletion, snapshotting the content so the
// file can be recreated.
func (c *EventCache) RecordDelete(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	backup, err := c.backup(path)
	if err != nil {
		return err
	}
	c.push(path, &fileEvent{action: actionCreate, timestamp: time.Now(), backupPath: backup})
	return nil
}

// RecordMove drops the old path's history. Moves are not undoable; journaling
// a synthetic inverse move would race with later edits at the new path.
func (c *EventCache) RecordMove(oldPath, newPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events[oldPath] {
		c.dropBackup(ev)
	}
	delete(c.events, oldPath)
}

// Undo reverts the most recent journaled mutation of path.
func (c *EventCache) Undo(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.events[path]
	if len(entries) == 0 {
		return fmt.Errorf("textfile: no recorded events for %s", path)
	}
	ev := entries[len(entries)-1]
	if len(entries) == 1 {
		delete(c.events, path)
	} else {
		c.events[path] = entries[:len(entries)-1]
	}

	switch ev.action {
	case actionCreate, actionUpdate:
		err := restore(ev.backupPath, path)
		c.dropBackup(ev)
		return err
	case actionDelete:
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("textfile: undo create of %s: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("textfile: unknown journal action %q", ev.action)
}

// Cleanup drops journal entries older than the TTL along with their backups
// and returns how many were removed.
func (c *EventCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-c.ttl)
	removed := 0
	for path, entries := range c.events {
		kept := entries[:0]
		for _, ev := range entries {
			if ev.timestamp.Before(cutoff) {
				c.dropBackup(ev)
				removed++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(c.events, path)
		} else {
			c.events[path] = kept
		}
	}
	return removed
}

// Stop discards the whole journal and its backup directory.
func (c *EventCache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = make(map[string][]*fileEvent)
	if err := os.RemoveAll(c.backupDir); err != nil {
		log.Printf("textfile: remove backup directory: %v", err)
	}
}

// EventCount returns the number of journaled events for path.
func (c *EventCache) EventCount(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events[path])
}

// push appends an entry, evicting the oldest once the per-file cap is hit.
func (c *EventCache) push(path string, ev *fileEvent) {
	entries := append(c.events[path], ev)
	if c.maxPerFile > 0 && len(entries) > c.maxPerFile {
		c.dropBackup(entries[0])
		entries = entries[1:]
	}
	c.events[path] = entries
}

// backup copies path's current content into a fresh backup subdirectory and
// returns the backup file path.
func (c *EventCache) backup(path string) (string, error) {
	dir := filepath.Join(c.backupDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("textfile: create backup dir for %s: %w", path, err)
	}
	dst := filepath.Join(dir, "original_content.bak")
	if err := copyFile(path, dst); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("textfile: back up %s: %w", path, err)
	}
	return dst, nil
}

func (c *EventCache) dropBackup(ev *fileEvent) {
	if ev.backupPath == "" {
		return
	}
	if err := os.RemoveAll(filepath.Dir(ev.backupPath)); err != nil {
		log.Printf("textfile: remove backup %s: %v", ev.backupPath, err)
	}
}

func restore(backupPath, originalPath string) error {
	if err := os.MkdirAll(filepath.Dir(originalPath), 0o755); err != nil {
		return fmt.Errorf("textfile: recreate parent of %s: %w", originalPath, err)
	}
	if err := copyFile(backupPath, originalPath); err != nil {
		return fmt.Errorf("textfile: restore %s: %w", originalPath, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

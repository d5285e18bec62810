package textfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chatwire/chatwire/internal/config"
)

func newTestCache(t *testing.T, cfg config.TextFileConfig) *EventCache {
	t.Helper()
	if cfg.BackupDirectory == "" {
		cfg.BackupDirectory = t.TempDir()
	}
	if cfg.EventTTLHours == 0 {
		cfg.EventTTLHours = 24
	}
	if cfg.MaxEventsPerFile == 0 {
		cfg.MaxEventsPerFile = 10
	}
	c, err := NewEventCache(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUndoUpdateRestoresContent(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, config.TextFileConfig{})
	path := writeTemp(t, dir, "a.txt", "original")

	if err := c.RecordUpdate(path); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(path, []byte("modified"), 0o644)

	if err := c.Undo(path); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "original" {
		t.Errorf("content = %q, want original restored", got)
	}
}

func TestUndoDeleteRecreatesFile(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, config.TextFileConfig{})
	path := writeTemp(t, dir, "a.txt", "keep me")

	if err := c.RecordDelete(path); err != nil {
		t.Fatal(err)
	}
	os.Remove(path)

	if err := c.Undo(path); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "keep me" {
		t.Errorf("restored file = %q, %v", got, err)
	}
}

func TestUndoCreateRemovesFile(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, config.TextFileConfig{})
	path := filepath.Join(dir, "new.txt")

	if err := c.RecordCreate(path); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(path, []byte("fresh"), 0o644)

	if err := c.Undo(path); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file still exists after undoing its creation")
	}
}

func TestUndoWithoutHistoryFails(t *testing.T) {
	c := newTestCache(t, config.TextFileConfig{})
	if err := c.Undo("/nope.txt"); err == nil {
		t.Error("Undo succeeded with no recorded events")
	}
}

func TestMoveDropsHistory(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, config.TextFileConfig{})
	path := writeTemp(t, dir, "a.txt", "v1")

	if err := c.RecordUpdate(path); err != nil {
		t.Fatal(err)
	}
	newPath := filepath.Join(dir, "b.txt")
	c.RecordMove(path, newPath)

	if c.EventCount(path) != 0 {
		t.Errorf("EventCount = %d after move, want 0", c.EventCount(path))
	}
	if err := c.Undo(path); err == nil {
		t.Error("Undo succeeded on a moved-away path")
	}
}

func TestPerFileCapEvictsOldest(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, config.TextFileConfig{MaxEventsPerFile: 2})
	path := writeTemp(t, dir, "a.txt", "v1")

	for _, next := range []string{"v2", "v3", "v4"} {
		if err := c.RecordUpdate(path); err != nil {
			t.Fatal(err)
		}
		os.WriteFile(path, []byte(next), 0o644)
	}
	if c.EventCount(path) != 2 {
		t.Fatalf("EventCount = %d, want 2", c.EventCount(path))
	}

	// Two undos walk back to v2; the v1 snapshot was evicted.
	c.Undo(path)
	c.Undo(path)
	got, _ := os.ReadFile(path)
	if string(got) != "v2" {
		t.Errorf("content = %q, want v2 after exhausting the journal", got)
	}
	if err := c.Undo(path); err == nil {
		t.Error("Undo succeeded past the evicted entry")
	}
}

func TestCleanupExpiresEventsAndBackups(t *testing.T) {
	dir := t.TempDir()
	backups := t.TempDir()
	cfg := config.TextFileConfig{BackupDirectory: backups, MaxEventsPerFile: 10}
	// Zero TTL expires everything immediately.
	c, err := NewEventCache(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := writeTemp(t, dir, "a.txt", "v1")
	if err := c.RecordUpdate(path); err != nil {
		t.Fatal(err)
	}

	if removed := c.Cleanup(); removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	if c.EventCount(path) != 0 {
		t.Error("expired event still journaled")
	}
	entries, _ := os.ReadDir(backups)
	if len(entries) != 0 {
		t.Errorf("backup directory still has %d entries", len(entries))
	}
}

func TestCleanupKeepsFreshEvents(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, config.TextFileConfig{EventTTLHours: 1})
	path := writeTemp(t, dir, "a.txt", "v1")
	if err := c.RecordUpdate(path); err != nil {
		t.Fatal(err)
	}
	if removed := c.Cleanup(); removed != 0 {
		t.Errorf("Cleanup removed %d fresh events", removed)
	}
	if c.EventCount(path) != 1 {
		t.Error("fresh event dropped")
	}
}

func TestStopRemovesBackupDirectory(t *testing.T) {
	backups := filepath.Join(t.TempDir(), "backups")
	c := newTestCache(t, config.TextFileConfig{BackupDirectory: backups})
	dir := t.TempDir()
	path := writeTemp(t, dir, "a.txt", "v1")
	if err := c.RecordUpdate(path); err != nil {
		t.Fatal(err)
	}

	c.Stop()
	if _, err := os.Stat(backups); !os.IsNotExist(err) {
		t.Error("backup directory survived Stop")
	}
}

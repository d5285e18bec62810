package textfile

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/events"
)

// Processor executes the file command vocabulary against the base directory.
// It satisfies the bus Processor interface; every mutation is journaled in the
// undo log first.
type Processor struct {
	baseDir   string
	allowed   []string
	undoLog   *EventCache
	validator *Validator
}

// NewProcessor builds the file command processor.
func NewProcessor(cfg config.TextFileConfig, undoLog *EventCache) *Processor {
	allowed := make([]string, 0, len(cfg.AllowedDirectories)+1)
	allowed = append(allowed, filepath.Clean(cfg.BaseDirectory))
	for _, dir := range cfg.AllowedDirectories {
		allowed = append(allowed, filepath.Clean(dir))
	}
	return &Processor{
		baseDir:   cfg.BaseDirectory,
		allowed:   allowed,
		undoLog:   undoLog,
		validator: NewValidator(cfg),
	}
}

// Process executes one file command. Failures are logged and reported through
// the result, never propagated.
func (p *Processor) Process(ctx context.Context, req events.OutgoingRequest) events.Result {
	res, err := p.dispatch(req)
	if err != nil {
		log.Printf("textfile: %s failed: %v", req.EventType, err)
		return events.Failed()
	}
	res.RequestCompleted = true
	return res
}

func (p *Processor) dispatch(req events.OutgoingRequest) (events.Result, error) {
	switch req.EventType {
	case events.ViewDirectory:
		return p.view(req.Data)
	case events.ReadFile:
		return p.read(req.Data)
	case events.CreateFile:
		return events.Result{}, p.create(req.Data)
	case events.DeleteFile:
		return events.Result{}, p.delete(req.Data)
	case events.MoveFile:
		return events.Result{}, p.move(req.Data)
	case events.UpdateFile:
		return events.Result{}, p.update(req.Data)
	case events.InsertIntoFile:
		return events.Result{}, p.insert(req.Data)
	case events.ReplaceInFile:
		return events.Result{}, p.replace(req.Data)
	case events.UndoFileChange:
		return events.Result{}, p.undo(req.Data)
	default:
		return events.Result{}, fmt.Errorf("unknown file command %q", req.EventType)
	}
}

func (p *Processor) view(data events.OutgoingData) (events.Result, error) {
	path, err := p.sanitize(data.Path)
	if err != nil {
		return events.Result{}, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return events.Result{}, fmt.Errorf("view %s: %w", path, err)
	}
	files := []string{}
	directories := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			directories = append(directories, entry.Name())
		} else {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	sort.Strings(directories)
	return events.Result{Files: files, Directories: directories}, nil
}

func (p *Processor) read(data events.OutgoingData) (events.Result, error) {
	path, err := p.sanitize(data.Path)
	if err != nil {
		return events.Result{}, err
	}
	if err := p.validator.Validate(path); err != nil {
		return events.Result{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return events.Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	content := string(raw)
	if len(data.LineRange) == 2 {
		lines := splitLines(content)
		start, end := data.LineRange[0], data.LineRange[1]
		if start < 0 {
			start = 0
		}
		if end > len(lines) {
			end = len(lines)
		}
		if start > end {
			start = end
		}
		content = strings.Join(lines[start:end], "")
	}
	return events.Result{Content: content}, nil
}

func (p *Processor) create(data events.OutgoingData) error {
	path, err := p.sanitize(data.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := p.undoLog.RecordCreate(path); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(data.Content), 0o644)
}

func (p *Processor) delete(data events.OutgoingData) error {
	path, err := p.sanitizeExisting(data.Path)
	if err != nil {
		return err
	}
	if err := p.undoLog.RecordDelete(path); err != nil {
		return err
	}
	return os.Remove(path)
}

func (p *Processor) move(data events.OutgoingData) error {
	src, err := p.sanitizeExisting(data.SourcePath)
	if err != nil {
		return err
	}
	dst, err := p.sanitize(data.DestinationPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("move %s: %w", dst, err)
	}
	p.undoLog.RecordMove(src, dst)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s to %s: %w", src, dst, err)
	}
	log.Printf("textfile: moved %s to %s, move cannot be undone", src, dst)
	return nil
}

func (p *Processor) update(data events.OutgoingData) error {
	path, err := p.sanitizeExisting(data.Path)
	if err != nil {
		return err
	}
	if err := p.undoLog.RecordUpdate(path); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(data.Content), 0o644)
}

func (p *Processor) insert(data events.OutgoingData) error {
	path, err := p.sanitizeExisting(data.Path)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", path, err)
	}
	if err := p.undoLog.RecordUpdate(path); err != nil {
		return err
	}

	lines := splitLines(string(raw))
	at := data.Line
	switch {
	case at <= 0:
		lines = append([]string{data.Content}, lines...)
	case at >= len(lines):
		lines = append(lines, data.Content)
	default:
		lines = append(lines[:at], append([]string{data.Content}, lines[at:]...)...)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "")), 0o644)
}

func (p *Processor) replace(data events.OutgoingData) error {
	path, err := p.sanitizeExisting(data.Path)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("replace in %s: %w", path, err)
	}
	if err := p.undoLog.RecordUpdate(path); err != nil {
		return err
	}
	updated := strings.ReplaceAll(string(raw), data.OldString, data.NewString)
	return os.WriteFile(path, []byte(updated), 0o644)
}

func (p *Processor) undo(data events.OutgoingData) error {
	path, err := p.sanitize(data.Path)
	if err != nil {
		return err
	}
	return p.undoLog.Undo(path)
}

// sanitize resolves a command path: relative paths anchor at the base
// directory, absolute paths must fall under an allowed directory.
func (p *Processor) sanitize(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(path) {
		return filepath.Clean(filepath.Join(p.baseDir, path)), nil
	}
	abs := filepath.Clean(path)
	for _, dir := range p.allowed {
		if abs == dir || strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("access denied to path outside allowed directories: %s", abs)
}

func (p *Processor) sanitizeExisting(path string) (string, error) {
	abs, err := p.sanitize(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("path does not exist: %s", abs)
	}
	return abs, nil
}

// splitLines splits keeping line terminators, so joins reproduce the content
// byte for byte.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.SplitAfter(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

package textfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/chatwire/chatwire/internal/config"
)

// Security modes for the read-back policy.
const (
	SecurityStrict       = "strict"       // only allowed_extensions
	SecurityPermissive   = "permissive"   // everything but blocked_extensions
	SecurityUnrestricted = "unrestricted" // any extension
)

const charsPerToken = 4

// Validator enforces the read-back policy: extension rules, textual content,
// and size/token ceilings. Files failing it are never sent to the host.
type Validator struct {
	maxBytes  int64
	maxTokens int
	mode      string
	allowed   map[string]struct{}
	blocked   map[string]struct{}
}

// NewValidator builds a Validator from the adapter config.
func NewValidator(cfg config.TextFileConfig) *Validator {
	return &Validator{
		maxBytes:  int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		maxTokens: cfg.MaxTokenCount,
		mode:      cfg.SecurityMode,
		allowed:   extensionSet(cfg.AllowedExtensions),
		blocked:   extensionSet(cfg.BlockedExtensions),
	}
}

func extensionSet(exts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		set[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	return set
}

// Validate reports whether path may be read back to the host.
func (v *Validator) Validate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("textfile: file does not exist: %s", path)
	}
	if info.IsDir() {
		return fmt.Errorf("textfile: path is not a file: %s", path)
	}
	if err := v.checkExtension(path); err != nil {
		return err
	}
	if err := checkTextual(path); err != nil {
		return err
	}
	if v.maxBytes > 0 && info.Size() > v.maxBytes {
		return fmt.Errorf("textfile: file size %dB exceeds limit of %dB", info.Size(), v.maxBytes)
	}
	if v.maxTokens > 0 {
		if estimated := int(info.Size()) / charsPerToken; estimated > v.maxTokens {
			return fmt.Errorf("textfile: estimated token count %d exceeds limit of %d", estimated, v.maxTokens)
		}
	}
	return nil
}

func (v *Validator) checkExtension(path string) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch v.mode {
	case SecurityUnrestricted:
		return nil
	case SecurityPermissive:
		if _, ok := v.blocked[ext]; ok {
			return fmt.Errorf("textfile: extension %q is blocked", ext)
		}
		return nil
	default:
		if _, ok := v.allowed[ext]; !ok {
			return fmt.Errorf("textfile: extension %q is not allowed", ext)
		}
		return nil
	}
}

// checkTextual sniffs the first KiB for binary content.
func checkTextual(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("textfile: open %s: %w", path, err)
	}
	defer f.Close()
	sample := make([]byte, 1024)
	n, err := f.Read(sample)
	if err != nil && err != io.EOF {
		return fmt.Errorf("textfile: read %s: %w", path, err)
	}
	sample = sample[:n]

	// A multi-byte rune may straddle the sample boundary; drop up to three
	// trailing bytes before judging validity.
	for i := 0; i < 3 && len(sample) > 0 && !utf8.Valid(sample); i++ {
		sample = sample[:len(sample)-1]
	}
	for _, b := range sample {
		if b == 0 {
			return fmt.Errorf("textfile: file is not textual: %s", path)
		}
	}
	if !utf8.Valid(sample) {
		return fmt.Errorf("textfile: file is not textual: %s", path)
	}
	return nil
}

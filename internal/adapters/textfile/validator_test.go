package textfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chatwire/chatwire/internal/config"
)

func validatorFixture(cfg config.TextFileConfig) *Validator {
	if cfg.MaxFileSizeMB == 0 {
		cfg.MaxFileSizeMB = 5
	}
	if cfg.MaxTokenCount == 0 {
		cfg.MaxTokenCount = 50000
	}
	return NewValidator(cfg)
}

func TestValidateMissingFile(t *testing.T) {
	v := validatorFixture(config.TextFileConfig{SecurityMode: SecurityUnrestricted})
	if err := v.Validate("/nonexistent.txt"); err == nil {
		t.Error("missing file validated")
	}
}

func TestValidateSecurityModes(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "a.exe", "content")

	strict := validatorFixture(config.TextFileConfig{SecurityMode: SecurityStrict, AllowedExtensions: []string{"txt"}})
	if err := strict.Validate(path); err == nil {
		t.Error("strict mode allowed an extension outside the allow list")
	}

	permissive := validatorFixture(config.TextFileConfig{SecurityMode: SecurityPermissive, BlockedExtensions: []string{"exe"}})
	if err := permissive.Validate(path); err == nil {
		t.Error("permissive mode allowed a blocked extension")
	}

	unrestricted := validatorFixture(config.TextFileConfig{SecurityMode: SecurityUnrestricted})
	if err := unrestricted.Validate(path); err != nil {
		t.Errorf("unrestricted mode rejected %v", err)
	}
}

func TestValidateRejectsBinaryContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte{'h', 'i', 0x00, 0x01}, 0o644); err != nil {
		t.Fatal(err)
	}
	v := validatorFixture(config.TextFileConfig{SecurityMode: SecurityUnrestricted})
	if err := v.Validate(path); err == nil {
		t.Error("binary content validated as textual")
	}
}

func TestValidateTokenCeiling(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "a.txt", "0123456789012345678901234567890123456789")

	v := validatorFixture(config.TextFileConfig{SecurityMode: SecurityUnrestricted, MaxTokenCount: 5})
	if err := v.Validate(path); err == nil {
		t.Error("file over the token ceiling validated")
	}
}

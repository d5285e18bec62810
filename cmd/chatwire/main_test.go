package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chatwire/chatwire/internal/config"
)

func configFor(typ string) config.AdapterConfig {
	return config.AdapterConfig{Type: typ, Name: "bot", ID: "1"}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "chatwire dev") {
		t.Errorf("expected output to contain 'chatwire dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestCheckCmdValidConfig(t *testing.T) {
	path := writeConfig(t, `
adapter:
  type: text_file
text_file:
  base_directory: /tmp/files
`)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"check", "--config", path})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("check command failed: %v", err)
	}
	if !strings.Contains(buf.String(), "adapter: text_file") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestCheckCmdRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `
adapter:
  type: discord
attachments:
  storage_dir: /tmp/atts
`)

	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"check", "--config", path})

	if err := cmd.Execute(); err == nil {
		t.Error("config without a discord bot token accepted")
	}
}

func TestStatusCmdUnreachableAdapter(t *testing.T) {
	path := writeConfig(t, `
adapter:
  type: text_file
text_file:
  base_directory: /tmp/files
socketio:
  host: 127.0.0.1
  port: 1
`)

	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"status", "--config", path})

	if err := cmd.Execute(); err == nil {
		t.Error("status succeeded with no adapter running")
	}
}

func TestBuildPlatformUnknownType(t *testing.T) {
	if _, _, err := buildPlatform(configFor("matrix")); err == nil {
		t.Error("unknown adapter type accepted")
	}
}

func TestBuildPlatformKnownTypes(t *testing.T) {
	for _, typ := range []string{"discord", "slack", "telegram", "zulip"} {
		platform, mentions, err := buildPlatform(configFor(typ))
		if err != nil {
			t.Errorf("%s: %v", typ, err)
			continue
		}
		if platform == nil || mentions == nil {
			t.Errorf("%s: incomplete platform wiring", typ)
		}
		if platform.AdapterType() != typ {
			t.Errorf("%s: adapter type = %q", typ, platform.AdapterType())
		}
	}
}

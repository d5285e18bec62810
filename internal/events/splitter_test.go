package events

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplitPrefersSentenceBoundaries(t *testing.T) {
	got := SplitMessage("Hi there. This is a longer sentence. End.", 20)
	want := []string{"Hi there. ", "This is a longer ", "sentence. End."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitMessage = %q, want %q", got, want)
	}
}

func TestSplitPreservesContent(t *testing.T) {
	inputs := []string{
		"Hi there. This is a longer sentence. End.",
		strings.Repeat("word ", 100),
		strings.Repeat("x", 95),
		"line one\nline two\nline three and some more text here",
		"no-spaces-" + strings.Repeat("y", 80),
	}
	for _, input := range inputs {
		parts := SplitMessage(input, 30)
		if strings.Join(parts, "") != input {
			t.Errorf("parts do not rejoin to input for %q", input)
		}
		for _, part := range parts {
			if part == "" {
				t.Errorf("empty part for input %q", input)
			}
			if len(part) > 30 {
				t.Errorf("part %q exceeds limit", part)
			}
		}
	}
}

func TestSplitShortTextUntouched(t *testing.T) {
	got := SplitMessage("short", 100)
	if len(got) != 1 || got[0] != "short" {
		t.Errorf("SplitMessage = %q, want [short]", got)
	}
}

func TestSplitNewlinePreferredOverSpace(t *testing.T) {
	text := "aaaa bbbb cccc\ndddd eeee ffff gggg"
	parts := SplitMessage(text, 20)
	if parts[0] != "aaaa bbbb cccc\n" {
		t.Errorf("first part = %q, want cut at newline", parts[0])
	}
}

func TestSplitHardCutKeepsRunesIntact(t *testing.T) {
	text := strings.Repeat("é", 30) // 2 bytes each, no spaces
	parts := SplitMessage(text, 21)
	for _, part := range parts {
		if !strings.HasPrefix(text, parts[0]) {
			t.Fatalf("unexpected first part %q", parts[0])
		}
		for _, r := range part {
			if r == '�' {
				t.Fatalf("part %q split a rune", part)
			}
		}
	}
	if strings.Join(parts, "") != text {
		t.Error("parts do not rejoin to input")
	}
}

package events

import (
	"strings"
	"unicode/utf8"
)

// sentenceSearchWindow bounds how far back from the length limit the splitter
// looks for a sentence boundary.
const sentenceSearchWindow = 200

// SplitMessage breaks text into parts no longer than maxLen bytes, preferring
// natural boundaries: a sentence terminator near the limit, else a newline
// past the midpoint, else a space past the midpoint, else a hard cut. Joining
// the parts recovers the original text; no part is empty.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 || len(text) <= maxLen {
		return []string{text}
	}
	var parts []string
	remaining := text
	for len(remaining) > maxLen {
		cut := splitIndex(remaining, maxLen)
		parts = append(parts, remaining[:cut])
		remaining = remaining[cut:]
	}
	if len(remaining) > 0 {
		parts = append(parts, remaining)
	}
	return parts
}

func splitIndex(s string, maxLen int) int {
	window := s[:maxLen]

	searchStart := 0
	if maxLen > sentenceSearchWindow {
		searchStart = maxLen - sentenceSearchWindow
	}
	for i := maxLen - 1; i >= searchStart; i-- {
		if !isSentenceEnd(window[i]) {
			continue
		}
		if i == maxLen-1 {
			return maxLen
		}
		if isSpace(s[i+1]) {
			return i + 2
		}
	}

	mid := maxLen / 2
	if idx := strings.LastIndexByte(window, '\n'); idx > mid {
		return idx + 1
	}
	if idx := strings.LastIndexByte(window, ' '); idx >= mid {
		return idx + 1
	}

	// Hard cut, backed off to a rune boundary.
	cut := maxLen
	for cut > 1 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return cut
}

func isSentenceEnd(c byte) bool {
	return c == '.' || c == '!' || c == '?'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}

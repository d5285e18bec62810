// Package emoji converts between platform-specific emoji names and the
// canonical name set used in cached reactions and bus events.
//
// Canonical names are lowercase with underscores ("thumbs_up"). Platforms that
// use different short names (Slack's "+1", Discord's "thumbsup") are bridged
// through a built-in variants table plus an optional CSV of per-deployment
// overrides. The CSV holds only names that differ from the canonical form.
package emoji

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// builtinVariants maps common platform-specific names to canonical names.
// Extended per deployment through the adapter.emoji_mappings CSV.
var builtinVariants = map[string]string{
	"+1":               "thumbs_up",
	"-1":               "thumbs_down",
	"thumbsup":         "thumbs_up",
	"thumbsdown":       "thumbs_down",
	"heart":            "red_heart",
	"hearts":           "revolving_hearts",
	"laughing":         "grinning_squinting_face",
	"smile":            "grinning_face_with_big_eyes",
	"smiley":           "grinning_face_with_smiling_eyes",
	"joy":              "face_with_tears_of_joy",
	"tada":             "party_popper",
	"clap":             "clapping_hands",
	"pray":             "folded_hands",
	"thinking":         "thinking_face",
	"check":            "check_mark",
	"white_check_mark": "check_mark_button",
	"x":                "cross_mark",
	"wave":             "waving_hand",
}

// Converter performs bidirectional emoji name conversion.
type Converter struct {
	platformToStandard map[string]string
	standardToPlatform map[string]string
}

// New creates a Converter from the built-in variants table alone.
func New() *Converter {
	c := &Converter{
		platformToStandard: make(map[string]string),
		standardToPlatform: make(map[string]string),
	}
	for platform, standard := range builtinVariants {
		c.add(platform, standard)
	}
	return c
}

// Load creates a Converter, layering CSV overrides from path on top of the
// built-in table. An empty path yields the built-in table; an unreadable or
// malformed file is an error.
func Load(path string) (*Converter, error) {
	c := New()
	if path == "" {
		return c, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("emoji: open mappings %s: %w", path, err)
	}
	defer f.Close()

	if err := c.readCSV(f); err != nil {
		return nil, fmt.Errorf("emoji: load mappings %s: %w", path, err)
	}
	return c, nil
}

// readCSV consumes rows of the form: platform_specific_name,standard_name.
// The first row is a header and is skipped.
func (c *Converter) readCSV(r io.Reader) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 2

	header := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if header {
			header = false
			continue
		}
		c.add(strings.TrimSpace(record[0]), strings.TrimSpace(record[1]))
	}
}

func (c *Converter) add(platform, standard string) {
	c.platformToStandard[platform] = standard
	c.standardToPlatform[standard] = platform
}

// ToStandard converts a platform-specific emoji name to its canonical form.
// Unknown names are normalized (lowercased, dashes to underscores).
func (c *Converter) ToStandard(name string) string {
	if standard, ok := c.platformToStandard[name]; ok {
		return standard
	}
	return normalize(name)
}

// ToPlatform converts a canonical emoji name to the platform-specific form.
// Names without a platform variant pass through unchanged.
func (c *Converter) ToPlatform(name string) string {
	if platform, ok := c.standardToPlatform[name]; ok {
		return platform
	}
	if platform, ok := c.standardToPlatform[normalize(name)]; ok {
		return platform
	}
	return name
}

func normalize(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "-", "_")
}

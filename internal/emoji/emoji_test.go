package emoji

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuiltinConversion(t *testing.T) {
	c := New()
	if got := c.ToStandard("+1"); got != "thumbs_up" {
		t.Errorf("ToStandard(+1) = %q, want thumbs_up", got)
	}
	if got := c.ToPlatform("thumbs_up"); got != "+1" {
		t.Errorf("ToPlatform(thumbs_up) = %q, want +1", got)
	}
}

func TestUnknownNamesNormalize(t *testing.T) {
	c := New()
	if got := c.ToStandard("Slightly-Smiling-Face"); got != "slightly_smiling_face" {
		t.Errorf("ToStandard = %q, want slightly_smiling_face", got)
	}
	if got := c.ToPlatform("slightly_smiling_face"); got != "slightly_smiling_face" {
		t.Errorf("ToPlatform = %q, want pass-through", got)
	}
}

func TestRoundTripOnTableDomain(t *testing.T) {
	c := New()
	for platform := range builtinVariants {
		if got := c.ToPlatform(c.ToStandard(platform)); got != platform {
			t.Errorf("round trip %q -> %q, want identity", platform, got)
		}
	}
	for _, standard := range builtinVariants {
		if got := c.ToStandard(c.ToPlatform(standard)); got != standard {
			t.Errorf("round trip %q -> %q, want identity", standard, got)
		}
	}
}

func TestCSVOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mappings.csv")
	csv := "platform_specific_name,standard_name\nzulip_octopus,octopus\npartying_face,party\n"
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := c.ToStandard("zulip_octopus"); got != "octopus" {
		t.Errorf("ToStandard(zulip_octopus) = %q, want octopus", got)
	}
	if got := c.ToPlatform("octopus"); got != "zulip_octopus" {
		t.Errorf("ToPlatform(octopus) = %q, want zulip_octopus (override wins)", got)
	}
	if got := c.ToPlatform(c.ToStandard("partying_face")); got != "partying_face" {
		t.Errorf("CSV round trip = %q, want partying_face", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/mappings.csv"); err == nil {
		t.Fatal("Load succeeded on missing file")
	}
}

func TestLoadEmptyPathUsesBuiltins(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := c.ToStandard("tada"); got != "party_popper" {
		t.Errorf("ToStandard(tada) = %q, want party_popper", got)
	}
}

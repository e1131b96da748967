package company

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	profile, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if profile.Name != "Mem0" || len(profile.FAQ) == 0 {
		t.Fatalf("unexpected default profile: %+v", profile)
	}
}

func TestLoadMergesFileOverDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "company.json")
	body := `{"name":"Acme","faq_entries":[{"question":"Where is my invoice?","answer":"Billing tab."}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	profile, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if profile.Name != "Acme" {
		t.Fatalf("expected Acme, got %q", profile.Name)
	}
	if len(profile.FAQ) != 1 || profile.FAQ[0].Answer != "Billing tab." {
		t.Fatalf("expected file FAQ to replace default, got %+v", profile.FAQ)
	}
	if profile.PlatformName != "Intercom" {
		t.Fatalf("expected default platform to survive merge, got %q", profile.PlatformName)
	}
	if !strings.Contains(profile.FAQQuestions(), "- Where is my invoice?") {
		t.Fatalf("unexpected faq questions: %q", profile.FAQQuestions())
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing profile")
	}
}

func TestWithOverridesIgnoresBlankValues(t *testing.T) {
	profile := Default().WithOverrides("  ", "Zendesk", "", []string{"go", "python"})
	if profile.Name != "Mem0" || profile.PlatformName != "Zendesk" {
		t.Fatalf("unexpected overrides: %+v", profile)
	}
	if len(profile.AllowedCodeLanguages) != 2 {
		t.Fatalf("expected languages override, got %v", profile.AllowedCodeLanguages)
	}
}

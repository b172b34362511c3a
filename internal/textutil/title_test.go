package textutil

import "testing"

func TestDisplayTitleFromSlug(t *testing.T) {
	title := DisplayTitle("deep_sea-volcanoes.explained")
	if title != "Deep Sea Volcanoes Explained" {
		t.Fatalf("unexpected title %q", title)
	}
}

func TestDisplayTitleUntitledWhenEmpty(t *testing.T) {
	if got := DisplayTitle("  --  "); got != "Untitled Job" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 4); got != "abc…" {
		t.Fatalf("unexpected truncation %q", got)
	}
	if got := Truncate("abc", 4); got != "abc" {
		t.Fatalf("expected untouched string, got %q", got)
	}
	if got := Truncate("abc", 0); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

package prompts

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverCustomPromptsEmptyWhenDirMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nope")
	found := discoverCustomPromptsIn(dir, nil)
	if len(found) != 0 {
		t.Fatalf("expected no prompts, got %d", len(found))
	}
}

func TestDiscoverCustomPromptsSortsByName(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "b.md"), []byte("b"), 0644)
	os.WriteFile(filepath.Join(dir, "a.md"), []byte("a"), 0644)
	os.Mkdir(filepath.Join(dir, "subdir"), 0755)

	found := discoverCustomPromptsIn(dir, nil)
	if len(found) != 2 || found[0].Name != "a" || found[1].Name != "b" {
		t.Fatalf("unexpected order: %+v", found)
	}
}

func TestDiscoverCustomPromptsExcludesNames(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "init.md"), []byte("ignored"), 0644)
	os.WriteFile(filepath.Join(dir, "foo.md"), []byte("ok"), 0644)

	found := discoverCustomPromptsIn(dir, map[string]bool{"init": true})
	if len(found) != 1 || found[0].Name != "foo" {
		t.Fatalf("unexpected result: %+v", found)
	}
}

func TestParseCustomPromptFrontmatterStripsMetadata(t *testing.T) {
	text := "---\nname: ignored\ndescription: \"Quick review command\"\nargument-hint: \"[file] [priority]\"\n---\nActual body with $1 and $ARGUMENTS"

	desc, hint, body := parseCustomPromptFrontmatter(text)
	if desc != "Quick review command" {
		t.Errorf("description = %q", desc)
	}
	if hint != "[file] [priority]" {
		t.Errorf("argument hint = %q", hint)
	}
	if body != "Actual body with $1 and $ARGUMENTS" {
		t.Errorf("body = %q", body)
	}
}

func TestParseCustomPromptFrontmatterPreservesBodyLineEndings(t *testing.T) {
	content := "---\r\ndescription: \"Line endings\"\r\nargument_hint: \"[arg]\"\r\n---\r\nFirst line\r\nSecond line\r\n"
	desc, hint, body := parseCustomPromptFrontmatter(content)
	if desc != "Line endings" || hint != "[arg]" {
		t.Fatalf("desc=%q hint=%q", desc, hint)
	}
	if body != "First line\r\nSecond line\r\n" {
		t.Fatalf("body = %q", body)
	}
}

func TestParseCustomPromptFrontmatterNoFrontmatterReturnsContentAsBody(t *testing.T) {
	content := "Just a plain prompt body."
	desc, hint, body := parseCustomPromptFrontmatter(content)
	if desc != "" || hint != "" {
		t.Fatalf("expected no metadata, got desc=%q hint=%q", desc, hint)
	}
	if body != content {
		t.Fatalf("body = %q, want unchanged content", body)
	}
}

func TestDiscoverCustomPromptsDeduplicatesAcrossRootsByPriority(t *testing.T) {
	repoRoot := t.TempDir()
	homeRoot := t.TempDir()
	os.WriteFile(filepath.Join(repoRoot, "shared.md"), []byte("repo shared"), 0644)
	os.WriteFile(filepath.Join(repoRoot, "repo_only.md"), []byte("repo"), 0644)
	os.WriteFile(filepath.Join(homeRoot, "shared.md"), []byte("home shared"), 0644)
	os.WriteFile(filepath.Join(homeRoot, "home_only.md"), []byte("home"), 0644)

	found := DiscoverCustomPrompts([]string{repoRoot, homeRoot})
	names := make([]string, len(found))
	for i, p := range found {
		names[i] = p.Name
	}
	if len(names) != 3 {
		t.Fatalf("expected 3 unique prompts, got %v", names)
	}

	for _, p := range found {
		if p.Name == "shared" && p.Content != "repo shared" {
			t.Errorf("shared prompt should come from repo root, got %q", p.Content)
		}
	}
}

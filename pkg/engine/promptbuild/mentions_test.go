package promptbuild

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExpandMentionsInlinesReferencedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte("remember this"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := ExpandMentions(dir, "please check @notes.md for context")
	if !strings.Contains(out, "remember this") {
		t.Fatalf("expected file content inlined, got %q", out)
	}
}

func TestExpandMentionsLeavesMissingFileAlone(t *testing.T) {
	dir := t.TempDir()
	out := ExpandMentions(dir, "see @missing.txt")
	if strings.Contains(out, "---") {
		t.Fatalf("expected no inlined block for missing file, got %q", out)
	}
	if !strings.Contains(out, "@missing.txt") {
		t.Fatalf("expected original mention text preserved, got %q", out)
	}
}

func TestExpandMentionsRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	out := ExpandMentions(dir, "look at @../../etc/passwd")
	if strings.Contains(out, "root:") {
		t.Fatalf("must not read outside workspace root, got %q", out)
	}
}

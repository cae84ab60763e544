package compaction

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRestoreSkipsExcludedPaths(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, dir, "main.go", "package main")
	mustWrite(t, dir, ".claude/plans/todo.md", "- [ ] task")

	restored := Restore(dir, []string{"main.go", ".claude/plans/todo.md"}, DefaultRestoreConfig())
	for _, r := range restored {
		if strings.Contains(r.Path, ".claude/plans/") {
			t.Fatalf("expected plan path to be excluded from restore, got %+v", restored)
		}
	}
	if len(restored) != 1 || restored[0].Path != "main.go" {
		t.Fatalf("expected only main.go restored, got %+v", restored)
	}
}

func TestRestoreHonorsMaxFiles(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 5; i++ {
		name := filepath.Join("pkg", "file"+string(rune('a'+i))+".go")
		mustWrite(t, dir, name, "package pkg")
		paths = append(paths, name)
	}

	cfg := DefaultRestoreConfig()
	cfg.MaxFiles = 2
	restored := Restore(dir, paths, cfg)
	if len(restored) != 2 {
		t.Fatalf("expected 2 restored files, got %d", len(restored))
	}
}

func TestRestoreTruncatesToTotalBudget(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("x", 10000)
	mustWrite(t, dir, "big.txt", big)

	cfg := RestoreConfig{MaxFiles: 5, TokensPerFile: 100, TotalFileBudget: 100}
	restored := Restore(dir, []string{"big.txt"}, cfg)
	if len(restored) != 1 {
		t.Fatalf("expected 1 restored file, got %d", len(restored))
	}
	if !restored[0].Elided {
		t.Fatalf("expected content to be elided given small budget")
	}
	if len(restored[0].Content) > 100*4 {
		t.Fatalf("expected truncation to respect per-file token budget, got %d chars", len(restored[0].Content))
	}
}

func mustWrite(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

package promptbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// mentionPattern matches an @-mention of a workspace-relative file path:
// an '@' at the start of the text or after whitespace, followed by a path made of
// the usual filename characters. Deliberately conservative — it would
// rather miss an edge-case path than swallow an email address or a
// shell flag like "-o@file".
var mentionPattern = regexp.MustCompile(`(?:^|\s)@([A-Za-z0-9_./\-]+)`)

const (
	defaultMaxMentionedFiles  = 8
	defaultMaxBytesPerMention = 16 * 1024
)

// ExpandMentions scans text for @path mentions and inlines the
// referenced workspace files as fenced blocks immediately after the
// mention, so the model sees the file's contents without the caller
// having to pre-load it into the prompt. Paths outside workspaceRoot
// (after Clean+Join) and paths that don't exist are left as plain text.
func ExpandMentions(workspaceRoot, text string) string {
	matches := mentionPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	last := 0
	expanded := 0
	for _, m := range matches {
		// m[2]:m[3] is the captured path group.
		pathStart, pathEnd := m[2], m[3]
		rel := text[pathStart:pathEnd]

		b.WriteString(text[last:pathEnd])
		last = pathEnd

		if expanded >= defaultMaxMentionedFiles {
			continue
		}
		content, ok := readMentionedFile(workspaceRoot, rel)
		if !ok {
			continue
		}
		expanded++
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n--- end %s ---\n", rel, content, rel)
	}
	b.WriteString(text[last:])
	return b.String()
}

func readMentionedFile(workspaceRoot, rel string) (string, bool) {
	abs := filepath.Join(workspaceRoot, rel)
	cleanRoot := filepath.Clean(workspaceRoot)
	if !strings.HasPrefix(filepath.Clean(abs), cleanRoot) {
		return "", false
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return "", false
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", false
	}
	content := string(data)
	if len(content) > defaultMaxBytesPerMention {
		content = content[:defaultMaxBytesPerMention] + "\n... (truncated)"
	}
	return content, true
}

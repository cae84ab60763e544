package retrieval

import (
	"bufio"
	"bytes"
	"path/filepath"
	"regexp"
	"strings"
)

// RegexTagExtractor extracts definition/reference tags using per-language
// regular expressions keyed off common declaration keywords. It stands
// in for a full syntax-tree query engine (tree-sitter grammars are only
// ever referenced transitively in the retrieval pack's manifests, never
// vendored as buildable grammars) while still satisfying the tag cache's
// contract: one TagExtractor.Extract call per file, cached by mtime.
type RegexTagExtractor struct{}

// NewRegexTagExtractor creates the default extractor.
func NewRegexTagExtractor() *RegexTagExtractor { return &RegexTagExtractor{} }

var goDefPattern = regexp.MustCompile(`^\s*func\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)\s*\(|^\s*type\s+([A-Za-z_][A-Za-z0-9_]*)\s+(?:struct|interface)\b`)
var pyDefPattern = regexp.MustCompile(`^\s*(?:def|class)\s+([A-Za-z_][A-Za-z0-9_]*)\s*[(:]`)
var jsDefPattern = regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*\(|^\s*(?:export\s+)?class\s+([A-Za-z_$][A-Za-z0-9_$]*)\b`)

// Extract implements TagExtractor.
func (e *RegexTagExtractor) Extract(path string, contents []byte) ([]Tag, error) {
	pattern := patternFor(path)
	if pattern == nil {
		return nil, nil
	}

	var tags []Tag
	scanner := bufio.NewScanner(bytes.NewReader(contents))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		name := firstNonEmpty(m[1:])
		if name == "" {
			continue
		}
		tags = append(tags, Tag{Path: path, Name: name, Kind: "def", Line: line})
	}
	return tags, scanner.Err()
}

func patternFor(path string) *regexp.Regexp {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return goDefPattern
	case ".py":
		return pyDefPattern
	case ".js", ".jsx", ".ts", ".tsx":
		return jsDefPattern
	default:
		return nil
	}
}

func firstNonEmpty(ss []string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

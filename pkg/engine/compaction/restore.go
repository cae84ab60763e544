// Package compaction generalizes the turn runtime's history compression
// into a full compaction engine: token-budgeted summarization (the
// teacher's existing runtime.CompressHistory) plus restore-after-compaction,
// which re-injects the files and plan state a freshly summarized
// conversation would otherwise lose access to.
package compaction

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RestoreConfig bounds how much of the pre-compaction working set gets
// re-injected into the prompt after a compaction, so restoration itself
// cannot blow the token budget the compaction was trying to shrink.
type RestoreConfig struct {
	MaxFiles         int // restore_max_files
	TokensPerFile    int // restore_tokens_per_file: per-file truncation budget
	TotalFileBudget  int // restore_total_file_budget: aggregate cap across all restored files
}

// DefaultRestoreConfig matches the teacher's own compression defaults in
// spirit (bounded, conservative) scaled up slightly since restoration
// runs once per compaction rather than every turn.
func DefaultRestoreConfig() RestoreConfig {
	return RestoreConfig{MaxFiles: 10, TokensPerFile: 500, TotalFileBudget: 3000}
}

// excludedPathMarkers are path fragments never restored after
// compaction: plan/agent state is re-derived from its own store, not
// from a stale file snapshot, and .agent.json is process-local config.
var excludedPathMarkers = []string{
	".claude/plans/", ".claude/agents/", ".agent.json",
}

// RestoredFile is one file re-injected into the prompt after compaction.
type RestoredFile struct {
	Path    string
	Content string
	Elided  bool
}

// Restore selects, truncates, and returns the files to re-inject after a
// compaction, given the pre-compaction recent-files list (most-recent
// first) and a token estimator matching the one the prompt assembler
// uses elsewhere (characters/4, per the teacher's convention).
func Restore(workspaceRoot string, recentFiles []string, cfg RestoreConfig) []RestoredFile {
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultRestoreConfig().MaxFiles
	}
	if cfg.TokensPerFile <= 0 {
		cfg.TokensPerFile = DefaultRestoreConfig().TokensPerFile
	}
	if cfg.TotalFileBudget <= 0 {
		cfg.TotalFileBudget = DefaultRestoreConfig().TotalFileBudget
	}

	var candidates []string
	for _, p := range recentFiles {
		if isExcluded(p) {
			continue
		}
		candidates = append(candidates, p)
		if len(candidates) >= cfg.MaxFiles {
			break
		}
	}

	tokensUsed := 0
	var out []RestoredFile
	for _, p := range candidates {
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(workspaceRoot, p)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			continue
		}

		perFileBudgetChars := cfg.TokensPerFile * 4
		remainingChars := (cfg.TotalFileBudget - tokensUsed) * 4
		if remainingChars <= 0 {
			break
		}
		budget := perFileBudgetChars
		if remainingChars < budget {
			budget = remainingChars
		}

		content := string(data)
		elided := false
		if len(content) > budget {
			content = content[:budget]
			elided = true
		}

		out = append(out, RestoredFile{Path: p, Content: content, Elided: elided})
		tokensUsed += estimateTokens(content)
	}

	return out
}

func isExcluded(path string) bool {
	norm := filepath.ToSlash(path)
	for _, marker := range excludedPathMarkers {
		if strings.Contains(norm, marker) {
			return true
		}
	}
	return false
}

// estimateTokens matches the teacher's own rough token estimate
// convention (characters / 4) used elsewhere for budget bookkeeping.
func estimateTokens(s string) int {
	return len(s) / 4
}

// SortByRecency is a helper for callers building the recentFiles input
// from an unordered access-time map.
func SortByRecency(pathToLastAccessUnixNano map[string]int64) []string {
	type entry struct {
		path string
		ts   int64
	}
	entries := make([]entry, 0, len(pathToLastAccessUnixNano))
	for p, ts := range pathToLastAccessUnixNano {
		entries = append(entries, entry{p, ts})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts > entries[j].ts })
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out
}

package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"turnengine/pkg/engine/api"
)

// ApplyPatchTool applies a unified "*** Begin Patch" / "*** End Patch"
// envelope (Add File / Update File / Delete File, each with context-
// anchored @@ hunks) in a single atomic-looking tool call, instead of
// the single-substring replace edit_file does. Grounded on the
// apply_patch envelope format exercised end-to-end in
// codex-rs/core/tests/suite/apply_patch_scenarios.rs.
type ApplyPatchTool struct {
	BaseTool
	workspaceRoot string
}

// NewApplyPatchTool creates a new apply_patch tool.
func NewApplyPatchTool(workspaceRoot string) *ApplyPatchTool {
	return &ApplyPatchTool{
		BaseTool: NewBaseTool(
			"apply_patch",
			`Apply a patch in the *** Begin Patch / *** End Patch envelope format. Supports "*** Add File: <path>", "*** Update File: <path>" (optionally followed by "*** Move to: <path>"), and "*** Delete File: <path>", with @@ hunks of " " context, "-" removed, and "+" added lines. Prefer this over edit_file for multi-hunk or multi-file changes.`,
			[]ParameterDef{
				{Name: "patch", Type: "string", Description: "The full patch text, including the Begin Patch/End Patch markers", Required: true},
			},
			api.RiskHigh,
		),
		workspaceRoot: workspaceRoot,
	}
}

// patchLine is one line of a hunk body: op is ' ', '-', or '+'.
type patchLine struct {
	op   byte
	text string
}

type patchHunk struct {
	lines []patchLine
}

type patchOp struct {
	kind     string // "add", "update", "delete"
	path     string
	moveTo   string
	hunks    []patchHunk
	addLines []string
}

func (t *ApplyPatchTool) Execute(ctx context.Context, args api.Args) (api.ToolResult, error) {
	start := time.Now()

	patch := GetStringArg(args, "patch", "")
	if strings.TrimSpace(patch) == "" {
		return applyPatchFailure("patch is required"), nil
	}

	ops, err := parseApplyPatch(patch)
	if err != nil {
		return applyPatchFailure(err.Error()), nil
	}
	if len(ops) == 0 {
		return applyPatchFailure("patch contains no file operations"), nil
	}

	var updated []string
	for _, op := range ops {
		rel, err := t.applyOp(op)
		if err != nil {
			return applyPatchFailure(fmt.Sprintf("%s: %v", op.path, err)), nil
		}
		updated = append(updated, rel)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Exit code: 0\nWall time: %.3f seconds\nOutput:\nSuccess. Updated the following files:\n", time.Since(start).Seconds())
	for _, p := range updated {
		sb.WriteString(p + "\n")
	}
	return successText(sb.String()), nil
}

func (t *ApplyPatchTool) applyOp(op patchOp) (string, error) {
	absPath, err := resolvePathInWorkspace(t.workspaceRoot, op.path)
	if err != nil {
		return "", err
	}

	switch op.kind {
	case "add":
		content := strings.Join(op.addLines, "\n") + "\n"
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(absPath, []byte(content), 0644); err != nil {
			return "", fmt.Errorf("failed to write file: %w", err)
		}
		return op.path, nil

	case "delete":
		if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to delete file: %w", err)
		}
		return op.path, nil

	case "update":
		existing, err := os.ReadFile(absPath)
		if err != nil {
			if os.IsNotExist(err) {
				return "", fmt.Errorf("target file not found")
			}
			return "", err
		}

		newContent, err := applyHunks(string(existing), op.hunks)
		if err != nil {
			return "", err
		}

		destPath, destRel := absPath, op.path
		if op.moveTo != "" {
			destPath, err = resolvePathInWorkspace(t.workspaceRoot, op.moveTo)
			if err != nil {
				return "", err
			}
			destRel = op.moveTo
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(destPath, []byte(newContent), 0644); err != nil {
			return "", fmt.Errorf("failed to write file: %w", err)
		}
		if destPath != absPath {
			os.Remove(absPath)
		}
		return destRel, nil

	default:
		return "", fmt.Errorf("unknown patch operation %q", op.kind)
	}
}

func applyPatchFailure(reason string) api.ToolResult {
	return api.ToolResult{
		Content: fmt.Sprintf("Failure: apply_patch verification failed: %s", reason),
		Status:  "error",
		Error:   reason,
	}
}

// parseApplyPatch parses the "*** Begin Patch" ... "*** End Patch" envelope
// into a sequence of file operations.
func parseApplyPatch(patch string) ([]patchOp, error) {
	lines := strings.Split(patch, "\n")
	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) || strings.TrimSpace(lines[i]) != "*** Begin Patch" {
		return nil, fmt.Errorf("missing '*** Begin Patch' marker")
	}
	i++

	var ops []patchOp
	for i < len(lines) {
		trimmed := strings.TrimRight(lines[i], "\r")
		switch {
		case strings.TrimSpace(trimmed) == "*** End Patch":
			return ops, nil

		case strings.HasPrefix(trimmed, "*** Update File: "):
			path := strings.TrimPrefix(trimmed, "*** Update File: ")
			op := patchOp{kind: "update", path: path}
			i++
			if i < len(lines) {
				if mv := strings.TrimRight(lines[i], "\r"); strings.HasPrefix(mv, "*** Move to: ") {
					op.moveTo = strings.TrimPrefix(mv, "*** Move to: ")
					i++
				}
			}
			hunks, next, err := parseHunks(lines, i)
			if err != nil {
				return nil, err
			}
			if len(hunks) == 0 {
				return nil, fmt.Errorf("update file %q has no hunks", path)
			}
			op.hunks = hunks
			i = next
			ops = append(ops, op)

		case strings.HasPrefix(trimmed, "*** Add File: "):
			path := strings.TrimPrefix(trimmed, "*** Add File: ")
			op := patchOp{kind: "add", path: path}
			i++
			for i < len(lines) {
				l := strings.TrimRight(lines[i], "\r")
				if strings.HasPrefix(l, "*** ") {
					break
				}
				if strings.HasPrefix(l, "+") {
					op.addLines = append(op.addLines, l[1:])
				} else if strings.TrimSpace(l) != "" {
					return nil, fmt.Errorf("unexpected line in Add File block: %q", l)
				}
				i++
			}
			ops = append(ops, op)

		case strings.HasPrefix(trimmed, "*** Delete File: "):
			path := strings.TrimPrefix(trimmed, "*** Delete File: ")
			ops = append(ops, patchOp{kind: "delete", path: path})
			i++

		case strings.TrimSpace(trimmed) == "":
			i++

		default:
			return nil, fmt.Errorf("unrecognized patch directive: %q", trimmed)
		}
	}
	return nil, fmt.Errorf("missing '*** End Patch' marker")
}

// parseHunks reads consecutive "@@ ..." hunks starting at lines[i], stopping
// at the next "*** " directive or end of input.
func parseHunks(lines []string, i int) ([]patchHunk, int, error) {
	var hunks []patchHunk
	for i < len(lines) {
		t := strings.TrimRight(lines[i], "\r")
		if strings.HasPrefix(t, "*** ") {
			break
		}
		if strings.TrimSpace(t) == "" {
			i++
			continue
		}
		if !strings.HasPrefix(t, "@@") {
			return nil, i, fmt.Errorf("expected hunk header '@@', got %q", t)
		}
		i++

		var h patchHunk
		for i < len(lines) {
			lt := strings.TrimRight(lines[i], "\r")
			if strings.HasPrefix(lt, "@@") || strings.HasPrefix(lt, "*** ") {
				break
			}
			if lt == "" {
				i++
				continue
			}
			marker := lt[0]
			if marker != ' ' && marker != '-' && marker != '+' {
				return nil, i, fmt.Errorf("invalid hunk line %q", lt)
			}
			h.lines = append(h.lines, patchLine{op: marker, text: lt[1:]})
			i++
		}
		if len(h.lines) == 0 {
			return nil, i, fmt.Errorf("empty hunk")
		}
		hunks = append(hunks, h)
	}
	return hunks, i, nil
}

// applyHunks applies hunks to content in order, each hunk's context/removed
// lines located as a contiguous run at or after the previous hunk's end, and
// returns the patched content normalized to end with a trailing newline.
func applyHunks(content string, hunks []patchHunk) (string, error) {
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	pos := 0
	for _, h := range hunks {
		var oldLines, newLines []string
		for _, pl := range h.lines {
			switch pl.op {
			case ' ':
				oldLines = append(oldLines, pl.text)
				newLines = append(newLines, pl.text)
			case '-':
				oldLines = append(oldLines, pl.text)
			case '+':
				newLines = append(newLines, pl.text)
			}
		}

		if len(oldLines) == 0 {
			lines = append(lines[:pos:pos], append(append([]string{}, newLines...), lines[pos:]...)...)
			pos += len(newLines)
			continue
		}

		idx := findContiguous(lines, oldLines, pos)
		if idx < 0 {
			return "", fmt.Errorf("context not found for hunk")
		}
		rest := append([]string{}, lines[idx+len(oldLines):]...)
		lines = append(lines[:idx:idx], append(append([]string{}, newLines...), rest...)...)
		pos = idx + len(newLines)
	}

	return strings.Join(lines, "\n") + "\n", nil
}

func findContiguous(lines, sub []string, start int) int {
	if len(sub) == 0 {
		return start
	}
	for i := start; i+len(sub) <= len(lines); i++ {
		match := true
		for j := range sub {
			if lines[i+j] != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func (t *ApplyPatchTool) Preview(ctx context.Context, args api.Args) (*api.Preview, error) {
	patch := GetStringArg(args, "patch", "")
	content := patch
	if len(content) > 4000 {
		content = content[:4000] + "\n... (truncated)"
	}
	return &api.Preview{
		Kind:     api.PreviewDiff,
		Summary:  "Apply patch",
		Content:  content,
		Affected: []string{t.workspaceRoot},
	}, nil
}

package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"turnengine/pkg/engine/api"
	"turnengine/pkg/engine/sandbox"
)

// ShellTool executes shell commands
type ShellTool struct {
	BaseTool
	workspaceRoot  string
	timeout        time.Duration
	maxOutputBytes int
}

// NewShellTool creates a new shell tool
func NewShellTool(workspaceRoot string) *ShellTool {
	return &ShellTool{
		BaseTool: NewBaseTool(
			"shell",
			"Execute a shell command in the workspace. Use for running build commands, tests, git operations, or any CLI tools.",
			[]ParameterDef{
				{Name: "command", Type: "string", Description: "Shell command to execute", Required: true},
				{Name: "timeout", Type: "integer", Description: "Timeout in seconds (default: 120)", Required: false},
			},
			api.RiskHigh,
		),
		workspaceRoot:  workspaceRoot,
		timeout:        120 * time.Second,
		maxOutputBytes: 100 * 1024, // 100KB
	}
}

func (t *ShellTool) Execute(ctx context.Context, args api.Args) (api.ToolResult, error) {
	command := GetStringArg(args, "command", "")
	if command == "" {
		return toolErrorf("command is required"), nil
	}

	timeoutSecs := GetIntArg(args, "timeout", 120)
	timeout := time.Duration(timeoutSecs) * time.Second
	if timeout > 300*time.Second {
		timeout = 300 * time.Second // Max 5 minutes
	}

	// Run through the sandbox pipeline: restricted tier first, escalating
	// to elevated only on a permission-denial-shaped failure.
	res, err := sandbox.Run(ctx, sandbox.CommandSpec{
		Command: command,
		Dir:     t.workspaceRoot,
		Timeout: timeout,
	})
	if err != nil {
		return toolErrorf("failed to run command: %v", err), nil
	}

	// Build output
	var output strings.Builder

	if res.Stdout != "" {
		output.WriteString(res.Stdout)
	}

	if res.Stderr != "" {
		lines := strings.Split(strings.TrimSpace(res.Stderr), "\n")
		for _, line := range lines {
			output.WriteString("[stderr] " + line + "\n")
		}
	}

	if res.Escalated {
		output.WriteString("\n[sandbox] escalated to elevated access after a restricted-tier permission denial\n")
	}

	if res.TimedOut {
		return api.ToolResult{
			Content: output.String() + fmt.Sprintf("\n\nError: Command timed out after %d seconds", timeoutSecs),
			Status:  "error",
			Error:   "timeout",
		}, nil
	}

	if res.ExitCode != 0 {
		return api.ToolResult{
			Content: output.String() + fmt.Sprintf("\n\nExit code: %d", res.ExitCode),
			Status:  "error",
			Error:   fmt.Sprintf("exit code %d", res.ExitCode),
		}, nil
	}

	// Success
	if output.Len() == 0 {
		return successText("<command completed with no output>"), nil
	}

	return successText(output.String()), nil
}

// IsReadOnly classifies the actual command via the sandbox package instead of
// inheriting BaseTool's risk-only default, which would always say false for
// "shell" (statically tagged RiskHigh) even for a read-only "ls".
func (t *ShellTool) IsReadOnly(args api.Args) bool {
	command := GetStringArg(args, "command", "")
	if command == "" {
		return false
	}
	_, readOnly := sandbox.Classify(command)
	return readOnly
}

// MaxResultSizeChars reports the tool's configured output cap rather than
// the package default.
func (t *ShellTool) MaxResultSizeChars() int {
	return t.maxOutputBytes
}

// CheckPermission mirrors policy.DefaultPolicy.needApprovalAuto's
// shell-family handling: the decision is per-command, not per-tool.
func (t *ShellTool) CheckPermission(ctx context.Context, args api.Args) api.SandboxDecision {
	command := GetStringArg(args, "command", "")
	if command == "" {
		return api.NeedsApproval
	}
	decision, _ := sandbox.Decide(command, func(risks []sandbox.SecurityRisk) bool { return len(risks) > 0 })
	switch decision {
	case sandbox.Denied:
		return api.Denied
	case sandbox.Passthrough:
		return api.Passthrough
	case sandbox.NeedsApproval:
		return api.NeedsApproval
	default:
		return api.Allowed
	}
}

func (t *ShellTool) Preview(ctx context.Context, args api.Args) (*api.Preview, error) {
	command := GetStringArg(args, "command", "")
	timeoutSecs := GetIntArg(args, "timeout", 120)

	return &api.Preview{
		Kind:     api.PreviewCommand,
		Summary:  "Execute shell command",
		Content:  command,
		Affected: []string{t.workspaceRoot},
		RiskHint: fmt.Sprintf("Timeout: %d seconds", timeoutSecs),
	}, nil
}

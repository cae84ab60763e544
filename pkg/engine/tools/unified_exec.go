package tools

import (
	"context"
	"fmt"

	"turnengine/pkg/engine/api"
	"turnengine/pkg/engine/ptyexec"
	"turnengine/pkg/engine/sandbox"
)

// UnifiedExecTool exposes the PTY session manager as a tool: "start" opens
// a new interactive session and returns its id, "write" sends input to an
// existing session, "read" drains its buffered output, and "kill" tears
// it down. This generalizes ShellTool (one-shot, pipe-captured) to
// long-lived interactive processes a turn can come back to across
// multiple tool calls.
type UnifiedExecTool struct {
	BaseTool
	mgr *ptyexec.Manager
}

// NewUnifiedExecTool creates a tool backed by the given PTY manager.
func NewUnifiedExecTool(mgr *ptyexec.Manager) *UnifiedExecTool {
	return &UnifiedExecTool{
		BaseTool: NewBaseTool(
			"unified_exec",
			"Manage a long-lived interactive shell session. action=start opens a session (returns session_id); action=write sends input; action=read drains output; action=kill terminates it.",
			[]ParameterDef{
				{Name: "action", Type: "string", Description: "start | write | read | kill", Required: true},
				{Name: "command", Type: "string", Description: "Command to run (action=start only)", Required: false},
				{Name: "session_id", Type: "string", Description: "Target session (required for write/read/kill)", Required: false},
				{Name: "input", Type: "string", Description: "Text to write (action=write only)", Required: false},
			},
			api.RiskHigh,
		),
		mgr: mgr,
	}
}

func (t *UnifiedExecTool) Execute(ctx context.Context, args api.Args) (api.ToolResult, error) {
	action := GetStringArg(args, "action", "")
	switch action {
	case "start":
		command := GetStringArg(args, "command", "")
		if command == "" {
			return toolErrorf("command is required for action=start"), nil
		}
		s, err := t.mgr.Open(ctx, command, nil)
		if err != nil {
			return toolError(err), nil
		}
		return successResult(fmt.Sprintf("session %s started", s.ID), map[string]any{"session_id": s.ID}), nil

	case "write":
		s, ok := t.session(args)
		if !ok {
			return toolErrorf("unknown session_id"), nil
		}
		input := GetStringArg(args, "input", "")
		if err := s.Write([]byte(input)); err != nil {
			return toolError(err), nil
		}
		return successText("written"), nil

	case "read":
		s, ok := t.session(args)
		if !ok {
			return toolErrorf("unknown session_id"), nil
		}
		out := s.Read()
		running := s.Running()
		return successResult(string(out), map[string]any{"running": running}), nil

	case "kill":
		s, ok := t.session(args)
		if !ok {
			return toolErrorf("unknown session_id"), nil
		}
		if err := s.Kill(); err != nil {
			return toolError(err), nil
		}
		return successText("killed"), nil

	default:
		return toolErrorf("unknown action %q", action), nil
	}
}

func (t *UnifiedExecTool) session(args api.Args) (*ptyexec.Session, bool) {
	id := GetStringArg(args, "session_id", "")
	if id == "" {
		return nil, false
	}
	return t.mgr.Get(id)
}

// IsReadOnly only trusts action=start's launch command, classified the same
// way ShellTool classifies its command; write/read/kill act on a live
// session and are never treated as read-only passthrough.
func (t *UnifiedExecTool) IsReadOnly(args api.Args) bool {
	if GetStringArg(args, "action", "") != "start" {
		return false
	}
	command := GetStringArg(args, "command", "")
	if command == "" {
		return false
	}
	_, readOnly := sandbox.Classify(command)
	return readOnly
}

// CheckPermission mirrors ShellTool's per-command classification for
// action=start; every other action requires approval, since write/kill can
// affect an already-running session in ways a static schema can't classify.
func (t *UnifiedExecTool) CheckPermission(ctx context.Context, args api.Args) api.SandboxDecision {
	if GetStringArg(args, "action", "") != "start" {
		return api.NeedsApproval
	}
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

func (t *UnifiedExecTool) Preview(ctx context.Context, args api.Args) (*api.Preview, error) {
	action := GetStringArg(args, "action", "")
	return &api.Preview{
		Kind:    api.PreviewCommand,
		Summary: fmt.Sprintf("unified_exec: %s", action),
		Content: GetStringArg(args, "command", GetStringArg(args, "input", "")),
	}, nil
}

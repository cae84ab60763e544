package tools

import (
	"context"
	"fmt"

	"turnengine/pkg/engine/api"
)

// Tool defines the unified interface for all tools exposed to the runtime.
// Tool schemas are safe to send to the model; tool execution is governed by policy.
type Tool interface {
	Name() string
	Schema() api.ToolSchema
	Risk() api.RiskLevel
	Execute(ctx context.Context, args api.Args) (api.ToolResult, error)

	// ConcurrencySafety declares whether calls to this tool may run
	// alongside other tool calls within the same turn's parallel batch.
	ConcurrencySafety() api.ConcurrencySafety
	// IsConcurrencySafeFor reports whether a call to this tool may run
	// concurrently with a call to the named sibling tool.
	IsConcurrencySafeFor(other string) bool
	// IsReadOnly reports whether this specific invocation (given args) is
	// known not to mutate state, independent of the tool's static Risk().
	IsReadOnly(args api.Args) bool
	// MaxResultSizeChars bounds len(result.Content); the runtime truncates
	// to this limit after Execute returns (P5), so tools need not hand-roll
	// their own truncation to stay within it.
	MaxResultSizeChars() int
	// CheckPermission classifies this specific invocation intrinsically —
	// Allowed/Denied/NeedsApproval/Passthrough — independent of the
	// session's approval mode, which policy.Policy layers on top.
	CheckPermission(ctx context.Context, args api.Args) api.SandboxDecision
}

// Previewer is an optional interface for tools that can provide approval previews.
type Previewer interface {
	Preview(ctx context.Context, args api.Args) (*api.Preview, error)
}

// ParameterDef describes a single parameter for building JSON-schema tool parameters.
type ParameterDef struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string", "integer", "boolean", "array", "object"
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// BaseTool provides common functionality for tools.
type BaseTool struct {
	name        string
	description string
	params      []ParameterDef
	risk        api.RiskLevel
}

// NewBaseTool creates a new BaseTool with the given configuration.
func NewBaseTool(name, description string, params []ParameterDef, risk api.RiskLevel) BaseTool {
	return BaseTool{
		name:        name,
		description: description,
		params:      params,
		risk:        risk,
	}
}

func (b BaseTool) Name() string { return b.name }
func (b BaseTool) Risk() api.RiskLevel {
	if b.risk != "" {
		return b.risk
	}
	return api.RiskLow
}

// defaultMaxResultSizeChars is the orchestrator-enforced ceiling on
// result.Content for tools that don't override MaxResultSizeChars.
const defaultMaxResultSizeChars = 100 * 1024

// ConcurrencySafety's default ties concurrency safety to the tool's static
// risk level: a high-risk (mutating) tool runs serially, everything else
// may run alongside other concurrency-safe calls.
func (b BaseTool) ConcurrencySafety() api.ConcurrencySafety {
	if b.risk == api.RiskHigh {
		return api.ConcurrencySerial
	}
	return api.ConcurrencySafeWithAny
}

func (b BaseTool) IsConcurrencySafeFor(other string) bool {
	return b.ConcurrencySafety() == api.ConcurrencySafeWithAny
}

// IsReadOnly's default reports the tool's static risk tag; tools whose
// read-only-ness depends on arguments (shell-family) override this.
func (b BaseTool) IsReadOnly(args api.Args) bool {
	return b.Risk() != api.RiskHigh
}

func (b BaseTool) MaxResultSizeChars() int {
	return defaultMaxResultSizeChars
}

// CheckPermission's default maps risk directly to a sandbox decision;
// tools with per-invocation classification (shell-family) override this.
func (b BaseTool) CheckPermission(ctx context.Context, args api.Args) api.SandboxDecision {
	if b.Risk() == api.RiskHigh {
		return api.NeedsApproval
	}
	return api.Allowed
}

func (b BaseTool) Schema() api.ToolSchema {
	properties := make(map[string]any)
	var required []string
	for _, p := range b.params {
		properties[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return api.ToolSchema{
		Name:        b.name,
		Description: b.description,
		Parameters:  params,
	}
}

func successResult(content string, data any) api.ToolResult {
	return api.ToolResult{Content: content, Status: "success", Data: data}
}

func successText(content string) api.ToolResult { return successResult(content, nil) }

func toolError(err error) api.ToolResult {
	if err == nil {
		return api.ToolResult{Status: "error", Error: "unknown error"}
	}
	return api.ToolResult{Status: "error", Error: err.Error()}
}

func toolErrorf(format string, args ...any) api.ToolResult {
	return api.ToolResult{Status: "error", Error: fmt.Sprintf(format, args...)}
}

// GetStringArg extracts a string argument with a default value.
func GetStringArg(args api.Args, key, defaultVal string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetIntArg extracts an integer argument with a default value.
func GetIntArg(args api.Args, key string, defaultVal int) int {
	if v, ok := args[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		case int64:
			return int(n)
		}
	}
	return defaultVal
}

// GetBoolArg extracts a boolean argument with a default value.
func GetBoolArg(args api.Args, key string, defaultVal bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

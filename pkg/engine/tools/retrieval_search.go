package tools

import (
	"context"

	"turnengine/pkg/engine/api"
	"turnengine/pkg/engine/retrieval"
)

// RetrievalSearchTool exposes the workspace's hybrid chunk search as a
// tool, so the model can pull in relevant code without the caller having
// pre-loaded it into context.
type RetrievalSearchTool struct {
	BaseTool
	coordinator *retrieval.UnifiedCoordinator
}

// NewRetrievalSearchTool creates a tool backed by coordinator.
func NewRetrievalSearchTool(coordinator *retrieval.UnifiedCoordinator) *RetrievalSearchTool {
	return &RetrievalSearchTool{
		BaseTool: NewBaseTool(
			"search_code",
			"Search the workspace for code relevant to a natural-language query, fusing full-text and semantic similarity.",
			[]ParameterDef{
				{Name: "query", Type: "string", Description: "Natural-language or keyword query", Required: true},
				{Name: "k", Type: "integer", Description: "Maximum results (default 8)", Required: false},
			},
			api.RiskNone,
		),
		coordinator: coordinator,
	}
}

func (t *RetrievalSearchTool) Execute(ctx context.Context, args api.Args) (api.ToolResult, error) {
	query := GetStringArg(args, "query", "")
	if query == "" {
		return toolErrorf("query is required"), nil
	}
	k := GetIntArg(args, "k", 8)

	results, err := t.coordinator.Search(ctx, query, k)
	if err != nil {
		return toolError(err), nil
	}

	items := make([]map[string]any, 0, len(results))
	for _, r := range results {
		items = append(items, map[string]any{
			"path":       r.Chunk.Path,
			"start_line": r.Chunk.StartLine,
			"end_line":   r.Chunk.EndLine,
			"text":       r.Chunk.Text,
			"score":      r.Score,
		})
		t.coordinator.TouchRecent(r.Chunk.Path)
	}
	return successResult("", map[string]any{"results": items}), nil
}

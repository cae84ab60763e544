package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"turnengine/pkg/engine/api"
	"turnengine/pkg/engine/compaction"
	"turnengine/pkg/engine/memory"
	mw "turnengine/pkg/engine/middleware"
	"turnengine/pkg/engine/policy"
	"turnengine/pkg/engine/promptbuild"
	"turnengine/pkg/engine/ptyexec"
	"turnengine/pkg/engine/retrieval"
	"turnengine/pkg/engine/runtime"
	"turnengine/pkg/engine/skill"
	"turnengine/pkg/engine/store"
	"turnengine/pkg/engine/systool"
	"turnengine/pkg/engine/tools"
	"turnengine/pkg/engine/transport"
	"turnengine/pkg/engine/worktree"
	"turnengine/pkg/logger"
)

func resolveWorkspaceRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if realWD, err := filepath.EvalSymlinks(wd); err == nil {
		wd = realWD
	}

	if worktreeFlag {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("--worktree needs a resolvable home directory: %w", err)
		}
		launch, err := worktree.PrepareLaunch(context.Background(), wd, filepath.Join(home, ".sea"), worktreeBranch)
		if err != nil {
			return "", err
		}
		logger.Info("Worktree", "session running in dedicated worktree", map[string]interface{}{
			"branch": launch.Branch,
			"path":   launch.Path,
			"reused": launch.ReusedExisting,
		})
		wd = launch.Path
	}

	// Use workspace/ subdirectory as the working directory for file operations
	workspaceDir := filepath.Join(wd, "workspace")
	// Create if it doesn't exist
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return "", err
	}
	return workspaceDir, nil
}

func defaultSkillRoots(workspaceRoot string) []string {
	var roots []string

	// workspaceRoot points to workspace/ subdirectory, go up one level for project root
	projectRoot := filepath.Dir(workspaceRoot)

	// Project skills (<project>/.sea/skills). Highest priority.
	roots = append(roots, filepath.Join(projectRoot, ".sea", "skills"))

	// Legacy project skills path (<project>/workspace/.sea/skills).
	roots = append(roots, filepath.Join(workspaceRoot, ".sea", "skills"))

	// Global skills (~/.sea/<agent>/skills).
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, filepath.Join(home, ".sea", agentFlag, "skills"))
	}

	// Built-in skills shipped with the repo.
	roots = append(roots, filepath.Join(projectRoot, "skills"))

	// Codex skills (optional).
	if codexHome := os.Getenv("CODEX_HOME"); codexHome != "" {
		roots = append(roots, filepath.Join(codexHome, "skills"))
	} else if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, filepath.Join(home, ".codex", "skills"))
	}

	return roots
}

func newAPIEngine(workspaceRoot string) (api.Engine, error) {
	sessionStore, err := store.NewFileSessionStore(workspaceRoot)
	if err != nil {
		return nil, err
	}
	planStore, err := store.NewFilePlanStore(workspaceRoot)
	if err != nil {
		return nil, err
	}
	eventLog, err := store.NewJSONLEventLog(workspaceRoot)
	if err != nil {
		return nil, err
	}

	skillIndex, err := skill.NewDirSkillIndex(defaultSkillRoots(workspaceRoot)...)
	if err != nil {
		return nil, err
	}

	mem := memory.NewStructuredManager(workspaceRoot)

	reg := tools.NewRegistry()
	reg.MustRegister(&systool.ListSkillsTool{SkillIndex: skillIndex})
	reg.MustRegister(&systool.ReadSkillTool{SkillIndex: skillIndex})
	reg.MustRegister(&systool.ActivateSkillTool{SkillIndex: skillIndex})
	reg.MustRegister(&systool.ReadTodosTool{PlanStore: planStore})
	reg.MustRegister(&systool.WriteTodosTool{PlanStore: planStore})
	reg.MustRegister(&systool.ReadMemoryTool{Manager: mem})
	reg.MustRegister(&systool.UpdateMemoryTool{Manager: mem})
	reg.MustRegister(&systool.UnderstandIntentTool{})

	if enableToolsFlag {
		for _, t := range tools.DefaultRegistry(workspaceRoot).All() {
			reg.MustRegister(t)
		}
		// run_skill_script needs skill index for path resolution.
		reg.MustRegister(tools.NewRunSkillScriptTool(workspaceRoot, skillIndex))

		// PTY-backed interactive shell sessions, kept alive across tool calls.
		reg.MustRegister(tools.NewUnifiedExecTool(ptyexec.NewManager(workspaceRoot)))
	}

	// Retrieval coordinator backs both the search_code tool and restore-
	// after-compaction. Degrades gracefully (vector search off) when no
	// embedder is configured; index open failures are non-fatal since a
	// fresh session can still run with retrieval disabled.
	var coordinator *retrieval.UnifiedCoordinator
	ctx := context.Background()
	chunkIndex, err := retrieval.OpenChunkIndex(ctx, workspaceRoot)
	if err != nil {
		logger.Warn("Engine", "chunk index unavailable, retrieval disabled", map[string]interface{}{"error": err.Error()})
	} else {
		tagCache, err := retrieval.OpenTagCache(ctx, workspaceRoot, retrieval.NewRegexTagExtractor())
		if err != nil {
			logger.Warn("Engine", "tag cache unavailable, retrieval disabled", map[string]interface{}{"error": err.Error()})
		} else {
			coordinator, err = retrieval.NewUnifiedCoordinator(workspaceRoot, chunkIndex, tagCache, nil, retrieval.DefaultConfig())
			if err != nil {
				logger.Warn("Engine", "retrieval coordinator unavailable", map[string]interface{}{"error": err.Error()})
				coordinator = nil
			}
		}
	}
	if coordinator != nil {
		reg.MustRegister(tools.NewRetrievalSearchTool(coordinator))
	}

	var llm runtime.LLM = &runtime.MockLLM{}
	if apiKey := os.Getenv("LLM_API_KEY"); apiKey != "" {
		baseURL := os.Getenv("LLM_BASE_URL")
		model := os.Getenv("LLM_MODEL")
		if modelFlag != "" {
			model = modelFlag
		}
		if rps, err := strconv.ParseFloat(os.Getenv("LLM_REQUESTS_PER_SECOND"), 64); err == nil && rps > 0 {
			llm = runtime.NewTransportLLM(transport.Options{
				Provider:          transport.Provider(os.Getenv("LLM_PROVIDER")),
				BaseURL:           baseURL,
				APIKey:            apiKey,
				Model:             model,
				RequestsPerSecond: rps,
				MaxRetries:        3,
			})
		} else {
			llm = runtime.NewOpenAILLM(baseURL, apiKey, model)
		}
	}

	// Read compression settings from environment
	autoCompressThreshold := 50 // Default
	if v := os.Getenv("AUTO_COMPRESS_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			autoCompressThreshold = n
		}
	}
	compressKeepTurns := 3 // Default
	if v := os.Getenv("COMPRESS_KEEP_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			compressKeepTurns = n
		}
	}

	// Filter historical tool messages (default: true for smaller context)
	filterHistoryTools := true
	if v := os.Getenv("FILTER_HISTORY_TOOLS"); v == "false" || v == "0" {
		filterHistoryTools = false
	}

	var mcpServers []string
	if v := os.Getenv("MCP_SERVERS"); v != "" {
		mcpServers = strings.Split(v, ",")
	}

	// Canonical section ordering (Identity -> ToolPolicy -> Security ->
	// GitWorkflow -> TaskManagement -> McpInstructions -> Injections ->
	// Environment -> Permission -> MemoryFiles). Persona/BasePrompt/Skills
	// stay in front since they prepend to the system prompt rather than
	// append, and PlanningMiddleware/MemoryMiddleware are threaded in as
	// the TaskManagement/MemoryFiles sections rather than duplicated.
	sections := promptbuild.OrderedMiddlewares(promptbuild.Config{
		WorkspaceRoot:     workspaceRoot,
		EnableGitWorkflow: true,
		McpServers:        mcpServers,
		TaskManagement:    []mw.Middleware{mw.NewPlanningMiddleware(planStore)},
		MemoryFiles:       []mw.Middleware{mw.NewMemoryMiddleware(mem)},
	})
	middlewares := make([]runtime.Middleware, 0, 3+len(sections))
	middlewares = append(middlewares,
		mw.NewPersonaMiddleware(workspaceRoot, filepath.Dir(workspaceRoot), agentFlag),
		mw.NewBasePromptMiddleware(workspaceRoot),
		mw.NewSkillsMiddleware(skillIndex),
	)
	for _, s := range sections {
		middlewares = append(middlewares, s)
	}

	engine, err := runtime.NewEngine(runtime.EngineConfig{
		LLM:                   llm,
		Tools:                 reg,
		Policy:                policy.NewDefaultPolicy(),
		Middlewares:           middlewares,
		WorkspaceRoot:         workspaceRoot,
		SkillIndex:            skillIndex,
		SessionStore:          sessionStore,
		PlanStore:             planStore,
		EventLog:              eventLog,
		AutoCompressThreshold: autoCompressThreshold,
		CompressKeepTurns:     compressKeepTurns,
		FilterHistoryTools:    filterHistoryTools,
		Retrieval:             coordinator,
		RestoreConfig:         compaction.DefaultRestoreConfig(),
	})
	if err != nil {
		return nil, err
	}
	return engine, nil
}

package systool

import "turnengine/pkg/engine/api"

// These mirror tools.BaseTool's risk-derived defaults for the tools.Tool
// methods added by P5 (concurrency_safety, check_permission, etc.). The
// systool package predates tools.BaseTool and hand-rolls Name/Risk/Schema
// per type, so the defaults are reproduced here rather than introducing an
// embedding dependency on the tools package.

func concurrencySafetyForRisk(risk api.RiskLevel) api.ConcurrencySafety {
	if risk == api.RiskHigh {
		return api.ConcurrencySerial
	}
	return api.ConcurrencySafeWithAny
}

func checkPermissionForRisk(risk api.RiskLevel) api.SandboxDecision {
	if risk == api.RiskHigh {
		return api.NeedsApproval
	}
	return api.Allowed
}

// systoolMaxResultSizeChars matches tools.defaultMaxResultSizeChars; none of
// these tools produce output anywhere near this size.
const systoolMaxResultSizeChars = 100 * 1024
